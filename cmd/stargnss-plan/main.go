// Command stargnss-plan lists when the satellites of each configured system
// are above the elevation mask at the configured receiver position, to pick
// a run start with the wanted geometry.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/star/stargnss/internal/config"
	"github.com/star/stargnss/internal/constellation"
	"github.com/star/stargnss/internal/passes"
	"github.com/star/stargnss/internal/tle"
)

func main() {
	configPath := flag.String("config", "", "config file (default: stargnss.yaml in /etc/stargnss or the working directory)")
	window := flag.Duration("window", 12*time.Hour, "prediction window from the run start")
	mask := flag.Float64("mask", -1, "elevation mask in degrees (default: run.elevation_mask)")
	asJSON := flag.Bool("json", false, "print JSON instead of a table")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR loading config:", err)
		os.Exit(1)
	}
	if *mask < 0 {
		*mask = cfg.Run.ElevationMask
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := tle.NewStore()
	loader := &tle.Loader{Store: store, Cache: tle.NewCache(cfg.TLE.CacheDir, cfg.TLE.MaxFiles), Logger: logger}
	if cfg.TLE.Fetch {
		loader.Fetcher = tle.NewFetcher(cfg.TLE.BaseURL, logger)
	}

	report := make(map[string][]passes.SatellitePasses)
	for _, sys := range cfg.Run.Systems {
		key := constellation.StoreKey(sys)
		if err := loader.LoadSystems(ctx, []string{key}, cfg.TLE.Files); err != nil {
			fmt.Fprintf(os.Stderr, "WARN %s skipped: %v\n", sys, err)
			continue
		}
		report[sys.String()] = passes.Predict(ctx, passes.Request{
			Receiver:     cfg.Trajectory.Position,
			Entries:      store.Get(key).Satellites,
			Start:        cfg.Run.Start,
			End:          cfg.Run.Start.Add(*window),
			MinElevation: *mask,
			Workers:      cfg.Propagation.Workers,
		})
	}
	if len(report) == 0 {
		fmt.Fprintln(os.Stderr, "ERROR no almanac available")
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintln(os.Stderr, "ERROR encoding report:", err)
			os.Exit(1)
		}
		return
	}
	printTable(os.Stdout, report, cfg.Run.Start, *window, *mask)
}

func printTable(w io.Writer, report map[string][]passes.SatellitePasses, start time.Time, window time.Duration, mask float64) {
	fmt.Fprintf(w, "Visibility above %.1f° from %s for %s\n\n", mask, start.UTC().Format(time.RFC3339), window)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYSTEM\tPRN\tNAME\tRISE\tSET\tMAX EL\tDURATION")
	total := 0
	for sys, sats := range report {
		for _, sat := range sats {
			if sat.Error != "" {
				fmt.Fprintf(tw, "%s\t%d\t%s\tERROR %s\t\t\t\n", sys, sat.PRN, sat.Name, sat.Error)
				continue
			}
			for _, p := range sat.Passes {
				rise, set := p.Rise.UTC().Format(time.TimeOnly), p.Set.UTC().Format(time.TimeOnly)
				if p.RisenBefore {
					rise = "up"
				}
				if p.SetsAfter {
					set = "up"
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%.1f°\t%s\n",
					sys, sat.PRN, sat.Name, rise, set, p.MaxElevationDeg, p.Duration().Round(time.Minute))
				total++
			}
		}
	}
	tw.Flush()
	fmt.Fprintf(w, "\nTotal passes found: %d\n", total)
}
