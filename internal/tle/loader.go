package tle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/star/stargnss/internal/metrics"
)

// Loader fills a Store from the network, falling back to the disk cache.
// Either Fetcher or Cache may be nil.
type Loader struct {
	Store   *Store
	Fetcher *Fetcher
	Cache   *Cache
	Logger  *slog.Logger
}

// Load refreshes the almanac of one system. A failed download is logged
// and the newest cache file is used instead.
func (l *Loader) Load(ctx context.Context, system string) (*Dataset, error) {
	if l.Fetcher != nil {
		ds, err := l.fetch(ctx, system)
		if err == nil {
			return ds, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.Logger.Warn("TLE fetch failed, trying cache", "system", system, "error", err)
	}

	if l.Cache == nil {
		return nil, fmt.Errorf("no TLE source for %s", system)
	}
	data, ts, err := l.Cache.LoadLatest(system)
	if err != nil {
		return nil, fmt.Errorf("loading cached TLE for %s: %w", system, err)
	}
	return l.install(system, "cache", data, ts)
}

// LoadSystems loads the almanac of every system, from files[system] when
// set and from Load otherwise. Failures are joined; systems that loaded stay
// installed.
func (l *Loader) LoadSystems(ctx context.Context, systems []string, files map[string]string) error {
	var errs []error
	for _, sys := range systems {
		var err error
		if path, ok := files[sys]; ok {
			_, err = l.LoadFile(sys, path)
		} else {
			_, err = l.Load(ctx, sys)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s almanac: %w", sys, err))
		}
	}
	return errors.Join(errs...)
}

// LoadFile installs a local TLE file as the almanac of system.
func (l *Loader) LoadFile(system, path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading TLE file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat TLE file: %w", err)
	}
	return l.install(system, path, data, info.ModTime())
}

func (l *Loader) fetch(ctx context.Context, system string) (*Dataset, error) {
	data, err := l.Fetcher.Fetch(ctx, system)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	src, _ := l.Fetcher.SourceURL(system)
	ds, err := l.install(system, src, data, now)
	if err != nil {
		return nil, err
	}
	if l.Cache != nil {
		if err := l.Cache.Write(system, data, now); err != nil {
			l.Logger.Warn("failed to write TLE cache", "system", system, "error", err)
		}
	}
	return ds, nil
}

func (l *Loader) install(system, source string, data []byte, ts time.Time) (*Dataset, error) {
	entries, err := Parse(bytes.NewReader(data), l.Logger)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no valid TLE entries for %s from %s", system, source)
	}

	ds := NewDataset(system, source, ts, entries)
	l.Store.Set(ds)
	metrics.SetAlmanacSatellites(system, len(entries))

	l.Logger.Info("TLE dataset loaded",
		"system", system,
		"source", source,
		"satellites", len(entries),
		"epoch_min", ds.EpochRange.Min.UTC().Format(time.RFC3339),
		"epoch_max", ds.EpochRange.Max.UTC().Format(time.RFC3339),
	)
	return ds, nil
}
