// Package config loads the stargnss configuration from an optional
// stargnss.yaml (or .toml) file and STARGNSS_* environment variables.
// Environment variables name the nested key with underscores, e.g.
// STARGNSS_RUN_SLICE_LENGTH overrides run.slice_length.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/star/stargnss/internal/auth"
	"github.com/star/stargnss/internal/constellation"
	"github.com/star/stargnss/internal/propagation"
	"github.com/star/stargnss/internal/signal"
	"github.com/star/stargnss/internal/sim"
	"github.com/star/stargnss/internal/stream"
	"github.com/star/stargnss/internal/transform"
)

// Trajectory kinds.
const (
	TrajectoryStatic    = "static"
	TrajectoryWaypoints = "waypoints"
	TrajectoryLive      = "live"
)

// Output kinds.
const (
	OutputFile     = "file"
	OutputNull     = "null"
	OutputEmulated = "emulated"
)

// Config is the complete process configuration.
type Config struct {
	HTTPAddr      string
	TrustProxy    bool
	Auth          auth.Config
	Run           Run
	Channels      []sim.Channel
	Sim           sim.Config
	Trajectory    Trajectory
	Output        Output
	TLE           TLE
	Propagation   propagation.PropConfig
	Constellation constellation.Config
	Signal        signal.Config
	Stream        stream.Config
}

// Run describes the simulated interval and what is rendered in it.
type Run struct {
	Start         time.Time
	Duration      time.Duration // 0 runs until cancelled (live trajectory only)
	SliceLength   time.Duration
	Systems       []sim.System
	ElevationMask float64
	SatLimit      sim.SatLimit
	// StartDelay postpones the first live buffer by this much wall time.
	StartDelay time.Duration
}

// Interval returns the simulated interval.
func (r Run) Interval() sim.Interval {
	iv := sim.Interval{Start: r.Start}
	if r.Duration > 0 {
		iv.End = r.Start.Add(r.Duration)
	}
	return iv
}

// Trajectory selects the receiver trajectory.
type Trajectory struct {
	Kind       string
	Position   transform.Geodetic
	SampleRate float64
	File       string // waypoint file
}

// Output selects where samples go.
type Output struct {
	Kind        string
	Dir         string
	Prefix      string
	BufferCount int
	ReadyDelay  time.Duration
}

// TLE configures almanac loading.
type TLE struct {
	Fetch    bool
	BaseURL  string
	CacheDir string
	MaxFiles int
	// Files maps a system name to a local TLE file used instead of
	// fetching.
	Files map[string]string
}

// channelEntry is one element of the channels list.
type channelEntry struct {
	Name            string   `mapstructure:"name"`
	CenterFrequency float64  `mapstructure:"center_frequency"`
	SampleRate      float64  `mapstructure:"sample_rate"`
	Quantization    int      `mapstructure:"quantization"`
	Systems         []string `mapstructure:"systems"`
}

// defaultChannels is one L1 band carrying GPS and Galileo.
var defaultChannels = []channelEntry{
	{Name: "L1", CenterFrequency: 1575.42e6, SampleRate: 2.6e6, Quantization: 16, Systems: []string{"gps", "galileo"}},
}

// Load reads configFile, or stargnss.{yaml,toml} from /etc/stargnss or the
// working directory when configFile is empty, then applies the environment.
// A missing default file is not an error. Invalid scalar values are logged
// and replaced by their defaults; invalid channels, systems and
// authentication settings are errors.
func Load(configFile string, logger *slog.Logger) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STARGNSS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("stargnss")
		v.AddConfigPath("/etc/stargnss")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		logger.Info("no config file found, using defaults and environment")
	} else {
		logger.Info("config file loaded", "path", v.ConfigFileUsed())
	}

	l := loader{v: v, logger: logger}
	cfg := &Config{
		HTTPAddr:   l.str("http_addr", ":8080"),
		TrustProxy: l.boolean("http_trust_proxy", false),
	}

	var err error
	if cfg.Auth, err = l.auth(); err != nil {
		return nil, err
	}
	if cfg.Run, err = l.run(); err != nil {
		return nil, err
	}
	if cfg.Channels, err = l.channels(); err != nil {
		return nil, err
	}
	cfg.Sim = l.sim()
	if cfg.Trajectory, err = l.trajectory(); err != nil {
		return nil, err
	}
	cfg.Output = l.output()
	cfg.TLE = l.tle()
	cfg.Propagation = propagation.PropConfig{Workers: l.integer("propagation.workers", 0, 0)}
	cfg.Constellation = constellation.Config{
		KeyframeStep:  l.duration("constellation.keyframe_step", time.Second, time.Millisecond),
		CacheSize:     l.integer("constellation.cache_size", 8, 1),
		MaxAlmanacAge: l.duration("constellation.max_almanac_age", 14*24*time.Hour, 0),
	}
	cfg.Signal = signal.Config{
		Seed:       int64(l.integer("signal.seed", 1, -1<<31)),
		NoiseSigma: l.float("signal.noise_sigma", 1, nil),
		ZenithCN0:  l.float("signal.zenith_cn0", 45, func(f float64) bool { return f > 0 && f < 80 }),
	}
	cfg.Stream = stream.Config{
		MaxConcurrentPerIP: l.integer("stream.max_per_ip", 10, 1),
		MaxTotal:           l.integer("stream.max_total", 1000, 1),
		KeepaliveInterval:  l.duration("stream.keepalive", 30*time.Second, time.Second),
		Buffer:             l.integer("stream.buffer", 64, 1),
		TrustProxy:         cfg.TrustProxy,
	}

	logger.Info("configuration",
		"http_addr", cfg.HTTPAddr,
		"auth_enabled", cfg.Auth.Enabled,
		"slice_ms", cfg.Run.SliceLength.Milliseconds(),
		"duration_seconds", cfg.Run.Duration.Seconds(),
		"channels", len(cfg.Channels),
		"trajectory", cfg.Trajectory.Kind,
		"output", cfg.Output.Kind,
		"tle_fetch", cfg.TLE.Fetch,
	)
	return cfg, nil
}

func (l loader) auth() (auth.Config, error) {
	cfg := auth.Config{Enabled: l.boolean("auth.enabled", false)}
	if cfg.Enabled {
		cfg.Token = l.str("auth.token", "")
		if cfg.Token == "" {
			return cfg, errors.New("STARGNSS_AUTH_TOKEN is required when auth is enabled")
		}
	}
	return cfg, nil
}

func (l loader) run() (Run, error) {
	r := Run{
		Duration:      l.duration("run.duration", time.Minute, 0),
		SliceLength:   l.duration("run.slice_length", 100*time.Millisecond, time.Millisecond),
		ElevationMask: l.float("run.elevation_mask", 5, func(f float64) bool { return f >= -90 && f <= 90 }),
		StartDelay:    l.duration("run.start_delay", 0, 0),
	}

	r.Start = time.Now().UTC().Truncate(time.Second)
	switch s := l.v.Get("run.start").(type) {
	case time.Time:
		r.Start = s.UTC()
	case string:
		if s == "" {
			break
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			l.logger.Warn("invalid run.start value, using current time", "value", s)
		} else {
			r.Start = t.UTC()
		}
	}

	for _, name := range l.list("run.systems", []string{"gps", "galileo"}) {
		sys, err := sim.ParseSystem(name)
		if err != nil {
			return r, fmt.Errorf("run.systems: %w", err)
		}
		r.Systems = append(r.Systems, sys)
	}

	mode, err := sim.ParseLimitMode(l.str("run.limit_mode", "off"))
	if err != nil {
		l.logger.Warn("invalid run.limit_mode value, limit disabled", "error", err)
	}
	r.SatLimit = sim.SatLimit{Mode: mode, Max: l.integer("run.limit_max", 0, 0)}
	if mode == sim.LimitManual && r.SatLimit.Max < 1 {
		return r, errors.New("run.limit_max must be at least 1 in manual limit mode")
	}
	return r, nil
}

func (l loader) channels() ([]sim.Channel, error) {
	var entries []channelEntry
	if err := l.v.UnmarshalKey("channels", &entries); err != nil {
		return nil, fmt.Errorf("decoding channels: %w", err)
	}
	if len(entries) == 0 {
		entries = defaultChannels
	}

	chans := make([]sim.Channel, 0, len(entries))
	for i, e := range entries {
		ch := sim.Channel{
			Index:           i,
			Name:            e.Name,
			CenterFrequency: e.CenterFrequency,
			SampleRate:      e.SampleRate,
			Quantization:    e.Quantization,
		}
		if ch.Name == "" {
			ch.Name = fmt.Sprintf("ch%d", i)
		}
		if ch.Quantization == 0 {
			ch.Quantization = 16
		}
		if ch.Quantization != 8 && ch.Quantization != 16 {
			return nil, fmt.Errorf("channel %s: quantization must be 8 or 16 bits, got %d", ch.Name, ch.Quantization)
		}
		if ch.CenterFrequency <= 0 || ch.SampleRate <= 0 {
			return nil, fmt.Errorf("channel %s: center frequency and sample rate must be positive", ch.Name)
		}
		for _, name := range e.Systems {
			sys, err := sim.ParseSystem(name)
			if err != nil {
				return nil, fmt.Errorf("channel %s: %w", ch.Name, err)
			}
			ch.Systems = append(ch.Systems, sys)
		}
		chans = append(chans, ch)
	}
	return chans, nil
}

func (l loader) sim() sim.Config {
	return sim.Config{
		Concurrency:    l.integer("sim.concurrency", 0, 0),
		PacingDelay:    l.duration("sim.pacing_delay", 10*time.Millisecond, -time.Second),
		LockTimeout:    l.duration("sim.lock_timeout", 10*time.Second, time.Millisecond),
		QueueWatermark: l.integer("sim.queue_watermark", 256, 1),
		WarmupSlices:   l.integer("sim.warmup_slices", 3, 1),
		LevelWindow:    l.integer("sim.level_window", 20, 1),
		DisableAGC:     l.boolean("sim.disable_agc", false),
		Limit: sim.LimitPolicy{
			Divisor: l.integer("sim.limit_divisor", 30, 1),
			Step:    l.integer("sim.limit_step", 1, 1),
		},
	}
}

func (l loader) trajectory() (Trajectory, error) {
	t := Trajectory{
		Kind: strings.ToLower(l.str("trajectory.kind", TrajectoryStatic)),
		Position: transform.Geodetic{
			LatDeg: l.float("trajectory.lat", 48.8566, func(f float64) bool { return f >= -90 && f <= 90 }),
			LonDeg: l.float("trajectory.lon", 2.3522, func(f float64) bool { return f >= -180 && f <= 180 }),
			AltM:   l.float("trajectory.alt", 35, nil),
		},
		SampleRate: l.float("trajectory.sample_rate", 10, func(f float64) bool { return f > 0 }),
		File:       l.str("trajectory.file", ""),
	}
	switch t.Kind {
	case TrajectoryStatic, TrajectoryLive:
	case TrajectoryWaypoints:
		if t.File == "" {
			return t, errors.New("trajectory.file is required for a waypoints trajectory")
		}
	default:
		l.logger.Warn("invalid trajectory.kind value, using default", "value", t.Kind, "default", TrajectoryStatic)
		t.Kind = TrajectoryStatic
	}
	return t, nil
}

func (l loader) output() Output {
	o := Output{
		Kind:        strings.ToLower(l.str("output.kind", OutputFile)),
		Dir:         l.str("output.dir", "."),
		Prefix:      l.str("output.prefix", "stargnss"),
		BufferCount: l.integer("output.buffer_count", 4, 1),
		ReadyDelay:  l.duration("output.ready_delay", 0, 0),
	}
	switch o.Kind {
	case OutputFile, OutputNull, OutputEmulated:
	default:
		l.logger.Warn("invalid output.kind value, using default", "value", o.Kind, "default", OutputFile)
		o.Kind = OutputFile
	}
	return o
}

func (l loader) tle() TLE {
	t := TLE{
		Fetch:    l.boolean("tle.fetch", true),
		BaseURL:  l.str("tle.base_url", ""),
		CacheDir: l.str("tle.cache_dir", "/tmp/stargnss/tle"),
		MaxFiles: l.integer("tle.max_files", 5, 1),
		Files:    make(map[string]string),
	}
	for sys, path := range l.v.GetStringMapString("tle.files") {
		t.Files[strings.ToLower(sys)] = path
	}
	return t
}
