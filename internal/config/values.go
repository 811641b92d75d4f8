package config

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// loader reads typed values, falling back to the default with a warning
// when a value does not parse or is out of range.
type loader struct {
	v      *viper.Viper
	logger *slog.Logger
}

func (l loader) invalid(key, value string, def any) {
	l.logger.Warn("invalid "+key+" value, using default", "value", value, "default", def)
}

func (l loader) str(key, def string) string {
	if s := strings.TrimSpace(l.v.GetString(key)); s != "" {
		return s
	}
	return def
}

// list accepts a YAML list or a comma separated string.
func (l loader) list(key string, def []string) []string {
	var out []string
	for _, item := range l.v.GetStringSlice(key) {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func (l loader) integer(key string, def, min int) int {
	s := l.str(key, "")
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min {
		l.invalid(key, s, def)
		return def
	}
	return n
}

func (l loader) float(key string, def float64, valid func(float64) bool) float64 {
	s := l.str(key, "")
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || (valid != nil && !valid(f)) {
		l.invalid(key, s, def)
		return def
	}
	return f
}

func (l loader) duration(key string, def, min time.Duration) time.Duration {
	s := l.str(key, "")
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < min {
		l.invalid(key, s, def.String())
		return def
	}
	return d
}

func (l loader) boolean(key string, def bool) bool {
	s := l.str(key, "")
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		l.invalid(key, s, def)
		return def
	}
	return b
}
