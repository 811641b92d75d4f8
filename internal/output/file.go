// Package output holds the reference sim.Output implementations: raw I/Q
// files, a byte-counting null sink and an emulated live playback device.
package output

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/star/stargnss/internal/sim"
)

const fileBufferSize = 1 << 20

// Metadata is written next to every I/Q file so the recording can be
// replayed without the configuration that produced it.
type Metadata struct {
	Channel         string    `yaml:"channel"`
	CenterFrequency float64   `yaml:"center_frequency_hz"`
	SampleRate      float64   `yaml:"sample_rate_hz"`
	Quantization    int       `yaml:"quantization_bits"`
	Format          string    `yaml:"format"`
	Systems         []string  `yaml:"systems,omitempty"`
	Start           time.Time `yaml:"start"`
	Samples         int64     `yaml:"samples"`
}

type channelFile struct {
	ch    sim.Channel
	path  string
	f     *os.File
	w     *bufio.Writer
	bytes int64
}

// File writes every channel to its own interleaved I/Q file,
// <dir>/<prefix>_<channel>.iq, plus a .yaml metadata sidecar on Close.
type File struct {
	channels []sim.Channel
	files    []*channelFile
	start    time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewFile creates the output files. start is recorded in the metadata.
func NewFile(dir, prefix string, channels []sim.Channel, start time.Time, logger *slog.Logger) (*File, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channels to record")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	out := &File{
		channels: channels,
		start:    start,
		logger:   logger.With("component", "output", "kind", "file"),
	}
	for _, ch := range channels {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.iq", prefix, fileSafe(ch)))
		f, err := os.Create(path)
		if err != nil {
			out.closeFiles()
			return nil, fmt.Errorf("creating %s: %w", path, err)
		}
		out.files = append(out.files, &channelFile{ch: ch, path: path, f: f, w: bufio.NewWriterSize(f, fileBufferSize)})
	}
	out.logger.Info("recording to files", "dir", dir, "channels", len(channels))
	return out, nil
}

func fileSafe(ch sim.Channel) string {
	name := ch.Name
	if name == "" {
		name = fmt.Sprintf("ch%d", ch.Index)
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' {
			return '_'
		}
		return r
	}, name)
}

// Channels returns the recorded channels.
func (o *File) Channels() []sim.Channel { return o.channels }

// ByteCountForInterval returns the file bytes covering d on ch.
func (o *File) ByteCountForInterval(ch sim.Channel, d time.Duration) int { return ch.BytesFor(d) }

// Write appends one slice to every channel file.
func (o *File) Write(s *sim.Slice) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("write after close")
	}
	for i, cf := range o.files {
		n, err := cf.w.Write(s.Buffers[i])
		cf.bytes += int64(n)
		if err != nil {
			return fmt.Errorf("writing %s: %w", cf.path, err)
		}
	}
	return nil
}

// Path returns the I/Q file of channel index i.
func (o *File) Path(i int) string { return o.files[i].path }

// Close flushes and closes every file and writes the metadata sidecars.
// It is safe to call more than once.
func (o *File) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	o.closed = true

	var errs []error
	for _, cf := range o.files {
		if err := cf.w.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flushing %s: %w", cf.path, err))
		}
		if err := o.writeMetadata(cf); err != nil {
			errs = append(errs, err)
		}
	}
	if err := o.closeFiles(); err != nil {
		errs = append(errs, err)
	}
	for _, cf := range o.files {
		o.logger.Info("recording closed", "path", cf.path, "bytes", cf.bytes)
	}
	return errors.Join(errs...)
}

func (o *File) closeFiles() error {
	var errs []error
	for _, cf := range o.files {
		if err := cf.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", cf.path, err))
		}
	}
	return errors.Join(errs...)
}

func (o *File) writeMetadata(cf *channelFile) error {
	meta := Metadata{
		Channel:         cf.ch.Name,
		CenterFrequency: cf.ch.CenterFrequency,
		SampleRate:      cf.ch.SampleRate,
		Quantization:    cf.ch.Quantization,
		Format:          fmt.Sprintf("ci%d_le", cf.ch.Quantization),
		Start:           o.start.UTC(),
		Samples:         cf.bytes / int64(cf.ch.BytesPerSample()),
	}
	for _, sys := range cf.ch.Systems {
		meta.Systems = append(meta.Systems, sys.String())
	}

	data, err := yaml.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	path := strings.TrimSuffix(cf.path, ".iq") + ".yaml"
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

// ReadMetadata loads a sidecar written by File.
func ReadMetadata(path string) (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(path)
	if err != nil {
		return meta, fmt.Errorf("reading metadata: %w", err)
	}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decoding metadata: %w", err)
	}
	return meta, nil
}
