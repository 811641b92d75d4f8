// Package stream implements Server-Sent Events (SSE) for a running
// simulation. Clients connect via GET /api/v1/simulation/events and receive
// run events as they happen.
//
// SSE message format:
//
//	data: {"type":"progress","fraction":0.25,"sim_time":"...","slices_written":120,...}\n\n
//
// The first message is always the run header:
//
//	data: {"type":"run","id":"...","state":"running"}\n\n
//
// Further types are "state", "underrun", "snapshot" (every ?snapshot=N
// seconds when requested) and a final "completed", after which the server
// ends the stream. Keep-alive comments (:\n\n) are sent every
// KeepaliveInterval.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/star/stargnss/internal/httputil"
	"github.com/star/stargnss/internal/metrics"
	"github.com/star/stargnss/internal/sim"
)

// Source is the simulation a stream follows.
type Source interface {
	ID() string
	State() sim.RunState
	Progress() sim.Progress
	Snapshot() *sim.Snapshot
	Subscribe(sim.Listener) (unsubscribe func())
	Done() <-chan struct{}
	Wait(ctx context.Context) (sim.Completion, error)
}

// Config holds streaming configuration.
type Config struct {
	MaxConcurrentPerIP int           // Max concurrent streams per IP (default: 10).
	MaxTotal           int           // Max concurrent streams overall (default: 1000).
	KeepaliveInterval  time.Duration // Keep-alive ping interval (default: 30s).
	// Buffer is the number of events queued per client; events beyond it
	// are dropped for that client (default: 64).
	Buffer     int
	TrustProxy bool
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentPerIP <= 0 {
		c.MaxConcurrentPerIP = 10
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = 1000
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
	return c
}

// Handler manages SSE streaming connections.
type Handler struct {
	src     Source
	config  Config
	limiter *streamLimiter
	logger  *slog.Logger
}

// NewHandler creates a streaming handler following src.
func NewHandler(src Source, config Config, logger *slog.Logger) *Handler {
	config = config.withDefaults()
	return &Handler{
		src:     src,
		config:  config,
		limiter: newStreamLimiter(config.MaxConcurrentPerIP, config.MaxTotal),
		logger:  logger.With("component", "stream"),
	}
}

// ServeHTTP serves the event stream.
// GET /api/v1/simulation/events?snapshot=5
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var snapshotEvery time.Duration
	if v := r.URL.Query().Get("snapshot"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 60 {
			writeError(w, http.StatusBadRequest, "invalid snapshot parameter, must be 0-60")
			return
		}
		snapshotEvery = time.Duration(n) * time.Second
	}

	ip := httputil.ClientIP(r, h.config.TrustProxy)
	release, ok := h.limiter.acquire(ip)
	if !ok {
		forIP, total := h.limiter.active(ip)
		metrics.IncStreamErrors("rate_limit")
		h.logger.Warn("stream rate limit exceeded", "remote_ip", ip, "ip_streams", forIP, "total_streams", total)
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusTooManyRequests, "too many concurrent streams")
		return
	}

	metrics.IncStreamConnections("connect")
	metrics.IncStreamsActive()
	startTime := time.Now()
	h.logger.Info("stream connected", "remote_ip", ip, "user_agent", r.Header.Get("User-Agent"))

	c := &client{ip: ip, logger: h.logger}
	defer func() {
		release()
		metrics.IncStreamConnections("disconnect")
		metrics.DecStreamsActive()
		h.logger.Info("stream disconnected",
			"remote_ip", ip,
			"messages", c.messagesSent,
			"bytes", c.bytesSent,
			"duration_seconds", int(time.Since(startTime).Seconds()),
		)
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}
	c.w, c.flusher, c.rc = w, flusher, rc

	// Jittered retry interval (3-7s) spreads reconnects after a restart.
	fmt.Fprintf(w, "retry: %d\n\n", 3000+rand.Intn(4000))
	flusher.Flush()

	// Subscribe before the header so no transition falls between the two.
	events := make(chan any, h.config.Buffer)
	unsubscribe := h.src.Subscribe(h.listener(events))
	defer unsubscribe()

	if err := c.sendJSON(h.runHeader()); err != nil {
		metrics.IncStreamErrors("send_error")
		h.logger.Warn("stream send error (run)", "remote_ip", ip, "error", err)
		return
	}

	var snapshots <-chan time.Time
	if snapshotEvery > 0 {
		t := time.NewTicker(snapshotEvery)
		defer t.Stop()
		snapshots = t.C
	}

	keepaliveTicker := time.NewTicker(h.config.KeepaliveInterval)
	defer keepaliveTicker.Stop()

	ctx := r.Context()
	send := func(msg any) bool {
		if err := c.sendJSON(msg); err != nil {
			metrics.IncStreamErrors("send_error")
			h.logger.Warn("stream send error", "remote_ip", ip, "error", err)
			return false
		}
		keepaliveTicker.Reset(h.config.KeepaliveInterval)
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-events:
			if !send(msg) {
				return
			}

		case <-snapshots:
			if !send(buildSnapshotMessage(h.src.Snapshot())) {
				return
			}

		case <-h.src.Done():
			// Deliver what the run emitted before it ended, then close.
		drain:
			for {
				select {
				case msg := <-events:
					if !send(msg) {
						return
					}
				default:
					break drain
				}
			}
			comp, err := h.src.Wait(ctx)
			if err != nil {
				return
			}
			send(buildCompletedMessage(comp))
			return

		case <-keepaliveTicker.C:
			if err := c.sendKeepalive(); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream keepalive error", "remote_ip", ip, "error", err)
				return
			}
		}
	}
}

// listener queues run events for one client without ever blocking the
// pipeline goroutine that reports them.
func (h *Handler) listener(events chan<- any) sim.Listener {
	push := func(msg any) {
		select {
		case events <- msg:
		default:
			metrics.IncStreamErrors("dropped")
		}
	}
	return sim.Listener{
		OnProgress: func(p sim.Progress) { push(buildProgressMessage(p)) },
		OnStateChanged: func(from, to sim.RunState) {
			push(stateMessage{Type: "state", From: from.String(), To: to.String()})
		},
		OnUnderrun: func(delay time.Duration) {
			push(underrunMessage{Type: "underrun", DelayMs: delay.Milliseconds()})
		},
	}
}

func (h *Handler) runHeader() runMessage {
	msg := runMessage{Type: "run", ID: h.src.ID(), State: h.src.State().String()}
	if p := h.src.Progress(); p.SlicesWritten > 0 {
		pm := buildProgressMessage(p)
		msg.Progress = &pm
	}
	return msg
}

func buildProgressMessage(p sim.Progress) progressMessage {
	msg := progressMessage{
		Type:             "progress",
		Fraction:         p.Fraction,
		ElapsedSeconds:   p.Elapsed.Seconds(),
		RemainingSeconds: p.Remaining.Seconds(),
		SlicesWritten:    p.SlicesWritten,
		Underruns:        p.Underruns,
	}
	if !p.SimTime.IsZero() {
		msg.SimTime = p.SimTime.UTC().Format(time.RFC3339Nano)
	}
	return msg
}

// buildSnapshotMessage summarizes a snapshot per system. A nil snapshot
// yields an empty message.
func buildSnapshotMessage(snap *sim.Snapshot) snapshotMessage {
	msg := snapshotMessage{Type: "snapshot", Systems: make(map[string]systemCount)}
	if snap == nil {
		return msg
	}
	if !snap.Interval.Start.IsZero() {
		msg.T = snap.Interval.Start.UTC().Format(time.RFC3339Nano)
	}
	for sys, obs := range snap.Visible {
		var sc systemCount
		for _, o := range obs {
			sc.Visible++
			if o.Enabled {
				sc.Enabled++
				sc.Sats = append(sc.Sats, o.Sat.String())
			}
		}
		msg.Systems[sys.String()] = sc
	}
	return msg
}

func buildCompletedMessage(c sim.Completion) completedMessage {
	msg := completedMessage{Type: "completed", State: c.State.String(), Cancelled: c.Cancelled}
	if c.Err != nil {
		msg.Error = c.Err.Error()
	}
	return msg
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// SSE message payload types.

type runMessage struct {
	Type     string           `json:"type"`
	ID       string           `json:"id"`
	State    string           `json:"state"`
	Progress *progressMessage `json:"progress,omitempty"`
}

type progressMessage struct {
	Type             string  `json:"type"`
	Fraction         float64 `json:"fraction"`
	SimTime          string  `json:"sim_time,omitempty"`
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
	RemainingSeconds float64 `json:"remaining_seconds"`
	SlicesWritten    int64   `json:"slices_written"`
	Underruns        int64   `json:"underruns"`
}

type stateMessage struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
}

type underrunMessage struct {
	Type    string `json:"type"`
	DelayMs int64  `json:"delay_ms"`
}

type snapshotMessage struct {
	Type    string                 `json:"type"`
	T       string                 `json:"t,omitempty"`
	Systems map[string]systemCount `json:"systems"`
}

type systemCount struct {
	Visible int      `json:"visible"`
	Enabled int      `json:"enabled"`
	Sats    []string `json:"sats,omitempty"`
}

type completedMessage struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	Cancelled bool   `json:"cancelled"`
	Error     string `json:"error,omitempty"`
}
