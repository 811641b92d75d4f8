package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stargnss_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stargnss_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	slicesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stargnss_slices_created_total",
		Help: "Slices built by the creator stage (warm-up slices excluded).",
	})

	slicesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stargnss_slices_processed_total",
			Help: "Slices rendered by the processor stage, by render mode.",
		},
		[]string{"mode"},
	)

	slicesWrittenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stargnss_slices_written_total",
		Help: "Slices handed to the output (warm-up slices excluded).",
	})

	bytesWrittenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stargnss_bytes_written_total",
		Help: "Sample bytes handed to the output across all channels.",
	})

	underrunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stargnss_buffer_underruns_total",
			Help: "Buffer underruns reported by live output, by limiter reaction.",
		},
		[]string{"action"},
	)

	playbackStartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stargnss_playback_starts_total",
		Help: "Live playback start events.",
	})

	stageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stargnss_stage_duration_seconds",
			Help:    "Per-slice time spent in each pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"stage"},
	)

	runState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stargnss_run_state",
		Help: "Current simulation run state (numeric RunState).",
	})

	progressRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stargnss_progress_ratio",
		Help: "Fraction of the simulated interval written so far.",
	})

	satelliteCap = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stargnss_satellite_cap",
		Help: "Current cap on rendered satellites (0 = unlimited).",
	})

	satellitesVisible = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stargnss_satellites_visible",
			Help: "Satellites above the elevation mask in the latest snapshot.",
		},
		[]string{"system"},
	)

	satellitesEnabled = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stargnss_satellites_enabled",
			Help: "Satellites selected for rendering in the latest snapshot.",
		},
		[]string{"system"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stargnss_queue_depth",
			Help: "Latency pipeline queue depth.",
		},
		[]string{"queue"},
	)

	poolAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stargnss_pool_buffers_available",
			Help: "Parked buffers per channel pool.",
		},
		[]string{"channel"},
	)

	propagationDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stargnss_propagation_duration_seconds",
		Help:    "SGP4 batch propagation duration.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	propagationErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stargnss_propagation_errors_total",
		Help: "Satellites that failed SGP4 propagation.",
	})

	ephemerisLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stargnss_ephemeris_lookups_total",
			Help: "Ephemeris keyframe cache lookups, by result.",
		},
		[]string{"result"},
	)

	almanacSatellites = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stargnss_almanac_satellites",
			Help: "Satellites in the loaded almanac, by system.",
		},
		[]string{"system"},
	)

	almanacAgeSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stargnss_almanac_age_seconds",
			Help: "Seconds since the almanac of a system was fetched.",
		},
		[]string{"system"},
	)

	streamConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stargnss_stream_connections_total",
			Help: "Event stream connects and disconnects.",
		},
		[]string{"event"},
	)

	streamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stargnss_streams_active",
		Help: "Open event stream connections.",
	})

	streamMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stargnss_stream_messages_total",
		Help: "Event stream messages sent.",
	})

	streamBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stargnss_stream_bytes_total",
		Help: "Event stream bytes sent, keepalives included.",
	})

	streamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stargnss_stream_errors_total",
			Help: "Event stream errors, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpDurationSeconds,
		slicesCreatedTotal,
		slicesProcessedTotal,
		slicesWrittenTotal,
		bytesWrittenTotal,
		underrunsTotal,
		playbackStartsTotal,
		stageDurationSeconds,
		runState,
		progressRatio,
		satelliteCap,
		satellitesVisible,
		satellitesEnabled,
		queueDepth,
		poolAvailable,
		propagationDurationSeconds,
		propagationErrorsTotal,
		ephemerisLookupsTotal,
		almanacSatellites,
		almanacAgeSeconds,
		streamConnectionsTotal,
		streamsActive,
		streamMessagesTotal,
		streamBytesTotal,
		streamErrorsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncSlicesCreated counts one slice built by the creator stage.
func IncSlicesCreated() { slicesCreatedTotal.Inc() }

// IncSlicesProcessed counts one rendered slice; mode is "full" or "skipped".
func IncSlicesProcessed(mode string) { slicesProcessedTotal.WithLabelValues(mode).Inc() }

// RecordSliceWritten counts one written slice of the given total size.
func RecordSliceWritten(bytes int) {
	slicesWrittenTotal.Inc()
	bytesWrittenTotal.Add(float64(bytes))
}

// IncUnderruns counts one underrun; action is "damped" or "ignored".
func IncUnderruns(action string) { underrunsTotal.WithLabelValues(action).Inc() }

// IncPlaybackStarts counts one live playback start.
func IncPlaybackStarts() { playbackStartsTotal.Inc() }

// ObserveStage records the time a slice spent in stage.
func ObserveStage(stage string, d time.Duration) {
	stageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// SetRunState publishes the numeric run state.
func SetRunState(state int) { runState.Set(float64(state)) }

// SetProgress publishes the completed fraction.
func SetProgress(fraction float64) { progressRatio.Set(fraction) }

// SetSatelliteCap publishes the limiter cap.
func SetSatelliteCap(n int) { satelliteCap.Set(float64(n)) }

// SetSatellites publishes visible and enabled counts for one system.
func SetSatellites(system string, visible, enabled int) {
	satellitesVisible.WithLabelValues(system).Set(float64(visible))
	satellitesEnabled.WithLabelValues(system).Set(float64(enabled))
}

// SetQueueDepth publishes a latency pipeline queue depth.
func SetQueueDepth(queue string, n int) { queueDepth.WithLabelValues(queue).Set(float64(n)) }

// SetPoolAvailable publishes the parked buffer count for a channel.
func SetPoolAvailable(channel string, n int) { poolAvailable.WithLabelValues(channel).Set(float64(n)) }

// RecordPropagation records one SGP4 batch.
func RecordPropagation(d time.Duration, errors int) {
	propagationDurationSeconds.Observe(d.Seconds())
	propagationErrorsTotal.Add(float64(errors))
}

// IncEphemerisLookup counts one keyframe lookup; result is "hit" or "miss".
func IncEphemerisLookup(result string) { ephemerisLookupsTotal.WithLabelValues(result).Inc() }

// SetAlmanacSatellites publishes the almanac size for a system.
func SetAlmanacSatellites(system string, n int) {
	almanacSatellites.WithLabelValues(system).Set(float64(n))
}

// SetAlmanacAge publishes how old a system's almanac is.
func SetAlmanacAge(system string, seconds float64) {
	almanacAgeSeconds.WithLabelValues(system).Set(seconds)
}

// IncStreamConnections counts a stream "connect" or "disconnect".
func IncStreamConnections(event string) { streamConnectionsTotal.WithLabelValues(event).Inc() }

func IncStreamsActive() { streamsActive.Inc() }

func DecStreamsActive() { streamsActive.Dec() }

func IncStreamMessages() { streamMessagesTotal.Inc() }

func AddStreamBytes(n int64) { streamBytesTotal.Add(float64(n)) }

// IncStreamErrors counts a stream error; reason is "rate_limit",
// "send_error" or "dropped".
func IncStreamErrors(reason string) { streamErrorsTotal.WithLabelValues(reason).Inc() }

// knownRoutes are exact paths reported as their own label.
var knownRoutes = map[string]bool{
	"/":                           true,
	"/healthz":                    true,
	"/readyz":                     true,
	"/metrics":                    true,
	"/api/v1/simulation":          true,
	"/api/v1/simulation/pause":    true,
	"/api/v1/simulation/resume":   true,
	"/api/v1/simulation/cancel":   true,
	"/api/v1/simulation/snapshot": true,
	"/api/v1/simulation/events":   true,
}

// normalizeRoute collapses paths to a bounded label set so scanners cannot
// blow up metric cardinality.
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	if strings.HasPrefix(path, "/api/v1/simulation/snapshot/") {
		return "/api/v1/simulation/snapshot/{system}"
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets the event stream flush through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		path := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(path, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(path, r.Method).Observe(duration)
	})
}
