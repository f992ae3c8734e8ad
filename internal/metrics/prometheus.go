package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the cowcow CLI.
// All Record* methods are no-ops on a nil receiver.
type Metrics struct {
	// Capture metrics
	ChunksProcessed prometheus.Counter
	ChunksDropped   prometheus.Counter
	VADFrameErrors  prometheus.Counter
	Sessions        *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	CaptureFailures *prometheus.CounterVec
	RecordingsSaved prometheus.Counter

	// Upload metrics
	UploadAttempts  prometheus.Counter
	UploadSuccesses prometheus.Counter
	UploadFailures  prometheus.Counter
	UploadSkips     *prometheus.CounterVec
	UploadDuration  prometheus.Histogram
	TokensAwarded   prometheus.Counter
	PendingUploads  prometheus.Gauge

	// HTTP client metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Capture metrics
		ChunksProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "cowcow_capture_chunks_processed_total",
			Help: "Total number of audio chunks analyzed by the capture pipeline",
		}),
		ChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "cowcow_capture_chunks_dropped_total",
			Help: "Total number of audio chunks dropped because the handoff queue was full",
		}),
		VADFrameErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "cowcow_vad_frame_errors_total",
			Help: "Total number of VAD frames that failed classification",
		}),
		Sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cowcow_capture_sessions_total",
			Help: "Total number of capture sessions by stop reason",
		}, []string{"stop_reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cowcow_capture_session_duration_seconds",
			Help:    "Processed audio duration of capture sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),
		CaptureFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cowcow_capture_failures_total",
			Help: "Total number of aborted capture sessions by reason",
		}, []string{"reason"}),
		RecordingsSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "cowcow_recordings_committed_total",
			Help: "Total number of recordings committed to the ledger",
		}),

		// Upload metrics
		UploadAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "cowcow_upload_attempts_total",
			Help: "Total number of upload submissions",
		}),
		UploadSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "cowcow_upload_successes_total",
			Help: "Total number of recordings uploaded",
		}),
		UploadFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "cowcow_upload_failures_total",
			Help: "Total number of failed upload submissions",
		}),
		UploadSkips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cowcow_upload_skips_total",
			Help: "Total number of pending recordings skipped by reason",
		}, []string{"reason"}),
		UploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cowcow_upload_duration_seconds",
			Help:    "Duration of upload submissions",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1 minute
		}),
		TokensAwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "cowcow_upload_tokens_awarded_total",
			Help: "Total number of tokens awarded by the collection service",
		}),
		PendingUploads: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cowcow_upload_pending",
			Help: "Number of recordings waiting for upload at the start of the last run",
		}),

		// HTTP client metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cowcow_http_requests_total",
			Help: "Total number of HTTP requests to the collection service",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cowcow_http_request_duration_seconds",
			Help:    "Duration of HTTP requests to the collection service",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordChunk increments the processed chunk counter
func (m *Metrics) RecordChunk() {
	if m == nil {
		return
	}
	m.ChunksProcessed.Inc()
}

// RecordDropped adds chunks dropped by the capture handoff
func (m *Metrics) RecordDropped(count uint64) {
	if m == nil || count == 0 {
		return
	}
	m.ChunksDropped.Add(float64(count))
}

// RecordVADErrors adds failed VAD frame classifications
func (m *Metrics) RecordVADErrors(count uint64) {
	if m == nil || count == 0 {
		return
	}
	m.VADFrameErrors.Add(float64(count))
}

// RecordSession records a finished capture session
func (m *Metrics) RecordSession(stopReason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(stopReason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordCaptureFailure records an aborted capture session
func (m *Metrics) RecordCaptureFailure(reason string) {
	if m == nil {
		return
	}
	m.CaptureFailures.WithLabelValues(reason).Inc()
}

// RecordCommitted increments the committed recordings counter
func (m *Metrics) RecordCommitted() {
	if m == nil {
		return
	}
	m.RecordingsSaved.Inc()
}

// RecordUploadSuccess records a successful submission
func (m *Metrics) RecordUploadSuccess(durationSeconds float64, tokens int) {
	if m == nil {
		return
	}
	m.UploadAttempts.Inc()
	m.UploadSuccesses.Inc()
	m.UploadDuration.Observe(durationSeconds)
	if tokens > 0 {
		m.TokensAwarded.Add(float64(tokens))
	}
}

// RecordUploadFailure records a failed submission
func (m *Metrics) RecordUploadFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.UploadAttempts.Inc()
	m.UploadFailures.Inc()
	m.UploadDuration.Observe(durationSeconds)
}

// RecordUploadSkip records a pending recording that was not submitted
func (m *Metrics) RecordUploadSkip(reason string) {
	if m == nil {
		return
	}
	m.UploadSkips.WithLabelValues(reason).Inc()
}

// SetPendingUploads sets the pending uploads gauge
func (m *Metrics) SetPendingUploads(count int) {
	if m == nil {
		return
	}
	m.PendingUploads.Set(float64(count))
}

// RecordHTTPRequest records an HTTP request to the collection service
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// WriteTextfile writes all metrics gathered by g to path in the text
// exposition format, for collection by node_exporter's textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}
