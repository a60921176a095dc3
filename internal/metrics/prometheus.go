package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the caption service
type Metrics struct {
	// Audio pipeline metrics
	FramesProcessed prometheus.Counter
	SegmentsEmitted prometheus.Counter
	SegmentDuration prometheus.Histogram
	SegmentSize     prometheus.Histogram

	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsClosed   prometheus.Counter
	SessionDuration  prometheus.Histogram
	MessagesReceived prometheus.Counter
	MessagesSent     prometheus.Counter
	ProtocolErrors   prometheus.Counter

	// Reconciler metrics
	UpdatesAccepted *prometheus.CounterVec
	UpdatesDropped  *prometheus.CounterVec
	Enhancements    prometheus.Counter

	// Overlay metrics
	OverlayTransitions *prometheus.CounterVec
	OverlayPanics      prometheus.Counter
	CaptionsDelivered  prometheus.Counter

	// Recognition metrics
	RecognitionRequests  prometheus.Counter
	RecognitionSuccesses prometheus.Counter
	RecognitionFailures  prometheus.Counter
	RecognitionDuration  prometheus.Histogram
	RecognitionRetries   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Audio pipeline metrics
		FramesProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "st_audio_frames_processed_total",
			Help: "Total number of audio frames ingested by segmenters",
		}),
		SegmentsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "st_speech_segments_emitted_total",
			Help: "Total number of speech segments emitted",
		}),
		SegmentDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "st_segment_duration_seconds",
			Help:    "Duration of emitted speech segments",
			Buckets: prometheus.LinearBuckets(1, 2, 8), // 1s to 15s
		}),
		SegmentSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "st_segment_size_bytes",
			Help:    "Size of emitted speech segments in bytes",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 10), // 4KB to ~4MB
		}),

		// Session metrics
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "st_active_sessions",
			Help: "Current number of active capture sessions",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "st_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "st_sessions_closed_total",
			Help: "Total number of sessions closed",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "st_session_duration_seconds",
			Help:    "Duration of sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		MessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "st_messages_received_total",
			Help: "Total number of protocol messages received",
		}),
		MessagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "st_messages_sent_total",
			Help: "Total number of protocol messages sent",
		}),
		ProtocolErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "st_protocol_errors_total",
			Help: "Total number of malformed protocol messages dropped",
		}),

		// Reconciler metrics
		UpdatesAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "st_caption_updates_accepted_total",
			Help: "Total number of caption updates accepted by the reconciler",
		}, []string{"category"}),
		UpdatesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "st_caption_updates_dropped_total",
			Help: "Total number of caption updates dropped by throttle gates",
		}, []string{"category"}),
		Enhancements: promauto.NewCounter(prometheus.CounterOpts{
			Name: "st_caption_enhancements_applied_total",
			Help: "Total number of enhancement events merged into caption state",
		}),

		// Overlay metrics
		OverlayTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "st_overlay_transitions_total",
			Help: "Total number of overlay window state transitions",
		}, []string{"state"}),
		OverlayPanics: promauto.NewCounter(prometheus.CounterOpts{
			Name: "st_overlay_panics_recovered_total",
			Help: "Total number of panics recovered at the overlay boundary",
		}),
		CaptionsDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "st_captions_delivered_total",
			Help: "Total number of caption states delivered to overlay surfaces",
		}),

		// Recognition metrics
		RecognitionRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "st_recognition_requests_total",
			Help: "Total number of recognition requests sent",
		}),
		RecognitionSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "st_recognition_successes_total",
			Help: "Total number of successful recognition requests",
		}),
		RecognitionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "st_recognition_failures_total",
			Help: "Total number of failed recognition requests",
		}),
		RecognitionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "st_recognition_duration_seconds",
			Help:    "Duration of recognition requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		RecognitionRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "st_recognition_retries_total",
			Help: "Total number of recognition request retries",
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "st_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "st_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "st_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordFrameProcessed increments the frames processed counter
func (m *Metrics) RecordFrameProcessed() {
	if m == nil {
		return
	}
	m.FramesProcessed.Inc()
}

// RecordSegmentEmitted increments the segment counters and histograms
func (m *Metrics) RecordSegmentEmitted(durationSeconds float64, sizeBytes int) {
	if m == nil {
		return
	}
	m.SegmentsEmitted.Inc()
	m.SegmentDuration.Observe(durationSeconds)
	m.SegmentSize.Observe(float64(sizeBytes))
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionClosed increments the sessions closed counter and records duration
func (m *Metrics) RecordSessionClosed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsClosed.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordMessageReceived increments the messages received counter
func (m *Metrics) RecordMessageReceived() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

// RecordMessageSent increments the messages sent counter
func (m *Metrics) RecordMessageSent() {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
}

// RecordProtocolError increments the protocol errors counter
func (m *Metrics) RecordProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

// RecordUpdateAccepted increments the accepted counter for a category
func (m *Metrics) RecordUpdateAccepted(category string) {
	if m == nil {
		return
	}
	m.UpdatesAccepted.WithLabelValues(category).Inc()
}

// RecordUpdateDropped increments the dropped counter for a category
func (m *Metrics) RecordUpdateDropped(category string) {
	if m == nil {
		return
	}
	m.UpdatesDropped.WithLabelValues(category).Inc()
}

// RecordEnhancementApplied increments the enhancements counter
func (m *Metrics) RecordEnhancementApplied() {
	if m == nil {
		return
	}
	m.Enhancements.Inc()
}

// RecordOverlayTransition increments the transition counter for a state
func (m *Metrics) RecordOverlayTransition(state string) {
	if m == nil {
		return
	}
	m.OverlayTransitions.WithLabelValues(state).Inc()
}

// RecordOverlayPanic increments the recovered panics counter
func (m *Metrics) RecordOverlayPanic() {
	if m == nil {
		return
	}
	m.OverlayPanics.Inc()
}

// RecordCaptionDelivered adds delivered caption states
func (m *Metrics) RecordCaptionDelivered(count int) {
	if m == nil {
		return
	}
	m.CaptionsDelivered.Add(float64(count))
}

// RecordRecognition records the outcome of one recognition request
func (m *Metrics) RecordRecognition(success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RecognitionRequests.Inc()
	m.RecognitionDuration.Observe(durationSeconds)
	if success {
		m.RecognitionSuccesses.Inc()
	} else {
		m.RecognitionFailures.Inc()
	}
}

// RecordRecognitionRetry increments the recognition retries counter
func (m *Metrics) RecordRecognitionRetry() {
	if m == nil {
		return
	}
	m.RecognitionRetries.Inc()
}

// RecordHTTPRequest records an HTTP request with its duration
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
