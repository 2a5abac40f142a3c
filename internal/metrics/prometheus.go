package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the meeting ingestion service
type Metrics struct {
	// Frame metrics
	FramesReceived *prometheus.CounterVec
	FrameErrors    prometheus.Counter

	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsClosed   *prometheus.CounterVec
	SessionsArchived prometheus.Counter
	ArchiveFailures  prometheus.Counter
	SessionDuration  prometheus.Histogram

	// Audio metrics
	AudioBytesWritten  prometheus.Counter
	PendingFrameDrops  prometheus.Counter
	ParticipantWriters prometheus.Counter

	// Pipeline metrics
	Transcriptions        *prometheus.CounterVec
	Summaries             *prometheus.CounterVec
	ProviderFallbacks     prometheus.Counter
	TranscriptionDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the default registry
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates and registers all metrics with the given registerer.
// Tests pass a fresh registry to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	promauto := promauto.With(reg)

	return &Metrics{
		FramesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbot_frames_received_total",
			Help: "Total number of frames received by frame type",
		}, []string{"type"}),
		FrameErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_frame_errors_total",
			Help: "Total number of malformed or unknown frames",
		}),

		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meetbot_active_sessions",
			Help: "Current number of active recording sessions",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbot_sessions_closed_total",
			Help: "Total number of sessions closed by reason",
		}, []string{"reason"}),
		SessionsArchived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_sessions_archived_total",
			Help: "Total number of sessions archived to the completed directory",
		}),
		ArchiveFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_archive_failures_total",
			Help: "Total number of failed archive moves",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetbot_session_duration_seconds",
			Help:    "Duration of recording sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2 hours
		}),

		AudioBytesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_audio_bytes_written_total",
			Help: "Total PCM bytes written across all container files",
		}),
		PendingFrameDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_pending_frame_drops_total",
			Help: "Total audio frames dropped from pending buffers on overflow",
		}),
		ParticipantWriters: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_participant_writers_total",
			Help: "Total per-participant writers created",
		}),

		Transcriptions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbot_transcriptions_total",
			Help: "Total transcription attempts by outcome",
		}, []string{"outcome"}),
		Summaries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbot_summaries_total",
			Help: "Total summaries produced by provider",
		}, []string{"provider"}),
		ProviderFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_provider_fallbacks_total",
			Help: "Total provider fallbacks in the post-archive pipeline",
		}),
		TranscriptionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetbot_transcription_duration_seconds",
			Help:    "Duration of transcription provider calls",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50 seconds
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbot_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meetbot_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordFrame increments the received counter for a frame type name
func (m *Metrics) RecordFrame(frameType string) {
	m.FramesReceived.WithLabelValues(frameType).Inc()
}

// RecordFrameError increments the malformed frame counter
func (m *Metrics) RecordFrameError() {
	m.FrameErrors.Inc()
}

// RecordSessionCreated increments the created counter and active gauge
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionClosed records a close with its reason and observed duration
func (m *Metrics) RecordSessionClosed(reason string, durationSeconds float64) {
	m.SessionsClosed.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
	m.ActiveSessions.Dec()
}

// RecordArchive records an archive attempt outcome
func (m *Metrics) RecordArchive(ok bool) {
	if ok {
		m.SessionsArchived.Inc()
	} else {
		m.ArchiveFailures.Inc()
	}
}

// RecordAudioBytes adds to the PCM bytes written counter
func (m *Metrics) RecordAudioBytes(n int) {
	m.AudioBytesWritten.Add(float64(n))
}

// RecordPendingDrop increments the pending buffer overflow counter
func (m *Metrics) RecordPendingDrop() {
	m.PendingFrameDrops.Inc()
}

// RecordParticipantWriter increments the per-participant writer counter
func (m *Metrics) RecordParticipantWriter() {
	m.ParticipantWriters.Inc()
}

// RecordTranscription records a transcription outcome and duration
func (m *Metrics) RecordTranscription(ok bool, durationSeconds float64) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.Transcriptions.WithLabelValues(outcome).Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordSummary records a produced summary by provider name
func (m *Metrics) RecordSummary(provider string) {
	m.Summaries.WithLabelValues(provider).Inc()
}

// RecordProviderFallback increments the fallback counter
func (m *Metrics) RecordProviderFallback() {
	m.ProviderFallbacks.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
