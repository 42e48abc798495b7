// Package metrics provides Prometheus collectors for monitoring.
//
// Key metrics:
//   - WebSocket frame rates and drops
//   - Pipeline throughput, duplicates, and failures
//   - Batch flush counts and sizes
//   - Ingestion queue depth
//   - Active session count
//
// Collectors are registered against an injected Registerer; there is no
// package-global state. A nil *Metrics is a valid no-op receiver so that
// components can run unmetered in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector exported by the streamer.
type Metrics struct {
	framesReceived prometheus.Counter
	framesDropped  prometheus.Counter

	messagesReceived  prometheus.Counter
	duplicateMessages prometheus.Counter
	messagesProcessed prometheus.Counter
	messagesFailed    prometheus.Counter

	batchFlushes prometheus.Counter
	batchSize    prometheus.Histogram

	queueDepth     prometheus.Gauge
	activeSessions prometheus.Gauge

	processingSeconds prometheus.Histogram
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tvstream_frames_received_total",
			Help: "Raw frames delivered by the WebSocket read loop.",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tvstream_frames_dropped_total",
			Help: "Frames dropped because the inbound tap buffer was full.",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tvstream_pipeline_messages_received_total",
			Help: "Messages admitted to the pipeline ingestion queue.",
		}),
		duplicateMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tvstream_pipeline_duplicates_total",
			Help: "Messages suppressed by the deduplicator.",
		}),
		messagesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tvstream_pipeline_messages_processed_total",
			Help: "Messages that completed classification and dispatch.",
		}),
		messagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tvstream_pipeline_messages_failed_total",
			Help: "Messages whose handler returned an error or panicked.",
		}),
		batchFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tvstream_batch_flushes_total",
			Help: "Batch flushes across all message types.",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tvstream_batch_size",
			Help:    "Messages per flushed batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tvstream_pipeline_queue_depth",
			Help: "Current depth of the bounded ingestion queue.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tvstream_active_sessions",
			Help: "Sessions currently registered on the connection.",
		}),
		processingSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tvstream_pipeline_processing_seconds",
			Help:    "Per-message pipeline processing time.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
	}

	reg.MustRegister(
		m.framesReceived, m.framesDropped,
		m.messagesReceived, m.duplicateMessages,
		m.messagesProcessed, m.messagesFailed,
		m.batchFlushes, m.batchSize,
		m.queueDepth, m.activeSessions,
		m.processingSeconds,
	)
	return m
}

// FrameReceived records a frame delivered by the read loop.
func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

// FrameDropped records a frame shed at the inbound tap.
func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

// MessageReceived records a message admitted to the ingestion queue.
func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

// DuplicateSuppressed records a deduplicated message.
func (m *Metrics) DuplicateSuppressed() {
	if m == nil {
		return
	}
	m.duplicateMessages.Inc()
}

// MessageProcessed records a processed message and its latency.
func (m *Metrics) MessageProcessed(d time.Duration) {
	if m == nil {
		return
	}
	m.messagesProcessed.Inc()
	m.processingSeconds.Observe(d.Seconds())
}

// MessageFailed records a handler failure.
func (m *Metrics) MessageFailed() {
	if m == nil {
		return
	}
	m.messagesFailed.Inc()
}

// BatchFlushed records one flush of size n.
func (m *Metrics) BatchFlushed(n int) {
	if m == nil {
		return
	}
	m.batchFlushes.Inc()
	m.batchSize.Observe(float64(n))
}

// SetQueueDepth updates the ingestion queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}
