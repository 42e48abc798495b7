package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/buzzup-hub/tvstream/internal/metrics"
)

// OptimizerConfig configures the pipeline orchestrator.
type OptimizerConfig struct {
	EnableDeduplication bool
	EnableBatching      bool
	MaxQueueSize        int           // Bounded ingestion queue capacity
	PollTimeout         time.Duration // Idle sweep interval for stale batches
	Dedup               DedupConfig
	Batch               BatchConfig
}

// DefaultOptimizerConfig returns sensible defaults.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		EnableDeduplication: true,
		EnableBatching:      true,
		MaxQueueSize:        10000,
		PollTimeout:         100 * time.Millisecond,
		Dedup:               DefaultDedupConfig(),
		Batch:               DefaultBatchConfig(),
	}
}

// Handler processes one dispatched message.
type Handler func(*ProcessedMessage) error

// Optimizer orchestrates the pipeline: a bounded ingestion queue feeding
// one processing loop that deduplicates, classifies, and batches messages
// toward registered handlers.
type Optimizer struct {
	cfg     OptimizerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	dedup      *Deduplicator
	classifier *Classifier
	batch      *BatchProcessor

	queue chan RawMessage

	handlersMu sync.RWMutex
	handlers   map[MessageType]Handler

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	startedAt time.Time
	wg        sync.WaitGroup

	statsMu           sync.Mutex
	totalMessages     int64
	processedMessages int64
	duplicateMessages int64
	errorMessages     int64
	processingTimes   []time.Duration // Ring of recent per-message latencies
	timesNext         int
}

const processingTimeWindow = 1000

// NewOptimizer creates a pipeline orchestrator.
func NewOptimizer(cfg OptimizerConfig, m *metrics.Metrics, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultOptimizerConfig().MaxQueueSize
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultOptimizerConfig().PollTimeout
	}

	o := &Optimizer{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		classifier: NewClassifier(),
		queue:      make(chan RawMessage, cfg.MaxQueueSize),
		handlers:   make(map[MessageType]Handler),
	}
	if cfg.EnableDeduplication {
		o.dedup = NewDeduplicator(cfg.Dedup, logger)
	}
	if cfg.EnableBatching {
		o.batch = NewBatchProcessor(cfg.Batch, o.dispatchSingle, m, logger)
	}
	return o
}

// Start launches the processing loop. Idempotent.
func (o *Optimizer) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	o.running = true
	o.startedAt = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.wg.Add(1)
	go o.run(ctx)

	o.logger.Info("pipeline started",
		"dedup", o.dedup != nil,
		"batching", o.batch != nil,
		"queue_size", o.cfg.MaxQueueSize,
	)
}

// Stop halts the loop, drains nothing further, and flushes every pending
// batch. Idempotent.
func (o *Optimizer) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()

	if o.batch != nil {
		o.batch.FlushAll()
		o.batch.Wait()
	}
	o.logger.Info("pipeline stopped")
}

// AddMessage offers a message to the ingestion queue without blocking.
// Returns false when the pipeline is stopped or the queue is full.
func (o *Optimizer) AddMessage(raw RawMessage) bool {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	if !running {
		return false
	}

	select {
	case o.queue <- raw:
		o.statsMu.Lock()
		o.totalMessages++
		o.statsMu.Unlock()
		o.metrics.MessageReceived()
		o.metrics.SetQueueDepth(len(o.queue))
		return true
	default:
		o.logger.Warn("ingestion queue full, dropping message", "type", raw.Type)
		return false
	}
}

// RegisterHandler installs the handler for a message type, replacing any
// previous one.
func (o *Optimizer) RegisterHandler(typ MessageType, h Handler) {
	o.handlersMu.Lock()
	o.handlers[typ] = h
	o.handlersMu.Unlock()
	o.logger.Info("handler registered", "type", typ.String())
}

// run is the processing loop: drain the queue, sweep stale batches on idle.
func (o *Optimizer) run(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.PollTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-o.queue:
			o.process(raw)
			o.metrics.SetQueueDepth(len(o.queue))
		case <-ticker.C:
			if o.batch != nil {
				o.batch.FlushExpired()
			}
		}
	}
}

// process runs one message through dedup, classification, and batching.
func (o *Optimizer) process(raw RawMessage) {
	start := time.Now()

	if o.dedup != nil && o.dedup.IsDuplicate(raw) {
		o.statsMu.Lock()
		o.duplicateMessages++
		o.statsMu.Unlock()
		o.metrics.DuplicateSuppressed()
		return
	}

	msg := o.classifier.Classify(raw)
	if o.batch != nil {
		o.batch.Add(&msg)
	} else {
		o.dispatchSingle(&msg)
	}

	elapsed := time.Since(start)
	o.statsMu.Lock()
	o.processedMessages++
	if len(o.processingTimes) < processingTimeWindow {
		o.processingTimes = append(o.processingTimes, elapsed)
	} else {
		o.processingTimes[o.timesNext] = elapsed
		o.timesNext = (o.timesNext + 1) % processingTimeWindow
	}
	o.statsMu.Unlock()
	o.metrics.MessageProcessed(elapsed)
}

// dispatchSingle delivers one message to its registered handler. Handler
// panics are contained; failures bump the retry count.
func (o *Optimizer) dispatchSingle(msg *ProcessedMessage) {
	o.handlersMu.RLock()
	handler := o.handlers[msg.Type]
	o.handlersMu.RUnlock()

	if handler == nil {
		o.logger.Debug("no handler for message type", "type", msg.Type.String(), "id", msg.ID)
		msg.Processed = true
		return
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("handler panicked", "type", msg.Type.String(), "id", msg.ID, "panic", r)
			msg.RetryCount++
			o.recordFailure()
		}
	}()

	if err := handler(msg); err != nil {
		o.logger.Error("handler failed", "type", msg.Type.String(), "id", msg.ID, "error", err)
		msg.RetryCount++
		o.recordFailure()
		return
	}
	msg.Processed = true
}

func (o *Optimizer) recordFailure() {
	o.statsMu.Lock()
	o.errorMessages++
	o.statsMu.Unlock()
	o.metrics.MessageFailed()
}

// ComprehensiveStats is a snapshot of every pipeline counter.
type ComprehensiveStats struct {
	TotalMessages     int64
	ProcessedMessages int64
	DuplicateMessages int64
	ErrorMessages     int64
	AvgProcessingTime time.Duration
	Throughput        float64 // Processed messages per second since Start
	QueueDepth        int
	Batch             *BatchStats
}

// Stats returns a snapshot of the pipeline's counters.
func (o *Optimizer) Stats() ComprehensiveStats {
	o.mu.Lock()
	startedAt := o.startedAt
	o.mu.Unlock()

	o.statsMu.Lock()
	stats := ComprehensiveStats{
		TotalMessages:     o.totalMessages,
		ProcessedMessages: o.processedMessages,
		DuplicateMessages: o.duplicateMessages,
		ErrorMessages:     o.errorMessages,
		QueueDepth:        len(o.queue),
	}
	if n := len(o.processingTimes); n > 0 {
		var sum time.Duration
		for _, d := range o.processingTimes {
			sum += d
		}
		stats.AvgProcessingTime = sum / time.Duration(n)
	}
	if elapsed := time.Since(startedAt).Seconds(); !startedAt.IsZero() && elapsed > 0 {
		stats.Throughput = float64(o.processedMessages) / elapsed
	}
	o.statsMu.Unlock()

	if o.batch != nil {
		b := o.batch.Stats()
		stats.Batch = &b
	}
	return stats
}
