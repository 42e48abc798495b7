package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/buzzup-hub/tvstream/internal/metrics"
)

// BatchConfig configures the batch processor.
type BatchConfig struct {
	MaxBatchSize  int           // Flush when a type's batch reaches this size
	MaxWait       time.Duration // Flush when a type's oldest message is this old
	MaxConcurrent int64         // Batches processed in parallel
}

// DefaultBatchConfig returns sensible defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:  50,
		MaxWait:       100 * time.Millisecond,
		MaxConcurrent: 5,
	}
}

// Dispatch delivers one message to its handler.
type Dispatch func(*ProcessedMessage)

// BatchProcessor accumulates messages per type and flushes them in bounded
// parallel batches. Kline and quote batches collapse to the freshest message
// per symbol before dispatch; other types dispatch every message.
type BatchProcessor struct {
	cfg      BatchConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	dispatch Dispatch

	sem *semaphore.Weighted
	now func() time.Time

	mu      sync.Mutex
	pending map[MessageType][]*ProcessedMessage
	started map[MessageType]time.Time

	wg sync.WaitGroup

	statsMu        sync.Mutex
	processedCount int64
	batchCount     int64
}

// NewBatchProcessor creates a batch processor delivering through dispatch.
func NewBatchProcessor(cfg BatchConfig, dispatch Dispatch, m *metrics.Metrics, logger *slog.Logger) *BatchProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultBatchConfig().MaxBatchSize
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultBatchConfig().MaxWait
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultBatchConfig().MaxConcurrent
	}
	return &BatchProcessor{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		dispatch: dispatch,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		now:      time.Now,
		pending:  make(map[MessageType][]*ProcessedMessage),
		started:  make(map[MessageType]time.Time),
	}
}

// Add appends a message to its type's batch, flushing when the batch is
// full or its wait deadline has passed.
func (b *BatchProcessor) Add(msg *ProcessedMessage) {
	b.mu.Lock()
	if _, ok := b.started[msg.Type]; !ok {
		b.started[msg.Type] = b.now()
	}
	b.pending[msg.Type] = append(b.pending[msg.Type], msg)

	full := len(b.pending[msg.Type]) >= b.cfg.MaxBatchSize
	expired := b.now().Sub(b.started[msg.Type]) >= b.cfg.MaxWait
	var batch []*ProcessedMessage
	if full || expired {
		batch = b.takeLocked(msg.Type)
	}
	b.mu.Unlock()

	if batch != nil {
		b.launch(msg.Type, batch)
	}
}

// FlushAll flushes every pending batch regardless of age.
func (b *BatchProcessor) FlushAll() {
	b.mu.Lock()
	taken := make(map[MessageType][]*ProcessedMessage)
	for typ := range b.pending {
		if batch := b.takeLocked(typ); batch != nil {
			taken[typ] = batch
		}
	}
	b.mu.Unlock()

	for typ, batch := range taken {
		b.launch(typ, batch)
	}
}

// FlushExpired flushes batches whose wait deadline has passed.
func (b *BatchProcessor) FlushExpired() {
	b.mu.Lock()
	now := b.now()
	taken := make(map[MessageType][]*ProcessedMessage)
	for typ, started := range b.started {
		if now.Sub(started) >= b.cfg.MaxWait {
			if batch := b.takeLocked(typ); batch != nil {
				taken[typ] = batch
			}
		}
	}
	b.mu.Unlock()

	for typ, batch := range taken {
		b.launch(typ, batch)
	}
}

// Wait blocks until every in-flight batch has finished.
func (b *BatchProcessor) Wait() {
	b.wg.Wait()
}

// takeLocked removes and returns a type's batch. Caller holds the lock.
func (b *BatchProcessor) takeLocked(typ MessageType) []*ProcessedMessage {
	batch := b.pending[typ]
	if len(batch) == 0 {
		return nil
	}
	delete(b.pending, typ)
	delete(b.started, typ)
	return batch
}

// launch runs a batch under the concurrency gate.
func (b *BatchProcessor) launch(typ MessageType, batch []*ProcessedMessage) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		if err := b.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer b.sem.Release(1)

		start := b.now()
		b.handleBatch(typ, batch)

		b.statsMu.Lock()
		b.processedCount += int64(len(batch))
		b.batchCount++
		b.statsMu.Unlock()

		b.metrics.BatchFlushed(len(batch))
		b.logger.Debug("batch flushed",
			"type", typ.String(),
			"size", len(batch),
			"elapsed", b.now().Sub(start),
		)
	}()
}

// handleBatch groups a batch by symbol and processes the groups in parallel.
func (b *BatchProcessor) handleBatch(typ MessageType, batch []*ProcessedMessage) {
	groups := make(map[string][]*ProcessedMessage)
	for _, msg := range batch {
		symbol := msg.Symbol
		if symbol == "" {
			symbol = "unknown"
		}
		groups[symbol] = append(groups[symbol], msg)
	}

	var g errgroup.Group
	for _, msgs := range groups {
		msgs := msgs
		g.Go(func() error {
			b.processGroup(typ, msgs)
			return nil
		})
	}
	g.Wait()
}

// processGroup dispatches one symbol's messages. Kline and quote updates
// collapse: only the freshest message survives, the rest are discarded as
// superseded.
func (b *BatchProcessor) processGroup(typ MessageType, msgs []*ProcessedMessage) {
	switch typ {
	case TypeKlineUpdate, TypeQuoteUpdate:
		sort.Slice(msgs, func(i, j int) bool {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		})
		for _, msg := range msgs[:len(msgs)-1] {
			msg.Processed = true
			msg.Discarded = true
		}
		b.deliver(msgs[len(msgs)-1])
	default:
		sort.Slice(msgs, func(i, j int) bool {
			return msgs[i].Priority > msgs[j].Priority
		})
		for _, msg := range msgs {
			b.deliver(msg)
		}
	}
}

func (b *BatchProcessor) deliver(msg *ProcessedMessage) {
	if b.dispatch != nil {
		b.dispatch(msg)
		return
	}
	msg.Processed = true
}

// BatchStats is a snapshot of batch processor counters.
type BatchStats struct {
	ProcessedCount int64
	BatchCount     int64
	Pending        map[string]int
	AvgBatchSize   float64
}

// Stats returns a snapshot of the processor's counters.
func (b *BatchProcessor) Stats() BatchStats {
	b.mu.Lock()
	pending := make(map[string]int, len(b.pending))
	for typ, batch := range b.pending {
		pending[typ.String()] = len(batch)
	}
	b.mu.Unlock()

	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	stats := BatchStats{
		ProcessedCount: b.processedCount,
		BatchCount:     b.batchCount,
		Pending:        pending,
	}
	if b.batchCount > 0 {
		stats.AvgBatchSize = float64(b.processedCount) / float64(b.batchCount)
	}
	return stats
}
