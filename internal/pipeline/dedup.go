package pipeline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DedupConfig configures the deduplicator.
type DedupConfig struct {
	WindowSize int           // Max fingerprints retained
	TTL        time.Duration // Fingerprint lifetime
}

// DefaultDedupConfig returns sensible defaults.
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{
		WindowSize: 1000,
		TTL:        5 * time.Minute,
	}
}

// Deduplicator suppresses repeated messages within a sliding window.
//
// It fails open: a message whose fingerprint cannot be computed is treated
// as new, because dropping live data is worse than processing it twice.
type Deduplicator struct {
	cfg    DedupConfig
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	order  []uint64            // FIFO of fingerprints, oldest first
	seenAt map[uint64]time.Time
}

// NewDeduplicator creates a deduplicator.
func NewDeduplicator(cfg DedupConfig, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultDedupConfig().WindowSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultDedupConfig().TTL
	}
	return &Deduplicator{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		seenAt: make(map[uint64]time.Time),
	}
}

// IsDuplicate reports whether the message was already seen within the
// window, recording it if not.
func (d *Deduplicator) IsDuplicate(msg RawMessage) bool {
	fp, err := fingerprint(msg)
	if err != nil {
		d.logger.Error("fingerprint failed, passing message through", "type", msg.Type, "error", err)
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.evictExpired(now)

	if _, seen := d.seenAt[fp]; seen {
		d.logger.Debug("duplicate message suppressed", "type", msg.Type, "symbol", msg.Symbol)
		return true
	}

	d.seenAt[fp] = now
	d.order = append(d.order, fp)
	if len(d.order) > d.cfg.WindowSize {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seenAt, oldest)
	}
	return false
}

// Len returns the number of retained fingerprints.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seenAt)
}

// evictExpired drops fingerprints older than the TTL. Caller holds the lock.
func (d *Deduplicator) evictExpired(now time.Time) {
	cutoff := now.Add(-d.cfg.TTL)
	kept := d.order[:0]
	for _, fp := range d.order {
		if at, ok := d.seenAt[fp]; ok && at.Before(cutoff) {
			delete(d.seenAt, fp)
			continue
		}
		kept = append(kept, fp)
	}
	d.order = kept
}

// fingerprint hashes the fields that identify a logical message: type,
// symbol, and the parameter payload. The local arrival time is excluded so
// a frame re-delivered across a reconnect hashes the same both times.
func fingerprint(msg RawMessage) (uint64, error) {
	h := xxhash.New()
	h.WriteString(msg.Type)
	h.WriteString("|")
	h.WriteString(msg.Symbol)
	h.WriteString("|")

	if len(msg.Data) > 0 {
		b, err := json.Marshal(msg.Data)
		if err != nil {
			return 0, fmt.Errorf("encode payload: %w", err)
		}
		h.Write(b)
	}
	return h.Sum64(), nil
}
