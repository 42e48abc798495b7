package quote

import (
	"maps"
	"sync"
)

// Market is one subscriber's view of a streaming symbol. Updates accumulate
// into a last-value snapshot; callbacks fire on each delta.
type Market struct {
	session *Session
	symbol  string
	key     string
	slot    int

	mu       sync.Mutex
	lastData map[string]any
	loaded   bool
	closed   bool

	onData   func(map[string]any)
	onLoaded func()
	onError  func(error)
	onEvent  func(event string, args ...any)
}

// MarketOption customizes a market subscription.
type MarketOption func(*marketOptions)

type marketOptions struct {
	sessionType string
	onData      func(map[string]any)
	onLoaded    func()
	onError     func(error)
	onEvent     func(event string, args ...any)
}

// WithSessionType selects the trading session ("regular" or "extended").
func WithSessionType(t string) MarketOption {
	return func(o *marketOptions) { o.sessionType = t }
}

// OnData registers a callback fired with the full snapshot on every update.
func OnData(fn func(map[string]any)) MarketOption {
	return func(o *marketOptions) { o.onData = fn }
}

// OnLoaded registers a callback fired once the initial snapshot is complete.
func OnLoaded(fn func()) MarketOption {
	return func(o *marketOptions) { o.onLoaded = fn }
}

// OnError registers a callback for symbol-level errors.
func OnError(fn func(error)) MarketOption {
	return func(o *marketOptions) { o.onError = fn }
}

// OnEvent registers a catch-all callback fired after every specific one,
// with the event name ("data", "loaded", "error") and its arguments.
func OnEvent(fn func(event string, args ...any)) MarketOption {
	return func(o *marketOptions) { o.onEvent = fn }
}

func newMarket(s *Session, symbol string, opts ...MarketOption) *Market {
	o := marketOptions{sessionType: "regular"}
	for _, opt := range opts {
		opt(&o)
	}
	return &Market{
		session:  s,
		symbol:   symbol,
		key:      symbolKey(symbol, o.sessionType),
		lastData: make(map[string]any),
		onData:   o.onData,
		onLoaded: o.onLoaded,
		onError:  o.onError,
		onEvent:  o.onEvent,
	}
}

// Symbol returns the subscribed symbol.
func (m *Market) Symbol() string { return m.symbol }

// Loaded reports whether the initial snapshot has completed.
func (m *Market) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// Snapshot returns a copy of the accumulated last-value data.
func (m *Market) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.lastData)
}

// Close unsubscribes this market. The upstream symbol subscription survives
// while other markets still reference it.
func (m *Market) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.session.dropMarket(m)
}

// update merges a delta into the snapshot and fires OnData.
func (m *Market) update(values map[string]any) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	maps.Copy(m.lastData, values)
	snapshot := maps.Clone(m.lastData)
	cb, ev := m.onData, m.onEvent
	m.mu.Unlock()

	if cb != nil {
		cb(snapshot)
	}
	if ev != nil {
		ev("data", snapshot)
	}
}

// complete marks the snapshot loaded and fires OnLoaded once.
func (m *Market) complete() {
	m.mu.Lock()
	if m.closed || m.loaded {
		m.mu.Unlock()
		return
	}
	m.loaded = true
	cb, ev := m.onLoaded, m.onEvent
	m.mu.Unlock()

	if cb != nil {
		cb()
	}
	if ev != nil {
		ev("loaded")
	}
}

// fail reports a symbol-level error.
func (m *Market) fail(err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	cb, ev := m.onError, m.onEvent
	m.mu.Unlock()

	if cb != nil {
		cb(err)
	} else {
		m.session.logger.Warn("unhandled market error", "symbol", m.symbol, "error", err)
	}
	if ev != nil {
		ev("error", err)
	}
}

// markClosed flags the market closed without touching the session. Used
// during session teardown.
func (m *Market) markClosed() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}
