// Package quote implements quote sessions: realtime last-price, volume, and
// reference-data streaming for a set of symbols.
//
// One Session multiplexes any number of Markets over a single server-side
// quote session. Symbols are reference counted: the first Market for a
// symbol subscribes it upstream, the last one to close unsubscribes it.
package quote

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/buzzup-hub/tvstream/internal/connection"
	"github.com/buzzup-hub/tvstream/internal/protocol"
)

// defaultFields is the field set requested for every quote session.
var defaultFields = []string{
	"base-currency-logoid", "ch", "chp", "currency-logoid", "currency_code",
	"current_session", "description", "exchange", "format", "fractional",
	"is_tradable", "language", "local_description", "logoid", "lp",
	"lp_time", "minmov", "minmove2", "original_name", "pricescale",
	"pro_name", "short_name", "type", "update_mode", "volume",
	"ask", "bid", "fundamentals", "high_price", "low_price", "open_price",
	"prev_close_price", "rch", "rchp", "rtc", "rtc_time", "status",
	"industry", "basic_eps_net_income", "beta_1_year", "market_cap_basic",
	"earnings_per_share_basic_ttm", "price_earnings_ttm",
	"dividends_yield", "timezone", "country_code",
}

// Session is a quote session multiplexing markets over one connection.
type Session struct {
	client connection.Client
	logger *slog.Logger
	id     string
	fields []string

	mu      sync.Mutex
	symbols map[string]*symbolEntry
	closed  bool
}

// symbolEntry tracks the markets subscribed to one symbol key. Slots are
// stable: closing a market tombstones its slot rather than compacting the
// slice, so callbacks registered by other markets keep their positions.
type symbolEntry struct {
	refs  int
	slots []*Market
}

// SessionOption customizes session creation.
type SessionOption func(*Session)

// WithFields overrides the default quote field set.
func WithFields(fields []string) SessionOption {
	return func(s *Session) { s.fields = fields }
}

// NewSession creates a server-side quote session on the connection. The
// session registers itself for inbound routing before the create packet is
// sent.
func NewSession(client connection.Client, logger *slog.Logger, opts ...SessionOption) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		client:  client,
		logger:  logger,
		id:      protocol.SessionID(protocol.QuoteSessionPrefix),
		fields:  defaultFields,
		symbols: make(map[string]*symbolEntry),
	}
	for _, opt := range opts {
		opt(s)
	}

	client.Registry().Register(s)

	if err := client.Send("quote_create_session", []any{s.id}); err != nil {
		client.Registry().Unregister(s.id)
		return nil, fmt.Errorf("create quote session: %w", err)
	}

	params := make([]any, 0, len(s.fields)+1)
	params = append(params, s.id)
	for _, f := range s.fields {
		params = append(params, f)
	}
	if err := client.Send("quote_set_fields", params); err != nil {
		client.Registry().Unregister(s.id)
		return nil, fmt.Errorf("set quote fields: %w", err)
	}

	s.logger.Debug("quote session created", "session_id", s.id)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// AddMarket subscribes a market. Subscribing the same symbol twice reuses
// the upstream subscription.
func (s *Session) AddMarket(symbol string, opts ...MarketOption) (*Market, error) {
	m := newMarket(s, symbol, opts...)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, connection.ErrAlreadyClosed
	}
	entry, exists := s.symbols[m.key]
	if !exists {
		entry = &symbolEntry{}
		s.symbols[m.key] = entry
	}
	entry.refs++
	m.slot = len(entry.slots)
	entry.slots = append(entry.slots, m)
	first := entry.refs == 1
	s.mu.Unlock()

	if first {
		if err := s.client.Send("quote_add_symbols", []any{s.id, m.key}); err != nil {
			s.dropMarket(m)
			return nil, fmt.Errorf("add symbol %s: %w", symbol, err)
		}
	}

	s.logger.Debug("market added", "session_id", s.id, "symbol", symbol, "shared", !first)
	return m, nil
}

// dropMarket removes a market from its symbol entry. The last market for a
// symbol unsubscribes it upstream.
func (s *Session) dropMarket(m *Market) {
	s.mu.Lock()
	entry, ok := s.symbols[m.key]
	if !ok || m.slot >= len(entry.slots) || entry.slots[m.slot] != m {
		s.mu.Unlock()
		return
	}
	entry.slots[m.slot] = nil
	entry.refs--
	last := entry.refs == 0
	if last {
		delete(s.symbols, m.key)
	}
	closed := s.closed
	s.mu.Unlock()

	if last && !closed {
		if err := s.client.Send("quote_remove_symbols", []any{s.id, m.key}); err != nil {
			s.logger.Warn("failed to remove symbol", "symbol", m.symbol, "error", err)
		}
	}
}

// Handle routes one inbound frame to the markets it addresses. Called from
// the connection read loop.
func (s *Session) Handle(f connection.Frame) {
	switch f.Type {
	case "qsd":
		s.handleData(f)
	case "quote_completed":
		s.handleCompleted(f)
	default:
		s.logger.Debug("unhandled quote frame", "type", f.Type, "session_id", s.id)
	}
}

// handleData processes a quote status/data update.
func (s *Session) handleData(f connection.Frame) {
	if len(f.Data) < 2 {
		return
	}
	payload, ok := f.Data[1].(map[string]any)
	if !ok {
		return
	}
	key, _ := payload["n"].(string)
	status, _ := payload["s"].(string)

	markets := s.liveMarkets(key)
	if markets == nil {
		// A symbol we no longer track keeps streaming until told to stop.
		s.logger.Debug("data for unknown symbol, unsubscribing", "key", key)
		s.client.Send("quote_remove_symbols", []any{s.id, key})
		return
	}

	switch status {
	case "ok":
		values, _ := payload["v"].(map[string]any)
		for _, m := range markets {
			m.update(values)
		}
	case "error":
		err := fmt.Errorf("quote error for %s", key)
		for _, m := range markets {
			m.fail(err)
		}
	default:
		s.logger.Warn("quote update with unknown status", "key", key, "status", status)
	}
}

// handleCompleted marks the symbol's markets as fully loaded.
func (s *Session) handleCompleted(f connection.Frame) {
	if len(f.Data) < 2 {
		return
	}
	key, _ := f.Data[1].(string)
	for _, m := range s.liveMarkets(key) {
		m.complete()
	}
}

// liveMarkets snapshots the non-tombstoned markets for a symbol key, or nil
// when the symbol is unknown.
func (s *Session) liveMarkets(key string) []*Market {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.symbols[key]
	if !ok {
		return nil
	}
	live := make([]*Market, 0, entry.refs)
	for _, m := range entry.slots {
		if m != nil {
			live = append(live, m)
		}
	}
	return live
}

// Close deletes the server-side session and tears down every market.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	symbols := s.symbols
	s.symbols = make(map[string]*symbolEntry)
	s.mu.Unlock()

	for _, entry := range symbols {
		for _, m := range entry.slots {
			if m != nil {
				m.markClosed()
			}
		}
	}

	if s.client.IsConnected() {
		if err := s.client.Send("quote_delete_session", []any{s.id}); err != nil {
			s.logger.Debug("failed to delete quote session", "error", err)
		}
	}
	s.client.Registry().Unregister(s.id)
	s.logger.Debug("quote session closed", "session_id", s.id)
}

// symbolKey builds the wire form of a symbol subscription: a JSON blob
// prefixed with "=" selecting the trading session.
func symbolKey(symbol, sessionType string) string {
	b, _ := json.Marshal(struct {
		Session string `json:"session"`
		Symbol  string `json:"symbol"`
	}{Session: sessionType, Symbol: symbol})
	return "=" + string(b)
}
