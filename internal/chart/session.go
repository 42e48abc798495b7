// Package chart implements chart sessions: OHLCV candle series and indicator
// studies for one symbol per session.
//
// A Session accumulates candles keyed by bar open time, so partial updates
// for the current bar overwrite in place. Studies attach to the session's
// price series and receive their own update stream.
package chart

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/buzzup-hub/tvstream/internal/connection"
	"github.com/buzzup-hub/tvstream/internal/protocol"
)

const priceSeriesID = "$prices"

// Period is one OHLCV candle.
type Period struct {
	Time   float64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// MarketOptions controls what SetMarket loads.
type MarketOptions struct {
	Timeframe   string // Bar resolution in minutes or "D"/"W"/"M" (default "240")
	Range       int    // Number of bars to load (default 100)
	To          int64  // Load Range bars ending at this unix time (0 = latest)
	Adjustment  string // Price adjustment (default "splits")
	SessionType string // Trading session ("regular"/"extended", "" = server default)
	Currency    string // Conversion currency ("" = native)
}

func (o *MarketOptions) applyDefaults() {
	if o.Timeframe == "" {
		o.Timeframe = "240"
	}
	if o.Range <= 0 {
		o.Range = 100
	}
	if o.Adjustment == "" {
		o.Adjustment = "splits"
	}
}

// Session is a chart session streaming one candle series.
type Session struct {
	client connection.Client
	logger *slog.Logger
	id     string

	mu            sync.Mutex
	periods       map[float64]Period
	indexes       map[int]float64
	infos         map[string]any
	studies       map[string]*Study
	currentSeries int
	seriesCreated bool
	closed        bool

	onSymbolLoaded []func()
	onUpdate       []func(changes []string)
	onError        []func(error)
}

// NewSession creates a server-side chart session on the connection.
func NewSession(client connection.Client, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		client:  client,
		logger:  logger,
		id:      protocol.SessionID(protocol.ChartSessionPrefix),
		periods: make(map[float64]Period),
		indexes: make(map[int]float64),
		infos:   make(map[string]any),
		studies: make(map[string]*Study),
	}

	client.Registry().Register(s)

	if err := client.Send("chart_create_session", []any{s.id, ""}); err != nil {
		client.Registry().Unregister(s.id)
		return nil, fmt.Errorf("create chart session: %w", err)
	}

	s.logger.Debug("chart session created", "session_id", s.id)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// OnSymbolLoaded registers a callback fired when the symbol resolves.
func (s *Session) OnSymbolLoaded(fn func()) {
	s.mu.Lock()
	s.onSymbolLoaded = append(s.onSymbolLoaded, fn)
	s.mu.Unlock()
}

// OnUpdate registers a callback fired after each series update. The changes
// slice names what moved ("$prices", study ids, "info.<key>").
func (s *Session) OnUpdate(fn func(changes []string)) {
	s.mu.Lock()
	s.onUpdate = append(s.onUpdate, fn)
	s.mu.Unlock()
}

// OnError registers a callback for session-level errors.
func (s *Session) OnError(fn func(error)) {
	s.mu.Lock()
	s.onError = append(s.onError, fn)
	s.mu.Unlock()
}

// SetMarket loads a symbol into the session. Calling it again replaces the
// series: accumulated candles are discarded and a new resolve cycle starts.
func (s *Session) SetMarket(symbol string, opts MarketOptions) error {
	opts.applyDefaults()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return connection.ErrAlreadyClosed
	}
	s.periods = make(map[float64]Period)
	s.currentSeries++
	series := s.currentSeries
	s.mu.Unlock()

	init := map[string]any{
		"symbol":     symbol,
		"adjustment": opts.Adjustment,
	}
	if opts.SessionType != "" {
		init["session"] = opts.SessionType
	}
	if opts.Currency != "" {
		init["currency-id"] = opts.Currency
	}
	b, err := json.Marshal(init)
	if err != nil {
		return fmt.Errorf("encode symbol init: %w", err)
	}

	if err := s.client.Send("resolve_symbol", []any{
		s.id,
		fmt.Sprintf("ser_%d", series),
		"=" + string(b),
	}); err != nil {
		return fmt.Errorf("resolve symbol %s: %w", symbol, err)
	}

	return s.setSeries(opts.Timeframe, opts.Range, opts.To)
}

// setSeries creates the price series on first use and retargets it on
// subsequent market changes.
func (s *Session) setSeries(timeframe string, rangeBars int, to int64) error {
	s.mu.Lock()
	command := "modify_series"
	if !s.seriesCreated {
		command = "create_series"
	}
	series := s.currentSeries
	created := s.seriesCreated
	s.seriesCreated = true
	s.mu.Unlock()

	var calcRange any = rangeBars
	if to != 0 {
		calcRange = []any{"bar_count", to, rangeBars}
	}

	params := []any{s.id, priceSeriesID, "s1", fmt.Sprintf("ser_%d", series), timeframe}
	if created {
		params = append(params, "")
	} else {
		params = append(params, calcRange)
	}

	if err := s.client.Send(command, params); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}

// SetTimezone sets the session timezone for bar alignment.
func (s *Session) SetTimezone(tz string) error {
	return s.client.Send("set_timezone", []any{s.id, tz})
}

// FetchMore requests n more historical bars before the oldest loaded one.
func (s *Session) FetchMore(n int) error {
	if n <= 0 {
		n = 1
	}
	return s.client.Send("request_more_data", []any{s.id, priceSeriesID, n})
}

// Periods returns the loaded candles, newest first.
func (s *Session) Periods() []Period {
	s.mu.Lock()
	out := make([]Period, 0, len(s.periods))
	for _, p := range s.periods {
		out = append(out, p)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Time > out[j].Time })
	return out
}

// Info returns a resolved-symbol metadata field.
func (s *Session) Info(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.infos[key]
	return v, ok
}

// Handle routes one inbound frame. Called from the connection read loop.
func (s *Session) Handle(f connection.Frame) {
	// Study-addressed frames carry the study id as the second parameter.
	if len(f.Data) > 1 {
		if id, ok := f.Data[1].(string); ok {
			if st := s.study(id); st != nil {
				st.handle(f)
				return
			}
		}
	}

	switch f.Type {
	case "symbol_resolved":
		s.handleSymbolResolved(f)
	case "timescale_update", "du":
		s.handleUpdate(f)
	case "series_loading":
		s.logger.Debug("series loading", "session_id", s.id)
	case "series_completed":
		s.fireUpdate([]string{"series_completed"})
	case "symbol_error":
		s.fail(fmt.Errorf("symbol error: %v", tail(f.Data, 2)))
	case "series_error":
		s.fail(fmt.Errorf("series error: %v", tail(f.Data, 3)))
	case "critical_error":
		s.fail(fmt.Errorf("critical error: %v", tail(f.Data, 1)))
	default:
		s.logger.Debug("unhandled chart frame", "type", f.Type, "session_id", s.id)
	}
}

func (s *Session) handleSymbolResolved(f connection.Frame) {
	if len(f.Data) < 3 {
		return
	}
	info, ok := f.Data[2].(map[string]any)
	if !ok {
		return
	}

	s.mu.Lock()
	s.infos = info
	callbacks := append([]func(){}, s.onSymbolLoaded...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// handleUpdate applies a timescale update: candle rows for the price series,
// study rows for attached studies.
func (s *Session) handleUpdate(f connection.Frame) {
	if len(f.Data) < 2 {
		return
	}
	payload, ok := f.Data[1].(map[string]any)
	if !ok {
		return
	}

	var changes []string
	for key, raw := range payload {
		changes = append(changes, key)

		if key == priceSeriesID {
			s.applyPrices(raw)
			continue
		}
		if st := s.study(key); st != nil {
			st.handle(f)
		}
	}

	if len(changes) > 0 {
		s.fireUpdate(changes)
	}
}

// applyPrices merges candle rows into the period map. Row values are
// [time, open, high, low, close, volume].
func (s *Session) applyPrices(raw any) {
	series, ok := raw.(map[string]any)
	if !ok {
		return
	}
	rows, ok := series["s"].([]any)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		row, ok := r.(map[string]any)
		if !ok {
			continue
		}
		values, ok := row["v"].([]any)
		if !ok || len(values) < 6 {
			continue
		}
		v := make([]float64, 6)
		valid := true
		for i := 0; i < 6; i++ {
			f, ok := values[i].(float64)
			if !ok {
				valid = false
				break
			}
			v[i] = f
		}
		if !valid {
			continue
		}

		if idx, ok := row["i"].(float64); ok {
			s.indexes[int(idx)] = v[0]
		}
		s.periods[v[0]] = Period{
			Time:   v[0],
			Open:   v[1],
			High:   v[2],
			Low:    v[3],
			Close:  v[4],
			Volume: v[5],
		}
	}
}

func (s *Session) fireUpdate(changes []string) {
	s.mu.Lock()
	callbacks := append([]func([]string){}, s.onUpdate...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(changes)
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	callbacks := append([]func(error){}, s.onError...)
	s.mu.Unlock()

	if len(callbacks) == 0 {
		s.logger.Error("chart session error", "session_id", s.id, "error", err)
		return
	}
	for _, fn := range callbacks {
		fn(err)
	}
}

func (s *Session) study(id string) *Study {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.studies[id]
}

// Close deletes the server-side session and detaches every study.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.studies = make(map[string]*Study)
	s.mu.Unlock()

	if s.client.IsConnected() {
		if err := s.client.Send("chart_delete_session", []any{s.id}); err != nil {
			s.logger.Debug("failed to delete chart session", "error", err)
		}
	}
	s.client.Registry().Unregister(s.id)
	s.logger.Debug("chart session closed", "session_id", s.id)
}

// tail returns params from index i on, for error messages.
func tail(params []any, i int) []any {
	if len(params) <= i {
		return nil
	}
	return params[i:]
}
