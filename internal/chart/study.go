package chart

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/buzzup-hub/tvstream/internal/connection"
	"github.com/buzzup-hub/tvstream/internal/protocol"
)

// Study is an indicator attached to a session's price series.
//
// Plot values arrive positionally; the Plots mapping names them. Row values
// are [time, plot_0, plot_1, ...].
type Study struct {
	session *Session
	id      string
	typ     string

	mu      sync.Mutex
	plots   map[string]string
	periods map[float64]map[string]any
	graphic map[string]map[string]any
	removed bool

	onCompleted []func()
	onUpdate    []func(changes []string)
	onError     []func(error)
}

// StudyOption customizes a study.
type StudyOption func(*Study)

// WithPlots names the study's positional plot outputs, keyed "plot_0",
// "plot_1", and so on.
func WithPlots(plots map[string]string) StudyOption {
	return func(st *Study) { st.plots = plots }
}

// Study attaches an indicator to the session's price series. The study type
// and inputs follow the server's indicator schema.
func (s *Session) Study(studyType string, inputs map[string]any, opts ...StudyOption) (*Study, error) {
	st := &Study{
		session: s,
		id:      protocol.SessionID(protocol.StudyPrefix),
		typ:     studyType,
		periods: make(map[float64]map[string]any),
		graphic: make(map[string]map[string]any),
	}
	for _, opt := range opts {
		opt(st)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, connection.ErrAlreadyClosed
	}
	s.studies[st.id] = st
	s.mu.Unlock()

	if inputs == nil {
		inputs = map[string]any{}
	}
	if err := s.client.Send("create_study", []any{
		s.id, st.id, "st1", priceSeriesID, studyType, inputs,
	}); err != nil {
		s.mu.Lock()
		delete(s.studies, st.id)
		s.mu.Unlock()
		return nil, fmt.Errorf("create study %s: %w", studyType, err)
	}

	s.logger.Debug("study created", "session_id", s.id, "study_id", st.id, "type", studyType)
	return st, nil
}

// ID returns the study identifier.
func (st *Study) ID() string { return st.id }

// OnCompleted registers a callback fired when the study finishes computing.
func (st *Study) OnCompleted(fn func()) {
	st.mu.Lock()
	st.onCompleted = append(st.onCompleted, fn)
	st.mu.Unlock()
}

// OnUpdate registers a callback fired after each data update.
func (st *Study) OnUpdate(fn func(changes []string)) {
	st.mu.Lock()
	st.onUpdate = append(st.onUpdate, fn)
	st.mu.Unlock()
}

// OnError registers a callback for study-level errors.
func (st *Study) OnError(fn func(error)) {
	st.mu.Lock()
	st.onError = append(st.onError, fn)
	st.mu.Unlock()
}

// SetInputs replaces the study's inputs in place.
func (st *Study) SetInputs(inputs map[string]any) error {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return st.session.client.Send("modify_study", []any{
		st.session.id, st.id, "st1", inputs,
	})
}

// Periods returns the study's rows, newest first. Each row maps "$time" and
// plot names (or "plot_N" for unnamed plots) to values.
func (st *Study) Periods() []map[string]any {
	st.mu.Lock()
	out := make([]map[string]any, 0, len(st.periods))
	for _, p := range st.periods {
		out = append(out, p)
	}
	st.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ti, _ := out[i]["$time"].(float64)
		tj, _ := out[j]["$time"].(float64)
		return ti > tj
	})
	return out
}

// Graphic returns the study's drawing primitives grouped by type.
func (st *Study) Graphic() map[string]map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make(map[string]map[string]any, len(st.graphic))
	for typ, items := range st.graphic {
		group := make(map[string]any, len(items))
		for id, item := range items {
			group[id] = item
		}
		out[typ] = group
	}
	return out
}

// Remove detaches the study from the session and the server.
func (st *Study) Remove() error {
	st.mu.Lock()
	if st.removed {
		st.mu.Unlock()
		return nil
	}
	st.removed = true
	st.mu.Unlock()

	st.session.mu.Lock()
	delete(st.session.studies, st.id)
	st.session.mu.Unlock()

	return st.session.client.Send("remove_study", []any{st.session.id, st.id})
}

// handle processes a frame addressed to this study.
func (st *Study) handle(f connection.Frame) {
	switch f.Type {
	case "study_completed":
		st.mu.Lock()
		callbacks := append([]func(){}, st.onCompleted...)
		st.mu.Unlock()
		for _, fn := range callbacks {
			fn()
		}
	case "timescale_update", "du":
		st.handleUpdate(f)
	case "study_error":
		st.fail(fmt.Errorf("study error: %v", tail(f.Data, 3)))
	}
}

func (st *Study) handleUpdate(f connection.Frame) {
	if len(f.Data) < 2 {
		return
	}
	payload, ok := f.Data[1].(map[string]any)
	if !ok {
		return
	}
	data, ok := payload[st.id].(map[string]any)
	if !ok {
		return
	}

	var changes []string
	if rows, ok := data["st"].([]any); ok && len(rows) > 0 {
		st.applyRows(rows)
		changes = append(changes, "plots")
	}
	if ns, ok := data["ns"].(map[string]any); ok {
		if d, ok := ns["d"].(string); ok && d != "" {
			if st.applyGraphics(d) {
				changes = append(changes, "graphic")
			}
		}
	}

	if len(changes) == 0 {
		return
	}
	st.mu.Lock()
	callbacks := append([]func([]string){}, st.onUpdate...)
	st.mu.Unlock()
	for _, fn := range callbacks {
		fn(changes)
	}
}

// applyRows merges plot rows into the period map, naming values through the
// plot mapping.
func (st *Study) applyRows(rows []any) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, r := range rows {
		row, ok := r.(map[string]any)
		if !ok {
			continue
		}
		values, ok := row["v"].([]any)
		if !ok || len(values) == 0 {
			continue
		}
		t, ok := values[0].(float64)
		if !ok {
			continue
		}

		period := make(map[string]any, len(values))
		period["$time"] = t
		for i := 1; i < len(values); i++ {
			name := fmt.Sprintf("plot_%d", i-1)
			if mapped, ok := st.plots[name]; ok {
				name = mapped
			}
			period[name] = values[i]
		}
		st.periods[t] = period
	}
}

// applyGraphics applies the study's drawing command stream: erase
// instructions first, then creates.
func (st *Study) applyGraphics(raw string) bool {
	var parsed struct {
		GraphicsCmds *struct {
			Erase []struct {
				Action string `json:"action"`
				Type   string `json:"type"`
				ID     string `json:"id"`
			} `json:"erase"`
			Create map[string][]struct {
				Data []map[string]any `json:"data"`
			} `json:"create"`
		} `json:"graphicsCmds"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		st.fail(fmt.Errorf("decode graphics payload: %w", err))
		return false
	}
	if parsed.GraphicsCmds == nil {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	for _, ins := range parsed.GraphicsCmds.Erase {
		switch ins.Action {
		case "all":
			if ins.Type == "" {
				st.graphic = make(map[string]map[string]any)
			} else {
				delete(st.graphic, ins.Type)
			}
		case "one":
			if items, ok := st.graphic[ins.Type]; ok {
				delete(items, ins.ID)
			}
		}
	}

	for drawType, groups := range parsed.GraphicsCmds.Create {
		if st.graphic[drawType] == nil {
			st.graphic[drawType] = make(map[string]any)
		}
		for _, group := range groups {
			for _, item := range group.Data {
				id := fmt.Sprintf("%v", item["id"])
				st.graphic[drawType][id] = item
			}
		}
	}
	return true
}

func (st *Study) fail(err error) {
	st.mu.Lock()
	callbacks := append([]func(error){}, st.onError...)
	st.mu.Unlock()

	if len(callbacks) == 0 {
		st.session.logger.Error("study error", "study_id", st.id, "error", err)
		return
	}
	for _, fn := range callbacks {
		fn(err)
	}
}
