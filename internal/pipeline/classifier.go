package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// classificationRules map wire type substrings to message types. Order
// matters: the first matching rule wins.
var classificationRules = []struct {
	pattern string
	typ     MessageType
}{
	{"timescale_update", TypeKlineUpdate},
	{"quote_update", TypeQuoteUpdate},
	{"qsd", TypeQuoteUpdate},
	{"symbol_resolved", TypeSymbolResolved},
	{"series_completed", TypeChartData},
	{"study_completed", TypeStudyData},
	{"protocol_error", TypeError},
	{"ping", TypePing},
	{"pong", TypePong},
}

// priorityRules rank message types for dispatch ordering within a flush.
var priorityRules = map[MessageType]int{
	TypeError:          100,
	TypePing:           90,
	TypePong:           90,
	TypeKlineUpdate:    80,
	TypeQuoteUpdate:    70,
	TypeChartData:      60,
	TypeSymbolResolved: 50,
	TypeStudyData:      40,
	TypeOther:          10,
}

// Classifier assigns type, symbol, priority, and a tracing id to raw
// messages. It is stateless and safe for concurrent use.
type Classifier struct {
	now func() time.Time
}

// NewClassifier creates a classifier.
func NewClassifier() *Classifier {
	return &Classifier{now: time.Now}
}

// Classify turns a raw message into a processed one. Classification never
// fails: unrecognized messages degrade to TypeOther at the lowest priority.
func (c *Classifier) Classify(raw RawMessage) ProcessedMessage {
	typ := c.determineType(raw)
	now := c.now()

	return ProcessedMessage{
		ID:        c.messageID(raw, now),
		Type:      typ,
		Symbol:    extractSymbol(raw),
		Raw:       raw,
		Timestamp: now,
		Priority:  priorityRules[typ],
	}
}

func (c *Classifier) determineType(raw RawMessage) MessageType {
	wireType := strings.ToLower(raw.Type)
	for _, rule := range classificationRules {
		if strings.Contains(wireType, rule.pattern) {
			return rule.typ
		}
	}
	return TypeOther
}

// extractSymbol finds the message's symbol: the explicit field first, then
// the first exchange-qualified string in the parameters.
func extractSymbol(raw RawMessage) string {
	if raw.Symbol != "" {
		return raw.Symbol
	}
	for _, p := range raw.Data {
		if s, ok := p.(string); ok && strings.Contains(s, ":") {
			return s
		}
	}
	return ""
}

// messageID builds a tracing identifier: msg_<nanos>_<hash8>.
func (c *Classifier) messageID(raw RawMessage, now time.Time) string {
	h := xxhash.New()
	h.WriteString(raw.Type)
	if b, err := json.Marshal(raw.Data); err == nil {
		h.Write(b)
	}
	return fmt.Sprintf("msg_%d_%08x", now.UnixNano(), uint32(h.Sum64()))
}
