// Package pipeline implements the inbound message processing pipeline:
// deduplication, classification, priority assignment, and batched dispatch
// to registered handlers.
//
// Messages flow through a bounded ingestion queue into a single processing
// loop. Kline and quote batches collapse to the freshest message per symbol;
// everything else is dispatched message by message.
package pipeline

import "time"

// MessageType classifies an inbound message for batching and dispatch.
type MessageType int

const (
	TypeKlineUpdate MessageType = iota
	TypeQuoteUpdate
	TypeSymbolResolved
	TypeChartData
	TypeStudyData
	TypeError
	TypePing
	TypePong
	TypeOther
)

var messageTypeNames = map[MessageType]string{
	TypeKlineUpdate:    "kline_update",
	TypeQuoteUpdate:    "quote_update",
	TypeSymbolResolved: "symbol_resolved",
	TypeChartData:      "chart_data",
	TypeStudyData:      "study_data",
	TypeError:          "error",
	TypePing:           "ping",
	TypePong:           "pong",
	TypeOther:          "other",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// RawMessage is an unclassified message entering the pipeline.
type RawMessage struct {
	Type       string    // Wire packet type
	Symbol     string    // Symbol, when the producer already knows it
	Data       []any     // Packet parameters
	ReceivedAt time.Time // When the transport received the message
}

// ProcessedMessage is a classified message moving through batching and
// dispatch.
type ProcessedMessage struct {
	ID        string      // Tracing identifier, unique per message
	Type      MessageType
	Symbol    string      // "" when no symbol could be extracted
	Raw       RawMessage
	Timestamp time.Time // Classification time
	Priority  int       // Higher dispatches first within a flush

	Processed  bool // Dispatch (or merge) finished
	Discarded  bool // Collapsed away by a merge, never dispatched
	RetryCount int  // Incremented on handler failure
}
