package protocol

import (
	"strings"

	"github.com/google/uuid"
)

// Session id prefixes. Each session type gets its own namespace so that ids
// are self-describing in logs and wire traces.
const (
	QuoteSessionPrefix  = "qs"
	ChartSessionPrefix  = "cs"
	ReplaySessionPrefix = "rs"
	StudyPrefix         = "st"
)

const sessionIDLength = 12

// SessionID generates a unique, type-prefixed session identifier such as
// "qs_4f2a9c81d03b". Ids are never reused: a deleted session always gets a
// fresh identifier on recreation.
func SessionID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + raw[:sessionIDLength]
}
