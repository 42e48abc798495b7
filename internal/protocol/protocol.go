// Package protocol implements the upstream wire framing.
//
// Every WebSocket message carries one or more packets, each prefixed with a
// length marker: ~m~<len>~m~<payload>. A payload is either a JSON object of
// the form {"m": "<type>", "p": [...]} or a bare integer heartbeat (the
// server sends ~h~<id> and expects the same id echoed back).
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const lengthMarker = "~m~"

// Packet is a single decoded wire packet.
//
// Exactly one of two shapes is populated: a heartbeat (IsPing true, Ping set)
// or a typed packet (Type and Data set). The first element of Data, when it
// is a string, addresses a session.
type Packet struct {
	Type string `json:"m"`
	Data []any  `json:"p"`

	Ping   int64 `json:"-"`
	IsPing bool  `json:"-"`
}

// SessionID returns the session identifier embedded in the packet, or ""
// when the packet does not address a session.
func (p Packet) SessionID() string {
	if len(p.Data) == 0 {
		return ""
	}
	id, _ := p.Data[0].(string)
	return id
}

// ParsePackets splits a raw WebSocket message into its packets.
//
// Malformed segments are skipped rather than failing the whole message: the
// upstream protocol has no strict schema and a single bad packet must never
// take down the read path.
func ParsePackets(data []byte) []Packet {
	if len(data) == 0 {
		return nil
	}
	s := string(data)

	if !strings.Contains(s, lengthMarker) {
		// Marker-less payloads show up on old server builds: either a
		// whole JSON packet or a bare heartbeat integer.
		if pkt, ok := parsePayload(s); ok {
			return []Packet{pkt}
		}
		return nil
	}

	var packets []Packet
	rest := s
	for {
		start := strings.Index(rest, lengthMarker)
		if start < 0 {
			break
		}
		rest = rest[start+len(lengthMarker):]

		end := strings.Index(rest, lengthMarker)
		if end < 0 {
			break
		}
		length, err := strconv.Atoi(rest[:end])
		if err != nil || length < 0 {
			rest = rest[end:]
			continue
		}

		body := rest[end+len(lengthMarker):]
		if length > len(body) {
			break
		}
		if pkt, ok := parsePayload(body[:length]); ok {
			packets = append(packets, pkt)
		}
		rest = body[length:]
	}
	return packets
}

// parsePayload decodes a single packet payload.
func parsePayload(s string) (Packet, bool) {
	s = strings.ReplaceAll(s, "~h~", "")
	if s == "" {
		return Packet{}, false
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Packet{Ping: n, IsPing: true}, true
	}

	var pkt Packet
	if err := json.Unmarshal([]byte(s), &pkt); err != nil {
		return Packet{}, false
	}
	return pkt, true
}

// FormatPacket encodes a typed packet into its framed wire form.
func FormatPacket(packetType string, params []any) ([]byte, error) {
	body, err := json.Marshal(Packet{Type: packetType, Data: params})
	if err != nil {
		return nil, fmt.Errorf("marshal packet %q: %w", packetType, err)
	}
	return frame(string(body)), nil
}

// FormatPing encodes a heartbeat reply for the given ping id.
func FormatPing(id int64) []byte {
	return frame(fmt.Sprintf("~h~%d", id))
}

func frame(payload string) []byte {
	return []byte(fmt.Sprintf("%s%d%s%s", lengthMarker, len(payload), lengthMarker, payload))
}

// paramsAsArrays lists packet types whose array parameters must stay arrays
// on the wire. Everything else gets nested structures JSON-encoded into
// strings, which is what the server expects.
var paramsAsArrays = map[string]bool{
	"create_series": true,
	"modify_series": true,
}

// EncodeParams normalizes outbound packet parameters: maps are always
// JSON-encoded to strings, slices too unless the packet type requires raw
// arrays. Scalars pass through unchanged.
func EncodeParams(packetType string, params []any) []any {
	out := make([]any, 0, len(params))
	for _, p := range params {
		switch v := p.(type) {
		case map[string]any:
			out = append(out, encodeJSON(v))
		case []any:
			if paramsAsArrays[packetType] {
				out = append(out, v)
			} else {
				out = append(out, encodeJSON(v))
			}
		default:
			out = append(out, p)
		}
	}
	return out
}

func encodeJSON(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
