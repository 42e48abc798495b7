package protocol

import (
	"strconv"
	"strings"
	"testing"
)

func TestParsePackets_Single(t *testing.T) {
	data := []byte(frameString(`{"m":"qsd","p":["qs_abc123def456",{"n":"X","s":"ok"}]}`))

	packets := ParsePackets(data)
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	if packets[0].Type != "qsd" {
		t.Errorf("Type = %q, want qsd", packets[0].Type)
	}
	if packets[0].SessionID() != "qs_abc123def456" {
		t.Errorf("SessionID = %q, want qs_abc123def456", packets[0].SessionID())
	}
}

func TestParsePackets_Multiple(t *testing.T) {
	first := `{"m":"quote_completed","p":["qs_1","SYM"]}`
	second := `{"m":"qsd","p":["qs_1",{"n":"SYM","s":"ok"}]}`
	data := []byte(frameString(first) + frameString(second))

	packets := ParsePackets(data)
	if len(packets) != 2 {
		t.Fatalf("got %d packets, want 2", len(packets))
	}
	if packets[0].Type != "quote_completed" {
		t.Errorf("first Type = %q, want quote_completed", packets[0].Type)
	}
	if packets[1].Type != "qsd" {
		t.Errorf("second Type = %q, want qsd", packets[1].Type)
	}
}

func TestParsePackets_Ping(t *testing.T) {
	data := []byte("~m~4~m~~h~7")

	packets := ParsePackets(data)
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	if !packets[0].IsPing {
		t.Fatal("expected a ping packet")
	}
	if packets[0].Ping != 7 {
		t.Errorf("Ping = %d, want 7", packets[0].Ping)
	}
}

func TestParsePackets_BarePing(t *testing.T) {
	packets := ParsePackets([]byte("~h~42"))
	if len(packets) != 1 || !packets[0].IsPing || packets[0].Ping != 42 {
		t.Fatalf("got %+v, want single ping 42", packets)
	}
}

func TestParsePackets_MarkerlessJSON(t *testing.T) {
	packets := ParsePackets([]byte(`{"m":"protocol_error","p":["bad"]}`))
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	if packets[0].Type != "protocol_error" {
		t.Errorf("Type = %q, want protocol_error", packets[0].Type)
	}
}

func TestParsePackets_MalformedSegmentSkipped(t *testing.T) {
	good := `{"m":"qsd","p":["qs_1"]}`
	data := []byte("~m~5~m~{bad}" + frameString(good))

	packets := ParsePackets(data)
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	if packets[0].Type != "qsd" {
		t.Errorf("Type = %q, want qsd", packets[0].Type)
	}
}

func TestParsePackets_Empty(t *testing.T) {
	if packets := ParsePackets(nil); packets != nil {
		t.Errorf("got %v, want nil", packets)
	}
	if packets := ParsePackets([]byte("garbage")); packets != nil {
		t.Errorf("got %v, want nil", packets)
	}
}

func TestFormatPacket_RoundTrip(t *testing.T) {
	data, err := FormatPacket("quote_create_session", []any{"qs_test12345678"})
	if err != nil {
		t.Fatalf("FormatPacket failed: %v", err)
	}

	packets := ParsePackets(data)
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	if packets[0].Type != "quote_create_session" {
		t.Errorf("Type = %q, want quote_create_session", packets[0].Type)
	}
	if packets[0].SessionID() != "qs_test12345678" {
		t.Errorf("SessionID = %q, want qs_test12345678", packets[0].SessionID())
	}
}

func TestFormatPing_RoundTrip(t *testing.T) {
	packets := ParsePackets(FormatPing(99))
	if len(packets) != 1 || !packets[0].IsPing || packets[0].Ping != 99 {
		t.Fatalf("got %+v, want single ping 99", packets)
	}
}

func TestEncodeParams_MapsBecomeJSON(t *testing.T) {
	params := EncodeParams("resolve_symbol", []any{
		"cs_1",
		"ser_1",
		map[string]any{"symbol": "BINANCE:BTCUSDT"},
	})

	s, ok := params[2].(string)
	if !ok {
		t.Fatalf("param 2 = %T, want string", params[2])
	}
	if !strings.Contains(s, `"symbol":"BINANCE:BTCUSDT"`) {
		t.Errorf("encoded map = %q, missing symbol field", s)
	}
}

func TestEncodeParams_SeriesKeepsArrays(t *testing.T) {
	rangeParam := []any{"bar_count", 1700000000, 100}

	preserved := EncodeParams("create_series", []any{"cs_1", "$prices", rangeParam})
	if _, ok := preserved[2].([]any); !ok {
		t.Errorf("create_series param 2 = %T, want []any", preserved[2])
	}

	encoded := EncodeParams("quote_add_symbols", []any{"qs_1", rangeParam})
	if _, ok := encoded[1].(string); !ok {
		t.Errorf("quote_add_symbols param 1 = %T, want string", encoded[1])
	}
}

func TestSessionID(t *testing.T) {
	id := SessionID(QuoteSessionPrefix)
	if !strings.HasPrefix(id, "qs_") {
		t.Errorf("id = %q, want qs_ prefix", id)
	}
	if len(id) != len("qs_")+sessionIDLength {
		t.Errorf("len(id) = %d, want %d", len(id), len("qs_")+sessionIDLength)
	}

	if SessionID(ChartSessionPrefix) == SessionID(ChartSessionPrefix) {
		t.Error("consecutive session ids should differ")
	}
}

func frameString(payload string) string {
	return "~m~" + strconv.Itoa(len(payload)) + "~m~" + payload
}
