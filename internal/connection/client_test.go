package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/buzzup-hub/tvstream/internal/protocol"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testConfig(server *httptest.Server) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.URL = wsURL(server)
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.DialMaxElapsed = 2 * time.Second
	cfg.InboundBuffer = 100
	return cfg
}

// helloServer accepts the auth packet, sends a hello frame, then runs next.
func helloServer(t *testing.T, next func(*websocket.Conn)) *httptest.Server {
	return mockWSServer(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		hello, _ := protocol.FormatPacket("session_hello", []any{map[string]any{"session_id": "srv1"}})
		if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
			return
		}
		if next != nil {
			next(conn)
		}
	})
}

func TestClient_ConnectAndEnd(t *testing.T) {
	server := helloServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	client := NewClient(testConfig(server), nil, nil)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !client.IsConnected() {
		t.Error("expected IsConnected to return true")
	}

	if err := client.End(); err != nil {
		t.Errorf("End failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected IsConnected to return false after End")
	}

	// Second End should be a no-op.
	if err := client.End(); err != nil {
		t.Errorf("second End failed: %v", err)
	}
}

func TestClient_AuthTokenSent(t *testing.T) {
	var got []byte
	var mu sync.Mutex

	server := mockWSServer(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		mu.Lock()
		got = msg
		mu.Unlock()

		hello, _ := protocol.FormatPacket("session_hello", []any{})
		conn.WriteMessage(websocket.TextMessage, hello)
		time.Sleep(time.Second)
	})
	defer server.Close()

	client := NewClient(testConfig(server), nil, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.End()

	mu.Lock()
	defer mu.Unlock()
	packets := protocol.ParsePackets(got)
	if len(packets) != 1 || packets[0].Type != "set_auth_token" {
		t.Fatalf("first packet = %+v, want set_auth_token", packets)
	}
	if token, _ := packets[0].Data[0].(string); token != "unauthorized_user_token" {
		t.Errorf("token = %q, want unauthorized_user_token", token)
	}
}

func TestClient_AuthRejected(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		reject, _ := protocol.FormatPacket("protocol_error", []any{"auth", "invalid token"})
		conn.WriteMessage(websocket.TextMessage, reject)
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(testConfig(server), nil, nil)
	err := client.Connect(context.Background())

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Connect error = %v, want *AuthError", err)
	}
	if !strings.Contains(authErr.Error(), "invalid token") {
		t.Errorf("error = %q, missing server reason", authErr.Error())
	}
}

func TestClient_HandshakeTimeout(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		// Accept auth but never reply.
		conn.ReadMessage()
		time.Sleep(2 * time.Second)
	})
	defer server.Close()

	cfg := testConfig(server)
	cfg.HandshakeTimeout = 200 * time.Millisecond

	client := NewClient(cfg, nil, nil)
	err := client.Connect(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Connect error = %v, want ErrTimeout", err)
	}
}

func TestClient_SendNotConnected(t *testing.T) {
	client := NewClient(DefaultClientConfig(), nil, nil)

	err := client.Send("quote_create_session", []any{"qs_1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestClient_PingEcho(t *testing.T) {
	echoed := make(chan int64, 1)

	server := helloServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte("~m~4~m~~h~7"))
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			for _, pkt := range protocol.ParsePackets(msg) {
				if pkt.IsPing {
					echoed <- pkt.Ping
					return
				}
			}
		}
	})
	defer server.Close()

	client := NewClient(testConfig(server), nil, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.End()

	select {
	case id := <-echoed:
		if id != 7 {
			t.Errorf("echoed ping id = %d, want 7", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for ping echo")
	}
}

func TestClient_InboundTap(t *testing.T) {
	server := helloServer(t, func(conn *websocket.Conn) {
		frame, _ := protocol.FormatPacket("qsd", []any{"qs_1", map[string]any{"n": "SYM", "s": "ok"}})
		conn.WriteMessage(websocket.TextMessage, frame)
		time.Sleep(time.Second)
	})
	defer server.Close()

	client := NewClient(testConfig(server), nil, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.End()

	select {
	case f := <-client.Inbound():
		if f.Type != "qsd" {
			t.Errorf("Type = %q, want qsd", f.Type)
		}
		if f.SessionID != "qs_1" {
			t.Errorf("SessionID = %q, want qs_1", f.SessionID)
		}
		if f.ReceivedAt.IsZero() {
			t.Error("ReceivedAt should not be zero")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound frame")
	}
}

func TestClient_RoutesToRegisteredHandler(t *testing.T) {
	server := helloServer(t, func(conn *websocket.Conn) {
		frame, _ := protocol.FormatPacket("quote_completed", []any{"qs_route", "SYM"})
		conn.WriteMessage(websocket.TextMessage, frame)
		time.Sleep(time.Second)
	})
	defer server.Close()

	client := NewClient(testConfig(server), nil, nil)

	h := newTestHandler("qs_route")
	client.Registry().Register(h)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.End()

	select {
	case f := <-h.frames:
		if f.Type != "quote_completed" {
			t.Errorf("Type = %q, want quote_completed", f.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for routed frame")
	}
}

func TestClient_EndSendsSessionDeletes(t *testing.T) {
	received := make(chan string, 16)
	server := helloServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			for _, pkt := range protocol.ParsePackets(msg) {
				received <- pkt.Type
			}
		}
	})
	defer server.Close()

	client := NewClient(testConfig(server), nil, nil)

	// A session's Close sends its delete frame; the connection must still
	// be writable when End tears sessions down.
	h := newTestHandler("qs_del")
	h.onClose = func() {
		if err := client.Send("quote_delete_session", []any{"qs_del"}); err != nil {
			t.Errorf("Send during teardown failed: %v", err)
		}
	}
	client.Registry().Register(h)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := client.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case typ := <-received:
			if typ == "quote_delete_session" {
				return
			}
		case <-deadline:
			t.Fatal("delete frame never reached the server")
		}
	}
}

func TestClient_ZeroConfigDefaults(t *testing.T) {
	server := helloServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	// Only the endpoint set: every timeout must be backfilled, not zero.
	client := NewClient(ClientConfig{URL: wsURL(server)}, nil, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect with zero-value config failed: %v", err)
	}
	defer client.End()

	if err := client.Send("quote_create_session", []any{"qs_1"}); err != nil {
		t.Errorf("Send with zero-value config failed: %v", err)
	}
}

func TestClient_EndClosesSessions(t *testing.T) {
	server := helloServer(t, func(conn *websocket.Conn) {
		time.Sleep(time.Second)
	})
	defer server.Close()

	client := NewClient(testConfig(server), nil, nil)
	h := newTestHandler("qs_end")
	client.Registry().Register(h)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := client.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	if !h.closed() {
		t.Error("expected handler to be closed by End")
	}
	if client.Registry().Len() != 0 {
		t.Errorf("registry len = %d, want 0", client.Registry().Len())
	}
}
