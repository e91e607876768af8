package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/chatgate/internal/model"
)

// --- モック定義 ---

type stubVerifier struct {
	identities map[string]*model.Identity
}

func (s *stubVerifier) Verify(tokenString string) (*model.Identity, error) {
	if identity, ok := s.identities[tokenString]; ok {
		return identity, nil
	}
	return nil, errors.New("invalid token")
}

type recordingMetrics struct {
	mu         sync.Mutex
	opened     int
	closed     int
	rejected   int
	dropped    int
	broadcasts []int
}

func (m *recordingMetrics) ConnectionOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
}

func (m *recordingMetrics) ConnectionClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

func (m *recordingMetrics) RecordHandshakeRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected++
}

func (m *recordingMetrics) RecordBroadcast(receiverCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, receiverCount)
}

func (m *recordingMetrics) RecordSendDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func (m *recordingMetrics) RecordAuthFailure(cause string) {}

func (m *recordingMetrics) closedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *recordingMetrics) lastBroadcast() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.broadcasts) == 0 {
		return 0, false
	}
	return m.broadcasts[len(m.broadcasts)-1], true
}

// --- テストヘルパー ---

func newTestHub(t *testing.T, m Metrics) (*Hub, *httptest.Server) {
	t.Helper()

	verifier := &stubVerifier{
		identities: map[string]*model.Identity{
			"alice-token": {UserID: "user-alice", Email: "alice@x.com"},
			"bob-token":   {UserID: "user-bob", Email: "bob@x.com"},
		},
	}

	h := New(verifier, m, Config{SendQueueSize: 8})
	go h.Run()

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.Shutdown(ctx); err != nil {
			t.Errorf("hub shutdown failed: %v", err)
		}
	})

	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, tokenValue string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	if tokenValue != "" {
		header.Set("Cookie", "token="+tokenValue)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial failed: %v (resp: %+v)", err, resp)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		t.Fatalf("event is not JSON: %v", err)
	}
	return event
}

func sendChatMessage(t *testing.T, conn *websocket.Conn, payload map[string]any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload failed: %v", err)
	}
	data, err := json.Marshal(Event{Type: EventChatMessage, Payload: raw})
	if err != nil {
		t.Fatalf("marshal event failed: %v", err)
	}
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// --- テスト ---

func TestServeWS_RejectsUnauthenticatedHandshake(t *testing.T) {
	m := &recordingMetrics{}
	_, srv := newTestHub(t, m)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("handshake without token must be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %+v, want 401", resp)
	}
	resp.Body.Close()
}

func TestServeWS_RejectsInvalidToken(t *testing.T) {
	_, srv := newTestHub(t, &recordingMetrics{})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	header.Set("Cookie", "token=forged")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("handshake with invalid token must be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %+v, want 401", resp)
	}
	resp.Body.Close()
}

func TestServeWS_SendsPersonalizedWelcome(t *testing.T) {
	_, srv := newTestHub(t, &recordingMetrics{})

	conn := dial(t, srv, "alice-token")

	event := readEvent(t, conn)
	if event.Type != EventWelcome {
		t.Fatalf("first event type = %q, want %q", event.Type, EventWelcome)
	}

	var payload WelcomePayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if payload.Message != "Welcome alice@x.com!" {
		t.Errorf("message = %q, want %q", payload.Message, "Welcome alice@x.com!")
	}
}

func TestRelay_OverwritesSpoofedUsername(t *testing.T) {
	_, srv := newTestHub(t, &recordingMetrics{})

	alice := dial(t, srv, "alice-token")
	bob := dial(t, srv, "bob-token")

	// 両者のwelcomeを先に読み捨てる
	readEvent(t, alice)
	readEvent(t, bob)

	sendChatMessage(t, alice, map[string]any{
		"username": "spoof",
		"content":  "hi",
	})

	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		event := readEvent(t, conn)
		if event.Type != EventChatMessage {
			t.Fatalf("%s: event type = %q, want %q", name, event.Type, EventChatMessage)
		}

		var payload map[string]any
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			t.Fatalf("%s: payload decode failed: %v", name, err)
		}
		if payload["username"] != "alice@x.com" {
			t.Errorf("%s: username = %v, want verified sender email", name, payload["username"])
		}
		if payload["content"] != "hi" {
			t.Errorf("%s: content = %v, want %q", name, payload["content"], "hi")
		}
	}
}

func TestRelay_PreservesAdditionalPayloadFields(t *testing.T) {
	_, srv := newTestHub(t, &recordingMetrics{})

	alice := dial(t, srv, "alice-token")
	readEvent(t, alice)

	sendChatMessage(t, alice, map[string]any{
		"content":   "hello",
		"client_ts": "2026-08-30T10:00:00Z",
	})

	event := readEvent(t, alice)
	var payload map[string]any
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if payload["client_ts"] != "2026-08-30T10:00:00Z" {
		t.Errorf("client_ts = %v, additional fields should be carried through", payload["client_ts"])
	}
	if payload["username"] != "alice@x.com" {
		t.Errorf("username = %v, want verified sender email", payload["username"])
	}
}

func TestRelay_SanitizesContent(t *testing.T) {
	_, srv := newTestHub(t, &recordingMetrics{})

	alice := dial(t, srv, "alice-token")
	readEvent(t, alice)

	sendChatMessage(t, alice, map[string]any{
		"content": "<b>hi</b>",
	})

	event := readEvent(t, alice)
	var payload map[string]any
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if payload["content"] != "hi" {
		t.Errorf("content = %v, want HTML stripped to %q", payload["content"], "hi")
	}
}

func TestDisconnect_RemovesFromBroadcastDomain(t *testing.T) {
	m := &recordingMetrics{}
	_, srv := newTestHub(t, m)

	alice := dial(t, srv, "alice-token")
	bob := dial(t, srv, "bob-token")
	readEvent(t, alice)
	readEvent(t, bob)

	bob.Close()
	waitFor(t, func() bool { return m.closedCount() >= 1 }, "bob was not deregistered")

	sendChatMessage(t, alice, map[string]any{"content": "after disconnect"})

	event := readEvent(t, alice)
	if event.Type != EventChatMessage {
		t.Fatalf("event type = %q, want %q", event.Type, EventChatMessage)
	}

	// 配送先は残っているaliceのみであること
	waitFor(t, func() bool {
		n, ok := m.lastBroadcast()
		return ok && n == 1
	}, "broadcast should only target remaining connections")
}

func TestRelay_PerSenderOrderPreserved(t *testing.T) {
	_, srv := newTestHub(t, &recordingMetrics{})

	alice := dial(t, srv, "alice-token")
	bob := dial(t, srv, "bob-token")
	readEvent(t, alice)
	readEvent(t, bob)

	want := []string{"first", "second", "third"}
	for _, content := range want {
		sendChatMessage(t, alice, map[string]any{"content": content})
	}

	for i, expected := range want {
		event := readEvent(t, bob)
		var payload map[string]any
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			t.Fatalf("payload decode failed: %v", err)
		}
		if payload["content"] != expected {
			t.Errorf("message %d: content = %v, want %q", i, payload["content"], expected)
		}
	}
}

func TestReadPump_IgnoresUnknownEventTypes(t *testing.T) {
	_, srv := newTestHub(t, &recordingMetrics{})

	alice := dial(t, srv, "alice-token")
	readEvent(t, alice)

	// 未知のイベントは読み飛ばされ、後続のメッセージは通常どおり処理される
	data, _ := json.Marshal(Event{Type: "typing", Payload: json.RawMessage(`{}`)})
	alice.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := alice.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	sendChatMessage(t, alice, map[string]any{"content": "still works"})

	event := readEvent(t, alice)
	if event.Type != EventChatMessage {
		t.Fatalf("event type = %q, want %q", event.Type, EventChatMessage)
	}
}
