package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/vango-go/storybridge/pkg/bridge"
	"github.com/vango-go/storybridge/pkg/convai"
	"github.com/vango-go/storybridge/pkg/gateway/config"
	"github.com/vango-go/storybridge/pkg/gateway/lifecycle"
)

// fakeConvai stands in for the ElevenLabs conversation socket.
type fakeConvai struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	agents chan string
	keys   chan string
	reject bool
}

func newFakeConvai(t *testing.T, reject bool) *fakeConvai {
	t.Helper()
	f := &fakeConvai{
		conns:  make(chan *websocket.Conn, 4),
		agents: make(chan string, 4),
		keys:   make(chan string, 4),
		reject: reject,
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.agents <- r.URL.Query().Get("agent_id")
		f.keys <- r.Header.Get("xi-api-key")
		if f.reject {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeConvai) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/convai/conversation"
}

func (f *fakeConvai) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for upstream connection")
		return nil
	}
}

type liveHarness struct {
	server    *httptest.Server
	upstream  *fakeConvai
	bridge    *bridge.Bridge
	lifecycle *lifecycle.Lifecycle
}

type liveTestOptions struct {
	rejectUpstream bool
	corsOrigins    map[string]struct{}
}

func newLiveTestServer(t *testing.T, opts liveTestOptions) (*liveHarness, string) {
	t.Helper()
	upstream := newFakeConvai(t, opts.rejectUpstream)
	logger := discardLogger()

	b := bridge.New(bridge.Options{
		Logger: logger,
		NewRemote: bridge.ConvaiFactory(convai.ClientConfig{
			APIKey:           "xi-test",
			URL:              upstream.url(),
			HandshakeTimeout: 2 * time.Second,
			WriteTimeout:     2 * time.Second,
		}, logger),
		DefaultAgentID: "agent_default",
	})
	lc := &lifecycle.Lifecycle{}

	handler := LiveHandler{
		Config: config.Config{
			APIKey:               "xi-test",
			AgentID:              "agent_default",
			CORSAllowedOrigins:   opts.corsOrigins,
			WSWriteTimeout:       2 * time.Second,
			LocalMaxMessageBytes: 64 * 1024,
		},
		Bridge:    b,
		Lifecycle: lc,
		Logger:    logger,
	}
	r := chi.NewRouter()
	r.Get("/api/ws/{agent_id}", handler.ServeHTTP)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/"
	return &liveHarness{server: srv, upstream: upstream, bridge: b, lifecycle: lc}, url
}

func (h *liveHarness) waitSessions(t *testing.T, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.bridge.ActiveSessions() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("active sessions=%d, want %d", h.bridge.ActiveSessions(), want)
}

func TestLiveHandler_RelaysBothDirections(t *testing.T) {
	h, base := newLiveTestServer(t, liveTestOptions{})

	conn := mustDialWS(t, base+"agent_1")
	defer conn.Close()
	upstream := h.upstream.accept(t)

	if agent := <-h.upstream.agents; agent != "agent_1" {
		t.Fatalf("upstream agent_id=%q", agent)
	}
	if key := <-h.upstream.keys; key != "xi-test" {
		t.Fatalf("upstream xi-api-key=%q", key)
	}

	first := mustReadJSON(t, upstream, 2*time.Second)
	if first["type"] != "conversation_initiation_client_data" {
		t.Fatalf("first upstream frame=%v", first)
	}
	if msg := mustReadJSON(t, conn, 2*time.Second); msg["type"] != "connected" {
		t.Fatalf("expected connected, got %v", msg)
	}
	h.waitSessions(t, 1)

	mustWriteJSON(t, conn, map[string]any{"type": "text", "text": "tell me about the dragon"})
	if got := mustReadJSON(t, upstream, 2*time.Second); got["type"] != "user_message" || got["text"] != "tell me about the dragon" {
		t.Fatalf("upstream text frame=%v", got)
	}

	mustWriteJSON(t, conn, map[string]any{"type": "context", "context": "page 3"})
	if got := mustReadJSON(t, upstream, 2*time.Second); got["type"] != "contextual_update" || got["text"] != "page 3" {
		t.Fatalf("upstream context frame=%v", got)
	}

	mustWriteJSON(t, conn, map[string]any{"type": "audio", "audio_data": "0102ff"})
	got := mustReadJSON(t, upstream, 2*time.Second)
	if got["user_audio_chunk"] != base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0xff}) {
		t.Fatalf("upstream audio frame=%v", got)
	}

	mustWriteJSON(t, upstream, map[string]any{
		"type":                 "agent_response",
		"agent_response_event": map[string]any{"agent_response": "Once upon a time"},
	})
	if msg := mustReadJSON(t, conn, 2*time.Second); msg["type"] != "agent_response" || msg["text"] != "Once upon a time" {
		t.Fatalf("expected agent_response, got %v", msg)
	}

	mustWriteJSON(t, upstream, map[string]any{
		"type":        "audio",
		"audio_event": map[string]any{"audio_base_64": base64.StdEncoding.EncodeToString([]byte{0xca, 0xfe}), "event_id": 1},
	})
	if msg := mustReadJSON(t, conn, 2*time.Second); msg["type"] != "audio" || msg["audio_data"] != "cafe" {
		t.Fatalf("expected audio, got %v", msg)
	}

	mustWriteJSON(t, upstream, map[string]any{
		"type":       "ping",
		"ping_event": map[string]any{"event_id": 7},
	})
	if got := mustReadJSON(t, upstream, 2*time.Second); got["type"] != "pong" || got["event_id"] != float64(7) {
		t.Fatalf("expected pong, got %v", got)
	}
}

func TestLiveHandler_InvalidAudioReportsErrorAndStaysOpen(t *testing.T) {
	h, base := newLiveTestServer(t, liveTestOptions{})

	conn := mustDialWS(t, base+"agent_1")
	defer conn.Close()
	upstream := h.upstream.accept(t)
	_ = mustReadJSON(t, upstream, 2*time.Second)
	_ = mustReadJSON(t, conn, 2*time.Second)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	mustWriteJSON(t, conn, map[string]any{"type": "audio", "audio_data": "zz"})
	msg := mustReadJSON(t, conn, 2*time.Second)
	if msg["type"] != "error" || !strings.Contains(msg["message"].(string), "audio_data") {
		t.Fatalf("expected error notification, got %v", msg)
	}

	mustWriteJSON(t, conn, map[string]any{"type": "text", "text": "still here"})
	if got := mustReadJSON(t, upstream, 2*time.Second); got["text"] != "still here" {
		t.Fatalf("upstream frame=%v", got)
	}
}

func TestLiveHandler_RemoteCloseEndsConversation(t *testing.T) {
	h, base := newLiveTestServer(t, liveTestOptions{})

	conn := mustDialWS(t, base+"agent_1")
	defer conn.Close()
	upstream := h.upstream.accept(t)
	_ = mustReadJSON(t, upstream, 2*time.Second)
	_ = mustReadJSON(t, conn, 2*time.Second)
	h.waitSessions(t, 1)

	_ = upstream.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	_ = upstream.Close()

	if msg := mustReadJSON(t, conn, 2*time.Second); msg["type"] != "disconnected" {
		t.Fatalf("expected disconnected, got %v", msg)
	}
	code, reason := readUntilClose(t, conn)
	if code != websocket.CloseNormalClosure || reason != "conversation ended" {
		t.Fatalf("close code=%d reason=%q", code, reason)
	}
	h.waitSessions(t, 0)
}

func TestLiveHandler_BrowserCloseDisconnectsUpstream(t *testing.T) {
	h, base := newLiveTestServer(t, liveTestOptions{})

	conn := mustDialWS(t, base+"agent_1")
	upstream := h.upstream.accept(t)
	_ = mustReadJSON(t, upstream, 2*time.Second)
	_ = mustReadJSON(t, conn, 2*time.Second)
	h.waitSessions(t, 1)

	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = conn.Close()

	h.waitSessions(t, 0)
	_ = upstream.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := upstream.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("upstream was not closed: %v", err)
			}
			return
		}
	}
}

func TestLiveHandler_UpstreamRefusedClosesWith1011(t *testing.T) {
	h, base := newLiveTestServer(t, liveTestOptions{rejectUpstream: true})

	conn := mustDialWS(t, base+"agent_1")
	defer conn.Close()

	code, reason := readUntilClose(t, conn)
	if code != websocket.CloseInternalServerErr || reason != "failed to connect to agent" {
		t.Fatalf("close code=%d reason=%q", code, reason)
	}
	if n := h.bridge.ActiveSessions(); n != 0 {
		t.Fatalf("active sessions=%d", n)
	}
}

func TestLiveHandler_ShutdownClosesWith1001(t *testing.T) {
	h, base := newLiveTestServer(t, liveTestOptions{})

	conn := mustDialWS(t, base+"agent_1")
	defer conn.Close()
	upstream := h.upstream.accept(t)
	_ = mustReadJSON(t, upstream, 2*time.Second)
	_ = mustReadJSON(t, conn, 2*time.Second)
	h.waitSessions(t, 1)

	if sent := h.bridge.NotifyAll("server shutting down"); sent != 1 {
		t.Fatalf("NotifyAll sent=%d", sent)
	}
	if msg := mustReadJSON(t, conn, 2*time.Second); msg["type"] != "error" {
		t.Fatalf("expected shutdown warning, got %v", msg)
	}
	if closed := h.bridge.CloseAll(); closed != 1 {
		t.Fatalf("CloseAll closed=%d", closed)
	}
	code, reason := readUntilClose(t, conn)
	if code != websocket.CloseGoingAway || reason != "server shutting down" {
		t.Fatalf("close code=%d reason=%q", code, reason)
	}
	h.waitSessions(t, 0)
}

func TestLiveHandler_DrainingRefusesUpgrade(t *testing.T) {
	h, base := newLiveTestServer(t, liveTestOptions{})
	h.lifecycle.SetDraining(true)

	_, resp, err := websocket.DefaultDialer.Dial(base+"agent_1", nil)
	if err == nil {
		t.Fatalf("expected dial to fail while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%v err=%v", resp, err)
	}
}

func TestLiveHandler_RejectsDisallowedOrigin(t *testing.T) {
	_, base := newLiveTestServer(t, liveTestOptions{
		corsOrigins: map[string]struct{}{"https://stories.example": {}},
	})

	header := http.Header{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(base+"agent_1", header)
	if err == nil {
		t.Fatalf("expected dial to fail for disallowed origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v err=%v", resp, err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(base+"agent_1", http.Header{"Origin": {"https://stories.example"}})
	if err != nil {
		t.Fatalf("allowed origin dial: %v", err)
	}
	_ = conn.Close()
}

func readUntilClose(t *testing.T, conn *websocket.Conn) (int, string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code, ce.Text
		}
		t.Fatalf("expected close frame, got %v", err)
		return 0, ""
	}
}

func mustDialWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	return conn
}

func mustWriteJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func mustReadJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	out, err := readJSON(conn, timeout)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return out
}

func readJSON(conn *websocket.Conn, timeout time.Duration) (map[string]any, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
