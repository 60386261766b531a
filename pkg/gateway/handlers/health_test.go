package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/storybridge/pkg/gateway/config"
	"github.com/vango-go/storybridge/pkg/gateway/lifecycle"
	"github.com/vango-go/storybridge/pkg/store"
)

type unreachableStore struct{ store.Store }

func (unreachableStore) Ping(context.Context) error { return errors.New("connection refused") }

func readyConfig() config.Config {
	return config.Config{APIKey: "xi-test", AgentID: "agent_default"}
}

func serveReady(t *testing.T, h ReadyHandler) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v body=%q", err, rr.Body.String())
	}
	return rr.Code, resp
}

func TestHealthHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != "healthy" || resp["message"] != "ElevenLabs Story Agent Application is running" {
		t.Fatalf("resp=%v", resp)
	}
}

func TestReadyHandler_MissingCredentials_NotReady(t *testing.T) {
	code, resp := serveReady(t, ReadyHandler{Config: config.Config{}, Store: store.NewMemory()})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", code)
	}
	if ok, _ := resp["ok"].(bool); ok {
		t.Fatalf("expected ok=false, got ok=true")
	}
	issues, _ := resp["issues"].([]any)
	if len(issues) != 2 {
		t.Fatalf("issues=%v", resp["issues"])
	}
}

func TestReadyHandler_Ready(t *testing.T) {
	code, resp := serveReady(t, ReadyHandler{
		Config:       readyConfig(),
		Store:        store.NewMemory(),
		Lifecycle:    &lifecycle.Lifecycle{},
		LiveSessions: func() int { return 3 },
	})

	if code != http.StatusOK {
		t.Fatalf("status=%d resp=%v", code, resp)
	}
	if resp["store"] != "memory" || resp["live_sessions"] != float64(3) {
		t.Fatalf("resp=%v", resp)
	}
	if _, ok := resp["issues"]; ok {
		t.Fatalf("unexpected issues: %v", resp["issues"])
	}
}

func TestReadyHandler_StoreUnavailable(t *testing.T) {
	cfg := readyConfig()
	cfg.DatabaseURL = "postgres://example"
	code, resp := serveReady(t, ReadyHandler{Config: cfg, Store: unreachableStore{}})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", code)
	}
	if resp["store"] != "postgres" {
		t.Fatalf("store=%v", resp["store"])
	}
}

func TestReadyHandler_Draining(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	code, resp := serveReady(t, ReadyHandler{Config: readyConfig(), Store: store.NewMemory(), Lifecycle: lc})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", code)
	}
	if draining, _ := resp["draining"].(bool); !draining {
		t.Fatalf("resp=%v", resp)
	}
}
