package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/vango-go/storybridge/pkg/gateway/config"
	"github.com/vango-go/storybridge/pkg/gateway/lifecycle"
	"github.com/vango-go/storybridge/pkg/store"
)

const healthMessage = "ElevenLabs Story Agent Application is running"

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"message": healthMessage,
	})
}

type ReadyHandler struct {
	Config    config.Config
	Store     store.Store
	Lifecycle *lifecycle.Lifecycle
	// LiveSessions reports the number of open relay sessions.
	LiveSessions func() int
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK           bool     `json:"ok"`
		Draining     bool     `json:"draining"`
		Store        string   `json:"store"`
		LiveSessions int      `json:"live_sessions"`
		Issues       []string `json:"issues,omitempty"`
	}

	issues := h.Config.ConfigIssues()

	storeKind := "memory"
	if h.Config.DatabaseURL != "" {
		storeKind = "postgres"
	}
	if h.Store == nil {
		issues = append(issues, "story store not configured")
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.Store.Ping(ctx)
		cancel()
		if err != nil {
			issues = append(issues, "story store unavailable: "+err.Error())
		}
	}

	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "server is draining")
	}

	live := 0
	if h.LiveSessions != nil {
		live = h.LiveSessions()
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResp{
		OK:           ok,
		Draining:     draining,
		Store:        storeKind,
		LiveSessions: live,
		Issues:       issues,
	})
}
