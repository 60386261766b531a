package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/storybridge/pkg/elevenlabs"
	"github.com/vango-go/storybridge/pkg/gateway/config"
	"github.com/vango-go/storybridge/pkg/metrics"
	"github.com/vango-go/storybridge/pkg/store"
)

const maxFormBytes = 1 << 20

type UpdateAgentHandler struct {
	Config  config.Config
	Client  *elevenlabs.Client
	Store   store.Store
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// AfterUpdate runs once the agent has been patched.
	AfterUpdate func()
}

func (h UpdateAgentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseMultipartForm(maxFormBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeInvalid(w, r, "invalid form: "+err.Error(), "")
		return
	}

	kbID := strings.TrimSpace(r.FormValue("knowledge_base_id"))
	if kbID == "" {
		writeInvalid(w, r, "knowledge_base_id is required", "knowledge_base_id")
		return
	}
	kbName := strings.TrimSpace(r.FormValue("knowledge_base_name"))
	if kbName == "" {
		writeInvalid(w, r, "knowledge_base_name is required", "knowledge_base_name")
		return
	}
	agentID := strings.TrimSpace(r.FormValue("agent_id"))
	if agentID == "" {
		agentID = h.Config.AgentID
	}
	if agentID == "" {
		writeInvalid(w, r, "No agent ID provided and no default agent configured", "agent_id")
		return
	}

	agentConfig, err := h.Client.UpdateAgentKnowledgeBase(r.Context(), elevenlabs.AgentUpdate{
		AgentID:           agentID,
		KnowledgeBaseID:   kbID,
		KnowledgeBaseName: kbName,
		AgentName:         strings.TrimSpace(r.FormValue("agent_name")),
	})
	h.Metrics.UpstreamRequest("update_agent", err)
	if err != nil {
		writeError(w, r, h.Logger, fmt.Errorf("update agent: %w", err))
		return
	}

	if h.AfterUpdate != nil {
		h.AfterUpdate()
	}
	if h.Store != nil {
		err := h.Store.MarkAgentBound(r.Context(), kbID, agentID, time.Now())
		if err != nil && !store.IsNotFound(err) && h.Logger != nil {
			h.Logger.Warn("record agent binding failed", "request_id", requestIDFrom(r), "knowledge_base_id", kbID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"message":           "Agent updated successfully",
		"agent_id":          agentID,
		"knowledge_base_id": kbID,
		"agent_config":      agentConfig,
	})
}

type AgentInfoHandler struct {
	Config config.Config
	Client *elevenlabs.Client
}

func (h AgentInfoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"agent_id":       h.Config.AgentID,
		"api_configured": h.Client.APIConfigured(),
		"base_url":       h.Client.BaseURL(),
	})
}
