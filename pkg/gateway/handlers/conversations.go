package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/patrickmn/go-cache"

	"github.com/vango-go/storybridge/pkg/elevenlabs"
	"github.com/vango-go/storybridge/pkg/gateway/config"
	"github.com/vango-go/storybridge/pkg/metrics"
)

// ConversationsHandler serves conversation listings and transcripts, caching
// upstream responses for Config.ConversationCacheTTL.
type ConversationsHandler struct {
	cfg     config.Config
	client  *elevenlabs.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	cache   *cache.Cache
}

func NewConversationsHandler(cfg config.Config, client *elevenlabs.Client, logger *slog.Logger, m *metrics.Metrics) *ConversationsHandler {
	h := &ConversationsHandler{cfg: cfg, client: client, logger: logger, metrics: m}
	if cfg.ConversationCacheTTL > 0 {
		h.cache = cache.New(cfg.ConversationCacheTTL, 2*cfg.ConversationCacheTTL)
	}
	return h
}

func (h *ConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	if agentID == "" {
		agentID = h.cfg.AgentID
	}

	key := "list:" + agentID
	if v, ok := h.cached(key); ok {
		h.writeList(w, agentID, v.(*elevenlabs.ConversationList))
		return
	}

	list, err := h.client.ListConversations(r.Context(), agentID)
	h.metrics.UpstreamRequest("list_conversations", err)
	if err != nil {
		writeError(w, r, h.logger, fmt.Errorf("list conversations: %w", err))
		return
	}
	h.store(key, list)
	h.writeList(w, agentID, list)
}

func (h *ConversationsHandler) writeList(w http.ResponseWriter, agentID string, list *elevenlabs.ConversationList) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"agent_id":      agentID,
		"conversations": list,
	})
}

func (h *ConversationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(chi.URLParam(r, "conversation_id"))
	if conversationID == "" {
		writeInvalid(w, r, "conversation_id is required", "conversation_id")
		return
	}

	key := "conversation:" + conversationID
	transcript, ok := h.cachedRaw(key)
	if !ok {
		var err error
		transcript, err = h.client.GetConversation(r.Context(), conversationID)
		h.metrics.UpstreamRequest("get_conversation", err)
		if err != nil {
			writeError(w, r, h.logger, fmt.Errorf("get conversation transcript: %w", err))
			return
		}
		if transcriptFinal(transcript) {
			h.store(key, transcript)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"conversation_id": conversationID,
		"transcript":      transcript,
	})
}

func (h *ConversationsHandler) cached(key string) (any, bool) {
	if h.cache == nil {
		return nil, false
	}
	return h.cache.Get(key)
}

func (h *ConversationsHandler) cachedRaw(key string) (json.RawMessage, bool) {
	v, ok := h.cached(key)
	if !ok {
		return nil, false
	}
	raw, ok := v.(json.RawMessage)
	return raw, ok
}

func (h *ConversationsHandler) store(key string, v any) {
	if h.cache != nil {
		h.cache.Set(key, v, cache.DefaultExpiration)
	}
}

// transcriptFinal reports whether upstream has finished processing the
// conversation. Only final transcripts are cached.
func transcriptFinal(raw json.RawMessage) bool {
	var t struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(t.Status)) {
	case "done", "failed":
		return true
	default:
		return false
	}
}

// ForgetAgent drops the cached listing for agentID so a conversation that
// just ended shows up on the next request.
func (h *ConversationsHandler) ForgetAgent(agentID string) {
	if h.cache != nil {
		h.cache.Delete("list:" + agentID)
	}
}

// Invalidate drops every cached response; used after the agent changes.
func (h *ConversationsHandler) Invalidate() {
	if h.cache != nil {
		h.cache.Flush()
	}
}

// ItemCount is the number of cached responses, expired or not.
func (h *ConversationsHandler) ItemCount() int {
	if h.cache == nil {
		return 0
	}
	return h.cache.ItemCount()
}
