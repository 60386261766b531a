package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL + "/v1", APIKey: "xi-test"})
	c.now = func() time.Time { return time.Date(2024, 12, 1, 14, 30, 22, 0, time.UTC) }
	return c
}

func TestUploadKnowledgeBaseFile_SendsMultipartPDF(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/convai/knowledge-base/file", r.URL.Path)
		assert.Equal(t, "xi-test", r.Header.Get("xi-api-key"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "user123_My Adventure_20241201_143022", r.FormValue("name"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "story.pdf", header.Filename)
		assert.Equal(t, "application/pdf", header.Header.Get("Content-Type"))
		body, _ := io.ReadAll(file)
		assert.Equal(t, "%PDF-1.4", string(body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"kb_1","name":"user123_My Adventure_20241201_143022"}`))
	})

	res, err := c.UploadKnowledgeBaseFile(context.Background(), UploadRequest{
		FileName:  "story.pdf",
		Content:   []byte("%PDF-1.4"),
		StoryName: "My Adventure",
		UserID:    "user123",
	})
	require.NoError(t, err)
	assert.Equal(t, "kb_1", res.Document.ID)
	assert.Equal(t, "My Adventure", res.OriginalStoryName)
	assert.Equal(t, "user123", res.UserID)
	assert.Equal(t, "20241201_143022", res.Timestamp)
}

func TestUploadKnowledgeBaseFile_APIErrorCarriesStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"invalid api key"}`, http.StatusUnauthorized)
	})

	_, err := c.UploadKnowledgeBaseFile(context.Background(), UploadRequest{FileName: "a.pdf", Content: []byte("x")})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "err=%v", err)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "invalid api key")
}

func TestUpdateAgentKnowledgeBase_PatchesRAGConfig(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/v1/convai/agents/agent_9", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Story Bot", body["name"])

		prompt := body["conversation_config"].(map[string]any)["agent"].(map[string]any)["prompt"].(map[string]any)
		kb := prompt["knowledge_base"].([]any)
		require.Len(t, kb, 1)
		assert.Equal(t, map[string]any{"name": "kb name", "id": "kb_1", "usage_mode": "auto", "type": "file"}, kb[0])
		assert.Equal(t, map[string]any{"enabled": true}, prompt["rag"])

		_, _ = w.Write([]byte(`{"agent_id":"agent_9"}`))
	})

	out, err := c.UpdateAgentKnowledgeBase(context.Background(), AgentUpdate{
		AgentID:           "agent_9",
		KnowledgeBaseID:   "kb_1",
		KnowledgeBaseName: "kb name",
		AgentName:         "Story Bot",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"agent_id":"agent_9"}`, string(out))
}

func TestUpdateAgentKnowledgeBase_OmitsEmptyName(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, hasName := body["name"]
		assert.False(t, hasName)
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := c.UpdateAgentKnowledgeBase(context.Background(), AgentUpdate{AgentID: "a", KnowledgeBaseID: "kb"})
	require.NoError(t, err)
}

func TestListConversations_FiltersByAgent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/convai/conversations", r.URL.Path)
		assert.Equal(t, "agent_1", r.URL.Query().Get("agent_id"))
		_, _ = w.Write([]byte(`{"conversations":[{"conversation_id":"c1","agent_id":"agent_1","status":"done"}],"has_more":true,"next_cursor":"n1"}`))
	})

	list, err := c.ListConversations(context.Background(), "agent_1")
	require.NoError(t, err)
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, "c1", list.Conversations[0].ConversationID)
	assert.True(t, list.HasMore)
	assert.Equal(t, "n1", list.NextCursor)
}

func TestGetConversation_ReturnsDocument(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/convai/conversations/conv_1", r.URL.Path)
		_, _ = w.Write([]byte(`{"conversation_id":"conv_1","transcript":[{"role":"user","message":"hi"}]}`))
	})

	doc, err := c.GetConversation(context.Background(), "conv_1")
	require.NoError(t, err)
	assert.Contains(t, string(doc), `"transcript"`)

	_, err = c.GetConversation(context.Background(), " ")
	assert.Error(t, err)
}

func TestConversationListUnmarshal_Shapes(t *testing.T) {
	var bare ConversationList
	require.NoError(t, json.Unmarshal([]byte(`[{"conversation_id":"a"},{"conversation_id":"b"}]`), &bare))
	assert.Len(t, bare.Conversations, 2)
	assert.False(t, bare.HasMore)

	var paged ConversationList
	require.NoError(t, json.Unmarshal([]byte(`{"conversations":[],"has_more":false,"next_cursor":null}`), &paged))
	assert.NotNil(t, paged.Conversations)
	assert.Empty(t, paged.NextCursor)

	var bad ConversationList
	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`[{"status":"done"}]`), &bad))
}
