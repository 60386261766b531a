package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const DefaultBaseURL = "https://api.elevenlabs.io/v1"

const (
	defaultTimeout       = 30 * time.Second
	defaultUploadTimeout = 60 * time.Second
	maxErrorBodyBytes    = 2048

	pdfContentType = "application/pdf"
)

type Config struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	UploadTimeout time.Duration
	HTTPClient    *http.Client
}

// Client talks to the ElevenLabs REST API for knowledge-base uploads, agent
// updates and conversation history.
type Client struct {
	http          *resty.Client
	baseURL       string
	apiKey        string
	timeout       time.Duration
	uploadTimeout time.Duration
	now           func() time.Time
}

func New(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	uploadTimeout := cfg.UploadTimeout
	if uploadTimeout <= 0 {
		uploadTimeout = defaultUploadTimeout
	}

	var rc *resty.Client
	if cfg.HTTPClient != nil {
		rc = resty.NewWithClient(cfg.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(baseURL).
		SetHeader("xi-api-key", strings.TrimSpace(cfg.APIKey)).
		SetHeader("Accept", "application/json")

	return &Client{
		http:          rc,
		baseURL:       baseURL,
		apiKey:        strings.TrimSpace(cfg.APIKey),
		timeout:       timeout,
		uploadTimeout: uploadTimeout,
		now:           time.Now,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) APIConfigured() bool { return c.apiKey != "" }

// APIError is a non-2xx response from the API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Body == "" {
		return fmt.Sprintf("elevenlabs: %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("elevenlabs: %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

type KnowledgeBaseDocument struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type UploadRequest struct {
	FileName  string
	Content   []byte
	StoryName string
	UserID    string
}

type UploadResult struct {
	Document          KnowledgeBaseDocument
	OriginalStoryName string
	UserID            string
	Timestamp         string
}

// KnowledgeBaseName builds the document name used for an uploaded story.
func KnowledgeBaseName(userID, storyName string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s", userID, storyName, at.Format("20060102_150405"))
}

// UploadKnowledgeBaseFile uploads a PDF story as a knowledge-base document.
func (c *Client) UploadKnowledgeBaseFile(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if len(req.Content) == 0 {
		return nil, fmt.Errorf("upload knowledge base file: empty content")
	}
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	now := c.now()
	timestamp := now.Format("20060102_150405")
	name := KnowledgeBaseName(req.UserID, req.StoryName, now)

	resp, err := c.http.R().
		SetContext(ctx).
		SetMultipartField("file", req.FileName, pdfContentType, bytes.NewReader(req.Content)).
		SetMultipartFormData(map[string]string{"name": name}).
		Post("/convai/knowledge-base/file")

	var doc KnowledgeBaseDocument
	if err := decodeResponse("upload knowledge base file", resp, err, &doc); err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc.ID) == "" {
		return nil, fmt.Errorf("upload knowledge base file: response missing id")
	}
	if doc.Name == "" {
		doc.Name = name
	}
	return &UploadResult{
		Document:          doc,
		OriginalStoryName: req.StoryName,
		UserID:            req.UserID,
		Timestamp:         timestamp,
	}, nil
}

type AgentUpdate struct {
	AgentID           string
	KnowledgeBaseID   string
	KnowledgeBaseName string
	AgentName         string
}

type agentPatch struct {
	ConversationConfig agentPatchConversationConfig `json:"conversation_config"`
	Name               string                       `json:"name,omitempty"`
}

type agentPatchConversationConfig struct {
	Agent agentPatchAgent `json:"agent"`
}

type agentPatchAgent struct {
	Prompt agentPatchPrompt `json:"prompt"`
}

type agentPatchPrompt struct {
	KnowledgeBase []KnowledgeBaseRef `json:"knowledge_base"`
	RAG           ragConfig          `json:"rag"`
}

type KnowledgeBaseRef struct {
	Name      string `json:"name"`
	ID        string `json:"id"`
	UsageMode string `json:"usage_mode"`
	Type      string `json:"type"`
}

type ragConfig struct {
	Enabled bool `json:"enabled"`
}

// UpdateAgentKnowledgeBase points the agent at a single knowledge-base
// document with retrieval enabled. The updated agent config is returned as
// received.
func (c *Client) UpdateAgentKnowledgeBase(ctx context.Context, u AgentUpdate) (json.RawMessage, error) {
	if strings.TrimSpace(u.AgentID) == "" {
		return nil, fmt.Errorf("update agent: agent id is required")
	}
	if strings.TrimSpace(u.KnowledgeBaseID) == "" {
		return nil, fmt.Errorf("update agent: knowledge base id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body := agentPatch{
		ConversationConfig: agentPatchConversationConfig{
			Agent: agentPatchAgent{
				Prompt: agentPatchPrompt{
					KnowledgeBase: []KnowledgeBaseRef{{
						Name:      u.KnowledgeBaseName,
						ID:        u.KnowledgeBaseID,
						UsageMode: "auto",
						Type:      "file",
					}},
					RAG: ragConfig{Enabled: true},
				},
			},
		},
		Name: strings.TrimSpace(u.AgentName),
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("agent_id", u.AgentID).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Patch("/convai/agents/{agent_id}")

	var out json.RawMessage
	if err := decodeResponse("update agent", resp, err, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListConversations lists conversations, optionally filtered by agent.
func (c *Client) ListConversations(ctx context.Context, agentID string) (*ConversationList, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := c.http.R().SetContext(ctx)
	if agentID = strings.TrimSpace(agentID); agentID != "" {
		req.SetQueryParam("agent_id", agentID)
	}
	resp, err := req.Get("/convai/conversations")

	var out ConversationList
	if err := decodeResponse("list conversations", resp, err, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetConversation returns the full conversation document, transcript
// included, as received.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (json.RawMessage, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("get conversation: conversation id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("conversation_id", conversationID).
		Get("/convai/conversations/{conversation_id}")

	var out json.RawMessage
	if err := decodeResponse("get conversation", resp, err, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeResponse(op string, resp *resty.Response, err error, out any) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsError() {
		body := strings.TrimSpace(resp.String())
		if len(body) > maxErrorBodyBytes {
			body = body[:maxErrorBodyBytes]
		}
		return &APIError{Op: op, StatusCode: resp.StatusCode(), Body: body}
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
