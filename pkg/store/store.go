// Package store records uploaded stories and the agents they are bound to.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: story not found")

// Story is one uploaded knowledge-base document.
type Story struct {
	KnowledgeBaseID   string     `json:"knowledge_base_id"`
	KnowledgeBaseName string     `json:"knowledge_base_name"`
	StoryName         string     `json:"story_name"`
	UserID            string     `json:"user_id"`
	UploadedAt        time.Time  `json:"uploaded_at"`
	AgentID           string     `json:"agent_id,omitempty"`
	BoundAt           *time.Time `json:"bound_at,omitempty"`
}

type Store interface {
	// SaveStory inserts or replaces the story keyed by KnowledgeBaseID.
	SaveStory(ctx context.Context, s Story) error
	// MarkAgentBound records that agentID now uses the story. It returns
	// ErrNotFound for unknown knowledge bases.
	MarkAgentBound(ctx context.Context, knowledgeBaseID, agentID string, at time.Time) error
	// ListStories returns stories newest first, optionally filtered by user.
	ListStories(ctx context.Context, userID string) ([]Story, error)
	Ping(ctx context.Context) error
	Close() error
}

// IsNotFound reports whether err means the story does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
