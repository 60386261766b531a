package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store used when no database is configured.
type Memory struct {
	mu      sync.RWMutex
	stories map[string]Story
}

func NewMemory() *Memory {
	return &Memory{stories: make(map[string]Story)}
}

func (m *Memory) SaveStory(_ context.Context, s Story) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stories[s.KnowledgeBaseID] = s
	return nil
}

func (m *Memory) MarkAgentBound(_ context.Context, knowledgeBaseID, agentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stories[knowledgeBaseID]
	if !ok {
		return ErrNotFound
	}
	s.AgentID = agentID
	bound := at.UTC()
	s.BoundAt = &bound
	m.stories[knowledgeBaseID] = s
	return nil
}

func (m *Memory) ListStories(_ context.Context, userID string) ([]Story, error) {
	m.mu.RLock()
	out := make([]Story, 0, len(m.stories))
	for _, s := range m.stories {
		if userID != "" && s.UserID != userID {
			continue
		}
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].KnowledgeBaseID < out[j].KnowledgeBaseID
		}
		return out[i].UploadedAt.After(out[j].UploadedAt)
	})
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
