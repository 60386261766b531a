package bridge

import (
	"context"
	"sync"
)

// Registry maps local connection ids to their live sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	// idle is closed whenever sessions is empty.
	idle chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add registers s under its id. A session already registered under the same
// id is evicted and returned so the caller can tear it down.
func (r *Registry) Add(s *Session) (evicted *Session) {
	if r == nil || s == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions == nil {
		r.sessions = make(map[string]*Session)
	}
	if len(r.sessions) == 0 {
		r.idle = make(chan struct{})
	}
	old := r.sessions[s.ID]
	r.sessions[s.ID] = s
	return old
}

func (r *Registry) Get(id string) (*Session, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes id only while it still maps to s. It reports whether this
// call removed the entry.
func (r *Registry) Remove(id string, s *Session) bool {
	if r == nil || s == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[id] != s {
		return false
	}
	delete(r.sessions, id)
	if len(r.sessions) == 0 {
		close(r.idle)
	}
	return true
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) Snapshot() []*Session {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Wait blocks until the registry is empty or ctx ends.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	idle := r.idle
	empty := len(r.sessions) == 0
	r.mu.Unlock()
	if empty {
		return true
	}

	if ctx == nil {
		<-idle
		return true
	}
	select {
	case <-idle:
		return true
	case <-ctx.Done():
		return false
	}
}
