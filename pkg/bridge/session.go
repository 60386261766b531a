package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/vango-go/storybridge/pkg/convai"
)

// LocalConn is the browser side of a bridged session. Send must be safe for
// concurrent use.
type LocalConn interface {
	ID() string
	Send(ctx context.Context, n Notification) error
	Close(code int, reason string) error
}

// RemoteSession is the conversation side of a bridged session;
// *convai.Client implements it.
type RemoteSession interface {
	Connect(ctx context.Context, override *convai.Override) error
	SendAudioChunk(ctx context.Context, audio []byte) error
	SendTextMessage(ctx context.Context, text string) error
	SendContextualUpdate(ctx context.Context, text string) error
	Listen(ctx context.Context) error
	Disconnect() error
}

// RemoteFactory builds the remote side for one session. Events observed by
// the remote must be delivered to sink.
type RemoteFactory func(agentID string, sink convai.EventSink) RemoteSession

// Session pairs one local connection with one remote conversation.
type Session struct {
	ID        string
	AgentID   string
	StartedAt time.Time

	local  LocalConn
	remote RemoteSession

	// cancel stops the listen goroutine; only teardown calls it.
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mu             sync.Mutex
	conversationID string
}

func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

func (s *Session) setConversationID(id string) {
	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()
}

// Done is closed once the listen goroutine has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
