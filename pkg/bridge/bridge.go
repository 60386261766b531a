package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/storybridge/pkg/convai"
	"github.com/vango-go/storybridge/pkg/metrics"
)

const (
	defaultStopTimeout = 2 * time.Second
	notifyTimeout      = 5 * time.Second

	closeReasonConnectFailed = "failed to connect to agent"
	closeReasonRemoteEnded   = "conversation ended"
	closeReasonShutdown      = "server shutting down"
)

type Options struct {
	Logger    *slog.Logger
	NewRemote RemoteFactory
	Registry  *Registry
	Metrics   *metrics.Metrics

	// DefaultAgentID is used when a local connection names no agent.
	DefaultAgentID string
	// StopTimeout bounds how long OnLocalDisconnect waits for the listen
	// goroutine to exit.
	StopTimeout time.Duration
	// OnSessionClosed, if set, runs once per session after teardown.
	OnSessionClosed func(agentID string)
}

// Bridge relays between local browser connections and remote conversations.
type Bridge struct {
	logger         *slog.Logger
	newRemote      RemoteFactory
	registry       *Registry
	metrics        *metrics.Metrics
	defaultAgentID string
	stopTimeout    time.Duration
	onClosed       func(agentID string)
}

func New(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	return &Bridge{
		logger:         logger.With("component", "bridge"),
		newRemote:      opts.NewRemote,
		registry:       registry,
		metrics:        opts.Metrics,
		defaultAgentID: strings.TrimSpace(opts.DefaultAgentID),
		stopTimeout:    stopTimeout,
		onClosed:       opts.OnSessionClosed,
	}
}

// ConvaiFactory returns a RemoteFactory backed by convai.Client.
func ConvaiFactory(cfg convai.ClientConfig, logger *slog.Logger) RemoteFactory {
	return func(agentID string, sink convai.EventSink) RemoteSession {
		return convai.NewClient(cfg, agentID, sink, logger)
	}
}

func (b *Bridge) Registry() *Registry { return b.registry }

// OnLocalConnect opens the remote conversation for a new local connection.
// On failure the local connection is closed and nothing is registered.
func (b *Bridge) OnLocalConnect(ctx context.Context, local LocalConn, agentID string) error {
	if b.newRemote == nil {
		return errors.New("bridge: missing remote factory")
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		agentID = b.defaultAgentID
	}

	s := &Session{
		ID:        local.ID(),
		AgentID:   agentID,
		StartedAt: time.Now(),
		local:     local,
		done:      make(chan struct{}),
	}
	s.remote = b.newRemote(agentID, &sessionSink{bridge: b, session: s})

	logger := b.logger.With("session_id", s.ID, "agent_id", agentID)
	if err := s.remote.Connect(ctx, nil); err != nil {
		b.metrics.SessionConnectFailed()
		logger.Warn("remote connect failed", "error", err)
		_ = local.Close(websocket.CloseInternalServerErr, closeReasonConnectFailed)
		return fmt.Errorf("connect agent %q: %w", agentID, err)
	}
	b.metrics.SessionConnected(time.Since(s.StartedAt))

	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	if evicted := b.registry.Add(s); evicted != nil {
		// Add already dropped it from the registry, so teardown won't count it.
		b.metrics.SessionClosed("replaced")
		b.teardown(evicted, "replaced")
	}
	go b.listen(listenCtx, s)

	logger.Info("session opened")
	return nil
}

func (b *Bridge) listen(ctx context.Context, s *Session) {
	defer close(s.done)

	if err := s.remote.Listen(ctx); err != nil {
		b.logger.Warn("listen ended with error", "session_id", s.ID, "error", err)
	}
	if ctx.Err() != nil {
		return
	}

	// The remote ended the conversation.
	b.teardown(s, "remote")
	_ = s.local.Close(websocket.CloseNormalClosure, closeReasonRemoteEnded)
}

// OnLocalDisconnect tears down the session for local, if any.
func (b *Bridge) OnLocalDisconnect(local LocalConn) {
	s, ok := b.registry.Get(local.ID())
	if !ok {
		return
	}
	b.teardown(s, "local")

	timer := time.NewTimer(b.stopTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		b.logger.Warn("listen goroutine did not stop in time", "session_id", s.ID)
	}
}

// OnLocalMessage relays one browser frame to the remote conversation.
// Malformed frames and unknown types are dropped; send failures are reported
// back to the browser and leave the session open.
func (b *Bridge) OnLocalMessage(ctx context.Context, local LocalConn, raw []byte) {
	s, ok := b.registry.Get(local.ID())
	if !ok {
		return
	}

	msg, ok := DecodeLocalMessage(raw)
	if !ok {
		b.logger.Debug("dropping malformed local frame", "session_id", s.ID)
		return
	}
	cmd, ok, err := ToRemote(msg)
	if err != nil {
		b.sendError(ctx, s, "translate", err.Error())
		return
	}
	if !ok {
		b.logger.Debug("ignoring local message", "session_id", s.ID, "type", msg.Type)
		return
	}

	switch cmd.Kind {
	case CommandAudio:
		err = s.remote.SendAudioChunk(ctx, cmd.Audio)
	case CommandText:
		err = s.remote.SendTextMessage(ctx, cmd.Text)
	case CommandContext:
		err = s.remote.SendContextualUpdate(ctx, cmd.Text)
	}
	if err != nil {
		b.logger.Warn("relay to remote failed", "session_id", s.ID, "type", cmd.Kind.String(), "error", err)
		b.sendError(ctx, s, "send", err.Error())
		return
	}
	b.metrics.FrameRelayed(metrics.DirectionToRemote, cmd.Kind.String())
}

// NotifyAll sends an error notification to every open session.
func (b *Bridge) NotifyAll(message string) (sent int) {
	for _, s := range b.registry.Snapshot() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		if err := s.local.Send(ctx, ErrorNotification(message)); err == nil {
			sent++
		}
		cancel()
	}
	return sent
}

// CloseAll tears down every open session and closes its local connection.
func (b *Bridge) CloseAll() (closed int) {
	for _, s := range b.registry.Snapshot() {
		b.teardown(s, "shutdown")
		_ = s.local.Close(websocket.CloseGoingAway, closeReasonShutdown)
		closed++
	}
	return closed
}

// Wait blocks until every session has been torn down or ctx ends.
func (b *Bridge) Wait(ctx context.Context) bool {
	return b.registry.Wait(ctx)
}

func (b *Bridge) ActiveSessions() int {
	return b.registry.Len()
}

// teardown stops the listen goroutine, disconnects the remote and removes
// the session. Only the first call for a session has any effect.
func (b *Bridge) teardown(s *Session, reason string) {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.remote.Disconnect()
		if b.registry.Remove(s.ID, s) {
			b.metrics.SessionClosed(reason)
		}
		b.logger.Info("session closed",
			"session_id", s.ID,
			"agent_id", s.AgentID,
			"conversation_id", s.ConversationID(),
			"reason", reason,
			"duration_ms", time.Since(s.StartedAt).Milliseconds(),
		)
		if b.onClosed != nil {
			b.onClosed(s.AgentID)
		}
	})
}

func (b *Bridge) notify(ctx context.Context, s *Session, n Notification) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := s.local.Send(ctx, n); err != nil {
		b.logger.Debug("local notify failed", "session_id", s.ID, "type", n.Type, "error", err)
		return
	}
	b.metrics.FrameRelayed(metrics.DirectionToLocal, n.Type)
}

func (b *Bridge) sendError(ctx context.Context, s *Session, stage, message string) {
	b.metrics.RelayError(stage)
	b.notify(ctx, s, ErrorNotification(message))
}

// sessionSink turns remote events into local notifications for one session.
type sessionSink struct {
	bridge  *Bridge
	session *Session
}

func (k *sessionSink) OnConnected() {
	k.bridge.notify(context.Background(), k.session, ConnectedNotification())
}

func (k *sessionSink) OnDisconnected() {
	k.bridge.notify(context.Background(), k.session, DisconnectedNotification())
}

func (k *sessionSink) OnConversationStarted(conversationID string) {
	k.session.setConversationID(conversationID)
}

func (k *sessionSink) OnUserTranscript(text string) {
	k.bridge.notify(context.Background(), k.session, TranscriptNotification(text))
}

func (k *sessionSink) OnAgentResponse(text string) {
	k.bridge.notify(context.Background(), k.session, AgentResponseNotification(text))
}

func (k *sessionSink) OnAudio(audio []byte) {
	k.bridge.notify(context.Background(), k.session, AudioNotification(audio))
}

func (k *sessionSink) OnError(message string) {
	k.bridge.sendError(context.Background(), k.session, "remote", message)
}
