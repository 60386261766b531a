package convai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const DefaultConversationURL = "wss://api.elevenlabs.io/v1/convai/conversation"

const (
	defaultWriteTimeout     = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	closeFrameTimeout       = time.Second
)

type ClientConfig struct {
	APIKey string
	// URL is the conversation endpoint; agent_id is appended as a query
	// parameter.
	URL string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval enables websocket keepalive when > 0. The connection is
	// considered dead if no pong arrives within PingInterval+PongTimeout.
	PingInterval time.Duration
	PongTimeout  time.Duration

	// Defaults is the initiation payload before per-session overrides. The
	// zero value means DefaultInitiation().
	Defaults Initiation

	Dialer *websocket.Dialer
}

// Client owns one conversation socket for one agent. It is not reusable:
// once disconnected, create a new Client.
type Client struct {
	cfg     ClientConfig
	agentID string
	sink    EventSink
	logger  *slog.Logger

	connMu         sync.Mutex
	conn           *websocket.Conn
	conversationID string

	writeMu sync.Mutex

	connected atomic.Bool
	closing   atomic.Bool

	closed     chan struct{}
	closeOnce  sync.Once
	notifyOnce sync.Once
}

func NewClient(cfg ClientConfig, agentID string, sink EventSink, logger *slog.Logger) *Client {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Defaults == (Initiation{}) {
		cfg.Defaults = DefaultInitiation()
	}
	return &Client{
		cfg:     cfg,
		agentID: strings.TrimSpace(agentID),
		sink:    sink,
		logger:  logger.With("component", "convai", "agent_id", strings.TrimSpace(agentID)),
		closed:  make(chan struct{}),
	}
}

func (c *Client) AgentID() string { return c.agentID }

func (c *Client) Connected() bool { return c.connected.Load() }

func (c *Client) ConversationID() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conversationID
}

// Connect dials the conversation endpoint and sends the initiation frame.
// Failures are reported to the sink before being returned.
func (c *Client) Connect(ctx context.Context, override *Override) error {
	if ctx == nil {
		ctx = context.Background()
	}
	wsURL, err := buildConversationURL(c.cfg.URL, c.agentID)
	if err != nil {
		return c.connectFailed(wsURL, err)
	}
	if c.currentConn() != nil || c.closing.Load() {
		return c.connectFailed(wsURL, errors.New("client already used"))
	}

	header := http.Header{}
	header.Set("xi-api-key", strings.TrimSpace(c.cfg.APIKey))

	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	handshakeTimeout := c.cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, wsURL, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return c.connectFailed(wsURL, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.installKeepalive(conn)
	c.connected.Store(true)

	initiation := c.cfg.Defaults.Merge(override)
	if err := c.writeJSON(ctx, frameConversationInitiation, initiation.frame()); err != nil {
		c.connected.Store(false)
		c.closeConn()
		// Never connected from the sink's point of view.
		c.notifyOnce.Do(func() {})
		return c.connectFailed(wsURL, err)
	}

	if c.cfg.PingInterval > 0 {
		go c.keepAliveLoop(conn)
	}

	c.logger.Info("conversation connected", "language", initiation.Language, "voice_id", initiation.VoiceID)
	c.sink.OnConnected()
	return nil
}

func (c *Client) connectFailed(wsURL string, err error) error {
	c.logger.Warn("conversation connect failed", "error", err)
	c.sink.OnError("connection failed: " + err.Error())
	return &ConnectionError{URL: wsURL, Err: err}
}

func (c *Client) SendAudioChunk(ctx context.Context, audio []byte) error {
	return c.writeJSON(ctx, frameUserAudioChunk, userAudioChunkFrame{
		UserAudioChunk: base64.StdEncoding.EncodeToString(audio),
	})
}

func (c *Client) SendTextMessage(ctx context.Context, text string) error {
	return c.writeJSON(ctx, frameUserMessage, textFrame{Type: frameUserMessage, Text: text})
}

func (c *Client) SendContextualUpdate(ctx context.Context, text string) error {
	return c.writeJSON(ctx, frameContextualUpdate, textFrame{Type: frameContextualUpdate, Text: text})
}

// Listen reads frames until the socket closes or ctx is cancelled. A remote
// close (or keepalive timeout) is reported through OnDisconnected and returns
// nil; cancellation returns nil without notifying the sink. Frames that fail
// to decode are reported through OnError and do not stop the loop.
func (c *Client) Listen(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	stop := context.AfterFunc(ctx, c.closeConn)
	defer stop()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.connected.Store(false)
			if ctx.Err() != nil || c.closing.Load() {
				c.logger.Debug("conversation listener stopped")
				return nil
			}
			c.logRemoteClose(err)
			c.closeConn()
			c.notifyDisconnected()
			return nil
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	event, err := DecodeServerEvent(data)
	if err != nil {
		c.logger.Warn("conversation frame dropped", "error", err)
		c.sink.OnError("listener error: " + err.Error())
		return
	}

	switch ev := event.(type) {
	case ConversationInitiationMetadata:
		c.connMu.Lock()
		c.conversationID = ev.ConversationID
		c.connMu.Unlock()
		c.logger.Info("conversation started", "conversation_id", ev.ConversationID)
		c.sink.OnConversationStarted(ev.ConversationID)
	case UserTranscript:
		if strings.TrimSpace(ev.Text) == "" {
			return
		}
		c.sink.OnUserTranscript(ev.Text)
	case AgentResponse:
		if strings.TrimSpace(ev.Text) == "" {
			return
		}
		c.sink.OnAgentResponse(ev.Text)
	case Audio:
		c.sink.OnAudio(ev.Data)
	case Ping:
		if !ev.HasEventID {
			c.logger.Debug("ping without event_id")
		}
		if err := c.writeJSON(ctx, framePong, newPongFrame(ev)); err != nil {
			c.logger.Warn("pong failed", "event_id", ev.EventID, "error", err)
			c.sink.OnError("send error: " + err.Error())
		}
	case VADScore:
		c.logger.Debug("vad score", "score", ev.Score)
	case UnknownEvent:
		c.logger.Debug("unhandled conversation event", "type", ev.Type)
	}
}

// Disconnect closes the socket. It is safe to call more than once and from
// any goroutine; OnDisconnected fires at most once per Client.
func (c *Client) Disconnect() error {
	c.closing.Store(true)
	c.connected.Store(false)
	wasOpen := c.currentConn() != nil
	c.closeConn()
	if wasOpen {
		c.notifyDisconnected()
	}
	return nil
}

func (c *Client) notifyDisconnected() {
	c.notifyOnce.Do(func() {
		c.logger.Info("conversation disconnected")
		c.sink.OnDisconnected()
	})
}

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		close(c.closed)
		conn := c.currentConn()
		if conn == nil {
			return
		}
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeFrameTimeout),
		)
		_ = conn.Close()
	})
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) writeJSON(ctx context.Context, frameType string, payload any) error {
	conn := c.currentConn()
	if conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout()))
	}
	if err := conn.WriteJSON(payload); err != nil {
		c.connected.Store(false)
		return &SendError{Type: frameType, Err: err}
	}
	return nil
}

func (c *Client) writeTimeout() time.Duration {
	if c.cfg.WriteTimeout > 0 {
		return c.cfg.WriteTimeout
	}
	return defaultWriteTimeout
}

func (c *Client) installKeepalive(conn *websocket.Conn) {
	if c.cfg.PingInterval <= 0 {
		return
	}
	wait := c.cfg.PingInterval + c.cfg.PongTimeout
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
}

func (c *Client) keepAliveLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout())); err != nil {
				c.logger.Debug("keepalive ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) logRemoteClose(err error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		c.logger.Info("conversation closed by remote", "code", closeErr.Code, "reason", strings.TrimSpace(closeErr.Text))
		return
	}
	c.logger.Warn("conversation read failed", "error", err)
}

func buildConversationURL(base, agentID string) (string, error) {
	if strings.TrimSpace(agentID) == "" {
		return "", errors.New("agent id is required")
	}
	base = strings.TrimSpace(base)
	if base == "" {
		base = DefaultConversationURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid conversation url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
