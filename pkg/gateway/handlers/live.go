package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/storybridge/pkg/bridge"
	"github.com/vango-go/storybridge/pkg/gateway/apierror"
	"github.com/vango-go/storybridge/pkg/gateway/config"
	"github.com/vango-go/storybridge/pkg/gateway/lifecycle"
	"github.com/vango-go/storybridge/pkg/gateway/mw"
)

var errLocalClosed = errors.New("local connection closed")

// LiveHandler upgrades /api/ws/{agent_id} and relays the browser connection
// through the bridge.
type LiveHandler struct {
	Config    config.Config
	Bridge    *bridge.Bridge
	Lifecycle *lifecycle.Lifecycle
	Logger    *slog.Logger
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle.IsDraining() {
		apierror.Write(w, requestIDFrom(r), &apierror.Error{Type: apierror.ErrOverloaded, Message: "server is draining", Code: "draining"}, http.StatusServiceUnavailable)
		return
	}
	if !mw.OriginAllowed(h.Config, r) {
		apierror.Write(w, requestIDFrom(r), &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	local := newWSLocalConn(conn, "conn_"+uuid.NewString(), h.Config.WSWriteTimeout)
	defer local.Close(websocket.CloseNormalClosure, "")

	logger := h.logger().With("session_id", local.ID(), "request_id", requestIDFrom(r))
	if h.Config.LocalMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.LocalMaxMessageBytes)
	}

	ctx := r.Context()
	agentID := chi.URLParam(r, "agent_id")
	if err := h.Bridge.OnLocalConnect(ctx, local, agentID); err != nil {
		logger.Warn("bridge connect failed", "agent_id", agentID, "error", err)
		return
	}

	stopPing := h.startKeepalive(conn, local)
	defer stopPing()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && !local.isClosed() {
				logger.Debug("local read ended", "error", err)
			}
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.Bridge.OnLocalMessage(ctx, local, data)
	}

	h.Bridge.OnLocalDisconnect(local)
}

// startKeepalive pings the browser every LocalPingInterval and expects a
// pong before the following ping is due.
func (h LiveHandler) startKeepalive(conn *websocket.Conn, local *wsLocalConn) func() {
	interval := h.Config.LocalPingInterval
	if interval <= 0 {
		return func() {}
	}
	readWindow := 2 * interval
	_ = conn.SetReadDeadline(time.Now().Add(readWindow))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWindow))
	})

	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := local.ping(); err != nil {
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

func (h LiveHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// wsLocalConn adapts a browser WebSocket to bridge.LocalConn.
type wsLocalConn struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func newWSLocalConn(conn *websocket.Conn, id string, writeTimeout time.Duration) *wsLocalConn {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &wsLocalConn{id: id, conn: conn, writeTimeout: writeTimeout}
}

func (c *wsLocalConn) ID() string { return c.id }

func (c *wsLocalConn) Send(ctx context.Context, n bridge.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errLocalClosed
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(n)
}

func (c *wsLocalConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errLocalClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsLocalConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsLocalConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
