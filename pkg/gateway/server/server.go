package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vango-go/storybridge/pkg/bridge"
	"github.com/vango-go/storybridge/pkg/convai"
	"github.com/vango-go/storybridge/pkg/elevenlabs"
	"github.com/vango-go/storybridge/pkg/gateway/apierror"
	"github.com/vango-go/storybridge/pkg/gateway/config"
	"github.com/vango-go/storybridge/pkg/gateway/handlers"
	"github.com/vango-go/storybridge/pkg/gateway/lifecycle"
	"github.com/vango-go/storybridge/pkg/gateway/mw"
	"github.com/vango-go/storybridge/pkg/metrics"
	"github.com/vango-go/storybridge/pkg/store"
)

// Deps overrides collaborators New would otherwise build from config.
type Deps struct {
	// Store defaults to an in-memory store.
	Store   store.Store
	Metrics *metrics.Metrics
	// NewRemote defaults to a convai client per session.
	NewRemote  bridge.RemoteFactory
	HTTPClient *http.Client
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	router chi.Router

	client        *elevenlabs.Client
	bridge        *bridge.Bridge
	store         store.Store
	metrics       *metrics.Metrics
	lifecycle     *lifecycle.Lifecycle
	conversations *handlers.ConversationsHandler
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		}
	}

	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	st := deps.Store
	if st == nil {
		st = store.NewMemory()
	}

	newRemote := deps.NewRemote
	if newRemote == nil {
		defaults, err := cfg.ConversationDefaults()
		if err != nil {
			return nil, err
		}
		newRemote = bridge.ConvaiFactory(convai.ClientConfig{
			APIKey:           cfg.APIKey,
			URL:              cfg.ConversationURL,
			HandshakeTimeout: cfg.RemoteHandshakeTimeout,
			WriteTimeout:     cfg.WSWriteTimeout,
			PingInterval:     cfg.RemotePingInterval,
			PongTimeout:      cfg.RemotePongTimeout,
			Defaults:         defaults,
		}, logger)
	}

	client := elevenlabs.New(elevenlabs.Config{
		BaseURL:       cfg.BaseURL,
		APIKey:        cfg.APIKey,
		Timeout:       cfg.UpstreamTimeout,
		UploadTimeout: cfg.UploadTimeout,
		HTTPClient:    httpClient,
	})
	conversations := handlers.NewConversationsHandler(cfg, client, logger, m)

	s := &Server{
		cfg:    cfg,
		logger: logger,
		router: chi.NewRouter(),
		client: client,
		bridge: bridge.New(bridge.Options{
			Logger:          logger,
			NewRemote:       newRemote,
			Metrics:         m,
			DefaultAgentID:  cfg.AgentID,
			OnSessionClosed: conversations.ForgetAgent,
		}),
		conversations: conversations,
		store:         st,
		metrics:       m,
		lifecycle:     &lifecycle.Lifecycle{},
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		reqID, _ := mw.RequestIDFrom(req.Context())
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.ErrNotFound, Message: "route not found"}, http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		reqID, _ := mw.RequestIDFrom(req.Context())
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed"}, http.StatusMethodNotAllowed)
	})

	r.Method(http.MethodGet, "/health", handlers.HealthHandler{})
	r.Method(http.MethodGet, "/readyz", handlers.ReadyHandler{
		Config:       s.cfg,
		Store:        s.store,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.bridge.ActiveSessions,
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodPost, "/upload-story", handlers.UploadStoryHandler{
			Config:  s.cfg,
			Client:  s.client,
			Store:   s.store,
			Logger:  s.logger,
			Metrics: s.metrics,
		})
		r.Method(http.MethodPost, "/update-agent", handlers.UpdateAgentHandler{
			Config:  s.cfg,
			Client:  s.client,
			Store:   s.store,
			Logger:  s.logger,
			Metrics: s.metrics,
			// New knowledge changes what later conversations contain.
			AfterUpdate: s.conversations.Invalidate,
		})
		r.Get("/conversations", s.conversations.List)
		r.Get("/conversations/{conversation_id}", s.conversations.Get)
		r.Method(http.MethodGet, "/agent-info", handlers.AgentInfoHandler{Config: s.cfg, Client: s.client})
		r.Method(http.MethodGet, "/stories", handlers.StoriesHandler{Store: s.store, Logger: s.logger})
		r.Method(http.MethodGet, "/ws/{agent_id}", handlers.LiveHandler{
			Config:    s.cfg,
			Bridge:    s.bridge,
			Lifecycle: s.lifecycle,
			Logger:    s.logger,
		})
	})

	if dir := s.cfg.StaticDir; dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(dir))))
		} else {
			s.logger.Debug("static directory not found; /static disabled", "dir", dir)
		}
	}
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) Bridge() *bridge.Bridge { return s.bridge }

// SetDraining fails readiness and refuses new live sessions.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WarnLiveSessionsDraining tells every open live session the server is going
// away. It returns the number of sessions notified.
func (s *Server) WarnLiveSessionsDraining() int {
	n := s.bridge.NotifyAll("server is shutting down; the conversation will end soon")
	if n > 0 {
		s.logger.Info("warned live sessions", "sessions", n)
	}
	return n
}

// WaitLiveSessions blocks until every live session has ended or ctx is done.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.bridge.Wait(ctx)
}

// CancelLiveSessions closes whatever live sessions remain.
func (s *Server) CancelLiveSessions() int {
	n := s.bridge.CloseAll()
	if n > 0 {
		s.logger.Warn("closed live sessions at shutdown", "sessions", n)
	}
	return n
}

// Close releases the story store.
func (s *Server) Close() error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
