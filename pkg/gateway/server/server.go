// Package server wires configuration, the session client, and the HTTP
// surface into one runnable gateway.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/shuttlebay/voicelink/pkg/gateway/config"
	"github.com/shuttlebay/voicelink/pkg/gateway/handlers"
	"github.com/shuttlebay/voicelink/pkg/gateway/lifecycle"
	"github.com/shuttlebay/voicelink/pkg/gateway/mw"
	"github.com/shuttlebay/voicelink/pkg/inference"
	"github.com/shuttlebay/voicelink/pkg/retrieval"
	"github.com/shuttlebay/voicelink/pkg/stream"
	"github.com/shuttlebay/voicelink/pkg/tools"
)

type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	router    chi.Router
	lifecycle *lifecycle.Lifecycle
	client    *stream.Client
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	var retriever retrieval.Retriever
	if strings.TrimSpace(cfg.RetrievalBaseURL) != "" {
		retriever = retrieval.NewClient(cfg.RetrievalBaseURL, cfg.RetrievalAPIKey)
	}
	bridge := tools.NewKnowledgeBridge(retriever, cfg.VariantSources, cfg.RetrievalMaxResults, logger)

	header := http.Header{}
	if strings.TrimSpace(cfg.InferenceAPIKey) != "" {
		header.Set("Authorization", "Bearer "+cfg.InferenceAPIKey)
	}
	connector := &inference.WSConnector{
		URL:            cfg.InferenceURL,
		Header:         header,
		WriteTimeout:   cfg.WSWriteTimeout,
		ConnectTimeout: cfg.InferenceConnectTimeout,
		Logger:         logger,
	}

	client := stream.NewClient(stream.Config{
		DefaultInference: stream.InferenceConfig{
			MaxTokens:   cfg.DefaultMaxTokens,
			TopP:        cfg.DefaultTopP,
			Temperature: cfg.DefaultTemperature,
		},
		IdleTimeout:    cfg.SessionIdleTimeout,
		ReapInterval:   cfg.SessionReapInterval,
		CloseStepDelay: cfg.CloseStepDelay,
		Logger:         logger,
	}, connector, bridge)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		lifecycle: &lifecycle.Lifecycle{},
		client:    client,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.AccessLog(s.logger))
	r.Use(mw.Recover(s.logger))
	r.Use(mw.CORS(s.cfg))

	r.Method(http.MethodGet, "/healthz", handlers.HealthHandler{})
	r.Method(http.MethodGet, "/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Client:    s.client,
	})

	r.Group(func(r chi.Router) {
		r.Use(mw.Auth(s.cfg))
		r.Method(http.MethodGet, "/v1/stream", handlers.StreamHandler{
			Config:    s.cfg,
			Client:    s.client,
			Logger:    s.logger,
			Lifecycle: s.lifecycle,
		})
	})

	r.NotFound(handlers.NotFoundHandler{}.ServeHTTP)

	s.router = r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Client exposes the session client for lifecycle management.
func (s *Server) Client() *stream.Client {
	return s.client
}

// Start begins background session reaping.
func (s *Server) Start() {
	s.client.StartReaper()
}

// Drain flips readiness off so load balancers stop routing new sessions.
func (s *Server) Drain() {
	s.lifecycle.SetDraining(true)
}

// Shutdown closes all active sessions, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.client.Shutdown(ctx)
}
