// Package server exposes the feederwatch engine over HTTP: a small JSON API
// for captures and operator actions, Prometheus metrics, and a websocket feed
// of alert transitions.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/scrypster/feederwatch/internal/config"
	"github.com/scrypster/feederwatch/internal/engine"
	"github.com/scrypster/feederwatch/internal/extractor"
	"github.com/scrypster/feederwatch/internal/logging"
)

// Server is the HTTP front end of one engine.
type Server struct {
	cfg       config.ServerConfig
	engine    *engine.Engine
	extractor extractor.FeatureExtractor
	gatherer  prometheus.Gatherer
	hub       *Hub
	logger    *logrus.Logger
	handler   http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithExtractor enables image captures on POST /api/captures.
func WithExtractor(ext extractor.FeatureExtractor) Option {
	return func(s *Server) { s.extractor = ext }
}

// WithGatherer sets the registry served on /metrics. Defaults to the
// Prometheus default gatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New builds the server and subscribes its websocket hub to the engine's
// alert transitions. Call it before the engine starts ingesting.
func New(cfg config.ServerConfig, eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   eng,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger)

	s.hub = NewHub([]string{
		fmt.Sprintf("localhost:%d", cfg.Port),
		fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}, s.logger)
	eng.Alerts().Subscribe(s.hub.Listener())

	s.handler = s.routes()
	return s
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/captures", s.postCapture)
	mux.HandleFunc("POST /api/identities", s.postIdentity)
	mux.HandleFunc("GET /api/identities", s.getIdentities)
	mux.HandleFunc("GET /api/identities/{id}", s.getIdentity)
	mux.HandleFunc("DELETE /api/identities/{id}", s.deleteIdentity)
	mux.HandleFunc("GET /api/identities/{id}/visits", s.getIdentityVisits)
	mux.HandleFunc("POST /api/feeders/{id}/refill", s.postRefill)
	mux.HandleFunc("GET /api/feeders/{id}/estimate", s.getEstimate)
	mux.HandleFunc("POST /api/alerts/{id}/ack", s.postAck)
	mux.HandleFunc("POST /api/alerts/{id}/resolve", s.postResolve)
	mux.HandleFunc("GET /api/alerts", s.getAlerts)
	mux.HandleFunc("GET /api/summary", s.getSummary)

	// Health and metrics stay outside the rate limiter so scrapes are never
	// throttled.
	outer := http.NewServeMux()
	outer.HandleFunc("GET /healthz", s.getHealth)
	outer.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	outer.Handle("GET /ws/alerts", s.hub)

	limit, burst := s.cfg.RateLimit, s.cfg.RateBurst
	if limit <= 0 {
		limit = 20
	}
	if burst <= 0 {
		burst = int(limit * 2)
	}
	outer.Handle("/api/", rateLimitMiddleware(mux, rate.NewLimiter(rate.Limit(limit), burst)))

	handler := accessLogMiddleware(outer, s.logger)
	return securityHeadersMiddleware(handler)
}

// Start listens on the configured address and serves until ctx is done.
// It returns the actual listen address, which matters when Port is 0.
func (s *Server) Start(ctx context.Context) (string, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("server: listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.hub.Run()
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("server: serve failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Warn("server: shutdown error")
		}
		s.hub.Stop()
	}()

	actual := listener.Addr().String()
	s.logger.WithField("addr", actual).Info("server: listening")
	return actual, nil
}
