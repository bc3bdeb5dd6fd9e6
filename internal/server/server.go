package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/headline-goat/creative-goat/internal/engine"
	"github.com/headline-goat/creative-goat/internal/logging"
	"github.com/headline-goat/creative-goat/internal/store"
	"github.com/headline-goat/creative-goat/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Evaluator is the part of the engine the HTTP surface triggers.
type Evaluator interface {
	Evaluate(ctx context.Context, testID string) (*engine.Result, error)
	EvaluateNow(ctx context.Context, testID string) (*engine.Result, error)
	RunPass(ctx context.Context, now time.Time) ([]engine.Result, error)
}

type Server struct {
	store     store.Store
	evaluator Evaluator
	collector *telemetry.Collector
	logger    *zap.Logger
	now       func() time.Time

	port      int
	token     string
	tokenFile string
	router    *http.ServeMux
	startTime time.Time
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = logging.Component(l, "server") }
}

func WithCollector(c *telemetry.Collector) Option {
	return func(s *Server) { s.collector = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithToken fixes the API token instead of generating one.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

func New(st store.Store, ev Evaluator, port int, tokenFile string, opts ...Option) (*Server, error) {
	srv := &Server{
		store:     st,
		evaluator: ev,
		logger:    zap.NewNop(),
		now:       time.Now,
		port:      port,
		tokenFile: tokenFile,
		router:    http.NewServeMux(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(srv)
	}
	if srv.token == "" {
		token, err := generateToken()
		if err != nil {
			return nil, err
		}
		srv.token = token
	}

	srv.setupRoutes()
	return srv, nil
}

func (s *Server) setupRoutes() {
	// Public endpoints
	s.handle("GET /health", s.handleHealth)
	s.handle("GET /api/tests", s.handleListTests)
	s.handle("GET /api/tests/{id}", s.handleGetTest)
	s.handle("GET /api/analytics", s.handleAnalytics)
	s.router.Handle("GET /metrics", s.collector.Handler())

	// Mutating endpoints (protected)
	s.handle("POST /api/pass", s.authMiddleware(s.handlePass))
	s.handle("POST /api/tests/{id}/evaluate", s.authMiddleware(s.handleEvaluate))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s.tokenFile != "" {
		if err := os.WriteFile(s.tokenFile, []byte(s.token), 0600); err != nil {
			s.logger.Warn("failed to write token file", zap.String("path", s.tokenFile), zap.Error(err))
		}
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.Int("port", s.port))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
