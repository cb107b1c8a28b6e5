package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/HensemLin/tenderdesk/pkg/chat"
	"github.com/HensemLin/tenderdesk/pkg/logger"
	"github.com/HensemLin/tenderdesk/pkg/metrics"
)

const shutdownTimeout = 10 * time.Second

// ChatService is the part of chat.Service the HTTP API exposes.
type ChatService interface {
	Chat(ctx context.Context, req chat.TurnRequest) (chat.ChatResponse, error)
	ProcessTurn(ctx context.Context, req chat.TurnRequest) (chat.TurnContext, error)
	SessionSummaryView(ctx context.Context, sessionKey string) (chat.SessionView, error)
	ListSessions(ctx context.Context, userID string, skip, limit int) ([]chat.SessionView, error)
	ListMessages(ctx context.Context, sessionKey string, limit int) ([]chat.MessageView, error)
	DeleteSession(ctx context.Context, sessionKey string) error
}

type Options struct {
	Addr    string
	APIKeys []string
}

type Server struct {
	svc     ChatService
	apiKeys []string
	router  chi.Router
	http    *http.Server
}

func New(svc ChatService, opts Options) *Server {
	s := &Server{svc: svc}
	for _, k := range opts.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			s.apiKeys = append(s.apiKeys, k)
		}
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.observe, middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/chat", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/message", s.handleMessage)
		r.Post("/turn", s.handleTurn)
		r.Post("/session/info", s.handleSessionInfo)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{sessionID}/messages", s.handleListMessages)
		r.Get("/messages/{sessionID}", s.handleListMessages)
		r.Delete("/sessions/{sessionID}", s.handleDeleteSession)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.InfoCF("server", "HTTP server listening", map[string]interface{}{"addr": s.http.Addr})
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.InfoCF("server", "HTTP server stopped", nil)
	return nil
}

// observe records per-route metrics and a debug log line.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		metrics.RecordHTTP(route, status, elapsed)
		logger.DebugCF("server", "HTTP request", map[string]interface{}{
			"method":     r.Method,
			"route":      route,
			"status":     status,
			"elapsed_ms": elapsed.Milliseconds(),
			"request_id": middleware.GetReqID(r.Context()),
		})
	})
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.apiKeys) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			writeError(w, http.StatusForbidden, "API key is required")
			return
		}
		for _, valid := range s.apiKeys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, http.StatusForbidden, "Invalid Credentials")
	})
}
