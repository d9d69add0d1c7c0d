// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opencrawl/elastic-crawler-service/internal/config"
	"github.com/opencrawl/elastic-crawler-service/internal/crawl"
	"github.com/opencrawl/elastic-crawler-service/internal/runner"
	"github.com/opencrawl/elastic-crawler-service/internal/telemetry"
)

// Enqueuer hands accepted executions to the background worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, item crawl.ExecutionItem) error
}

// Server wires HTTP handlers to the registry, queue, and runner.
type Server struct {
	router       chi.Router
	registry     crawl.Registry
	enqueuer     Enqueuer
	runner       crawl.Runner
	idGen        crawl.IDGenerator
	clock        crawl.Clock
	cfg          config.Config
	logger       *zap.Logger
	enqueueWait  time.Duration
}

const defaultEnqueueWait = 5 * time.Second

// NewServer constructs a Server with middleware and routes.
func NewServer(
	registry crawl.Registry,
	enqueuer Enqueuer,
	crawlRunner crawl.Runner,
	idGen crawl.IDGenerator,
	clock crawl.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		registry:    registry,
		enqueuer:    enqueuer,
		runner:      crawlRunner,
		idGen:       idGen,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
		enqueueWait: defaultEnqueueWait,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)
	// Synchronous crawls hold the connection for the full subprocess run,
	// so the handler timeout must exceed the crawl timeout.
	r.Use(timeoutMiddleware(cfg.CrawlTimeout() + 30*time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled() {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/crawl", s.submitCrawl)
		r.Get("/crawl/{execution_id}/status", s.getCrawlStatus)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": config.ServiceName,
		"version": config.Version,
	})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawl.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, err.Error())
		return
	}

	async := true
	if raw := r.URL.Query().Get("async"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, s.logger, http.StatusBadRequest, "invalid async parameter")
			return
		}
		async = parsed
	}

	executionID, err := s.idGen.NewID()
	if err != nil {
		writeError(w, s.logger, http.StatusInternalServerError, "failed to generate execution id")
		return
	}

	now := s.clock.Now()
	exec := crawl.Execution{
		ID:        executionID,
		Status:    crawl.ExecutionStatusPending,
		Submitted: now,
		Request:   req,
	}
	if err := s.registry.Create(r.Context(), exec); err != nil {
		s.logger.Error("create execution failed", zap.String("execution_id", executionID), zap.Error(err))
		writeError(w, s.logger, http.StatusInternalServerError, "failed to record execution")
		return
	}

	if !async {
		s.runSync(w, r, executionID, req)
		return
	}

	queueCtx, cancel := context.WithTimeout(r.Context(), s.enqueueWait)
	defer cancel()
	item := crawl.ExecutionItem{
		ExecutionID: executionID,
		Request:     req,
		Submitted:   now.Unix(),
	}
	if err := s.enqueuer.Enqueue(queueCtx, item); err != nil {
		s.logger.Warn("enqueue execution failed", zap.String("execution_id", executionID), zap.Error(err))
		if failErr := s.registry.Fail(r.Context(), executionID, s.clock.Now(), "execution queue is full"); failErr != nil {
			s.logger.Error("fail execution update failed",
				zap.String("execution_id", executionID), zap.Error(failErr))
		}
		writeError(w, s.logger, http.StatusServiceUnavailable, "execution queue is full")
		return
	}

	writeJSON(w, s.logger, http.StatusAccepted, map[string]string{
		"status":           "started",
		"execution_id":     executionID,
		"message":          "crawl started in background",
		"check_status_url": fmt.Sprintf("/v1/crawl/%s/status", executionID),
	})
}

// runSync executes the crawl inline and relays the sanitized result. A
// non-zero crawler exit is still a 200 response; only wrapper-level
// failures map to error statuses.
func (s *Server) runSync(w http.ResponseWriter, r *http.Request, executionID string, req crawl.Request) {
	ctx := r.Context()
	if err := s.registry.MarkRunning(ctx, executionID, s.clock.Now()); err != nil {
		s.logger.Error("mark execution running failed", zap.String("execution_id", executionID), zap.Error(err))
	}

	out, runErr := s.runner.Run(ctx, req)
	finished := s.clock.Now()
	if runErr != nil {
		if err := s.registry.Fail(ctx, executionID, finished, runErr.Error()); err != nil {
			s.logger.Error("fail execution update failed",
				zap.String("execution_id", executionID), zap.Error(err))
		}
		switch {
		case errors.Is(runErr, runner.ErrMissingCredentials):
			writeError(w, s.logger, http.StatusServiceUnavailable, runErr.Error())
		case errors.Is(runErr, runner.ErrTimeout):
			writeError(w, s.logger, http.StatusGatewayTimeout, runErr.Error())
		default:
			s.logger.Error("crawl execution failed", zap.String("execution_id", executionID), zap.Error(runErr))
			writeError(w, s.logger, http.StatusInternalServerError, "crawl execution failed")
		}
		return
	}

	if err := s.registry.Complete(ctx, executionID, finished, out.Result); err != nil {
		s.logger.Error("complete execution update failed",
			zap.String("execution_id", executionID), zap.Error(err))
	}
	writeJSON(w, s.logger, http.StatusOK, out.Result)
}

func (s *Server) getCrawlStatus(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "execution_id")
	exec, err := s.registry.Get(r.Context(), executionID)
	if err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			writeError(w, s.logger, http.StatusNotFound, "execution not found")
			return
		}
		s.logger.Error("fetch execution failed", zap.String("execution_id", executionID), zap.Error(err))
		writeError(w, s.logger, http.StatusInternalServerError, "failed to fetch execution")
		return
	}

	switch exec.Status {
	case crawl.ExecutionStatusCompleted:
		writeJSON(w, s.logger, http.StatusOK, map[string]any{
			"execution_id": exec.ID,
			"status":       string(crawl.ExecutionStatusCompleted),
			"result":       exec.Result,
		})
	case crawl.ExecutionStatusFailed:
		writeJSON(w, s.logger, http.StatusOK, map[string]any{
			"execution_id": exec.ID,
			"status":       string(crawl.ExecutionStatusFailed),
			"error":        exec.ErrorText,
		})
	default:
		// Pending executions report as running so pollers see one
		// in-flight state until a terminal update lands.
		writeJSON(w, s.logger, http.StatusOK, map[string]any{
			"execution_id": exec.ID,
			"status":       string(crawl.ExecutionStatusRunning),
			"message":      "crawl in progress",
		})
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, logger, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

// apiKeyMiddleware enforces the shared-secret header. A missing key is a
// 401 with a challenge header; a wrong key is a 403.
func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				w.Header().Set("WWW-Authenticate", "ApiKey")
				writeError(w, zap.L(), http.StatusUnauthorized, "missing API key")
				return
			}
			if key != expected {
				writeError(w, zap.L(), http.StatusForbidden, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, status int, msg string) {
	writeJSON(w, logger, status, map[string]string{"error": msg})
}
