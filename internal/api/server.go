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
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-crawler/internal/adaptive"
	"github.com/JakeFAU/adaptive-crawler/internal/config"
	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/dispatcher"
	"github.com/JakeFAU/adaptive-crawler/internal/id/uuid"
	"github.com/JakeFAU/adaptive-crawler/internal/metrics"
)

const defaultRequestTimeout = 60 * time.Second

// CrawlService is the subset of adaptive.Service the HTTP layer depends on.
type CrawlService interface {
	Submit(ctx context.Context, req adaptive.SubmitRequest) (adaptive.SubmitResult, error)
	Status(ctx context.Context, id string, includeURLs []string) (crawler.StatusReport, error)
}

// ReadinessCheck reports whether a downstream dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Server wires HTTP handlers to the crawl service.
type Server struct {
	router  chi.Router
	service CrawlService
	checks  []ReadinessCheck
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(service CrawlService, cfg config.Config, logger *zap.Logger, checks ...ReadinessCheck) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		service: service,
		checks:  checks,
		logger:  logger.Named("api"),
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(uuid.New()))
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/adaptive-crawl", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/", s.submitCrawl)
		r.Post("/status", s.taskStatus)
		r.Get("/tasks/{task_id}", s.getTask)
		r.Get("/*", s.submitCrawlByPath)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	for _, check := range s.checks {
		if err := check(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type crawlRequest struct {
	URL        string `json:"url"`
	UseSitemap bool   `json:"useSitemap"`
	MaxPages   int    `json:"maxPages"`
}

type statusRequest struct {
	TaskID string   `json:"taskId"`
	URLs   []string `json:"urls"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.submit(w, r, adaptive.SubmitRequest{
		URL:        req.URL,
		UseSitemap: req.UseSitemap,
		MaxPages:   req.MaxPages,
		Token:      bearerToken(r),
	})
}

// submitCrawlByPath accepts the target URL as the remainder of the path, with
// useSitemap and maxPages as query parameters.
func (s *Server) submitCrawlByPath(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "*")
	if target == "" {
		s.writeError(w, http.StatusBadRequest, "url required")
		return
	}
	query := r.URL.Query()
	req := adaptive.SubmitRequest{
		URL:        restoreScheme(target),
		UseSitemap: query.Get("useSitemap") == "true",
		Token:      bearerToken(r),
	}
	if raw := query.Get("maxPages"); raw != "" {
		maxPages, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "maxPages must be an integer")
			return
		}
		req.MaxPages = maxPages
	}
	s.submit(w, r, req)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, req adaptive.SubmitRequest) {
	result, err := s.service.Submit(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.Status(r.Context(), chi.URLParam(r, "task_id"), nil)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		s.writeError(w, http.StatusBadRequest, "taskId required")
		return
	}
	report, err := s.service.Status(r.Context(), req.TaskID, req.URLs)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, crawler.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawler.ErrTaskNotFound):
		s.writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, dispatcher.ErrQueueFull):
		s.writeError(w, http.StatusServiceUnavailable, "crawler busy, retry later")
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// restoreScheme repairs targets like "https:/example.com" whose double slash
// was collapsed by path cleaning, and defaults bare hosts to https.
func restoreScheme(target string) string {
	for _, scheme := range []string{"https:", "http:"} {
		if strings.HasPrefix(target, scheme) {
			rest := strings.TrimLeft(strings.TrimPrefix(target, scheme), "/")
			return scheme + "//" + rest
		}
	}
	return "https://" + target
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func requestIDMiddleware(ids crawler.IDGenerator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				generated, err := ids.NewID()
				if err == nil {
					reqID = generated
				}
			}
			ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestID returns the id assigned by the request ID middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("panic", rec),
					)
					writeJSON(logger, w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(zap.NewNop(), w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(s.logger, w, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(s.logger, w, status, map[string]string{"error": msg})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
