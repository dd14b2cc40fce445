// Package server provides the HTTP server and handlers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bryan-buckman/threadlens/internal/classify"
	"github.com/bryan-buckman/threadlens/internal/database"
	"github.com/bryan-buckman/threadlens/internal/ingest"
	"github.com/bryan-buckman/threadlens/internal/metrics"
	"github.com/bryan-buckman/threadlens/internal/model"
	"github.com/bryan-buckman/threadlens/internal/opml"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the main HTTP server.
type Server struct {
	service    *ingest.Service
	classifier *classify.Classifier
	poller     *ingest.Poller
	router     chi.Router
	http       *http.Server
	logger     *zap.Logger
}

// New creates a new server. classifier may be nil, in which case the
// classification routes answer 503. poller may be nil.
func New(service *ingest.Service, classifier *classify.Classifier, poller *ingest.Poller, logger *zap.Logger) *Server {
	s := &Server{
		service:    service,
		classifier: classifier,
		poller:     poller,
		logger:     logger.Named("server"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(instrument)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/communities", s.handleListCommunities)
		r.Post("/communities", s.handleAddCommunity)
		r.Get("/communities/{name}/posts", s.handleRecentPosts)
		r.Post("/communities/{name}/refresh", s.handleRefresh)
		r.Get("/communities/{name}/categories", s.handleStoredCategories)

		r.Get("/posts/{id}", s.handleGetPost)
		r.Put("/posts/{id}/metrics", s.handleUpdateMetrics)

		r.Get("/categories", s.handleCategories)
		r.Post("/classify", s.handleClassify)
		r.Delete("/classifications", s.handlePurge)

		r.Post("/import-opml", s.handleImportOPML)
		r.Get("/export-opml", s.handleExportOPML)
	})

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the poller and serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	if s.poller != nil {
		s.poller.Start()
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("server starting", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the poller and drains open requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.poller != nil {
		s.poller.Stop()
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// --- Middleware ---

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// --- Community Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"classifier": s.classifier != nil,
	})
}

func (s *Server) handleListCommunities(w http.ResponseWriter, r *http.Request) {
	communities, err := s.service.Communities(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"communities": communities})
}

func (s *Server) handleAddCommunity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if model.NormalizeCommunity(req.Name) == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	c, err := s.service.AddCommunity(r.Context(), req.Name, req.DisplayName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleRecentPosts(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	posts, err := s.service.GetRecentPosts(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"community": model.NormalizeCommunity(name),
		"count":     len(posts),
		"posts":     nonNil(posts),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c, err := s.service.Refresh(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleStoredCategories(w http.ResponseWriter, r *http.Request) {
	if !s.requireClassifier(w) {
		return
	}
	posts, err := s.service.StoredPosts(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	buckets, err := s.classifier.AggregateStored(r.Context(), posts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": buckets})
}

// --- Post Handlers ---

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.Post(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateMetrics(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Score        *int `json:"score"`
		CommentCount *int `json:"comment_count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Score == nil || req.CommentCount == nil {
		http.Error(w, "score and comment_count are required", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.service.UpdatePostMetrics(r.Context(), id, *req.Score, *req.CommentCount); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "external_id": id})
}

// --- Classification Handlers ---

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	if !s.requireClassifier(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": s.classifier.Schema().Categories()})
}

type itemResult struct {
	ExternalID     string                `json:"external_id"`
	Title          string                `json:"title"`
	Classification *model.Classification `json:"classification,omitempty"`
	Error          string                `json:"error,omitempty"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if !s.requireClassifier(w) {
		return
	}
	var req struct {
		Community   string   `json:"community"`
		ExternalIDs []string `json:"external_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	var posts []model.Post
	var missing []string
	switch {
	case req.Community != "":
		var err error
		posts, err = s.service.GetRecentPosts(r.Context(), req.Community)
		if err != nil {
			s.writeError(w, err)
			return
		}
	case len(req.ExternalIDs) > 0:
		for _, id := range req.ExternalIDs {
			p, err := s.service.Post(r.Context(), id)
			if errors.Is(err, database.ErrNotFound) {
				missing = append(missing, id)
				continue
			}
			if err != nil {
				s.writeError(w, err)
				return
			}
			posts = append(posts, *p)
		}
	default:
		http.Error(w, "community or external_ids is required", http.StatusBadRequest)
		return
	}

	report := s.classifier.ClassifyAndAggregate(r.Context(), posts)
	results := make([]itemResult, len(report.Results))
	for i, res := range report.Results {
		results[i] = itemResult{
			ExternalID:     res.Post.ExternalID,
			Title:          res.Post.Title,
			Classification: res.Classification,
		}
		if res.Err != nil {
			results[i].Error = res.Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch_id": uuid.NewString(),
		"buckets":  report.Buckets,
		"results":  results,
		"failed":   len(report.Failed()),
		"missing":  missing,
	})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if !s.requireClassifier(w) {
		return
	}
	var ids []string
	for _, v := range r.URL.Query()["id"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 && r.URL.Query().Get("all") != "true" {
		http.Error(w, "pass id=... or all=true", http.StatusBadRequest)
		return
	}
	n, err := s.classifier.Invalidate(r.Context(), ids...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "deleted": n})
}

// --- OPML Handlers ---

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("opml")
	if err != nil {
		http.Error(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	entries, err := opml.Parse(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to parse OPML: %v", err), http.StatusBadRequest)
		return
	}

	imported := 0
	for _, e := range entries {
		if _, err := s.service.AddCommunity(r.Context(), e.Name, e.DisplayName); err != nil {
			s.logger.Warn("import community", zap.String("community", e.Name), zap.Error(err))
			continue
		}
		imported++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"imported": imported,
		"total":    len(entries),
	})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	communities, err := s.service.Communities(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	data, err := opml.Export("threadlens communities", communities, time.Now())
	if err != nil {
		http.Error(w, "Failed to export", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=threadlens-communities.opml")
	_, _ = w.Write(data)
}

// --- Helpers ---

func (s *Server) requireClassifier(w http.ResponseWriter) bool {
	if s.classifier == nil {
		http.Error(w, "classifier not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, model.ErrSourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrSourceRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrSourceProtocol), errors.Is(err, model.ErrOracleResponseInvalid):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrOracleUnavailable), errors.Is(err, model.ErrSourceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil(posts []model.Post) []model.Post {
	if posts == nil {
		return []model.Post{}
	}
	return posts
}
