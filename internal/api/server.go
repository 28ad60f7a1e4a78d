// Package api exposes the HTTP interface for the intelligence hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsintel/intelhub/internal/config"
	"github.com/opsintel/intelhub/internal/dispatcher"
	"github.com/opsintel/intelhub/internal/intel"
	"github.com/opsintel/intelhub/internal/keypool"
	"github.com/opsintel/intelhub/internal/metrics"
)

// KeySnapshotter exposes key pool state for the stats endpoint.
type KeySnapshotter interface {
	Snapshot() []keypool.KeyStatus
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router     chi.Router
	items      intel.ItemStore
	archive    intel.ArchiveStore
	dispatcher *dispatcher.Dispatcher
	idGen      intel.IDGenerator
	clock      intel.Clock
	stats      *intel.Stats
	keys       KeySnapshotter
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. keys may be nil
// to omit pool state from the stats payload.
func NewServer(
	items intel.ItemStore,
	archive intel.ArchiveStore,
	dispatcher *dispatcher.Dispatcher,
	idGen intel.IDGenerator,
	clock intel.Clock,
	stats *intel.Stats,
	keys KeySnapshotter,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stats == nil {
		stats = &intel.Stats{}
	}
	metrics.Init()
	s := &Server{
		items:      items,
		archive:    archive,
		dispatcher: dispatcher,
		idGen:      idGen,
		clock:      clock,
		stats:      stats,
		keys:       keys,
		cfg:        cfg,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(bearerAuthMiddleware(cfg.Auth.CollectorTokens))
		}
		r.Route("/intel", func(r chi.Router) {
			r.Post("/collect", s.collect)
			r.Get("/", s.queryIntel)
			r.Get("/{item_id}", s.getIntel)
		})
		r.Get("/stats", s.getStats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type collectRequest struct {
	SourceURL   string     `json:"source_url"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	Informant   string     `json:"informant"`
	PublishedAt *time.Time `json:"published_at"`
	CollectedAt *time.Time `json:"collected_at"`
}

func (s *Server) collect(w http.ResponseWriter, r *http.Request) {
	var req collectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.ObserveSubmission("invalid")
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SourceURL == "" || req.Title == "" || req.Body == "" {
		metrics.ObserveSubmission("invalid")
		writeError(w, http.StatusBadRequest, "source_url, title and body are required")
		return
	}

	fingerprint := intel.Fingerprint(req.SourceURL, req.Title)
	itemID, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate item id")
		return
	}
	now := s.clock.Now()
	// Collectors that batch uploads report when they actually grabbed the
	// document; absent that, receipt time is the best available.
	collectedAt := now
	if req.CollectedAt != nil {
		collectedAt = *req.CollectedAt
	}
	item := intel.RawItem{
		ID:          itemID,
		Fingerprint: fingerprint,
		SourceURL:   req.SourceURL,
		Title:       req.Title,
		Body:        req.Body,
		Informant:   req.Informant,
		CollectedAt: collectedAt,
		Status:      intel.StatusQueued,
	}
	if req.PublishedAt != nil {
		item.PublishedAt = *req.PublishedAt
	}

	s.stats.Submitted.Add(1)
	if err := s.items.Reserve(r.Context(), item); err != nil {
		if errors.Is(err, intel.ErrDuplicateFingerprint) {
			s.stats.Duplicates.Add(1)
			metrics.ObserveSubmission("duplicate")
			writeJSON(w, http.StatusOK, map[string]string{
				"status":      "duplicate",
				"fingerprint": fingerprint,
			})
			return
		}
		s.logger.Error("reserve item failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store submission")
		return
	}

	queueCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.dispatcher.Enqueue(queueCtx, intel.QueueItem{
		ItemID:      itemID,
		Fingerprint: fingerprint,
		Attempt:     0,
		Submitted:   now.Unix(),
	}); err != nil {
		// The item is durably reserved; startup resume will recover it.
		s.logger.Error("enqueue item failed", zap.String("item_id", itemID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "queue is full")
		return
	}

	metrics.ObserveSubmission("accepted")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"item_id":     itemID,
		"fingerprint": fingerprint,
		"status":      string(intel.StatusQueued),
	})
}

func (s *Server) queryIntel(w http.ResponseWriter, r *http.Request) {
	filter, err := parseQueryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.archive.Query(r.Context(), filter)
	if err != nil {
		s.logger.Error("archive query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query archive")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getIntel(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "item_id")

	record, err := s.archive.Get(r.Context(), itemID)
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"record": record})
		return
	}
	if !errors.Is(err, intel.ErrNotFound) {
		s.logger.Error("archive get failed", zap.String("item_id", itemID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load archive record")
		return
	}

	item, err := s.items.GetItem(r.Context(), itemID)
	if err != nil {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"item_id":    item.ID,
		"status":     item.Status,
		"attempts":   item.Attempts,
		"last_error": item.LastError,
	})
}

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"counters": s.stats.Snapshot(),
	}
	if s.keys != nil {
		payload["keys"] = s.keys.Snapshot()
	}
	writeJSON(w, http.StatusOK, payload)
}

func parseQueryFilter(r *http.Request) (intel.QueryFilter, error) {
	q := r.URL.Query()
	var filter intel.QueryFilter

	if raw := q.Get("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 10 {
			return intel.QueryFilter{}, fmt.Errorf("threshold must be a number in [0,10]")
		}
		filter.Threshold = &v
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return intel.QueryFilter{}, fmt.Errorf("since must be RFC3339")
		}
		filter.Since = &t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return intel.QueryFilter{}, fmt.Errorf("until must be RFC3339")
		}
		filter.Until = &t
	}
	filter.Keyword = q.Get("keyword")
	filter.Locations = q["location"]
	filter.People = q["person"]
	filter.Organizations = q["organization"]

	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return intel.QueryFilter{}, fmt.Errorf("limit must be a non-negative integer")
		}
		filter.Limit = v
	}
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return intel.QueryFilter{}, fmt.Errorf("offset must be a non-negative integer")
		}
		filter.Offset = v
	}
	return filter, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHTTPRequest(r.Method, route, ww.status, elapsed)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func bearerAuthMiddleware(tokens []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		allowed[t] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if _, ok := allowed[token]; !ok {
				writeError(w, http.StatusForbidden, "unauthorized")
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

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck // best-effort write
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
