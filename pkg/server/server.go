// Package server exposes the engine over a JSON HTTP surface: single-agent
// asks, full chains, conversation logs, aggregate metrics, health and the
// memory administration endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/brdfb/maestro/pkg/chain"
	"github.com/brdfb/maestro/pkg/config"
	"github.com/brdfb/maestro/pkg/connector"
	"github.com/brdfb/maestro/pkg/observability"
	"github.com/brdfb/maestro/pkg/session"
	"github.com/brdfb/maestro/pkg/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500
	statsWindow      = 24 * time.Hour
)

// Server holds the HTTP surface over a constructed runtime.
type Server struct {
	cfg     *config.Config
	runtime *chain.Runtime
	store   *store.Store
	metrics *observability.Metrics
	started time.Time

	mu          sync.Mutex
	lastRequest time.Time
}

// New builds a server; metrics may be nil.
func New(cfg *config.Config, rt *chain.Runtime, st *store.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		runtime: rt,
		store:   st,
		metrics: metrics,
		started: time.Now(),
	}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.trackRequests)

	r.Post("/ask", s.handleAsk)
	r.Post("/chain", s.handleChain)
	r.Get("/logs", s.handleLogs)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/health", s.handleHealth)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics/prometheus", s.metrics.Handler())
	}

	r.Route("/memory", func(r chi.Router) {
		r.Get("/search", s.handleMemorySearch)
		r.Get("/recent", s.handleMemoryRecent)
		r.Get("/stats", s.handleMemoryStats)
		r.Delete("/{id}", s.handleMemoryDelete)
	})

	return r
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Address(),
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) trackRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.lastRequest = time.Now()
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

type askRequest struct {
	Agent         string `json:"agent"`
	Prompt        string `json:"prompt"`
	SessionID     string `json:"session_id,omitempty"`
	OverrideModel string `json:"override_model,omitempty"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Agent == "" {
		writeError(w, http.StatusBadRequest, "agent is required")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	res, err := s.runtime.Ask(r.Context(), req.Agent, req.Prompt, req.SessionID, "api", req.OverrideModel)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type chainRequest struct {
	Prompt    string   `json:"prompt"`
	SessionID string   `json:"session_id,omitempty"`
	Stages    []string `json:"stages,omitempty"`
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	var req chainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	results, err := s.runtime.RunStages(r.Context(), chain.Request{
		Prompt:    req.Prompt,
		SessionID: req.SessionID,
		Source:    "api",
	}, req.Stages)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultListLimit)
	records, err := s.store.Recent(r.Context(), r.URL.Query().Get("agent"), limit)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type metricsResponse struct {
	WindowHours int `json:"window_hours"`
	*store.Stats
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context(), time.Now().Add(-statsWindow))
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metricsResponse{WindowHours: 24, Stats: stats})
}

type providerHealth struct {
	Available      bool `json:"available"`
	HasAPIKey      bool `json:"has_api_key"`
	DisabledByFlag bool `json:"disabled_by_flag"`
}

type healthResponse struct {
	Status             string                    `json:"status"`
	Providers          map[string]providerHealth `json:"providers"`
	AvailableProviders []string                  `json:"available_providers"`
	Memory             *store.Info               `json:"memory"`
	UptimeSeconds      float64                   `json:"uptime_seconds"`
	LastRequestAt      *time.Time                `json:"last_request_at,omitempty"`
	Stats24h           *store.Stats              `json:"stats_24h,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := make(map[string]providerHealth)
	var available []string
	for _, p := range config.Providers() {
		providers[p.Name] = providerHealth{
			Available:      p.Enabled,
			HasAPIKey:      p.HasKey,
			DisabledByFlag: p.Disabled,
		}
		if p.Enabled {
			available = append(available, p.Name)
		}
	}

	info := s.store.GetInfo(r.Context())

	status := "healthy"
	switch {
	case len(available) == 0:
		status = "unhealthy"
	case len(available) < 2 || !info.Connected:
		status = "degraded"
	}

	resp := healthResponse{
		Status:             status,
		Providers:          providers,
		AvailableProviders: available,
		Memory:             info,
		UptimeSeconds:      time.Since(s.started).Seconds(),
	}

	s.mu.Lock()
	if !s.lastRequest.IsZero() {
		last := s.lastRequest
		resp.LastRequestAt = &last
	}
	s.mu.Unlock()

	if stats, err := s.store.GetStats(r.Context(), time.Now().Add(-statsWindow)); err == nil {
		resp.Stats24h = stats
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	filter := store.SearchFilter{
		Agent:     r.URL.Query().Get("agent"),
		Model:     r.URL.Query().Get("model"),
		SessionID: r.URL.Query().Get("session_id"),
	}
	records, err := s.store.Search(r.Context(), q, filter, queryLimit(r, defaultListLimit))
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleMemoryRecent(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.Recent(r.Context(), r.URL.Query().Get("agent"), queryLimit(r, defaultListLimit))
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context(), time.Time{})
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": id})
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeRunError maps the engine error taxonomy onto HTTP status codes.
func writeRunError(w http.ResponseWriter, err error) {
	var (
		unknownAgent *chain.UnknownAgentError
		allProviders *connector.AllProvidersFailedError
		stageFailed  *chain.StageFailedError
		allCritics   *chain.AllCriticsFailedError
		storeErr     *store.StoreError
	)
	switch {
	case errors.Is(err, session.ErrInvalidSessionID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &unknownAgent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &allProviders), errors.As(err, &stageFailed), errors.As(err, &allCritics):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &storeErr):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
