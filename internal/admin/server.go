// Package admin exposes an HTTP API for operating the triad: inspecting
// unified health, replaying events, resetting circuit breakers, and
// checking epoch and resource state. Mutating endpoints are rate limited
// and audited.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/triadhq/triad/internal/eventlog"
	"github.com/triadhq/triad/internal/health"
	"github.com/triadhq/triad/internal/ipc"
)

// HealthProvider returns the unified health snapshot.
type HealthProvider interface {
	UnifiedHealth() health.Snapshot
}

// EpochProvider reads the current fencing epoch.
type EpochProvider interface {
	Current(ctx context.Context) uint64
}

// EventReplayer replays durable events from a sequence number.
type EventReplayer interface {
	Replay(ctx context.Context, origin string, fromSeq uint64) (*eventlog.Cursor, error)
}

// BreakerResetter force-closes circuit breakers.
type BreakerResetter interface {
	ResetAll()
}

// ComponentLister reads heartbeats for every known component.
type ComponentLister interface {
	ReadAllHeartbeats(ctx context.Context) ([]ipc.Heartbeat, error)
}

// ResourceInspector reports free capacity per resource pool.
type ResourceInspector interface {
	Available(kind string) int
}

// Server provides the HTTP admin API for operational management.
type Server struct {
	healthProvider HealthProvider
	epochs         EpochProvider
	events         EventReplayer
	breakers       BreakerResetter
	components     ComponentLister
	resources      ResourceInspector
	logger         *slog.Logger
}

// NewServer creates the admin API server. Any optional dependency left
// unset makes its endpoints respond 503.
func NewServer(healthProvider HealthProvider, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		healthProvider: healthProvider,
		logger:         logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

// WithEpochProvider sets the epoch reader on the admin server.
func WithEpochProvider(ep EpochProvider) ServerOption {
	return func(s *Server) { s.epochs = ep }
}

// WithEventReplayer sets the event log reader on the admin server.
func WithEventReplayer(er EventReplayer) ServerOption {
	return func(s *Server) { s.events = er }
}

// WithBreakerResetter sets the breaker registry on the admin server.
func WithBreakerResetter(br BreakerResetter) ServerOption {
	return func(s *Server) { s.breakers = br }
}

// WithComponentLister sets the heartbeat reader on the admin server.
func WithComponentLister(cl ComponentLister) ServerOption {
	return func(s *Server) { s.components = cl }
}

// WithResourceInspector sets the resource pool reader on the admin server.
func WithResourceInspector(ri ResourceInspector) ServerOption {
	return func(s *Server) { s.resources = ri }
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/v1/health", s.handleHealth)
	mux.HandleFunc("GET /admin/v1/epoch", s.handleEpoch)
	mux.HandleFunc("GET /admin/v1/events", s.handleEvents)
	mux.HandleFunc("GET /admin/v1/components", s.handleComponents)
	mux.HandleFunc("GET /admin/v1/resources", s.handleResources)
	mux.HandleFunc("POST /admin/v1/breakers/reset", s.handleBreakerReset)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthProvider == nil {
		http.Error(w, `{"error":"health provider not available"}`, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.healthProvider.UnifiedHealth())
}

func (s *Server) handleEpoch(w http.ResponseWriter, r *http.Request) {
	if s.epochs == nil {
		http.Error(w, `{"error":"epoch store not available"}`, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"epoch": s.epochs.Current(r.Context())})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, `{"error":"event log not available"}`, http.StatusServiceUnavailable)
		return
	}

	origin := r.URL.Query().Get("origin")
	if origin == "" {
		http.Error(w, `{"error":"origin query param required"}`, http.StatusBadRequest)
		return
	}

	var fromSeq uint64
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, `{"error":"from must be a non-negative integer"}`, http.StatusBadRequest)
			return
		}
		fromSeq = parsed
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 10000 {
			http.Error(w, `{"error":"limit must be between 1 and 10000"}`, http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	cursor, err := s.events.Replay(r.Context(), origin, fromSeq)
	if err != nil {
		s.logger.Error("event replay failed", "origin", origin, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	out := make([]eventlog.Event, 0, limit)
	for len(out) < limit {
		ev, ok := cursor.Next()
		if !ok {
			break
		}
		out = append(out, ev)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"origin":    origin,
		"events":    out,
		"remaining": cursor.Remaining(),
	})
}

func (s *Server) handleComponents(w http.ResponseWriter, r *http.Request) {
	if s.components == nil {
		http.Error(w, `{"error":"component discovery not available"}`, http.StatusServiceUnavailable)
		return
	}
	beats, err := s.components.ReadAllHeartbeats(r.Context())
	if err != nil {
		s.logger.Error("list components failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, beats)
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	if s.resources == nil {
		http.Error(w, `{"error":"resource coordinator not available"}`, http.StatusServiceUnavailable)
		return
	}
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		http.Error(w, `{"error":"kind query param required"}`, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "available": s.resources.Available(kind)})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if s.breakers == nil {
		http.Error(w, `{"error":"breaker registry not available"}`, http.StatusServiceUnavailable)
		return
	}
	s.breakers.ResetAll()
	s.logger.Info("all circuit breakers reset via admin API", "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
