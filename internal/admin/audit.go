package admin

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// auditOrigin is the event log origin for admin actions.
const auditOrigin = "admin"

// AuditRecorder persists audit entries. Satisfied by *eventlog.Log.
type AuditRecorder interface {
	Append(ctx context.Context, origin, eventType string, payload json.RawMessage, dedupKey string) (uint64, error)
}

// generateRequestID creates a short random request ID for audit correlation.
func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}

type auditEntry struct {
	RequestID string `json:"request_id"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	User      string `json:"user,omitempty"`
	Status    int    `json:"status"`
	Duration  string `json:"duration"`
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// AuditMiddleware logs all mutating (POST/DELETE) requests and, when a
// recorder is supplied, appends them to the durable event log so admin
// actions survive restarts alongside component lifecycle events.
func AuditMiddleware(logger *slog.Logger, recorder AuditRecorder, next http.Handler) http.Handler {
	auditLogger := logger.With("component", "admin_audit")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodDelete {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		requestID := generateRequestID()
		user, _, _ := r.BasicAuth()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		entry := auditEntry{
			RequestID: requestID,
			Method:    r.Method,
			Path:      r.URL.Path,
			User:      user,
			Status:    rec.status,
			Duration:  time.Since(start).String(),
		}

		auditLogger.Info("admin API mutation",
			"request_id", entry.RequestID,
			"method", entry.Method,
			"path", entry.Path,
			"user", entry.User,
			"status", entry.Status,
			"duration", entry.Duration,
		)

		if recorder != nil {
			payload, err := json.Marshal(entry)
			if err != nil {
				return
			}
			if _, err := recorder.Append(r.Context(), auditOrigin, "admin_mutation", payload, requestID); err != nil {
				auditLogger.Warn("failed to persist audit entry", "request_id", requestID, "error", err)
			}
		}
	})
}
