package handler

// HEALTH CHECKS:
// Load balancers and orchestrators poll /healthz to decide whether to send
// traffic to this instance. The check pings the database because every
// useful request needs it: an instance that cannot reach its store should
// be taken out of rotation, not keep answering 500s.

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger is satisfied by the database handle (*sqldb.DB). Tests pass a stub
// that fails on demand.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves GET /healthz.
type HealthHandler struct {
	db     Pinger
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler that pings db.
func NewHealthHandler(db Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{db: db, logger: logger}
}

// HandleHealth reports whether the database answers.
//
// HTTP: GET /healthz
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	// A hung database must not hang the health check too.
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Error("health check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
