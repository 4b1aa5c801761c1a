package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"notesync/internal/contextutil"
	"notesync/internal/model"
	"notesync/internal/syncer"
)

// StoreProbe is satisfied by storage.Worker. A successful call proves the
// database is open and its worker goroutine is serving requests.
type StoreProbe interface {
	Watermarks(ctx context.Context) (map[model.Kind]int64, error)
}

// HealthHandler handles HTTP requests for health checks.
type HealthHandler struct {
	store              StoreProbe
	sync               SyncController
	healthCheckTimeout time.Duration
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(store StoreProbe, sync SyncController) *HealthHandler {
	return &HealthHandler{
		store:              store,
		sync:               sync,
		healthCheckTimeout: 5 * time.Second,
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	// Overall health status: "healthy", "degraded", or "unhealthy"
	Status string `json:"status"`

	// Timestamp of the health check
	Timestamp string `json:"timestamp"`

	// Individual check results
	Checks map[string]string `json:"checks"`

	// Current synchronization state
	SyncState syncer.State `json:"sync_state"`

	// List of issues (only present if status is degraded or unhealthy)
	Issues []string `json:"issues,omitempty"`
}

// ServeHTTP reports 200 when local storage answers. A failed last run or a
// run waiting for authentication degrades the status but keeps 200; an
// unreachable store answers 503.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	checkCtx, cancel := context.WithTimeout(ctx, h.healthCheckTimeout)
	defer cancel()

	checks := make(map[string]string)
	var issues []string
	httpStatus := http.StatusOK
	status := "healthy"

	if h.checkStore(checkCtx, logger) {
		checks["storage"] = "ok"
	} else {
		checks["storage"] = "error"
		issues = append(issues, "storage_unavailable")
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	snap := h.sync.Snapshot()
	switch snap.State {
	case syncer.StateFailed:
		checks["sync"] = "failed"
		issues = append(issues, "last_sync_failed")
	case syncer.StatePausedPendingAuth:
		checks["sync"] = "pending_auth"
		issues = append(issues, "authentication_required")
	default:
		checks["sync"] = "ok"
	}
	if status == "healthy" && len(issues) > 0 {
		status = "degraded"
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		SyncState: snap.State,
		Issues:    issues,
	}
	writeJSON(w, r, httpStatus, response)
}

func (h *HealthHandler) checkStore(ctx context.Context, logger *slog.Logger) bool {
	if _, err := h.store.Watermarks(ctx); err != nil {
		logger.WarnContext(ctx, "storage health check failed", "error", err)
		return false
	}
	return true
}
