package handlers

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_sync_controller.go -package=mocks notesync/internal/handlers SyncController

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"notesync/internal/contextutil"
	"notesync/internal/syncer"
)

// SyncController is the part of syncer.Manager the HTTP layer drives.
type SyncController interface {
	Synchronize() error
	Pause() error
	Resume() error
	Stop()
	Snapshot() syncer.Snapshot
	Subscribe(fn syncer.Subscriber) func()
}

var _ SyncController = (*syncer.Manager)(nil)

// SyncHandler serves the synchronization control endpoints.
type SyncHandler struct {
	sync SyncController
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(sync SyncController) *SyncHandler {
	return &SyncHandler{sync: sync}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	// State is the synchronization state at the time of the error.
	State syncer.State `json:"state"`
}

// Start handles POST /api/sync. It answers 202 with the snapshot of the new
// run, or 409 when a run is already active or paused.
func (h *SyncHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "start", h.sync.Synchronize)
}

// Pause handles POST /api/sync/pause.
func (h *SyncHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "pause", h.sync.Pause)
}

// Resume handles POST /api/sync/resume.
func (h *SyncHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "resume", h.sync.Resume)
}

// Stop handles POST /api/sync/stop. Stopping is always accepted.
func (h *SyncHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "stop", func() error {
		h.sync.Stop()
		return nil
	})
}

// Status handles GET /api/sync/status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.sync.Snapshot())
}

func (h *SyncHandler) command(w http.ResponseWriter, r *http.Request, name string, fn func() error) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	if err := fn(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, syncer.ErrAlreadyRunning) ||
			errors.Is(err, syncer.ErrNotActive) ||
			errors.Is(err, syncer.ErrNotPaused) {
			status = http.StatusConflict
		}
		logger.WarnContext(ctx, "sync command rejected", "command", name, "error", err)
		writeJSON(w, r, status, ErrorResponse{Error: err.Error(), State: h.sync.Snapshot().State})
		return
	}

	logger.InfoContext(ctx, "sync command accepted", "command", name)
	writeJSON(w, r, http.StatusAccepted, h.sync.Snapshot())
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := contextutil.LoggerFromContextOr(r.Context(), slog.Default())
		logger.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}
