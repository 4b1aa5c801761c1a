package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/mock/gomock"

	"notesync/internal/handlers/mocks"
	"notesync/internal/model"
	"notesync/internal/syncer"
)

type fakeStore struct{}

func (fakeStore) Watermarks(context.Context) (map[model.Kind]int64, error) {
	return map[model.Kind]int64{}, nil
}

func newTestRouter(t *testing.T) (http.Handler, *mocks.MockSyncController) {
	t.Helper()
	ctrl := gomock.NewController(t)
	mockSync := mocks.NewMockSyncController(ctrl)
	mockSync.EXPECT().Snapshot().Return(syncer.Snapshot{State: syncer.StateIdle}).AnyTimes()

	router := NewRouter(&Deps{Sync: mockSync, Store: fakeStore{}})
	if router == nil {
		t.Fatal("NewRouter() returned nil")
	}
	return router, mockSync
}

func TestRouter_Routes(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		setupMock  func(m *mocks.MockSyncController)
		wantStatus int
	}{
		{
			name:       "GET /api/health",
			method:     http.MethodGet,
			path:       "/api/health",
			wantStatus: http.StatusOK,
		},
		{
			name:       "GET /api/sync/status",
			method:     http.MethodGet,
			path:       "/api/sync/status",
			wantStatus: http.StatusOK,
		},
		{
			name:   "POST /api/sync",
			method: http.MethodPost,
			path:   "/api/sync",
			setupMock: func(m *mocks.MockSyncController) {
				m.EXPECT().Synchronize().Return(nil)
			},
			wantStatus: http.StatusAccepted,
		},
		{
			name:   "POST /api/sync/pause",
			method: http.MethodPost,
			path:   "/api/sync/pause",
			setupMock: func(m *mocks.MockSyncController) {
				m.EXPECT().Pause().Return(syncer.ErrNotActive)
			},
			wantStatus: http.StatusConflict,
		},
		{
			name:   "POST /api/sync/resume",
			method: http.MethodPost,
			path:   "/api/sync/resume",
			setupMock: func(m *mocks.MockSyncController) {
				m.EXPECT().Resume().Return(nil)
			},
			wantStatus: http.StatusAccepted,
		},
		{
			name:   "POST /api/sync/stop",
			method: http.MethodPost,
			path:   "/api/sync/stop",
			setupMock: func(m *mocks.MockSyncController) {
				m.EXPECT().Stop()
			},
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "GET /api/sync/pause method not allowed",
			method:     http.MethodGet,
			path:       "/api/sync/pause",
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "GET /api/events without upgrade",
			method:     http.MethodGet,
			path:       "/api/events",
			wantStatus: http.StatusUpgradeRequired,
		},
		{
			name:       "unknown route",
			method:     http.MethodGet,
			path:       "/api/unknown",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, mockSync := newTestRouter(t)
			if tt.setupMock != nil {
				tt.setupMock(mockSync)
			}

			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Router %s %s status = %v, want %v", tt.method, tt.path, w.Code, tt.wantStatus)
			}
		})
	}
}

func TestRouter_MiddlewareApplied(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sync/status", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	// Check CORS headers are present
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("Router should apply CORS middleware")
	}
}
