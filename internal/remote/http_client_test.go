package remote_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"notesync/internal/model"
	"notesync/internal/remote"
	"notesync/internal/remote/remotetest"
)

func newTestClient(t *testing.T) (*remote.HTTPClient, *remotetest.Server) {
	t.Helper()
	srv := remotetest.NewServer()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return remote.NewHTTPClient(ts.URL, "secret"), srv
}

func TestNewHTTPClient(t *testing.T) {
	client := remote.NewHTTPClient("http://localhost:9000", "test-token")
	if client == nil {
		t.Fatal("NewHTTPClient() returned nil")
	}
	if client.BaseURL != "http://localhost:9000" {
		t.Errorf("NewHTTPClient() BaseURL = %v, want http://localhost:9000", client.BaseURL)
	}
	if client.Token != "test-token" {
		t.Errorf("NewHTTPClient() Token = %v, want test-token", client.Token)
	}
}

func TestHTTPClient_CreateUpdateGet(t *testing.T) {
	client, srv := newTestClient(t)
	srv.RequireToken("secret")
	ctx := context.Background()

	nb := model.New(model.KindNotebook, "Inbox")
	created, err := client.Create(ctx, nb)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.GUID == "" || created.USN != 1 {
		t.Errorf("Create() = %+v, want guid and usn 1", created)
	}
	if created.LocalID != "" {
		t.Errorf("Create() leaked local id %q", created.LocalID)
	}

	created.Name = "Inbox (renamed)"
	updated, err := client.Update(ctx, created)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.USN != 2 || updated.Name != "Inbox (renamed)" {
		t.Errorf("Update() = %+v", updated)
	}

	got, err := client.Get(ctx, model.KindNotebook, created.GUID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "Inbox (renamed)" {
		t.Errorf("Get() name = %q", got.Name)
	}

	if _, err := client.Get(ctx, model.KindNotebook, "missing"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestHTTPClient_UpdateConflict(t *testing.T) {
	client, srv := newTestClient(t)
	ctx := context.Background()

	stored := srv.Put(model.Entity{Kind: model.KindNote, Name: "A-remote", ParentGUID: "nb"})
	srv.Put(stored) // bump the USN behind the client's back

	stale := stored
	stale.Name = "A-local"
	_, err := client.Update(ctx, stale)

	var conflict *remote.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Update() error = %v, want *ConflictError", err)
	}
	if conflict.GUID != stored.GUID || conflict.Kind != model.KindNote {
		t.Errorf("ConflictError = %+v", conflict)
	}
	if conflict.Remote == nil || conflict.Remote.Name != "A-remote" || conflict.Remote.USN != 2 {
		t.Errorf("ConflictError.Remote = %+v", conflict.Remote)
	}
}

func TestHTTPClient_ListChanges(t *testing.T) {
	client, srv := newTestClient(t)
	ctx := context.Background()

	a := srv.Put(model.Entity{Kind: model.KindTag, Name: "a"})
	srv.Put(model.Entity{Kind: model.KindNotebook, Name: "ignored"})
	b := srv.Put(model.Entity{Kind: model.KindTag, Name: "b"})
	srv.Expunge(model.KindTag, a.GUID)

	// a was purged, so the tag changes are b (usn 3) and the expunge (usn 4).
	page, err := client.ListChanges(ctx, model.KindTag, 0, 1)
	if err != nil {
		t.Fatalf("ListChanges() error = %v", err)
	}
	if !page.More || len(page.Entities) != 1 || page.Entities[0].GUID != b.GUID || page.HighUSN != 3 {
		t.Errorf("first page = %+v", page)
	}

	page, err = client.ListChanges(ctx, model.KindTag, page.HighUSN, 10)
	if err != nil {
		t.Fatalf("ListChanges() error = %v", err)
	}
	if page.More {
		t.Error("second page More = true, want false")
	}
	if len(page.Entities) != 0 {
		t.Errorf("second page entities = %+v", page.Entities)
	}
	if len(page.Expunged) != 1 || page.Expunged[0] != a.GUID {
		t.Errorf("second page expunged = %v", page.Expunged)
	}
	if page.HighUSN != 4 {
		t.Errorf("second page HighUSN = %d, want 4", page.HighUSN)
	}

	page, err = client.ListChanges(ctx, model.KindTag, 4, 10)
	if err != nil {
		t.Fatalf("ListChanges() error = %v", err)
	}
	if len(page.Entities) != 0 || page.HighUSN != 4 || page.More {
		t.Errorf("empty page = %+v", page)
	}
}

func TestHTTPClient_SyncStateAndRateLimitStatus(t *testing.T) {
	client, srv := newTestClient(t)
	ctx := context.Background()

	srv.Put(model.Entity{Kind: model.KindTag, Name: "a"})
	srv.SetRateLimitStatus(12)

	st, err := client.SyncState(ctx)
	if err != nil {
		t.Fatalf("SyncState() error = %v", err)
	}
	if st.UpdateCount != 1 {
		t.Errorf("SyncState().UpdateCount = %d, want 1", st.UpdateCount)
	}

	rl, err := client.RateLimitStatus(ctx)
	if err != nil {
		t.Fatalf("RateLimitStatus() error = %v", err)
	}
	if rl.RetryAfterSeconds != 12 {
		t.Errorf("RateLimitStatus() = %d, want 12", rl.RetryAfterSeconds)
	}
}

func TestHTTPClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		inject error
		check  func(t *testing.T, err error)
	}{
		{
			name:   "rate limit",
			inject: &remote.RateLimitError{Seconds: 30},
			check: func(t *testing.T, err error) {
				var rl *remote.RateLimitError
				if !errors.As(err, &rl) || rl.Seconds != 30 {
					t.Errorf("error = %v, want RateLimitError{30}", err)
				}
				if !remote.IsRetryable(err) {
					t.Error("rate limit should be retryable")
				}
			},
		},
		{
			name:   "auth expired",
			inject: remote.ErrAuthExpired,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, remote.ErrAuthExpired) {
					t.Errorf("error = %v, want ErrAuthExpired", err)
				}
				if remote.IsRetryable(err) {
					t.Error("auth expiry should not be retryable")
				}
			},
		},
		{
			name:   "server error",
			inject: remote.ErrTransient,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, remote.ErrTransient) {
					t.Errorf("error = %v, want ErrTransient", err)
				}
			},
		},
		{
			name:   "bad request",
			inject: remote.ErrProtocol,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, remote.ErrProtocol) {
					t.Errorf("error = %v, want ErrProtocol", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, srv := newTestClient(t)
			srv.Fail(remotetest.OpSyncState, tt.inject)
			_, err := client.SyncState(context.Background())
			tt.check(t, err)
		})
	}
}

func TestHTTPClient_MissingToken(t *testing.T) {
	srv := remotetest.NewServer()
	srv.RequireToken("secret")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := remote.NewHTTPClient(ts.URL, "wrong")
	if _, err := client.SyncState(context.Background()); !errors.Is(err, remote.ErrAuthExpired) {
		t.Errorf("SyncState() error = %v, want ErrAuthExpired", err)
	}
}

func TestHTTPClient_MalformedResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{not json"))
	}))
	defer ts.Close()

	client := remote.NewHTTPClient(ts.URL, "")
	if _, err := client.SyncState(context.Background()); !errors.Is(err, remote.ErrProtocol) {
		t.Errorf("SyncState() error = %v, want ErrProtocol", err)
	}
}

func TestHTTPClient_RetryAfterHeader(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := remote.NewHTTPClient(ts.URL, "")
	_, err := client.ListChanges(context.Background(), model.KindNote, 0, 10)
	var rl *remote.RateLimitError
	if !errors.As(err, &rl) || rl.Seconds != 7 {
		t.Errorf("ListChanges() error = %v, want RateLimitError{7}", err)
	}
}

func TestHTTPClient_Timeouts(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	client := remote.NewHTTPClient(ts.URL, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.SyncState(ctx); !errors.Is(err, remote.ErrTransient) {
		t.Errorf("SyncState() after deadline error = %v, want ErrTransient", err)
	}

	ctx, cancel = context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := client.SyncState(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("SyncState() after cancel error = %v, want context.Canceled", err)
	}
}
