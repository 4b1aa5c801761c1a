package remote

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_client.go -package=mocks notesync/internal/remote Client

import (
	"context"
	"time"

	"notesync/internal/model"
)

// SyncState summarizes the account on the remote service.
type SyncState struct {
	// UpdateCount is the highest USN assigned in the account.
	UpdateCount int64     `json:"update_count"`
	CurrentTime time.Time `json:"current_time"`
}

// RateLimitStatus reports whether the account is currently throttled.
type RateLimitStatus struct {
	RetryAfterSeconds int `json:"retry_after_seconds"`
}

// ChangeBatch is one page of changes of a single kind, in ascending USN order.
type ChangeBatch struct {
	Entities []model.Entity
	// Expunged lists GUIDs purged from the account since the requested USN.
	Expunged []string
	// HighUSN is the highest USN covered by the page, entities and
	// expunges included. It equals the requested USN for an empty page.
	HighUSN int64
	More    bool
}

// Client is the remote note service. Implementations return the error
// taxonomy of this package so callers can classify failures with errors.Is
// and errors.As.
type Client interface {
	SyncState(ctx context.Context) (SyncState, error)
	RateLimitStatus(ctx context.Context) (RateLimitStatus, error)
	ListChanges(ctx context.Context, kind model.Kind, afterUSN int64, limit int) (ChangeBatch, error)
	// Create registers a local-only entity and returns the server's version
	// carrying the assigned GUID and USN.
	Create(ctx context.Context, e model.Entity) (model.Entity, error)
	// Update sends a new version of an entity. e.USN must be the USN the
	// change was based on; a mismatch yields a *ConflictError.
	Update(ctx context.Context, e model.Entity) (model.Entity, error)
	Get(ctx context.Context, kind model.Kind, guid string) (model.Entity, error)
}
