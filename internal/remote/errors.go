package remote

import (
	"errors"
	"fmt"

	"notesync/internal/model"
)

var (
	// ErrTransient is returned for timeouts, connection failures and server errors.
	ErrTransient = errors.New("transient remote failure")
	// ErrAuthExpired is returned when the service rejects the credentials.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrProtocol is returned for malformed or unexpected responses.
	ErrProtocol = errors.New("remote protocol violation")
	// ErrNotFound is returned when the requested entity does not exist remotely.
	ErrNotFound = errors.New("remote entity not found")
)

// RateLimitError is returned when the service throttles the account.
type RateLimitError struct {
	Seconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit reached, retry after %d seconds", e.Seconds)
}

// ConflictError is returned when an update was based on an outdated USN.
// Remote holds the server's current version when the service sent it.
type ConflictError struct {
	Kind   model.Kind
	GUID   string
	Remote *model.Entity
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("update conflict on %s %s", e.Kind, e.GUID)
}

// IsRetryable reports whether the same call may succeed if repeated.
func IsRetryable(err error) bool {
	var rl *RateLimitError
	return errors.Is(err, ErrTransient) || errors.As(err, &rl)
}
