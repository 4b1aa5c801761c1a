package syncer

import (
	"errors"
	"fmt"

	"notesync/internal/remote"
)

var (
	// ErrAlreadyRunning is returned by Synchronize while a run is active or paused.
	ErrAlreadyRunning = errors.New("synchronization already in progress")
	// ErrNotPaused is returned by Resume when there is nothing to resume.
	ErrNotPaused = errors.New("synchronization is not paused")
	// ErrNotActive is returned by Pause outside the two active phases.
	ErrNotActive = errors.New("synchronization is not active")

	// errPauseRequested unwinds the run goroutine at a checkpoint.
	errPauseRequested = errors.New("pause requested")
)

// StorageError is a local storage failure. It is fatal for the run; what
// was committed before it stays valid.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("local storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// RetryExhaustedError is returned when a remote call kept failing
// transiently for every allowed attempt.
type RetryExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// Describe turns a run failure into the human-readable description carried
// by the failed event.
func Describe(err error) string {
	var (
		storage   *StorageError
		exhausted *RetryExhaustedError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &storage):
		return fmt.Sprintf("Local storage failed while trying to %s: %v", storage.Op, storage.Err)
	case errors.As(err, &exhausted):
		return fmt.Sprintf("The note service could not be reached (%s, %d attempts): %v",
			exhausted.Op, exhausted.Attempts, exhausted.Err)
	case errors.Is(err, remote.ErrProtocol):
		return fmt.Sprintf("The note service sent an unexpected response: %v", err)
	case errors.Is(err, remote.ErrAuthExpired):
		return "The note service rejected the credentials; sign in again and resume."
	default:
		return fmt.Sprintf("Synchronization failed: %v", err)
	}
}
