package storage

import (
	"context"
	"errors"
	"sync"

	"notesync/internal/model"
)

// ErrWorkerClosed is returned for requests submitted after Close.
var ErrWorkerClosed = errors.New("storage worker closed")

type request struct {
	ctx    context.Context
	fn     func(ctx context.Context, s *Store) error
	result chan error
}

// Worker serializes every storage request on a single goroutine. All writers
// of the application go through one Worker, so no two writers ever mutate the
// same entity concurrently.
type Worker struct {
	store *Store

	reqs chan request
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewWorker starts the worker goroutine. Call Close to stop it.
func NewWorker(store *Store) *Worker {
	w := &Worker{
		store: store,
		reqs:  make(chan request),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case req := <-w.reqs:
			if err := req.ctx.Err(); err != nil {
				req.result <- err
				continue
			}
			req.result <- req.fn(req.ctx, w.store)
		}
	}
}

// Close stops the worker after the request in progress, if any.
func (w *Worker) Close() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
}

// Do runs fn on the worker goroutine and waits for its result.
func (w *Worker) Do(ctx context.Context, fn func(ctx context.Context, s *Store) error) error {
	req := request{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case w.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrWorkerClosed
	}
	select {
	case err := <-req.result:
		return err
	case <-w.done:
		// The loop may have answered just before exiting.
		select {
		case err := <-req.result:
			return err
		default:
			return ErrWorkerClosed
		}
	}
}

// FindByGUID looks an entity up by kind and server GUID.
func (w *Worker) FindByGUID(ctx context.Context, kind model.Kind, guid string) (*model.Entity, error) {
	var out *model.Entity
	err := w.Do(ctx, func(ctx context.Context, s *Store) error {
		var err error
		out, err = s.Entities.GetByGUID(ctx, kind, guid)
		return err
	})
	return out, err
}

// FindByLocalID looks an entity up by its local identifier.
func (w *Worker) FindByLocalID(ctx context.Context, localID string) (*model.Entity, error) {
	var out *model.Entity
	err := w.Do(ctx, func(ctx context.Context, s *Store) error {
		var err error
		out, err = s.Entities.GetByLocalID(ctx, localID)
		return err
	})
	return out, err
}

// ListDirty returns the dirty entities of a kind.
func (w *Worker) ListDirty(ctx context.Context, kind model.Kind) ([]model.Entity, error) {
	var out []model.Entity
	err := w.Do(ctx, func(ctx context.Context, s *Store) error {
		var err error
		out, err = s.Entities.ListDirty(ctx, kind)
		return err
	})
	return out, err
}

// ListByKind returns the entities of a kind.
func (w *Worker) ListByKind(ctx context.Context, kind model.Kind, includeDeleted bool) ([]model.Entity, error) {
	var out []model.Entity
	err := w.Do(ctx, func(ctx context.Context, s *Store) error {
		var err error
		out, err = s.Entities.ListByKind(ctx, kind, includeDeleted)
		return err
	})
	return out, err
}

// ListSinceUSN returns the entities of a kind above afterUSN.
func (w *Worker) ListSinceUSN(ctx context.Context, kind model.Kind, afterUSN int64) ([]model.Entity, error) {
	var out []model.Entity
	err := w.Do(ctx, func(ctx context.Context, s *Store) error {
		var err error
		out, err = s.Entities.ListSinceUSN(ctx, kind, afterUSN)
		return err
	})
	return out, err
}

// Put inserts or replaces one entity and returns it with its local ID set.
func (w *Worker) Put(ctx context.Context, e model.Entity) (model.Entity, error) {
	err := w.Do(ctx, func(ctx context.Context, s *Store) error {
		return s.Entities.Upsert(ctx, &e)
	})
	return e, err
}

// PutMany upserts several entities in one transaction.
func (w *Worker) PutMany(ctx context.Context, es []model.Entity) error {
	return w.Do(ctx, func(ctx context.Context, s *Store) error {
		return s.PutMany(ctx, es)
	})
}

// Delete physically removes an entity.
func (w *Worker) Delete(ctx context.Context, localID string) error {
	return w.Do(ctx, func(ctx context.Context, s *Store) error {
		return s.Entities.Delete(ctx, localID)
	})
}

// ApplyBatch commits a pulled batch together with its watermark and returns
// the entities left alone because they were edited locally.
func (w *Worker) ApplyBatch(ctx context.Context, kind model.Kind, muts []Mutation, watermark int64) ([]model.Entity, error) {
	var skipped []model.Entity
	err := w.Do(ctx, func(ctx context.Context, s *Store) error {
		var err error
		skipped, err = s.ApplyBatch(ctx, kind, muts, watermark)
		return err
	})
	return skipped, err
}

// ResolveConflict settles a conflict against the current stored row.
func (w *Worker) ResolveConflict(ctx context.Context, localID string, resolve func(cur model.Entity) []model.Entity) ([]model.Entity, error) {
	var out []model.Entity
	err := w.Do(ctx, func(ctx context.Context, s *Store) error {
		var err error
		out, err = s.ResolveConflict(ctx, localID, resolve)
		return err
	})
	return out, err
}

// ConfirmPush records a push accepted by the service.
func (w *Worker) ConfirmPush(ctx context.Context, sent, accepted model.Entity) (model.Entity, error) {
	var out model.Entity
	err := w.Do(ctx, func(ctx context.Context, s *Store) error {
		var err error
		out, err = s.ConfirmPush(ctx, sent, accepted)
		return err
	})
	return out, err
}

// Watermark returns the committed watermark of a kind.
func (w *Worker) Watermark(ctx context.Context, kind model.Kind) (int64, error) {
	var out int64
	err := w.Do(ctx, func(ctx context.Context, s *Store) error {
		var err error
		out, err = s.SyncState.Watermark(ctx, kind)
		return err
	})
	return out, err
}

// Watermarks returns every committed watermark.
func (w *Worker) Watermarks(ctx context.Context) (map[model.Kind]int64, error) {
	var out map[model.Kind]int64
	err := w.Do(ctx, func(ctx context.Context, s *Store) error {
		var err error
		out, err = s.SyncState.All(ctx)
		return err
	})
	return out, err
}

// ResetWatermarks forces the next pull to start from USN 0.
func (w *Worker) ResetWatermarks(ctx context.Context) error {
	return w.Do(ctx, func(ctx context.Context, s *Store) error {
		return s.SyncState.Reset(ctx)
	})
}
