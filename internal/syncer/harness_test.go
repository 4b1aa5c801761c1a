package syncer

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notesync/internal/cache"
	"notesync/internal/model"
	"notesync/internal/ratelimit/ratelimittest"
	"notesync/internal/remote/remotetest"
	"notesync/internal/storage"
)

var testStart = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// recorder collects every event delivered to its subscription.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) count(typ EventType) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) last(typ EventType) (Event, bool) {
	evs := r.all()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == typ {
			return evs[i], true
		}
	}
	return Event{}, false
}

// types lists the event types in delivery order, skipping progress and
// state changes.
func (r *recorder) types() []EventType {
	var out []EventType
	for _, ev := range r.all() {
		if ev.Type != EventProgress && ev.Type != EventStateChanged {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (r *recorder) states() []State {
	var out []State
	for _, ev := range r.all() {
		if ev.Type == EventStateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}

type harness struct {
	t      *testing.T
	store  *storage.Worker
	server *remotetest.Server
	clock  *ratelimittest.Clock
	mgr    *Manager
	events *recorder
}

// newTestStore opens a migrated database under t.TempDir behind a worker.
func newTestStore(t *testing.T) *storage.Worker {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, storage.Migrate(db))

	worker := storage.NewWorker(storage.NewStore(db))
	t.Cleanup(worker.Close)
	return worker
}

func newHarness(t *testing.T, tweak ...func(o *Options)) *harness {
	t.Helper()
	return newHarnessWithStore(t, func(w *storage.Worker) LocalStore { return w }, tweak...)
}

// newHarnessWithStore lets a test place wrap between the engine and the
// storage worker. The harness itself keeps using the worker directly.
func newHarnessWithStore(t *testing.T, wrap func(w *storage.Worker) LocalStore, tweak ...func(o *Options)) *harness {
	t.Helper()

	worker := newTestStore(t)
	clock := ratelimittest.NewClock(testStart)
	opts := Options{
		PageSize:       2,
		CallTimeout:    5 * time.Second,
		MaxAttempts:    3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     4 * time.Millisecond,
		Clock:          clock,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range tweak {
		fn(&opts)
	}

	server := remotetest.NewServer()
	mgr := NewManager(wrap(worker), server, cache.NewManager(16), nil, opts)
	events := &recorder{}
	unsubscribe := mgr.Subscribe(events.record)

	t.Cleanup(func() {
		mgr.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Wait(ctx)
		unsubscribe()
	})

	return &harness{t: t, store: worker, server: server, clock: clock, mgr: mgr, events: events}
}

// sync runs Synchronize and waits for the run goroutine to exit.
func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.mgr.Synchronize())
	h.wait()
}

func (h *harness) wait() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(h.t, h.mgr.Wait(ctx))
}

// eventually waits until n events of typ have been delivered.
func (h *harness) eventually(typ EventType, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.events.count(typ) >= n },
		5*time.Second, time.Millisecond, "waiting for %d %s events", n, typ)
}

func (h *harness) remoteNotebook(name string) model.Entity {
	return h.server.Put(model.Entity{Kind: model.KindNotebook, Name: name, Updated: testStart})
}

func (h *harness) remoteNote(notebookGUID, title, content string) model.Entity {
	return h.server.Put(model.Entity{
		Kind:       model.KindNote,
		Name:       title,
		Content:    content,
		ParentGUID: notebookGUID,
		Updated:    testStart,
	})
}

func (h *harness) local(e model.Entity) model.Entity {
	h.t.Helper()
	out, err := h.store.Put(context.Background(), e)
	require.NoError(h.t, err)
	return out
}

func (h *harness) byGUID(kind model.Kind, guid string) model.Entity {
	h.t.Helper()
	e, err := h.store.FindByGUID(context.Background(), kind, guid)
	require.NoError(h.t, err)
	return *e
}

func (h *harness) byLocalID(id string) model.Entity {
	h.t.Helper()
	e, err := h.store.FindByLocalID(context.Background(), id)
	require.NoError(h.t, err)
	return *e
}

func (h *harness) localAll(kind model.Kind) []model.Entity {
	h.t.Helper()
	es, err := h.store.ListByKind(context.Background(), kind, true)
	require.NoError(h.t, err)
	return es
}

func (h *harness) watermark(kind model.Kind) int64 {
	h.t.Helper()
	usn, err := h.store.Watermark(context.Background(), kind)
	require.NoError(h.t, err)
	return usn
}

// hookedStore runs a hook before selected storage requests of the engine,
// standing in for another client of the same worker.
type hookedStore struct {
	*storage.Worker

	mu            sync.Mutex
	beforeApply   func(kind model.Kind)
	beforeConfirm func(sent model.Entity)
}

func (s *hookedStore) ApplyBatch(ctx context.Context, kind model.Kind, muts []storage.Mutation, watermark int64) ([]model.Entity, error) {
	s.mu.Lock()
	hook := s.beforeApply
	s.mu.Unlock()
	if hook != nil {
		hook(kind)
	}
	return s.Worker.ApplyBatch(ctx, kind, muts, watermark)
}

func (s *hookedStore) ConfirmPush(ctx context.Context, sent, accepted model.Entity) (model.Entity, error) {
	s.mu.Lock()
	hook := s.beforeConfirm
	s.mu.Unlock()
	if hook != nil {
		hook(sent)
	}
	return s.Worker.ConfirmPush(ctx, sent, accepted)
}

func newHookedHarness(t *testing.T) (*harness, *hookedStore) {
	t.Helper()
	hooked := &hookedStore{}
	h := newHarnessWithStore(t, func(w *storage.Worker) LocalStore {
		hooked.Worker = w
		return hooked
	})
	return h, hooked
}
