// Package remotetest provides an in-memory note service for tests. A Server
// implements remote.Client directly and also serves the JSON/HTTP protocol,
// so the same fake backs engine tests and HTTP client tests.
package remotetest

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"notesync/internal/model"
	"notesync/internal/remote"
)

// Op names a remote call for fault injection and call counting.
type Op string

const (
	OpSyncState       Op = "SyncState"
	OpRateLimitStatus Op = "RateLimitStatus"
	OpListChanges     Op = "ListChanges"
	OpCreate          Op = "Create"
	OpUpdate          Op = "Update"
	OpGet             Op = "Get"
)

// BeforeCallFunc runs before every call outside the server lock. A non-nil
// error is returned to the caller instead of executing the call.
type BeforeCallFunc func(ctx context.Context, op Op) error

type expunge struct {
	kind model.Kind
	guid string
	usn  int64
}

// Server is an in-memory single-account note service.
type Server struct {
	mu       sync.Mutex
	usn      int64
	entities map[model.Kind]map[string]model.Entity
	expunged []expunge

	faults    map[Op][]error
	calls     map[Op]int
	before    BeforeCallFunc
	retryWait int
	token     string
}

var _ remote.Client = (*Server)(nil)

// NewServer creates an empty service.
func NewServer() *Server {
	return &Server{
		entities: make(map[model.Kind]map[string]model.Entity),
		faults:   make(map[Op][]error),
		calls:    make(map[Op]int),
	}
}

// Fail queues errors returned by the next calls of op, one per call.
func (s *Server) Fail(op Op, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], errs...)
}

// SetBeforeCall installs a hook run before every call.
func (s *Server) SetBeforeCall(fn BeforeCallFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.before = fn
}

// SetRateLimitStatus sets the value reported by RateLimitStatus.
func (s *Server) SetRateLimitStatus(seconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryWait = seconds
}

// RequireToken makes the HTTP handler reject requests without this bearer token.
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// Calls returns how many times op was invoked, failed calls included.
func (s *Server) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// USN returns the account's highest assigned USN.
func (s *Server) USN() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usn
}

// Put stores e as a server-side edit, assigning a GUID when missing and a
// fresh USN. It returns the stored version.
func (s *Server) Put(e model.Entity) model.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(e)
}

// Delete turns an entity into a tombstone with a fresh USN.
func (s *Server) Delete(kind model.Kind, guid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[kind][guid]
	if !ok {
		return false
	}
	e.Deleted = true
	s.put(e)
	return true
}

// Expunge purges an entity from the account.
func (s *Server) Expunge(kind model.Kind, guid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[kind][guid]; !ok {
		return false
	}
	delete(s.entities[kind], guid)
	s.usn++
	s.expunged = append(s.expunged, expunge{kind: kind, guid: guid, usn: s.usn})
	return true
}

// Entity returns the stored version of an entity.
func (s *Server) Entity(kind model.Kind, guid string) (model.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[kind][guid]
	return e.Clone(), ok
}

// Entities returns every stored entity of kind, tombstones included, by USN.
func (s *Server) Entities(kind model.Kind) []model.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Entity, 0, len(s.entities[kind]))
	for _, e := range s.entities[kind] {
		out = append(out, e.Clone())
	}
	slices.SortFunc(out, func(a, b model.Entity) int { return cmp.Compare(a.USN, b.USN) })
	return out
}

// SyncState implements remote.Client.
func (s *Server) SyncState(ctx context.Context) (remote.SyncState, error) {
	if err := s.call(ctx, OpSyncState); err != nil {
		return remote.SyncState{}, err
	}
	return remote.SyncState{UpdateCount: s.USN(), CurrentTime: time.Now().UTC()}, nil
}

// RateLimitStatus implements remote.Client.
func (s *Server) RateLimitStatus(ctx context.Context) (remote.RateLimitStatus, error) {
	if err := s.call(ctx, OpRateLimitStatus); err != nil {
		return remote.RateLimitStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return remote.RateLimitStatus{RetryAfterSeconds: s.retryWait}, nil
}

// ListChanges implements remote.Client.
func (s *Server) ListChanges(ctx context.Context, kind model.Kind, afterUSN int64, limit int) (remote.ChangeBatch, error) {
	if err := s.call(ctx, OpListChanges); err != nil {
		return remote.ChangeBatch{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type item struct {
		usn    int64
		entity *model.Entity
		guid   string
	}
	var items []item
	for _, e := range s.entities[kind] {
		if e.USN > afterUSN {
			c := e.Clone()
			items = append(items, item{usn: e.USN, entity: &c})
		}
	}
	for _, x := range s.expunged {
		if x.kind == kind && x.usn > afterUSN {
			items = append(items, item{usn: x.usn, guid: x.guid})
		}
	}
	slices.SortFunc(items, func(a, b item) int { return cmp.Compare(a.usn, b.usn) })

	batch := remote.ChangeBatch{HighUSN: afterUSN}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
		batch.More = true
	}
	for _, it := range items {
		if it.entity != nil {
			batch.Entities = append(batch.Entities, *it.entity)
		} else {
			batch.Expunged = append(batch.Expunged, it.guid)
		}
		batch.HighUSN = it.usn
	}
	return batch, nil
}

// Create implements remote.Client.
func (s *Server) Create(ctx context.Context, e model.Entity) (model.Entity, error) {
	if err := s.call(ctx, OpCreate); err != nil {
		return model.Entity{}, err
	}
	if e.GUID != "" {
		return model.Entity{}, fmt.Errorf("%w: create of %s with guid %s", remote.ErrProtocol, e.Kind, e.GUID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(e), nil
}

// Update implements remote.Client. The update is rejected with a
// *remote.ConflictError when e.USN is not the stored USN.
func (s *Server) Update(ctx context.Context, e model.Entity) (model.Entity, error) {
	if err := s.call(ctx, OpUpdate); err != nil {
		return model.Entity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.entities[e.Kind][e.GUID]
	if !ok {
		return model.Entity{}, remote.ErrNotFound
	}
	if stored.USN != e.USN {
		current := stored.Clone()
		return model.Entity{}, &remote.ConflictError{Kind: e.Kind, GUID: e.GUID, Remote: &current}
	}
	return s.put(e), nil
}

// Get implements remote.Client.
func (s *Server) Get(ctx context.Context, kind model.Kind, guid string) (model.Entity, error) {
	if err := s.call(ctx, OpGet); err != nil {
		return model.Entity{}, err
	}
	e, ok := s.Entity(kind, guid)
	if !ok {
		return model.Entity{}, remote.ErrNotFound
	}
	return e, nil
}

func (s *Server) call(ctx context.Context, op Op) error {
	s.mu.Lock()
	s.calls[op]++
	hook := s.before
	var fault error
	if q := s.faults[op]; len(q) > 0 {
		fault = q[0]
		s.faults[op] = q[1:]
	}
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, op); err != nil {
			return err
		}
	}
	if fault != nil {
		return fault
	}
	return ctx.Err()
}

// put stores a server-side copy of e. Callers hold s.mu.
func (s *Server) put(e model.Entity) model.Entity {
	stored := e.Clone()
	stored.LocalID = ""
	stored.ParentLocalID = ""
	stored.TagLocalIDs = nil
	stored.Dirty = false
	stored.BaseHash = ""
	if stored.GUID == "" {
		stored.GUID = uuid.New().String()
	}
	if stored.Updated.IsZero() {
		stored.Updated = time.Now().UTC()
	}
	s.usn++
	stored.USN = s.usn

	if s.entities[stored.Kind] == nil {
		s.entities[stored.Kind] = make(map[string]model.Entity)
	}
	s.entities[stored.Kind][stored.GUID] = stored
	return stored.Clone()
}
