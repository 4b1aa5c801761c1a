package syncer

import (
	"context"
	"errors"
	"time"

	"notesync/internal/cache"
	"notesync/internal/contextutil"
	"notesync/internal/model"
	"notesync/internal/remote"
	"notesync/internal/storage"
)

// execution runs one segment of a run, from Synchronize or Resume until the
// run finishes, fails, pauses or is stopped.
type execution struct {
	m *Manager
	r *run
}

func (x *execution) drive(ctx context.Context) error {
	if !x.r.primed {
		if err := x.primeRateLimit(ctx); err != nil {
			return err
		}
		x.r.primed = true
	}

	for {
		switch x.r.phase {
		case StateRemoteToLocalSync:
			if err := x.pullAll(ctx); err != nil {
				return err
			}
			if x.r.repeated {
				x.m.reportProgress(x.r, "synchronization finished", 100)
				return nil
			}
			x.m.transition(x.r, StateSendingLocalChanges)

		case StateSendingLocalChanges:
			if err := x.sendAll(ctx); err != nil {
				return err
			}
			if x.r.stats.Duplicates > 0 && !x.r.repeated {
				x.r.repeated = true
				x.m.emitRunning(x.r, Event{Type: EventWillRepeatRemoteToLocalSync})
				x.m.transition(x.r, StateRemoteToLocalSync)
				continue
			}
			x.m.reportProgress(x.r, "synchronization finished", 100)
			return nil

		default:
			return errors.New("run is in no active phase")
		}
	}
}

// primeRateLimit asks the service whether the account is throttled before
// the first data call of a run.
func (x *execution) primeRateLimit(ctx context.Context) error {
	status, err := call(ctx, x, "query rate limit status", x.m.client.RateLimitStatus)
	if err != nil {
		return err
	}
	if status.RetryAfterSeconds > 0 {
		x.rateLimited(ctx, "query rate limit status", status.RetryAfterSeconds)
	}
	return nil
}

// checkpoint is a suspension point: it reports a stop as the context error
// and a pause request as errPauseRequested.
func (x *execution) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if x.m.pauseRequested() {
		return errPauseRequested
	}
	return nil
}

// sleep waits for d on the manager clock. It is interrupted by a stop or a
// pause request.
func (x *execution) sleep(ctx context.Context, d time.Duration) error {
	clock := x.m.opts.Clock
	deadline := clock.Now().Add(d)
	for {
		if err := x.checkpoint(ctx); err != nil {
			return err
		}
		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-x.m.pauseSignal():
			// A pause withdrawn by Resume before it took effect keeps waiting.
			if x.m.pauseRequested() {
				return errPauseRequested
			}
		case <-clock.After(remaining):
			return nil
		}
	}
}

// call issues one logical remote operation. It honors the rate limiter
// before every attempt, absorbs rate-limit answers by waiting and retrying,
// and retries transient failures with exponential backoff.
func call[T any](ctx context.Context, x *execution, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	logger := contextutil.LoggerFromContextOr(ctx, x.m.logger)
	opts := x.m.opts
	backoff := opts.BackoffInitial
	attempts := 0

	for {
		if err := x.checkpoint(ctx); err != nil {
			return zero, err
		}
		if d, waiting := x.m.limiter.WaitDuration(); waiting {
			logger.DebugContext(ctx, "waiting for rate limit", "op", op, "wait", d)
			if err := x.sleep(ctx, d); err != nil {
				return zero, err
			}
			continue
		}

		attempts++
		callCtx, cancel := context.WithTimeout(ctx, opts.CallTimeout)
		out, err := fn(callCtx)
		cancel()
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		var rl *remote.RateLimitError
		switch {
		case errors.As(err, &rl):
			attempts--
			x.rateLimited(ctx, op, rl.Seconds)
		case errors.Is(err, remote.ErrTransient), errors.Is(err, context.DeadlineExceeded):
			if attempts >= opts.MaxAttempts {
				return zero, &RetryExhaustedError{Op: op, Attempts: attempts, Err: err}
			}
			logger.WarnContext(ctx, "remote call failed, retrying",
				"op", op, "attempt", attempts, "backoff", backoff, "error", err)
			if err := x.sleep(ctx, backoff); err != nil {
				return zero, err
			}
			backoff = min(backoff*2, opts.BackoffMax)
		default:
			return zero, err
		}
	}
}

func (x *execution) rateLimited(ctx context.Context, op string, seconds int) {
	x.m.limiter.RecordRateLimitSignal(seconds)
	contextutil.LoggerFromContextOr(ctx, x.m.logger).WarnContext(ctx, "rate limit reached",
		"op", op, "seconds_to_wait", seconds)
	x.m.emitRunning(x.r, Event{Type: EventRateLimitExceeded, SecondsToWait: seconds})
}

// findByGUID returns the local entity bound to guid, or nil. Notes are
// looked up in the cache first.
func (x *execution) findByGUID(ctx context.Context, kind model.Kind, guid string) (*model.Entity, error) {
	if guid == "" {
		return nil, nil
	}
	if kind == model.KindNote {
		if n, ok := x.m.cache.FindNote(guid, cache.KeyGUID); ok {
			c := n.Clone()
			return &c, nil
		}
	}
	return x.loadByGUID(ctx, kind, guid)
}

// loadByGUID reads storage, bypassing the cache. Dirty checks use it.
func (x *execution) loadByGUID(ctx context.Context, kind model.Kind, guid string) (*model.Entity, error) {
	e, err := x.m.store.FindByGUID(ctx, kind, guid)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("look up "+kind.String()+" "+guid, err)
	}
	x.remember(*e)
	return e, nil
}

// findByLocalID returns the local entity with the given local ID, or nil.
// A cached note is used only when it is already bound to a GUID.
func (x *execution) findByLocalID(ctx context.Context, localID string) (*model.Entity, error) {
	if n, ok := x.m.cache.FindNote(localID, cache.KeyLocalID); ok && n.GUID != "" {
		c := n.Clone()
		return &c, nil
	}
	e, err := x.m.store.FindByLocalID(ctx, localID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("look up "+localID, err)
	}
	x.remember(*e)
	return e, nil
}

// remember mirrors a committed note into the cache.
func (x *execution) remember(e model.Entity) {
	if e.Kind != model.KindNote {
		return
	}
	if e.Deleted {
		x.m.cache.ExpungeNote(e)
		return
	}
	x.m.cache.CacheNote(e)
}

func (x *execution) forget(e model.Entity) {
	if e.Kind == model.KindNote {
		x.m.cache.ExpungeNote(e)
	}
}

// parentKind returns the kind referenced by ParentGUID of an entity of kind k.
func parentKind(k model.Kind) (model.Kind, bool) {
	switch k {
	case model.KindNote:
		return model.KindNotebook, true
	case model.KindResource:
		return model.KindNote, true
	}
	return 0, false
}

// bind turns a remote version into a local one: references by GUID are
// mapped to local IDs, the entity is clean and its base hash is set.
// References to entities missing locally keep only their GUID.
func (x *execution) bind(ctx context.Context, in model.Entity) (model.Entity, error) {
	out := in.Clone()
	out.Dirty = false
	out.ParentLocalID = ""
	out.TagLocalIDs = nil

	if pk, ok := parentKind(in.Kind); ok && in.ParentGUID != "" {
		p, err := x.findByGUID(ctx, pk, in.ParentGUID)
		if err != nil {
			return model.Entity{}, err
		}
		if p != nil {
			out.ParentLocalID = p.LocalID
		}
	}
	for _, guid := range in.TagGUIDs {
		t, err := x.findByGUID(ctx, model.KindTag, guid)
		if err != nil {
			return model.Entity{}, err
		}
		if t != nil {
			out.TagLocalIDs = append(out.TagLocalIDs, t.LocalID)
		}
	}
	out.BaseHash = model.ContentHash(out)
	return out, nil
}

// outgoing prepares a local entity for sending by resolving the GUIDs of the
// entities it references. It reports false while a referenced entity has
// not been created on the service yet.
func (x *execution) outgoing(ctx context.Context, local model.Entity) (model.Entity, bool, error) {
	out := local.Clone()
	if local.ParentLocalID != "" {
		p, err := x.findByLocalID(ctx, local.ParentLocalID)
		if err != nil {
			return model.Entity{}, false, err
		}
		if p == nil || p.GUID == "" {
			return model.Entity{}, false, nil
		}
		out.ParentGUID = p.GUID
	}
	if len(local.TagLocalIDs) > 0 {
		out.TagGUIDs = make([]string, 0, len(local.TagLocalIDs))
		for _, id := range local.TagLocalIDs {
			t, err := x.findByLocalID(ctx, id)
			if err != nil {
				return model.Entity{}, false, err
			}
			if t == nil || t.GUID == "" {
				return model.Entity{}, false, nil
			}
			out.TagGUIDs = append(out.TagGUIDs, t.GUID)
		}
	}
	return out, true, nil
}
