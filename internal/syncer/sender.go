package syncer

import (
	"context"
	"errors"
	"fmt"

	"notesync/internal/contextutil"
	"notesync/internal/model"
	"notesync/internal/remote"
	"notesync/internal/storage"
	"notesync/internal/validation"
)

// sendAll pushes the dirty entities of every kind in dependency order.
func (x *execution) sendAll(ctx context.Context) error {
	const lo, hi = 50.0, 90.0
	n := float64(len(model.SyncOrder))

	for i, kind := range model.SyncOrder {
		dirty, err := x.m.store.ListDirty(ctx, kind)
		if err != nil {
			return storageErr("list dirty "+kind.String()+" entities", err)
		}
		for j, e := range dirty {
			if err := x.checkpoint(ctx); err != nil {
				return err
			}
			if err := x.send(ctx, e); err != nil {
				return err
			}
			frac := float64(j+1) / float64(len(dirty))
			x.m.reportProgress(x.r, fmt.Sprintf("sending %s changes", kind),
				lo+(hi-lo)*(float64(i)+frac)/n)
		}
		x.m.reportProgress(x.r, fmt.Sprintf("sent %s changes", kind), lo+(hi-lo)*float64(i+1)/n)
	}
	return nil
}

// send pushes one dirty entity and records the outcome locally.
func (x *execution) send(ctx context.Context, local model.Entity) error {
	logger := contextutil.LoggerFromContextOr(ctx, x.m.logger).With(
		"kind", local.Kind.String(), "local_id", local.LocalID)

	if local.IsLocalOnly() && local.Deleted {
		return x.purge(ctx, local)
	}
	if err := validation.Check(local); err != nil {
		logger.WarnContext(ctx, "skipping invalid local change", "error", err)
		x.m.count(x.r, func(s *RunStats) { s.Rejected++ })
		return nil
	}

	out, ready, err := x.outgoing(ctx, local)
	if err != nil {
		return err
	}
	if !ready {
		logger.DebugContext(ctx, "deferring change until its references are sent")
		x.m.count(x.r, func(s *RunStats) { s.Deferred++ })
		return nil
	}

	var accepted model.Entity
	if out.IsLocalOnly() {
		accepted, err = call(ctx, x, "create "+out.Kind.String(), func(ctx context.Context) (model.Entity, error) {
			return x.m.client.Create(ctx, out)
		})
	} else {
		accepted, err = call(ctx, x, "update "+out.Kind.String(), func(ctx context.Context) (model.Entity, error) {
			return x.m.client.Update(ctx, out)
		})
	}

	var conflict *remote.ConflictError
	switch {
	case err == nil:
	case errors.As(err, &conflict):
		return x.resolveConflict(ctx, local, out, conflict)
	case errors.Is(err, remote.ErrNotFound) && !out.IsLocalOnly():
		if local.Deleted {
			return x.purge(ctx, local)
		}
		logger.WarnContext(ctx, "entity vanished from the service, creating it again", "guid", out.GUID)
		out.GUID = ""
		out.USN = 0
		accepted, err = call(ctx, x, "create "+out.Kind.String(), func(ctx context.Context) (model.Entity, error) {
			return x.m.client.Create(ctx, out)
		})
		if err != nil {
			return err
		}
	default:
		return err
	}

	return x.confirm(ctx, out, accepted)
}

// confirm records an accepted push. The service already holds the change,
// so it is recorded even when the run is being stopped.
func (x *execution) confirm(ctx context.Context, sent, accepted model.Entity) error {
	logger := contextutil.LoggerFromContextOr(ctx, x.m.logger)

	stored, err := x.m.store.ConfirmPush(context.WithoutCancel(ctx), sent, accepted)
	if errors.Is(err, storage.ErrNotFound) {
		logger.WarnContext(ctx, "pushed entity no longer exists locally",
			"kind", sent.Kind.String(), "local_id", sent.LocalID, "guid", accepted.GUID)
		return nil
	}
	if err != nil {
		return storageErr("record pushed "+sent.Kind.String(), err)
	}

	delete(x.r.pending, sent.LocalID)
	x.remember(stored)
	x.m.count(x.r, func(s *RunStats) { s.Pushed++ })
	logger.DebugContext(ctx, "pushed local change",
		"kind", sent.Kind.String(), "local_id", sent.LocalID, "guid", stored.GUID, "usn", stored.USN)
	return nil
}

// purge drops a tombstone the service does not need to hear about.
func (x *execution) purge(ctx context.Context, local model.Entity) error {
	if err := x.m.store.Delete(ctx, local.LocalID); err != nil {
		return storageErr("purge "+local.Kind.String()+" "+local.LocalID, err)
	}
	delete(x.r.pending, local.LocalID)
	x.forget(local)
	x.m.count(x.r, func(s *RunStats) { s.Purged++ })
	return nil
}
