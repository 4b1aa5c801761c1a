package syncer

import (
	"context"
	"fmt"

	"notesync/internal/contextutil"
	"notesync/internal/model"
	"notesync/internal/remote"
	"notesync/internal/storage"
)

// pullAll runs one remote-to-local pass over every kind in dependency order.
func (x *execution) pullAll(ctx context.Context) error {
	lo, hi := 0.0, 50.0
	if x.r.repeated {
		lo, hi = 90.0, 100.0
	}

	state, err := call(ctx, x, "query sync state", x.m.client.SyncState)
	if err != nil {
		return err
	}

	n := float64(len(model.SyncOrder))
	for i, kind := range model.SyncOrder {
		span := func(frac float64) float64 {
			return lo + (hi-lo)*(float64(i)+min(max(frac, 0), 1))/n
		}
		if err := x.pullKind(ctx, kind, state.UpdateCount, span); err != nil {
			return err
		}
		x.m.reportProgress(x.r, fmt.Sprintf("downloaded %s changes", kind), span(1))
	}

	x.m.emitRunning(x.r, Event{Type: EventRemoteToLocalSyncDone})
	return nil
}

// pullKind pages through the changes of one kind above its watermark. Every
// page is committed together with the new watermark.
func (x *execution) pullKind(ctx context.Context, kind model.Kind, updateCount int64, span func(float64) float64) error {
	logger := contextutil.LoggerFromContextOr(ctx, x.m.logger)

	after, err := x.m.store.Watermark(ctx, kind)
	if err != nil {
		return storageErr("read "+kind.String()+" watermark", err)
	}

	for {
		batch, err := call(ctx, x, "list "+kind.String()+" changes",
			func(ctx context.Context) (remote.ChangeBatch, error) {
				return x.m.client.ListChanges(ctx, kind, after, x.m.opts.PageSize)
			})
		if err != nil {
			return err
		}
		if err := checkBatch(kind, after, batch); err != nil {
			return err
		}

		muts, pulled, expunged, err := x.plan(ctx, kind, batch)
		if err != nil {
			return err
		}
		if len(muts) > 0 || batch.HighUSN > after {
			// A stop while the page was in flight discards it.
			if err := ctx.Err(); err != nil {
				return err
			}
			skipped, err := x.m.store.ApplyBatch(ctx, kind, muts, batch.HighUSN)
			if err != nil {
				return storageErr("apply "+kind.String()+" changes", err)
			}
			edited := make(map[string]bool, len(skipped))
			for _, e := range skipped {
				// Edited locally after the page was planned.
				edited[e.LocalID] = true
				x.r.pending[e.LocalID] = e.Clone()
				pulled--
			}
			for _, mu := range muts {
				switch {
				case mu.Op == storage.MutationExpunge:
					x.forget(mu.Entity)
				case !edited[mu.Entity.LocalID]:
					x.remember(mu.Entity)
				}
			}
			x.m.count(x.r, func(s *RunStats) {
				s.Pulled += pulled
				s.Expunged += expunged
			})
			logger.DebugContext(ctx, "applied remote changes", "kind", kind.String(),
				"pulled", pulled, "expunged", expunged, "watermark", batch.HighUSN)
		}
		after = batch.HighUSN

		if updateCount > 0 {
			x.m.reportProgress(x.r, fmt.Sprintf("downloading %s changes", kind),
				span(float64(after)/float64(updateCount)))
		}
		if !batch.More {
			return nil
		}
	}
}

// checkBatch rejects pages that break the ordering contract of ListChanges.
func checkBatch(kind model.Kind, after int64, b remote.ChangeBatch) error {
	last := after
	for _, e := range b.Entities {
		if e.Kind != kind {
			return fmt.Errorf("%w: %s page carries a %s", remote.ErrProtocol, kind, e.Kind)
		}
		if e.GUID == "" {
			return fmt.Errorf("%w: %s without guid in changes", remote.ErrProtocol, kind)
		}
		if e.USN <= last {
			return fmt.Errorf("%w: %s changes out of order (usn %d after %d)", remote.ErrProtocol, kind, e.USN, last)
		}
		last = e.USN
	}
	if b.HighUSN < last {
		return fmt.Errorf("%w: %s page high usn %d below its last change %d", remote.ErrProtocol, kind, b.HighUSN, last)
	}
	if b.More && b.HighUSN <= after {
		return fmt.Errorf("%w: %s page announces more changes without progress", remote.ErrProtocol, kind)
	}
	return nil
}

// plan decides what a page does to local storage. It counts applied
// changes only; versions already known locally are skipped.
func (x *execution) plan(ctx context.Context, kind model.Kind, b remote.ChangeBatch) (muts []storage.Mutation, pulled, expunged int, err error) {
	for _, in := range b.Entities {
		local, err := x.loadByGUID(ctx, kind, in.GUID)
		if err != nil {
			return nil, 0, 0, err
		}
		if local != nil && in.USN <= local.USN {
			continue
		}

		if local != nil && local.Dirty && kind != model.KindLinkedNotebook {
			x.r.pending[local.LocalID] = in.Clone()
			continue
		}
		if local == nil && in.Deleted {
			continue
		}

		bound, err := x.bind(ctx, in)
		if err != nil {
			return nil, 0, 0, err
		}
		if local != nil {
			bound.LocalID = local.LocalID
			delete(x.r.pending, local.LocalID)
		} else {
			bound.LocalID = model.NewLocalID()
		}
		op := storage.MutationPut
		if kind == model.KindLinkedNotebook {
			op = storage.MutationReplace
		}
		muts = append(muts, storage.Mutation{Op: op, Entity: bound})
		pulled++
	}

	for _, guid := range b.Expunged {
		local, err := x.loadByGUID(ctx, kind, guid)
		if err != nil {
			return nil, 0, 0, err
		}
		if local == nil {
			continue
		}
		delete(x.r.pending, local.LocalID)
		muts = append(muts, storage.Mutation{Op: storage.MutationExpunge, Entity: *local})
		expunged++
	}
	return muts, pulled, expunged, nil
}
