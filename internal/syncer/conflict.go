package syncer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"notesync/internal/contextutil"
	"notesync/internal/model"
	"notesync/internal/remote"
	"notesync/internal/storage"
	"notesync/internal/validation"
)

const conflictSuffix = " (conflicting copy)"

// Resolution is the outcome of a conflict between a local change and a
// newer remote version.
type Resolution struct {
	// Local is the new state of the existing local entity: the remote
	// version bound to its GUID and clean.
	Local model.Entity
	// Duplicate is a new local-only dirty entity carrying the user's edit.
	// It is nil when the remote version wins outright.
	Duplicate *model.Entity
}

// RemoteWins reports whether the local change was dropped.
func (r Resolution) RemoteWins() bool {
	return r.Duplicate == nil
}

// Resolve decides a conflict. local is the stored entity, outgoing the same
// entity with its references resolved to GUIDs, and remote the service's
// version bound to local identifiers.
//
// The remote version wins when the user did not edit the entity since it
// was last synchronized, when both sides hold the same content, when the
// local change is a deletion, and for linked notebooks. Otherwise the local
// entity takes the remote version and the edit moves to a duplicate.
func Resolve(local, outgoing, remote model.Entity) Resolution {
	keep := remote.Clone()
	keep.LocalID = local.LocalID
	keep.Dirty = false
	keep.BaseHash = model.ContentHash(remote)

	hash := model.ContentHash(outgoing)
	if local.Kind == model.KindLinkedNotebook ||
		local.Deleted ||
		hash == local.BaseHash ||
		hash == keep.BaseHash {
		return Resolution{Local: keep}
	}

	dup := local.Clone()
	dup.LocalID = model.NewLocalID()
	dup.GUID = ""
	dup.USN = 0
	dup.Dirty = true
	dup.BaseHash = ""
	dup.Name = conflictName(local.Name, validation.NameLenMax(local.Kind))
	if len(local.TagLocalIDs) > 0 {
		dup.TagGUIDs = nil
	}
	if local.ParentLocalID != "" {
		dup.ParentGUID = ""
	}
	return Resolution{Local: keep, Duplicate: &dup}
}

// conflictName appends the conflicting-copy suffix, shortening name so the
// result stays within limit characters. A non-positive limit means no limit.
func conflictName(name string, limit int) string {
	suffixLen := utf8.RuneCountInString(conflictSuffix)
	if limit > 0 && utf8.RuneCountInString(name)+suffixLen > limit {
		keep := max(limit-suffixLen, 0)
		name = string([]rune(name)[:keep])
	}
	return strings.TrimSpace(strings.TrimSpace(name) + conflictSuffix)
}

// resolveConflict handles an update rejected because the service holds a
// newer version. It persists the resolution atomically and reports it once.
func (x *execution) resolveConflict(ctx context.Context, local, out model.Entity, conflict *remote.ConflictError) error {
	logger := contextutil.LoggerFromContextOr(ctx, x.m.logger)

	theirs, err := x.remoteVersion(ctx, local, conflict)
	if err != nil {
		return err
	}
	bound, err := x.bind(ctx, theirs)
	if err != nil {
		return err
	}

	var res Resolution
	es, err := x.m.store.ResolveConflict(ctx, local.LocalID, func(cur model.Entity) []model.Entity {
		res = Resolve(cur, outgoingFor(cur, local, out), bound)
		if res.Duplicate == nil {
			return []model.Entity{res.Local}
		}
		return []model.Entity{res.Local, *res.Duplicate}
	})
	if errors.Is(err, storage.ErrNotFound) {
		logger.WarnContext(ctx, "conflicting entity no longer exists locally",
			"kind", local.Kind.String(), "local_id", local.LocalID, "guid", local.GUID)
		delete(x.r.pending, local.LocalID)
		return nil
	}
	if err != nil {
		return storageErr("store conflict resolution", err)
	}
	delete(x.r.pending, local.LocalID)
	for _, e := range es {
		x.remember(e)
	}

	x.m.count(x.r, func(s *RunStats) {
		s.Conflicts++
		if res.Duplicate != nil {
			s.Duplicates++
		}
	})
	x.m.emit(Event{Type: EventConflictDetected})

	attrs := []any{"kind", local.Kind.String(), "local_id", local.LocalID, "guid", local.GUID,
		"remote_wins", res.RemoteWins()}
	if res.Duplicate != nil {
		attrs = append(attrs, "duplicate_local_id", res.Duplicate.LocalID)
	}
	logger.InfoContext(ctx, "resolved conflict", attrs...)
	return nil
}

// outgoingFor returns cur, the stored version of a conflicting entity, with
// the GUID references resolved when sent went out. References edited since
// then keep only their local IDs.
func outgoingFor(cur, sent, out model.Entity) model.Entity {
	o := cur.Clone()
	o.ParentGUID = ""
	if cur.ParentLocalID == sent.ParentLocalID {
		o.ParentGUID = out.ParentGUID
	}
	o.TagGUIDs = nil
	if slices.Equal(cur.TagLocalIDs, sent.TagLocalIDs) {
		o.TagGUIDs = slices.Clone(out.TagGUIDs)
	}
	return o
}

// remoteVersion returns the service's version of a conflicting entity from
// the conflict answer, the changes seen during the pull, or a Get call.
func (x *execution) remoteVersion(ctx context.Context, local model.Entity, conflict *remote.ConflictError) (model.Entity, error) {
	if conflict.Remote != nil {
		return *conflict.Remote, nil
	}
	if p, ok := x.r.pending[local.LocalID]; ok {
		return p, nil
	}
	e, err := call(ctx, x, "get "+local.Kind.String(), func(ctx context.Context) (model.Entity, error) {
		return x.m.client.Get(ctx, local.Kind, local.GUID)
	})
	if errors.Is(err, remote.ErrNotFound) {
		return model.Entity{}, fmt.Errorf("%w: %s %s reported in conflict but not found", remote.ErrProtocol, local.Kind, local.GUID)
	}
	return e, err
}
