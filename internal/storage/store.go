package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"notesync/internal/model"
)

// MutationOp selects what a Mutation does to its entity.
type MutationOp int

const (
	// MutationPut inserts the entity, or replaces it unless the stored row
	// carries an unconfirmed local edit.
	MutationPut MutationOp = iota
	// MutationReplace inserts or replaces the entity even over a local edit.
	MutationReplace
	// MutationExpunge physically removes the entity.
	MutationExpunge
)

// Mutation is one planned change of a pulled batch.
type Mutation struct {
	Op     MutationOp
	Entity model.Entity
}

// Store groups the repositories and owns the transactional operations that
// span them.
type Store struct {
	db *sql.DB

	Entities  *EntityRepo
	SyncState *SyncStateRepo
}

// NewStore creates a Store on an open, migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:        db,
		Entities:  NewEntityRepo(db),
		SyncState: NewSyncStateRepo(db),
	}
}

// ApplyBatch applies the mutations of one pulled batch and advances the
// watermark of kind in a single transaction. Readers never observe a
// half-applied batch, and the watermark moves only if every mutation lands.
//
// A MutationPut whose row became dirty after the batch was planned is not
// applied; its entity is returned so the caller can treat it as a conflict.
func (s *Store) ApplyBatch(ctx context.Context, kind model.Kind, muts []Mutation, watermark int64) ([]model.Entity, error) {
	var skipped []model.Entity
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		skipped = nil
		entities := NewEntityRepo(tx)
		for i := range muts {
			m := &muts[i]
			switch m.Op {
			case MutationPut:
				cur, err := entities.GetByLocalID(ctx, m.Entity.LocalID)
				if err != nil && !errors.Is(err, ErrNotFound) {
					return err
				}
				if cur != nil && cur.Dirty {
					skipped = append(skipped, m.Entity)
					continue
				}
				if err := entities.Upsert(ctx, &m.Entity); err != nil {
					return err
				}
			case MutationReplace:
				if err := entities.Upsert(ctx, &m.Entity); err != nil {
					return err
				}
			case MutationExpunge:
				if err := entities.Delete(ctx, m.Entity.LocalID); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown mutation op %d", m.Op)
			}
		}
		return NewSyncStateRepo(tx).Advance(ctx, kind, watermark)
	})
	if err != nil {
		return nil, err
	}
	return skipped, nil
}

// PutMany upserts several entities atomically.
func (s *Store) PutMany(ctx context.Context, es []model.Entity) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		entities := NewEntityRepo(tx)
		for i := range es {
			if err := entities.Upsert(ctx, &es[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// ConfirmPush records that the service accepted sent as accepted. The local
// entity takes the server GUID and USN; its dirty flag is cleared only when
// nothing was edited locally since sent was read. A vanished entity is
// reported as ErrNotFound.
func (s *Store) ConfirmPush(ctx context.Context, sent, accepted model.Entity) (model.Entity, error) {
	var out model.Entity
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		entities := NewEntityRepo(tx)
		cur, err := entities.GetByLocalID(ctx, sent.LocalID)
		if err != nil {
			return err
		}

		if sameContent(*cur, sent) {
			out = sent.Clone()
			out.Dirty = false
		} else {
			out = cur.Clone()
			out.ParentGUID = sent.ParentGUID
			out.TagGUIDs = slices.Clone(sent.TagGUIDs)
		}
		out.GUID = accepted.GUID
		out.USN = accepted.USN
		out.BaseHash = model.ContentHash(sent)
		return entities.Upsert(ctx, &out)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Entity{}, err
		}
		return model.Entity{}, fmt.Errorf("failed to confirm push of %s: %w", sent.LocalID, err)
	}
	return out, nil
}

// ResolveConflict settles a conflict on the entity with the given local ID.
// The row is read again inside the transaction and handed to resolve, so an
// edit that landed while the service was being asked is the one resolved.
// Every entity resolve returns is written in the same transaction. A
// vanished entity is reported as ErrNotFound.
func (s *Store) ResolveConflict(ctx context.Context, localID string, resolve func(cur model.Entity) []model.Entity) ([]model.Entity, error) {
	var out []model.Entity
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		entities := NewEntityRepo(tx)
		cur, err := entities.GetByLocalID(ctx, localID)
		if err != nil {
			return err
		}
		out = resolve(*cur)
		for i := range out {
			if err := entities.Upsert(ctx, &out[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to resolve conflict on %s: %w", localID, err)
	}
	return out, nil
}

// sameContent compares the locally editable fields of two versions.
func sameContent(a, b model.Entity) bool {
	return a.Name == b.Name &&
		a.Content == b.Content &&
		a.Deleted == b.Deleted &&
		a.ParentLocalID == b.ParentLocalID &&
		slices.Equal(a.TagLocalIDs, b.TagLocalIDs)
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
