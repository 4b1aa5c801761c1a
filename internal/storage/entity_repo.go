package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"notesync/internal/model"
)

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")
)

const entityColumns = `local_id, kind, guid, usn, dirty, deleted, name, content,
	parent_local_id, parent_guid, tag_local_ids, tag_guids, attributes, base_hash, updated_at`

// EntityRepo provides per-kind CRUD over the entities table.
type EntityRepo struct {
	db DBTX
}

// NewEntityRepo creates a new EntityRepo.
func NewEntityRepo(db DBTX) *EntityRepo {
	return &EntityRepo{db: db}
}

// GetByLocalID gets an entity by its local identifier.
// Returns nil and ErrNotFound if not found.
func (r *EntityRepo) GetByLocalID(ctx context.Context, localID string) (*model.Entity, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE local_id = ?", localID)
	return scanOne(row)
}

// GetByGUID gets an entity of the given kind by its server GUID.
// Returns nil and ErrNotFound if not found.
func (r *EntityRepo) GetByGUID(ctx context.Context, kind model.Kind, guid string) (*model.Entity, error) {
	if guid == "" {
		return nil, ErrNotFound
	}
	row := r.db.QueryRowContext(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE kind = ? AND guid = ?", int(kind), guid)
	return scanOne(row)
}

// Upsert inserts a new entity or replaces an existing one with the same
// local ID. A missing local ID is generated.
func (r *EntityRepo) Upsert(ctx context.Context, e *model.Entity) error {
	if e.LocalID == "" {
		e.LocalID = model.NewLocalID()
	}
	if e.Updated.IsZero() {
		e.Updated = time.Now().UTC()
	}

	tagLocal, err := json.Marshal(nonNil(e.TagLocalIDs))
	if err != nil {
		return fmt.Errorf("failed to encode tag local ids: %w", err)
	}
	tagGUIDs, err := json.Marshal(nonNil(e.TagGUIDs))
	if err != nil {
		return fmt.Errorf("failed to encode tag guids: %w", err)
	}
	attrs := e.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO entities (`+entityColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (local_id) DO UPDATE SET
		 kind = excluded.kind, guid = excluded.guid, usn = excluded.usn,
		 dirty = excluded.dirty, deleted = excluded.deleted, name = excluded.name,
		 content = excluded.content, parent_local_id = excluded.parent_local_id,
		 parent_guid = excluded.parent_guid, tag_local_ids = excluded.tag_local_ids,
		 tag_guids = excluded.tag_guids, attributes = excluded.attributes,
		 base_hash = excluded.base_hash, updated_at = excluded.updated_at`,
		e.LocalID, int(e.Kind), nullString(e.GUID), e.USN, e.Dirty, e.Deleted, e.Name, e.Content,
		e.ParentLocalID, e.ParentGUID, string(tagLocal), string(tagGUIDs), string(attrJSON),
		e.BaseHash, e.Updated.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", e.Kind, e.LocalID, err)
	}
	return nil
}

// Delete physically removes an entity. Deleting a missing entity is not an error.
func (r *EntityRepo) Delete(ctx context.Context, localID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM entities WHERE local_id = ?", localID); err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", localID, err)
	}
	return nil
}

// ListDirty returns the entities of a kind with unconfirmed local changes,
// in insertion order.
func (r *EntityRepo) ListDirty(ctx context.Context, kind model.Kind) ([]model.Entity, error) {
	return r.list(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE kind = ? AND dirty = 1 ORDER BY rowid",
		int(kind))
}

// ListByKind returns all entities of a kind. Tombstones are included only
// when includeDeleted is set.
func (r *EntityRepo) ListByKind(ctx context.Context, kind model.Kind, includeDeleted bool) ([]model.Entity, error) {
	query := "SELECT " + entityColumns + " FROM entities WHERE kind = ?"
	if !includeDeleted {
		query += " AND deleted = 0"
	}
	return r.list(ctx, query+" ORDER BY rowid", int(kind))
}

// ListSinceUSN returns the entities of a kind whose USN is greater than
// afterUSN, in ascending USN order.
func (r *EntityRepo) ListSinceUSN(ctx context.Context, kind model.Kind, afterUSN int64) ([]model.Entity, error) {
	return r.list(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE kind = ? AND usn > ? ORDER BY usn, rowid",
		int(kind), afterUSN)
}

// Count returns the number of entities of a kind, tombstones included.
func (r *EntityRepo) Count(ctx context.Context, kind model.Kind) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities WHERE kind = ?", int(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s entities: %w", kind, err)
	}
	return n, nil
}

func (r *EntityRepo) list(ctx context.Context, query string, args ...any) ([]model.Entity, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entities: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row *sql.Row) (*model.Entity, error) {
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func scanEntity(s scanner) (*model.Entity, error) {
	var (
		e                         model.Entity
		kind                      int
		guid                      sql.NullString
		tagLocal, tagGUIDs, attrs string
		updatedAt                 string
	)
	err := s.Scan(&e.LocalID, &kind, &guid, &e.USN, &e.Dirty, &e.Deleted, &e.Name, &e.Content,
		&e.ParentLocalID, &e.ParentGUID, &tagLocal, &tagGUIDs, &attrs, &e.BaseHash, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}

	e.Kind = model.Kind(kind)
	e.GUID = guid.String
	if err := json.Unmarshal([]byte(tagLocal), &e.TagLocalIDs); err != nil {
		return nil, fmt.Errorf("failed to decode tag local ids of %s: %w", e.LocalID, err)
	}
	if err := json.Unmarshal([]byte(tagGUIDs), &e.TagGUIDs); err != nil {
		return nil, fmt.Errorf("failed to decode tag guids of %s: %w", e.LocalID, err)
	}
	if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode attributes of %s: %w", e.LocalID, err)
	}
	if len(e.TagLocalIDs) == 0 {
		e.TagLocalIDs = nil
	}
	if len(e.TagGUIDs) == 0 {
		e.TagGUIDs = nil
	}
	if len(e.Attributes) == 0 {
		e.Attributes = nil
	}

	e.Updated, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		// Rows written by hand through the sqlite shell use the DATETIME format.
		e.Updated, err = time.Parse("2006-01-02 15:04:05", strings.TrimSpace(updatedAt))
		if err != nil {
			return nil, fmt.Errorf("failed to parse updated_at timestamp: %w", err)
		}
	}

	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
