package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"notesync/internal/model"
)

// SyncStateRepo stores the per-kind USN watermarks.
type SyncStateRepo struct {
	db DBTX
}

// NewSyncStateRepo creates a new SyncStateRepo.
func NewSyncStateRepo(db DBTX) *SyncStateRepo {
	return &SyncStateRepo{db: db}
}

// Watermark returns the highest USN fully applied for kind, 0 if none.
func (r *SyncStateRepo) Watermark(ctx context.Context, kind model.Kind) (int64, error) {
	var usn int64
	err := r.db.QueryRowContext(ctx,
		"SELECT last_usn FROM sync_state WHERE kind = ?", int(kind),
	).Scan(&usn)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s watermark: %w", kind, err)
	}
	return usn, nil
}

// Advance raises the watermark of kind to usn. A lower value leaves the
// stored watermark untouched.
func (r *SyncStateRepo) Advance(ctx context.Context, kind model.Kind, usn int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_state (kind, last_usn, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (kind) DO UPDATE SET
		 last_usn = MAX(last_usn, excluded.last_usn), updated_at = CURRENT_TIMESTAMP`,
		int(kind), usn,
	)
	if err != nil {
		return fmt.Errorf("failed to advance %s watermark: %w", kind, err)
	}
	return nil
}

// All returns every stored watermark keyed by kind.
func (r *SyncStateRepo) All(ctx context.Context) (map[model.Kind]int64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT kind, last_usn FROM sync_state ORDER BY kind")
	if err != nil {
		return nil, fmt.Errorf("failed to query watermarks: %w", err)
	}
	defer rows.Close()

	out := make(map[model.Kind]int64)
	for rows.Next() {
		var kind int
		var usn int64
		if err := rows.Scan(&kind, &usn); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}
		out[model.Kind(kind)] = usn
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Reset forgets every watermark, forcing the next pull to be a full sync.
func (r *SyncStateRepo) Reset(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM sync_state"); err != nil {
		return fmt.Errorf("failed to reset watermarks: %w", err)
	}
	return nil
}
