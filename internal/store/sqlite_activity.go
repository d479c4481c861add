package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/syncbridge/internal/types"
	"github.com/oklog/ulid/v2"
)

// InsertActivity appends one entry to the activity trail.
func (s *SQLiteStore) InsertActivity(ctx context.Context, a *types.Activity) error {
	if a.ID == "" {
		a.ID = ulid.Make().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	metadata, err := marshalData(a.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activities (id, sync_id, user_id, type, record_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.SyncID, a.UserID, a.Type, a.RecordID, metadata, a.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListActivities returns the most recent activity entries for a sync.
func (s *SQLiteStore) ListActivities(ctx context.Context, userID, syncID string, limit int) ([]types.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sync_id, user_id, type, record_id, metadata, created_at
		FROM activities
		WHERE sync_id = ? AND user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, syncID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var out []types.Activity
	for rows.Next() {
		var a types.Activity
		var metadata, createdAt string
		if err := rows.Scan(&a.ID, &a.SyncID, &a.UserID, &a.Type, &a.RecordID, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
				return nil, fmt.Errorf("decode activity metadata: %w", err)
			}
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetCheckpoint returns the persisted output of a completed job step.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, runID, step string) ([]byte, bool, error) {
	var output []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT output FROM job_checkpoints WHERE run_id = ? AND step = ?
	`, runID, step).Scan(&output)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get checkpoint: %w", err)
	}
	return output, true, nil
}

// SaveCheckpoint persists a step's output. Saving the same step twice keeps
// the first output, matching at-most-once completed-step semantics.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, runID, step string, output []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_checkpoints (run_id, step, output, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, step) DO NOTHING
	`, runID, step, output, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// ClearCheckpoints drops all checkpoints for a finished run.
func (s *SQLiteStore) ClearCheckpoints(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("clear checkpoints: %w", err)
	}
	return nil
}

// CreateDocument stores a new side-channel document in pending link state.
func (s *SQLiteStore) CreateDocument(ctx context.Context, d *types.Document) error {
	now := time.Now().UTC()
	if d.ID == "" {
		d.ID = ulid.Make().String()
	}
	if d.LinkStatus == "" {
		d.LinkStatus = types.DocumentLinkPending
	}
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, user_id, name, external_id, blob_key, link_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.UserID, d.Name, d.ExternalID, d.BlobKey, d.LinkStatus,
		d.CreatedAt.Format(time.RFC3339Nano), d.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument returns a document by id scoped to userID.
func (s *SQLiteStore) GetDocument(ctx context.Context, userID, id string) (*types.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, external_id, blob_key, link_status, created_at, updated_at
		FROM documents WHERE id = ? AND user_id = ?
	`, id, userID)
	return scanDocument(row)
}

// RelinkDocument rewrites a local-only document id to the remote-assigned
// one and flips the link status to success (the link-id webhook).
func (s *SQLiteStore) RelinkDocument(ctx context.Context, userID, id, externalID string) (*types.Document, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET external_id = ?, link_status = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, externalID, types.DocumentLinkSuccess, time.Now().UTC().Format(time.RFC3339Nano), id, userID)
	if err != nil {
		return nil, fmt.Errorf("relink document: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.GetDocument(ctx, userID, id)
}

func scanDocument(row rowScanner) (*types.Document, error) {
	var d types.Document
	var createdAt, updatedAt string
	err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.ExternalID, &d.BlobKey, &d.LinkStatus, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	d.CreatedAt, d.UpdatedAt = parseTimes(createdAt, updatedAt)
	return &d, nil
}
