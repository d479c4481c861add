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

const recordColumns = `id, sync_id, user_id, external_id, name, data,
	sync_status, sync_error, version, created_at, updated_at`

const insertRecordSQL = `
	INSERT INTO records (id, sync_id, user_id, external_id, name, data,
		sync_status, sync_error, version, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, '', 1, ?, ?)`

// upsertRecordSQL is keyed on (sync_id, external_id) so that re-fetching
// the same remote page under at-least-once step execution replaces rows
// instead of duplicating them.
const upsertRecordSQL = insertRecordSQL + `
	ON CONFLICT(sync_id, external_id) WHERE external_id <> ''
	DO UPDATE SET name = excluded.name, data = excluded.data,
		sync_status = excluded.sync_status, updated_at = excluded.updated_at`

func recordArgs(nr types.NewRecord) ([]any, *types.Record, error) {
	now := time.Now().UTC()
	r := &types.Record{
		ID:         ulid.Make().String(),
		SyncID:     nr.SyncID,
		UserID:     nr.UserID,
		ExternalID: nr.ExternalID,
		Name:       nr.Name,
		Data:       nr.Data,
		SyncStatus: nr.SyncStatus,
		Version:    1,
		CreatedAt:  nr.CreatedAt,
		UpdatedAt:  nr.UpdatedAt,
	}
	if r.SyncStatus == "" {
		r.SyncStatus = types.RecordPending
	}
	// Pull-imported rows keep the remote system's declared timestamps to
	// preserve provenance; everything else is stamped now.
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}

	data, err := marshalData(r.Data)
	if err != nil {
		return nil, nil, err
	}
	return []any{r.ID, r.SyncID, r.UserID, r.ExternalID, r.Name, data,
		r.SyncStatus, r.CreatedAt.Format(time.RFC3339Nano), r.UpdatedAt.Format(time.RFC3339Nano)}, r, nil
}

// InsertRecord stores a single new record.
func (s *SQLiteStore) InsertRecord(ctx context.Context, nr types.NewRecord) (*types.Record, error) {
	args, r, err := recordArgs(nr)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, insertRecordSQL, args...); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateRecord
		}
		return nil, fmt.Errorf("insert record: %w", err)
	}
	return r, nil
}

// UpsertRecordsBatch writes a pull page. Rows are keyed by
// (sync_id, external_id); an existing row is replaced, not duplicated.
// Returns the number of rows written.
func (s *SQLiteStore) UpsertRecordsBatch(ctx context.Context, records []types.NewRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, nr := range records {
		args, _, err := recordArgs(nr)
		if err != nil {
			return 0, fmt.Errorf("encode record %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx, upsertRecordSQL, args...); err != nil {
			return 0, fmt.Errorf("upsert record %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return len(records), nil
}

// GetRecord returns a record by id scoped to userID.
func (s *SQLiteStore) GetRecord(ctx context.Context, userID, id string) (*types.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM records WHERE id = ? AND user_id = ?
	`, id, userID)
	return scanRecord(row)
}

// GetRecordByExternalID returns the record mirroring a remote entity.
func (s *SQLiteStore) GetRecordByExternalID(ctx context.Context, syncID, externalID string) (*types.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM records WHERE sync_id = ? AND external_id = ?
	`, syncID, externalID)
	return scanRecord(row)
}

// ListRecords returns an offset-paginated page of a sync's records.
func (s *SQLiteStore) ListRecords(ctx context.Context, userID, syncID string, offset, limit int) (*types.RecordListResult, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE sync_id = ? AND user_id = ?
	`, syncID, userID).Scan(&total); err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE sync_id = ? AND user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, syncID, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	result := &types.RecordListResult{Total: total, Offset: offset, Limit: limit}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result.Records = append(result.Records, *r)
	}
	return result, rows.Err()
}

// UpdateRecordData overwrites a record's name and data under an optimistic
// version check. A concurrent writer that bumped the version since the read
// causes ErrVersionConflict; callers reload and decide.
func (s *SQLiteStore) UpdateRecordData(ctx context.Context, id string, version int64, name string, data map[string]any) (*types.Record, error) {
	encoded, err := marshalData(data)
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE records SET name = ?, data = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, name, encoded, time.Now().UTC().Format(time.RFC3339Nano), id, version)
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
		if _, scanErr := scanRecord(row); errors.Is(scanErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrVersionConflict
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	return scanRecord(row)
}

// SetRecordStatus records the outcome of a push attempt.
func (s *SQLiteStore) SetRecordStatus(ctx context.Context, id string, status types.RecordStatus, syncError string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE records SET sync_status = ?, sync_error = ?, version = version + 1, updated_at = ?
		WHERE id = ?
	`, status, syncError, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set record status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRecordExternalID stores the remote-assigned id after a successful
// remote create.
func (s *SQLiteStore) SetRecordExternalID(ctx context.Context, id, externalID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE records SET external_id = ?, version = version + 1, updated_at = ?
		WHERE id = ?
	`, externalID, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set record external id: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRecord removes a record by id.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountRecords returns the number of records owned by a sync.
func (s *SQLiteStore) CountRecords(ctx context.Context, syncID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE sync_id = ?`, syncID).Scan(&count)
	return count, err
}

func scanRecord(row rowScanner) (*types.Record, error) {
	var r types.Record
	var data, createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.SyncID, &r.UserID, &r.ExternalID, &r.Name, &data,
		&r.SyncStatus, &r.SyncError, &r.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
			return nil, fmt.Errorf("decode record data: %w", err)
		}
	}
	r.CreatedAt, r.UpdatedAt = parseTimes(createdAt, updatedAt)
	return &r, nil
}

func marshalData(data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode record data: %w", err)
	}
	return string(encoded), nil
}
