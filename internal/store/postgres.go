package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/syncbridge/internal/types"
	"github.com/lib/pq"
	"github.com/oklog/ulid/v2"
)

// PostgresStore is the Postgres-backed sync database. It implements the
// same Store contract as SQLiteStore for deployments that already run
// Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to Postgres with the given DSN and applies
// pending migrations.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := RunMigrations(db, "postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func isPQUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *PostgresStore) CreateSync(ctx context.Context, sy *types.Sync) error {
	now := time.Now().UTC()
	if sy.ID == "" {
		sy.ID = ulid.Make().String()
	}
	sy.CreatedAt = now
	sy.UpdatedAt = now
	if sy.Status == "" {
		sy.Status = types.SyncInProgress
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO syncs (`+syncColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, sy.ID, sy.UserID, sy.IntegrationKey, sy.InstanceKey, sy.AppObjectKey, sy.Status,
		sy.PullError, sy.PullCount, sy.IsTruncated, sy.TotalRecordsSynced,
		sy.IntegrationName, sy.IntegrationLogoURI,
		sy.CreatedAt.Format(time.RFC3339Nano), sy.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isPQUniqueViolation(err) {
			return ErrDuplicateSync
		}
		return fmt.Errorf("insert sync: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSync(ctx context.Context, userID, id string) (*types.Sync, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+syncColumns+` FROM syncs WHERE id = $1 AND user_id = $2
	`, id, userID)
	return scanSync(row)
}

func (s *PostgresStore) GetSyncByInstanceKey(ctx context.Context, userID, instanceKey string) (*types.Sync, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+syncColumns+` FROM syncs WHERE instance_key = $1 AND user_id = $2
	`, instanceKey, userID)
	return scanSync(row)
}

func (s *PostgresStore) ListSyncs(ctx context.Context, userID string) ([]types.SyncWithCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixColumns("s", syncColumns)+`,
			(SELECT COUNT(*) FROM records r WHERE r.sync_id = s.id) AS record_count
		FROM syncs s
		WHERE s.user_id = $1
		ORDER BY s.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query syncs: %w", err)
	}
	defer rows.Close()

	var out []types.SyncWithCount
	for rows.Next() {
		var sy types.Sync
		var count int
		var createdAt, updatedAt string
		if err := rows.Scan(&sy.ID, &sy.UserID, &sy.IntegrationKey, &sy.InstanceKey,
			&sy.AppObjectKey, &sy.Status, &sy.PullError, &sy.PullCount, &sy.IsTruncated,
			&sy.TotalRecordsSynced, &sy.IntegrationName, &sy.IntegrationLogoURI,
			&createdAt, &updatedAt, &count); err != nil {
			return nil, fmt.Errorf("scan sync: %w", err)
		}
		sy.CreatedAt, sy.UpdatedAt = parseTimes(createdAt, updatedAt)
		out = append(out, types.SyncWithCount{Sync: sy, RecordCount: count})
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkSyncInProgress(ctx context.Context, id string) error {
	return s.updateSync(ctx, `
		UPDATE syncs SET status = $1, updated_at = $2 WHERE id = $3
	`, types.SyncInProgress, time.Now().UTC().Format(time.RFC3339Nano), id)
}

func (s *PostgresStore) FinalizeSyncPull(ctx context.Context, id string, total int, truncated bool) error {
	return s.updateSync(ctx, `
		UPDATE syncs
		SET status = $1, pull_error = '', pull_count = pull_count + 1,
			total_records_synced = $2, is_truncated = $3, updated_at = $4
		WHERE id = $5
	`, types.SyncCompleted, total, truncated, time.Now().UTC().Format(time.RFC3339Nano), id)
}

func (s *PostgresStore) MarkSyncFailed(ctx context.Context, id, pullError string) error {
	return s.updateSync(ctx, `
		UPDATE syncs SET status = $1, pull_error = $2, updated_at = $3 WHERE id = $4
	`, types.SyncFailed, pullError, time.Now().UTC().Format(time.RFC3339Nano), id)
}

func (s *PostgresStore) DeleteSync(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM syncs WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete sync: %w", err)
	}
	return requireRows(result)
}

func (s *PostgresStore) CountSyncs(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM syncs`).Scan(&count)
	return count, err
}

func (s *PostgresStore) updateSync(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update sync: %w", err)
	}
	return requireRows(result)
}

func requireRows(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const pgInsertRecordSQL = `
	INSERT INTO records (id, sync_id, user_id, external_id, name, data,
		sync_status, sync_error, version, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, '', 1, $8, $9)`

const pgUpsertRecordSQL = pgInsertRecordSQL + `
	ON CONFLICT (sync_id, external_id) WHERE external_id <> ''
	DO UPDATE SET name = excluded.name, data = excluded.data,
		sync_status = excluded.sync_status, updated_at = excluded.updated_at`

func (s *PostgresStore) InsertRecord(ctx context.Context, nr types.NewRecord) (*types.Record, error) {
	args, r, err := recordArgs(nr)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, pgInsertRecordSQL, args...); err != nil {
		if isPQUniqueViolation(err) {
			return nil, ErrDuplicateRecord
		}
		return nil, fmt.Errorf("insert record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) UpsertRecordsBatch(ctx context.Context, records []types.NewRecord) (int, error) {
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
		if _, err := tx.ExecContext(ctx, pgUpsertRecordSQL, args...); err != nil {
			return 0, fmt.Errorf("upsert record %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return len(records), nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, userID, id string) (*types.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM records WHERE id = $1 AND user_id = $2
	`, id, userID)
	return scanRecord(row)
}

func (s *PostgresStore) GetRecordByExternalID(ctx context.Context, syncID, externalID string) (*types.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM records WHERE sync_id = $1 AND external_id = $2
	`, syncID, externalID)
	return scanRecord(row)
}

func (s *PostgresStore) ListRecords(ctx context.Context, userID, syncID string, offset, limit int) (*types.RecordListResult, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE sync_id = $1 AND user_id = $2
	`, syncID, userID).Scan(&total); err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE sync_id = $1 AND user_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
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

func (s *PostgresStore) UpdateRecordData(ctx context.Context, id string, version int64, name string, data map[string]any) (*types.Record, error) {
	encoded, err := marshalData(data)
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE records SET name = $1, data = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5
	`, name, encoded, time.Now().UTC().Format(time.RFC3339Nano), id, version)
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id)
		if _, scanErr := scanRecord(row); errors.Is(scanErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrVersionConflict
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id)
	return scanRecord(row)
}

func (s *PostgresStore) SetRecordStatus(ctx context.Context, id string, status types.RecordStatus, syncError string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE records SET sync_status = $1, sync_error = $2, version = version + 1, updated_at = $3
		WHERE id = $4
	`, status, syncError, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set record status: %w", err)
	}
	return requireRows(result)
}

func (s *PostgresStore) SetRecordExternalID(ctx context.Context, id, externalID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE records SET external_id = $1, version = version + 1, updated_at = $2
		WHERE id = $3
	`, externalID, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set record external id: %w", err)
	}
	return requireRows(result)
}

func (s *PostgresStore) DeleteRecord(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return requireRows(result)
}

func (s *PostgresStore) CountRecords(ctx context.Context, syncID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE sync_id = $1`, syncID).Scan(&count)
	return count, err
}

func (s *PostgresStore) InsertActivity(ctx context.Context, a *types.Activity) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.SyncID, a.UserID, a.Type, a.RecordID, metadata, a.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivities(ctx context.Context, userID, syncID string, limit int) ([]types.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sync_id, user_id, type, record_id, metadata, created_at
		FROM activities
		WHERE sync_id = $1 AND user_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
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

func (s *PostgresStore) GetCheckpoint(ctx context.Context, runID, step string) ([]byte, bool, error) {
	var output []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT output FROM job_checkpoints WHERE run_id = $1 AND step = $2
	`, runID, step).Scan(&output)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get checkpoint: %w", err)
	}
	return output, true, nil
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, runID, step string, output []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_checkpoints (run_id, step, output, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, step) DO NOTHING
	`, runID, step, output, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearCheckpoints(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_checkpoints WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("clear checkpoints: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, d *types.Document) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.ID, d.UserID, d.Name, d.ExternalID, d.BlobKey, d.LinkStatus,
		d.CreatedAt.Format(time.RFC3339Nano), d.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, userID, id string) (*types.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, external_id, blob_key, link_status, created_at, updated_at
		FROM documents WHERE id = $1 AND user_id = $2
	`, id, userID)
	return scanDocument(row)
}

func (s *PostgresStore) RelinkDocument(ctx context.Context, userID, id, externalID string) (*types.Document, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET external_id = $1, link_status = $2, updated_at = $3
		WHERE id = $4 AND user_id = $5
	`, externalID, types.DocumentLinkSuccess, time.Now().UTC().Format(time.RFC3339Nano), id, userID)
	if err != nil {
		return nil, fmt.Errorf("relink document: %w", err)
	}
	if err := requireRows(result); err != nil {
		return nil, err
	}
	return s.GetDocument(ctx, userID, id)
}
