package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperengineering/syncbridge/internal/types"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed sync database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath, enables WAL
// mode and pragmas, and applies pending migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db, "sqlite"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const syncColumns = `id, user_id, integration_key, instance_key, app_object_key, status,
	pull_error, pull_count, is_truncated, total_records_synced,
	integration_name, integration_logo_uri, created_at, updated_at`

// CreateSync inserts a new Sync in in_progress state. A second live sync
// for the same (user, integration, object, instance) tuple returns
// ErrDuplicateSync.
func (s *SQLiteStore) CreateSync(ctx context.Context, sy *types.Sync) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sy.ID, sy.UserID, sy.IntegrationKey, sy.InstanceKey, sy.AppObjectKey, sy.Status,
		sy.PullError, sy.PullCount, sy.IsTruncated, sy.TotalRecordsSynced,
		sy.IntegrationName, sy.IntegrationLogoURI,
		sy.CreatedAt.Format(time.RFC3339Nano), sy.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSync
		}
		return fmt.Errorf("insert sync: %w", err)
	}
	return nil
}

// GetSync returns the sync with the given id scoped to userID.
func (s *SQLiteStore) GetSync(ctx context.Context, userID, id string) (*types.Sync, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+syncColumns+` FROM syncs WHERE id = ? AND user_id = ?
	`, id, userID)
	return scanSync(row)
}

// GetSyncByInstanceKey resolves the sync owning a remote instance key.
// Webhook handlers use this to locate the parent scope of inbound events.
func (s *SQLiteStore) GetSyncByInstanceKey(ctx context.Context, userID, instanceKey string) (*types.Sync, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+syncColumns+` FROM syncs WHERE instance_key = ? AND user_id = ?
	`, instanceKey, userID)
	return scanSync(row)
}

// ListSyncs returns all syncs for a user with their computed record counts.
func (s *SQLiteStore) ListSyncs(ctx context.Context, userID string) ([]types.SyncWithCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixColumns("s", syncColumns)+`,
			(SELECT COUNT(*) FROM records r WHERE r.sync_id = s.id) AS record_count
		FROM syncs s
		WHERE s.user_id = ?
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

// MarkSyncInProgress re-enters in_progress at the start of a pull run.
// This is the only transition out of completed/failed (a resync).
func (s *SQLiteStore) MarkSyncInProgress(ctx context.Context, id string) error {
	return s.updateSync(ctx, `
		UPDATE syncs SET status = ?, updated_at = ? WHERE id = ?
	`, types.SyncInProgress, time.Now().UTC().Format(time.RFC3339Nano), id)
}

// FinalizeSyncPull completes a pull run: clears the pull error, increments
// the pull counter and records the imported total and truncation flag.
func (s *SQLiteStore) FinalizeSyncPull(ctx context.Context, id string, total int, truncated bool) error {
	return s.updateSync(ctx, `
		UPDATE syncs
		SET status = ?, pull_error = '', pull_count = pull_count + 1,
			total_records_synced = ?, is_truncated = ?, updated_at = ?
		WHERE id = ?
	`, types.SyncCompleted, total, truncated, time.Now().UTC().Format(time.RFC3339Nano), id)
}

// MarkSyncFailed records a terminal pull failure.
func (s *SQLiteStore) MarkSyncFailed(ctx context.Context, id, pullError string) error {
	return s.updateSync(ctx, `
		UPDATE syncs SET status = ?, pull_error = ?, updated_at = ? WHERE id = ?
	`, types.SyncFailed, pullError, time.Now().UTC().Format(time.RFC3339Nano), id)
}

// DeleteSync removes a sync. Records and activities cascade via foreign keys.
func (s *SQLiteStore) DeleteSync(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM syncs WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete sync: %w", err)
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

// CountSyncs returns the total number of syncs across all users.
func (s *SQLiteStore) CountSyncs(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM syncs`).Scan(&count)
	return count, err
}

func (s *SQLiteStore) updateSync(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update sync: %w", err)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSync(row rowScanner) (*types.Sync, error) {
	var sy types.Sync
	var createdAt, updatedAt string
	err := row.Scan(&sy.ID, &sy.UserID, &sy.IntegrationKey, &sy.InstanceKey,
		&sy.AppObjectKey, &sy.Status, &sy.PullError, &sy.PullCount, &sy.IsTruncated,
		&sy.TotalRecordsSynced, &sy.IntegrationName, &sy.IntegrationLogoURI,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sync: %w", err)
	}
	sy.CreatedAt, sy.UpdatedAt = parseTimes(createdAt, updatedAt)
	return &sy, nil
}

func parseTimes(createdAt, updatedAt string) (time.Time, time.Time) {
	c, _ := time.Parse(time.RFC3339Nano, createdAt)
	u, _ := time.Parse(time.RFC3339Nano, updatedAt)
	return c, u
}

// prefixColumns qualifies each column in a comma-separated list with a
// table alias for use in joins.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
