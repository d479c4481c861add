package store

import (
	"context"

	"github.com/hyperengineering/syncbridge/internal/types"
)

// Store defines the interface contract for all sync persistence operations.
// Implementations provide single-row atomic writes; cross-table consistency
// is achieved by write ordering (sync/record before activity) and by
// treating activity writes as non-critical.
type Store interface {
	// Syncs
	CreateSync(ctx context.Context, s *types.Sync) error
	GetSync(ctx context.Context, userID, id string) (*types.Sync, error)
	GetSyncByInstanceKey(ctx context.Context, userID, instanceKey string) (*types.Sync, error)
	ListSyncs(ctx context.Context, userID string) ([]types.SyncWithCount, error)
	MarkSyncInProgress(ctx context.Context, id string) error
	FinalizeSyncPull(ctx context.Context, id string, total int, truncated bool) error
	MarkSyncFailed(ctx context.Context, id, pullError string) error
	DeleteSync(ctx context.Context, userID, id string) error
	CountSyncs(ctx context.Context) (int64, error)

	// Records
	InsertRecord(ctx context.Context, nr types.NewRecord) (*types.Record, error)
	UpsertRecordsBatch(ctx context.Context, records []types.NewRecord) (int, error)
	GetRecord(ctx context.Context, userID, id string) (*types.Record, error)
	GetRecordByExternalID(ctx context.Context, syncID, externalID string) (*types.Record, error)
	ListRecords(ctx context.Context, userID, syncID string, offset, limit int) (*types.RecordListResult, error)
	UpdateRecordData(ctx context.Context, id string, version int64, name string, data map[string]any) (*types.Record, error)
	SetRecordStatus(ctx context.Context, id string, status types.RecordStatus, syncError string) error
	SetRecordExternalID(ctx context.Context, id, externalID string) error
	DeleteRecord(ctx context.Context, id string) error
	CountRecords(ctx context.Context, syncID string) (int, error)

	// Activities (append-only)
	InsertActivity(ctx context.Context, a *types.Activity) error
	ListActivities(ctx context.Context, userID, syncID string, limit int) ([]types.Activity, error)

	// Durable job checkpoints
	GetCheckpoint(ctx context.Context, runID, step string) ([]byte, bool, error)
	SaveCheckpoint(ctx context.Context, runID, step string, output []byte) error
	ClearCheckpoints(ctx context.Context, runID string) error

	// Documents (link-id side channel)
	CreateDocument(ctx context.Context, d *types.Document) error
	GetDocument(ctx context.Context, userID, id string) (*types.Document, error)
	RelinkDocument(ctx context.Context, userID, id, externalID string) (*types.Document, error)

	Close() error
}
