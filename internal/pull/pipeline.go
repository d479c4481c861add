// Package pull implements the batch import direction: remote pages are
// fetched cursor-by-cursor, bulk-upserted into the record table, and the
// owning sync is finalized. The pipeline runs inside the durable job
// runtime so a process-level retry never re-imports a completed page.
package pull

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/syncbridge/internal/activity"
	"github.com/hyperengineering/syncbridge/internal/job"
	"github.com/hyperengineering/syncbridge/internal/remote"
	"github.com/hyperengineering/syncbridge/internal/types"
)

// DefaultMaxRecords caps how many records a single pull run imports.
const DefaultMaxRecords = 1000

// Store defines the persistence operations the pull pipeline needs.
type Store interface {
	GetSync(ctx context.Context, userID, id string) (*types.Sync, error)
	MarkSyncInProgress(ctx context.Context, id string) error
	FinalizeSyncPull(ctx context.Context, id string, total int, truncated bool) error
	MarkSyncFailed(ctx context.Context, id, pullError string) error
	UpsertRecordsBatch(ctx context.Context, records []types.NewRecord) (int, error)
}

// ClientFactory builds a remote client bound to the token carried by a
// pull trigger event.
type ClientFactory func(token string) remote.Client

// Pipeline is the batch importer.
type Pipeline struct {
	store      Store
	clients    ClientFactory
	activities activity.Logger
	runtime    *job.Runtime
	maxRecords int
}

// New creates a Pipeline. maxRecords <= 0 selects DefaultMaxRecords.
func New(s Store, clients ClientFactory, activities activity.Logger, runtime *job.Runtime, maxRecords int) *Pipeline {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Pipeline{
		store:      s,
		clients:    clients,
		activities: activities,
		runtime:    runtime,
		maxRecords: maxRecords,
	}
}

// pageResult is the checkpointed output of one page step.
type pageResult struct {
	Inserted int     `json:"inserted"`
	Cursor   *string `json:"cursor,omitempty"`
}

// finalizeResult is the checkpointed output of the finalize step.
type finalizeResult struct {
	Total     int  `json:"total"`
	Truncated bool `json:"truncated"`
}

// Run executes one pull for the sync named by the event. It returns the
// number of records imported; on terminal failure the sync is marked
// failed by the runtime's failure callback and the error is returned.
func (p *Pipeline) Run(ctx context.Context, ev types.PullEvent) (types.PullResult, error) {
	start := time.Now()

	sy, err := p.store.GetSync(ctx, ev.UserID, ev.SyncID)
	if err != nil {
		return types.PullResult{}, fmt.Errorf("resolve sync %s: %w", ev.SyncID, err)
	}

	action := p.clients(ev.Token).Connection(sy.InstanceKey).Action(ev.ActionKey)

	// Each trigger gets its own run id: retries of the same trigger line
	// up with their checkpoints, while a resync after a terminal failure
	// starts clean instead of replaying the dead run's pages.
	runID := "pull:" + ev.SyncID + ":" + uuid.NewString()

	var total int
	err = p.runtime.Execute(ctx, runID, func(ctx context.Context, run *job.Run) error {
		if _, err := job.Step(ctx, run, "begin", func(ctx context.Context) (struct{}, error) {
			if err := p.store.MarkSyncInProgress(ctx, ev.SyncID); err != nil {
				return struct{}{}, err
			}
			p.activities.Record(types.Activity{
				SyncID: ev.SyncID,
				UserID: ev.UserID,
				Type:   types.ActivitySyncSyncing,
				Metadata: map[string]any{
					"integration_key": sy.IntegrationKey,
					"app_object_key":  sy.AppObjectKey,
					"action_key":      ev.ActionKey,
				},
			})
			return struct{}{}, nil
		}); err != nil {
			return err
		}

		total = 0
		var cursor *string
		for page := 0; ; page++ {
			out, err := job.Step(ctx, run, fmt.Sprintf("page-%d", page), p.fetchPage(ev, sy, action, cursor, total))
			if err != nil {
				return err
			}
			total += out.Inserted
			cursor = out.Cursor

			if total >= p.maxRecords || cursor == nil {
				break
			}
		}

		_, err := job.Step(ctx, run, "finalize", func(ctx context.Context) (finalizeResult, error) {
			truncated := total >= p.maxRecords
			if err := p.store.FinalizeSyncPull(ctx, ev.SyncID, total, truncated); err != nil {
				return finalizeResult{}, err
			}
			p.activities.Record(types.Activity{
				SyncID: ev.SyncID,
				UserID: ev.UserID,
				Type:   types.ActivitySyncCompleted,
				Metadata: map[string]any{
					"total_synced": total,
					"is_truncated": truncated,
				},
			})
			return finalizeResult{Total: total, Truncated: truncated}, nil
		})
		return err
	}, func(ctx context.Context, cause error) {
		// Terminal failure: the retry budget is spent. Records imported by
		// completed pages stay; the import is not atomic across pages.
		if err := p.store.MarkSyncFailed(ctx, ev.SyncID, cause.Error()); err != nil {
			slog.Error("failed to mark sync failed",
				"component", "pull",
				"sync_id", ev.SyncID,
				"error", err,
			)
		}
		p.activities.Record(types.Activity{
			SyncID:   ev.SyncID,
			UserID:   ev.UserID,
			Type:     types.ActivitySyncPullFailed,
			Metadata: map[string]any{"error": cause.Error()},
		})
	})
	if err != nil {
		return types.PullResult{Success: false, TotalSynced: total}, err
	}

	slog.Info("pull completed",
		"component", "pull",
		"action", "pull_completed",
		"sync_id", ev.SyncID,
		"total_synced", total,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return types.PullResult{Success: true, TotalSynced: total}, nil
}

// fetchPage returns the step body for one page: list from the remote
// cursor, truncate to the remaining cap budget, and upsert the rows with
// their remote-declared timestamps.
func (p *Pipeline) fetchPage(ev types.PullEvent, sy *types.Sync, action remote.Action, cursor *string, total int) func(ctx context.Context) (pageResult, error) {
	return func(ctx context.Context) (pageResult, error) {
		out, err := action.Run(ctx, remote.RunRequest{Cursor: cursor})
		if err != nil {
			return pageResult{}, err
		}

		remaining := p.maxRecords - total
		page := out.Records
		if len(page) > remaining {
			// A page larger than the remaining budget is truncated, not
			// rejected; the cap holds even mid-page.
			page = page[:remaining]
		}

		batch := make([]types.NewRecord, len(page))
		for i, rec := range page {
			batch[i] = types.NewRecord{
				SyncID:     ev.SyncID,
				UserID:     ev.UserID,
				ExternalID: rec.ID,
				Name:       rec.Name,
				Data:       rec.Fields,
				SyncStatus: types.RecordCompleted,
				CreatedAt:  rec.CreatedAt,
				UpdatedAt:  rec.UpdatedAt,
			}
		}

		inserted, err := p.store.UpsertRecordsBatch(ctx, batch)
		if err != nil {
			return pageResult{}, err
		}

		slog.Debug("pull page imported",
			"component", "pull",
			"sync_id", ev.SyncID,
			"inserted", inserted,
			"has_more", out.Cursor != nil,
		)
		return pageResult{Inserted: inserted, Cursor: out.Cursor}, nil
	}
}
