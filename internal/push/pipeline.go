// Package push implements the outbound direction: a committed local
// create/update/delete is propagated to the remote system and the
// record's push status reflects the outcome. A remote failure marks the
// record failed but never rolls back the local mutation and never fails
// the enclosing request.
package push

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hyperengineering/syncbridge/internal/activity"
	"github.com/hyperengineering/syncbridge/internal/objects"
	"github.com/hyperengineering/syncbridge/internal/remote"
	"github.com/hyperengineering/syncbridge/internal/types"
)

// Store defines the persistence operations the push pipeline needs.
type Store interface {
	InsertRecord(ctx context.Context, nr types.NewRecord) (*types.Record, error)
	SetRecordStatus(ctx context.Context, id string, status types.RecordStatus, syncError string) error
	SetRecordExternalID(ctx context.Context, id, externalID string) error
	DeleteRecord(ctx context.Context, id string) error
}

// Pipeline propagates single-record mutations to the remote system.
type Pipeline struct {
	store      Store
	client     remote.Client
	activities activity.Logger
	registry   *objects.Registry
}

// New creates a Pipeline bound to a remote client.
func New(s Store, client remote.Client, activities activity.Logger, registry *objects.Registry) *Pipeline {
	return &Pipeline{
		store:      s,
		client:     client,
		activities: activities,
		registry:   registry,
	}
}

// CreateRecord inserts the local record in pending state, then attempts
// the remote create. The returned record carries the resulting push
// status; a remote failure is captured, not returned.
func (p *Pipeline) CreateRecord(ctx context.Context, sy *types.Sync, name string, data map[string]any) (*types.Record, error) {
	rec, err := p.store.InsertRecord(ctx, types.NewRecord{
		SyncID:     sy.ID,
		UserID:     sy.UserID,
		Name:       name,
		Data:       data,
		SyncStatus: types.RecordPending,
	})
	if err != nil {
		return nil, err
	}

	def, ok := p.registry.Get(sy.AppObjectKey)
	if !ok || def.CreateAction == "" {
		// No outbound action for this type; the local insert stands alone.
		p.setStatus(ctx, rec, types.RecordCompleted, "")
		p.recordEvent(sy, rec, types.ActivityRecordCreated)
		return rec, nil
	}

	p.setStatus(ctx, rec, types.RecordInProgress, "")

	out, err := p.action(sy, def.CreateAction).Run(ctx, remote.RunRequest{Input: rec.Data})
	if err != nil {
		p.setStatus(ctx, rec, types.RecordFailed, ErrorMessage(err))
	} else {
		if out.ID != "" {
			if err := p.store.SetRecordExternalID(ctx, rec.ID, out.ID); err != nil {
				slog.Error("failed to store external id",
					"component", "push", "record_id", rec.ID, "error", err)
			} else {
				rec.ExternalID = out.ID
			}
		}
		p.setStatus(ctx, rec, types.RecordCompleted, "")
	}

	p.recordEvent(sy, rec, types.ActivityRecordCreated)
	return rec, nil
}

// UpdateRecord propagates an already-committed local update. The local
// data stays overwritten even when the remote call fails.
func (p *Pipeline) UpdateRecord(ctx context.Context, sy *types.Sync, rec *types.Record) *types.Record {
	def, ok := p.registry.Get(sy.AppObjectKey)
	if !ok || def.UpdateAction == "" {
		p.recordEvent(sy, rec, types.ActivityRecordUpdated)
		return rec
	}

	// A fresh attempt starts its own status walk and clears the previous
	// push error.
	p.setStatus(ctx, rec, types.RecordInProgress, "")

	input := map[string]any{"id": rec.ExternalID}
	for k, v := range rec.Data {
		input[k] = v
	}

	if _, err := p.action(sy, def.UpdateAction).Run(ctx, remote.RunRequest{Input: input}); err != nil {
		p.setStatus(ctx, rec, types.RecordFailed, ErrorMessage(err))
	} else {
		p.setStatus(ctx, rec, types.RecordCompleted, "")
	}

	p.recordEvent(sy, rec, types.ActivityRecordUpdated)
	return rec
}

// DeleteRecord attempts the remote delete first, then removes the local
// record regardless of the remote outcome. The local store is
// authoritative for presence.
func (p *Pipeline) DeleteRecord(ctx context.Context, sy *types.Sync, rec *types.Record) error {
	def, defOK := p.registry.Get(sy.AppObjectKey)
	remoteStatus := types.RecordCompleted
	remoteError := ""

	if defOK && def.DeleteAction != "" && rec.ExternalID != "" {
		input := map[string]any{"id": rec.ExternalID}
		if _, err := p.action(sy, def.DeleteAction).Run(ctx, remote.RunRequest{Input: input}); err != nil {
			remoteStatus = types.RecordFailed
			remoteError = ErrorMessage(err)
			slog.Warn("remote delete failed, deleting locally anyway",
				"component", "push",
				"record_id", rec.ID,
				"external_id", rec.ExternalID,
				"error", err,
			)
		}
	}

	if err := p.store.DeleteRecord(ctx, rec.ID); err != nil {
		return err
	}

	metadata := p.eventMetadata(sy, rec, remoteStatus)
	if remoteError != "" {
		metadata["remote_error"] = remoteError
	}
	p.activities.Record(types.Activity{
		SyncID:   sy.ID,
		UserID:   sy.UserID,
		Type:     types.ActivityRecordDeleted,
		RecordID: rec.ID,
		Metadata: metadata,
	})
	return nil
}

func (p *Pipeline) action(sy *types.Sync, key string) remote.Action {
	return p.client.Connection(sy.InstanceKey).Action(key)
}

// setStatus persists a push status transition and mirrors it onto the
// in-memory record so callers return the resulting state.
func (p *Pipeline) setStatus(ctx context.Context, rec *types.Record, status types.RecordStatus, syncError string) {
	if err := p.store.SetRecordStatus(ctx, rec.ID, status, syncError); err != nil {
		slog.Error("failed to set record status",
			"component", "push",
			"record_id", rec.ID,
			"status", status,
			"error", err,
		)
		return
	}
	rec.SyncStatus = status
	rec.SyncError = syncError
}

func (p *Pipeline) recordEvent(sy *types.Sync, rec *types.Record, t types.ActivityType) {
	p.activities.Record(types.Activity{
		SyncID:   sy.ID,
		UserID:   sy.UserID,
		Type:     t,
		RecordID: rec.ID,
		Metadata: p.eventMetadata(sy, rec, rec.SyncStatus),
	})
}

func (p *Pipeline) eventMetadata(sy *types.Sync, rec *types.Record, status types.RecordStatus) map[string]any {
	return map[string]any{
		"external_id":     rec.ExternalID,
		"integration_key": sy.IntegrationKey,
		"app_object_key":  sy.AppObjectKey,
		"status":          string(status),
	}
}

// ErrorMessage extracts the message surfaced into sync_error fields,
// preferring the remote operation's structured message over a generic
// rendering.
func ErrorMessage(err error) string {
	var opErr *remote.OperationError
	if errors.As(err, &opErr) && opErr.Data.Message != "" {
		return opErr.Data.Message
	}
	return err.Error()
}
