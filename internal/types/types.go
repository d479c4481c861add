package types

import (
	"encoding/json"
	"time"
)

// SyncStatus represents the lifecycle state of a Sync's pull leg.
type SyncStatus string

const (
	SyncInProgress SyncStatus = "in_progress"
	SyncCompleted  SyncStatus = "completed"
	SyncFailed     SyncStatus = "failed"
)

// RecordStatus represents the state of a Record's last outbound push attempt.
// Inbound-created records (pull page or webhook create) start at completed
// because no outbound call was made for them.
type RecordStatus string

const (
	RecordPending    RecordStatus = "pending"
	RecordInProgress RecordStatus = "in_progress"
	RecordCompleted  RecordStatus = "completed"
	RecordFailed     RecordStatus = "failed"
)

// ActivityType classifies an entry in the append-only activity trail.
type ActivityType string

const (
	ActivitySyncSyncing         ActivityType = "sync_syncing"
	ActivitySyncCompleted       ActivityType = "sync_completed"
	ActivitySyncPullFailed      ActivityType = "sync_pull_failed"
	ActivitySyncResyncTriggered ActivityType = "sync_resync_triggered"
	ActivityRecordCreated       ActivityType = "event_record_created"
	ActivityRecordUpdated       ActivityType = "event_record_updated"
	ActivityRecordDeleted       ActivityType = "event_record_deleted"
)

// Sync is the top-level configuration and status row for one
// (integration, object type, instance) synchronization relationship.
// Exactly one live Sync exists per (UserID, IntegrationKey, AppObjectKey,
// InstanceKey) tuple.
type Sync struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	IntegrationKey     string     `json:"integration_key"`
	InstanceKey        string     `json:"instance_key"`
	AppObjectKey       string     `json:"app_object_key"`
	Status             SyncStatus `json:"status"`
	PullError          string     `json:"pull_error,omitempty"`
	PullCount          int        `json:"pull_count"`
	IsTruncated        bool       `json:"is_truncated"`
	TotalRecordsSynced int        `json:"total_records_synced"`
	IntegrationName    string     `json:"integration_name,omitempty"`
	IntegrationLogoURI string     `json:"integration_logo_uri,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Record is one synchronized business entity mirrored between the local
// store and the remote system. ExternalID is empty until the first
// successful pull, push or webhook create assigns the remote id.
type Record struct {
	ID         string         `json:"id"`
	SyncID     string         `json:"sync_id"`
	UserID     string         `json:"user_id"`
	ExternalID string         `json:"external_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Data       map[string]any `json:"data"`
	SyncStatus RecordStatus   `json:"sync_status"`
	SyncError  string         `json:"sync_error,omitempty"`
	Version    int64          `json:"version"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// NewRecord is the input shape for record inserts and batch upserts.
type NewRecord struct {
	SyncID     string
	UserID     string
	ExternalID string
	Name       string
	Data       map[string]any
	SyncStatus RecordStatus
	// CreatedAt/UpdatedAt carry the remote system's declared timestamps for
	// pull-imported rows; zero values mean "stamp with current time".
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Activity is one append-only audit entry describing a state transition of
// a Sync or Record. Activities are written by the pipelines and never read
// back by them.
type Activity struct {
	ID        string         `json:"id"`
	SyncID    string         `json:"sync_id"`
	UserID    string         `json:"user_id"`
	Type      ActivityType   `json:"type"`
	RecordID  string         `json:"record_id,omitempty"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// Document is a file-side-channel entity whose remote id is assigned
// asynchronously via the link-id webhook.
type Document struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	ExternalID string    `json:"external_id,omitempty"`
	BlobKey    string    `json:"blob_key,omitempty"`
	LinkStatus string    `json:"link_status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Document link statuses.
const (
	DocumentLinkPending = "pending"
	DocumentLinkSuccess = "success"
)

// PullEvent is the trigger payload consumed by the pull pipeline.
type PullEvent struct {
	UserID         string `json:"userId"`
	Token          string `json:"token"`
	IntegrationKey string `json:"integrationKey"`
	ActionKey      string `json:"actionKey"`
	SyncID         string `json:"syncId"`
}

// PullResult is the outcome of a completed pull run.
type PullResult struct {
	Success     bool `json:"success"`
	TotalSynced int  `json:"totalSynced"`
}

// SyncWithCount decorates a Sync with its computed record count for list
// responses.
type SyncWithCount struct {
	Sync
	RecordCount int `json:"record_count"`
}

// CreateSyncRequest is the payload for configuring a new sync.
type CreateSyncRequest struct {
	IntegrationKey     string `json:"integration_key"`
	InstanceKey        string `json:"instance_key"`
	AppObjectKey       string `json:"app_object_key"`
	IntegrationName    string `json:"integration_name,omitempty"`
	IntegrationLogoURI string `json:"integration_logo_uri,omitempty"`
}

// CreateRecordRequest is the payload for a local record create.
type CreateRecordRequest struct {
	SyncID string         `json:"sync_id"`
	Name   string         `json:"name,omitempty"`
	Data   map[string]any `json:"data"`
}

// UpdateRecordRequest is the payload for a local record update.
type UpdateRecordRequest struct {
	Name string         `json:"name,omitempty"`
	Data map[string]any `json:"data"`
}

// RecordListResult is a paginated page of records.
type RecordListResult struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	Offset  int      `json:"offset"`
	Limit   int      `json:"limit"`
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	SyncCount int64  `json:"sync_count"`
}

// MarshalJSON ensures a nil Data map marshals as {} not null.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.Data == nil {
		r.Data = map[string]any{}
	}
	type Alias Record
	return json.Marshal(Alias(r))
}

// MarshalJSON ensures a nil Metadata map marshals as {} not null.
func (a Activity) MarshalJSON() ([]byte, error) {
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	type Alias Activity
	return json.Marshal(Alias(a))
}

// MarshalJSON ensures a nil Records slice marshals as [] not null.
func (l RecordListResult) MarshalJSON() ([]byte, error) {
	if l.Records == nil {
		l.Records = []Record{}
	}
	type Alias RecordListResult
	return json.Marshal(Alias(l))
}
