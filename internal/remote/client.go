// Package remote defines the boundary to the external system records are
// synchronized with. The engine only ever talks to the interfaces here;
// the HTTP implementation lives in http_client.go.
package remote

import (
	"context"
	"time"
)

// Client is bound to one external connection (one user's credentials).
type Client interface {
	// Connection addresses a remote connection/object configuration by its
	// caller-chosen instance key.
	Connection(instanceKey string) Connection
}

// Connection exposes the named operations of one remote instance plus its
// provisioning lifecycle.
type Connection interface {
	Action(key string) Action

	// Get resolves the remote connection, optionally creating it when it
	// does not exist yet.
	Get(ctx context.Context, opts GetOptions) error
	// Create provisions the remote connection.
	Create(ctx context.Context) error
	// Archive retires the remote connection.
	Archive(ctx context.Context) error
}

// GetOptions controls connection resolution.
type GetOptions struct {
	AutoCreate bool
}

// Action is one named remote operation (list/create/update/delete ...).
type Action interface {
	Run(ctx context.Context, req RunRequest) (*Output, error)
}

// RunRequest is the wire input of a remote operation: an opaque payload
// plus an optional pagination cursor.
type RunRequest struct {
	Input  map[string]any `json:"input,omitempty"`
	Cursor *string        `json:"cursor,omitempty"`
}

// Output is the result envelope of a remote operation.
type Output struct {
	// ID is the remote-assigned id for create-style operations.
	ID string `json:"id,omitempty"`
	// Records is the page returned by list-style operations.
	Records []Record `json:"records,omitempty"`
	// Cursor addresses the next page; nil means the listing is exhausted.
	Cursor *string `json:"cursor,omitempty"`
}

// Record is one remote entity as returned by a list operation. CreatedAt
// and UpdatedAt are the remote system's declared timestamps, not the time
// of the fetch.
type Record struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}
