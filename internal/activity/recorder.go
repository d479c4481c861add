// Package activity writes the append-only audit trail. Writes are
// best-effort: a failure to record an activity never fails the operation
// that produced it.
package activity

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/syncbridge/internal/types"
)

// Logger is the interface pipelines record through.
type Logger interface {
	Record(a types.Activity)
}

// Sink persists activity entries. *store.SQLiteStore and
// *store.PostgresStore satisfy it.
type Sink interface {
	InsertActivity(ctx context.Context, a *types.Activity) error
}

// Recorder buffers activity entries in a bounded queue and flushes them
// from a background worker, decoupling audit writes from the critical
// path. When the queue is full the entry is dropped and counted.
type Recorder struct {
	sink         Sink
	queue        chan types.Activity
	writeTimeout time.Duration
	dropped      atomic.Int64
}

// NewRecorder creates a Recorder with the given queue capacity.
func NewRecorder(sink Sink, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Recorder{
		sink:         sink,
		queue:        make(chan types.Activity, queueSize),
		writeTimeout: 5 * time.Second,
	}
}

// Record enqueues an activity entry without blocking. Entries that do not
// fit are dropped; the caller is never failed.
func (r *Recorder) Record(a types.Activity) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	select {
	case r.queue <- a:
	default:
		r.dropped.Add(1)
		slog.Warn("activity queue full, entry dropped",
			"component", "activity",
			"sync_id", a.SyncID,
			"type", a.Type,
		)
	}
}

// Dropped returns the number of entries discarded because the queue was
// full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Run flushes the queue until ctx is cancelled, then drains what is left.
// Blocks; start it with the worker lifecycle helper.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case a := <-r.queue:
			r.flush(a)
		}
	}
}

func (r *Recorder) flush(a types.Activity) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	if err := r.sink.InsertActivity(ctx, &a); err != nil {
		// Swallowed on purpose: audit writes never propagate failures.
		slog.Warn("activity write failed",
			"component", "activity",
			"sync_id", a.SyncID,
			"type", a.Type,
			"error", err,
		)
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case a := <-r.queue:
			r.flush(a)
		default:
			return
		}
	}
}
