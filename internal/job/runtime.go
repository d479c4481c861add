// Package job provides a durable step-function runtime. A job is an
// ordinary function broken into named steps; each completed step's output
// is checkpointed, so a process-level retry of the job skips work that
// already finished. The whole job is retried up to a fixed budget, after
// which a failure callback receives the terminal error.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// CheckpointStore persists completed step outputs between attempts.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, runID, step string) ([]byte, bool, error)
	SaveCheckpoint(ctx context.Context, runID, step string, output []byte) error
	ClearCheckpoints(ctx context.Context, runID string) error
}

// Runtime executes jobs with checkpointed steps and bounded retries.
type Runtime struct {
	checkpoints CheckpointStore
	maxAttempts int
	baseBackoff time.Duration
}

// NewRuntime creates a Runtime. maxAttempts bounds total executions of a
// job (default 3); baseBackoff seeds the exponential backoff between
// attempts (default 1s).
func NewRuntime(cs CheckpointStore, maxAttempts int, baseBackoff time.Duration) *Runtime {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}
	return &Runtime{
		checkpoints: cs,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
	}
}

// Run is the execution handle passed to a job function. Steps hang off it.
type Run struct {
	id      string
	runtime *Runtime
	attempt int
}

// ID returns the stable run identifier shared by all attempts.
func (r *Run) ID() string { return r.id }

// Attempt returns the 1-based attempt number of the current execution.
func (r *Run) Attempt() int { return r.attempt }

// Execute runs fn under the retry budget. runID must be stable across
// retries of the same triggering event so checkpoints line up. onFailure
// is invoked exactly once, after the budget is exhausted, with the last
// error; it may be nil. Checkpoints are cleared on success and kept on
// failure for inspection.
func (rt *Runtime) Execute(ctx context.Context, runID string, fn func(ctx context.Context, run *Run) error, onFailure func(ctx context.Context, err error)) error {
	run := &Run{id: runID, runtime: rt}

	var lastErr error
	backoff := retry.WithMaxRetries(uint64(rt.maxAttempts-1), retry.NewExponential(rt.baseBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		run.attempt++
		if err := fn(ctx, run); err != nil {
			lastErr = err
			slog.Warn("job attempt failed",
				"component", "job",
				"run_id", runID,
				"attempt", run.attempt,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		slog.Error("job failed",
			"component", "job",
			"run_id", runID,
			"attempts", run.attempt,
			"error", lastErr,
		)
		if onFailure != nil {
			// The failure callback must still be able to write its
			// terminal state even when the triggering context is gone.
			onFailure(context.WithoutCancel(ctx), lastErr)
		}
		return lastErr
	}

	if err := rt.checkpoints.ClearCheckpoints(ctx, runID); err != nil {
		slog.Warn("failed to clear job checkpoints", "run_id", runID, "error", err)
	}
	return nil
}

// Step executes one named checkpointed step. If the step completed in a
// previous attempt its recorded output is returned without re-executing
// the body; a step body must therefore tolerate at-least-once execution
// only for the attempt in which it first fails mid-flight.
func Step[T any](ctx context.Context, run *Run, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	cached, ok, err := run.runtime.checkpoints.GetCheckpoint(ctx, run.id, name)
	if err != nil {
		return zero, fmt.Errorf("load checkpoint %q: %w", name, err)
	}
	if ok {
		var out T
		if err := json.Unmarshal(cached, &out); err != nil {
			return zero, fmt.Errorf("decode checkpoint %q: %w", name, err)
		}
		slog.Debug("step replayed from checkpoint", "run_id", run.id, "step", name)
		return out, nil
	}

	out, err := fn(ctx)
	if err != nil {
		return zero, fmt.Errorf("step %q: %w", name, err)
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return zero, fmt.Errorf("encode checkpoint %q: %w", name, err)
	}
	if err := run.runtime.checkpoints.SaveCheckpoint(ctx, run.id, name, encoded); err != nil {
		return zero, fmt.Errorf("save checkpoint %q: %w", name, err)
	}
	return out, nil
}
