// Package queue is the durable task queue coordinating all workers. It
// is the pipeline's sole synchronization point: the claim operation is
// atomic, so a task is held by at most one worker at a time.
package queue

import (
	"context"
	"time"

	"mailsweep/internal/models"
)

// TaskQueue is the orchestration contract shared by the Redis-backed
// implementation and the in-memory one used in tests.
type TaskQueue interface {
	// Enqueue inserts a pending task; fails only on storage errors.
	Enqueue(ctx context.Context, task models.Task) error

	// ClaimNext atomically selects the oldest highest-priority pending
	// task of the given type, transitions it to processing, and records
	// the claimant, start time, and lease expiry. Returns (nil, nil)
	// when no task is eligible. Concurrent claimants never receive the
	// same task.
	ClaimNext(ctx context.Context, workerType models.TaskType, workerID string, lease time.Duration) (*models.Task, error)

	// Complete transitions processing -> completed|failed, recording the
	// completion time and error text. Tasks are never auto-retried.
	Complete(ctx context.Context, taskID string, ok bool, errMsg string) error

	// CancelPending bulk-transitions a job's still-pending tasks to
	// cancelled and returns how many were cancelled.
	CancelPending(ctx context.Context, jobID string) (int, error)

	// ReclaimExpired moves lease-expired processing tasks of the given
	// type back to pending so work stranded by a dead worker is retried.
	ReclaimExpired(ctx context.Context, workerType models.TaskType) (int, error)

	// Counts returns the per-status task tallies for a job.
	Counts(ctx context.Context, jobID string) (map[models.TaskStatus]int, error)

	// DeleteJobTasks removes every task belonging to a job; part of the
	// job-delete cascade.
	DeleteJobTasks(ctx context.Context, jobID string) error
}
