// Package jobs persists job records and owns the completion policy.
package jobs

import (
	"context"
	"time"

	"mailsweep/internal/models"
)

// Store persists job records. Workers mutate status and counters only.
type Store interface {
	Create(ctx context.Context, job models.Job) error
	Get(ctx context.Context, id string) (models.Job, bool, error)
	List(ctx context.Context) ([]models.Job, error)
	SetStatus(ctx context.Context, id string, status models.JobStatus, completedAt time.Time) error
	// IncrementTotalEmails bumps the denormalized counter and returns
	// the new total.
	IncrementTotalEmails(ctx context.Context, id string, delta int64) (int64, error)
	Delete(ctx context.Context, id string) error
}
