package jobs

import (
	"context"
	"log"
	"time"

	"mailsweep/internal/models"
	"mailsweep/internal/queue"
)

// CompletionPolicy decides when a job is done. It is pull-based: workers
// evaluate it after generate tasks (and after extract tasks on bounded
// jobs), so completion is detected by ongoing worker activity rather
// than a central timer.
type CompletionPolicy struct {
	jobs  Store
	queue queue.TaskQueue
	now   func() time.Time
}

// NewCompletionPolicy wires the policy over the job store and task queue.
func NewCompletionPolicy(jobs Store, q queue.TaskQueue) *CompletionPolicy {
	return &CompletionPolicy{jobs: jobs, queue: q, now: time.Now}
}

// Evaluate marks the job completed when its target count is reached or
// its deadline has passed, then cancels the job's remaining pending
// tasks. Idempotent: a job already in a terminal state is left alone.
// An unbounded job (no target, no deadline) never auto-completes.
func (p *CompletionPolicy) Evaluate(ctx context.Context, jobID string) (bool, error) {
	job, ok, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !ok || job.Status.Terminal() {
		return false, nil
	}

	targetMet := job.TargetEmailCount > 0 && job.TotalEmails >= int64(job.TargetEmailCount)
	deadlinePassed := !job.Deadline.IsZero() && !p.now().Before(job.Deadline)
	if !targetMet && !deadlinePassed {
		return false, nil
	}

	now := p.now().UTC()
	if err := p.jobs.SetStatus(ctx, jobID, models.JobCompleted, now); err != nil {
		return false, err
	}
	cancelled, err := p.queue.CancelPending(ctx, jobID)
	if err != nil {
		// The job is already marked completed; stages skip work for
		// terminal jobs, so a failed cancel only costs idle claims.
		log.Printf("cancel pending for completed job %s: %v", jobID, err)
	} else if cancelled > 0 {
		log.Printf("job %s completed, cancelled %d pending tasks", jobID, cancelled)
	}
	return true, nil
}
