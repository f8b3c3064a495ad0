// Package worker runs the claim/execute/complete loop shared by the
// three stage kinds. Workers are meant to be respawned externally (the
// supervisor), so the loop exits after a bounded number of tasks or a
// stretch of empty polls rather than polling forever.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"mailsweep/internal/models"
	"mailsweep/internal/queue"
)

// Stage is the per-type task logic.
type Stage interface {
	Type() models.TaskType
	Execute(ctx context.Context, task models.Task) error
}

// HeartbeatStore receives worker status updates; the Redis registry
// implements it.
type HeartbeatStore interface {
	SetStatus(ctx context.Context, status models.WorkerStatus) error
}

// Config tunes a Loop. Zero values take the defaults.
type Config struct {
	WorkerID string
	// Lease is how long a claim holds a task before reclaim may return
	// it to pending; must exceed the slowest expected task.
	Lease time.Duration
	// MaxTasks bounds one invocation; 0 means unbounded.
	MaxTasks int
	// IdleSleep is the pause between empty polls.
	IdleSleep time.Duration
	// MaxIdlePolls is how many consecutive empty polls end the run.
	MaxIdlePolls int
	// Observer, when set, is called once per executed task.
	Observer func(typ models.TaskType, ok bool, took time.Duration)
}

// Loop claims and executes tasks of one type until bounded out.
type Loop struct {
	queue     queue.TaskQueue
	heartbeat HeartbeatStore
	stage     Stage
	cfg       Config
	startedAt time.Time
}

// NewLoop wires a loop; reg may be nil when no registry is configured.
func NewLoop(q queue.TaskQueue, reg HeartbeatStore, stage Stage, cfg Config) *Loop {
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 2 * time.Second
	}
	if cfg.MaxIdlePolls <= 0 {
		cfg.MaxIdlePolls = 3
	}
	return &Loop{queue: q, heartbeat: reg, stage: stage, cfg: cfg, startedAt: time.Now().UTC()}
}

// Run processes tasks until MaxTasks is reached, the queue stays empty
// past MaxIdlePolls, or ctx is cancelled. It returns the number of tasks
// processed. A non-nil error means the queue itself is unreachable; the
// caller should exit non-zero and let the supervisor respawn.
func (l *Loop) Run(ctx context.Context) (int, error) {
	processed := 0
	idle := 0
	for {
		if ctx.Err() != nil {
			break
		}
		if n, err := l.queue.ReclaimExpired(ctx, l.stage.Type()); err != nil {
			log.Printf("reclaim expired %s tasks: %v", l.stage.Type(), err)
		} else if n > 0 {
			log.Printf("reclaimed %d expired %s tasks", n, l.stage.Type())
		}

		task, err := l.queue.ClaimNext(ctx, l.stage.Type(), l.cfg.WorkerID, l.cfg.Lease)
		if err != nil {
			l.report(ctx, models.WorkerStopped, "")
			return processed, fmt.Errorf("claim next: %w", err)
		}
		if task == nil {
			idle++
			l.report(ctx, models.WorkerIdle, "")
			if idle >= l.cfg.MaxIdlePolls {
				break
			}
			select {
			case <-ctx.Done():
			case <-time.After(l.cfg.IdleSleep):
			}
			continue
		}
		idle = 0
		l.report(ctx, models.WorkerActive, task.ID)

		start := time.Now()
		execErr := l.execute(ctx, *task)
		took := time.Since(start)
		if execErr != nil {
			log.Printf("task %s (%s) failed after %s: %v", task.ID, task.Type, took.Round(time.Millisecond), execErr)
			if err := l.queue.Complete(ctx, task.ID, false, execErr.Error()); err != nil {
				log.Printf("mark task %s failed: %v", task.ID, err)
			}
		} else if err := l.queue.Complete(ctx, task.ID, true, ""); err != nil {
			log.Printf("mark task %s completed: %v", task.ID, err)
		}
		if l.cfg.Observer != nil {
			l.cfg.Observer(task.Type, execErr == nil, took)
		}

		processed++
		if l.cfg.MaxTasks > 0 && processed >= l.cfg.MaxTasks {
			break
		}
	}
	l.report(ctx, models.WorkerStopped, "")
	return processed, nil
}

// execute runs the stage, converting a panic into a task failure so one
// bad page cannot take the loop down.
func (l *Loop) execute(ctx context.Context, task models.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage panic: %v", r)
		}
	}()
	return l.stage.Execute(ctx, task)
}

func (l *Loop) report(ctx context.Context, state models.WorkerState, taskID string) {
	if l.heartbeat == nil {
		return
	}
	status := models.WorkerStatus{
		WorkerID:      l.cfg.WorkerID,
		WorkerType:    l.stage.Type(),
		Status:        state,
		CurrentTaskID: taskID,
		StartedAt:     l.startedAt,
		LastHeartbeat: time.Now().UTC(),
	}
	if err := l.heartbeat.SetStatus(ctx, status); err != nil {
		log.Printf("worker heartbeat: %v", err)
	}
}
