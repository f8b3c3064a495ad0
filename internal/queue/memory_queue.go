package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mailsweep/internal/models"
)

// MemoryQueue implements TaskQueue in process memory with the same claim
// semantics as the Redis queue. It backs unit tests and is where the
// concurrent-claim property is exercised.
type MemoryQueue struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
	// pending ids per type, kept sorted by (priority, enqueue sequence)
	pending map[models.TaskType][]pendingRef
	seq     int64
}

type pendingRef struct {
	id       string
	priority int
	seq      int64
}

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		tasks:   make(map[string]*models.Task),
		pending: make(map[models.TaskType][]pendingRef),
	}
}

// Enqueue inserts a pending task.
func (q *MemoryQueue) Enqueue(_ context.Context, task models.Task) error {
	if !task.Type.Valid() {
		return fmt.Errorf("enqueue: unknown task type %q", task.Type)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	t := task
	t.Status = models.TaskPending
	q.tasks[t.ID] = &t
	refs := append(q.pending[t.Type], pendingRef{id: t.ID, priority: t.Priority, seq: q.seq})
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].priority != refs[j].priority {
			return refs[i].priority < refs[j].priority
		}
		return refs[i].seq < refs[j].seq
	})
	q.pending[t.Type] = refs
	return nil
}

// ClaimNext pops the first pending task of the type, skipping stale ids.
func (q *MemoryQueue) ClaimNext(_ context.Context, workerType models.TaskType, workerID string, lease time.Duration) (*models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	refs := q.pending[workerType]
	for len(refs) > 0 {
		ref := refs[0]
		refs = refs[1:]
		t, ok := q.tasks[ref.id]
		if !ok || t.Status != models.TaskPending {
			continue
		}
		now := time.Now().UTC()
		t.Status = models.TaskProcessing
		t.ClaimedBy = workerID
		t.StartedAt = now
		t.LeaseExpiresAt = now.Add(lease)
		q.pending[workerType] = refs
		claimed := *t
		return &claimed, nil
	}
	q.pending[workerType] = refs
	return nil, nil
}

// Complete records a processing task's outcome.
func (q *MemoryQueue) Complete(_ context.Context, taskID string, ok bool, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, found := q.tasks[taskID]
	if !found {
		return fmt.Errorf("complete task %s: not found", taskID)
	}
	if t.Status != models.TaskProcessing {
		return fmt.Errorf("complete task %s: not in processing state", taskID)
	}
	if ok {
		t.Status = models.TaskCompleted
	} else {
		t.Status = models.TaskFailed
	}
	t.CompletedAt = time.Now().UTC()
	t.ErrorMessage = errMsg
	return nil
}

// CancelPending cancels a job's pending tasks.
func (q *MemoryQueue) CancelPending(_ context.Context, jobID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if t.JobID == jobID && t.Status == models.TaskPending {
			t.Status = models.TaskCancelled
			t.CompletedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

// ReclaimExpired returns lease-expired processing tasks to pending.
func (q *MemoryQueue) ReclaimExpired(_ context.Context, workerType models.TaskType) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	n := 0
	for _, t := range q.tasks {
		if t.Type != workerType || t.Status != models.TaskProcessing {
			continue
		}
		if t.LeaseExpiresAt.IsZero() || t.LeaseExpiresAt.After(now) {
			continue
		}
		t.Status = models.TaskPending
		t.ClaimedBy = ""
		t.LeaseExpiresAt = time.Time{}
		q.seq++
		q.pending[workerType] = append(q.pending[workerType], pendingRef{id: t.ID, priority: t.Priority, seq: q.seq})
		n++
	}
	return n, nil
}

// Counts tallies a job's tasks by status.
func (q *MemoryQueue) Counts(_ context.Context, jobID string) (map[models.TaskStatus]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[models.TaskStatus]int)
	for _, t := range q.tasks {
		if t.JobID == jobID {
			out[t.Status]++
		}
	}
	return out, nil
}

// DeleteJobTasks removes a job's tasks.
func (q *MemoryQueue) DeleteJobTasks(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, t := range q.tasks {
		if t.JobID == jobID {
			delete(q.tasks, id)
		}
	}
	return nil
}

// Task returns a copy of a task by id; test helper.
func (q *MemoryQueue) Task(id string) (models.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return models.Task{}, false
	}
	return *t, true
}

// TasksByJob returns copies of a job's tasks; test helper.
func (q *MemoryQueue) TasksByJob(jobID string) []models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.Task
	for _, t := range q.tasks {
		if t.JobID == jobID {
			out = append(out, *t)
		}
	}
	return out
}
