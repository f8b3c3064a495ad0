package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies the pipeline stage a task belongs to.
type TaskType string

const (
	TaskDiscover TaskType = "discover"
	TaskExtract  TaskType = "extract"
	TaskGenerate TaskType = "generate"
)

// Valid reports whether t is one of the three known stages.
func (t TaskType) Valid() bool {
	return t == TaskDiscover || t == TaskExtract || t == TaskGenerate
}

// Priority returns the dequeue priority for the type; lower dequeues first.
func (t TaskType) Priority() int {
	switch t {
	case TaskDiscover:
		return 1
	case TaskExtract:
		return 2
	default:
		return 3
	}
}

// TaskStatus is the queue-side state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Task is one unit of queued work belonging to a job. The payload is
// written once at creation; only status, claim, and error fields mutate.
type Task struct {
	ID             string          `json:"id"`
	JobID          string          `json:"job_id"`
	Type           TaskType        `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Status         TaskStatus      `json:"status"`
	Priority       int             `json:"priority"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      time.Time       `json:"started_at,omitempty"`
	CompletedAt    time.Time       `json:"completed_at,omitempty"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// NewTask builds a pending task for the given job with the payload
// serialized in place.
func NewTask(jobID string, typ TaskType, payload any) (Task, error) {
	if !typ.Valid() {
		return Task{}, fmt.Errorf("unknown task type %q", typ)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Task{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Type:      typ,
		Payload:   raw,
		Status:    TaskPending,
		Priority:  typ.Priority(),
		CreatedAt: time.Now().UTC(),
	}, nil
}
