package models

import "time"

// WorkerState is the registry-visible state of a worker process.
type WorkerState string

const (
	WorkerActive  WorkerState = "active"
	WorkerIdle    WorkerState = "idle"
	WorkerStopped WorkerState = "stopped"
)

// WorkerStatus is the heartbeat record a worker publishes each
// claim/idle cycle. Observability only; task reclaiming is lease-based.
type WorkerStatus struct {
	WorkerID      string      `json:"worker_id"`
	WorkerType    TaskType    `json:"worker_type"`
	Status        WorkerState `json:"status"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}
