package models

import "time"

// JobStatus tracks a prospecting job through its lifecycle.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobStopped   JobStatus = "stopped"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further status transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobStopped || s == JobFailed
}

// SpeedMode controls how aggressively a job's pages are fetched.
type SpeedMode string

const (
	SpeedNormal SpeedMode = "normal"
	SpeedFast   SpeedMode = "fast"
)

// Job is a user request to harvest emails for a niche in a country.
// Workers mutate status and counters; the payload fields never change.
type Job struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Niche            []string    `json:"niche"`
	Country          string      `json:"country"`
	EmailTypes       []EmailType `json:"email_types,omitempty"`
	SpeedMode        SpeedMode   `json:"speed_mode"`
	Status           JobStatus   `json:"status"`
	CreatedAt        time.Time   `json:"created_at"`
	CompletedAt      time.Time   `json:"completed_at,omitempty"`
	TargetEmailCount int         `json:"target_email_count"`
	TimeLimitMinutes int         `json:"time_limit_minutes"`
	// Deadline is created_at + time limit; zero when the job is unlimited.
	Deadline    time.Time `json:"deadline,omitempty"`
	TotalEmails int64     `json:"total_emails"`
}

// Bounded reports whether the job has a target count or a deadline,
// i.e. whether the completion policy can ever finish it.
func (j Job) Bounded() bool {
	return j.TargetEmailCount > 0 || !j.Deadline.IsZero()
}

// WantsType reports whether the job's email-type filter accepts t.
// An empty filter accepts everything.
func (j Job) WantsType(t EmailType) bool {
	if len(j.EmailTypes) == 0 {
		return true
	}
	for _, want := range j.EmailTypes {
		if want == t {
			return true
		}
	}
	return false
}
