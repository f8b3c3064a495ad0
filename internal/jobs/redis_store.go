package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"mailsweep/internal/models"
)

// RedisStore keeps each job as a Redis hash so the email counter can be
// bumped atomically with INCRBY while other fields stay readable.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client; prefix namespaces all keys.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "msjob:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) jobKey(id string) string {
	return s.prefix + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "all"
}

// Create writes the job hash and indexes the id.
func (s *RedisStore) Create(ctx context.Context, job models.Job) error {
	fields, err := jobFields(job)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.jobKey(job.ID), fields)
	pipe.SAdd(ctx, s.indexKey(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

// Get reads a job; ok is false when the id is unknown.
func (s *RedisStore) Get(ctx context.Context, id string) (models.Job, bool, error) {
	raw, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return models.Job{}, false, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(raw) == 0 {
		return models.Job{}, false, nil
	}
	job, err := jobFromFields(raw)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, true, nil
}

// List returns every known job.
func (s *RedisStore) List(ctx context.Context) ([]models.Job, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, ok, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, job)
		}
	}
	return out, nil
}

// SetStatus updates the job status; completedAt is written when non-zero.
func (s *RedisStore) SetStatus(ctx context.Context, id string, status models.JobStatus, completedAt time.Time) error {
	fields := map[string]any{"status": string(status)}
	if !completedAt.IsZero() {
		fields["completed_at"] = completedAt.UTC().Format(time.RFC3339Nano)
	}
	if err := s.client.HSet(ctx, s.jobKey(id), fields).Err(); err != nil {
		return fmt.Errorf("set job %s status: %w", id, err)
	}
	return nil
}

// IncrementTotalEmails atomically bumps the denormalized counter.
func (s *RedisStore) IncrementTotalEmails(ctx context.Context, id string, delta int64) (int64, error) {
	total, err := s.client.HIncrBy(ctx, s.jobKey(id), "total_emails", delta).Result()
	if err != nil {
		return 0, fmt.Errorf("increment job %s total: %w", id, err)
	}
	return total, nil
}

// Delete removes the job hash and its index entry.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.jobKey(id))
	pipe.SRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func jobFields(job models.Job) (map[string]any, error) {
	niche, err := json.Marshal(job.Niche)
	if err != nil {
		return nil, fmt.Errorf("encode niche: %w", err)
	}
	emailTypes, err := json.Marshal(job.EmailTypes)
	if err != nil {
		return nil, fmt.Errorf("encode email types: %w", err)
	}
	return map[string]any{
		"id":                 job.ID,
		"name":               job.Name,
		"niche":              string(niche),
		"country":            job.Country,
		"email_types":        string(emailTypes),
		"speed_mode":         string(job.SpeedMode),
		"status":             string(job.Status),
		"created_at":         job.CreatedAt.UTC().Format(time.RFC3339Nano),
		"completed_at":       formatTime(job.CompletedAt),
		"target_email_count": job.TargetEmailCount,
		"time_limit_minutes": job.TimeLimitMinutes,
		"deadline":           formatTime(job.Deadline),
		"total_emails":       job.TotalEmails,
	}, nil
}

func jobFromFields(raw map[string]string) (models.Job, error) {
	if raw["id"] == "" {
		return models.Job{}, errors.New("job hash missing id")
	}
	job := models.Job{
		ID:        raw["id"],
		Name:      raw["name"],
		Country:   raw["country"],
		SpeedMode: models.SpeedMode(raw["speed_mode"]),
		Status:    models.JobStatus(raw["status"]),
	}
	if v := raw["niche"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.Niche); err != nil {
			return models.Job{}, fmt.Errorf("decode niche: %w", err)
		}
	}
	if v := raw["email_types"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &job.EmailTypes); err != nil {
			return models.Job{}, fmt.Errorf("decode email types: %w", err)
		}
	}
	job.CreatedAt = parseTime(raw["created_at"])
	job.CompletedAt = parseTime(raw["completed_at"])
	job.Deadline = parseTime(raw["deadline"])
	job.TargetEmailCount, _ = strconv.Atoi(raw["target_email_count"])
	job.TimeLimitMinutes, _ = strconv.Atoi(raw["time_limit_minutes"])
	job.TotalEmails, _ = strconv.ParseInt(raw["total_emails"], 10, 64)
	return job, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
