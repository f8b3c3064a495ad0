// Package registry tracks worker heartbeats for observability. Records
// expire on their own; a worker that dies simply ages out of the list.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mailsweep/internal/models"
)

// RedisRegistry stores worker status records in Redis with a TTL.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry wraps an existing client. ttl should comfortably
// exceed the worker heartbeat interval.
func NewRedisRegistry(client *redis.Client, prefix string, ttl time.Duration) *RedisRegistry {
	if prefix == "" {
		prefix = "msworker:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisRegistry{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisRegistry) key(workerID string) string {
	return r.prefix + workerID
}

func (r *RedisRegistry) indexKey() string {
	return r.prefix + "ids"
}

// SetStatus writes the heartbeat record, refreshing its TTL.
func (r *RedisRegistry) SetStatus(ctx context.Context, status models.WorkerStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode worker status: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(status.WorkerID), payload, r.ttl)
	pipe.SAdd(ctx, r.indexKey(), status.WorkerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set worker %s status: %w", status.WorkerID, err)
	}
	return nil
}

// GetStatus reads one worker's record; ok is false when it expired.
func (r *RedisRegistry) GetStatus(ctx context.Context, workerID string) (models.WorkerStatus, bool, error) {
	val, err := r.client.Get(ctx, r.key(workerID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.WorkerStatus{}, false, nil
		}
		return models.WorkerStatus{}, false, fmt.Errorf("get worker %s status: %w", workerID, err)
	}
	var status models.WorkerStatus
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return models.WorkerStatus{}, false, fmt.Errorf("decode worker %s status: %w", workerID, err)
	}
	return status, true, nil
}

// List returns every live worker record, pruning expired ids from the
// index as it goes.
func (r *RedisRegistry) List(ctx context.Context) ([]models.WorkerStatus, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	var out []models.WorkerStatus
	for _, id := range ids {
		status, ok, err := r.GetStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			r.client.SRem(ctx, r.indexKey(), id)
			continue
		}
		out = append(out, status)
	}
	return out, nil
}
