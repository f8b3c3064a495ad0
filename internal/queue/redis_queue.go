package queue

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

// priorityBand separates priority from the enqueue sequence inside one
// sorted-set score: score = priority*2^40 + seq. Scores stay well under
// 2^53, so the float64 representation is exact.
const priorityBand = 1 << 40

// claimScript pops ids off the per-type pending set until it finds one
// whose hash is still pending, flips it to processing, and returns the
// full hash. Ids whose task was cancelled or deleted are discarded as
// they surface. Runs atomically server-side, which is what makes
// concurrent claims race-free.
var claimScript = redis.NewScript(`
local prefix = ARGV[4]
while true do
  local popped = redis.call('ZPOPMIN', KEYS[1])
  if #popped == 0 then
    return false
  end
  local id = popped[1]
  local taskKey = prefix .. 'task:' .. id
  if redis.call('HGET', taskKey, 'status') == 'pending' then
    redis.call('HSET', taskKey,
      'status', 'processing',
      'claimed_by', ARGV[1],
      'started_at', ARGV[2],
      'lease_expires_at', ARGV[3])
    redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), id)
    local jobID = redis.call('HGET', taskKey, 'job_id')
    redis.call('SREM', prefix .. 'job:' .. jobID .. ':pending', id)
    local counts = prefix .. 'counts:' .. jobID
    redis.call('HINCRBY', counts, 'pending', -1)
    redis.call('HINCRBY', counts, 'processing', 1)
    return redis.call('HGETALL', taskKey)
  end
end
`)

// completeScript transitions processing -> completed|failed.
var completeScript = redis.NewScript(`
local prefix = ARGV[4]
local taskKey = KEYS[1]
if redis.call('HGET', taskKey, 'status') ~= 'processing' then
  return 0
end
local newStatus = 'completed'
if ARGV[1] == '0' then
  newStatus = 'failed'
end
redis.call('HSET', taskKey,
  'status', newStatus,
  'completed_at', ARGV[3],
  'error_message', ARGV[2])
local id = redis.call('HGET', taskKey, 'id')
local typ = redis.call('HGET', taskKey, 'type')
local jobID = redis.call('HGET', taskKey, 'job_id')
redis.call('ZREM', prefix .. 'processing:' .. typ, id)
local counts = prefix .. 'counts:' .. jobID
redis.call('HINCRBY', counts, 'processing', -1)
redis.call('HINCRBY', counts, newStatus, 1)
return 1
`)

// cancelScript cancels every still-pending task indexed for a job.
var cancelScript = redis.NewScript(`
local prefix = ARGV[1]
local ids = redis.call('SMEMBERS', KEYS[1])
local n = 0
for _, id in ipairs(ids) do
  local taskKey = prefix .. 'task:' .. id
  if redis.call('HGET', taskKey, 'status') == 'pending' then
    redis.call('HSET', taskKey, 'status', 'cancelled', 'completed_at', ARGV[2])
    local typ = redis.call('HGET', taskKey, 'type')
    redis.call('ZREM', prefix .. 'pending:' .. typ, id)
    redis.call('HINCRBY', KEYS[2], 'pending', -1)
    redis.call('HINCRBY', KEYS[2], 'cancelled', 1)
    n = n + 1
  end
  redis.call('SREM', KEYS[1], id)
end
return n
`)

// reclaimScript moves lease-expired processing tasks back to pending.
var reclaimScript = redis.NewScript(`
local prefix = ARGV[1]
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local n = 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local taskKey = prefix .. 'task:' .. id
  if redis.call('HGET', taskKey, 'status') == 'processing' then
    redis.call('HSET', taskKey, 'status', 'pending', 'claimed_by', '', 'lease_expires_at', '0')
    local priority = tonumber(redis.call('HGET', taskKey, 'priority'))
    local seq = redis.call('INCR', prefix .. 'seq')
    redis.call('ZADD', KEYS[2], priority * 1099511627776 + seq, id)
    local jobID = redis.call('HGET', taskKey, 'job_id')
    redis.call('SADD', prefix .. 'job:' .. jobID .. ':pending', id)
    local counts = prefix .. 'counts:' .. jobID
    redis.call('HINCRBY', counts, 'processing', -1)
    redis.call('HINCRBY', counts, 'pending', 1)
    n = n + 1
  end
end
return n
`)

// RedisQueue is the production TaskQueue: task hashes plus per-type
// pending/processing sorted sets, mutated through Lua scripts so every
// transition is atomic.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue wraps an existing client; prefix namespaces all keys.
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "msq:"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

func (q *RedisQueue) taskKey(id string) string {
	return q.prefix + "task:" + id
}

func (q *RedisQueue) pendingKey(typ models.TaskType) string {
	return q.prefix + "pending:" + string(typ)
}

func (q *RedisQueue) processingKey(typ models.TaskType) string {
	return q.prefix + "processing:" + string(typ)
}

func (q *RedisQueue) jobTasksKey(jobID string) string {
	return q.prefix + "job:" + jobID + ":tasks"
}

func (q *RedisQueue) jobPendingKey(jobID string) string {
	return q.prefix + "job:" + jobID + ":pending"
}

func (q *RedisQueue) countsKey(jobID string) string {
	return q.prefix + "counts:" + jobID
}

// Enqueue inserts the task hash and indexes it for claiming.
func (q *RedisQueue) Enqueue(ctx context.Context, task models.Task) error {
	if !task.Type.Valid() {
		return fmt.Errorf("enqueue: unknown task type %q", task.Type)
	}
	seq, err := q.client.Incr(ctx, q.prefix+"seq").Result()
	if err != nil {
		return fmt.Errorf("enqueue seq: %w", err)
	}
	score := float64(int64(task.Priority)*priorityBand + seq)

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(task.ID), taskFields(task))
	pipe.ZAdd(ctx, q.pendingKey(task.Type), redis.Z{Score: score, Member: task.ID})
	pipe.SAdd(ctx, q.jobTasksKey(task.JobID), task.ID)
	pipe.SAdd(ctx, q.jobPendingKey(task.JobID), task.ID)
	pipe.HIncrBy(ctx, q.countsKey(task.JobID), string(models.TaskPending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// ClaimNext runs the atomic claim script.
func (q *RedisQueue) ClaimNext(ctx context.Context, workerType models.TaskType, workerID string, lease time.Duration) (*models.Task, error) {
	now := time.Now().UTC()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.pendingKey(workerType), q.processingKey(workerType)},
		workerID,
		strconv.FormatInt(now.UnixNano(), 10),
		strconv.FormatInt(now.Add(lease).UnixNano(), 10),
		q.prefix,
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next %s: %w", workerType, err)
	}
	pairs, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("claim next %s: unexpected reply %T", workerType, res)
	}
	task, err := taskFromPairs(pairs)
	if err != nil {
		return nil, fmt.Errorf("claim next %s: %w", workerType, err)
	}
	return &task, nil
}

// Complete records the task outcome.
func (q *RedisQueue) Complete(ctx context.Context, taskID string, ok bool, errMsg string) error {
	okArg := "1"
	if !ok {
		okArg = "0"
	}
	res, err := completeScript.Run(ctx, q.client,
		[]string{q.taskKey(taskID)},
		okArg,
		errMsg,
		strconv.FormatInt(time.Now().UTC().UnixNano(), 10),
		q.prefix,
	).Int()
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	if res == 0 {
		return fmt.Errorf("complete task %s: not in processing state", taskID)
	}
	return nil
}

// CancelPending cancels a job's pending tasks so idle workers stop
// picking up its work.
func (q *RedisQueue) CancelPending(ctx context.Context, jobID string) (int, error) {
	n, err := cancelScript.Run(ctx, q.client,
		[]string{q.jobPendingKey(jobID), q.countsKey(jobID)},
		q.prefix,
		strconv.FormatInt(time.Now().UTC().UnixNano(), 10),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("cancel pending for job %s: %w", jobID, err)
	}
	return n, nil
}

// ReclaimExpired returns lease-expired processing tasks to pending.
func (q *RedisQueue) ReclaimExpired(ctx context.Context, workerType models.TaskType) (int, error) {
	n, err := reclaimScript.Run(ctx, q.client,
		[]string{q.processingKey(workerType), q.pendingKey(workerType)},
		q.prefix,
		strconv.FormatInt(time.Now().UTC().UnixNano(), 10),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("reclaim expired %s: %w", workerType, err)
	}
	return n, nil
}

// Counts reads the per-status tallies maintained by the scripts.
func (q *RedisQueue) Counts(ctx context.Context, jobID string) (map[models.TaskStatus]int, error) {
	raw, err := q.client.HGetAll(ctx, q.countsKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("counts for job %s: %w", jobID, err)
	}
	out := make(map[models.TaskStatus]int, len(raw))
	for field, val := range raw {
		n, err := strconv.Atoi(val)
		if err != nil {
			continue
		}
		out[models.TaskStatus(field)] = n
	}
	return out, nil
}

// DeleteJobTasks removes every key belonging to a job's tasks.
func (q *RedisQueue) DeleteJobTasks(ctx context.Context, jobID string) error {
	ids, err := q.client.SMembers(ctx, q.jobTasksKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("delete tasks for job %s: %w", jobID, err)
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		for _, typ := range []models.TaskType{models.TaskDiscover, models.TaskExtract, models.TaskGenerate} {
			pipe.ZRem(ctx, q.pendingKey(typ), id)
			pipe.ZRem(ctx, q.processingKey(typ), id)
		}
		pipe.Del(ctx, q.taskKey(id))
	}
	pipe.Del(ctx, q.jobTasksKey(jobID), q.jobPendingKey(jobID), q.countsKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete tasks for job %s: %w", jobID, err)
	}
	return nil
}

// taskFields flattens a task into the hash representation. Times are
// unix nanos; zero times are stored as 0.
func taskFields(t models.Task) map[string]any {
	return map[string]any{
		"id":               t.ID,
		"job_id":           t.JobID,
		"type":             string(t.Type),
		"payload":          string(t.Payload),
		"status":           string(t.Status),
		"priority":         t.Priority,
		"created_at":       unixNano(t.CreatedAt),
		"started_at":       unixNano(t.StartedAt),
		"completed_at":     unixNano(t.CompletedAt),
		"claimed_by":       t.ClaimedBy,
		"lease_expires_at": unixNano(t.LeaseExpiresAt),
		"error_message":    t.ErrorMessage,
	}
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeFromNanos(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// taskFromPairs decodes the flat field/value reply of HGETALL run from a
// Lua script.
func taskFromPairs(pairs []interface{}) (models.Task, error) {
	fields := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		key, kOK := pairs[i].(string)
		val, vOK := pairs[i+1].(string)
		if kOK && vOK {
			fields[key] = val
		}
	}
	if fields["id"] == "" {
		return models.Task{}, errors.New("task hash missing id")
	}
	priority, _ := strconv.Atoi(fields["priority"])
	t := models.Task{
		ID:             fields["id"],
		JobID:          fields["job_id"],
		Type:           models.TaskType(fields["type"]),
		Status:         models.TaskStatus(fields["status"]),
		Priority:       priority,
		CreatedAt:      timeFromNanos(fields["created_at"]),
		StartedAt:      timeFromNanos(fields["started_at"]),
		CompletedAt:    timeFromNanos(fields["completed_at"]),
		ClaimedBy:      fields["claimed_by"],
		LeaseExpiresAt: timeFromNanos(fields["lease_expires_at"]),
		ErrorMessage:   fields["error_message"],
	}
	if payload := fields["payload"]; payload != "" {
		t.Payload = json.RawMessage(payload)
	}
	return t, nil
}
