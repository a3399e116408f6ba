package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/rendis/loom/pkg/schema"
)

// RedisQueue is a TaskQueue backed by two sorted sets per queue: ready tasks
// scored by visibility time and leased tasks scored by lease expiry. Task
// bodies live in a hash per task. Every state change runs as a Lua script.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	opts   Options
}

// NewRedisQueue creates a RedisQueue. Keys are namespaced under prefix.
func NewRedisQueue(client redis.UniversalClient, prefix string, opts Options) *RedisQueue {
	if prefix == "" {
		prefix = "loom"
	}
	return &RedisQueue{client: client, prefix: prefix, opts: opts.withDefaults()}
}

func (q *RedisQueue) readyKey(queue string) string  { return fmt.Sprintf("%s:q:%s:ready", q.prefix, queue) }
func (q *RedisQueue) leasedKey(queue string) string { return fmt.Sprintf("%s:q:%s:leased", q.prefix, queue) }
func (q *RedisQueue) taskPrefix() string            { return q.prefix + ":task:" }
func (q *RedisQueue) taskKey(id string) string      { return q.taskPrefix() + id }

// pollScript reclaims expired leases, then leases the earliest visible task.
var pollScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], ARGV[1], id)
  redis.call('HDEL', ARGV[4] .. id, 'lease')
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
local tkey = ARGV[4] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', tkey, 'lease', ARGV[3])
local n = redis.call('HINCRBY', tkey, 'deliveries', 1)
local body = redis.call('HGET', tkey, 'body')
return {id, body, n}
`)

var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lease') ~= ARGV[2] then
  return 0
end
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'lease') ~= ARGV[2] then
  return 0
end
if not redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], 'lease')
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lease') ~= ARGV[2] then
  return 0
end
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

func millis(t time.Time) int64 { return t.UnixMilli() }

func (q *RedisQueue) Enqueue(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.VisibleAt.IsZero() {
		task.VisibleAt = q.opts.Now()
	}
	body, err := json.Marshal(task)
	if err != nil {
		return schema.NewError(schema.ErrCodeQueue, "encode task").WithCause(err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(task.ID), "body", body, "deliveries", task.Deliveries)
	pipe.ZAdd(ctx, q.readyKey(task.Queue), &redis.Z{Score: float64(millis(task.VisibleAt)), Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return schema.NewErrorf(schema.ErrCodeQueue, "enqueue task %s", task.ID).WithCause(err)
	}
	return nil
}

func (q *RedisQueue) Poll(ctx context.Context, name string, lease time.Duration) (*Task, error) {
	deadline := time.Now().Add(q.opts.PollTimeout)
	for {
		t, err := q.tryPoll(ctx, name, lease)
		if err != nil || t != nil {
			return t, err
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if wait > q.opts.PollInterval {
			wait = q.opts.PollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *RedisQueue) tryPoll(ctx context.Context, name string, lease time.Duration) (*Task, error) {
	now := q.opts.Now()
	token := uuid.New().String()
	expires := now.Add(lease)
	res, err := pollScript.Run(ctx, q.client,
		[]string{q.readyKey(name), q.leasedKey(name)},
		millis(now), millis(expires), token, q.taskPrefix(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeQueue, "poll %s", name).WithCause(err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) != 3 {
		return nil, schema.NewErrorf(schema.ErrCodeQueue, "poll %s: unexpected reply %v", name, res)
	}
	body, _ := parts[1].(string)
	deliveries, _ := parts[2].(int64)

	var t Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeQueue, "decode task %v", parts[0]).WithCause(err)
	}
	t.Lease = token
	t.LeaseExpiresAt = expires
	t.Deliveries = int(deliveries)
	return &t, nil
}

func (q *RedisQueue) leaseResult(task *Task, n int64, err error) error {
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeQueue, "task %s", task.ID).WithCause(err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeLeaseLost, "task %s lease lost", task.ID)
	}
	return nil
}

func (q *RedisQueue) Complete(ctx context.Context, task *Task) error {
	n, err := completeScript.Run(ctx, q.client,
		[]string{q.leasedKey(task.Queue), q.taskKey(task.ID)},
		task.ID, task.Lease,
	).Int64()
	return q.leaseResult(task, n, err)
}

func (q *RedisQueue) Fail(ctx context.Context, task *Task, retryAfter time.Duration) error {
	n, err := failScript.Run(ctx, q.client,
		[]string{q.readyKey(task.Queue), q.leasedKey(task.Queue), q.taskKey(task.ID)},
		task.ID, task.Lease, millis(q.opts.Now().Add(retryAfter)),
	).Int64()
	return q.leaseResult(task, n, err)
}

func (q *RedisQueue) ExtendLease(ctx context.Context, task *Task, lease time.Duration) error {
	expires := q.opts.Now().Add(lease)
	n, err := extendScript.Run(ctx, q.client,
		[]string{q.leasedKey(task.Queue), q.taskKey(task.ID)},
		task.ID, task.Lease, millis(expires),
	).Int64()
	if err := q.leaseResult(task, n, err); err != nil {
		return err
	}
	task.LeaseExpiresAt = expires
	return nil
}

// Depth returns the ready and leased counts of a queue.
func (q *RedisQueue) Depth(ctx context.Context, name string) (ready, leased int64, err error) {
	pipe := q.client.Pipeline()
	r := pipe.ZCard(ctx, q.readyKey(name))
	l := pipe.ZCard(ctx, q.leasedKey(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, schema.NewErrorf(schema.ErrCodeQueue, "depth %s", name).WithCause(err)
	}
	return r.Val(), l.Val(), nil
}

// Close is a no-op; the client is owned by the caller.
func (q *RedisQueue) Close() error { return nil }

var _ TaskQueue = (*RedisQueue)(nil)
