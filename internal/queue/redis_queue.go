package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue priorities recognized by EnqueueOptions. Each named queue keeps one
// ready list per priority; dequeue drains high before default before low.
var priorities = []string{"high", "default", "low"}

// normalizePriority clamps unknown values to "default". A task pushed onto a
// ready list outside the known set would never be scanned by dequeue.
func normalizePriority(p string) string {
	for _, known := range priorities {
		if p == known {
			return p
		}
	}
	return "default"
}

// RedisQueue coordinates ready, in-flight, and scheduled task sets in Redis.
// Every key is namespaced by queue name, so independent queues never contend.
type RedisQueue struct {
	client        *redis.Client
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client around an existing Redis connection.
func NewRedisQueue(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) readyKey(queue, priority string) string {
	return fmt.Sprintf("queue:%s:ready:%s", queue, priority)
}

func (q *RedisQueue) scheduledKey(queue string) string {
	return fmt.Sprintf("queue:%s:scheduled", queue)
}

func (q *RedisQueue) inflightKey(queue string) string {
	return fmt.Sprintf("queue:%s:inflight", queue)
}

func (q *RedisQueue) dlqKey(queue string) string {
	return fmt.Sprintf("queue:%s:dlq", queue)
}

func (q *RedisQueue) metaKey(queue, taskID string) string {
	return fmt.Sprintf("queue:%s:meta:%s", queue, taskID)
}

// Push inserts a task into either the scheduled set or a ready list.
func (q *RedisQueue) Push(ctx context.Context, queue, taskID, priority string, runAt time.Time) error {
	priority = normalizePriority(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(queue, taskID), "priority", priority)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey(queue), redis.Z{Score: float64(runAt.UnixMilli()), Member: taskID})
	} else {
		pipe.RPush(ctx, q.readyKey(queue, priority), taskID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule moves a task into the scheduled set for deferred execution.
func (q *RedisQueue) Schedule(ctx context.Context, queue, taskID, priority string, runAt time.Time) error {
	priority = normalizePriority(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(queue, taskID), "priority", priority)
	pipe.ZAdd(ctx, q.scheduledKey(queue), redis.Z{Score: float64(runAt.UnixMilli()), Member: taskID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled tasks into ready lists. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, queue string, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey(queue), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey(queue), id)
		pipe.RPush(ctx, q.readyKey(queue, q.priorityFor(ctx, queue, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (q *RedisQueue) priorityFor(ctx context.Context, queue, taskID string) string {
	priority, err := q.client.HGet(ctx, q.metaKey(queue, taskID), "priority").Result()
	if err != nil {
		return "default"
	}
	return normalizePriority(priority)
}

// DequeueWithLease pops a task from the ready lists (priority order) and
// places it into inflight with a visibility timeout.
func (q *RedisQueue) DequeueWithLease(ctx context.Context, queue string) (string, error) {
	keys := make([]string, 0, len(priorities)+1)
	for _, p := range priorities {
		keys = append(keys, q.readyKey(queue, p))
	}
	keys = append(keys, q.inflightKey(queue))

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	taskID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return taskID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, queue, taskID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey(queue), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: taskID,
	}).Err()
}

// Ack removes a task from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, queue, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(queue), taskID)
	pipe.Del(ctx, q.metaKey(queue, taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey(queue), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey(queue), id)
		pipe.RPush(ctx, q.readyKey(queue, q.priorityFor(ctx, queue, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a task from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, queue, taskID string) error {
	pipe := q.client.TxPipeline()
	for _, p := range priorities {
		pipe.LRem(ctx, q.readyKey(queue, p), 0, taskID)
	}
	pipe.ZRem(ctx, q.inflightKey(queue), taskID)
	pipe.ZRem(ctx, q.scheduledKey(queue), taskID)
	pipe.Del(ctx, q.metaKey(queue, taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the queue's dead-letter list for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, queue, taskID string) error {
	return q.client.RPush(ctx, q.dlqKey(queue), taskID).Err()
}

// DLQPeek reads the oldest dead-lettered task IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, queue string, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey(queue), 0, count-1).Result()
}

// ReadyDepth returns the total length of a queue's ready lists.
func (q *RedisQueue) ReadyDepth(ctx context.Context, queue string) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(priorities))
	for _, p := range priorities {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(queue, p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local task = redis.call('LPOP', KEYS[i])
  if task then
    redis.call('ZADD', inflight, ARGV[1], task)
    return task
  end
end
return nil
`)
