// Package queue is the Redis-backed task queue for deferred reconciliation.
// Ready tasks live in a list, scheduled retries in a sorted set keyed by due
// time, and exhausted tasks in a dead-letter list. A popped task stays in a
// processing list under a lease until it is acked, retried, or dead-lettered;
// Reap returns tasks whose lease ran out to the ready list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Pop when no task arrived before the timeout.
var ErrEmpty = errors.New("queue: empty")

type Kind string

const (
	// KindWebhook carries a verified webhook payload.
	KindWebhook Kind = "webhook"
	// KindSync asks for a manual sync of one account.
	KindSync Kind = "sync"
)

type Task struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	EventID    string    `json:"event_id,omitempty"`
	EventType  string    `json:"event_type,omitempty"`
	AccountID  string    `json:"account_id,omitempty"`
	Payload    []byte    `json:"payload,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`

	// raw is the encoded form held in the processing list.
	raw string
}

type Stats struct {
	Ready    int64 `json:"ready"`
	InFlight int64 `json:"in_flight"`
	Delayed  int64 `json:"delayed"`
	Dead     int64 `json:"dead"`
}

// DefaultVisibility is how long a popped task may stay unacked before Reap
// hands it to another worker.
const DefaultVisibility = 5 * time.Minute

type Queue struct {
	client     *redis.Client
	ready      string
	processing string
	leases     string
	delay      string
	dead       string

	Visibility time.Duration
}

func New(url, prefix string) (*Queue, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewWithClient(redis.NewClient(opt), prefix), nil
}

func NewWithClient(client *redis.Client, prefix string) *Queue {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "billingsync"
	}
	return &Queue{
		client:     client,
		ready:      prefix + ":tasks",
		processing: prefix + ":tasks:processing",
		leases:     prefix + ":tasks:leases",
		delay:      prefix + ":tasks:delayed",
		dead:       prefix + ":tasks:dead",
		Visibility: DefaultVisibility,
	}
}

// Client exposes the underlying connection so other Redis users (the
// distributed account lock) can share it.
func (q *Queue) Client() *redis.Client {
	return q.client
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) Push(ctx context.Context, task Task) (Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return task, fmt.Errorf("encode task: %w", err)
	}
	if err := q.client.LPush(ctx, q.ready, raw).Err(); err != nil {
		return task, err
	}
	return task, nil
}

// Pop blocks up to timeout for the oldest ready task and leases it to the
// caller. Redis rounds timeouts below one second up to one second.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (Task, error) {
	raw, err := q.client.BLMove(ctx, q.ready, q.processing, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return Task{}, ErrEmpty
	}
	if err != nil {
		return Task{}, err
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// Keep the undecodable entry for inspection instead of losing it.
		_, _ = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.processing, 1, raw)
			pipe.LPush(ctx, q.dead, raw)
			return nil
		})
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	// An entry left without a lease is leased by the next Reap.
	_ = q.client.ZAdd(ctx, q.leases, redis.Z{Score: float64(time.Now().Add(q.visibility()).UnixMilli()), Member: raw}).Err()
	task.raw = raw
	return task, nil
}

func (q *Queue) visibility() time.Duration {
	if q.Visibility <= 0 {
		return DefaultVisibility
	}
	return q.Visibility
}

// settle removes a popped task from the processing list and, in the same
// transaction, runs then.
func (q *Queue) settle(ctx context.Context, task Task, then func(pipe redis.Pipeliner)) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if task.raw != "" {
			pipe.LRem(ctx, q.processing, 1, task.raw)
			pipe.ZRem(ctx, q.leases, task.raw)
		}
		if then != nil {
			then(pipe)
		}
		return nil
	})
	return err
}

// Ack marks a popped task as finished.
func (q *Queue) Ack(ctx context.Context, task Task) error {
	if task.raw == "" {
		return nil
	}
	return q.settle(ctx, task, nil)
}

// Retry schedules task to become ready again at the given time.
func (q *Queue) Retry(ctx context.Context, task Task, at time.Time) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	return q.settle(ctx, task, func(pipe redis.Pipeliner) {
		pipe.ZAdd(ctx, q.delay, redis.Z{Score: float64(at.UnixMilli()), Member: raw})
	})
}

var reapScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local items = redis.call('LRANGE', KEYS[1], 0, -1)
local n = 0
for _, member in ipairs(items) do
  local deadline = redis.call('ZSCORE', KEYS[2], member)
  if not deadline then
    redis.call('ZADD', KEYS[2], now + tonumber(ARGV[2]), member)
  elseif tonumber(deadline) <= now then
    redis.call('LREM', KEYS[1], 1, member)
    redis.call('ZREM', KEYS[2], member)
    redis.call('RPUSH', KEYS[3], member)
    n = n + 1
  end
end
return n
`)

// Reap moves tasks whose lease expired at now back to the front of the ready
// list, so a task held by a crashed worker runs again.
func (q *Queue) Reap(ctx context.Context, now time.Time) (int, error) {
	n, err := reapScript.Run(ctx, q.client, []string{q.processing, q.leases, q.ready},
		now.UnixMilli(), q.visibility().Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("reap expired tasks: %w", err)
	}
	return n, nil
}

var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

// PromoteDue moves up to limit scheduled retries that are due at now onto the
// ready list.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	n, err := promoteScript.Run(ctx, q.client, []string{q.delay, q.ready}, now.UnixMilli(), limit).Int()
	if err != nil {
		return 0, fmt.Errorf("promote due tasks: %w", err)
	}
	return n, nil
}

func (q *Queue) DeadLetter(ctx context.Context, task Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	return q.settle(ctx, task, func(pipe redis.Pipeliner) {
		pipe.LPush(ctx, q.dead, raw)
	})
}

// DeadLetters returns up to limit dead tasks, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := q.client.LRange(ctx, q.dead, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(raws))
	for _, raw := range raws {
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (q *Queue) Depth(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.ready)
	inFlight := pipe.LLen(ctx, q.processing)
	delayed := pipe.ZCard(ctx, q.delay)
	dead := pipe.LLen(ctx, q.dead)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{Ready: ready.Val(), InFlight: inFlight.Val(), Delayed: delayed.Val(), Dead: dead.Val()}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}
