// Package queue keeps the schedule of pending tenant webhook retries in Redis.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tenant-orchestrator/internal/config"
)

// Entry identifies one scheduled delivery attempt.
type Entry struct {
	MsgID    string
	Sequence int
}

func (e Entry) member() string {
	return e.MsgID + "#" + strconv.Itoa(e.Sequence)
}

func parseMember(m string) (Entry, error) {
	i := strings.LastIndexByte(m, '#')
	if i <= 0 {
		return Entry{}, fmt.Errorf("malformed retry entry %q", m)
	}
	seq, err := strconv.Atoi(m[i+1:])
	if err != nil {
		return Entry{}, fmt.Errorf("malformed retry entry %q: %w", m, err)
	}
	return Entry{MsgID: m[:i], Sequence: seq}, nil
}

// RetryQueue holds scheduled and leased webhook retries. Claimed entries stay leased
// until acked; expired leases are returned to the schedule.
type RetryQueue struct {
	client       *redis.Client
	scheduledKey string
	inflightKey  string
	dlqKey       string
	lease        time.Duration
}

// NewRedisClient builds the shared Redis client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRetryQueue builds a queue on client. A zero lease defaults to 30s.
func NewRetryQueue(client *redis.Client, lease time.Duration) *RetryQueue {
	if lease == 0 {
		lease = 30 * time.Second
	}
	return &RetryQueue{
		client:       client,
		scheduledKey: "webhook:retry:scheduled",
		inflightKey:  "webhook:retry:inflight",
		dlqKey:       "webhook:retry:abandoned",
		lease:        lease,
	}
}

// Schedule queues an attempt at runAt, replacing any earlier schedule for the entry.
func (q *RetryQueue) Schedule(ctx context.Context, e Entry, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: e.member()}).Err()
}

// ScheduleIfAbsent queues an attempt at runAt unless the entry is already scheduled or
// leased. It reports whether the entry was added.
func (q *RetryQueue) ScheduleIfAbsent(ctx context.Context, e Entry, runAt time.Time) (bool, error) {
	added, err := scheduleIfAbsentScript.Run(ctx, q.client,
		[]string{q.scheduledKey, q.inflightKey},
		runAt.UnixMilli(), e.member()).Int()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

// ClaimDue leases up to limit entries due at now.
func (q *RetryQueue) ClaimDue(ctx context.Context, now time.Time, limit int64) ([]Entry, error) {
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.scheduledKey, q.inflightKey},
		now.UnixMilli(), limit, now.Add(q.lease).UnixMilli()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(res))
	for _, m := range res {
		e, err := parseMember(m)
		if err != nil {
			q.client.ZRem(ctx, q.inflightKey, m)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Ack drops a leased entry.
func (q *RetryQueue) Ack(ctx context.Context, e Entry) error {
	return q.client.ZRem(ctx, q.inflightKey, e.member()).Err()
}

// RequeueExpired returns leases that timed out to the schedule, due immediately.
func (q *RetryQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]Entry, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
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

	out := make([]Entry, 0, len(ids))
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		if e, err := parseMember(id); err == nil {
			pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
			out = append(out, e)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// DLQPush records an abandoned message id for operational inspection.
func (q *RetryQueue) DLQPush(ctx context.Context, msgID string) error {
	return q.client.RPush(ctx, q.dlqKey, msgID).Err()
}

// DLQPeek reads the oldest abandoned message ids.
func (q *RetryQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// Depth returns the number of scheduled and leased entries.
func (q *RetryQueue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	scheduled := pipe.ZCard(ctx, q.scheduledKey)
	inflight := pipe.ZCard(ctx, q.inflightKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return scheduled.Val() + inflight.Val(), nil
}

var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, m in ipairs(due) do
  redis.call('ZREM', KEYS[1], m)
  redis.call('ZADD', KEYS[2], ARGV[3], m)
end
return due
`)

var scheduleIfAbsentScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[2]) or redis.call('ZSCORE', KEYS[2], ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
return 1
`)
