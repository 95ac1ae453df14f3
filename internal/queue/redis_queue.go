package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"trademark-lead-pipeline/internal/models"
)

// Queue coordinates pending, leased, and retry-scheduled work items in Redis.
// Each job owns a pending list; a rotation zset scored by a monotonic claim
// sequence spreads claims round-robin across jobs so one large batch cannot
// serialize the others behind it.
type Queue struct {
	client        *redis.Client
	activeKey     string
	inflightKey   string
	retryKey      string
	attemptsKey   string
	seqKey        string
	pendingPrefix string
	visibilityTTL time.Duration
}

// NewQueue builds a queue over an existing Redis client.
func NewQueue(client *redis.Client, visibility time.Duration) *Queue {
	if visibility == 0 {
		visibility = 90 * time.Second
	}
	return &Queue{
		client:        client,
		activeKey:     "tsdr:active",
		inflightKey:   "tsdr:inflight",
		retryKey:      "tsdr:retry",
		attemptsKey:   "tsdr:attempts",
		seqKey:        "tsdr:claimseq",
		pendingPrefix: "tsdr:pending:",
		visibilityTTL: visibility,
	}
}

func (q *Queue) pendingKey(jobID string) string {
	return q.pendingPrefix + jobID
}

// Item identifies one pending serial within a job. Position is the submission
// index, so duplicate serials stay distinct.
type Item struct {
	Position     int
	SerialNumber string
}

// Enqueue appends items to a job's pending list and registers the job for
// claim rotation. Attempt counters for the members are reset, which makes the
// same call serve both fresh submissions and retry-failed.
func (q *Queue) Enqueue(ctx context.Context, jobID string, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	members := make([]interface{}, 0, len(items))
	attemptFields := make([]string, 0, len(items))
	for _, it := range items {
		members = append(members, encodeItem(it))
		attemptFields = append(attemptFields, member(jobID, it))
	}
	seq, err := q.client.Incr(ctx, q.seqKey).Result()
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.pendingKey(jobID), members...)
	pipe.HDel(ctx, q.attemptsKey, attemptFields...)
	pipe.ZAddNX(ctx, q.activeKey, redis.Z{Score: float64(seq), Member: jobID})
	_, err = pipe.Exec(ctx)
	return err
}

// Claim pops one pending item from the least-recently-served job, moves it
// into the in-flight lease set, and increments its attempt counter. It
// returns a zero-ID WorkItem when nothing is pending.
func (q *Queue) Claim(ctx context.Context) (models.WorkItem, error) {
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.activeKey, q.inflightKey, q.attemptsKey, q.seqKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(), q.pendingPrefix).Result()
	if err == redis.Nil {
		return models.WorkItem{}, nil
	}
	if err != nil {
		return models.WorkItem{}, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return models.WorkItem{}, fmt.Errorf("unexpected claim script reply: %T", res)
	}
	m, _ := arr[0].(string)
	attempts, _ := arr[1].(int64)
	item, err := decodeMember(m)
	if err != nil {
		return models.WorkItem{}, err
	}
	item.Attempts = int(attempts)
	return item, nil
}

// Ack removes a committed item from in-flight tracking.
func (q *Queue) Ack(ctx context.Context, item models.WorkItem) error {
	m := member(item.JobID, Item{Position: item.Position, SerialNumber: item.SerialNumber})
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, m)
	pipe.HDel(ctx, q.attemptsKey, m)
	_, err := pipe.Exec(ctx)
	return err
}

// Requeue schedules a retry for runAt, releasing the in-flight lease. The
// attempt counter is kept so the next claim sees the true attempt number.
func (q *Queue) Requeue(ctx context.Context, item models.WorkItem, runAt time.Time) error {
	m := member(item.JobID, Item{Position: item.Position, SerialNumber: item.SerialNumber})
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, m)
	pipe.ZAdd(ctx, q.retryKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: m})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteRetries moves due retries back onto their jobs' pending lists.
func (q *Queue) PromoteRetries(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.promote(ctx, q.retryKey, now, limit)
}

// RequeueExpired reclaims in-flight leases that timed out, e.g. after a
// worker crash, making the items claimable again.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.promote(ctx, q.inflightKey, now, limit)
}

func (q *Queue) promote(ctx context.Context, fromKey string, now time.Time, limit int64) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, fromKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	seq, err := q.client.Incr(ctx, q.seqKey).Result()
	if err != nil {
		return 0, err
	}
	pipe := q.client.TxPipeline()
	for _, m := range members {
		item, err := decodeMember(m)
		if err != nil {
			pipe.ZRem(ctx, fromKey, m)
			continue
		}
		pipe.ZRem(ctx, fromKey, m)
		pipe.RPush(ctx, q.pendingKey(item.JobID), encodeItem(Item{Position: item.Position, SerialNumber: item.SerialNumber}))
		pipe.ZAddNX(ctx, q.activeKey, redis.Z{Score: float64(seq), Member: item.JobID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}

// CancelJob drops a job's pending work and rotation entry. Leased items are
// left to finish; the store discards their results once the job is cancelled.
func (q *Queue) CancelJob(ctx context.Context, jobID string) error {
	retries, err := q.client.ZRange(ctx, q.retryKey, 0, -1).Result()
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.pendingKey(jobID))
	pipe.ZRem(ctx, q.activeKey, jobID)
	for _, m := range retries {
		if strings.HasPrefix(m, jobID+"|") {
			pipe.ZRem(ctx, q.retryKey, m)
			pipe.HDel(ctx, q.attemptsKey, m)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

// PendingDepth returns the total pending items across all active jobs.
func (q *Queue) PendingDepth(ctx context.Context) (int64, error) {
	jobs, err := q.client.ZRange(ctx, q.activeKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(jobs))
	for _, j := range jobs {
		cmds = append(cmds, pipe.LLen(ctx, q.pendingKey(j)))
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

func encodeItem(it Item) string {
	return strconv.Itoa(it.Position) + "|" + it.SerialNumber
}

func member(jobID string, it Item) string {
	return jobID + "|" + encodeItem(it)
}

func decodeMember(m string) (models.WorkItem, error) {
	parts := strings.SplitN(m, "|", 3)
	if len(parts) != 3 {
		return models.WorkItem{}, fmt.Errorf("malformed queue member %q", m)
	}
	pos, err := strconv.Atoi(parts[1])
	if err != nil {
		return models.WorkItem{}, fmt.Errorf("malformed queue member %q: %w", m, err)
	}
	return models.WorkItem{JobID: parts[0], Position: pos, SerialNumber: parts[2]}, nil
}

// claimScript walks jobs in least-recently-served order, pops the first
// pending item it finds, leases it, and rotates the job to the back of the
// rotation via a monotonic sequence. Jobs with an empty pending list fall
// out of rotation; Enqueue, PromoteRetries, and RequeueExpired re-register
// them. A claimed member lives in exactly one of pending/in-flight/retry,
// which makes the claim the atomic single-writer marker for that item.
var claimScript = redis.NewScript(`
local jobs = redis.call('ZRANGE', KEYS[1], 0, -1)
for i = 1, #jobs do
  local job = jobs[i]
  local item = redis.call('LPOP', ARGV[2] .. job)
  if item then
    local m = job .. '|' .. item
    redis.call('ZADD', KEYS[2], ARGV[1], m)
    local seq = redis.call('INCR', KEYS[4])
    redis.call('ZADD', KEYS[1], seq, job)
    local attempts = redis.call('HINCRBY', KEYS[3], m, 1)
    return {m, attempts}
  else
    redis.call('ZREM', KEYS[1], job)
  end
end
return nil
`)
