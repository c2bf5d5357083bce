package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/agentforge/control_plane/observability"
)

// dequeueScript promotes due delayed jobs and atomically moves the best
// waiting job to active. Scores are passed through as strings so Lua never
// formats a number.
//
// KEYS: delayed, waiting, active, waitscore
// ARGV: now (ms)
const dequeueScript = `
local due = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(due) do
	redis.call("zrem", KEYS[1], id)
	local score = redis.call("hget", KEYS[4], id)
	if score then
		redis.call("zadd", KEYS[2], score, id)
	else
		redis.call("zadd", KEYS[2], ARGV[1], id)
	end
end
local top = redis.call("zrange", KEYS[2], 0, 0)
if #top == 0 then
	return false
end
redis.call("zrem", KEYS[2], top[1])
redis.call("zadd", KEYS[3], ARGV[1], top[1])
return top[1]
`

const failedLogSize = 1000

// RedisQueue implements Queue on Redis sorted sets so jobs survive a
// control plane restart.
type RedisQueue struct {
	client  *redis.Client
	keys    keys
	dequeue *redis.Script
	owned   bool
	now     func() time.Time
}

// NewRedisQueue connects to Redis and preloads the dequeue script.
func NewRedisQueue(addr string, password string, db int) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	q, err := NewRedisQueueWithClient(ctx, client, DefaultKeyPrefix)
	if err != nil {
		client.Close()
		return nil, err
	}
	q.owned = true
	return q, nil
}

// NewRedisQueueWithClient builds a queue over an existing client. The
// caller keeps ownership of the client.
func NewRedisQueueWithClient(ctx context.Context, client *redis.Client, prefix string) (*RedisQueue, error) {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	script := redis.NewScript(dequeueScript)
	if err := script.Load(ctx, client).Err(); err != nil {
		return nil, fmt.Errorf("failed to preload dequeue script: %w", err)
	}
	return &RedisQueue{
		client:  client,
		keys:    keys{prefix: prefix},
		dequeue: script,
		now:     time.Now,
	}, nil
}

func observe(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

func record(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.QueueOperations.WithLabelValues(op, result).Inc()
}

// waitingScore orders by priority desc, then run time asc.
func waitingScore(priority int, runAt time.Time) float64 {
	return -float64(priority)*1e13 + float64(runAt.UnixMilli())
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job, opts Options) (string, error) {
	now := q.now()
	j := job
	j.Priority = clampPriority(opts.Priority)
	j.EnqueuedAt = now
	j.RunAt = now.Add(opts.Delay)
	err := q.push(ctx, &j, opts.Delay)
	record("enqueue", err)
	if err != nil {
		return "", err
	}
	return j.ID, nil
}

func (q *RedisQueue) EnqueueCron(ctx context.Context, job Job, rule RepeatRule) (string, error) {
	now := q.now()
	next, ok, err := rule.NextRun(now)
	if err != nil {
		return "", err
	}
	if !ok {
		_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, q.keys.repeat(), job.ID)
			pipe.ZRem(ctx, q.keys.waiting(), job.ID)
			pipe.ZRem(ctx, q.keys.delayed(), job.ID)
			return nil
		})
		return job.ID, err
	}

	ruleJSON, err := json.Marshal(rule)
	if err != nil {
		return "", err
	}
	if err := q.client.HSet(ctx, q.keys.repeat(), job.ID, ruleJSON).Err(); err != nil {
		return "", err
	}

	r := rule
	j := job
	j.Repeat = &r
	j.Priority = clampPriority(job.Priority)
	j.EnqueuedAt = now
	j.RunAt = next
	err = q.push(ctx, &j, next.Sub(now))
	record("enqueue_cron", err)
	if err != nil {
		return "", err
	}
	return j.ID, nil
}

// push writes the payload and places the job on waiting or delayed,
// replacing any pending entry with the same id.
func (q *RedisQueue) push(ctx context.Context, j *Job, delay time.Duration) error {
	start := time.Now()
	defer observe(start)

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.ID, err)
	}
	score := waitingScore(j.Priority, j.RunAt)

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.keys.waiting(), j.ID)
		pipe.ZRem(ctx, q.keys.delayed(), j.ID)
		pipe.HSet(ctx, q.keys.jobs(), j.ID, data)
		pipe.HSet(ctx, q.keys.waitScore(), j.ID, strconv.FormatFloat(score, 'f', -1, 64))
		pipe.SAdd(ctx, q.keys.task(j.TaskID), j.ID)
		if delay > 0 {
			pipe.ZAdd(ctx, q.keys.delayed(), redis.Z{Score: float64(j.RunAt.UnixMilli()), Member: j.ID})
		} else {
			pipe.ZAdd(ctx, q.keys.waiting(), redis.Z{Score: score, Member: j.ID})
		}
		return nil
	})
	return err
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	start := time.Now()
	defer observe(start)

	nowMs := strconv.FormatInt(q.now().UnixMilli(), 10)
	id, err := q.dequeue.Run(ctx, q.client,
		[]string{q.keys.delayed(), q.keys.waiting(), q.keys.active(), q.keys.waitScore()},
		nowMs,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		record("dequeue", err)
		return nil, err
	}

	data, err := q.client.HGet(ctx, q.keys.jobs(), id).Bytes()
	if errors.Is(err, redis.Nil) {
		// Cancelled between promotion and load.
		q.client.ZRem(ctx, q.keys.active(), id)
		return nil, nil
	}
	if err != nil {
		record("dequeue", err)
		return nil, err
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		q.client.ZRem(ctx, q.keys.active(), id)
		record("dequeue", err)
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	record("dequeue", nil)
	return &job, nil
}

func (q *RedisQueue) Complete(ctx context.Context, jobID string) error {
	err := q.finish(ctx, jobID, "")
	record("complete", err)
	return err
}

func (q *RedisQueue) Fail(ctx context.Context, jobID string, reason string) error {
	if reason == "" {
		reason = "failed"
	}
	err := q.finish(ctx, jobID, reason)
	record("fail", err)
	return err
}

// FailedJob is an entry of the failure log.
type FailedJob struct {
	JobID    string    `json:"job_id"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// finish removes jobID from active, bumps the completed or failed counter
// and reschedules repeat jobs. A job no longer active (cancelled) is ignored.
func (q *RedisQueue) finish(ctx context.Context, jobID string, failReason string) error {
	start := time.Now()
	defer observe(start)

	n, err := q.client.ZRem(ctx, q.keys.active(), jobID).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if failReason == "" {
			pipe.Incr(ctx, q.keys.completed())
			return nil
		}
		entry, _ := json.Marshal(FailedJob{JobID: jobID, Reason: failReason, FailedAt: q.now().UTC()})
		pipe.Incr(ctx, q.keys.failed())
		pipe.LPush(ctx, q.keys.failedLog(), entry)
		pipe.LTrim(ctx, q.keys.failedLog(), 0, failedLogSize-1)
		return nil
	})
	if err != nil {
		return err
	}
	return q.afterFinish(ctx, jobID)
}

func (q *RedisQueue) Pending(ctx context.Context, jobID string) (bool, error) {
	return q.isPending(ctx, jobID)
}

// RecoverActive fails the jobs a crashed process left in the active set.
// Their payloads are dropped unless a repeat rule reschedules them.
func (q *RedisQueue) RecoverActive(ctx context.Context, reason string) ([]string, error) {
	ids, err := q.client.ZRange(ctx, q.keys.active(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := q.finish(ctx, id, reason); err != nil {
			return nil, fmt.Errorf("recover active job %s: %w", id, err)
		}
	}
	record("recover", nil)
	return ids, nil
}

func (q *RedisQueue) isPending(ctx context.Context, jobID string) (bool, error) {
	for _, key := range []string{q.keys.waiting(), q.keys.delayed()} {
		_, err := q.client.ZScore(ctx, key, jobID).Result()
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, redis.Nil) {
			return false, err
		}
	}
	return false, nil
}

func (q *RedisQueue) afterFinish(ctx context.Context, jobID string) error {
	pending, err := q.isPending(ctx, jobID)
	if err != nil || pending {
		return err
	}

	data, err := q.client.HGet(ctx, q.keys.jobs(), jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return fmt.Errorf("decode job %s: %w", jobID, err)
	}

	ruleJSON, err := q.client.HGet(ctx, q.keys.repeat(), jobID).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if err == nil {
		var rule RepeatRule
		if err := json.Unmarshal(ruleJSON, &rule); err != nil {
			return fmt.Errorf("decode repeat rule %s: %w", jobID, err)
		}
		now := q.now()
		next, more, err := rule.NextRun(now)
		if err != nil {
			return err
		}
		if more {
			job.Repeat = &rule
			job.ExecutionID = ""
			job.Deferrals = 0
			job.EnqueuedAt = now
			job.RunAt = next
			return q.push(ctx, &job, next.Sub(now))
		}
		q.client.HDel(ctx, q.keys.repeat(), jobID)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, q.keys.jobs(), jobID)
		pipe.HDel(ctx, q.keys.waitScore(), jobID)
		pipe.SRem(ctx, q.keys.task(job.TaskID), jobID)
		return nil
	})
	return err
}

func (q *RedisQueue) Defer(ctx context.Context, job *Job, delay time.Duration) error {
	n, err := q.client.ZRem(ctx, q.keys.active(), job.ID).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	j := *job
	j.Deferrals++
	j.RunAt = q.now().Add(delay)
	err = q.push(ctx, &j, delay)
	record("defer", err)
	return err
}

func (q *RedisQueue) Cancel(ctx context.Context, taskID string) (bool, error) {
	start := time.Now()
	defer observe(start)

	taskKey := q.keys.task(taskID)
	ids, err := q.client.SMembers(ctx, taskKey).Result()
	if err != nil {
		return false, err
	}
	recurring := RecurringJobID(taskID)
	found := false
	for _, id := range ids {
		if id == recurring {
			found = true
		}
	}
	if !found {
		ids = append(ids, recurring)
	}

	var cmds []*redis.IntCmd
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			cmds = append(cmds,
				pipe.ZRem(ctx, q.keys.waiting(), id),
				pipe.ZRem(ctx, q.keys.delayed(), id),
				pipe.ZRem(ctx, q.keys.active(), id),
				pipe.HDel(ctx, q.keys.repeat(), id),
			)
			pipe.HDel(ctx, q.keys.jobs(), id)
			pipe.HDel(ctx, q.keys.waitScore(), id)
		}
		pipe.Del(ctx, taskKey)
		return nil
	})
	record("cancel", err)
	if err != nil {
		return false, err
	}

	removed := false
	for _, c := range cmds {
		if c.Val() > 0 {
			removed = true
		}
	}
	return removed, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	start := time.Now()
	defer observe(start)

	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.keys.waiting())
	active := pipe.ZCard(ctx, q.keys.active())
	delayed := pipe.ZCard(ctx, q.keys.delayed())
	completed := pipe.Get(ctx, q.keys.completed())
	failed := pipe.Get(ctx, q.keys.failed())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, err
	}

	s := Stats{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
	}
	s.Completed, _ = completed.Int64()
	s.Failed, _ = failed.Int64()
	return s, nil
}

// RecentFailures returns up to limit of the most recent failed jobs.
func (q *RedisQueue) RecentFailures(ctx context.Context, limit int64) ([]FailedJob, error) {
	raw, err := q.client.LRange(ctx, q.keys.failedLog(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]FailedJob, 0, len(raw))
	for _, r := range raw {
		var e FailedJob
		if err := json.Unmarshal([]byte(r), &e); err == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (q *RedisQueue) Close() error {
	if q.owned {
		return q.client.Close()
	}
	return nil
}
