// Package queue implements the durable render-job queue on Redis: a wait
// list fed by idempotent enqueues, a delayed set for backoff retries, and
// bounded completed/failed bookkeeping. Enqueue with a previously used job
// id returns the existing job unchanged, which is what keeps a double
// "approve" from ever producing two executions of the same session.
package queue

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tvb/internal/pkg/errors"
	"tvb/internal/redis/rkeys"
)

// Enqueue creates the job hash and pushes to the wait list only when no job
// with this id exists yet, in one atomic script.
var enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1],
    "payload", ARGV[1],
    "attempts", "0",
    "max_attempts", ARGV[2],
    "status", "waiting",
    "last_error", "",
    "created_at", ARGV[3])
redis.call("LPUSH", KEYS[2], ARGV[4])
return 1
`)

// Promote moves due delayed jobs back onto the wait list.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(due) do
    redis.call("ZREM", KEYS[1], id)
    redis.call("LPUSH", KEYS[2], id)
end
return #due
`)

// Reap requeues stalled jobs: active entries whose deadline passed belong
// to a worker that never reported back (crash, OOM, power loss). Putting
// them back on the wait list is what makes execution at-least-once.
var reapScript = redis.NewScript(`
local stalled = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(stalled) do
    redis.call("ZREM", KEYS[1], id)
    redis.call("HSET", ARGV[2] .. id, "status", "waiting", "last_error", "attempt stalled, worker lost")
    redis.call("LPUSH", KEYS[2], id)
end
return #stalled
`)

// Options configure retry and retention policy.
type Options struct {
	// MaxAttempts bounds executions per job, first attempt included.
	MaxAttempts int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
	// StallTimeout is how long a job may sit active without Complete or
	// Fail before it is requeued. Must exceed the longest attempt.
	StallTimeout time.Duration
	// Completed/failed bookkeeping is trimmed to these windows.
	CompletedAge   time.Duration
	CompletedCount int64
	FailedAge      time.Duration
	FailedCount    int64
}

// DefaultOptions mirror the policy the service has always shipped with:
// exponential backoff from 30s, completed jobs kept an hour, failed jobs a
// day, both capped at 5000 entries.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:    3,
		BackoffBase:    30 * time.Second,
		StallTimeout:   30 * time.Minute,
		CompletedAge:   time.Hour,
		CompletedCount: 5000,
		FailedAge:      24 * time.Hour,
		FailedCount:    5000,
	}
}

// Queue is a named Redis-backed job queue.
type Queue struct {
	client *redis.Client
	keys   rkeys.Keys
	name   string
	opts   Options
}

func New(client *redis.Client, keys rkeys.Keys, name string, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultOptions().BackoffBase
	}
	def := DefaultOptions()
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = def.StallTimeout
	}
	if opts.CompletedAge <= 0 {
		opts.CompletedAge = def.CompletedAge
	}
	if opts.CompletedCount <= 0 {
		opts.CompletedCount = def.CompletedCount
	}
	if opts.FailedAge <= 0 {
		opts.FailedAge = def.FailedAge
	}
	if opts.FailedCount <= 0 {
		opts.FailedCount = def.FailedCount
	}
	return &Queue{client: client, keys: keys, name: name, opts: opts}
}

// Enqueue adds a job keyed by jobID, or returns the existing job unchanged
// when the id is already known, whatever its current status. The second
// return value reports whether a new entry was created.
func (q *Queue) Enqueue(ctx context.Context, jobID string, payload Payload) (*Job, bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, false, errors.Wrap(err, "queue.enqueue", "payload marshal failed")
	}

	created, err := enqueueScript.Run(ctx, q.client,
		[]string{q.keys.QueueJob(q.name, jobID), q.keys.QueueWait(q.name)},
		string(body),
		strconv.Itoa(q.opts.MaxAttempts),
		strconv.FormatInt(time.Now().UnixMilli(), 10),
		jobID,
	).Int64()
	if err != nil {
		return nil, false, errors.Wrap(err, "queue.enqueue", "enqueue script failed")
	}

	job, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	return job, created == 1, nil
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.keys.QueueJob(q.name, jobID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "queue.get", "hgetall failed")
	}
	if len(fields) == 0 {
		return nil, errors.NotFound("job", jobID)
	}
	return q.decode(jobID, fields)
}

func (q *Queue) decode(jobID string, fields map[string]string) (*Job, error) {
	job := &Job{ID: jobID, Status: Status(fields["status"]), LastError: fields["last_error"]}
	if err := json.Unmarshal([]byte(fields["payload"]), &job.Payload); err != nil {
		return nil, errors.Wrap(err, "queue.get", "payload unmarshal failed")
	}
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		job.CreatedAt = time.UnixMilli(ms).UTC()
	}
	return job, nil
}

// Next promotes due delayed jobs, requeues stalled active jobs, then
// blocks up to timeout for the next waiting job. A nil job with a nil
// error means the timeout elapsed empty. The returned job is marked active
// with its attempt counter incremented and a stall deadline registered;
// the deadline is cleared by Complete or Fail, so a worker that dies
// mid-attempt has its job redelivered once the deadline passes.
func (q *Queue) Next(ctx context.Context, timeout time.Duration) (*Job, error) {
	now := time.Now()
	if _, err := promoteScript.Run(ctx, q.client,
		[]string{q.keys.QueueDelayed(q.name), q.keys.QueueWait(q.name)},
		strconv.FormatInt(now.UnixMilli(), 10),
	).Result(); err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "queue.next", "promote failed")
	}
	if _, err := reapScript.Run(ctx, q.client,
		[]string{q.keys.QueueActive(q.name), q.keys.QueueWait(q.name)},
		strconv.FormatInt(now.UnixMilli(), 10),
		q.keys.QueueJobPrefix(q.name),
	).Result(); err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "queue.next", "stalled reap failed")
	}

	res, err := q.client.BRPop(ctx, timeout, q.keys.QueueWait(q.name)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "queue.next", "brpop failed")
	}
	if len(res) < 2 {
		return nil, nil
	}
	jobID := res[1]

	jobKey := q.keys.QueueJob(q.name, jobID)
	if err := q.client.HSet(ctx, jobKey, "status", string(StatusActive)).Err(); err != nil {
		return nil, errors.Wrap(err, "queue.next", "mark active failed")
	}
	deadline := time.Now().Add(q.opts.StallTimeout)
	if err := q.client.ZAdd(ctx, q.keys.QueueActive(q.name), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: jobID,
	}).Err(); err != nil {
		return nil, errors.Wrap(err, "queue.next", "stall deadline failed")
	}
	attempts, err := q.client.HIncrBy(ctx, jobKey, "attempts", 1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "queue.next", "attempt increment failed")
	}

	job, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Attempts = int(attempts)
	return job, nil
}

// Complete archives a successful job into the bounded completed window.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.keys.QueueActive(q.name), job.ID)
	pipe.HSet(ctx, q.keys.QueueJob(q.name, job.ID), "status", string(StatusCompleted))
	pipe.Expire(ctx, q.keys.QueueJob(q.name, job.ID), q.opts.CompletedAge)
	pipe.ZAdd(ctx, q.keys.QueueCompleted(q.name), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	q.trim(ctx, pipe, q.keys.QueueCompleted(q.name), q.opts.CompletedAge, q.opts.CompletedCount, now)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "queue.complete", "bookkeeping failed")
	}
	return nil
}

// Fail records a failed attempt. Retryable failures are rescheduled with
// exponential backoff until MaxAttempts; everything else goes terminal
// immediately. Returns true when the job is terminally failed.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
		if len(msg) > 2000 {
			msg = msg[:2000]
		}
	}

	jobKey := q.keys.QueueJob(q.name, job.ID)
	if errors.Retryable(cause) && job.Attempts < job.MaxAttempts {
		delay := q.backoff(job.Attempts)
		readyAt := time.Now().Add(delay)
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.keys.QueueActive(q.name), job.ID)
		pipe.HSet(ctx, jobKey, "status", string(StatusDelayed), "last_error", msg)
		pipe.ZAdd(ctx, q.keys.QueueDelayed(q.name), redis.Z{
			Score:  float64(readyAt.UnixMilli()),
			Member: job.ID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return false, errors.Wrap(err, "queue.fail", "reschedule failed")
		}
		return false, nil
	}

	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.keys.QueueActive(q.name), job.ID)
	pipe.HSet(ctx, jobKey, "status", string(StatusFailed), "last_error", msg)
	pipe.Expire(ctx, jobKey, q.opts.FailedAge)
	pipe.ZAdd(ctx, q.keys.QueueFailed(q.name), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	q.trim(ctx, pipe, q.keys.QueueFailed(q.name), q.opts.FailedAge, q.opts.FailedCount, now)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, errors.Wrap(err, "queue.fail", "bookkeeping failed")
	}
	return true, nil
}

// Backoff doubles per attempt: base, 2*base, 4*base, ...
func (q *Queue) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := math.Pow(2, float64(attempt-1))
	return time.Duration(float64(q.opts.BackoffBase) * mult)
}

func (q *Queue) trim(ctx context.Context, pipe redis.Pipeliner, key string, age time.Duration, count int64, now time.Time) {
	cutoff := now.Add(-age).UnixMilli()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.ZRemRangeByRank(ctx, key, 0, -count-1)
}

// Depth reports waiting and delayed job counts for observability.
func (q *Queue) Depth(ctx context.Context) (waiting, delayed int64, err error) {
	waiting, err = q.client.LLen(ctx, q.keys.QueueWait(q.name)).Result()
	if err != nil {
		return 0, 0, err
	}
	delayed, err = q.client.ZCard(ctx, q.keys.QueueDelayed(q.name)).Result()
	if err != nil {
		return 0, 0, err
	}
	return waiting, delayed, nil
}
