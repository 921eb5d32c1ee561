// Package redisqueue keeps deferred resync jobs in a Redis sorted set scored
// by due time.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"erpsync/internal/domain/resync"
	"erpsync/internal/shared"
)

const defaultPrefix = "erpsync:resync"

// jobTTL bounds how long a job body outlives its queue entry.
const jobTTL = 7 * 24 * time.Hour

// popScript atomically takes due ids off the set so concurrent replayers
// never receive the same job.
var popScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
end
return ids
`)

// Queue implements resync.Queue.
type Queue struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ resync.Queue = (*Queue)(nil)

// Option configures Queue.
type Option func(*Queue)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) Option {
	return func(q *Queue) {
		if prefix != "" {
			q.prefix = prefix
		}
	}
}

// New creates a queue on an existing client.
func New(rdb redis.UniversalClient, opts ...Option) *Queue {
	q := &Queue{rdb: rdb, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Open parses a redis:// URL, checks the connection and creates a queue.
func Open(ctx context.Context, rawURL string, opts ...Option) (*Queue, error) {
	o, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, shared.MarkKind(fmt.Errorf("invalid redis url: %w", err), shared.KindValidation)
	}
	rdb := redis.NewClient(o)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(rdb, opts...), nil
}

func (q *Queue) queueKey() string {
	return q.prefix + ":due"
}

func (q *Queue) jobKey(id string) string {
	return q.prefix + ":job:" + id
}

// Push stores the job body and schedules it. Pushing an existing id replaces
// both the body and the due time.
func (q *Queue) Push(ctx context.Context, job resync.Job, due time.Time) error {
	if err := job.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, q.jobKey(job.ID), data, jobTTL)
		p.ZAdd(ctx, q.queueKey(), redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push job %s: %w", job.ID, err)
	}
	return nil
}

// PopDue removes up to limit due jobs. Ids whose body has expired are dropped.
// A body that cannot be decoded is skipped and reported in the error while the
// remaining jobs are still returned. If Redis fails mid-way, the ids not yet
// read are scheduled again at now.
func (q *Queue) PopDue(ctx context.Context, now time.Time, limit int) ([]resync.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := popScript.Run(ctx, q.rdb, []string{q.queueKey()}, now.UnixMilli(), limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to pop due jobs: %w", err)
	}

	jobs := make([]resync.Job, 0, len(ids))
	var errs []error
	for i, id := range ids {
		data, err := q.rdb.GetDel(ctx, q.jobKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to get job %s: %w", id, err))
			if rerr := q.reschedule(context.WithoutCancel(ctx), ids[i:], now); rerr != nil {
				errs = append(errs, rerr)
			}
			break
		}
		var job resync.Job
		if err := json.Unmarshal(data, &job); err != nil {
			errs = append(errs, fmt.Errorf("failed to unmarshal job %s: %w", id, err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Join(errs...)
}

// reschedule puts ids whose bodies were not read back on the queue.
func (q *Queue) reschedule(ctx context.Context, ids []string, due time.Time) error {
	members := make([]redis.Z, 0, len(ids))
	for _, id := range ids {
		members = append(members, redis.Z{Score: float64(due.UnixMilli()), Member: id})
	}
	if err := q.rdb.ZAdd(ctx, q.queueKey(), members...).Err(); err != nil {
		return fmt.Errorf("failed to reschedule %d jobs: %w", len(ids), err)
	}
	return nil
}

// Len returns the number of scheduled jobs.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.ZCard(ctx, q.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(n), nil
}

// Ping checks the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Close closes the underlying client.
func (q *Queue) Close() error {
	return q.rdb.Close()
}
