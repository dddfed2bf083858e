// Package redis provides a durable delay queue backed by Redis sorted sets.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/relist/internal/listing"
)

// enqueue adds the job only when its key is not already active.
var enqueueScript = goredis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// pop moves the earliest due member into the inflight set.
var popScript = goredis.NewScript(`
local m = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #m == 0 then
  return false
end
redis.call('ZREM', KEYS[1], m[1])
redis.call('SADD', KEYS[2], m[1])
return m[1]
`)

// recover returns inflight members to the ready set.
var recoverScript = goredis.NewScript(`
local ms = redis.call('SMEMBERS', KEYS[1])
for _, m in ipairs(ms) do
  redis.call('ZADD', KEYS[2], ARGV[1], m)
end
redis.call('DEL', KEYS[1])
return #ms
`)

// Config controls key naming and polling.
type Config struct {
	// Prefix namespaces every key. Queues sharing a prefix share the active-key set.
	Prefix string
	// Name identifies this queue's ready and inflight sets.
	Name         string
	PollInterval time.Duration
}

// Queue implements listing.Queue on Redis.
//
// Layout: {prefix}:active is a SET of held draft IDs, {prefix}:{name}:ready a
// ZSET of encoded jobs scored by due time in milliseconds, and
// {prefix}:{name}:inflight a SET of dequeued but unacknowledged members.
type Queue struct {
	client   goredis.UniversalClient
	cfg      Config
	active   string
	ready    string
	inflight string
	now      func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a Redis queue. The caller owns the client.
func New(client goredis.UniversalClient, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Name == "" {
		return nil, errors.New("queue name is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "relist"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Queue{
		client:   client,
		cfg:      cfg,
		active:   cfg.Prefix + ":active",
		ready:    cfg.Prefix + ":" + cfg.Name + ":ready",
		inflight: cfg.Prefix + ":" + cfg.Name + ":inflight",
		now:      time.Now,
		done:     make(chan struct{}),
	}, nil
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, addr string) (*goredis.Client, error) {
	var client *goredis.Client
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := goredis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = goredis.NewClient(opt)
	} else {
		client = goredis.NewClient(&goredis.Options{Addr: addr})
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Enqueue schedules a job unless its key is already active.
func (q *Queue) Enqueue(ctx context.Context, job listing.Job) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("enqueue canceled: %w", err)
	}
	if q.isClosed() {
		return false, listing.ErrQueueClosed
	}
	member, err := encode(job)
	if err != nil {
		return false, err
	}
	added, err := enqueueScript.Run(ctx, q.client,
		[]string{q.active, q.ready},
		job.Key(), q.score(job), member,
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", job.Key(), err)
	}
	return added == 1, nil
}

// Dequeue polls for the next due job until ctx ends or the queue closes.
func (q *Queue) Dequeue(ctx context.Context) (listing.Job, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if q.isClosed() {
			return listing.Job{}, listing.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return listing.Job{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		member, err := popScript.Run(ctx, q.client,
			[]string{q.ready, q.inflight},
			strconv.FormatInt(q.now().UnixMilli(), 10),
		).Text()
		switch {
		case err == nil:
			job, decodeErr := decode(member)
			if decodeErr != nil {
				// Drop poison members so they cannot wedge the queue.
				_ = q.client.SRem(ctx, q.inflight, member).Err()
				return listing.Job{}, decodeErr
			}
			job.Receipt = member
			return job, nil
		case errors.Is(err, goredis.Nil):
		default:
			if ctx.Err() != nil {
				return listing.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return listing.Job{}, fmt.Errorf("dequeue: %w", err)
		}
		select {
		case <-ctx.Done():
			return listing.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			return listing.Job{}, listing.ErrQueueClosed
		case <-ticker.C:
		}
	}
}

// Requeue acknowledges the dequeued form and schedules the updated job,
// keeping its key active.
func (q *Queue) Requeue(ctx context.Context, job listing.Job) error {
	member, err := encode(job)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		if job.Receipt != "" {
			p.SRem(ctx, q.inflight, job.Receipt)
		}
		p.ZAdd(ctx, q.ready, goredis.Z{Score: float64(q.score(job)), Member: member})
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue %s: %w", job.Key(), err)
	}
	return nil
}

// Complete acknowledges the job and releases its key.
func (q *Queue) Complete(ctx context.Context, job listing.Job) error {
	_, err := q.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		if job.Receipt != "" {
			p.SRem(ctx, q.inflight, job.Receipt)
		}
		p.SRem(ctx, q.active, job.Key())
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete %s: %w", job.Key(), err)
	}
	return nil
}

// Recover returns jobs left inflight by a crashed process to the ready set.
// Run it once at startup, before workers begin dequeuing.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n, err := recoverScript.Run(ctx, q.client,
		[]string{q.inflight, q.ready},
		strconv.FormatInt(q.now().UnixMilli(), 10),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("recover inflight: %w", err)
	}
	return n, nil
}

// Len returns the number of scheduled jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.ready).Result()
}

// Close wakes blocked consumers and rejects further work.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *Queue) score(job listing.Job) int64 {
	if job.RunAt.IsZero() {
		return q.now().UnixMilli()
	}
	return job.RunAt.UnixMilli()
}

func encode(job listing.Job) (string, error) {
	job.Receipt = ""
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(raw), nil
}

func decode(member string) (listing.Job, error) {
	var job listing.Job
	if err := json.Unmarshal([]byte(member), &job); err != nil {
		return listing.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}
