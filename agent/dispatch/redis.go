package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// RedisConfig configures a RedisDispatcher.
type RedisConfig struct {
	// KeyPrefix is the prefix for all Redis keys (default: "agentrelay:jobs:")
	KeyPrefix string
	// Workers bounds concurrently running handlers (default: 4)
	Workers int
	// PollInterval is how often the queue is scanned for due jobs (default: 1s)
	PollInterval time.Duration
	// ClaimRate limits job claims per second; 0 disables the limit.
	ClaimRate float64
	// BatchSize is the maximum number of due jobs read per poll (default: 32)
	BatchSize int
	Retry     RetryConfig
}

// RedisDispatcher keeps jobs in a sorted set scored by not-before time in
// milliseconds. Job bodies live under separate keys. Failed jobs that run out
// of attempts are pushed onto a dead list.
type RedisDispatcher struct {
	*runner

	client  redis.UniversalClient
	prefix  string
	cfg     RedisConfig
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewRedisDispatcher creates a dispatcher on client.
func NewRedisDispatcher(client redis.UniversalClient, cfg RedisConfig, logger *zap.Logger) *RedisDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "agentrelay:jobs:"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}

	d := &RedisDispatcher{
		runner: newRunner(cfg.Retry, logger.With(zap.String("component", "redis_dispatcher"))),
		client: client,
		prefix: cfg.KeyPrefix,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
		done:   make(chan struct{}),
	}
	if cfg.ClaimRate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.ClaimRate), cfg.BatchSize)
	}
	return d
}

func (d *RedisDispatcher) queueKey() string           { return d.prefix + "queue" }
func (d *RedisDispatcher) deadKey() string            { return d.prefix + "dead" }
func (d *RedisDispatcher) jobKey(jobID string) string { return d.prefix + "data:" + jobID }

// Enqueue stores job and adds it to the queue scored by notBefore.
func (d *RedisDispatcher) Enqueue(ctx context.Context, job Job, notBefore time.Time) (string, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = d.now()
	}
	if notBefore.IsZero() {
		notBefore = d.now()
	}
	job.NotBefore = notBefore

	if err := d.save(ctx, &job); err != nil {
		return "", err
	}
	d.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("job_kind", job.Kind),
		zap.Time("not_before", notBefore),
	)
	return job.ID, nil
}

func (d *RedisDispatcher) save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	pipe := d.client.TxPipeline()
	pipe.Set(ctx, d.jobKey(job.ID), data, 0)
	pipe.ZAdd(ctx, d.queueKey(), redis.Z{
		Score:  float64(job.NotBefore.UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// PollOnce claims the jobs that are due, runs them and waits for them to
// finish. Returns the number of jobs this worker claimed.
func (d *RedisDispatcher) PollOnce(ctx context.Context) (int, error) {
	ids, err := d.client.ZRangeByScore(ctx, d.queueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(d.now().UnixMilli(), 10),
		Count: int64(d.cfg.BatchSize),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan job queue: %w", err)
	}

	var wg sync.WaitGroup
	claimed := 0
	for _, id := range ids {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				break
			}
		}
		// TODO: move claimed ids into a processing set so jobs held by a
		// crashed worker can be reclaimed.
		n, err := d.client.ZRem(ctx, d.queueKey(), id).Result()
		if err != nil {
			d.logger.Warn("failed to claim job", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if n == 0 {
			continue
		}

		job, err := d.load(ctx, id)
		if err != nil {
			d.logger.Warn("claimed job has no body", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if err := d.sem.Acquire(ctx, 1); err != nil {
			// put it back for the next worker
			_ = d.save(context.WithoutCancel(ctx), job)
			break
		}
		claimed++
		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			defer d.sem.Release(1)
			d.finish(ctx, job, d.run(ctx, job))
		}(job)
	}
	wg.Wait()
	return claimed, nil
}

func (d *RedisDispatcher) load(ctx context.Context, id string) (*Job, error) {
	data, err := d.client.Get(ctx, d.jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("job %s: missing body", id)
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (d *RedisDispatcher) finish(ctx context.Context, job *Job, res result) {
	ctx = context.WithoutCancel(ctx)
	switch {
	case res.retry:
		job.NotBefore = res.retryAt
		if err := d.save(ctx, job); err != nil {
			d.logger.Error("failed to requeue job", zap.String("job_id", job.ID), zap.Error(err))
		}
	case res.ok:
		d.client.Del(ctx, d.jobKey(job.ID))
	default:
		data, _ := json.Marshal(job)
		pipe := d.client.TxPipeline()
		pipe.RPush(ctx, d.deadKey(), data)
		pipe.Del(ctx, d.jobKey(job.ID))
		if _, err := pipe.Exec(ctx); err != nil {
			d.logger.Error("failed to bury job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

// Pending returns the number of queued jobs.
func (d *RedisDispatcher) Pending(ctx context.Context) (int64, error) {
	return d.client.ZCard(ctx, d.queueKey()).Result()
}

// DeadJobs returns jobs that exhausted their attempts.
func (d *RedisDispatcher) DeadJobs(ctx context.Context) ([]*Job, error) {
	items, err := d.client.LRange(ctx, d.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(items))
	for _, item := range items {
		var job Job
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Start polls the queue until ctx is done or Close is called.
func (d *RedisDispatcher) Start(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Duration("poll_interval", d.cfg.PollInterval),
	)
	for {
		if _, err := d.PollOnce(ctx); err != nil {
			d.logger.Warn("poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-d.done:
			return nil
		case <-ticker.C:
		}
	}
}

// Close stops polling. The Redis client is owned by the caller.
func (d *RedisDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.done)
	}
	return nil
}
