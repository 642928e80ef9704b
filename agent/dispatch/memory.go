package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// MemoryConfig configures a MemoryDispatcher.
type MemoryConfig struct {
	// Workers bounds concurrently running handlers (default: 4)
	Workers int
	Retry   RetryConfig
}

// MemoryDispatcher schedules jobs on in-process timers. Jobs do not survive a
// restart; the sleep sweep at startup recovers lost resumes.
type MemoryDispatcher struct {
	*runner

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

// NewMemoryDispatcher creates an in-process dispatcher.
func NewMemoryDispatcher(cfg MemoryConfig, logger *zap.Logger) *MemoryDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryDispatcher{
		runner: newRunner(cfg.Retry, logger.With(zap.String("component", "memory_dispatcher"))),
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[string]*time.Timer),
	}
}

// Enqueue schedules job to run at notBefore.
func (d *MemoryDispatcher) Enqueue(ctx context.Context, job Job, notBefore time.Time) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = d.now()
	}
	job.NotBefore = notBefore

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", ErrClosed
	}
	d.scheduleLocked(&job)

	d.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("job_kind", job.Kind),
		zap.Time("not_before", notBefore),
	)
	return job.ID, nil
}

func (d *MemoryDispatcher) scheduleLocked(job *Job) {
	delay := time.Duration(0)
	if !job.NotBefore.IsZero() {
		delay = job.NotBefore.Sub(d.now())
		if delay < 0 {
			delay = 0
		}
	}
	d.wg.Add(1)
	d.timers[job.ID] = time.AfterFunc(delay, func() { d.fire(job) })
}

func (d *MemoryDispatcher) fire(job *Job) {
	defer d.wg.Done()

	d.mu.Lock()
	delete(d.timers, job.ID)
	d.mu.Unlock()

	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		return
	}
	res := d.run(d.ctx, job)
	d.sem.Release(1)

	if res.retry {
		d.mu.Lock()
		if !d.closed {
			job.NotBefore = res.retryAt
			d.scheduleLocked(job)
		}
		d.mu.Unlock()
	}
}

// Pending returns the number of jobs waiting for their timer.
func (d *MemoryDispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Start blocks until ctx is done, then closes the dispatcher. Jobs run as
// soon as they are due whether or not Start has been called.
func (d *MemoryDispatcher) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-d.ctx.Done():
	}
	return d.Close()
}

// Close stops pending timers and waits for running handlers.
func (d *MemoryDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for id, t := range d.timers {
		if t.Stop() {
			d.wg.Done()
		}
		delete(d.timers, id)
	}
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	return nil
}
