package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type result struct {
	ok      bool
	retry   bool
	retryAt time.Time
}

// runner holds the handler table and executes a single attempt of a job.
type runner struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	retry    RetryConfig
	logger   *zap.Logger
	observer Observer
	tracer   trace.Tracer
	now      func() time.Time
}

func newRunner(retry RetryConfig, logger *zap.Logger) *runner {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	return &runner{
		handlers: make(map[string]Handler),
		retry:    retry,
		logger:   logger,
		observer: nopObserver{},
		tracer:   otel.Tracer("agentrelay/dispatch"),
		now:      time.Now,
	}
}

// Register installs the handler for a job kind.
func (r *runner) Register(kind string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

// SetObserver installs an outcome observer.
func (r *runner) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	r.observer = o
}

func (r *runner) handler(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

func (r *runner) run(ctx context.Context, job *Job) result {
	h, ok := r.handler(job.Kind)
	if !ok {
		r.logger.Error("dropping job",
			zap.String("job_id", job.ID),
			zap.String("job_kind", job.Kind),
			zap.Error(ErrNoHandler),
		)
		r.observer.RecordJob(job.Kind, outcomeFailed, 0)
		return result{}
	}

	ctx, span := r.tracer.Start(ctx, "dispatch.job",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.kind", job.Kind),
		))
	defer span.End()

	job.Attempts++
	start := r.now()
	err := safeCall(ctx, h, job)
	elapsed := r.now().Sub(start)

	if err == nil {
		r.observer.RecordJob(job.Kind, outcomeSucceeded, elapsed)
		r.logger.Debug("job succeeded",
			zap.String("job_id", job.ID),
			zap.String("job_kind", job.Kind),
			zap.Duration("duration", elapsed),
		)
		return result{ok: true}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	job.LastError = err.Error()

	if r.retry.ShouldRetry(job) {
		retryAt := r.now().Add(r.retry.CalculateBackoff(job.Attempts - 1))
		r.observer.RecordJob(job.Kind, outcomeRetried, elapsed)
		r.logger.Warn("job failed, retrying",
			zap.String("job_id", job.ID),
			zap.String("job_kind", job.Kind),
			zap.Int("attempt", job.Attempts),
			zap.Time("retry_at", retryAt),
			zap.Error(err),
		)
		return result{retry: true, retryAt: retryAt}
	}

	r.observer.RecordJob(job.Kind, outcomeFailed, elapsed)
	r.logger.Error("job failed",
		zap.String("job_id", job.ID),
		zap.String("job_kind", job.Kind),
		zap.Int("attempts", job.Attempts),
		zap.Error(err),
	)
	return result{}
}

func safeCall(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job handler panicked: %v", p)
		}
	}()
	return h(ctx, job)
}
