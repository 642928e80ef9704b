// Package dispatch runs deferred jobs: delegated tasks and sleep resumes.
//
// Two backends are provided. MemoryDispatcher schedules jobs on timers in the
// current process. RedisDispatcher keeps jobs in a sorted set keyed by their
// not-before time so that any number of workers can share one queue; a job is
// owned by the worker whose ZREM removes it.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoHandler is returned when a job kind has no registered handler.
	ErrNoHandler = errors.New("no handler registered for job kind")
	// ErrClosed is returned when enqueueing on a closed dispatcher.
	ErrClosed = errors.New("dispatcher is closed")
)

// Job is a deferred unit of work.
type Job struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	NotBefore time.Time       `json:"not_before"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewJob builds a job of kind with a JSON-encoded payload.
func NewJob(kind string, payload any) (Job, error) {
	job := Job{Kind: kind}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Job{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		job.Payload = data
	}
	return job, nil
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has no payload", j.ID)
	}
	return json.Unmarshal(j.Payload, v)
}

// Handler processes one job. Returning an error schedules a retry while
// attempts remain.
type Handler func(ctx context.Context, job *Job) error

// Dispatcher accepts jobs for later execution.
type Dispatcher interface {
	// Enqueue schedules job to run no earlier than notBefore. A zero
	// notBefore means as soon as possible. Returns the job id.
	Enqueue(ctx context.Context, job Job, notBefore time.Time) (string, error)

	// Register installs the handler for a job kind.
	Register(kind string, handler Handler)

	// Start begins executing jobs until ctx is done or Close is called.
	Start(ctx context.Context) error

	// Close stops the dispatcher and waits for running handlers.
	Close() error
}

// RetryConfig defines retry behavior for failed jobs.
type RetryConfig struct {
	// MaxAttempts is the total number of runs for a job (default: 3)
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialBackoff is the initial backoff duration (default: 1s)
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff is the maximum backoff duration (default: 30s)
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff (default: 2.0)
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration: 3 attempts with
// exponential backoff 1s/2s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// CalculateBackoff calculates the backoff duration for a given retry attempt
func (c RetryConfig) CalculateBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialBackoff
	}

	backoff := c.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * c.BackoffMultiplier)
		if backoff > c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return backoff
}

// ShouldRetry reports whether a job that just failed gets another run.
func (c RetryConfig) ShouldRetry(job *Job) bool {
	return job.Attempts < c.MaxAttempts
}

// Observer receives job outcomes; *metrics.Collector satisfies it.
type Observer interface {
	RecordJob(kind, outcome string, duration time.Duration)
}

type nopObserver struct{}

func (nopObserver) RecordJob(string, string, time.Duration) {}

const (
	outcomeSucceeded = "succeeded"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
)
