// Package sleep puts agents into a dormant state with a wake time and
// schedules the deferred resume.
//
// Two paths clear a sleep: the deferred resume job (ResumeIfDue, which only
// acts when the wake time has passed) and an immediate wake (WakeNow, used
// when an agent is asked something synchronously). Both are single writes on
// the agent record and may run in either order.
package sleep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentrelay/agent/dispatch"
	"github.com/BaSui01/agentrelay/agent/roster"
	"github.com/BaSui01/agentrelay/internal/metrics"
	"go.uber.org/zap"
)

// JobKindResume is the dispatcher job kind for deferred resumes.
const JobKindResume = "sleep.resume"

const (
	DefaultMinMinutes = 1
	DefaultMaxMinutes = 10080
)

// ErrInvalidDuration is returned for a duration outside the allowed range.
var ErrInvalidDuration = errors.New("invalid sleep duration")

// Config bounds sleep durations.
type Config struct {
	MinMinutes int
	MaxMinutes int
}

// DefaultConfig allows 1 minute to 7 days.
func DefaultConfig() Config {
	return Config{MinMinutes: DefaultMinMinutes, MaxMinutes: DefaultMaxMinutes}
}

// ResumePayload is carried by resume jobs. Until is the wake time of the
// sleep the job was scheduled for; a job whose Until no longer matches the
// agent's wake time is ignored.
type ResumePayload struct {
	AgentID string    `json:"agent_id"`
	Until   time.Time `json:"until"`
}

// Scheduler manages agent sleep.
type Scheduler struct {
	agents     roster.Store
	dispatcher dispatch.Dispatcher
	cfg        Config
	logger     *zap.Logger
	metrics    *metrics.Collector
	now        func() time.Time
}

// NewScheduler creates a scheduler and registers its resume handler on
// dispatcher.
func NewScheduler(agents roster.Store, dispatcher dispatch.Dispatcher, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinMinutes <= 0 {
		cfg.MinMinutes = DefaultMinMinutes
	}
	if cfg.MaxMinutes <= 0 {
		cfg.MaxMinutes = DefaultMaxMinutes
	}
	s := &Scheduler{
		agents:     agents,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "sleep_scheduler")),
		now:        time.Now,
	}
	dispatcher.Register(JobKindResume, s.handleResumeJob)
	return s
}

// SetMetrics installs a metrics collector.
func (s *Scheduler) SetMetrics(c *metrics.Collector) {
	s.metrics = c
}

// ValidateMinutes checks minutes against the configured range.
func (s *Scheduler) ValidateMinutes(minutes int) error {
	if minutes < s.cfg.MinMinutes || minutes > s.cfg.MaxMinutes {
		return fmt.Errorf("%w: %d minutes is outside [%d, %d]", ErrInvalidDuration, minutes, s.cfg.MinMinutes, s.cfg.MaxMinutes)
	}
	return nil
}

// Sleep makes agentID dormant for minutes and schedules its resume.
// Availability status is left unchanged. Returns the wake time.
func (s *Scheduler) Sleep(ctx context.Context, agentID string, minutes int, reason string) (time.Time, error) {
	if err := s.ValidateMinutes(minutes); err != nil {
		return time.Time{}, err
	}

	until := s.now().Add(time.Duration(minutes) * time.Minute)
	if err := s.agents.SetSleep(ctx, agentID, until, reason); err != nil {
		return time.Time{}, fmt.Errorf("set sleep for %s: %w", agentID, err)
	}

	job, err := dispatch.NewJob(JobKindResume, ResumePayload{AgentID: agentID, Until: until})
	if err != nil {
		return time.Time{}, err
	}
	jobID, err := s.dispatcher.Enqueue(ctx, job, until)
	if err != nil {
		// the sleep is recorded; SweepDue picks it up
		s.logger.Error("failed to schedule resume",
			zap.String("agent_id", agentID),
			zap.Time("until", until),
			zap.Error(err),
		)
		return until, fmt.Errorf("schedule resume for %s: %w", agentID, err)
	}

	s.metrics.RecordSleep("scheduled")
	s.logger.Info("agent sleeping",
		zap.String("agent_id", agentID),
		zap.Int("minutes", minutes),
		zap.Time("until", until),
		zap.String("job_id", jobID),
	)
	return until, nil
}

// ResumeIfDue clears the sleep if its wake time has passed. It is a no-op on
// an awake agent or one whose wake time is still ahead.
func (s *Scheduler) ResumeIfDue(ctx context.Context, agentID string) (bool, error) {
	cleared, err := s.agents.ClearSleepIfDue(ctx, agentID, s.now())
	if err != nil {
		return false, fmt.Errorf("resume %s: %w", agentID, err)
	}
	if cleared {
		s.metrics.RecordSleep("resumed")
		s.logger.Info("agent resumed", zap.String("agent_id", agentID))
	}
	return cleared, nil
}

// WakeNow clears the sleep regardless of the wake time.
func (s *Scheduler) WakeNow(ctx context.Context, agentID string) error {
	if err := s.agents.ClearSleep(ctx, agentID); err != nil {
		return fmt.Errorf("wake %s: %w", agentID, err)
	}
	s.metrics.RecordSleep("woken")
	s.logger.Info("agent woken", zap.String("agent_id", agentID))
	return nil
}

// SweepDue resumes every agent whose wake time has passed. Returns how many
// were resumed.
func (s *Scheduler) SweepDue(ctx context.Context) (int, error) {
	agents, err := s.agents.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list agents: %w", err)
	}
	now := s.now()
	resumed := 0
	for _, a := range agents {
		if a.SleepingUntil == nil || a.SleepingUntil.After(now) {
			continue
		}
		ok, err := s.ResumeIfDue(ctx, a.ID)
		if err != nil {
			s.logger.Warn("sweep resume failed", zap.String("agent_id", a.ID), zap.Error(err))
			continue
		}
		if ok {
			resumed++
		}
	}
	if resumed > 0 {
		s.logger.Info("sleep sweep resumed agents", zap.Int("count", resumed))
	}
	return resumed, nil
}

func (s *Scheduler) handleResumeJob(ctx context.Context, job *dispatch.Job) error {
	var p ResumePayload
	if err := job.Decode(&p); err != nil {
		return fmt.Errorf("decode resume payload: %w", err)
	}
	a, err := s.agents.Get(ctx, p.AgentID)
	if errors.Is(err, roster.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", p.AgentID, err)
	}
	// 只处理本任务对应的那次休眠; 之后的休眠有自己的恢复任务
	if a.SleepingUntil == nil || (!p.Until.IsZero() && !a.SleepingUntil.Equal(p.Until)) {
		s.logger.Debug("skipping stale resume job",
			zap.String("agent_id", p.AgentID),
			zap.Time("job_until", p.Until),
		)
		return nil
	}
	_, err = s.ResumeIfDue(ctx, p.AgentID)
	if errors.Is(err, roster.ErrNotFound) {
		return nil
	}
	return err
}
