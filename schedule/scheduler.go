// Package schedule runs background discovery passes and agent expiry sweeps
// on cron schedules.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/switchboard"
	"github.com/petal-labs/switchboard/catalog"
	"github.com/petal-labs/switchboard/config"
)

const defaultJobTimeout = 2 * time.Minute

// Coordinator is the part of switchboard.Coordinator the scheduler drives.
type Coordinator interface {
	Ready() bool
	Discover(ctx context.Context) ([]catalog.Entry, error)
	Agents() (switchboard.AgentManager, error)
}

// Config configures a Scheduler. An empty or "off" spec disables that job.
type Config struct {
	Coordinator    Coordinator
	DiscoverSpec   string
	AgentSweepSpec string
	AgentTTL       time.Duration
	// JobTimeout bounds each job run.
	JobTimeout time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// Scheduler runs jobs on a UTC cron. Overlapping runs of the same job are
// skipped.
type Scheduler struct {
	coordinator Coordinator
	discover    cron.Schedule
	sweep       cron.Schedule
	ttl         time.Duration
	jobTimeout  time.Duration
	now         func() time.Time
	logger      *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// New validates the schedules and returns a stopped scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Coordinator == nil {
		return nil, errors.New("schedule: coordinator is nil")
	}
	if cfg.AgentTTL <= 0 {
		cfg.AgentTTL = config.DefaultAgentTTL
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	discover, err := parseSpec("discover", cfg.DiscoverSpec)
	if err != nil {
		return nil, err
	}
	sweep, err := parseSpec("agent sweep", cfg.AgentSweepSpec)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		coordinator: cfg.Coordinator,
		discover:    discover,
		sweep:       sweep,
		ttl:         cfg.AgentTTL,
		jobTimeout:  cfg.JobTimeout,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}, nil
}

func parseSpec(job, spec string) (cron.Schedule, error) {
	clean := strings.TrimSpace(spec)
	if clean == "" || strings.EqualFold(clean, config.ScheduleOff) {
		return nil, nil
	}
	schedule, err := config.ParseSchedule(clean)
	if err != nil {
		return nil, fmt.Errorf("schedule: %s spec %q: %w", job, clean, err)
	}
	return schedule, nil
}

// Start begins running jobs. Starting a running scheduler is a no-op.
func (s *Scheduler) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	logger := cronLogger{logger: s.logger}
	c := cron.New(cron.WithLocation(time.UTC), cron.WithLogger(logger))
	chain := cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))
	if s.discover != nil {
		c.Schedule(s.discover, chain.Then(cron.FuncJob(func() {
			ctx, done := context.WithTimeout(jobCtx, s.jobTimeout)
			defer done()
			if err := s.RunDiscover(ctx); err != nil && !errors.Is(err, switchboard.ErrNotInitialized) {
				s.logger.Warn("schedule: discovery pass failed", "error", err)
			}
		})))
	}
	if s.sweep != nil {
		c.Schedule(s.sweep, chain.Then(cron.FuncJob(func() {
			if _, err := s.RunAgentSweep(); err != nil && !errors.Is(err, switchboard.ErrNotInitialized) {
				s.logger.Warn("schedule: agent sweep failed", "error", err)
			}
		})))
	}
	c.Start()

	s.cron = c
	s.cancel = cancel
	return nil
}

// Stop halts the cron and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	cancel()
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries reports the next run time of each enabled job.
func (s *Scheduler) Entries() map[string]time.Time {
	now := s.now()
	out := make(map[string]time.Time, 2)
	if s.discover != nil {
		out["discover"] = s.discover.Next(now)
	}
	if s.sweep != nil {
		out["agent_sweep"] = s.sweep.Next(now)
	}
	return out
}

// RunDiscover runs one discovery pass. It returns ErrNotInitialized without
// probing while the coordinator is not ready.
func (s *Scheduler) RunDiscover(ctx context.Context) error {
	if !s.coordinator.Ready() {
		s.logger.Debug("schedule: skipping discovery, coordinator not initialized")
		return switchboard.ErrNotInitialized
	}
	entries, err := s.coordinator.Discover(ctx)
	if err != nil {
		return err
	}
	s.logger.Debug("schedule: discovery pass complete", "reachable", len(entries))
	return nil
}

// RunAgentSweep removes agents whose last update is older than the TTL and
// returns their ids.
func (s *Scheduler) RunAgentSweep() ([]string, error) {
	agents, err := s.coordinator.Agents()
	if err != nil {
		return nil, err
	}
	expired := agents.ExpireStale(s.now(), s.ttl)
	if len(expired) > 0 {
		s.logger.Info("schedule: expired stale agents", "count", len(expired), "ids", expired)
	}
	return expired, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
