package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/clock"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/logging"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/metrics"
)

const (
	DefaultBaseBackoff = 6 * time.Second
	maxBackoff         = 30 * time.Minute
)

var errTaskExited = errors.New("poller exited without error")

type State int

const (
	StateRunning State = iota
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateBackoff:
		return "backoff"
	default:
		return "stopped"
	}
}

// Status is the supervisor state; Attempt counts consecutive failures and
// is only non-zero in StateBackoff or right after a restart.
type Status struct {
	State         State  `json:"-"`
	StateName     string `json:"state"`
	Attempt       int    `json:"attempt"`
	NextBackoffMs int64  `json:"nextBackoffMs,omitempty"`
	LastError     string `json:"lastError,omitempty"`
}

// Task is the supervised loop. It must call healthy after each successful
// iteration so consecutive-failure counting starts over.
type Task func(ctx context.Context, healthy func()) error

// Supervisor restarts a Task after failures with a doubling backoff. It
// only returns once ctx is done.
type Supervisor struct {
	name        string
	task        Task
	clock       clock.Clock
	baseBackoff time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu     sync.Mutex
	status Status
}

type SupervisorConfig struct {
	Name        string
	Task        Task
	Clock       clock.Clock
	BaseBackoff time.Duration
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		name:        cfg.Name,
		task:        cfg.Task,
		clock:       cfg.Clock,
		baseBackoff: cfg.BaseBackoff,
		metrics:     cfg.Metrics,
		logger:      logger.With(slog.String("component", "poller_supervisor"), slog.String("feed", cfg.Name)),
		status:      Status{State: StateStopped, StateName: StateStopped.String()},
	}
}

// Supervise wraps a poller's RunForever.
func Supervise(p *Poller, cfg SupervisorConfig) *Supervisor {
	cfg.Task = p.RunForever
	if cfg.Name == "" {
		cfg.Name = p.Feed().Name
	}
	return NewSupervisor(cfg)
}

func (s *Supervisor) newBackoff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.baseBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               s.clock,
	}
	b.Reset()
	return b
}

func (s *Supervisor) Run(ctx context.Context) error {
	b := s.newBackoff()
	attempt := 0
	healthy := func() {
		if attempt > 0 {
			logging.LogOperation(s.logger, "poller_recovered", slog.Int("attempts", attempt))
			attempt = 0
			b.Reset()
			s.setStatus(Status{State: StateRunning})
		}
	}

	for {
		s.setStatus(Status{State: StateRunning, Attempt: attempt})
		err := s.task(ctx, healthy)
		if ctx.Err() != nil {
			s.setStatus(Status{State: StateStopped})
			return ctx.Err()
		}
		if err == nil {
			err = errTaskExited
		}

		attempt++
		next := b.NextBackOff()
		code := ErrorCode(err)
		event := "poller_restart"
		if Classify(err) == KindDBDisconnect {
			event = "poller_reconnect"
		}
		s.logger.Warn(event,
			slog.String("error_code", code),
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt),
			slog.Int64("next_backoff_ms", next.Milliseconds()))
		s.metrics.SupervisorRestart(s.name, code)
		s.setStatus(Status{State: StateBackoff, Attempt: attempt, NextBackoffMs: next.Milliseconds(), LastError: err.Error()})

		if err := s.clock.Sleep(ctx, next); err != nil {
			s.setStatus(Status{State: StateStopped})
			return err
		}
	}
}

func (s *Supervisor) setStatus(st Status) {
	st.StateName = st.State.String()
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Supervisor) Name() string {
	return s.name
}
