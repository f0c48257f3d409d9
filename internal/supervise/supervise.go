// Package supervise monitors the triad's component processes by PID and
// applies each component's fallback strategy when one dies: give up,
// carry on degraded, or restart with exponential backoff. A shared rate
// limiter keeps a crash-looping component from turning into a restart
// storm.
package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/triadhq/triad/internal/fsstore"
	"github.com/triadhq/triad/internal/health"
	"github.com/triadhq/triad/internal/metrics"
)

// Strategy decides what happens when a component's process dies.
type Strategy int

const (
	// StrategyFail propagates a fatal error. Only meaningful for
	// components the system cannot run without.
	StrategyFail Strategy = iota
	// StrategyContinue marks the component degraded and leaves it down.
	StrategyContinue
	// StrategyRetryThenContinue restarts with exponential backoff, then
	// degrades once retries are exhausted.
	StrategyRetryThenContinue
)

func (s Strategy) String() string {
	switch s {
	case StrategyFail:
		return "fail"
	case StrategyContinue:
		return "continue"
	case StrategyRetryThenContinue:
		return "retry_then_continue"
	default:
		return "unknown"
	}
}

// ComponentCrashError reports a dead component whose strategy is
// StrategyFail.
type ComponentCrashError struct {
	Component string
	PID       int
}

func (e *ComponentCrashError) Error() string {
	return fmt.Sprintf("supervise: required component %q (pid %d) crashed", e.Component, e.PID)
}

// Component describes one supervised process.
type Component struct {
	Name       string
	Strategy   Strategy
	MaxRetries int // 0 means use the supervisor default
	// Start launches the component's process and returns its PID.
	Start func(ctx context.Context) (int, error)
	// Stop terminates the process. Used on supervisor shutdown.
	Stop func(ctx context.Context) error
}

// HealthSink receives level samples for supervised components. Satisfied
// by *health.Aggregator.
type HealthSink interface {
	Sample(component string, level health.Level)
}

// Config tunes polling, backoff, and storm suppression.
type Config struct {
	PollInterval time.Duration // liveness poll period (default 1s)
	BackoffBase  time.Duration // first restart delay (default 1s)
	BackoffCap   time.Duration // delay ceiling (default 30s)
	MaxRetries   int           // default retry budget per component (default 3)
	RestartRate  rate.Limit    // sustained restarts per second across all components (default 1 per 10s)
	RestartBurst int           // restart burst allowance (default 3)
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RestartRate <= 0 {
		c.RestartRate = rate.Every(10 * time.Second)
	}
	if c.RestartBurst <= 0 {
		c.RestartBurst = 3
	}
	return c
}

type procState int

const (
	procRunning procState = iota
	procWaitingRestart
	procDegraded
)

type proc struct {
	def     Component
	pid     int
	state   procState
	retries int
	retryAt time.Time
}

// Supervisor runs the monitoring loop.
type Supervisor struct {
	cfg     Config
	logger  *slog.Logger
	sink    HealthSink
	limiter *rate.Limiter

	mu    sync.Mutex
	procs map[string]*proc

	nowFn   func() time.Time
	aliveFn func(pid int) bool
}

// New creates a supervisor reporting into the given health sink.
func New(cfg Config, sink HealthSink, logger *slog.Logger) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		cfg:     cfg,
		logger:  logger.With("component", "supervise"),
		sink:    sink,
		limiter: rate.NewLimiter(cfg.RestartRate, cfg.RestartBurst),
		procs:   make(map[string]*proc),
		nowFn:   time.Now,
		aliveFn: fsstore.IsPIDAlive,
	}
}

// Register places an already-started component under supervision.
func (s *Supervisor) Register(def Component, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs[def.Name] = &proc{def: def, pid: pid, state: procRunning}
	s.logger.Info("component registered", "name", def.Name, "pid", pid,
		"strategy", def.Strategy.String())
}

// Deregister removes a component from supervision, e.g. during rollback.
func (s *Supervisor) Deregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, name)
}

// PID returns the last known PID for a supervised component.
func (s *Supervisor) PID(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[name]
	if !ok {
		return 0, false
	}
	return p.pid, true
}

// Run polls liveness until ctx is cancelled. It returns nil on
// cancellation and a ComponentCrashError when a StrategyFail component
// dies.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.poll(ctx); err != nil {
				return err
			}
		}
	}
}

// poll runs one supervision pass. Exported for the orchestrator's startup
// verification path via Check.
func (s *Supervisor) poll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.procs {
		switch p.state {
		case procRunning:
			if s.aliveFn(p.pid) {
				continue
			}
			if err := s.handleCrash(ctx, p); err != nil {
				return err
			}
		case procWaitingRestart:
			if err := s.tryRestart(ctx, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// Check runs a single supervision pass outside the loop.
func (s *Supervisor) Check(ctx context.Context) error {
	return s.poll(ctx)
}

// handleCrash applies the component's fallback strategy. Caller holds mu.
func (s *Supervisor) handleCrash(ctx context.Context, p *proc) error {
	metrics.ComponentCrashesTotal.WithLabelValues(p.def.Name).Inc()
	s.sink.Sample(p.def.Name, health.Dead)
	s.logger.Error("component process died",
		"name", p.def.Name, "pid", p.pid, "strategy", p.def.Strategy.String())

	switch p.def.Strategy {
	case StrategyFail:
		return &ComponentCrashError{Component: p.def.Name, PID: p.pid}
	case StrategyContinue:
		p.state = procDegraded
		s.sink.Sample(p.def.Name, health.Degraded)
		return nil
	case StrategyRetryThenContinue:
		p.state = procWaitingRestart
		p.retryAt = s.nowFn().Add(s.backoff(p.retries))
		return s.tryRestart(ctx, p)
	}
	return nil
}

// tryRestart restarts a waiting component once its backoff has elapsed
// and the storm limiter permits. Caller holds mu.
func (s *Supervisor) tryRestart(ctx context.Context, p *proc) error {
	if s.nowFn().Before(p.retryAt) {
		return nil
	}
	maxRetries := p.def.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.MaxRetries
	}
	if p.retries >= maxRetries {
		s.logger.Warn("retry budget exhausted, degrading component",
			"name", p.def.Name, "retries", p.retries)
		p.state = procDegraded
		s.sink.Sample(p.def.Name, health.Degraded)
		return nil
	}
	if !s.limiter.Allow() {
		metrics.RestartStormSuppressed.WithLabelValues(p.def.Name).Inc()
		s.logger.Warn("restart suppressed by storm limiter", "name", p.def.Name)
		p.retryAt = s.nowFn().Add(s.cfg.PollInterval)
		return nil
	}

	p.retries++
	pid, err := p.def.Start(ctx)
	if err != nil {
		s.logger.Error("restart failed",
			"name", p.def.Name, "attempt", p.retries, "error", err)
		p.retryAt = s.nowFn().Add(s.backoff(p.retries))
		return nil
	}

	metrics.ComponentRestartsTotal.WithLabelValues(p.def.Name).Inc()
	s.logger.Info("component restarted", "name", p.def.Name, "pid", pid, "attempt", p.retries)
	p.pid = pid
	p.state = procRunning
	return nil
}

// backoff returns the delay before restart attempt n (zero-based): base
// doubling per attempt, capped.
func (s *Supervisor) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffCap {
			return s.cfg.BackoffCap
		}
	}
	if d > s.cfg.BackoffCap {
		d = s.cfg.BackoffCap
	}
	return d
}

// StopAll stops every supervised component, used on orchestrator
// shutdown. Errors are logged, not propagated: shutdown keeps going.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.procs {
		if p.def.Stop == nil {
			continue
		}
		if err := p.def.Stop(ctx); err != nil {
			s.logger.Warn("component stop failed", "name", p.def.Name, "error", err)
		}
	}
	s.procs = make(map[string]*proc)
}
