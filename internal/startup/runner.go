package startup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/triadhq/triad/internal/health"
	"github.com/triadhq/triad/internal/metrics"
	"github.com/triadhq/triad/internal/supervise"
	"github.com/triadhq/triad/internal/trace"
)

// RollbackError reports a failed startup: the component that sank it, the
// underlying cause, and what was stopped on the way back down.
type RollbackError struct {
	Failed     string
	Cause      error
	RolledBack []string
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("startup: rolled back after %q failed (stopped: %s): %v",
		e.Failed, strings.Join(e.RolledBack, ", "), e.Cause)
}

func (e *RollbackError) Unwrap() error { return e.Cause }

// Result summarizes a completed startup.
type Result struct {
	Started  []string // in start order
	Degraded []string // non-required components that failed
	PIDs     map[string]int
}

// Config tunes the sequencer.
type Config struct {
	DefaultTimeout time.Duration // per-component timeout when the definition has none (default 30s)
	HealthPoll     time.Duration // poll interval while waiting for healthy (default 100ms)
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.HealthPoll <= 0 {
		c.HealthPoll = 100 * time.Millisecond
	}
	return c
}

// Runner executes the two-phase startup over a DAG.
type Runner struct {
	cfg        Config
	logger     *slog.Logger
	tracer     *trace.Tracer
	supervisor *supervise.Supervisor // may be nil

	// healthFn reports a component's current level. When nil, a
	// successful Start counts as healthy immediately.
	healthFn func(name string) health.Level
}

// NewRunner creates a runner. supervisor may be nil; when set, every
// started component is registered with it. healthFn may be nil.
func NewRunner(cfg Config, healthFn func(string) health.Level, supervisor *supervise.Supervisor, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:        cfg.withDefaults(),
		logger:     logger.With("component", "startup"),
		tracer:     trace.NewTracer("startup"),
		supervisor: supervisor,
		healthFn:   healthFn,
	}
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeStarted
	outcomeFailed
)

type commitState struct {
	mu       sync.Mutex
	outcomes map[string]outcome
	order    []string
	pids     map[string]int
	degraded []string
}

// Run executes prepare then commit. On a required component's failure,
// everything already started is stopped in reverse order and a
// RollbackError is returned. Cancellation of ctx takes the same rollback
// path.
func (r *Runner) Run(ctx context.Context, dag *DAG) (*Result, error) {
	ctx, _, end := r.tracer.StartSpan(ctx, "transactional_startup")
	defer end()

	st := &commitState{
		outcomes: make(map[string]outcome, dag.Len()),
		pids:     make(map[string]int),
	}

	if err := r.prepare(ctx, dag, st); err != nil {
		return nil, err
	}

	for _, tier := range dag.Tiers() {
		if err := r.commitTier(ctx, dag, tier, st); err != nil {
			rolledBack := r.rollback(context.WithoutCancel(ctx), dag, st)
			var failed string
			var cf *componentFailure
			if errors.As(err, &cf) {
				failed = cf.name
				err = cf.cause
			}
			return nil, &RollbackError{Failed: failed, Cause: err, RolledBack: rolledBack}
		}
	}

	return &Result{Started: st.order, Degraded: st.degraded, PIDs: st.pids}, nil
}

// prepare validates every component without side effects. A required
// component failing prepare aborts before anything starts; others are
// recorded as failed and skipped at commit.
func (r *Runner) prepare(ctx context.Context, dag *DAG, st *commitState) error {
	start := time.Now()
	defer func() {
		metrics.StartupPhaseSeconds.WithLabelValues("prepare").Observe(time.Since(start).Seconds())
	}()

	for _, tier := range dag.Tiers() {
		for _, name := range tier {
			def, _ := dag.Definition(name)
			if def.Prepare == nil {
				continue
			}
			if err := def.Prepare(ctx); err != nil {
				if def.Criticality == Required {
					return fmt.Errorf("prepare %s: %w", name, err)
				}
				r.logger.Warn("prepare failed for non-required component, skipping",
					"name", name, "criticality", def.Criticality.String(), "error", err)
				st.outcomes[name] = outcomeFailed
				st.degraded = append(st.degraded, name)
			}
		}
	}
	return nil
}

// componentFailure carries the failing component's name through the
// errgroup.
type componentFailure struct {
	name  string
	cause error
}

func (e *componentFailure) Error() string {
	return fmt.Sprintf("component %s: %v", e.name, e.cause)
}

// commitTier starts one tier's components in parallel.
func (r *Runner) commitTier(ctx context.Context, dag *DAG, tier []string, st *commitState) error {
	start := time.Now()
	defer func() {
		metrics.StartupPhaseSeconds.WithLabelValues("commit_tier").Observe(time.Since(start).Seconds())
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range tier {
		st.mu.Lock()
		skipped := st.outcomes[name] == outcomeFailed
		st.mu.Unlock()
		if skipped {
			continue
		}
		def, _ := dag.Definition(name)
		g.Go(func() error {
			return r.startComponent(gctx, def, st)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (r *Runner) startComponent(ctx context.Context, def Definition, st *commitState) error {
	timeout := def.StartupTimeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := r.tryStart(cctx, def, st)
	if err == nil {
		metrics.ComponentsStarted.WithLabelValues(def.Name, "ok").Inc()
		return nil
	}

	metrics.ComponentsStarted.WithLabelValues(def.Name, "failed").Inc()
	if def.Criticality == Required {
		return &componentFailure{name: def.Name, cause: err}
	}
	r.logger.Warn("non-required component failed to start, continuing degraded",
		"name", def.Name, "criticality", def.Criticality.String(), "error", err)
	st.mu.Lock()
	st.outcomes[def.Name] = outcomeFailed
	st.degraded = append(st.degraded, def.Name)
	st.mu.Unlock()
	return nil
}

func (r *Runner) tryStart(ctx context.Context, def Definition, st *commitState) error {
	if err := r.awaitHardDeps(ctx, def, st); err != nil {
		return err
	}

	r.logger.Info("starting component", "name", def.Name,
		"criticality", def.Criticality.String())
	pid, err := def.Start(ctx)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}

	st.mu.Lock()
	st.outcomes[def.Name] = outcomeStarted
	st.order = append(st.order, def.Name)
	st.pids[def.Name] = pid
	st.mu.Unlock()

	if r.supervisor != nil {
		r.supervisor.Register(supervise.Component{
			Name:     def.Name,
			Strategy: def.Strategy,
			Start:    def.Start,
			Stop:     def.Stop,
		}, pid)
	}

	if err := r.awaitHealthy(ctx, def.Name); err != nil {
		return err
	}
	r.logger.Info("component healthy", "name", def.Name, "pid", pid)
	return nil
}

// awaitHardDeps blocks until every hard dependency is started and
// healthy, or the component's timeout elapses. Soft dependencies never
// block; a hard dependency known to have failed is unsatisfiable and
// fails immediately.
func (r *Runner) awaitHardDeps(ctx context.Context, def Definition, st *commitState) error {
	for _, dep := range def.Dependencies {
		if dep.Soft {
			continue
		}
		st.mu.Lock()
		out := st.outcomes[dep.Name]
		st.mu.Unlock()
		if out == outcomeFailed {
			return fmt.Errorf("hard dependency %s failed", dep.Name)
		}
		if err := r.awaitHealthy(ctx, dep.Name); err != nil {
			return fmt.Errorf("hard dependency %s: %w", dep.Name, err)
		}
	}
	return nil
}

// awaitHealthy polls the health function until the component reports
// healthy or ctx expires.
func (r *Runner) awaitHealthy(ctx context.Context, name string) error {
	if r.healthFn == nil {
		return nil
	}
	for {
		if r.healthFn(name) == health.Healthy {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to become healthy: %w", name, ctx.Err())
		case <-time.After(r.cfg.HealthPoll):
		}
	}
}

// rollback stops everything started so far in reverse start order and
// returns the stopped names in stop order.
func (r *Runner) rollback(ctx context.Context, dag *DAG, st *commitState) []string {
	metrics.StartupRollbacksTotal.Inc()

	st.mu.Lock()
	order := append([]string(nil), st.order...)
	st.mu.Unlock()

	var stopped []string
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		def, _ := dag.Definition(name)
		r.logger.Warn("rolling back component", "name", name)
		if r.supervisor != nil {
			r.supervisor.Deregister(name)
		}
		if def.Stop != nil {
			if err := def.Stop(ctx); err != nil {
				r.logger.Error("rollback stop failed", "name", name, "error", err)
			}
		}
		stopped = append(stopped, name)
	}
	return stopped
}
