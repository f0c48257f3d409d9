package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/triadhq/triad/internal/config"
	"github.com/triadhq/triad/internal/health"
	"github.com/triadhq/triad/internal/resource"
	"github.com/triadhq/triad/internal/startup"
	"github.com/triadhq/triad/internal/supervise"
)

const (
	stopGrace = 5 * time.Second

	// A child with no heartbeat or health endpoint proves liveness only
	// by staying up. It must survive this long before it counts as
	// healthy, so a process that exits right after start never passes.
	minLiveness = 250 * time.Millisecond
)

// launcher turns component specs into startup definitions backed by child
// processes. It owns the exec.Cmd handles so stop and restart can signal
// the same process the start launched.
type launcher struct {
	stateDir  string
	resources *resource.Coordinator
	logger    *slog.Logger

	mu    sync.Mutex
	procs map[string]*managedProc
}

type managedProc struct {
	cmd       *exec.Cmd
	startedAt time.Time
	done      chan struct{} // closed when the process has been reaped
	port      resource.Handle
	hasPort   bool
}

func newLauncher(stateDir string, resources *resource.Coordinator, logger *slog.Logger) *launcher {
	return &launcher{
		stateDir:  stateDir,
		resources: resources,
		logger:    logger.With("component", "launcher"),
		procs:     make(map[string]*managedProc),
	}
}

func parseCriticality(s string) (startup.Criticality, error) {
	switch s {
	case "", "required":
		return startup.Required, nil
	case "degraded_ok":
		return startup.DegradedOK, nil
	case "optional":
		return startup.Optional, nil
	default:
		return 0, fmt.Errorf("unknown criticality %q", s)
	}
}

func parseStrategy(s string) (supervise.Strategy, error) {
	switch s {
	case "", "fail":
		return supervise.StrategyFail, nil
	case "continue":
		return supervise.StrategyContinue, nil
	case "retry_then_continue":
		return supervise.StrategyRetryThenContinue, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", s)
	}
}

// definitions builds the startup graph inputs from the configured specs.
func (l *launcher) definitions(specs []config.ComponentSpec) ([]startup.Definition, error) {
	defs := make([]startup.Definition, 0, len(specs))
	for _, spec := range specs {
		crit, err := parseCriticality(spec.Criticality)
		if err != nil {
			return nil, fmt.Errorf("component %s: %w", spec.Name, err)
		}
		strat, err := parseStrategy(spec.Strategy)
		if err != nil {
			return nil, fmt.Errorf("component %s: %w", spec.Name, err)
		}

		deps := make([]startup.Dependency, 0, len(spec.DependsOn)+len(spec.SoftDependsOn))
		for _, d := range spec.DependsOn {
			deps = append(deps, startup.Dependency{Name: d})
		}
		for _, d := range spec.SoftDependsOn {
			deps = append(deps, startup.Dependency{Name: d, Soft: true})
		}

		defs = append(defs, startup.Definition{
			Name:           spec.Name,
			Criticality:    crit,
			Dependencies:   deps,
			StartupTimeout: spec.StartupTimeout(),
			Strategy:       strat,
			Prepare:        func(ctx context.Context) error { return l.prepare(spec) },
			Start:          func(ctx context.Context) (int, error) { return l.start(ctx, spec) },
			Stop:           func(ctx context.Context) error { return l.stop(ctx, spec.Name) },
		})
	}
	return defs, nil
}

// prepare checks the binary resolves and, when a port is needed, that the
// pool is not exhausted. No side effects beyond an idempotent reservation.
func (l *launcher) prepare(spec config.ComponentSpec) error {
	if _, err := exec.LookPath(spec.Command[0]); err != nil {
		return fmt.Errorf("component %s: %w", spec.Name, err)
	}
	if spec.NeedsPort {
		if _, err := l.resources.Reserve(resource.KindPort, spec.Name, os.Getpid()); err != nil {
			return fmt.Errorf("component %s: %w", spec.Name, err)
		}
	}
	return nil
}

// start launches the process and returns its PID. The child is not tied to
// ctx: it must outlive the startup call and is stopped explicitly.
func (l *launcher) start(_ context.Context, spec config.ComponentSpec) (int, error) {
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Env = append(os.Environ(), "TRIAD_DIR="+l.stateDir)
	var port resource.Handle
	if spec.NeedsPort {
		h, err := l.resources.Reserve(resource.KindPort, spec.Name, os.Getpid())
		if err != nil {
			return 0, fmt.Errorf("component %s: %w", spec.Name, err)
		}
		port = h
		cmd.Env = append(cmd.Env, "TRIAD_PORT="+strconv.Itoa(h.Value))
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	// Re-home the reservation to the child so dead-owner reaping can
	// reclaim the port if the component dies without being stopped.
	if spec.NeedsPort {
		l.resources.Rebind(resource.KindPort, spec.Name, cmd.Process.Pid)
		port.PID = cmd.Process.Pid
	}

	p := &managedProc{cmd: cmd, startedAt: time.Now(), done: make(chan struct{}), port: port, hasPort: spec.NeedsPort}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()

	l.mu.Lock()
	l.procs[spec.Name] = p
	l.mu.Unlock()

	l.logger.Info("component started", "component", spec.Name, "pid", cmd.Process.Pid)
	return cmd.Process.Pid, nil
}

// liveness classifies a managed child by whether it is still running and
// how long it has been up. The second result is false when the launcher
// does not manage the component.
func (l *launcher) liveness(name string) (health.Level, bool) {
	l.mu.Lock()
	p, ok := l.procs[name]
	l.mu.Unlock()
	if !ok {
		return health.Dead, false
	}
	select {
	case <-p.done:
		return health.Dead, true
	default:
	}
	if time.Since(p.startedAt) < minLiveness {
		return health.Unhealthy, true
	}
	return health.Healthy, true
}

// stop sends SIGTERM, waits for the grace period, then SIGKILLs.
func (l *launcher) stop(ctx context.Context, name string) error {
	l.mu.Lock()
	p, ok := l.procs[name]
	delete(l.procs, name)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if p.hasPort {
		defer l.resources.Release(p.port)
	}

	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return nil // already gone
	}

	grace := time.NewTimer(stopGrace)
	defer grace.Stop()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	case <-grace.C:
	}

	l.logger.Warn("component did not exit on SIGTERM, killing", "component", name)
	_ = p.cmd.Process.Kill()
	<-p.done
	return nil
}
