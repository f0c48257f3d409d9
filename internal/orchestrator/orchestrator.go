// Package orchestrator composes the triad subsystems: epoch fencing, the
// file-backed IPC bus, the durable event log, health aggregation, circuit
// breakers, resource pools, the process supervisor, and transactional
// startup. It owns the lifecycle: Start brings the component graph up or
// rolls it back, Stop tears everything down in reverse.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/triadhq/triad/internal/alert"
	"github.com/triadhq/triad/internal/circuitbreaker"
	"github.com/triadhq/triad/internal/config"
	"github.com/triadhq/triad/internal/epoch"
	"github.com/triadhq/triad/internal/eventlog"
	"github.com/triadhq/triad/internal/fsstore"
	"github.com/triadhq/triad/internal/health"
	"github.com/triadhq/triad/internal/ipc"
	"github.com/triadhq/triad/internal/resource"
	"github.com/triadhq/triad/internal/startup"
	"github.com/triadhq/triad/internal/supervise"
	"github.com/triadhq/triad/internal/trace"
)

const eventOrigin = "orchestrator"

// Orchestrator wires the subsystems together and runs the background
// monitoring loops. Construct with New, then Start/Stop once each.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger
	tracer *trace.Tracer

	epochs     *epoch.Store
	bus        *ipc.Bus
	events     *eventlog.Log
	transport  eventlog.MessageTransport
	agg        *health.Aggregator
	prober     *health.HTTPProber
	breakers   *circuitbreaker.Registry
	resources  *resource.Coordinator
	supervisor *supervise.Supervisor
	alerter    *alert.MultiAlerter
	launcher   *launcher

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	lastLevel map[string]health.Level

	nowFn func() time.Time
}

// New builds the orchestrator from configuration. It dials the event
// stream mirror when one is configured but starts no processes; call
// Start for that.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("orchestrator: create state dir: %w", err)
	}

	var alerters []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		alerters = append(alerters, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	alerter := alert.NewMultiAlerter(cfg.Alert.Cooldown(), logger, alerters...)

	storeCfg := fsstore.Config{
		LockTimeout:      cfg.IPC.LockTimeout(),
		LockStaleTimeout: cfg.IPC.LockStaleTimeout(),
		PollInterval:     cfg.IPC.PollInterval(),
		OnStaleLockRecovered: func(path, owner string, pid int) {
			_ = alerter.Send(context.Background(), alert.Alert{
				Type:      alert.AlertTypeStaleLock,
				Component: owner,
				Title:     "Stale lock force-released",
				Message:   fmt.Sprintf("lock %s held by dead pid %d was recovered", path, pid),
			})
		},
	}

	epochs := epoch.NewStore(filepath.Join(cfg.StateDir, "epoch.json"), storeCfg, logger)

	bus := ipc.NewBus(ipc.Config{
		Dir:        filepath.Join(cfg.StateDir, "heartbeats"),
		StaleAfter: cfg.IPC.HeartbeatStale(),
		DeadAfter:  cfg.IPC.HeartbeatDead(),
		Store:      storeCfg,
	}, epochs, logger)

	var transport eventlog.MessageTransport
	if cfg.EventLog.StreamEnabled {
		rt, err := eventlog.NewRedisTransport(ctx, cfg.EventLog.RedisURL, 10000)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: event stream mirror: %w", err)
		}
		transport = rt
	}

	events := eventlog.New(eventlog.Config{
		Dir:           filepath.Join(cfg.StateDir, "events"),
		RetentionTTL:  cfg.EventLog.Retention(),
		DedupTTL:      cfg.EventLog.DedupWindow(),
		DedupCapacity: cfg.EventLog.DedupWindowSize,
		Store:         storeCfg,
	}, transport, logger)

	agg := health.NewAggregator(health.Config{
		DegradeStreak: cfg.Health.DegradeStreak,
		RecoverStreak: cfg.Health.RecoverStreak,
		MinDwell:      cfg.Health.MinDwell(),
	})

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RollingWindow:    cfg.Breaker.Window(),
		ResetTimeout:     cfg.Breaker.ResetTimeout(),
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			if to == circuitbreaker.StateOpen {
				_ = alerter.Send(context.Background(), alert.Alert{
					Type:      alert.AlertTypeBreakerOpen,
					Component: name,
					Title:     "Circuit breaker opened",
					Message:   fmt.Sprintf("breaker %s tripped after repeated failures", name),
				})
			}
		},
	}, logger)

	resources := resource.NewCoordinator(logger)

	supervisor := supervise.New(supervise.Config{
		PollInterval: cfg.Supervisor.ProbeInterval(),
		BackoffBase:  cfg.Supervisor.BackoffBase(),
		BackoffCap:   cfg.Supervisor.BackoffMax(),
		MaxRetries:   cfg.Supervisor.MaxRetries,
		RestartRate:  rate.Limit(cfg.Supervisor.RestartsPerMinute / 60),
		RestartBurst: cfg.Supervisor.RestartBurst,
	}, &alertingSink{agg: agg, alerter: alerter}, logger)

	o := &Orchestrator{
		cfg:        cfg,
		logger:     logger.With("component", "orchestrator"),
		tracer:     trace.NewTracer("orchestrator"),
		epochs:     epochs,
		bus:        bus,
		events:     events,
		transport:  transport,
		agg:        agg,
		prober:     health.NewHTTPProber(cfg.Health.ProbeTimeout()),
		breakers:   breakers,
		resources:  resources,
		supervisor: supervisor,
		alerter:    alerter,
		lastLevel:  make(map[string]health.Level),
		nowFn:      time.Now,
	}
	o.launcher = newLauncher(cfg.StateDir, resources, logger)
	return o, nil
}

// Start fences out prior supervisor generations, seeds resource pools,
// and runs the transactional startup sequence. On success the supervisor
// and monitoring loops keep running until Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("orchestrator: already started")
	}
	o.started = true
	o.mu.Unlock()

	ctx, span, end := o.tracer.StartSpan(ctx, "orchestrator_start")
	defer end()

	supervisorID := o.cfg.Epoch.SupervisorID
	if supervisorID == "" {
		host, _ := os.Hostname()
		supervisorID = host + "-" + strconv.Itoa(os.Getpid())
	}
	ep, err := o.epochs.Increment(ctx, supervisorID)
	if err != nil {
		return fmt.Errorf("orchestrator: increment epoch: %w", err)
	}
	o.logger.Info("epoch fenced", "epoch", ep, "supervisor_id", supervisorID, "trace_id", span.TraceID)

	o.resources.AddPool(resource.KindPort,
		resource.PortRange(o.cfg.Resources.PortRangeStart, o.cfg.Resources.PortRangeEnd))

	caps := make(map[string][]string)
	for _, spec := range o.cfg.Components {
		capability := spec.Capability
		if capability == "" {
			capability = spec.Name
		}
		caps[capability] = append(caps[capability], spec.Name)
	}
	for capability, backers := range caps {
		o.agg.RegisterCapability(capability, backers...)
	}

	defs, err := o.launcher.definitions(o.cfg.Components)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	dag, err := startup.BuildDAG(defs)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	runner := startup.NewRunner(startup.Config{
		DefaultTimeout: o.cfg.Startup.DefaultComponentTimeout(),
		HealthPoll:     o.cfg.Startup.HealthyPollInterval(),
	}, o.startupHealth, o.supervisor, o.logger)

	result, err := runner.Run(ctx, dag)
	if err != nil {
		var rb *startup.RollbackError
		if errors.As(err, &rb) {
			_ = o.alerter.Send(context.Background(), alert.Alert{
				Type:      alert.AlertTypeRollback,
				Component: rb.Failed,
				Title:     "Startup rolled back",
				Message:   rb.Cause.Error(),
				Fields:    map[string]string{"rolled_back": fmt.Sprintf("%v", rb.RolledBack)},
			})
		}
		return err
	}

	o.appendEvent(ctx, "startup_complete", map[string]any{
		"epoch":    ep,
		"started":  result.Started,
		"degraded": result.Degraded,
	})

	bg, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(bg)
	group.Go(func() error { return o.supervisor.Run(gctx) })
	group.Go(func() error { return o.sampleLoop(gctx) })
	group.Go(func() error { return o.reapLoop(gctx) })

	o.mu.Lock()
	o.cancel = cancel
	o.group = group
	o.mu.Unlock()
	return nil
}

// Stop halts the monitoring loops, stops every supervised component, and
// closes the event stream mirror. Safe to call once after Start, whether
// or not Start succeeded.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	cancel, group := o.cancel, o.group
	o.cancel, o.group = nil, nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var loopErr error
	if group != nil {
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			loopErr = err
		}
	}

	o.supervisor.StopAll(ctx)
	o.appendEvent(ctx, "shutdown_complete", nil)

	if o.transport != nil {
		if err := o.transport.Close(); err != nil {
			o.logger.Warn("closing event stream mirror", "error", err)
		}
	}
	return loopErr
}

// UnifiedHealth returns the system snapshot: overall level, capability
// levels, and per-component records. Best effort, never blocks on a
// failing component.
func (o *Orchestrator) UnifiedHealth() health.Snapshot {
	return o.agg.Unified()
}

// Epoch exposes the fencing store for request handlers.
func (o *Orchestrator) Epoch() *epoch.Store { return o.epochs }

// Bus exposes the IPC bus for message stamping and discovery.
func (o *Orchestrator) Bus() *ipc.Bus { return o.bus }

// Events exposes the durable event log.
func (o *Orchestrator) Events() *eventlog.Log { return o.events }

// Breakers exposes the circuit breaker registry.
func (o *Orchestrator) Breakers() *circuitbreaker.Registry { return o.breakers }

// Resources exposes the resource coordinator.
func (o *Orchestrator) Resources() *resource.Coordinator { return o.resources }

// startupHealth is the health function the startup runner polls. It reads
// the current level without hysteresis: startup wants the live state, not
// the smoothed one.
func (o *Orchestrator) startupHealth(name string) health.Level {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Health.ProbeTimeout())
	defer cancel()
	return o.componentLevel(ctx, name)
}

// componentLevel derives a component's raw level from its heartbeat
// freshness, self-reported status, health endpoint, and process liveness,
// taking the worst signal.
func (o *Orchestrator) componentLevel(ctx context.Context, name string) health.Level {
	var spec config.ComponentSpec
	for _, s := range o.cfg.Components {
		if s.Name == name {
			spec = s
			break
		}
	}

	level := health.Healthy
	haveSignal := false

	if hb, ok, err := o.bus.ReadHeartbeat(ctx, name); err == nil && ok {
		haveSignal = true
		age := o.nowFn().Sub(hb.LastBeat)
		level = worseOf(level, health.LevelFromFreshness(age, o.cfg.IPC.HeartbeatStale(), o.cfg.IPC.HeartbeatDead()))
		if hb.Status != "" {
			level = worseOf(level, health.ParseLevel(hb.Status))
		}
	}

	if spec.HealthEndpoint != "" {
		haveSignal = true
		var probed health.Level
		err := o.breakers.Do(ctx, "probe:"+name, func(ctx context.Context) error {
			lvl, perr := o.prober.Probe(ctx, spec.HealthEndpoint)
			probed = lvl
			return perr
		})
		if err != nil {
			probed = health.Unhealthy
		}
		level = worseOf(level, probed)
	}

	if !haveSignal {
		if lvl, managed := o.launcher.liveness(name); managed {
			return lvl
		}
		if pid, ok := o.supervisor.PID(name); ok && fsstore.IsPIDAlive(pid) {
			return health.Healthy
		}
		return health.Dead
	}
	return level
}

// sampleLoop feeds raw levels into the aggregator on a fixed cadence and
// raises alerts on smoothed transitions.
func (o *Orchestrator) sampleLoop(ctx context.Context) error {
	tick := time.NewTicker(o.cfg.Health.SampleInterval())
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			o.sampleOnce(ctx)
		}
	}
}

func (o *Orchestrator) sampleOnce(ctx context.Context) {
	for _, spec := range o.cfg.Components {
		lvl := o.componentLevel(ctx, spec.Name)
		o.agg.Sample(spec.Name, lvl)

		rec, ok := o.agg.Component(spec.Name)
		if !ok {
			continue
		}
		prev, seen := o.lastLevel[spec.Name]
		o.lastLevel[spec.Name] = rec.Level
		if !seen || rec.Level == prev {
			continue
		}
		switch {
		case rec.Level >= health.Unhealthy:
			_ = o.alerter.Send(ctx, alert.Alert{
				Type:      alert.AlertTypeUnhealthy,
				Component: spec.Name,
				Title:     "Component unhealthy",
				Message:   fmt.Sprintf("%s transitioned %s -> %s", spec.Name, prev, rec.Level),
			})
			o.appendEvent(ctx, "component_unhealthy", map[string]any{
				"component": spec.Name, "from": prev.String(), "to": rec.Level.String(),
			})
		case rec.Level == health.Healthy && prev >= health.Unhealthy:
			_ = o.alerter.Send(ctx, alert.Alert{
				Type:      alert.AlertTypeRecovery,
				Component: spec.Name,
				Title:     "Component recovered",
				Message:   fmt.Sprintf("%s transitioned %s -> healthy", spec.Name, prev),
			})
			o.appendEvent(ctx, "component_recovered", map[string]any{
				"component": spec.Name, "from": prev.String(),
			})
		}
	}
	// Refreshes the system-level record and gauges.
	o.agg.Unified()
}

// reapLoop reclaims resources held by dead processes and removes
// heartbeat files for components that are gone.
func (o *Orchestrator) reapLoop(ctx context.Context) error {
	tick := time.NewTicker(o.cfg.Resources.ReapInterval())
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			for _, h := range o.resources.ReapDead() {
				o.logger.Info("reaped resource from dead process",
					"kind", h.Kind, "value", h.Value, "requester", h.Requester, "pid", h.PID)
			}
			if removed, err := o.bus.CleanupDead(ctx); err == nil && len(removed) > 0 {
				o.logger.Info("removed dead heartbeats", "components", removed)
			}
		}
	}
}

func (o *Orchestrator) appendEvent(ctx context.Context, eventType string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := o.events.Append(ctx, eventOrigin, eventType, raw, ""); err != nil {
		o.logger.Warn("appending lifecycle event", "event_type", eventType, "error", err)
	}
}

func worseOf(a, b health.Level) health.Level {
	if b > a {
		return b
	}
	return a
}

// alertingSink forwards supervisor samples to the aggregator and alerts
// on crashes.
type alertingSink struct {
	agg     *health.Aggregator
	alerter *alert.MultiAlerter
}

func (s *alertingSink) Sample(component string, level health.Level) {
	s.agg.Sample(component, level)
	if level == health.Dead {
		_ = s.alerter.Send(context.Background(), alert.Alert{
			Type:      alert.AlertTypeCrash,
			Component: component,
			Title:     "Component crashed",
			Message:   fmt.Sprintf("supervised process for %s exited unexpectedly", component),
		})
	}
}
