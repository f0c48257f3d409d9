// Package health tracks per-component, per-capability, and system-level
// health for the triad. Raw observations (heartbeat freshness, probe
// results, operation outcomes) are fed through hysteresis so a single
// anomalous sample never flips a reported status: transitions require a
// configured streak of consistent samples plus a minimum dwell time since
// the previous flip.
package health

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/triadhq/triad/internal/metrics"
)

// Level is a component health level, ordered by severity.
type Level int

const (
	Healthy Level = iota
	Degraded
	Unhealthy
	Dead
)

func (l Level) String() string {
	switch l {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Levels travel as strings in heartbeats and over the health endpoint.

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*l = ParseLevel(s)
	return nil
}

// ParseLevel maps a status string from a probe response or heartbeat to a
// level. Unknown strings map to Unhealthy rather than Dead: a component
// reporting something is at least running.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "healthy", "ok", "up", "ready":
		return Healthy
	case "degraded", "warning":
		return Degraded
	case "dead", "down":
		return Dead
	default:
		return Unhealthy
	}
}

// LevelFromFreshness derives a level from heartbeat age alone.
func LevelFromFreshness(age, staleAfter, deadAfter time.Duration) Level {
	switch {
	case age > deadAfter:
		return Dead
	case age > staleAfter:
		return Unhealthy
	default:
		return Healthy
	}
}

// Config tunes the hysteresis discipline.
type Config struct {
	DegradeStreak int           // consecutive worse samples before flipping down (default 2)
	RecoverStreak int           // consecutive better samples before flipping up (default 2)
	MinDwell      time.Duration // minimum time between flips (default 2s)
}

func (c Config) withDefaults() Config {
	if c.DegradeStreak <= 0 {
		c.DegradeStreak = 2
	}
	if c.RecoverStreak <= 0 {
		c.RecoverStreak = 2
	}
	if c.MinDwell < 0 {
		c.MinDwell = 0
	}
	return c
}

// Record is the tracked state for one component or aggregate.
type Record struct {
	ComponentID     string    `json:"component_id"`
	Level           Level     `json:"health_level"`
	TotalOperations uint64    `json:"total_operations"`
	LastUpdate      time.Time `json:"last_update"`
	Streak          int       `json:"consecutive_same_state_count"`

	candidate Level
	lastFlip  time.Time
}

// sample feeds one observation through the hysteresis machine. Returns
// true when the reported level flipped.
func (r *Record) sample(level Level, cfg Config, now time.Time) bool {
	r.LastUpdate = now

	if level == r.Level {
		r.candidate = r.Level
		r.Streak = 0
		return false
	}
	if level == r.candidate {
		r.Streak++
	} else {
		r.candidate = level
		r.Streak = 1
	}

	required := cfg.DegradeStreak
	if level < r.Level {
		required = cfg.RecoverStreak
	}
	if r.Streak < required {
		return false
	}
	if !r.lastFlip.IsZero() && now.Sub(r.lastFlip) < cfg.MinDwell {
		metrics.HealthSamplesSuppressed.WithLabelValues(r.ComponentID).Inc()
		return false
	}

	r.Level = level
	r.candidate = level
	r.Streak = 0
	r.lastFlip = now
	return true
}

// Snapshot is the best-effort view returned by Unified. It is always
// complete: a degraded subsystem shows up as degraded, never as an error.
type Snapshot struct {
	Overall      Level            `json:"overall"`
	Capabilities map[string]Level `json:"capabilities"`
	Components   []Record         `json:"components"`
	SampledAt    time.Time        `json:"sampled_at"`
}

// Aggregator owns all health state for the orchestrator's lifetime.
// Reads and writes go through a write-preferring FIFO lock so the
// sampling loops cannot be starved by snapshot readers.
type Aggregator struct {
	cfg Config

	lock         RWLock
	components   map[string]*Record
	capabilities map[string][]string // capability -> backing components
	system       Record

	nowFn func() time.Time
}

// NewAggregator creates an empty aggregator.
func NewAggregator(cfg Config) *Aggregator {
	return &Aggregator{
		cfg:          cfg.withDefaults(),
		components:   make(map[string]*Record),
		capabilities: make(map[string][]string),
		nowFn:        time.Now,
	}
}

// RegisterCapability declares that the named capability is provided by the
// given components. A capability is healthy while any backing component is.
func (a *Aggregator) RegisterCapability(name string, components ...string) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.capabilities[name] = append([]string(nil), components...)
}

// Sample records one health observation for a component. State for a new
// component is created lazily on first report, starting Healthy.
func (a *Aggregator) Sample(component string, level Level) {
	a.lock.Lock()
	defer a.lock.Unlock()

	rec := a.record(component)
	prev := rec.Level
	if rec.sample(level, a.cfg, a.nowFn()) {
		metrics.HealthTransitionsTotal.WithLabelValues(component, prev.String(), rec.Level.String()).Inc()
	}
	metrics.ComponentHealthLevel.WithLabelValues(component).Set(float64(rec.Level))
}

// RecordOutcome feeds an operation result for a component: failures count
// as Unhealthy samples, successes as Healthy ones.
func (a *Aggregator) RecordOutcome(component string, ok bool) {
	a.lock.Lock()
	rec := a.record(component)
	rec.TotalOperations++
	a.lock.Unlock()

	if ok {
		a.Sample(component, Healthy)
	} else {
		a.Sample(component, Unhealthy)
	}
}

// Component returns the current record for a component.
func (a *Aggregator) Component(component string) (Record, bool) {
	a.lock.RLock()
	defer a.lock.RUnlock()
	rec, ok := a.components[component]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// CapabilityHealth returns the capability's level: the best level among
// its backing components. One healthy path is sufficient.
func (a *Aggregator) CapabilityHealth(name string) Level {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.capabilityLocked(name)
}

func (a *Aggregator) capabilityLocked(name string) Level {
	backing, ok := a.capabilities[name]
	if !ok || len(backing) == 0 {
		return Dead
	}
	best := Dead
	for _, c := range backing {
		rec, ok := a.components[c]
		if !ok {
			continue
		}
		if rec.Level < best {
			best = rec.Level
		}
	}
	return best
}

// Unified returns the system snapshot. The overall level is the worst
// capability level, run through its own hysteresis record so one transient
// capability blip does not flip the reported system status.
func (a *Aggregator) Unified() Snapshot {
	a.lock.Lock()
	defer a.lock.Unlock()

	now := a.nowFn()
	caps := make(map[string]Level, len(a.capabilities))
	worst := Healthy
	for name := range a.capabilities {
		lvl := a.capabilityLocked(name)
		caps[name] = lvl
		metrics.CapabilityHealthLevel.WithLabelValues(name).Set(float64(lvl))
		if lvl > worst {
			worst = lvl
		}
	}

	prev := a.system.Level
	if a.system.sample(worst, a.cfg, now) {
		metrics.HealthTransitionsTotal.WithLabelValues("system", prev.String(), a.system.Level.String()).Inc()
	}

	comps := make([]Record, 0, len(a.components))
	for _, rec := range a.components {
		comps = append(comps, *rec)
	}
	return Snapshot{
		Overall:      a.system.Level,
		Capabilities: caps,
		Components:   comps,
		SampledAt:    now,
	}
}

// record returns the component's record, creating it lazily. Caller holds
// the write lock.
func (a *Aggregator) record(component string) *Record {
	rec, ok := a.components[component]
	if !ok {
		rec = &Record{ComponentID: component, Level: Healthy, candidate: Healthy}
		a.components[component] = rec
	}
	return rec
}
