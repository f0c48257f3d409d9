// Package circuitbreaker gates calls to the triad's dependencies. Each
// dependency key gets its own breaker: failures within a rolling window
// trip it open, open breakers fail fast, and after the reset timeout a
// single trial call decides whether to close again.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/triadhq/triad/internal/metrics"
)

// ErrCircuitOpen is returned when the circuit breaker is open and calls
// are being shed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing, rejecting requests
	StateHalfOpen              // one trial call probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a circuit breaker.
type Config struct {
	FailureThreshold int           // failures within the window before opening (default: 5)
	RollingWindow    time.Duration // window over which failures are counted (default: 60s)
	ResetTimeout     time.Duration // how long to stay open before the trial call (default: 30s)
	OnStateChange    func(name string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RollingWindow <= 0 {
		c.RollingWindow = 60 * time.Second
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	return c
}

// Breaker guards one dependency.
type Breaker struct {
	name string
	cfg  Config

	mu       sync.Mutex
	state    State
	failures []time.Time // failure timestamps within the rolling window
	openedAt time.Time
	trialOut bool // a half-open trial call is in flight

	nowFn func() time.Time
}

// New creates a breaker for the named dependency.
func New(name string, cfg Config) *Breaker {
	b := &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: StateClosed,
		nowFn: time.Now,
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Allow reports whether a call may proceed. In half-open state exactly one
// caller gets through; everyone else is rejected until the trial resolves.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.nowFn().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.setState(StateHalfOpen)
			b.trialOut = true
			return nil
		}
	case StateHalfOpen:
		if !b.trialOut {
			b.trialOut = true
			return nil
		}
	}
	metrics.BreakerRejectionsTotal.WithLabelValues(b.name).Inc()
	return ErrCircuitOpen
}

// RecordSuccess records a successful call. In half-open state it closes
// the breaker and clears all counters.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialOut = false
		b.failures = nil
		b.setState(StateClosed)
		return
	}
	b.failures = nil
}

// RecordFailure records a failed call. A failing trial reopens the breaker
// and restarts the reset timeout; in closed state the failure counts
// toward the rolling-window threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	switch b.state {
	case StateHalfOpen:
		b.trialOut = false
		b.openedAt = now
		b.setState(StateOpen)
	case StateClosed:
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.failures = nil
			metrics.BreakerTripsTotal.WithLabelValues(b.name).Inc()
			b.setState(StateOpen)
		}
	}
}

// Do runs fn under the breaker: rejected immediately with ErrCircuitOpen
// when open, otherwise executed with its outcome recorded.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Reset force-clears all breaker state back to closed. Used by
// administrative recovery.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = nil
	b.trialOut = false
	b.setState(StateClosed)
}

// GetState returns the current state, applying the open-to-half-open
// transition if the reset timeout has elapsed.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.nowFn().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.setState(StateHalfOpen)
	}
	return b.state
}

// prune drops failures that aged out of the rolling window. Caller holds mu.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.RollingWindow)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(to))
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// Registry hands out one breaker per dependency key, created lazily.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry applying cfg to every breaker it mints.
// State changes are logged unless cfg.OnStateChange is already set.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	r := &Registry{
		logger:   logger.With("component", "circuitbreaker"),
		breakers: make(map[string]*Breaker),
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = func(name string, from, to State) {
			r.logger.Warn("breaker state change",
				"dependency", name, "from", from.String(), "to", to.String())
		}
	}
	r.cfg = cfg
	return r
}

// Get returns the breaker for a dependency key, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}

// Do runs fn under the named dependency's breaker.
func (r *Registry) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	return r.Get(name).Do(ctx, fn)
}

// ResetAll force-closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
