// Package resource manages pools of reservable resources, primarily
// listen ports, handed out to triad components at startup. Reservations
// are idempotent per requester and reaped automatically when the owning
// process dies.
package resource

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/triadhq/triad/internal/fsstore"
	"github.com/triadhq/triad/internal/metrics"
)

// ExhaustedError is returned by Reserve when a pool has nothing left.
type ExhaustedError struct {
	Kind string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("resource: pool %q exhausted", e.Kind)
}

// Handle is a granted reservation. Pass it back to Release when done.
type Handle struct {
	Kind       string
	Value      int
	Requester  string
	PID        int
	ReservedAt time.Time
}

// Coordinator owns the pools. All methods are safe for concurrent use.
type Coordinator struct {
	logger *slog.Logger

	mu       sync.Mutex
	free     map[string][]int
	reserved map[string]map[string]Handle // kind -> requester -> handle

	nowFn   func() time.Time
	aliveFn func(pid int) bool
}

// NewCoordinator creates an empty coordinator. Pools are added with
// AddPool before any Reserve.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger:   logger.With("component", "resource"),
		free:     make(map[string][]int),
		reserved: make(map[string]map[string]Handle),
		nowFn:    time.Now,
		aliveFn:  fsstore.IsPIDAlive,
	}
}

// AddPool registers the values available under a kind. Calling it again
// for the same kind extends the pool.
func (c *Coordinator) AddPool(kind string, values []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.free[kind] = append(c.free[kind], values...)
	c.gauge(kind)
}

// KindPort is the pool of TCP ports handed to components at launch.
const KindPort = "port"

// PortRange returns the inclusive range [from, to] for seeding a pool.
func PortRange(from, to int) []int {
	if to < from {
		return nil
	}
	out := make([]int, 0, to-from+1)
	for p := from; p <= to; p++ {
		out = append(out, p)
	}
	return out
}

// Reserve grants one value from the pool to the requester. A requester
// that already holds a reservation of this kind gets the same handle back
// rather than a second value. pid is the requester's process, used for
// dead-owner reaping.
func (c *Coordinator) Reserve(kind, requester string, pid int) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if byReq, ok := c.reserved[kind]; ok {
		if h, held := byReq[requester]; held {
			return h, nil
		}
	}

	pool := c.free[kind]
	if len(pool) == 0 {
		metrics.ResourceExhaustedTotal.WithLabelValues(kind).Inc()
		return Handle{}, &ExhaustedError{Kind: kind}
	}
	value := pool[0]
	c.free[kind] = pool[1:]

	h := Handle{
		Kind:       kind,
		Value:      value,
		Requester:  requester,
		PID:        pid,
		ReservedAt: c.nowFn(),
	}
	if c.reserved[kind] == nil {
		c.reserved[kind] = make(map[string]Handle)
	}
	c.reserved[kind][requester] = h
	c.gauge(kind)

	c.logger.Debug("resource reserved",
		"kind", kind, "value", value, "requester", requester)
	return h, nil
}

// Rebind reassigns an existing reservation to a new owning process, so a
// resource reserved before the consuming process exists can still be
// reaped when that process dies. Reports whether a reservation was found.
func (c *Coordinator) Rebind(kind, requester string, pid int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	byReq, ok := c.reserved[kind]
	if !ok {
		return false
	}
	h, held := byReq[requester]
	if !held {
		return false
	}
	h.PID = pid
	byReq[requester] = h
	return true
}

// Release returns the handle's value to the pool. Releasing a handle that
// is no longer held is a no-op.
func (c *Coordinator) Release(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(h)
}

func (c *Coordinator) releaseLocked(h Handle) {
	byReq, ok := c.reserved[h.Kind]
	if !ok {
		return
	}
	held, ok := byReq[h.Requester]
	if !ok || held.Value != h.Value {
		return
	}
	delete(byReq, h.Requester)
	c.free[h.Kind] = append(c.free[h.Kind], h.Value)
	c.gauge(h.Kind)
}

// ReapDead releases every reservation whose owning process no longer
// exists and returns the reclaimed handles. Run periodically by the
// supervisor loop.
func (c *Coordinator) ReapDead() []Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	var reaped []Handle
	for kind, byReq := range c.reserved {
		for _, h := range byReq {
			if c.aliveFn(h.PID) {
				continue
			}
			c.releaseLocked(h)
			metrics.ResourceReaped.WithLabelValues(kind).Inc()
			c.logger.Warn("reclaimed resource from dead process",
				"kind", kind, "value", h.Value, "requester", h.Requester, "pid", h.PID)
			reaped = append(reaped, h)
		}
	}
	return reaped
}

// Available reports how many values remain free in a pool.
func (c *Coordinator) Available(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.free[kind])
}

// gauge updates the pool gauge. Caller holds mu.
func (c *Coordinator) gauge(kind string) {
	metrics.ResourcePoolAvailable.WithLabelValues(kind).Set(float64(len(c.free[kind])))
}
