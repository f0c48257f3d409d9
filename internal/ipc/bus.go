// Package ipc is the file-based message bus between the triad processes.
// It owns the envelope fields stamped onto every payload crossing the
// process boundary, the per-component heartbeat files, and service
// discovery on top of those heartbeats. All writes go through the atomic
// fsstore layer so readers never see partial state.
package ipc

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/triadhq/triad/internal/epoch"
	"github.com/triadhq/triad/internal/fsstore"
	"github.com/triadhq/triad/internal/metrics"
	"github.com/triadhq/triad/internal/trace"
)

// Envelope fields added to every outbound message.
const (
	fieldEpoch     = "_epoch"
	fieldMessageID = "_msg_id"
	fieldTimestamp = "_ts"
)

// Config tunes heartbeat freshness windows.
type Config struct {
	Dir        string        // directory holding heartbeat files
	StaleAfter time.Duration // heartbeat older than this is ignored by discovery (default 15s)
	DeadAfter  time.Duration // heartbeat older than this is eligible for cleanup (default 60s)
	Store      fsstore.Config
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Second
	}
	if c.DeadAfter <= 0 {
		c.DeadAfter = 60 * time.Second
	}
	return c
}

// Bus stamps and validates messages and maintains heartbeat records.
type Bus struct {
	cfg    Config
	epochs *epoch.Store
	logger *slog.Logger

	mu     sync.Mutex
	stores map[string]*fsstore.Store // per-component heartbeat stores

	nowFn func() time.Time
}

// NewBus creates a bus rooted at cfg.Dir, fencing against the given epoch
// store.
func NewBus(cfg Config, epochs *epoch.Store, logger *slog.Logger) *Bus {
	return &Bus{
		cfg:    cfg.withDefaults(),
		epochs: epochs,
		logger: logger.With("component", "ipc"),
		stores: make(map[string]*fsstore.Store),
		nowFn:  time.Now,
	}
}

// Stamp adds the envelope fields to a message: current epoch, a unique
// message id, a timestamp, and the trace context from ctx if present.
// The input map is mutated and returned.
func (b *Bus) Stamp(ctx context.Context, msg map[string]any) map[string]any {
	msg[fieldEpoch] = b.epochs.Current(ctx)
	msg[fieldMessageID] = uuid.NewString()
	msg[fieldTimestamp] = b.nowFn().UTC().Format(time.RFC3339Nano)
	if sc, ok := trace.FromContext(ctx); ok {
		trace.Stamp(msg, sc)
	}
	return msg
}

// Validate checks a message's epoch against the current one. Messages from
// an older epoch fail with StaleEpochError unless allowStale is set.
// Messages with no epoch field at all are the legacy format: they are
// accepted with a warning, a deliberate backward-compatibility exception
// to fencing for components that predate envelope stamping.
func (b *Bus) Validate(ctx context.Context, msg map[string]any, allowStale bool) error {
	raw, present := msg[fieldEpoch]
	if !present {
		metrics.LegacyMessagesAccepted.Inc()
		b.logger.Warn("accepting legacy message without epoch field",
			"msg_id", msg[fieldMessageID])
		return nil
	}

	received, ok := asUint64(raw)
	if !ok {
		metrics.StaleMessagesRejected.Inc()
		return &epoch.StaleEpochError{Current: b.epochs.Current(ctx), Received: 0}
	}
	if allowStale {
		if current := b.epochs.Current(ctx); received < current {
			b.logger.Warn("accepting stale message",
				"msg_id", msg[fieldMessageID], "received", received, "current", current)
		}
		return nil
	}
	if err := b.epochs.ValidateOrErr(ctx, received); err != nil {
		metrics.StaleMessagesRejected.Inc()
		return err
	}
	return nil
}

// asUint64 normalizes the epoch field across the types a JSON round trip
// can produce.
func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < 0 {
			return 0, false
		}
		return uint64(i), true
	default:
		return 0, false
	}
}

func (b *Bus) storeFor(component string) *fsstore.Store {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.stores[component]
	if !ok {
		path := filepath.Join(b.cfg.Dir, component+".json")
		s = fsstore.NewStore(path, b.cfg.Store, b.logger)
		b.stores[component] = s
	}
	return s
}
