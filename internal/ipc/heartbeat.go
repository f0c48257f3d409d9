package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/triadhq/triad/internal/fsstore"
	"github.com/triadhq/triad/internal/metrics"
)

// Heartbeat is the per-component liveness record. Each component writes
// its own file; the bus and the health aggregator only read.
type Heartbeat struct {
	Component      string    `json:"component"`
	PID            int       `json:"pid"`
	Host           string    `json:"host"`
	Port           int       `json:"port,omitempty"`
	HealthEndpoint string    `json:"health_endpoint,omitempty"`
	LastBeat       time.Time `json:"last_beat"`
	Status         string    `json:"status"`
	Epoch          uint64    `json:"epoch"`
}

// ServiceInfo is the discovery view of a component: where to reach it.
type ServiceInfo struct {
	Component      string
	Host           string
	Port           int
	HealthEndpoint string
	Status         string
	LastBeat       time.Time
}

// PublishHeartbeat writes the component's heartbeat file atomically,
// stamping the current epoch and beat time.
func (b *Bus) PublishHeartbeat(ctx context.Context, hb Heartbeat) error {
	if hb.Component == "" {
		return errors.New("ipc: heartbeat missing component name")
	}
	hb.LastBeat = b.nowFn().UTC()
	hb.Epoch = b.epochs.Current(ctx)
	if hb.Host == "" {
		if h, err := os.Hostname(); err == nil {
			hb.Host = h
		}
	}

	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if err := b.storeFor(hb.Component).Write(ctx, data); err != nil {
		return fmt.Errorf("write heartbeat for %s: %w", hb.Component, err)
	}
	metrics.HeartbeatsPublished.WithLabelValues(hb.Component).Inc()
	return nil
}

// ReadHeartbeat returns the most recent heartbeat for a component, or
// ok=false when none has ever been written.
func (b *Bus) ReadHeartbeat(ctx context.Context, component string) (Heartbeat, bool, error) {
	data, ver, err := b.storeFor(component).Read(ctx)
	if err != nil {
		return Heartbeat{}, false, err
	}
	if ver.Zero() {
		return Heartbeat{}, false, nil
	}
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return Heartbeat{}, false, fmt.Errorf("decode heartbeat for %s: %w", component, err)
	}
	return hb, true, nil
}

// ReadAllHeartbeats scans the heartbeat directory and returns every
// decodable record, fresh or not. Callers apply their own freshness
// policy.
func (b *Bus) ReadAllHeartbeats(ctx context.Context) ([]Heartbeat, error) {
	entries, err := os.ReadDir(b.cfg.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read heartbeat dir: %w", err)
	}

	var out []Heartbeat
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		component := strings.TrimSuffix(name, ".json")
		hb, ok, err := b.ReadHeartbeat(ctx, component)
		if err != nil {
			b.logger.Warn("skipping unreadable heartbeat", "file", name, "error", err)
			continue
		}
		if ok {
			out = append(out, hb)
		}
	}
	return out, nil
}

// Discover resolves host/port/health-endpoint for a named component from
// its most recent heartbeat. A heartbeat older than the staleness window
// is treated as absent.
func (b *Bus) Discover(ctx context.Context, component string) (ServiceInfo, bool, error) {
	hb, ok, err := b.ReadHeartbeat(ctx, component)
	if err != nil || !ok {
		return ServiceInfo{}, false, err
	}
	if b.nowFn().Sub(hb.LastBeat) > b.cfg.StaleAfter {
		metrics.HeartbeatsStale.WithLabelValues(component).Inc()
		return ServiceInfo{}, false, nil
	}
	return ServiceInfo{
		Component:      hb.Component,
		Host:           hb.Host,
		Port:           hb.Port,
		HealthEndpoint: hb.HealthEndpoint,
		Status:         hb.Status,
		LastBeat:       hb.LastBeat,
	}, true, nil
}

// CleanupDead removes heartbeat files whose component has been silent past
// the dead window and whose recorded process is gone. Returns the names of
// removed components.
func (b *Bus) CleanupDead(ctx context.Context) ([]string, error) {
	all, err := b.ReadAllHeartbeats(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, hb := range all {
		if b.nowFn().Sub(hb.LastBeat) <= b.cfg.DeadAfter {
			continue
		}
		if fsstore.IsPIDAlive(hb.PID) {
			continue
		}
		path := filepath.Join(b.cfg.Dir, hb.Component+".json")
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn("failed to remove dead heartbeat", "component", hb.Component, "error", err)
			continue
		}
		b.logger.Info("removed dead heartbeat",
			"component", hb.Component,
			"last_beat", hb.LastBeat,
			"pid", hb.PID)
		removed = append(removed, hb.Component)
	}
	return removed, nil
}
