package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triadhq/triad/internal/epoch"
	"github.com/triadhq/triad/internal/fsstore"
	"github.com/triadhq/triad/internal/trace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBus(t *testing.T) (*Bus, *epoch.Store) {
	t.Helper()
	dir := t.TempDir()
	epochs := epoch.NewStore(filepath.Join(dir, "epoch.json"), fsstore.Config{}, testLogger())
	bus := NewBus(Config{Dir: filepath.Join(dir, "heartbeats")}, epochs, testLogger())
	return bus, epochs
}

func TestBus_StampAddsEnvelopeFields(t *testing.T) {
	bus, epochs := newTestBus(t)
	ctx := context.Background()
	_, err := epochs.Increment(ctx, "sup")
	require.NoError(t, err)

	msg := bus.Stamp(ctx, map[string]any{"kind": "command"})

	assert.Equal(t, uint64(1), msg[fieldEpoch])
	assert.NotEmpty(t, msg[fieldMessageID])
	assert.NotEmpty(t, msg[fieldTimestamp])
	assert.Equal(t, "command", msg["kind"])
}

func TestBus_StampUniqueMessageIDs(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	a := bus.Stamp(ctx, map[string]any{})
	b := bus.Stamp(ctx, map[string]any{})
	assert.NotEqual(t, a[fieldMessageID], b[fieldMessageID])
}

func TestBus_StampCarriesTraceContext(t *testing.T) {
	bus, _ := newTestBus(t)
	sc := trace.NewRoot("publish")
	ctx := trace.With(context.Background(), sc)

	msg := bus.Stamp(ctx, map[string]any{})

	got, ok := trace.FromMessage(msg)
	require.True(t, ok)
	assert.Equal(t, sc.TraceID, got.TraceID)
}

func TestBus_ValidateCurrentEpoch(t *testing.T) {
	bus, epochs := newTestBus(t)
	ctx := context.Background()
	_, err := epochs.Increment(ctx, "sup")
	require.NoError(t, err)

	msg := bus.Stamp(ctx, map[string]any{})
	assert.NoError(t, bus.Validate(ctx, msg, false))
}

func TestBus_ValidateRejectsStaleEpoch(t *testing.T) {
	bus, epochs := newTestBus(t)
	ctx := context.Background()
	_, err := epochs.Increment(ctx, "sup")
	require.NoError(t, err)

	msg := bus.Stamp(ctx, map[string]any{})
	_, err = epochs.Increment(ctx, "sup")
	require.NoError(t, err)

	err = bus.Validate(ctx, msg, false)
	var stale *epoch.StaleEpochError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, uint64(2), stale.Current)
	assert.Equal(t, uint64(1), stale.Received)

	assert.NoError(t, bus.Validate(ctx, msg, true), "allowStale bypasses fencing")
}

func TestBus_ValidateAllowStaleWarns(t *testing.T) {
	dir := t.TempDir()
	epochs := epoch.NewStore(filepath.Join(dir, "epoch.json"), fsstore.Config{}, testLogger())
	var buf bytes.Buffer
	bus := NewBus(Config{Dir: filepath.Join(dir, "heartbeats")}, epochs,
		slog.New(slog.NewTextHandler(&buf, nil)))
	ctx := context.Background()

	_, err := epochs.Increment(ctx, "sup")
	require.NoError(t, err)
	msg := bus.Stamp(ctx, map[string]any{})
	_, err = epochs.Increment(ctx, "sup")
	require.NoError(t, err)

	require.NoError(t, bus.Validate(ctx, msg, true))
	assert.Contains(t, buf.String(), "accepting stale message",
		"a tolerated stale message still leaves a trace")

	buf.Reset()
	fresh := bus.Stamp(ctx, map[string]any{})
	require.NoError(t, bus.Validate(ctx, fresh, true))
	assert.NotContains(t, buf.String(), "accepting stale message")
}

func TestBus_ValidateAcceptsLegacyMessage(t *testing.T) {
	bus, epochs := newTestBus(t)
	ctx := context.Background()
	_, err := epochs.Increment(ctx, "sup")
	require.NoError(t, err)

	// Legacy format: no epoch field at all. Accepted with a warning.
	assert.NoError(t, bus.Validate(ctx, map[string]any{"kind": "old"}, false))
}

func TestBus_ValidateEpochSurvivesJSONRoundTrip(t *testing.T) {
	bus, epochs := newTestBus(t)
	ctx := context.Background()
	_, err := epochs.Increment(ctx, "sup")
	require.NoError(t, err)

	msg := bus.Stamp(ctx, map[string]any{"kind": "command"})
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	// json decodes numbers as float64; validation must still work.
	assert.NoError(t, bus.Validate(ctx, decoded, false))
}

func TestBus_HeartbeatRoundTrip(t *testing.T) {
	bus, epochs := newTestBus(t)
	ctx := context.Background()
	_, err := epochs.Increment(ctx, "sup")
	require.NoError(t, err)

	err = bus.PublishHeartbeat(ctx, Heartbeat{
		Component:      "mind",
		PID:            os.Getpid(),
		Port:           8210,
		HealthEndpoint: "/healthz",
		Status:         "healthy",
	})
	require.NoError(t, err)

	hb, ok, err := bus.ReadHeartbeat(ctx, "mind")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "mind", hb.Component)
	assert.Equal(t, os.Getpid(), hb.PID)
	assert.Equal(t, uint64(1), hb.Epoch)
	assert.NotEmpty(t, hb.Host)
	assert.WithinDuration(t, time.Now(), hb.LastBeat, 5*time.Second)
}

func TestBus_ReadHeartbeatMissing(t *testing.T) {
	bus, _ := newTestBus(t)

	_, ok, err := bus.ReadHeartbeat(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBus_PublishHeartbeatRequiresComponent(t *testing.T) {
	bus, _ := newTestBus(t)
	err := bus.PublishHeartbeat(context.Background(), Heartbeat{})
	assert.Error(t, err)
}

func TestBus_ReadAllHeartbeats(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	for _, c := range []string{"body", "mind", "nerves"} {
		require.NoError(t, bus.PublishHeartbeat(ctx, Heartbeat{Component: c, PID: os.Getpid(), Status: "healthy"}))
	}

	all, err := bus.ReadAllHeartbeats(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestBus_ReadAllHeartbeatsEmptyDir(t *testing.T) {
	bus, _ := newTestBus(t)
	all, err := bus.ReadAllHeartbeats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestBus_DiscoverFreshAndStale(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	now := time.Now()
	bus.nowFn = func() time.Time { return now }

	require.NoError(t, bus.PublishHeartbeat(ctx, Heartbeat{
		Component: "nerves", PID: os.Getpid(), Port: 8220, HealthEndpoint: "/healthz", Status: "healthy",
	}))

	info, ok, err := bus.Discover(ctx, "nerves")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 8220, info.Port)
	assert.Equal(t, "/healthz", info.HealthEndpoint)

	// Advance past the staleness window: entry is treated as absent.
	bus.nowFn = func() time.Time { return now.Add(16 * time.Second) }
	_, ok, err = bus.Discover(ctx, "nerves")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBus_CleanupDead(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	now := time.Now()
	bus.nowFn = func() time.Time { return now }

	// Dead: old beat, nonexistent pid.
	require.NoError(t, bus.PublishHeartbeat(ctx, Heartbeat{Component: "ghost", PID: 999999, Status: "unknown"}))
	// Alive: old beat but our own pid still exists.
	require.NoError(t, bus.PublishHeartbeat(ctx, Heartbeat{Component: "self", PID: os.Getpid(), Status: "healthy"}))

	bus.nowFn = func() time.Time { return now.Add(2 * time.Minute) }

	removed, err := bus.CleanupDead(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, removed)

	_, ok, err := bus.ReadHeartbeat(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = bus.ReadHeartbeat(ctx, "self")
	require.NoError(t, err)
	assert.True(t, ok, "live process heartbeat must survive cleanup")
}
