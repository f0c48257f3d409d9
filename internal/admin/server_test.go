package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triadhq/triad/internal/eventlog"
	"github.com/triadhq/triad/internal/health"
	"github.com/triadhq/triad/internal/ipc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubHealth struct {
	snap health.Snapshot
}

func (s *stubHealth) UnifiedHealth() health.Snapshot { return s.snap }

type stubEpoch struct {
	epoch uint64
}

func (s *stubEpoch) Current(context.Context) uint64 { return s.epoch }

type stubBreakers struct {
	resets int
}

func (s *stubBreakers) ResetAll() { s.resets++ }

type stubComponents struct {
	beats []ipc.Heartbeat
}

func (s *stubComponents) ReadAllHeartbeats(context.Context) ([]ipc.Heartbeat, error) {
	return s.beats, nil
}

type stubResources struct {
	avail map[string]int
}

func (s *stubResources) Available(kind string) int { return s.avail[kind] }

func TestServer_Health(t *testing.T) {
	hp := &stubHealth{snap: health.Snapshot{
		Overall:      health.Degraded,
		Capabilities: map[string]health.Level{"reasoning": health.Degraded},
		SampledAt:    time.Now(),
	}}
	srv := NewServer(hp, testLogger())

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/v1/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var snap health.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, health.Degraded, snap.Overall)
	assert.Equal(t, health.Degraded, snap.Capabilities["reasoning"])
}

func TestServer_Epoch(t *testing.T) {
	srv := NewServer(&stubHealth{}, testLogger(), WithEpochProvider(&stubEpoch{epoch: 42}))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/v1/epoch", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]uint64
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, uint64(42), resp["epoch"])
}

func TestServer_EpochUnavailable(t *testing.T) {
	srv := NewServer(&stubHealth{}, testLogger())

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/v1/epoch", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestServer_Events(t *testing.T) {
	log := eventlog.New(eventlog.Config{Dir: t.TempDir()}, nil, testLogger())
	for i := 0; i < 5; i++ {
		_, err := log.Append(context.Background(), "body", "state_change", json.RawMessage(`{}`), "")
		require.NoError(t, err)
	}

	srv := NewServer(&stubHealth{}, testLogger(), WithEventReplayer(log))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/v1/events?origin=body&from=3&limit=2", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Origin    string          `json:"origin"`
		Events    []eventlog.Event `json:"events"`
		Remaining int             `json:"remaining"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "body", resp.Origin)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, uint64(3), resp.Events[0].SeqNo)
	assert.Equal(t, uint64(4), resp.Events[1].SeqNo)
	assert.Equal(t, 1, resp.Remaining)
}

func TestServer_EventsRequiresOrigin(t *testing.T) {
	log := eventlog.New(eventlog.Config{Dir: t.TempDir()}, nil, testLogger())
	srv := NewServer(&stubHealth{}, testLogger(), WithEventReplayer(log))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/v1/events", nil))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_Components(t *testing.T) {
	cl := &stubComponents{beats: []ipc.Heartbeat{
		{Component: "body", PID: 100, Status: "healthy"},
		{Component: "mind", PID: 101, Status: "degraded"},
	}}
	srv := NewServer(&stubHealth{}, testLogger(), WithComponentLister(cl))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/v1/components", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var beats []ipc.Heartbeat
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &beats))
	require.Len(t, beats, 2)
	assert.Equal(t, "body", beats[0].Component)
}

func TestServer_Resources(t *testing.T) {
	srv := NewServer(&stubHealth{}, testLogger(),
		WithResourceInspector(&stubResources{avail: map[string]int{"port": 7}}))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/v1/resources?kind=port", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, float64(7), resp["available"])
}

func TestServer_BreakerReset(t *testing.T) {
	br := &stubBreakers{}
	srv := NewServer(&stubHealth{}, testLogger(), WithBreakerResetter(br))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/v1/breakers/reset", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, br.resets)
}

func TestServer_BreakerResetWrongMethod(t *testing.T) {
	srv := NewServer(&stubHealth{}, testLogger(), WithBreakerResetter(&stubBreakers{}))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/v1/breakers/reset", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
