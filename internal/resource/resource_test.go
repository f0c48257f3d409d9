package resource

import (
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestCoordinator() *Coordinator {
	c := NewCoordinator(testLogger())
	c.AddPool("port", PortRange(8200, 8202))
	return c
}

func TestPortRange(t *testing.T) {
	assert.Equal(t, []int{8200, 8201, 8202}, PortRange(8200, 8202))
	assert.Nil(t, PortRange(9, 5))
	assert.Equal(t, []int{7}, PortRange(7, 7))
}

func TestCoordinator_ReserveAndRelease(t *testing.T) {
	c := newTestCoordinator()

	h, err := c.Reserve("port", "mind", os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, 8200, h.Value)
	assert.Equal(t, 2, c.Available("port"))

	c.Release(h)
	assert.Equal(t, 3, c.Available("port"))
}

func TestCoordinator_ReserveIdempotentPerRequester(t *testing.T) {
	c := newTestCoordinator()

	h1, err := c.Reserve("port", "mind", os.Getpid())
	require.NoError(t, err)
	h2, err := c.Reserve("port", "mind", os.Getpid())
	require.NoError(t, err)

	assert.Equal(t, h1.Value, h2.Value, "same requester gets the same handle")
	assert.Equal(t, 2, c.Available("port"), "no second value consumed")
}

func TestCoordinator_Exhaustion(t *testing.T) {
	c := newTestCoordinator()

	for i, req := range []string{"a", "b", "c"} {
		h, err := c.Reserve("port", req, os.Getpid())
		require.NoError(t, err)
		assert.Equal(t, 8200+i, h.Value)
	}

	_, err := c.Reserve("port", "d", os.Getpid())
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "port", exhausted.Kind)

	// Releasing frees capacity for the waiting requester.
	c.Release(Handle{Kind: "port", Value: 8200, Requester: "a"})
	h, err := c.Reserve("port", "d", os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, 8200, h.Value)
}

func TestCoordinator_UnknownKindExhausted(t *testing.T) {
	c := newTestCoordinator()
	_, err := c.Reserve("gpu", "mind", os.Getpid())
	var exhausted *ExhaustedError
	assert.ErrorAs(t, err, &exhausted)
}

func TestCoordinator_ReleaseStaleHandleNoop(t *testing.T) {
	c := newTestCoordinator()

	h, err := c.Reserve("port", "mind", os.Getpid())
	require.NoError(t, err)
	c.Release(h)
	c.Release(h) // double release must not duplicate the value

	seen := make(map[int]bool)
	for _, req := range []string{"a", "b", "c"} {
		got, err := c.Reserve("port", req, os.Getpid())
		require.NoError(t, err)
		assert.False(t, seen[got.Value], "value %d handed out twice", got.Value)
		seen[got.Value] = true
	}
}

func TestCoordinator_ReapDead(t *testing.T) {
	c := newTestCoordinator()
	c.aliveFn = func(pid int) bool { return pid == os.Getpid() }

	_, err := c.Reserve("port", "alive", os.Getpid())
	require.NoError(t, err)
	hDead, err := c.Reserve("port", "dead", 999999)
	require.NoError(t, err)

	reaped := c.ReapDead()
	require.Len(t, reaped, 1)
	assert.Equal(t, hDead.Value, reaped[0].Value)
	assert.Equal(t, 2, c.Available("port"), "dead owner's value returned to pool")

	// The live reservation survives.
	assert.Empty(t, c.ReapDead())
}

func TestCoordinator_RebindMovesReapOwnership(t *testing.T) {
	c := newTestCoordinator()
	c.aliveFn = func(pid int) bool { return pid == os.Getpid() }

	// Reserved under the coordinator's own process, then handed off to a
	// child that has since died.
	h, err := c.Reserve("port", "mind", os.Getpid())
	require.NoError(t, err)
	assert.Empty(t, c.ReapDead(), "reservation owned by a live process is kept")

	require.True(t, c.Rebind("port", "mind", 999999))

	reaped := c.ReapDead()
	require.Len(t, reaped, 1)
	assert.Equal(t, h.Value, reaped[0].Value)
	assert.Equal(t, 999999, reaped[0].PID)
	assert.Equal(t, 3, c.Available("port"))
}

func TestCoordinator_RebindUnknownReservation(t *testing.T) {
	c := newTestCoordinator()
	assert.False(t, c.Rebind("port", "nobody", 123))
	assert.False(t, c.Rebind("gpu", "mind", 123))
}

func TestCoordinator_ConcurrentReserve(t *testing.T) {
	c := NewCoordinator(testLogger())
	c.AddPool("port", PortRange(9000, 9099))

	var mu sync.Mutex
	seen := make(map[int]string)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			h, err := c.Reserve("port", string(rune('A'+id%26))+string(rune('0'+id/26)), os.Getpid())
			require.NoError(t, err)
			mu.Lock()
			prev, dup := seen[h.Value]
			if dup && prev != h.Requester {
				t.Errorf("value %d granted to both %s and %s", h.Value, prev, h.Requester)
			}
			seen[h.Value] = h.Requester
			mu.Unlock()
		}(i)
	}
	wg.Wait()
}
