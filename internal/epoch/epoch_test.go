package epoch

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triadhq/triad/internal/fsstore"
	"github.com/triadhq/triad/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "epoch.json")
	return NewStore(path, fsstore.Config{}, testLogger()), path
}

func TestStore_CurrentMissingFileIsZero(t *testing.T) {
	s, _ := newTestStore(t)
	assert.Equal(t, uint64(0), s.Current(context.Background()))
}

func TestStore_CurrentCorruptFileIsZero(t *testing.T) {
	s, path := newTestStore(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	assert.Equal(t, uint64(0), s.Current(context.Background()))
}

func TestStore_IncrementIsMonotonic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	e1, err := s.Increment(ctx, "sup-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1)

	e2, err := s.Increment(ctx, "sup-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e2)

	assert.Equal(t, uint64(2), s.Current(ctx))
}

func TestStore_IncrementConcurrent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Increment(ctx, "sup-a")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(n), s.Current(ctx))
}

func TestStore_HistoryCappedAtTen(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		_, err := s.Increment(ctx, "sup-a")
		require.NoError(t, err)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var st state
	require.NoError(t, json.Unmarshal(data, &st))

	assert.Len(t, st.History, 10)
	assert.Equal(t, uint64(6), st.History[0].Epoch, "oldest retained entry")
	assert.Equal(t, uint64(15), st.History[9].Epoch)
	assert.Equal(t, "sup-a", st.SupervisorID)
}

func TestStore_Validate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Increment(ctx, "sup-a")
		require.NoError(t, err)
	}

	assert.True(t, s.Validate(ctx, 3), "current epoch is valid")
	assert.True(t, s.Validate(ctx, 4), "newer epoch means we are the stale party")
	assert.False(t, s.Validate(ctx, 2), "older epoch is fenced out")
}

func TestStore_ValidateOrErr(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Increment(ctx, "sup-a")
	require.NoError(t, err)
	_, err = s.Increment(ctx, "sup-b")
	require.NoError(t, err)

	err = s.ValidateOrErr(ctx, 1)
	var stale *StaleEpochError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, uint64(2), stale.Current)
	assert.Equal(t, uint64(1), stale.Received)
	assert.Contains(t, stale.Error(), "received epoch 1")

	assert.NoError(t, s.ValidateOrErr(ctx, 2))
}

func TestStore_StaleRejectionsCounted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Increment(ctx, "sup-a")
	require.NoError(t, err)
	tok := s.CreateToken(ctx, "rebuild_index")
	_, err = s.Increment(ctx, "sup-b")
	require.NoError(t, err)

	tokBefore := testutil.ToFloat64(metrics.StaleTokensRejected.WithLabelValues("rebuild_index"))
	require.Error(t, s.ValidateTokenOrErr(ctx, tok))
	assert.Equal(t, tokBefore+1,
		testutil.ToFloat64(metrics.StaleTokensRejected.WithLabelValues("rebuild_index")))

	msgBefore := testutil.ToFloat64(metrics.StaleTokensRejected.WithLabelValues("message"))
	require.Error(t, s.ValidateOrErr(ctx, 1))
	assert.Equal(t, msgBefore+1,
		testutil.ToFloat64(metrics.StaleTokensRejected.WithLabelValues("message")))
}

func TestStore_IncrementAfterCorruptFileRestartsFromZero(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	_, err := s.Increment(ctx, "sup-a")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	e, err := s.Increment(ctx, "sup-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e)
}

func TestStore_TokenInvalidatedByIncrement(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Increment(ctx, "sup-a")
	require.NoError(t, err)

	tok := s.CreateToken(ctx, "write_checkpoint")
	assert.Equal(t, uint64(1), tok.Epoch)
	assert.NotEmpty(t, tok.OperationID)
	assert.True(t, s.ValidateToken(ctx, tok))

	_, err = s.Increment(ctx, "sup-b")
	require.NoError(t, err)

	assert.False(t, s.ValidateToken(ctx, tok), "token from previous generation must be rejected")

	err = s.ValidateTokenOrErr(ctx, tok)
	var stale *StaleEpochError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, uint64(2), stale.Current)
	assert.Equal(t, uint64(1), stale.Received)
}

func TestStore_TokenIDsUnique(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a := s.CreateToken(ctx, "op")
	b := s.CreateToken(ctx, "op")
	assert.NotEqual(t, a.OperationID, b.OperationID)
}
