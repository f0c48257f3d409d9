package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTransport_PublishAndRead(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()

	id1, err := tr.PublishJSON(ctx, "s", map[string]string{"v": "a"})
	require.NoError(t, err)
	id2, err := tr.PublishJSON(ctx, "s", map[string]string{"v": "b"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	var got map[string]string
	readID, err := tr.ReadJSON(ctx, "s", "0", &got)
	require.NoError(t, err)
	assert.Equal(t, id1, readID)
	assert.Equal(t, "a", got["v"])

	readID, err = tr.ReadJSON(ctx, "s", readID, &got)
	require.NoError(t, err)
	assert.Equal(t, id2, readID)
	assert.Equal(t, "b", got["v"])
}

func TestMemoryTransport_ReadBlocksUntilPublish(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()

	go func() {
		time.Sleep(50 * time.Millisecond)
		tr.PublishJSON(ctx, "s", map[string]string{"v": "late"})
	}()

	var got map[string]string
	_, err := tr.ReadJSON(ctx, "s", "0", &got)
	require.NoError(t, err)
	assert.Equal(t, "late", got["v"])
}

func TestMemoryTransport_DollarSkipsExisting(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()

	_, err := tr.PublishJSON(ctx, "s", map[string]string{"v": "old"})
	require.NoError(t, err)

	done := make(chan map[string]string, 1)
	go func() {
		var got map[string]string
		if _, err := tr.ReadJSON(ctx, "s", "$", &got); err == nil {
			done <- got
		}
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = tr.PublishJSON(ctx, "s", map[string]string{"v": "new"})
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, "new", got["v"])
	case <-time.After(2 * time.Second):
		t.Fatal("reader never observed the new entry")
	}
}

func TestMemoryTransport_ReadCancellation(t *testing.T) {
	tr := NewMemoryTransport()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var got map[string]string
	_, err := tr.ReadJSON(ctx, "empty", "0", &got)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
