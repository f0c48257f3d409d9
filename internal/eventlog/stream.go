package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MessageTransport mirrors appended events to an external stream so
// out-of-host consumers can follow an origin without reading its log file.
// Implementations must be safe for concurrent use.
type MessageTransport interface {
	// PublishJSON appends v to the named stream and returns the entry ID.
	PublishJSON(ctx context.Context, stream string, v any) (string, error)
	// ReadJSON blocks for the next entry after lastID, decodes it into
	// out, and returns its ID. Use "0" to read from the beginning and
	// "$" to read only new entries.
	ReadJSON(ctx context.Context, stream string, lastID string, out any) (string, error)
	Close() error
}

// RedisTransport implements MessageTransport over Redis Streams.
type RedisTransport struct {
	client *redis.Client
	maxLen int64
}

// NewRedisTransport connects to Redis and verifies the connection.
func NewRedisTransport(ctx context.Context, url string, maxLen int64) (*RedisTransport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisTransport{client: client, maxLen: maxLen}, nil
}

func (t *RedisTransport) PublishJSON(ctx context.Context, stream string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal stream entry: %w", err)
	}
	id, err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: t.maxLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func (t *RedisTransport) ReadJSON(ctx context.Context, stream string, lastID string, out any) (string, error) {
	res, err := t.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   1,
		Block:   5 * time.Second,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xread %s: %w", stream, err)
	}
	for _, str := range res {
		for _, msg := range str.Messages {
			raw, ok := msg.Values["data"].(string)
			if !ok {
				return "", fmt.Errorf("stream %s entry %s has no data field", stream, msg.ID)
			}
			if err := json.Unmarshal([]byte(raw), out); err != nil {
				return "", fmt.Errorf("decode stream entry %s: %w", msg.ID, err)
			}
			return msg.ID, nil
		}
	}
	return "", fmt.Errorf("xread %s: empty response", stream)
}

func (t *RedisTransport) Close() error { return t.client.Close() }

// MemoryTransport is an in-process MessageTransport for tests and
// single-host deployments without Redis.
type MemoryTransport struct {
	mu      sync.Mutex
	streams map[string][]memoryEntry
	nextID  int
}

type memoryEntry struct {
	id   string
	data []byte
}

// NewMemoryTransport creates an empty in-memory transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{streams: make(map[string][]memoryEntry)}
}

func (t *MemoryTransport) PublishJSON(_ context.Context, stream string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal stream entry: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := fmt.Sprintf("%d-0", t.nextID)
	t.streams[stream] = append(t.streams[stream], memoryEntry{id: id, data: data})
	return id, nil
}

func (t *MemoryTransport) ReadJSON(ctx context.Context, stream string, lastID string, out any) (string, error) {
	// "$" reads only entries published after this call starts.
	if lastID == "$" {
		t.mu.Lock()
		lastID = "0"
		if entries := t.streams[stream]; len(entries) > 0 {
			lastID = entries[len(entries)-1].id
		}
		t.mu.Unlock()
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		t.mu.Lock()
		for _, e := range t.streams[stream] {
			if lastID != "0" && !idAfter(e.id, lastID) {
				continue
			}
			if err := json.Unmarshal(e.data, out); err != nil {
				t.mu.Unlock()
				return "", err
			}
			t.mu.Unlock()
			return e.id, nil
		}
		t.mu.Unlock()

		if time.Now().After(deadline) {
			return "", fmt.Errorf("read %s: timed out", stream)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// idAfter compares the numeric prefix of two "seq-0" style entry IDs.
func idAfter(id, than string) bool {
	return idSeq(id) > idSeq(than)
}

func idSeq(id string) int {
	n := 0
	for _, c := range id {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func (t *MemoryTransport) Close() error { return nil }
