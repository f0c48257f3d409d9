// Package eventlog is the durable sequenced log the triad processes use to
// exchange events. Each origin gets its own append-only JSONL file with a
// gap-free monotonic sequence number. Readers replay from any checkpoint;
// a sequence gap on the receiving side means incremental catch-up is no
// longer safe and the caller must request a full resync.
package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/triadhq/triad/internal/fsstore"
	"github.com/triadhq/triad/internal/metrics"
)

// SequenceGapError reports a hole in an origin's sequence. It signals the
// reader to resync, not to crash.
type SequenceGapError struct {
	Origin   string
	Expected uint64
	Received uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("eventlog: sequence gap on origin %q: expected seq %d, received %d",
		e.Origin, e.Expected, e.Received)
}

// Event is one record in an origin's stream.
type Event struct {
	SeqNo     uint64          `json:"seq_no"`
	EventType string          `json:"event_type"`
	Origin    string          `json:"origin"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	DedupKey  string          `json:"dedup_key,omitempty"`
}

// Config tunes retention and deduplication.
type Config struct {
	Dir           string
	RetentionTTL  time.Duration // entries older than this are dropped during GC (default 24h)
	DedupTTL      time.Duration // how long a dedup key suppresses re-appends (default 10m)
	DedupCapacity int           // max tracked dedup keys per origin (default 4096)
	GCEvery       int           // run lazy GC once per this many appends (default 256)
	Store         fsstore.Config
}

func (c Config) withDefaults() Config {
	if c.RetentionTTL <= 0 {
		c.RetentionTTL = 24 * time.Hour
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = 4096
	}
	if c.GCEvery <= 0 {
		c.GCEvery = 256
	}
	return c
}

// Log manages one sequenced stream per origin under a shared directory.
type Log struct {
	cfg       Config
	logger    *slog.Logger
	transport MessageTransport // optional mirror, may be nil

	mu      sync.Mutex
	origins map[string]*originStream

	nowFn func() time.Time
}

type originStream struct {
	path    string
	lock    *fsstore.FileLock
	nextSeq uint64
	loaded  bool
	appends int
	dedup   *dedupWindow
}

// New creates a log rooted at cfg.Dir. transport may be nil; when set,
// every appended event is also mirrored to the stream named after its
// origin.
func New(cfg Config, transport MessageTransport, logger *slog.Logger) *Log {
	return &Log{
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "eventlog"),
		transport: transport,
		origins:   make(map[string]*originStream),
		nowFn:     time.Now,
	}
}

func (l *Log) stream(origin string) *originStream {
	os, ok := l.origins[origin]
	if !ok {
		path := filepath.Join(l.cfg.Dir, origin+".log")
		os = &originStream{
			path:  path,
			lock:  fsstore.NewFileLock(path+".lock", l.cfg.Store, l.logger),
			dedup: newDedupWindow(l.cfg.DedupCapacity, l.cfg.DedupTTL),
		}
		l.origins[origin] = os
	}
	return os
}

// Append assigns the next sequence number for the origin and durably
// appends the event. When dedupKey matches an event seen within the dedup
// window, the original sequence number is returned and nothing is written.
func (l *Log) Append(ctx context.Context, origin, eventType string, payload json.RawMessage, dedupKey string) (uint64, error) {
	if origin == "" {
		return 0, errors.New("eventlog: empty origin")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stream(origin)

	release, err := st.lock.AcquireExclusive(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	if err := st.load(); err != nil {
		return 0, err
	}

	if dedupKey != "" {
		if seq, seen := st.dedup.lookup(dedupKey, l.nowFn()); seen {
			metrics.EventsDeduplicated.WithLabelValues(origin).Inc()
			return seq, nil
		}
	}

	ev := Event{
		SeqNo:     st.nextSeq,
		EventType: eventType,
		Origin:    origin,
		Payload:   payload,
		Timestamp: l.nowFn().UTC(),
		DedupKey:  dedupKey,
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	if err := appendLine(st.path, line); err != nil {
		return 0, err
	}
	st.nextSeq++
	if dedupKey != "" {
		st.dedup.record(dedupKey, ev.SeqNo, l.nowFn())
	}
	metrics.EventsAppended.WithLabelValues(origin, eventType).Inc()

	st.appends++
	if st.appends >= l.cfg.GCEvery {
		st.appends = 0
		l.collect(st, origin)
	}

	if l.transport != nil {
		if _, err := l.transport.PublishJSON(ctx, "events:"+origin, ev); err != nil {
			l.logger.Warn("failed to mirror event to stream", "origin", origin, "error", err)
		}
	}
	return ev.SeqNo, nil
}

// load scans the file once to recover the next sequence number after a
// restart. Caller holds the exclusive lock.
func (st *originStream) load() error {
	if st.loaded {
		return nil
	}
	events, err := readEvents(st.path)
	if err != nil {
		return err
	}
	st.nextSeq = 1
	if n := len(events); n > 0 {
		st.nextSeq = events[n-1].SeqNo + 1
	}
	st.loaded = true
	return nil
}

// collect drops entries past the retention TTL. Sequence numbers are never
// reused: GC trims history, not numbering. Caller holds the exclusive lock.
func (l *Log) collect(st *originStream, origin string) {
	events, err := readEvents(st.path)
	if err != nil {
		l.logger.Warn("gc read failed", "origin", origin, "error", err)
		return
	}
	cutoff := l.nowFn().Add(-l.cfg.RetentionTTL)

	kept := events[:0]
	expired := 0
	for _, ev := range events {
		if ev.Timestamp.Before(cutoff) {
			expired++
			continue
		}
		kept = append(kept, ev)
	}
	if expired == 0 {
		return
	}

	var buf bytes.Buffer
	for _, ev := range kept {
		line, err := json.Marshal(ev)
		if err != nil {
			l.logger.Warn("gc marshal failed", "origin", origin, "error", err)
			return
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := replaceFile(st.path, buf.Bytes()); err != nil {
		l.logger.Warn("gc rewrite failed", "origin", origin, "error", err)
		return
	}
	metrics.EventsExpired.WithLabelValues(origin).Add(float64(expired))
	l.logger.Info("expired events collected", "origin", origin, "expired", expired, "kept", len(kept))
}

// Replay returns the origin's events with sequence numbers at or above
// fromSeq, in order, deduplicated by dedup key within the returned range.
// Restartable: calling again with the last consumed seq + 1 continues the
// stream.
func (l *Log) Replay(ctx context.Context, origin string, fromSeq uint64) (*Cursor, error) {
	l.mu.Lock()
	st := l.stream(origin)
	l.mu.Unlock()

	release, err := st.lock.AcquireShared(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	events, err := readEvents(st.path)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	filtered := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.SeqNo < fromSeq {
			continue
		}
		if ev.DedupKey != "" {
			if _, dup := seen[ev.DedupKey]; dup {
				continue
			}
			seen[ev.DedupKey] = struct{}{}
		}
		filtered = append(filtered, ev)
	}
	return &Cursor{origin: origin, events: filtered}, nil
}

// Cursor iterates over a replayed range.
type Cursor struct {
	origin string
	events []Event
	pos    int
}

// Next returns the next event, or ok=false at end of range.
func (c *Cursor) Next() (Event, bool) {
	if c.pos >= len(c.events) {
		return Event{}, false
	}
	ev := c.events[c.pos]
	c.pos++
	metrics.EventsReplayed.WithLabelValues(c.origin).Inc()
	return ev, true
}

// Remaining reports how many events are left on the cursor.
func (c *Cursor) Remaining() int { return len(c.events) - c.pos }

// DetectGap reports whether receiving receivedSeq after lastSeenSeq skips
// sequence numbers.
func DetectGap(receivedSeq, lastSeenSeq uint64) bool {
	return receivedSeq > lastSeenSeq+1
}

// CheckGap is DetectGap with a typed error for the resync path.
func CheckGap(origin string, receivedSeq, lastSeenSeq uint64) error {
	if !DetectGap(receivedSeq, lastSeenSeq) {
		return nil
	}
	metrics.SequenceGapsDetected.WithLabelValues(origin).Inc()
	return &SequenceGapError{Origin: origin, Expected: lastSeenSeq + 1, Received: receivedSeq}
}

func readEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// A torn tail line from a crash is skipped, not fatal.
			continue
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan event log %s: %w", path, err)
	}
	return out, nil
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync event log: %w", err)
	}
	return nil
}

func replaceFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
