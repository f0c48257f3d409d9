package eventlog

import (
	"container/list"
	"time"
)

// dedupWindow maps dedup keys to the sequence number they were first
// assigned, bounded by capacity (LRU eviction) and per-entry TTL. It is
// not safe for concurrent use; the Log serializes access under its lock.
type dedupWindow struct {
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List
}

type dedupEntry struct {
	key       string
	seq       uint64
	expiresAt time.Time
}

func newDedupWindow(capacity int, ttl time.Duration) *dedupWindow {
	return &dedupWindow{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// lookup returns the sequence number previously recorded for key, if it
// is still within the window.
func (w *dedupWindow) lookup(key string, now time.Time) (uint64, bool) {
	elem, ok := w.items[key]
	if !ok {
		return 0, false
	}
	e := elem.Value.(*dedupEntry)
	if now.After(e.expiresAt) {
		w.remove(elem)
		return 0, false
	}
	w.order.MoveToFront(elem)
	return e.seq, true
}

// record remembers that key was assigned seq.
func (w *dedupWindow) record(key string, seq uint64, now time.Time) {
	if elem, ok := w.items[key]; ok {
		e := elem.Value.(*dedupEntry)
		e.seq = seq
		e.expiresAt = now.Add(w.ttl)
		w.order.MoveToFront(elem)
		return
	}
	if w.order.Len() >= w.capacity {
		if oldest := w.order.Back(); oldest != nil {
			w.remove(oldest)
		}
	}
	elem := w.order.PushFront(&dedupEntry{key: key, seq: seq, expiresAt: now.Add(w.ttl)})
	w.items[key] = elem
}

func (w *dedupWindow) remove(elem *list.Element) {
	w.order.Remove(elem)
	delete(w.items, elem.Value.(*dedupEntry).key)
}

func (w *dedupWindow) len() int { return w.order.Len() }
