package health

import "sync"

// RWLock is a write-preferring reader/writer lock with FIFO ordering.
// Multiple readers proceed together, but once a writer queues up, new
// readers wait behind it, so a steady reader stream cannot starve writers.
// Waiters are served strictly in arrival order.
//
// sync.RWMutex already blocks new readers behind a waiting writer, but it
// does not order multiple writers FIFO among themselves, which the health
// sampling loops rely on to keep updates in observation order.
type RWLock struct {
	mu      sync.Mutex
	readers int
	writing bool
	queue   []*rwWaiter
}

type rwWaiter struct {
	write bool
	ready chan struct{}
}

// RLock acquires the lock for reading.
func (l *RWLock) RLock() {
	l.mu.Lock()
	if !l.writing && len(l.queue) == 0 {
		l.readers++
		l.mu.Unlock()
		return
	}
	w := &rwWaiter{write: false, ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.mu.Unlock()
	<-w.ready
}

// RUnlock releases a read acquisition.
func (l *RWLock) RUnlock() {
	l.mu.Lock()
	l.readers--
	if l.readers == 0 {
		l.wake()
	}
	l.mu.Unlock()
}

// Lock acquires the lock for writing.
func (l *RWLock) Lock() {
	l.mu.Lock()
	if !l.writing && l.readers == 0 && len(l.queue) == 0 {
		l.writing = true
		l.mu.Unlock()
		return
	}
	w := &rwWaiter{write: true, ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.mu.Unlock()
	<-w.ready
}

// Unlock releases a write acquisition.
func (l *RWLock) Unlock() {
	l.mu.Lock()
	l.writing = false
	l.wake()
	l.mu.Unlock()
}

// wake admits the head of the queue: a single writer, or the maximal run
// of consecutive readers. Caller holds mu.
func (l *RWLock) wake() {
	if l.writing || l.readers > 0 || len(l.queue) == 0 {
		return
	}
	if l.queue[0].write {
		w := l.queue[0]
		l.queue = l.queue[1:]
		l.writing = true
		close(w.ready)
		return
	}
	for len(l.queue) > 0 && !l.queue[0].write {
		w := l.queue[0]
		l.queue = l.queue[1:]
		l.readers++
		close(w.ready)
	}
}
