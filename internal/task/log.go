package task

import (
	"errors"
	"sync"
)

var (
	// ErrTaskClosed is returned when publishing after the terminal event.
	ErrTaskClosed = errors.New("task already finished")
	// ErrCursorExpired is returned when the events after a cursor have
	// already been dropped from the ring.
	ErrCursorExpired = errors.New("cursor is older than the retained events")
)

// eventLog is an append-only ring of events. Appends never block; readers
// poll with a cursor and wait on the wake channel for more.
type eventLog struct {
	mu       sync.Mutex
	ring     []Event
	start    int // index of the oldest event
	n        int
	next     uint64
	finished bool
	wake     chan struct{}
	done     chan struct{}

	// onAppend sees every stored event before readers are woken.
	onAppend func(Event)
}

func newEventLog(size int) *eventLog {
	if size < 1 {
		size = 1
	}
	return &eventLog{
		ring: make([]Event, size),
		next: 1,
		wake: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// append assigns ev the next sequence number and stores it, overwriting the
// oldest event when the ring is full. A final event finishes the log.
func (l *eventLog) append(ev Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.finished {
		return Event{}, ErrTaskClosed
	}
	ev.Seq = l.next
	l.next++

	size := len(l.ring)
	if l.n < size {
		l.ring[(l.start+l.n)%size] = ev
		l.n++
	} else {
		l.ring[l.start] = ev
		l.start = (l.start + 1) % size
	}

	if l.onAppend != nil {
		l.onAppend(ev)
	}
	if ev.Final {
		l.finished = true
		close(l.done)
	}
	l.broadcast()
	return ev, nil
}

// since returns the retained events with Seq > cursor, whether the log is
// finished, and a channel that is closed on the next change.
func (l *eventLog) since(cursor uint64) ([]Event, bool, <-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	oldest := l.next - uint64(l.n)
	if cursor+1 < oldest {
		return nil, l.finished, l.wake, ErrCursorExpired
	}

	var out []Event
	size := len(l.ring)
	for i := 0; i < l.n; i++ {
		ev := l.ring[(l.start+i)%size]
		if ev.Seq > cursor {
			out = append(out, ev)
		}
	}
	return out, l.finished, l.wake, nil
}

// last returns the most recent event and the log's finished flag.
func (l *eventLog) last() (Event, bool, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n == 0 {
		return Event{}, false, l.finished
	}
	return l.ring[(l.start+l.n-1)%len(l.ring)], true, l.finished
}

func (l *eventLog) isFinished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finished
}

// broadcast wakes every waiting reader. Must be called with l.mu held.
func (l *eventLog) broadcast() {
	close(l.wake)
	l.wake = make(chan struct{})
}
