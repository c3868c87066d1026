package task

import (
	"sync"
	"sync/atomic"
)

// Subscription delivers a task's events in order. Events is closed after the
// terminal event, on Close, or when the subscription falls behind the ring;
// Err then reports why.
type Subscription struct {
	events chan Event
	stop   chan struct{}
	once   sync.Once
	onAck  func(seq uint64)

	mu  sync.Mutex
	err error

	acked atomic.Uint64
}

func newSubscription(onAck func(uint64)) *Subscription {
	return &Subscription{
		events: make(chan Event),
		stop:   make(chan struct{}),
		onAck:  onAck,
	}
}

// Events returns the event channel.
func (s *Subscription) Events() <-chan Event { return s.events }

// Err returns the error that ended the subscription, if any. It is only
// meaningful once Events is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops delivery. The task keeps running.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.stop) })
}

// Ack records that the event with seq reached the consumer. A later
// resubscribe without an explicit cursor resumes after the last ack.
func (s *Subscription) Ack(seq uint64) {
	for {
		cur := s.acked.Load()
		if seq <= cur || s.acked.CompareAndSwap(cur, seq) {
			break
		}
	}
	if s.onAck != nil {
		s.onAck(seq)
	}
}

// Acked returns the highest acknowledged sequence number.
func (s *Subscription) Acked() uint64 { return s.acked.Load() }

// pump copies events after cursor from the log to the subscriber until the
// log is finished and drained or the subscription stops.
func (s *Subscription) pump(log *eventLog, taskID string, cursor uint64) {
	defer close(s.events)

	for {
		evs, finished, wake, err := log.since(cursor)
		if err != nil {
			s.fail(err)
			select {
			case s.events <- Event{Kind: KindError, TaskID: taskID, Seq: cursor, Error: err.Error()}:
			case <-s.stop:
			}
			return
		}

		for _, ev := range evs {
			select {
			case s.events <- ev:
				cursor = ev.Seq
			case <-s.stop:
				return
			}
			if ev.Final {
				return
			}
		}

		if finished && len(evs) == 0 {
			return
		}
		if len(evs) > 0 {
			continue
		}

		select {
		case <-wake:
		case <-s.stop:
			return
		}
	}
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
