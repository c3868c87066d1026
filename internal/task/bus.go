package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrInvalidEvent is returned for events that break the task state machine.
var ErrInvalidEvent = errors.New("invalid event")

// Finalizer runs on the terminal event before it is appended to the log. It
// may add metadata to the event.
type Finalizer func(ctx context.Context, ev *Event)

// Bus is an executor's handle on its task. Publishing appends to the task's
// event log and never waits for subscribers.
type Bus struct {
	entry    *entry
	finalize Finalizer
	ctx      context.Context
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	closed bool
}

// TaskID returns the task's id.
func (b *Bus) TaskID() string { return b.entry.id }

// ContextID returns the task's context id.
func (b *Bus) ContextID() string { return b.entry.contextID }

// Publish appends ev. Exactly one terminal event is accepted; later publishes
// fail with ErrTaskClosed.
func (b *Bus) Publish(ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrTaskClosed
	}
	if ev.Kind == "" {
		ev.Kind = KindStatusUpdate
	}
	if ev.Kind == KindError {
		return fmt.Errorf("%w: executors report errors with a failed status", ErrInvalidEvent)
	}
	if ev.Final && !ev.Status.State.Terminal() {
		return fmt.Errorf("%w: final event with non-terminal state %q", ErrInvalidEvent, ev.Status.State)
	}
	ev.TaskID = b.entry.id
	ev.ContextID = b.entry.contextID
	if ev.Status.Timestamp.IsZero() {
		ev.Status.Timestamp = b.now()
	}
	ev.Metadata = cloneMeta(ev.Metadata)

	if ev.Status.State.Terminal() {
		ev.Final = true
		if ev.Metadata == nil {
			ev.Metadata = make(map[string]any)
		}
		b.runFinalizer(&ev)
		b.closed = true
	}

	_, err := b.entry.log.append(ev)
	return err
}

func (b *Bus) runFinalizer(ev *Event) {
	if b.finalize == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("task finalizer panicked", "task_id", b.entry.id, "panic", r)
		}
	}()
	b.finalize(b.ctx, ev)
}

// Working publishes a working status update.
func (b *Bus) Working(text string, meta map[string]any) error {
	return b.status(StateWorking, text, meta)
}

// Complete publishes the completed terminal event.
func (b *Bus) Complete(text string, meta map[string]any) error {
	return b.status(StateCompleted, text, meta)
}

// Fail publishes the failed terminal event.
func (b *Bus) Fail(text string, meta map[string]any) error {
	return b.status(StateFailed, text, meta)
}

func (b *Bus) status(state State, text string, meta map[string]any) error {
	st := Status{State: state}
	if text != "" {
		st.Message = TextMessage("agent", text)
		st.Message.TaskID = b.entry.id
		st.Message.ContextID = b.entry.contextID
	}
	return b.Publish(Event{Kind: KindStatusUpdate, Status: st, Metadata: meta})
}

// Finished marks that the executor publishes nothing more. If no terminal
// event was published, a failed one is synthesized so that waiting
// subscribers are released.
func (b *Bus) Finished() {
	err := b.Fail("executor finished without a final status", nil)
	if err == nil {
		b.logger.Warn("executor finished without a terminal event", "task_id", b.entry.id)
	}
}

// Done reports whether the terminal event has been published.
func (b *Bus) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
