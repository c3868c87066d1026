package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for task ids the engine has never seen.
	ErrNotFound = errors.New("task not found")
	// ErrFlushed is returned for finished tasks whose events were evicted.
	ErrFlushed = errors.New("task finished and its events were flushed")
	// ErrNotCancelable is returned when canceling a finished task.
	ErrNotCancelable = errors.New("task is not cancelable")
	// ErrDuplicateTask is returned when starting a task with an id in use.
	ErrDuplicateTask = errors.New("task id already in use")
)

// Executor runs one task. Execute publishes progress and exactly one terminal
// event on the bus; returning an error, panicking or returning without a
// terminal event fails the task. Cancel asks a running Execute to stop.
type Executor interface {
	Execute(ctx context.Context, bus *Bus) error
	Cancel(ctx context.Context, bus *Bus) error
}

// MetricsRecorder is an optional interface for recording task lifecycle.
type MetricsRecorder interface {
	RecordTask(state string, duration time.Duration)
	SetActiveTasks(n int)
}

// Options configures an Engine.
type Options struct {
	// BufferSize is the number of events retained per task.
	BufferSize int
	// Retention is how long a finished task stays resumable.
	Retention time.Duration
	// TombstoneTTL is how long an evicted task is remembered as flushed.
	TombstoneTTL time.Duration
	// CancelGrace is how long Cancel waits for the executor's own terminal.
	CancelGrace time.Duration
	// SweepInterval is how often finished tasks are evicted.
	SweepInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 256
	}
	if o.Retention <= 0 {
		o.Retention = 5 * time.Minute
	}
	if o.TombstoneTTL <= 0 {
		o.TombstoneTTL = time.Hour
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = 2 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
}

// StartOptions describes a task to start.
type StartOptions struct {
	TaskID    string
	ContextID string
	// Owner identifies who may resubscribe to the task.
	Owner    string
	Message  *Message
	Executor Executor
	Finalize Finalizer
	Metadata map[string]any
}

type entry struct {
	id        string
	contextID string
	owner     string
	exec      Executor
	bus       *Bus
	log       *eventLog
	cancel    context.CancelFunc
	started   time.Time

	mu       sync.Mutex
	status   Status
	history  []Message
	metadata map[string]any
	finished time.Time
	live     *Subscription

	delivered atomic.Uint64
}

// apply folds a stored event into the task snapshot.
func (e *entry) apply(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = ev.Status
	if ev.Status.Message != nil {
		e.history = append(e.history, *ev.Status.Message)
	}
	if len(ev.Metadata) > 0 {
		if e.metadata == nil {
			e.metadata = make(map[string]any)
		}
		for k, v := range ev.Metadata {
			e.metadata[k] = v
		}
	}
	if ev.Final {
		e.finished = ev.Status.Timestamp
	}
}

func (e *entry) snapshot() *Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := &Task{
		Kind:      string(KindTask),
		ID:        e.id,
		ContextID: e.contextID,
		Status:    e.status,
		Metadata:  cloneMeta(e.metadata),
	}
	if len(e.history) > 0 {
		t.History = append([]Message(nil), e.history...)
	}
	return t
}

func (e *entry) ack(seq uint64) {
	for {
		cur := e.delivered.Load()
		if seq <= cur || e.delivered.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Engine runs executors and keeps their event logs for resubscription.
type Engine struct {
	opts    Options
	logger  *slog.Logger
	metrics MetricsRecorder
	now     func() time.Time

	mu         sync.Mutex
	tasks      map[string]*entry
	tombstones map[string]time.Time
	wg         sync.WaitGroup

	done     chan struct{}
	stopOnce sync.Once
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	opts.withDefaults()
	return &Engine{
		opts:       opts,
		logger:     slog.Default(),
		now:        time.Now,
		tasks:      make(map[string]*entry),
		tombstones: make(map[string]time.Time),
		done:       make(chan struct{}),
	}
}

// SetMetrics sets the optional metrics recorder.
func (e *Engine) SetMetrics(m MetricsRecorder) { e.metrics = m }

// SetLogger sets the logger.
func (e *Engine) SetLogger(l *slog.Logger) { e.logger = l }

// Start registers a task, publishes its submitted snapshot and runs the
// executor in the background. The executor's context is detached from ctx's
// cancellation so that a caller going away does not stop the task.
func (e *Engine) Start(ctx context.Context, so StartOptions) (*Task, error) {
	if so.Executor == nil {
		return nil, fmt.Errorf("starting task: executor is required")
	}
	if so.TaskID == "" {
		so.TaskID = uuid.NewString()
	}
	if so.ContextID == "" {
		so.ContextID = uuid.NewString()
	}

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ent := &entry{
		id:        so.TaskID,
		contextID: so.ContextID,
		owner:     so.Owner,
		exec:      so.Executor,
		log:       newEventLog(e.opts.BufferSize),
		cancel:    cancel,
		started:   e.now(),
	}
	ent.log.onAppend = ent.apply
	ent.bus = &Bus{
		entry:    ent,
		finalize: so.Finalize,
		ctx:      context.WithoutCancel(execCtx),
		logger:   e.logger,
		now:      e.now,
	}

	if so.Message != nil {
		msg := *so.Message
		msg.TaskID = so.TaskID
		msg.ContextID = so.ContextID
		ent.history = append(ent.history, msg)
	}
	ent.metadata = cloneMeta(so.Metadata)
	ent.status = Status{State: StateSubmitted, Timestamp: e.now()}
	snap := ent.snapshot()
	if _, err := ent.log.append(Event{
		Kind:      KindTask,
		TaskID:    so.TaskID,
		ContextID: so.ContextID,
		Status:    snap.Status,
		Task:      snap,
	}); err != nil {
		cancel()
		return nil, err
	}

	e.mu.Lock()
	if _, exists := e.tasks[so.TaskID]; exists {
		e.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, so.TaskID)
	}
	select {
	case <-e.done:
		e.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("starting task: engine stopped")
	default:
	}
	e.tasks[so.TaskID] = ent
	active := len(e.tasks)
	e.wg.Add(1)
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.SetActiveTasks(active)
	}

	go e.run(execCtx, ent)

	return snap, nil
}

func (e *Engine) run(ctx context.Context, ent *entry) {
	defer e.wg.Done()
	defer ent.cancel()

	err := e.execute(ctx, ent)
	if err != nil {
		if perr := ent.bus.Fail(err.Error(), nil); perr == nil {
			e.logger.Warn("task failed", "task_id", ent.id, "error", err)
		}
	}
	ent.bus.Finished()

	if e.metrics != nil {
		t := ent.snapshot()
		e.metrics.RecordTask(string(t.Status.State), e.now().Sub(ent.started))
	}
}

func (e *Engine) execute(ctx context.Context, ent *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("executor panicked", "task_id", ent.id, "panic", r)
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return ent.exec.Execute(ctx, ent.bus)
}

// Wait blocks until the task has published its terminal event and returns the
// final snapshot.
func (e *Engine) Wait(ctx context.Context, taskID string) (*Task, error) {
	ent, err := e.lookup(taskID)
	if err != nil {
		return nil, err
	}
	select {
	case <-ent.log.done:
		return ent.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the task's current snapshot.
func (e *Engine) Get(taskID string) (*Task, error) {
	ent, err := e.lookup(taskID)
	if err != nil {
		return nil, err
	}
	return ent.snapshot(), nil
}

// Owner returns the owner the task was started with.
func (e *Engine) Owner(taskID string) (string, error) {
	ent, err := e.lookup(taskID)
	if err != nil {
		return "", err
	}
	return ent.owner, nil
}

// Cancel asks the executor to stop and, if it has not published a terminal
// event within the grace period, publishes a canceled one and cancels the
// executor's context.
func (e *Engine) Cancel(ctx context.Context, taskID string) (*Task, error) {
	ent, err := e.lookup(taskID)
	if errors.Is(err, ErrFlushed) {
		return nil, fmt.Errorf("%w: %s", ErrNotCancelable, taskID)
	}
	if err != nil {
		return nil, err
	}
	if ent.log.isFinished() {
		return nil, fmt.Errorf("%w: %s", ErrNotCancelable, taskID)
	}

	if err := ent.exec.Cancel(ctx, ent.bus); err != nil {
		e.logger.Warn("executor cancel hook failed", "task_id", taskID, "error", err)
	}

	timer := time.NewTimer(e.opts.CancelGrace)
	defer timer.Stop()
	select {
	case <-ent.log.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	err = ent.bus.Publish(Event{
		Kind:   KindStatusUpdate,
		Status: Status{State: StateCanceled, Message: TextMessage("agent", "task canceled")},
	})
	if err != nil && !errors.Is(err, ErrTaskClosed) {
		return nil, err
	}
	ent.cancel()

	return ent.snapshot(), nil
}

// Subscribe returns a subscription replaying the task from its first event.
// It replaces the task's live subscriber.
func (e *Engine) Subscribe(taskID string) (*Subscription, error) {
	ent, err := e.lookup(taskID)
	if err != nil {
		return nil, err
	}
	return e.attach(ent, 0), nil
}

// Resubscribe resumes a task's events after cursor, or after the last event
// acknowledged by the previous subscriber when cursor is nil, and then follows
// the task live. The previous live subscriber is closed. A finished task
// whose events were all delivered yields its terminal event once.
func (e *Engine) Resubscribe(taskID string, cursor *uint64) (*Subscription, error) {
	ent, err := e.lookup(taskID)
	if err != nil {
		return nil, err
	}

	var from uint64
	if cursor != nil {
		from = *cursor
	} else {
		from = ent.delivered.Load()
	}

	last, ok, finished := ent.log.last()
	if finished && ok && from >= last.Seq {
		from = last.Seq - 1
	}
	if _, _, _, err := ent.log.since(from); err != nil {
		return nil, fmt.Errorf("resubscribing to %s: %w", taskID, err)
	}

	return e.attach(ent, from), nil
}

func (e *Engine) attach(ent *entry, from uint64) *Subscription {
	sub := newSubscription(ent.ack)

	ent.mu.Lock()
	prev := ent.live
	ent.live = sub
	ent.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	go sub.pump(ent.log, ent.id, from)
	return sub
}

func (e *Engine) lookup(taskID string) (*entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.tasks[taskID]; ok {
		return ent, nil
	}
	if _, ok := e.tombstones[taskID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrFlushed, taskID)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
}

// StartSweeper begins evicting finished tasks on a timer. It blocks until Stop is
// called or the context is cancelled.
func (e *Engine) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Sweep()
		case <-ctx.Done():
			return
		case <-e.done:
			return
		}
	}
}

// Sweep evicts tasks finished longer than the retention ago, leaving a
// tombstone, and forgets expired tombstones.
func (e *Engine) Sweep() {
	now := e.now()

	e.mu.Lock()
	var evicted []*entry
	for id, ent := range e.tasks {
		ent.mu.Lock()
		finished := ent.finished
		ent.mu.Unlock()
		if finished.IsZero() || now.Sub(finished) < e.opts.Retention {
			continue
		}
		delete(e.tasks, id)
		e.tombstones[id] = now.Add(e.opts.TombstoneTTL)
		evicted = append(evicted, ent)
	}
	for id, expires := range e.tombstones {
		if now.After(expires) {
			delete(e.tombstones, id)
		}
	}
	active := len(e.tasks)
	e.mu.Unlock()

	for _, ent := range evicted {
		ent.mu.Lock()
		live := ent.live
		ent.mu.Unlock()
		if live != nil {
			live.Close()
		}
	}
	if len(evicted) > 0 {
		e.logger.Debug("evicted finished tasks", "count", len(evicted))
	}
	if e.metrics != nil {
		e.metrics.SetActiveTasks(active)
	}
}

// Stop ends the sweeper, cancels running executors and waits for them to
// return.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopOnce.Do(func() { close(e.done) })
	running := make([]*entry, 0, len(e.tasks))
	for _, ent := range e.tasks {
		running = append(running, ent)
	}
	e.mu.Unlock()

	for _, ent := range running {
		if !ent.log.isFinished() {
			ent.cancel()
		}
	}
	e.wg.Wait()
}
