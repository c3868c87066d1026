// Package task runs capability executors and records what they publish in a
// per-task event log that live and resuming subscribers read by sequence
// number.
package task

import (
	"math"
	"strings"
	"time"
)

// State is a task's lifecycle state.
type State string

const (
	StateSubmitted State = "submitted"
	StateWorking   State = "working"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Terminal reports whether no further events may follow s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Part is one piece of message content.
type Part struct {
	Kind string         `json:"kind"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Message is a turn in a task's conversation.
type Message struct {
	Kind      string `json:"kind"`
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
	MessageID string `json:"messageId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	ContextID string `json:"contextId,omitempty"`
}

// TextMessage builds a single-part text message.
func TextMessage(role, text string) *Message {
	return &Message{Kind: "message", Role: role, Parts: []Part{{Kind: "text", Text: text}}}
}

// Text concatenates the message's text parts.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Kind == "text" || p.Kind == "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Status is a task state with an optional message.
type Status struct {
	State     State     `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is a snapshot of a task.
type Task struct {
	Kind      string         `json:"kind"`
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Status    Status         `json:"status"`
	History   []Message      `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventKind distinguishes stream events.
type EventKind string

const (
	KindTask         EventKind = "task"
	KindStatusUpdate EventKind = "status-update"
	KindError        EventKind = "error"
)

// Event is one entry of a task's event log. Seq starts at 1 and increases by
// one per published event.
type Event struct {
	Seq       uint64
	Kind      EventKind
	TaskID    string
	ContextID string
	Status    Status
	Final     bool
	Metadata  map[string]any
	// Task is set on KindTask events.
	Task *Task
	// Error is set on KindError events, which subscriptions emit when they
	// cannot continue.
	Error string
}

// StatusUpdate is the wire form of a status-update event.
type StatusUpdate struct {
	Kind      EventKind      `json:"kind"`
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId"`
	Status    Status         `json:"status"`
	Final     bool           `json:"final"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Payload returns the wire form of the event.
func (e Event) Payload() any {
	switch e.Kind {
	case KindTask:
		if e.Task != nil {
			return e.Task
		}
	case KindError:
		return map[string]any{"kind": KindError, "taskId": e.TaskID, "error": e.Error}
	}
	return &StatusUpdate{
		Kind:      KindStatusUpdate,
		TaskID:    e.TaskID,
		ContextID: e.ContextID,
		Status:    e.Status,
		Final:     e.Final,
		Metadata:  e.Metadata,
	}
}

// MetaInt64 reads an integer metadata value. JSON numbers and Go integer and
// float types are accepted. Values outside the int64 range saturate; NaN is
// rejected.
func MetaInt64(meta map[string]any, key string) (int64, bool) {
	switch v := meta[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return math.MaxInt64, true
		}
		return int64(v), true
	case float64:
		switch {
		case math.IsNaN(v):
			return 0, false
		case v >= math.MaxInt64:
			return math.MaxInt64, true
		case v <= math.MinInt64:
			return math.MinInt64, true
		}
		return int64(v), true
	case interface{ Int64() (int64, error) }:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// MetaFloat64 reads a numeric metadata value.
func MetaFloat64(meta map[string]any, key string) (float64, bool) {
	switch v := meta[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case interface{ Float64() (float64, error) }:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
