// Package event defines the typed progress events a request emits and the
// sinks that carry them to the caller.
package event

import (
	"context"
	"sync"
)

type Type string

const (
	TraceInfo       Type = "trace_info"
	Plan            Type = "plan"
	StepStart       Type = "step_start"
	ToolStart       Type = "tool_start"
	ToolOutput      Type = "tool_output"
	Thinking        Type = "thinking"
	Content         Type = "content"
	SkillActivity   Type = "skill_activity"
	AwaitingInput   Type = "awaiting_input"
	StepOutcome     Type = "step_outcome"
	HistorySnapshot Type = "history_snapshot"
	Error           Type = "error"
)

type Event struct {
	Type     Type           `json:"type"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Sink receives events in order. Emit blocks until the event is accepted
// or ctx is done.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// Stream is a bounded channel sink. A slow reader back-pressures the
// producer once the buffer is full.
type Stream struct {
	ch   chan Event
	once sync.Once
}

func NewStream(buffer int) *Stream {
	if buffer < 0 {
		buffer = 0
	}
	return &Stream{ch: make(chan Event, buffer)}
}

func (s *Stream) Events() <-chan Event { return s.ch }

func (s *Stream) Emit(ctx context.Context, e Event) error {
	select {
	case s.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream. Only the producer may call it.
func (s *Stream) Close() {
	s.once.Do(func() { close(s.ch) })
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Collect drains a channel until it is closed.
func Collect(ch <-chan Event) []Event {
	var out []Event
	for e := range ch {
		out = append(out, e)
	}
	return out
}
