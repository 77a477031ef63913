package event

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStreamPreservesOrder(t *testing.T) {
	s := NewStream(1)
	go func() {
		defer s.Close()
		for _, typ := range []Type{TraceInfo, Plan, Content, HistorySnapshot} {
			if err := s.Emit(context.Background(), Event{Type: typ}); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	got := Collect(s.Events())
	want := []Type{TraceInfo, Plan, Content, HistorySnapshot}
	if len(got) != len(want) {
		t.Fatalf("events = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Type != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, got[i].Type, want[i])
		}
	}
}

func TestStreamEmitHonoursContext(t *testing.T) {
	s := NewStream(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Emit(ctx, Event{Type: Content})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	s := NewStream(0)
	s.Close()
	s.Close()
	if _, ok := <-s.Events(); ok {
		t.Error("closed stream delivered an event")
	}
}

func TestRecorderOfType(t *testing.T) {
	var r Recorder
	_ = r.Emit(context.Background(), Event{Type: Thinking, Content: "a"})
	_ = r.Emit(context.Background(), Event{Type: Content, Content: "b"})
	_ = r.Emit(context.Background(), Event{Type: Thinking, Content: "c"})

	if n := len(r.OfType(Thinking)); n != 2 {
		t.Errorf("thinking events = %d, want 2", n)
	}
	if len(r.Events()) != 3 {
		t.Errorf("events = %d", len(r.Events()))
	}
}
