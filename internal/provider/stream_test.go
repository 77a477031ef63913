package provider

import (
	"io"
	"testing"
)

func TestToolCallAccumulator(t *testing.T) {
	acc := NewToolCallAccumulator()
	if !acc.Add(ToolCallDelta{Index: 0, ID: "call_a", Name: "search"}) {
		t.Error("first named fragment should report true")
	}
	if acc.Add(ToolCallDelta{Index: 0, Arguments: `{"q":`}) {
		t.Error("argument fragment should report false")
	}
	acc.Add(ToolCallDelta{Index: 0, Arguments: `"go"}`})
	acc.Add(ToolCallDelta{Index: 1, Name: "noop"})

	calls := acc.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[0].ID != "call_a" || calls[0].Name != "search" || calls[0].Arguments != `{"q":"go"}` {
		t.Errorf("calls[0] = %+v", calls[0])
	}
	if calls[1].ID != "call_1" {
		t.Errorf("synthetic id = %q", calls[1].ID)
	}
	if calls[1].Arguments != "{}" {
		t.Errorf("empty arguments = %q, want {}", calls[1].Arguments)
	}
}

func TestStaticStreamEndsWithDone(t *testing.T) {
	s := NewStaticStream(StreamChunk{Type: ChunkContent, Content: "hi"})
	first, _ := s.Recv()
	if first.Content != "hi" {
		t.Errorf("first = %+v", first)
	}
	done, _ := s.Recv()
	if done.Type != ChunkDone {
		t.Errorf("second type = %q, want done", done.Type)
	}
	if _, err := s.Recv(); err != io.EOF {
		t.Errorf("err = %v, want EOF", err)
	}
}

func TestCollectAssemblesToolCalls(t *testing.T) {
	s := StreamFromResponse(&CompletionResponse{
		Content:   "calling",
		ToolCalls: []ToolCall{{ID: "1", Name: "lights", Arguments: `{"room":"kitchen"}`}},
	})
	resp, err := Collect(s)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "calling" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "lights" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
}

func TestCollectStreamError(t *testing.T) {
	s := NewStaticStream(StreamChunk{Type: ChunkError, Content: "boom"})
	if _, err := Collect(s); err == nil {
		t.Fatal("expected error")
	}
}
