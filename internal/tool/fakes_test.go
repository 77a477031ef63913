package tool

import (
	"context"
	"sync/atomic"
	"time"
)

type echoTool struct {
	name   string
	params map[string]any
	calls  atomic.Int32
}

func (e *echoTool) Name() string        { return e.name }
func (e *echoTool) Description() string { return "echoes its text argument" }
func (e *echoTool) Parameters() map[string]any {
	if e.params != nil {
		return e.params
	}
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
	}
}
func (e *echoTool) Run(_ context.Context, args map[string]any) (string, error) {
	e.calls.Add(1)
	return "echo: " + GetString(args, "text"), nil
}

type sleepTool struct{ d time.Duration }

func (s *sleepTool) Name() string               { return "sleep" }
func (s *sleepTool) Description() string        { return "sleeps" }
func (s *sleepTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (s *sleepTool) Run(ctx context.Context, _ map[string]any) (string, error) {
	time.Sleep(s.d)
	return "woke up", nil
}

type streamTool struct{ parts []string }

func (s *streamTool) Name() string               { return "stream" }
func (s *streamTool) Description() string        { return "streams parts" }
func (s *streamTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (s *streamTool) Run(ctx context.Context, args map[string]any) (string, error) {
	return "", nil
}
func (s *streamTool) RunStream(_ context.Context, _ map[string]any) (<-chan Chunk, error) {
	ch := make(chan Chunk, len(s.parts))
	for _, p := range s.parts {
		ch <- Chunk{Type: ChunkOutput, Content: p}
	}
	close(ch)
	return ch, nil
}

type confirmTool struct{ echoTool }

func (c *confirmTool) RequiresConfirmation(args map[string]any) (string, bool) {
	return "Really delete " + GetString(args, "text") + "? Reply yes to continue.", true
}

type panicTool struct{}

func (panicTool) Name() string               { return "panic" }
func (panicTool) Description() string        { return "panics" }
func (panicTool) Parameters() map[string]any { return nil }
func (panicTool) Run(context.Context, map[string]any) (string, error) {
	panic("boom")
}
