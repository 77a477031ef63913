package provider

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// ToolCallAccumulator assembles streamed tool call fragments into
// complete calls, keyed by fragment index.
type ToolCallAccumulator struct {
	calls map[int]*ToolCall
}

func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{calls: make(map[int]*ToolCall)}
}

// Add merges a fragment. It reports whether this fragment was the first
// one to carry the call's name, which is when callers announce the call.
func (a *ToolCallAccumulator) Add(d ToolCallDelta) bool {
	c, ok := a.calls[d.Index]
	if !ok {
		c = &ToolCall{}
		a.calls[d.Index] = c
	}
	if d.ID != "" {
		c.ID = d.ID
	}
	named := false
	if d.Name != "" && c.Name == "" {
		named = true
	}
	c.Name += d.Name
	c.Arguments += d.Arguments
	return named
}

func (a *ToolCallAccumulator) Len() int { return len(a.calls) }

// Calls returns the assembled calls ordered by index. Calls without an id
// get a synthetic one; empty argument text becomes "{}".
func (a *ToolCallAccumulator) Calls() []ToolCall {
	idx := make([]int, 0, len(a.calls))
	for i := range a.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]ToolCall, 0, len(idx))
	for _, i := range idx {
		c := *a.calls[i]
		if c.ID == "" {
			c.ID = fmt.Sprintf("call_%d", i)
		}
		if strings.TrimSpace(c.Arguments) == "" {
			c.Arguments = "{}"
		}
		out = append(out, c)
	}
	return out
}

// Collect drains a stream into a response: concatenated content and
// assembled tool calls. Thinking chunks are dropped.
func Collect(s ResponseStream) (*CompletionResponse, error) {
	defer func() { _ = s.Close() }()
	var b strings.Builder
	acc := NewToolCallAccumulator()
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch chunk.Type {
		case ChunkContent:
			b.WriteString(chunk.Content)
		case ChunkToolStart:
			if chunk.ToolCall != nil {
				acc.Add(*chunk.ToolCall)
			}
		case ChunkError:
			return nil, fmt.Errorf("stream error: %s", chunk.Content)
		}
	}
	resp := &CompletionResponse{Content: b.String()}
	if acc.Len() > 0 {
		resp.ToolCalls = acc.Calls()
	}
	return resp, nil
}

type staticStream struct {
	chunks []StreamChunk
	pos    int
}

// NewStaticStream replays fixed chunks followed by a done chunk.
func NewStaticStream(chunks ...StreamChunk) ResponseStream {
	return &staticStream{chunks: append(chunks, StreamChunk{Type: ChunkDone})}
}

// StreamFromResponse turns a complete response into a stream, for providers
// and fakes that only implement Complete.
func StreamFromResponse(resp *CompletionResponse) ResponseStream {
	var chunks []StreamChunk
	if resp.Content != "" {
		chunks = append(chunks, StreamChunk{Type: ChunkContent, Content: resp.Content})
	}
	for i, tc := range resp.ToolCalls {
		chunks = append(chunks, StreamChunk{Type: ChunkToolStart, ToolCall: &ToolCallDelta{
			Index: i, ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
		}})
	}
	return NewStaticStream(chunks...)
}

func (s *staticStream) Recv() (StreamChunk, error) {
	if s.pos >= len(s.chunks) {
		return StreamChunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *staticStream) Close() error { return nil }

// sseReader yields the data payloads of a server-sent event stream.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &sseReader{scanner: sc}
}

// next returns the next data payload, or io.EOF.
func (r *sseReader) next() (string, error) {
	for r.scanner.Scan() {
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		return strings.TrimSpace(strings.TrimPrefix(line, "data:")), nil
	}
	if err := r.scanner.Err(); err != nil {
		return "", fmt.Errorf("read stream: %w", err)
	}
	return "", io.EOF
}
