// Package tool defines callable tools, the registry that holds them and the
// runner that invokes them with argument sanitation, allow-listing and a
// per-call deadline.
package tool

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Tool is a plain request/response tool.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema of the tool's arguments.
	Parameters() map[string]any
	Run(ctx context.Context, args map[string]any) (string, error)
}

// Chunk is one piece of streamed tool output.
type Chunk struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

const (
	ChunkOutput = "output"
	ChunkError  = "error"
)

// StreamingTool produces its output incrementally. The returned channel is
// closed by the tool when it is done.
type StreamingTool interface {
	Tool
	RunStream(ctx context.Context, args map[string]any) (<-chan Chunk, error)
}

// Confirmable tools may ask the user to confirm before they run. The
// returned prompt is shown to the user verbatim.
type Confirmable interface {
	RequiresConfirmation(args map[string]any) (prompt string, required bool)
}

// Call is a request to run one tool.
type Call struct {
	ID        string
	Name      string
	Args      map[string]any
	Confirmed bool
}

// Result is the structured outcome of one call. Exactly one of Output or
// Error is meaningful; Error is empty on success.
type Result struct {
	CallID            string        `json:"call_id"`
	Tool              string        `json:"tool"`
	Output            string        `json:"output,omitempty"`
	Error             string        `json:"error,omitempty"`
	Rejected          bool          `json:"rejected,omitempty"`
	TimedOut          bool          `json:"timed_out,omitempty"`
	NeedsConfirmation bool          `json:"needs_confirmation,omitempty"`
	Duration          time.Duration `json:"duration"`
}

func (r Result) Failed() bool { return r.Error != "" }

// Status is a short label for logs and metrics.
func (r Result) Status() string {
	switch {
	case r.Rejected:
		return "rejected"
	case r.TimedOut:
		return "timeout"
	case r.NeedsConfirmation:
		return "confirm"
	case r.Failed():
		return "error"
	}
	return "ok"
}

// Text is what a model sees as the call's result.
func (r Result) Text() string {
	if r.Failed() {
		return "Error: " + r.Error
	}
	return r.Output
}

// GetString returns args[key] as a string, formatting scalars.
func GetString(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// GetInt returns args[key] as an int, or def when absent or unparsable.
func GetInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
