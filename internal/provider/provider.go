package provider

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type Message struct {
	Role       Role       `json:"role" yaml:"role"`
	Content    string     `json:"content" yaml:"content"`
	Name       string     `json:"name,omitempty" yaml:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty" yaml:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty" yaml:"tool_call_id,omitempty"`
}

// ToolCall is a fully assembled tool invocation requested by the model.
// Arguments holds the raw JSON object text as produced by the model.
type ToolCall struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Arguments string `json:"arguments" yaml:"arguments"`
}

// ToolDefinition describes a callable tool in the function-calling format.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type CompletionRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type CompletionResponse struct {
	ID           string     `json:"id"`
	Model        string     `json:"model"`
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        Usage      `json:"usage"`
}

// ChunkType discriminates stream chunks.
type ChunkType string

const (
	ChunkContent   ChunkType = "content"
	ChunkToolStart ChunkType = "tool_start"
	ChunkThinking  ChunkType = "thinking"
	ChunkError     ChunkType = "error"
	ChunkDone      ChunkType = "done"
)

// ToolCallDelta is one fragment of a streamed tool call. Fragments sharing an
// Index belong to the same call; Name and Arguments arrive piecewise.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type StreamChunk struct {
	Type     ChunkType      `json:"type"`
	Content  string         `json:"content,omitempty"`
	ToolCall *ToolCallDelta `json:"tool_call,omitempty"`
}

// ResponseStream yields chunks until Recv returns io.EOF.
type ResponseStream interface {
	Recv() (StreamChunk, error)
	Close() error
}

// Client is the narrow completion surface the engine depends on.
type Client interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	Stream(ctx context.Context, req *CompletionRequest) (ResponseStream, error)
}

type Provider interface {
	Client
	ID() string
	Models() []ModelInfo
	SupportsFeature(feature Feature) bool
}

// Generate runs a plain completion over messages and returns the text.
func Generate(ctx context.Context, c Client, messages []Message, model string) (string, error) {
	resp, err := c.Complete(ctx, &CompletionRequest{Model: model, Messages: messages})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
