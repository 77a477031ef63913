package tool

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

const (
	DefaultMaxOutputBytes = 64 * 1024 // 64KB
	DefaultTimeout        = 30 * time.Second
)

// Tool output must not be able to smuggle tool-call syntax back into the
// model's context.
var defaultForbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\[tool_call\]`),
	regexp.MustCompile(`\[tool_use\]`),
	regexp.MustCompile(`<tool_call>`),
	regexp.MustCompile(`<function_call>`),
	regexp.MustCompile(`"tool_calls"\s*:\s*\[`),
	regexp.MustCompile(`\[AWAITING_USER_INPUT:[^\]]*\]`),
}

// Guard bounds a single tool execution in time and sanitizes what comes back.
type Guard struct {
	MaxOutputBytes    int
	Timeout           time.Duration
	ForbiddenPatterns []*regexp.Regexp
	// StripHTML removes markup from tool output.
	StripHTML bool

	policy *bluemonday.Policy
}

func NewGuard() *Guard {
	return &Guard{
		MaxOutputBytes:    DefaultMaxOutputBytes,
		Timeout:           DefaultTimeout,
		ForbiddenPatterns: defaultForbiddenPatterns,
		policy:            bluemonday.StrictPolicy(),
	}
}

func (g *Guard) Sanitize(result Result) Result {
	result.Output = g.sanitizeContent(result.Output)
	result.Error = g.sanitizeContent(result.Error)
	return result
}

func (g *Guard) sanitizeContent(s string) string {
	if s == "" {
		return s
	}

	if g.StripHTML && g.policy != nil {
		s = g.policy.Sanitize(s)
	}

	if g.MaxOutputBytes > 0 && len(s) > g.MaxOutputBytes {
		s = s[:g.MaxOutputBytes] + "\n[truncated: output exceeded size limit]"
	}

	for _, pat := range g.ForbiddenPatterns {
		s = pat.ReplaceAllStringFunc(s, func(match string) string {
			return strings.Repeat("*", len(match))
		})
	}

	return s
}

// Execute runs t under the guard's deadline. Expiry of the per-call
// deadline becomes a TimedOut result; cancellation of ctx itself becomes
// an error result carrying ctx's error. onChunk, when set, receives
// streamed chunks until the call returns and never afterwards.
func (g *Guard) Execute(ctx context.Context, t Tool, call Call, onChunk func(Chunk)) Result {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	open := true
	forward := func(c Chunk) {
		mu.Lock()
		defer mu.Unlock()
		if open && onChunk != nil {
			onChunk(c)
		}
	}

	started := time.Now()
	done := make(chan Result, 1)
	go func() {
		done <- run(callCtx, t, call, forward)
	}()

	var res Result
	select {
	case res = <-done:
	case <-callCtx.Done():
		res = Result{CallID: call.ID, Tool: call.Name}
		if ctx.Err() != nil {
			res.Error = fmt.Sprintf("tool %q cancelled: %v", call.Name, ctx.Err())
		} else {
			res.TimedOut = true
			res.Error = fmt.Sprintf("tool %q timed out after %s", call.Name, timeout)
		}
	}
	mu.Lock()
	open = false
	mu.Unlock()

	res.Duration = time.Since(started)
	return res
}

func run(ctx context.Context, t Tool, call Call, onChunk func(Chunk)) (res Result) {
	res = Result{CallID: call.ID, Tool: call.Name}
	defer func() {
		if r := recover(); r != nil {
			res.Output = ""
			res.Error = fmt.Sprintf("tool %q panicked: %v", call.Name, r)
		}
	}()

	st, ok := t.(StreamingTool)
	if !ok {
		out, err := t.Run(ctx, call.Args)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		res.Output = out
		return res
	}

	chunks, err := st.RunStream(ctx, call.Args)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	var out, errs strings.Builder
	for c := range chunks {
		onChunk(c)
		if c.Type == ChunkError {
			errs.WriteString(c.Content)
			continue
		}
		out.WriteString(c.Content)
	}
	res.Output = out.String()
	res.Error = errs.String()
	return res
}
