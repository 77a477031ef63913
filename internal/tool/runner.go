package tool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Observer receives one notification per finished call.
type Observer interface {
	ObserveToolCall(tool, status string, d time.Duration)
}

// Runner invokes registered tools. A Runner with an allow-list only runs
// the listed tools; the zero allow-list permits every registered tool.
type Runner struct {
	registry *Registry
	guard    *Guard
	allowed  map[string]bool
	observer Observer
	logger   *slog.Logger
}

type RunnerOption func(*Runner)

func WithGuard(g *Guard) RunnerOption { return func(r *Runner) { r.guard = g } }

func WithObserver(o Observer) RunnerOption { return func(r *Runner) { r.observer = o } }

func WithLogger(l *slog.Logger) RunnerOption { return func(r *Runner) { r.logger = l } }

func NewRunner(registry *Registry, opts ...RunnerOption) *Runner {
	r := &Runner{registry: registry, guard: NewGuard()}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "tool")
	return r
}

// Scoped returns a runner restricted to names.
func (r *Runner) Scoped(names []string) *Runner {
	cp := *r
	cp.allowed = make(map[string]bool, len(names))
	for _, n := range names {
		cp.allowed[n] = true
	}
	return &cp
}

// Timeout is the per-call deadline applied by this runner.
func (r *Runner) Timeout() time.Duration { return r.guard.Timeout }

func (r *Runner) Registry() *Registry { return r.registry }

func (r *Runner) Allows(name string) bool {
	if r.allowed == nil {
		return true
	}
	return r.allowed[name]
}

// Run executes one call. Every failure mode is reported in the Result;
// Run never returns an error.
func (r *Runner) Run(ctx context.Context, call Call, onChunk func(Chunk)) Result {
	res := r.run(ctx, call, onChunk)
	if r.observer != nil {
		r.observer.ObserveToolCall(call.Name, res.Status(), res.Duration)
	}
	r.logger.Debug("tool call finished", "tool", call.Name, "status", res.Status(), "duration", res.Duration)
	return res
}

func (r *Runner) run(ctx context.Context, call Call, onChunk func(Chunk)) Result {
	if !r.Allows(call.Name) {
		return Result{
			CallID:   call.ID,
			Tool:     call.Name,
			Rejected: true,
			Error:    fmt.Sprintf("tool %q is not available here; allowed tools: %s", call.Name, r.allowedList()),
		}
	}
	t, ok := r.registry.Get(call.Name)
	if !ok {
		return Result{CallID: call.ID, Tool: call.Name, Rejected: true, Error: fmt.Sprintf("tool %q not found", call.Name)}
	}

	args, err := SanitizeArgs(t.Parameters(), call.Args)
	if err != nil {
		return Result{CallID: call.ID, Tool: call.Name, Error: err.Error()}
	}
	call.Args = args

	if c, ok := t.(Confirmable); ok && !call.Confirmed {
		if prompt, required := c.RequiresConfirmation(args); required {
			return Result{CallID: call.ID, Tool: call.Name, Output: prompt, NeedsConfirmation: true}
		}
	}

	return r.guard.Sanitize(r.guard.Execute(ctx, t, call, onChunk))
}

func (r *Runner) allowedList() string {
	names := make([]string, 0, len(r.allowed))
	for n := range r.allowed {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// SanitizeArgs drops nil values and keys the schema does not declare, trims
// string values and checks required keys. A schema without properties
// accepts any keys.
func SanitizeArgs(schema map[string]any, args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	props, _ := schema["properties"].(map[string]any)
	for k, v := range args {
		if v == nil {
			continue
		}
		if len(props) > 0 {
			if _, declared := props[k]; !declared {
				continue
			}
		}
		if s, ok := v.(string); ok {
			v = strings.TrimSpace(s)
		}
		out[k] = v
	}
	for _, req := range requiredKeys(schema) {
		v, ok := out[req]
		if !ok || v == "" {
			return nil, fmt.Errorf("missing required argument %q", req)
		}
	}
	return out, nil
}

func requiredKeys(schema map[string]any) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []any:
		keys := make([]string, 0, len(v))
		for _, k := range v {
			if s, ok := k.(string); ok {
				keys = append(keys, s)
			}
		}
		return keys
	}
	return nil
}
