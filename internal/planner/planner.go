// Package planner turns a request into a validated plan.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/opentalon/stepflow/internal/plan"
	"github.com/opentalon/stepflow/internal/provider"
)

const (
	DefaultMaxAttempts = 3
	// FailedDescription marks the empty plan returned when no attempt
	// produced a usable plan.
	FailedDescription = "planner failed"

	historyWindow = 10
)

// Capability is a tool or skill the plan may reference.
type Capability struct {
	Name        string
	Description string
}

type Input struct {
	Request string
	History []provider.Message
	Tools   []Capability
	Skills  []Capability
	// Feedback explains why the previous plan was abandoned.
	Feedback string
}

// Event carries either a streamed token or the final plan. The last event
// on a channel always carries the plan unless ctx ended first.
// Event is a planning token, the final plan, or Err when generation
// broke down without one.
type Event struct {
	Token string
	Plan  *plan.Plan
	Err   error
}

type Planner struct {
	llm         provider.Client
	model       string
	maxAttempts int
	logger      *slog.Logger
}

type Option func(*Planner)

func WithModel(m string) Option { return func(p *Planner) { p.model = m } }

func WithMaxAttempts(n int) Option { return func(p *Planner) { p.maxAttempts = n } }

func WithLogger(l *slog.Logger) Option { return func(p *Planner) { p.logger = l } }

func New(llm provider.Client, opts ...Option) *Planner {
	p := &Planner{llm: llm, maxAttempts: DefaultMaxAttempts}
	for _, o := range opts {
		o(p)
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = DefaultMaxAttempts
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "planner")
	return p
}

// Generate streams planning tokens and finishes with a plan. Malformed
// output is retried with the parse error fed back to the model.
func (p *Planner) Generate(ctx context.Context, in Input) <-chan Event {
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		send := func(e Event) bool {
			select {
			case ch <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}
		defer func() {
			if v := recover(); v != nil {
				p.logger.Error("planner panicked", "panic", v, "stack", string(debug.Stack()))
				send(Event{Err: fmt.Errorf("planner panicked: %v", v)})
			}
		}()
		if isConversational(in.Request) {
			send(Event{Plan: conversationalPlan()})
			return
		}

		msgs := buildMessages(systemPrompt(in), in)
		for attempt := 1; attempt <= p.maxAttempts; attempt++ {
			out, err := p.stream(ctx, msgs, send)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				p.logger.Warn("plan generation failed", "attempt", attempt, "error", err)
				continue
			}
			if confused(out) {
				p.logger.Info("planner echoed its prompt, answering directly", "attempt", attempt)
				send(Event{Plan: conversationalPlan()})
				return
			}
			pl, err := Parse(out, in.Tools, in.Skills)
			if err == nil {
				send(Event{Plan: pl})
				return
			}
			p.logger.Warn("invalid plan", "attempt", attempt, "error", err)
			msgs = append(msgs,
				provider.Message{Role: provider.RoleAssistant, Content: out},
				provider.Message{Role: provider.RoleUser, Content: fmt.Sprintf(
					"That plan was rejected: %v. Reply with the corrected plan as a single JSON object only.", err)},
			)
		}
		p.logger.Error("planner exhausted attempts", "attempts", p.maxAttempts)
		send(Event{Plan: &plan.Plan{Description: FailedDescription}})
	}()
	return ch
}

func (p *Planner) stream(ctx context.Context, msgs []provider.Message, send func(Event) bool) (string, error) {
	stream, err := p.llm.Stream(ctx, &provider.CompletionRequest{Model: p.model, Messages: msgs, Stream: true})
	if err != nil {
		return "", err
	}
	defer func() { _ = stream.Close() }()

	var b strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return b.String(), nil
		}
		if err != nil {
			return "", err
		}
		switch chunk.Type {
		case provider.ChunkContent:
			b.WriteString(chunk.Content)
			if !send(Event{Token: chunk.Content}) {
				return "", ctx.Err()
			}
		case provider.ChunkError:
			return "", errors.New(chunk.Content)
		case provider.ChunkDone:
			return b.String(), nil
		}
	}
}

func conversationalPlan() *plan.Plan {
	return &plan.Plan{
		Description: "conversational reply",
		Steps: []plan.Step{{
			ID:          "respond",
			Label:       "Reply",
			Executor:    plan.ExecutorLiteLLM,
			Action:      plan.ActionCompletion,
			Description: "Reply to the user directly.",
		}},
	}
}

type rawPlan struct {
	Description string      `json:"description"`
	Steps       []plan.Step `json:"steps"`
}

// Parse decodes and validates model output. Inconsistent executor/action
// pairs are corrected; anything else wrong is an error.
func Parse(out string, tools, skills []Capability) (*plan.Plan, error) {
	raw, ok := plan.ExtractObject(out)
	if !ok {
		return nil, errors.New("no JSON object found")
	}
	var rp rawPlan
	if err := json.Unmarshal([]byte(raw), &rp); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	pl := &plan.Plan{Description: rp.Description, Steps: rp.Steps}
	if err := Validate(pl, tools, skills); err != nil {
		return nil, err
	}
	return pl, nil
}

// Validate checks pl in place. Empty catalogs skip the name checks.
func Validate(pl *plan.Plan, tools, skills []Capability) error {
	if len(pl.Steps) == 0 {
		return errors.New("plan has no steps")
	}
	known := func(list []Capability, name string) bool {
		if len(list) == 0 {
			return true
		}
		for _, c := range list {
			if c.Name == name {
				return true
			}
		}
		return false
	}
	ids := make(map[string]bool, len(pl.Steps))
	for i := range pl.Steps {
		s := &pl.Steps[i]
		if s.ID == "" {
			s.ID = fmt.Sprintf("step_%d", i+1)
		}
		if ids[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		ids[s.ID] = true

		s.Action = plan.Action(strings.ToLower(strings.TrimSpace(string(s.Action))))
		s.Executor = plan.Executor(strings.ToLower(strings.TrimSpace(string(s.Executor))))
		if !s.Action.Valid() {
			return fmt.Errorf("step %s: unknown action %q", s.ID, s.Action)
		}
		s.Normalize()
		if _, err := plan.Dispatch(*s); err != nil {
			return fmt.Errorf("step %s: %w", s.ID, err)
		}
		switch s.Action {
		case plan.ActionTool:
			if s.Tool == "" {
				return fmt.Errorf("step %s: tool step without a tool name", s.ID)
			}
			if !known(tools, s.Tool) {
				return fmt.Errorf("step %s: unknown tool %q", s.ID, s.Tool)
			}
		case plan.ActionSkill:
			if s.Tool == "" {
				return fmt.Errorf("step %s: skill step without a skill name", s.ID)
			}
			if !known(skills, s.Tool) {
				return fmt.Errorf("step %s: unknown skill %q", s.ID, s.Tool)
			}
		}
	}
	return nil
}
