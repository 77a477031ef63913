// Package plan holds the data model shared by the planner, the executors
// and the orchestrator: plans, steps, step results and outcomes.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opentalon/stepflow/internal/provider"
)

type Executor string

const (
	ExecutorAgent   Executor = "agent"
	ExecutorSkill   Executor = "skill"
	ExecutorLiteLLM Executor = "litellm"
)

type Action string

const (
	ActionTool       Action = "tool"
	ActionSkill      Action = "skill"
	ActionMemory     Action = "memory"
	ActionCompletion Action = "completion"
)

func (a Action) Valid() bool {
	switch a {
	case ActionTool, ActionSkill, ActionMemory, ActionCompletion:
		return true
	}
	return false
}

// Step is one unit of work in a plan. Tool names the tool for tool steps
// and the skill for skill steps.
type Step struct {
	ID          string         `json:"id" yaml:"id"`
	Label       string         `json:"label,omitempty" yaml:"label,omitempty"`
	Executor    Executor       `json:"executor" yaml:"executor"`
	Action      Action         `json:"action" yaml:"action"`
	Tool        string         `json:"tool,omitempty" yaml:"tool,omitempty"`
	Args        map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Provider    string         `json:"provider,omitempty" yaml:"provider,omitempty"`
}

// Title is the human label for progress events.
func (s Step) Title() string {
	if s.Label != "" {
		return s.Label
	}
	if s.Description != "" {
		return s.Description
	}
	if s.Tool != "" {
		return fmt.Sprintf("%s %s", s.Action, s.Tool)
	}
	return string(s.Action)
}

// Normalize forces the executor that matches the step's action. It reports
// whether the step was changed.
func (s *Step) Normalize() bool {
	want := s.Executor
	switch s.Action {
	case ActionTool:
		want = ExecutorAgent
	case ActionSkill:
		want = ExecutorSkill
	case ActionCompletion:
		if s.Executor == "" || s.Executor == ExecutorSkill {
			want = ExecutorLiteLLM
		}
	case ActionMemory:
		if s.Executor == "" || s.Executor == ExecutorSkill {
			want = ExecutorAgent
		}
	}
	if want == s.Executor {
		return false
	}
	s.Executor = want
	return true
}

type Plan struct {
	Description string `json:"description" yaml:"description"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

// HasCompletion reports whether any step synthesizes the final answer.
func (p *Plan) HasCompletion() bool {
	for _, s := range p.Steps {
		if s.Action == ActionCompletion {
			return true
		}
	}
	return false
}

// Route is the closed set of dispatch targets for a step.
type Route int

const (
	RouteTool Route = iota + 1
	RouteSkill
	RouteMemory
	RouteCompletion
)

func (r Route) String() string {
	switch r {
	case RouteTool:
		return "tool"
	case RouteSkill:
		return "skill"
	case RouteMemory:
		return "memory"
	case RouteCompletion:
		return "completion"
	}
	return "unknown"
}

var ErrIllegalDispatch = errors.New("illegal executor/action combination")

// Dispatch maps an (executor, action) pair onto a route. Pairs outside the
// table are rejected rather than guessed.
func Dispatch(s Step) (Route, error) {
	switch {
	case s.Action == ActionTool && s.Executor == ExecutorAgent:
		return RouteTool, nil
	case s.Action == ActionSkill && s.Executor == ExecutorSkill:
		return RouteSkill, nil
	case s.Action == ActionMemory && (s.Executor == ExecutorAgent || s.Executor == ExecutorLiteLLM):
		return RouteMemory, nil
	case s.Action == ActionCompletion && (s.Executor == ExecutorLiteLLM || s.Executor == ExecutorAgent):
		return RouteCompletion, nil
	}
	return 0, fmt.Errorf("%w: executor=%q action=%q", ErrIllegalDispatch, s.Executor, s.Action)
}

type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
	StatusMissing Status = "missing"
)

// Common result keys.
const (
	KeyOutput      = "output"
	KeySourceCount = "source_count"
	KeyError       = "error"
	KeyReason      = "reason"
	KeyContent     = "content"
	KeyStatus      = "status"
)

// StepResult is the outcome of one step attempt. A retry produces a new
// result; results are not mutated after they are returned.
type StepResult struct {
	Status   Status             `json:"status"`
	Result   map[string]any     `json:"result,omitempty"`
	Messages []provider.Message `json:"messages,omitempty"`
}

func OK(output string) *StepResult {
	return &StepResult{Status: StatusOK, Result: map[string]any{KeyOutput: output}}
}

func Failed(format string, args ...any) *StepResult {
	return &StepResult{Status: StatusError, Result: map[string]any{KeyError: fmt.Sprintf(format, args...)}}
}

func Missing(format string, args ...any) *StepResult {
	return &StepResult{Status: StatusMissing, Result: map[string]any{KeyError: fmt.Sprintf(format, args...)}}
}

func (r *StepResult) String(key string) string {
	if r == nil || r.Result == nil {
		return ""
	}
	switch v := r.Result[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

func (r *StepResult) Output() string { return r.String(KeyOutput) }

func (r *StepResult) Int(key string) int {
	if r == nil || r.Result == nil {
		return 0
	}
	switch v := r.Result[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// ErrorText joins every failure detail the result carries, for pattern
// scanning and reviewer prompts.
func (r *StepResult) ErrorText() string {
	if r == nil {
		return ""
	}
	var parts []string
	for _, k := range []string{KeyError, KeyReason, KeyOutput} {
		if s := r.String(k); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeRetry   Outcome = "RETRY"
	OutcomeReplan  Outcome = "REPLAN"
	OutcomeAbort   Outcome = "ABORT"
)

// ParseOutcome accepts any casing and reports false for unknown values.
func ParseOutcome(s string) (Outcome, bool) {
	switch o := Outcome(strings.ToUpper(strings.TrimSpace(s))); o {
	case OutcomeSuccess, OutcomeRetry, OutcomeReplan, OutcomeAbort:
		return o, true
	}
	return "", false
}
