// Package supervisor classifies finished steps into outcomes.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opentalon/stepflow/internal/plan"
	"github.com/opentalon/stepflow/internal/provider"
)

// Review is the supervisor's verdict on one step attempt.
type Review struct {
	Outcome      plan.Outcome
	Reason       string
	SuggestedFix string
	// Auto is set when the verdict came from pattern matching rather than
	// the reviewer model.
	Auto bool
}

type Supervisor struct {
	patterns []Pattern
	llm      provider.Client
	model    string
	logger   *slog.Logger
}

type Option func(*Supervisor)

// WithPatterns replaces the auto-replan patterns. An empty list disables
// the fast path.
func WithPatterns(p []Pattern) Option {
	return func(s *Supervisor) { s.patterns = compile(p) }
}

func WithModel(m string) Option { return func(s *Supervisor) { s.model = m } }

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

// New returns a supervisor. llm may be nil, in which case results that
// escape the fast path are judged by status alone.
func New(llm provider.Client, opts ...Option) *Supervisor {
	s := &Supervisor{llm: llm, patterns: compile(DefaultPatterns())}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "supervisor")
	return s
}

// Review classifies res. retryCount is how many times the step has already
// been retried; RETRY is only returned while it is zero.
func (s *Supervisor) Review(ctx context.Context, step plan.Step, res *plan.StepResult, retryCount int) Review {
	v := s.review(ctx, step, res)
	if v.Outcome == plan.OutcomeRetry && retryCount >= 1 {
		v.Outcome = plan.OutcomeReplan
		v.Reason = "Retry limit reached: " + v.Reason
	}
	return v
}

func (s *Supervisor) review(ctx context.Context, step plan.Step, res *plan.StepResult) Review {
	if step.Action == plan.ActionCompletion {
		return Review{Outcome: plan.OutcomeSuccess}
	}
	if res == nil {
		return Review{Outcome: plan.OutcomeReplan, Reason: "Step produced no result", Auto: true}
	}
	switch res.Status {
	case plan.StatusSkipped:
		return Review{Outcome: plan.OutcomeSuccess, Reason: res.String(plan.KeyReason)}
	case plan.StatusMissing:
		return Review{Outcome: plan.OutcomeReplan, Reason: "Unavailable: " + detail(res.ErrorText()), Auto: true}
	case plan.StatusError:
		if v, ok := s.autoReplan(res); ok {
			s.logger.Debug("auto-replan", "step", step.ID, "reason", v.Reason)
			return v
		}
	}

	if s.llm == nil {
		return fallback(res)
	}
	v, err := s.ask(ctx, step, res)
	if err != nil {
		s.logger.Warn("reviewer failed, judging by status", "step", step.ID, "error", err)
		return fallback(res)
	}
	return v
}

// autoReplan scans error text in pattern priority order.
func (s *Supervisor) autoReplan(res *plan.StepResult) (Review, bool) {
	text := strings.ToLower(res.ErrorText())
	if text == "" {
		return Review{}, false
	}
	for _, p := range s.patterns {
		if p.match(text) {
			return Review{
				Outcome: plan.OutcomeReplan,
				Reason:  p.Reason + ": " + detail(res.ErrorText()),
				Auto:    true,
			}, true
		}
	}
	return Review{}, false
}

func fallback(res *plan.StepResult) Review {
	if res.Status == plan.StatusError {
		return Review{Outcome: plan.OutcomeReplan, Reason: "Step failed: " + detail(res.ErrorText())}
	}
	return Review{Outcome: plan.OutcomeSuccess}
}

type verdict struct {
	Outcome      string `json:"outcome"`
	Reason       string `json:"reason"`
	SuggestedFix string `json:"suggested_fix"`
}

const reviewPrompt = `You review the result of one step of an automated plan.
Answer with a single JSON object and nothing else:
{"outcome": "SUCCESS|RETRY|REPLAN|ABORT", "reason": "...", "suggested_fix": "..."}
SUCCESS: the step did what it was asked. RETRY: a transient problem that the same step may fix on a second attempt.
REPLAN: the approach is wrong and a different plan is needed. ABORT: the request cannot be completed and must stop.`

func (s *Supervisor) ask(ctx context.Context, step plan.Step, res *plan.StepResult) (Review, error) {
	body, err := json.Marshal(res.Result)
	if err != nil {
		return Review{}, fmt.Errorf("marshal result: %w", err)
	}
	user := fmt.Sprintf("Step %s (%s %s): %s\nStatus: %s\nResult: %s",
		step.ID, step.Action, step.Tool, step.Title(), res.Status, truncate(string(body), 4000))

	out, err := provider.Generate(ctx, s.llm, []provider.Message{
		{Role: provider.RoleSystem, Content: reviewPrompt},
		{Role: provider.RoleUser, Content: user},
	}, s.model)
	if err != nil {
		return Review{}, err
	}
	raw, ok := plan.ExtractObject(out)
	if !ok {
		return Review{}, fmt.Errorf("reviewer returned no JSON: %q", truncate(out, 200))
	}
	var v verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Review{}, fmt.Errorf("parse verdict: %w", err)
	}
	outcome, ok := plan.ParseOutcome(v.Outcome)
	if !ok {
		return Review{}, fmt.Errorf("unknown outcome %q", v.Outcome)
	}
	return Review{Outcome: outcome, Reason: v.Reason, SuggestedFix: v.SuggestedFix}, nil
}

// detail is the first line of an error message, shortened for reasons.
func detail(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncate(s, 200)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
