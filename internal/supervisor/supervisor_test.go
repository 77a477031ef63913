package supervisor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/opentalon/stepflow/internal/plan"
	"github.com/opentalon/stepflow/internal/provider"
)

type fakeLLM struct {
	reply string
	err   error
	calls int
}

func (f *fakeLLM) Complete(context.Context, *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &provider.CompletionResponse{Content: f.reply}, nil
}

func (f *fakeLLM) Stream(ctx context.Context, req *provider.CompletionRequest) (provider.ResponseStream, error) {
	resp, err := f.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return provider.StreamFromResponse(resp), nil
}

var skillStep = plan.Step{ID: "s1", Executor: plan.ExecutorSkill, Action: plan.ActionSkill, Tool: "web"}

func errorResult(msg string) *plan.StepResult {
	return &plan.StepResult{Status: plan.StatusError, Result: map[string]any{plan.KeyError: msg}}
}

func TestAutoReplanNotFoundSkipsReviewer(t *testing.T) {
	llm := &fakeLLM{reply: `{"outcome":"SUCCESS"}`}
	s := New(llm)

	v := s.Review(context.Background(), skillStep, errorResult("Error: 404 Not Found"), 0)
	if v.Outcome != plan.OutcomeReplan || !v.Auto {
		t.Fatalf("review = %+v", v)
	}
	if !strings.Contains(v.Reason, "Resource not found") {
		t.Errorf("reason = %q", v.Reason)
	}
	if llm.calls != 0 {
		t.Errorf("reviewer called %d times", llm.calls)
	}
}

func TestAutoReplanPriority(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"401 Unauthorized: token expired, resource not found", "Authentication failed"},
		{"file does not exist", "Resource not found"},
		{`tool "search" timed out after 30s`, "Operation timed out"},
		{"upstream exception", "Step failed"},
	}
	s := New(nil)
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			v := s.Review(context.Background(), skillStep, errorResult(tt.msg), 0)
			if v.Outcome != plan.OutcomeReplan || !strings.HasPrefix(v.Reason, tt.want+": ") {
				t.Errorf("review = %+v", v)
			}
		})
	}
}

func TestSuccessNeverAutoReplans(t *testing.T) {
	llm := &fakeLLM{reply: `{"outcome":"SUCCESS","reason":"fine"}`}
	s := New(llm)
	res := plan.OK("Error handling guide: 404 Not Found means the page is missing.")

	v := s.Review(context.Background(), skillStep, res, 0)
	if v.Outcome != plan.OutcomeSuccess || v.Auto {
		t.Errorf("review = %+v", v)
	}
	if llm.calls != 1 {
		t.Errorf("reviewer calls = %d, want 1", llm.calls)
	}
}

func TestCompletionBypassesReview(t *testing.T) {
	llm := &fakeLLM{reply: `{"outcome":"ABORT"}`}
	v := New(llm).Review(context.Background(), plan.Step{Action: plan.ActionCompletion, Executor: plan.ExecutorLiteLLM}, errorResult("boom"), 0)
	if v.Outcome != plan.OutcomeSuccess || llm.calls != 0 {
		t.Errorf("review = %+v calls = %d", v, llm.calls)
	}
}

func TestRetryHonoredOnce(t *testing.T) {
	llm := &fakeLLM{reply: "```json\n{\"outcome\":\"retry\",\"reason\":\"flaky\",\"suggested_fix\":\"try page 2\"}\n```"}
	s := New(llm, WithPatterns(nil))
	res := errorResult("something odd")

	first := s.Review(context.Background(), skillStep, res, 0)
	if first.Outcome != plan.OutcomeRetry || first.SuggestedFix != "try page 2" {
		t.Fatalf("first = %+v", first)
	}
	second := s.Review(context.Background(), skillStep, res, 1)
	if second.Outcome != plan.OutcomeReplan {
		t.Errorf("second = %+v, want REPLAN", second)
	}
}

func TestReviewerFailureFallsBackToStatus(t *testing.T) {
	tests := []struct {
		name string
		llm  *fakeLLM
		res  *plan.StepResult
		want plan.Outcome
	}{
		{"error ok", &fakeLLM{err: errors.New("down")}, plan.OK("x"), plan.OutcomeSuccess},
		{"garbage ok", &fakeLLM{reply: "looks good to me"}, plan.OK("x"), plan.OutcomeSuccess},
		{"unknown outcome", &fakeLLM{reply: `{"outcome":"MAYBE"}`}, errorResult("odd"), plan.OutcomeReplan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(tt.llm, WithPatterns(nil)).Review(context.Background(), skillStep, tt.res, 0)
			if v.Outcome != tt.want {
				t.Errorf("outcome = %s, want %s", v.Outcome, tt.want)
			}
		})
	}
}

func TestStatusShortcuts(t *testing.T) {
	s := New(nil)
	missing := plan.Missing("skill %q not found", "ghost")
	if v := s.Review(context.Background(), skillStep, missing, 0); v.Outcome != plan.OutcomeReplan {
		t.Errorf("missing = %+v", v)
	}
	skipped := &plan.StepResult{Status: plan.StatusSkipped}
	if v := s.Review(context.Background(), skillStep, skipped, 0); v.Outcome != plan.OutcomeSuccess {
		t.Errorf("skipped = %+v", v)
	}
}

func TestCustomPatterns(t *testing.T) {
	s := New(nil, WithPatterns([]Pattern{{Category: "quota", Patterns: []string{"  QUOTA exceeded "}, Reason: "Quota exhausted"}}))
	v := s.Review(context.Background(), skillStep, errorResult("Daily quota exceeded"), 0)
	if v.Reason != "Quota exhausted: Daily quota exceeded" {
		t.Errorf("reason = %q", v.Reason)
	}
}
