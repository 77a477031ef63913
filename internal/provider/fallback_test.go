package provider

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mockProvider struct {
	id        string
	callCount int
	gotModel  string
	err       error
}

func (m *mockProvider) ID() string { return m.id }
func (m *mockProvider) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	m.callCount++
	m.gotModel = req.Model
	if m.err != nil {
		return nil, m.err
	}
	return &CompletionResponse{Content: "ok from " + m.id}, nil
}
func (m *mockProvider) Stream(ctx context.Context, req *CompletionRequest) (ResponseStream, error) {
	resp, err := m.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return StreamFromResponse(resp), nil
}
func (m *mockProvider) Models() []ModelInfo            { return nil }
func (m *mockProvider) SupportsFeature(_ Feature) bool { return false }

func TestFallbackPrimarySuccess(t *testing.T) {
	reg := NewRegistry()
	p := &mockProvider{id: "anthropic"}
	_ = reg.Register(p)

	fb := NewFallback(reg, "anthropic/claude-haiku-4", nil, nil)
	resp, err := fb.Complete(context.Background(), &CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok from anthropic" {
		t.Errorf("content = %q", resp.Content)
	}
	if p.gotModel != "claude-haiku-4" {
		t.Errorf("model = %q, want bare model id", p.gotModel)
	}
}

func TestFallbackOnRetryableError(t *testing.T) {
	reg := NewRegistry()
	primary := &mockProvider{id: "anthropic", err: &ProviderError{StatusCode: 529, Message: "overloaded", Retryable: true}}
	backup := &mockProvider{id: "openai"}
	_ = reg.Register(primary)
	_ = reg.Register(backup)

	fb := NewFallback(reg, "anthropic/claude-haiku-4", []ModelRef{"openai/gpt-4o"}, nil)
	resp, err := fb.Complete(context.Background(), &CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok from openai" {
		t.Errorf("content = %q", resp.Content)
	}
	if primary.callCount != 1 || backup.callCount != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.callCount, backup.callCount)
	}
}

func TestFallbackStopsOnNonRetryable(t *testing.T) {
	reg := NewRegistry()
	primary := &mockProvider{id: "anthropic", err: &ProviderError{StatusCode: 400, Message: "bad request"}}
	backup := &mockProvider{id: "openai"}
	_ = reg.Register(primary)
	_ = reg.Register(backup)

	fb := NewFallback(reg, "anthropic/claude-haiku-4", []ModelRef{"openai/gpt-4o"}, nil)
	_, err := fb.Complete(context.Background(), &CompletionRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if backup.callCount != 0 {
		t.Error("backup should not be called for a 400")
	}
}

func TestFallbackAllExhausted(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(&mockProvider{id: "anthropic", err: &ProviderError{StatusCode: 503, Message: "down"}})
	_ = reg.Register(&mockProvider{id: "openai", err: &ProviderError{StatusCode: 429, Message: "slow down"}})

	fb := NewFallback(reg, "anthropic/claude-haiku-4", []ModelRef{"openai/gpt-4o"}, nil)
	_, err := fb.Complete(context.Background(), &CompletionRequest{})

	var exhausted *AllExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want AllExhaustedError", err)
	}
	if len(exhausted.Attempted) != 2 {
		t.Errorf("attempted = %v", exhausted.Attempted)
	}
	if !IsRateLimitError(err) {
		t.Error("last error should unwrap to the rate limit error")
	}
}

func TestFallbackExplicitModelRef(t *testing.T) {
	reg := NewRegistry()
	a := &mockProvider{id: "anthropic"}
	o := &mockProvider{id: "openai"}
	_ = reg.Register(a)
	_ = reg.Register(o)

	fb := NewFallback(reg, "anthropic/claude-haiku-4", nil, nil)
	if _, err := fb.Complete(context.Background(), &CompletionRequest{Model: "openai/gpt-4o-mini"}); err != nil {
		t.Fatal(err)
	}
	if o.gotModel != "gpt-4o-mini" || a.callCount != 0 {
		t.Errorf("explicit ref not honoured: openai model=%q anthropic calls=%d", o.gotModel, a.callCount)
	}

	if _, err := fb.Complete(context.Background(), &CompletionRequest{Model: "claude-sonnet-4"}); err != nil {
		t.Fatal(err)
	}
	if a.gotModel != "claude-sonnet-4" {
		t.Errorf("bare model should go to primary provider, got %q", a.gotModel)
	}
}

func TestFallbackStream(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(&mockProvider{id: "anthropic"})

	fb := NewFallback(reg, "anthropic/claude-haiku-4", nil, nil)
	s, err := fb.Stream(context.Background(), &CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := Collect(s)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok from anthropic" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		err       error
		rateLimit bool
		auth      bool
		retryable bool
		reason    string
	}{
		{&ProviderError{StatusCode: 429}, true, false, true, "rate_limited"},
		{&ProviderError{StatusCode: 401}, false, true, false, "auth"},
		{&ProviderError{StatusCode: 403}, false, true, false, "auth"},
		{&ProviderError{StatusCode: 500}, false, false, true, "unavailable"},
		{&ProviderError{StatusCode: 400}, false, false, false, "unavailable"},
		{errors.New("plain"), false, false, false, "unavailable"},
	}
	for _, tt := range tests {
		if got := IsRateLimitError(tt.err); got != tt.rateLimit {
			t.Errorf("IsRateLimitError(%v) = %v", tt.err, got)
		}
		if got := IsAuthError(tt.err); got != tt.auth {
			t.Errorf("IsAuthError(%v) = %v", tt.err, got)
		}
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("IsRetryable(%v) = %v", tt.err, got)
		}
		if got := failureReason(tt.err); got != tt.reason {
			t.Errorf("failureReason(%v) = %q", tt.err, got)
		}
	}
}

func TestFallbackCooldownPrefersHealthyModel(t *testing.T) {
	reg := NewRegistry()
	primary := &mockProvider{id: "anthropic", err: &ProviderError{StatusCode: 429, Message: "slow down", Retryable: true}}
	backup := &mockProvider{id: "openai"}
	_ = reg.Register(primary)
	_ = reg.Register(backup)

	fb := NewFallback(reg, "anthropic/claude-haiku-4", []ModelRef{"openai/gpt-4o"}, nil).WithCooldown(CooldownConfig{})
	for i := 0; i < 3; i++ {
		if _, err := fb.Complete(context.Background(), &CompletionRequest{}); err != nil {
			t.Fatal(err)
		}
	}
	if primary.callCount != 1 {
		t.Errorf("benched primary called %d times, want 1", primary.callCount)
	}
	if backup.callCount != 3 {
		t.Errorf("backup calls = %d", backup.callCount)
	}
}

func TestCooldownDuration(t *testing.T) {
	c := newCooldowns(CooldownConfig{Initial: time.Second, Max: 10 * time.Second, Multiplier: 3})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	want := []time.Duration{time.Second, 3 * time.Second, 9 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := c.fail("a/m"); got != w {
			t.Errorf("failure %d: cooldown = %s, want %s", i+1, got, w)
		}
	}
	if !c.active("a/m") {
		t.Error("model should be benched")
	}
	if got := c.order([]ModelRef{"a/m", "b/m"}); got[0] != "b/m" || got[1] != "a/m" {
		t.Errorf("order = %v", got)
	}
	now = now.Add(11 * time.Second)
	if c.active("a/m") {
		t.Error("cooldown should have expired")
	}
	c.fail("a/m")
	c.reset("a/m")
	if c.active("a/m") {
		t.Error("reset should clear the bench")
	}
}
