package provider

import (
	"context"
	"errors"
	"testing"
)

type stubProvider struct {
	id     string
	models []ModelInfo
}

func (s *stubProvider) ID() string { return s.id }
func (s *stubProvider) Complete(_ context.Context, _ *CompletionRequest) (*CompletionResponse, error) {
	return &CompletionResponse{Content: "stub"}, nil
}
func (s *stubProvider) Stream(_ context.Context, _ *CompletionRequest) (ResponseStream, error) {
	return nil, nil
}
func (s *stubProvider) Models() []ModelInfo { return s.models }
func (s *stubProvider) SupportsFeature(_ Feature) bool { return false }

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	p := &stubProvider{id: "anthropic"}

	if err := reg.Register(p); err != nil {
		t.Fatal(err)
	}

	got, err := reg.Get("anthropic")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID() != "anthropic" {
		t.Errorf("got %q, want %q", got.ID(), "anthropic")
	}
}

func TestRegistryDuplicateRegister(t *testing.T) {
	reg := NewRegistry()
	p := &stubProvider{id: "anthropic"}
	_ = reg.Register(p)

	err := reg.Register(p)
	if err == nil {
		t.Error("expected error on duplicate register")
	}
}

func TestRegistryGetNotFound(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("nonexistent")
	if err == nil {
		t.Error("expected error for nonexistent provider")
	}
}

func TestRegistryResolveUndeclared(t *testing.T) {
	reg := NewRegistry()
	p := &stubProvider{id: "openai"}
	_ = reg.Register(p)

	ref := NewModelRef("openai", "gpt-5.2")
	got, err := reg.Resolve(ref)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID() != "openai" {
		t.Errorf("got %q, want %q", got.ID(), "openai")
	}
}

func TestRegistryListIsOrdered(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(&stubProvider{id: "b", models: []ModelInfo{{ID: "m2"}}})
	_ = reg.Register(&stubProvider{id: "a", models: []ModelInfo{{ID: "m1"}}})

	list := reg.List()
	if len(list) != 2 || list[0].ID() != "a" || list[1].ID() != "b" {
		t.Fatalf("list = %v", list)
	}
	refs := reg.Refs()
	if len(refs) != 2 || refs[0] != "a/m1" || refs[1] != "b/m2" {
		t.Errorf("refs = %v", refs)
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(&stubProvider{id: "local", models: []ModelInfo{{ID: "small"}}})
	_ = reg.Register(&stubProvider{id: "proxy"})

	tests := []struct {
		ref  ModelRef
		want error
	}{
		{"local/small", nil},
		{"local/large", ErrUnknownModel},
		{"proxy/anything", nil},
		{"missing/small", ErrUnknownProvider},
	}
	for _, tt := range tests {
		t.Run(string(tt.ref), func(t *testing.T) {
			_, err := reg.Resolve(tt.ref)
			if !errors.Is(err, tt.want) {
				t.Errorf("Resolve(%s) error = %v, want %v", tt.ref, err, tt.want)
			}
		})
	}
}

func TestRegistryRejectsBadID(t *testing.T) {
	reg := NewRegistry()
	for _, id := range []string{"", "a/b"} {
		if err := reg.Register(&stubProvider{id: id}); err == nil {
			t.Errorf("Register(%q) succeeded", id)
		}
	}
}
