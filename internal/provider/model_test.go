package provider

import "testing"

func TestModelRef(t *testing.T) {
	tests := []struct {
		ref      ModelRef
		provider string
		model    string
		valid    bool
	}{
		{"local/small", "local", "small", true},
		{"anthropic/claude-haiku-4", "anthropic", "claude-haiku-4", true},
		{"openrouter/meta/llama-3", "openrouter", "meta/llama-3", true},
		{"small", "", "small", false},
		{"local/", "local", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.ref), func(t *testing.T) {
			if got := tt.ref.Provider(); got != tt.provider {
				t.Errorf("Provider() = %q, want %q", got, tt.provider)
			}
			if got := tt.ref.Model(); got != tt.model {
				t.Errorf("Model() = %q, want %q", got, tt.model)
			}
			if got := tt.ref.Valid(); got != tt.valid {
				t.Errorf("Valid() = %v, want %v", got, tt.valid)
			}
		})
	}
	if got := NewModelRef("local", "small"); got != "local/small" {
		t.Errorf("NewModelRef = %q", got)
	}
}

func TestParseModelRefs(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    []ModelRef
		wantErr bool
	}{
		{"empty", nil, []ModelRef{}, false},
		{"keeps order", []string{"local/large", "anthropic/claude-haiku-4"}, []ModelRef{"local/large", "anthropic/claude-haiku-4"}, false},
		{"bare model", []string{"local/large", "small"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseModelRefs(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("refs = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("refs[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestModelInfo(t *testing.T) {
	info := ModelInfo{ID: "small", ProviderID: "local", Features: []Feature{FeatureStreaming}}
	if got := info.Ref(); got != "local/small" {
		t.Errorf("Ref() = %q", got)
	}
	if !info.SupportsFeature(FeatureStreaming) || info.SupportsFeature(FeatureImages) {
		t.Errorf("features = %v", info.Features)
	}
}
