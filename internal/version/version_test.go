package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGetReturnsDefaults(t *testing.T) {
	info := Get()
	if info.Version != "dev" {
		t.Errorf("expected Version=dev, got %s", info.Version)
	}
	if info.Date != "unknown" {
		t.Errorf("expected Date=unknown, got %s", info.Date)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %s", info.GoVersion)
	}
}

func TestGetKeepsStampedCommit(t *testing.T) {
	old := Commit
	Commit = "abc1234"
	defer func() { Commit = old }()
	if got := Get().Commit; got != "abc1234" {
		t.Errorf("Commit = %s", got)
	}
}

func TestInfoString(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want string
	}{
		{
			name: "defaults",
			info: Info{Version: "dev", Commit: "none", Date: "unknown"},
			want: "stepflow dev (commit: none, built: unknown)",
		},
		{
			name: "release",
			info: Info{Version: "v0.3.0", Commit: "abc1234", Date: "2026-01-01T00:00:00Z"},
			want: "stepflow v0.3.0 (commit: abc1234, built: 2026-01-01T00:00:00Z)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.String(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInfoStringContainsAllFields(t *testing.T) {
	s := Info{Version: "test-ver", Commit: "test-commit", Date: "test-date"}.String()
	for _, field := range []string{"test-ver", "test-commit", "test-date"} {
		if !strings.Contains(s, field) {
			t.Errorf("String() output %q missing field %q", s, field)
		}
	}
}
