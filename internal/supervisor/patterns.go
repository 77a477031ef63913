package supervisor

import "strings"

// Pattern is one auto-replan rule. Patterns are matched as lowercase
// substrings of the error text; the first matching rule wins.
type Pattern struct {
	Category string   `yaml:"category"`
	Patterns []string `yaml:"patterns"`
	Reason   string   `yaml:"reason"`
}

func (p Pattern) match(lower string) bool {
	for _, s := range p.Patterns {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// DefaultPatterns are checked in priority order: authorization, missing
// resources, timeouts, then any error wording.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Category: "auth",
			Patterns: []string{"401", "403", "unauthorized", "forbidden", "authentication failed",
				"invalid api key", "access denied", "permission denied"},
			Reason: "Authentication failed",
		},
		{
			Category: "not_found",
			Patterns: []string{"404", "not found", "does not exist", "no such"},
			Reason:   "Resource not found",
		},
		{
			Category: "timeout",
			Patterns: []string{"timed out", "timeout", "deadline exceeded"},
			Reason:   "Operation timed out",
		},
		{
			Category: "error",
			Patterns: []string{"error", "failed", "exception"},
			Reason:   "Step failed",
		},
	}
}

func compile(in []Pattern) []Pattern {
	out := make([]Pattern, 0, len(in))
	for _, p := range in {
		cp := Pattern{Category: p.Category, Reason: p.Reason}
		for _, s := range p.Patterns {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				cp.Patterns = append(cp.Patterns, s)
			}
		}
		if cp.Reason == "" {
			cp.Reason = "Step failed"
		}
		if len(cp.Patterns) > 0 {
			out = append(out, cp)
		}
	}
	return out
}
