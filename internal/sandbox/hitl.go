package sandbox

import (
	"regexp"
	"strings"

	"github.com/opentalon/stepflow/internal/plan"
	"github.com/opentalon/stepflow/internal/provider"
)

// RequestUserInput is the tool every skill may call to pause for the user.
const RequestUserInput = "request_user_input"

type Category string

const (
	CategoryClarification Category = "clarification"
	CategoryConfirmation  Category = "confirmation"
	CategoryApproval      Category = "approval"
	CategoryCredential    Category = "credential"
	CategorySelection     Category = "selection"
)

// ParseCategory maps s onto the known categories. ok is false when s was
// not recognised and the clarification fallback was used.
func ParseCategory(s string) (Category, bool) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryClarification, CategoryConfirmation, CategoryApproval, CategoryCredential, CategorySelection:
		return c, true
	}
	return CategoryClarification, false
}

var markerRe = regexp.MustCompile(`\[AWAITING_USER_INPUT:([^\]]*)\]`)

// parseMarker finds an in-band input marker and returns the category text
// and the surrounding prose as the prompt.
func parseMarker(text string) (category string, prompt string, found bool) {
	m := markerRe.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	return m[1], strings.TrimSpace(markerRe.ReplaceAllString(text, "")), true
}

func stripMarkers(text string) string {
	return markerRe.ReplaceAllString(text, "")
}

const markerPrefix = "[AWAITING_USER_INPUT:"

// markerFilter strips input markers from streamed text. A tail that may
// still become a marker is held until the next push or flush.
type markerFilter struct {
	held string
}

func (f *markerFilter) push(chunk string) string {
	buf := stripMarkers(f.held + chunk)
	i := partialMarker(buf)
	f.held = buf[i:]
	return buf[:i]
}

// flush releases whatever is held. An unterminated marker is plain text.
func (f *markerFilter) flush() string {
	out := f.held
	f.held = ""
	return out
}

// partialMarker returns the index of the first unclosed "[" that starts,
// or could grow into, a marker, and len(s) when there is none.
func partialMarker(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] != '[' {
			continue
		}
		tail := s[i:]
		if strings.Contains(tail, "]") {
			continue
		}
		if strings.HasPrefix(tail, markerPrefix) || strings.HasPrefix(markerPrefix, tail) {
			return i
		}
	}
	return len(s)
}

// PendingCall is a confirmation-gated tool call waiting for the user.
type PendingCall struct {
	ID   string         `json:"id" yaml:"id"`
	Name string         `json:"name" yaml:"name"`
	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
}

// Suspension is everything needed to resume a paused skill. It is
// persisted verbatim by the caller.
type Suspension struct {
	Category  Category           `json:"category" yaml:"category"`
	Prompt    string             `json:"prompt" yaml:"prompt"`
	SkillName string             `json:"skill_name" yaml:"skill_name"`
	Messages  []provider.Message `json:"skill_messages" yaml:"skill_messages"`
	Step      plan.Step          `json:"step" yaml:"step"`
	Request   string             `json:"request,omitempty" yaml:"request,omitempty"`
	// PendingCallID is the request_user_input call awaiting its answer.
	PendingCallID string `json:"pending_call_id,omitempty" yaml:"pending_call_id,omitempty"`
	// Confirm is set when a confirmation-gated tool is waiting.
	Confirm *PendingCall `json:"confirm,omitempty" yaml:"confirm,omitempty"`
}

// Resume replays a suspension with the user's reply.
type Resume struct {
	Suspension Suspension
	Reply      string
}

func (s Suspension) metadata() map[string]any {
	return map[string]any{
		"category":       string(s.Category),
		"prompt":         s.Prompt,
		"skill_name":     s.SkillName,
		"skill_messages": s.Messages,
		"step":           s.Step,
	}
}

var affirmative = map[string]bool{
	"y": true, "yes": true, "ok": true, "okay": true, "confirm": true,
	"confirmed": true, "approve": true, "approved": true, "go ahead": true, "do it": true,
}

// IsAffirmative reports whether a reply confirms a pending action.
func IsAffirmative(reply string) bool {
	r := strings.ToLower(strings.TrimSpace(reply))
	r = strings.TrimRight(r, ".! ")
	return affirmative[r]
}

func requestUserInputDef() provider.ToolDefinition {
	return provider.ToolDefinition{
		Name:        RequestUserInput,
		Description: "Pause and ask the user for information you cannot obtain with your tools.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{
					"type": "string",
					"enum": []string{
						string(CategoryClarification), string(CategoryConfirmation),
						string(CategoryApproval), string(CategoryCredential), string(CategorySelection),
					},
				},
				"question": map[string]any{
					"type":        "string",
					"description": "The question shown to the user",
				},
			},
			"required": []string{"question"},
		},
	}
}
