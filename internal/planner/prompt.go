package planner

import (
	"fmt"
	"strings"

	"github.com/opentalon/stepflow/internal/provider"
)

const promptHeader = "You are the planning component of an agent. Break the user's request into steps."

const promptFormat = `Reply with one JSON object and nothing else:
{"description": "<one line>", "steps": [{"id": "s1", "label": "<short>", "executor": "agent|skill|litellm",
 "action": "tool|skill|memory|completion", "tool": "<tool or skill name>", "args": {}, "depends_on": [], "description": "<what to do>"}]}
Rules:
- action "tool" runs one tool with args (executor "agent").
- action "skill" delegates to a skill by name in "tool" (executor "skill").
- action "memory" looks up earlier notes; put the query in args.query.
- action "completion" writes the final answer from everything gathered (executor "litellm"). Add one only when the answer needs synthesis.
- depends_on lists ids of steps whose results this step needs. Independent steps may run in parallel.`

func systemPrompt(in Input) string {
	var b strings.Builder
	b.WriteString(promptHeader)
	b.WriteString("\n\n")
	writeCatalog(&b, "Available tools", in.Tools)
	writeCatalog(&b, "Available skills", in.Skills)
	b.WriteString(promptFormat)
	return b.String()
}

func writeCatalog(b *strings.Builder, title string, caps []Capability) {
	fmt.Fprintf(b, "## %s\n", title)
	if len(caps) == 0 {
		b.WriteString("(none)\n\n")
		return
	}
	for _, c := range caps {
		fmt.Fprintf(b, "- %s: %s\n", c.Name, c.Description)
	}
	b.WriteString("\n")
}

// buildMessages keeps the recent non-system history as context and ends
// with the request.
func buildMessages(system string, in Input) []provider.Message {
	msgs := []provider.Message{{Role: provider.RoleSystem, Content: system}}
	var recent []provider.Message
	for _, m := range in.History {
		if m.Role == provider.RoleSystem || m.Role == provider.RoleTool || m.Content == "" {
			continue
		}
		recent = append(recent, provider.Message{Role: m.Role, Content: m.Content})
	}
	if n := len(recent); n > historyWindow {
		recent = recent[n-historyWindow:]
	}
	// The request is usually already the newest history entry.
	if n := len(recent); n > 0 && recent[n-1].Role == provider.RoleUser && recent[n-1].Content == in.Request {
		recent = recent[:n-1]
	}
	msgs = append(msgs, recent...)

	req := "Request: " + in.Request
	if in.Feedback != "" {
		req += "\n\nThe previous plan failed: " + in.Feedback + "\nPlan a different approach."
	}
	return append(msgs, provider.Message{Role: provider.RoleUser, Content: req})
}

var conversational = []string{
	"hi", "hello", "hey", "yo", "hiya", "good morning", "good afternoon", "good evening",
	"thanks", "thank you", "thx", "ty", "cheers", "bye", "goodbye", "ok", "okay", "cool", "great",
	"nice", "awesome", "how are you", "who are you", "what's up", "whats up",
}

// isConversational matches short greetings and thanks that need no plan.
func isConversational(request string) bool {
	r := strings.ToLower(strings.TrimSpace(request))
	r = strings.TrimRight(r, "!.?, ")
	if r == "" || len(strings.Fields(r)) > 5 {
		return false
	}
	for _, p := range conversational {
		if r == p || strings.HasPrefix(r, p+" ") || strings.HasPrefix(r, p+",") {
			if len(strings.Fields(r)) <= len(strings.Fields(p))+2 {
				return true
			}
		}
	}
	return false
}

// confused reports whether the model echoed the planning prompt instead of
// answering it.
func confused(out string) bool {
	for _, echo := range []string{promptHeader, "## Available tools", `"executor": "agent|skill|litellm"`} {
		if strings.Contains(out, echo) {
			return true
		}
	}
	return false
}
