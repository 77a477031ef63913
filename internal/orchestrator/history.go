package orchestrator

import "github.com/opentalon/stepflow/internal/provider"

const DefaultMaxHistory = 50

// CapHistory keeps every system message, in order, ahead of the most
// recent other messages so that the total stays within limit. Tool messages
// left at the front of the window without the assistant call that produced
// them are dropped. When the system messages alone reach limit, only the
// first limit of them are returned, so the result never exceeds limit.
func CapHistory(msgs []provider.Message, limit int) []provider.Message {
	if limit <= 0 {
		limit = DefaultMaxHistory
	}
	if len(msgs) <= limit {
		return msgs
	}

	var system, rest []provider.Message
	for _, m := range msgs {
		if m.Role == provider.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	room := limit - len(system)
	if room <= 0 {
		return system[:limit]
	}
	if len(rest) > room {
		rest = rest[len(rest)-room:]
	}
	for len(rest) > 0 && rest[0].Role == provider.RoleTool {
		rest = rest[1:]
	}

	out := make([]provider.Message, 0, len(system)+len(rest))
	out = append(out, system...)
	return append(out, rest...)
}
