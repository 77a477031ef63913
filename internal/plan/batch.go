package plan

// Batches groups steps into dependency-respecting layers. A step is placed
// in the first layer after every step it depends on. When no remaining
// step can become ready (a cycle or a reference to an unknown id) the
// remainder is emitted one step per batch in plan order and degraded is
// true.
func Batches(steps []Step) (batches [][]Step, degraded bool) {
	done := make(map[string]bool, len(steps))
	remaining := make([]Step, len(steps))
	copy(remaining, steps)

	for len(remaining) > 0 {
		var ready, blocked []Step
		for _, s := range remaining {
			if depsMet(s, done) {
				ready = append(ready, s)
			} else {
				blocked = append(blocked, s)
			}
		}
		if len(ready) == 0 {
			for _, s := range blocked {
				batches = append(batches, []Step{s})
			}
			return batches, true
		}
		for _, s := range ready {
			done[s.ID] = true
		}
		batches = append(batches, ready)
		remaining = blocked
	}
	return batches, false
}

func depsMet(s Step, done map[string]bool) bool {
	for _, d := range s.DependsOn {
		if d == s.ID {
			return false
		}
		if !done[d] {
			return false
		}
	}
	return true
}
