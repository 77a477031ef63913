package orchestrator

import (
	"fmt"
	"runtime/debug"
)

// panicError is a recovered panic and the stack of the goroutine that
// raised it.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// recovered must be deferred directly. It turns a panic on the current
// goroutine into *err.
func recovered(err *error) {
	if v := recover(); v != nil {
		*err = &panicError{value: v, stack: debug.Stack()}
	}
}
