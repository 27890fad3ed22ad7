package orchestrator

import (
	"bytes"
	"fmt"
	"runtime"
)

// PanicError is returned when a handler or job panics. It classifies as
// unknown, so the attempt is dead-lettered without retries.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// RecoverPanic converts a recovered value into a PanicError stored in dst.
// Use it as `defer orchestrator.RecoverPanic(&err)`.
func RecoverPanic(dst *error) {
	r := recover()
	if r == nil {
		return
	}
	buf := make([]byte, 8<<10)
	buf = buf[:runtime.Stack(buf, false)]
	*dst = &PanicError{Value: r, Stack: panicFrames(buf)}
}

// panicFrames drops the goroutine header and runtime frames up to and
// including the panic call, leaving the frame that panicked first.
func panicFrames(stack []byte) []byte {
	idx := bytes.Index(stack, []byte("panic("))
	if idx < 0 {
		return stack
	}
	rest := stack[idx:]
	// skip the panic() line and its file:line line
	for skip := 0; skip < 2; skip++ {
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			return stack
		}
		rest = rest[nl+1:]
	}
	return rest
}
