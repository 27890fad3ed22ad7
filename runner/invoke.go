package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goliatone/go-orchestrator"
)

// Invoke runs handler with a bounded duration. A timeout is reported as a
// transient failure even when the handler ignores ctx, and a panic is
// returned as an unclassified error.
func Invoke(ctx context.Context, handler orchestrator.StepHandler, in orchestrator.StepInput, timeout time.Duration) (json.RawMessage, error) {
	if handler == nil {
		return nil, orchestrator.Permanent(fmt.Errorf("no handler bound to step %s", in.StepKey))
	}

	ctx, cancel := contextWithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		var out outcome
		defer func() { done <- out }()
		defer orchestrator.RecoverPanic(&out.err)
		out.result, out.err = handler.Execute(ctx, in)
	}()

	select {
	case out := <-done:
		return settle(ctx, in, timeout, out.result, out.err)
	case <-ctx.Done():
		// a handler finishing right at the deadline still wins
		select {
		case out := <-done:
			return settle(ctx, in, timeout, out.result, out.err)
		default:
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, orchestrator.Transient(fmt.Errorf("step %s timed out after %s", in.StepKey, timeout.Round(time.Millisecond)))
		}
		return nil, orchestrator.Transient(fmt.Errorf("step %s interrupted: %w", in.StepKey, ctx.Err()))
	}
}

func settle(ctx context.Context, in orchestrator.StepInput, timeout time.Duration, result json.RawMessage, err error) (json.RawMessage, error) {
	if err != nil && ctx.Err() == context.DeadlineExceeded && orchestrator.Classify(err) == orchestrator.ErrorUnknown {
		return nil, orchestrator.Transient(fmt.Errorf("step %s timed out after %s: %w", in.StepKey, timeout.Round(time.Millisecond), err))
	}
	return result, err
}

func contextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(parent, timeout)
	}
	return context.WithCancel(parent)
}
