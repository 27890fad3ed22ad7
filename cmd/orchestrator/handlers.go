package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goliatone/go-orchestrator"
)

// builtinHandlers are registered by every command so definitions can be
// exercised without custom code.
func builtinHandlers() *orchestrator.HandlerRegistry {
	reg := orchestrator.NewHandlerRegistry()
	reg.MustRegister("builtin.noop", orchestrator.StepHandlerFunc(noop))
	reg.MustRegister("builtin.echo", orchestrator.StepHandlerFunc(echo))
	reg.MustRegister("builtin.fail", orchestrator.StepHandlerFunc(fail))
	return reg
}

func noop(context.Context, orchestrator.StepInput) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

type echoResult struct {
	StepKey      string                     `json:"step_key"`
	Attempt      int                        `json:"attempt"`
	Input        json.RawMessage            `json:"input,omitempty"`
	Dependencies map[string]json.RawMessage `json:"dependencies,omitempty"`
}

func echo(_ context.Context, in orchestrator.StepInput) (json.RawMessage, error) {
	input := in.Input
	if len(input) == 0 {
		input = nil
	}
	return json.Marshal(echoResult{
		StepKey:      in.StepKey,
		Attempt:      in.Attempt,
		Input:        input,
		Dependencies: in.Dependencies,
	})
}

// fail reads {"fail": {"<step_key>": "<class>"}} from the execution input
// and fails that step with the named class. Other steps succeed.
func fail(_ context.Context, in orchestrator.StepInput) (json.RawMessage, error) {
	var payload struct {
		Fail map[string]orchestrator.ErrorClass `json:"fail"`
	}
	if len(in.Input) > 0 {
		if err := json.Unmarshal(in.Input, &payload); err != nil {
			return nil, orchestrator.Permanent(fmt.Errorf("decode input: %w", err))
		}
	}
	class, ok := payload.Fail[in.StepKey]
	if !ok {
		return json.RawMessage(`{}`), nil
	}
	cause := fmt.Errorf("step %s failed on attempt %d", in.StepKey, in.Attempt)
	if !class.Valid() || class == orchestrator.ErrorUnknown {
		return nil, cause
	}
	return nil, orchestrator.Classified(class, cause)
}
