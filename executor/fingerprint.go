package executor

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goliatone/go-orchestrator"
)

type fingerprintMaterial struct {
	Strategy orchestrator.IdempotencyStrategy `json:"strategy"`
	FirmID   string                           `json:"firm_id"`
	StepKey  string                           `json:"step_key"`
	Key      string                           `json:"key,omitempty"`
	Values   []json.RawMessage                `json:"values,omitempty"`
	Bucket   int64                            `json:"bucket,omitempty"`
}

// Fingerprint derives the deduplication key of a step within an execution.
// The result is scoped to (firm, step key) and is empty for strategy none.
func Fingerprint(step orchestrator.StepDefinition, exec *orchestrator.Execution) (string, error) {
	if exec == nil {
		return "", fmt.Errorf("execution required")
	}
	strategy := orchestrator.NormalizeIdempotencyStrategy(step.Idempotency)
	material := fingerprintMaterial{
		Strategy: strategy,
		FirmID:   exec.FirmID,
		StepKey:  step.Key,
	}

	switch strategy {
	case orchestrator.IdempotencyNone:
		return "", nil
	case orchestrator.IdempotencyKey:
		material.Key = stepIdempotencyKey(step.Key, exec)
	case orchestrator.IdempotencyNaturalKey:
		values, err := NaturalKeyValues(exec.Input, step.NaturalKey)
		if err != nil {
			return "", fmt.Errorf("step %s: %w", step.Key, err)
		}
		material.Values = values
	case orchestrator.IdempotencyDedupeWindow:
		values, err := NaturalKeyValues(exec.Input, step.NaturalKey)
		if err != nil {
			return "", fmt.Errorf("step %s: %w", step.Key, err)
		}
		material.Values = values
		if step.DedupeWindow > 0 {
			material.Bucket = exec.CreatedAt.UTC().UnixNano() / int64(step.DedupeWindow)
		}
	default:
		return "", fmt.Errorf("step %s: unsupported idempotency strategy %q", step.Key, strategy)
	}

	raw, err := json.Marshal(material)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func stepIdempotencyKey(stepKey string, exec *orchestrator.Execution) string {
	if key := strings.TrimSpace(exec.StepIdempotencyKeys[stepKey]); key != "" {
		return key
	}
	if key := strings.TrimSpace(exec.IdempotencyKey); key != "" {
		return key
	}
	return exec.ID
}

// NaturalKeyValues resolves dotted JSON paths against input and returns the
// canonical encoding of each value. With no paths the whole input is used.
func NaturalKeyValues(input json.RawMessage, paths []string) ([]json.RawMessage, error) {
	doc, err := decodeInput(input)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		return []json.RawMessage{raw}, nil
	}

	out := make([]json.RawMessage, 0, len(paths))
	for _, path := range paths {
		value, ok := lookupPath(doc, path)
		if !ok || value == nil {
			return nil, fmt.Errorf("natural key field %q missing from input", path)
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func decodeInput(input json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(input)) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	return doc, nil
}

func lookupPath(doc any, path string) (any, bool) {
	cur := doc
	for _, part := range strings.Split(strings.TrimSpace(path), ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
