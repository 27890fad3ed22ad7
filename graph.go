package orchestrator

// LatestAttempts indexes the highest attempt of each step key.
func LatestAttempts(steps []*StepExecution) map[string]*StepExecution {
	out := make(map[string]*StepExecution, len(steps))
	for _, step := range steps {
		if step == nil {
			continue
		}
		if cur, ok := out[step.StepKey]; !ok || step.Attempt > cur.Attempt {
			out[step.StepKey] = step
		}
	}
	return out
}

// StepSettled reports whether the latest attempt of a step lets the graph
// move past it: succeeded, or dead-lettered while optional.
func StepSettled(def StepDefinition, latest *StepExecution) bool {
	if latest == nil {
		return false
	}
	switch latest.Status {
	case StepSucceeded:
		return true
	case StepDeadLettered:
		return def.Optional
	default:
		return false
	}
}

// DependenciesSatisfied reports whether every dependency of stepKey is settled.
func DependenciesSatisfied(def *Definition, stepKey string, latest map[string]*StepExecution) bool {
	step, ok := def.Step(stepKey)
	if !ok {
		return false
	}
	for _, dep := range step.DependsOn {
		depDef, ok := def.Step(dep)
		if !ok || !StepSettled(depDef, latest[dep]) {
			return false
		}
	}
	return true
}

// ReadySteps returns the steps that have no attempt yet and whose
// dependencies are all settled, in declaration order.
func ReadySteps(def *Definition, latest map[string]*StepExecution) []StepDefinition {
	if def == nil {
		return nil
	}
	var out []StepDefinition
	for _, step := range def.Steps {
		if _, started := latest[step.Key]; started {
			continue
		}
		if DependenciesSatisfied(def, step.Key, latest) {
			out = append(out, step)
		}
	}
	return out
}

// DeriveExecutionStatus computes the execution status from its step rows.
// Canceled is sticky. A required dead-lettered step fails the execution.
func DeriveExecutionStatus(def *Definition, steps []*StepExecution, current ExecutionStatus) ExecutionStatus {
	if current == ExecutionCanceled {
		return ExecutionCanceled
	}
	latest := LatestAttempts(steps)
	for _, step := range def.Steps {
		if l := latest[step.Key]; l != nil && l.Status == StepDeadLettered && !step.Optional {
			return ExecutionFailed
		}
	}
	settled := true
	for _, step := range def.Steps {
		if !StepSettled(step, latest[step.Key]) {
			settled = false
			break
		}
	}
	if settled {
		return ExecutionSucceeded
	}
	if current == ExecutionPending {
		for _, l := range latest {
			if l.Status != StepPending || l.Attempt > 1 {
				return ExecutionRunning
			}
		}
		return ExecutionPending
	}
	return ExecutionRunning
}
