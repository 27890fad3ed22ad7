package executor

import (
	"time"

	"github.com/goliatone/go-orchestrator"
)

// Metrics captures observability events emitted by the executor and its workers.
type Metrics interface {
	RecordSubmitted(definitionKey string)
	RecordClaimed(workerID string, count int)
	RecordClaimLag(lag time.Duration)
	RecordStepOutcome(stepKey string, outcome Outcome, class orchestrator.ErrorClass, duration time.Duration)
	RecordDeadLettered(reason orchestrator.DLQReason)
	RecordExecutionFinished(status orchestrator.ExecutionStatus)
	RecordClaimsReaped(count int)
}

type noopMetrics struct{}

func (noopMetrics) RecordSubmitted(string)                                                    {}
func (noopMetrics) RecordClaimed(string, int)                                                 {}
func (noopMetrics) RecordClaimLag(time.Duration)                                              {}
func (noopMetrics) RecordStepOutcome(string, Outcome, orchestrator.ErrorClass, time.Duration) {}
func (noopMetrics) RecordDeadLettered(orchestrator.DLQReason)                                 {}
func (noopMetrics) RecordExecutionFinished(orchestrator.ExecutionStatus)                      {}
func (noopMetrics) RecordClaimsReaped(int)                                                    {}
