package audit

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-orchestrator"
)

func TestNormalizeFillsDefaults(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("X", 3600))
	e := Normalize(Event{Action: ActionStepSucceeded, ResourceType: ResourceStepExecution, ResourceID: "s1"}, now)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, orchestrator.SystemActorID, e.Actor)
	assert.Equal(t, time.UTC, e.OccurredAt.Location())
	assert.NoError(t, e.Validate())
}

func TestValidateRequiresFields(t *testing.T) {
	err := Event{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OccurredAt")
}

func TestIntegrityChangesWithPayload(t *testing.T) {
	e := Normalize(Event{Action: ActionDLQReprocessed, ResourceType: ResourceDLQEntry, ResourceID: "d1", Payload: map[string]any{"attempt": 4}}, time.Now())
	first, err := IntegritySHA256(e)
	require.NoError(t, err)

	again, err := IntegritySHA256(e)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	e.Payload["attempt"] = 5
	changed, err := IntegritySHA256(e)
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
}

func TestMultiSinkFansOutAndJoinsErrors(t *testing.T) {
	mem := NewMemorySink()
	buf := &bytes.Buffer{}
	failing := SinkFunc(func(context.Context, Event) error { return errors.New("sink down") })

	sink := MultiSink{mem, NewLoggerSink(orchestrator.NewFmtLogger(buf)), nil, failing}
	e := Normalize(Event{Action: ActionExecutionCanceled, ResourceType: ResourceExecution, ResourceID: "e1", Actor: "ops"}, time.Now())

	err := sink.Record(context.Background(), e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink down")

	require.Len(t, mem.ByAction(ActionExecutionCanceled), 1)
	assert.True(t, strings.Contains(buf.String(), "audit execution.canceled"))
	assert.True(t, strings.Contains(buf.String(), "actor=ops"))
}
