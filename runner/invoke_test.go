package runner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-orchestrator"
)

func TestInvokeReturnsHandlerResult(t *testing.T) {
	h := orchestrator.StepHandlerFunc(func(ctx context.Context, in orchestrator.StepInput) (json.RawMessage, error) {
		return json.RawMessage(`{"step":"` + in.StepKey + `"}`), nil
	})
	out, err := Invoke(context.Background(), h, orchestrator.StepInput{StepKey: "fetch"}, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":"fetch"}`, string(out))
}

func TestInvokeTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	h := orchestrator.StepHandlerFunc(func(ctx context.Context, in orchestrator.StepInput) (json.RawMessage, error) {
		<-release
		return nil, nil
	})
	_, err := Invoke(context.Background(), h, orchestrator.StepInput{StepKey: "slow"}, 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, orchestrator.ErrorTransient, orchestrator.Classify(err))
}

func TestInvokeContextAwareTimeoutIsTransient(t *testing.T) {
	h := orchestrator.StepHandlerFunc(func(ctx context.Context, in orchestrator.StepInput) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, errors.New("gave up")
	})
	_, err := Invoke(context.Background(), h, orchestrator.StepInput{StepKey: "slow"}, 10*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, orchestrator.ErrorTransient, orchestrator.Classify(err))
}

func TestInvokePanicIsUnknown(t *testing.T) {
	h := orchestrator.StepHandlerFunc(func(ctx context.Context, in orchestrator.StepInput) (json.RawMessage, error) {
		panic("nil map write")
	})
	_, err := Invoke(context.Background(), h, orchestrator.StepInput{StepKey: "bad"}, time.Second)
	require.Error(t, err)
	var pe *orchestrator.PanicError
	assert.True(t, errors.As(err, &pe))
	assert.Equal(t, orchestrator.ErrorUnknown, orchestrator.Classify(err))
}

func TestInvokeKeepsExplicitClass(t *testing.T) {
	h := orchestrator.StepHandlerFunc(func(ctx context.Context, in orchestrator.StepInput) (json.RawMessage, error) {
		return nil, orchestrator.Permanent(errors.New("invalid contract"))
	})
	_, err := Invoke(context.Background(), h, orchestrator.StepInput{}, 0)
	assert.Equal(t, orchestrator.ErrorPermanent, orchestrator.Classify(err))
}

func TestInvokeNilHandlerIsPermanent(t *testing.T) {
	_, err := Invoke(context.Background(), nil, orchestrator.StepInput{StepKey: "x"}, 0)
	assert.Equal(t, orchestrator.ErrorPermanent, orchestrator.Classify(err))
}
