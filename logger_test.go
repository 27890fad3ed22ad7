package orchestrator

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFmtLoggerOrdersExecutionFieldsFirst(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := WithLoggerFields(NewFmtLogger(buf).WithContext(context.Background()), map[string]any{
		"worker_id":    "w1",
		"zone":         "eu",
		"step_key":     "send_invoice",
		"execution_id": "exec-1",
		"attempt":      2,
	})
	logger.Info("step %s retried", "send_invoice")

	line := strings.TrimSpace(buf.String())
	assert.Contains(t, line, " INFO  step send_invoice retried")
	assert.True(t, strings.HasSuffix(line, "execution_id=exec-1 step_key=send_invoice attempt=2 worker_id=w1 zone=eu"), line)
}

func TestFmtLoggerSanitizesMessages(t *testing.T) {
	buf := &bytes.Buffer{}
	NewFmtLogger(buf).Error("notify failed for jane@example.com token=abc123")

	line := buf.String()
	assert.NotContains(t, line, "jane@example.com")
	assert.NotContains(t, line, "abc123")
	assert.Contains(t, line, redacted)
}

func TestFmtLoggerLevelThreshold(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewFmtLogger(buf).WithLevel("warn")

	logger.Debug("claim cycle empty")
	logger.Info("worker started")
	assert.Empty(t, buf.String())

	logger.Warn("reaped 1 expired step claims")
	assert.Contains(t, buf.String(), "WARN")
}

func TestFmtLoggerSerializesConcurrentWrites(t *testing.T) {
	buf := &bytes.Buffer{}
	base := NewFmtLogger(buf)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			WithLoggerFields(base, map[string]any{"attempt": i}).Info("attempt finished")
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 16)
	for _, line := range lines {
		assert.Contains(t, line, "attempt finished attempt=")
	}
}

func TestNilLoggersFallBack(t *testing.T) {
	var l *FmtLogger
	assert.NotNil(t, l.WithFields(map[string]any{"a": 1}))
	assert.NotNil(t, WithLoggerFields(nil, nil))
	assert.Equal(t, NopLogger{}, NopLogger{}.WithContext(context.Background()))
}
