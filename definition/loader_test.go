package definition

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-orchestrator"
)

const singleDefinition = `
firm_id: firm-a
key: month_end
version: 3
retry:
  transient:
    max_attempts: 4
    base_backoff: 2s
steps:
  - key: fetch
    handler: ledger.fetch
    timeout: 30s
  - key: post
    handler: ledger.post
    depends_on: [fetch]
    idempotency: dedupe_window
    dedupe_window: 1h
    optional: true
`

const definitionSet = `
definitions:
  - key: a
    version: 1
    steps:
      - key: only
        handler: noop
  - key: b
    version: 1
    steps:
      - key: only
        handler: noop
---
key: c
version: 1
steps:
  - key: only
    handler: noop
`

func TestParseSingleDefinition(t *testing.T) {
	defs, err := ParseDefinitions([]byte(singleDefinition))
	require.NoError(t, err)
	require.Len(t, defs, 1)

	def := defs[0]
	assert.Equal(t, "firm-a", def.FirmID)
	assert.Equal(t, 3, def.Version)
	assert.Equal(t, orchestrator.RetryRule{MaxAttempts: 4, BaseBackoff: 2 * time.Second}, def.Retry[orchestrator.ErrorTransient])
	require.Len(t, def.Steps, 2)
	assert.Equal(t, 30*time.Second, def.Steps[0].Timeout)
	assert.Equal(t, []string{"fetch"}, def.Steps[1].DependsOn)
	assert.Equal(t, orchestrator.IdempotencyDedupeWindow, def.Steps[1].Idempotency)
	assert.Equal(t, time.Hour, def.Steps[1].DedupeWindow)
	assert.True(t, def.Steps[1].Optional)
}

func TestParseDefinitionSetAndMultipleDocuments(t *testing.T) {
	defs, err := ParseDefinitions([]byte(definitionSet))
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, "a", defs[0].Key)
	assert.Equal(t, "b", defs[1].Key)
	assert.Equal(t, "c", defs[2].Key)
}

func TestLoadDirRegistersEverything(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01-month-end.yaml"), []byte(singleDefinition), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02-set.yml"), []byte(definitionSet), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	defs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 4)

	reg := NewRegistry()
	require.NoError(t, RegisterAll(context.Background(), reg, defs))
	assert.Len(t, reg.List(), 4)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := ParseDefinitions([]byte("key: [unterminated"))
	require.Error(t, err)
}
