package detect

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fallengif/Magisk/internal/audit"
)

const ruleYAML = `
title: Repeated namespace-not-separated outcome
id: 11111111-1111-1111-1111-111111111111
logsource:
  category: process
detection:
  selection:
    Outcome: "namespace_not_separated"
  condition: selection
`

func TestOpenWithNoRulesNeverMatches(t *testing.T) {
	rd, err := Open(t.TempDir())
	require.NoError(t, err)
	defer rd.Close()

	matches := rd.Check(context.Background(), audit.Record{
		Outcome: audit.OutcomeNamespaceShared,
	})
	assert.Empty(t, matches)
}

func TestLoadedRuleMatchesOutcomeField(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rule.yml"), []byte(ruleYAML), 0644))

	rd, err := Open(dir)
	require.NoError(t, err)
	defer rd.Close()

	matches := rd.Check(context.Background(), audit.Record{
		PID:     42,
		Outcome: audit.OutcomeNamespaceShared,
	})
	require.Len(t, matches, 1)
	assert.Equal(t, 42, matches[0].Record.PID)
}

func TestReloadPicksUpRuleAddedAfterOpen(t *testing.T) {
	dir := t.TempDir()

	rd, err := Open(dir)
	require.NoError(t, err)
	defer rd.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "rule.yml"), []byte(ruleYAML), 0644))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if matches := rd.Check(context.Background(), audit.Record{Outcome: audit.OutcomeNamespaceShared}); len(matches) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("rule added after Open was never picked up by the file watcher")
}
