package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesDatabaseFile(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	_, err = os.Stat(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
}

func TestAppendPersistsOutcome(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	rec := Record{
		Timestamp: time.Now(),
		PID:       1234,
		UID:       10091,
		Comm:      "com.example.target",
		Outcome:   OutcomeTargetHandedOff,
		Detail:    "com.example.target",
	}
	require.NoError(t, l.Append(rec))

	var count int
	row := l.db.QueryRow("SELECT COUNT(*) FROM classifications WHERE pid = ?", rec.PID)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)
}

func TestLookupUsernameCachesResult(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	first := l.lookupUsername(0)
	second := l.lookupUsername(0)
	assert.Equal(t, first, second)

	cached, ok := l.usernames.Get(0)
	require.True(t, ok)
	assert.Equal(t, first, cached)
}
