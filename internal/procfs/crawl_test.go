package procfs

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrawlPidsFindsSelf(t *testing.T) {
	var found bool
	self := os.Getpid()

	err := CrawlPids(func(pid int) {
		if pid == self {
			found = true
		}
	})

	require.NoError(t, err)
	assert.True(t, found, "CrawlPids did not visit the calling process's own pid")
}
