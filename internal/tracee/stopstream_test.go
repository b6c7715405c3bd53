package tracee

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestStopStreamSurvivesNoChildren exercises the ECHILD path: when
// this process has no traced children at all, wait4(-1, ...) returns
// ECHILD immediately and the stream must block-and-retry rather than
// close, so a caller selecting on it never observes a spurious close
// during a window where every zygote has died and none is attached
// yet.
func TestStopStreamSurvivesNoChildren(t *testing.T) {
	stops := NewStopStream()

	select {
	case st, ok := <-stops:
		t.Fatalf("expected no stop and no close with no traced children, got stop=%+v ok=%v", st, ok)
	case <-time.After(3 * noChildrenRetryInterval):
		// Still open and still silent after multiple retry intervals:
		// the ECHILD case is being retried, not treated as fatal.
	}

	assert.Positive(t, noChildrenRetryInterval)
}
