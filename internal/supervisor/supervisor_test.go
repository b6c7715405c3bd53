package supervisor

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fallengif/Magisk/internal/audit"
	"github.com/Fallengif/Magisk/internal/target"
	"github.com/Fallengif/Magisk/internal/tracee"
	"github.com/Fallengif/Magisk/internal/zygote"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *target.Directory) {
	t.Helper()
	targets := target.New()
	sup := New(zygote.New(), targets, nil, t.TempDir())
	return sup, targets
}

func TestClassifyDetachesVanishedProcess(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	handle := tracee.Adopt(1 << 30) // a pid that does not exist

	consumed := sup.classify(1<<30, handle)
	assert.True(t, consumed)
}

func TestClassifyReturnsNotConsumedForRootOwnedProcess(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	h, err := tracee.Attach(cmd.Process.Pid)
	if err != nil {
		t.Skipf("ptrace attach unavailable in this environment: %v", err)
	}
	defer h.Detach(0)
	sup.descendants[cmd.Process.Pid] = h

	if os.Getuid() != 0 {
		t.Skip("owning uid of the spawned child is the test's own non-zero uid in this environment")
	}

	consumed := sup.classify(cmd.Process.Pid, h)
	assert.False(t, consumed, "a process still owned by uid 0 must not be classified as consumed")
}

func TestClassifyDetachesZygoteLiteralName(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	// argv[0] is set to "zygote" so /proc/<pid>/cmdline reads as one of
	// the zygote/usap literal names and classify takes that branch.
	cmd := exec.Command("sleep", "5")
	cmd.Args[0] = "zygote"
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	h, err := tracee.Attach(cmd.Process.Pid)
	if err != nil {
		t.Skipf("ptrace attach unavailable in this environment: %v", err)
	}
	sup.descendants[cmd.Process.Pid] = h

	if os.Getuid() == 0 {
		t.Skip("requires a non-root owning uid to pass the root-uid check first")
	}

	consumed := sup.classify(cmd.Process.Pid, h)
	assert.True(t, consumed)
	_, stillTracked := sup.descendants[cmd.Process.Pid]
	assert.False(t, stillTracked)
}

func TestHandleForReturnsDescendantHandle(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	h := tracee.Adopt(999)
	sup.descendants[999] = h
	assert.Same(t, h, sup.handleFor(999))
}

func TestTerminateEmptiesDescendantsAndNotifiesHideState(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	sup.descendants[1] = tracee.Adopt(1)

	var notified bool
	sup.SetHideStateSetter(hideStateFunc(func(hiding bool) { notified = !hiding }))

	sup.terminate()

	assert.Empty(t, sup.descendants)
	assert.True(t, notified)
}

func TestRecordInvokesObserverOnSuccessfulAppend(t *testing.T) {
	dir := t.TempDir()
	l, err := audit.Open(dir)
	require.NoError(t, err)
	defer l.Close()

	sup, _ := newTestSupervisor(t)
	sup.log = l

	var seen audit.Record
	sup.SetRecordObserver(func(rec audit.Record) { seen = rec })
	sup.record(1, 2, "comm", audit.OutcomeNotTarget, "detail")

	assert.Equal(t, audit.OutcomeNotTarget, seen.Outcome)
	assert.Equal(t, 1, seen.PID)
}

type hideStateFunc func(bool)

func (f hideStateFunc) SetHideState(hiding bool) { f(hiding) }
