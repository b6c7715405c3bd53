package tracee

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachDetachRoundTrip(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	h, err := Attach(cmd.Process.Pid)
	if err != nil {
		t.Skipf("ptrace attach unavailable in this environment: %v", err)
	}
	assert.Equal(t, cmd.Process.Pid, h.PID())

	require.NoError(t, h.Detach(0))
	// Detach is idempotent.
	require.NoError(t, h.Detach(0))
}

func TestForgetIsIdempotentWithDetach(t *testing.T) {
	h := Adopt(12345)
	h.Forget()
	assert.NoError(t, h.Detach(0))
}
