// Package tracee wraps the raw ptrace(2) operations used by the
// zygote registry and trace supervisor behind a typed Go API. Each
// Handle owns exactly one attached pid and guarantees it is detached
// exactly once.
package tracee

import (
	"fmt"
	"log"

	"golang.org/x/sys/unix"
)

// Event identifies the trace-stop event encoded in a SIGTRAP stop's
// wait status (see Status.TrapEvent), matching the kernel's
// PTRACE_EVENT_* codes.
type Event int

const (
	EventNone  Event = 0
	EventFork  Event = unix.PTRACE_EVENT_FORK
	EventVFork Event = unix.PTRACE_EVENT_VFORK
	EventClone Event = unix.PTRACE_EVENT_CLONE
	EventExec  Event = unix.PTRACE_EVENT_EXEC
	EventExit  Event = unix.PTRACE_EVENT_EXIT
)

// zygoteOptions enables fork/vfork/exit tracing on a newly attached
// zygote.
const zygoteOptions = unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK | unix.PTRACE_O_TRACEEXIT

// descendantOptions enables clone/exec/exit tracing on a descendant
// once it is confirmed to be a process rather than a thread.
const descendantOptions = unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEEXEC | unix.PTRACE_O_TRACEEXIT

// Handle owns ptrace attachment for a single pid.
type Handle struct {
	pid      int
	detached bool
	Verbose  bool
}

// Attach performs PTRACE_ATTACH on pid and waits for the initial stop,
// returning a Handle on success. Attach failure is logged by the
// caller, the pid is considered lost, and no retries are attempted.
func Attach(pid int) (*Handle, error) {
	if err := unix.PtraceAttach(pid); err != nil {
		return nil, fmt.Errorf("tracee: ptrace attach pid %d: %w", pid, err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		_ = unix.PtraceDetach(pid)
		return nil, fmt.Errorf("tracee: wait after attach pid %d: %w", pid, err)
	}
	return &Handle{pid: pid}, nil
}

// Adopt wraps a pid that is already being traced because its parent
// had a TRACEFORK/TRACEVFORK/TRACECLONE option set — the kernel starts
// such children stopped and traced without a separate PTRACE_ATTACH,
// so the supervisor only needs a Handle to issue further operations on
// it, not a fresh attach.
func Adopt(pid int) *Handle {
	return &Handle{pid: pid}
}

// Forget marks the handle detached without issuing PTRACE_DETACH, for
// a pid the wait loop has already reported as exited — there is no
// live tracee left to send the syscall to.
func (h *Handle) Forget() {
	h.detached = true
}

// PID reports the traced pid.
func (h *Handle) PID() int { return h.pid }

// SetZygoteOptions enables fork/vfork/exit tracing, for use right
// after attaching a zygote.
func (h *Handle) SetZygoteOptions() error {
	return h.setOptions(zygoteOptions)
}

// SetDescendantOptions enables clone/exec/exit tracing, for use once a
// descendant's initial SIGSTOP has been confirmed to belong to a
// process rather than a thread.
func (h *Handle) SetDescendantOptions() error {
	return h.setOptions(descendantOptions)
}

func (h *Handle) setOptions(opts int) error {
	if err := unix.PtraceSetOptions(h.pid, opts); err != nil {
		return fmt.Errorf("tracee: set options pid %d: %w", h.pid, err)
	}
	return nil
}

// Continue resumes the traced pid, optionally forwarding a signal
// (0 for none), mirroring PTRACE_CONT.
func (h *Handle) Continue(signal int) error {
	h.log("cont signal=%d", signal)
	if err := unix.PtraceCont(h.pid, signal); err != nil {
		return fmt.Errorf("tracee: cont pid %d: %w", h.pid, err)
	}
	return nil
}

// EventMessage retrieves the PTRACE_GETEVENTMSG payload for the most
// recent trace-event stop — the new child's pid for FORK/VFORK/CLONE,
// the wait status for EXIT.
func (h *Handle) EventMessage() (uint, error) {
	msg, err := unix.PtraceGetEventMsg(h.pid)
	if err != nil {
		return 0, fmt.Errorf("tracee: geteventmsg pid %d: %w", h.pid, err)
	}
	return uint(msg), nil
}

// Detach releases ptrace attachment, optionally delivering a signal on
// detach (e.g. SIGSTOP to leave the target group-stopped for the hide
// daemon). Detach is idempotent: calling it more than once is a no-op,
// so callers never need to track whether they already detached.
//
// golang.org/x/sys/unix's PtraceDetach does not accept a signal
// argument, so PTRACE_DETACH is issued directly via the raw syscall.
func (h *Handle) Detach(signal int) error {
	if h.detached {
		return nil
	}
	h.detached = true
	h.log("detach signal=%d", signal)
	if _, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH,
		uintptr(h.pid), 0, uintptr(signal), 0, 0); errno != 0 {
		return fmt.Errorf("tracee: detach pid %d: %w", h.pid, errno)
	}
	return nil
}

func (h *Handle) log(format string, args ...interface{}) {
	if !h.Verbose {
		return
	}
	log.Printf("tracee: pid=%d %s", h.pid, fmt.Sprintf(format, args...))
}
