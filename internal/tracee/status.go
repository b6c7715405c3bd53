package tracee

import (
	"golang.org/x/sys/unix"
)

// Status wraps a wait4 status word for one trace-stop, decoding it
// into one of four categories: exited, signaled,
// stopped-with-trace-event, or stopped-with-plain-signal.
type Status struct {
	ws unix.WaitStatus
}

// Stopped reports whether the child is stopped rather than exited or
// signaled to death.
func (s Status) Stopped() bool { return s.ws.Stopped() }

// Exited reports whether the child has terminated.
func (s Status) Exited() bool { return s.ws.Exited() }

// Signaled reports whether the child was killed by a signal.
func (s Status) Signaled() bool { return s.ws.Signaled() }

// StopSignal returns the signal that caused the stop. Only meaningful
// when Stopped is true.
func (s Status) StopSignal() int { return int(s.ws.StopSignal()) }

// TrapEvent extracts the PTRACE_EVENT_* code from a SIGTRAP stop caused
// by one of the trace options (FORK/VFORK/CLONE/EXEC/EXIT), returning
// EventNone for a plain-signal stop. Mirrors the kernel's own encoding:
// event code occupies status>>16 when the stop signal is SIGTRAP and a
// trace option is active.
func (s Status) TrapEvent() Event {
	if s.StopSignal() != int(unix.SIGTRAP) {
		return EventNone
	}
	return Event(s.ws.TrapCause())
}
