package tracee

import (
	"time"

	"golang.org/x/sys/unix"
)

// Stop is one reported change of state for some traced pid, as
// delivered by the dedicated wait loop.
type Stop struct {
	PID    int
	Status Status
}

// noChildrenRetryInterval is how long the wait loop sleeps before
// retrying wait4 after it reports ECHILD. A zygote crash-and-respawn
// can empty the traced process tree for a moment; this keeps the loop
// alive through that gap instead of treating it as the end of tracing.
const noChildrenRetryInterval = 200 * time.Millisecond

// NewStopStream starts a single dedicated wait4(-1, ...) loop on its
// own goroutine and returns a channel fed with every stop it observes
// across every pid this process is tracing. When wait4 reports ECHILD
// (no traced children at all, including the case where every zygote
// has died before a replacement is attached) the loop blocks and
// retries on a timer rather than closing the channel, so a transient
// all-zygotes-gone window does not end the stream. The channel closes
// only on an unexpected, non-retryable wait4 error.
func NewStopStream() <-chan Stop {
	ch := make(chan Stop)
	go func() {
		defer close(ch)
		for {
			var ws unix.WaitStatus
			pid, err := unix.Wait4(-1, &ws, 0, nil)
			if err != nil {
				switch err {
				case unix.EINTR:
					continue
				case unix.ECHILD:
					time.Sleep(noChildrenRetryInterval)
					continue
				default:
					return
				}
			}
			ch <- Stop{PID: pid, Status: Status{ws: ws}}
		}
	}()
	return ch
}
