// Package zygote implements the Zygote Registry: the set of currently
// traced zygote processes, each recorded with the mount-namespace
// identity it had at attach time.
package zygote

import (
	"log"
	"runtime"
	"strings"

	"github.com/Fallengif/Magisk/internal/procfs"
	"github.com/Fallengif/Magisk/internal/tracee"
)

// ZygoteCmdlinePrefix is the command-line prefix that identifies a
// zygote process (as opposed to an already-specialized app process).
const ZygoteCmdlinePrefix = "zygote"

// entry is one registered zygote: its namespace at attach time and the
// tracee handle keeping it attached.
type entry struct {
	ns     procfs.NamespaceID
	handle *tracee.Handle
}

// Registry tracks every zygote pid this monitor is currently attached
// to. It is owned exclusively by the Trace Supervisor goroutine and its
// event-source callbacks, so it needs no lock.
type Registry struct {
	byPID map[int]*entry
}

// New creates an empty Zygote Registry.
func New() *Registry {
	return &Registry{byPID: make(map[int]*entry)}
}

// requiredCount is the number of zygotes a fully-populated registry
// should contain: one on 32-bit platforms, two on 64-bit platforms
// (separate 32- and 64-bit zygotes coexist).
func requiredCount() int {
	switch runtime.GOARCH {
	case "amd64", "arm64", "mips64", "mips64le", "ppc64", "ppc64le", "riscv64", "s390x":
		return 2
	default:
		return 1
	}
}

// Done reports whether the registry has discovered the
// architecture-appropriate number of zygotes. One fewer keeps callers
// scanning; one more is tolerated (all are tracked).
func (r *Registry) Done() bool {
	return len(r.byPID) >= requiredCount()
}

// Len reports the number of currently registered zygotes.
func (r *Registry) Len() int { return len(r.byPID) }

// Contains reports whether pid is a registered zygote.
func (r *Registry) Contains(pid int) bool {
	_, ok := r.byPID[pid]
	return ok
}

// Namespace returns the namespace identity recorded for a registered
// zygote pid.
func (r *Registry) Namespace(pid int) (procfs.NamespaceID, bool) {
	e, ok := r.byPID[pid]
	if !ok {
		return procfs.NamespaceID{}, false
	}
	return e.ns, true
}

// SharesNamespaceWithAny reports whether ns matches any registered
// zygote's namespace identity, used to double-check that a candidate
// target's mount namespace has actually been separated from its
// zygote parent.
func (r *Registry) SharesNamespaceWithAny(ns procfs.NamespaceID) bool {
	for _, e := range r.byPID {
		if e.ns == ns {
			return true
		}
	}
	return false
}

// ScanAndAttach enumerates procfs for zygote candidates — command line
// begins with "zygote" and parent pid is 1 — and attaches to each one
// found.
func (r *Registry) ScanAndAttach() error {
	var candidates []int
	err := procfs.CrawlPids(func(pid int) {
		cmdline, err := procfs.CommandLine(pid)
		if err != nil || !strings.HasPrefix(cmdline, ZygoteCmdlinePrefix) {
			return
		}
		ppid, err := procfs.ParentPID(pid)
		if err != nil || ppid != 1 {
			return
		}
		candidates = append(candidates, pid)
	})
	if err != nil {
		return err
	}
	for _, pid := range candidates {
		r.Attach(pid)
	}
	return nil
}

// Attach registers pid as a zygote and attaches to it via ptrace. If
// pid is already registered, its namespace identity is refreshed and
// no re-attach is performed — two successive Attach calls on an
// already-registered zygote leave the registry with exactly one entry.
func (r *Registry) Attach(pid int) {
	ns, err := procfs.MountNamespace(pid)
	if err != nil {
		return
	}

	if e, ok := r.byPID[pid]; ok {
		e.ns = ns
		return
	}

	handle, err := tracee.Attach(pid)
	if err != nil {
		log.Printf("zygote: %v", err)
		return
	}
	if err := handle.SetZygoteOptions(); err != nil {
		_ = handle.Detach(0)
		return
	}
	if err := handle.Continue(0); err != nil {
		_ = handle.Detach(0)
		return
	}

	r.byPID[pid] = &entry{ns: ns, handle: handle}
}

// Detach removes pid from the registry and releases its ptrace
// attachment, used when the zygote exits or its trace stream reports
// anything other than FORK/VFORK.
func (r *Registry) Detach(pid int) {
	e, ok := r.byPID[pid]
	if !ok {
		return
	}
	_ = e.handle.Detach(0)
	delete(r.byPID, pid)
}

// DetachAll releases every registered zygote, used during shutdown to
// leave no traced processes behind.
func (r *Registry) DetachAll() {
	pids := make([]int, 0, len(r.byPID))
	for pid := range r.byPID {
		pids = append(pids, pid)
	}
	for _, pid := range pids {
		r.Detach(pid)
	}
}

// Forget removes pid from the registry without issuing PTRACE_DETACH,
// for a zygote the wait loop has already reported as exited.
func (r *Registry) Forget(pid int) {
	e, ok := r.byPID[pid]
	if !ok {
		return
	}
	e.handle.Forget()
	delete(r.byPID, pid)
}

// Handle returns the tracee handle for a registered zygote pid.
func (r *Registry) Handle(pid int) (*tracee.Handle, bool) {
	e, ok := r.byPID[pid]
	if !ok {
		return nil, false
	}
	return e.handle, true
}
