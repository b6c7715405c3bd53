// Package supervisor implements the Trace Supervisor: the single
// goroutine that waits for trace-stops across every zygote and
// descendant this monitor is attached to, classifies each descendant
// stop, and hands confirmed targets off to a hide daemon.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Fallengif/Magisk/internal/audit"
	"github.com/Fallengif/Magisk/internal/events"
	"github.com/Fallengif/Magisk/internal/procfs"
	"github.com/Fallengif/Magisk/internal/target"
	"github.com/Fallengif/Magisk/internal/tracee"
	"github.com/Fallengif/Magisk/internal/zygote"
)

// usapAndZygoteNames are the literal command-line names that identify
// a zygote or an unspecialized app process, neither of which is ever a
// hide target itself.
var usapAndZygoteNames = map[string]bool{
	"zygote":   true,
	"zygote32": true,
	"zygote64": true,
	"usap32":   true,
	"usap64":   true,
}

// isolatedUIDFloor is the start of the Android isolated-process UID
// range: uid%100000 > isolatedUIDFloor identifies an isolated process.
const isolatedUIDFloor = 90000

// HideDaemon is the external collaborator that performs the actual
// mount-namespace hiding on a handed-off, stopped target.
type HideDaemon interface {
	Hide(ctx context.Context, pid int) error
}

// HideStateSetter is notified with SetHideState(false) when the monitor
// shuts down, so a controller can reflect monitor state elsewhere.
type HideStateSetter interface {
	SetHideState(hiding bool)
}

// UnhandledMatchFunc is invoked for a classification outcome that is
// matched but not handed to the hide daemon — isolated-process and
// app-zygote matches are reported for visibility rather than hidden
// outright. A nil func is a no-op.
type UnhandledMatchFunc func(outcome audit.Outcome, pid, uid int, cmdline string)

// Supervisor is the Trace Supervisor. The zero value is not usable;
// construct with New.
type Supervisor struct {
	zygotes *zygote.Registry
	targets *target.Directory
	log     *audit.Log

	hideDaemon  HideDaemon
	hideState   HideStateSetter
	onUnhandled UnhandledMatchFunc
	onRecord    func(audit.Record)

	// dataRoot is the application-data root the Target Directory
	// rescans whenever the package database changes.
	dataRoot string

	// attachBitmap marks descendant pids we expect a stop from —
	// either a fresh SIGSTOP after an inherited trace option, or a
	// later CLONE/EXEC event once classification is pending.
	attachBitmap map[int]bool
	// descendants holds the Tracee Handle for every descendant pid
	// currently attached, keyed by pid. Owned exclusively by the
	// supervisor goroutine; no lock needed.
	descendants map[int]*tracee.Handle

	// Verbose gates per-stop debug lines, off by default to keep the
	// trace-stop path quiet under normal operation.
	Verbose bool
}

// New creates a Supervisor over the given Zygote Registry and Target
// Directory, persisting classification outcomes to auditLog.
func New(zygotes *zygote.Registry, targets *target.Directory, auditLog *audit.Log, dataRoot string) *Supervisor {
	return &Supervisor{
		zygotes:      zygotes,
		targets:      targets,
		log:          auditLog,
		dataRoot:     dataRoot,
		attachBitmap: make(map[int]bool),
		descendants:  make(map[int]*tracee.Handle),
	}
}

// SetHideDaemon wires the collaborator invoked on a confirmed target
// handoff.
func (s *Supervisor) SetHideDaemon(d HideDaemon) { s.hideDaemon = d }

// SetHideStateSetter wires the collaborator notified of hide-state
// transitions on termination.
func (s *Supervisor) SetHideStateSetter(h HideStateSetter) { s.hideState = h }

// SetUnhandledMatchFunc wires the hook invoked for isolated-process and
// app-zygote matches, which are logged and detached but not (today)
// handed to the hide daemon.
func (s *Supervisor) SetUnhandledMatchFunc(fn UnhandledMatchFunc) { s.onUnhandled = fn }

// SetRecordObserver wires a hook invoked with every audit record after
// a successful append, so an optional diagnostic layer can evaluate the
// full classification stream rather than just the unhandled-match
// subset.
func (s *Supervisor) SetRecordObserver(fn func(audit.Record)) { s.onRecord = fn }

// Run drives the main loop until ctx is canceled or the trace-stop
// stream closes. It selects over four sources: trace-stops, filesystem
// events, the rescan timer, and cancellation. A transient window with
// no traced children at all — every zygote dead before a replacement
// is attached — does not close the trace-stop stream; NewStopStream
// blocks and retries through that case on its own. The stream only
// closes on a wait4 failure Run cannot recover from, which is treated
// as fatal here.
func (s *Supervisor) Run(ctx context.Context, sources *events.Sources) error {
	stops := tracee.NewStopStream()
	for {
		select {
		case <-ctx.Done():
			s.terminate()
			return nil
		case st, ok := <-stops:
			if !ok {
				return fmt.Errorf("supervisor: trace-stop stream closed")
			}
			s.handleStop(st)
		case ev, ok := <-sources.FS:
			if !ok {
				continue
			}
			s.handleFSEvent(ev)
		case <-sources.Timer:
			s.rescanZygotes(sources)
		}
	}
}

func (s *Supervisor) handleFSEvent(ev events.FSEvent) {
	switch ev.Kind {
	case events.KindPackageDB:
		if err := s.targets.Refresh(s.dataRoot); err != nil {
			log.Printf("supervisor: target directory refresh after %s: %v", ev.Path, err)
		}
	case events.KindAppProcess:
		if err := s.zygotes.ScanAndAttach(); err != nil {
			log.Printf("supervisor: zygote rescan after app-process event: %v", err)
		}
	}
}

func (s *Supervisor) rescanZygotes(sources *events.Sources) {
	if err := s.zygotes.ScanAndAttach(); err != nil {
		log.Printf("supervisor: periodic zygote rescan: %v", err)
		return
	}
	if s.zygotes.Done() {
		sources.ZygoteDiscoveryComplete()
	}
}

// handleStop dispatches one trace-stop to one of four cases: the pid
// is gone, a trace event fired, the initial SIGSTOP arrived, or some
// other signal needs forwarding.
func (s *Supervisor) handleStop(st tracee.Stop) {
	pid := st.PID
	s.logf("stop pid=%d signal=%d event=%d", pid, st.Status.StopSignal(), st.Status.TrapEvent())

	if !st.Status.Stopped() {
		// Case 1: not stopped (exited, or killed by a signal). The
		// process is already gone; forget it everywhere without
		// issuing a syscall against a pid that no longer exists.
		s.forget(pid)
		return
	}

	if event := st.Status.TrapEvent(); event != tracee.EventNone {
		s.handleTraceEvent(pid, event)
		return
	}

	if st.Status.StopSignal() == int(unix.SIGSTOP) {
		s.handleInitialStop(pid)
		return
	}

	// Case 4: any other signal — resume, forwarding it unchanged.
	if h := s.handleFor(pid); h != nil {
		_ = h.Continue(st.Status.StopSignal())
	}
}

// handleTraceEvent is case 2: a SIGTRAP stop carrying a PTRACE_EVENT_*
// code, for either a registered zygote or one of its descendants.
func (s *Supervisor) handleTraceEvent(pid int, event tracee.Event) {
	if s.zygotes.Contains(pid) {
		handle, _ := s.zygotes.Handle(pid)
		switch event {
		case tracee.EventFork, tracee.EventVFork:
			if msg, err := handle.EventMessage(); err == nil {
				s.attachBitmap[int(msg)] = true
			}
			_ = handle.Continue(0)
		default:
			// EXIT or anything else: the zygote itself is going away.
			s.zygotes.Detach(pid)
		}
		return
	}

	handle := s.handleFor(pid)
	if handle == nil {
		return
	}
	switch event {
	case tracee.EventClone:
		if s.attachBitmap[pid] {
			consumed := s.classify(pid, handle)
			if consumed {
				delete(s.attachBitmap, pid)
				return
			}
		}
		_ = handle.Continue(0)
	default:
		// EXEC, EXIT, or anything else: this descendant is no longer
		// of interest either way.
		s.detachDescendant(pid, 0)
	}
}

// handleInitialStop is case 3: a descendant's first post-fork SIGSTOP,
// before any trace option has fired for it yet.
func (s *Supervisor) handleInitialStop(pid int) {
	handle, ok := s.descendants[pid]
	if !ok {
		handle = tracee.Adopt(pid)
		s.descendants[pid] = handle
	}

	if !s.attachBitmap[pid] {
		leader, err := procfs.IsThreadGroupLeader(pid)
		if err != nil || !leader {
			// A thread of an already-known process, not a process of
			// its own — or it vanished before we could check.
			s.detachDescendant(pid, 0)
			return
		}
		s.attachBitmap[pid] = true
	}

	if err := handle.SetDescendantOptions(); err != nil {
		s.detachDescendant(pid, 0)
		return
	}
	_ = handle.Continue(0)
}

// classify runs the ordered checks against a stopped descendant and
// returns whether the pid was consumed (detached, handed off, or
// otherwise finally disposed of) — false means "not yet," leave it
// attached and resume.
func (s *Supervisor) classify(pid int, handle *tracee.Handle) bool {
	if !procfs.Exists(pid) {
		s.record(pid, 0, "", audit.OutcomeVanished, "")
		s.detachDescendant(pid, 0)
		return true
	}

	uid, err := procfs.OwningUID(pid)
	if err != nil {
		s.record(pid, 0, "", audit.OutcomeVanished, err.Error())
		s.detachDescendant(pid, 0)
		return true
	}
	if uid == 0 {
		// UID not yet applied: the pid remains attached, we will see
		// it again on its next clone/exec stop.
		s.record(pid, uid, "", audit.OutcomePending, "")
		return false
	}

	cmdline, err := procfs.CommandLine(pid)
	if err != nil {
		s.record(pid, uid, "", audit.OutcomeVanished, err.Error())
		s.detachDescendant(pid, 0)
		return true
	}

	if usapAndZygoteNames[cmdline] {
		s.record(pid, uid, cmdline, audit.OutcomeNotTarget, "")
		s.detachDescendant(pid, 0)
		return true
	}

	if uid%100000 > isolatedUIDFloor {
		outcome := audit.OutcomeNotTarget
		if s.targets.MatchIsolated(cmdline) {
			outcome = audit.OutcomeIsolatedMatch
			s.notifyUnhandled(outcome, pid, uid, cmdline)
		}
		s.record(pid, uid, cmdline, outcome, "")
		s.detachDescendant(pid, 0)
		return true
	}

	if name, ok := s.targets.MatchExact(uid, cmdline); ok {
		if strings.HasSuffix(name, "_zygote") {
			s.notifyUnhandled(audit.OutcomeAppZygoteMatch, pid, uid, cmdline)
			s.record(pid, uid, cmdline, audit.OutcomeAppZygoteMatch, "")
			s.detachDescendant(pid, 0)
			return true
		}

		ns, err := procfs.MountNamespace(pid)
		if err != nil {
			s.record(pid, uid, cmdline, audit.OutcomeVanished, err.Error())
			s.detachDescendant(pid, 0)
			return true
		}
		if s.zygotes.SharesNamespaceWithAny(ns) {
			// The fork has not yet unshared its namespace; leave
			// it attached and check again on the next stop.
			s.record(pid, uid, cmdline, audit.OutcomeNamespaceShared, "")
			return false
		}

		s.record(pid, uid, cmdline, audit.OutcomeTargetHandedOff, name)
		// Detach while leaving the process group-stopped, so the
		// hide daemon finds it exactly where classification left
		// it.
		s.detachDescendant(pid, int(unix.SIGSTOP))
		if s.hideDaemon != nil {
			if err := s.hideDaemon.Hide(context.Background(), pid); err != nil {
				log.Printf("supervisor: hide daemon failed for pid %d: %v", pid, err)
			}
		}
		return true
	}

	s.record(pid, uid, cmdline, audit.OutcomeNotTarget, "")
	s.detachDescendant(pid, 0)
	return true
}

func (s *Supervisor) notifyUnhandled(outcome audit.Outcome, pid, uid int, cmdline string) {
	if s.onUnhandled != nil {
		s.onUnhandled(outcome, pid, uid, cmdline)
	}
}

func (s *Supervisor) handleFor(pid int) *tracee.Handle {
	if h, ok := s.zygotes.Handle(pid); ok {
		return h
	}
	return s.descendants[pid]
}

func (s *Supervisor) detachDescendant(pid int, signal int) {
	if h, ok := s.descendants[pid]; ok {
		_ = h.Detach(signal)
		delete(s.descendants, pid)
	}
	delete(s.attachBitmap, pid)
}

// forget disposes of a pid the wait loop reported as exited, without
// issuing a ptrace syscall against it.
func (s *Supervisor) forget(pid int) {
	if s.zygotes.Contains(pid) {
		s.zygotes.Forget(pid)
		return
	}
	if h, ok := s.descendants[pid]; ok {
		h.Forget()
		delete(s.descendants, pid)
	}
	delete(s.attachBitmap, pid)
}

// record appends one audit entry for a classification outcome. A
// failed audit write is logged and otherwise ignored: it must never
// block or abort classification.
func (s *Supervisor) record(pid, uid int, comm string, outcome audit.Outcome, detail string) {
	if s.log == nil {
		return
	}
	rec := audit.Record{
		Timestamp: time.Now(),
		PID:       pid,
		UID:       uid,
		Comm:      comm,
		Outcome:   outcome,
		Detail:    detail,
	}
	if err := s.log.Append(rec); err != nil {
		log.Printf("supervisor: audit log append failed: %v", err)
		return
	}
	if s.onRecord != nil {
		s.onRecord(rec)
	}
}

// terminate empties all descendant and zygote state, signals the hide
// state setter, and lets Run return.
func (s *Supervisor) terminate() {
	for pid := range s.descendants {
		s.detachDescendant(pid, 0)
	}
	s.attachBitmap = make(map[int]bool)
	s.zygotes.DetachAll()
	if s.hideState != nil {
		s.hideState.SetHideState(false)
	}
}

func (s *Supervisor) logf(format string, args ...interface{}) {
	if !s.Verbose {
		return
	}
	log.Printf("supervisor: "+format, args...)
}
