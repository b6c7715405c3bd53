// Package events implements the two asynchronous signals the Trace
// Supervisor selects over besides trace-stops: filesystem-change
// notification on the package database and app-process binaries, and
// a periodic rescan timer. The package database is watched through
// fsnotify, whose backend only asks the kernel for write/create/
// rename/remove/chmod events; the app-process binaries need a watch for
// mere access (the exec path reads the binary without creating or
// writing it), so those are watched through a raw inotify descriptor
// instead. Both feed decoded events into the same channel, replacing
// a signal-handler-driven design with ordinary channel sends.
package events

import (
	"fmt"
	"log"
	"path/filepath"
	"time"
	"unsafe"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

// PackagesFile is the filename watched inside the system package
// database directory. A write or create event on it counts; a
// close-after-write is not distinguished from an ordinary write, so a
// single rewrite can yield several events.
const PackagesFile = "packages.xml"

// Kind distinguishes why a Sources.Filesystem event fired.
type Kind int

const (
	// KindPackageDB means packages.xml was written or created; the Target
	// Directory should Refresh.
	KindPackageDB Kind = iota
	// KindAppProcess means an app-process binary path reported
	// activity; the Zygote Registry should rescan.
	KindAppProcess
)

// FSEvent is dispatched once per coalesced fsnotify event, so that a
// burst of filesystem activity drains completely rather than only
// triggering on the first event in the buffer.
type FSEvent struct {
	Kind Kind
	Path string
}

// Sources bundles the filesystem watches and the periodic rescan
// timer. The trace-stop stream is not part of this type: it is read
// directly from a tracee wait loop by the caller, since it is not an
// fsnotify/inotify/timer concern.
type Sources struct {
	watcher  *fsnotify.Watcher
	appWatch *appProcessWatch
	FS       <-chan FSEvent
	Timer    <-chan time.Time

	ticker *time.Ticker
	fsOut  chan FSEvent
}

// New creates a Sources watching packageDBDir for writes to
// packages.xml and appProcessPaths for access activity, with a rescan
// ticker running at the given period. Pass a zero period to start with
// the timer disarmed (e.g. when the zygote registry is already
// complete).
func New(packageDBDir string, appProcessPaths []string, period time.Duration) (*Sources, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Filesystem-notifier setup failure is fatal to the monitor;
		// there is no fallback path for package-database watching.
		return nil, fmt.Errorf("events: create watcher: %w", err)
	}

	if err := watcher.Add(packageDBDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("events: watch %s: %w", packageDBDir, err)
	}

	appWatch, err := newAppProcessWatch(appProcessPaths)
	if err != nil {
		watcher.Close()
		return nil, err
	}

	s := &Sources{
		watcher:  watcher,
		appWatch: appWatch,
		fsOut:    make(chan FSEvent, 16),
	}
	s.FS = s.fsOut

	if period > 0 {
		s.ticker = time.NewTicker(period)
		s.Timer = s.ticker.C
	}

	go s.pump()
	go s.appWatch.run(s.fsOut)

	return s, nil
}

// pump drains every fsnotify event on the package database watch —
// including ones coalesced in a single kernel read — and classifies
// each before handing it to the supervisor.
func (s *Sources) pump() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			kind, matched := classify(ev)
			if !matched {
				continue
			}
			s.fsOut <- FSEvent{Kind: kind, Path: ev.Name}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				continue
			}
			log.Printf("events: watcher error: %v", err)
		}
	}
}

func classify(ev fsnotify.Event) (Kind, bool) {
	if filepath.Base(ev.Name) == PackagesFile && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
		return KindPackageDB, true
	}
	return 0, false
}

// appProcessWatch holds a raw inotify descriptor watching every
// app-process binary path for IN_ACCESS/IN_OPEN: the events execve()
// generates when the kernel reads the binary to run it. fsnotify
// cannot express this — its Linux backend only requests
// write/create/rename/remove/chmod bits from the kernel — so this
// bypasses fsnotify and talks to inotify directly for these paths.
type appProcessWatch struct {
	fd    int
	paths map[int32]string
}

func newAppProcessWatch(paths []string) (*appProcessWatch, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("events: inotify_init1: %w", err)
	}
	w := &appProcessWatch{fd: fd, paths: make(map[int32]string, len(paths))}
	for _, p := range paths {
		wd, err := unix.InotifyAddWatch(fd, p, unix.IN_ACCESS|unix.IN_OPEN)
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("events: inotify_add_watch %s: %w", p, err)
		}
		w.paths[int32(wd)] = p
	}
	return w, nil
}

// run reads raw inotify_event records off the descriptor until it is
// closed and forwards one FSEvent per record whose watch descriptor
// is still known. A single read can return several coalesced events
// back to back, so it walks the whole buffer before reading again.
func (w *appProcessWatch) run(out chan<- FSEvent) {
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(w.fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		offset := 0
		for offset+unix.SizeofInotifyEvent <= n {
			raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			path, known := w.paths[raw.Wd]
			offset += unix.SizeofInotifyEvent + int(raw.Len)
			if !known {
				continue
			}
			out <- FSEvent{Kind: KindAppProcess, Path: path}
		}
	}
}

func (w *appProcessWatch) Close() error {
	return unix.Close(w.fd)
}

// ZygoteDiscoveryComplete disarms the periodic rescan timer once every
// expected zygote has been found and attached.
func (s *Sources) ZygoteDiscoveryComplete() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
}

// Close releases both filesystem watches and stops the rescan timer.
func (s *Sources) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	if err := s.appWatch.Close(); err != nil {
		s.watcher.Close()
		return err
	}
	return s.watcher.Close()
}
