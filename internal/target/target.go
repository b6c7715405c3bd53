// Package target implements the Target Directory: the authoritative
// mapping from runtime uid to the process names a hidden app wants
// intercepted, rebuilt wholesale from a caller-supplied hide set by
// resolving each package to a uid under the application data root,
// whether that root holds per-user subdirectories or package
// directories directly.
package target

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
)

// IsolatedSentinel is the package-name value in a Hide that means
// "isolated processes of any package"; Process is then matched as
// a prefix of the observed command line.
const IsolatedSentinel = "isolated"

// isolatedUID is the sentinel uid key holding the isolated bucket's
// prefix patterns, mirroring the source's uid_proc_map[-1].
const isolatedUID = -1

// Hide identifies one (package, process) pair the controller wants
// intercepted.
type Hide struct {
	Package string
	Process string
}

// Directory is the Target Directory. The zero value is ready to use.
type Directory struct {
	mu sync.Mutex

	hideSet []Hide
	byUID   map[int][]string
	matcher map[int]*ahocorasick.Trie
}

// New creates an empty Target Directory.
func New() *Directory {
	return &Directory{}
}

// SetHideSet replaces the hide set under the monitor lock. The
// controller calls this whenever its configuration changes; the
// monitor only ever reads the set it was given.
func (d *Directory) SetHideSet(hide []Hide) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hideSet = append([]Hide(nil), hide...)
}

// Refresh rebuilds the uid-to-target map wholesale by scanning
// dataRoot for each package directory named by the hide set. dataRoot
// may be a multiuser root (e.g. /data/user), whose entries are
// per-user directories each holding one subdirectory per installed
// package, or a legacy single-user root (e.g. /data/data), whose
// entries are package directories directly — ParseUserDir tells the
// two apart by whether an entry's name is a user id. Rebuilds are
// idempotent: running Refresh twice with an unchanged hide set and
// filesystem produces an identical map.
func (d *Directory) Refresh(dataRoot string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	byUID := make(map[int][]string)
	for _, h := range d.hideSet {
		if h.Package == IsolatedSentinel {
			byUID[isolatedUID] = append(byUID[isolatedUID], h.Process)
		}
	}

	entries, err := os.ReadDir(dataRoot)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := ParseUserDir(entry.Name()); ok {
			userDir := filepath.Join(dataRoot, entry.Name())
			for _, h := range d.hideSet {
				if h.Package == IsolatedSentinel {
					continue
				}
				if uid, ok := UID(filepath.Join(userDir, h.Package)); ok {
					byUID[uid] = append(byUID[uid], h.Process)
				}
			}
			continue
		}
		for _, h := range d.hideSet {
			if h.Package != entry.Name() {
				continue
			}
			if uid, ok := UID(filepath.Join(dataRoot, entry.Name())); ok {
				byUID[uid] = append(byUID[uid], h.Process)
			}
		}
	}

	d.byUID = byUID
	d.matcher = buildMatchers(byUID)
	return nil
}

// Lookup returns the configured process names for uid, and whether any
// exist.
func (d *Directory) Lookup(uid int) ([]string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	names, ok := d.byUID[uid]
	return append([]string(nil), names...), ok
}

// MatchIsolated reports whether cmdline starts with any isolated-bucket
// prefix pattern.
func (d *Directory) MatchIsolated(cmdline string) bool {
	return d.matchPrefix(isolatedUID, cmdline)
}

// MatchExact reports whether cmdline equals one of uid's configured
// process names, returning the matched name. Matching runs through
// uid's Aho-Corasick trie rather than scanning its process-name list,
// so a uid configured with many hidden process names still resolves
// in time linear in the length of cmdline.
func (d *Directory) MatchExact(uid int, cmdline string) (string, bool) {
	d.mu.Lock()
	trie := d.matcher[uid]
	d.mu.Unlock()
	if trie == nil {
		return "", false
	}
	for _, m := range trie.MatchString(cmdline) {
		if m.Pos() == 0 && len(m.Match()) == len(cmdline) {
			return string(m.Match()), true
		}
	}
	return "", false
}

func (d *Directory) matchPrefix(uid int, cmdline string) bool {
	d.mu.Lock()
	trie := d.matcher[uid]
	d.mu.Unlock()
	if trie == nil {
		return false
	}
	for _, m := range trie.MatchString(cmdline) {
		if m.Pos() == 0 {
			return true
		}
	}
	return false
}

// buildMatchers builds one Aho-Corasick trie per uid, covering both
// the isolated bucket's prefix patterns (MatchIsolated) and every
// ordinary uid's exact process names (MatchExact), so both checks run
// in time linear in the command line length regardless of how many
// entries a uid has, rather than a per-entry comparison loop.
func buildMatchers(byUID map[int][]string) map[int]*ahocorasick.Trie {
	matchers := make(map[int]*ahocorasick.Trie, len(byUID))
	for uid, names := range byUID {
		matchers[uid] = ahocorasick.NewTrieBuilder().AddStrings(names).Build()
	}
	return matchers
}

// UID returns the owning uid of pkgDir, or false if it does not exist.
func UID(pkgDir string) (int, bool) {
	var st syscall.Stat_t
	if err := syscall.Stat(pkgDir, &st); err != nil {
		return 0, false
	}
	return int(st.Uid), true
}

// ParseUserDir extracts the multiuser user id from a data-root entry
// name, e.g. "0" or "10" under /data/user. Non-numeric entries (legacy
// single-user layouts under /data/data) return ok=false.
func ParseUserDir(name string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(name))
	if err != nil {
		return 0, false
	}
	return n, true
}
