// Package procfs provides pure, uncached reads over a process's procfs
// entries. Every function here does exactly one filesystem read (or stat)
// and fails cleanly when the process has already vanished.
package procfs

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrNoSuchProcess is returned when the pid's /proc entry (or one of the
// files under it) no longer exists. Callers treat this as "the process
// died unexpectedly" and detach/forget it without retrying.
var ErrNoSuchProcess = fmt.Errorf("procfs: no such process")

// NamespaceID identifies a Linux mount namespace by the device and inode
// of its /proc/<pid>/ns/mnt handle. Two processes share a namespace iff
// both fields are equal.
type NamespaceID struct {
	Dev uint64
	Ino uint64
}

// ParentPID reads the fourth whitespace-separated field of
// /proc/<pid>/stat and returns the process's parent pid.
func ParentPID(pid int) (int, error) {
	f, err := os.Open(statPath(pid))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoSuchProcess
		}
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return 0, fmt.Errorf("procfs: read stat for pid %d: %w", pid, err)
	}

	// Fields are "pid (comm) state ppid ...". comm may itself contain
	// spaces and parens, so skip past the closing paren before splitting.
	close := strings.LastIndexByte(line, ')')
	if close < 0 || close+1 >= len(line) {
		return 0, fmt.Errorf("procfs: malformed stat line for pid %d", pid)
	}
	fields := strings.Fields(line[close+1:])
	if len(fields) < 2 {
		return 0, fmt.Errorf("procfs: malformed stat line for pid %d", pid)
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("procfs: parse ppid for pid %d: %w", pid, err)
	}
	return ppid, nil
}

// CommandLine reads /proc/<pid>/cmdline and returns the first
// nul-terminated argument (argv[0]).
func CommandLine(pid int) (string, error) {
	data, err := os.ReadFile(cmdlinePath(pid))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoSuchProcess
		}
		return "", err
	}
	if i := strings.IndexByte(string(data), 0); i >= 0 {
		return string(data[:i]), nil
	}
	return strings.TrimRight(string(data), "\x00"), nil
}

// OwningUID stats /proc/<pid> and returns its owning user id. A
// freshly-forked child is still owned by uid 0 (root, or the zygote's
// own uid) until it calls setuid to assume its final app identity.
func OwningUID(pid int) (int, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(procPath(pid), &st); err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoSuchProcess
		}
		return 0, err
	}
	return int(st.Uid), nil
}

// MountNamespace stats /proc/<pid>/ns/mnt and returns its device+inode
// identity.
func MountNamespace(pid int) (NamespaceID, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(nsMountPath(pid), &st); err != nil {
		if os.IsNotExist(err) {
			return NamespaceID{}, ErrNoSuchProcess
		}
		return NamespaceID{}, err
	}
	return NamespaceID{Dev: uint64(st.Dev), Ino: st.Ino}, nil
}

// IsThreadGroupLeader reads the "Tgid:" field of /proc/<pid>/status and
// reports whether it equals pid — i.e. whether pid names a process
// rather than one of its threads.
func IsThreadGroupLeader(pid int) (bool, error) {
	f, err := os.Open(statusPath(pid))
	if err != nil {
		if os.IsNotExist(err) {
			return false, ErrNoSuchProcess
		}
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "Tgid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return false, fmt.Errorf("procfs: malformed Tgid line for pid %d", pid)
		}
		tgid, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, fmt.Errorf("procfs: parse Tgid for pid %d: %w", pid, err)
		}
		return tgid == pid, nil
	}
	return false, fmt.Errorf("procfs: no Tgid field for pid %d", pid)
}

// Exists reports whether /proc/<pid> is still present.
func Exists(pid int) bool {
	_, err := os.Stat(procPath(pid))
	return err == nil
}

func procPath(pid int) string    { return fmt.Sprintf("/proc/%d", pid) }
func statPath(pid int) string    { return fmt.Sprintf("/proc/%d/stat", pid) }
func cmdlinePath(pid int) string { return fmt.Sprintf("/proc/%d/cmdline", pid) }
func statusPath(pid int) string  { return fmt.Sprintf("/proc/%d/status", pid) }
func nsMountPath(pid int) string { return fmt.Sprintf("/proc/%d/ns/mnt", pid) }
