package procfs

import (
	"os"
	"strconv"
)

// CrawlPids enumerates every numeric entry under /proc and invokes fn
// once per pid found. It mirrors the source's crawl_procfs: a single
// readdir pass, numeric-name entries only, no ordering guarantee.
func CrawlPids(fn func(pid int)) error {
	dir, err := os.Open("/proc")
	if err != nil {
		return err
	}
	defer dir.Close()

	names, err := dir.Readdirnames(-1)
	if err != nil {
		return err
	}
	for _, name := range names {
		pid, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		fn(pid)
	}
	return nil
}
