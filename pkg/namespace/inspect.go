package namespace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/ipdelete/contain/pkg/errdefs"
)

// NsLink is one resolved /proc/<pid>/ns entry. Target has the kernel's
// "<type>:[<inode>]" form; two processes share a namespace iff their
// targets are equal.
type NsLink struct {
	Name   string
	Target string
}

// Inspect resolves every namespace symlink of the given process. Pass 0
// for the calling process.
func Inspect(pid int) ([]NsLink, error) {
	dir := procNsDir(pid)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errdefs.Errno(err) == syscall.ENOENT {
			return nil, errdefs.NotFound("process namespace directory", dir)
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	links := make([]NsLink, 0, len(entries))
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		target, err := os.Readlink(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		links = append(links, NsLink{Name: entry.Name(), Target: target})
	}
	sort.Slice(links, func(i, j int) bool { return links[i].Name < links[j].Name })
	return links, nil
}

// Readlink resolves one namespace symlink for the given process.
func Readlink(pid int, kind Kind) (string, error) {
	path := filepath.Join(procNsDir(pid), kind.ProcFile())
	target, err := os.Readlink(path)
	if err != nil {
		if errdefs.Errno(err) == syscall.ENOENT {
			return "", errdefs.NotFound(fmt.Sprintf("%s namespace file", kind), path)
		}
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	return target, nil
}

// Shared reports whether two processes are in the same namespace of the
// given kind, by comparing their resolved namespace links.
func Shared(pidA, pidB int, kind Kind) (bool, error) {
	a, err := Readlink(pidA, kind)
	if err != nil {
		return false, err
	}
	b, err := Readlink(pidB, kind)
	if err != nil {
		return false, err
	}
	return a == b, nil
}

func procNsDir(pid int) string {
	if pid == 0 {
		return "/proc/self/ns"
	}
	return fmt.Sprintf("/proc/%d/ns", pid)
}
