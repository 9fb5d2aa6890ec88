package network

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/ipdelete/contain/pkg/errdefs"
	"github.com/ipdelete/contain/pkg/log"
)

// DefaultNsDir is where named network namespace files are bind mounted,
// keeping each namespace alive without a resident process.
const DefaultNsDir = "/run/contain/netns"

// Manager creates and deletes named network namespaces. A named
// namespace is a bind mount of a namespace file under the manager's
// directory; the kernel keeps the namespace alive as long as the mount
// exists, following the ip-netns convention.
type Manager struct {
	dir    string
	logger zerolog.Logger
}

// NewManager returns a manager storing namespace files under dir, or
// DefaultNsDir when dir is empty.
func NewManager(dir string) *Manager {
	if dir == "" {
		dir = DefaultNsDir
	}
	return &Manager{dir: dir, logger: log.WithComponent("network")}
}

// Path returns the namespace file path for a named namespace, suitable
// for joining or for a bundle's linux.namespaces path field.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.dir, name)
}

// Create makes a new network namespace and pins it under the manager's
// directory. The calling thread briefly enters the new namespace and is
// restored before returning; the process's view is unchanged.
func (m *Manager) Create(name string) error {
	target := m.Path(name)
	if _, err := os.Stat(target); err == nil {
		return errdefs.AlreadyExists(target)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create namespace directory %s: %w", m.dir, err)
	}

	// Namespace membership is per-thread state; pin the thread while we
	// switch in and out.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return fmt.Errorf("failed to capture current network namespace: %w", err)
	}
	defer orig.Close()

	created, err := netns.New()
	if err != nil {
		if errno := errdefs.Errno(err); errno == syscall.EPERM || errno == syscall.EACCES {
			return errdefs.PermissionDenied(fmt.Sprintf("creating network namespace %s", name))
		}
		return fmt.Errorf("failed to create network namespace: %w", err)
	}
	defer created.Close()
	defer func() {
		if err := netns.Set(orig); err != nil {
			m.logger.Error().Err(err).Msg("failed to restore original network namespace")
		}
	}()

	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create namespace mount point %s: %w", target, err)
	}
	f.Close()

	if err := unix.Mount("/proc/thread-self/ns/net", target, "none", unix.MS_BIND, ""); err != nil {
		os.Remove(target)
		if err == syscall.EPERM || err == syscall.EACCES {
			return errdefs.PermissionDenied(fmt.Sprintf("pinning network namespace at %s", target))
		}
		return fmt.Errorf("failed to pin network namespace at %s: %w", target, err)
	}
	m.logger.Info().Str("name", name).Str("path", target).Msg("network namespace created")
	return nil
}

// Delete unpins and removes a named network namespace. The namespace
// itself dies once the last process and fd referencing it are gone.
func (m *Manager) Delete(name string) error {
	target := m.Path(name)
	if _, err := os.Stat(target); err != nil {
		return errdefs.NotFound("network namespace", target)
	}
	if err := unix.Unmount(target, unix.MNT_DETACH); err != nil && err != syscall.EINVAL {
		if err == syscall.EPERM || err == syscall.EACCES {
			return errdefs.PermissionDenied(fmt.Sprintf("unpinning network namespace %s", target))
		}
		return fmt.Errorf("failed to unpin network namespace %s: %w", target, err)
	}
	if err := os.Remove(target); err != nil {
		return fmt.Errorf("failed to remove namespace file %s: %w", target, err)
	}
	m.logger.Info().Str("name", name).Msg("network namespace deleted")
	return nil
}

// List returns the names of all pinned namespaces.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", m.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
