package namespace

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ipdelete/contain/pkg/errdefs"
)

// setns is the raw syscall boundary for joining a namespace. Validation
// (path existence, kind mapping) happens in the caller; this function
// only performs the call and errno translation.
func setns(fd int, nstype uintptr) error {
	return unix.Setns(fd, int(nstype))
}

// Join moves the calling thread into the namespace referenced by the
// file at path. The descriptor is held only for the duration of the
// call; the path is not assumed to stay valid afterwards.
//
// Joining a user namespace is only permitted while the calling process
// is single-threaded, a kernel constraint. Callers must not join user
// namespaces from a multi-threaded harness; the container init path
// satisfies this by locking the OS thread before the Go runtime spawns
// workers.
func Join(kind Kind, path string) error {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		if errdefs.Errno(err) == syscall.ENOENT {
			return errdefs.NotFound(fmt.Sprintf("%s namespace file", kind), path)
		}
		return fmt.Errorf("failed to open namespace file %s: %w", path, err)
	}
	defer f.Close()

	if err := setns(int(f.Fd()), kind.CloneFlag()); err != nil {
		switch errdefs.Errno(err) {
		case syscall.EPERM, syscall.EACCES:
			return errdefs.PermissionDenied(fmt.Sprintf("joining %s namespace at %s", kind, path))
		case syscall.EINVAL:
			return fmt.Errorf("namespace file %s is not a %s namespace: %w", path, kind, err)
		}
		return fmt.Errorf("failed to join %s namespace at %s: %w", kind, path, err)
	}
	return nil
}
