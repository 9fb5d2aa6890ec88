package namespace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Child-side pipe fds, matching the ExtraFiles order in Compose.
const (
	configFD  = 3
	statusFD  = 4
	releaseFD = 5
)

// Setup stage names, relayed to the parent on failure.
const (
	StageConfig       = "read-config"
	StageJoin         = "join-namespace"
	StageMountPrivate = "mount-private"
	StagePivotRoot    = "pivot-root"
	StageMountProc    = "mount-proc"
	StageReadonly     = "readonly-rootfs"
	StageHostname     = "set-hostname"
	StageLoopback     = "loopback-up"
	StageSync         = "sync"
	StageExec         = "exec"
)

// InitConfig is the work order the parent sends to the child over the
// config pipe: which namespaces to join, how to rebuild the filesystem
// view, and what to exec once released.
type InitConfig struct {
	Namespaces      []Entry  `json:"namespaces,omitempty"`
	Hostname        string   `json:"hostname,omitempty"`
	Rootfs          string   `json:"rootfs,omitempty"`
	ReadonlyRootfs  bool     `json:"readonly_rootfs,omitempty"`
	PrivatizeMounts bool     `json:"privatize_mounts,omitempty"`
	MountProc       bool     `json:"mount_proc,omitempty"`
	SetupLoopback   bool     `json:"setup_loopback,omitempty"`
	Cwd             string   `json:"cwd,omitempty"`
	Args            []string `json:"args"`
	Env             []string `json:"env,omitempty"`
}

type initStatus struct {
	Stage string `json:"stage"`
	Error string `json:"error,omitempty"`
}

// RunInit is the child half of Compose. It runs in the re-exec'd
// process, already inside every freshly created namespace, performs the
// setup stages in order, reports readiness, parks until the parent
// releases it, and execs the target process. On success it never
// returns. On failure it reports the failed stage over the status pipe
// and returns, after which the caller must exit non-zero so the parent's
// wait observes the failure.
//
// The caller must have locked the OS thread before the Go scheduler
// spawned additional threads; namespace joins are thread-level state.
func RunInit() error {
	configF := os.NewFile(configFD, "init-config")
	statusF := os.NewFile(statusFD, "init-status")
	releaseF := os.NewFile(releaseFD, "init-release")

	fail := func(stage string, err error) error {
		msg, _ := json.Marshal(initStatus{Stage: stage, Error: err.Error()})
		statusF.Write(msg)
		statusF.Close()
		return fmt.Errorf("%s: %w", stage, err)
	}

	var cfg InitConfig
	if err := json.NewDecoder(configF).Decode(&cfg); err != nil {
		return fail(StageConfig, err)
	}
	configF.Close()

	for _, entry := range cfg.Namespaces {
		if err := Join(entry.Kind, entry.Path); err != nil {
			return fail(StageJoin, err)
		}
	}

	if cfg.PrivatizeMounts {
		// Stop mount events from propagating to the host before any
		// other mount changes.
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			return fail(StageMountPrivate, os.NewSyscallError("mount", err))
		}
	}

	if cfg.Rootfs != "" {
		if err := pivotRoot(cfg.Rootfs); err != nil {
			return fail(StagePivotRoot, err)
		}
	}

	if cfg.MountProc {
		// A fresh proc is required for introspection inside a new PID
		// namespace; without it tools still read the host's PIDs.
		if err := os.MkdirAll("/proc", 0o755); err != nil {
			return fail(StageMountProc, err)
		}
		if err := unix.Mount("proc", "/proc", "proc", unix.MS_NOEXEC|unix.MS_NOSUID|unix.MS_NODEV, ""); err != nil {
			return fail(StageMountProc, os.NewSyscallError("mount", err))
		}
	}

	if cfg.ReadonlyRootfs && cfg.Rootfs != "" {
		if err := unix.Mount("", "/", "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
			return fail(StageReadonly, os.NewSyscallError("mount", err))
		}
	}

	if cfg.Hostname != "" {
		if err := unix.Sethostname([]byte(cfg.Hostname)); err != nil {
			return fail(StageHostname, os.NewSyscallError("sethostname", err))
		}
	}

	if cfg.SetupLoopback {
		// A new network namespace starts with lo down and nothing else.
		if err := loopbackUp(); err != nil {
			return fail(StageLoopback, err)
		}
	}

	// Ready: park before exec so the parent can attach this PID to its
	// cgroup while no user code has run yet.
	ready, _ := json.Marshal(initStatus{Stage: StageSync})
	if _, err := statusF.Write(ready); err != nil {
		return fail(StageSync, err)
	}
	statusF.Close()

	buf := make([]byte, 1)
	if _, err := releaseF.Read(buf); err != nil {
		if err == io.EOF {
			return fmt.Errorf("%s: parent closed release pipe before releasing", StageSync)
		}
		return fmt.Errorf("%s: %w", StageSync, err)
	}
	releaseF.Close()

	if cfg.Cwd != "" {
		if err := os.Chdir(cfg.Cwd); err != nil {
			return fmt.Errorf("%s: %w", StageExec, err)
		}
	}

	argv0, err := lookPath(cfg.Args[0], cfg.Env)
	if err != nil {
		return fmt.Errorf("%s: %w", StageExec, err)
	}
	if err := unix.Exec(argv0, cfg.Args, cfg.Env); err != nil {
		return fmt.Errorf("%s: %w", StageExec, os.NewSyscallError("execve", err))
	}
	panic("unreachable")
}

// pivotRoot makes rootfs the process's root view. The directory is bind
// mounted onto itself first because pivot_root requires the new root to
// be a mount point.
func pivotRoot(rootfs string) error {
	if err := unix.Mount(rootfs, rootfs, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("failed to bind mount rootfs %s: %w", rootfs, err)
	}
	oldRoot := filepath.Join(rootfs, ".oldroot")
	if err := os.MkdirAll(oldRoot, 0o700); err != nil {
		return fmt.Errorf("failed to create old root mount point: %w", err)
	}
	if err := unix.PivotRoot(rootfs, oldRoot); err != nil {
		return fmt.Errorf("failed to pivot into %s: %w", rootfs, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("failed to chdir to new root: %w", err)
	}
	// The old root stays visible under /.oldroot until detached; lazily
	// unmount so the host's mount tree drops out of the container view.
	if err := unix.Unmount("/.oldroot", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("failed to detach old root: %w", err)
	}
	if err := os.Remove("/.oldroot"); err != nil {
		return fmt.Errorf("failed to remove old root mount point: %w", err)
	}
	return nil
}

func loopbackUp() error {
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("failed to find loopback interface: %w", err)
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return fmt.Errorf("failed to bring loopback up: %w", err)
	}
	return nil
}

// lookPath resolves a bare command name against the PATH entries of the
// container's environment, since exec.LookPath would consult the
// runtime's own environment instead.
func lookPath(file string, env []string) (string, error) {
	if strings.Contains(file, "/") {
		return file, nil
	}
	var pathEnv string
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			pathEnv = strings.TrimPrefix(kv, "PATH=")
		}
	}
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, file)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", &exec.Error{Name: file, Err: exec.ErrNotFound}
}
