package namespace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/ipdelete/contain/pkg/errdefs"
	"github.com/ipdelete/contain/pkg/log"
)

// Composer creates containers' namespace environments by re-executing
// the runtime binary with CLONE_NEW* flags. The dual-branch nature of a
// fork is made explicit by the process boundary: the parent holds a
// ChildHandle, the child runs the init entrypoint (Setup) and never
// returns to the caller's code path.
type Composer struct {
	initPath string
	initArgs []string
	logger   zerolog.Logger
}

// NewComposer returns a composer whose children run initPath with
// initArgs as the init entrypoint. Pass "/proc/self/exe" and the hidden
// init subcommand of the CLI.
func NewComposer(initPath string, initArgs ...string) *Composer {
	return &Composer{
		initPath: initPath,
		initArgs: initArgs,
		logger:   log.WithComponent("namespace"),
	}
}

// Compose requests every create-new namespace in the set as a single
// atomic kernel request and crosses the fork boundary. The calling
// process's own namespace membership is unchanged: creating a PID
// namespace only affects future children, never the caller.
//
// The returned handle wraps the child's OS PID. The child reads cfg over
// its config pipe, performs the ordered setup steps, reports readiness
// on its status pipe, and blocks before exec until Release is called, so
// the parent can attach the PID to a cgroup while the child has not yet
// run a single instruction of user code.
func (c *Composer) Compose(set *Set, cfg *InitConfig) (*ChildHandle, error) {
	if cfg == nil {
		return nil, errdefs.InvalidSpec("process", "init configuration is required")
	}
	if len(cfg.Args) == 0 {
		return nil, errdefs.InvalidSpec("process.args", "must not be empty")
	}
	// Pivoting in a shared mount namespace would propagate the rootfs
	// bind mount into the host's mount table before pivot_root fails.
	if cfg.Rootfs != "" && !set.Contains(KindMount) {
		return nil, errdefs.InvalidSpec("linux.namespaces", "a rootfs pivot requires a mount namespace")
	}
	// setns(CLONE_NEWPID) only moves the joiner's future children; the
	// exec'd process would silently stay in its original pid namespace.
	for _, entry := range set.Joins() {
		if entry.Kind == KindPid {
			return nil, errdefs.InvalidSpec("linux.namespaces", "joining an existing pid namespace is not supported; it would not apply to the container process")
		}
	}
	cfg.Namespaces = set.Joins()
	cfg.PrivatizeMounts = set.Contains(KindMount)
	// Overmounting /proc is only safe behind a private mount namespace.
	cfg.MountProc = set.Creates(KindPid) && set.Contains(KindMount)
	cfg.SetupLoopback = set.Creates(KindNet)
	if !set.Contains(KindUts) {
		cfg.Hostname = ""
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode init config: %w", err)
	}

	configR, configW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create config pipe: %w", err)
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		configR.Close()
		configW.Close()
		return nil, fmt.Errorf("failed to create status pipe: %w", err)
	}
	releaseR, releaseW, err := os.Pipe()
	if err != nil {
		configR.Close()
		configW.Close()
		statusR.Close()
		statusW.Close()
		return nil, fmt.Errorf("failed to create release pipe: %w", err)
	}

	cmd := exec.Command(c.initPath, c.initArgs...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Pipe ends land at fds 3, 4, 5 in the child, matching the init
	// entrypoint's contract.
	cmd.ExtraFiles = []*os.File{configR, statusW, releaseR}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: set.CloneFlags(),
	}
	if set.Creates(KindUser) {
		// A fresh user namespace starts without mappings; map the
		// invoking user to root inside.
		cmd.SysProcAttr.UidMappings = []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		}
		cmd.SysProcAttr.GidMappings = []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		}
		cmd.SysProcAttr.GidMappingsEnableSetgroups = false
	}

	err = cmd.Start()
	// Child ends are duplicated into the child by Start (or not needed
	// on failure); the parent closes its copies either way.
	configR.Close()
	statusW.Close()
	releaseR.Close()
	if err != nil {
		configW.Close()
		statusR.Close()
		releaseW.Close()
		if errno := errdefs.Errno(err); errno == syscall.EPERM || errno == syscall.EACCES {
			return nil, errdefs.PermissionDenied(fmt.Sprintf("creating namespaces %v", setKinds(set)))
		}
		return nil, fmt.Errorf("failed to start container init: %w", err)
	}

	if _, err := configW.Write(payload); err != nil {
		configW.Close()
		statusR.Close()
		releaseW.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("failed to send init config to child: %w", err)
	}
	configW.Close()

	c.logger.Debug().Int("pid", cmd.Process.Pid).Msg("container init forked")
	return &ChildHandle{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		status:  statusR,
		release: releaseW,
	}, nil
}

func setKinds(set *Set) []Kind {
	var kinds []Kind
	for _, k := range Kinds {
		if set.Creates(k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// ChildHandle is the parent-side view of a composed child process.
type ChildHandle struct {
	cmd     *exec.Cmd
	pid     int
	status  *os.File
	release *os.File
}

// Pid returns the child's PID as seen from the parent's namespace.
func (h *ChildHandle) Pid() int {
	return h.pid
}

// AwaitReady blocks until the child has finished its namespace and
// rootfs setup and is parked before exec. If any setup stage failed the
// child exits non-zero; the failure is reaped here and reported as
// ChildSetupFailed with the stage relayed over the status pipe, so a
// dying child can never leave the parent deadlocked or orphaned.
func (h *ChildHandle) AwaitReady() error {
	var st initStatus
	decodeErr := json.NewDecoder(h.status).Decode(&st)
	if decodeErr != nil {
		// Pipe closed without a status: the child died before or while
		// reporting. Reap it and derive the error from the exit status.
		h.closePipes()
		err := h.cmd.Wait()
		return childExitError(err)
	}
	if st.Error != "" {
		h.closePipes()
		_ = h.cmd.Wait()
		return errdefs.ChildSetup(st.Stage, st.Error)
	}
	return nil
}

// Release lets a ready child proceed to exec. Call only after AwaitReady
// returned nil and any cgroup attachment is complete.
func (h *ChildHandle) Release() error {
	defer h.closePipes()
	if _, err := h.release.Write([]byte{0}); err != nil {
		_ = h.cmd.Process.Kill()
		_ = h.cmd.Wait()
		return fmt.Errorf("failed to release container init: %w", err)
	}
	return nil
}

// Signal delivers sig to the child process.
func (h *ChildHandle) Signal(sig syscall.Signal) error {
	if err := h.cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", h.pid, err)
	}
	return nil
}

// Wait blocks until the child exits and returns its exit status. A
// signal-terminated child reports 128+signal, matching shell convention.
func (h *ChildHandle) Wait() (int, error) {
	err := h.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ws, isWait := exitErr.Sys().(syscall.WaitStatus)
		if isWait && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("failed to wait for pid %d: %w", h.pid, err)
}

func (h *ChildHandle) closePipes() {
	if h.status != nil {
		h.status.Close()
		h.status = nil
	}
	if h.release != nil {
		h.release.Close()
		h.release = nil
	}
}

// childExitError turns a reaped child's exit error into a
// ChildSetupFailed kind when the stage was never relayed.
func childExitError(err error) error {
	if err == nil {
		return errdefs.ChildSetup("unknown", "child exited before reporting readiness")
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, isWait := exitErr.Sys().(syscall.WaitStatus); isWait && ws.Signaled() {
			return errdefs.ChildSetup("unknown", fmt.Sprintf("child killed by signal %s during setup", ws.Signal()))
		}
		return errdefs.ChildSetup("unknown", fmt.Sprintf("child exited with status %d during setup", exitErr.ExitCode()))
	}
	return fmt.Errorf("failed to reap container init: %w", err)
}
