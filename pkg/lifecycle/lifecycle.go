package lifecycle

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/ipdelete/contain/pkg/bundle"
	"github.com/ipdelete/contain/pkg/cgroup"
	"github.com/ipdelete/contain/pkg/errdefs"
	"github.com/ipdelete/contain/pkg/log"
	"github.com/ipdelete/contain/pkg/namespace"
	"github.com/ipdelete/contain/pkg/storage"
	"github.com/ipdelete/contain/pkg/types"
)

const (
	// DefaultDataDir holds the container state database
	DefaultDataDir = "/var/lib/contain"

	// cgroupPrefix namespaces this runtime's cgroups under the mount root
	cgroupPrefix = "contain-"

	// deleteRetries bounds the reap-and-retry loop when deleting a
	// cgroup that still reports attached processes
	deleteRetries = 5
)

// Config holds lifecycle manager configuration
type Config struct {
	DataDir    string
	CgroupRoot string
	// InitCommand is the argv used to re-exec the runtime as a
	// container init, e.g. ["/proc/self/exe", "init"].
	InitCommand []string
}

// Manager owns the container lifecycle state machine. It is the sole
// writer of each container's cgroup subtree and the only component
// holding the live OS process handle.
type Manager struct {
	store    storage.Store
	cgroups  *cgroup.Controller
	bundles  *bundle.Store
	composer *namespace.Composer
	logger   zerolog.Logger
}

// NewManager creates a lifecycle manager backed by a bolt store under
// cfg.DataDir.
func NewManager(cfg *Config) (*Manager, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	if len(cfg.InitCommand) == 0 {
		return nil, fmt.Errorf("init command is required")
	}
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return &Manager{
		store:    store,
		cgroups:  cgroup.NewController(cfg.CgroupRoot),
		bundles:  bundle.NewStore(),
		composer: namespace.NewComposer(cfg.InitCommand[0], cfg.InitCommand[1:]...),
		logger:   log.WithComponent("lifecycle"),
	}, nil
}

// Close releases the state store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// Create provisions a container from the bundle at bundlePath: it
// generates a unique ID, creates the container's cgroup, enables the
// controllers its limits need, and applies those limits. The process is
// not started. Resource limits given here override the bundle's hints.
func (m *Manager) Create(bundlePath string, res *types.Resources) (*types.Container, error) {
	b, err := m.bundles.Load(bundlePath)
	if err != nil {
		return nil, err
	}
	// Pre-validate the namespace configuration so a bad bundle fails at
	// create time, not mid-start.
	if b.Spec.Linux != nil {
		if _, err := namespace.SetFromOCI(b.Spec.Linux.Namespaces); err != nil {
			return nil, err
		}
	}
	if res == nil {
		res = resourcesFromSpec(b.Spec)
	}

	// A generated ID in every cgroup path makes concurrent containers'
	// subtrees disjoint by construction; there is no kernel-side lock
	// to take instead.
	id := uuid.New().String()
	cgroupPath := cgroupPrefix + id

	if err := m.cgroups.Create(cgroupPath); err != nil {
		return nil, err
	}
	if err := m.setupCgroup(cgroupPath, res); err != nil {
		// Partial setup must not leak the cgroup.
		if derr := m.cgroups.Delete(cgroupPath); derr != nil {
			m.logger.Warn().Err(derr).Str("cgroup", cgroupPath).Msg("failed to clean up cgroup after create failure")
		}
		return nil, err
	}

	container := &types.Container{
		ID:         id,
		BundlePath: bundlePath,
		CgroupPath: cgroupPath,
		Resources:  res,
		Phase:      types.PhaseCreated,
		CreatedAt:  time.Now(),
	}
	if err := m.store.CreateContainer(container); err != nil {
		if derr := m.cgroups.Delete(cgroupPath); derr != nil {
			m.logger.Warn().Err(derr).Str("cgroup", cgroupPath).Msg("failed to clean up cgroup after store failure")
		}
		return nil, fmt.Errorf("failed to record container: %w", err)
	}
	m.logger.Info().Str("container_id", id).Str("bundle", bundlePath).Msg("container created")
	return container, nil
}

func (m *Manager) setupCgroup(path string, res *types.Resources) error {
	controllers := neededControllers(res)
	if len(controllers) > 0 {
		if err := m.cgroups.EnableControllers(path, controllers); err != nil {
			return err
		}
	}
	return m.cgroups.ApplyResources(path, res)
}

// Start transitions a Created container to Running. The composed child
// finishes namespace and rootfs setup, then parks; its PID is attached
// to the cgroup from the parent side before it is released to exec, so
// the process is inside its limits from its first user instruction.
//
// A failure after the cgroup was provisioned leaves the cgroup in place
// for inspection; only Delete removes it.
func (m *Manager) Start(id string) (*namespace.ChildHandle, *types.Container, error) {
	container, err := m.store.GetContainer(id)
	if err != nil {
		return nil, nil, err
	}
	if container.Phase != types.PhaseCreated {
		return nil, nil, errdefs.InvalidState(string(types.PhaseCreated), string(container.Phase))
	}

	b, err := m.bundles.Load(container.BundlePath)
	if err != nil {
		return nil, nil, err
	}
	var set *namespace.Set
	if b.Spec.Linux != nil {
		set, err = namespace.SetFromOCI(b.Spec.Linux.Namespaces)
	} else {
		set = namespace.NewSet()
	}
	if err != nil {
		return nil, nil, err
	}

	cfg := &namespace.InitConfig{
		Hostname:       b.Spec.Hostname,
		Rootfs:         b.Rootfs(),
		ReadonlyRootfs: b.Spec.Root.Readonly,
		Cwd:            b.Spec.Process.Cwd,
		Args:           b.Spec.Process.Args,
		Env:            b.Spec.Process.Env,
	}

	handle, err := m.composer.Compose(set, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := handle.AwaitReady(); err != nil {
		m.recordError(container, err)
		return nil, nil, err
	}
	if err := m.cgroups.Attach(container.CgroupPath, handle.Pid()); err != nil {
		// The parked child must not run unattached; take it down and
		// reap it before reporting.
		_ = handle.Signal(syscall.SIGKILL)
		_, _ = handle.Wait()
		m.recordError(container, err)
		return nil, nil, err
	}
	if err := handle.Release(); err != nil {
		m.recordError(container, err)
		return nil, nil, err
	}

	container.Pid = handle.Pid()
	container.Phase = types.PhaseRunning
	container.StartedAt = time.Now()
	if err := m.store.UpdateContainer(container); err != nil {
		return nil, nil, fmt.Errorf("failed to record started container: %w", err)
	}
	m.logger.Info().Str("container_id", id).Int("pid", container.Pid).Msg("container started")
	return handle, container, nil
}

// Signal delivers sig to a running container's process. The caller
// keeps tracking the container; this does not block.
func (m *Manager) Signal(id string, sig syscall.Signal) error {
	container, err := m.refresh(id)
	if err != nil {
		return err
	}
	if container.Phase != types.PhaseRunning {
		return errdefs.InvalidState(string(types.PhaseRunning), string(container.Phase))
	}
	if err := syscall.Kill(container.Pid, sig); err != nil {
		if err == syscall.ESRCH {
			return errdefs.NotFound("process", fmt.Sprintf("%d", container.Pid))
		}
		return fmt.Errorf("failed to signal pid %d: %w", container.Pid, err)
	}
	m.logger.Info().Str("container_id", id).Int("pid", container.Pid).Str("signal", sig.String()).Msg("signal delivered")
	return nil
}

// Wait blocks until the container's process exits and records the exit
// status. When handle is non-nil the caller is the process's parent and
// the status comes from wait(2); otherwise the process is observed via
// polling and the exact status is unavailable (recorded as -1).
func (m *Manager) Wait(id string, handle *namespace.ChildHandle) (int, error) {
	container, err := m.store.GetContainer(id)
	if err != nil {
		return -1, err
	}
	if container.Phase == types.PhaseStopped {
		return container.ExitStatus, nil
	}
	if container.Phase != types.PhaseRunning {
		return -1, errdefs.InvalidState(string(types.PhaseRunning), string(container.Phase))
	}

	status := -1
	if handle != nil {
		status, err = handle.Wait()
		if err != nil {
			return -1, err
		}
	} else {
		for processAlive(container.Pid) {
			time.Sleep(100 * time.Millisecond)
		}
	}

	container.Phase = types.PhaseStopped
	container.Exited = true
	container.ExitStatus = status
	container.FinishedAt = time.Now()
	if err := m.store.UpdateContainer(container); err != nil {
		return status, fmt.Errorf("failed to record exit: %w", err)
	}
	m.logger.Info().Str("container_id", id).Int("status", status).Msg("container exited")
	return status, nil
}

// Stop terminates a running container: SIGTERM first, then SIGKILL if
// the process has not exited within timeout. There is no cooperative
// cancellation inside the container; it is a plain OS process.
func (m *Manager) Stop(id string, timeout time.Duration) error {
	container, err := m.refresh(id)
	if err != nil {
		return err
	}
	if container.Phase != types.PhaseRunning {
		return errdefs.InvalidState(string(types.PhaseRunning), string(container.Phase))
	}

	if err := syscall.Kill(container.Pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("failed to signal pid %d: %w", container.Pid, err)
	}
	deadline := time.Now().Add(timeout)
	for processAlive(container.Pid) {
		if time.Now().After(deadline) {
			m.logger.Warn().Str("container_id", id).Msg("graceful stop timed out, killing")
			if err := syscall.Kill(container.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
				return fmt.Errorf("failed to kill pid %d: %w", container.Pid, err)
			}
		}
		time.Sleep(50 * time.Millisecond)
	}

	container.Phase = types.PhaseStopped
	container.Exited = true
	container.ExitStatus = -1
	container.FinishedAt = time.Now()
	if err := m.store.UpdateContainer(container); err != nil {
		return fmt.Errorf("failed to record stop: %w", err)
	}
	m.logger.Info().Str("container_id", id).Msg("container stopped")
	return nil
}

// Delete tears down a Stopped or Created container: it removes the
// cgroup (reaping any stray attached processes first) and drops the
// record. Deleting a Running container fails with InvalidState unless
// force is set, in which case the container is stopped first.
func (m *Manager) Delete(id string, force bool) error {
	container, err := m.refresh(id)
	if err != nil {
		return err
	}
	if container.Phase == types.PhaseRunning {
		if !force {
			return errdefs.InvalidState("stopped or created", string(types.PhaseRunning))
		}
		if err := m.Stop(id, 10*time.Second); err != nil {
			return err
		}
		if container, err = m.store.GetContainer(id); err != nil {
			return err
		}
	}

	if err := m.deleteCgroup(container.CgroupPath); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		return err
	}
	if err := m.store.DeleteContainer(id); err != nil {
		return err
	}
	m.logger.Info().Str("container_id", id).Msg("container deleted")
	return nil
}

// deleteCgroup removes the container's cgroup, kill-and-reaping any
// processes still attached between attempts.
func (m *Manager) deleteCgroup(path string) error {
	var err error
	for attempt := 0; attempt < deleteRetries; attempt++ {
		err = m.cgroups.Delete(path)
		if err == nil || !errors.Is(err, errdefs.ErrBusy) {
			return err
		}
		pids, perr := m.cgroups.Procs(path)
		if perr != nil {
			return err
		}
		for _, pid := range pids {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
		time.Sleep(50 * time.Millisecond)
	}
	return err
}

// Get returns one container record, with its phase refreshed against
// the live process table.
func (m *Manager) Get(id string) (*types.Container, error) {
	return m.refresh(id)
}

// List returns all tracked containers.
func (m *Manager) List() ([]*types.Container, error) {
	return m.store.ListContainers()
}

// refresh reconciles a Running record with reality: a container whose
// process has vanished (exited while no one was waiting) moves to
// Stopped.
func (m *Manager) refresh(id string) (*types.Container, error) {
	container, err := m.store.GetContainer(id)
	if err != nil {
		return nil, err
	}
	if container.Phase == types.PhaseRunning && !processAlive(container.Pid) {
		container.Phase = types.PhaseStopped
		container.Exited = true
		container.ExitStatus = -1
		container.FinishedAt = time.Now()
		if err := m.store.UpdateContainer(container); err != nil {
			return nil, fmt.Errorf("failed to record exit: %w", err)
		}
	}
	return container, nil
}

func (m *Manager) recordError(container *types.Container, cause error) {
	container.Error = cause.Error()
	if err := m.store.UpdateContainer(container); err != nil {
		m.logger.Warn().Err(err).Str("container_id", container.ID).Msg("failed to record error")
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// neededControllers maps the requested limits to the cgroup controllers
// that must be enabled in the parent's subtree_control.
func neededControllers(res *types.Resources) []string {
	if res == nil {
		return nil
	}
	var controllers []string
	if res.MemoryMaxBytes != nil {
		controllers = append(controllers, "memory")
	}
	if res.CPU != nil {
		controllers = append(controllers, "cpu")
	}
	if res.PidsMax != nil {
		controllers = append(controllers, "pids")
	}
	return controllers
}

// resourcesFromSpec extracts the bundle's resource hints from its OCI
// linux.resources block.
func resourcesFromSpec(spec *specs.Spec) *types.Resources {
	if spec.Linux == nil || spec.Linux.Resources == nil {
		return nil
	}
	lr := spec.Linux.Resources
	res := &types.Resources{}
	found := false
	if lr.Memory != nil && lr.Memory.Limit != nil && *lr.Memory.Limit > 0 {
		v := uint64(*lr.Memory.Limit)
		res.MemoryMaxBytes = &v
		found = true
	}
	if lr.CPU != nil && lr.CPU.Quota != nil && *lr.CPU.Quota > 0 {
		period := int64(100000)
		if lr.CPU.Period != nil && *lr.CPU.Period > 0 {
			period = int64(*lr.CPU.Period)
		}
		res.CPU = &types.CPUQuota{QuotaUs: *lr.CPU.Quota, PeriodUs: period}
		found = true
	}
	if lr.Pids != nil && lr.Pids.Limit > 0 {
		v := lr.Pids.Limit
		res.PidsMax = &v
		found = true
	}
	if !found {
		return nil
	}
	return res
}
