package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/ipdelete/contain/pkg/errdefs"
	"github.com/ipdelete/contain/pkg/log"
	"github.com/ipdelete/contain/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultRoot is the standard cgroup v2 unified hierarchy mount point
	DefaultRoot = "/sys/fs/cgroup"

	procsFile          = "cgroup.procs"
	controllersFile    = "cgroup.controllers"
	subtreeControlFile = "cgroup.subtree_control"
)

// Controller manages cgroup v2 state as plain files under a single mount
// root. All operations are synchronous file I/O with no caching; the
// filesystem is the source of truth.
type Controller struct {
	root   string
	logger zerolog.Logger
}

// NewController creates a controller rooted at the given cgroup v2 mount
// point. Pass an empty root for the system default.
func NewController(root string) *Controller {
	if root == "" {
		root = DefaultRoot
	}
	return &Controller{
		root:   root,
		logger: log.WithComponent("cgroup"),
	}
}

// Root returns the cgroup mount root this controller operates under.
func (c *Controller) Root() string {
	return c.root
}

// resolve validates a cgroup path and joins it to the mount root. Paths
// are relative to the root; absolute paths and parent traversal are
// rejected rather than silently accepted.
func (c *Controller) resolve(path string) (string, error) {
	if path == "" {
		return "", errdefs.InvalidSpec("cgroup.path", "path must not be empty")
	}
	if strings.HasPrefix(path, "/") {
		return "", errdefs.InvalidSpec("cgroup.path", fmt.Sprintf("path %q must be relative to the cgroup root, not absolute", path))
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", errdefs.InvalidSpec("cgroup.path", fmt.Sprintf("path %q escapes the cgroup root", path))
	}
	return filepath.Join(c.root, clean), nil
}

// Create creates the cgroup directory. The parent cgroup must already
// exist; intermediate directories are not created implicitly.
func (c *Controller) Create(path string) error {
	dir, err := c.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		switch errdefs.Errno(err) {
		case syscall.EEXIST:
			return errdefs.AlreadyExists(dir)
		case syscall.ENOENT:
			return errdefs.NotFound("parent cgroup", filepath.Dir(dir))
		case syscall.EPERM, syscall.EACCES:
			return errdefs.PermissionDenied(fmt.Sprintf("creating cgroup %s", dir))
		}
		return fmt.Errorf("failed to create cgroup %s: %w", dir, err)
	}
	c.logger.Debug().Str("path", path).Msg("cgroup created")
	return nil
}

// Delete removes the cgroup directory. Deleting a cgroup with attached
// processes or child cgroups fails with Busy; callers must move or kill
// processes and delete children depth-first. Deleting a missing cgroup
// reports NotFound rather than succeeding.
func (c *Controller) Delete(path string) error {
	dir, err := c.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(dir); err != nil {
		switch errdefs.Errno(err) {
		case syscall.ENOENT:
			return errdefs.NotFound("cgroup", dir)
		case syscall.EBUSY, syscall.ENOTEMPTY:
			return errdefs.Busy(dir, "processes are still attached or child cgroups exist")
		case syscall.EPERM, syscall.EACCES:
			return errdefs.PermissionDenied(fmt.Sprintf("deleting cgroup %s", dir))
		}
		return fmt.Errorf("failed to delete cgroup %s: %w", dir, err)
	}
	c.logger.Debug().Str("path", path).Msg("cgroup deleted")
	return nil
}

// EnableControllers writes "+name" tokens to the parent's
// cgroup.subtree_control so the named controllers become usable in the
// cgroup at path. The kernel refuses this while the parent has processes
// directly attached (the no-internal-processes rule), which surfaces as
// Busy rather than a raw EBUSY.
func (c *Controller) EnableControllers(path string, controllers []string) error {
	dir, err := c.resolve(path)
	if err != nil {
		return err
	}
	parent := filepath.Dir(dir)
	tokens := make([]string, 0, len(controllers))
	for _, name := range controllers {
		tokens = append(tokens, "+"+name)
	}
	target := filepath.Join(parent, subtreeControlFile)
	if err := os.WriteFile(target, []byte(strings.Join(tokens, " ")), 0o644); err != nil {
		switch errdefs.Errno(err) {
		case syscall.EBUSY:
			return errdefs.Busy(parent, "parent cgroup has processes directly attached (no internal processes rule)")
		case syscall.ENOENT:
			return errdefs.NotFound("cgroup", parent)
		case syscall.EPERM, syscall.EACCES:
			return errdefs.PermissionDenied(fmt.Sprintf("enabling controllers %v for %s", controllers, dir))
		}
		return fmt.Errorf("failed to enable controllers %v in %s: %w", controllers, target, err)
	}
	c.logger.Debug().Str("path", path).Strs("controllers", controllers).Msg("controllers enabled")
	return nil
}

// Controllers reports the controllers available to the cgroup at path,
// read from its cgroup.controllers file. An empty path reads the root.
func (c *Controller) Controllers(path string) ([]string, error) {
	dir := c.root
	if path != "" {
		var err error
		if dir, err = c.resolve(path); err != nil {
			return nil, err
		}
	}
	data, err := c.readFile(dir, controllersFile)
	if err != nil {
		return nil, err
	}
	return strings.Fields(data), nil
}

// SetMemoryMax writes the memory limit in bytes to memory.max. The kernel
// rounds the stored value to page-size boundaries, so a read-back may
// differ from bytes by less than one page.
func (c *Controller) SetMemoryMax(path string, bytes uint64) error {
	return c.writeLimit(path, "memory.max", strconv.FormatUint(bytes, 10))
}

// SetCPUMax writes "<quota> <period>" (both microseconds) to cpu.max.
func (c *Controller) SetCPUMax(path string, quotaUs, periodUs int64) error {
	return c.writeLimit(path, "cpu.max", fmt.Sprintf("%d %d", quotaUs, periodUs))
}

// SetPidsMax writes the process-count limit to pids.max.
func (c *Controller) SetPidsMax(path string, max int64) error {
	return c.writeLimit(path, "pids.max", strconv.FormatInt(max, 10))
}

// SetIOMax writes an I/O bandwidth/IOPS limit for one device to io.max.
// Device is "major:minor"; limit is a spec like "rbps=1048576 wbps=1048576".
func (c *Controller) SetIOMax(path, device, limit string) error {
	return c.writeLimit(path, "io.max", device+" "+limit)
}

// ApplyResources applies every limit present in res to the cgroup at
// path. Limits must be in place before any process is attached so there
// is no window where the process runs unconstrained.
func (c *Controller) ApplyResources(path string, res *types.Resources) error {
	if res == nil {
		return nil
	}
	if res.MemoryMaxBytes != nil {
		if err := c.SetMemoryMax(path, *res.MemoryMaxBytes); err != nil {
			return err
		}
	}
	if res.CPU != nil {
		if err := c.SetCPUMax(path, res.CPU.QuotaUs, res.CPU.PeriodUs); err != nil {
			return err
		}
	}
	if res.PidsMax != nil {
		if err := c.SetPidsMax(path, *res.PidsMax); err != nil {
			return err
		}
	}
	return nil
}

// Attach writes the PID to the cgroup's cgroup.procs file, moving the
// process into the cgroup.
func (c *Controller) Attach(path string, pid int) error {
	dir, err := c.resolve(path)
	if err != nil {
		return err
	}
	target := filepath.Join(dir, procsFile)
	if err := os.WriteFile(target, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		switch errdefs.Errno(err) {
		case syscall.ESRCH:
			return errdefs.NotFound("process", strconv.Itoa(pid))
		case syscall.ENOENT:
			return errdefs.NotFound("cgroup", dir)
		case syscall.EPERM, syscall.EACCES:
			return errdefs.PermissionDenied(fmt.Sprintf("attaching pid %d to cgroup %s", pid, dir))
		}
		return fmt.Errorf("failed to attach pid %d to %s: %w", pid, target, err)
	}
	c.logger.Debug().Str("path", path).Int("pid", pid).Msg("process attached")
	return nil
}

// Procs lists the PIDs currently attached to the cgroup.
func (c *Controller) Procs(path string) ([]int, error) {
	dir, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := c.readFile(dir, procsFile)
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, line := range strings.Fields(data) {
		pid, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("unexpected entry %q in %s/%s: %w", line, dir, procsFile, err)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// ReadLimit returns the trimmed contents of a limit file such as
// memory.max, cpu.max, or pids.max.
func (c *Controller) ReadLimit(path, file string) (string, error) {
	dir, err := c.resolve(path)
	if err != nil {
		return "", err
	}
	return c.readFile(dir, file)
}

// MemoryCurrent reports the cgroup's current memory usage in bytes.
func (c *Controller) MemoryCurrent(path string) (uint64, error) {
	return c.readUint(path, "memory.current")
}

// PidsCurrent reports the number of processes currently in the cgroup.
func (c *Controller) PidsCurrent(path string) (uint64, error) {
	return c.readUint(path, "pids.current")
}

// CPUStat parses the key/value pairs of cpu.stat (usage_usec,
// user_usec, system_usec and, when bandwidth limiting is active,
// nr_periods, nr_throttled, throttled_usec).
func (c *Controller) CPUStat(path string) (map[string]int64, error) {
	dir, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := c.readFile(dir, "cpu.stat")
	if err != nil {
		return nil, err
	}
	stats := make(map[string]int64)
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unexpected cpu.stat line %q: %w", line, err)
		}
		stats[fields[0]] = v
	}
	return stats, nil
}

func (c *Controller) readUint(path, file string) (uint64, error) {
	dir, err := c.resolve(path)
	if err != nil {
		return 0, err
	}
	data, err := c.readFile(dir, file)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(data, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected contents of %s/%s: %w", dir, file, err)
	}
	return v, nil
}

func (c *Controller) writeLimit(path, file, value string) error {
	dir, err := c.resolve(path)
	if err != nil {
		return err
	}
	target := filepath.Join(dir, file)
	if err := os.WriteFile(target, []byte(value), 0o644); err != nil {
		switch errdefs.Errno(err) {
		case syscall.ENOENT:
			return errdefs.NotFound("cgroup limit file", target)
		case syscall.EPERM, syscall.EACCES:
			return errdefs.PermissionDenied(fmt.Sprintf("writing %s to %s", value, target))
		}
		return fmt.Errorf("failed to write %q to %s: %w", value, target, err)
	}
	c.logger.Debug().Str("file", target).Str("value", value).Msg("limit applied")
	return nil
}

func (c *Controller) readFile(dir, file string) (string, error) {
	target := filepath.Join(dir, file)
	data, err := os.ReadFile(target)
	if err != nil {
		switch errdefs.Errno(err) {
		case syscall.ENOENT:
			return "", errdefs.NotFound("cgroup file", target)
		case syscall.EPERM, syscall.EACCES:
			return "", errdefs.PermissionDenied(fmt.Sprintf("reading %s", target))
		}
		return "", fmt.Errorf("failed to read %s: %w", target, err)
	}
	return strings.TrimSpace(string(data)), nil
}
