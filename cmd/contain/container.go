package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/ipdelete/contain/pkg/lifecycle"
	"github.com/ipdelete/contain/pkg/namespace"
	"github.com/ipdelete/contain/pkg/types"
)

var createCmd = &cobra.Command{
	Use:   "create BUNDLE",
	Short: "Create a container from an OCI bundle",
	Long: `Create provisions a container without starting it: the bundle is
validated, a cgroup is created, and the requested limits are applied.
Limit flags override the bundle's own resource hints.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		container, err := mgr.Create(args[0], resourcesFromFlags(cmd))
		if err != nil {
			return err
		}
		fmt.Printf("✓ Container created: %s\n", container.ID)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start ID",
	Short: "Start a created container",
	Long: `Start launches the container's process inside its namespaces and
cgroup, then detaches. Use 'run' to stay in the foreground.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		_, container, err := mgr.Start(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Container started: %s (pid %d)\n", container.ID, container.Pid)
		return nil
	},
}

var runRemove bool

var runCmd = &cobra.Command{
	Use:   "run BUNDLE",
	Short: "Create, start, and wait on a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}
		status, err := runContainer(mgr, args[0], resourcesFromFlags(cmd), runRemove)
		// Close before exiting so the state store is never torn down by
		// process exit mid-write.
		if cerr := mgr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		if status != 0 {
			os.Exit(status)
		}
		return nil
	},
}

// runContainer drives the create/start/wait/delete sequence behind run.
// It always returns rather than exiting, so the caller can release the
// manager before translating the status into a process exit code.
func runContainer(mgr *lifecycle.Manager, bundlePath string, res *types.Resources, remove bool) (int, error) {
	container, err := mgr.Create(bundlePath, res)
	if err != nil {
		return 0, err
	}
	handle, _, err := mgr.Start(container.ID)
	if err != nil {
		// The cgroup survives a failed start for inspection; --rm
		// callers asked for no residue either way.
		if remove {
			_ = mgr.Delete(container.ID, true)
		}
		return 0, err
	}
	status, err := mgr.Wait(container.ID, handle)
	if err != nil {
		return 0, err
	}
	if remove {
		if err := mgr.Delete(container.ID, false); err != nil {
			return status, err
		}
	}
	return status, nil
}

var killCmd = &cobra.Command{
	Use:   "kill ID [SIGNAL]",
	Short: "Send a signal to a running container",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sig := syscall.SIGTERM
		if len(args) == 2 {
			var err error
			if sig, err = parseSignal(args[1]); err != nil {
				return err
			}
		}
		mgr, err := newManager()
		if err != nil {
			return err
		}
		defer mgr.Close()
		return mgr.Signal(args[0], sig)
	},
}

var stopTimeout time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop ID",
	Short: "Stop a running container (SIGTERM, then SIGKILL)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}
		defer mgr.Close()
		if err := mgr.Stop(args[0], stopTimeout); err != nil {
			return err
		}
		fmt.Printf("✓ Container stopped: %s\n", args[0])
		return nil
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait ID",
	Short: "Block until a container exits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}
		defer mgr.Close()
		status, err := mgr.Wait(args[0], nil)
		if err != nil {
			return err
		}
		fmt.Printf("Exit status: %d\n", status)
		return nil
	},
}

var deleteForce bool

var deleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a stopped container and its cgroup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}
		defer mgr.Close()
		if err := mgr.Delete(args[0], deleteForce); err != nil {
			return err
		}
		fmt.Printf("✓ Container deleted: %s\n", args[0])
		return nil
	},
}

var stateCmd = &cobra.Command{
	Use:   "state ID",
	Short: "Print a container's state as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}
		defer mgr.Close()
		container, err := mgr.Get(args[0])
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(container, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}
		defer mgr.Close()
		containers, err := mgr.List()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPHASE\tPID\tBUNDLE\tCREATED")
		for _, c := range containers {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				c.ID, c.Phase, c.Pid, c.BundlePath,
				c.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect ID",
	Short: "Show the namespaces a running container lives in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}
		defer mgr.Close()
		container, err := mgr.Get(args[0])
		if err != nil {
			return err
		}
		if container.Phase != types.PhaseRunning {
			return fmt.Errorf("container %s is not running", args[0])
		}
		links, err := namespace.Inspect(container.Pid)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAMESPACE\tIDENTITY")
		for _, l := range links {
			fmt.Fprintf(w, "%s\t%s\n", l.Name, l.Target)
		}
		return w.Flush()
	},
}

func init() {
	for _, cmd := range []*cobra.Command{createCmd, runCmd} {
		cmd.Flags().Uint64("memory", 0, "Memory limit in bytes (0 = unlimited)")
		cmd.Flags().Int64("cpu-quota", 0, "CPU quota in microseconds per period (0 = unlimited)")
		cmd.Flags().Int64("cpu-period", 100000, "CPU period in microseconds")
		cmd.Flags().Int64("pids", 0, "Maximum number of processes (0 = unlimited)")
	}
	runCmd.Flags().BoolVar(&runRemove, "rm", false, "Delete the container after it exits")
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 10*time.Second, "Grace period before SIGKILL")
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "Stop the container first if running")
}

func resourcesFromFlags(cmd *cobra.Command) *types.Resources {
	memory, _ := cmd.Flags().GetUint64("memory")
	quota, _ := cmd.Flags().GetInt64("cpu-quota")
	period, _ := cmd.Flags().GetInt64("cpu-period")
	pids, _ := cmd.Flags().GetInt64("pids")

	res := &types.Resources{}
	if memory > 0 {
		res.MemoryMaxBytes = &memory
	}
	if quota > 0 {
		res.CPU = &types.CPUQuota{QuotaUs: quota, PeriodUs: period}
	}
	if pids > 0 {
		res.PidsMax = &pids
	}
	if res.MemoryMaxBytes == nil && res.CPU == nil && res.PidsMax == nil {
		return nil
	}
	return res
}

// parseSignal accepts "KILL", "SIGKILL", or a number.
func parseSignal(s string) (syscall.Signal, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return syscall.Signal(n), nil
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	if sig := unix.SignalNum(name); sig != 0 {
		return sig, nil
	}
	return 0, fmt.Errorf("unknown signal %q", s)
}
