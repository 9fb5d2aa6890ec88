package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ipdelete/contain/pkg/lifecycle"
	"github.com/ipdelete/contain/pkg/log"
	"github.com/ipdelete/contain/pkg/namespace"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// The container init re-exec lands here. It must not pass through
	// cobra: namespace joins only work from a single-threaded process,
	// so pin everything before the runtime can spawn threads.
	if len(os.Args) > 1 && os.Args[1] == "init" {
		runtime.GOMAXPROCS(1)
		runtime.LockOSThread()
		if err := namespace.RunInit(); err != nil {
			fmt.Fprintf(os.Stderr, "init: %v\n", err)
			os.Exit(1)
		}
		// RunInit only returns on error; exec replaced us otherwise.
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	dataDir    string
	cgroupRoot string
	logLevel   string
	logJSON    bool
)

var rootCmd = &cobra.Command{
	Use:   "contain",
	Short: "Contain - minimal container composition runtime",
	Long: `Contain builds containers from first principles: Linux namespaces
composed per-container, cgroup v2 limits applied before the workload
runs a single instruction, and OCI bundles on plain directories.

One binary, one bolt database, no daemon.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(log.Config{
			Level:      log.Level(logLevel),
			JSONOutput: logJSON,
		})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Contain version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", lifecycle.DefaultDataDir, "Directory for container state")
	rootCmd.PersistentFlags().StringVar(&cgroupRoot, "cgroup-root", "", "Cgroup v2 mount point (default /sys/fs/cgroup)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON")

	rootCmd.AddCommand(bundleCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(netnsCmd)
	rootCmd.AddCommand(vethCmd)
}

// newManager builds the lifecycle manager all container commands share.
// The re-exec init command points back at this binary.
func newManager() (*lifecycle.Manager, error) {
	return lifecycle.NewManager(&lifecycle.Config{
		DataDir:     dataDir,
		CgroupRoot:  cgroupRoot,
		InitCommand: []string{"/proc/self/exe", "init"},
	})
}
