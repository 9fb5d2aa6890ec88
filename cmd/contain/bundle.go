package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ipdelete/contain/pkg/bundle"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Manage OCI bundles",
}

var bundleInitCmd = &cobra.Command{
	Use:   "init DIR",
	Short: "Create a skeleton bundle with a default config",
	Long: `Init creates DIR with an empty rootfs/ directory and a config.json
holding a default spec (sh in new pid, mount, uts, and ipc namespaces).
Populate rootfs/ with a root filesystem before running.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := bundle.NewStore().Init(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Bundle created: %s\n", b.Path)
		fmt.Printf("  Populate %s with a root filesystem\n", b.Rootfs())
		return nil
	},
}

var bundleShowCmd = &cobra.Command{
	Use:   "show DIR",
	Short: "Pretty-print a bundle's config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := bundle.NewStore().Show(args[0])
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var bundlePatchCmd = &cobra.Command{
	Use:   "patch DIR -- COMMAND [ARGS...]",
	Short: "Replace the bundle's process arguments",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := bundle.NewStore().PatchArgs(args[0], args[1:]); err != nil {
			return err
		}
		fmt.Printf("✓ Bundle updated: %s\n", args[0])
		return nil
	},
}

func init() {
	bundleCmd.AddCommand(bundleInitCmd)
	bundleCmd.AddCommand(bundleShowCmd)
	bundleCmd.AddCommand(bundlePatchCmd)
}
