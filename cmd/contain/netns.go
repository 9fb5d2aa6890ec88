package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ipdelete/contain/pkg/network"
)

var netnsDir string

var netnsCmd = &cobra.Command{
	Use:   "netns",
	Short: "Manage named network namespaces",
}

var netnsCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a named network namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := network.NewManager(netnsDir).Create(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Network namespace created: %s\n", args[0])
		return nil
	},
}

var netnsDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a named network namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := network.NewManager(netnsDir).Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Network namespace deleted: %s\n", args[0])
		return nil
	},
}

var netnsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List named network namespaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := network.NewManager(netnsDir).List()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var vethNetns string

var vethCmd = &cobra.Command{
	Use:   "veth",
	Short: "Manage veth pairs",
}

var vethCreateCmd = &cobra.Command{
	Use:   "create HOST PEER --netns NAME",
	Short: "Create a veth pair with the peer end in a named namespace",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := network.NewManager(netnsDir)
		if err := mgr.CreateVethPair(args[0], args[1], vethNetns); err != nil {
			return err
		}
		fmt.Printf("✓ Veth pair created: %s <-> %s (in %s)\n", args[0], args[1], vethNetns)
		return nil
	},
}

var vethDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a host-side veth link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := network.NewManager(netnsDir).DeleteLink(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Link deleted: %s\n", args[0])
		return nil
	},
}

func init() {
	netnsCmd.AddCommand(netnsCreateCmd)
	netnsCmd.AddCommand(netnsDeleteCmd)
	netnsCmd.AddCommand(netnsListCmd)
	netnsCmd.PersistentFlags().StringVar(&netnsDir, "dir", network.DefaultNsDir, "Directory holding namespace bind mounts")

	vethCmd.AddCommand(vethCreateCmd)
	vethCmd.AddCommand(vethDeleteCmd)
	vethCmd.PersistentFlags().StringVar(&netnsDir, "dir", network.DefaultNsDir, "Directory holding namespace bind mounts")
	vethCreateCmd.Flags().StringVar(&vethNetns, "netns", "", "Named network namespace for the peer end")
	vethCreateCmd.MarkFlagRequired("netns")
}
