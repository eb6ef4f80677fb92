package main

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newDaemonCmd())
}

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the sync daemon and its local control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd)
		},
	}
	addDaemonFlags(cmd)
	return cmd
}
