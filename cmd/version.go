package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// GetVersion returns the current version information
func GetVersion() string {
	return version
}

// GetFullVersionInfo returns detailed version information
func GetFullVersionInfo() string {
	return fmt.Sprintf("Version: %s\nCommit: %s\nBuilt: %s\nGo: %s", version, commit, date, runtime.Version())
}

// GetVersionWithPrefix returns version with "nosteen version: " prefix
func GetVersionWithPrefix() string {
	return fmt.Sprintf("nosteen version: %s", version)
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of nosteen",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Fprintln(cmd.OutOrStdout(), GetFullVersionInfo())
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), GetVersionWithPrefix())
		},
	}
	cmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")
	return cmd
}
