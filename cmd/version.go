package main

import (
	"fmt"
	"runtime"

	"github.com/Shugur-Network/broker/internal/constants"
	"github.com/spf13/cobra"
)

// GetFullVersionInfo returns detailed version information
func GetFullVersionInfo() string {
	return fmt.Sprintf("Version: %s\nCommit: %s\nBuilt: %s\nGo: %s %s/%s\nSource: %s",
		version, commit, date, runtime.Version(), runtime.GOOS, runtime.GOARCH, constants.SoftwareURL)
}

// GetVersionWithPrefix returns version with "broker version: " prefix
func GetVersionWithPrefix() string {
	return fmt.Sprintf("%s version: %s", constants.SoftwareName, version)
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of the broker",
		Long:  "Print the version number of the broker along with build information",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
				return
			}
			fmt.Println(GetVersionWithPrefix())
		},
	}
	cmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")
	return cmd
}
