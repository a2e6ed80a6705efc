package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relay %s (%s, built %s)\n", Version, GitHash, BuildTime)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
