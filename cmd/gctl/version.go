package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print gctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "gctl version "+rootCmd.Version) //nolint:errcheck
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
