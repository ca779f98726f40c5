package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/seslattery/gwrap/internal/config"
	"github.com/seslattery/gwrap/internal/proxy"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove the egress guard log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := config.Dir()
		if err != nil {
			return err
		}

		base := filepath.Join(dir, proxy.LogName)
		removed := 0
		for _, p := range []string{base, base + ".1"} {
			err := os.Remove(p)
			switch {
			case err == nil:
				removed++
			case errors.Is(err, os.ErrNotExist):
			default:
				return err
			}
		}

		out := cmd.OutOrStdout()
		if removed == 0 {
			fmt.Fprintln(out, "Nothing to clean") //nolint:errcheck
			return nil
		}
		fmt.Fprintf(out, "Removed %s\n", base) //nolint:errcheck
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanCmd)
}
