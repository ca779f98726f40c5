package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seslattery/gwrap/internal/config"
	"github.com/seslattery/gwrap/internal/reshape"
)

var explainCmd = &cobra.Command{
	Use:                "explain [flags|prompt...]",
	Short:              "Show the command g would run for the given arguments",
	DisableFlagParsing: true,
	RunE:               runExplain,
}

func init() {
	rootCmd.AddCommand(explainCmd)
}

func runExplain(cmd *cobra.Command, args []string) error {
	path, err := config.Path()
	if err != nil {
		return err
	}
	cfg, err := config.LoadOptional(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	inv := reshape.Reshape(args)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "rule: %s\n", inv.Rule)                                //nolint:errcheck
	fmt.Fprintf(out, "argc: %d\n", len(inv.Args))                           //nolint:errcheck
	fmt.Fprintf(out, "run:  %s\n", reshape.CommandLine(cfg.Tool, inv.Args)) //nolint:errcheck
	return nil
}
