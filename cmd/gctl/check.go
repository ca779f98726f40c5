package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seslattery/gwrap/internal/config"
	"github.com/seslattery/gwrap/internal/env"
	gexec "github.com/seslattery/gwrap/internal/exec"
	"github.com/seslattery/gwrap/internal/proxy"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config and locate the chat tool",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	path, err := config.Path()
	if err != nil {
		return err
	}
	cfg, err := config.LoadOptional(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config: %s\n", path)     //nolint:errcheck
	fmt.Fprintf(out, "mode:   %s\n", cfg.Mode) //nolint:errcheck

	toolPath, err := gexec.Resolve(cfg.Tool)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "tool:   %s\n", toolPath) //nolint:errcheck

	var extra map[string]string
	if cfg.EnvFile != "" {
		if extra, err = env.LoadFile(cfg.EnvFile); err != nil {
			return err
		}
	}

	switch {
	case cfg.Guarded():
		host, port, err := proxy.Endpoint(env.Lookup(os.Environ(), extra, proxy.APIBaseVar))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "egress: guard, api %s:%d, allow %s on ports %v\n", //nolint:errcheck
			host, port, strings.Join(cfg.Allow, ", "), cfg.AllowPorts)
	case cfg.Proxy != "":
		fmt.Fprintf(out, "egress: proxy %s\n", cfg.Proxy) //nolint:errcheck
	default:
		fmt.Fprintln(out, "egress: inherited from environment") //nolint:errcheck
	}
	if cfg.EnvFile != "" {
		fmt.Fprintf(out, "env:    %s\n", cfg.EnvFile) //nolint:errcheck
	}
	return nil
}
