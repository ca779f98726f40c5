package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/seslattery/gwrap/internal/config"
)

var defaultConfig = `# g configuration. Every key except version is optional.

version: 1

# Chat CLI to run (name on PATH or absolute path).
tool: sgpt

# spawn: run the tool as a child and wait for it.
# exec:  replace g with the tool (no egress guard).
mode: spawn

# Upstream proxy exported to the tool as HTTP(S)_PROXY.
# proxy: http://proxy.example.com:3128

# Egress guard: only let the tool reach these hosts (mutually exclusive with proxy).
# allow:
#   - api.openai.com
# allow_ports: [443]

# Extra KEY=VALUE pairs for the tool, e.g. OPENAI_API_KEY.
# env_file: ~/.gwrap/.env

# Drop secret-looking variables from the tool's environment.
# strip_secrets: true
# env_passthrough:
#   - OPENAI_API_KEY
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create ~/.gwrap/config.yaml with example configuration",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath, err := config.Path()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(configPath), err)
	}

	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Config already exists: %s (skipping)\n", configPath) //nolint:errcheck
		return nil
	}

	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("failed to write %s: %w", configPath, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", configPath) //nolint:errcheck
	return nil
}
