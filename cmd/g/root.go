package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	gexec "github.com/seslattery/gwrap/internal/exec"
)

// Every token belongs to the wrapped tool, so cobra must not interpret any
// of them, including -h and --.
var rootCmd = &cobra.Command{
	Use:                "g [flags|prompt...]",
	Short:              "Ask the chat CLI without quoting your prompt",
	DisableFlagParsing: true,
	Args:               cobra.ArbitraryArgs,
	RunE:               runWrap,
	SilenceErrors:      true,
	SilenceUsage:       true,
}

// sentinel is prepended to the argv handed to cobra and removed again in
// runWrap.
const sentinel = "--"

func stripSentinel(args []string) []string {
	if len(args) > 0 && args[0] == sentinel {
		return args[1:]
	}
	return args
}

// exitStatus carries the tool's exit code back to Execute.
type exitStatus int

func (e exitStatus) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

// Execute runs the root command and exits with the tool's status.
func Execute() {
	os.Exit(execute(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	// cobra dispatches __complete and friends on args[0] before RunE sees it.
	rootCmd.SetArgs(append([]string{sentinel}, args...))
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.Execute()
	var status exitStatus
	switch {
	case err == nil:
		return 0
	case errors.As(err, &status):
		return int(status)
	default:
		fmt.Fprintf(stderr, "g: %v\n", err) //nolint:errcheck
		return gexec.ExitCode(err)
	}
}
