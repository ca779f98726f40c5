package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seslattery/gwrap/internal/config"
	"github.com/seslattery/gwrap/internal/env"
	gexec "github.com/seslattery/gwrap/internal/exec"
	"github.com/seslattery/gwrap/internal/proxy"
	"github.com/seslattery/gwrap/internal/reshape"
)

func runWrap(cmd *cobra.Command, args []string) error {
	args = stripSentinel(args)
	verbose := envFlag("G_VERBOSE")
	stderr := cmd.ErrOrStderr()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	inv := reshape.Reshape(args)
	if verbose {
		fmt.Fprintf(stderr, "g: rule %s: %q -> %q\n", inv.Rule, args, inv.Args) //nolint:errcheck
	}

	if envFlag("G_DRY_RUN") {
		fmt.Fprintln(cmd.OutOrStdout(), reshape.CommandLine(cfg.Tool, inv.Args)) //nolint:errcheck
		return nil
	}

	var extra map[string]string
	if cfg.EnvFile != "" {
		if extra, err = env.LoadFile(cfg.EnvFile); err != nil {
			return err
		}
	}

	parent := os.Environ()
	proxyAddr := cfg.Proxy
	if cfg.Guarded() {
		guard, err := proxy.New(proxy.Options{
			Tool:       cfg.Tool,
			Rule:       inv.Rule.String(),
			APIBase:    env.Lookup(parent, extra, proxy.APIBaseVar),
			Allow:      cfg.Allow,
			AllowPorts: cfg.AllowPorts,
			Verbose:    verbose,
			Stderr:     stderr,
		})
		if err != nil {
			return fmt.Errorf("egress guard init: %w", err)
		}
		if err := guard.Start(); err != nil {
			return fmt.Errorf("egress guard start: %w", err)
		}
		defer guard.Close() //nolint:errcheck
		proxyAddr = guard.URL()
		if verbose {
			fmt.Fprintf(stderr, "g: egress guard on %s\n", guard.Addr) //nolint:errcheck
		}
	}

	if verbose && cfg.StripSecrets {
		if stripped := env.Stripped(parent, cfg.EnvPassthrough); len(stripped) > 0 {
			fmt.Fprintf(stderr, "g: stripped env vars: %v\n", stripped) //nolint:errcheck
		}
	}

	opts := &gexec.Options{
		Tool: cfg.Tool,
		Args: inv.Args,
		Env: env.Build(parent, env.Options{
			ProxyAddr:      proxyAddr,
			Extra:          extra,
			StripSecrets:   cfg.StripSecrets,
			EnvPassthrough: cfg.EnvPassthrough,
		}),
		Verbose: verbose,
		Stdin:   cmd.InOrStdin(),
		Stdout:  cmd.OutOrStdout(),
		Stderr:  stderr,
	}

	if cfg.Mode == config.ModeExec {
		return gexec.Replace(opts)
	}

	res, err := gexec.Run(cmd.Context(), opts)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return exitStatus(res.ExitCode)
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	path, err := config.Path()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func envFlag(name string) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
