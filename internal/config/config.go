package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/net/idna"
	"gopkg.in/yaml.v3"
)

const CurrentVersion = 1

// DefaultTool is the chat CLI wrapped when the config names none.
const DefaultTool = "sgpt"

type Mode string

const (
	// ModeSpawn runs the tool as a child and waits for it.
	ModeSpawn Mode = "spawn"
	// ModeExec replaces the wrapper process with the tool.
	ModeExec Mode = "exec"
)

type Config struct {
	Version        int      `yaml:"version"`
	Tool           string   `yaml:"tool,omitempty"`
	Mode           Mode     `yaml:"mode,omitempty"`
	Proxy          string   `yaml:"proxy,omitempty"`
	Allow          []string `yaml:"allow,omitempty"`
	AllowPorts     []int    `yaml:"allow_ports,omitempty"`
	EnvFile        string   `yaml:"env_file,omitempty"`
	StripSecrets   bool     `yaml:"strip_secrets,omitempty"`
	EnvPassthrough []string `yaml:"env_passthrough,omitempty"`
}

var defaultAllowPorts = []int{443, 80}

// Dir returns ~/.gwrap.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".gwrap"), nil
}

// Path returns the config file location, honoring $G_CONFIG.
func Path() (string, error) {
	if p := os.Getenv("G_CONFIG"); p != "" {
		return expandTilde(p)
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// LoadOptional loads path, falling back to defaults when the file does not
// exist. Any other read or validation failure is returned.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return LoadDefault(), nil
	}
	return cfg, err
}

func Load(path string) (*Config, error) {
	expanded, err := expandTilde(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func LoadDefault() *Config {
	return &Config{
		Version:    CurrentVersion,
		Tool:       DefaultTool,
		Mode:       ModeSpawn,
		AllowPorts: append([]int(nil), defaultAllowPorts...),
	}
}

// Guarded reports whether the egress guard should run.
func (c *Config) Guarded() bool {
	return len(c.Allow) > 0
}

func (c *Config) applyDefaults() {
	if c.Tool == "" {
		c.Tool = DefaultTool
	}
	if c.Mode == "" {
		c.Mode = ModeSpawn
	}
	if c.AllowPorts == nil {
		c.AllowPorts = append([]int(nil), defaultAllowPorts...)
	}
}

func (c *Config) normalize() error {
	for i, h := range c.Allow {
		c.Allow[i] = normalizeHost(h)
	}
	c.Allow = lo.Uniq(c.Allow)

	if c.EnvFile != "" {
		p, err := expandTilde(c.EnvFile)
		if err != nil {
			return err
		}
		c.EnvFile = p
	}
	c.EnvPassthrough = lo.Uniq(c.EnvPassthrough)
	return nil
}

func (c *Config) validate() error {
	if c.Version == 0 {
		return fmt.Errorf("version is required")
	}
	if c.Version != CurrentVersion {
		return fmt.Errorf("unsupported config version: %d (expected %d)", c.Version, CurrentVersion)
	}

	switch c.Mode {
	case ModeSpawn, ModeExec:
	default:
		return fmt.Errorf("unknown mode: %q (valid: spawn, exec)", c.Mode)
	}

	if strings.ContainsAny(c.Tool, " \t\n\r") {
		return fmt.Errorf("tool: must be a single executable name or path, got %q", c.Tool)
	}

	if c.Proxy != "" {
		if err := validateProxyURL(c.Proxy); err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
	}

	for _, h := range c.Allow {
		if err := validateHost(h); err != nil {
			return fmt.Errorf("invalid allow entry %q: %w", h, err)
		}
	}
	if len(c.Allow) > 0 && c.Proxy != "" {
		return fmt.Errorf("allow and proxy are mutually exclusive")
	}
	if len(c.Allow) > 0 && c.Mode == ModeExec {
		return fmt.Errorf("allow requires mode spawn (the egress guard runs inside the wrapper)")
	}

	for _, port := range c.AllowPorts {
		if port < 1 || port > 65535 {
			return fmt.Errorf("allow_ports: %d is not a valid port (must be 1-65535)", port)
		}
	}

	if c.EnvFile != "" {
		if err := validatePath(c.EnvFile, "env_file"); err != nil {
			return err
		}
	}

	for _, v := range c.EnvPassthrough {
		if !isEnvName(v) {
			return fmt.Errorf("env_passthrough: invalid variable name %q", v)
		}
	}

	return nil
}

func validateProxyURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	case "":
		return fmt.Errorf("missing scheme in %q (e.g., http://host:3128)", raw)
	default:
		return fmt.Errorf("unsupported scheme %q (valid: http, https, socks5, socks5h)", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// hostProfile accepts the hostnames a DNS lookup would: letters, digits and
// inner hyphens per label, non-empty labels, and Unicode mapped to punycode.
var hostProfile = idna.New(
	idna.MapForLookup(),
	idna.VerifyDNSLength(true),
)

func validateHost(raw string) error {
	switch {
	case raw == "":
		return fmt.Errorf("empty hostname")
	case strings.Contains(raw, "://"):
		return fmt.Errorf("must be a hostname, not a URL")
	case strings.ContainsAny(raw, " \t\n\r[]"):
		return fmt.Errorf("contains invalid characters")
	case strings.Contains(raw, ":"):
		return fmt.Errorf("must be a hostname without port; use allow_ports for port control")
	}

	base, wildcard := strings.CutPrefix(strings.TrimSuffix(raw, "."), "*.")
	if strings.Contains(base, "*") {
		if wildcard {
			return fmt.Errorf("only one wildcard is allowed")
		}
		return fmt.Errorf("wildcard must be leftmost label (e.g., *.example.com)")
	}
	if net.ParseIP(base) != nil {
		return fmt.Errorf("IP literals are not supported; use hostnames")
	}
	ascii, err := hostProfile.ToASCII(base)
	if err != nil {
		return fmt.Errorf("not a valid hostname: %w", err)
	}
	if !strings.Contains(ascii, ".") {
		if wildcard {
			return fmt.Errorf("wildcard must match at least a second-level domain (e.g., *.example.com)")
		}
		return fmt.Errorf("hostname must contain at least two labels (e.g., example.com)")
	}
	return nil
}

// normalizeHost lowercases h, drops a trailing root dot and converts
// internationalized labels to their ASCII form. A leading "*." survives.
func normalizeHost(h string) string {
	base, wildcard := strings.CutPrefix(strings.TrimSuffix(h, "."), "*.")
	if ascii, err := hostProfile.ToASCII(base); err == nil {
		base = ascii
	} else {
		base = strings.ToLower(base)
	}
	if wildcard {
		return "*." + base
	}
	return base
}

func validatePath(p, field string) error {
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("%s: path contains control characters", field)
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		return nil
	}
	if !filepath.IsAbs(p) {
		return fmt.Errorf("%s path must be absolute (or ~ prefixed): %q", field, p)
	}
	return nil
}

func isEnvName(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i, c := range s {
		if c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
			continue
		}
		if i > 0 && c >= '0' && c <= '9' {
			continue
		}
		return false
	}
	return true
}

func expandTilde(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot expand ~ in path %q: %w", path, err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// MatchHost reports whether host is covered by pattern. A "*." pattern
// matches exactly one extra leading label.
func MatchHost(pattern, host string) bool {
	pattern, host = normalizeHost(pattern), normalizeHost(host)
	suffix, wildcard := strings.CutPrefix(pattern, "*.")
	if !wildcard {
		return pattern == host
	}
	label, rest, ok := strings.Cut(host, ".")
	return ok && label != "" && rest == suffix
}
