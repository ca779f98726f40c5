package env

import (
	"fmt"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

var secretSuffixes = []string{
	"_KEY",
	"_TOKEN",
	"_SECRET",
	"_PASSWORD",
	"_CREDENTIAL",
	"_CREDENTIALS",
	"_AUTH",
	"_PRIVATE",
}

var sensitiveVars = map[string]bool{
	"AWS_ACCESS_KEY_ID":  true,
	"DOCKER_AUTH_CONFIG": true,
	"KUBECONFIG":         true,
	"PGPASSWORD":         true,
	"MYSQL_PWD":          true,
}

func IsSecret(key string) bool {
	upper := strings.ToUpper(key)
	if sensitiveVars[upper] {
		return true
	}
	for _, s := range secretSuffixes {
		if strings.HasSuffix(upper, s) {
			return true
		}
	}
	return false
}

// Options controls how the tool's environment is derived from the parent.
type Options struct {
	// ProxyAddr replaces every proxy variable when set. Empty leaves the
	// parent's proxy settings untouched.
	ProxyAddr      string
	Extra          map[string]string
	StripSecrets   bool
	EnvPassthrough []string
}

// LoadFile reads KEY=VALUE pairs from a dotenv file.
func LoadFile(path string) (map[string]string, error) {
	vals, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return vals, nil
}

func Build(parent []string, opts Options) []string {
	passthrough := upperSet(opts.EnvPassthrough)

	env := make([]string, 0, len(parent)+len(opts.Extra)+8)
	for _, e := range parent {
		key, _, _ := strings.Cut(e, "=")
		upper := strings.ToUpper(key)

		if opts.ProxyAddr != "" {
			switch upper {
			case "HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY", "ALL_PROXY":
				continue
			}
		}
		if _, ok := opts.Extra[key]; ok {
			continue
		}
		if opts.StripSecrets && !passthrough[upper] && IsSecret(key) {
			continue
		}
		env = append(env, e)
	}

	keys := lo.Keys(opts.Extra)
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+opts.Extra[k])
	}

	if opts.ProxyAddr != "" {
		for _, k := range []string{"HTTP_PROXY", "HTTPS_PROXY", "http_proxy", "https_proxy"} {
			env = append(env, k+"="+opts.ProxyAddr)
		}
		for _, k := range []string{"NO_PROXY", "no_proxy", "ALL_PROXY", "all_proxy"} {
			env = append(env, k+"=")
		}
	}
	return env
}

// Lookup returns key as the tool will see it: Extra overrides the parent,
// and the first parent entry wins, as with getenv.
func Lookup(parent []string, extra map[string]string, key string) string {
	if v, ok := extra[key]; ok {
		return v
	}
	for _, e := range parent {
		if k, v, ok := strings.Cut(e, "="); ok && k == key {
			return v
		}
	}
	return ""
}

func Stripped(parent []string, passthrough []string) []string {
	pt := upperSet(passthrough)

	var stripped []string
	for _, e := range parent {
		key, _, _ := strings.Cut(e, "=")
		if pt[strings.ToUpper(key)] {
			continue
		}
		if IsSecret(key) {
			stripped = append(stripped, key)
		}
	}
	return stripped
}

func upperSet(keys []string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[strings.ToUpper(k)] = true
	}
	return m
}
