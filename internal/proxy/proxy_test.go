package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type mockResolver map[string][]string

func (m mockResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	ips, ok := m[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host}
	}
	addrs := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, netip.MustParseAddr(ip))
	}
	return addrs, nil
}

func newGuard(t *testing.T, opts Options) *Guard {
	t.Helper()
	if opts.LogDir == "" {
		opts.LogDir = t.TempDir()
	}
	if opts.Resolver == nil {
		opts.Resolver = mockResolver{}
	}
	g, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func startGuard(t *testing.T, opts Options) *Guard {
	t.Helper()
	g := newGuard(t, opts)
	if err := g.Start(); err != nil {
		t.Fatal(err)
	}
	return g
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		base     string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"", "api.openai.com", 443, false},
		{"default", "api.openai.com", 443, false},
		{"https://Example.OpenAI.Azure.com/openai", "example.openai.azure.com", 443, false},
		{"http://llm.internal.example.com/v1", "llm.internal.example.com", 80, false},
		{"https://gateway.example.com:8443/v1", "gateway.example.com", 8443, false},
		{"api.openai.com", "", 0, true},
		{"https://gateway.example.com:0/v1", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			host, port, err := Endpoint(tt.base)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Endpoint(%q) = %q, %d; want error", tt.base, host, port)
				}
				return
			}
			if err != nil || host != tt.wantHost || port != tt.wantPort {
				t.Errorf("Endpoint(%q) = %q, %d, %v; want %q, %d", tt.base, host, port, err, tt.wantHost, tt.wantPort)
			}
		})
	}
}

func TestJudge(t *testing.T) {
	g := newGuard(t, Options{
		APIBase:    "https://gateway.example.com:8443/v1",
		Allow:      []string{"*.openai.azure.com"},
		AllowPorts: []int{443},
	})

	tests := []struct {
		name        string
		hostport    string
		defaultPort int
		reason      string
	}{
		{"api endpoint seeded", "gateway.example.com:8443", 0, ""},
		{"wildcard host", "eastus.openai.azure.com:443", 0, ""},
		{"default port filled in", "eastus.openai.azure.com", 443, ""},
		{"api port opens for every allowed host", "eastus.openai.azure.com:8443", 0, ""},
		{"default api host not seeded", "api.openai.com:443", 0, "host api.openai.com not allowed"},
		{"port not allowed", "gateway.example.com:8080", 0, "port 8080 not allowed"},
		{"CONNECT needs a port", "gateway.example.com", 0, "missing port"},
		{"bad port", "gateway.example.com:https", 0, "invalid port"},
		{"IP literal", "1.2.3.4:443", 0, "IP literals"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := g.judge(tt.hostport, tt.defaultPort)
			if tt.reason == "" {
				if !v.allowed() {
					t.Errorf("judge(%q) denied: %s", tt.hostport, v.reason)
				}
				return
			}
			if v.allowed() || !strings.Contains(v.reason, tt.reason) {
				t.Errorf("judge(%q) reason = %q, want %q", tt.hostport, v.reason, tt.reason)
			}
		})
	}
}

// Any non-global address counts here, and the guard's dialing relies on that.
func TestIsPublic(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"93.184.216.34", true},
		{"2606:4700::1111", true},
		{"::ffff:8.8.8.8", true},
		{"127.0.0.1", false},
		{"10.0.0.1", false},
		{"192.168.1.1", false},
		{"169.254.169.254", false},
		{"0.0.0.0", false},
		{"::1", false},
		{"fc00::1", false},
		{"fe80::1", false},
		{"::ffff:10.0.0.1", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := isPublic(netip.MustParseAddr(tt.ip)); got != tt.want {
				t.Errorf("isPublic(%s) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
}

func TestPublicAddrs(t *testing.T) {
	g := newGuard(t, Options{Resolver: mockResolver{
		"public.example.com":   {"93.184.216.34"},
		"metadata.example.com": {"169.254.169.254"},
		"mixed.example.com":    {"10.0.0.1", "93.184.216.34"},
	}})

	tests := []struct {
		host   string
		want   []string
		substr string
	}{
		{"public.example.com", []string{"93.184.216.34"}, ""},
		{"mixed.example.com", []string{"93.184.216.34"}, ""},
		{"metadata.example.com", nil, "non-public"},
		{"unknown.example.com", nil, "resolve unknown.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			addrs, err := g.publicAddrs(context.Background(), tt.host)
			if tt.substr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.substr) {
					t.Errorf("error = %v, want containing %q", err, tt.substr)
				}
				return
			}
			if err != nil || fmt.Sprint(addrs) != fmt.Sprint(tt.want) {
				t.Errorf("got %v, %v; want %v", addrs, err, tt.want)
			}
		})
	}
}

func TestDenyLog(t *testing.T) {
	t.Run("lines carry tool and rule", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), LogName)
		dl, err := openDenyLog(path, "sgpt", "prompt")
		if err != nil {
			t.Fatal(err)
		}
		dl.record(verdict{host: "evil.example.com", port: 443, reason: "host evil.example.com not allowed"})
		dl.record(verdict{host: "gateway.example.com", reason: "missing port"})
		if err := dl.close(); err != nil {
			t.Fatal(err)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) != 2 {
			t.Fatalf("got %d lines:\n%s", len(lines), data)
		}
		fields := strings.Split(lines[0], "\t")
		if len(fields) != 5 {
			t.Fatalf("line %q has %d fields, want 5", lines[0], len(fields))
		}
		if _, err := time.Parse(time.RFC3339, fields[0]); err != nil {
			t.Errorf("timestamp %q: %v", fields[0], err)
		}
		if got := strings.Join(fields[1:], "|"); got != "sgpt|prompt|evil.example.com:443|host evil.example.com not allowed" {
			t.Errorf("fields = %q", got)
		}
		if !strings.HasSuffix(lines[1], "\tgateway.example.com\tmissing port") {
			t.Errorf("portless line = %q", lines[1])
		}
	})

	t.Run("unlabeled fields use a dash", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), LogName)
		dl, err := openDenyLog(path, "", "")
		if err != nil {
			t.Fatal(err)
		}
		dl.record(verdict{host: "x.example.com", port: 80, reason: "test"})
		dl.close()
		data, _ := os.ReadFile(path)
		if !strings.Contains(string(data), "\t-\t-\tx.example.com:80\t") {
			t.Errorf("log = %q", data)
		}
	})

	t.Run("oversized log rolls over on open", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), LogName)
		if err := os.WriteFile(path, make([]byte, maxLogSize+1), 0o600); err != nil {
			t.Fatal(err)
		}
		dl, err := openDenyLog(path, "sgpt", "prompt")
		if err != nil {
			t.Fatal(err)
		}
		dl.record(verdict{host: "x.example.com", port: 443, reason: "test"})
		dl.close()

		if info, err := os.Stat(path + ".1"); err != nil || info.Size() <= maxLogSize {
			t.Error("rolled log should hold the old data")
		}
		if info, err := os.Stat(path); err != nil || info.Size() > 1024 {
			t.Error("fresh log should be small")
		}
	})

	t.Run("verbose echo", func(t *testing.T) {
		var echo bytes.Buffer
		dl, err := openDenyLog(filepath.Join(t.TempDir(), LogName), "sgpt", "prompt")
		if err != nil {
			t.Fatal(err)
		}
		defer dl.close()
		dl.echo = &echo
		dl.record(verdict{host: "evil.example.com", port: 443, reason: "host evil.example.com not allowed"})
		if got, want := echo.String(), "g: egress denied evil.example.com:443: host evil.example.com not allowed\n"; got != want {
			t.Errorf("echo = %q, want %q", got, want)
		}
	})

	t.Run("close twice", func(t *testing.T) {
		dl, err := openDenyLog(filepath.Join(t.TempDir(), LogName), "sgpt", "prompt")
		if err != nil {
			t.Fatal(err)
		}
		dl.close()
		dl.record(verdict{host: "late.example.com", port: 443, reason: "ignored"})
		if err := dl.close(); err != nil {
			t.Errorf("second close = %v", err)
		}
	})
}

func TestGuardRejectsCONNECT(t *testing.T) {
	dir := t.TempDir()
	g := startGuard(t, Options{
		Tool:       "sgpt",
		Rule:       "join-flag",
		AllowPorts: []int{443},
		LogDir:     dir,
		Resolver:   mockResolver{"blocked.example.com": {"93.184.216.34"}},
	})

	targets := []string{"blocked.example.com:443", "1.2.3.4:443", "api.openai.com:8080"}
	for _, target := range targets {
		t.Run(target, func(t *testing.T) {
			conn, err := net.DialTimeout("tcp", g.Addr, 2*time.Second)
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()

			fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			buf := make([]byte, 4096)
			n, _ := conn.Read(buf)
			if strings.Contains(string(buf[:n]), "200 OK") {
				t.Errorf("expected rejection, got: %s", strings.TrimSpace(string(buf[:n])))
			}
		})
	}

	g.Close()
	data, err := os.ReadFile(filepath.Join(dir, LogName))
	if err != nil {
		t.Fatal(err)
	}
	for _, target := range targets {
		if !strings.Contains(string(data), "\tsgpt\tjoin-flag\t"+target+"\t") {
			t.Errorf("deny log missing %s:\n%s", target, data)
		}
	}
}

func TestGuardHTTP(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	upstream := &http.Server{Handler: mux}
	defer upstream.Close()
	go upstream.Serve(ln)

	port := ln.Addr().(*net.TCPAddr).Port
	g := startGuard(t, Options{
		APIBase: fmt.Sprintf("http://llm.example.com:%d/v1", port),
		Resolver: mockResolver{
			"llm.example.com":     {"93.184.216.34"},
			"blocked.example.com": {"93.184.216.34"},
		},
	})

	// Resolution has already vetted the name when dialer runs.
	direct := g.dialer
	g.dialer = func(ctx context.Context, network, _ string) (net.Conn, error) {
		return direct(ctx, network, ln.Addr().String())
	}

	proxyURL, _ := url.Parse(g.URL())
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}

	get := func(t *testing.T, target string) (int, string) {
		t.Helper()
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, target, nil)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	t.Run("api endpoint forwards", func(t *testing.T) {
		code, body := get(t, fmt.Sprintf("http://llm.example.com:%d/v1/models", port))
		if code != http.StatusOK || body != "OK" {
			t.Errorf("got %d %q, want 200 OK", code, body)
		}
	})

	t.Run("other host returns 403", func(t *testing.T) {
		code, body := get(t, fmt.Sprintf("http://blocked.example.com:%d/v1/models", port))
		if code != http.StatusForbidden || !strings.Contains(body, "not allowed") {
			t.Errorf("got %d %q, want 403", code, body)
		}
	})

	t.Run("other port returns 403", func(t *testing.T) {
		if code, _ := get(t, "http://llm.example.com:9999/v1/models"); code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", code)
		}
	})
}

func TestNewRejectsBadAPIBase(t *testing.T) {
	_, err := New(Options{APIBase: "not a url", LogDir: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), APIBaseVar) {
		t.Errorf("error = %v, want mention of %s", err, APIBaseVar)
	}
}

func TestGuardLifecycle(t *testing.T) {
	g := startGuard(t, Options{})
	if g.Addr == "" {
		t.Error("Addr should be set after Start()")
	}
	if !strings.HasPrefix(g.URL(), "http://127.0.0.1:") {
		t.Errorf("URL() = %q", g.URL())
	}
	if g.proxy.Tr.Proxy != nil {
		t.Error("transport must not chain to another proxy")
	}
}
