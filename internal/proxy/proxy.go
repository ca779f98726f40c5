// Package proxy runs the egress guard: a loopback HTTP proxy the wrapped tool
// is pointed at. It forwards only to the tool's own API endpoint and the
// configured allow list, and records every refusal with the tool and the
// reshape rule that produced the invocation.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/samber/lo"

	"github.com/seslattery/gwrap/internal/config"
)

const (
	// LogName is the deny log written under the log directory.
	LogName = "egress.log"

	// APIBaseVar names the variable the chat tool reads its endpoint from.
	APIBaseVar = "API_BASE_URL"
	// DefaultAPIBase is the endpoint used when APIBaseVar is unset or "default".
	DefaultAPIBase = "https://api.openai.com/v1"
)

const (
	dialTimeout = 10 * time.Second
	maxLogSize  = 10 << 20
)

// Options configures the guard.
type Options struct {
	// Tool and Rule label each deny-log line.
	Tool string
	Rule string

	// APIBase is the tool's endpoint, as found in its APIBaseVar. Its host
	// and port are always allowed.
	APIBase    string
	Allow      []string
	AllowPorts []int
	LogDir     string

	// Verbose echoes denials and goproxy's own logging to Stderr.
	Verbose  bool
	Stderr   io.Writer
	Resolver Resolver
}

// Resolver is the part of *net.Resolver the guard uses.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Guard is a running (or ready to run) egress guard.
type Guard struct {
	Addr string

	allow    []string
	ports    map[int]bool
	resolver Resolver
	dialer   func(ctx context.Context, network, addr string) (net.Conn, error)
	proxy    *goproxy.ProxyHttpServer
	server   *http.Server
	denials  *denyLog
}

// Endpoint returns the host and port the tool talks to for an APIBaseVar
// value. Empty and "default" mean DefaultAPIBase.
func Endpoint(apiBase string) (host string, port int, err error) {
	if apiBase == "" || apiBase == "default" {
		apiBase = DefaultAPIBase
	}
	u, err := url.Parse(apiBase)
	if err != nil || u.Hostname() == "" {
		return "", 0, fmt.Errorf("%s %q is not an absolute URL", APIBaseVar, apiBase)
	}
	switch p := u.Port(); {
	case p != "":
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return "", 0, fmt.Errorf("%s %q: invalid port", APIBaseVar, apiBase)
		}
	case u.Scheme == "http":
		port = 80
	default:
		port = 443
	}
	return strings.ToLower(u.Hostname()), port, nil
}

// New builds a Guard. Call Start to begin serving.
func New(opts Options) (*Guard, error) { //nolint:gocritic // small options struct
	apiHost, apiPort, err := Endpoint(opts.APIBase)
	if err != nil {
		return nil, err
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.LogDir == "" {
		if opts.LogDir, err = config.Dir(); err != nil {
			return nil, err
		}
	}

	denials, err := openDenyLog(filepath.Join(opts.LogDir, LogName), opts.Tool, opts.Rule)
	if err != nil {
		return nil, fmt.Errorf("egress log: %w", err)
	}
	if opts.Verbose {
		denials.echo = opts.Stderr
	}

	g := &Guard{
		allow:    append([]string{apiHost}, opts.Allow...),
		ports:    map[int]bool{apiPort: true},
		resolver: opts.Resolver,
		dialer:   (&net.Dialer{Timeout: dialTimeout}).DialContext,
		denials:  denials,
	}
	for _, p := range opts.AllowPorts {
		g.ports[p] = true
	}

	g.proxy = goproxy.NewProxyHttpServer()
	g.proxy.Verbose = opts.Verbose
	g.proxy.Logger = log.New(opts.Stderr, "g: egress: ", 0)
	g.proxy.Tr = &http.Transport{
		TLSHandshakeTimeout: dialTimeout,
		DialContext:         g.dial,
	}
	g.proxy.ConnectDial = func(network, addr string) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		return g.dial(ctx, network, addr)
	}
	g.proxy.OnRequest().HandleConnectFunc(g.onConnect)
	g.proxy.OnRequest().DoFunc(g.onRequest)

	return g, nil
}

// URL is the value to export as HTTP(S)_PROXY for the tool.
func (g *Guard) URL() string {
	return "http://" + g.Addr
}

// Start listens on a random loopback port and serves in the background.
func (g *Guard) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("egress guard listen: %w", err)
	}
	g.Addr = ln.Addr().String()
	g.server = &http.Server{
		Handler:           g.proxy,
		ReadHeaderTimeout: dialTimeout,
	}
	go func() { _ = g.server.Serve(ln) }() //nolint:errcheck // Close ends Serve
	return nil
}

// Close stops serving and closes the deny log.
func (g *Guard) Close() error {
	if g.server != nil {
		if err := g.server.Close(); err != nil {
			return err
		}
	}
	return g.denials.close()
}

func (g *Guard) onConnect(hostport string, _ *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
	if v := g.judge(hostport, 0); !v.allowed() {
		g.denials.record(v)
		return goproxy.RejectConnect, hostport
	}
	return goproxy.OkConnect, hostport
}

func (g *Guard) onRequest(req *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	hostport := req.URL.Host
	if hostport == "" {
		hostport = req.Host
	}
	defaultPort := 80
	if req.URL.Scheme == "https" {
		defaultPort = 443
	}
	v := g.judge(hostport, defaultPort)
	if v.allowed() {
		return req, nil
	}
	g.denials.record(v)
	return req, goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusForbidden, "blocked: "+v.reason)
}

// verdict is the guard's decision about one destination. An empty reason
// means the destination is allowed.
type verdict struct {
	host   string
	port   int
	reason string
}

func (v verdict) allowed() bool { return v.reason == "" }

func (v verdict) target() string {
	if v.port == 0 {
		return v.host
	}
	return net.JoinHostPort(v.host, strconv.Itoa(v.port))
}

// judge decides on hostport. defaultPort fills in a missing port; zero
// makes the port mandatory, as it is for CONNECT.
func (g *Guard) judge(hostport string, defaultPort int) verdict {
	host, rawPort, err := net.SplitHostPort(hostport)
	if err != nil {
		if defaultPort == 0 {
			return verdict{host: hostport, reason: "missing port"}
		}
		host, rawPort = hostport, strconv.Itoa(defaultPort)
	}

	v := verdict{host: host}
	port, err := strconv.Atoi(rawPort)
	switch {
	case err != nil || port < 1 || port > 65535:
		v.reason = fmt.Sprintf("invalid port %q", rawPort)
		return v
	case net.ParseIP(host) != nil:
		v.reason = "IP literals not supported"
	case !g.ports[port]:
		v.reason = fmt.Sprintf("port %d not allowed", port)
	case !lo.ContainsBy(g.allow, func(p string) bool { return config.MatchHost(p, host) }):
		v.reason = fmt.Sprintf("host %s not allowed", host)
	}
	v.port = port
	return v
}

// dial connects to addr through the first public address its host resolves
// to, so an allowed name cannot be pointed at the local network.
func (g *Guard) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	addrs, err := g.publicAddrs(ctx, host)
	if err != nil {
		p, _ := strconv.Atoi(port) //nolint:errcheck // zero is logged as no port
		g.denials.record(verdict{host: host, port: p, reason: err.Error()})
		return nil, err
	}
	var errs []error
	for _, a := range addrs {
		conn, err := g.dialer(ctx, network, net.JoinHostPort(a.String(), port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

func (g *Guard) publicAddrs(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	public := lo.Filter(addrs, func(a netip.Addr, _ int) bool { return isPublic(a) })
	if len(public) == 0 {
		return nil, fmt.Errorf("%s resolves only to non-public addresses", host)
	}
	return public, nil
}

func isPublic(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsGlobalUnicast() && !a.IsPrivate()
}

// denyLog appends one tab-separated line per refusal:
// time, tool, rule, destination, reason.
type denyLog struct {
	file  *os.File
	lines *log.Logger
	echo  io.Writer
	tool  string
	rule  string
}

// openDenyLog keeps one older generation, rolled over when a run starts with
// the log past maxLogSize.
func openDenyLog(path, tool, rule string) (*denyLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if info, err := os.Stat(path); err == nil && info.Size() > maxLogSize {
		_ = os.Rename(path, path+".1") //nolint:errcheck // a failed roll keeps appending
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path built by caller
	if err != nil {
		return nil, err
	}
	return &denyLog{
		file:  f,
		lines: log.New(f, "", 0),
		tool:  lo.Ternary(tool == "", "-", tool),
		rule:  lo.Ternary(rule == "", "-", rule),
	}, nil
}

func (l *denyLog) record(v verdict) {
	l.lines.Printf("%s\t%s\t%s\t%s\t%s",
		time.Now().UTC().Format(time.RFC3339), l.tool, l.rule, v.target(), v.reason)
	if l.echo != nil {
		fmt.Fprintf(l.echo, "g: egress denied %s: %s\n", v.target(), v.reason) //nolint:errcheck
	}
}

func (l *denyLog) close() error {
	if err := l.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
