package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"
)

var (
	// ErrToolNotFound means the tool is not on PATH or the given path does not exist.
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolNotExecutable means the tool exists but cannot be executed.
	ErrToolNotExecutable = errors.New("tool not executable")
)

// Options configures one invocation of the wrapped tool.
type Options struct {
	Tool    string
	Args    []string
	Env     []string
	Dir     string
	Verbose bool
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// Result holds the outcome of a finished tool run.
type Result struct {
	ExitCode int
}

// ExitCode maps a launch error to the status a shell would report.
func ExitCode(err error) int {
	switch {
	case errors.Is(err, ErrToolNotFound):
		return 127
	case errors.Is(err, ErrToolNotExecutable):
		return 126
	default:
		return 1
	}
}

// Resolve locates tool the way a shell would.
func Resolve(tool string) (string, error) {
	if tool == "" {
		return "", fmt.Errorf("%w: empty tool name", ErrToolNotFound)
	}
	path, err := exec.LookPath(tool)
	if err == nil {
		return path, nil
	}
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("%s: %w", tool, ErrToolNotFound)
	case errors.Is(err, fs.ErrPermission):
		return "", fmt.Errorf("%s: %w", tool, ErrToolNotExecutable)
	default:
		return "", fmt.Errorf("resolve %s: %w", tool, err)
	}
}

// Run starts the tool, waits for it, and reports its exit status. A non-zero
// exit is a Result, not an error.
//
// When all three streams are files the child inherits them as-is, so
// redirections and terminal detection behave as if the tool ran directly.
// Only when all three are terminals does the child get its own PTY. Any other
// combination is served over pipes.
func Run(ctx context.Context, opts *Options) (Result, error) {
	path, err := prepare(opts)
	if err != nil {
		return Result{}, err
	}
	if opts.Verbose {
		fmt.Fprintf(opts.Stderr, "g: running %s %q\n", path, opts.Args) //nolint:errcheck
	}

	files, ok := streamFiles(opts)
	switch {
	case ok && isTTY(files[0]) && isTTY(files[1]) && isTTY(files[2]):
		return runPTY(ctx, opts, path, files[0])
	case ok:
		return runInherited(ctx, opts, path, files)
	default:
		return runPipes(ctx, opts, path)
	}
}

// Replace execs the tool in place of the current process. It only returns
// on failure.
func Replace(opts *Options) error {
	path, err := prepare(opts)
	if err != nil {
		return err
	}
	if opts.Verbose {
		fmt.Fprintf(opts.Stderr, "g: exec %s %q\n", path, opts.Args) //nolint:errcheck
	}
	if opts.Dir != "" {
		if err := os.Chdir(opts.Dir); err != nil {
			return fmt.Errorf("chdir: %w", err)
		}
	}
	argv := append([]string{opts.Tool}, opts.Args...)
	if err := syscall.Exec(path, argv, opts.Env); err != nil { //nolint:gosec
		if errors.Is(err, syscall.EACCES) {
			return fmt.Errorf("%s: %w", opts.Tool, ErrToolNotExecutable)
		}
		return fmt.Errorf("exec %s: %w", opts.Tool, err)
	}
	return nil
}

func prepare(opts *Options) (string, error) {
	if opts == nil {
		return "", fmt.Errorf("options are required")
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Env == nil {
		opts.Env = os.Environ()
	}
	return Resolve(opts.Tool)
}

// outputDrainTimeout bounds how long trailing PTY output is copied after the
// tool exits. A background grandchild can keep the PTY open indefinitely.
const outputDrainTimeout = 250 * time.Millisecond

func command(ctx context.Context, opts *Options, path string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, path, opts.Args...) //nolint:gosec
	cmd.Args[0] = opts.Tool
	cmd.Env = opts.Env
	cmd.Dir = opts.Dir
	return cmd
}

// streamFiles returns stdin, stdout and stderr when every one is an *os.File.
func streamFiles(opts *Options) ([3]*os.File, bool) {
	var files [3]*os.File
	for i, s := range []any{opts.Stdin, opts.Stdout, opts.Stderr} {
		f, ok := s.(*os.File)
		if !ok {
			return files, false
		}
		files[i] = f
	}
	return files, true
}

// runPTY gives the child a PTY sized like the wrapper's terminal and relays
// bytes both ways with the outer terminal in raw mode. In raw mode ^C arrives
// as input and the inner PTY turns it into the child's SIGINT.
func runPTY(ctx context.Context, opts *Options, path string, stdin *os.File) (Result, error) {
	cmd := command(ctx, opts, path)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return Result{}, startError(opts.Tool, err)
	}
	_ = pty.InheritSize(stdin, ptmx) //nolint:errcheck // default size is usable

	done := make(chan struct{})

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-winch:
				// Resize races with PTY teardown; a failed resize is harmless.
				_ = pty.InheritSize(stdin, ptmx) //nolint:errcheck
			}
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go forward(sigCh, done, func(s syscall.Signal) error { return cmd.Process.Signal(s) })

	fd := int(stdin.Fd()) //nolint:gosec
	oldState, rawErr := term.MakeRaw(fd)

	go func() {
		_, _ = io.Copy(ptmx, stdin) //nolint:errcheck // PTY close interrupts the copy
	}()
	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		_, _ = io.Copy(opts.Stdout, ptmx) //nolint:errcheck // EIO once the child side closes
	}()

	waitErr := cmd.Wait()
	select {
	case <-outDone:
	case <-time.After(outputDrainTimeout):
	}

	close(done)
	signal.Stop(winch)
	signal.Stop(sigCh)
	_ = ptmx.Close() //nolint:errcheck
	if rawErr == nil {
		_ = term.Restore(fd, oldState) //nolint:errcheck
	}
	return exitResult(waitErr)
}

// runInherited hands the wrapper's own descriptors to the child. The child
// stays in the wrapper's process group, so a terminal already delivers ^C to
// both and the wrapper does not forward SIGINT. A repeated signal still
// escalates to SIGKILL.
func runInherited(ctx context.Context, opts *Options, path string, files [3]*os.File) (Result, error) {
	cmd := command(ctx, opts, path)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = files[0], files[1], files[2]

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	if err := cmd.Start(); err != nil {
		return Result{}, startError(opts.Tool, err)
	}
	done := make(chan struct{})
	go forward(sigCh, done, func(s syscall.Signal) error {
		if s == syscall.SIGINT {
			return nil
		}
		return cmd.Process.Signal(s)
	})

	waitErr := cmd.Wait()
	close(done)
	return exitResult(waitErr)
}

// runPipes serves streams that are not all files. The child gets its own
// process group unless it may read from the controlling terminal, which only
// the foreground group can do.
func runPipes(ctx context.Context, opts *Options, path string) (Result, error) {
	cmd := command(ctx, opts, path)
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	group := !isTTY(opts.Stdin)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: group}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := cmd.Start(); err != nil {
		return Result{}, startError(opts.Tool, err)
	}
	done := make(chan struct{})
	go forward(sigCh, done, func(s syscall.Signal) error {
		if !group {
			if s == syscall.SIGINT {
				return nil
			}
			return cmd.Process.Signal(s)
		}
		return syscall.Kill(-cmd.Process.Pid, s)
	})

	waitErr := cmd.Wait()
	close(done)
	return exitResult(waitErr)
}

// forward relays signals through send until done closes. A second signal
// escalates to SIGKILL.
func forward(sigCh <-chan os.Signal, done <-chan struct{}, send func(syscall.Signal) error) {
	count := 0
	for {
		select {
		case <-done:
			return
		case sig := <-sigCh:
			s, ok := sig.(syscall.Signal)
			if !ok {
				continue
			}
			count++
			if count >= 2 {
				s = syscall.SIGKILL
			}
			// The child may already be gone.
			_ = send(s) //nolint:errcheck
			if s == syscall.SIGKILL {
				return
			}
		}
	}
}

func startError(tool string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%s: %w", tool, ErrToolNotExecutable)
	}
	return fmt.Errorf("start %s: %w", tool, err)
}

// exitResult converts a Wait error into a Result. A child killed by a signal
// reports 128+signal, as shells do.
func exitResult(waitErr error) (Result, error) {
	if waitErr == nil {
		return Result{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return Result{}, fmt.Errorf("wait: %w", waitErr)
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return Result{ExitCode: 128 + int(ws.Signal())}, nil
	}
	return Result{ExitCode: exitErr.ExitCode()}, nil
}

func isTTY(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) //nolint:gosec
}
