// Package ida wraps one headless IDA Pro execution on a given binary file.
// A Job builds the batch mode command line, spawns the process with the
// environment IDA needs to run without a display, and bounds the wait with
// a timeout. Timeout is an ordinary outcome, not an error: Wait reports it
// as TimeoutExitCode so callers treat it uniformly with real exit codes.
package ida

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// TimeoutExitCode is reported by Wait for a job which was still running
// past its deadline and got terminated. Real tool exit statuses fit in
// 0-255, so the value cannot collide with one.
const TimeoutExitCode = 1000

// terminationGracePeriod is the time given to IDA after SIGTERM before
// SIGKILL is sent.
const terminationGracePeriod = 5 * time.Second

// Mode selects how the IDA invocation is parameterized.
type Mode int

const (
	// ModeUnset is the zero value, Start refuses to run with it.
	ModeUnset Mode = iota
	// ModeScript runs an IDAPython script against the binary.
	ModeScript
	// ModeDirect passes -Okey:value options straight to IDA plugins.
	ModeDirect
)

func (m Mode) String() string {
	switch m {
	case ModeScript:
		return "script"
	case ModeDirect:
		return "direct"
	default:
		return "unset"
	}
}

// State describes the lifecycle of the underlying process.
type State int

const (
	NotStarted State = iota
	Running
	Exited
	TimedOut
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Exited:
		return "exited"
	case TimedOut:
		return "timed out"
	default:
		return "not started"
	}
}

// Job is a single IDA execution bound to one binary file. Construct with
// New, then Start and Wait. A Job is not reusable, once Exited or TimedOut
// it stays terminal.
type Job struct {
	target   string
	script   string
	params   []string // quote-escaped script parameters
	options  []string // raw key:value direct options
	mode     Mode
	timeout  time.Duration
	outputDB string
	detach   bool
	binary   string

	mu     sync.Mutex
	state  State
	exit   int
	cmd    *exec.Cmd
	done   chan error
	stdout lockedBuffer
	stderr lockedBuffer
}

// Option configures a Job at construction time.
type Option func(*Job) error

// WithScript sets script mode: the IDAPython script executed on the binary,
// plus parameters forwarded to it (available via idc.ARGV). Embedded double
// quotes in parameters are escaped. The script file must exist.
func WithScript(script string, params ...string) Option {
	return func(j *Job) error {
		if j.mode == ModeDirect {
			return ErrModeConflict
		}
		abs, err := filepath.Abs(script)
		if err != nil {
			return err
		}
		if _, err := os.Stat(abs); err != nil {
			return fmt.Errorf("script file %s: %w", script, err)
		}
		escaped := make([]string, 0, len(params))
		for _, p := range params {
			escaped = append(escaped, escapeParam(p))
		}
		j.script = abs
		j.params = escaped
		j.mode = ModeScript
		return nil
	}
}

// WithOptions sets direct mode: every option is passed to IDA as a separate
// -Okey:value argument, in input order. An option without a ":" separator
// fails construction with ErrMalformedOption.
func WithOptions(options ...string) Option {
	return func(j *Job) error {
		if j.mode == ModeScript {
			return ErrModeConflict
		}
		for _, o := range options {
			if !strings.Contains(o, ":") {
				return fmt.Errorf("option %q: %w", o, ErrMalformedOption)
			}
		}
		j.options = append(j.options, options...)
		j.mode = ModeDirect
		return nil
	}
}

// WithTimeout bounds Wait. Zero or negative means wait forever.
func WithTimeout(d time.Duration) Option {
	return func(j *Job) error {
		j.timeout = d
		return nil
	}
}

// WithOutputDB overrides the path of the .i64 database IDA produces.
func WithOutputDB(path string) Option {
	return func(j *Job) error {
		j.outputDB = path
		return nil
	}
}

// WithDetachedEnv strips an active Python virtualenv from the child
// environment, so IDA's own interpreter does not pick up the caller's
// sandboxed toolchain.
func WithDetachedEnv() Option {
	return func(j *Job) error {
		j.detach = true
		return nil
	}
}

// WithBinary pins the IDA executable instead of discovering it via Locate.
func WithBinary(path string) Option {
	return func(j *Job) error {
		j.binary = path
		return nil
	}
}

// New creates a Job for the given binary file. The file must exist. Exactly
// one of WithScript or WithOptions selects the mode; a Job without a mode
// can be constructed but refuses to Start.
func New(target string, opts ...Option) (*Job, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("binary file %s: %w", target, err)
	}

	j := &Job{target: abs}
	for _, opt := range opts {
		if err := opt(j); err != nil {
			return nil, err
		}
	}
	return j, nil
}

// Target returns the absolute path of the binary under analysis.
func (j *Job) Target() string {
	return j.target
}

// Mode returns the resolved invocation mode.
func (j *Job) Mode() Mode {
	return j.mode
}

// Start resolves the IDA executable and spawns the process. It returns
// ErrModeNotSet without a mode, ErrToolNotFound when no installation is
// resolvable and ErrAlreadyStarted on a second call. It does not wait.
func (j *Job) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state != NotStarted {
		return ErrAlreadyStarted
	}
	if j.mode == ModeUnset {
		return ErrModeNotSet
	}

	binary := j.binary
	if binary == "" {
		var err error
		binary, err = Locate()
		if err != nil {
			return err
		}
	} else if !isExecutable(binary) {
		return fmt.Errorf("%s is not an executable: %w", binary, ErrToolNotFound)
	}

	cmd := exec.Command(binary, j.Args()...)
	cmd.Env = j.environ(os.Environ())
	cmd.Stdout = &j.stdout
	cmd.Stderr = &j.stderr

	slog.Debug("starting ida",
		"binary", binary,
		"args", cmd.Args[1:],
		"target", j.target,
		"mode", j.mode.String(),
	)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", binary, err)
	}

	// Not exec.CommandContext: termination is managed explicitly, first
	// SIGTERM then SIGKILL after a grace period.
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	j.cmd = cmd
	j.done = done
	j.state = Running
	return nil
}

// Wait blocks until the process exits or the configured timeout elapses.
// On normal exit it returns the real exit code. On timeout it terminates
// the child and returns TimeoutExitCode with a nil error. A canceled ctx
// terminates the child and returns ctx.Err. Wait must not be called from
// multiple goroutines.
func (j *Job) Wait(ctx context.Context) (int, error) {
	j.mu.Lock()
	switch j.state {
	case NotStarted:
		j.mu.Unlock()
		return 0, ErrNotStarted
	case Exited, TimedOut:
		code := j.exit
		j.mu.Unlock()
		return code, nil
	}
	done := j.done
	timeout := j.timeout
	j.mu.Unlock()

	// a nil channel blocks forever, which is the unbounded wait
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-done:
		code, err := exitCode(j.cmd, err)
		if err != nil {
			return 0, err
		}
		j.finish(Exited, code)
		return code, nil

	case <-expired:
		slog.Debug("ida run timed out, terminating", "target", j.target, "timeout", timeout)
		_ = j.Terminate()
		grace := time.NewTimer(terminationGracePeriod)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			slog.Warn("ida ignored SIGTERM, killing", "target", j.target)
			_ = j.Kill()
			<-done
		}
		j.finish(TimedOut, TimeoutExitCode)
		return TimeoutExitCode, nil

	case <-ctx.Done():
		_ = j.Terminate()
		return 0, ctx.Err()
	}
}

func (j *Job) finish(state State, code int) {
	j.mu.Lock()
	j.state = state
	j.exit = code
	j.mu.Unlock()
}

func exitCode(cmd *exec.Cmd, err error) (int, error) {
	if err == nil {
		return cmd.ProcessState.ExitCode(), nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("waiting on process: %w", err)
}

// Terminate sends SIGTERM to the process. Signalling an already exited
// process is a no-op.
func (j *Job) Terminate() error {
	return j.signal(syscall.SIGTERM)
}

// Kill sends SIGKILL to the process.
func (j *Job) Kill() error {
	return j.signal(syscall.SIGKILL)
}

func (j *Job) signal(sig os.Signal) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == NotStarted {
		return ErrNotStarted
	}
	err := j.cmd.Process.Signal(sig)
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// PID returns the process id of the launched process.
func (j *Job) PID() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == NotStarted {
		return 0, ErrNotStarted
	}
	return j.cmd.Process.Pid, nil
}

// State returns the current lifecycle state. Note the state moves to Exited
// or TimedOut when Wait observes the termination, not when the OS process
// dies.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Finished reports whether the underlying process terminated, without
// blocking.
func (j *Job) Finished() (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.state {
	case NotStarted:
		return false, ErrNotStarted
	case Exited, TimedOut:
		return true, nil
	}
	select {
	case err := <-j.done:
		// keep the result for Wait
		j.done <- err
		return true, nil
	default:
		return false, nil
	}
}

// ExitCode returns the exit code of the finished job, or -1 while the
// process is still running, matching os.ProcessState. Timeouts report
// TimeoutExitCode.
func (j *Job) ExitCode() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.state {
	case NotStarted:
		return 0, ErrNotStarted
	case Running:
		return -1, nil
	default:
		return j.exit, nil
	}
}

// Stdout returns everything the process wrote to standard output so far.
func (j *Job) Stdout() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == NotStarted {
		return "", ErrNotStarted
	}
	return j.stdout.String(), nil
}

// Stderr returns everything the process wrote to standard error so far.
func (j *Job) Stderr() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == NotStarted {
		return "", ErrNotStarted
	}
	return j.stderr.String(), nil
}

// environ shapes the child environment from base: TVHEADLESS and TERM are
// set unconditionally, IDA requires them to run batch mode without a
// display. With detach, VIRTUAL_ENV is removed and every PATH entry
// referencing it is stripped.
func (j *Job) environ(base []string) []string {
	var venv string
	if j.detach {
		for _, kv := range base {
			if v, ok := strings.CutPrefix(kv, "VIRTUAL_ENV="); ok {
				venv = v
				break
			}
		}
	}

	env := make([]string, 0, len(base)+2)
	for _, kv := range base {
		key, value, _ := strings.Cut(kv, "=")
		switch {
		case key == "TVHEADLESS" || key == "TERM":
			continue
		case j.detach && key == "VIRTUAL_ENV":
			continue
		case j.detach && venv != "" && key == "PATH":
			env = append(env, "PATH="+stripPathEntries(value, venv))
		default:
			env = append(env, kv)
		}
	}
	return append(env, "TVHEADLESS=1", "TERM=xterm")
}

func stripPathEntries(path, marker string) string {
	entries := filepath.SplitList(path)
	kept := entries[:0]
	for _, e := range entries {
		if strings.Contains(e, marker) {
			continue
		}
		kept = append(kept, e)
	}
	return strings.Join(kept, string(os.PathListSeparator))
}

// lockedBuffer makes the captured output readable while the process still
// writes into it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
