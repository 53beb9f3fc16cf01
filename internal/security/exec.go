package security

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/andywolf/baton/internal/errkind"
	"github.com/andywolf/baton/internal/events"
)

// DefaultExecTimeout bounds every external command.
const DefaultExecTimeout = 60 * time.Second

// maxOutputBytes caps captured stdout and stderr each.
const maxOutputBytes = 1 << 20

// Arity is the allowed number of arguments for a command. Max < 0 means
// unbounded.
type Arity struct {
	Min int
	Max int
}

// defaultAllowlist holds file and text utilities only. Nothing here can
// spawn another program.
var defaultAllowlist = map[string]Arity{
	"cat":  {Min: 1, Max: 8},
	"head": {Min: 1, Max: 4},
	"tail": {Min: 1, Max: 4},
	"wc":   {Min: 1, Max: 8},
	"grep": {Min: 2, Max: 8},
	"ls":   {Min: 0, Max: 8},
	"sort": {Min: 0, Max: 6},
	"uniq": {Min: 0, Max: 4},
	"cut":  {Min: 1, Max: 6},
	"stat": {Min: 1, Max: 8},
	"du":   {Min: 1, Max: 8},
	"df":   {Min: 0, Max: 4},
	"file": {Min: 1, Max: 8},
	"diff": {Min: 2, Max: 6},
}

// dangerousArguments are rejected anywhere in an argument. No shell is
// involved, but arguments are screened the same way so a caller cannot
// smuggle shell syntax through to something that later interprets it.
var dangerousArguments = []string{
	"$(", // Command substitution
	"${", // Variable expansion
	"`",  // Command substitution
	"&&", // Command chaining
	"||", // Command chaining
	";",  // Command separator
	"|",  // Pipe
	">",  // Redirect
	"<",  // Redirect
	"&",  // Background execution
	"\n",
	"\r",
	"\x00",
}

// Output is the captured result of a command.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Executor runs allowlisted commands directly via exec, never through a shell.
type Executor struct {
	allowlist map[string]Arity
	timeout   time.Duration
	dir       string
	recorder  events.Recorder
	sanitizer *LogSanitizer
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecTimeout overrides DefaultExecTimeout.
func WithExecTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithWorkingDir sets the directory commands run in.
func WithWorkingDir(dir string) ExecutorOption {
	return func(e *Executor) {
		e.dir = dir
	}
}

// WithRecorder sets where refused commands are reported.
func WithRecorder(r events.Recorder) ExecutorOption {
	return func(e *Executor) {
		if r != nil {
			e.recorder = r
		}
	}
}

// NewExecutor creates an Executor with the default allowlist.
func NewExecutor(opts ...ExecutorOption) *Executor {
	allow := make(map[string]Arity, len(defaultAllowlist))
	for name, arity := range defaultAllowlist {
		allow[name] = arity
	}
	e := &Executor{
		allowlist: allow,
		timeout:   DefaultExecTimeout,
		recorder:  events.Discard,
		sanitizer: NewLogSanitizer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Allowed reports whether name is on the allowlist.
func (e *Executor) Allowed(name string) bool {
	_, ok := e.allowlist[name]
	return ok
}

// Validate checks a command and its arguments without running anything.
func (e *Executor) Validate(name string, args []string) error {
	const op = "exec"

	arity, ok := e.allowlist[name]
	if !ok || strings.ContainsRune(name, '/') {
		return e.refuse(op, name, "command not in allowed list: %s", truncate(name, 64))
	}
	if len(args) < arity.Min || (arity.Max >= 0 && len(args) > arity.Max) {
		return e.refuse(op, name, "%s accepts %d-%d arguments, got %d", name, arity.Min, arity.Max, len(args))
	}
	for _, arg := range args {
		for _, pattern := range dangerousArguments {
			if strings.Contains(arg, pattern) {
				return e.refuse(op, name, "argument contains dangerous pattern: %q", pattern)
			}
		}
	}
	return nil
}

// Run executes name with args, bounded by the executor timeout. A non-zero
// exit returns the captured Output together with an IOError.
func (e *Executor) Run(ctx context.Context, name string, args ...string) (*Output, error) {
	if err := e.Validate(name, args); err != nil {
		return nil, err
	}

	binary, err := exec.LookPath(name)
	if err != nil {
		return nil, errkind.Wrap(errkind.IOError, "exec "+name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = e.dir
	stdout := &limitedBuffer{limit: maxOutputBytes}
	stderr := &limitedBuffer{limit: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	out := &Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		out.ExitCode = -1
		return out, errkind.New(errkind.IOError, "exec "+name, "timed out after %s", e.timeout)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
		} else {
			out.ExitCode = -1
		}
		return out, errkind.Wrap(errkind.IOError, "exec "+name, fmt.Errorf("%w: %s", runErr, strings.TrimSpace(out.Stderr)))
	}
	return out, nil
}

func (e *Executor) refuse(op, name, format string, args ...interface{}) error {
	err := errkind.New(errkind.CommandNotAllowed, op, format, args...)
	_ = e.recorder.Record(events.Event{ //nolint:errcheck // refusal is returned regardless
		Type:    events.TypeSecurity,
		Kind:    string(errkind.CommandNotAllowed),
		Action:  op,
		Message: e.sanitizer.Sanitize(err.Error()),
		Fields:  map[string]string{"command": truncate(name, 64)},
	})
	return err
}

// limitedBuffer silently drops bytes beyond limit so a chatty command
// cannot exhaust memory.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
