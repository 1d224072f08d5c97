package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/Stager/internal/model"
)

// LineFunc receives one line of output as soon as it is read.
type LineFunc func(ctx context.Context, line string)

type Command struct {
	Path    string
	Args    []string
	Dir     string   // working directory, current one if empty
	Env     []string // nil inherits the environment
	Timeout time.Duration
}

func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

type Result struct {
	Path     string
	Args     []string
	Dir      string
	ExitCode int
	Stdout   string
	Stderr   string
	Started  time.Time
	Stopped  time.Time
}

func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Output returns stderr when it is not empty, stdout otherwise. Tools
// usually explain their failures on stderr.
func (r Result) Output() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}

const (
	defaultWaitDelay = 5 * time.Second
	maxLineSize      = 1024 * 1024
)

// Runner is a thin wrapper around os/exec:
//   - the process runs in its own process group, cancellation or a timeout
//     kill the whole tree
//   - stdout and stderr are split into lines as exec copies them; once the
//     process exits, descendants holding the output open get WaitDelay
//     before the output is closed
//   - a non-zero exit code is a result, not an error
//
// Runner holds no per-call state and is safe for concurrent use.
type Runner struct {
	waitDelay time.Duration
}

type Option func(*Runner)

// WithWaitDelay bounds how long output is read after the process exited or
// was killed, 5s by default.
func WithWaitDelay(d time.Duration) Option {
	return func(r *Runner) {
		r.waitDelay = d
	}
}

func NewRunner(opts ...Option) *Runner {
	r := &Runner{waitDelay: defaultWaitDelay}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes the command and buffers its output.
func (r *Runner) Run(ctx context.Context, proto Command) (Result, error) {
	return r.Stream(ctx, proto, nil, nil)
}

// Stream executes the command and calls onStdout and onStderr for each line
// as it arrives. Both may be nil. The full output is in the Result as well.
//
// Returned errors are a *model.Error of ToolMissingError kind when the
// executable can't be started and CancellationError when ctx is done or
// the timeout elapsed; in the latter case the process tree has been killed.
func (r *Runner) Stream(ctx context.Context, proto Command, onStdout, onStderr LineFunc) (Result, error) {
	if proto.Path == "" {
		return Result{}, errors.New("command path is empty")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, model.Cancelled(proto.Path, err)
	}

	runCtx := ctx
	if proto.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, proto.Timeout)
		defer cancel()
	}

	result := Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
		Dir:  proto.Dir,
	}

	cmd := exec.CommandContext(runCtx, proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	if proto.Env != nil {
		cmd.Env = proto.Env
	}
	cmd.WaitDelay = r.waitDelay
	killTree(cmd)

	stdout := &lineWriter{ctx: ctx, fn: onStdout}
	stderr := &lineWriter{ctx: ctx, fn: onStderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	slog.DebugContext(ctx, "starting process", "cmd", proto.String(), "dir", proto.Dir)
	result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		result.Stopped = time.Now().UTC()
		return result, startError(proto.Path, err)
	}

	waitErr := cmd.Wait()
	stdout.flush()
	stderr.flush()

	result.Stopped = time.Now().UTC()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runCtx.Err() != nil {
		slog.DebugContext(ctx, "process terminated", "cmd", proto.String(), "reason", runCtx.Err())
		return result, model.Cancelled(proto.String(), runCtx.Err())
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// output held open by an orphaned descendant, the process itself exited
		slog.WarnContext(ctx, "process output not closed in time", "cmd", proto.String())
		killOrphans(cmd)
	default:
		return result, fmt.Errorf("waiting for %s: %w", proto.Path, waitErr)
	}

	slog.DebugContext(ctx, "process finished",
		"cmd", proto.String(),
		"exit_code", result.ExitCode,
		"elapsed", result.Stopped.Sub(result.Started).String(),
	)
	return result, nil
}

func startError(path string, err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return &model.Error{Kind: model.ToolMissingError, Op: path, Err: err}
	}
	return &model.Error{Kind: model.ExternalProcessError, Op: path, Err: err}
}

// lineWriter splits the output of a process into lines, calls fn for each
// non empty one and keeps all of them. exec writes to it from its own copy
// goroutine.
type lineWriter struct {
	ctx     context.Context
	fn      LineFunc
	mx      sync.Mutex
	buf     bytes.Buffer
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.partial = append(w.partial, p...)
	w.split(false)
	if len(w.partial) > maxLineSize {
		w.line(w.partial)
		w.partial = nil
	}
	return len(p), nil
}

// flush emits the last line without a terminator.
func (w *lineWriter) flush() {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.split(true)
	w.partial = nil
}

func (w *lineWriter) split(atEOF bool) {
	for len(w.partial) > 0 {
		advance, token, _ := scanLines(w.partial, atEOF)
		if advance == 0 {
			return
		}
		w.line(token)
		w.partial = w.partial[advance:]
	}
}

func (w *lineWriter) line(token []byte) {
	w.buf.Write(token)
	w.buf.WriteByte('\n')
	if w.fn != nil && len(token) > 0 {
		w.fn(w.ctx, string(token))
	}
}

func (w *lineWriter) String() string {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.buf.String()
}

// scanLines is bufio.ScanLines which also splits on a lone '\r'; git and
// pip redraw their progress with it.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance = i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			advance++
		} else if data[i] == '\r' && i+1 == len(data) && !atEOF {
			// need more data to tell \r from \r\n
			return 0, nil, nil
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
