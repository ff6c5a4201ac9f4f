package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotStarted = errors.New("process not started")
	ErrInProgress = errors.New("process in progress")
	ErrNoProcess  = errors.New("no process to kill")
)

// StdoutFunc receives stdout exactly as it was read from the pipe. The chunk
// is only valid until the function returns.
type StdoutFunc func(ctx context.Context, chunk []byte)

type Runner struct {
	mx         sync.RWMutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	waits      []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// String returns the command line as it would be typed into a shell.
func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Stderr  *bytes.Buffer
	Err     error
}

// ExitCode returns the exit code of a finished process, -1 when it did not
// exit normally or was never started.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Start runs the process in its own process group. Only a single process per
// Runner may be active, ErrInProgress is returned otherwise. It does NOT wait
// for the process to finish, use WaitChan for that.
// Stdout is captured into Result.Stdout and, when stdoutFunc is not nil,
// streamed to it from an internal goroutine, which also waits for the process.
func (r *Runner) Start(ctx context.Context, proto Command, stdoutFunc StdoutFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	if proto.Timeout == 0 {
		ctx, r.cancelFunc = context.WithCancel(ctx)
	} else {
		ctx, r.cancelFunc = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, r.result.Path, r.result.Args...)
	if len(proto.Env) > 0 {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killTree(cmd.Process)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.cancelFunc()
		return err
	}
	var buf, stderr bytes.Buffer
	r.result.Stdout = &buf
	r.result.Stderr = &stderr
	cmd.Stderr = &stderr

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		r.cancelFunc()
		return err
	}
	r.cmd = cmd

	go r.wait(ctx, cmd, stdout, &buf, stdoutFunc, r.cancelFunc)
	return nil
}

func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, buf *bytes.Buffer, stdoutFunc StdoutFunc, cancel context.CancelFunc) {
	chunk := make([]byte, 4096)
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if stdoutFunc != nil {
				stdoutFunc(ctx, chunk[:n])
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				slog.DebugContext(ctx, "reading stdout", "error", err)
			}
			break
		}
	}

	err := cmd.Wait()
	cancel()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

// WaitChan returns the channel obtaining the result of a running
// program. The channel is closed once program ends. When nothing runs the
// last result is delivered immediately.
func (r *Runner) WaitChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// Kill terminates the whole process group of the running program.
func (r *Runner) Kill() error {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return ErrNoProcess
	}
	return killTree(r.cmd.Process)
}

// Close kills the running process, if any.
func (r *Runner) Close() {
	r.mx.RLock()
	cancel := r.cancelFunc
	r.mx.RUnlock()
	if cancel != nil {
		cancel()
	}
}
