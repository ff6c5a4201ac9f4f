package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/DocSRV/docsrv/internal/log"
	"github.com/DocSRV/docsrv/internal/model"
	"github.com/DocSRV/docsrv/internal/vina"
)

var ErrConfigWrite = errors.New("writing vina config")

const splitStarted = "vina_split started"

// JobState is a step of a single vina run.
type JobState int

const (
	StateIdle JobState = iota
	StateConfiguringOutput
	StateWritingConfigFile
	StateSpawned
	StateStreaming
	StateClosedOK
	StateClosedFail
	StateKilled
)

func (s JobState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguringOutput:
		return "configuring_output"
	case StateWritingConfigFile:
		return "writing_config_file"
	case StateSpawned:
		return "spawned"
	case StateStreaming:
		return "streaming"
	case StateClosedOK:
		return "closed_ok"
	case StateClosedFail:
		return "closed_fail"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("JobState(%d)", int(s))
	}
}

type JobEventKind int

const (
	JobProgress JobEventKind = iota
	JobSplit
	JobClosed
	JobKilled
)

// JobEvent is emitted by a Job during its lifetime. Closed is always the last
// event of a job which has not been killed.
type JobEvent struct {
	Kind     JobEventKind
	Progress vina.Progress
	Message  string
	// set on JobClosed
	ExitCode int
	Err      error
	Config   *vina.RunConfiguration
	Result   *vina.Result
	Duration time.Duration
}

// EmitFunc delivers job events to the owner of a job. It must not call back
// into the job.
type EmitFunc func(ctx context.Context, ev JobEvent)

// JobOptions are the parts of the configuration shared by all jobs.
type JobOptions struct {
	VinaBinary string
	Root       string
	Folder     string
	Defaults   vina.Params
	Splitter   PostProcessor
	Now        func() time.Time
}

// OptionsFromConfig derives job options from the service configuration.
func OptionsFromConfig(cfg model.Config) JobOptions {
	return JobOptions{
		VinaBinary: cfg.Vina.Binary,
		Root:       cfg.Output.Path,
		Folder:     cfg.Output.Folder,
		Defaults:   cfg.Defaults.Params(),
		Splitter:   ExecSplitter{Binary: cfg.Vina.SplitBinary},
		Now:        time.Now,
	}
}

// Job supervises one execution of vina. It works on a private copy of the
// configuration, the final state is reported in the closed event.
type Job struct {
	cfg    *vina.RunConfiguration
	opts   JobOptions
	emit   EmitFunc
	runner *Runner

	mx     sync.Mutex
	state  JobState
	killed bool
}

func NewJob(cfg *vina.RunConfiguration, opts JobOptions, emit EmitFunc) *Job {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Splitter == nil {
		opts.Splitter = PostProcessorFunc(func(context.Context, string) error { return nil })
	}
	return &Job{
		cfg:    cfg.Clone(),
		opts:   opts,
		emit:   emit,
		runner: NewRunner(),
	}
}

func (j *Job) ID() string {
	return j.cfg.ID
}

func (j *Job) State() JobState {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.state
}

// Run executes the job and blocks until vina exits and results are stored.
func (j *Job) Run(ctx context.Context) {
	cfg := j.cfg
	ctx = log.ContextAttrs(ctx,
		slog.String("job_id", cfg.ID),
		slog.Int("try", cfg.Try(cfg.RetriesLeft)),
	)

	confPath, err := j.writeConfig(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "job aborted", "error", err)
		j.close(ctx, StateClosedFail, JobEvent{Kind: JobClosed, ExitCode: -1, Err: err, Config: cfg})
		return
	}
	ctx = log.ContextAttrs(ctx, slog.String("site", cfg.ActiveSite))

	cmd := Command{
		Path: j.opts.VinaBinary,
		Args: []string{"--config", confPath},
	}
	tracker := vina.NewProgressTracker(j.opts.Now)
	onStdout := func(ctx context.Context, chunk []byte) {
		if p, ok := tracker.Observe(chunk); ok {
			j.send(ctx, JobEvent{Kind: JobProgress, Progress: p})
		}
	}

	j.mx.Lock()
	if j.killed {
		j.mx.Unlock()
		slog.InfoContext(ctx, "job killed before start")
		return
	}
	err = j.runner.Start(ctx, cmd, onStdout)
	if err != nil {
		j.mx.Unlock()
		slog.ErrorContext(ctx, "starting vina", "path", cmd.Path, "error", err)
		j.close(ctx, StateClosedFail, JobEvent{Kind: JobClosed, ExitCode: -1, Err: err, Config: cfg})
		return
	}
	j.state = StateSpawned
	j.mx.Unlock()
	slog.DebugContext(ctx, "vina started", "command", cmd.String())
	j.setState(StateStreaming)

	res := <-j.runner.WaitChan()
	closed := JobEvent{
		Kind:     JobClosed,
		ExitCode: res.ExitCode(),
		Config:   cfg,
		Duration: res.Stopped.Sub(res.Started),
	}
	if closed.ExitCode != 0 {
		closed.Err = res.Err
		slog.ErrorContext(ctx, "vina failed", "exit_code", closed.ExitCode, "stderr", res.Stderr.String(), "error", res.Err)
		j.close(ctx, StateClosedFail, closed)
		return
	}

	j.send(ctx, JobEvent{Kind: JobProgress, Progress: vina.Done})
	j.send(ctx, JobEvent{Kind: JobSplit, Message: splitStarted})
	if err := j.opts.Splitter.Split(ctx, cfg.Params.Out); err != nil {
		slog.ErrorContext(ctx, "splitting vina result", "path", cfg.Params.Out, "error", err)
	}
	result := vina.ParseOutput(ctx, res.Stdout.String())
	cfg.Resolve(j.opts.Now().UnixMilli())
	if err := Persist(ctx, cfg, result, cmd.String()); err != nil {
		slog.ErrorContext(ctx, "persisting result", "error", err)
	}
	closed.Result = &result
	attrs := []any{"dir", cfg.FinalDir(), "modes", len(result.Modes)}
	if best, ok := result.Best(); ok {
		attrs = append(attrs, "best_affinity", best.Affinity)
	}
	slog.InfoContext(ctx, "vina finished", attrs...)
	j.close(ctx, StateClosedOK, closed)
}

// Kill terminates the vina process tree and emits JobKilled. Once killed, the
// job emits nothing else. A job without a process is marked killed and will
// not start one.
func (j *Job) Kill(ctx context.Context) error {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.killed {
		return nil
	}
	switch j.state {
	case StateSpawned, StateStreaming:
		if err := j.runner.Kill(); err != nil {
			slog.ErrorContext(ctx, "killing vina", "job_id", j.cfg.ID, "error", err)
			return err
		}
	case StateClosedOK, StateClosedFail:
		slog.ErrorContext(ctx, "killing vina", "job_id", j.cfg.ID, "error", ErrNoProcess)
		return ErrNoProcess
	}
	j.killed = true
	j.state = StateKilled
	j.emit(ctx, JobEvent{Kind: JobKilled, Message: "process killed"})
	return nil
}

func (j *Job) writeConfig(ctx context.Context) (string, error) {
	cfg := j.cfg
	j.setState(StateConfiguringOutput)
	if err := cfg.ResolveOutputPaths(j.opts.Root, j.opts.Folder); err != nil {
		return "", fmt.Errorf("%w: resolving output paths: %w", ErrConfigWrite, err)
	}
	dir := cfg.FinalDir()
	for _, d := range []string{dir, filepath.Dir(cfg.Params.Out), filepath.Dir(cfg.Params.Log)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return "", fmt.Errorf("%w: %w", ErrConfigWrite, err)
		}
	}

	j.setState(StateWritingConfigFile)
	path := filepath.Join(dir, vina.ConfFile)
	if err := os.WriteFile(path, []byte(cfg.Params.Encode(j.opts.Defaults)), 0o644); err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfigWrite, err)
	}
	slog.DebugContext(ctx, "vina config written", "path", path)
	return path, nil
}

func (j *Job) setState(s JobState) {
	j.mx.Lock()
	if !j.killed {
		j.state = s
	}
	j.mx.Unlock()
}

// send emits ev unless the job has been killed.
func (j *Job) send(ctx context.Context, ev JobEvent) {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.killed {
		return
	}
	j.emit(ctx, ev)
}

func (j *Job) close(ctx context.Context, state JobState, ev JobEvent) {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.killed {
		return
	}
	j.state = state
	j.emit(ctx, ev)
}
