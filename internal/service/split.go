package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// PostProcessor runs after a successful vina run against the produced
// structure file.
type PostProcessor interface {
	Split(ctx context.Context, structure string) error
}

type PostProcessorFunc func(ctx context.Context, structure string) error

func (f PostProcessorFunc) Split(ctx context.Context, structure string) error {
	return f(ctx, structure)
}

// ExecSplitter runs `vina_split --input <structure>`, which writes every pose
// into its own file next to the structure. An empty Binary disables it.
type ExecSplitter struct {
	Binary  string
	Timeout time.Duration
}

func (s ExecSplitter) Split(ctx context.Context, structure string) error {
	if s.Binary == "" {
		return nil
	}
	cmd := Command{
		Path:    s.Binary,
		Args:    []string{"--input", structure},
		Timeout: s.Timeout,
	}
	runner := NewRunner()
	if err := runner.Start(ctx, cmd, nil); err != nil {
		return fmt.Errorf("starting %s: %w", s.Binary, err)
	}
	res := <-runner.WaitChan()
	if res.Err != nil {
		return fmt.Errorf("running %s: %w", cmd, res.Err)
	}
	slog.DebugContext(ctx, "structure split", "path", structure, "took", res.Stopped.Sub(res.Started))
	return nil
}
