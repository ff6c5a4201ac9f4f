package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/DocSRV/docsrv/internal/vina"
)

const (
	ResultJSON = "result.json"
	ConfJSON   = "conf.json"
)

// ResultDoc is the content of result.json.
type ResultDoc struct {
	ResolveTime int64       `json:"resolveTime"`
	Result      vina.Result `json:"result"`
	Best        *vina.Mode  `json:"best,omitempty"`
}

// ConfDoc is the content of conf.json, enough to repeat the run.
type ConfDoc struct {
	Configuration *vina.RunConfiguration `json:"configuration"`
	Command       string                 `json:"command"`
}

// Persist stores the outcome of a successful run into the final directory
// of cfg and copies out and log to their secondary locations. Every step is
// independent: a failure is logged and does not stop the others. The first
// error is returned.
func Persist(ctx context.Context, cfg *vina.RunConfiguration, result vina.Result, command string) error {
	dir := cfg.FinalDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating result dir: %w", err)
	}

	var g errgroup.Group
	step := func(name string, fn func() error) {
		g.Go(func() error {
			err := fn()
			if err != nil {
				slog.ErrorContext(ctx, "persisting "+name, "dir", dir, "error", err)
			}
			return err
		})
	}

	step(ResultJSON, func() error {
		doc := ResultDoc{
			ResolveTime: cfg.ResolveTime,
			Result:      result,
		}
		if best, ok := result.Best(); ok {
			doc.Best = &best
		}
		return writeJSON(filepath.Join(dir, ResultJSON), doc)
	})
	step(ConfJSON, func() error {
		return writeJSON(filepath.Join(dir, ConfJSON), ConfDoc{
			Configuration: cfg,
			Command:       command,
		})
	})
	if cfg.Copies.Out != "" {
		step("out copy", func() error { return copyFile(cfg.Params.Out, cfg.Copies.Out) })
	}
	if cfg.Copies.Log != "" {
		step("log copy", func() error { return copyFile(cfg.Params.Log, cfg.Copies.Log) })
	}
	return g.Wait()
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
