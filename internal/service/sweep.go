package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/DocSRV/docsrv/internal/model"
	"github.com/DocSRV/docsrv/internal/parallel"
)

const tryPrefix = "Try_n"

// Sweeper removes tries which never produced result.json, then every
// timestamp, site and receptor-ligand directory left without a try.
type Sweeper struct {
	Dir   string // <output.path>/<output.folder>
	Limit int
}

// ResultsDir is the root of all receptor-ligand directories.
func ResultsDir(cfg model.Config) string {
	return filepath.Join(cfg.Output.Path, cfg.Output.Folder)
}

// Sweep walks receptor-ligand directories concurrently and returns the
// removed directories.
func (s Sweeper) Sweep(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading results dir: %w", err)
	}

	pairs := func(yield func(string, error) bool) {
		for _, e := range entries {
			if e.IsDir() && !yield(filepath.Join(s.Dir, e.Name()), nil) {
				return
			}
		}
	}
	sweepPair := func(ctx context.Context, pair string) ([]string, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var removed []string
		_, err := sweepLevel(pair, 0, func(path string) {
			removed = append(removed, path)
		})
		return removed, err
	}

	limit := s.Limit
	if limit <= 0 {
		limit = 4
	}
	var removed []string
	var errs []error
	for paths, err := range parallel.NewMap(ctx, limit, sweepPair).Iter(pairs) {
		removed = append(removed, paths...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

// sweepLevel handles pair (0), site (1) and timestamp (2) directories. It
// reports whether dir was removed.
func sweepLevel(dir string, level int, record func(string)) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	var subdirs, deleted int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		subdirs++
		path := filepath.Join(dir, e.Name())
		var gone bool
		if level == 2 {
			gone, err = sweepTry(path, record)
		} else {
			gone, err = sweepLevel(path, level+1, record)
		}
		if err != nil {
			return false, err
		}
		if gone {
			deleted++
		}
	}
	if deleted != subdirs {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	record(dir)
	return true, nil
}

func sweepTry(dir string, record func(string)) (bool, error) {
	if !strings.HasPrefix(filepath.Base(dir), tryPrefix) {
		return false, nil
	}
	_, err := os.Stat(filepath.Join(dir, ResultJSON))
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, os.ErrNotExist):
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	record(dir)
	return true, nil
}

// newSweepCron runs sweepFunc on the cron schedule of cfg.
func newSweepCron(ctx context.Context, cfg model.Sweep, sweepFunc func()) (gocron.Scheduler, error) {
	if _, err := model.ParseCron(cfg.Cron); err != nil {
		return nil, fmt.Errorf("parsing service.sweep.cron: %w", err)
	}
	job := gocron.CronJob(cfg.Cron, false)
	slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(sweepFunc),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
