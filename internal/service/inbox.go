package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/DocSRV/docsrv/internal/atomicfile"
	"github.com/DocSRV/docsrv/internal/vina"
)

const (
	ActionSchedule = "schedule"
	ActionStart    = "start"
	ActionStop     = "stop"
	ActionSweep    = "sweep"

	requestExt  = ".yaml"
	rejectedExt = ".rejected"
)

// Request is a command dropped into the inbox directory.
type Request struct {
	Action     string            `yaml:"action"`
	VinaConfig string            `yaml:"vina_config,omitempty"`
	Receptor   string            `yaml:"receptor,omitempty"`
	Ligand     string            `yaml:"ligand,omitempty"`
	Flex       string            `yaml:"flex,omitempty"`
	Center     *vina.Vec3        `yaml:"center,omitempty"`
	Repeat     int               `yaml:"repeat,omitempty"`
	Start      bool              `yaml:"start,omitempty"`
	Params     map[string]string `yaml:"params,omitempty"`
}

// Config builds the job described by a schedule request. A vina config file
// is parsed first, the remaining fields override it.
func (r Request) Config(ctx context.Context) (*vina.RunConfiguration, error) {
	cfg := vina.New()
	if r.VinaConfig != "" {
		var err error
		cfg, err = vina.ParseFile(ctx, r.VinaConfig)
		if err != nil {
			return nil, err
		}
	}
	if r.Receptor != "" {
		cfg.Params.Receptor = r.Receptor
	}
	if r.Ligand != "" {
		cfg.Params.Ligand = r.Ligand
	}
	if r.Flex != "" {
		cfg.Params.Flex = r.Flex
	}
	for _, k := range slices.Sorted(maps.Keys(r.Params)) {
		if err := cfg.Params.Set(k, r.Params[k]); err != nil {
			slog.WarnContext(ctx, "request param: keeping raw value", "key", k, "error", err)
		}
	}
	if r.Center != nil {
		cfg.SetActiveSite(cfg.ActiveSite, *r.Center)
	}
	if r.Repeat > 0 {
		cfg.RepeatCount = r.Repeat
		cfg.RetriesLeft = r.Repeat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteRequest stores r into the inbox dir atomically, so the watcher never
// sees a partial file. Names sort in submission order.
func WriteRequest(dir string, r Request) (string, error) {
	b, err := yaml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("yaml marshal: %w", err)
	}
	name := strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + uuid.NewString()[:8] + requestExt
	path := filepath.Join(dir, name)
	if err := atomicfile.WriteFile(path, b); err != nil {
		return "", err
	}
	return path, nil
}

// Inbox turns request files into Scheduler calls.
type Inbox struct {
	dir   string
	sched *Scheduler
}

func NewInbox(dir string, sched *Scheduler) *Inbox {
	return &Inbox{dir: dir, sched: sched}
}

// Do processes requests already present in the inbox and then watches it
// until ctx is cancelled.
func (i *Inbox) Do(ctx context.Context) error {
	if err := os.MkdirAll(i.dir, 0o755); err != nil {
		return fmt.Errorf("ensure dir %s: %w", i.dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(i.dir); err != nil {
		return fmt.Errorf("watch %s: %w", i.dir, err)
	}

	pending, err := filepath.Glob(filepath.Join(i.dir, "*"+requestExt))
	if err != nil {
		return err
	}
	slices.Sort(pending)
	for _, path := range pending {
		i.handleFile(ctx, path)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				slog.DebugContext(ctx, "fsnotify", "event", event.Op.String(), "file", event.Name)
				i.handleFile(ctx, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.ErrorContext(ctx, "fsnotify", "error", err)
		}
	}
}

func (i *Inbox) handleFile(ctx context.Context, path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || filepath.Ext(base) != requestExt {
		return
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// a duplicate event of an already handled file
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "reading request", "path", path, "error", err)
		return
	}
	if len(b) == 0 {
		// created but not written yet, the write event brings it back
		slog.DebugContext(ctx, "request is empty, waiting for content", "path", path)
		return
	}

	var req Request
	err = yaml.Unmarshal(b, &req)
	if err == nil {
		err = i.dispatch(ctx, req)
	}
	if err != nil {
		slog.ErrorContext(ctx, "request rejected", "path", path, "error", err)
		if err := os.Rename(path, path+rejectedExt); err != nil {
			slog.ErrorContext(ctx, "moving rejected request", "path", path, "error", err)
		}
		return
	}
	if err := os.Remove(path); err != nil {
		slog.ErrorContext(ctx, "removing request", "path", path, "error", err)
	}
}

func (i *Inbox) dispatch(ctx context.Context, req Request) error {
	switch req.Action {
	case ActionSchedule:
		cfg, err := req.Config(ctx)
		if err != nil {
			return err
		}
		if _, err := i.sched.Schedule(ctx, cfg); err != nil {
			return err
		}
		if req.Start {
			return i.sched.RunScheduled(ctx)
		}
		return nil
	case ActionStart:
		return i.sched.RunScheduled(ctx)
	case ActionStop:
		return i.sched.Stop(ctx)
	case ActionSweep:
		removed, err := i.sched.Sweep(ctx)
		if errors.Is(err, ErrBusy) {
			slog.WarnContext(ctx, "sweep skipped, a job is running")
			return nil
		}
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "sweep done", "removed", len(removed))
		return nil
	default:
		return fmt.Errorf("unknown action %q", req.Action)
	}
}
