package service

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	jss "github.com/kaptinlin/jsonschema"

	"github.com/DocSRV/docsrv/internal/atomicfile"
	"github.com/DocSRV/docsrv/internal/vina"
)

//go:embed schemas/queue.schema.json
var schemaFS embed.FS

var queueSchema *jss.Schema

func init() {
	b, err := schemaFS.ReadFile("schemas/queue.schema.json")
	if err != nil {
		panic(err)
	}
	queueSchema, err = jss.NewCompiler().Compile(b)
	if err != nil {
		panic(fmt.Errorf("compiling queue schema: %w", err))
	}
}

// QueueStore keeps the scheduler queue across restarts.
type QueueStore interface {
	Load(ctx context.Context) ([]*vina.RunConfiguration, error)
	Save(ctx context.Context, queue []*vina.RunConfiguration) error
}

// FileQueue stores the queue as a JSON array in a single file. Each Save
// replaces the file atomically.
type FileQueue struct {
	path string
}

func NewFileQueue(path string) FileQueue {
	return FileQueue{path: path}
}

// Path is the queue file.
func (q FileQueue) Path() string {
	return q.path
}

// Load reads the queue. A missing file is an empty queue. Entries that do not
// validate are dropped; if anything was dropped the file is moved aside to
// <path>.<timestamp>.corrupt so the next Save cannot overwrite it.
func (q FileQueue) Load(ctx context.Context) ([]*vina.RunConfiguration, error) {
	queue, dropped, err := q.Peek(ctx)
	if err != nil {
		return nil, err
	}
	if dropped > 0 {
		if err := q.quarantine(ctx); err != nil {
			return nil, err
		}
	}
	return queue, nil
}

// Peek reads the queue like Load but leaves a damaged file in place. It
// returns the valid entries and how many were dropped; an unreadable file
// counts as one.
func (q FileQueue) Peek(ctx context.Context) ([]*vina.RunConfiguration, int, error) {
	b, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		slog.DebugContext(ctx, "queue file does not exist", "path", q.path)
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading queue: %w", err)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(b, &entries); err != nil {
		slog.WarnContext(ctx, "queue file is unreadable", "path", q.path, "error", err)
		return nil, 1, nil
	}
	queue := make([]*vina.RunConfiguration, 0, len(entries))
	dropped := 0
	for i, entry := range entries {
		cfg, err := decodeEntry(entry)
		if err != nil {
			slog.WarnContext(ctx, "dropping queue entry", "path", q.path, "index", i, "error", err)
			dropped++
			continue
		}
		queue = append(queue, cfg)
	}
	return queue, dropped, nil
}

func (q FileQueue) quarantine(ctx context.Context) error {
	dst := fmt.Sprintf("%s.%s.corrupt", q.path, time.Now().Format("20060102T150405"))
	if err := os.Rename(q.path, dst); err != nil {
		return fmt.Errorf("quarantining %s: %w", q.path, err)
	}
	slog.WarnContext(ctx, "quarantined queue file", "path", q.path, "corrupt", dst)
	return nil
}

func decodeEntry(entry json.RawMessage) (*vina.RunConfiguration, error) {
	wrapped := make([]byte, 0, len(entry)+2)
	wrapped = append(wrapped, '[')
	wrapped = append(wrapped, entry...)
	wrapped = append(wrapped, ']')
	if err := validateQueue(wrapped); err != nil {
		return nil, err
	}
	var cfg vina.RunConfiguration
	if err := json.Unmarshal(entry, &cfg); err != nil {
		return nil, fmt.Errorf("decoding queue entry: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (q FileQueue) Save(_ context.Context, queue []*vina.RunConfiguration) error {
	if queue == nil {
		queue = []*vina.RunConfiguration{}
	}
	b, err := json.MarshalIndent(queue, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding queue: %w", err)
	}
	return atomicfile.WriteFile(q.path, b)
}

func validateQueue(b []byte) error {
	res := queueSchema.Validate(b)
	if !res.Valid {
		var errorMsgs []string
		for _, err := range res.Errors {
			errorMsgs = append(errorMsgs, fmt.Sprintf("%s: %s", err.Keyword, err.Error()))
		}
		return fmt.Errorf("queue validation failed:\n%s", strings.Join(errorMsgs, "\n"))
	}
	return nil
}
