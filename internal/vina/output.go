package vina

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
)

const (
	noConformations = "WARNING: Could not find any conformations completely within the search space."
	tableHeader     = "mode |   affinity | dist from best mode\r\n"
	tableSeparator  = "-----+------------+----------+----------\r\n"
	seedPrefix      = "Using random seed:"
	writingPrefix   = "Writing output"

	NoConformationsMsg = "Could not find any conformations completely within the search space.\n" +
		"Check that it is large enough for all movable atoms, including those in the flexible side chains."
)

var (
	ErrNoTable = errors.New("result table not found")
	ErrNoSeed  = errors.New("random seed not found")
)

// Mode is one docking pose reported by vina.
type Mode struct {
	Mode     int     `json:"mode"`
	Affinity float64 `json:"affinity"`
	RMSDLB   float64 `json:"rsmd_lb"`
	RMSDUB   float64 `json:"rsmd_ub"`
}

// Result is the structured form of vina stdout.
type Result struct {
	RandomSeed int64  `json:"randomSeed"`
	Modes      []Mode `json:"modes"`
	WarningMsg string `json:"warningMsg"`
}

// ParseOutput parses the complete stdout of a successful vina run. It never
// fails: unexpected shapes are logged and a partial result is returned.
func ParseOutput(ctx context.Context, stdout string) Result {
	res := Result{RandomSeed: -1, Modes: []Mode{}}
	if strings.Contains(stdout, noConformations) {
		res.WarningMsg = NoConformationsMsg
		return res
	}
	if !strings.Contains(stdout, tableHeader) {
		slog.ErrorContext(ctx, "parsing vina result", "error", ErrNoTable)
		return res
	}

	seed, err := randomSeed(stdout)
	if err != nil {
		slog.ErrorContext(ctx, "parsing vina result", "error", err)
	}
	res.RandomSeed = seed

	_, table, ok := strings.Cut(stdout, tableSeparator)
	if !ok || table == "" {
		slog.ErrorContext(ctx, "parsing vina result", "error", ErrNoTable)
		return res
	}
	res.Modes = parseModes(ctx, table)
	return res
}

func randomSeed(stdout string) (int64, error) {
	for line := range strings.SplitSeq(stdout, "\n") {
		if !strings.HasPrefix(line, seedPrefix) {
			continue
		}
		_, value, _ := strings.Cut(line, ":")
		seed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return -1, errors.Join(ErrNoSeed, err)
		}
		return int64(seed), nil
	}
	return -1, ErrNoSeed
}

func parseModes(ctx context.Context, table string) []Mode {
	modes := []Mode{}
	for line := range strings.SplitSeq(table, "\n") {
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, writingPrefix) {
			continue
		}
		mode, err := ParseMode(line)
		if err != nil {
			slog.DebugContext(ctx, "skipping result line", "line", line, "error", err)
			continue
		}
		modes = append(modes, mode)
	}
	return modes
}

// ParseMode parses a single result table row, e.g. "   1    -7.7   0.000   0.000".
func ParseMode(line string) (Mode, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return Mode{}, errors.New("expected 4 columns, got " + strconv.Itoa(len(fields)))
	}
	var m Mode
	var err error
	if m.Mode, err = strconv.Atoi(fields[0]); err != nil {
		return Mode{}, err
	}
	if m.Affinity, err = strconv.ParseFloat(fields[1], 64); err != nil {
		return Mode{}, err
	}
	if m.RMSDLB, err = strconv.ParseFloat(fields[2], 64); err != nil {
		return Mode{}, err
	}
	if m.RMSDUB, err = strconv.ParseFloat(fields[3], 64); err != nil {
		return Mode{}, err
	}
	return m, nil
}

// Best returns the mode with the lowest affinity.
func (r Result) Best() (Mode, bool) {
	if len(r.Modes) == 0 {
		return Mode{}, false
	}
	best := r.Modes[0]
	for _, m := range r.Modes[1:] {
		if m.Affinity < best.Affinity {
			best = m
		}
	}
	return best, true
}
