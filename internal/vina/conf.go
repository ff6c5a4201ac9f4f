// Package vina models AutoDock Vina run configurations, the per receptor-ligand
// site registry and the textual output of a vina run.
package vina

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// Keywords recognized in a vina configuration file, in the order they are written.
var Keywords = []string{
	"receptor",
	"flex",
	"ligand",
	"out",
	"log",
	"center_x",
	"center_y",
	"center_z",
	"size_x",
	"size_y",
	"size_z",
	"energy_range",
	"exhaustiveness",
	"num_modes",
	"cpu",
}

const (
	DefaultSite   = "AS1"
	ResultFile    = "Result.pdbqt"
	LogFile       = "log.txt"
	ConfFile      = "conf.txt"
	sep           = " = "
	defaultRepeat = 1
)

var (
	ErrAlreadyScheduled = errors.New("schedule time already set")
	ErrNotFinite        = errors.New("value is not a finite number")
	ErrMissingPair      = errors.New("receptor and ligand are required")
)

// Params holds the key-value options passed to vina. Numeric options are
// pointers, so an unset option is distinct from a zero value.
type Params struct {
	Receptor       string            `json:"receptor,omitempty"`
	Flex           string            `json:"flex,omitempty"`
	Ligand         string            `json:"ligand,omitempty"`
	Out            string            `json:"out,omitempty"`
	Log            string            `json:"log,omitempty"`
	CenterX        *float64          `json:"center_x,omitempty"`
	CenterY        *float64          `json:"center_y,omitempty"`
	CenterZ        *float64          `json:"center_z,omitempty"`
	SizeX          *float64          `json:"size_x,omitempty"`
	SizeY          *float64          `json:"size_y,omitempty"`
	SizeZ          *float64          `json:"size_z,omitempty"`
	EnergyRange    *float64          `json:"energy_range,omitempty"`
	Exhaustiveness *int              `json:"exhaustiveness,omitempty"`
	NumModes       *int              `json:"num_modes,omitempty"`
	CPU            *int              `json:"cpu,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// DefaultParams returns the search space defaults used by vina itself.
func DefaultParams() Params {
	return Params{
		SizeX:          Float(20),
		SizeY:          Float(20),
		SizeZ:          Float(20),
		EnergyRange:    Float(3),
		Exhaustiveness: Int(8),
		NumModes:       Int(9),
	}
}

// Set assigns a value under a vina keyword. Unknown keys land in Extra. A
// recognized numeric key with a value that does not parse is kept raw in
// Extra and written to conf.txt unchanged, the last assignment wins.
func (p *Params) Set(key, value string) error {
	var err error
	switch key {
	case "receptor":
		p.Receptor = value
	case "flex":
		p.Flex = value
	case "ligand":
		p.Ligand = value
	case "out":
		p.Out = value
	case "log":
		p.Log = value
	case "center_x":
		err = setNumber(p, &p.CenterX, key, value, parseFloat)
	case "center_y":
		err = setNumber(p, &p.CenterY, key, value, parseFloat)
	case "center_z":
		err = setNumber(p, &p.CenterZ, key, value, parseFloat)
	case "size_x":
		err = setNumber(p, &p.SizeX, key, value, parseFloat)
	case "size_y":
		err = setNumber(p, &p.SizeY, key, value, parseFloat)
	case "size_z":
		err = setNumber(p, &p.SizeZ, key, value, parseFloat)
	case "energy_range":
		err = setNumber(p, &p.EnergyRange, key, value, parseFloat)
	case "exhaustiveness":
		err = setNumber(p, &p.Exhaustiveness, key, value, parseInt)
	case "num_modes":
		err = setNumber(p, &p.NumModes, key, value, parseInt)
	case "cpu":
		err = setNumber(p, &p.CPU, key, value, parseInt)
	default:
		p.setExtra(key, value)
		return nil
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", key, err)
	}
	return nil
}

func setNumber[T any](p *Params, dst **T, key, value string, parse func(string) (*T, error)) error {
	v, err := parse(value)
	if err != nil {
		*dst = nil
		p.setExtra(key, value)
		return err
	}
	*dst = v
	delete(p.Extra, key)
	return nil
}

func (p *Params) setExtra(key, value string) {
	if p.Extra == nil {
		p.Extra = make(map[string]string)
	}
	p.Extra[key] = value
}

// Get returns the textual value of a keyword, empty when unset. A numeric
// keyword without a typed value falls back to its raw text in Extra.
func (p Params) Get(key string) string {
	if v := p.get(key); v != "" {
		return v
	}
	return p.Extra[key]
}

func (p Params) get(key string) string {
	switch key {
	case "receptor":
		return p.Receptor
	case "flex":
		return p.Flex
	case "ligand":
		return p.Ligand
	case "out":
		return p.Out
	case "log":
		return p.Log
	case "center_x":
		return formatFloat(p.CenterX)
	case "center_y":
		return formatFloat(p.CenterY)
	case "center_z":
		return formatFloat(p.CenterZ)
	case "size_x":
		return formatFloat(p.SizeX)
	case "size_y":
		return formatFloat(p.SizeY)
	case "size_z":
		return formatFloat(p.SizeZ)
	case "energy_range":
		return formatFloat(p.EnergyRange)
	case "exhaustiveness":
		return formatInt(p.Exhaustiveness)
	case "num_modes":
		return formatInt(p.NumModes)
	case "cpu":
		return formatInt(p.CPU)
	default:
		return ""
	}
}

// Encode serializes the parameters into the vina configuration format. Empty
// fields are substituted from defaults, fields empty in both are omitted.
func (p Params) Encode(defaults Params) string {
	var sb strings.Builder
	write := func(key, value string) {
		sb.WriteString(key)
		sb.WriteString(sep)
		sb.WriteString(value)
		sb.WriteByte('\n')
	}
	for _, key := range Keywords {
		v := p.Get(key)
		if v == "" {
			v = defaults.Get(key)
		}
		if v == "" {
			continue
		}
		write(key, v)
	}
	for _, key := range slices.Sorted(maps.Keys(p.Extra)) {
		if p.Extra[key] == "" || slices.Contains(Keywords, key) {
			continue
		}
		write(key, p.Extra[key])
	}
	return sb.String()
}

// Center returns the search space center and reports whether all three
// coordinates are set.
func (p Params) Center() (Vec3, bool) {
	if p.CenterX == nil || p.CenterY == nil || p.CenterZ == nil {
		return Vec3{}, false
	}
	return Vec3{X: *p.CenterX, Y: *p.CenterY, Z: *p.CenterZ}, true
}

// Vec3 is a point in the receptor coordinate space.
type Vec3 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// CopyPaths are secondary locations receiving a copy of out and log after the run.
type CopyPaths struct {
	Out string `json:"out,omitempty"`
	Log string `json:"log,omitempty"`
}

// RunConfiguration is a single docking job: the vina parameters and the
// scheduling metadata needed to place its results on disk.
type RunConfiguration struct {
	ID           string    `json:"id"`
	Params       Params    `json:"params"`
	SourcePath   string    `json:"sourcePath,omitempty"`
	Declared     CopyPaths `json:"declared"`
	Copies       CopyPaths `json:"copies"`
	ActiveSite   string    `json:"activeSite"`
	ScheduleTime int64     `json:"scheduleTime,omitempty"`
	ResolveTime  int64     `json:"resolveTime,omitempty"`
	RepeatCount  int       `json:"repeatNtimes"`
	RetriesLeft  int       `json:"retriesLeft"`
}

// New returns a configuration with default parameters and a single try.
func New() *RunConfiguration {
	return &RunConfiguration{
		Params:      DefaultParams(),
		ActiveSite:  DefaultSite,
		RepeatCount: defaultRepeat,
		RetriesLeft: defaultRepeat,
	}
}

// ParseFile initializes a configuration from an existing vina configuration
// file. A missing file is not an error: it is logged and defaults are kept.
func ParseFile(ctx context.Context, path string) (*RunConfiguration, error) {
	c := New()
	c.SourcePath = path
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.InfoContext(ctx, "config file does not exist: using defaults", "path", path)
		return c, nil
	case err != nil:
		return c, fmt.Errorf("reading vina config %s: %w", path, err)
	}
	c.Parse(ctx, string(raw))
	return c, nil
}

// Parse assigns every "key = value" line of raw onto the configuration.
func (c *RunConfiguration) Parse(ctx context.Context, raw string) {
	raw = strings.ReplaceAll(raw, "\r", "")
	for line := range strings.SplitSeq(raw, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, _ := strings.Cut(line, sep)
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := c.Params.Set(key, value); err != nil {
			slog.WarnContext(ctx, "vina config: keeping raw value", "key", key, "value", value, "error", err)
		}
	}
	c.Declared = CopyPaths{Out: c.Params.Out, Log: c.Params.Log}
}

// StartsWithKeyword returns the recognized keyword line starts with or an empty string.
func StartsWithKeyword(line string) string {
	for _, key := range Keywords {
		if strings.HasPrefix(line, key) {
			return key
		}
	}
	return ""
}

// SetActiveSite places the search space center and names the site.
func (c *RunConfiguration) SetActiveSite(label string, center Vec3) {
	c.ActiveSite = label
	c.Params.CenterX = Float(center.X)
	c.Params.CenterY = Float(center.Y)
	c.Params.CenterZ = Float(center.Z)
}

// Stamp sets the schedule time once.
func (c *RunConfiguration) Stamp(ms int64) error {
	if c.ScheduleTime != 0 {
		return ErrAlreadyScheduled
	}
	c.ScheduleTime = ms
	return nil
}

// Resolve sets the resolve time once, it reports whether the value was set.
func (c *RunConfiguration) Resolve(ms int64) bool {
	if c.ResolveTime != 0 {
		return false
	}
	c.ResolveTime = ms
	return true
}

// Try returns the 1-based try number for the given retries left.
func (c *RunConfiguration) Try(retriesLeft int) int {
	return 1 + c.RepeatCount - retriesLeft
}

// Clone returns a deep copy.
func (c *RunConfiguration) Clone() *RunConfiguration {
	clone := *c
	p := &clone.Params
	p.CenterX = clonePtr(p.CenterX)
	p.CenterY = clonePtr(p.CenterY)
	p.CenterZ = clonePtr(p.CenterZ)
	p.SizeX = clonePtr(p.SizeX)
	p.SizeY = clonePtr(p.SizeY)
	p.SizeZ = clonePtr(p.SizeZ)
	p.EnergyRange = clonePtr(p.EnergyRange)
	p.Exhaustiveness = clonePtr(p.Exhaustiveness)
	p.NumModes = clonePtr(p.NumModes)
	p.CPU = clonePtr(p.CPU)
	p.Extra = maps.Clone(p.Extra)
	return &clone
}

// Validate reports a configuration which cannot be run or stored in the
// queue: a missing receptor or ligand, or a coordinate which is not finite.
func (c *RunConfiguration) Validate() error {
	if c.Params.Receptor == "" || c.Params.Ligand == "" {
		return ErrMissingPair
	}
	p := c.Params
	for key, f := range map[string]*float64{
		"center_x":     p.CenterX,
		"center_y":     p.CenterY,
		"center_z":     p.CenterZ,
		"size_x":       p.SizeX,
		"size_y":       p.SizeY,
		"size_z":       p.SizeZ,
		"energy_range": p.EnergyRange,
	} {
		if f != nil && (math.IsNaN(*f) || math.IsInf(*f, 0)) {
			return fmt.Errorf("%s: %w", key, ErrNotFinite)
		}
	}
	return nil
}

// BasePath returns <root>/<folder>/<receptor>_<ligand>.
func (c *RunConfiguration) BasePath(root, folder string) (string, error) {
	if c.Params.Receptor == "" || c.Params.Ligand == "" {
		return "", ErrMissingPair
	}
	return filepath.Join(root, folder, baseName(c.Params.Receptor)+"_"+baseName(c.Params.Ligand)), nil
}

func baseName(path string) string {
	// vina files often come from windows machines
	path = strings.ReplaceAll(path, `\`, "/")
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func Float(f float64) *float64 { return &f }

func Int(i int) *int { return &i }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func parseFloat(s string) (*float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, ErrNotFinite
	}
	return &f, nil
}

func parseInt(s string) (*int, error) {
	i, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func formatFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func formatInt(i *int) string {
	if i == nil {
		return ""
	}
	return strconv.Itoa(*i)
}
