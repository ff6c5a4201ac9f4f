package model

import (
	"io"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/spf13/viper"

	"github.com/DocSRV/docsrv/internal/vina"

	_ "embed"
)

const (
	QueueFile   = "queue.json"
	InboxDir    = "inbox"
	HistoryFile = "history.db"
	EnvPrefix   = "DOCSRV"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version  int       `json:"version" yaml:"version"` // fixed 0 for now
	Output   Output    `json:"output" yaml:"output"`
	Vina     Vina      `json:"vina" yaml:"vina"`
	Defaults *Defaults `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Service  Service   `json:"service" yaml:"service"`
}

// Output is the root of the results tree: <path>/<folder>/<receptor>_<ligand>/...
type Output struct {
	Path   string `json:"path" yaml:"path"`
	Folder string `json:"folder" yaml:"folder"`
}

// Vina locates the docking tool and its pose splitter.
type Vina struct {
	Binary      string `json:"binary" yaml:"binary"`
	SplitBinary string `json:"split_binary" yaml:"split_binary"` // empty disables splitting
}

// Defaults substitute empty fields of every generated vina config.
type Defaults struct {
	SizeX          *float64 `json:"size_x,omitempty" yaml:"size_x,omitempty"`
	SizeY          *float64 `json:"size_y,omitempty" yaml:"size_y,omitempty"`
	SizeZ          *float64 `json:"size_z,omitempty" yaml:"size_z,omitempty"`
	EnergyRange    *float64 `json:"energy_range,omitempty" yaml:"energy_range,omitempty"`
	Exhaustiveness *int     `json:"exhaustiveness,omitempty" yaml:"exhaustiveness,omitempty"`
	NumModes       *int     `json:"num_modes,omitempty" yaml:"num_modes,omitempty"`
	CPU            *int     `json:"cpu,omitempty" yaml:"cpu,omitempty"`
}

type Service struct {
	Verbose  bool   `json:"verbose" yaml:"verbose"`
	Log      string `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
	StateDir string `json:"state_dir" yaml:"state_dir"`
	Queue    string `json:"queue,omitempty" yaml:"queue,omitempty"`
	Inbox    string `json:"inbox,omitempty" yaml:"inbox,omitempty"`
	History  string `json:"history,omitempty" yaml:"history,omitempty"`
	Metrics  string `json:"metrics,omitempty" yaml:"metrics,omitempty"` // listen address, empty disables
	Sweep    *Sweep `json:"sweep,omitempty" yaml:"sweep,omitempty"`
}

// Sweep periodically removes tries which never produced a result.
type Sweep struct {
	Cron string `json:"cron" yaml:"cron"`
}

// Params returns the vina defaults: the built-in ones overridden by d.
func (d *Defaults) Params() vina.Params {
	p := vina.DefaultParams()
	if d == nil {
		return p
	}
	set(&p.SizeX, d.SizeX)
	set(&p.SizeY, d.SizeY)
	set(&p.SizeZ, d.SizeZ)
	set(&p.EnergyRange, d.EnergyRange)
	set(&p.Exhaustiveness, d.Exhaustiveness)
	set(&p.NumModes, d.NumModes)
	set(&p.CPU, d.CPU)
	return p
}

func set[T any](dst **T, src *T) {
	if src != nil {
		v := *src
		*dst = &v
	}
}

func (s Service) QueuePath() string {
	return orDefault(s.Queue, filepath.Join(s.StateDir, QueueFile))
}

func (s Service) InboxPath() string {
	return orDefault(s.Inbox, filepath.Join(s.StateDir, InboxDir))
}

func (s Service) HistoryPath() string {
	return orDefault(s.History, filepath.Join(s.StateDir, HistoryFile))
}

func orDefault(v, dflt string) string {
	if v != "" {
		return v
	}
	return dflt
}

// DefaultConfig returns the configuration stored on the first start.
func DefaultConfig(home string) Config {
	return Config{
		Version: 0,
		Output: Output{
			Path:   filepath.Join(home, "docking"),
			Folder: "docsrv",
		},
		Vina: Vina{
			Binary:      "vina",
			SplitBinary: "vina_split",
		},
		Service: Service{
			Log:      "stderr",
			StateDir: filepath.Join(home, ".docsrv"),
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("docsrv.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// ApplyEnv overrides tool and output locations from DOCSRV_* environment
// variables, e.g. DOCSRV_VINA_BINARY.
func ApplyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	override := func(key string, dst *string) {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}
	override("vina.binary", &cfg.Vina.Binary)
	override("vina.split_binary", &cfg.Vina.SplitBinary)
	override("output.path", &cfg.Output.Path)
	override("output.folder", &cfg.Output.Folder)
	override("service.state_dir", &cfg.Service.StateDir)
}
