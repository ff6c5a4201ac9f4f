package model_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/DocSRV/docsrv/internal/model"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
output:
  path: /srv/docking
vina:
  binary: /opt/vina/bin/vina
defaults:
  exhaustiveness: 32
  cpu: 4
service:
  state_dir: /var/lib/docsrv
  metrics: 127.0.0.1:9464
  sweep:
    cron: "@daily"
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "/srv/docking", cfg.Output.Path)
	require.Equal(t, "docsrv", cfg.Output.Folder)
	require.Equal(t, "/opt/vina/bin/vina", cfg.Vina.Binary)
	require.Equal(t, "vina_split", cfg.Vina.SplitBinary)
	require.Equal(t, "stderr", cfg.Service.Log)
	require.False(t, cfg.Service.Verbose)
	require.Equal(t, "/var/lib/docsrv/queue.json", cfg.Service.QueuePath())
	require.Equal(t, "/var/lib/docsrv/inbox", cfg.Service.InboxPath())
	require.Equal(t, "/var/lib/docsrv/history.db", cfg.Service.HistoryPath())

	params := cfg.Defaults.Params()
	require.Equal(t, 32, *params.Exhaustiveness)
	require.Equal(t, 4, *params.CPU)
	require.Equal(t, 20.0, *params.SizeX)
	require.Equal(t, 9, *params.NumModes)
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		code     string
	}{
		{
			scenario: "missing output path",
			given: `
version: 0
output:
  folder: results
service:
  state_dir: /tmp
`,
			code: "missing_required",
		},
		{
			scenario: "unknown field",
			given: `
version: 0
output:
  path: /srv
vina:
  gpu: true
service:
  state_dir: /tmp
`,
			code: "unknown_field",
		},
		{
			scenario: "negative exhaustiveness",
			given: `
version: 0
output:
  path: /srv
defaults:
  exhaustiveness: -1
service:
  state_dir: /tmp
`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			details := model.CueErrDetails(err)
			if tc.code != "" && len(details) > 0 {
				require.Equal(t, tc.code, details[0].Code)
			}
		})
	}
}

func TestDefaultConfigRoundTrip(t *testing.T) {
	cfg := model.DefaultConfig("/home/user")
	var buf bytes.Buffer
	require.NoError(t, yaml.NewEncoder(&buf).Encode(cfg))

	loaded, err := model.LoadConfig(&buf)
	require.NoError(t, err)
	require.Equal(t, cfg, *loaded)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DOCSRV_VINA_BINARY", "/env/vina")
	t.Setenv("DOCSRV_OUTPUT_PATH", "/env/out")
	cfg := model.DefaultConfig("/home/user")
	model.ApplyEnv(&cfg)
	require.Equal(t, "/env/vina", cfg.Vina.Binary)
	require.Equal(t, "/env/out", cfg.Output.Path)
	require.Equal(t, "vina_split", cfg.Vina.SplitBinary)
}

func TestParseCron(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		ok       bool
	}{
		{"valid_5_fields", "*/15 * * * *", true},
		{"macro_hourly", "@hourly", true},
		{"macro_every", "@every 5m", true},
		{"invalid_field_count_4", "* * * *", false},
		{"invalid_token", "* * 32 * *", false},
		{"empty", "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			d, err := model.ParseCron(tc.given)
			if !tc.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Positive(t, d)
		})
	}
}

func TestValidateSweep(t *testing.T) {
	cfg := model.DefaultConfig("/home/user")
	cfg.Service.Sweep = &model.Sweep{Cron: "61 * * * *"}
	require.Error(t, cfg.Validate())
}
