package vina_test

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DocSRV/docsrv/internal/vina"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
	}{
		{"plain", "key1 = value1\nkey2 = value2\nkey3 = value3"},
		{"empty lines", "key1 = value1\nkey2 = value2\n\n\n\nkey3 = value3\n"},
		{"windows line endings", "key1 = value1\r\n\r\nkey2 = value2\r\nkey3 = value3"},
		{"indented", "key1 = value1\n                key2 = value2\n    key3 = value3"},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			c := vina.New()
			c.Parse(t.Context(), tc.given)
			require.Equal(t, map[string]string{
				"key1": "value1",
				"key2": "value2",
				"key3": "value3",
			}, c.Params.Extra)
		})
	}
}

func TestParseKnownKeys(t *testing.T) {
	t.Parallel()
	raw := "receptor = rec.pdbqt\r\nligand = lig.pdbqt\r\ncenter_x = 0\r\ncenter_y = -1.5\r\ncenter_z = 12.25\r\nexhaustiveness = 16\r\ncpu = four\r\n"
	c := vina.New()
	c.Parse(t.Context(), raw)

	require.Equal(t, "rec.pdbqt", c.Params.Receptor)
	require.Equal(t, "lig.pdbqt", c.Params.Ligand)
	center, ok := c.Params.Center()
	require.True(t, ok)
	require.Equal(t, vina.Vec3{X: 0, Y: -1.5, Z: 12.25}, center)
	require.Equal(t, 16, *c.Params.Exhaustiveness)
	require.Nil(t, c.Params.CPU)
	require.Equal(t, "four", c.Params.Extra["cpu"])
	// untouched defaults
	require.Equal(t, 20.0, *c.Params.SizeX)
	require.Equal(t, 9, *c.Params.NumModes)
}

func TestParseFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	t.Run("missing", func(t *testing.T) {
		path := filepath.Join(dir, "missing.txt")
		c, err := vina.ParseFile(t.Context(), path)
		require.NoError(t, err)
		require.Equal(t, path, c.SourcePath)
		require.Equal(t, vina.DefaultParams(), c.Params)
	})

	t.Run("declared out and log", func(t *testing.T) {
		path := filepath.Join(dir, "conf.txt")
		err := os.WriteFile(path, []byte("receptor = r.pdbqt\nligand = l.pdbqt\nout = /tmp/out.pdbqt\nlog = /tmp/log.txt\n"), 0o644)
		require.NoError(t, err)
		c, err := vina.ParseFile(t.Context(), path)
		require.NoError(t, err)
		require.Equal(t, vina.CopyPaths{Out: "/tmp/out.pdbqt", Log: "/tmp/log.txt"}, c.Declared)
	})
}

func TestStartsWithKeyword(t *testing.T) {
	t.Parallel()
	require.Equal(t, "receptor", vina.StartsWithKeyword("receptor keyword input string"))
	require.Equal(t, "center_x", vina.StartsWithKeyword("center_x = 1"))
	require.Equal(t, "", vina.StartsWithKeyword("input string without receptor keyword"))
}

func TestEncodeRoundTrip(t *testing.T) {
	t.Parallel()
	given := vina.Params{
		Receptor:       "/data/receptor.pdbqt",
		Flex:           "/data/flex.pdbqt",
		Ligand:         "/data/ligand.pdbqt",
		Out:            "/out/Result.pdbqt",
		Log:            "/out/log.txt",
		CenterX:        vina.Float(1),
		CenterY:        vina.Float(-2.5),
		CenterZ:        vina.Float(0),
		SizeX:          vina.Float(4),
		SizeY:          vina.Float(5),
		SizeZ:          vina.Float(6),
		EnergyRange:    vina.Float(7),
		Exhaustiveness: vina.Int(8),
		NumModes:       vina.Int(9),
		CPU:            vina.Int(10),
	}

	raw := given.Encode(vina.Params{})
	c := vina.New()
	c.Parse(t.Context(), raw)
	require.Equal(t, given, c.Params)

	for _, key := range vina.Keywords {
		require.Equal(t, given.Get(key), c.Params.Get(key), key)
	}
}

func TestParseUnparsableNumber(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     string
		extra    bool
	}{
		{"bad value wins", "exhaustiveness = 16\nexhaustiveness = 16.0\n", "exhaustiveness = 16.0\n", true},
		{"good value wins", "exhaustiveness = 16.0\nexhaustiveness = 16\n", "exhaustiveness = 16\n", false},
		{"nan", "center_x = NaN\n", "center_x = NaN\n", true},
		{"infinity", "size_x = +Inf\n", "size_x = +Inf\n", true},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			c := &vina.RunConfiguration{}
			c.Parse(t.Context(), tc.given)

			raw := c.Params.Encode(vina.Params{})
			require.Equal(t, tc.then, raw)
			require.Equal(t, 1, strings.Count(raw, "\n"), "each key is written once")
			if tc.extra {
				require.NotEmpty(t, c.Params.Extra)
			} else {
				require.Empty(t, c.Params.Extra)
			}
		})
	}
}

func TestParseFloatRejectsNonFinite(t *testing.T) {
	t.Parallel()
	p := vina.Params{}
	require.ErrorIs(t, p.Set("center_x", "NaN"), vina.ErrNotFinite)
	require.ErrorIs(t, p.Set("energy_range", "-Inf"), vina.ErrNotFinite)
	require.Nil(t, p.CenterX)
	require.Nil(t, p.EnergyRange)
	require.Equal(t, "NaN", p.Get("center_x"))
	require.NoError(t, p.Set("center_x", "1.5"))
	require.Equal(t, 1.5, *p.CenterX)
	require.NotContains(t, p.Extra, "center_x")
}

func TestValidate(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    vina.Params
		then     error
	}{
		{"valid", vina.Params{Receptor: "r", Ligand: "l", CenterX: vina.Float(1)}, nil},
		{"no receptor", vina.Params{Ligand: "l"}, vina.ErrMissingPair},
		{"no ligand", vina.Params{Receptor: "r"}, vina.ErrMissingPair},
		{"nan", vina.Params{Receptor: "r", Ligand: "l", CenterY: vina.Float(math.NaN())}, vina.ErrNotFinite},
		{"inf", vina.Params{Receptor: "r", Ligand: "l", SizeX: vina.Float(math.Inf(-1))}, vina.ErrNotFinite},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			c := &vina.RunConfiguration{Params: tc.given}
			err := c.Validate()
			if tc.then == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.then)
		})
	}
}

func TestEncodeDefaults(t *testing.T) {
	t.Parallel()
	p := vina.Params{
		Receptor: "r.pdbqt",
		Extra:    map[string]string{"seed": "42", "verbosity": "1"},
	}
	defaults := vina.DefaultParams()
	defaults.CPU = vina.Int(2)

	require.Equal(t,
		"receptor = r.pdbqt\n"+
			"size_x = 20\nsize_y = 20\nsize_z = 20\n"+
			"energy_range = 3\nexhaustiveness = 8\nnum_modes = 9\ncpu = 2\n"+
			"seed = 42\nverbosity = 1\n",
		p.Encode(defaults),
	)
}

func TestStamp(t *testing.T) {
	t.Parallel()
	c := vina.New()
	require.NoError(t, c.Stamp(11111111111))
	require.ErrorIs(t, c.Stamp(22222222222), vina.ErrAlreadyScheduled)
	require.Equal(t, int64(11111111111), c.ScheduleTime)

	require.True(t, c.Resolve(5))
	require.False(t, c.Resolve(6))
	require.Equal(t, int64(5), c.ResolveTime)
}

func TestClone(t *testing.T) {
	t.Parallel()
	c := vina.New()
	c.Params.Extra = map[string]string{"seed": "1"}
	clone := c.Clone()
	*clone.Params.SizeX = 99
	clone.Params.Extra["seed"] = "2"
	require.Equal(t, 20.0, *c.Params.SizeX)
	require.Equal(t, "1", c.Params.Extra["seed"])
}
