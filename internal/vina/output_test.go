package vina_test

import (
	"strings"
	"testing"

	"github.com/DocSRV/docsrv/internal/vina"
	"github.com/stretchr/testify/require"
)

const stdout = "AutoDock Vina v1.2.5\r\n" +
	"Scoring function : vina\r\n" +
	"Using random seed: 1439577614\r\n" +
	"Performing search ... done.\r\n" +
	"\r\n" +
	"mode |   affinity | dist from best mode\r\n" +
	"     | (kcal/mol) | rmsd l.b.| rmsd u.b.\r\n" +
	"-----+------------+----------+----------\r\n" +
	"   1         -7.7      0.000      0.000\r\n" +
	"   2         -7.4      1.912      2.575\r\n" +
	"   3       -7.125     21.334     23.001\r\n" +
	"Writing output ... done.\r\n"

func TestParseOutput(t *testing.T) {
	t.Parallel()

	t.Run("three modes", func(t *testing.T) {
		res := vina.ParseOutput(t.Context(), stdout)
		require.Equal(t, int64(1439577614), res.RandomSeed)
		require.Empty(t, res.WarningMsg)
		require.Equal(t, []vina.Mode{
			{Mode: 1, Affinity: -7.7, RMSDLB: 0, RMSDUB: 0},
			{Mode: 2, Affinity: -7.4, RMSDLB: 1.912, RMSDUB: 2.575},
			{Mode: 3, Affinity: -7.125, RMSDLB: 21.334, RMSDUB: 23.001},
		}, res.Modes)

		best, ok := res.Best()
		require.True(t, ok)
		require.Equal(t, 1, best.Mode)
	})

	t.Run("no conformations with table", func(t *testing.T) {
		out := "WARNING: Could not find any conformations completely within the search space.\r\n" + stdout
		res := vina.ParseOutput(t.Context(), out)
		require.NotEmpty(t, res.WarningMsg)
		require.Empty(t, res.Modes)
	})

	t.Run("no conformations without table", func(t *testing.T) {
		out := "Using random seed: 1\r\nWARNING: Could not find any conformations completely within the search space.\r\n"
		res := vina.ParseOutput(t.Context(), out)
		require.Equal(t, vina.NoConformationsMsg, res.WarningMsg)
		require.Empty(t, res.Modes)
	})

	t.Run("missing header", func(t *testing.T) {
		res := vina.ParseOutput(t.Context(), "Using random seed: 12\r\nsomething else\r\n")
		require.Equal(t, int64(-1), res.RandomSeed)
		require.Empty(t, res.Modes)
	})

	t.Run("missing seed", func(t *testing.T) {
		out := strings.Replace(stdout, "Using random seed: 1439577614\r\n", "", 1)
		res := vina.ParseOutput(t.Context(), out)
		require.Equal(t, int64(-1), res.RandomSeed)
		require.Len(t, res.Modes, 3)
	})

	t.Run("malformed line is skipped", func(t *testing.T) {
		out := strings.Replace(stdout, "   2         -7.4      1.912      2.575\r\n", "   2   garbage\r\n", 1)
		res := vina.ParseOutput(t.Context(), out)
		require.Len(t, res.Modes, 2)
		require.Equal(t, 3, res.Modes[1].Mode)
	})

	t.Run("missing separator", func(t *testing.T) {
		out := strings.Replace(stdout, "-----+------------+----------+----------\r\n", "", 1)
		res := vina.ParseOutput(t.Context(), out)
		require.Equal(t, int64(1439577614), res.RandomSeed)
		require.Empty(t, res.Modes)
	})
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	m, err := vina.ParseMode("   1         -7.7      0.000      0.000")
	require.NoError(t, err)
	require.Equal(t, vina.Mode{Mode: 1, Affinity: -7.7}, m)

	_, err = vina.ParseMode("   1         -7.7")
	require.Error(t, err)
}
