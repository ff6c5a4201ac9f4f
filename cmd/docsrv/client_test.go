package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/DocSRV/docsrv/internal/history"
	"github.com/DocSRV/docsrv/internal/vina"
	"github.com/stretchr/testify/require"
)

func TestParseCenter(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		then     vina.Vec3
		err      bool
	}{
		{"ints", "1,2,3", vina.Vec3{X: 1, Y: 2, Z: 3}, false},
		{"spaces and signs", " -1.5, 0 ,2e1", vina.Vec3{X: -1.5, Y: 0, Z: 20}, false},
		{"two values", "1,2", vina.Vec3{}, true},
		{"not a number", "1,b,3", vina.Vec3{}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			center, err := parseCenter(tc.given)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, center)
		})
	}
}

func TestPrintQueue(t *testing.T) {
	cfg := vina.New()
	cfg.ID = "abc"
	cfg.Params.Receptor = "r.pdbqt"
	cfg.Params.Ligand = "l.pdbqt"
	cfg.RepeatCount = 3
	cfg.RetriesLeft = 2
	require.NoError(t, cfg.Stamp(1700000000000))

	var buf bytes.Buffer
	require.NoError(t, printQueue(&buf, []*vina.RunConfiguration{cfg}))
	out := buf.String()
	require.Contains(t, out, "ID")
	require.Contains(t, out, "abc")
	require.Contains(t, out, "2/3")
	require.Contains(t, out, "r.pdbqt")
	require.Contains(t, out, vina.DefaultSite)
}

func TestHistoryRuns(t *testing.T) {
	ctx := t.Context()
	db, err := history.InitDB(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	require.NoError(t, history.Start(ctx, db, history.Run{UUID: "r1", JobID: "job-1", Try: 1}))
	require.NoError(t, history.Start(ctx, db, history.Run{UUID: "r2", JobID: "job-1", Try: 2}))
	require.NoError(t, history.FinishOK(ctx, db, "r1", "/out/Try_n1"))

	var buf bytes.Buffer
	require.NoError(t, printHistory(ctx, &buf, db, 10))
	require.Contains(t, buf.String(), `uuid: "r1"`)
	require.Contains(t, buf.String(), `uuid: "r2"`)

	buf.Reset()
	require.NoError(t, printRun(ctx, &buf, db, "r1"))
	require.Contains(t, buf.String(), `out_dir: "/out/Try_n1"`)
	require.NotContains(t, buf.String(), "r2")

	buf.Reset()
	require.NoError(t, deleteRun(ctx, &buf, db, "r2"))
	require.Equal(t, "deleted r2\n", buf.String())
	require.ErrorIs(t, printRun(ctx, &buf, db, "r2"), history.ErrNotFound)
	require.ErrorIs(t, deleteRun(ctx, &buf, db, "r2"), history.ErrNotFound)
}
