package service_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/DocSRV/docsrv/internal/service"
	"github.com/DocSRV/docsrv/internal/vina"
	"github.com/stretchr/testify/require"
)

func TestFileQueue(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state", "queue.json")
	q := service.NewFileQueue(path)
	ctx := t.Context()

	loaded, err := q.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, loaded)

	cfg := newJob("r.pdbqt", "l.pdbqt", 2)
	cfg.ID = "abc"
	cfg.Params.CenterX = vina.Float(0)
	cfg.Params.Extra = map[string]string{"seed": "7"}
	require.NoError(t, cfg.Stamp(42))
	require.NoError(t, q.Save(ctx, []*vina.RunConfiguration{cfg}))

	loaded, err = q.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, cfg, loaded[0])
	require.NotNil(t, loaded[0].Params.CenterX)

	require.NoError(t, q.Save(ctx, nil))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "[]", string(b))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFileQueue_Quarantine(t *testing.T) {
	t.Parallel()
	const valid = `{"id": "ok", "params": {"receptor": "r", "ligand": "l"}, "scheduleTime": 1, "repeatNtimes": 1, "retriesLeft": 1}`
	var testCases = []struct {
		scenario string
		given    string
		then     []string
	}{
		{"not json", `{`, nil},
		{"empty file", ``, nil},
		{"not an array", `{"id": "x"}`, nil},
		{"missing ligand", `[{"id": "x", "params": {"receptor": "r"}, "scheduleTime": 1, "repeatNtimes": 1, "retriesLeft": 1}, ` + valid + `]`, []string{"ok"}},
		{"empty receptor", `[` + valid + `, {"id": "x", "params": {"receptor": "", "ligand": "l"}, "scheduleTime": 1, "repeatNtimes": 1, "retriesLeft": 1}]`, []string{"ok"}},
		{"not stamped", `[{"id": "x", "params": {"receptor": "r", "ligand": "l"}, "scheduleTime": 0, "repeatNtimes": 1, "retriesLeft": 1}]`, nil},
		{"string center", `[` + valid + `, {"id": "x", "params": {"receptor": "r", "ligand": "l", "center_x": "1"}, "scheduleTime": 1, "repeatNtimes": 1, "retriesLeft": 1}]`, []string{"ok"}},
		{"null entry", `[null, ` + valid + `]`, []string{"ok"}},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "queue.json")
			require.NoError(t, os.WriteFile(path, []byte(tc.given), 0o644))
			q := service.NewFileQueue(path)

			peeked, dropped, err := q.Peek(t.Context())
			require.NoError(t, err)
			require.Positive(t, dropped)
			require.Len(t, peeked, len(tc.then))
			require.FileExists(t, path, "peek leaves the file in place")

			loaded, err := q.Load(t.Context())
			require.NoError(t, err)
			var ids []string
			for _, c := range loaded {
				ids = append(ids, c.ID)
			}
			require.Equal(t, tc.then, ids)

			require.NoFileExists(t, path)
			corrupt, err := filepath.Glob(path + ".*.corrupt")
			require.NoError(t, err)
			require.Len(t, corrupt, 1)
			b, err := os.ReadFile(corrupt[0])
			require.NoError(t, err)
			require.Equal(t, tc.given, string(b))

			require.NoError(t, q.Save(t.Context(), loaded))
			b, err = os.ReadFile(corrupt[0])
			require.NoError(t, err)
			require.Equal(t, tc.given, string(b), "saving must not touch the quarantined file")
		})
	}
}

func TestFileQueue_CleanFileStays(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "queue.json")
	q := service.NewFileQueue(path)
	require.NoError(t, q.Save(t.Context(), []*vina.RunConfiguration{stamped("a"), stamped("b")}))

	loaded, err := q.Load(t.Context())
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.FileExists(t, path)
	corrupt, err := filepath.Glob(path + ".*.corrupt")
	require.NoError(t, err)
	require.Empty(t, corrupt)
}

func stamped(id string) *vina.RunConfiguration {
	cfg := newJob("r.pdbqt", "l.pdbqt", 1)
	cfg.ID = id
	cfg.ScheduleTime = 1
	cfg.RetriesLeft = 1
	return cfg
}
