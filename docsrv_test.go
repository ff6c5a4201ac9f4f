//go:build unix

package docsrv_test

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	docsrvPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("docsrv-ci") {
		slog.Warn("integration tests need the docsrv-ci binary: run go build -race -cover -covermode=atomic -o docsrv-ci ./cmd/docsrv/ first")
		os.Exit(0)
	}

	var err error
	docsrvPath, err = filepath.Abs("docsrv-ci")
	if err != nil {
		slog.Error("can't get abspath for docsrv-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for docsrv-ci", "error", err)
		os.Exit(1)
	}
	if err := rmRfMkdirp(coverDir); err != nil {
		slog.Error("can't reset GOCOVERDIR for docsrv-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}
	if err := os.Setenv("GOCOVERDIR", coverDir); err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

const fakeVina = `#!/bin/sh
conf="$2"
out=$(sed -n 's/^out = //p' "$conf")
log=$(sed -n 's/^log = //p' "$conf")
printf 'Using random seed: 7\r\n'
printf '****\r\n'
printf 'mode |   affinity | dist from best mode\r\n'
printf '     | (kcal/mol) | rmsd l.b.| rmsd u.b.\r\n'
printf -- '-----+------------+----------+----------\r\n'
printf '   1       -6.2      0.000      0.000\r\n'
echo "MODEL 1" > "$out"
echo "vina log" > "$log"
`

func TestDocsrv(t *testing.T) {
	dir := chDir(t)

	config := fmt.Sprintf(`
version: 0
output:
    path: %s
    folder: results
vina:
    binary: %s
    split_binary: ""
service:
    verbose: true
    log: docsrv.log
    state_dir: %s
`, filepath.Join(dir, "out"), filepath.Join(dir, "vina"), filepath.Join(dir, "state"))
	creat(t, "docsrv.yaml", []byte(config))
	creat(t, "vina", []byte(fakeVina))
	require.NoError(t, os.Chmod("vina", 0o755))
	creat(t, "receptor.pdbqt", nil)
	creat(t, "ligand.pdbqt", nil)

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)

	var stderr bytes.Buffer
	daemon := exec.CommandContext(ctx, docsrvPath, "run", "--config", "docsrv.yaml")
	daemon.Stderr = &stderr
	require.NoError(t, daemon.Start())

	docsrv(ctx, t, "schedule", "--receptor", "receptor.pdbqt", "--ligand", "ligand.pdbqt",
		"--center", "1,2,3", "--repeat", "2", "--start")

	pair := filepath.Join(dir, "out", "results", "receptor_ligand")
	require.Eventually(t, func() bool {
		tries, _ := filepath.Glob(filepath.Join(pair, "*", "*", "Try_n*", "result.json"))
		return len(tries) == 2
	}, 30*time.Second, 50*time.Millisecond)
	require.FileExists(t, filepath.Join(pair, "sites.json"))

	require.Eventually(t, func() bool {
		out, err := run(ctx, "history")
		return err == nil && strings.Count(out, "success: true") == 2
	}, 10*time.Second, 50*time.Millisecond)

	queue := docsrv(ctx, t, "queue")
	require.Equal(t, 1, strings.Count(queue, "\n"), queue)

	require.NoError(t, daemon.Process.Signal(syscall.SIGTERM))
	if err := daemon.Wait(); err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err)
	}
	logs, err := os.ReadFile("docsrv.log")
	require.NoError(t, err)
	require.Contains(t, string(logs), `"msg":"queue drained"`)
}

func docsrv(ctx context.Context, t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(ctx, args...)
	require.NoError(t, err)
	return out
}

func run(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, docsrvPath, append(args, "--config", "docsrv.yaml")...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("docsrv %s: %w: %s", args[0], err, stderr.String())
	}
	return stdout.String(), nil
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func chDir(t *testing.T) string {
	t.Helper()
	tempdir := tmpDir(t)
	t.Chdir(tempdir)
	return tempdir
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
