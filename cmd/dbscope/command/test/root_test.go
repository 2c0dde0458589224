package command_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bionicotaku/lingo-dbscope/cmd/dbscope/command"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emptyEnvFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "empty.env")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := command.NewRootCommand()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	root := command.NewRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["ping"])
	assert.True(t, names["demo"])
	assert.True(t, names["stress"])

	stress, _, err := root.Find([]string{"stress"})
	require.NoError(t, err)
	require.NotNil(t, stress.Flags().ShorthandLookup("n"))
	require.NotNil(t, root.PersistentFlags().ShorthandLookup("c"))
}

func TestMissingConfigFails(t *testing.T) {
	_, err := run(t, "ping", "-c", filepath.Join(t.TempDir(), "missing.yaml"), "--env-file", emptyEnvFile(t))
	require.ErrorContains(t, err, "config: read")
}

func TestUnknownBackendFails(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("backend: odbc\n"), 0o600))
	t.Setenv("DBSCOPE_BACKEND", "odbc")
	_, err := run(t, "demo", "-c", cfg, "--env-file", emptyEnvFile(t))
	require.ErrorContains(t, err, "unknown backend")
}

func TestStressRejectsExtraArgs(t *testing.T) {
	_, err := run(t, "stress", "extra")
	require.Error(t, err)
}

func TestDemoAgainstPostgres(t *testing.T) {
	_ = godotenv.Load(".env")
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" || testing.Short() {
		t.Skip("TEST_DATABASE_URL not set; skipping integration test")
	}
	t.Setenv("DBSCOPE_BACKEND", "pgx")
	t.Setenv("DBSCOPE_DSN", dsn)
	t.Setenv("DBSCOPE_LOG_LEVEL", "error")

	out, err := run(t, "demo", "--env-file", emptyEnvFile(t))
	require.NoError(t, err, out)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.GreaterOrEqual(t, len(lines), 6, out)
	assert.Contains(t, lines[0], "complete_root=false end_err=<nil> scenario_connections_opened=1 closed=1")
	assert.Equal(t, "  row X: not persisted", lines[1])
	assert.Equal(t, "  row Y: not persisted", lines[2])
	assert.Contains(t, lines[3], "complete_root=true end_err=<nil>")
	assert.Equal(t, `  row X: persisted name="X"`, lines[4])
	assert.Equal(t, `  row Y: persisted name="Y"`, lines[5])
	assert.Contains(t, out, "coordination_error=true")
	assert.Contains(t, out, "transaction coordinator on server")
	assert.Contains(t, out, "same operations inside a shared scope: err=<nil>")

	out, err = run(t, "stress", "-n", "8", "--rounds", "4", "--env-file", emptyEnvFile(t))
	require.NoError(t, err, out)
	assert.Contains(t, out, "ok workers=8 rounds=4 committed=16 rolled_back=16")
}
