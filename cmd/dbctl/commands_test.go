package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/infra"
)

// setupEnv はファイルベースのSQLiteを使う環境変数を設定する。
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", infra.SQLiteFileDSN(filepath.Join(dir, "dbctl.db"), true))
	t.Setenv("FIXTURES_DIR", filepath.Join(dir, "fixtures"))
	t.Setenv("FIXTURE_KMS_KEY_NAME", "")
	t.Setenv("INTEGRITY_RULES_FILE", "")
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "ERROR")
	return dir
}

// run はコマンドを実行し、標準出力に書かれた内容を返す。
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cli.out = &buf
	t.Cleanup(func() { cli.out = os.Stdout })

	cmd := newRootCmd()
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(dir, "missing.env")}, args...))
	err := cmd.ExecuteContext(context.Background())
	cli.close(context.Background())
	return buf.String(), err
}

func TestMigrateCommands(t *testing.T) {
	dir := setupEnv(t)

	out, err := run(t, dir, "migrate", "up")
	if err != nil {
		t.Fatalf("migrate up failed: %v", err)
	}
	if !strings.Contains(out, "Applied 5 migration(s) successfully.") {
		t.Errorf("unexpected output: %q", out)
	}

	out, err = run(t, dir, "migrate", "up")
	if err != nil {
		t.Fatalf("second migrate up failed: %v", err)
	}
	if !strings.Contains(out, "No pending migrations.") {
		t.Errorf("unexpected output: %q", out)
	}

	out, err = run(t, dir, "migrate", "status")
	if err != nil {
		t.Fatalf("migrate status failed: %v", err)
	}
	for _, want := range []string{"ID", "001", "005", "applied"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q: %q", want, out)
		}
	}
	if strings.Contains(out, "pending") {
		t.Errorf("expected no pending migrations: %q", out)
	}

	_, err = run(t, dir, "migrate", "down", "999")
	if !errors.Is(err, domain.ErrMigrationNotFound) {
		t.Fatalf("expected ErrMigrationNotFound, got %v", err)
	}
	if got := exitCode(err); got != exitNotFound {
		t.Errorf("expected exit code %d, got %d", exitNotFound, got)
	}
}

func TestConfigErrorExitCode(t *testing.T) {
	dir := setupEnv(t)
	t.Setenv("DATABASE_DRIVER", "oracle")

	_, err := run(t, dir, "migrate", "status")
	if err == nil {
		t.Fatal("expected config error")
	}
	if got := exitCode(err); got != exitConfig {
		t.Errorf("expected exit code %d, got %d (%v)", exitConfig, got, err)
	}
}

func TestIntegrityCheckCommand(t *testing.T) {
	dir := setupEnv(t)
	if _, err := run(t, dir, "migrate", "up"); err != nil {
		t.Fatalf("migrate up failed: %v", err)
	}

	out, err := run(t, dir, "integrity", "check")
	if err != nil {
		t.Fatalf("integrity check failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Score: 100%") {
		t.Errorf("unexpected output: %q", out)
	}

	_, err = run(t, dir, "integrity", "check", "--category", "style")
	if got := exitCode(err); got != exitIntegrity {
		t.Errorf("expected exit code %d for unknown category, got %d (%v)", exitIntegrity, got, err)
	}
}

func TestFixtureExportImport(t *testing.T) {
	dir := setupEnv(t)
	if _, err := run(t, dir, "migrate", "up"); err != nil {
		t.Fatalf("migrate up failed: %v", err)
	}

	out, err := run(t, dir, "--output", "json", "fixture", "export", "--name", "empty")
	if err != nil {
		t.Fatalf("fixture export failed: %v", err)
	}
	var exported struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(out), &exported); err != nil {
		t.Fatalf("failed to decode export output %q: %v", out, err)
	}

	if _, err := run(t, dir, "seed", "run", "--scenario", "minimal"); err != nil {
		t.Fatalf("seed run failed: %v", err)
	}

	out, err = run(t, dir, "fixture", "list")
	if err != nil {
		t.Fatalf("fixture list failed: %v", err)
	}
	if !strings.Contains(out, exported.ID) {
		t.Errorf("fixture list missing %s: %q", exported.ID, out)
	}

	out, err = run(t, dir, "fixture", "import", exported.ID)
	if err != nil {
		t.Fatalf("fixture import failed: %v", err)
	}
	if !strings.HasPrefix(out, "Restored snapshot "+exported.ID+": 0 row(s)") {
		t.Errorf("unexpected output: %q", out)
	}

	_, err = run(t, dir, "fixture", "import", "missing")
	if got := exitCode(err); got != exitNotFound {
		t.Errorf("expected exit code %d, got %d (%v)", exitNotFound, got, err)
	}
}

func TestSeedRunUnknownScenario(t *testing.T) {
	dir := setupEnv(t)
	if _, err := run(t, dir, "migrate", "up"); err != nil {
		t.Fatalf("migrate up failed: %v", err)
	}

	_, err := run(t, dir, "seed", "run", "--scenario", "bogus")
	if got := exitCode(err); got != exitSeed {
		t.Errorf("expected exit code %d, got %d (%v)", exitSeed, got, err)
	}
}

func TestInitCommand(t *testing.T) {
	dir := setupEnv(t)

	out, err := run(t, dir, "init", "--seed", "--scenario", "demo")
	if err != nil {
		t.Fatalf("init failed: %v\n%s", err, out)
	}
	for _, step := range []string{"migrate", "compatibility", "seed", "integrity"} {
		if !strings.Contains(out, step) {
			t.Errorf("init output missing step %s: %q", step, out)
		}
	}
	if strings.Contains(out, "failed") {
		t.Errorf("expected every step to succeed: %q", out)
	}
}
