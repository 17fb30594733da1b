package catalog

import (
	"errors"
	"testing"
	"testing/fstest"

	"regulatory-dbkit/internal/domain"

	"github.com/google/go-cmp/cmp"
)

func TestMigrations(t *testing.T) {
	ms, err := Migrations()
	if err != nil {
		t.Fatalf("Migrations failed: %v", err)
	}
	var ids []string
	for _, m := range ms {
		ids = append(ids, m.ID)
		if m.Checksum == "" {
			t.Errorf("migration %s has no checksum", m.ID)
		}
	}
	if diff := cmp.Diff([]string{"001", "002", "003", "004", "005"}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	priority := ms[3]
	if len(priority.Transforms) != 1 || len(priority.PostConditions) != 1 {
		t.Errorf("expected sidecar transforms and post conditions on 004, got %d and %d",
			len(priority.Transforms), len(priority.PostConditions))
	}
	if diff := cmp.Diff([]string{"001", "004"}, ms[4].DependsOn); diff != "" {
		t.Errorf("005 dependencies mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"db/002_add_things.sql": {Data: []byte(
			"-- +migrate DependsOn: 001\n-- +migrate Up\nCREATE TABLE things (id INTEGER);\n-- +migrate Down\nDROP TABLE things;\n")},
		"db/001_init.sql":       {Data: []byte("CREATE TABLE base (id INTEGER);\n")},
		"db/002_add_things.yaml": {Data: []byte(
			"transforms:\n  - kind: insert\n    table: things\n    rows:\n      - {id: 1}\n" +
				"post_conditions:\n  - name: one thing\n    query: SELECT COUNT(*) FROM things\n    expected: 1\n")},
		"db/README.md": {Data: []byte("not a migration")},
	}

	ms, err := LoadMigrations(fsys, "db")
	if err != nil {
		t.Fatalf("LoadMigrations failed: %v", err)
	}
	if len(ms) != 2 || ms[0].ID != "001" || ms[1].ID != "002" {
		t.Fatalf("unexpected migrations: %+v", ms)
	}
	if ms[0].Name != "init" || ms[0].DownScript != "" {
		t.Errorf("unexpected 001: name=%q down=%q", ms[0].Name, ms[0].DownScript)
	}
	if ms[1].Transforms[0].Kind != domain.TransformInsert || ms[1].PostConditions[0].Name != "one thing" {
		t.Errorf("sidecar not loaded: %+v", ms[1])
	}

	t.Run("duplicate id", func(t *testing.T) {
		dup := fstest.MapFS{
			"001_a.sql": {Data: []byte("SELECT 1;")},
			"001_b.sql": {Data: []byte("SELECT 2;")},
		}
		if _, err := LoadMigrations(dup, ""); !errors.Is(err, domain.ErrDuplicateMigration) {
			t.Errorf("expected ErrDuplicateMigration, got %v", err)
		}
	})

	t.Run("bad sidecar", func(t *testing.T) {
		bad := fstest.MapFS{
			"001_a.sql":  {Data: []byte("SELECT 1;")},
			"001_a.yaml": {Data: []byte("post_conditions:\n  - name: empty\n")},
		}
		if _, err := LoadMigrations(bad, "."); !errors.Is(err, domain.ErrInvalidMigrationFile) {
			t.Errorf("expected ErrInvalidMigrationFile, got %v", err)
		}
	})
}

func TestDefaultCatalog(t *testing.T) {
	cat := Default()
	order, err := cat.InsertOrder()
	if err != nil {
		t.Fatalf("InsertOrder failed: %v", err)
	}
	if order[0] != "users" || order[1] != "projects" {
		t.Errorf("expected users then projects first, got %v", order)
	}
	users, ok := cat.Table("users")
	if !ok {
		t.Fatal("users not in catalog")
	}
	if diff := cmp.Diff([]string{"email", "name"}, users.RequiredColumns()); diff != "" {
		t.Errorf("required columns mismatch (-want +got):\n%s", diff)
	}
}
