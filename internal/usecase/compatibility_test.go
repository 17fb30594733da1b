package usecase

import (
	"context"
	"slices"
	"testing"

	"regulatory-dbkit/internal/catalog"
	"regulatory-dbkit/internal/domain"

	"github.com/google/go-cmp/cmp"
)

func TestCheckCompatibility(t *testing.T) {
	ctx := context.Background()

	t.Run("fully migrated", func(t *testing.T) {
		db, _ := migratedDB(t)
		report, err := CheckCompatibility(ctx, catalog.Default(), db)
		if err != nil {
			t.Fatalf("CheckCompatibility failed: %v", err)
		}
		if !report.Compatible() {
			t.Errorf("expected compatible schema, got %s", report)
		}
		if report.String() != "schema compatible" {
			t.Errorf("unexpected summary %q", report.String())
		}
	})

	t.Run("only initial schema", func(t *testing.T) {
		db := newTestDB(t)
		svc := newMigrationService(t, db, DefaultMigrationOptions(), catalogMigrations(t, "001")...)
		if _, err := svc.ApplyAll(ctx); err != nil {
			t.Fatalf("ApplyAll failed: %v", err)
		}
		report, err := CheckCompatibility(ctx, catalog.Default(), db)
		if err != nil {
			t.Fatalf("CheckCompatibility failed: %v", err)
		}
		want := []string{"device_classifications", "predicate_devices", "agent_interactions", "project_documents"}
		if diff := cmp.Diff(want, report.MissingTables); diff != "" {
			t.Errorf("missing tables mismatch (-want +got):\n%s", diff)
		}
		if report.Compatible() {
			t.Error("expected incompatible schema")
		}
	})

	t.Run("proposed schema with dangling references", func(t *testing.T) {
		db, _ := migratedDB(t)
		proposed := &domain.SchemaCatalog{Tables: []domain.TableSchema{
			{
				Name: "projects",
				Columns: []domain.ColumnSchema{
					{Name: "id", Type: "VARCHAR(64)", PrimaryKey: true},
					{Name: "owner_team", Type: "VARCHAR(64)"},
					{Name: "user_id", Type: "VARCHAR(64)"},
				},
				ForeignKeys: []domain.ForeignKey{
					{Column: "user_id", RefTable: "users", RefColumn: "id"},
					{Column: "owner_team", RefTable: "teams", RefColumn: "id"},
					{Column: "user_id", RefTable: "users", RefColumn: "uuid"},
				},
			},
		}}
		report, err := CheckCompatibility(ctx, proposed, db)
		if err != nil {
			t.Fatalf("CheckCompatibility failed: %v", err)
		}
		want := &domain.CompatibilityReport{
			MissingColumns: []string{"projects.owner_team"},
			DanglingForeignKeys: []string{
				"projects.owner_team -> teams.id",
				"projects.user_id -> users.uuid",
			},
		}
		if diff := cmp.Diff(want, report); diff != "" {
			t.Errorf("report mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("nil proposal", func(t *testing.T) {
		db := newTestDB(t)
		report, err := CheckCompatibility(ctx, nil, db)
		if err != nil {
			t.Fatalf("CheckCompatibility failed: %v", err)
		}
		if !report.Compatible() {
			t.Errorf("expected compatible report, got %s", report)
		}
	})
}

func TestDescribeSchema(t *testing.T) {
	ctx := context.Background()
	db, _ := migratedDB(t)

	tables, err := UserTables(ctx, db)
	if err != nil {
		t.Fatalf("UserTables failed: %v", err)
	}
	want := []string{"agent_interactions", "device_classifications", "predicate_devices", "project_documents", "projects", "users"}
	if diff := cmp.Diff(want, tables); diff != "" {
		t.Errorf("tables mismatch (-want +got):\n%s", diff)
	}

	schema, err := DescribeSchema(ctx, db)
	if err != nil {
		t.Fatalf("DescribeSchema failed: %v", err)
	}
	projects, ok := schema.Table("projects")
	if !ok {
		t.Fatal("projects not described")
	}
	priority, ok := projects.Column("priority")
	if !ok {
		t.Fatal("projects.priority not described")
	}
	if priority.Nullable {
		t.Error("projects.priority should be NOT NULL")
	}
	if id, _ := projects.Column("id"); id == nil || !id.PrimaryKey {
		t.Error("projects.id should be the primary key")
	}
	if diff := cmp.Diff([]domain.ForeignKey{{Column: "user_id", RefTable: "users", RefColumn: "id", OnDelete: "CASCADE"}}, projects.ForeignKeys); diff != "" {
		t.Errorf("foreign keys mismatch (-want +got):\n%s", diff)
	}
	if !slices.ContainsFunc(projects.Indexes, func(i domain.IndexSchema) bool { return i.Name == "idx_projects_status" }) {
		t.Errorf("idx_projects_status not described: %v", projects.Indexes)
	}

	interactions, _ := schema.Table("agent_interactions")
	if len(interactions.ForeignKeys) != 2 || interactions.ForeignKeys[0].Column != "project_id" {
		t.Errorf("unexpected agent_interactions foreign keys: %v", interactions.ForeignKeys)
	}

	order, err := schema.InsertOrder()
	if err != nil {
		t.Fatalf("InsertOrder failed: %v", err)
	}
	if slices.Index(order, "users") > slices.Index(order, "projects") ||
		slices.Index(order, "projects") > slices.Index(order, "device_classifications") {
		t.Errorf("parents should precede children: %v", order)
	}
}
