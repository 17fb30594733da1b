package usecase

import (
	"context"
	"errors"
	"slices"
	"testing"

	"regulatory-dbkit/internal/catalog"
	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/seed"

	"github.com/google/go-cmp/cmp"
)

// stubGenerator は固定のスクリプトを返すテスト用ジェネレーター。
type stubGenerator struct {
	scripts []*domain.SeedScript
	err     error
}

func (g *stubGenerator) Generate(ctx context.Context, scenario string) ([]*domain.SeedScript, error) {
	return g.scripts, g.err
}

func userRow(id string) map[string]any {
	return map[string]any{"id": id, "email": id + "@example.com", "name": id}
}

func projectRow(id, userID string) map[string]any {
	return map[string]any{"id": id, "user_id": userID, "name": id, "status": "draft"}
}

func TestSeedService_ExecuteHonorsForeignKeyOrder(t *testing.T) {
	ctx := context.Background()
	batches := []domain.TableBatch{
		{Table: "predicate_devices", Rows: []map[string]any{{
			"id": "seed-pred-1", "project_id": "seed-project-1", "k_number": "K123456", "device_name": "D",
			"intended_use": "x", "product_code": "ABC", "clearance_date": "2020-01-01", "confidence_score": 0.5,
		}}},
		{Table: "projects", Rows: []map[string]any{projectRow("seed-project-1", "seed-user-1")}},
		{Table: "users", Rows: []map[string]any{userRow("seed-user-1")}},
	}

	// どの並びで渡しても親テーブルから投入される
	perms := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, perm := range perms {
		db, _ := migratedDB(t)
		svc := NewSeedService(db, catalog.Default(), nil, nil)

		script := &domain.SeedScript{ID: "fk-order"}
		for _, i := range perm {
			script.Batches = append(script.Batches, batches[i])
		}
		result, err := svc.Execute(ctx, script)
		if err != nil {
			t.Fatalf("perm %v: Execute failed: %v", perm, err)
		}
		if len(result.RecordErrors) != 0 {
			t.Fatalf("perm %v: unexpected record errors: %v", perm, result.RecordErrors)
		}
		if result.TotalInserted() != 3 {
			t.Errorf("perm %v: expected 3 inserted, got %d", perm, result.TotalInserted())
		}
	}
}

func TestSeedService_CollectsRecordErrors(t *testing.T) {
	ctx := context.Background()
	db, _ := migratedDB(t)
	svc := NewSeedService(db, catalog.Default(), nil, nil)

	script := &domain.SeedScript{
		ID: "partial",
		Batches: []domain.TableBatch{
			{Table: "users", Rows: []map[string]any{
				userRow("seed-user-1"),
				{"id": "seed-user-2", "name": "missing email"},
				userRow("seed-user-1"),
				userRow("seed-user-3"),
			}},
			{Table: "projects", Rows: []map[string]any{
				projectRow("seed-project-1", "seed-user-1"),
				projectRow("seed-project-2", "seed-user-404"),
			}},
		},
	}
	result, err := svc.Execute(ctx, script)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if diff := cmp.Diff(map[string]int{"users": 2, "projects": 1}, result.Inserted); diff != "" {
		t.Errorf("inserted mismatch (-want +got):\n%s", diff)
	}
	if len(result.RecordErrors) != 3 {
		t.Fatalf("expected 3 record errors, got %v", result.RecordErrors)
	}
	got := make([]int, 0, 3)
	for _, re := range result.RecordErrors {
		got = append(got, re.Index)
	}
	if diff := cmp.Diff([]int{1, 2, 1}, got); diff != "" {
		t.Errorf("record error indexes mismatch (-want +got):\n%s", diff)
	}
	if !errors.Is(result.Err(), domain.ErrSeedExecution) {
		t.Errorf("expected ErrSeedExecution from result, got %v", result.Err())
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM users"); n != 2 {
		t.Errorf("expected 2 users persisted, got %d", n)
	}
}

func TestSeedService_ValidationFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	db, _ := migratedDB(t)
	svc := NewSeedService(db, catalog.Default(), nil, nil)

	script := &domain.SeedScript{
		ID:      "validated",
		Batches: []domain.TableBatch{{Table: "users", Rows: []map[string]any{userRow("seed-user-1")}}},
		Validations: []domain.SeedValidation{
			{Name: "five users", Query: "SELECT COUNT(*) FROM users", Expected: 5},
		},
	}
	result, err := svc.Execute(ctx, script)
	if !errors.Is(err, domain.ErrSeedExecution) {
		t.Fatalf("expected ErrSeedExecution, got %v", err)
	}
	var vErr *domain.ValidationFailedError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected wrapped ValidationFailedError, got %v", err)
	}
	if len(result.Validations) != 1 || result.Validations[0].Passed {
		t.Errorf("unexpected validation outcomes: %+v", result.Validations)
	}
	if result.TotalInserted() != 0 {
		t.Errorf("expected inserted counts reset, got %v", result.Inserted)
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM users"); n != 0 {
		t.Errorf("expected rollback, found %d users", n)
	}
}

func TestSeedService_RunAndCleanup(t *testing.T) {
	ctx := context.Background()
	db, _ := migratedDB(t)
	gen := seed.New(seed.Config{Seed: 7})
	svc := NewSeedService(db, catalog.Default(), gen, nil)

	// シード以外の行はCleanupで残る
	exec(t, db, "INSERT INTO users (id, email, name) VALUES ('real-user', 'real@example.com', 'Real')")

	run, err := svc.Run(ctx, "demo")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(run.Results) != 2 || run.Results[0].ScriptID != "demo-accounts" {
		t.Fatalf("unexpected run result: %+v", run)
	}
	for _, r := range run.Results {
		if len(r.RecordErrors) != 0 {
			t.Errorf("script %s: unexpected record errors %v", r.ScriptID, r.RecordErrors)
		}
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM projects"); n == 0 {
		t.Error("expected seeded projects")
	}

	deleted, err := svc.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if deleted["users"] == 0 || deleted["projects"] == 0 {
		t.Errorf("expected seeded rows to be deleted, got %v", deleted)
	}
	for _, table := range catalog.Default().TableNames() {
		if n := countRows(t, db, "SELECT COUNT(*) FROM "+table+" WHERE id LIKE 'seed-%'"); n != 0 {
			t.Errorf("expected no seed rows in %s, got %d", table, n)
		}
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM users WHERE id = 'real-user'"); n != 1 {
		t.Error("expected non-seed user to survive cleanup")
	}
}

func TestSeedService_UnknownScenario(t *testing.T) {
	db, _ := migratedDB(t)
	svc := NewSeedService(db, catalog.Default(), seed.New(seed.Config{Seed: 1}), nil)

	run, err := svc.Run(context.Background(), "bogus")
	if !errors.Is(err, domain.ErrSeedExecution) {
		t.Fatalf("expected ErrSeedExecution, got %v", err)
	}
	if run == nil || len(run.Results) != 0 {
		t.Errorf("expected no executed scripts, got %+v", run)
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM users"); n != 0 {
		t.Errorf("expected no rows inserted, got %d", n)
	}
}

func TestSeedService_ExecuteAllDependencies(t *testing.T) {
	ctx := context.Background()

	t.Run("dependency order", func(t *testing.T) {
		db, _ := migratedDB(t)
		svc := NewSeedService(db, catalog.Default(), nil, nil)
		projects := &domain.SeedScript{
			ID:        "projects",
			DependsOn: []string{"accounts"},
			Batches:   []domain.TableBatch{{Table: "projects", Rows: []map[string]any{projectRow("seed-p1", "seed-u1")}}},
		}
		accounts := &domain.SeedScript{
			ID:      "accounts",
			Batches: []domain.TableBatch{{Table: "users", Rows: []map[string]any{userRow("seed-u1")}}},
		}
		run, err := svc.ExecuteAll(ctx, []*domain.SeedScript{projects, accounts})
		if err != nil {
			t.Fatalf("ExecuteAll failed: %v", err)
		}
		order := make([]string, len(run.Results))
		for i, r := range run.Results {
			order[i] = r.ScriptID
		}
		if diff := cmp.Diff([]string{"accounts", "projects"}, order); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("aborts remaining queue", func(t *testing.T) {
		db, _ := migratedDB(t)
		svc := NewSeedService(db, catalog.Default(), nil, nil)
		scripts := []*domain.SeedScript{
			{ID: "a", Batches: []domain.TableBatch{{Table: "users", Rows: []map[string]any{userRow("seed-u1")}}}},
			{ID: "b", DependsOn: []string{"a"}, Validations: []domain.SeedValidation{{Name: "fails", Query: "SELECT 1", Expected: 2}}},
			{ID: "c", DependsOn: []string{"b"}},
		}
		run, err := svc.ExecuteAll(ctx, scripts)
		if !errors.Is(err, domain.ErrSeedExecution) {
			t.Fatalf("expected ErrSeedExecution, got %v", err)
		}
		if run.FailedID != "b" || !slices.Equal(run.Skipped, []string{"c"}) {
			t.Errorf("unexpected run: failed=%s skipped=%v", run.FailedID, run.Skipped)
		}
	})

	t.Run("unsatisfied", func(t *testing.T) {
		svc := NewSeedService(newTestDB(t), catalog.Default(), nil, nil)
		_, err := svc.ExecuteAll(ctx, []*domain.SeedScript{{ID: "a", DependsOn: []string{"missing"}}})
		if !errors.Is(err, domain.ErrUnsatisfiedDependency) {
			t.Errorf("expected ErrUnsatisfiedDependency, got %v", err)
		}
	})

	t.Run("cycle", func(t *testing.T) {
		svc := NewSeedService(newTestDB(t), catalog.Default(), nil, nil)
		_, err := svc.ExecuteAll(ctx, []*domain.SeedScript{
			{ID: "a", DependsOn: []string{"b"}},
			{ID: "b", DependsOn: []string{"a"}},
		})
		if !errors.Is(err, domain.ErrCyclicDependency) {
			t.Errorf("expected ErrCyclicDependency, got %v", err)
		}
	})

	t.Run("generator error", func(t *testing.T) {
		genErr := errors.New("boom")
		svc := NewSeedService(newTestDB(t), catalog.Default(), &stubGenerator{err: genErr}, nil)
		if _, err := svc.Run(ctx, "demo"); !errors.Is(err, genErr) {
			t.Errorf("expected generator error, got %v", err)
		}
	})
}
