package usecase

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"regulatory-dbkit/internal/catalog"
	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/infra"
	"regulatory-dbkit/internal/integrity"
	"regulatory-dbkit/internal/repository"
	"regulatory-dbkit/internal/seed"

	"gorm.io/gorm"
)

// fakeClock は呼び出しごとに1秒進む時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingProvisioner はProvisionが常に失敗するProvisioner。
type failingProvisioner struct{ err error }

func (p failingProvisioner) Provision(context.Context, string) (*gorm.DB, string, error) {
	return nil, "", p.err
}

func (p failingProvisioner) Destroy(context.Context, *gorm.DB, string) error { return nil }

func newTestDBService(t *testing.T, opts TestDBOptions, ms ...*domain.Migration) (*TestDBService, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return newTestDBServiceWithClock(t, opts, clock.Now, ms...), clock
}

func newTestDBServiceWithClock(t *testing.T, opts TestDBOptions, now func() time.Time, ms ...*domain.Migration) *TestDBService {
	t.Helper()
	if len(ms) == 0 {
		ms = catalogMigrations(t)
	}
	template := NewMigrationService(nil, nil, DefaultMigrationOptions())
	if err := template.RegisterAll(ms); err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}
	rules, err := integrity.DefaultRules(catalog.Default())
	if err != nil {
		t.Fatalf("DefaultRules failed: %v", err)
	}
	svc := NewTestDBService(TestDBDeps{
		Provisioner: infra.NewSQLiteProvisioner("", true, false),
		Migrations:  template,
		NewRepository: func(db *gorm.DB) MigrationRepository {
			return repository.NewMigrationRepository(db)
		},
		Catalog:   catalog.Default(),
		Generator: seed.New(seed.Config{Seed: 3}),
		Integrity: NewIntegrityService(rules, 2, nil),
		Now:       now,
	}, opts)
	t.Cleanup(func() {
		for _, inst := range svc.List() {
			_ = svc.Cleanup(context.Background(), inst.ID)
		}
	})
	return svc
}

func instanceDB(t *testing.T, svc *TestDBService, id string) *gorm.DB {
	t.Helper()
	db, err := svc.DB(id)
	if err != nil {
		t.Fatalf("DB(%s) failed: %v", id, err)
	}
	return db
}

func TestTestDBService_SetupReusesInstanceForTag(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestDBService(t, TestDBOptions{})

	first, err := svc.Setup(ctx, "suite-a", "file_test.go")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if first.Status != domain.InstanceStatusActive {
		t.Errorf("expected active status, got %s", first.Status)
	}
	if first.Reused {
		t.Error("a new instance should not be reported as reused")
	}
	if got := ledgerIDs(t, instanceDB(t, svc, first.ID)); len(got) != 5 {
		t.Errorf("expected all migrations applied, got %v", got)
	}

	second, err := svc.Setup(ctx, "suite-a", "file_test.go")
	if err != nil {
		t.Fatalf("second Setup failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected reuse of %s, got %s", first.ID, second.ID)
	}
	if !second.Reused {
		t.Error("second Setup should report reuse")
	}
	if !second.LastUsedAt.After(second.CreatedAt) {
		t.Error("reused instance should have a newer LastUsedAt")
	}

	other, err := svc.Setup(ctx, "suite-a", "other_test.go")
	if err != nil {
		t.Fatalf("Setup for other file failed: %v", err)
	}
	if other.ID == first.ID {
		t.Error("different file tags should get different instances")
	}
	if len(svc.List()) != 2 {
		t.Errorf("expected 2 instances, got %d", len(svc.List()))
	}

	if _, err := svc.Setup(ctx, "", "x"); err == nil {
		t.Error("expected error for empty suite tag")
	}
}

func TestTestDBService_ConcurrentSetupSharesInstance(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestDBService(t, TestDBOptions{})

	const n = 8
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := svc.Setup(ctx, "suite-c", "")
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = inst.ID
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Setup %d failed: %v", i, err)
		}
	}
	slices.Sort(ids)
	if ids[0] != ids[n-1] {
		t.Errorf("expected a single instance, got %v", slices.Compact(ids))
	}
	if len(svc.List()) != 1 {
		t.Errorf("expected 1 instance, got %d", len(svc.List()))
	}
}

func TestTestDBService_Reset(t *testing.T) {
	for _, strategy := range []domain.CleanupStrategy{domain.CleanupTruncate, domain.CleanupDelete, domain.CleanupRecreate} {
		strategy := strategy
		t.Run(string(strategy), func(t *testing.T) {
			ctx := context.Background()
			svc, _ := newTestDBService(t, TestDBOptions{Cleanup: strategy, SeedOnSetup: true, SeedScenario: "minimal"})

			inst, err := svc.Setup(ctx, "suite-r", "")
			if err != nil {
				t.Fatalf("Setup failed: %v", err)
			}
			db := instanceDB(t, svc, inst.ID)
			if n := countRows(t, db, "SELECT COUNT(*) FROM users"); n != 1 {
				t.Fatalf("expected 1 seeded user, got %d", n)
			}
			exec(t, db, "INSERT INTO users (id, email, name) VALUES ('manual', 'manual@example.com', 'Manual')")

			if err := svc.Reset(ctx, inst.ID); err != nil {
				t.Fatalf("Reset failed: %v", err)
			}

			after, err := svc.Get(inst.ID)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if after.ID != inst.ID || after.Status != domain.InstanceStatusActive {
				t.Errorf("unexpected instance after reset: %+v", after)
			}
			db = instanceDB(t, svc, inst.ID)
			if n := countRows(t, db, "SELECT COUNT(*) FROM users"); n != 1 {
				t.Errorf("expected only the re-seeded user, got %d", n)
			}
			if n := countRows(t, db, "SELECT COUNT(*) FROM users WHERE id = 'manual'"); n != 0 {
				t.Error("manually inserted row survived reset")
			}
			if got := ledgerIDs(t, db); len(got) != 5 {
				t.Errorf("expected all migrations applied after reset, got %v", got)
			}
		})
	}
}

func TestTestDBService_CleanupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestDBService(t, TestDBOptions{})

	inst, err := svc.Setup(ctx, "suite-x", "")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := svc.Cleanup(ctx, inst.ID); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if err := svc.Cleanup(ctx, inst.ID); err != nil {
		t.Fatalf("second Cleanup failed: %v", err)
	}

	got, _ := svc.Get(inst.ID)
	if got.Status != domain.InstanceStatusTerminated {
		t.Errorf("expected terminated, got %s", got.Status)
	}

	_, err = svc.DB(inst.ID)
	var instErr *domain.InstanceError
	if !errors.As(err, &instErr) || instErr.Status != domain.InstanceStatusTerminated {
		t.Errorf("expected InstanceError for terminated instance, got %v", err)
	}
	if !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
	if err := svc.Reset(ctx, inst.ID); !errors.As(err, &instErr) {
		t.Errorf("expected Reset to fail on a terminated instance, got %v", err)
	}

	fresh, err := svc.Setup(ctx, "suite-x", "")
	if err != nil {
		t.Fatalf("Setup after cleanup failed: %v", err)
	}
	if fresh.ID == inst.ID {
		t.Error("expected a new instance after cleanup")
	}
}

func TestTestDBService_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown instance", func(t *testing.T) {
		svc, _ := newTestDBService(t, TestDBOptions{})
		if _, err := svc.Get("nope"); !errors.Is(err, domain.ErrInstanceNotFound) {
			t.Errorf("expected ErrInstanceNotFound, got %v", err)
		}
		if err := svc.Cleanup(ctx, "nope"); !errors.Is(err, domain.ErrInstanceNotFound) {
			t.Errorf("expected ErrInstanceNotFound, got %v", err)
		}
	})

	t.Run("failing migration", func(t *testing.T) {
		broken := &domain.Migration{ID: "001", Name: "broken", UpScript: "CREATE TABLE ("}
		svc, _ := newTestDBService(t, TestDBOptions{}, broken)

		_, err := svc.Setup(ctx, "suite-e", "")
		var instErr *domain.InstanceError
		if !errors.As(err, &instErr) {
			t.Fatalf("expected InstanceError, got %v", err)
		}
		got, err := svc.Get(instErr.InstanceID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != domain.InstanceStatusError || got.LastError == "" {
			t.Errorf("expected error status with message, got %+v", got)
		}
		if _, err := svc.Statistics(ctx, got.ID); !errors.As(err, &instErr) {
			t.Errorf("expected InstanceError from Statistics, got %v", err)
		}
	})

	t.Run("provision failure", func(t *testing.T) {
		svc, _ := newTestDBService(t, TestDBOptions{})
		svc.deps.Provisioner = failingProvisioner{err: errors.New("disk full")}
		if _, err := svc.Setup(ctx, "suite-p", ""); err == nil {
			t.Fatal("expected provision error")
		}
		if len(svc.List()) != 0 {
			t.Errorf("no instance should be registered, got %d", len(svc.List()))
		}
	})
}

func TestTestDBService_SnapshotAndRestore(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestDBService(t, TestDBOptions{SeedOnSetup: true, SeedScenario: "demo"})

	inst, err := svc.Setup(ctx, "suite-s", "")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	snap, err := svc.Snapshot(ctx, inst.ID, "seeded")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.InstanceID != inst.ID || snap.Name != "seeded" {
		t.Errorf("unexpected snapshot metadata: %s %s", snap.InstanceID, snap.Name)
	}

	db := instanceDB(t, svc, inst.ID)
	exec(t, db, "DELETE FROM projects")
	exec(t, db, "INSERT INTO users (id, email, name) VALUES ('late', 'late@example.com', 'Late')")

	res, err := svc.Restore(ctx, inst.ID, snap.ID)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !res.Verified || res.Checksum != snap.Checksum {
		t.Errorf("expected verified restore, got %+v", res)
	}
	if res.Inserted["projects"] != snap.RowCounts()["projects"] {
		t.Errorf("expected %d projects restored, got %d", snap.RowCounts()["projects"], res.Inserted["projects"])
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM users WHERE id = 'late'"); n != 0 {
		t.Error("row added after snapshot survived restore")
	}

	if _, err := svc.Restore(ctx, inst.ID, "missing"); !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound, got %v", err)
	}

	imported := *snap
	imported.ID = "imported"
	if err := svc.ImportSnapshot(inst.ID, &imported); err != nil {
		t.Fatalf("ImportSnapshot failed: %v", err)
	}
	if res, err := svc.Restore(ctx, inst.ID, "imported"); err != nil || !res.Verified {
		t.Errorf("restore of imported snapshot failed: %v %+v", err, res)
	}
	if err := svc.ImportSnapshot(inst.ID, nil); !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound for nil snapshot, got %v", err)
	}
}

func TestTestDBService_Statistics(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestDBService(t, TestDBOptions{SeedOnSetup: true, SeedScenario: "minimal"})

	inst, err := svc.Setup(ctx, "suite-st", "")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	stats, err := svc.Statistics(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	if len(stats.Tables) != 6 {
		t.Errorf("expected 6 tables, got %d", len(stats.Tables))
	}
	byTable := make(map[string]domain.TableStats)
	for _, st := range stats.Tables {
		byTable[st.Table] = st
	}
	if byTable["users"].Rows != 1 || byTable["projects"].Rows != 1 {
		t.Errorf("unexpected row counts: %+v", byTable)
	}
	if byTable["users"].Bytes == 0 {
		t.Error("expected non-zero size for users")
	}
	if stats.TotalRows != 2 {
		t.Errorf("expected 2 total rows, got %d", stats.TotalRows)
	}
}

func TestTestDBService_ReleaseAndReclaimIdle(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestDBService(t, TestDBOptions{})

	idle, err := svc.Setup(ctx, "suite-i", "")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	busy, err := svc.Setup(ctx, "suite-b", "")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := svc.Release(idle.ID); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	reclaimed, err := svc.ReclaimIdle(ctx, time.Hour)
	if err != nil || len(reclaimed) != 0 {
		t.Fatalf("nothing should be reclaimed yet: %v %v", reclaimed, err)
	}

	clock.Advance(2 * time.Hour)
	reclaimed, err = svc.ReclaimIdle(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ReclaimIdle failed: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != idle.ID {
		t.Errorf("expected %s reclaimed, got %v", idle.ID, reclaimed)
	}
	if got, _ := svc.Get(busy.ID); got.Status != domain.InstanceStatusActive {
		t.Errorf("active instance should survive, got %s", got.Status)
	}
}

func TestTestDBService_Evaluate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestDBService(t, TestDBOptions{SeedOnSetup: true, SeedScenario: "demo"})

	inst, err := svc.Setup(ctx, "suite-v", "")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	report, err := svc.Evaluate(ctx, inst.ID, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if report.Total != len(svc.deps.Integrity.Rules()) {
		t.Errorf("expected %d results, got %d", len(svc.deps.Integrity.Rules()), report.Total)
	}
	if n := report.FailedErrors(); n != 0 {
		t.Errorf("expected no error-severity failures on seeded data, got %d", n)
	}
}
