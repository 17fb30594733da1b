package usecase

import (
	"context"
	"slices"
	"testing"

	"regulatory-dbkit/internal/catalog"
	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/infra"
	"regulatory-dbkit/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// newTestDB はテストごとに独立したインメモリSQLiteを作成する。
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := infra.NewDB(infra.DBConfig{
		Driver: infra.DriverSQLite,
		DSN:    infra.SQLiteMemoryDSN(uuid.NewString(), true),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = infra.CloseDB(db) })
	return db
}

// catalogMigrations は組み込みマイグレーションを読み込む。idsを指定した場合はそれだけを返す。
func catalogMigrations(t *testing.T, ids ...string) []*domain.Migration {
	t.Helper()
	ms, err := catalog.Migrations()
	if err != nil {
		t.Fatalf("failed to load migrations: %v", err)
	}
	if len(ids) == 0 {
		return ms
	}
	var out []*domain.Migration
	for _, m := range ms {
		if slices.Contains(ids, m.ID) {
			out = append(out, m)
		}
	}
	return out
}

func newMigrationService(t *testing.T, db *gorm.DB, opts MigrationOptions, ms ...*domain.Migration) *MigrationService {
	t.Helper()
	svc := NewMigrationService(repository.NewMigrationRepository(db), db, opts)
	if err := svc.RegisterAll(ms); err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}
	return svc
}

// migratedDB は全マイグレーションを適用したデータベースを返す。
func migratedDB(t *testing.T) (*gorm.DB, *MigrationService) {
	t.Helper()
	db := newTestDB(t)
	svc := newMigrationService(t, db, DefaultMigrationOptions(), catalogMigrations(t)...)
	if _, err := svc.ApplyAll(context.Background()); err != nil {
		t.Fatalf("ApplyAll failed: %v", err)
	}
	return db, svc
}

func ledgerIDs(t *testing.T, db *gorm.DB) []string {
	t.Helper()
	records, err := repository.NewMigrationRepository(db).FindAll(context.Background(), nil)
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}

func countRows(t *testing.T, db *gorm.DB, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := db.Raw(query, args...).Row().Scan(&n); err != nil {
		t.Fatalf("query %q failed: %v", query, err)
	}
	return n
}

func exec(t *testing.T, db *gorm.DB, stmt string, args ...any) {
	t.Helper()
	if err := db.Exec(stmt, args...).Error; err != nil {
		t.Fatalf("exec %q failed: %v", stmt, err)
	}
}
