// Package repository はデータベースへの永続化を提供する。
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"regulatory-dbkit/internal/domain"

	"gorm.io/gorm"
)

// LedgerDDL はマイグレーション台帳テーブルの定義。
// 001_initial_schema の定義と一致させること。
const LedgerDDL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    version VARCHAR(32) NOT NULL DEFAULT '',
    applied_at TIMESTAMP NOT NULL,
    checksum VARCHAR(64) NOT NULL
)`

// SchemaMigrationModel はschema_migrationsテーブルのモデル。
type SchemaMigrationModel struct {
	ID        string    `gorm:"column:id;primaryKey;type:varchar(64)"`
	Name      string    `gorm:"column:name;type:varchar(255);not null"`
	Version   string    `gorm:"column:version;type:varchar(32);not null"`
	AppliedAt time.Time `gorm:"column:applied_at;not null"`
	Checksum  string    `gorm:"column:checksum;type:varchar(64);not null"`
}

// TableName はテーブル名を指定。
func (SchemaMigrationModel) TableName() string {
	return "schema_migrations"
}

// MigrationRepository はマイグレーション台帳を管理するリポジトリ。
// 各メソッドのtxがnilの場合はリポジトリ生成時のDBを使う。
type MigrationRepository struct {
	db *gorm.DB
}

// NewMigrationRepository は新しいMigrationRepositoryを生成する。
func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

func (r *MigrationRepository) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

// EnsureTable は台帳テーブルが存在しなければ作成する。
func (r *MigrationRepository) EnsureTable(ctx context.Context, tx *gorm.DB) error {
	if err := r.conn(ctx, tx).Exec(LedgerDDL).Error; err != nil {
		slog.ErrorContext(ctx, "failed to ensure migration ledger",
			"operation", "ensure_table",
			"error", err,
		)
		return fmt.Errorf("failed to ensure migration ledger: %w", err)
	}
	return nil
}

// FindAll は適用済みマイグレーションの台帳をID順で取得する。台帳がない場合は空を返す。
func (r *MigrationRepository) FindAll(ctx context.Context, tx *gorm.DB) ([]domain.MigrationRecord, error) {
	db := r.conn(ctx, tx)
	if !db.Migrator().HasTable(&SchemaMigrationModel{}) {
		return nil, nil
	}

	var models []SchemaMigrationModel
	if err := db.Order("id ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find applied migrations",
			"operation", "find_all",
			"error", err,
		)
		return nil, err
	}

	records := make([]domain.MigrationRecord, len(models))
	for i, model := range models {
		records[i] = domain.MigrationRecord{
			ID:        model.ID,
			Name:      model.Name,
			Version:   model.Version,
			AppliedAt: model.AppliedAt,
			Checksum:  model.Checksum,
		}
	}
	return records, nil
}

// Record はマイグレーションの適用を台帳に記録する。
func (r *MigrationRepository) Record(ctx context.Context, tx *gorm.DB, rec domain.MigrationRecord) error {
	model := &SchemaMigrationModel{
		ID:        rec.ID,
		Name:      rec.Name,
		Version:   rec.Version,
		AppliedAt: rec.AppliedAt,
		Checksum:  rec.Checksum,
	}
	if err := r.conn(ctx, tx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to record migration",
			"operation", "record",
			"migration_id", rec.ID,
			"error", err,
		)
		return err
	}
	return nil
}

// Delete は台帳からマイグレーションの記録を削除する。
func (r *MigrationRepository) Delete(ctx context.Context, tx *gorm.DB, id string) error {
	result := r.conn(ctx, tx).Where("id = ?", id).Delete(&SchemaMigrationModel{})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to delete migration record",
			"operation", "delete",
			"migration_id", id,
			"error", result.Error,
		)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrMigrationNotFound, id)
	}
	return nil
}
