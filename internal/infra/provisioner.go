package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gorm.io/gorm"
)

// SQLiteProvisioner はテストインスタンス用のSQLiteデータベースを作成する。
// Dirが空の場合は名前付きのインメモリデータベースを使う。
type SQLiteProvisioner struct {
	Dir         string
	ForeignKeys bool
	Tracing     bool
}

// NewSQLiteProvisioner は新しいSQLiteProvisionerを生成する。
func NewSQLiteProvisioner(dir string, foreignKeys, tracing bool) *SQLiteProvisioner {
	return &SQLiteProvisioner{Dir: dir, ForeignKeys: foreignKeys, Tracing: tracing}
}

// Provision はidに対応するデータベースを開き、接続と格納場所を返す。
func (p *SQLiteProvisioner) Provision(ctx context.Context, id string) (*gorm.DB, string, error) {
	location := "memory:" + id
	dsn := SQLiteMemoryDSN(id, p.ForeignKeys)
	if p.Dir != "" {
		if err := os.MkdirAll(p.Dir, 0o755); err != nil {
			return nil, "", fmt.Errorf("failed to create test database dir: %w", err)
		}
		location = filepath.Join(p.Dir, id+".db")
		dsn = SQLiteFileDSN(location, p.ForeignKeys)
	}

	db, err := NewDB(DBConfig{Driver: DriverSQLite, DSN: dsn, Tracing: p.Tracing})
	if err != nil {
		slog.ErrorContext(ctx, "failed to provision test database",
			"operation", "provision",
			"location", location,
			"error", err,
		)
		return nil, "", err
	}
	return db, location, nil
}

// Destroy は接続を閉じ、ファイルベースの場合はファイルを削除する。
func (p *SQLiteProvisioner) Destroy(ctx context.Context, db *gorm.DB, location string) error {
	var errs []error
	if db != nil {
		if err := CloseDB(db); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
	}
	if p.Dir != "" && location != "" {
		for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
			if err := os.Remove(location + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("remove %s: %w", location+suffix, err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.ErrorContext(ctx, "failed to destroy test database",
			"operation", "destroy",
			"location", location,
			"error", err,
		)
		return err
	}
	return nil
}
