// Package infra は外部サービスとの接続を提供する。
package infra

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// サポートするデータベースドライバ。
const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// DBConfig はデータベース接続の設定を表す。
type DBConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Tracing         bool
}

// Dialector はドライバ名に対応するgormのDialectorを返す。
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverSQLite:
		return sqlite.Open(dsn), nil
	case DriverMySQL:
		return mysql.Open(dsn), nil
	case DriverPostgres:
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}
}

// NewDB はgormによるデータベース接続を初期化する。
func NewDB(cfg DBConfig) (*gorm.DB, error) {
	dialector, err := Dialector(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if cfg.Tracing {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("failed to install tracing plugin: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 接続プール設定
	if cfg.Driver == DriverSQLite {
		// トランザクション中の文がすべて同じ接続を使うように1本に制限する
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
		return db, nil
	}
	sqlDB.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 10))
	sqlDB.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 5))
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}

// SQLiteMemoryDSN は名前付きのインメモリSQLiteデータベースのDSNを返す。
func SQLiteMemoryDSN(name string, foreignKeys bool) string {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	if foreignKeys {
		dsn += "&_foreign_keys=1"
	}
	return dsn
}

// SQLiteFileDSN はファイルベースのSQLiteデータベースのDSNを返す。
func SQLiteFileDSN(path string, foreignKeys bool) string {
	dsn := "file:" + path
	if foreignKeys {
		dsn += "?_foreign_keys=1"
	}
	return dsn
}

// CloseDB は基盤の接続を閉じる。
func CloseDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
