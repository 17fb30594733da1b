// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string `env:"PORT" envDefault:"8080"`
	DatabaseDriver     string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL        string `env:"DATABASE_URL" envDefault:"file:regulatory.db?_foreign_keys=1"`
	GoogleCloudProject string `env:"GOOGLE_CLOUD_PROJECT"`
	LogLevel           string `env:"LOG_LEVEL" envDefault:"INFO"`

	OtelEnabled      bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OtelEndpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OtelServiceName  string  `env:"OTEL_SERVICE_NAME" envDefault:"regulatory-dbkit"`
	OtelSamplingRate float64 `env:"OTEL_SAMPLING_RATE" envDefault:"1.0"`

	// マイグレーション
	ChecksumPolicy string `env:"CHECKSUM_POLICY" envDefault:"abort"`
	EnableTriggers bool   `env:"ENABLE_TRIGGERS" envDefault:"true"`

	// テスト用データベース
	IsolationLevel              string `env:"ISOLATION_LEVEL" envDefault:"test"`
	CleanupStrategy             string `env:"CLEANUP_STRATEGY" envDefault:"truncate"`
	SeedOnSetup                 bool   `env:"SEED_ON_SETUP" envDefault:"false"`
	InitBaseline                bool   `env:"INIT_BASELINE" envDefault:"true"`
	EnforceReferentialIntegrity bool   `env:"ENFORCE_REFERENTIAL_INTEGRITY" envDefault:"true"`
	TestDBDir                   string `env:"TESTDB_DIR"`

	// シード
	SeedScenario   string `env:"SEED_SCENARIO" envDefault:"demo"`
	SeedRandomSeed int64  `env:"SEED_RANDOM_SEED" envDefault:"42"`

	// フィクスチャ
	FixturesDir        string `env:"FIXTURES_DIR" envDefault:"fixtures"`
	FixtureKMSKeyName  string `env:"FIXTURE_KMS_KEY_NAME"`
	IntegrityRulesFile string `env:"INTEGRITY_RULES_FILE"`

	IntegrityConcurrency int `env:"INTEGRITY_CONCURRENCY" envDefault:"4"`
}

// Load は環境変数から設定を読み込み、値を検証する。
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate は列挙値の設定を検証する。
func (c *Config) Validate() error {
	checks := []struct {
		name    string
		value   string
		allowed []string
	}{
		{"DATABASE_DRIVER", c.DatabaseDriver, []string{"sqlite", "mysql", "postgres"}},
		{"CHECKSUM_POLICY", c.ChecksumPolicy, []string{"warn", "abort"}},
		{"ISOLATION_LEVEL", c.IsolationLevel, []string{"none", "test", "suite", "file"}},
		{"CLEANUP_STRATEGY", c.CleanupStrategy, []string{"truncate", "delete", "recreate"}},
	}
	for _, chk := range checks {
		if !contains(chk.allowed, chk.value) {
			return fmt.Errorf("invalid %s %q (allowed: %s)", chk.name, chk.value, strings.Join(chk.allowed, ", "))
		}
	}
	if c.IntegrityConcurrency < 1 {
		return fmt.Errorf("invalid INTEGRITY_CONCURRENCY %d (must be positive)", c.IntegrityConcurrency)
	}
	return nil
}

// SlogLevel はLOG_LEVELをslogのレベルに変換する。
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
