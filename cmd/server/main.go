// Package main はステータスサーバーのエントリポイント。
// 起動時にデータベースを初期化し、マイグレーション状況と整合性レポートをHTTPで公開する。
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"regulatory-dbkit/config"
	"regulatory-dbkit/internal/catalog"
	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/handler"
	"regulatory-dbkit/internal/infra"
	"regulatory-dbkit/internal/integrity"
	"regulatory-dbkit/internal/metrics"
	"regulatory-dbkit/internal/repository"
	"regulatory-dbkit/internal/seed"
	"regulatory-dbkit/internal/usecase"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(2)
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(os.Stdout, cfg)

	db, err := infra.NewDB(infra.DBConfig{
		Driver:  cfg.DatabaseDriver,
		DSN:     cfg.DatabaseURL,
		Tracing: cfg.OtelEnabled,
	})
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := infra.CloseDB(db); err != nil {
			slog.Error("failed to close database", "error", err)
		}
	}()

	collector := metrics.NewCollector("dbkit")

	// DI
	ms, err := catalog.Migrations()
	if err != nil {
		slog.Error("failed to load migrations", "error", err)
		os.Exit(1)
	}
	migrations := usecase.NewMigrationService(repository.NewMigrationRepository(db), db, usecase.MigrationOptions{
		ChecksumPolicy: domain.ChecksumPolicy(cfg.ChecksumPolicy),
		EnableTriggers: cfg.EnableTriggers,
		SelfChecks:     catalog.SelfChecks(),
		Metrics:        collector,
	})
	if err := migrations.RegisterAll(ms); err != nil {
		slog.Error("failed to register migrations", "error", err)
		os.Exit(1)
	}

	rules, err := loadRules(cfg)
	if err != nil {
		slog.Error("failed to load integrity rules", "error", err)
		os.Exit(1)
	}
	checks := usecase.NewIntegrityService(rules, cfg.IntegrityConcurrency, collector)
	seeds := usecase.NewSeedService(db, catalog.Default(), seed.New(seed.Config{Seed: cfg.SeedRandomSeed}), collector)

	h := handler.NewStatusHandler(db, migrations, checks)

	// 初期化の失敗ではサーバーを止めず、ヘルスチェックでdegradedを返す
	orch := usecase.NewOrchestrator(db, catalog.Default(), migrations, seeds, checks, nil, usecase.OrchestratorOptions{
		Seed:         cfg.SeedOnSetup,
		SeedScenario: cfg.SeedScenario,
		Baseline:     cfg.InitBaseline,
	})
	report, err := orch.Initialize(ctx)
	if err != nil {
		slog.Error("database initialization failed", "error", err)
	}
	h.SetInitializationReport(report)

	router := handler.NewRouter(h, collector)

	// サーバー起動
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// loadRules はINTEGRITY_RULES_FILEが設定されていればそれを、なければ既定ルールを返す。
func loadRules(cfg *config.Config) ([]domain.IntegrityRule, error) {
	if cfg.IntegrityRulesFile != "" {
		return integrity.LoadRuleSet(cfg.IntegrityRulesFile)
	}
	return integrity.DefaultRules(catalog.Default())
}
