// Package main はデータベース運用CLIのエントリポイント。
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gorm.io/gorm"

	"regulatory-dbkit/config"
	"regulatory-dbkit/internal/catalog"
	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/infra"
	"regulatory-dbkit/internal/integrity"
	"regulatory-dbkit/internal/metrics"
	"regulatory-dbkit/internal/repository"
	"regulatory-dbkit/internal/seed"
	"regulatory-dbkit/internal/usecase"
)

const version = "1.0.0"

var (
	output  string
	envFile string
)

// app はコマンド間で共有する設定と接続を保持する。
type app struct {
	cfg     *config.Config
	db      *gorm.DB
	tp      *sdktrace.TracerProvider
	metrics *metrics.Collector
	out     io.Writer
}

var cli = &app{out: os.Stdout}

func main() {
	ctx := context.Background()
	err := newRootCmd().ExecuteContext(ctx)
	cli.close(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "dbctl",
		Short:         "Regulatory database toolkit CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return cli.setup(cmd.Context())
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file (ignored if missing)")

	// サブコマンド登録
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(integrityCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(fixtureCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cli.out, "dbctl version %s\n", version)
		},
	}
}

// setup は設定を読み込み、ロガーとトレーサーを初期化する。
func (a *app) setup(ctx context.Context) error {
	// 既存の環境変数は上書きしない
	_ = godotenv.Load(envFile)

	cfg, err := config.Load()
	if err != nil {
		return &configError{err: err}
	}
	a.cfg = cfg

	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		return &configError{err: fmt.Errorf("failed to init tracer: %w", err)}
	}
	a.tp = tp
	infra.SetupLogger(os.Stderr, cfg)
	a.metrics = metrics.NewCollector("dbkit")
	return nil
}

func (a *app) close(ctx context.Context) {
	if a.db != nil {
		if err := infra.CloseDB(a.db); err != nil {
			slog.WarnContext(ctx, "failed to close database", "operation", "close_db", "error", err)
		}
		a.db = nil
	}
	if a.tp != nil {
		if err := a.tp.Shutdown(ctx); err != nil {
			slog.WarnContext(ctx, "failed to shutdown tracer", "operation", "shutdown_tracer", "error", err)
		}
		a.tp = nil
	}
}

// openDB は設定のデータベースに接続する。2回目以降は同じ接続を返す。
func (a *app) openDB() (*gorm.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := infra.NewDB(infra.DBConfig{
		Driver:  a.cfg.DatabaseDriver,
		DSN:     a.cfg.DatabaseURL,
		Tracing: a.cfg.OtelEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = db
	return db, nil
}

func (a *app) migrationService() (*usecase.MigrationService, error) {
	db, err := a.openDB()
	if err != nil {
		return nil, err
	}
	ms, err := catalog.Migrations()
	if err != nil {
		return nil, err
	}
	svc := usecase.NewMigrationService(repository.NewMigrationRepository(db), db, usecase.MigrationOptions{
		ChecksumPolicy: domain.ChecksumPolicy(a.cfg.ChecksumPolicy),
		EnableTriggers: a.cfg.EnableTriggers,
		SelfChecks:     catalog.SelfChecks(),
		Metrics:        a.metrics,
	})
	if err := svc.RegisterAll(ms); err != nil {
		return nil, err
	}
	return svc, nil
}

func (a *app) seedService(randomSeed int64) (*usecase.SeedService, error) {
	db, err := a.openDB()
	if err != nil {
		return nil, err
	}
	gen := seed.New(seed.Config{Seed: randomSeed})
	return usecase.NewSeedService(db, catalog.Default(), gen, a.metrics), nil
}

// integrityService はルールファイルが指定されていればそれを、なければ既定ルールを使う。
func (a *app) integrityService(rulesFile string) (*usecase.IntegrityService, error) {
	if rulesFile == "" {
		rulesFile = a.cfg.IntegrityRulesFile
	}
	var (
		rules []domain.IntegrityRule
		err   error
	)
	if rulesFile != "" {
		rules, err = integrity.LoadRuleSet(rulesFile)
	} else {
		rules, err = integrity.DefaultRules(catalog.Default())
	}
	if err != nil {
		return nil, err
	}
	return usecase.NewIntegrityService(rules, a.cfg.IntegrityConcurrency, a.metrics), nil
}

// printJSON は--output jsonのときに値をJSONで出力する。
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
