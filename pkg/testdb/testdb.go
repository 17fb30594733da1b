// Package testdb はテスト用データベースのライフサイクルをtesting.TBに結び付ける。
//
//	var svc = testdb.MustNewService(testdb.Options{Isolation: domain.IsolationTest})
//
//	func TestSomething(t *testing.T) {
//		suite := testdb.Start(t, svc, "repository")
//		t.Run("case", func(t *testing.T) {
//			db := suite.DB(t)
//			...
//		})
//	}
//
// 分離レベルnoneとfileのインスタンスはAfterAllの後もidleのまま残る。
// TestMainの最後でReclaimIdle(ctx, 0)を呼ぶと破棄できる。
package testdb

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"

	"gorm.io/gorm"

	"regulatory-dbkit/config"
	"regulatory-dbkit/internal/catalog"
	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/infra"
	"regulatory-dbkit/internal/integrity"
	"regulatory-dbkit/internal/repository"
	"regulatory-dbkit/internal/seed"
	"regulatory-dbkit/internal/usecase"
)

// Options はテスト用データベースの設定。
type Options struct {
	Isolation    domain.IsolationLevel
	Cleanup      domain.CleanupStrategy
	SeedOnSetup  bool
	SeedScenario string
	RandomSeed   int64
	// Dir が空の場合はインメモリのSQLiteを使う。
	Dir         string
	ForeignKeys bool
	// EnableTriggers がfalseの場合、マイグレーション中のトリガー定義を適用しない。
	EnableTriggers bool
	// ChecksumPolicy が空の場合はabort。
	ChecksumPolicy domain.ChecksumPolicy
}

// OptionsFromConfig は環境変数の設定からOptionsを作る。
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Isolation:      domain.IsolationLevel(cfg.IsolationLevel),
		Cleanup:        domain.CleanupStrategy(cfg.CleanupStrategy),
		SeedOnSetup:    cfg.SeedOnSetup,
		SeedScenario:   cfg.SeedScenario,
		RandomSeed:     cfg.SeedRandomSeed,
		Dir:            cfg.TestDBDir,
		ForeignKeys:    cfg.EnforceReferentialIntegrity,
		EnableTriggers: cfg.EnableTriggers,
		ChecksumPolicy: domain.ChecksumPolicy(cfg.ChecksumPolicy),
	}
}

// NewService は組み込みのマイグレーションとカタログを使うTestDBServiceを生成する。
func NewService(opts Options) (*usecase.TestDBService, error) {
	ms, err := catalog.Migrations()
	if err != nil {
		return nil, err
	}
	migrationOpts := usecase.DefaultMigrationOptions()
	migrationOpts.EnableTriggers = opts.EnableTriggers
	if opts.ChecksumPolicy != "" {
		migrationOpts.ChecksumPolicy = opts.ChecksumPolicy
	}
	template := usecase.NewMigrationService(nil, nil, migrationOpts)
	if err := template.RegisterAll(ms); err != nil {
		return nil, err
	}
	rules, err := integrity.DefaultRules(catalog.Default())
	if err != nil {
		return nil, err
	}

	return usecase.NewTestDBService(usecase.TestDBDeps{
		Provisioner: infra.NewSQLiteProvisioner(opts.Dir, opts.ForeignKeys, false),
		Migrations:  template,
		NewRepository: func(db *gorm.DB) usecase.MigrationRepository {
			return repository.NewMigrationRepository(db)
		},
		Catalog:   catalog.Default(),
		Generator: seed.New(seed.Config{Seed: opts.RandomSeed}),
		Integrity: usecase.NewIntegrityService(rules, 4, nil),
	}, usecase.TestDBOptions{
		Isolation:    opts.Isolation,
		Cleanup:      opts.Cleanup,
		SeedOnSetup:  opts.SeedOnSetup,
		SeedScenario: opts.SeedScenario,
	}), nil
}

// MustNewService はNewServiceと同じだが、失敗した場合はpanicする。パッケージ変数の初期化用。
func MustNewService(opts Options) *usecase.TestDBService {
	svc, err := NewService(opts)
	if err != nil {
		panic(err)
	}
	return svc
}

// Suite は1つのテスト関数（スイート）に対応するフックの組。
type Suite struct {
	hooks *usecase.Hooks
}

// Start はBeforeAllを実行し、tbの終了時にAfterAllを実行するよう登録する。
// ファイルタグには呼び出し元のファイル名を使う。
func Start(tb testing.TB, svc *usecase.TestDBService, suiteTag string) *Suite {
	tb.Helper()
	fileTag := ""
	if _, file, _, ok := runtime.Caller(1); ok {
		fileTag = filepath.Base(file)
	}
	hooks := usecase.NewHooks(svc, suiteTag, fileTag)
	if _, err := hooks.BeforeAll(context.Background()); err != nil {
		tb.Fatalf("testdb: setup failed: %v", err)
	}
	tb.Cleanup(func() {
		if err := hooks.AfterAll(context.Background()); err != nil {
			tb.Errorf("testdb: teardown failed: %v", err)
		}
	})
	return &Suite{hooks: hooks}
}

// DB はBeforeEachを実行して接続を返す。tbの終了時にAfterEachを実行する。
func (s *Suite) DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	ctx := context.Background()
	if err := s.hooks.BeforeEach(ctx); err != nil {
		tb.Fatalf("testdb: reset failed: %v", err)
	}
	tb.Cleanup(func() {
		if err := s.hooks.AfterEach(ctx); err != nil {
			tb.Errorf("testdb: instance unusable after test: %v", err)
		}
	})
	db, err := s.hooks.DB()
	if err != nil {
		tb.Fatalf("testdb: %v", err)
	}
	return db
}

// InstanceID はインスタンスのIDを返す。
func (s *Suite) InstanceID() string {
	return s.hooks.ID()
}
