package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/infra"

	"gorm.io/gorm"
)

// 初期化パイプラインのステップ名。
const (
	StepMigrate       = "migrate"
	StepCompatibility = "compatibility"
	StepSeed          = "seed"
	StepIntegrity     = "integrity"
	StepBaseline      = "baseline"
)

// ErrIntegrityFailed はerror重要度の整合性ルールが失敗したことを表す。
var ErrIntegrityFailed = errors.New("integrity rules failed")

// OrchestratorOptions は初期化パイプラインの設定。
type OrchestratorOptions struct {
	Seed         bool
	SeedScenario string
	// Rules はnilの場合IntegrityServiceの既定ルールを使う。
	Rules    []domain.IntegrityRule
	Baseline bool
}

// Orchestrator はマイグレーション・シード・整合性検証・ベースライン取得を1つのパイプラインにまとめる。
type Orchestrator struct {
	db         *gorm.DB
	catalog    *domain.SchemaCatalog
	migrations *MigrationService
	seeds      *SeedService
	integrity  *IntegrityService
	strategy   SnapshotStrategy
	opts       OrchestratorOptions
}

// NewOrchestrator は新しいOrchestratorを生成する。
func NewOrchestrator(db *gorm.DB, catalog *domain.SchemaCatalog, migrations *MigrationService, seeds *SeedService, integrity *IntegrityService, strategy SnapshotStrategy, opts OrchestratorOptions) *Orchestrator {
	if strategy == nil {
		strategy = RowDumpStrategy{}
	}
	return &Orchestrator{
		db:         db,
		catalog:    catalog,
		migrations: migrations,
		seeds:      seeds,
		integrity:  integrity,
		strategy:   strategy,
		opts:       opts,
	}
}

// Initialize はパイプラインを実行する。各ステップの結果はレポートに記録され、
// 全体の成否は各ステップの論理積になる。返すエラーは最初に失敗したステップのもの。
// マイグレーションが失敗した場合は以降のステップを実行しない。
// 互換性チェックが失敗した場合はシードを投入しない。
func (o *Orchestrator) Initialize(ctx context.Context) (_ *domain.InitializationReport, err error) {
	ctx, span := infra.StartSpan(ctx, "orchestrator.initialize")
	defer func() { infra.EndSpan(span, err) }()

	start := time.Now()
	report := &domain.InitializationReport{}
	var firstErr error
	step := func(name string, run func() (string, error)) bool {
		stepStart := time.Now()
		detail, err := run()
		res := domain.StepResult{Name: name, Success: err == nil, Detail: detail, Duration: time.Since(stepStart)}
		if err != nil {
			if res.Detail == "" {
				res.Detail = err.Error()
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", name, err)
			}
			slog.ErrorContext(ctx, "initialization step failed",
				"operation", "initialize",
				"step", name,
				"error", err,
			)
		}
		report.Steps = append(report.Steps, res)
		return err == nil
	}
	skip := func(name, reason string) {
		report.Steps = append(report.Steps, domain.StepResult{Name: name, Detail: "skipped: " + reason})
	}

	migrated := step(StepMigrate, func() (string, error) {
		res, err := o.migrations.ApplyAll(ctx)
		report.Migration = res
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("applied %d migration(s)", len(res.Applied)), nil
	})
	if !migrated {
		for _, name := range []string{StepCompatibility, StepSeed, StepIntegrity, StepBaseline} {
			skip(name, "migrate failed")
		}
		return o.finish(ctx, report, start, firstErr)
	}

	compatible := step(StepCompatibility, func() (string, error) {
		compat, err := CheckCompatibility(ctx, o.catalog, o.db)
		if err != nil {
			return "", err
		}
		if !compat.Compatible() {
			return compat.String(), fmt.Errorf("schema incompatible: %s", compat.String())
		}
		return compat.String(), nil
	})

	switch {
	case !o.opts.Seed:
		report.Steps = append(report.Steps, domain.StepResult{Name: StepSeed, Success: true, Detail: "seeding disabled"})
	case !compatible:
		skip(StepSeed, "schema incompatible")
	default:
		step(StepSeed, func() (string, error) {
			run, err := o.seeds.Run(ctx, o.opts.SeedScenario)
			report.Seed = run
			if err != nil {
				return "", err
			}
			inserted := 0
			for _, r := range run.Results {
				inserted += r.TotalInserted()
			}
			return fmt.Sprintf("executed %d script(s), inserted %d record(s)", len(run.Results), inserted), nil
		})
	}

	step(StepIntegrity, func() (string, error) {
		rep := o.integrity.Evaluate(ctx, o.opts.Rules, o.db)
		report.Integrity = rep
		detail := fmt.Sprintf("score %d%%, %d/%d rule(s) passed", rep.Score, rep.Passed, rep.Total)
		if n := rep.FailedErrors(); n > 0 {
			return detail, fmt.Errorf("%w: %d error-severity rule(s)", ErrIntegrityFailed, n)
		}
		return detail, nil
	})

	if o.opts.Baseline {
		step(StepBaseline, func() (string, error) {
			snap, err := o.strategy.Capture(ctx, o.db)
			if err != nil {
				return "", err
			}
			snap.Name = "baseline"
			report.Baseline = snap
			return fmt.Sprintf("captured %d table(s), checksum %s", len(snap.Tables), snap.Checksum), nil
		})
	}

	return o.finish(ctx, report, start, firstErr)
}

func (o *Orchestrator) finish(ctx context.Context, report *domain.InitializationReport, start time.Time, err error) (*domain.InitializationReport, error) {
	_, failed := report.FailedStep()
	report.Success = !failed
	report.Duration = time.Since(start)
	slog.InfoContext(ctx, "initialization finished",
		"operation", "initialize",
		"success", report.Success,
		"steps", len(report.Steps),
		"duration_ms", report.Duration.Milliseconds(),
	)
	if err == nil && failed {
		failedStep, _ := report.FailedStep()
		err = fmt.Errorf("%s: %s", failedStep.Name, failedStep.Detail)
	}
	return report, err
}
