package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/graph"
	"regulatory-dbkit/internal/infra"
	"regulatory-dbkit/internal/integrity"
	"regulatory-dbkit/internal/metrics"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// SeedGenerator はシナリオからシードスクリプトを生成する。
type SeedGenerator interface {
	Generate(ctx context.Context, scenario string) ([]*domain.SeedScript, error)
}

// SeedService はシードデータの生成・投入・削除を提供する。
type SeedService struct {
	db        *gorm.DB
	catalog   *domain.SchemaCatalog
	generator SeedGenerator
	metrics   *metrics.Collector

	mu       sync.Mutex
	executed []*domain.SeedScript
}

// NewSeedService は新しいSeedServiceを生成する。
func NewSeedService(db *gorm.DB, catalog *domain.SchemaCatalog, generator SeedGenerator, m *metrics.Collector) *SeedService {
	return &SeedService{
		db:        db,
		catalog:   catalog,
		generator: generator,
		metrics:   m,
	}
}

// Generate はジェネレーターにシードスクリプトの生成を委譲する。
func (s *SeedService) Generate(ctx context.Context, scenario string) ([]*domain.SeedScript, error) {
	if s.generator == nil {
		return nil, fmt.Errorf("%w: no seed generator configured", domain.ErrSeedExecution)
	}
	scripts, err := s.generator.Generate(ctx, scenario)
	if err != nil {
		slog.ErrorContext(ctx, "failed to generate seed scripts",
			"operation", "generate",
			"scenario", scenario,
			"error", err,
		)
		return nil, fmt.Errorf("%w: generate seed scripts: %w", domain.ErrSeedExecution, err)
	}
	return scripts, nil
}

// Run はシナリオのスクリプトを生成して依存関係順に実行する。
func (s *SeedService) Run(ctx context.Context, scenario string) (*domain.SeedRunResult, error) {
	scripts, err := s.Generate(ctx, scenario)
	if err != nil {
		return &domain.SeedRunResult{Err: err}, err
	}
	return s.ExecuteAll(ctx, scripts)
}

// orderBatches はカタログの外部キー順（親が先）にバッチを並べる。
// カタログにないテーブルは名前順で最後に並ぶ。
func (s *SeedService) orderBatches(batches []domain.TableBatch) ([]domain.TableBatch, error) {
	order, err := s.catalog.InsertOrder()
	if err != nil {
		return nil, err
	}
	rank := make(map[string]int, len(order))
	for i, name := range order {
		rank[name] = i
	}
	sorted := slices.Clone(batches)
	slices.SortStableFunc(sorted, func(a, b domain.TableBatch) int {
		ra, okA := rank[a.Table]
		rb, okB := rank[b.Table]
		switch {
		case okA && okB:
			return ra - rb
		case okA:
			return -1
		case okB:
			return 1
		default:
			return strings.Compare(a.Table, b.Table)
		}
	})
	return sorted, nil
}

// Execute はスクリプトをトランザクション内で投入する。
// レコード単位の失敗はセーブポイントで巻き戻して結果に集め、処理は継続する。
// 検証クエリが期待値と一致しない場合は全体を巻き戻す。
func (s *SeedService) Execute(ctx context.Context, script *domain.SeedScript) (result *domain.SeedResult, err error) {
	ctx, span := infra.StartSpan(ctx, "seed.execute", attribute.String("seed.script_id", script.ID))
	defer func() { infra.EndSpan(span, err) }()

	start := time.Now()
	result = &domain.SeedResult{ScriptID: script.ID, Inserted: make(map[string]int)}
	batches, err := s.orderBatches(script.Batches)
	if err != nil {
		return result, &domain.SeedExecutionError{ScriptID: script.ID, Err: err}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, batch := range batches {
			batch := batch
			for i, row := range batch.Rows {
				row := row
				// Cleanupによるキャンセルを検知したら中断する
				if err := ctx.Err(); err != nil {
					return err
				}
				err := tx.Transaction(func(sp *gorm.DB) error {
					return insertRow(sp, batch.Table, row)
				})
				if err != nil {
					result.RecordErrors = append(result.RecordErrors, domain.RecordError{Table: batch.Table, Index: i, Err: err})
					continue
				}
				result.Inserted[batch.Table]++
			}
		}

		var failed *domain.ValidationFailedError
		for _, v := range script.Validations {
			outcome := domain.ValidationOutcome{Name: v.Name, Expected: v.Expected}
			var raw any
			if err := tx.Raw(v.Query).Row().Scan(&raw); err != nil {
				outcome.Error = err.Error()
				if failed == nil {
					failed = &domain.ValidationFailedError{Name: v.Name, Expected: v.Expected, Err: err}
				}
			} else {
				outcome.Actual = integrity.NormalizeValue(raw)
				outcome.Passed = integrity.Compare(outcome.Actual, v.Expected)
				if !outcome.Passed && failed == nil {
					failed = &domain.ValidationFailedError{Name: v.Name, Expected: v.Expected, Actual: outcome.Actual}
				}
			}
			result.Validations = append(result.Validations, outcome)
		}
		if failed != nil {
			return failed
		}
		return nil
	})
	result.Duration = time.Since(start)

	if err != nil {
		// 巻き戻されたので投入件数は0
		result.Inserted = make(map[string]int)
		slog.ErrorContext(ctx, "seed script failed",
			"operation", "execute",
			"script_id", script.ID,
			"error", err,
		)
		return result, &domain.SeedExecutionError{ScriptID: script.ID, Records: result.RecordErrors, Err: err}
	}

	failedByTable := make(map[string]int)
	for _, re := range result.RecordErrors {
		failedByTable[re.Table]++
	}
	for _, b := range batches {
		s.metrics.RecordSeed(b.Table, result.Inserted[b.Table], failedByTable[b.Table])
	}

	s.mu.Lock()
	s.executed = append(s.executed, script)
	s.mu.Unlock()

	if len(result.RecordErrors) > 0 {
		slog.WarnContext(ctx, "seed script completed with record errors",
			"operation", "execute",
			"script_id", script.ID,
			"inserted", result.TotalInserted(),
			"record_errors", len(result.RecordErrors),
		)
	} else {
		slog.InfoContext(ctx, "seed script executed",
			"operation", "execute",
			"script_id", script.ID,
			"inserted", result.TotalInserted(),
			"duration_ms", result.Duration.Milliseconds(),
		)
	}
	return result, nil
}

// ExecuteAll はスクリプト間の依存関係順に実行し、最初に失敗したスクリプトで残りを中止する。
func (s *SeedService) ExecuteAll(ctx context.Context, scripts []*domain.SeedScript) (*domain.SeedRunResult, error) {
	run := &domain.SeedRunResult{}
	byID := make(map[string]*domain.SeedScript, len(scripts))
	g := graph.New()
	for _, script := range scripts {
		if _, dup := byID[script.ID]; dup {
			run.Err = fmt.Errorf("%w: duplicate seed script %s", domain.ErrSeedExecution, script.ID)
			return run, run.Err
		}
		byID[script.ID] = script
		g.AddNode(script.ID)
		for _, dep := range script.DependsOn {
			g.AddEdge(script.ID, dep)
		}
	}

	done := s.executedIDs()
	for _, script := range scripts {
		var missing []string
		for _, dep := range script.DependsOn {
			if _, ok := byID[dep]; !ok && !done[dep] {
				missing = append(missing, dep)
			}
		}
		if len(missing) > 0 {
			run.FailedID = script.ID
			run.Err = &domain.UnsatisfiedDependencyError{MigrationID: script.ID, Missing: missing}
			return run, run.Err
		}
	}

	order, err := g.Sort()
	if err != nil {
		var cycleErr *graph.CycleError
		if errors.As(err, &cycleErr) {
			err = &domain.CyclicDependencyError{Path: cycleErr.Path}
		}
		run.Err = err
		return run, err
	}

	for i, id := range order {
		result, err := s.Execute(ctx, byID[id])
		run.Results = append(run.Results, result)
		if err != nil {
			run.FailedID = id
			run.Err = err
			run.Skipped = order[i+1:]
			return run, err
		}
	}
	return run, nil
}

func (s *SeedService) executedIDs() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.executed))
	for _, script := range s.executed {
		out[script.ID] = true
	}
	return out
}

// Cleanup は実行済みスクリプトの後始末文を実行し、シードマーカーに一致する行を子テーブルから削除する。
// 最後にストレージの回収を試みる。回収の失敗はログに出力するだけ。
func (s *SeedService) Cleanup(ctx context.Context) (map[string]int64, error) {
	order, err := s.catalog.DeleteOrder()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	scripts := slices.Clone(s.executed)
	s.mu.Unlock()

	deleted := make(map[string]int64)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := len(scripts) - 1; i >= 0; i-- {
			for _, stmt := range scripts[i].Cleanup {
				stmt := stmt
				err := tx.Transaction(func(sp *gorm.DB) error { return sp.Exec(stmt).Error })
				if err != nil {
					slog.WarnContext(ctx, "seed cleanup statement failed",
						"operation", "cleanup",
						"script_id", scripts[i].ID,
						"error", err,
					)
				}
			}
		}

		for _, name := range order {
			table, _ := s.catalog.Table(name)
			if table.SeedMarker == nil || !tx.Migrator().HasTable(name) {
				continue
			}
			res := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s LIKE ?", name, table.SeedMarker.Column), table.SeedMarker.Pattern)
			if res.Error != nil {
				return fmt.Errorf("delete seed rows from %s: %w", name, res.Error)
			}
			deleted[name] = res.RowsAffected
		}
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to clean up seed data",
			"operation", "cleanup",
			"error", err,
		)
		return nil, err
	}

	s.mu.Lock()
	s.executed = nil
	s.mu.Unlock()

	reclaimStorage(ctx, s.db, order)
	return deleted, nil
}

// reclaimStorage はデータベースごとの方法で空き領域を回収する。
func reclaimStorage(ctx context.Context, db *gorm.DB, tables []string) {
	var stmt string
	switch db.Dialector.Name() {
	case "sqlite", "postgres":
		stmt = "VACUUM"
	case "mysql":
		stmt = "OPTIMIZE TABLE " + strings.Join(tables, ", ")
	default:
		return
	}
	if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
		slog.WarnContext(ctx, "failed to reclaim storage",
			"operation", "reclaim_storage",
			"error", err,
		)
	}
}
