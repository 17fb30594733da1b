// Package usecase はマイグレーション・シード・整合性検証・テスト用DBのビジネスロジックを提供する。
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/graph"
	"regulatory-dbkit/internal/infra"
	"regulatory-dbkit/internal/integrity"
	"regulatory-dbkit/internal/metrics"
	"regulatory-dbkit/internal/sqlscript"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// MigrationRepository はマイグレーション台帳を管理するリポジトリのインターフェース。
// txがnilの場合はリポジトリ自身の接続を使う。
type MigrationRepository interface {
	EnsureTable(ctx context.Context, tx *gorm.DB) error
	FindAll(ctx context.Context, tx *gorm.DB) ([]domain.MigrationRecord, error)
	Record(ctx context.Context, tx *gorm.DB, rec domain.MigrationRecord) error
	Delete(ctx context.Context, tx *gorm.DB, id string) error
}

// MigrationOptions はMigrationServiceの動作設定。
type MigrationOptions struct {
	ChecksumPolicy domain.ChecksumPolicy
	EnableTriggers bool
	// SelfChecks はValidateで評価する軽量チェック。
	SelfChecks []domain.Expectation
	Metrics    *metrics.Collector
	Now        func() time.Time
}

// DefaultMigrationOptions はチェックサム不一致で中止し、トリガーを有効にする設定を返す。
func DefaultMigrationOptions() MigrationOptions {
	return MigrationOptions{
		ChecksumPolicy: domain.ChecksumPolicyAbort,
		EnableTriggers: true,
	}
}

// errAlreadyApplied はトランザクションを何もせずに終えるための内部エラー。
var errAlreadyApplied = errors.New("migration already applied")

// MigrationService はマイグレーション実行のビジネスロジックを提供する。
// 1つのインスタンスが1つのデータベースの台帳を担当する。
type MigrationService struct {
	repo MigrationRepository
	db   *gorm.DB
	opts MigrationOptions

	mu         sync.RWMutex
	migrations map[string]*domain.Migration
}

// NewMigrationService は新しいMigrationServiceを生成する。
func NewMigrationService(repo MigrationRepository, db *gorm.DB, opts MigrationOptions) *MigrationService {
	if opts.ChecksumPolicy == "" {
		opts.ChecksumPolicy = domain.ChecksumPolicyAbort
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MigrationService{
		repo:       repo,
		db:         db,
		opts:       opts,
		migrations: make(map[string]*domain.Migration),
	}
}

// Clone は登録済みマイグレーションと設定を引き継いだ、別のデータベース用のMigrationServiceを返す。
func (s *MigrationService) Clone(repo MigrationRepository, db *gorm.DB) *MigrationService {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := NewMigrationService(repo, db, s.opts)
	for id, m := range s.migrations {
		c.migrations[id] = m
	}
	return c
}

// Register はマイグレーションを登録する。チェックサムが未設定なら計算する。
func (s *MigrationService) Register(m *domain.Migration) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("%w: migration id is required", domain.ErrInvalidMigrationFile)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.migrations[m.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateMigration, m.ID)
	}
	if m.Checksum == "" {
		m.Checksum = m.ComputeChecksum()
	}
	s.migrations[m.ID] = m
	return nil
}

// RegisterAll は複数のマイグレーションを登録する。
func (s *MigrationService) RegisterAll(ms []*domain.Migration) error {
	for _, m := range ms {
		if err := s.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *MigrationService) lookup(id string) (*domain.Migration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.migrations[id]
	return m, ok
}

// ordered は登録済みマイグレーションを依存関係順で返す。
func (s *MigrationService) ordered() ([]*domain.Migration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := graph.New()
	for id, m := range s.migrations {
		g.AddNode(id)
		for _, dep := range m.DependsOn {
			g.AddEdge(id, dep)
		}
	}
	order, err := g.Sort()
	if err != nil {
		var cycleErr *graph.CycleError
		if errors.As(err, &cycleErr) {
			return nil, &domain.CyclicDependencyError{Path: cycleErr.Path}
		}
		return nil, err
	}
	out := make([]*domain.Migration, len(order))
	for i, id := range order {
		out[i] = s.migrations[id]
	}
	return out, nil
}

func (s *MigrationService) appliedIndex(ctx context.Context, tx *gorm.DB) (map[string]domain.MigrationRecord, error) {
	records, err := s.repo.FindAll(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch applied migrations: %w", err)
	}
	index := make(map[string]domain.MigrationRecord, len(records))
	for _, rec := range records {
		index[rec.ID] = rec
	}
	return index, nil
}

// Pending は未適用のマイグレーションを依存関係順（同順位はID順）で返す。
func (s *MigrationService) Pending(ctx context.Context) ([]*domain.Migration, error) {
	all, err := s.ordered()
	if err != nil {
		slog.ErrorContext(ctx, "failed to resolve migration order",
			"operation", "pending",
			"error", err,
		)
		return nil, err
	}
	applied, err := s.appliedIndex(ctx, nil)
	if err != nil {
		return nil, err
	}

	var pending []*domain.Migration
	for _, m := range all {
		if _, ok := applied[m.ID]; !ok {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// Status は登録済みの全マイグレーションを適用状態付きでID順に返す。
func (s *MigrationService) Status(ctx context.Context) ([]*domain.Migration, error) {
	applied, err := s.appliedIndex(ctx, nil)
	if err != nil {
		slog.ErrorContext(ctx, "failed to fetch applied migrations",
			"operation", "status",
			"error", err,
		)
		return nil, err
	}

	s.mu.RLock()
	out := make([]*domain.Migration, 0, len(s.migrations))
	for _, m := range s.migrations {
		view := *m
		view.Status = domain.MigrationStatusPending
		view.AppliedAt = nil
		if rec, ok := applied[m.ID]; ok {
			at := rec.AppliedAt
			view.Status = domain.MigrationStatusApplied
			view.AppliedAt = &at
		}
		out = append(out, &view)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// checkDrift は適用済みマイグレーションのチェックサムを検証する。
// warnの場合はログに出力してnilを返し、abortの場合は最初の不一致を返す。
func (s *MigrationService) checkDrift(ctx context.Context, applied map[string]domain.MigrationRecord) error {
	ids := make([]string, 0, len(applied))
	for id := range applied {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		m, ok := s.lookup(id)
		if !ok || m.Checksum == applied[id].Checksum {
			continue
		}
		if err := s.onChecksumMismatch(ctx, m, applied[id]); err != nil {
			return err
		}
	}
	return nil
}

func (s *MigrationService) onChecksumMismatch(ctx context.Context, m *domain.Migration, rec domain.MigrationRecord) error {
	mismatch := &domain.ChecksumMismatchError{MigrationID: m.ID, Recorded: rec.Checksum, Current: m.Checksum}
	if s.opts.ChecksumPolicy == domain.ChecksumPolicyWarn {
		slog.WarnContext(ctx, "applied migration has been modified",
			"operation", "checksum_check",
			"migration_id", m.ID,
			"recorded_checksum", rec.Checksum,
			"current_checksum", m.Checksum,
		)
		return nil
	}
	slog.ErrorContext(ctx, "applied migration has been modified",
		"operation", "checksum_check",
		"migration_id", m.ID,
		"error", mismatch,
	)
	return mismatch
}

// Apply は単一のマイグレーションをトランザクション内で適用する。
// 適用済みでチェックサムが一致する場合は何もしない。
func (s *MigrationService) Apply(ctx context.Context, id string) (err error) {
	m, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrMigrationNotFound, id)
	}

	ctx, span := infra.StartSpan(ctx, "migration.apply", attribute.String("migration.id", id))
	start := time.Now()
	defer func() {
		s.opts.Metrics.RecordMigration("apply", err, time.Since(start))
		infra.EndSpan(span, err)
	}()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 台帳テーブルは最初のマイグレーションより先に存在している必要がある
		if err := s.repo.EnsureTable(ctx, tx); err != nil {
			return err
		}
		applied, err := s.appliedIndex(ctx, tx)
		if err != nil {
			return err
		}
		if rec, ok := applied[m.ID]; ok {
			if rec.Checksum != m.Checksum {
				if err := s.onChecksumMismatch(ctx, m, rec); err != nil {
					return err
				}
			}
			return errAlreadyApplied
		}

		var missing []string
		for _, dep := range m.DependsOn {
			if _, ok := applied[dep]; !ok {
				missing = append(missing, dep)
			}
		}
		if len(missing) > 0 {
			return &domain.UnsatisfiedDependencyError{MigrationID: m.ID, Missing: missing}
		}

		if err := s.execScript(ctx, tx, m.ID, m.UpScript); err != nil {
			return err
		}
		for i, tr := range m.Transforms {
			if err := runTransform(ctx, tx, tr); err != nil {
				return fmt.Errorf("data transform %d on %s: %w", i, tr.Table, err)
			}
		}
		for _, pc := range m.PostConditions {
			if err := evaluateExpectation(ctx, tx, pc); err != nil {
				return err
			}
		}

		return s.repo.Record(ctx, tx, domain.MigrationRecord{
			ID:        m.ID,
			Name:      m.Name,
			Version:   m.Version,
			AppliedAt: s.opts.Now().UTC(),
			Checksum:  m.Checksum,
		})
	})
	if errors.Is(err, errAlreadyApplied) {
		return nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to apply migration",
			"operation", "apply",
			"migration_id", m.ID,
			"error", err,
		)
		return fmt.Errorf("apply migration %s: %w", m.ID, err)
	}

	slog.InfoContext(ctx, "migration applied",
		"operation", "apply",
		"migration_id", m.ID,
		"name", m.Name,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (s *MigrationService) execScript(ctx context.Context, tx *gorm.DB, id, script string) error {
	script, err := sqlscript.ForDialect(script, tx.Dialector.Name())
	if err != nil {
		return fmt.Errorf("migration %s: %w", id, err)
	}
	for i, stmt := range sqlscript.Split(script) {
		if !s.opts.EnableTriggers && sqlscript.IsTrigger(stmt) {
			slog.DebugContext(ctx, "skipping trigger statement",
				"operation", "exec_script",
				"migration_id", id,
				"statement", i,
			)
			continue
		}
		if err := tx.Exec(stmt).Error; err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	return nil
}

// ApplyAll は未適用のマイグレーションを順に適用し、最初の失敗で停止する。
// 循環依存・解決できない依存・チェックサム不一致（abort時）は何も適用せずに中止する。
func (s *MigrationService) ApplyAll(ctx context.Context) (*domain.ApplyResult, error) {
	result := &domain.ApplyResult{}
	fail := func(id string, err error) (*domain.ApplyResult, error) {
		result.FailedID = id
		result.Err = err
		return result, err
	}

	applied, err := s.appliedIndex(ctx, nil)
	if err != nil {
		return fail("", err)
	}
	if err := s.checkDrift(ctx, applied); err != nil {
		var mismatch *domain.ChecksumMismatchError
		if errors.As(err, &mismatch) {
			return fail(mismatch.MigrationID, err)
		}
		return fail("", err)
	}

	pending, err := s.Pending(ctx)
	if err != nil {
		return fail("", err)
	}

	// 適用予定にも台帳にもない依存先があれば、途中まで適用する前に中止する
	planned := make(map[string]bool, len(pending))
	for _, m := range pending {
		planned[m.ID] = true
	}
	for _, m := range pending {
		var missing []string
		for _, dep := range m.DependsOn {
			if _, ok := applied[dep]; !ok && !planned[dep] {
				missing = append(missing, dep)
			}
		}
		if len(missing) > 0 {
			return fail(m.ID, &domain.UnsatisfiedDependencyError{MigrationID: m.ID, Missing: missing})
		}
	}

	for _, m := range pending {
		if err := s.Apply(ctx, m.ID); err != nil {
			return fail(m.ID, err)
		}
		result.Applied = append(result.Applied, m.ID)
	}

	if len(result.Applied) > 0 {
		slog.InfoContext(ctx, "migrations applied",
			"operation", "apply_all",
			"count", len(result.Applied),
		)
	}
	return result, nil
}

// Rollback は適用済みマイグレーションをトランザクション内で取り消す。
// 適用済みの他のマイグレーションが依存している場合は取り消さない。
func (s *MigrationService) Rollback(ctx context.Context, id string) (err error) {
	m, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrMigrationNotFound, id)
	}

	ctx, span := infra.StartSpan(ctx, "migration.rollback", attribute.String("migration.id", id))
	start := time.Now()
	defer func() {
		s.opts.Metrics.RecordMigration("rollback", err, time.Since(start))
		infra.EndSpan(span, err)
	}()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applied, err := s.appliedIndex(ctx, tx)
		if err != nil {
			return err
		}
		if _, ok := applied[id]; !ok {
			return fmt.Errorf("%w: %s is not applied", domain.ErrMigrationNotFound, id)
		}

		var dependents []string
		for appliedID := range applied {
			other, ok := s.lookup(appliedID)
			if ok && slices.Contains(other.DependsOn, id) {
				dependents = append(dependents, appliedID)
			}
		}
		if len(dependents) > 0 {
			slices.Sort(dependents)
			return &domain.UnsatisfiedDependencyError{MigrationID: id, Dependents: dependents}
		}

		if err := s.execScript(ctx, tx, id, m.DownScript); err != nil {
			return err
		}
		return s.repo.Delete(ctx, tx, id)
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to rollback migration",
			"operation", "rollback",
			"migration_id", id,
			"error", err,
		)
		return fmt.Errorf("rollback migration %s: %w", id, err)
	}

	slog.InfoContext(ctx, "migration rolled back",
		"operation", "rollback",
		"migration_id", id,
	)
	return nil
}

// Reset は適用済みのマイグレーションを依存関係の逆順ですべて取り消す。
// 取り消したIDを返す。
func (s *MigrationService) Reset(ctx context.Context) ([]string, error) {
	all, err := s.ordered()
	if err != nil {
		return nil, err
	}
	applied, err := s.appliedIndex(ctx, nil)
	if err != nil {
		return nil, err
	}

	var rolledBack []string
	for i := len(all) - 1; i >= 0; i-- {
		m := all[i]
		if _, ok := applied[m.ID]; !ok {
			continue
		}
		if err := s.Rollback(ctx, m.ID); err != nil {
			return rolledBack, err
		}
		rolledBack = append(rolledBack, m.ID)
	}

	for id := range applied {
		if _, ok := s.lookup(id); !ok {
			slog.WarnContext(ctx, "ledger entry without registered migration left in place",
				"operation", "reset",
				"migration_id", id,
			)
		}
	}
	return rolledBack, nil
}

// Validate は台帳と登録済みマイグレーションの整合性と、登録済みの自己診断チェックを確認する。
func (s *MigrationService) Validate(ctx context.Context) (*domain.ValidationReport, error) {
	report := &domain.ValidationReport{CheckedAt: s.opts.Now().UTC()}
	applied, err := s.appliedIndex(ctx, nil)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(applied))
	for id := range applied {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		rec := applied[id]
		m, ok := s.lookup(id)
		if !ok {
			report.Issues = append(report.Issues, domain.ValidationIssue{
				Kind:        "orphan",
				MigrationID: id,
				Message:     fmt.Sprintf("ledger entry %s has no registered migration", id),
			})
			continue
		}
		if m.Checksum != rec.Checksum {
			report.Issues = append(report.Issues, domain.ValidationIssue{
				Kind:        "checksum",
				MigrationID: id,
				Message:     (&domain.ChecksumMismatchError{MigrationID: id, Recorded: rec.Checksum, Current: m.Checksum}).Error(),
			})
		}
		for _, dep := range m.DependsOn {
			if _, ok := applied[dep]; !ok {
				report.Issues = append(report.Issues, domain.ValidationIssue{
					Kind:        "dependency",
					MigrationID: id,
					Message:     fmt.Sprintf("%s is applied but its dependency %s is not", id, dep),
				})
			}
		}
	}

	for _, check := range s.opts.SelfChecks {
		if check.RequiresMigration != "" {
			if _, ok := applied[check.RequiresMigration]; !ok {
				continue
			}
		}
		if err := evaluateExpectation(ctx, s.db.WithContext(ctx), check); err != nil {
			report.Issues = append(report.Issues, domain.ValidationIssue{
				Kind:    "check",
				Message: err.Error(),
			})
		}
	}

	if !report.OK() {
		slog.WarnContext(ctx, "migration validation found issues",
			"operation", "validate",
			"issues", len(report.Issues),
		)
	}
	return report, nil
}

// evaluateExpectation はチェックを実行し、期待値と一致しなければ *ValidationFailedError を返す。
func evaluateExpectation(ctx context.Context, db *gorm.DB, e domain.Expectation) error {
	out, err := e.Check.Evaluate(ctx, db)
	if err != nil {
		return &domain.ValidationFailedError{Name: e.Name, Expected: e.Expected, Err: err}
	}
	if !integrity.Compare(out.Value, e.Expected) {
		return &domain.ValidationFailedError{Name: e.Name, Expected: e.Expected, Actual: out.Value}
	}
	return nil
}
