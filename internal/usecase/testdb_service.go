package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/infra"
	"regulatory-dbkit/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Provisioner はテストインスタンス用のデータベースを作成・破棄する。
type Provisioner interface {
	Provision(ctx context.Context, id string) (*gorm.DB, string, error)
	Destroy(ctx context.Context, db *gorm.DB, location string) error
}

// TagLocker はタグ単位の排他制御を提供する。
type TagLocker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// TestDBOptions はテスト用DBのライフサイクル設定。
type TestDBOptions struct {
	Isolation    domain.IsolationLevel
	Cleanup      domain.CleanupStrategy
	SeedOnSetup  bool
	SeedScenario string
}

// TestDBDeps はTestDBServiceの依存関係。
type TestDBDeps struct {
	Provisioner Provisioner
	// Migrations は登録済みのマイグレーション一式。インスタンスごとに複製して使う。
	Migrations    *MigrationService
	NewRepository func(db *gorm.DB) MigrationRepository
	Catalog       *domain.SchemaCatalog
	Generator     SeedGenerator
	Integrity     *IntegrityService
	Strategy      SnapshotStrategy
	Locker        TagLocker
	Metrics       *metrics.Collector
	Now           func() time.Time
}

var errInstanceClosed = errors.New("test instance is being cleaned up")

type testInstance struct {
	mu         sync.RWMutex
	info       domain.TestInstance
	db         *gorm.DB
	migrations *MigrationService
	seeds      *SeedService
	snapshots  map[string]*domain.Snapshot

	ctx    context.Context
	cancel context.CancelFunc
}

// bind は呼び出し元のctxに、インスタンスのクリーンアップによるキャンセルを合成する。
func (i *testInstance) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(i.ctx, func() { cancel(errInstanceClosed) })
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

// usable は操作可能な状態かを確認する。呼び出し元がロックを保持していること。
func (i *testInstance) usable() error {
	switch i.info.Status {
	case domain.InstanceStatusActive, domain.InstanceStatusIdle:
		return nil
	}
	var cause error
	if i.info.LastError != "" {
		cause = errors.New(i.info.LastError)
	}
	return &domain.InstanceError{InstanceID: i.info.ID, Status: i.info.Status, Cause: cause}
}

// TestDBService はテスト用データベースインスタンスのライフサイクルを管理する。
// 同じタグのSetupは直列化され、インスタンスごとに読み取りと書き込みを排他する。
type TestDBService struct {
	deps TestDBDeps
	opts TestDBOptions

	mu        sync.Mutex
	instances map[string]*testInstance
	byTag     map[string]string
	statuses  map[string]domain.InstanceStatus
}

// NewTestDBService は新しいTestDBServiceを生成する。
func NewTestDBService(deps TestDBDeps, opts TestDBOptions) *TestDBService {
	if deps.Locker == nil {
		deps.Locker = infra.NewKeyedLock()
	}
	if deps.Strategy == nil {
		deps.Strategy = RowDumpStrategy{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.Isolation == "" {
		opts.Isolation = domain.IsolationTest
	}
	if opts.Cleanup == "" {
		opts.Cleanup = domain.CleanupTruncate
	}
	return &TestDBService{
		deps:      deps,
		opts:      opts,
		instances: make(map[string]*testInstance),
		byTag:     make(map[string]string),
		statuses:  make(map[string]domain.InstanceStatus),
	}
}

// Options はライフサイクル設定を返す。
func (s *TestDBService) Options() TestDBOptions {
	return s.opts
}

// Setup はタグに対応するアクティブなインスタンスを再利用するか、新しく作成する。
// 再利用した場合は返り値のReusedがtrueになる。
// 新規作成時はマイグレーションをすべて適用し、設定に応じてシードを投入する。
func (s *TestDBService) Setup(ctx context.Context, suiteTag, fileTag string) (_ *domain.TestInstance, err error) {
	if suiteTag == "" {
		return nil, errors.New("suite tag is required")
	}
	tag := domain.InstanceTag(suiteTag, fileTag)
	ctx, span := infra.StartSpan(ctx, "testdb.setup", attribute.String("testdb.tag", tag))
	defer func() { infra.EndSpan(span, err) }()

	release, err := s.deps.Locker.Acquire(ctx, tag)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	existing := s.instances[s.byTag[tag]]
	s.mu.Unlock()
	if existing != nil {
		existing.mu.Lock()
		if existing.usable() == nil {
			existing.info.LastUsedAt = s.deps.Now()
			s.setStatus(existing, domain.InstanceStatusActive)
			info := existing.info
			existing.mu.Unlock()
			info.Reused = true
			return &info, nil
		}
		existing.mu.Unlock()
	}

	return s.provision(ctx, suiteTag, fileTag)
}

func (s *TestDBService) provision(ctx context.Context, suiteTag, fileTag string) (*domain.TestInstance, error) {
	id := uuid.NewString()
	db, location, err := s.deps.Provisioner.Provision(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("provision test database: %w", err)
	}

	now := s.deps.Now()
	ictx, cancel := context.WithCancel(context.Background())
	inst := &testInstance{
		info: domain.TestInstance{
			ID:         id,
			Location:   location,
			SuiteTag:   suiteTag,
			FileTag:    fileTag,
			CreatedAt:  now,
			LastUsedAt: now,
		},
		db:        db,
		snapshots: make(map[string]*domain.Snapshot),
		ctx:       ictx,
		cancel:    cancel,
	}
	s.bindServices(inst)

	inst.mu.Lock()
	defer inst.mu.Unlock()

	s.mu.Lock()
	s.instances[id] = inst
	s.byTag[inst.info.Tag()] = id
	s.mu.Unlock()
	s.setStatus(inst, domain.InstanceStatusUninitialized)

	opCtx, stop := inst.bind(ctx)
	defer stop()
	if err := s.initialize(opCtx, inst); err != nil {
		return nil, s.fail(ctx, inst, "setup", err)
	}

	s.setStatus(inst, domain.InstanceStatusActive)
	slog.InfoContext(ctx, "test instance provisioned",
		"operation", "setup",
		"instance_id", id,
		"tag", inst.info.Tag(),
		"location", location,
	)
	info := inst.info
	return &info, nil
}

func (s *TestDBService) bindServices(inst *testInstance) {
	inst.migrations = s.deps.Migrations.Clone(s.deps.NewRepository(inst.db), inst.db)
	inst.seeds = NewSeedService(inst.db, s.deps.Catalog, s.deps.Generator, s.deps.Metrics)
}

// initialize はマイグレーションを適用し、設定に応じてシードを投入する。
func (s *TestDBService) initialize(ctx context.Context, inst *testInstance) error {
	if _, err := inst.migrations.ApplyAll(ctx); err != nil {
		return err
	}
	if s.opts.SeedOnSetup {
		if _, err := inst.seeds.Run(ctx, s.opts.SeedScenario); err != nil {
			return err
		}
	}
	return nil
}

// setStatus は状態を更新してメトリクスに反映する。呼び出し元がinst.muを保持していること。
func (s *TestDBService) setStatus(inst *testInstance, status domain.InstanceStatus) {
	inst.info.Status = status
	s.mu.Lock()
	s.statuses[inst.info.ID] = status
	counts := make(map[string]int)
	for _, st := range s.statuses {
		counts[string(st)]++
	}
	s.mu.Unlock()
	s.deps.Metrics.SetInstances(counts)
}

// fail はインスタンスをerror状態にし、以降の呼び出しが失敗するエラーを返す。
func (s *TestDBService) fail(ctx context.Context, inst *testInstance, operation string, cause error) error {
	inst.info.LastError = cause.Error()
	s.setStatus(inst, domain.InstanceStatusError)
	slog.ErrorContext(ctx, "test instance failed",
		"operation", operation,
		"instance_id", inst.info.ID,
		"error", cause,
	)
	return &domain.InstanceError{InstanceID: inst.info.ID, Status: domain.InstanceStatusError, Cause: cause}
}

func (s *TestDBService) lookup(id string) (*testInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, id)
	}
	return inst, nil
}

// Reset は設定された方式でデータを破棄し、マイグレーションとシードを再適用する。
// インスタンスのIDは変わらない。
func (s *TestDBService) Reset(ctx context.Context, id string) (err error) {
	inst, err := s.lookup(id)
	if err != nil {
		return err
	}
	ctx, span := infra.StartSpan(ctx, "testdb.reset",
		attribute.String("testdb.instance_id", id),
		attribute.String("testdb.strategy", string(s.opts.Cleanup)),
	)
	defer func() { infra.EndSpan(span, err) }()

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if err := inst.usable(); err != nil {
		return err
	}

	opCtx, stop := inst.bind(ctx)
	defer stop()

	switch s.opts.Cleanup {
	case domain.CleanupRecreate:
		if err := s.recreate(opCtx, inst); err != nil {
			return s.fail(ctx, inst, "reset", err)
		}
	default:
		if err := clearData(opCtx, inst.db, s.opts.Cleanup); err != nil {
			return s.fail(ctx, inst, "reset", err)
		}
		s.bindServices(inst)
	}
	if err := s.initialize(opCtx, inst); err != nil {
		return s.fail(ctx, inst, "reset", err)
	}

	inst.info.LastUsedAt = s.deps.Now()
	s.setStatus(inst, domain.InstanceStatusActive)
	slog.InfoContext(ctx, "test instance reset",
		"operation", "reset",
		"instance_id", id,
		"strategy", string(s.opts.Cleanup),
	)
	return nil
}

// recreate はデータベースを破棄して同じIDで作り直す。
func (s *TestDBService) recreate(ctx context.Context, inst *testInstance) error {
	if err := s.deps.Provisioner.Destroy(ctx, inst.db, inst.info.Location); err != nil {
		return err
	}
	db, location, err := s.deps.Provisioner.Provision(ctx, inst.info.ID)
	if err != nil {
		return err
	}
	inst.db = db
	inst.info.Location = location
	s.bindServices(inst)
	return nil
}

// clearData は子テーブルから順にすべての行を削除する。台帳は残す。
// truncateはPostgreSQLではTRUNCATE、それ以外ではDELETEで行う。
func clearData(ctx context.Context, db *gorm.DB, strategy domain.CleanupStrategy) error {
	live, err := DescribeSchema(ctx, db)
	if err != nil {
		return err
	}
	order, err := live.DeleteOrder()
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, name := range order {
			stmt := "DELETE FROM " + name
			if strategy == domain.CleanupTruncate && tx.Dialector.Name() == "postgres" {
				stmt = "TRUNCATE TABLE " + name + " CASCADE"
			}
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to clear %s: %w", name, err)
			}
		}
		return nil
	})
}

// Cleanup はインスタンスを破棄してterminated状態にする。何度呼んでもよい。
// 実行中の操作にはキャンセルを通知してから書き込みロックを待つ。
func (s *TestDBService) Cleanup(ctx context.Context, id string) (err error) {
	inst, err := s.lookup(id)
	if err != nil {
		return err
	}
	inst.cancel()

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.info.Status == domain.InstanceStatusTerminated {
		return nil
	}

	ctx, span := infra.StartSpan(ctx, "testdb.cleanup", attribute.String("testdb.instance_id", id))
	defer func() { infra.EndSpan(span, err) }()

	s.setStatus(inst, domain.InstanceStatusCleanup)
	var errs []error
	if s.opts.Cleanup != domain.CleanupRecreate {
		if err := clearData(ctx, inst.db, s.opts.Cleanup); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.deps.Provisioner.Destroy(ctx, inst.db, inst.info.Location); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return s.fail(ctx, inst, "cleanup", err)
	}

	s.mu.Lock()
	if s.byTag[inst.info.Tag()] == id {
		delete(s.byTag, inst.info.Tag())
	}
	inst.snapshots = make(map[string]*domain.Snapshot)
	s.mu.Unlock()
	s.setStatus(inst, domain.InstanceStatusTerminated)
	slog.InfoContext(ctx, "test instance cleaned up",
		"operation", "cleanup",
		"instance_id", id,
	)
	return nil
}

// Snapshot はインスタンスのスキーマとデータを取得して保持する。
func (s *TestDBService) Snapshot(ctx context.Context, id, name string) (_ *domain.Snapshot, err error) {
	inst, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	ctx, span := infra.StartSpan(ctx, "testdb.snapshot", attribute.String("testdb.instance_id", id))
	defer func() { infra.EndSpan(span, err) }()

	inst.mu.RLock()
	defer inst.mu.RUnlock()
	if err := inst.usable(); err != nil {
		return nil, err
	}

	opCtx, stop := inst.bind(ctx)
	defer stop()
	snap, err := s.deps.Strategy.Capture(opCtx, inst.db)
	if err != nil {
		slog.ErrorContext(ctx, "failed to capture snapshot",
			"operation", "snapshot",
			"instance_id", id,
			"error", err,
		)
		return nil, fmt.Errorf("capture snapshot: %w", err)
	}
	snap.InstanceID = id
	snap.Name = name

	s.mu.Lock()
	inst.snapshots[snap.ID] = snap
	s.mu.Unlock()

	slog.InfoContext(ctx, "snapshot captured",
		"operation", "snapshot",
		"instance_id", id,
		"snapshot_id", snap.ID,
		"size", snap.Size,
	)
	return snap, nil
}

// ImportSnapshot は外部から読み込んだスナップショットをインスタンスに登録する。
func (s *TestDBService) ImportSnapshot(id string, snap *domain.Snapshot) error {
	inst, err := s.lookup(id)
	if err != nil {
		return err
	}
	if snap == nil || snap.ID == "" {
		return fmt.Errorf("%w: snapshot id is required", domain.ErrSnapshotNotFound)
	}
	s.mu.Lock()
	inst.snapshots[snap.ID] = snap
	s.mu.Unlock()
	return nil
}

// Restore はデータを消去してマイグレーションを適用し直し、スナップショットのデータを投入する。
// 復元後のチェックサムがスナップショットと一致すればVerifiedになる。
func (s *TestDBService) Restore(ctx context.Context, id, snapshotID string) (_ *domain.RestoreResult, err error) {
	inst, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	ctx, span := infra.StartSpan(ctx, "testdb.restore",
		attribute.String("testdb.instance_id", id),
		attribute.String("testdb.snapshot_id", snapshotID),
	)
	defer func() { infra.EndSpan(span, err) }()

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if err := inst.usable(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	snap, ok := inst.snapshots[snapshotID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSnapshotNotFound, snapshotID)
	}

	opCtx, stop := inst.bind(ctx)
	defer stop()
	start := time.Now()

	if _, err := inst.migrations.Reset(opCtx); err != nil {
		return nil, s.fail(ctx, inst, "restore", err)
	}
	if _, err := inst.migrations.ApplyAll(opCtx); err != nil {
		return nil, s.fail(ctx, inst, "restore", err)
	}
	inserted, err := s.deps.Strategy.Restore(opCtx, inst.db, snap)
	if err != nil {
		return nil, s.fail(ctx, inst, "restore", err)
	}
	after, err := s.deps.Strategy.Capture(opCtx, inst.db)
	if err != nil {
		return nil, s.fail(ctx, inst, "restore", err)
	}
	inst.seeds = NewSeedService(inst.db, s.deps.Catalog, s.deps.Generator, s.deps.Metrics)

	result := &domain.RestoreResult{
		SnapshotID: snapshotID,
		Inserted:   inserted,
		Checksum:   after.Checksum,
		Verified:   after.Checksum == snap.Checksum,
		Duration:   time.Since(start),
	}
	if !result.Verified {
		slog.WarnContext(ctx, "restored data does not match snapshot checksum",
			"operation", "restore",
			"instance_id", id,
			"snapshot_id", snapshotID,
			"expected", snap.Checksum,
			"actual", after.Checksum,
		)
	}
	inst.info.LastUsedAt = s.deps.Now()
	s.setStatus(inst, domain.InstanceStatusActive)
	return result, nil
}

// Statistics はテーブルごとの行数とサイズを集計する。
func (s *TestDBService) Statistics(ctx context.Context, id string) (*domain.InstanceStatistics, error) {
	inst, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	if err := inst.usable(); err != nil {
		return nil, err
	}

	opCtx, stop := inst.bind(ctx)
	defer stop()
	tables, err := UserTables(opCtx, inst.db)
	if err != nil {
		return nil, err
	}

	stats := make([]domain.TableStats, len(tables))
	g, gctx := errgroup.WithContext(opCtx)
	for i, name := range tables {
		i, name := i, name
		g.Go(func() error {
			st, err := tableStats(gctx, inst.db, name)
			if err != nil {
				return err
			}
			stats[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.ErrorContext(ctx, "failed to collect statistics",
			"operation", "statistics",
			"instance_id", id,
			"error", err,
		)
		return nil, err
	}

	out := &domain.InstanceStatistics{InstanceID: id, Tables: stats, CollectedAt: s.deps.Now()}
	for _, st := range stats {
		out.TotalRows += st.Rows
		out.TotalBytes += st.Bytes
	}
	return out, nil
}

// tableStats は行数とデータサイズを取得する。SQLiteでは値の長さの合計を概算値とする。
func tableStats(ctx context.Context, db *gorm.DB, table string) (domain.TableStats, error) {
	db = db.WithContext(ctx)
	st := domain.TableStats{Table: table}
	if err := db.Table(table).Count(&st.Rows).Error; err != nil {
		return st, fmt.Errorf("failed to count %s: %w", table, err)
	}

	var bytes *int64
	switch db.Dialector.Name() {
	case "postgres":
		if err := db.Raw("SELECT pg_total_relation_size(?)", table).Scan(&bytes).Error; err != nil {
			return st, fmt.Errorf("failed to size %s: %w", table, err)
		}
	case "mysql":
		err := db.Raw(`SELECT data_length + index_length FROM information_schema.tables
WHERE table_schema = DATABASE() AND table_name = ?`, table).Scan(&bytes).Error
		if err != nil {
			return st, fmt.Errorf("failed to size %s: %w", table, err)
		}
	default:
		columns, err := db.Migrator().ColumnTypes(table)
		if err != nil {
			return st, fmt.Errorf("failed to read columns of %s: %w", table, err)
		}
		if len(columns) == 0 {
			break
		}
		expr := ""
		for i, c := range columns {
			if i > 0 {
				expr += " + "
			}
			expr += fmt.Sprintf("COALESCE(LENGTH(%s), 0)", c.Name())
		}
		if err := db.Raw(fmt.Sprintf("SELECT COALESCE(SUM(%s), 0) FROM %s", expr, table)).Scan(&bytes).Error; err != nil {
			return st, fmt.Errorf("failed to size %s: %w", table, err)
		}
	}
	if bytes != nil {
		st.Bytes = *bytes
	}
	return st, nil
}

// Get はインスタンスの現在の状態を返す。
func (s *TestDBService) Get(id string) (*domain.TestInstance, error) {
	inst, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	info := inst.info
	return &info, nil
}

// List はすべてのインスタンスを作成順に返す。
func (s *TestDBService) List() []domain.TestInstance {
	s.mu.Lock()
	insts := make([]*testInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		insts = append(insts, inst)
	}
	s.mu.Unlock()

	out := make([]domain.TestInstance, 0, len(insts))
	for _, inst := range insts {
		inst.mu.RLock()
		out = append(out, inst.info)
		inst.mu.RUnlock()
	}
	slices.SortFunc(out, func(a, b domain.TestInstance) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Release はアクティブなインスタンスをidle状態に戻す。
func (s *TestDBService) Release(id string) error {
	inst, err := s.lookup(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if err := inst.usable(); err != nil {
		return err
	}
	inst.info.LastUsedAt = s.deps.Now()
	s.setStatus(inst, domain.InstanceStatusIdle)
	return nil
}

// ReclaimIdle はmaxIdle以上使われていないidleインスタンスを破棄し、そのIDを返す。
func (s *TestDBService) ReclaimIdle(ctx context.Context, maxIdle time.Duration) ([]string, error) {
	now := s.deps.Now()
	var candidates []string
	for _, info := range s.List() {
		if info.Status == domain.InstanceStatusIdle && now.Sub(info.LastUsedAt) >= maxIdle {
			candidates = append(candidates, info.ID)
		}
	}

	var reclaimed []string
	var errs []error
	for _, id := range candidates {
		if err := s.Cleanup(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		reclaimed = append(reclaimed, id)
	}
	if len(reclaimed) > 0 {
		slog.InfoContext(ctx, "idle test instances reclaimed",
			"operation", "reclaim_idle",
			"count", len(reclaimed),
		)
	}
	return reclaimed, errors.Join(errs...)
}

// Evaluate はインスタンスに対して整合性ルールを評価する。rulesがnilなら既定のルールを使う。
func (s *TestDBService) Evaluate(ctx context.Context, id string, rules []domain.IntegrityRule) (*domain.IntegrityReport, error) {
	inst, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	if err := inst.usable(); err != nil {
		return nil, err
	}
	opCtx, stop := inst.bind(ctx)
	defer stop()
	return s.deps.Integrity.Evaluate(opCtx, rules, inst.db), nil
}

// DB はインスタンスのデータベース接続を返す。
func (s *TestDBService) DB(id string) (*gorm.DB, error) {
	inst, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	if err := inst.usable(); err != nil {
		return nil, err
	}
	return inst.db, nil
}

// Migrations はインスタンスのMigrationServiceを返す。
func (s *TestDBService) Migrations(id string) (*MigrationService, error) {
	inst, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	if err := inst.usable(); err != nil {
		return nil, err
	}
	return inst.migrations, nil
}
