// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"gorm.io/gorm"

	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/usecase"
	"regulatory-dbkit/pkg/httputil"
)

// StatusHandler はマイグレーションと整合性の状態を返すHTTPハンドラを提供する。
type StatusHandler struct {
	db         *gorm.DB
	migrations *usecase.MigrationService
	integrity  *usecase.IntegrityService

	mu     sync.RWMutex
	report *domain.InitializationReport
}

// NewStatusHandler は新しいStatusHandlerを生成する。
func NewStatusHandler(db *gorm.DB, migrations *usecase.MigrationService, integrity *usecase.IntegrityService) *StatusHandler {
	return &StatusHandler{db: db, migrations: migrations, integrity: integrity}
}

// SetInitializationReport は起動時の初期化結果を設定する。
func (h *StatusHandler) SetInitializationReport(r *domain.InitializationReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.report = r
}

// HealthResponse はヘルスチェックのレスポンス形式。
type HealthResponse struct {
	Status      string   `json:"status"`
	Database    string   `json:"database"`
	Initialized bool     `json:"initialized"`
	Steps       []string `json:"steps,omitempty"`
}

// MigrationResponse はマイグレーションのレスポンス形式。
type MigrationResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Status      string   `json:"status"`
	Checksum    string   `json:"checksum"`
	AppliedAt   string   `json:"applied_at,omitempty"`
}

// MigrationListResponse はマイグレーション一覧のレスポンス形式。
type MigrationListResponse struct {
	Migrations []MigrationResponse `json:"migrations"`
}

// IntegrityResultResponse はルール1件の評価結果のレスポンス形式。
type IntegrityResultResponse struct {
	RuleID          string           `json:"rule_id"`
	Category        string           `json:"category"`
	Severity        string           `json:"severity"`
	Table           string           `json:"table,omitempty"`
	Passed          bool             `json:"passed"`
	Actual          any              `json:"actual"`
	Expected        any              `json:"expected"`
	AffectedRecords int64            `json:"affected_records"`
	Samples         []map[string]any `json:"samples,omitempty"`
	Error           string           `json:"error,omitempty"`
	Remediation     string           `json:"remediation,omitempty"`
}

// IntegrityReportResponse は整合性レポートのレスポンス形式。
type IntegrityReportResponse struct {
	Total           int                       `json:"total"`
	Passed          int                       `json:"passed"`
	Failed          int                       `json:"failed"`
	Score           int                       `json:"score"`
	ByCategory      map[string]int            `json:"score_by_category"`
	Results         []IntegrityResultResponse `json:"results"`
	Recommendations []string                  `json:"recommendations"`
	GeneratedAt     string                    `json:"generated_at"`
}

// Health はデータベース接続と初期化結果を返す。
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	report := h.report
	h.mu.RUnlock()

	resp := HealthResponse{Status: "ok", Database: "ok"}
	if report != nil {
		resp.Initialized = report.Success
		resp.Steps = report.Messages()
	}

	status := http.StatusOK
	if err := ping(r.Context(), h.db); err != nil {
		slog.ErrorContext(r.Context(), "database ping failed", "operation", "health", "error", err)
		resp.Status, resp.Database = "unavailable", "unreachable"
		status = http.StatusServiceUnavailable
	} else if report != nil && !report.Success {
		resp.Status = "degraded"
	}
	httputil.JSON(w, status, resp)
}

func ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// ListMigrations は登録済みの全マイグレーションを適用状態付きで返す。
func (h *StatusHandler) ListMigrations(w http.ResponseWriter, r *http.Request) {
	migrations, err := h.migrations.Status(r.Context())
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read migration status")
		return
	}
	httputil.JSON(w, http.StatusOK, toMigrationList(migrations))
}

// ListPendingMigrations は未適用のマイグレーションを適用順で返す。
func (h *StatusHandler) ListPendingMigrations(w http.ResponseWriter, r *http.Request) {
	pending, err := h.migrations.Pending(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to compute pending migrations", "operation", "pending", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to compute pending migrations")
		return
	}
	httputil.JSON(w, http.StatusOK, toMigrationList(pending))
}

// Integrity は整合性ルールを評価する。categoryクエリで対象カテゴリを絞り込める。
func (h *StatusHandler) Integrity(w http.ResponseWriter, r *http.Request) {
	var report *domain.IntegrityReport
	if c := r.URL.Query().Get("category"); c != "" {
		category := domain.Category(c)
		if !category.Valid() {
			httputil.Error(w, http.StatusBadRequest, "INVALID_CATEGORY", "unknown integrity category")
			return
		}
		report = h.integrity.EvaluateCategory(r.Context(), category, h.db)
	} else {
		report = h.integrity.Evaluate(r.Context(), nil, h.db)
	}
	httputil.JSON(w, http.StatusOK, toIntegrityReport(report))
}

func toMigrationList(ms []*domain.Migration) MigrationListResponse {
	out := MigrationListResponse{Migrations: make([]MigrationResponse, 0, len(ms))}
	for _, m := range ms {
		resp := MigrationResponse{
			ID:          m.ID,
			Name:        m.Name,
			Version:     m.Version,
			Description: m.Description,
			DependsOn:   m.DependsOn,
			Status:      string(m.Status),
			Checksum:    m.Checksum,
		}
		if resp.Status == "" {
			resp.Status = string(domain.MigrationStatusPending)
		}
		if m.AppliedAt != nil {
			resp.AppliedAt = m.AppliedAt.UTC().Format(time.RFC3339)
		}
		out.Migrations = append(out.Migrations, resp)
	}
	return out
}

func toIntegrityReport(report *domain.IntegrityReport) IntegrityReportResponse {
	out := IntegrityReportResponse{
		Total:           report.Total,
		Passed:          report.Passed,
		Failed:          report.Failed,
		Score:           report.Score,
		ByCategory:      make(map[string]int, len(report.ByCategory)),
		Results:         make([]IntegrityResultResponse, 0, len(report.Results)),
		Recommendations: report.Recommendations,
		GeneratedAt:     report.GeneratedAt.Format(time.RFC3339),
	}
	for c, cs := range report.ByCategory {
		out.ByCategory[string(c)] = cs.Score
	}
	for _, res := range report.Results {
		item := IntegrityResultResponse{
			RuleID:          res.RuleID,
			Category:        string(res.Category),
			Severity:        string(res.Severity),
			Table:           res.Table,
			Passed:          res.Passed,
			Actual:          res.Actual,
			Expected:        res.Expected,
			AffectedRecords: res.AffectedRecords,
			Samples:         res.Samples,
			Remediation:     res.Remediation,
		}
		if res.Err != nil {
			item.Error = res.Err.Error()
		}
		out.Results = append(out.Results, item)
	}
	return out
}
