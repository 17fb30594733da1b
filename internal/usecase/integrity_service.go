package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/infra"
	"regulatory-dbkit/internal/integrity"
	"regulatory-dbkit/internal/metrics"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// IntegrityService は整合性ルールを評価してレポートを作成する。
// チェックは読み取りのみで、対象テーブルを変更しない。
type IntegrityService struct {
	rules       []domain.IntegrityRule
	concurrency int
	metrics     *metrics.Collector
}

// NewIntegrityService は新しいIntegrityServiceを生成する。rulesは既定のルールセット。
func NewIntegrityService(rules []domain.IntegrityRule, concurrency int, m *metrics.Collector) *IntegrityService {
	if concurrency < 1 {
		concurrency = 1
	}
	return &IntegrityService{rules: rules, concurrency: concurrency, metrics: m}
}

// Rules は既定のルールセットを返す。
func (s *IntegrityService) Rules() []domain.IntegrityRule {
	return s.rules
}

// Evaluate はルールを並行に評価する。ルール内のエラーやパニックは失敗した結果として記録し、
// 他のルールの評価は継続する。rulesがnilの場合は既定のルールセットを使う。
func (s *IntegrityService) Evaluate(ctx context.Context, rules []domain.IntegrityRule, db *gorm.DB) *domain.IntegrityReport {
	if rules == nil {
		rules = s.rules
	}
	ctx, span := infra.StartSpan(ctx, "integrity.evaluate", attribute.Int("integrity.rules", len(rules)))
	defer span.End()

	start := time.Now()
	results := make([]domain.IntegrityResult, len(rules))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, rule := range rules {
		i, rule := i, rule
		g.Go(func() error {
			results[i] = evaluateRule(ctx, rule, db)
			return nil
		})
	}
	_ = g.Wait()

	report := integrity.Summarize(results)
	report.GeneratedAt = time.Now().UTC()
	report.Duration = time.Since(start)

	for _, res := range results {
		s.metrics.RecordIntegrityRule(string(res.Category), res.Passed)
	}
	s.metrics.SetIntegrityScore(report.Score)

	span.SetAttributes(attribute.Int("integrity.score", report.Score))
	slog.InfoContext(ctx, "integrity evaluation completed",
		"operation", "evaluate",
		"total", report.Total,
		"failed", report.Failed,
		"score", report.Score,
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report
}

// EvaluateCategory は既定のルールセットのうち指定カテゴリのルールだけを評価する。
func (s *IntegrityService) EvaluateCategory(ctx context.Context, category domain.Category, db *gorm.DB) *domain.IntegrityReport {
	rules := integrity.FilterByCategory(s.rules, category)
	if rules == nil {
		rules = []domain.IntegrityRule{}
	}
	return s.Evaluate(ctx, rules, db)
}

func evaluateRule(ctx context.Context, rule domain.IntegrityRule, db *gorm.DB) (res domain.IntegrityResult) {
	res = domain.IntegrityResult{
		RuleID:      rule.ID,
		Category:    rule.Category,
		Severity:    rule.Severity,
		Table:       rule.Table,
		Expected:    rule.Expected,
		Remediation: rule.Remediation,
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Passed = false
			res.Err = &domain.IntegrityRuleExecutionError{RuleID: rule.ID, Err: fmt.Errorf("panic: %v", r)}
		}
		res.Duration = time.Since(start)
		if res.Err != nil {
			slog.WarnContext(ctx, "integrity rule could not be evaluated",
				"operation", "evaluate_rule",
				"rule_id", rule.ID,
				"error", res.Err,
			)
		}
	}()

	if rule.Check == nil {
		res.Err = &domain.IntegrityRuleExecutionError{RuleID: rule.ID, Err: fmt.Errorf("rule has no check")}
		return res
	}
	out, err := rule.Check.Evaluate(ctx, db)
	if err != nil {
		res.Err = &domain.IntegrityRuleExecutionError{RuleID: rule.ID, Err: err}
		return res
	}
	res.Actual = out.Value
	res.AffectedRecords = out.AffectedRecords
	res.Samples = out.Samples
	res.Passed = integrity.Compare(out.Value, rule.Expected)
	return res
}
