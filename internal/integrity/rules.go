package integrity

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"regulatory-dbkit/internal/domain"

	"gorm.io/gorm"
)

// DefaultRules はカタログから生成したスキーマ・参照整合性ルールと、組み込みのルールセットを返す。
func DefaultRules(cat *domain.SchemaCatalog) ([]domain.IntegrityRule, error) {
	builtin, err := builtinRules()
	if err != nil {
		return nil, fmt.Errorf("failed to load builtin rules: %w", err)
	}
	rules := SchemaRules(cat)
	rules = append(rules, RelationshipRules(cat)...)
	return append(rules, builtin...), nil
}

// SchemaRules はテーブルごとに、必須カラムが実スキーマに存在し値が入っていることを確認するルールを返す。
func SchemaRules(cat *domain.SchemaCatalog) []domain.IntegrityRule {
	var rules []domain.IntegrityRule
	for _, t := range cat.Tables {
		t := t
		required := t.RequiredColumns()
		if len(required) == 0 {
			continue
		}
		rules = append(rules, domain.IntegrityRule{
			ID:          "schema_" + t.Name + "_required",
			Description: fmt.Sprintf("%s has required columns %s populated", t.Name, strings.Join(required, ", ")),
			Category:    domain.CategorySchema,
			Severity:    domain.SeverityError,
			Table:       t.Name,
			Check:       RequiredFieldsCheck(t.Name, required),
			Expected:    0,
			Remediation: fmt.Sprintf("Apply pending migrations and backfill required fields on %s.", t.Name),
		})
	}
	return rules
}

// RequiredFieldsCheck は存在しない必須カラム数と、必須カラムが空の行数の合計を返すチェック。
func RequiredFieldsCheck(table string, columns []string) FuncCheck {
	return func(ctx context.Context, db *gorm.DB) (*domain.CheckOutcome, error) {
		db = db.WithContext(ctx)
		if !db.Migrator().HasTable(table) {
			return &domain.CheckOutcome{
				Value:   int64(len(columns)),
				Samples: []map[string]any{{"table": table, "missing": "table"}},
			}, nil
		}
		types, err := db.Migrator().ColumnTypes(table)
		if err != nil {
			return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
		}
		present := make(map[string]bool, len(types))
		textual := make(map[string]bool, len(types))
		for _, ct := range types {
			name := strings.ToLower(ct.Name())
			present[name] = true
			typ := strings.ToUpper(ct.DatabaseTypeName())
			textual[name] = strings.Contains(typ, "CHAR") || strings.Contains(typ, "TEXT")
		}

		var missing, populated []string
		for _, c := range columns {
			if present[strings.ToLower(c)] {
				populated = append(populated, c)
			} else {
				missing = append(missing, c)
			}
		}
		out := &domain.CheckOutcome{}
		for _, c := range missing {
			out.Samples = append(out.Samples, map[string]any{"table": table, "missing": c})
		}
		if len(populated) > 0 {
			conds := make([]string, len(populated))
			for i, c := range populated {
				if textual[strings.ToLower(c)] {
					conds[i] = fmt.Sprintf("%s IS NULL OR %s = ''", c, c)
				} else {
					conds[i] = c + " IS NULL"
				}
			}
			where := strings.Join(conds, " OR ")
			var empty int64
			if err := db.Table(table).Where(where).Count(&empty).Error; err != nil {
				return nil, fmt.Errorf("failed to count empty required fields on %s: %w", table, err)
			}
			out.AffectedRecords = empty
			if empty > 0 {
				var rows []map[string]any
				if err := db.Table(table).Where(where).Limit(DefaultSampleLimit).Find(&rows).Error; err != nil {
					return nil, fmt.Errorf("failed to sample empty required fields on %s: %w", table, err)
				}
				out.Samples = append(out.Samples, limitRows(rows, DefaultSampleLimit)...)
			}
		}
		out.Value = int64(len(missing)) + out.AffectedRecords
		return out, nil
	}
}

// RelationshipRules は外部キーごとに孤立レコードを検出するルールを返す。
func RelationshipRules(cat *domain.SchemaCatalog) []domain.IntegrityRule {
	var rules []domain.IntegrityRule
	for _, t := range cat.Tables {
		for _, fk := range t.ForeignKeys {
			from := fmt.Sprintf(
				"FROM %s c LEFT JOIN %s p ON c.%s = p.%s WHERE c.%s IS NOT NULL AND p.%s IS NULL",
				t.Name, fk.RefTable, fk.Column, fk.RefColumn, fk.Column, fk.RefColumn,
			)
			rules = append(rules, domain.IntegrityRule{
				ID:          fmt.Sprintf("orphan_%s_%s", t.Name, fk.Column),
				Description: fmt.Sprintf("%s.%s references an existing %s.%s", t.Name, fk.Column, fk.RefTable, fk.RefColumn),
				Category:    domain.CategoryRelationship,
				Severity:    domain.SeverityError,
				Table:       t.Name,
				Column:      fk.Column,
				Check: &QueryCheck{
					Query:       "SELECT COUNT(*) " + from,
					Violations:  true,
					SampleQuery: "SELECT c.* " + from,
				},
				Expected:    0,
				Remediation: fmt.Sprintf("Delete or re-parent %s rows whose %s has no matching %s.", t.Name, fk.Column, fk.RefTable),
			})
		}
	}
	return rules
}

// FilterByCategory は指定カテゴリのルールだけを返す。
func FilterByCategory(rules []domain.IntegrityRule, category domain.Category) []domain.IntegrityRule {
	var out []domain.IntegrityRule
	for _, r := range rules {
		if r.Category == category {
			out = append(out, r)
		}
	}
	return out
}

// Score は成功率を整数のパーセンテージで返す。ルールがない場合は100。
func Score(passed, total int) int {
	if total == 0 {
		return 100
	}
	return passed * 100 / total
}

// Summarize は結果を集計してレポートを作る。
func Summarize(results []domain.IntegrityResult) *domain.IntegrityReport {
	report := &domain.IntegrityReport{
		Results:    results,
		Total:      len(results),
		ByCategory: make(map[domain.Category]domain.CategoryScore),
	}
	for _, res := range results {
		cs := report.ByCategory[res.Category]
		cs.Total++
		if res.Passed {
			report.Passed++
			cs.Passed++
		} else {
			report.Failed++
			cs.Failed++
		}
		report.ByCategory[res.Category] = cs
	}
	for cat, cs := range report.ByCategory {
		cs.Score = Score(cs.Passed, cs.Total)
		report.ByCategory[cat] = cs
	}
	report.Score = Score(report.Passed, report.Total)
	report.Recommendations = Recommend(report)
	return report
}

var categoryTemplates = map[domain.Category]string{
	domain.CategorySchema:       "Schema: %d rule(s) failed. Apply pending migrations and backfill required fields.",
	domain.CategoryConstraint:   "Constraints: %d rule(s) failed. Correct out-of-range or invalid enumerated values.",
	domain.CategoryRelationship: "Relationships: %d rule(s) failed. Remove orphaned records or restore their parents.",
	domain.CategoryFormat:       "Format: %d rule(s) failed. Normalize values that do not match the expected pattern.",
	domain.CategoryBusiness:     "Business rules: %d rule(s) failed. Review the flagged records with the regulatory team.",
}

// Recommend はレポートから決まった文面の推奨事項を生成する。
func Recommend(report *domain.IntegrityReport) []string {
	if report.Failed == 0 {
		return []string{"No issues found. Data integrity checks passed."}
	}

	var out []string
	if n := report.FailedErrors(); n > 0 {
		out = append(out, fmt.Sprintf("Fix immediately: %d error-severity rule(s) failed.", n))
	}
	for _, cat := range domain.Categories() {
		if cs := report.ByCategory[cat]; cs.Failed > 0 {
			out = append(out, fmt.Sprintf(categoryTemplates[cat], cs.Failed))
		}
	}

	failed := make([]domain.IntegrityResult, 0, report.Failed)
	for _, res := range report.Results {
		if !res.Passed && res.Remediation != "" {
			failed = append(failed, res)
		}
	}
	sort.SliceStable(failed, func(i, j int) bool { return failed[i].RuleID < failed[j].RuleID })
	for _, res := range failed {
		out = append(out, fmt.Sprintf("%s: %s", res.RuleID, res.Remediation))
	}
	return out
}
