package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Category は整合性ルールの分類を表す。
type Category string

const (
	CategorySchema       Category = "schema"
	CategoryConstraint   Category = "constraint"
	CategoryRelationship Category = "relationship"
	CategoryBusiness     Category = "business"
	CategoryFormat       Category = "format"
)

// Categories は全カテゴリをレポートの表示順で返す。
func Categories() []Category {
	return []Category{CategorySchema, CategoryConstraint, CategoryRelationship, CategoryFormat, CategoryBusiness}
}

// Valid はカテゴリが定義済みかを返す。
func (c Category) Valid() bool {
	for _, v := range Categories() {
		if c == v {
			return true
		}
	}
	return false
}

// Severity は整合性ルールの重要度を表す。
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Valid は重要度が定義済みかを返す。
func (s Severity) Valid() bool {
	return s == SeverityError || s == SeverityWarning || s == SeverityInfo
}

// CheckOutcome はチェック実行で得られた値と違反レコードの情報を表す。
type CheckOutcome struct {
	Value           any
	AffectedRecords int64
	Samples         []map[string]any
}

// Check はストアに対して評価され値を返すチェック。
// 実装はパラメータ付きクエリ、行述語、プログラム的な述語のいずれでもよい。
type Check interface {
	Evaluate(ctx context.Context, db *gorm.DB) (*CheckOutcome, error)
}

// IntegrityRule は整合性ルールの定義を表す。
type IntegrityRule struct {
	ID          string
	Description string
	Category    Category
	Severity    Severity
	Table       string
	Column      string
	Check       Check
	Expected    any
	Remediation string
}

// IntegrityResult はルール1件の評価結果を表す。
type IntegrityResult struct {
	RuleID          string
	Category        Category
	Severity        Severity
	Table           string
	Passed          bool
	Actual          any
	Expected        any
	AffectedRecords int64
	Samples         []map[string]any
	Duration        time.Duration
	Err             error
	Remediation     string
}

// CategoryScore はカテゴリ単位の集計を表す。
type CategoryScore struct {
	Total  int
	Passed int
	Failed int
	Score  int
}

// IntegrityReport はルールセット評価の集計結果を表す。
type IntegrityReport struct {
	Results         []IntegrityResult
	Total           int
	Passed          int
	Failed          int
	Score           int
	ByCategory      map[Category]CategoryScore
	Recommendations []string
	GeneratedAt     time.Time
	Duration        time.Duration
}

// FailedErrors は失敗したerror重要度のルール数を返す。
func (r *IntegrityReport) FailedErrors() int {
	n := 0
	for _, res := range r.Results {
		if !res.Passed && res.Severity == SeverityError {
			n++
		}
	}
	return n
}
