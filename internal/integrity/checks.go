// Package integrity は整合性ルールのチェック実装とルールセットを提供する。
package integrity

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"sync"
	"time"

	"regulatory-dbkit/internal/domain"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gorm.io/gorm"
)

// DefaultSampleLimit は違反サンプルとして保持する最大件数。
const DefaultSampleLimit = 5

// QueryCheck は単一の値を返すSQLクエリで評価するチェック。
type QueryCheck struct {
	Query string
	Args  []any
	// Violations がtrueの場合、クエリの値を違反レコード数として扱う。
	Violations  bool
	SampleQuery string
	SampleArgs  []any
	SampleLimit int
}

// Evaluate はクエリを実行して値を返す。
func (c *QueryCheck) Evaluate(ctx context.Context, db *gorm.DB) (*domain.CheckOutcome, error) {
	var raw any
	if err := db.WithContext(ctx).Raw(c.Query, c.Args...).Row().Scan(&raw); err != nil {
		return nil, fmt.Errorf("failed to run check query: %w", err)
	}
	out := &domain.CheckOutcome{Value: NormalizeValue(raw)}
	if c.Violations {
		if n, ok := toFloat(out.Value); ok {
			out.AffectedRecords = int64(n)
		}
	}

	if c.SampleQuery != "" && (!c.Violations || out.AffectedRecords > 0) {
		var rows []map[string]any
		if err := db.WithContext(ctx).Raw(c.SampleQuery, c.SampleArgs...).Scan(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to run sample query: %w", err)
		}
		out.Samples = limitRows(rows, c.SampleLimit)
	}
	return out, nil
}

// PredicateCheck はテーブルの各行に式を評価し、偽となった行を違反として数える。
// 式はexpr-lang/exprの構文で、行の各カラムを変数として参照できる。
type PredicateCheck struct {
	Table       string
	Expression  string
	Where       string
	WhereArgs   []any
	SampleLimit int

	once    sync.Once
	program *vm.Program
	err     error
}

// NewPredicateCheck は式をコンパイルしてPredicateCheckを生成する。
func NewPredicateCheck(table, expression string) (*PredicateCheck, error) {
	c := &PredicateCheck{Table: table, Expression: expression}
	if _, err := c.compile(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *PredicateCheck) compile() (*vm.Program, error) {
	c.once.Do(func() {
		c.program, c.err = expr.Compile(c.Expression, expr.AsBool(), expr.AllowUndefinedVariables())
		if c.err != nil {
			c.err = fmt.Errorf("%w: %s: %v", domain.ErrInvalidRule, c.Expression, c.err)
		}
	})
	return c.program, c.err
}

// Evaluate は違反行の数を値として返す。
func (c *PredicateCheck) Evaluate(ctx context.Context, db *gorm.DB) (*domain.CheckOutcome, error) {
	program, err := c.compile()
	if err != nil {
		return nil, err
	}

	q := db.WithContext(ctx).Table(c.Table)
	if c.Where != "" {
		q = q.Where(c.Where, c.WhereArgs...)
	}
	var rows []map[string]any
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load rows from %s: %w", c.Table, err)
	}

	var violations []map[string]any
	for _, row := range rows {
		env := NormalizeRow(row)
		result, err := expr.Run(program, env)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate %q: %w", c.Expression, err)
		}
		if ok, _ := result.(bool); !ok {
			violations = append(violations, env)
		}
	}

	return &domain.CheckOutcome{
		Value:           int64(len(violations)),
		AffectedRecords: int64(len(violations)),
		Samples:         limitRows(violations, c.SampleLimit),
	}, nil
}

// FuncCheck は任意の関数で評価するチェック。
type FuncCheck func(ctx context.Context, db *gorm.DB) (*domain.CheckOutcome, error)

// Evaluate は関数を呼び出す。
func (f FuncCheck) Evaluate(ctx context.Context, db *gorm.DB) (*domain.CheckOutcome, error) {
	return f(ctx, db)
}

// Compare は実際の値と期待値を比較する。数値は型に関係なく値で比較する。
func Compare(actual, expected any) bool {
	actual = NormalizeValue(actual)
	expected = NormalizeValue(expected)
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	if a, ok := toFloat(actual); ok {
		if e, ok := toFloat(expected); ok {
			return math.Abs(a-e) < 1e-9
		}
	}
	if reflect.DeepEqual(actual, expected) {
		return true
	}
	return fmt.Sprint(actual) == fmt.Sprint(expected)
}

// NormalizeValue はドライバ固有の値を比較しやすい型に変換する。
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

// NormalizeRow は行の各値をNormalizeValueで変換したコピーを返す。
func NormalizeRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = NormalizeValue(v)
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func limitRows(rows []map[string]any, limit int) []map[string]any {
	if limit <= 0 {
		limit = DefaultSampleLimit
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = NormalizeRow(r)
	}
	return out
}
