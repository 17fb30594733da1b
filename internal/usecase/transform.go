package usecase

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/integrity"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gorm.io/gorm"
)

// runTransform はマイグレーションに付随するデータ変換を実行する。
func runTransform(ctx context.Context, tx *gorm.DB, tr domain.DataTransform) error {
	if tr.Table == "" {
		return fmt.Errorf("transform table is required")
	}
	db := tx.WithContext(ctx)

	switch tr.Kind {
	case domain.TransformInsert:
		for i, row := range tr.Rows {
			if err := insertRow(db, tr.Table, row); err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
		}
		return nil

	case domain.TransformUpdate:
		if tr.Where == "" {
			return fmt.Errorf("update on %s requires a where clause", tr.Table)
		}
		return db.Table(tr.Table).Where(tr.Where, tr.Args...).Updates(tr.Set).Error

	case domain.TransformDelete:
		if tr.Where == "" {
			return fmt.Errorf("delete on %s requires a where clause", tr.Table)
		}
		return db.Exec("DELETE FROM "+tr.Table+" WHERE "+tr.Where, tr.Args...).Error

	case domain.TransformRow:
		return transformRows(db, tr)

	default:
		return fmt.Errorf("unknown transform kind %q", tr.Kind)
	}
}

// transformRows は各行に列ごとの式を評価し、値が変わった列だけを更新する。
func transformRows(db *gorm.DB, tr domain.DataTransform) error {
	if tr.Key == "" {
		return fmt.Errorf("row transform on %s requires a key column", tr.Table)
	}
	columns := sortedKeys(tr.Expressions)
	programs := make(map[string]*vm.Program, len(columns))
	for _, col := range columns {
		program, err := expr.Compile(tr.Expressions[col], expr.AllowUndefinedVariables())
		if err != nil {
			return fmt.Errorf("compile expression for %s.%s: %w", tr.Table, col, err)
		}
		programs[col] = program
	}

	q := db.Table(tr.Table)
	if tr.Where != "" {
		q = q.Where(tr.Where, tr.Args...)
	}
	var rows []map[string]any
	if err := q.Find(&rows).Error; err != nil {
		return fmt.Errorf("load rows from %s: %w", tr.Table, err)
	}

	for _, row := range rows {
		env := integrity.NormalizeRow(row)
		changes := make(map[string]any)
		for _, col := range columns {
			value, err := expr.Run(programs[col], env)
			if err != nil {
				return fmt.Errorf("evaluate %s.%s for %v: %w", tr.Table, col, env[tr.Key], err)
			}
			if !integrity.Compare(env[col], value) {
				changes[col] = value
			}
		}
		if len(changes) == 0 {
			continue
		}
		if err := db.Table(tr.Table).Where(tr.Key+" = ?", row[tr.Key]).Updates(changes).Error; err != nil {
			return fmt.Errorf("update %s %v: %w", tr.Table, env[tr.Key], err)
		}
	}
	return nil
}

// insertRow は1行をINSERTする。カラムは名前順に並べる。
func insertRow(db *gorm.DB, table string, row map[string]any) error {
	if len(row) == 0 {
		return fmt.Errorf("empty row for %s", table)
	}
	columns := sortedKeys(row)
	values := make([]any, len(columns))
	for i, col := range columns {
		values[i] = row[col]
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), placeholders)
	return db.Exec(stmt, values...).Error
}

// sortedKeys はマップのキーを昇順に並べて返す。
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
