package domain

import (
	"fmt"
	"time"
)

// TableBatch は1テーブル分の投入レコードを表す。
type TableBatch struct {
	Table string           `json:"table" yaml:"table"`
	Rows  []map[string]any `json:"rows" yaml:"rows"`
}

// SeedValidation は投入後に実行する検証クエリ。クエリは単一の値を返す。
type SeedValidation struct {
	Name     string `json:"name" yaml:"name"`
	Query    string `json:"query" yaml:"query"`
	Expected any    `json:"expected" yaml:"expected"`
}

// SeedScript はシナリオ単位のシードデータを表す。
type SeedScript struct {
	ID          string           `json:"id" yaml:"id"`
	Scenario    string           `json:"scenario" yaml:"scenario"`
	Batches     []TableBatch     `json:"batches" yaml:"batches"`
	Validations []SeedValidation `json:"validations,omitempty" yaml:"validations,omitempty"`
	Cleanup     []string         `json:"cleanup,omitempty" yaml:"cleanup,omitempty"`
	DependsOn   []string         `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// RecordCount はスクリプトに含まれるレコード総数を返す。
func (s *SeedScript) RecordCount() int {
	n := 0
	for _, b := range s.Batches {
		n += len(b.Rows)
	}
	return n
}

// ValidationOutcome は検証クエリ1件の結果を表す。
type ValidationOutcome struct {
	Name     string
	Passed   bool
	Expected any
	Actual   any
	Error    string
}

// SeedResult はシードスクリプト実行の結果を表す。
type SeedResult struct {
	ScriptID     string
	Inserted     map[string]int
	RecordErrors []RecordError
	Validations  []ValidationOutcome
	Duration     time.Duration
}

// TotalInserted は投入できたレコード総数を返す。
func (r *SeedResult) TotalInserted() int {
	n := 0
	for _, c := range r.Inserted {
		n += c
	}
	return n
}

// Err はレコード単位の失敗があれば *SeedExecutionError を返す。
func (r *SeedResult) Err() error {
	if len(r.RecordErrors) == 0 {
		return nil
	}
	return &SeedExecutionError{ScriptID: r.ScriptID, Records: r.RecordErrors}
}

// Summary は結果の要約を返す。
func (r *SeedResult) Summary() string {
	return fmt.Sprintf("script %s: %d inserted, %d record errors", r.ScriptID, r.TotalInserted(), len(r.RecordErrors))
}

// SeedRunResult は複数スクリプト実行の結果を表す。
type SeedRunResult struct {
	Results  []*SeedResult
	FailedID string
	Err      error
	Skipped  []string
}
