package domain

import (
	"fmt"
	"strings"
	"time"
)

// StepResult はパイプラインの1ステップの結果を表す。
type StepResult struct {
	Name     string
	Success  bool
	Detail   string
	Duration time.Duration
}

// InitializationReport は初期化パイプライン全体の結果を表す。
type InitializationReport struct {
	Steps     []StepResult
	Success   bool
	Migration *ApplyResult
	Seed      *SeedRunResult
	Integrity *IntegrityReport
	Baseline  *Snapshot
	Duration  time.Duration
}

// FailedStep は最初に失敗したステップを返す。
func (r *InitializationReport) FailedStep() (StepResult, bool) {
	for _, s := range r.Steps {
		if !s.Success {
			return s, true
		}
	}
	return StepResult{}, false
}

// Messages はステップごとの結果を1行ずつ返す。
func (r *InitializationReport) Messages() []string {
	out := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		state := "ok"
		if !s.Success {
			state = "failed"
		}
		out = append(out, fmt.Sprintf("%s: %s (%s)", s.Name, state, s.Detail))
	}
	return out
}

// CompatibilityReport は提案スキーマと実スキーマの比較結果を表す。
type CompatibilityReport struct {
	MissingTables       []string
	MissingColumns      []string
	DanglingForeignKeys []string
}

// Compatible は問題が見つからなかったかどうかを返す。
func (r *CompatibilityReport) Compatible() bool {
	return len(r.MissingTables) == 0 && len(r.MissingColumns) == 0 && len(r.DanglingForeignKeys) == 0
}

// String は見つかった問題の要約を返す。
func (r *CompatibilityReport) String() string {
	if r.Compatible() {
		return "schema compatible"
	}
	var parts []string
	if len(r.MissingTables) > 0 {
		parts = append(parts, "missing tables: "+strings.Join(r.MissingTables, ", "))
	}
	if len(r.MissingColumns) > 0 {
		parts = append(parts, "missing columns: "+strings.Join(r.MissingColumns, ", "))
	}
	if len(r.DanglingForeignKeys) > 0 {
		parts = append(parts, "dangling foreign keys: "+strings.Join(r.DanglingForeignKeys, ", "))
	}
	return strings.Join(parts, "; ")
}
