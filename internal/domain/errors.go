package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateMigration は同じIDのマイグレーションが既に登録されている場合のエラー。
	ErrDuplicateMigration = errors.New("duplicate migration")

	// ErrCyclicDependency はマイグレーションの依存関係に循環がある場合のエラー。
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrUnsatisfiedDependency は依存先のマイグレーションが未適用の場合のエラー。
	ErrUnsatisfiedDependency = errors.New("unsatisfied dependency")

	// ErrChecksumMismatch は適用済みマイグレーションの内容が変更されている場合のエラー。
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrValidationFailed は事後条件や検証クエリが期待値と一致しない場合のエラー。
	ErrValidationFailed = errors.New("validation failed")

	// ErrMigrationNotFound は指定されたマイグレーションが存在しない場合のエラー。
	ErrMigrationNotFound = errors.New("migration not found")

	// ErrInstanceNotFound はテストインスタンスが存在しないか利用できない場合のエラー。
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrSnapshotNotFound は指定されたスナップショットが存在しない場合のエラー。
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSeedExecution はシードデータの投入に失敗した場合のエラー。
	ErrSeedExecution = errors.New("seed execution failed")

	// ErrIntegrityRuleExecution は整合性ルールのチェック実行に失敗した場合のエラー。
	ErrIntegrityRuleExecution = errors.New("integrity rule execution failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")

	// ErrInvalidRule は整合性ルールの定義が不正な場合のエラー。
	ErrInvalidRule = errors.New("invalid integrity rule")
)

// CyclicDependencyError は循環を構成するノードの経路を保持する。
type CyclicDependencyError struct {
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Path, " -> "))
}

func (e *CyclicDependencyError) Is(target error) bool {
	return target == ErrCyclicDependency
}

// UnsatisfiedDependencyError は満たされていない依存関係を表す。
type UnsatisfiedDependencyError struct {
	MigrationID string
	Missing     []string
	// Dependents が空でない場合、ロールバック対象に依存する適用済みマイグレーションを表す。
	Dependents []string
}

func (e *UnsatisfiedDependencyError) Error() string {
	if len(e.Dependents) > 0 {
		return fmt.Sprintf("unsatisfied dependency: %s is required by applied migrations %s",
			e.MigrationID, strings.Join(e.Dependents, ", "))
	}
	return fmt.Sprintf("unsatisfied dependency: %s requires %s", e.MigrationID, strings.Join(e.Missing, ", "))
}

func (e *UnsatisfiedDependencyError) Is(target error) bool {
	return target == ErrUnsatisfiedDependency
}

// ChecksumMismatchError は記録済みと現在のチェックサムを保持する。
type ChecksumMismatchError struct {
	MigrationID string
	Recorded    string
	Current     string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for migration %s: recorded %s, current %s",
		e.MigrationID, shortSum(e.Recorded), shortSum(e.Current))
}

func (e *ChecksumMismatchError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

func shortSum(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// ValidationFailedError は期待値と実際の値の不一致を表す。
type ValidationFailedError struct {
	Name     string
	Expected any
	Actual   any
	Err      error
}

func (e *ValidationFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("validation failed: %s: expected %v, got %v", e.Name, e.Expected, e.Actual)
}

func (e *ValidationFailedError) Is(target error) bool {
	return target == ErrValidationFailed
}

func (e *ValidationFailedError) Unwrap() error {
	return e.Err
}

// RecordError はシード投入時の1レコード分の失敗を表す。
type RecordError struct {
	Table string
	Index int
	Err   error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("%s[%d]: %v", e.Table, e.Index, e.Err)
}

// SeedExecutionError はレコード単位の失敗をまとめて保持する。
type SeedExecutionError struct {
	ScriptID string
	Records  []RecordError
	Err      error
}

func (e *SeedExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("seed execution failed: script %s: %v", e.ScriptID, e.Err)
	}
	return fmt.Sprintf("seed execution failed: script %s: %d record errors", e.ScriptID, len(e.Records))
}

func (e *SeedExecutionError) Is(target error) bool {
	return target == ErrSeedExecution
}

func (e *SeedExecutionError) Unwrap() error {
	return e.Err
}

// IntegrityRuleExecutionError はルールのチェック実行中に発生したエラーまたはパニックを表す。
type IntegrityRuleExecutionError struct {
	RuleID string
	Err    error
}

func (e *IntegrityRuleExecutionError) Error() string {
	return fmt.Sprintf("integrity rule %s: %v", e.RuleID, e.Err)
}

func (e *IntegrityRuleExecutionError) Is(target error) bool {
	return target == ErrIntegrityRuleExecution
}

func (e *IntegrityRuleExecutionError) Unwrap() error {
	return e.Err
}

// InstanceError は利用できない状態のテストインスタンスに対する操作を表す。
type InstanceError struct {
	InstanceID string
	Status     InstanceStatus
	Cause      error
}

func (e *InstanceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("instance %s is %s: %v", e.InstanceID, e.Status, e.Cause)
	}
	return fmt.Sprintf("instance %s is %s", e.InstanceID, e.Status)
}

func (e *InstanceError) Is(target error) bool {
	return target == ErrInstanceNotFound
}

func (e *InstanceError) Unwrap() error {
	return e.Cause
}
