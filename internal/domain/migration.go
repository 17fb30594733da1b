// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// MigrationStatus はマイグレーションの適用状態を表す
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// ChecksumPolicy は適用済みマイグレーションのチェックサム不一致時の扱いを表す。
type ChecksumPolicy string

const (
	// ChecksumPolicyWarn は不一致をログに出力して処理を継続する。
	ChecksumPolicyWarn ChecksumPolicy = "warn"
	// ChecksumPolicyAbort は不一致を検出した時点で実行全体を中止する。
	ChecksumPolicyAbort ChecksumPolicy = "abort"
)

// TransformKind はデータ変換の種類を表す。
type TransformKind string

const (
	TransformInsert TransformKind = "insert"
	TransformUpdate TransformKind = "update"
	TransformDelete TransformKind = "delete"
	TransformRow    TransformKind = "transform"
)

// DataTransform はマイグレーションに付随するデータ変換を表す。
// Expressions は列名ごとの式で、行の各列を変数として評価される。
type DataTransform struct {
	Kind        TransformKind     `json:"kind" yaml:"kind"`
	Table       string            `json:"table" yaml:"table"`
	Rows        []map[string]any  `json:"rows,omitempty" yaml:"rows,omitempty"`
	Set         map[string]any    `json:"set,omitempty" yaml:"set,omitempty"`
	Where       string            `json:"where,omitempty" yaml:"where,omitempty"`
	Args        []any             `json:"args,omitempty" yaml:"args,omitempty"`
	Key         string            `json:"key,omitempty" yaml:"key,omitempty"`
	Expressions map[string]string `json:"expressions,omitempty" yaml:"expressions,omitempty"`
}

// Expectation はチェックの結果が期待値と一致することを表明する。
// マイグレーションの事後条件と自己診断の両方で使う。
type Expectation struct {
	Name     string
	Check    Check
	Expected any
	// RequiresMigration が空でない場合、そのマイグレーションが適用済みのときだけ評価する。
	RequiresMigration string
}

// Migration はデータベースマイグレーションを表すドメインモデル
type Migration struct {
	ID             string          // 一意かつソート可能な識別子（例: "001"）
	Name           string          // マイグレーション名（例: "initial_schema"）
	Version        string          // スキーマバージョン
	Description    string          // 説明
	UpScript       string          // 適用スクリプト
	DownScript     string          // 取り消しスクリプト
	DependsOn      []string        // 先に適用が必要なマイグレーションID
	Transforms     []DataTransform // 適用時のデータ変換
	PostConditions []Expectation   // 適用後に満たすべき条件
	Checksum       string          // 内容のチェックサム
	AppliedAt      *time.Time      // 適用日時（未適用の場合はnil）
	Status         MigrationStatus // 適用状態
}

// ComputeChecksum は適用スクリプトとデータ変換からチェックサムを計算する。
func (m *Migration) ComputeChecksum() string {
	h := sha256.New()
	h.Write([]byte(m.UpScript))
	if len(m.Transforms) > 0 {
		payload, err := json.Marshal(m.Transforms)
		if err != nil {
			payload = []byte(err.Error())
		}
		h.Write([]byte{0})
		h.Write(payload)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MigrationRecord は適用済みマイグレーションの台帳エントリを表す。
type MigrationRecord struct {
	ID        string
	Name      string
	Version   string
	AppliedAt time.Time
	Checksum  string
}

// ApplyResult は一括適用の結果を表す。
type ApplyResult struct {
	Applied  []string
	FailedID string
	Err      error
}

// ValidationIssue は自己診断で見つかった問題を表す。
type ValidationIssue struct {
	Kind        string
	MigrationID string
	Message     string
}

// ValidationReport は自己診断の結果を表す。
type ValidationReport struct {
	Issues    []ValidationIssue
	CheckedAt time.Time
}

// OK は問題が見つからなかったかどうかを返す。
func (r *ValidationReport) OK() bool {
	return len(r.Issues) == 0
}
