package domain

import "time"

// InstanceStatus はテストインスタンスの状態を表す。
type InstanceStatus string

const (
	InstanceStatusUninitialized InstanceStatus = "uninitialized"
	InstanceStatusActive        InstanceStatus = "active"
	InstanceStatusIdle          InstanceStatus = "idle"
	InstanceStatusCleanup       InstanceStatus = "cleanup"
	InstanceStatusTerminated    InstanceStatus = "terminated"
	InstanceStatusError         InstanceStatus = "error"
)

// IsolationLevel はテストインスタンスをリセットする粒度を表す。
type IsolationLevel string

const (
	IsolationNone  IsolationLevel = "none"
	IsolationTest  IsolationLevel = "test"
	IsolationSuite IsolationLevel = "suite"
	IsolationFile  IsolationLevel = "file"
)

// Valid は分離レベルが定義済みかを返す。
func (l IsolationLevel) Valid() bool {
	switch l {
	case IsolationNone, IsolationTest, IsolationSuite, IsolationFile:
		return true
	}
	return false
}

// CleanupStrategy はデータの破棄方法を表す。
type CleanupStrategy string

const (
	CleanupTruncate CleanupStrategy = "truncate"
	CleanupDelete   CleanupStrategy = "delete"
	CleanupRecreate CleanupStrategy = "recreate"
)

// Valid はクリーンアップ方式が定義済みかを返す。
func (s CleanupStrategy) Valid() bool {
	switch s {
	case CleanupTruncate, CleanupDelete, CleanupRecreate:
		return true
	}
	return false
}

// TestInstance は分離されたテスト用データベースインスタンスを表す。
type TestInstance struct {
	ID         string
	Location   string
	SuiteTag   string
	FileTag    string
	Status     InstanceStatus
	CreatedAt  time.Time
	LastUsedAt time.Time
	LastError  string
	// Reused はSetupが既存のインスタンスを返した場合にtrueになる。
	Reused bool
}

// Tag はインスタンスの所有者を表すタグを返す。
func (i *TestInstance) Tag() string {
	return InstanceTag(i.SuiteTag, i.FileTag)
}

// InstanceTag はスイートタグとファイルタグからインスタンスのキーを作る。
func InstanceTag(suiteTag, fileTag string) string {
	if fileTag == "" {
		return suiteTag
	}
	return suiteTag + "/" + fileTag
}

// Snapshot はインスタンスのスキーマとデータの複製を表す。
type Snapshot struct {
	ID         string                      `json:"id" yaml:"id"`
	InstanceID string                      `json:"instance_id" yaml:"instance_id"`
	Name       string                      `json:"name" yaml:"name"`
	Schema     *SchemaCatalog              `json:"schema" yaml:"schema"`
	Tables     map[string][]map[string]any `json:"tables" yaml:"tables"`
	Size       int64                       `json:"size" yaml:"size"`
	Checksum   string                      `json:"checksum" yaml:"checksum"`
	CreatedAt  time.Time                   `json:"created_at" yaml:"created_at"`
}

// RowCounts はテーブルごとの行数を返す。
func (s *Snapshot) RowCounts() map[string]int {
	out := make(map[string]int, len(s.Tables))
	for name, rows := range s.Tables {
		out[name] = len(rows)
	}
	return out
}

// RestoreResult はスナップショット復元の結果を表す。
type RestoreResult struct {
	SnapshotID string
	Inserted   map[string]int
	Checksum   string
	Verified   bool
	Duration   time.Duration
}

// TableStats はテーブル1つ分の統計を表す。
type TableStats struct {
	Table string
	Rows  int64
	Bytes int64
}

// InstanceStatistics はインスタンスの統計を表す。
type InstanceStatistics struct {
	InstanceID  string
	Tables      []TableStats
	TotalRows   int64
	TotalBytes  int64
	CollectedAt time.Time
}
