package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"regulatory-dbkit/internal/catalog"
	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/integrity"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SnapshotStrategy はスナップショットの取得と復元の方式を表す。
type SnapshotStrategy interface {
	// Capture はスキーマとデータを読み取ってスナップショットを作る。
	Capture(ctx context.Context, db *gorm.DB) (*domain.Snapshot, error)
	// Restore は既存データを消去し、スナップショットの行を投入する。
	Restore(ctx context.Context, db *gorm.DB, snap *domain.Snapshot) (map[string]int, error)
}

// RowDumpStrategy は全行をメモリ上に展開するSnapshotStrategy。
type RowDumpStrategy struct{}

// Capture はすべてのユーザーテーブルの行を読み取る。
func (RowDumpStrategy) Capture(ctx context.Context, db *gorm.DB) (*domain.Snapshot, error) {
	schema, err := DescribeSchema(ctx, db)
	if err != nil {
		return nil, err
	}

	tables := make(map[string][]map[string]any, len(schema.Tables))
	for _, name := range schema.TableNames() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rows []map[string]any
		if err := db.WithContext(ctx).Table(name).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to dump %s: %w", name, err)
		}
		normalized := make([]map[string]any, len(rows))
		for i, row := range rows {
			normalized[i] = integrity.NormalizeRow(row)
		}
		tables[name] = normalized
	}

	checksum, size, err := SnapshotChecksum(tables)
	if err != nil {
		return nil, err
	}
	return &domain.Snapshot{
		ID:        uuid.NewString(),
		Schema:    schema,
		Tables:    tables,
		Size:      size,
		Checksum:  checksum,
		CreatedAt: time.Now(),
	}, nil
}

// Restore は1つのトランザクションで子テーブルから削除し、親テーブルから投入する。
func (RowDumpStrategy) Restore(ctx context.Context, db *gorm.DB, snap *domain.Snapshot) (map[string]int, error) {
	if snap == nil {
		return nil, domain.ErrSnapshotNotFound
	}

	live, err := DescribeSchema(ctx, db)
	if err != nil {
		return nil, err
	}
	deleteOrder, err := live.DeleteOrder()
	if err != nil {
		return nil, err
	}
	insertOrder, err := restoreOrder(snap)
	if err != nil {
		return nil, err
	}

	inserted := make(map[string]int, len(snap.Tables))
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, name := range deleteOrder {
			if err := tx.Exec("DELETE FROM " + name).Error; err != nil {
				return fmt.Errorf("failed to clear %s: %w", name, err)
			}
		}
		for _, name := range insertOrder {
			for i, row := range snap.Tables[name] {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := insertRow(tx, name, integrity.NormalizeRow(row)); err != nil {
					return fmt.Errorf("failed to restore %s row %d: %w", name, i, err)
				}
			}
			inserted[name] = len(snap.Tables[name])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// restoreOrder はスナップショットのスキーマから投入順を決める。
// スキーマに無いテーブルは名前順で最後に並ぶ。
func restoreOrder(snap *domain.Snapshot) ([]string, error) {
	var order []string
	if snap.Schema != nil {
		o, err := snap.Schema.InsertOrder()
		if err != nil {
			return nil, err
		}
		order = o
	}
	var rest []string
	for name := range snap.Tables {
		if !slices.Contains(order, name) {
			rest = append(rest, name)
		}
	}
	slices.Sort(rest)
	out := make([]string, 0, len(order)+len(rest))
	for _, name := range order {
		if _, ok := snap.Tables[name]; ok {
			out = append(out, name)
		}
	}
	return append(out, rest...), nil
}

// SnapshotChecksum は行の並びに依存しないデータのチェックサムとバイト数を返す。
// マイグレーション台帳は対象外。
func SnapshotChecksum(tables map[string][]map[string]any) (string, int64, error) {
	names := make([]string, 0, len(tables))
	for name := range tables {
		if name == catalog.LedgerTable {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)

	h := sha256.New()
	var size int64
	for _, name := range names {
		rows := make([]string, 0, len(tables[name]))
		for _, row := range tables[name] {
			b, err := json.Marshal(integrity.NormalizeRow(row))
			if err != nil {
				return "", 0, fmt.Errorf("failed to encode %s row: %w", name, err)
			}
			size += int64(len(b))
			rows = append(rows, string(b))
		}
		slices.Sort(rows)
		h.Write([]byte(name))
		h.Write([]byte{0})
		for _, r := range rows {
			h.Write([]byte(r))
			h.Write([]byte{'\n'})
		}
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
