package usecase

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"regulatory-dbkit/internal/catalog"
	"regulatory-dbkit/internal/domain"

	"gorm.io/gorm"
)

// fkRow は外部キー情報の取得結果。
type fkRow struct {
	Column    string `gorm:"column:from_column"`
	RefTable  string `gorm:"column:ref_table"`
	RefColumn string `gorm:"column:ref_column"`
	OnDelete  string `gorm:"column:on_delete"`
}

// sqliteFKRow はPRAGMA foreign_key_listの結果。
type sqliteFKRow struct {
	Table    string `gorm:"column:table"`
	From     string `gorm:"column:from"`
	To       string `gorm:"column:to"`
	OnDelete string `gorm:"column:on_delete"`
}

// UserTables は台帳とシステムテーブルを除いたテーブル名を名前順で返す。
func UserTables(ctx context.Context, db *gorm.DB) ([]string, error) {
	tables, err := db.WithContext(ctx).Migrator().GetTables()
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		if t == catalog.LedgerTable || strings.HasPrefix(t, "sqlite_") {
			continue
		}
		out = append(out, t)
	}
	slices.Sort(out)
	return out, nil
}

// DescribeSchema は稼働中のデータベースからスキーマの記述を読み取る。
func DescribeSchema(ctx context.Context, db *gorm.DB) (*domain.SchemaCatalog, error) {
	db = db.WithContext(ctx)
	tables, err := UserTables(ctx, db)
	if err != nil {
		return nil, err
	}

	schema := &domain.SchemaCatalog{}
	for _, name := range tables {
		table := domain.TableSchema{Name: name}

		columnTypes, err := db.Migrator().ColumnTypes(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read columns of %s: %w", name, err)
		}
		for _, ct := range columnTypes {
			col := domain.ColumnSchema{Name: ct.Name(), Type: strings.ToUpper(ct.DatabaseTypeName())}
			if nullable, ok := ct.Nullable(); ok {
				col.Nullable = nullable
			}
			if primary, ok := ct.PrimaryKey(); ok {
				col.PrimaryKey = primary
			}
			if def, ok := ct.DefaultValue(); ok {
				col.Default = def
			}
			table.Columns = append(table.Columns, col)
		}

		indexes, err := db.Migrator().GetIndexes(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read indexes of %s: %w", name, err)
		}
		for _, idx := range indexes {
			unique, _ := idx.Unique()
			table.Indexes = append(table.Indexes, domain.IndexSchema{Name: idx.Name(), Columns: idx.Columns(), Unique: unique})
		}
		slices.SortFunc(table.Indexes, func(a, b domain.IndexSchema) int { return strings.Compare(a.Name, b.Name) })

		fks, err := foreignKeys(db, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read foreign keys of %s: %w", name, err)
		}
		table.ForeignKeys = fks
		schema.Tables = append(schema.Tables, table)
	}
	return schema, nil
}

func foreignKeys(db *gorm.DB, table string) ([]domain.ForeignKey, error) {
	var rows []fkRow
	switch db.Dialector.Name() {
	case "sqlite":
		var raw []sqliteFKRow
		if err := db.Raw(fmt.Sprintf("PRAGMA foreign_key_list(%q)", table)).Scan(&raw).Error; err != nil {
			return nil, err
		}
		for _, r := range raw {
			rows = append(rows, fkRow{Column: r.From, RefTable: r.Table, RefColumn: r.To, OnDelete: r.OnDelete})
		}
	case "postgres":
		err := db.Raw(`SELECT kcu.column_name AS from_column, ccu.table_name AS ref_table,
       ccu.column_name AS ref_column, rc.delete_rule AS on_delete
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
JOIN information_schema.referential_constraints rc
  ON rc.constraint_name = tc.constraint_name AND rc.constraint_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_name = ? AND tc.table_schema = current_schema()`, table).Scan(&rows).Error
		if err != nil {
			return nil, err
		}
	case "mysql":
		err := db.Raw(`SELECT kcu.column_name AS from_column, kcu.referenced_table_name AS ref_table,
       kcu.referenced_column_name AS ref_column, rc.delete_rule AS on_delete
FROM information_schema.key_column_usage kcu
JOIN information_schema.referential_constraints rc
  ON rc.constraint_name = kcu.constraint_name AND rc.constraint_schema = kcu.table_schema
WHERE kcu.table_schema = DATABASE() AND kcu.table_name = ? AND kcu.referenced_table_name IS NOT NULL`, table).Scan(&rows).Error
		if err != nil {
			return nil, err
		}
	}

	fks := make([]domain.ForeignKey, 0, len(rows))
	for _, r := range rows {
		onDelete := strings.ToUpper(r.OnDelete)
		if onDelete == "NO ACTION" {
			onDelete = ""
		}
		fks = append(fks, domain.ForeignKey{Column: r.Column, RefTable: r.RefTable, RefColumn: r.RefColumn, OnDelete: onDelete})
	}
	slices.SortFunc(fks, func(a, b domain.ForeignKey) int { return strings.Compare(a.Column, b.Column) })
	return fks, nil
}
