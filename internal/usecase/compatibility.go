package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"regulatory-dbkit/internal/domain"

	"gorm.io/gorm"
)

// CheckCompatibility は提案スキーマを実スキーマと比較する。
// 必須カラムの欠落と、参照先の存在しない外部キーを報告する。
func CheckCompatibility(ctx context.Context, proposed *domain.SchemaCatalog, db *gorm.DB) (*domain.CompatibilityReport, error) {
	live, err := DescribeSchema(ctx, db)
	if err != nil {
		slog.ErrorContext(ctx, "failed to describe live schema", "operation", "check_compatibility", "error", err)
		return nil, err
	}

	report := &domain.CompatibilityReport{}
	if proposed == nil {
		return report, nil
	}
	for _, table := range proposed.Tables {
		table := table
		liveTable, ok := live.Table(table.Name)
		if !ok {
			report.MissingTables = append(report.MissingTables, table.Name)
			continue
		}
		for _, col := range table.RequiredColumns() {
			if _, ok := liveTable.Column(col); !ok {
				report.MissingColumns = append(report.MissingColumns, table.Name+"."+col)
			}
		}
		for _, fk := range table.ForeignKeys {
			ref := fmt.Sprintf("%s.%s -> %s.%s", table.Name, fk.Column, fk.RefTable, fk.RefColumn)
			refTable, ok := live.Table(fk.RefTable)
			if !ok {
				report.DanglingForeignKeys = append(report.DanglingForeignKeys, ref)
				continue
			}
			if _, ok := refTable.Column(fk.RefColumn); !ok {
				report.DanglingForeignKeys = append(report.DanglingForeignKeys, ref)
			}
		}
	}

	if !report.Compatible() {
		slog.WarnContext(ctx, "schema is not compatible", "operation", "check_compatibility", "detail", report.String())
	}
	return report, nil
}
