// Package catalog は規制対応アシスタントのスキーマカタログと組み込みマイグレーションを提供する。
package catalog

import (
	"embed"

	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/integrity"
)

// LedgerTable はマイグレーション台帳のテーブル名。
const LedgerTable = "schema_migrations"

//go:embed migrations/*.sql migrations/*.yaml
var migrationFS embed.FS

// MigrationsFS は組み込みマイグレーションのファイルシステムを返す。
func MigrationsFS() embed.FS {
	return migrationFS
}

// Migrations は組み込みマイグレーションを読み込む。
func Migrations() ([]*domain.Migration, error) {
	return LoadMigrations(migrationFS, "migrations")
}

var seedMarker = &domain.SeedMarker{Column: "id", Pattern: "seed-%"}

func col(name, typ string, nullable bool) domain.ColumnSchema {
	return domain.ColumnSchema{Name: name, Type: typ, Nullable: nullable}
}

func pk(name string) domain.ColumnSchema {
	return domain.ColumnSchema{Name: name, Type: "VARCHAR(64)", PrimaryKey: true}
}

func withDefault(c domain.ColumnSchema, def string) domain.ColumnSchema {
	c.Default = def
	return c
}

func required(c domain.ColumnSchema) domain.ColumnSchema {
	c.Required = true
	return c
}

func fkCascade(column, refTable string) domain.ForeignKey {
	return domain.ForeignKey{Column: column, RefTable: refTable, RefColumn: "id", OnDelete: "CASCADE"}
}

// Default は全マイグレーション適用後のスキーマを返す。
func Default() *domain.SchemaCatalog {
	return &domain.SchemaCatalog{Tables: []domain.TableSchema{
		{
			Name: "users",
			Columns: []domain.ColumnSchema{
				pk("id"),
				required(col("email", "VARCHAR(255)", false)),
				required(col("name", "VARCHAR(255)", false)),
				withDefault(col("role", "VARCHAR(32)", false), "'user'"),
				withDefault(col("created_at", "TIMESTAMP", false), "CURRENT_TIMESTAMP"),
			},
			Indexes: []domain.IndexSchema{
				{Name: "idx_users_role", Columns: []string{"role"}},
			},
			SeedMarker: seedMarker,
		},
		{
			Name: "projects",
			Columns: []domain.ColumnSchema{
				pk("id"),
				required(col("user_id", "VARCHAR(64)", false)),
				required(col("name", "VARCHAR(255)", false)),
				col("description", "TEXT", true),
				col("device_type", "VARCHAR(255)", true),
				col("intended_use", "TEXT", true),
				withDefault(col("status", "VARCHAR(32)", false), "'draft'"),
				withDefault(col("priority", "VARCHAR(16)", false), "'medium'"),
				withDefault(col("created_at", "TIMESTAMP", false), "CURRENT_TIMESTAMP"),
				withDefault(col("updated_at", "TIMESTAMP", false), "CURRENT_TIMESTAMP"),
			},
			Indexes: []domain.IndexSchema{
				{Name: "idx_projects_user_id", Columns: []string{"user_id"}},
				{Name: "idx_projects_status", Columns: []string{"status"}},
			},
			ForeignKeys: []domain.ForeignKey{fkCascade("user_id", "users")},
			Triggers: []domain.TriggerSchema{
				{Name: "trg_projects_updated_at", Event: "AFTER UPDATE"},
			},
			SeedMarker: seedMarker,
		},
		{
			Name: "device_classifications",
			Columns: []domain.ColumnSchema{
				pk("id"),
				required(col("project_id", "VARCHAR(64)", false)),
				required(col("device_class", "VARCHAR(8)", false)),
				col("product_code", "VARCHAR(16)", true),
				col("regulation_number", "VARCHAR(32)", true),
				required(col("regulatory_pathway", "VARCHAR(32)", false)),
				required(col("confidence_score", "REAL", false)),
				col("reasoning", "TEXT", true),
				withDefault(col("created_at", "TIMESTAMP", false), "CURRENT_TIMESTAMP"),
			},
			Indexes: []domain.IndexSchema{
				{Name: "idx_device_classifications_project_id", Columns: []string{"project_id"}},
			},
			ForeignKeys: []domain.ForeignKey{fkCascade("project_id", "projects")},
			SeedMarker:  seedMarker,
		},
		{
			Name: "predicate_devices",
			Columns: []domain.ColumnSchema{
				pk("id"),
				required(col("project_id", "VARCHAR(64)", false)),
				required(col("k_number", "VARCHAR(16)", false)),
				required(col("device_name", "VARCHAR(255)", false)),
				col("intended_use", "TEXT", true),
				col("product_code", "VARCHAR(16)", true),
				col("clearance_date", "VARCHAR(10)", true),
				required(col("confidence_score", "REAL", false)),
				withDefault(col("is_selected", "BOOLEAN", false), "FALSE"),
				withDefault(col("created_at", "TIMESTAMP", false), "CURRENT_TIMESTAMP"),
			},
			Indexes: []domain.IndexSchema{
				{Name: "idx_predicate_devices_project_id", Columns: []string{"project_id"}},
			},
			ForeignKeys: []domain.ForeignKey{fkCascade("project_id", "projects")},
			SeedMarker:  seedMarker,
		},
		{
			Name: "agent_interactions",
			Columns: []domain.ColumnSchema{
				pk("id"),
				required(col("project_id", "VARCHAR(64)", false)),
				required(col("user_id", "VARCHAR(64)", false)),
				required(col("agent_action", "VARCHAR(64)", false)),
				col("input_data", "TEXT", true),
				col("output_data", "TEXT", true),
				col("confidence_score", "REAL", true),
				col("sources", "TEXT", true),
				col("reasoning", "TEXT", true),
				withDefault(col("execution_time_ms", "INTEGER", false), "0"),
				withDefault(col("created_at", "TIMESTAMP", false), "CURRENT_TIMESTAMP"),
			},
			Indexes: []domain.IndexSchema{
				{Name: "idx_agent_interactions_project_id", Columns: []string{"project_id"}},
			},
			ForeignKeys: []domain.ForeignKey{
				fkCascade("project_id", "projects"),
				fkCascade("user_id", "users"),
			},
			SeedMarker: seedMarker,
		},
		{
			Name: "project_documents",
			Columns: []domain.ColumnSchema{
				pk("id"),
				required(col("project_id", "VARCHAR(64)", false)),
				required(col("filename", "VARCHAR(255)", false)),
				required(col("file_path", "VARCHAR(512)", false)),
				required(col("document_type", "VARCHAR(32)", false)),
				col("content_markdown", "TEXT", true),
				col("metadata", "TEXT", true),
				withDefault(col("created_at", "TIMESTAMP", false), "CURRENT_TIMESTAMP"),
				withDefault(col("updated_at", "TIMESTAMP", false), "CURRENT_TIMESTAMP"),
			},
			Indexes: []domain.IndexSchema{
				{Name: "idx_project_documents_project_id", Columns: []string{"project_id"}},
			},
			ForeignKeys: []domain.ForeignKey{fkCascade("project_id", "projects")},
			SeedMarker:  seedMarker,
		},
	}}
}

// SelfChecks はマイグレーションの自己診断で評価する軽量チェックを返す。
func SelfChecks() []domain.Expectation {
	return []domain.Expectation{
		{
			Name:              "projects reference existing users",
			Check:             &integrity.QueryCheck{Query: "SELECT COUNT(*) FROM projects p LEFT JOIN users u ON p.user_id = u.id WHERE u.id IS NULL"},
			Expected:          0,
			RequiresMigration: "001",
		},
		{
			Name:              "classification confidence within range",
			Check:             &integrity.QueryCheck{Query: "SELECT COUNT(*) FROM device_classifications WHERE confidence_score < 0 OR confidence_score > 1"},
			Expected:          0,
			RequiresMigration: "003",
		},
		{
			Name:              "predicate confidence within range",
			Check:             &integrity.QueryCheck{Query: "SELECT COUNT(*) FROM predicate_devices WHERE confidence_score < 0 OR confidence_score > 1"},
			Expected:          0,
			RequiresMigration: "003",
		},
	}
}
