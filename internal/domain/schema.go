package domain

import (
	"errors"
	"slices"

	"regulatory-dbkit/internal/graph"
)

// ColumnSchema はカラム定義を表す。
type ColumnSchema struct {
	Name       string `json:"name" yaml:"name"`
	Type       string `json:"type" yaml:"type"`
	Nullable   bool   `json:"nullable" yaml:"nullable"`
	Required   bool   `json:"required,omitempty" yaml:"required,omitempty"`
	PrimaryKey bool   `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
	Default    string `json:"default,omitempty" yaml:"default,omitempty"`
}

// IndexSchema はインデックス定義を表す。
type IndexSchema struct {
	Name    string   `json:"name" yaml:"name"`
	Columns []string `json:"columns" yaml:"columns"`
	Unique  bool     `json:"unique,omitempty" yaml:"unique,omitempty"`
}

// ForeignKey は外部キー制約を表す。
type ForeignKey struct {
	Column    string `json:"column" yaml:"column"`
	RefTable  string `json:"ref_table" yaml:"ref_table"`
	RefColumn string `json:"ref_column" yaml:"ref_column"`
	OnDelete  string `json:"on_delete,omitempty" yaml:"on_delete,omitempty"`
}

// TriggerSchema はトリガー定義を表す。
type TriggerSchema struct {
	Name  string `json:"name" yaml:"name"`
	Event string `json:"event" yaml:"event"`
}

// SeedMarker は合成データの行を識別する条件（Column LIKE Pattern）を表す。
type SeedMarker struct {
	Column  string `json:"column" yaml:"column"`
	Pattern string `json:"pattern" yaml:"pattern"`
}

// TableSchema はテーブル定義を表す。
type TableSchema struct {
	Name        string          `json:"name" yaml:"name"`
	Columns     []ColumnSchema  `json:"columns" yaml:"columns"`
	Indexes     []IndexSchema   `json:"indexes,omitempty" yaml:"indexes,omitempty"`
	ForeignKeys []ForeignKey    `json:"foreign_keys,omitempty" yaml:"foreign_keys,omitempty"`
	Triggers    []TriggerSchema `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	SeedMarker  *SeedMarker     `json:"seed_marker,omitempty" yaml:"seed_marker,omitempty"`
}

// Column は名前でカラム定義を探す。
func (t *TableSchema) Column(name string) (*ColumnSchema, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// RequiredColumns は値が必須のカラム名を返す。
func (t *TableSchema) RequiredColumns() []string {
	var out []string
	for _, c := range t.Columns {
		if c.Required || (!c.Nullable && !c.PrimaryKey && c.Default == "") {
			out = append(out, c.Name)
		}
	}
	return out
}

// SchemaCatalog はテーブル・カラム・インデックス・制約・トリガーの宣言的な記述。
// マイグレーションのスクリプトとは独立したデータで、シードの投入順や検証に使う。
type SchemaCatalog struct {
	Tables []TableSchema `json:"tables" yaml:"tables"`
}

// Table は名前でテーブル定義を探す。
func (c *SchemaCatalog) Table(name string) (*TableSchema, bool) {
	for i := range c.Tables {
		if c.Tables[i].Name == name {
			return &c.Tables[i], true
		}
	}
	return nil, false
}

// TableNames はテーブル名を定義順で返す。
func (c *SchemaCatalog) TableNames() []string {
	names := make([]string, len(c.Tables))
	for i, t := range c.Tables {
		names[i] = t.Name
	}
	return names
}

// InsertOrder は外部キーの参照先が先に並ぶテーブル順を返す。自己参照は無視する。
func (c *SchemaCatalog) InsertOrder() ([]string, error) {
	g := graph.New()
	for _, t := range c.Tables {
		g.AddNode(t.Name)
		for _, fk := range t.ForeignKeys {
			if fk.RefTable == t.Name {
				continue
			}
			g.AddEdge(t.Name, fk.RefTable)
		}
	}
	order, err := g.Sort()
	if err != nil {
		var cycleErr *graph.CycleError
		if errors.As(err, &cycleErr) {
			return nil, &CyclicDependencyError{Path: cycleErr.Path}
		}
		return nil, err
	}
	return order, nil
}

// DeleteOrder は子テーブルが先に並ぶテーブル順を返す。
func (c *SchemaCatalog) DeleteOrder() ([]string, error) {
	order, err := c.InsertOrder()
	if err != nil {
		return nil, err
	}
	slices.Reverse(order)
	return order, nil
}
