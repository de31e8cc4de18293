// Package table contains the table metadata descriptor and the loader
// that reads it from the physical tables of a data source.
package table

import (
	"slices"
	"strings"

	"github.com/block/shardmeta/pkg/statement"
)

// TableMetaData describes the structure of a table: its columns and
// indexes. It is immutable once loaded.
type TableMetaData struct {
	Columns []ColumnMetaData `json:"columns"`
	Indexes []IndexMetaData  `json:"indexes"`
}

type ColumnMetaData struct {
	Name          string `json:"name"`
	DataType      string `json:"data_type"`
	PrimaryKey    bool   `json:"primary_key"`
	Nullable      bool   `json:"nullable"`
	AutoIncrement bool   `json:"auto_increment"`
}

type IndexMetaData struct {
	// Name is the logic index name: an actual index named
	// "<index>_<actualTable>" is reported as "<index>".
	Name    string   `json:"name"`
	Unique  bool     `json:"unique"`
	Columns []string `json:"columns"`
}

// PrimaryKeyColumns returns the primary key columns in column order.
func (t *TableMetaData) PrimaryKeyColumns() []string {
	var pk []string
	for _, col := range t.Columns {
		if col.PrimaryKey {
			pk = append(pk, col.Name)
		}
	}
	return pk
}

// Equal reports whether two descriptors have the same columns
// and the same indexes.
func (t *TableMetaData) Equal(other *TableMetaData) bool {
	if t == nil || other == nil {
		return t == other
	}
	return slices.Equal(t.Columns, other.Columns) &&
		slices.EqualFunc(t.Indexes, other.Indexes, func(a, b IndexMetaData) bool {
			return a.Name == b.Name && a.Unique == b.Unique && slices.Equal(a.Columns, b.Columns)
		})
}

// logicIndexName strips the actual table suffix some sharding setups
// append to index names so the indexes of all nodes line up.
func logicIndexName(actualIndex, actualTable string) string {
	suffix := "_" + actualTable
	if trimmed, ok := strings.CutSuffix(actualIndex, suffix); ok && trimmed != "" {
		return trimmed
	}
	return actualIndex
}

// fromCreateTable builds the descriptor of a parsed SHOW CREATE TABLE.
func fromCreateTable(ct *statement.CreateTable, actualTable string) *TableMetaData {
	md := &TableMetaData{
		Columns: make([]ColumnMetaData, 0, len(ct.Columns)),
	}
	for _, col := range ct.Columns {
		md.Columns = append(md.Columns, ColumnMetaData{
			Name:          col.Name,
			DataType:      col.Type,
			PrimaryKey:    col.PrimaryKey,
			Nullable:      col.Nullable,
			AutoIncrement: col.AutoInc,
		})
	}
	for _, idx := range ct.GetIndexes() {
		md.Indexes = append(md.Indexes, IndexMetaData{
			Name:    logicIndexName(idx.Name, actualTable),
			Unique:  idx.Type == "PRIMARY KEY" || idx.Type == "UNIQUE",
			Columns: idx.Columns,
		})
	}
	return md
}
