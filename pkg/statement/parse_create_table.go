// Package statement parses the CREATE TABLE statements returned by
// SHOW CREATE TABLE into columns and indexes.
package statement

import (
	"fmt"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/mysql"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"
	"github.com/pingcap/tidb/pkg/parser/types"
)

// CreateTable represents a parsed CREATE TABLE statement
type CreateTable struct {
	Raw       *ast.CreateTableStmt `json:"-"`
	TableName string               `json:"table_name"`
	Columns   Columns              `json:"columns"`
	Indexes   Indexes              `json:"indexes"`
}

// Column represents a table column definition
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Unsigned   bool   `json:"unsigned,omitempty"`
	Nullable   bool   `json:"nullable"`
	AutoInc    bool   `json:"auto_increment"`
	PrimaryKey bool   `json:"primary_key"`
	Unique     bool   `json:"unique"`
}

// Index represents an index definition
type Index struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"` // PRIMARY KEY, UNIQUE, INDEX, FULLTEXT
	Columns []string `json:"columns"`
}

type Indexes []Index
type Columns []Column

// ParseCreateTable parses a CREATE TABLE statement.
// It is designed to be used with the output of SHOW CREATE TABLE,
// which we consider to be the "canonical" form of a CREATE TABLE statement.
func ParseCreateTable(sql string) (*CreateTable, error) {
	p := parser.New()

	stmts, _, err := p.Parse(sql, "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to parse SQL: %w", err)
	}

	if len(stmts) != 1 {
		return nil, fmt.Errorf("expected exactly one statement, got %d", len(stmts))
	}

	createStmt, ok := stmts[0].(*ast.CreateTableStmt)
	if !ok {
		return nil, fmt.Errorf("expected CREATE TABLE statement, got %T", stmts[0])
	}

	ct := &CreateTable{
		Raw: createStmt,
	}
	if err := ct.parseToStruct(); err != nil {
		return nil, fmt.Errorf("failed to parse CREATE TABLE: %w", err)
	}
	return ct, nil
}

// GetIndexes returns the table level indexes plus the indexes implied by
// column level PRIMARY KEY and UNIQUE options.
func (ct *CreateTable) GetIndexes() Indexes {
	indexList := make([]Index, 0, len(ct.Indexes))
	for _, index := range ct.Indexes {
		if index.Type == "PRIMARY KEY" && index.Name == "" {
			index.Name = "PRIMARY"
		}
		indexList = append(indexList, index)
	}
	for _, col := range ct.Columns {
		if col.PrimaryKey && !ct.Indexes.hasType("PRIMARY KEY") {
			indexList = append(indexList, Index{
				Name:    "PRIMARY",
				Type:    "PRIMARY KEY",
				Columns: []string{col.Name},
			})
		}
		if col.Unique {
			indexList = append(indexList, Index{
				// MySQL names a column level unique key after the column.
				Name:    col.Name,
				Type:    "UNIQUE",
				Columns: []string{col.Name},
			})
		}
	}
	return indexList
}

// PrimaryKey returns the primary key columns in key order.
func (ct *CreateTable) PrimaryKey() []string {
	for _, index := range ct.GetIndexes() {
		if index.Type == "PRIMARY KEY" {
			return index.Columns
		}
	}
	return nil
}

func (indexes Indexes) hasType(tp string) bool {
	for _, idx := range indexes {
		if idx.Type == tp {
			return true
		}
	}
	return false
}

// parseToStruct converts the AST into a structured CreateTable
func (ct *CreateTable) parseToStruct() error {
	ct.TableName = ct.Raw.Table.Name.String()
	ct.Columns = make([]Column, 0, len(ct.Raw.Cols))
	ct.Indexes = make([]Index, 0)

	for _, col := range ct.Raw.Cols {
		ct.Columns = append(ct.Columns, parseColumn(col))
	}
	for _, constraint := range ct.Raw.Constraints {
		switch constraint.Tp {
		case ast.ConstraintCheck, ast.ConstraintForeignKey:
			// Not part of the table metadata.
			continue
		default:
			index, err := parseIndex(constraint)
			if err != nil {
				return err
			}
			ct.Indexes = append(ct.Indexes, index)
		}
	}
	// Table level primary keys also mark their columns.
	for _, index := range ct.Indexes {
		if index.Type != "PRIMARY KEY" {
			continue
		}
		for _, name := range index.Columns {
			for i := range ct.Columns {
				if ct.Columns[i].Name == name {
					ct.Columns[i].PrimaryKey = true
					ct.Columns[i].Nullable = false
				}
			}
		}
	}
	return nil
}

// parseColumn converts a column definition to a Column struct
func parseColumn(col *ast.ColumnDef) Column {
	column := Column{
		Name:     col.Name.Name.String(),
		Type:     types.TypeStr(col.Tp.GetType()),
		Unsigned: mysql.HasUnsignedFlag(col.Tp.GetFlag()),
		Nullable: true,
	}
	for _, opt := range col.Options {
		switch opt.Tp {
		case ast.ColumnOptionNotNull:
			column.Nullable = false
		case ast.ColumnOptionNull:
			column.Nullable = true
		case ast.ColumnOptionAutoIncrement:
			column.AutoInc = true
		case ast.ColumnOptionPrimaryKey:
			column.PrimaryKey = true
			column.Nullable = false // PRIMARY KEY implies NOT NULL
		case ast.ColumnOptionUniqKey:
			column.Unique = true
		}
	}
	return column
}

// parseIndex converts a constraint to an Index struct
func parseIndex(constraint *ast.Constraint) (Index, error) {
	index := Index{
		Name:    constraint.Name,
		Columns: parseIndexColumns(constraint.Keys),
	}
	switch constraint.Tp {
	case ast.ConstraintPrimaryKey:
		index.Type = "PRIMARY KEY"
	case ast.ConstraintKey, ast.ConstraintIndex:
		index.Type = "INDEX"
	case ast.ConstraintUniq, ast.ConstraintUniqKey, ast.ConstraintUniqIndex:
		index.Type = "UNIQUE"
	case ast.ConstraintFulltext:
		index.Type = "FULLTEXT"
	default:
		return Index{}, fmt.Errorf("unknown constraint type: %d", constraint.Tp)
	}
	return index, nil
}

// parseIndexColumns extracts column names from index specifications.
// Functional key parts have no column and are skipped.
func parseIndexColumns(keys []*ast.IndexPartSpecification) []string {
	columns := make([]string, 0, len(keys))
	for _, key := range keys {
		if key.Column != nil {
			columns = append(columns, key.Column.Name.String())
		}
	}
	return columns
}
