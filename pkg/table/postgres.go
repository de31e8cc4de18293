package table

import (
	"context"
	"database/sql"

	"github.com/block/shardmeta/pkg/dbconn"
)

const (
	postgresColumnsQuery = `SELECT column_name, data_type, is_nullable = 'YES',
		COALESCE(column_default LIKE 'nextval(%', false) OR is_identity = 'YES'
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position`

	postgresKeysQuery = `SELECT tc.constraint_name, tc.constraint_type, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON kcu.constraint_name = tc.constraint_name
			AND kcu.table_schema = tc.table_schema
			AND kcu.table_name = tc.table_name
		WHERE tc.table_schema = current_schema() AND tc.table_name = $1
			AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE')
		ORDER BY tc.constraint_type, tc.constraint_name, kcu.ordinal_position`
)

// loadPostgres reads columns and keys from information_schema. There is no
// SHOW CREATE TABLE equivalent; non-unique indexes are not reported.
func loadPostgres(ctx context.Context, conn dbconn.Conn, tableName string) (*TableMetaData, error) {
	md := &TableMetaData{}
	rows, err := conn.QueryContext(ctx, postgresColumnsQuery, tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var col ColumnMetaData
		if err := rows.Scan(&col.Name, &col.DataType, &col.Nullable, &col.AutoIncrement); err != nil {
			return nil, err
		}
		md.Columns = append(md.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(md.Columns) == 0 {
		return nil, ErrTableNotFound
	}
	if err := loadPostgresKeys(ctx, conn, tableName, md); err != nil {
		return nil, err
	}
	return md, nil
}

func loadPostgresKeys(ctx context.Context, conn dbconn.Conn, tableName string, md *TableMetaData) error {
	rows, err := conn.QueryContext(ctx, postgresKeysQuery, tableName)
	if err != nil {
		return err
	}
	defer rows.Close()
	byName := map[string]int{}
	for rows.Next() {
		var name, kind string
		var column sql.NullString
		if err := rows.Scan(&name, &kind, &column); err != nil {
			return err
		}
		i, ok := byName[name]
		if !ok {
			md.Indexes = append(md.Indexes, IndexMetaData{Name: logicIndexName(name, tableName), Unique: true})
			i = len(md.Indexes) - 1
			byName[name] = i
		}
		md.Indexes[i].Columns = append(md.Indexes[i].Columns, column.String)
		if kind == "PRIMARY KEY" {
			for j := range md.Columns {
				if md.Columns[j].Name == column.String {
					md.Columns[j].PrimaryKey = true
				}
			}
		}
	}
	return rows.Err()
}
