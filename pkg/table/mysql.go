package table

import (
	"context"
	"fmt"

	"github.com/block/shardmeta/pkg/dbconn"
	"github.com/block/shardmeta/pkg/statement"
)

func loadMySQL(ctx context.Context, conn dbconn.Conn, tableName string) (*TableMetaData, error) {
	var tbl, createStmt string
	err := conn.QueryRowContext(ctx, "SHOW CREATE TABLE "+quoteMySQLIdentifier(tableName)).Scan(&tbl, &createStmt)
	if err != nil {
		return nil, err
	}
	ct, err := statement.ParseCreateTable(createStmt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CREATE TABLE for %s: %w", tableName, err)
	}
	return fromCreateTable(ct, tableName), nil
}
