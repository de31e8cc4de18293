package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

const (
	mysqlTablesQuery = `SELECT TABLE_NAME FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE())
		AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME`

	postgresTablesQuery = `SELECT table_name FROM information_schema.tables
		WHERE table_catalog = COALESCE(NULLIF($1, ''), current_database())
		AND (table_schema = $2 OR ($2 = '' AND table_schema NOT IN ('pg_catalog', 'information_schema')))
		AND table_type = 'BASE TABLE'
		ORDER BY table_schema, table_name`
)

// Conn is a connection scoped to one caller and one data source. It must be
// closed by the caller on every path.
type Conn interface {
	DataSource() string
	Dialect() Dialect
	// CurrentSchema returns the schema the connection resolves unqualified
	// names against. It returns ErrFeatureNotSupported when the database
	// has no such concept.
	CurrentSchema(ctx context.Context) (string, error)
	// Tables lists the base tables under catalog and schema. An empty
	// catalog means the connection default; an empty schema means any.
	Tables(ctx context.Context, catalog, schema string) ([]string, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Close() error
}

type scopedConn struct {
	raw     *sql.Conn
	meta    DataSourceMetaData
	once    sync.Once
	release func()
}

var _ Conn = (*scopedConn)(nil)

func (c *scopedConn) DataSource() string {
	return c.meta.Name
}

func (c *scopedConn) Dialect() Dialect {
	return c.meta.Dialect
}

func (c *scopedConn) CurrentSchema(ctx context.Context) (string, error) {
	switch c.meta.Dialect {
	case DialectPostgres:
		var schema sql.NullString
		if err := c.raw.QueryRowContext(ctx, "SELECT current_schema()").Scan(&schema); err != nil {
			return "", WrapConnErr(c.meta.Name, err)
		}
		return schema.String, nil
	default:
		// MySQL databases are catalogs, there is no schema level.
		return "", ErrFeatureNotSupported
	}
}

func (c *scopedConn) Tables(ctx context.Context, catalog, schema string) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch c.meta.Dialect {
	case DialectPostgres:
		rows, err = c.raw.QueryContext(ctx, postgresTablesQuery, catalog, schema)
	case DialectMySQL:
		rows, err = c.raw.QueryContext(ctx, mysqlTablesQuery, catalog)
	default:
		return nil, fmt.Errorf("unsupported dialect %q", c.meta.Dialect)
	}
	if err != nil {
		return nil, WrapConnErr(c.meta.Name, err)
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapConnErr(c.meta.Name, err)
	}
	return tables, nil
}

func (c *scopedConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := c.raw.QueryContext(ctx, query, args...)
	return rows, WrapConnErr(c.meta.Name, err)
}

func (c *scopedConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.raw.QueryRowContext(ctx, query, args...)
}

// Close returns the connection to its pool and frees its slot.
// It is safe to call more than once.
func (c *scopedConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.raw.Close()
		c.release()
	})
	return err
}

// Acquirer hands out scoped connections by data source name.
type Acquirer interface {
	Acquire(ctx context.Context, dataSource string) (Conn, error)
}

var _ Acquirer = (*Manager)(nil)
