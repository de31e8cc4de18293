// Package testutils contains some common utilities used exclusively
// by the test suite.
package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func DSN() string {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		return "spirit:spirit@tcp(127.0.0.1:3306)/test"
	}
	return dsn
}

// DSNForDatabase returns a DSN for a specific database name
func DSNForDatabase(dbName string) string {
	baseDSN := DSN()
	parts := strings.Split(baseDSN, "/")
	if len(parts) >= 2 {
		parts[len(parts)-1] = dbName
		return strings.Join(parts, "/")
	}
	return baseDSN
}

var (
	mysqlAvailable     bool
	mysqlAvailableOnce sync.Once
)

// RequireMySQL skips the test when no MySQL server answers at DSN().
// Integration tests call it first so the unit suite runs anywhere.
func RequireMySQL(t *testing.T) {
	t.Helper()
	mysqlAvailableOnce.Do(func() {
		db, err := sql.Open("mysql", DSN())
		if err != nil {
			return
		}
		defer func() {
			_ = db.Close()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mysqlAvailable = db.PingContext(ctx) == nil
	})
	if !mysqlAvailable {
		t.Skip("MySQL is not available at MYSQL_DSN")
	}
}

// CreateUniqueTestDatabase creates a unique database for a test
func CreateUniqueTestDatabase(t *testing.T) string {
	t.Helper()

	dbName := fmt.Sprintf("t_%s_%d",
		strings.ReplaceAll(strings.ToLower(t.Name()), "/", "_"),
		os.Getpid())
	if len(dbName) > 64 {
		dbName = dbName[len(dbName)-64:]
	}

	baseDSN := DSN()
	lastSlash := strings.LastIndex(baseDSN, "/")
	if lastSlash >= 0 {
		rootDSN := baseDSN[:lastSlash+1]

		db, err := sql.Open("mysql", rootDSN)
		require.NoError(t, err)
		defer func() {
			_ = db.Close()
		}()
		_, err = db.ExecContext(t.Context(), "CREATE DATABASE IF NOT EXISTS `"+dbName+"`")
		require.NoError(t, err)

		t.Cleanup(func() {
			db, err := sql.Open("mysql", rootDSN)
			assert.NoError(t, err)
			defer func() {
				_ = db.Close()
			}()
			_, err = db.ExecContext(context.Background(), "DROP DATABASE IF EXISTS `"+dbName+"`")
			assert.NoError(t, err)
		})
	}
	return dbName
}

// RunSQLInDatabase runs SQL in a specific database
func RunSQLInDatabase(t *testing.T, dbName, stmt string) {
	t.Helper()
	db, err := sql.Open("mysql", DSNForDatabase(dbName))
	require.NoError(t, err)
	defer func() {
		_ = db.Close()
	}()
	_, err = db.ExecContext(t.Context(), stmt)
	require.NoError(t, err)
}
