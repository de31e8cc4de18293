// Package dbconn contains the connection manager used to load table metadata,
// and a series of database-related utility functions.
package dbconn

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

const (
	errCannotConnect = 2003
	errConnLost      = 2013
	errServerGone    = 2006
)

var (
	// ErrFeatureNotSupported is returned by Conn methods that the dialect
	// has no equivalent for, i.e. CurrentSchema on MySQL.
	ErrFeatureNotSupported = errors.New("feature not supported by this database")
	ErrUnknownDataSource   = errors.New("unknown data source")
	ErrManagerClosed       = errors.New("connection manager is closed")
)

// Dialect is the database flavor behind a data source.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

type DBConfig struct {
	LockWaitTimeout int
	// MaxConnectionsPerSource bounds the connections held at once against
	// a single data source, across all workers.
	MaxConnectionsPerSource int
	// AcquireRate limits new connection acquisitions per second per data
	// source. Zero disables the limit.
	AcquireRate       float64
	AcquireBurst      int
	InterpolateParams bool
	// TLS Configuration
	TLSMode            string // TLS connection mode (DISABLED, PREFERRED, REQUIRED, VERIFY_CA, VERIFY_IDENTITY)
	TLSCertificatePath string // Path to custom TLS certificate file
}

func NewDBConfig() *DBConfig {
	return &DBConfig{
		LockWaitTimeout:         30,
		MaxConnectionsPerSource: 16, // matches the default batch size
		AcquireRate:             0,
		AcquireBurst:            1,
		InterpolateParams:       false,
		TLSMode:                 "PREFERRED",
		TLSCertificatePath:      "",
	}
}

// ConnectionError is a failure to acquire or use a connection
// to a data source.
type ConnectionError struct {
	DataSource string
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to data source %q failed: %v", e.DataSource, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionFailure looks at a driver error and decides if it means the
// connection itself is unusable, as opposed to a failing statement.
func IsConnectionFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errCannotConnect, errConnLost, errServerGone,
			gomysql.ER_CON_COUNT_ERROR, gomysql.ER_TOO_MANY_USER_CONNECTIONS,
			gomysql.ER_ACCESS_DENIED_ERROR, gomysql.ER_DBACCESS_DENIED_ERROR,
			gomysql.ER_BAD_DB_ERROR:
			return true
		}
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exception, 28: invalid authorization,
		// 3D: invalid catalog name, 53300: too many connections.
		switch pqErr.Code.Class() {
		case "08", "28", "3D":
			return true
		}
		return pqErr.Code == "53300"
	}
	return false
}

// IsTableNotFound returns true if the error is the database reporting
// that a table does not exist.
func IsTableNotFound(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == gomysql.ER_NO_SUCH_TABLE
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	return false
}

// WrapConnErr wraps err in a ConnectionError if it is a connection failure,
// otherwise it returns err unchanged.
func WrapConnErr(dataSource string, err error) error {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return err
	}
	if IsConnectionFailure(err) {
		return &ConnectionError{DataSource: dataSource, Err: err}
	}
	return err
}
