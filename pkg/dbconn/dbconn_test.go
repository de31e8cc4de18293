package dbconn

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

func TestIsConnectionFailure(t *testing.T) {
	assert.False(t, IsConnectionFailure(nil))
	assert.False(t, IsConnectionFailure(errors.New("syntax error")))
	assert.False(t, IsConnectionFailure(context.Canceled))
	assert.False(t, IsConnectionFailure(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))

	assert.True(t, IsConnectionFailure(driver.ErrBadConn))
	assert.True(t, IsConnectionFailure(fmt.Errorf("query: %w", mysql.ErrInvalidConn)))
	assert.True(t, IsConnectionFailure(&net.OpError{Op: "dial", Err: errors.New("connection refused")}))

	assert.True(t, IsConnectionFailure(&mysql.MySQLError{Number: 1045, Message: "Access denied"}))
	assert.True(t, IsConnectionFailure(&mysql.MySQLError{Number: 1040, Message: "Too many connections"}))
	assert.True(t, IsConnectionFailure(&mysql.MySQLError{Number: 2013}))
	assert.False(t, IsConnectionFailure(&mysql.MySQLError{Number: 1146, Message: "Table doesn't exist"}))

	assert.True(t, IsConnectionFailure(&pq.Error{Code: "08006"}))
	assert.True(t, IsConnectionFailure(&pq.Error{Code: "28P01"}))
	assert.True(t, IsConnectionFailure(&pq.Error{Code: "53300"}))
	assert.False(t, IsConnectionFailure(&pq.Error{Code: "42P01"}))
}

func TestIsTableNotFound(t *testing.T) {
	assert.True(t, IsTableNotFound(&mysql.MySQLError{Number: 1146}))
	assert.True(t, IsTableNotFound(fmt.Errorf("show create: %w", &pq.Error{Code: "42P01"})))
	assert.False(t, IsTableNotFound(&mysql.MySQLError{Number: 1045}))
	assert.False(t, IsTableNotFound(errors.New("nope")))
	assert.False(t, IsTableNotFound(nil))
}

func TestConnectionError(t *testing.T) {
	err := WrapConnErr("ds_0", driver.ErrBadConn)
	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
	assert.Equal(t, "ds_0", connErr.DataSource)
	assert.ErrorIs(t, err, driver.ErrBadConn)
	assert.Contains(t, err.Error(), `data source "ds_0"`)

	plain := errors.New("syntax error")
	assert.Equal(t, plain, WrapConnErr("ds_0", plain))
	assert.NoError(t, WrapConnErr("ds_0", nil))
}
