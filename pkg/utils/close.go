package utils

import (
	"log/slog"
)

// Closer is an interface for types that have a Close() method.
// This is compatible with io.Closer, *sql.Conn, *sql.Rows and dbconn.Conn.
type Closer interface {
	Close() error
}

// CloseAndLog closes a resource and logs any error. This is useful for defer statements
// where the error cannot be meaningfully handled except by logging.
// Example: defer utils.CloseAndLog(conn)
func CloseAndLog(closer Closer) {
	CloseAndLogWith(slog.Default(), closer)
}

// CloseAndLogWith is like CloseAndLog but logs to the given logger, so that
// the close failure carries the attributes of the caller (pass, datasource, ...).
func CloseAndLogWith(logger *slog.Logger, closer Closer) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Error("deferred close failed", "error", err)
	}
}
