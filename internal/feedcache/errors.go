package feedcache

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a feed has no cached row yet.
var ErrNotFound = errors.New("feed cache entry not found")

// DBError is a classified database failure. Disconnect marks the class of
// errors the poller supervisor restarts on.
type DBError struct {
	Code       string
	Disconnect bool
	Err        error
}

func (e *DBError) Error() string {
	return fmt.Sprintf("feed cache database error (%s): %v", e.Code, e.Err)
}

func (e *DBError) Unwrap() error {
	return e.Err
}

// ClassifyError wraps err in a DBError with a stable code. It returns nil
// for nil, context errors and ErrNotFound, which are not database faults.
func ClassifyError(err error) *DBError {
	if err == nil || errors.Is(err, ErrNotFound) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	var existing *DBError
	if errors.As(err, &existing) {
		return existing
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &DBError{Code: pgErr.Code, Disconnect: isPostgresDisconnect(pgErr.Code), Err: err}
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrCantOpen:
			return &DBError{Code: "SQLITE_CANTOPEN", Disconnect: true, Err: err}
		case sqlite3.ErrIoErr:
			return &DBError{Code: "SQLITE_IOERR", Disconnect: true, Err: err}
		case sqlite3.ErrNotADB:
			return &DBError{Code: "SQLITE_NOTADB", Disconnect: true, Err: err}
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &DBError{Code: "SQLITE_BUSY", Err: err}
		}
		return &DBError{Code: fmt.Sprintf("SQLITE_%d", int(liteErr.Code)), Err: err}
	}

	switch {
	case errors.Is(err, driver.ErrBadConn):
		return &DBError{Code: "BAD_CONN", Disconnect: true, Err: err}
	case errors.Is(err, sql.ErrConnDone):
		return &DBError{Code: "CONN_DONE", Disconnect: true, Err: err}
	case errors.Is(err, sql.ErrTxDone):
		return &DBError{Code: "TX_DONE", Err: err}
	case errors.Is(err, syscall.ECONNRESET):
		return &DBError{Code: "ECONNRESET", Disconnect: true, Err: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &DBError{Code: "ECONNREFUSED", Disconnect: true, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &DBError{Code: "NET", Disconnect: true, Err: err}
	}
	return &DBError{Code: "UNKNOWN", Err: err}
}

// IsDisconnect reports whether err is a database disconnect.
func IsDisconnect(err error) bool {
	dbErr := ClassifyError(err)
	return dbErr != nil && dbErr.Disconnect
}

// Postgres connection exception class 08 plus admin/crash shutdown.
func isPostgresDisconnect(code string) bool {
	if strings.HasPrefix(code, "08") {
		return true
	}
	switch code {
	case "57P01", "57P02", "57P03":
		return true
	}
	return false
}
