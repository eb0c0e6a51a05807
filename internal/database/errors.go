package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/lib/pq"
)

var ErrNotFound = errors.New("not found")

// IsTransient reports whether err is a failure worth retrying, such as a
// lost connection or a serialization conflict. Constraint violations and
// other permanent failures return false.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"40", // transaction rollback
			"53", // insufficient resources
			"57": // operator intervention
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
