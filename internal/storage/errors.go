package storage

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"sync"
	"syscall"
)

var (
	// ErrConnectionLost marks errors after which the backend connection can
	// no longer be used. Backends wrap driver-specific failures with it.
	ErrConnectionLost = errors.New("storage: connection lost")

	// ErrUnsupported is returned for operations a backend cannot perform.
	ErrUnsupported = errors.New("storage: unsupported operation")
)

var (
	classMu     sync.RWMutex
	classifiers []func(error) bool
)

// RegisterConnClassifier adds a driver-specific connection-loss test. Backend
// packages call it from init().
func RegisterConnClassifier(f func(error) bool) {
	if f == nil {
		panic("storage: RegisterConnClassifier called with nil func")
	}
	classMu.Lock()
	classifiers = append(classifiers, f)
	classMu.Unlock()
}

// IsConnectionLost reports whether err means the backend is unreachable,
// as opposed to a statement-level failure.
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	classMu.RLock()
	defer classMu.RUnlock()
	for _, f := range classifiers {
		if f(err) {
			return true
		}
	}
	return false
}

// IsAlreadyExists reports whether err is a backend's "object already exists"
// or "duplicate column" complaint. Schema evolution treats these as benign.
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"already exists",
		"duplicate column",
		"column names in each table must be unique",
		"there is already an object named",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
