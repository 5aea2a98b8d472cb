package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidConfig is returned when neither a URI nor a node list is given.
	ErrInvalidConfig = errors.New("store: either uri or nodes must be set")
	// ErrClosed is returned by any operation after Close has been called.
	ErrClosed = errors.New("store: driver is closed")
	// ErrAlreadyClosed is returned by a second call to Close.
	ErrAlreadyClosed = errors.New("store: already closed")

	errUnexpectedReply = errors.New("store: unexpected script reply shape")
)

// connErrorStrings identifies connectivity-related errors, as opposed to
// operational errors (NOSCRIPT, WRONGTYPE) that should not be treated as
// transport failures. Matched case-insensitively against the error text.
var connErrorStrings = []string{
	"connection refused",
	"connection reset",
	"network is unreachable",
	"no such host",
	"i/o timeout",
	"broken pipe",
	"connection pool timeout",
	"use of closed network connection",
	"client is closed",
}

// readOnlyPrefix marks a reply from a replica that has lost its master,
// e.g. during a cluster failover. Seeing it should force a reconnect.
const readOnlyPrefix = "READONLY"

func isConnError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range connErrorStrings {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func isReadOnlyError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), readOnlyPrefix)
}

func wrapEvalErr(op, key string, err error) error {
	return fmt.Errorf("store: %s %q: %w", op, key, err)
}
