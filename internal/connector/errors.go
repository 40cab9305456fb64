package connector

import (
	"context"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrResponseTooLarge is returned when the proxy's response head does not
	// fit in the negotiation buffer.
	ErrResponseTooLarge = errors.New("proxy connect: response head too large")

	// ErrUnsupportedScheme is returned for schemes other than http and https.
	ErrUnsupportedScheme = errors.New("proxy connect: unsupported scheme")

	// ErrInvalidTarget is returned for an empty or malformed target host.
	ErrInvalidTarget = errors.New("proxy connect: invalid target")
)

// ConnectError is an I/O or protocol failure while reaching the proxy or
// negotiating the tunnel. Op is one of "dial", "write", "read" or "parse".
type ConnectError struct {
	Op     string
	Proxy  string
	Target string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("proxy connect %s %s via %s: %v", e.Op, e.Target, e.Proxy, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a deadline being hit.
func (e *ConnectError) Timeout() bool {
	return errors.Is(e.Err, os.ErrDeadlineExceeded) || errors.Is(e.Err, context.DeadlineExceeded)
}

// StatusError is a non-2xx reply to CONNECT.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return "proxy connect: tunnel refused: " + e.Status
}
