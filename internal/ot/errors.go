package ot

import "errors"

var (
	// ErrInvalidOperation marks a malformed or no-op edit. It is recovered
	// locally and never shown to the user.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrOutOfBounds marks an apply against stale bounds. The operation is
	// dropped and the document is unaffected.
	ErrOutOfBounds = errors.New("operation out of bounds")
	// ErrProtocolViolation is fatal to a session and forces a full resync.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrTransportFailure marks lost connectivity.
	ErrTransportFailure = errors.New("transport failure")
)
