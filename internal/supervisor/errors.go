package supervisor

import "errors"

var (
	// ErrConnectionDown is returned immediately to submitters when the
	// active failure policy does not tolerate the current connection state.
	ErrConnectionDown = errors.New("supervisor: connection down per failure policy")

	// ErrTraceExhausted is returned when a full cycle of the 1,000,000
	// trace values is occupied by live registry entries.
	ErrTraceExhausted = errors.New("supervisor: no free trace number in current cycle")

	// ErrAlreadySignedOn is never returned as a failure — SignOn is
	// idempotent — but is logged when a second sign-on call short-circuits.
	ErrAlreadySignedOn = errors.New("supervisor: already signed on")

	// ErrFailed marks a supervisor whose required side permanently failed
	// to connect; it rejects every subsequent call until Close.
	ErrFailed = errors.New("supervisor: in FAILED state")

	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("supervisor: closed")
)
