// Package rtmperr defines the error taxonomy every component reports
// through: wire-level faults, handshake faults, protocol state
// violations, resource conflicts and transport faults.
package rtmperr

import "errors"

// Sentinel categories. Wrap these with fmt.Errorf("...: %w", ErrX) to add
// context while keeping errors.Is matching intact.
var (
	// ErrWireProtocol covers malformed chunk/AMF/handshake bytes that
	// cannot be interpreted at all.
	ErrWireProtocol = errors.New("wire protocol violation")

	// ErrHandshakeFailure covers a handshake that completed its byte
	// exchange but failed validation (bad digest, bad DH key).
	ErrHandshakeFailure = errors.New("handshake failure")

	// ErrStateViolation covers a command received outside of the state
	// that permits it (e.g. publish before connect).
	ErrStateViolation = errors.New("command state violation")

	// ErrResourceConflict covers a request for a resource already
	// claimed (double publish to the same stream name).
	ErrResourceConflict = errors.New("resource conflict")

	// ErrTransportWouldBlock signals a non-fatal backpressure condition;
	// callers should retry or drop per the media router's jitter policy.
	ErrTransportWouldBlock = errors.New("transport would block")

	// ErrTransportFailure covers a fatal I/O error on the underlying
	// connection; the owning connection must be torn down.
	ErrTransportFailure = errors.New("transport failure")

	// ErrInvariantViolation covers an internal contract being broken
	// (e.g. a MediaSource observed with a nil publisher after confirmed
	// publish) and always indicates a bug rather than bad input.
	ErrInvariantViolation = errors.New("invariant violation")
)

// Is reports whether err is any rtmperr sentinel value, or a wrap of one.
func Is(err error, target error) bool {
	return errors.Is(err, target)
}
