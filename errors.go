package interconnect

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
)

var (
	// ErrInterconnect is the category of network-fatal failures. The executor
	// aborts the statement when it sees one.
	ErrInterconnect = errors.New("interconnect error")

	// ErrProtocol is the category of logic errors: framing violations and
	// invalid state transitions. They are never retried.
	ErrProtocol = errors.New("interconnect protocol violation")

	ErrTransmitTimeout = &categoryError{msg: "transmit timeout: peer stopped acknowledging", category: ErrInterconnect}
	ErrDeadlockTimeout = &categoryError{msg: "no status reply from windowed-out peer", category: ErrInterconnect}
	ErrCoordinatorLost = &categoryError{msg: "coordinator liveness probe failed", category: ErrInterconnect}
	ErrOutOfResources  = &categoryError{msg: "out of interconnect resources", category: ErrInterconnect}
	ErrSocket          = &categoryError{msg: "interconnect socket failure", category: ErrInterconnect}

	ErrChunkFraming  = &categoryError{msg: "malformed chunk framing", category: ErrProtocol}
	ErrChunkTooLarge = &categoryError{msg: "chunk does not fit in a packet", category: ErrProtocol}
	ErrInvalidState  = &categoryError{msg: "invalid connection state", category: ErrProtocol}
	ErrUnknownRoute  = &categoryError{msg: "unknown motion node or route", category: ErrProtocol}

	// ErrCanceled wraps context cancellation observed inside a blocking wait.
	ErrCanceled = errors.New("interconnect wait canceled")

	// ErrClosed is returned by operations on a torn down transport or closed service.
	ErrClosed = errors.New("interconnect closed")

	errNoBuffer = errors.New("receive buffer pool exhausted")
)

// categoryError is a sentinel that also matches its category with errors.Is.
type categoryError struct {
	msg      string
	category error
}

func (e *categoryError) Error() string { return e.msg }

func (e *categoryError) Is(target error) bool { return target == e.category }

// IsInterconnectError reports whether err is a network-fatal interconnect error.
func IsInterconnectError(err error) bool { return errors.Is(err, ErrInterconnect) }

// IsProtocolError reports whether err is a protocol violation.
func IsProtocolError(err error) bool { return errors.Is(err, ErrProtocol) }

// isTransient reports socket errors that are dropped and recovered by
// retransmission instead of surfacing.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	return isTimeout(err) || isTransientErrno(err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// canceled wraps a context error so it matches both ErrCanceled and the
// context's own error.
func canceled(err error) error {
	return errors.WithStack(fmt.Errorf("%w: %w", ErrCanceled, err))
}
