package transaction

import (
	"fmt"
	"net/netip"

	"github.com/sipcore/sipstack/internal/errorutil"
)

const (
	// ErrInvalidArgument is returned when an invalid argument is passed to a constructor or method.
	ErrInvalidArgument = errorutil.ErrInvalidArgument
	// ErrInvalidStateTransition is returned when an operation is not allowed in the current state.
	// The transaction state is left unchanged.
	ErrInvalidStateTransition errorutil.Error = "invalid state transition"
	// ErrTransactionTimedOut is reported with [ErrorEvent] when Timer B, F or H expires.
	ErrTransactionTimedOut errorutil.Error = "transaction timed out"
	// ErrTransactionTerminated is returned by commands issued to a terminated transaction.
	ErrTransactionTerminated errorutil.Error = "transaction terminated"
	// ErrQueueFull is returned when the transaction command queue is full.
	ErrQueueFull errorutil.Error = "transaction queue full"
	// ErrTransactionNotFound is returned when no transaction matches a message.
	ErrTransactionNotFound errorutil.Error = "transaction not found"
	// ErrTransactionExists is returned when a client transaction with the same key already exists.
	ErrTransactionExists errorutil.Error = "transaction already exists"
	// ErrRegistryClosed is returned by a closed [Registry].
	ErrRegistryClosed errorutil.Error = "transaction registry closed"
	// ErrMethodNotAllowed is returned when a request method cannot start a transaction.
	ErrMethodNotAllowed errorutil.Error = "method not allowed"
	// ErrMalformedCommand is logged when a transaction receives a command it cannot process.
	ErrMalformedCommand errorutil.Error = "malformed command"
)

func newInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

func newInvalidStateTransitionError(args ...any) error {
	return errorutil.NewWrapperError(ErrInvalidStateTransition, args...) //errtrace:skip
}

// TransportError is a failure reported by [sip.Transport] while sending a message.
// It terminates the transaction that attempted the send.
type TransportError struct {
	// Op describes what was being sent, e.g. "send INVITE request".
	Op string
	// Addr is the destination address.
	Addr netip.AddrPort
	// Err is the error returned by the transport.
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s to %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
