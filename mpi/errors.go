package mpi

import (
	"errors"
	"fmt"

	"github.com/ranksafe/mpi-go/internal/nativeapi"
)

var (
	// ErrAlreadyInitialized indicates that Initialize was called a second
	// time in the same process.
	ErrAlreadyInitialized = errors.New("mpi: runtime already initialized")
	// ErrFinalized indicates a call on a Universe that has been closed.
	ErrFinalized = errors.New("mpi: runtime finalized")
	// ErrInvalidLayout indicates a derived datatype whose entry sequence is
	// empty or overlapping without acknowledgement.
	ErrInvalidLayout = errors.New("mpi: invalid datatype layout")
)

// Code re-exports the native status code type carried by RuntimeError.
type Code = nativeapi.Code

// UsageError is the value carried by panics raised for broken preconditions:
// ending a scope with active requests, completing a consumed request, a
// detected collective or ready-mode protocol violation. These are fatal, not
// recoverable; a real runtime would be in undefined state.
type UsageError struct {
	Op     string
	Detail string
}

func (e UsageError) Error() string {
	if e.Detail == "" {
		return "mpi: usage violation in " + e.Op
	}
	return "mpi: usage violation in " + e.Op + ": " + e.Detail
}

// SizeMismatchError is the value carried by the panic raised when an
// incoming message exceeds the receive capability's capacity. Truncating
// silently is never an option.
type SizeMismatchError struct {
	Op string
}

func (e SizeMismatchError) Error() string {
	return "mpi: incoming message exceeds receive capacity in " + e.Op
}

// StaleHandleError is the value carried by the panic raised when an
// operation uses a communicator, datatype, or message handle that has
// already been freed.
type StaleHandleError struct {
	Handle string
}

func (e StaleHandleError) Error() string {
	return "mpi: use of freed " + e.Handle
}

// RuntimeError wraps a failure reported by the native runtime. It is the
// only error class returned (rather than panicked) by communication calls.
type RuntimeError struct {
	Op   string
	Code Code
}

func (e RuntimeError) Error() string {
	return fmt.Sprintf("mpi: %s: %s", e.Op, e.Code.String())
}

// Unwrap exposes the native code for errors.Is tests.
func (e RuntimeError) Unwrap() error { return e.Code }

// raise translates a native failure into the error taxonomy. Truncation,
// stale handles and detected protocol violations are fatal; everything else
// comes back as a RuntimeError.
func raise(op string, err error) error {
	if err == nil {
		return nil
	}
	var code nativeapi.Code
	if !errors.As(err, &code) {
		code = nativeapi.CodeInternal
	}
	switch code {
	case nativeapi.CodeTruncate:
		panic(SizeMismatchError{Op: op})
	case nativeapi.CodeStale:
		panic(StaleHandleError{Handle: op + " handle"})
	case nativeapi.CodeProtocol:
		panic(UsageError{Op: op, Detail: err.Error()})
	}
	return RuntimeError{Op: op, Code: code}
}
