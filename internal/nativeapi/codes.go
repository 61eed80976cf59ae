package nativeapi

import "fmt"

// Code is a native status code reported by the message-passing runtime.
// Zero means success; everything else is a failure class.
type Code int32

const (
	CodeSuccess Code = iota
	// CodeTruncate reports an incoming message larger than the posted
	// receive capacity.
	CodeTruncate
	// CodeStale reports use of a communicator, datatype, or operation
	// handle that has already been freed or finalized.
	CodeStale
	// CodeProtocol reports a detected collective or ready-mode protocol
	// violation. Real runtimes declare these undefined behavior; the
	// in-process runtime reports them when it can.
	CodeProtocol
	// CodeBuffer reports that a buffered-mode send exceeds the attached
	// buffer capacity (or no buffer is attached).
	CodeBuffer
	// CodeUnsupported reports an operation the runtime cannot perform,
	// e.g. a bitwise reduction over floating-point elements.
	CodeUnsupported
	// CodeRank reports an out-of-range rank argument.
	CodeRank
	// CodeType reports a malformed or unregistered datatype argument.
	CodeType
	// CodeInternal reports any other runtime-internal failure.
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeTruncate:
		return "message truncated"
	case CodeStale:
		return "stale handle"
	case CodeProtocol:
		return "protocol violation"
	case CodeBuffer:
		return "attach buffer exhausted"
	case CodeUnsupported:
		return "operation not supported"
	case CodeRank:
		return "rank out of range"
	case CodeType:
		return "invalid datatype"
	case CodeInternal:
		return "internal runtime failure"
	default:
		return fmt.Sprintf("code %d", int32(c))
	}
}

// Error implements error so a Code can be surfaced directly.
func (c Code) Error() string { return "mpi runtime: " + c.String() }

// WithOp adds operation context to the code.
func (c Code) WithOp(op string) error {
	if op == "" {
		return c
	}
	return fmt.Errorf("%s: %w", op, c)
}
