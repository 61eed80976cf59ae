// Package nativeapi defines the narrow contract the safety layer establishes
// with the underlying message-passing runtime. The public mpi package never
// talks to a runtime except through the Runtime interface; backends are the
// in-process mesh (default) and the cgo MPI bindings (build tag "mpi").
package nativeapi

import "unsafe"

// Wildcard arguments accepted by receive and probe operations.
const (
	AnySource = -1
	AnyTag    = -1
)

// ContextID names a communication context (a communicator) inside the
// runtime. The world context is always valid after Init.
type ContextID int64

// ContextInvalid is returned by SplitContext for ranks passing an undefined
// color.
const ContextInvalid ContextID = 0

// RequestID names one outstanding asynchronous operation.
type RequestID int64

// MessageID names a message claimed by a matched probe and not yet received.
type MessageID int64

// OpID names a reduction operation. Built-in operations use the fixed IDs
// below; user operations are registered per runtime instance.
type OpID int32

const (
	OpInvalid OpID = iota
	OpSum
	OpProd
	OpMin
	OpMax
	OpLogicalAnd
	OpLogicalOr
	OpLogicalXor
	OpBitwiseAnd
	OpBitwiseOr
	OpBitwiseXor

	// FirstUserOp is the lowest OpID handed out by RegisterOp.
	FirstUserOp OpID = 64
)

// SendMode selects one of the four point-to-point send semantics.
type SendMode int32

const (
	// SendStandard lets the runtime decide whether to buffer.
	SendStandard SendMode = iota
	// SendBuffered completes locally against the attached buffer.
	SendBuffered
	// SendSynchronous completes only once the matching receive has begun.
	SendSynchronous
	// SendReady is correct only if a matching receive is already posted.
	SendReady
)

func (m SendMode) String() string {
	switch m {
	case SendStandard:
		return "standard"
	case SendBuffered:
		return "buffered"
	case SendSynchronous:
		return "synchronous"
	case SendReady:
		return "ready"
	default:
		return "send"
	}
}

// Threading is the level of concurrent access the runtime was asked to
// support. Levels are ordered.
type Threading int32

const (
	ThreadingSingle Threading = iota
	ThreadingFunneled
	ThreadingSerialized
	ThreadingMultiple
)

func (t Threading) String() string {
	switch t {
	case ThreadingSingle:
		return "single"
	case ThreadingFunneled:
		return "funneled"
	case ThreadingSerialized:
		return "serialized"
	case ThreadingMultiple:
		return "multiple"
	default:
		return "unknown"
	}
}

// Status describes a completed or probed receive: the actual source rank,
// the actual tag, and the packed size in bytes of the message transferred or
// pending. Callers that want an element count divide by the packed size of
// their datatype; probe results carry no datatype, so the boundary speaks in
// bytes only.
type Status struct {
	Source int
	Tag    int
	Count  int
}

// Buffer is the raw (address, element count, datatype) triple handed across
// the boundary. The memory behind Ptr must stay valid and unmoved until the
// operation using it completes; the safety layer, not the runtime, enforces
// that.
type Buffer struct {
	Ptr   unsafe.Pointer
	Count int
	Type  TypeID
}

// ReduceFunc is the narrow invocation contract for caller-supplied reduction
// operations. It must combine count elements of the given type elementwise,
// storing in ⊕ inout into inout. It is invoked from the runtime's internal
// dispatch context and must not call back into the runtime.
type ReduceFunc func(in, inout unsafe.Pointer, count int, id TypeID)

// Runtime is the complete facade over one rank's view of the message-passing
// runtime. Blocking calls suspend the caller until the runtime signals
// completion; *Async calls return a RequestID that must be driven to
// completion through Wait or Test.
type Runtime interface {
	// Lifecycle.
	Initialized() bool
	Finalize() error
	ThreadingLevel() Threading
	ProcessorName() string
	LibraryVersion() string
	WallTime() float64

	// Contexts.
	WorldContext() ContextID
	SelfContext() ContextID
	ContextRank(ctx ContextID) (int, error)
	ContextSize(ctx ContextID) (int, error)
	DupContext(ctx ContextID) (ContextID, error)
	SplitContext(ctx ContextID, color, key int) (ContextID, error)
	FreeContext(ctx ContextID) error

	// Datatypes.
	CommitType(layout TypeLayout) (TypeID, error)
	FreeType(id TypeID) error

	// Buffered-send attach buffer.
	AttachBuffer(size int) error
	DetachBuffer() (int, error)

	// Point to point, blocking.
	Send(mode SendMode, ctx ContextID, buf Buffer, dest, tag int) error
	Recv(ctx ContextID, buf Buffer, source, tag int) (Status, error)
	Probe(ctx ContextID, source, tag int) (Status, error)
	MatchedProbe(ctx ContextID, source, tag int) (MessageID, Status, error)
	MatchedRecv(msg MessageID, buf Buffer) (Status, error)

	// Point to point, non-blocking.
	SendAsync(mode SendMode, ctx ContextID, buf Buffer, dest, tag int) (RequestID, error)
	RecvAsync(ctx ContextID, buf Buffer, source, tag int) (RequestID, error)
	MatchedRecvAsync(msg MessageID, buf Buffer) (RequestID, error)

	// Completion.
	Wait(req RequestID) (Status, error)
	Test(req RequestID) (Status, bool, error)

	// Collectives, blocking. Every rank of the context must make the
	// matching call; a mismatched sequence is a protocol violation the
	// runtime is free to treat as fatal.
	Barrier(ctx ContextID) error
	Broadcast(ctx ContextID, buf Buffer, root int) error
	Gather(ctx ContextID, send, recv Buffer, root int) error
	GatherVarying(ctx ContextID, send, recv Buffer, counts, displs []int, root int) error
	Scatter(ctx ContextID, send, recv Buffer, root int) error
	ScatterVarying(ctx ContextID, send, recv Buffer, counts, displs []int, root int) error
	AllGather(ctx ContextID, send, recv Buffer) error
	AllToAll(ctx ContextID, send, recv Buffer) error
	Reduce(ctx ContextID, send, recv Buffer, op OpID, root int) error
	AllReduce(ctx ContextID, send, recv Buffer, op OpID) error
	Scan(ctx ContextID, send, recv Buffer, op OpID) error
	ExclusiveScan(ctx ContextID, send, recv Buffer, op OpID) error

	// Collectives, non-blocking.
	BarrierAsync(ctx ContextID) (RequestID, error)
	BroadcastAsync(ctx ContextID, buf Buffer, root int) (RequestID, error)
	GatherAsync(ctx ContextID, send, recv Buffer, root int) (RequestID, error)
	ScatterAsync(ctx ContextID, send, recv Buffer, root int) (RequestID, error)
	AllGatherAsync(ctx ContextID, send, recv Buffer) (RequestID, error)
	AllToAllAsync(ctx ContextID, send, recv Buffer) (RequestID, error)
	ReduceAsync(ctx ContextID, send, recv Buffer, op OpID, root int) (RequestID, error)
	AllReduceAsync(ctx ContextID, send, recv Buffer, op OpID) (RequestID, error)

	// User reduction operations.
	RegisterOp(fn ReduceFunc, commutative bool) (OpID, error)
	FreeOp(op OpID) error
}
