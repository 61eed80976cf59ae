package mpi

import (
	"sync/atomic"
	"unsafe"

	"github.com/ranksafe/mpi-go/internal/nativeapi"
)

// Operation is a reduction combining function: one of the built-in
// catalogue below, or a caller-supplied function registered through
// NewElementwiseOp.
type Operation struct {
	id    nativeapi.OpID
	u     *Universe
	freed atomic.Bool
}

// Built-in reduction operations. Logical operations treat zero as false and
// anything else as true, storing 0 or 1.
var (
	Sum        = builtinOp(nativeapi.OpSum)
	Product    = builtinOp(nativeapi.OpProd)
	Min        = builtinOp(nativeapi.OpMin)
	Max        = builtinOp(nativeapi.OpMax)
	LogicalAnd = builtinOp(nativeapi.OpLogicalAnd)
	LogicalOr  = builtinOp(nativeapi.OpLogicalOr)
	LogicalXor = builtinOp(nativeapi.OpLogicalXor)
	BitwiseAnd = builtinOp(nativeapi.OpBitwiseAnd)
	BitwiseOr  = builtinOp(nativeapi.OpBitwiseOr)
	BitwiseXor = builtinOp(nativeapi.OpBitwiseXor)
)

func builtinOp(id nativeapi.OpID) *Operation {
	return &Operation{id: id}
}

func (o *Operation) use() nativeapi.OpID {
	if o == nil {
		panic(UsageError{Op: "reduction", Detail: "nil operation"})
	}
	if o.freed.Load() {
		panic(StaleHandleError{Handle: "operation"})
	}
	return o.id
}

// NewElementwiseOp registers a caller-supplied reduction combining in into
// inout elementwise. The function is invoked from the runtime's internal
// dispatch context and must not call back into the runtime. Unless
// commutative is set, reductions apply it left-to-right in rank order. Use
// it with the primitive datatype of T; the runtime hands the function
// exactly count elements per invocation.
func NewElementwiseOp[T Primitive](u *Universe, f func(in, inout []T), commutative bool) (*Operation, error) {
	fn := func(in, inout unsafe.Pointer, count int, _ nativeapi.TypeID) {
		if count == 0 {
			return
		}
		f(unsafe.Slice((*T)(in), count), unsafe.Slice((*T)(inout), count))
	}
	id, err := u.runtime().RegisterOp(fn, commutative)
	if err != nil {
		return nil, raise("register operation", err)
	}
	return &Operation{id: id, u: u}, nil
}

// Free unregisters a user operation. Built-in operations cannot be freed.
func (o *Operation) Free() error {
	if o.u == nil {
		panic(UsageError{Op: "operation free", Detail: "built-in operation"})
	}
	if o.freed.Swap(true) {
		panic(StaleHandleError{Handle: "operation"})
	}
	return raise("operation free", o.u.runtime().FreeOp(o.id))
}

// Barrier blocks until every rank of the communicator has entered it.
func (c *Comm) Barrier() error {
	return raise("barrier", c.u.runtime().Barrier(c.context()))
}

// Broadcast sends the root's buffer contents to every rank's buffer.
func (c *Comm) Broadcast(buf MutBuffer, root int) error {
	return raise("broadcast", c.u.runtime().Broadcast(c.context(), capOf(buf), root))
}

// Gather concatenates every rank's send buffer into the root's recv buffer
// in rank order. Non-root ranks pass nil recv.
func (c *Comm) Gather(send Buffer, recv MutBuffer, root int) error {
	return raise("gather", c.u.runtime().Gather(c.context(), capOf(send), capOf(recv), root))
}

// GatherVarying gathers a different element count from each rank, placing
// rank i's contribution at element offset displs[i] of the root's recv
// buffer. counts and displs matter at the root only.
func (c *Comm) GatherVarying(send Buffer, recv MutBuffer, counts, displs []int, root int) error {
	err := c.u.runtime().GatherVarying(c.context(), capOf(send), capOf(recv), counts, displs, root)
	return raise("gather varying", err)
}

// Scatter splits the root's send buffer into equal chunks, delivering the
// i-th chunk to rank i. Non-root ranks pass nil send.
func (c *Comm) Scatter(send Buffer, recv MutBuffer, root int) error {
	return raise("scatter", c.u.runtime().Scatter(c.context(), capOf(send), capOf(recv), root))
}

// ScatterVarying scatters counts[i] elements starting at element offset
// displs[i] of the root's send buffer to rank i.
func (c *Comm) ScatterVarying(send Buffer, recv MutBuffer, counts, displs []int, root int) error {
	err := c.u.runtime().ScatterVarying(c.context(), capOf(send), capOf(recv), counts, displs, root)
	return raise("scatter varying", err)
}

// AllGather gathers every rank's send buffer into every rank's recv buffer
// in rank order.
func (c *Comm) AllGather(send Buffer, recv MutBuffer) error {
	return raise("all gather", c.u.runtime().AllGather(c.context(), capOf(send), capOf(recv)))
}

// AllToAll delivers the i-th equal chunk of each rank's send buffer to rank
// i, so rank i's recv buffer holds chunk i of every rank in rank order.
func (c *Comm) AllToAll(send Buffer, recv MutBuffer) error {
	return raise("all to all", c.u.runtime().AllToAll(c.context(), capOf(send), capOf(recv)))
}

// Reduce combines every rank's send buffer with op into the root's recv
// buffer. Non-commutative operations apply in rank order.
func (c *Comm) Reduce(send Buffer, recv MutBuffer, op *Operation, root int) error {
	return raise("reduce", c.u.runtime().Reduce(c.context(), capOf(send), capOf(recv), op.use(), root))
}

// AllReduce combines every rank's send buffer with op into every rank's
// recv buffer.
func (c *Comm) AllReduce(send Buffer, recv MutBuffer, op *Operation) error {
	return raise("all reduce", c.u.runtime().AllReduce(c.context(), capOf(send), capOf(recv), op.use()))
}

// Scan gives rank i the reduction of ranks 0..i inclusive.
func (c *Comm) Scan(send Buffer, recv MutBuffer, op *Operation) error {
	return raise("scan", c.u.runtime().Scan(c.context(), capOf(send), capOf(recv), op.use()))
}

// ExclusiveScan gives rank i the reduction of ranks 0..i-1; rank 0's recv
// buffer is left untouched.
func (c *Comm) ExclusiveScan(send Buffer, recv MutBuffer, op *Operation) error {
	return raise("exclusive scan", c.u.runtime().ExclusiveScan(c.context(), capOf(send), capOf(recv), op.use()))
}

func (c *Comm) postCollective(s *Scope, op string, pins []Buffer, issue func() (nativeapi.RequestID, error)) (*Request, error) {
	id, err := issue()
	if err != nil {
		return nil, raise(op, err)
	}
	return s.attach(id, pins...), nil
}

// PostBarrier starts a non-blocking barrier.
func (c *Comm) PostBarrier(s *Scope) (*Request, error) {
	return c.postCollective(s, "barrier", nil, func() (nativeapi.RequestID, error) {
		return c.u.runtime().BarrierAsync(c.context())
	})
}

// PostBroadcast starts a non-blocking broadcast.
func (c *Comm) PostBroadcast(s *Scope, buf MutBuffer, root int) (*Request, error) {
	return c.postCollective(s, "broadcast", []Buffer{buf}, func() (nativeapi.RequestID, error) {
		return c.u.runtime().BroadcastAsync(c.context(), capOf(buf), root)
	})
}

// PostGather starts a non-blocking gather.
func (c *Comm) PostGather(s *Scope, send Buffer, recv MutBuffer, root int) (*Request, error) {
	return c.postCollective(s, "gather", []Buffer{send, recv}, func() (nativeapi.RequestID, error) {
		return c.u.runtime().GatherAsync(c.context(), capOf(send), capOf(recv), root)
	})
}

// PostScatter starts a non-blocking scatter.
func (c *Comm) PostScatter(s *Scope, send Buffer, recv MutBuffer, root int) (*Request, error) {
	return c.postCollective(s, "scatter", []Buffer{send, recv}, func() (nativeapi.RequestID, error) {
		return c.u.runtime().ScatterAsync(c.context(), capOf(send), capOf(recv), root)
	})
}

// PostAllGather starts a non-blocking all-gather.
func (c *Comm) PostAllGather(s *Scope, send Buffer, recv MutBuffer) (*Request, error) {
	return c.postCollective(s, "all gather", []Buffer{send, recv}, func() (nativeapi.RequestID, error) {
		return c.u.runtime().AllGatherAsync(c.context(), capOf(send), capOf(recv))
	})
}

// PostAllToAll starts a non-blocking all-to-all.
func (c *Comm) PostAllToAll(s *Scope, send Buffer, recv MutBuffer) (*Request, error) {
	return c.postCollective(s, "all to all", []Buffer{send, recv}, func() (nativeapi.RequestID, error) {
		return c.u.runtime().AllToAllAsync(c.context(), capOf(send), capOf(recv))
	})
}

// PostReduce starts a non-blocking reduce.
func (c *Comm) PostReduce(s *Scope, send Buffer, recv MutBuffer, op *Operation, root int) (*Request, error) {
	return c.postCollective(s, "reduce", []Buffer{send, recv}, func() (nativeapi.RequestID, error) {
		return c.u.runtime().ReduceAsync(c.context(), capOf(send), capOf(recv), op.use(), root)
	})
}

// PostAllReduce starts a non-blocking all-reduce.
func (c *Comm) PostAllReduce(s *Scope, send Buffer, recv MutBuffer, op *Operation) (*Request, error) {
	return c.postCollective(s, "all reduce", []Buffer{send, recv}, func() (nativeapi.RequestID, error) {
		return c.u.runtime().AllReduceAsync(c.context(), capOf(send), capOf(recv), op.use())
	})
}
