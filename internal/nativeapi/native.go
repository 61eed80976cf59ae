//go:build mpi

package nativeapi

/*
#cgo pkg-config: ompi
#include <stdlib.h>
#include <mpi.h>

extern void goUserOp0(void*, void*, int*, MPI_Datatype*);
extern void goUserOp1(void*, void*, int*, MPI_Datatype*);
extern void goUserOp2(void*, void*, int*, MPI_Datatype*);
extern void goUserOp3(void*, void*, int*, MPI_Datatype*);
extern void goUserOp4(void*, void*, int*, MPI_Datatype*);
extern void goUserOp5(void*, void*, int*, MPI_Datatype*);
extern void goUserOp6(void*, void*, int*, MPI_Datatype*);
extern void goUserOp7(void*, void*, int*, MPI_Datatype*);

static void userOp0(void *a, void *b, int *l, MPI_Datatype *d) { goUserOp0(a, b, l, d); }
static void userOp1(void *a, void *b, int *l, MPI_Datatype *d) { goUserOp1(a, b, l, d); }
static void userOp2(void *a, void *b, int *l, MPI_Datatype *d) { goUserOp2(a, b, l, d); }
static void userOp3(void *a, void *b, int *l, MPI_Datatype *d) { goUserOp3(a, b, l, d); }
static void userOp4(void *a, void *b, int *l, MPI_Datatype *d) { goUserOp4(a, b, l, d); }
static void userOp5(void *a, void *b, int *l, MPI_Datatype *d) { goUserOp5(a, b, l, d); }
static void userOp6(void *a, void *b, int *l, MPI_Datatype *d) { goUserOp6(a, b, l, d); }
static void userOp7(void *a, void *b, int *l, MPI_Datatype *d) { goUserOp7(a, b, l, d); }

static MPI_User_function *user_op_fn(int slot) {
	switch (slot) {
	case 0: return userOp0;
	case 1: return userOp1;
	case 2: return userOp2;
	case 3: return userOp3;
	case 4: return userOp4;
	case 5: return userOp5;
	case 6: return userOp6;
	default: return userOp7;
	}
}
*/
import "C"

import (
	"fmt"
	"strings"
	"sync"
	"unsafe"
)

const userOpSlots = 8

// native implements Runtime over the system MPI library. One instance exists
// per process; the process is one rank of the world context.
type native struct {
	granted Threading

	mu       sync.Mutex
	comms    map[ContextID]C.MPI_Comm
	nextCtx  ContextID
	types    map[TypeID]C.MPI_Datatype
	revTypes map[C.MPI_Datatype]TypeID
	nextType TypeID
	reqs     map[RequestID]C.MPI_Request
	nextReq  RequestID
	msgs     map[MessageID]matchedMsg
	nextMsg  MessageID
	ops      map[OpID]C.MPI_Op
	nextOp   OpID
	attach   unsafe.Pointer
	attachN  int
	finished bool
}

type matchedMsg struct {
	msg    C.MPI_Message
	status C.MPI_Status
}

var (
	nativeOnce sync.Once
	nativeInst *native
	nativeErr  error

	userOpMu    sync.Mutex
	userOpFns   [userOpSlots]ReduceFunc
	userOpInUse [userOpSlots]bool
)

// OpenNative initializes the system MPI library exactly once and returns the
// process-wide Runtime bound to it.
func OpenNative(requested Threading) (Runtime, error) {
	nativeOnce.Do(func() {
		var provided C.int
		if ec := C.MPI_Init_thread(nil, nil, C.int(requested.native()), &provided); ec != C.MPI_SUCCESS {
			nativeErr = codeFromNative(ec).WithOp("MPI_Init_thread")
			return
		}
		C.MPI_Comm_set_errhandler(C.MPI_COMM_WORLD, C.MPI_ERRORS_RETURN)
		C.MPI_Comm_set_errhandler(C.MPI_COMM_SELF, C.MPI_ERRORS_RETURN)
		n := &native{
			granted:  threadingFromNative(provided),
			comms:    map[ContextID]C.MPI_Comm{1: C.MPI_COMM_WORLD, 2: C.MPI_COMM_SELF},
			nextCtx:  3,
			types:    make(map[TypeID]C.MPI_Datatype),
			revTypes: make(map[C.MPI_Datatype]TypeID),
			nextType: FirstDerivedType,
			reqs:     make(map[RequestID]C.MPI_Request),
			nextReq:  1,
			msgs:     make(map[MessageID]matchedMsg),
			nextMsg:  1,
			ops:      make(map[OpID]C.MPI_Op),
			nextOp:   FirstUserOp,
		}
		nativeInst = n
	})
	return nativeInst, nativeErr
}

func (t Threading) native() C.int {
	switch t {
	case ThreadingSingle:
		return C.MPI_THREAD_SINGLE
	case ThreadingFunneled:
		return C.MPI_THREAD_FUNNELED
	case ThreadingSerialized:
		return C.MPI_THREAD_SERIALIZED
	default:
		return C.MPI_THREAD_MULTIPLE
	}
}

func threadingFromNative(v C.int) Threading {
	switch v {
	case C.MPI_THREAD_SINGLE:
		return ThreadingSingle
	case C.MPI_THREAD_FUNNELED:
		return ThreadingFunneled
	case C.MPI_THREAD_SERIALIZED:
		return ThreadingSerialized
	default:
		return ThreadingMultiple
	}
}

func codeFromNative(ec C.int) Code {
	if ec == C.MPI_SUCCESS {
		return CodeSuccess
	}
	var class C.int
	C.MPI_Error_class(ec, &class)
	switch class {
	case C.MPI_ERR_TRUNCATE:
		return CodeTruncate
	case C.MPI_ERR_COMM, C.MPI_ERR_REQUEST:
		return CodeStale
	case C.MPI_ERR_BUFFER:
		return CodeBuffer
	case C.MPI_ERR_RANK, C.MPI_ERR_ROOT:
		return CodeRank
	case C.MPI_ERR_TYPE:
		return CodeType
	case C.MPI_ERR_OP:
		return CodeUnsupported
	default:
		return CodeInternal
	}
}

func check(ec C.int, op string) error {
	if ec == C.MPI_SUCCESS {
		return nil
	}
	return codeFromNative(ec).WithOp(op)
}

func (n *native) comm(ctx ContextID) (C.MPI_Comm, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.comms[ctx]
	if !ok {
		return C.MPI_COMM_NULL, CodeStale
	}
	return c, nil
}

func (n *native) datatype(id TypeID) (C.MPI_Datatype, error) {
	if k := PrimitiveKind(id); k != KindInvalid {
		return primitiveNative(k), nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	dt, ok := n.types[id]
	if !ok {
		return C.MPI_DATATYPE_NULL, CodeType
	}
	return dt, nil
}

func primitiveNative(k Kind) C.MPI_Datatype {
	switch k {
	case KindInt8:
		return C.MPI_INT8_T
	case KindInt16:
		return C.MPI_INT16_T
	case KindInt32:
		return C.MPI_INT32_T
	case KindInt64:
		return C.MPI_INT64_T
	case KindUint8:
		return C.MPI_UINT8_T
	case KindUint16:
		return C.MPI_UINT16_T
	case KindUint32:
		return C.MPI_UINT32_T
	case KindUint64:
		return C.MPI_UINT64_T
	case KindFloat32:
		return C.MPI_FLOAT
	case KindFloat64:
		return C.MPI_DOUBLE
	case KindComplex64:
		return C.MPI_C_FLOAT_COMPLEX
	case KindComplex128:
		return C.MPI_C_DOUBLE_COMPLEX
	default:
		return C.MPI_BYTE
	}
}

func (n *native) Initialized() bool {
	var flag C.int
	C.MPI_Initialized(&flag)
	return flag != 0 && !n.finished
}

func (n *native) Finalize() error {
	n.mu.Lock()
	if n.finished {
		n.mu.Unlock()
		return CodeStale.WithOp("MPI_Finalize")
	}
	n.finished = true
	n.mu.Unlock()
	return check(C.MPI_Finalize(), "MPI_Finalize")
}

func (n *native) ThreadingLevel() Threading { return n.granted }

func (n *native) ProcessorName() string {
	buf := make([]byte, C.MPI_MAX_PROCESSOR_NAME)
	var l C.int
	if ec := C.MPI_Get_processor_name((*C.char)(unsafe.Pointer(&buf[0])), &l); ec != C.MPI_SUCCESS {
		return ""
	}
	return string(buf[:l])
}

func (n *native) LibraryVersion() string {
	buf := make([]byte, C.MPI_MAX_LIBRARY_VERSION_STRING)
	var l C.int
	if ec := C.MPI_Get_library_version((*C.char)(unsafe.Pointer(&buf[0])), &l); ec != C.MPI_SUCCESS {
		return ""
	}
	return strings.TrimSpace(string(buf[:l]))
}

func (n *native) WallTime() float64 { return float64(C.MPI_Wtime()) }

func (n *native) WorldContext() ContextID { return 1 }
func (n *native) SelfContext() ContextID  { return 2 }

func (n *native) ContextRank(ctx ContextID) (int, error) {
	c, err := n.comm(ctx)
	if err != nil {
		return -1, err
	}
	var r C.int
	if err := check(C.MPI_Comm_rank(c, &r), "MPI_Comm_rank"); err != nil {
		return -1, err
	}
	return int(r), nil
}

func (n *native) ContextSize(ctx ContextID) (int, error) {
	c, err := n.comm(ctx)
	if err != nil {
		return 0, err
	}
	var s C.int
	if err := check(C.MPI_Comm_size(c, &s), "MPI_Comm_size"); err != nil {
		return 0, err
	}
	return int(s), nil
}

func (n *native) storeComm(c C.MPI_Comm) ContextID {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextCtx
	n.nextCtx++
	n.comms[id] = c
	return id
}

func (n *native) DupContext(ctx ContextID) (ContextID, error) {
	c, err := n.comm(ctx)
	if err != nil {
		return ContextInvalid, err
	}
	var dup C.MPI_Comm
	if err := check(C.MPI_Comm_dup(c, &dup), "MPI_Comm_dup"); err != nil {
		return ContextInvalid, err
	}
	C.MPI_Comm_set_errhandler(dup, C.MPI_ERRORS_RETURN)
	return n.storeComm(dup), nil
}

func (n *native) SplitContext(ctx ContextID, color, key int) (ContextID, error) {
	c, err := n.comm(ctx)
	if err != nil {
		return ContextInvalid, err
	}
	ccolor := C.int(color)
	if color < 0 {
		ccolor = C.MPI_UNDEFINED
	}
	var sub C.MPI_Comm
	if err := check(C.MPI_Comm_split(c, ccolor, C.int(key), &sub), "MPI_Comm_split"); err != nil {
		return ContextInvalid, err
	}
	if sub == C.MPI_COMM_NULL {
		return ContextInvalid, nil
	}
	C.MPI_Comm_set_errhandler(sub, C.MPI_ERRORS_RETURN)
	return n.storeComm(sub), nil
}

func (n *native) FreeContext(ctx ContextID) error {
	n.mu.Lock()
	c, ok := n.comms[ctx]
	if !ok || ctx == n.WorldContext() || ctx == n.SelfContext() {
		n.mu.Unlock()
		return CodeStale.WithOp("MPI_Comm_free")
	}
	delete(n.comms, ctx)
	n.mu.Unlock()
	return check(C.MPI_Comm_free(&c), "MPI_Comm_free")
}

func (n *native) CommitType(layout TypeLayout) (TypeID, error) {
	count := len(layout.Segments)
	if count == 0 {
		return TypeInvalid, CodeType.WithOp("MPI_Type_create_struct")
	}
	lens := make([]C.int, count)
	displs := make([]C.MPI_Aint, count)
	types := make([]C.MPI_Datatype, count)
	for i, seg := range layout.Segments {
		lens[i] = C.int(seg.Count)
		displs[i] = C.MPI_Aint(seg.Offset)
		types[i] = primitiveNative(seg.Kind)
	}
	var packed, resized C.MPI_Datatype
	if err := check(C.MPI_Type_create_struct(C.int(count), &lens[0], &displs[0], &types[0], &packed), "MPI_Type_create_struct"); err != nil {
		return TypeInvalid, err
	}
	if err := check(C.MPI_Type_create_resized(packed, 0, C.MPI_Aint(layout.Extent), &resized), "MPI_Type_create_resized"); err != nil {
		C.MPI_Type_free(&packed)
		return TypeInvalid, err
	}
	C.MPI_Type_free(&packed)
	if err := check(C.MPI_Type_commit(&resized), "MPI_Type_commit"); err != nil {
		C.MPI_Type_free(&resized)
		return TypeInvalid, err
	}
	n.mu.Lock()
	id := n.nextType
	n.nextType++
	n.types[id] = resized
	n.revTypes[resized] = id
	n.mu.Unlock()
	return id, nil
}

func (n *native) FreeType(id TypeID) error {
	n.mu.Lock()
	dt, ok := n.types[id]
	if !ok {
		n.mu.Unlock()
		return CodeStale.WithOp("MPI_Type_free")
	}
	delete(n.types, id)
	delete(n.revTypes, dt)
	n.mu.Unlock()
	return check(C.MPI_Type_free(&dt), "MPI_Type_free")
}

func (n *native) AttachBuffer(size int) error {
	if _, err := n.DetachBuffer(); err != nil {
		return err
	}
	if size <= 0 {
		return nil
	}
	total := size + int(C.MPI_BSEND_OVERHEAD)
	buf := C.malloc(C.size_t(total))
	if buf == nil {
		return CodeInternal.WithOp("malloc")
	}
	if err := check(C.MPI_Buffer_attach(buf, C.int(total)), "MPI_Buffer_attach"); err != nil {
		C.free(buf)
		return err
	}
	n.mu.Lock()
	n.attach = buf
	n.attachN = size
	n.mu.Unlock()
	return nil
}

func (n *native) DetachBuffer() (int, error) {
	n.mu.Lock()
	buf := n.attach
	size := n.attachN
	n.attach = nil
	n.attachN = 0
	n.mu.Unlock()
	if buf == nil {
		return 0, nil
	}
	var addr unsafe.Pointer
	var cn C.int
	err := check(C.MPI_Buffer_detach(unsafe.Pointer(&addr), &cn), "MPI_Buffer_detach")
	C.free(buf)
	return size, err
}

func (n *native) Send(mode SendMode, ctx ContextID, buf Buffer, dest, tag int) error {
	c, err := n.comm(ctx)
	if err != nil {
		return err
	}
	dt, err := n.datatype(buf.Type)
	if err != nil {
		return err
	}
	var ec C.int
	switch mode {
	case SendBuffered:
		ec = C.MPI_Bsend(buf.Ptr, C.int(buf.Count), dt, C.int(dest), C.int(tag), c)
	case SendSynchronous:
		ec = C.MPI_Ssend(buf.Ptr, C.int(buf.Count), dt, C.int(dest), C.int(tag), c)
	case SendReady:
		ec = C.MPI_Rsend(buf.Ptr, C.int(buf.Count), dt, C.int(dest), C.int(tag), c)
	default:
		ec = C.MPI_Send(buf.Ptr, C.int(buf.Count), dt, C.int(dest), C.int(tag), c)
	}
	return check(ec, "MPI_"+mode.String()+"_send")
}

// statusOf converts a raw status into the boundary convention: Count is the
// packed size in bytes regardless of the datatype the transfer used.
func (n *native) statusOf(raw C.MPI_Status) Status {
	var cn C.int
	C.MPI_Get_count(&raw, C.MPI_BYTE, &cn)
	count := int(cn)
	if cn == C.MPI_UNDEFINED {
		count = 0
	}
	return Status{Source: int(raw.MPI_SOURCE), Tag: int(raw.MPI_TAG), Count: count}
}

func wildcard(v int, any C.int) C.int {
	if v < 0 {
		return any
	}
	return C.int(v)
}

func (n *native) Recv(ctx ContextID, buf Buffer, source, tag int) (Status, error) {
	c, err := n.comm(ctx)
	if err != nil {
		return Status{}, err
	}
	dt, err := n.datatype(buf.Type)
	if err != nil {
		return Status{}, err
	}
	var raw C.MPI_Status
	ec := C.MPI_Recv(buf.Ptr, C.int(buf.Count), dt, wildcard(source, C.MPI_ANY_SOURCE), wildcard(tag, C.MPI_ANY_TAG), c, &raw)
	if err := check(ec, "MPI_Recv"); err != nil {
		return Status{}, err
	}
	return n.statusOf(raw), nil
}

func (n *native) Probe(ctx ContextID, source, tag int) (Status, error) {
	c, err := n.comm(ctx)
	if err != nil {
		return Status{}, err
	}
	var raw C.MPI_Status
	ec := C.MPI_Probe(wildcard(source, C.MPI_ANY_SOURCE), wildcard(tag, C.MPI_ANY_TAG), c, &raw)
	if err := check(ec, "MPI_Probe"); err != nil {
		return Status{}, err
	}
	return n.statusOf(raw), nil
}

func (n *native) MatchedProbe(ctx ContextID, source, tag int) (MessageID, Status, error) {
	c, err := n.comm(ctx)
	if err != nil {
		return 0, Status{}, err
	}
	var raw C.MPI_Status
	var msg C.MPI_Message
	ec := C.MPI_Mprobe(wildcard(source, C.MPI_ANY_SOURCE), wildcard(tag, C.MPI_ANY_TAG), c, &msg, &raw)
	if err := check(ec, "MPI_Mprobe"); err != nil {
		return 0, Status{}, err
	}
	n.mu.Lock()
	id := n.nextMsg
	n.nextMsg++
	n.msgs[id] = matchedMsg{msg: msg, status: raw}
	n.mu.Unlock()
	return id, n.statusOf(raw), nil
}

func (n *native) takeMsg(id MessageID) (matchedMsg, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.msgs[id]
	if !ok {
		return matchedMsg{}, CodeStale.WithOp("MPI_Mrecv")
	}
	delete(n.msgs, id)
	return m, nil
}

func (n *native) MatchedRecv(msg MessageID, buf Buffer) (Status, error) {
	m, err := n.takeMsg(msg)
	if err != nil {
		return Status{}, err
	}
	dt, err := n.datatype(buf.Type)
	if err != nil {
		return Status{}, err
	}
	var raw C.MPI_Status
	if err := check(C.MPI_Mrecv(buf.Ptr, C.int(buf.Count), dt, &m.msg, &raw), "MPI_Mrecv"); err != nil {
		return Status{}, err
	}
	return n.statusOf(raw), nil
}

func (n *native) storeReq(req C.MPI_Request) RequestID {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextReq
	n.nextReq++
	n.reqs[id] = req
	return id
}

func (n *native) SendAsync(mode SendMode, ctx ContextID, buf Buffer, dest, tag int) (RequestID, error) {
	c, err := n.comm(ctx)
	if err != nil {
		return 0, err
	}
	dt, err := n.datatype(buf.Type)
	if err != nil {
		return 0, err
	}
	var req C.MPI_Request
	var ec C.int
	switch mode {
	case SendBuffered:
		ec = C.MPI_Ibsend(buf.Ptr, C.int(buf.Count), dt, C.int(dest), C.int(tag), c, &req)
	case SendSynchronous:
		ec = C.MPI_Issend(buf.Ptr, C.int(buf.Count), dt, C.int(dest), C.int(tag), c, &req)
	case SendReady:
		ec = C.MPI_Irsend(buf.Ptr, C.int(buf.Count), dt, C.int(dest), C.int(tag), c, &req)
	default:
		ec = C.MPI_Isend(buf.Ptr, C.int(buf.Count), dt, C.int(dest), C.int(tag), c, &req)
	}
	if err := check(ec, "MPI_I"+mode.String()+"_send"); err != nil {
		return 0, err
	}
	return n.storeReq(req), nil
}

func (n *native) RecvAsync(ctx ContextID, buf Buffer, source, tag int) (RequestID, error) {
	c, err := n.comm(ctx)
	if err != nil {
		return 0, err
	}
	dt, err := n.datatype(buf.Type)
	if err != nil {
		return 0, err
	}
	var req C.MPI_Request
	ec := C.MPI_Irecv(buf.Ptr, C.int(buf.Count), dt, wildcard(source, C.MPI_ANY_SOURCE), wildcard(tag, C.MPI_ANY_TAG), c, &req)
	if err := check(ec, "MPI_Irecv"); err != nil {
		return 0, err
	}
	return n.storeReq(req), nil
}

func (n *native) MatchedRecvAsync(msg MessageID, buf Buffer) (RequestID, error) {
	m, err := n.takeMsg(msg)
	if err != nil {
		return 0, err
	}
	dt, err := n.datatype(buf.Type)
	if err != nil {
		return 0, err
	}
	var req C.MPI_Request
	if err := check(C.MPI_Imrecv(buf.Ptr, C.int(buf.Count), dt, &m.msg, &req), "MPI_Imrecv"); err != nil {
		return 0, err
	}
	return n.storeReq(req), nil
}

func (n *native) takeReq(id RequestID) (C.MPI_Request, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	req, ok := n.reqs[id]
	return req, ok
}

func (n *native) dropReq(id RequestID) {
	n.mu.Lock()
	delete(n.reqs, id)
	n.mu.Unlock()
}

func (n *native) Wait(id RequestID) (Status, error) {
	req, ok := n.takeReq(id)
	if !ok {
		return Status{}, CodeStale.WithOp("MPI_Wait")
	}
	var raw C.MPI_Status
	ec := C.MPI_Wait(&req, &raw)
	n.dropReq(id)
	if err := check(ec, "MPI_Wait"); err != nil {
		return Status{}, err
	}
	return n.statusOf(raw), nil
}

func (n *native) Test(id RequestID) (Status, bool, error) {
	req, ok := n.takeReq(id)
	if !ok {
		return Status{}, false, CodeStale.WithOp("MPI_Test")
	}
	var raw C.MPI_Status
	var flag C.int
	ec := C.MPI_Test(&req, &flag, &raw)
	if err := check(ec, "MPI_Test"); err != nil {
		n.dropReq(id)
		return Status{}, false, err
	}
	if flag == 0 {
		// Request handle may have been replaced by MPI_Test; store it back.
		n.mu.Lock()
		n.reqs[id] = req
		n.mu.Unlock()
		return Status{}, false, nil
	}
	n.dropReq(id)
	return n.statusOf(raw), true, nil
}

func (n *native) collArgs(ctx ContextID, send, recv Buffer) (C.MPI_Comm, C.MPI_Datatype, C.MPI_Datatype, error) {
	c, err := n.comm(ctx)
	if err != nil {
		return C.MPI_COMM_NULL, C.MPI_DATATYPE_NULL, C.MPI_DATATYPE_NULL, err
	}
	sdt := C.MPI_DATATYPE_NULL
	rdt := C.MPI_DATATYPE_NULL
	if send.Type != TypeInvalid {
		if sdt, err = n.datatype(send.Type); err != nil {
			return C.MPI_COMM_NULL, C.MPI_DATATYPE_NULL, C.MPI_DATATYPE_NULL, err
		}
	}
	if recv.Type != TypeInvalid {
		if rdt, err = n.datatype(recv.Type); err != nil {
			return C.MPI_COMM_NULL, C.MPI_DATATYPE_NULL, C.MPI_DATATYPE_NULL, err
		}
	}
	return c, sdt, rdt, nil
}

func (n *native) Barrier(ctx ContextID) error {
	c, err := n.comm(ctx)
	if err != nil {
		return err
	}
	return check(C.MPI_Barrier(c), "MPI_Barrier")
}

func (n *native) Broadcast(ctx ContextID, buf Buffer, root int) error {
	c, dt, _, err := n.collArgs(ctx, buf, Buffer{})
	if err != nil {
		return err
	}
	return check(C.MPI_Bcast(buf.Ptr, C.int(buf.Count), dt, C.int(root), c), "MPI_Bcast")
}

func (n *native) perRank(ctx ContextID, total int) (C.int, error) {
	size, err := n.ContextSize(ctx)
	if err != nil {
		return 0, err
	}
	if size == 0 || total%size != 0 {
		return 0, CodeInternal.WithOp("uneven collective count")
	}
	return C.int(total / size), nil
}

func (n *native) Gather(ctx ContextID, send, recv Buffer, root int) error {
	c, sdt, rdt, err := n.collArgs(ctx, send, recv)
	if err != nil {
		return err
	}
	var per C.int
	if recv.Ptr != nil {
		if per, err = n.perRank(ctx, recv.Count); err != nil {
			return err
		}
	}
	return check(C.MPI_Gather(send.Ptr, C.int(send.Count), sdt, recv.Ptr, per, rdt, C.int(root), c), "MPI_Gather")
}

func (n *native) GatherVarying(ctx ContextID, send, recv Buffer, counts, displs []int, root int) error {
	c, sdt, rdt, err := n.collArgs(ctx, send, recv)
	if err != nil {
		return err
	}
	var cc, cd *C.int
	if len(counts) > 0 {
		ccs := make([]C.int, len(counts))
		cds := make([]C.int, len(displs))
		for i := range counts {
			ccs[i] = C.int(counts[i])
		}
		for i := range displs {
			cds[i] = C.int(displs[i])
		}
		cc, cd = &ccs[0], &cds[0]
	}
	return check(C.MPI_Gatherv(send.Ptr, C.int(send.Count), sdt, recv.Ptr, cc, cd, rdt, C.int(root), c), "MPI_Gatherv")
}

func (n *native) Scatter(ctx ContextID, send, recv Buffer, root int) error {
	c, sdt, rdt, err := n.collArgs(ctx, send, recv)
	if err != nil {
		return err
	}
	var per C.int
	if send.Ptr != nil {
		if per, err = n.perRank(ctx, send.Count); err != nil {
			return err
		}
	}
	return check(C.MPI_Scatter(send.Ptr, per, sdt, recv.Ptr, C.int(recv.Count), rdt, C.int(root), c), "MPI_Scatter")
}

func (n *native) ScatterVarying(ctx ContextID, send, recv Buffer, counts, displs []int, root int) error {
	c, sdt, rdt, err := n.collArgs(ctx, send, recv)
	if err != nil {
		return err
	}
	var cc, cd *C.int
	if len(counts) > 0 {
		ccs := make([]C.int, len(counts))
		cds := make([]C.int, len(displs))
		for i := range counts {
			ccs[i] = C.int(counts[i])
		}
		for i := range displs {
			cds[i] = C.int(displs[i])
		}
		cc, cd = &ccs[0], &cds[0]
	}
	return check(C.MPI_Scatterv(send.Ptr, cc, cd, sdt, recv.Ptr, C.int(recv.Count), rdt, C.int(root), c), "MPI_Scatterv")
}

func (n *native) AllGather(ctx ContextID, send, recv Buffer) error {
	c, sdt, rdt, err := n.collArgs(ctx, send, recv)
	if err != nil {
		return err
	}
	per, err := n.perRank(ctx, recv.Count)
	if err != nil {
		return err
	}
	return check(C.MPI_Allgather(send.Ptr, C.int(send.Count), sdt, recv.Ptr, per, rdt, c), "MPI_Allgather")
}

func (n *native) AllToAll(ctx ContextID, send, recv Buffer) error {
	c, sdt, rdt, err := n.collArgs(ctx, send, recv)
	if err != nil {
		return err
	}
	sper, err := n.perRank(ctx, send.Count)
	if err != nil {
		return err
	}
	rper, err := n.perRank(ctx, recv.Count)
	if err != nil {
		return err
	}
	return check(C.MPI_Alltoall(send.Ptr, sper, sdt, recv.Ptr, rper, rdt, c), "MPI_Alltoall")
}

func (n *native) op(id OpID) (C.MPI_Op, error) {
	switch id {
	case OpSum:
		return C.MPI_SUM, nil
	case OpProd:
		return C.MPI_PROD, nil
	case OpMin:
		return C.MPI_MIN, nil
	case OpMax:
		return C.MPI_MAX, nil
	case OpLogicalAnd:
		return C.MPI_LAND, nil
	case OpLogicalOr:
		return C.MPI_LOR, nil
	case OpLogicalXor:
		return C.MPI_LXOR, nil
	case OpBitwiseAnd:
		return C.MPI_BAND, nil
	case OpBitwiseOr:
		return C.MPI_BOR, nil
	case OpBitwiseXor:
		return C.MPI_BXOR, nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	op, ok := n.ops[id]
	if !ok {
		return C.MPI_OP_NULL, CodeStale.WithOp("MPI_Op lookup")
	}
	return op, nil
}

func (n *native) Reduce(ctx ContextID, send, recv Buffer, opID OpID, root int) error {
	c, sdt, _, err := n.collArgs(ctx, send, recv)
	if err != nil {
		return err
	}
	op, err := n.op(opID)
	if err != nil {
		return err
	}
	return check(C.MPI_Reduce(send.Ptr, recv.Ptr, C.int(send.Count), sdt, op, C.int(root), c), "MPI_Reduce")
}

func (n *native) AllReduce(ctx ContextID, send, recv Buffer, opID OpID) error {
	c, sdt, _, err := n.collArgs(ctx, send, recv)
	if err != nil {
		return err
	}
	op, err := n.op(opID)
	if err != nil {
		return err
	}
	return check(C.MPI_Allreduce(send.Ptr, recv.Ptr, C.int(send.Count), sdt, op, c), "MPI_Allreduce")
}

func (n *native) Scan(ctx ContextID, send, recv Buffer, opID OpID) error {
	c, sdt, _, err := n.collArgs(ctx, send, recv)
	if err != nil {
		return err
	}
	op, err := n.op(opID)
	if err != nil {
		return err
	}
	return check(C.MPI_Scan(send.Ptr, recv.Ptr, C.int(send.Count), sdt, op, c), "MPI_Scan")
}

func (n *native) ExclusiveScan(ctx ContextID, send, recv Buffer, opID OpID) error {
	c, sdt, _, err := n.collArgs(ctx, send, recv)
	if err != nil {
		return err
	}
	op, err := n.op(opID)
	if err != nil {
		return err
	}
	return check(C.MPI_Exscan(send.Ptr, recv.Ptr, C.int(send.Count), sdt, op, c), "MPI_Exscan")
}

func (n *native) BarrierAsync(ctx ContextID) (RequestID, error) {
	c, err := n.comm(ctx)
	if err != nil {
		return 0, err
	}
	var req C.MPI_Request
	if err := check(C.MPI_Ibarrier(c, &req), "MPI_Ibarrier"); err != nil {
		return 0, err
	}
	return n.storeReq(req, C.MPI_BYTE), nil
}

func (n *native) BroadcastAsync(ctx ContextID, buf Buffer, root int) (RequestID, error) {
	c, dt, _, err := n.collArgs(ctx, buf, Buffer{})
	if err != nil {
		return 0, err
	}
	var req C.MPI_Request
	if err := check(C.MPI_Ibcast(buf.Ptr, C.int(buf.Count), dt, C.int(root), c, &req), "MPI_Ibcast"); err != nil {
		return 0, err
	}
	return n.storeReq(req, dt), nil
}

func (n *native) GatherAsync(ctx ContextID, send, recv Buffer, root int) (RequestID, error) {
	c, sdt, rdt, err := n.collArgs(ctx, send, recv)
	if err != nil {
		return 0, err
	}
	var per C.int
	if recv.Ptr != nil {
		if per, err = n.perRank(ctx, recv.Count); err != nil {
			return 0, err
		}
	}
	var req C.MPI_Request
	if err := check(C.MPI_Igather(send.Ptr, C.int(send.Count), sdt, recv.Ptr, per, rdt, C.int(root), c, &req), "MPI_Igather"); err != nil {
		return 0, err
	}
	return n.storeReq(req, rdt), nil
}

func (n *native) ScatterAsync(ctx ContextID, send, recv Buffer, root int) (RequestID, error) {
	c, sdt, rdt, err := n.collArgs(ctx, send, recv)
	if err != nil {
		return 0, err
	}
	var per C.int
	if send.Ptr != nil {
		if per, err = n.perRank(ctx, send.Count); err != nil {
			return 0, err
		}
	}
	var req C.MPI_Request
	if err := check(C.MPI_Iscatter(send.Ptr, per, sdt, recv.Ptr, C.int(recv.Count), rdt, C.int(root), c, &req), "MPI_Iscatter"); err != nil {
		return 0, err
	}
	return n.storeReq(req, rdt), nil
}

func (n *native) AllGatherAsync(ctx ContextID, send, recv Buffer) (RequestID, error) {
	c, sdt, rdt, err := n.collArgs(ctx, send, recv)
	if err != nil {
		return 0, err
	}
	per, err := n.perRank(ctx, recv.Count)
	if err != nil {
		return 0, err
	}
	var req C.MPI_Request
	if err := check(C.MPI_Iallgather(send.Ptr, C.int(send.Count), sdt, recv.Ptr, per, rdt, c, &req), "MPI_Iallgather"); err != nil {
		return 0, err
	}
	return n.storeReq(req, rdt), nil
}

func (n *native) AllToAllAsync(ctx ContextID, send, recv Buffer) (RequestID, error) {
	c, sdt, rdt, err := n.collArgs(ctx, send, recv)
	if err != nil {
		return 0, err
	}
	sper, err := n.perRank(ctx, send.Count)
	if err != nil {
		return 0, err
	}
	rper, err := n.perRank(ctx, recv.Count)
	if err != nil {
		return 0, err
	}
	var req C.MPI_Request
	if err := check(C.MPI_Ialltoall(send.Ptr, sper, sdt, recv.Ptr, rper, rdt, c, &req), "MPI_Ialltoall"); err != nil {
		return 0, err
	}
	return n.storeReq(req, rdt), nil
}

func (n *native) ReduceAsync(ctx ContextID, send, recv Buffer, opID OpID, root int) (RequestID, error) {
	c, sdt, _, err := n.collArgs(ctx, send, recv)
	if err != nil {
		return 0, err
	}
	op, err := n.op(opID)
	if err != nil {
		return 0, err
	}
	var req C.MPI_Request
	if err := check(C.MPI_Ireduce(send.Ptr, recv.Ptr, C.int(send.Count), sdt, op, C.int(root), c, &req), "MPI_Ireduce"); err != nil {
		return 0, err
	}
	return n.storeReq(req, sdt), nil
}

func (n *native) AllReduceAsync(ctx ContextID, send, recv Buffer, opID OpID) (RequestID, error) {
	c, sdt, _, err := n.collArgs(ctx, send, recv)
	if err != nil {
		return 0, err
	}
	op, err := n.op(opID)
	if err != nil {
		return 0, err
	}
	var req C.MPI_Request
	if err := check(C.MPI_Iallreduce(send.Ptr, recv.Ptr, C.int(send.Count), sdt, op, c, &req), "MPI_Iallreduce"); err != nil {
		return 0, err
	}
	return n.storeReq(req, sdt), nil
}

func (n *native) RegisterOp(fn ReduceFunc, commutative bool) (OpID, error) {
	userOpMu.Lock()
	slot := -1
	for i := 0; i < userOpSlots; i++ {
		if !userOpInUse[i] {
			slot = i
			break
		}
	}
	if slot < 0 {
		userOpMu.Unlock()
		return OpInvalid, fmt.Errorf("user operation slots exhausted: %w", CodeUnsupported)
	}
	userOpInUse[slot] = true
	userOpFns[slot] = fn
	userOpMu.Unlock()

	commute := C.int(0)
	if commutative {
		commute = 1
	}
	var op C.MPI_Op
	if err := check(C.MPI_Op_create(C.user_op_fn(C.int(slot)), commute, &op), "MPI_Op_create"); err != nil {
		userOpMu.Lock()
		userOpInUse[slot] = false
		userOpFns[slot] = nil
		userOpMu.Unlock()
		return OpInvalid, err
	}
	n.mu.Lock()
	id := n.nextOp
	n.nextOp++
	n.ops[id] = op
	n.mu.Unlock()
	// Slot bookkeeping keyed by the op handle for FreeOp.
	userOpMu.Lock()
	userOpSlotsByID[id] = slot
	userOpMu.Unlock()
	return id, nil
}

var userOpSlotsByID = map[OpID]int{}

func (n *native) FreeOp(id OpID) error {
	n.mu.Lock()
	op, ok := n.ops[id]
	if !ok {
		n.mu.Unlock()
		return CodeStale.WithOp("MPI_Op_free")
	}
	delete(n.ops, id)
	n.mu.Unlock()
	err := check(C.MPI_Op_free(&op), "MPI_Op_free")
	userOpMu.Lock()
	if slot, ok := userOpSlotsByID[id]; ok {
		userOpInUse[slot] = false
		userOpFns[slot] = nil
		delete(userOpSlotsByID, id)
	}
	userOpMu.Unlock()
	return err
}

func dispatchUserOp(slot int, in, inout unsafe.Pointer, length *C.int, dt *C.MPI_Datatype) {
	userOpMu.Lock()
	fn := userOpFns[slot]
	userOpMu.Unlock()
	if fn == nil {
		return
	}
	id := TypeInvalid
	if nativeInst != nil {
		nativeInst.mu.Lock()
		if rid, ok := nativeInst.revTypes[*dt]; ok {
			id = rid
		}
		nativeInst.mu.Unlock()
	}
	if id == TypeInvalid {
		for k := KindInt8; k <= KindByte; k++ {
			if primitiveNative(k) == *dt {
				id = PrimitiveType(k)
				break
			}
		}
	}
	fn(in, inout, int(*length), id)
}

//export goUserOp0
func goUserOp0(in, inout unsafe.Pointer, l *C.int, dt *C.MPI_Datatype) { dispatchUserOp(0, in, inout, l, dt) }

//export goUserOp1
func goUserOp1(in, inout unsafe.Pointer, l *C.int, dt *C.MPI_Datatype) { dispatchUserOp(1, in, inout, l, dt) }

//export goUserOp2
func goUserOp2(in, inout unsafe.Pointer, l *C.int, dt *C.MPI_Datatype) { dispatchUserOp(2, in, inout, l, dt) }

//export goUserOp3
func goUserOp3(in, inout unsafe.Pointer, l *C.int, dt *C.MPI_Datatype) { dispatchUserOp(3, in, inout, l, dt) }

//export goUserOp4
func goUserOp4(in, inout unsafe.Pointer, l *C.int, dt *C.MPI_Datatype) { dispatchUserOp(4, in, inout, l, dt) }

//export goUserOp5
func goUserOp5(in, inout unsafe.Pointer, l *C.int, dt *C.MPI_Datatype) { dispatchUserOp(5, in, inout, l, dt) }

//export goUserOp6
func goUserOp6(in, inout unsafe.Pointer, l *C.int, dt *C.MPI_Datatype) { dispatchUserOp(6, in, inout, l, dt) }

//export goUserOp7
func goUserOp7(in, inout unsafe.Pointer, l *C.int, dt *C.MPI_Datatype) { dispatchUserOp(7, in, inout, l, dt) }
