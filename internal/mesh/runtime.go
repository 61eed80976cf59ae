package mesh

import (
	"sync"
	"time"

	"github.com/ranksafe/mpi-go/internal/nativeapi"
)

// runtime is one rank's view of the mesh. It implements nativeapi.Runtime.
type runtime struct {
	mesh *Mesh
	rank int

	mu        sync.Mutex
	attachN   int
	finalized bool
}

func (r *runtime) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.finalized
}

func (r *runtime) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return nativeapi.CodeStale.WithOp("finalize")
	}
	r.finalized = true
	return nil
}

// ThreadingLevel reports multiple: the mesh serializes internally and is
// safe for unrestricted concurrent use.
func (r *runtime) ThreadingLevel() nativeapi.Threading { return nativeapi.ThreadingMultiple }

func (r *runtime) ProcessorName() string { return r.mesh.hostname() }

func (r *runtime) LibraryVersion() string { return "in-process mesh runtime" }

func (r *runtime) WallTime() float64 { return time.Since(r.mesh.start).Seconds() }

func (r *runtime) WorldContext() nativeapi.ContextID { return worldContext }

func (r *runtime) SelfContext() nativeapi.ContextID {
	return worldContext + 1 + nativeapi.ContextID(r.rank)
}

// at resolves a context and the caller's rank within it.
func (r *runtime) at(id nativeapi.ContextID) (*context, int, error) {
	r.mu.Lock()
	finalized := r.finalized
	r.mu.Unlock()
	if finalized {
		return nil, -1, nativeapi.CodeStale
	}
	c, err := r.mesh.context(id)
	if err != nil {
		return nil, -1, err
	}
	rank := c.rankOf(r.rank)
	if rank < 0 {
		return nil, -1, nativeapi.CodeRank.WithOp("caller not a member of context")
	}
	return c, rank, nil
}

func (r *runtime) ContextRank(id nativeapi.ContextID) (int, error) {
	_, rank, err := r.at(id)
	return rank, err
}

func (r *runtime) ContextSize(id nativeapi.ContextID) (int, error) {
	c, _, err := r.at(id)
	if err != nil {
		return 0, err
	}
	return c.size(), nil
}

// FreeContext marks the context freed. Every member rank frees its own
// handle, so a second free of the same context is not an error here; the
// caller tracks handle staleness.
func (r *runtime) FreeContext(id nativeapi.ContextID) error {
	r.mu.Lock()
	finalized := r.finalized
	r.mu.Unlock()
	if finalized {
		return nativeapi.CodeStale
	}
	if id == r.WorldContext() || id == r.SelfContext() {
		return nativeapi.CodeStale.WithOp("free of built-in context")
	}
	m := r.mesh
	m.mu.Lock()
	c, ok := m.contexts[id]
	m.mu.Unlock()
	if !ok {
		return nativeapi.CodeStale
	}
	if c.rankOf(r.rank) < 0 {
		return nativeapi.CodeRank.WithOp("caller not a member of context")
	}
	c.freed.Store(true)
	return nil
}

func (r *runtime) CommitType(layout nativeapi.TypeLayout) (nativeapi.TypeID, error) {
	if len(layout.Segments) == 0 || layout.Extent == 0 {
		return nativeapi.TypeInvalid, nativeapi.CodeType.WithOp("commit of empty layout")
	}
	for _, seg := range layout.Segments {
		if seg.Count <= 0 || seg.Kind.Size() == 0 {
			return nativeapi.TypeInvalid, nativeapi.CodeType.WithOp("commit of malformed segment")
		}
	}
	m := r.mesh
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextType
	m.nextType++
	m.types[id] = nativeapi.TypeLayout{
		Segments: append([]nativeapi.Segment(nil), layout.Segments...),
		Extent:   layout.Extent,
	}
	return id, nil
}

func (r *runtime) FreeType(id nativeapi.TypeID) error {
	m := r.mesh
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.types[id]; !ok {
		return nativeapi.CodeStale.WithOp("free of unknown datatype")
	}
	delete(m.types, id)
	return nil
}

func (r *runtime) AttachBuffer(size int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attachN = size
	return nil
}

func (r *runtime) DetachBuffer() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.attachN
	r.attachN = 0
	return n, nil
}

// enqueue packs the payload and deposits an envelope at the destination.
// For synchronous mode it returns the channel the sender must wait on.
func (r *runtime) enqueue(mode nativeapi.SendMode, c *context, myRank int, buf nativeapi.Buffer, dest, tag int) (<-chan struct{}, error) {
	if dest < 0 || dest >= c.size() {
		return nil, nativeapi.CodeRank.WithOp("send destination")
	}
	layout, err := r.mesh.layout(buf.Type)
	if err != nil {
		return nil, err
	}
	packed := pack(buf.Ptr, buf.Count, layout)
	box := c.boxes[dest]

	switch mode {
	case nativeapi.SendBuffered:
		r.mu.Lock()
		attach := r.attachN
		r.mu.Unlock()
		if len(packed) > attach {
			return nil, nativeapi.CodeBuffer.WithOp("buffered send")
		}
	case nativeapi.SendReady:
		if !box.hasWaitingReceiver(myRank, tag) {
			return nil, nativeapi.CodeProtocol.WithOp("ready send without a posted receive")
		}
	}

	env := &envelope{src: myRank, tag: tag, packed: packed, count: buf.Count}
	var started chan struct{}
	if mode == nativeapi.SendSynchronous {
		started = make(chan struct{})
		env.started = started
	}
	box.deposit(env)
	return started, nil
}

func (r *runtime) Send(mode nativeapi.SendMode, id nativeapi.ContextID, buf nativeapi.Buffer, dest, tag int) error {
	c, myRank, err := r.at(id)
	if err != nil {
		return err
	}
	started, err := r.enqueue(mode, c, myRank, buf, dest, tag)
	if err != nil {
		return err
	}
	if started != nil {
		<-started
	}
	return nil
}

// deliver writes an envelope into the receive buffer, enforcing the
// capacity invariant: an incoming message may be shorter than the
// capability, never longer.
func (r *runtime) deliver(buf nativeapi.Buffer, env *envelope) (nativeapi.Status, error) {
	layout, err := r.mesh.layout(buf.Type)
	if err != nil {
		return nativeapi.Status{}, err
	}
	per := int(layout.PackedSize())
	status := nativeapi.Status{Source: env.src, Tag: env.tag, Count: len(env.packed)}
	if len(env.packed) > buf.Count*per {
		return status, nativeapi.CodeTruncate.WithOp("receive")
	}
	if per == 0 || len(env.packed)%per != 0 {
		return status, nativeapi.CodeType.WithOp("receive datatype does not divide message")
	}
	unpack(buf.Ptr, len(env.packed)/per, layout, env.packed)
	return status, nil
}

func (r *runtime) Recv(id nativeapi.ContextID, buf nativeapi.Buffer, source, tag int) (nativeapi.Status, error) {
	c, _, err := r.at(id)
	if err != nil {
		return nativeapi.Status{}, err
	}
	myRank := c.rankOf(r.rank)
	box := c.boxes[myRank]
	t := box.postTicket(source, tag)
	env := box.await(t)
	return r.deliver(buf, env)
}

func (r *runtime) Probe(id nativeapi.ContextID, source, tag int) (nativeapi.Status, error) {
	c, myRank, err := r.at(id)
	if err != nil {
		return nativeapi.Status{}, err
	}
	env := c.boxes[myRank].peek(source, tag)
	return nativeapi.Status{Source: env.src, Tag: env.tag, Count: len(env.packed)}, nil
}

func (r *runtime) MatchedProbe(id nativeapi.ContextID, source, tag int) (nativeapi.MessageID, nativeapi.Status, error) {
	c, myRank, err := r.at(id)
	if err != nil {
		return 0, nativeapi.Status{}, err
	}
	env := c.boxes[myRank].claim(source, tag)
	m := r.mesh
	m.mu.Lock()
	msgID := m.nextMsg
	m.nextMsg++
	m.msgs[msgID] = &claimed{env: env, ctx: c}
	m.mu.Unlock()
	return msgID, nativeapi.Status{Source: env.src, Tag: env.tag, Count: len(env.packed)}, nil
}

func (r *runtime) takeClaimed(id nativeapi.MessageID) (*claimed, error) {
	m := r.mesh
	m.mu.Lock()
	defer m.mu.Unlock()
	cl, ok := m.msgs[id]
	if !ok {
		return nil, nativeapi.CodeStale.WithOp("matched receive")
	}
	delete(m.msgs, id)
	return cl, nil
}

func (r *runtime) MatchedRecv(id nativeapi.MessageID, buf nativeapi.Buffer) (nativeapi.Status, error) {
	cl, err := r.takeClaimed(id)
	if err != nil {
		return nativeapi.Status{}, err
	}
	return r.deliver(buf, cl.env)
}

func (r *runtime) SendAsync(mode nativeapi.SendMode, id nativeapi.ContextID, buf nativeapi.Buffer, dest, tag int) (nativeapi.RequestID, error) {
	c, myRank, err := r.at(id)
	if err != nil {
		return 0, err
	}
	started, err := r.enqueue(mode, c, myRank, buf, dest, tag)
	if err != nil {
		return 0, err
	}
	reqID, p := r.mesh.newPending()
	if started == nil {
		p.finish(nativeapi.Status{}, nil)
		return reqID, nil
	}
	go func() {
		<-started
		p.finish(nativeapi.Status{}, nil)
	}()
	return reqID, nil
}

func (r *runtime) RecvAsync(id nativeapi.ContextID, buf nativeapi.Buffer, source, tag int) (nativeapi.RequestID, error) {
	c, myRank, err := r.at(id)
	if err != nil {
		return 0, err
	}
	box := c.boxes[myRank]
	t := box.postTicket(source, tag)
	reqID, p := r.mesh.newPending()
	go func() {
		env := box.await(t)
		p.finish(r.deliver(buf, env))
	}()
	return reqID, nil
}

func (r *runtime) MatchedRecvAsync(id nativeapi.MessageID, buf nativeapi.Buffer) (nativeapi.RequestID, error) {
	cl, err := r.takeClaimed(id)
	if err != nil {
		return 0, err
	}
	reqID, p := r.mesh.newPending()
	go func() {
		p.finish(r.deliver(buf, cl.env))
	}()
	return reqID, nil
}

func (r *runtime) Wait(id nativeapi.RequestID) (nativeapi.Status, error) {
	p, err := r.mesh.pending(id)
	if err != nil {
		return nativeapi.Status{}, err
	}
	<-p.done
	r.mesh.dropPending(id)
	return p.status, p.err
}

func (r *runtime) Test(id nativeapi.RequestID) (nativeapi.Status, bool, error) {
	p, err := r.mesh.pending(id)
	if err != nil {
		return nativeapi.Status{}, false, err
	}
	select {
	case <-p.done:
		r.mesh.dropPending(id)
		return p.status, true, p.err
	default:
		return nativeapi.Status{}, false, nil
	}
}
