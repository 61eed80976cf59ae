package mpi

import (
	"errors"
	"unsafe"

	"github.com/ranksafe/mpi-go/internal/nativeapi"
)

// AnyTag is the wildcard tag for receives and probes.
const AnyTag = nativeapi.AnyTag

// Process addresses one rank of a communicator, or any rank for receives.
type Process struct {
	comm *Comm
	rank int
}

// Rank returns the addressed rank, or Undefined for the wildcard process.
func (p Process) Rank() int {
	if p.rank == nativeapi.AnySource {
		return Undefined
	}
	return p.rank
}

// Comm returns the communicator the process belongs to.
func (p Process) Comm() *Comm { return p.comm }

func (p Process) destRank(op string) int {
	if p.rank == nativeapi.AnySource {
		panic(UsageError{Op: op, Detail: "cannot send to the wildcard process"})
	}
	return p.rank
}

func (p Process) send(mode nativeapi.SendMode, buf Buffer, tag int) error {
	dest := p.destRank(mode.String() + " send")
	err := p.comm.u.runtime().Send(mode, p.comm.context(), capOf(buf), dest, tag)
	return raise(mode.String()+" send", err)
}

// Send performs a blocking standard-mode send: the runtime decides whether
// to buffer or to rendezvous with the receiver.
func (p Process) Send(buf Buffer, tag int) error {
	return p.send(nativeapi.SendStandard, buf, tag)
}

// BufferedSend completes locally against the buffer attached with
// Universe.SetBufferSize.
func (p Process) BufferedSend(buf Buffer, tag int) error {
	return p.send(nativeapi.SendBuffered, buf, tag)
}

// SynchronousSend completes only once the matching receive has begun.
func (p Process) SynchronousSend(buf Buffer, tag int) error {
	return p.send(nativeapi.SendSynchronous, buf, tag)
}

// ReadySend is correct only if the matching receive is already posted.
// Against a real runtime the violation is undefined behavior; the
// in-process runtime detects it and treats it as fatal.
func (p Process) ReadySend(buf Buffer, tag int) error {
	return p.send(nativeapi.SendReady, buf, tag)
}

// Receive blocks until a matching message arrives and delivers it into the
// capability. A message larger than the capability is fatal; one smaller is
// reported through the status, never padded.
func (p Process) Receive(buf MutBuffer, tag int) (Status, error) {
	st, err := p.comm.u.runtime().Recv(p.comm.context(), capOf(buf), p.rank, tag)
	return statusFrom(st), raise("receive", err)
}

// Probe blocks until a matching message is available and returns its
// envelope without consuming it.
func (p Process) Probe(tag int) (Status, error) {
	st, err := p.comm.u.runtime().Probe(p.comm.context(), p.rank, tag)
	return statusFrom(st), raise("probe", err)
}

// MatchedProbe removes a matching message from the matching queues and
// returns a handle that receives exactly that message. Under concurrent
// probing each message is claimed by exactly one prober; the returned
// Message is tied to the claiming goroutine's context and must be received
// by it.
func (p Process) MatchedProbe(tag int) (*Message, Status, error) {
	id, st, err := p.comm.u.runtime().MatchedProbe(p.comm.context(), p.rank, tag)
	if err != nil {
		return nil, Status{}, raise("matched probe", err)
	}
	return &Message{comm: p.comm, id: id}, statusFrom(st), nil
}

// Message is a probed message claimed for exactly-once receipt.
type Message struct {
	comm     *Comm
	id       nativeapi.MessageID
	received bool
}

// Receive delivers the claimed message into the capability, consuming the
// handle.
func (m *Message) Receive(buf MutBuffer) (Status, error) {
	if m.received {
		panic(StaleHandleError{Handle: "message"})
	}
	m.received = true
	st, err := m.comm.u.runtime().MatchedRecv(m.id, capOf(buf))
	return statusFrom(st), raise("matched receive", err)
}

// PostReceive starts a non-blocking receive of the claimed message,
// consuming the handle.
func (m *Message) PostReceive(s *Scope, buf MutBuffer) (*Request, error) {
	if m.received {
		panic(StaleHandleError{Handle: "message"})
	}
	m.received = true
	id, err := m.comm.u.runtime().MatchedRecvAsync(m.id, capOf(buf))
	if err != nil {
		return nil, raise("matched receive", err)
	}
	return s.attach(id, buf), nil
}

func (p Process) postSend(s *Scope, mode nativeapi.SendMode, buf Buffer, tag int) (*Request, error) {
	dest := p.destRank(mode.String() + " send")
	id, err := p.comm.u.runtime().SendAsync(mode, p.comm.context(), capOf(buf), dest, tag)
	if err != nil {
		return nil, raise(mode.String()+" send", err)
	}
	return s.attach(id, buf), nil
}

// PostSend starts a non-blocking standard-mode send. The buffer is owned by
// the returned request until it completes.
func (p Process) PostSend(s *Scope, buf Buffer, tag int) (*Request, error) {
	return p.postSend(s, nativeapi.SendStandard, buf, tag)
}

// PostBufferedSend starts a non-blocking buffered-mode send.
func (p Process) PostBufferedSend(s *Scope, buf Buffer, tag int) (*Request, error) {
	return p.postSend(s, nativeapi.SendBuffered, buf, tag)
}

// PostSynchronousSend starts a non-blocking synchronous-mode send.
func (p Process) PostSynchronousSend(s *Scope, buf Buffer, tag int) (*Request, error) {
	return p.postSend(s, nativeapi.SendSynchronous, buf, tag)
}

// PostReadySend starts a non-blocking ready-mode send.
func (p Process) PostReadySend(s *Scope, buf Buffer, tag int) (*Request, error) {
	return p.postSend(s, nativeapi.SendReady, buf, tag)
}

// PostReceive starts a non-blocking receive. The capability is claimed
// exclusively by the returned request until it completes.
func (p Process) PostReceive(s *Scope, buf MutBuffer, tag int) (*Request, error) {
	id, err := p.comm.u.runtime().RecvAsync(p.comm.context(), capOf(buf), p.rank, tag)
	if err != nil {
		return nil, raise("receive", err)
	}
	return s.attach(id, buf), nil
}

// SendReceive sends one buffer and receives into another in a single
// deadlock-free exchange.
func (c *Comm) SendReceive(send Buffer, dest Process, sendTag int, recv MutBuffer, source Process, recvTag int) (Status, error) {
	var status Status
	err := c.u.WithScope(func(s *Scope) error {
		req, err := dest.PostSend(s, send, sendTag)
		if err != nil {
			return err
		}
		st, err := source.Receive(recv, recvTag)
		if err != nil {
			// The posted send must still be driven to completion; its
			// failure is reported alongside the receive failure.
			_, werr := req.Wait()
			return errors.Join(err, werr)
		}
		status = st
		_, err = req.Wait()
		return err
	})
	return status, err
}

// SendReceiveReplace sends the buffer's current contents and overwrites them
// with the received message, using a runtime-invisible snapshot of the
// region as the outgoing payload.
func (c *Comm) SendReceiveReplace(buf MutBuffer, dest Process, sendTag int, source Process, recvTag int) (Status, error) {
	nb, dt := buf.capability()
	n := uintptr(nb.Count) * dt.layout.Extent
	snapshot := make([]byte, n)
	if n > 0 {
		copy(snapshot, unsafe.Slice((*byte)(nb.Ptr), n))
	}
	var outgoing Buffer
	if n > 0 {
		outgoing = UnsafeView(unsafe.Pointer(&snapshot[0]), nb.Count, dt)
	} else {
		outgoing = UnsafeView(nil, 0, dt)
	}
	return c.SendReceive(outgoing, dest, sendTag, buf, source, recvTag)
}
