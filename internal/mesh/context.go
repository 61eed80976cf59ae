package mesh

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ranksafe/mpi-go/internal/nativeapi"
)

// context is one communication context: a private matching space over a
// fixed set of mesh ranks. Messages never cross contexts.
type context struct {
	id      nativeapi.ContextID
	mesh    *Mesh
	ranks   []int       // mesh rank for each context rank
	indexOf map[int]int // mesh rank -> context rank
	boxes   []*mailbox  // one per context rank
	coll    *collEngine
	freed   atomic.Bool
}

func newContext(id nativeapi.ContextID, m *Mesh, ranks []int) *context {
	c := &context{
		id:      id,
		mesh:    m,
		ranks:   append([]int(nil), ranks...),
		indexOf: make(map[int]int, len(ranks)),
		boxes:   make([]*mailbox, len(ranks)),
	}
	for i, r := range ranks {
		c.indexOf[r] = i
	}
	for i := range c.boxes {
		c.boxes[i] = newMailbox()
	}
	c.coll = newCollEngine(len(ranks))
	return c
}

func (c *context) size() int { return len(c.ranks) }

// rankOf translates a mesh rank into this context's rank, or -1 when the
// mesh rank is not a member.
func (c *context) rankOf(meshRank int) int {
	i, ok := c.indexOf[meshRank]
	if !ok {
		return -1
	}
	return i
}

// mailbox is the matching state for one destination rank: envelopes from
// senders and tickets from receivers, both in arrival order.
type mailbox struct {
	mu    sync.Mutex
	cond  *sync.Cond
	sends []*envelope
	recvs []*ticket
}

func newMailbox() *mailbox {
	b := &mailbox{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// envelope is one in-flight message. packed holds the payload with datatype
// gaps squeezed out; count is the element count in the sender's datatype.
type envelope struct {
	src     int // context rank of the sender
	tag     int
	packed  []byte
	count   int
	started chan struct{} // synchronous mode: closed when the receive begins
	matched bool
}

// ticket is one posted receive. env is assigned under the mailbox lock when
// an envelope is matched to it.
type ticket struct {
	source int
	tag    int
	env    *envelope
}

func (t *ticket) matches(src, tag int) bool {
	if t.source != nativeapi.AnySource && t.source != src {
		return false
	}
	if t.tag != nativeapi.AnyTag && t.tag != tag {
		return false
	}
	return true
}

func envelopeMatches(e *envelope, source, tag int) bool {
	if source != nativeapi.AnySource && e.src != source {
		return false
	}
	if tag != nativeapi.AnyTag && e.tag != tag {
		return false
	}
	return true
}

// pair walks the queues in posted order and assigns the oldest matching
// envelope to the oldest unmatched ticket. Caller holds b.mu. Posted-order
// pairing is what gives FIFO delivery per (source, destination, tag).
func (b *mailbox) pair() {
	assigned := false
	for _, t := range b.recvs {
		if t.env != nil {
			continue
		}
		for _, e := range b.sends {
			if e.matched {
				continue
			}
			if t.matches(e.src, e.tag) {
				t.env = e
				e.matched = true
				if e.started != nil {
					close(e.started)
					e.started = nil
				}
				assigned = true
				break
			}
		}
	}
	if assigned {
		b.cond.Broadcast()
	}
}

func (b *mailbox) removeTicket(t *ticket) {
	for i, other := range b.recvs {
		if other == t {
			b.recvs = append(b.recvs[:i], b.recvs[i+1:]...)
			return
		}
	}
}

func (b *mailbox) removeEnvelope(e *envelope) {
	for i, other := range b.sends {
		if other == e {
			b.sends = append(b.sends[:i], b.sends[i+1:]...)
			return
		}
	}
}

// postTicket registers a receive in matching order and returns its ticket.
func (b *mailbox) postTicket(source, tag int) *ticket {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := &ticket{source: source, tag: tag}
	b.recvs = append(b.recvs, t)
	b.pair()
	return t
}

// await blocks until the ticket has been matched, then consumes both sides.
func (b *mailbox) await(t *ticket) *envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t.env == nil {
		b.cond.Wait()
	}
	b.removeTicket(t)
	b.removeEnvelope(t.env)
	return t.env
}

// deposit enqueues an envelope for the destination and wakes matchers.
// Probers wait for envelope arrival, not for a ticket match, so the wakeup
// is unconditional.
func (b *mailbox) deposit(e *envelope) {
	b.mu.Lock()
	b.sends = append(b.sends, e)
	b.pair()
	b.cond.Broadcast()
	b.mu.Unlock()
}

// hasWaitingReceiver reports whether an unmatched posted receive would match
// a message with the given source and tag. Ready-mode sends use it.
func (b *mailbox) hasWaitingReceiver(src, tag int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.recvs {
		if t.env == nil && t.matches(src, tag) {
			return true
		}
	}
	return false
}

// peek blocks until an unmatched envelope matching (source, tag) is present
// and returns it without consuming it.
func (b *mailbox) peek(source, tag int) *envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		for _, e := range b.sends {
			if !e.matched && envelopeMatches(e, source, tag) {
				return e
			}
		}
		b.cond.Wait()
	}
}

// claim blocks like peek but removes the envelope from the matching queues,
// so exactly one prober obtains it even under concurrent probing.
func (b *mailbox) claim(source, tag int) *envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		for _, e := range b.sends {
			if !e.matched && envelopeMatches(e, source, tag) {
				e.matched = true
				if e.started != nil {
					close(e.started)
					e.started = nil
				}
				b.removeEnvelope(e)
				return e
			}
		}
		b.cond.Wait()
	}
}

// pack copies count elements described by layout out of base into a
// contiguous byte slice, squeezing out padding between segments.
func pack(base unsafe.Pointer, count int, layout nativeapi.TypeLayout) []byte {
	per := layout.PackedSize()
	out := make([]byte, uintptr(count)*per)
	pos := 0
	for i := 0; i < count; i++ {
		elem := unsafe.Add(base, uintptr(i)*layout.Extent)
		for _, seg := range layout.Segments {
			n := int(uintptr(seg.Count) * seg.Kind.Size())
			src := unsafe.Slice((*byte)(unsafe.Add(elem, seg.Offset)), n)
			copy(out[pos:pos+n], src)
			pos += n
		}
	}
	return out
}

// unpack writes packed payload bytes into count elements at base, the
// inverse of pack. It writes through the raw pointer: this is the moment an
// asynchronous receive mutates caller memory.
func unpack(base unsafe.Pointer, count int, layout nativeapi.TypeLayout, packed []byte) {
	pos := 0
	for i := 0; i < count; i++ {
		elem := unsafe.Add(base, uintptr(i)*layout.Extent)
		for _, seg := range layout.Segments {
			n := int(uintptr(seg.Count) * seg.Kind.Size())
			dst := unsafe.Slice((*byte)(unsafe.Add(elem, seg.Offset)), n)
			copy(dst, packed[pos:pos+n])
			pos += n
		}
	}
}
