// Package mesh is the in-process reference implementation of the
// nativeapi.Runtime contract. Ranks are goroutines inside a single process
// and message delivery is plain memory copying, which makes the package
// suitable for tests and single-node development: the default build of the
// mpi package runs on a one-rank mesh, and InitializeLocal runs an N-rank
// mesh. It implements the runtime contract, not a wire protocol.
package mesh

import (
	"os"
	"sync"
	"time"

	"github.com/ranksafe/mpi-go/internal/nativeapi"
)

// Mesh is a set of ranks sharing one in-process message-passing runtime.
type Mesh struct {
	size  int
	start time.Time

	mu       sync.Mutex
	contexts map[nativeapi.ContextID]*context
	nextCtx  nativeapi.ContextID
	types    map[nativeapi.TypeID]nativeapi.TypeLayout
	nextType nativeapi.TypeID
	ops      map[nativeapi.OpID]opEntry
	nextOp   nativeapi.OpID
	reqs     map[nativeapi.RequestID]*pending
	nextReq  nativeapi.RequestID
	msgs     map[nativeapi.MessageID]*claimed
	nextMsg  nativeapi.MessageID
}

type opEntry struct {
	fn          nativeapi.ReduceFunc
	commutative bool
}

// pending is one outstanding asynchronous operation.
type pending struct {
	done   chan struct{}
	status nativeapi.Status
	err    error
}

// claimed is a message removed from the matching queues by a matched probe
// and not yet received.
type claimed struct {
	env *envelope
	ctx *context
}

const worldContext nativeapi.ContextID = 1

// New creates a mesh of the given number of ranks. Rank r's runtime is
// obtained with Runtime(r); each rank must be driven from its own goroutine
// the way separate processes would drive a real runtime.
func New(size int) *Mesh {
	if size < 1 {
		size = 1
	}
	m := &Mesh{
		size:     size,
		start:    time.Now(),
		contexts: make(map[nativeapi.ContextID]*context),
		nextCtx:  worldContext,
		types:    make(map[nativeapi.TypeID]nativeapi.TypeLayout),
		nextType: nativeapi.FirstDerivedType,
		ops:      make(map[nativeapi.OpID]opEntry),
		nextOp:   nativeapi.FirstUserOp,
		reqs:     make(map[nativeapi.RequestID]*pending),
		nextReq:  1,
		msgs:     make(map[nativeapi.MessageID]*claimed),
		nextMsg:  1,
	}
	world := make([]int, size)
	for i := range world {
		world[i] = i
	}
	m.newContextLocked(world) // id 1: world
	for r := 0; r < size; r++ {
		m.newContextLocked([]int{r}) // id 2+r: self context of rank r
	}
	return m
}

// Size returns the number of ranks in the mesh.
func (m *Mesh) Size() int { return m.size }

// Runtime returns the runtime instance bound to the given rank.
func (m *Mesh) Runtime(rank int) nativeapi.Runtime {
	if rank < 0 || rank >= m.size {
		panic("mesh: rank out of range")
	}
	return &runtime{mesh: m, rank: rank}
}

// newContextLocked allocates a context over the given mesh ranks. The caller
// does not need to hold m.mu; the method takes it.
func (m *Mesh) newContextLocked(ranks []int) *context {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextCtx
	m.nextCtx++
	c := newContext(id, m, ranks)
	m.contexts[id] = c
	return c
}

func (m *Mesh) context(id nativeapi.ContextID) (*context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[id]
	if !ok {
		return nil, nativeapi.CodeStale
	}
	if c.freed.Load() {
		return nil, nativeapi.CodeStale
	}
	return c, nil
}

func (m *Mesh) layout(id nativeapi.TypeID) (nativeapi.TypeLayout, error) {
	if k := nativeapi.PrimitiveKind(id); k != nativeapi.KindInvalid {
		return nativeapi.PrimitiveLayout(k), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.types[id]
	if !ok {
		return nativeapi.TypeLayout{}, nativeapi.CodeType
	}
	return l, nil
}

func (m *Mesh) newPending() (nativeapi.RequestID, *pending) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextReq
	m.nextReq++
	p := &pending{done: make(chan struct{})}
	m.reqs[id] = p
	return id, p
}

func (m *Mesh) pending(id nativeapi.RequestID) (*pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.reqs[id]
	if !ok {
		return nil, nativeapi.CodeStale
	}
	return p, nil
}

func (m *Mesh) dropPending(id nativeapi.RequestID) {
	m.mu.Lock()
	delete(m.reqs, id)
	m.mu.Unlock()
}

func (p *pending) finish(status nativeapi.Status, err error) {
	p.status = status
	p.err = err
	close(p.done)
}

func (m *Mesh) hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
}
