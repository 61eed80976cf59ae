package mpi

import (
	"errors"
	"sync"

	"github.com/ranksafe/mpi-go/internal/mesh"
	"github.com/ranksafe/mpi-go/internal/nativeapi"
)

// Threading re-exports the runtime thread-support level.
type Threading = nativeapi.Threading

const (
	ThreadingSingle     = nativeapi.ThreadingSingle
	ThreadingFunneled   = nativeapi.ThreadingFunneled
	ThreadingSerialized = nativeapi.ThreadingSerialized
	ThreadingMultiple   = nativeapi.ThreadingMultiple
)

// Universe is one rank's handle on the initialized runtime. It is the root
// of everything else: the world communicator, datatype commits, user
// reduction operations, the buffered-send attach buffer.
type Universe struct {
	rt      nativeapi.Runtime
	granted Threading

	mu        sync.Mutex
	finalized bool
	world     *Comm
	selfComm  *Comm
}

var initGuard struct {
	mu   sync.Mutex
	done bool
}

// Initialize brings up the runtime with full thread support. It succeeds at
// most once per process; a second call returns ErrAlreadyInitialized and no
// Universe.
func Initialize() (*Universe, error) {
	return InitializeWithThreading(ThreadingMultiple)
}

// InitializeWithThreading brings up the runtime requesting the given thread
// support level. The granted level is reported by Universe.ThreadingLevel
// and may be lower than requested.
func InitializeWithThreading(requested Threading) (*Universe, error) {
	initGuard.mu.Lock()
	defer initGuard.mu.Unlock()
	if initGuard.done {
		return nil, ErrAlreadyInitialized
	}
	rt, granted, err := openRuntime(requested)
	if err != nil {
		return nil, err
	}
	initGuard.done = true
	return newUniverse(rt, granted), nil
}

// InitializeLocal runs an N-rank in-process runtime, one goroutine per rank,
// each with its own Universe. It is independent of the process-wide
// Initialize guard and is the way tests and single-machine experiments drive
// multi-rank programs. It returns the joined errors of all ranks; panics in
// a rank propagate.
func InitializeLocal(ranks int, fn func(*Universe) error) error {
	m := mesh.New(ranks)
	errs := make([]error, ranks)
	panics := make([]any, ranks)
	var wg sync.WaitGroup
	for r := 0; r < m.Size(); r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			defer func() {
				if v := recover(); v != nil {
					panics[rank] = v
				}
			}()
			u := newUniverse(m.Runtime(rank), ThreadingMultiple)
			defer u.Close()
			errs[rank] = fn(u)
		}(r)
	}
	wg.Wait()
	for _, v := range panics {
		if v != nil {
			panic(v)
		}
	}
	return errors.Join(errs...)
}

func newUniverse(rt nativeapi.Runtime, granted Threading) *Universe {
	u := &Universe{rt: rt, granted: granted}
	u.world = u.commFor(rt.WorldContext())
	u.selfComm = u.commFor(rt.SelfContext())
	return u
}

func (u *Universe) commFor(ctx nativeapi.ContextID) *Comm {
	rank, err := u.rt.ContextRank(ctx)
	if err != nil {
		panic(raise("communicator", err))
	}
	size, err := u.rt.ContextSize(ctx)
	if err != nil {
		panic(raise("communicator", err))
	}
	return &Comm{u: u, ctx: ctx, rank: rank, size: size}
}

// runtime guards every call against use after Close.
func (u *Universe) runtime() nativeapi.Runtime {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.finalized {
		panic(StaleHandleError{Handle: "universe"})
	}
	return u.rt
}

// World returns the communicator spanning every rank.
func (u *Universe) World() *Comm { return u.world }

// SelfComm returns the single-rank communicator containing only the caller.
func (u *Universe) SelfComm() *Comm { return u.selfComm }

// ThreadingLevel reports the thread support level the runtime granted.
func (u *Universe) ThreadingLevel() Threading { return u.granted }

// ProcessorName reports the runtime's name for the host.
func (u *Universe) ProcessorName() string { return u.runtime().ProcessorName() }

// LibraryVersion reports the underlying runtime's version string.
func (u *Universe) LibraryVersion() string { return u.runtime().LibraryVersion() }

// WallTime returns elapsed wall-clock seconds, the runtime's own clock.
func (u *Universe) WallTime() float64 { return u.runtime().WallTime() }

// SetBufferSize attaches a buffered-send buffer of the given byte size. A
// buffered send larger than the attached size fails.
func (u *Universe) SetBufferSize(size int) error {
	return raise("attach buffer", u.runtime().AttachBuffer(size))
}

// DetachBuffer detaches the buffered-send buffer, returning its size.
func (u *Universe) DetachBuffer() (int, error) {
	n, err := u.runtime().DetachBuffer()
	return n, raise("detach buffer", err)
}

// Close finalizes this rank's runtime handle. Closing twice is a checked
// no-op. No communication call may follow.
func (u *Universe) Close() error {
	u.mu.Lock()
	if u.finalized {
		u.mu.Unlock()
		return nil
	}
	u.finalized = true
	rt := u.rt
	u.mu.Unlock()
	return raise("finalize", rt.Finalize())
}
