package mpi

import (
	"fmt"
	"sync"

	"github.com/ranksafe/mpi-go/internal/nativeapi"
)

type scopeState int

const (
	scopeOpen scopeState = iota
	scopeClosed
)

// Scope is the bounded lifetime region every non-blocking operation lives
// in. A request can only be created inside an open scope, and the scope
// cannot end while any of its requests is still active: an active request
// means the runtime may still be reading or writing the request's buffer,
// so dropping it would leave the runtime referencing memory the program
// considers free. Ending a scope with active requests is therefore fatal.
type Scope struct {
	u *Universe

	mu    sync.Mutex
	state scopeState
	reqs  []*Request
}

// WithScope runs fn inside a new scope. When fn returns, the scope performs
// its liveness check and closes; fn must have completed every request it
// issued through Wait or Test. The check also runs when fn panics: an
// active request dropped during unwind is fatal, reported as a UsageError
// carrying the original panic value.
func (u *Universe) WithScope(fn func(*Scope) error) error {
	s := &Scope{u: u}
	defer func() {
		if p := recover(); p != nil {
			if active := s.poison(); active > 0 {
				panic(UsageError{
					Op:     "scope",
					Detail: fmt.Sprintf("scope ended with %d active request(s) while panicking: %v", active, p),
				})
			}
			panic(p)
		}
		s.close()
	}()
	return fn(s)
}

// poison closes the scope, consuming any still-active requests so that
// later misuse reports against the scope rather than each request. It
// returns how many were active.
func (s *Scope) poison() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = scopeClosed
	active := 0
	for _, r := range s.reqs {
		if r.state == reqActive {
			r.state = reqConsumed
			active++
		}
	}
	return active
}

func (s *Scope) close() {
	if active := s.poison(); active > 0 {
		panic(UsageError{
			Op:     "scope",
			Detail: fmt.Sprintf("scope ended with %d active request(s)", active),
		})
	}
}

// attach registers a freshly issued native request with the scope. The
// pinned buffers stay reachable until the operation completes, so the
// memory the runtime touches cannot be collected under it.
func (s *Scope) attach(id nativeapi.RequestID, pins ...Buffer) *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != scopeOpen {
		panic(UsageError{Op: "scope", Detail: "request issued after scope end"})
	}
	r := &Request{scope: s, id: id, pins: pins}
	s.reqs = append(s.reqs, r)
	return r
}
