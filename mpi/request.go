package mpi

import (
	"errors"
	"time"

	"github.com/ranksafe/mpi-go/internal/nativeapi"
)

type reqState int

const (
	reqActive reqState = iota
	reqConsumed
)

// Request is one outstanding non-blocking operation. It is single-use: Wait
// consumes it, and a Test that reports completion consumes it. Any call on a
// consumed request is fatal. While the request is active it owns the buffer
// capabilities it was issued with; nothing else may touch that memory.
type Request struct {
	scope *Scope
	id    nativeapi.RequestID
	state reqState
	pins  []Buffer
}

// consume transitions Active to Consumed, the only valid transition. The
// buffer pins are left in place: the runtime may still be touching the
// memory, so they are dropped by release only after the operation has
// completed.
func (r *Request) consume(op string) {
	s := r.scope
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.state != reqActive {
		panic(UsageError{Op: op, Detail: "request already completed"})
	}
	r.state = reqConsumed
}

// release drops the buffer pins once the runtime has completed the
// operation and no longer references the memory.
func (r *Request) release() {
	s := r.scope
	s.mu.Lock()
	r.pins = nil
	s.mu.Unlock()
}

func (r *Request) active(op string) {
	s := r.scope
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.state != reqActive {
		panic(UsageError{Op: op, Detail: "request already completed"})
	}
}

// Wait blocks until the operation completes and consumes the request. The
// buffer stays pinned for the whole wait; the runtime may be writing it
// until the moment the native wait returns.
func (r *Request) Wait() (Status, error) {
	r.consume("wait")
	st, err := r.scope.u.runtime().Wait(r.id)
	r.release()
	return statusFrom(st), raise("wait", err)
}

// Test observes the operation without blocking. If it has completed, the
// request is consumed and Test returns its status with done true; otherwise
// the request stays active and ownership returns to the caller.
func (r *Request) Test() (Status, bool, error) {
	r.active("test")
	st, done, err := r.scope.u.runtime().Test(r.id)
	if err != nil {
		r.consume("test")
		r.release()
		return Status{}, true, raise("test", err)
	}
	if !done {
		return Status{}, false, nil
	}
	r.consume("test")
	r.release()
	return statusFrom(st), true, nil
}

// WaitAll blocks until every request completes, returning statuses in the
// order the requests were passed. Failures do not stop the remaining waits;
// the joined error is returned once all requests are consumed.
func WaitAll(reqs ...*Request) ([]Status, error) {
	statuses := make([]Status, len(reqs))
	var errs []error
	for i, r := range reqs {
		st, err := r.Wait()
		statuses[i] = st
		if err != nil {
			errs = append(errs, err)
		}
	}
	return statuses, errors.Join(errs...)
}

// WaitAny blocks until at least one request completes, consuming it and
// returning its index and status. The remaining requests stay active.
func WaitAny(reqs ...*Request) (int, Status, error) {
	if len(reqs) == 0 {
		panic(UsageError{Op: "wait any", Detail: "no requests"})
	}
	for {
		for i, r := range reqs {
			st, done, err := r.Test()
			if done {
				return i, st, err
			}
		}
		time.Sleep(time.Millisecond)
	}
}

// WaitSome blocks until at least one request completes, then consumes and
// returns every request that has completed by that point as parallel index
// and status slices. The rest stay active.
func WaitSome(reqs ...*Request) ([]int, []Status, error) {
	if len(reqs) == 0 {
		panic(UsageError{Op: "wait some", Detail: "no requests"})
	}
	for {
		var idx []int
		var statuses []Status
		var errs []error
		for i, r := range reqs {
			st, done, err := r.Test()
			if !done {
				continue
			}
			idx = append(idx, i)
			statuses = append(statuses, st)
			if err != nil {
				errs = append(errs, err)
			}
		}
		if len(idx) > 0 {
			return idx, statuses, errors.Join(errs...)
		}
		time.Sleep(time.Millisecond)
	}
}
