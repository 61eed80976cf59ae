// Package mpi is a memory-safe layer over a message-passing runtime. It
// exposes point-to-point and collective communication between cooperating
// ranks while making the non-blocking request/buffer relationship safe: a
// non-blocking operation hands raw memory to the runtime, which may read or
// write it asynchronously until the operation completes, so the package ties
// every in-flight operation to a Request, every Request to a Scope, and
// refuses (fatally) to let a scope end while a request is still active.
//
// The default build runs against an in-process runtime where ranks are
// goroutines; InitializeLocal drives N ranks in one process, which is how
// the package's own tests run. Building with the "mpi" tag binds each
// process to the system MPI library instead, one process per rank, with the
// same API and semantics.
//
// Misuse that would corrupt memory or runtime state (completing a consumed
// request, ending a scope with active requests, using a freed communicator
// or datatype, overflowing a receive buffer) panics with a typed value;
// failures the runtime reports in the ordinary course of operation are
// returned as RuntimeError.
package mpi
