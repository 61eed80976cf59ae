//go:build mpi

package mpi

import "github.com/ranksafe/mpi-go/internal/nativeapi"

// With the "mpi" build tag, Initialize binds this process to the system MPI
// library as one rank of the world.
func openRuntime(requested Threading) (nativeapi.Runtime, Threading, error) {
	rt, err := nativeapi.OpenNative(requested)
	if err != nil {
		return nil, ThreadingSingle, err
	}
	return rt, rt.ThreadingLevel(), nil
}
