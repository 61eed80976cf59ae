//go:build !mpi

package mpi

import (
	"github.com/ranksafe/mpi-go/internal/mesh"
	"github.com/ranksafe/mpi-go/internal/nativeapi"
)

// Without the "mpi" build tag, Initialize runs a single-rank in-process
// runtime. Multi-rank programs use InitializeLocal or build with the tag.
func openRuntime(Threading) (nativeapi.Runtime, Threading, error) {
	return mesh.New(1).Runtime(0), ThreadingMultiple, nil
}
