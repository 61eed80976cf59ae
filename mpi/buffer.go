package mpi

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/ranksafe/mpi-go/internal/nativeapi"
)

// Buffer is a read-only capability over a caller-owned memory region: an
// address, an element count and the datatype describing each element. The
// memory behind it must stay valid and unmoved while any operation holding
// the capability is outstanding; slices must not be grown or reallocated in
// that window. Those are hard preconditions the runtime cannot check.
type Buffer interface {
	capability() (nativeapi.Buffer, *Datatype)
}

// MutBuffer is the writable variant of Buffer. A mutable capability claims
// its region exclusively while an operation is outstanding; no other
// capability may touch the same memory until completion.
type MutBuffer interface {
	Buffer
	mutable()
}

type memory struct {
	ptr   unsafe.Pointer
	count int
	dt    *Datatype
}

func (m memory) capability() (nativeapi.Buffer, *Datatype) {
	return nativeapi.Buffer{Ptr: m.ptr, Count: m.count, Type: m.dt.use()}, m.dt
}

type mutMemory struct{ memory }

func (mutMemory) mutable() {}

// Primitive is the set of element types that map directly onto a primitive
// datatype.
type Primitive interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64 | ~complex64 | ~complex128
}

func kindDatatype[T Primitive]() *Datatype {
	var zero T
	// reflect.Kind covers named types whose underlying type is primitive.
	switch reflect.TypeOf(zero).Kind() {
	case reflect.Int8:
		return Int8
	case reflect.Int16:
		return Int16
	case reflect.Int32:
		return Int32
	case reflect.Int64:
		return Int64
	case reflect.Uint8:
		return Uint8
	case reflect.Uint16:
		return Uint16
	case reflect.Uint32:
		return Uint32
	case reflect.Uint64:
		return Uint64
	case reflect.Float32:
		return Float32
	case reflect.Float64:
		return Float64
	case reflect.Complex64:
		return Complex64
	case reflect.Complex128:
		return Complex128
	default:
		panic(UsageError{Op: "buffer", Detail: "unsupported element type"})
	}
}

func slicePtr[T any](s []T) unsafe.Pointer {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Pointer(&s[0])
}

// ConstSlice grants a read-only capability over a slice of primitive
// elements.
func ConstSlice[T Primitive](s []T) Buffer {
	return memory{ptr: slicePtr(s), count: len(s), dt: kindDatatype[T]()}
}

// Slice grants a mutable capability over a slice of primitive elements.
func Slice[T Primitive](s []T) MutBuffer {
	return mutMemory{memory{ptr: slicePtr(s), count: len(s), dt: kindDatatype[T]()}}
}

// View grants a mutable capability over a slice of struct elements described
// by a committed derived datatype. The datatype's extent must equal the
// element size.
func View[T any](s []T, dt *Datatype) (MutBuffer, error) {
	var zero T
	dt.use()
	if dt.layout.Extent != unsafe.Sizeof(zero) {
		return nil, fmt.Errorf("mpi: datatype extent %d does not match element size %d",
			dt.layout.Extent, unsafe.Sizeof(zero))
	}
	return mutMemory{memory{ptr: slicePtr(s), count: len(s), dt: dt}}, nil
}

// ConstView is the read-only variant of View.
func ConstView[T any](s []T, dt *Datatype) (Buffer, error) {
	b, err := View(s, dt)
	if err != nil {
		return nil, err
	}
	return b.(mutMemory).memory, nil
}

// UnsafeView grants a read-only capability over raw memory. The caller
// vouches that count elements of dt live at ptr.
func UnsafeView(ptr unsafe.Pointer, count int, dt *Datatype) Buffer {
	dt.use()
	return memory{ptr: ptr, count: count, dt: dt}
}

// UnsafeMutView is the writable variant of UnsafeView.
func UnsafeMutView(ptr unsafe.Pointer, count int, dt *Datatype) MutBuffer {
	dt.use()
	return mutMemory{memory{ptr: ptr, count: count, dt: dt}}
}

// capOf resolves a possibly-nil capability. Collective calls accept nil for
// buffers a rank does not participate with (for example recv at a non-root).
func capOf(b Buffer) nativeapi.Buffer {
	if b == nil {
		return nativeapi.Buffer{Type: nativeapi.PrimitiveType(nativeapi.KindByte)}
	}
	nb, _ := b.capability()
	return nb
}
