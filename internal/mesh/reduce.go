package mesh

import (
	"unsafe"

	"github.com/ranksafe/mpi-go/internal/nativeapi"
)

// applyOp combines one contribution into the accumulator in place:
// acc = in ⊕ acc, elementwise. Built-in operations require the datatype to
// flatten to a single primitive kind; user operations receive the raw
// pointers under the registered invocation contract.
func (m *Mesh) applyOp(op nativeapi.OpID, in *contribution, acc []byte) error {
	if len(in.packed) != len(acc) {
		return nativeapi.CodeInternal.WithOp("reduction length mismatch")
	}
	if op >= nativeapi.FirstUserOp {
		m.mu.Lock()
		entry, ok := m.ops[op]
		m.mu.Unlock()
		if !ok {
			return nativeapi.CodeStale.WithOp("reduction op lookup")
		}
		if len(acc) == 0 {
			return nil
		}
		entry.fn(unsafe.Pointer(&in.packed[0]), unsafe.Pointer(&acc[0]), in.count, in.typeID)
		return nil
	}

	kind, ok := uniformKind(in.layout)
	if !ok {
		return nativeapi.CodeUnsupported.WithOp("built-in reduction over mixed-kind datatype")
	}
	return applyBuiltin(op, kind, in.packed, acc)
}

// uniformKind reports the single primitive kind a layout flattens to, if any.
func uniformKind(l nativeapi.TypeLayout) (nativeapi.Kind, bool) {
	kind := nativeapi.KindInvalid
	for _, seg := range l.Segments {
		if kind == nativeapi.KindInvalid {
			kind = seg.Kind
		} else if kind != seg.Kind {
			return nativeapi.KindInvalid, false
		}
	}
	return kind, kind != nativeapi.KindInvalid
}

func applyBuiltin(op nativeapi.OpID, kind nativeapi.Kind, in, acc []byte) error {
	switch kind {
	case nativeapi.KindInt8:
		return combineInt(op, view[int8](in), view[int8](acc))
	case nativeapi.KindInt16:
		return combineInt(op, view[int16](in), view[int16](acc))
	case nativeapi.KindInt32:
		return combineInt(op, view[int32](in), view[int32](acc))
	case nativeapi.KindInt64:
		return combineInt(op, view[int64](in), view[int64](acc))
	case nativeapi.KindUint8, nativeapi.KindByte:
		return combineInt(op, view[uint8](in), view[uint8](acc))
	case nativeapi.KindUint16:
		return combineInt(op, view[uint16](in), view[uint16](acc))
	case nativeapi.KindUint32:
		return combineInt(op, view[uint32](in), view[uint32](acc))
	case nativeapi.KindUint64:
		return combineInt(op, view[uint64](in), view[uint64](acc))
	case nativeapi.KindFloat32:
		return combineFloat(op, view[float32](in), view[float32](acc))
	case nativeapi.KindFloat64:
		return combineFloat(op, view[float64](in), view[float64](acc))
	case nativeapi.KindComplex64:
		return combineComplex(op, view[complex64](in), view[complex64](acc))
	case nativeapi.KindComplex128:
		return combineComplex(op, view[complex128](in), view[complex128](acc))
	default:
		return nativeapi.CodeType.WithOp("reduction")
	}
}

// view reinterprets a packed byte slice as a typed slice. Packed buffers are
// heap allocations, so alignment suffices for every primitive kind.
func view[T any](b []byte) []T {
	if len(b) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/int(unsafe.Sizeof(zero)))
}

type integer interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

func combineInt[T integer](op nativeapi.OpID, in, acc []T) error {
	switch op {
	case nativeapi.OpSum:
		for i := range acc {
			acc[i] = in[i] + acc[i]
		}
	case nativeapi.OpProd:
		for i := range acc {
			acc[i] = in[i] * acc[i]
		}
	case nativeapi.OpMin:
		for i := range acc {
			if in[i] < acc[i] {
				acc[i] = in[i]
			}
		}
	case nativeapi.OpMax:
		for i := range acc {
			if in[i] > acc[i] {
				acc[i] = in[i]
			}
		}
	case nativeapi.OpLogicalAnd:
		for i := range acc {
			acc[i] = boolVal[T](in[i] != 0 && acc[i] != 0)
		}
	case nativeapi.OpLogicalOr:
		for i := range acc {
			acc[i] = boolVal[T](in[i] != 0 || acc[i] != 0)
		}
	case nativeapi.OpLogicalXor:
		for i := range acc {
			acc[i] = boolVal[T]((in[i] != 0) != (acc[i] != 0))
		}
	case nativeapi.OpBitwiseAnd:
		for i := range acc {
			acc[i] = in[i] & acc[i]
		}
	case nativeapi.OpBitwiseOr:
		for i := range acc {
			acc[i] = in[i] | acc[i]
		}
	case nativeapi.OpBitwiseXor:
		for i := range acc {
			acc[i] = in[i] ^ acc[i]
		}
	default:
		return nativeapi.CodeUnsupported.WithOp("reduction op")
	}
	return nil
}

func boolVal[T integer](b bool) T {
	if b {
		return 1
	}
	return 0
}

func combineFloat[T ~float32 | ~float64](op nativeapi.OpID, in, acc []T) error {
	switch op {
	case nativeapi.OpSum:
		for i := range acc {
			acc[i] = in[i] + acc[i]
		}
	case nativeapi.OpProd:
		for i := range acc {
			acc[i] = in[i] * acc[i]
		}
	case nativeapi.OpMin:
		for i := range acc {
			if in[i] < acc[i] {
				acc[i] = in[i]
			}
		}
	case nativeapi.OpMax:
		for i := range acc {
			if in[i] > acc[i] {
				acc[i] = in[i]
			}
		}
	default:
		return nativeapi.CodeUnsupported.WithOp("reduction op over floating point")
	}
	return nil
}

func combineComplex[T ~complex64 | ~complex128](op nativeapi.OpID, in, acc []T) error {
	switch op {
	case nativeapi.OpSum:
		for i := range acc {
			acc[i] = in[i] + acc[i]
		}
	case nativeapi.OpProd:
		for i := range acc {
			acc[i] = in[i] * acc[i]
		}
	default:
		return nativeapi.CodeUnsupported.WithOp("reduction op over complex")
	}
	return nil
}
