package nativeapi

// Kind identifies one of the fixed-width primitive element types that may
// cross the boundary into the message-passing runtime.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindComplex64
	KindComplex128
	KindByte
)

// Size returns the width of the kind in bytes.
func (k Kind) Size() uintptr {
	switch k {
	case KindInt8, KindUint8, KindByte:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindInt32, KindUint32, KindFloat32:
		return 4
	case KindInt64, KindUint64, KindFloat64, KindComplex64:
		return 8
	case KindComplex128:
		return 16
	default:
		return 0
	}
}

func (k Kind) String() string {
	switch k {
	case KindInt8:
		return "int8"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindUint8:
		return "uint8"
	case KindUint16:
		return "uint16"
	case KindUint32:
		return "uint32"
	case KindUint64:
		return "uint64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindComplex64:
		return "complex64"
	case KindComplex128:
		return "complex128"
	case KindByte:
		return "byte"
	default:
		return "invalid"
	}
}

// Integer reports whether the kind is a signed or unsigned integral type.
func (k Kind) Integer() bool {
	switch k {
	case KindInt8, KindInt16, KindInt32, KindInt64,
		KindUint8, KindUint16, KindUint32, KindUint64, KindByte:
		return true
	default:
		return false
	}
}

// TypeID names a datatype registered with the runtime. Primitive kinds map to
// fixed IDs below FirstDerivedType; committed derived layouts are allocated
// IDs at or above it.
type TypeID int32

// TypeInvalid is the zero TypeID and never names a registered datatype.
const TypeInvalid TypeID = 0

// FirstDerivedType is the lowest TypeID the runtime hands out for committed
// derived layouts.
const FirstDerivedType TypeID = 64

// PrimitiveType returns the fixed TypeID for a primitive kind.
func PrimitiveType(k Kind) TypeID { return TypeID(k) }

// PrimitiveKind is the inverse of PrimitiveType. It returns KindInvalid for
// derived TypeIDs.
func PrimitiveKind(id TypeID) Kind {
	if id <= TypeInvalid || id >= FirstDerivedType {
		return KindInvalid
	}
	return Kind(id)
}

// Segment is one contiguous run of primitive values inside a derived layout:
// Count values of Kind starting Offset bytes into each element.
type Segment struct {
	Offset uintptr
	Count  int
	Kind   Kind
}

// TypeLayout is the flattened description of a derived datatype handed to the
// runtime at commit time. Extent is the stride in bytes between consecutive
// elements of the type.
type TypeLayout struct {
	Segments []Segment
	Extent   uintptr
}

// PackedSize returns the number of payload bytes one element of the layout
// occupies once gaps are squeezed out.
func (l TypeLayout) PackedSize() uintptr {
	var n uintptr
	for _, s := range l.Segments {
		n += uintptr(s.Count) * s.Kind.Size()
	}
	return n
}

// PrimitiveLayout returns the canonical single-segment layout for a kind.
func PrimitiveLayout(k Kind) TypeLayout {
	return TypeLayout{
		Segments: []Segment{{Offset: 0, Count: 1, Kind: k}},
		Extent:   k.Size(),
	}
}
