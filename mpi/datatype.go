package mpi

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/ranksafe/mpi-go/internal/nativeapi"
)

// Datatype describes the memory layout of one element crossing the boundary
// to the runtime. Primitive datatypes are package-level values and are always
// committed; derived datatypes are built with a DatatypeBuilder and committed
// through the Universe before use.
type Datatype struct {
	id     nativeapi.TypeID
	layout nativeapi.TypeLayout
	runs   []kindRun
	u      *Universe
	freed  atomic.Bool
}

// Primitive datatypes.
var (
	Int8       = primitive(nativeapi.KindInt8)
	Int16      = primitive(nativeapi.KindInt16)
	Int32      = primitive(nativeapi.KindInt32)
	Int64      = primitive(nativeapi.KindInt64)
	Uint8      = primitive(nativeapi.KindUint8)
	Uint16     = primitive(nativeapi.KindUint16)
	Uint32     = primitive(nativeapi.KindUint32)
	Uint64     = primitive(nativeapi.KindUint64)
	Float32    = primitive(nativeapi.KindFloat32)
	Float64    = primitive(nativeapi.KindFloat64)
	Complex64  = primitive(nativeapi.KindComplex64)
	Complex128 = primitive(nativeapi.KindComplex128)
	Byte       = primitive(nativeapi.KindByte)
)

func primitive(k nativeapi.Kind) *Datatype {
	return &Datatype{
		id:     nativeapi.PrimitiveType(k),
		layout: nativeapi.PrimitiveLayout(k),
		runs:   []kindRun{{kind: k, count: 1}},
	}
}

// kindRun is one run of the flattened primitive-kind sequence, with adjacent
// equal-kind runs merged so that equality of runs is equality of sequences.
type kindRun struct {
	kind  nativeapi.Kind
	count int
}

func appendRun(runs []kindRun, k nativeapi.Kind, n int) []kindRun {
	if n <= 0 {
		return runs
	}
	if len(runs) > 0 && runs[len(runs)-1].kind == k {
		runs[len(runs)-1].count += n
		return runs
	}
	return append(runs, kindRun{kind: k, count: n})
}

func appendRuns(runs, more []kindRun, times int) []kindRun {
	for i := 0; i < times; i++ {
		for _, r := range more {
			runs = appendRun(runs, r.kind, r.count)
		}
	}
	return runs
}

// Extent returns the stride in bytes between consecutive elements.
func (d *Datatype) Extent() uintptr { return d.layout.Extent }

// PackedSize returns the payload bytes one element carries on the wire.
func (d *Datatype) PackedSize() int { return int(d.layout.PackedSize()) }

// ShapeEquivalent reports whether two committed datatypes flatten to the
// same primitive-kind sequence. Field names, offsets and padding do not
// participate; two struct types with the same shape may communicate. The
// relation is reflexive, symmetric and transitive.
func (d *Datatype) ShapeEquivalent(other *Datatype) bool {
	if len(d.runs) != len(other.runs) {
		return false
	}
	for i, r := range d.runs {
		if other.runs[i] != r {
			return false
		}
	}
	return true
}

// Free releases a derived datatype with the runtime. Freeing a primitive is
// a no-op; using a freed datatype in any later call is fatal.
func (d *Datatype) Free() error {
	if d.u == nil {
		return nil
	}
	if d.freed.Swap(true) {
		panic(StaleHandleError{Handle: "datatype"})
	}
	return raise("datatype free", d.u.rt.FreeType(d.id))
}

// use guards every communication-path access to the datatype.
func (d *Datatype) use() nativeapi.TypeID {
	if d == nil {
		panic(UsageError{Op: "datatype", Detail: "nil datatype"})
	}
	if d.freed.Load() {
		panic(StaleHandleError{Handle: "datatype"})
	}
	return d.id
}

// UncommittedDatatype is a derived layout that has not been registered with
// the runtime. It cannot back a buffer capability; committing it through the
// Universe is the only way to use it, and committing is one-way.
type UncommittedDatatype struct {
	layout nativeapi.TypeLayout
	runs   []kindRun
}

// DatatypeBuilder assembles a derived struct-like datatype from an ordered
// sequence of (offset, count, datatype) entries.
type DatatypeBuilder struct {
	entries      []builderEntry
	extent       uintptr
	allowOverlap bool
}

type builderEntry struct {
	offset uintptr
	count  int
	dt     *Datatype
}

func NewDatatypeBuilder() *DatatypeBuilder {
	return &DatatypeBuilder{}
}

// Add appends count elements of dt starting offset bytes into the element.
// Nested derived datatypes are inlined at build time.
func (b *DatatypeBuilder) Add(offset uintptr, count int, dt *Datatype) *DatatypeBuilder {
	b.entries = append(b.entries, builderEntry{offset: offset, count: count, dt: dt})
	return b
}

// AllowOverlap acknowledges overlapping entries, which are otherwise an
// InvalidLayout failure at build time.
func (b *DatatypeBuilder) AllowOverlap() *DatatypeBuilder {
	b.allowOverlap = true
	return b
}

// WithExtent overrides the element stride. Without it the extent is the end
// of the furthest entry.
func (b *DatatypeBuilder) WithExtent(extent uintptr) *DatatypeBuilder {
	b.extent = extent
	return b
}

// Build flattens the entry sequence into an uncommitted layout.
func (b *DatatypeBuilder) Build() (*UncommittedDatatype, error) {
	if len(b.entries) == 0 {
		return nil, fmt.Errorf("%w: empty entry sequence", ErrInvalidLayout)
	}
	var segs []nativeapi.Segment
	var runs []kindRun
	for _, e := range b.entries {
		if e.dt == nil {
			return nil, fmt.Errorf("%w: nil datatype entry", ErrInvalidLayout)
		}
		if e.dt.freed.Load() {
			panic(StaleHandleError{Handle: "datatype"})
		}
		if e.count <= 0 {
			return nil, fmt.Errorf("%w: entry count %d", ErrInvalidLayout, e.count)
		}
		for i := 0; i < e.count; i++ {
			base := e.offset + uintptr(i)*e.dt.layout.Extent
			for _, seg := range e.dt.layout.Segments {
				segs = append(segs, nativeapi.Segment{
					Offset: base + seg.Offset,
					Count:  seg.Count,
					Kind:   seg.Kind,
				})
			}
		}
		runs = appendRuns(runs, e.dt.runs, e.count)
	}
	if !b.allowOverlap {
		if err := checkOverlap(segs); err != nil {
			return nil, err
		}
	}
	extent := b.extent
	if extent == 0 {
		for _, s := range segs {
			if end := s.Offset + uintptr(s.Count)*s.Kind.Size(); end > extent {
				extent = end
			}
		}
	}
	return &UncommittedDatatype{
		layout: nativeapi.TypeLayout{Segments: segs, Extent: extent},
		runs:   runs,
	}, nil
}

func checkOverlap(segs []nativeapi.Segment) error {
	type span struct{ lo, hi uintptr }
	spans := make([]span, len(segs))
	for i, s := range segs {
		spans[i] = span{lo: s.Offset, hi: s.Offset + uintptr(s.Count)*s.Kind.Size()}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].lo < spans[j].lo })
	for i := 1; i < len(spans); i++ {
		if spans[i].lo < spans[i-1].hi {
			return fmt.Errorf("%w: overlapping entries at byte %d", ErrInvalidLayout, spans[i].lo)
		}
	}
	return nil
}

// CommitDatatype registers a derived layout with the runtime and returns the
// committed datatype. Committing cannot be undone.
func (u *Universe) CommitDatatype(d *UncommittedDatatype) (*Datatype, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil layout", ErrInvalidLayout)
	}
	rt := u.runtime()
	id, err := rt.CommitType(d.layout)
	if err != nil {
		return nil, raise("datatype commit", err)
	}
	return &Datatype{id: id, layout: d.layout, runs: d.runs, u: u}, nil
}
