package mpi

import (
	"errors"
	"testing"
	"unsafe"
)

type particle struct {
	ID  int32
	Tag int32
	Pos float64
}

func particleType(u *Universe) (*Datatype, error) {
	var p particle
	layout, err := NewDatatypeBuilder().
		Add(unsafe.Offsetof(p.ID), 1, Int32).
		Add(unsafe.Offsetof(p.Tag), 1, Int32).
		Add(unsafe.Offsetof(p.Pos), 1, Float64).
		WithExtent(unsafe.Sizeof(p)).
		Build()
	if err != nil {
		return nil, err
	}
	return u.CommitDatatype(layout)
}

func TestPrimitiveShapeEquivalence(t *testing.T) {
	if !Int32.ShapeEquivalent(Int32) {
		t.Error("a primitive must be equivalent to itself")
	}
	if Int32.ShapeEquivalent(Uint32) {
		t.Error("distinct primitive kinds must not be equivalent")
	}
	if Float64.ShapeEquivalent(Int64) {
		t.Error("same-size distinct kinds must not be equivalent")
	}
}

func TestShapeEquivalenceIgnoresOffsetsAndPadding(t *testing.T) {
	runRanks(t, 1, func(u *Universe) error {
		a, err := particleType(u)
		if err != nil {
			return err
		}

		// Same primitive sequence, different offsets and extent.
		layout, err := NewDatatypeBuilder().
			Add(0, 2, Int32).
			Add(16, 1, Float64).
			WithExtent(32).
			Build()
		if err != nil {
			return err
		}
		b, err := u.CommitDatatype(layout)
		if err != nil {
			return err
		}

		// Same kinds, different order.
		layout, err = NewDatatypeBuilder().
			Add(0, 1, Float64).
			Add(8, 2, Int32).
			Build()
		if err != nil {
			return err
		}
		c, err := u.CommitDatatype(layout)
		if err != nil {
			return err
		}

		if !a.ShapeEquivalent(b) || !b.ShapeEquivalent(a) {
			t.Error("layouts with the same primitive sequence must be equivalent")
		}
		if a.ShapeEquivalent(c) || c.ShapeEquivalent(a) {
			t.Error("layouts with reordered kinds must not be equivalent")
		}
		return nil
	})
}

func TestShapeEquivalenceMergesAdjacentRuns(t *testing.T) {
	runRanks(t, 1, func(u *Universe) error {
		blockLayout, err := NewDatatypeBuilder().Add(0, 4, Int32).Build()
		if err != nil {
			return err
		}
		block, err := u.CommitDatatype(blockLayout)
		if err != nil {
			return err
		}

		splitLayout, err := NewDatatypeBuilder().
			Add(0, 1, Int32).
			Add(4, 2, Int32).
			Add(12, 1, Int32).
			Build()
		if err != nil {
			return err
		}
		split, err := u.CommitDatatype(splitLayout)
		if err != nil {
			return err
		}

		if !block.ShapeEquivalent(split) {
			t.Error("split and block runs of the same kind must be equivalent")
		}
		return nil
	})
}

func TestShapeEquivalenceInlinesNestedTypes(t *testing.T) {
	runRanks(t, 1, func(u *Universe) error {
		innerLayout, err := NewDatatypeBuilder().Add(0, 2, Int32).Build()
		if err != nil {
			return err
		}
		inner, err := u.CommitDatatype(innerLayout)
		if err != nil {
			return err
		}

		outerLayout, err := NewDatatypeBuilder().
			Add(0, 1, inner).
			Add(8, 1, Float64).
			Build()
		if err != nil {
			return err
		}
		outer, err := u.CommitDatatype(outerLayout)
		if err != nil {
			return err
		}

		flat, err := particleType(u)
		if err != nil {
			return err
		}
		if !outer.ShapeEquivalent(flat) {
			t.Error("a nested layout must flatten to its inlined sequence")
		}
		return nil
	})
}

func TestBuilderRejectsBadLayouts(t *testing.T) {
	if _, err := NewDatatypeBuilder().Build(); !errors.Is(err, ErrInvalidLayout) {
		t.Errorf("empty builder: expected ErrInvalidLayout, got %v", err)
	}
	if _, err := NewDatatypeBuilder().Add(0, 1, nil).Build(); !errors.Is(err, ErrInvalidLayout) {
		t.Errorf("nil entry: expected ErrInvalidLayout, got %v", err)
	}
	if _, err := NewDatatypeBuilder().Add(0, 0, Int32).Build(); !errors.Is(err, ErrInvalidLayout) {
		t.Errorf("zero count: expected ErrInvalidLayout, got %v", err)
	}
	if _, err := NewDatatypeBuilder().Add(0, 1, Int32).Add(2, 1, Int32).Build(); !errors.Is(err, ErrInvalidLayout) {
		t.Errorf("overlap: expected ErrInvalidLayout, got %v", err)
	}
	if _, err := NewDatatypeBuilder().Add(0, 1, Int32).Add(2, 1, Int32).AllowOverlap().Build(); err != nil {
		t.Errorf("acknowledged overlap: unexpected error %v", err)
	}
}

func TestViewRequiresMatchingExtent(t *testing.T) {
	runRanks(t, 1, func(u *Universe) error {
		layout, err := NewDatatypeBuilder().Add(0, 1, Int32).Build()
		if err != nil {
			return err
		}
		dt, err := u.CommitDatatype(layout)
		if err != nil {
			return err
		}
		if _, err := View(make([]particle, 1), dt); err == nil {
			t.Error("expected extent mismatch error")
		}
		return nil
	})
}

func TestStructExchange(t *testing.T) {
	runRanks(t, 2, func(u *Universe) error {
		world := u.World()
		dt, err := particleType(u)
		if err != nil {
			return err
		}
		switch world.Rank() {
		case 0:
			out := []particle{
				{ID: 1, Tag: 10, Pos: 0.5},
				{ID: 2, Tag: 20, Pos: 1.5},
			}
			buf, err := ConstView(out, dt)
			if err != nil {
				return err
			}
			return world.Process(1).Send(buf, 0)
		case 1:
			in := make([]particle, 2)
			buf, err := View(in, dt)
			if err != nil {
				return err
			}
			st, err := world.Process(0).Receive(buf, 0)
			if err != nil {
				return err
			}
			if st.Count(dt) != 2 {
				t.Errorf("expected 2 elements, got %d", st.Count(dt))
			}
			if in[0].ID != 1 || in[1].Tag != 20 || in[1].Pos != 1.5 {
				t.Errorf("unexpected payload %+v", in)
			}
		}
		return nil
	})
}

func TestDatatypeFree(t *testing.T) {
	runRanks(t, 1, func(u *Universe) error {
		if err := Int32.Free(); err != nil {
			t.Errorf("freeing a primitive must be a no-op, got %v", err)
		}

		dt, err := particleType(u)
		if err != nil {
			return err
		}
		if err := dt.Free(); err != nil {
			return err
		}
		defer func() {
			if _, ok := recover().(StaleHandleError); !ok {
				t.Error("expected StaleHandleError for use after free")
			}
		}()
		ConstView(make([]particle, 1), dt)
		return nil
	})
}
