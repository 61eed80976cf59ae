package mesh

import (
	"errors"
	"sync"
	"testing"
	"unsafe"

	"github.com/ranksafe/mpi-go/internal/nativeapi"
)

func TestPackUnpackSqueezesGaps(t *testing.T) {
	type elem struct {
		A int32
		_ int32
		B float64
	}
	layout := nativeapi.TypeLayout{
		Segments: []nativeapi.Segment{
			{Offset: 0, Count: 1, Kind: nativeapi.KindInt32},
			{Offset: 8, Count: 1, Kind: nativeapi.KindFloat64},
		},
		Extent: unsafe.Sizeof(elem{}),
	}
	if got := layout.PackedSize(); got != 12 {
		t.Fatalf("packed size %d, want 12", got)
	}

	src := []elem{{A: 1, B: 1.5}, {A: 2, B: 2.5}}
	packed := pack(unsafe.Pointer(&src[0]), len(src), layout)
	if len(packed) != 24 {
		t.Fatalf("packed %d bytes, want 24", len(packed))
	}

	dst := make([]elem, 2)
	unpack(unsafe.Pointer(&dst[0]), len(dst), layout, packed)
	for i := range src {
		if dst[i].A != src[i].A || dst[i].B != src[i].B {
			t.Fatalf("element %d: got %+v, want %+v", i, dst[i], src[i])
		}
	}
}

func TestMailboxPairsInPostedOrder(t *testing.T) {
	b := newMailbox()
	for i := 0; i < 3; i++ {
		b.deposit(&envelope{src: 0, tag: 7, packed: []byte{byte(i)}})
	}
	for i := 0; i < 3; i++ {
		env := b.await(b.postTicket(nativeapi.AnySource, 7))
		if env.packed[0] != byte(i) {
			t.Fatalf("delivery %d returned message %d", i, env.packed[0])
		}
	}
}

func TestMailboxTicketFiltersBySourceAndTag(t *testing.T) {
	b := newMailbox()
	b.deposit(&envelope{src: 0, tag: 1, packed: []byte{10}})
	b.deposit(&envelope{src: 1, tag: 2, packed: []byte{20}})

	env := b.await(b.postTicket(1, 2))
	if env.packed[0] != 20 {
		t.Fatalf("filtered receive got message %d", env.packed[0])
	}
	env = b.await(b.postTicket(nativeapi.AnySource, nativeapi.AnyTag))
	if env.packed[0] != 10 {
		t.Fatalf("wildcard receive got message %d", env.packed[0])
	}
}

func TestMailboxClaimIsExactlyOnce(t *testing.T) {
	const n = 16
	b := newMailbox()
	for i := 0; i < n; i++ {
		b.deposit(&envelope{src: 0, tag: 0, packed: []byte{byte(i)}})
	}

	var mu sync.Mutex
	seen := make(map[byte]int)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env := b.claim(nativeapi.AnySource, nativeapi.AnyTag)
			mu.Lock()
			seen[env.packed[0]]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Fatalf("claimed %d distinct messages, want %d", len(seen), n)
	}
	for v, count := range seen {
		if count != 1 {
			t.Fatalf("message %d claimed %d times", v, count)
		}
	}
}

func TestPeekLeavesMessageInPlace(t *testing.T) {
	b := newMailbox()
	b.deposit(&envelope{src: 2, tag: 5, packed: []byte{1, 2, 3}})

	env := b.peek(nativeapi.AnySource, nativeapi.AnyTag)
	if env.src != 2 || env.tag != 5 || len(env.packed) != 3 {
		t.Fatalf("peek returned %+v", env)
	}
	// The peeked message must still be receivable.
	got := b.await(b.postTicket(2, 5))
	if got != env {
		t.Fatal("receive after peek returned a different message")
	}
}

func TestScatterRejectsUnevenRootBuffer(t *testing.T) {
	const size = 3
	m := New(size)
	int32Type := nativeapi.PrimitiveType(nativeapi.KindInt32)

	errs := make([]error, size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			var send nativeapi.Buffer
			src := []int32{1, 2, 3, 4}
			if rank == 0 {
				// Four elements cannot be split across three ranks.
				send = nativeapi.Buffer{Ptr: unsafe.Pointer(&src[0]), Count: len(src), Type: int32Type}
			} else {
				send = nativeapi.Buffer{Type: int32Type}
			}
			out := make([]int32, 2)
			recv := nativeapi.Buffer{Ptr: unsafe.Pointer(&out[0]), Count: len(out), Type: int32Type}
			errs[rank] = m.Runtime(rank).Scatter(worldContext, send, recv, 0)
		}(rank)
	}
	wg.Wait()

	for rank, err := range errs {
		if !errors.Is(err, nativeapi.CodeTruncate) {
			t.Fatalf("rank %d: got %v, want a truncation failure", rank, err)
		}
	}
}

func TestApplyBuiltinRejectsMixedKinds(t *testing.T) {
	m := New(1)
	mixed := &contribution{
		packed: make([]byte, 12),
		count:  1,
		layout: nativeapi.TypeLayout{
			Segments: []nativeapi.Segment{
				{Offset: 0, Count: 1, Kind: nativeapi.KindInt32},
				{Offset: 8, Count: 1, Kind: nativeapi.KindFloat64},
			},
			Extent: 16,
		},
	}
	err := m.applyOp(nativeapi.OpSum, mixed, make([]byte, 12))
	if err == nil {
		t.Fatal("expected an error for a built-in reduction over mixed kinds")
	}
}

func TestFoldAppliesRankOrder(t *testing.T) {
	m := New(3)
	rt := m.Runtime(0)

	// Subtraction distinguishes orderings: 10 - (20 - 30) for the
	// right-associated rank-order fold.
	opID, err := rt.RegisterOp(func(in, inout unsafe.Pointer, count int, _ nativeapi.TypeID) {
		a := unsafe.Slice((*int64)(in), count)
		b := unsafe.Slice((*int64)(inout), count)
		for i := range b {
			b[i] = a[i] - b[i]
		}
	}, false)
	if err != nil {
		t.Fatalf("RegisterOp: %v", err)
	}

	results := make([]int64, 3)
	var wg sync.WaitGroup
	for rank := 0; rank < 3; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			in := []int64{int64(rank+1) * 10}
			out := make([]int64, 1)
			err := m.Runtime(rank).AllReduce(worldContext,
				nativeapi.Buffer{Ptr: unsafe.Pointer(&in[0]), Count: 1, Type: nativeapi.PrimitiveType(nativeapi.KindInt64)},
				nativeapi.Buffer{Ptr: unsafe.Pointer(&out[0]), Count: 1, Type: nativeapi.PrimitiveType(nativeapi.KindInt64)},
				opID)
			if err != nil {
				t.Errorf("rank %d all-reduce: %v", rank, err)
				return
			}
			results[rank] = out[0]
		}(rank)
	}
	wg.Wait()

	for rank, got := range results {
		if got != 20 {
			t.Fatalf("rank %d: fold produced %d, want 20", rank, got)
		}
	}
}
