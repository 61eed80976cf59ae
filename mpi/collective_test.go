package mpi

import (
	"sync/atomic"
	"testing"
)

func TestBroadcast(t *testing.T) {
	runRanks(t, 4, func(u *Universe) error {
		world := u.World()
		buf := make([]int32, 4)
		if world.Rank() == 2 {
			copy(buf, []int32{2, 4, 8, 16})
		}
		if err := world.Broadcast(Slice(buf), 2); err != nil {
			return err
		}
		for i, want := range []int32{2, 4, 8, 16} {
			if buf[i] != want {
				t.Errorf("rank %d: buf[%d] = %d, want %d", world.Rank(), i, buf[i], want)
			}
		}
		return nil
	})
}

func TestGatherAndScatter(t *testing.T) {
	runRanks(t, 4, func(u *Universe) error {
		world := u.World()
		root := 1

		send := []int64{int64(world.Rank()) * 10}
		var gathered []int64
		var recvBuf MutBuffer
		if world.Rank() == root {
			gathered = make([]int64, 4)
			recvBuf = Slice(gathered)
		}
		if err := world.Gather(ConstSlice(send), recvBuf, root); err != nil {
			return err
		}
		if world.Rank() == root {
			for r, v := range gathered {
				if v != int64(r)*10 {
					t.Errorf("gathered[%d] = %d", r, v)
				}
			}
		}

		var sendBuf Buffer
		if world.Rank() == root {
			sendBuf = ConstSlice(gathered)
		}
		back := make([]int64, 1)
		if err := world.Scatter(sendBuf, Slice(back), root); err != nil {
			return err
		}
		if back[0] != int64(world.Rank())*10 {
			t.Errorf("rank %d: scattered %d", world.Rank(), back[0])
		}
		return nil
	})
}

func TestGatherVarying(t *testing.T) {
	runRanks(t, 4, func(u *Universe) error {
		world := u.World()
		me := world.Rank()

		send := make([]int32, me+1)
		for i := range send {
			send[i] = int32(me)
		}

		counts := []int{1, 2, 3, 4}
		displs := []int{0, 2, 5, 9}
		var recvBuf MutBuffer
		var recv []int32
		if me == 0 {
			recv = make([]int32, 13)
			for i := range recv {
				recv[i] = -1
			}
			recvBuf = Slice(recv)
		}
		if err := world.GatherVarying(ConstSlice(send), recvBuf, counts, displs, 0); err != nil {
			return err
		}
		if me == 0 {
			for r := 0; r < 4; r++ {
				for i := 0; i < counts[r]; i++ {
					if recv[displs[r]+i] != int32(r) {
						t.Errorf("rank %d chunk corrupt at %d: %v", r, displs[r]+i, recv)
					}
				}
			}
			// Gap between displacements stays untouched.
			if recv[1] != -1 {
				t.Errorf("expected gap sentinel at 1, got %d", recv[1])
			}
		}
		return nil
	})
}

func TestScatterVarying(t *testing.T) {
	runRanks(t, 4, func(u *Universe) error {
		world := u.World()
		me := world.Rank()

		counts := []int{1, 2, 3, 4}
		displs := []int{0, 1, 3, 6}
		var sendBuf Buffer
		if me == 0 {
			send := make([]int32, 10)
			for i := range send {
				send[i] = int32(i)
			}
			sendBuf = ConstSlice(send)
		}
		recv := make([]int32, me+1)
		if err := world.ScatterVarying(sendBuf, Slice(recv), counts, displs, 0); err != nil {
			return err
		}
		for i, v := range recv {
			if v != int32(displs[me]+i) {
				t.Errorf("rank %d: recv[%d] = %d", me, i, v)
			}
		}
		return nil
	})
}

func TestAllGather(t *testing.T) {
	runRanks(t, 4, func(u *Universe) error {
		world := u.World()
		send := []int32{int32(world.Rank() + 1)}
		recv := make([]int32, 4)
		if err := world.AllGather(ConstSlice(send), Slice(recv)); err != nil {
			return err
		}
		for r, v := range recv {
			if v != int32(r+1) {
				t.Errorf("rank %d: recv[%d] = %d", world.Rank(), r, v)
			}
		}
		return nil
	})
}

func TestAllToAll(t *testing.T) {
	runRanks(t, 4, func(u *Universe) error {
		world := u.World()
		me := world.Rank()
		send := make([]int32, 4)
		for i := range send {
			send[i] = int32(me*10 + i)
		}
		recv := make([]int32, 4)
		if err := world.AllToAll(ConstSlice(send), Slice(recv)); err != nil {
			return err
		}
		for r, v := range recv {
			if v != int32(r*10+me) {
				t.Errorf("rank %d: recv[%d] = %d", me, r, v)
			}
		}
		return nil
	})
}

func TestReduceAndAllReduce(t *testing.T) {
	runRanks(t, 4, func(u *Universe) error {
		world := u.World()
		me := world.Rank()

		send := []int64{int64(me)}
		var recvBuf MutBuffer
		recv := make([]int64, 1)
		if me == 0 {
			recvBuf = Slice(recv)
		}
		if err := world.Reduce(ConstSlice(send), recvBuf, Sum, 0); err != nil {
			return err
		}
		if me == 0 && recv[0] != 6 {
			t.Errorf("sum reduce: got %d", recv[0])
		}

		all := make([]int64, 1)
		if err := world.AllReduce(ConstSlice(send), Slice(all), Max); err != nil {
			return err
		}
		if all[0] != 3 {
			t.Errorf("rank %d: max all-reduce got %d", me, all[0])
		}

		bits := []uint32{1 << uint(me)}
		mask := make([]uint32, 1)
		if err := world.AllReduce(ConstSlice(bits), Slice(mask), BitwiseOr); err != nil {
			return err
		}
		if mask[0] != 0b1111 {
			t.Errorf("rank %d: bitwise-or got %b", me, mask[0])
		}
		return nil
	})
}

func TestScanAndExclusiveScan(t *testing.T) {
	runRanks(t, 4, func(u *Universe) error {
		world := u.World()
		me := world.Rank()
		send := []int32{int32(me + 1)}

		scan := make([]int32, 1)
		if err := world.Scan(ConstSlice(send), Slice(scan), Sum); err != nil {
			return err
		}
		want := int32((me + 1) * (me + 2) / 2)
		if scan[0] != want {
			t.Errorf("rank %d: scan got %d, want %d", me, scan[0], want)
		}

		exscan := []int32{-7}
		if err := world.ExclusiveScan(ConstSlice(send), Slice(exscan), Sum); err != nil {
			return err
		}
		if me == 0 {
			if exscan[0] != -7 {
				t.Errorf("rank 0 exclusive scan buffer must stay untouched, got %d", exscan[0])
			}
		} else if exscan[0] != int32(me*(me+1)/2) {
			t.Errorf("rank %d: exclusive scan got %d", me, exscan[0])
		}
		return nil
	})
}

func TestNonCommutativeOpAppliesInRankOrder(t *testing.T) {
	runRanks(t, 4, func(u *Universe) error {
		world := u.World()
		// Decimal-digit concatenation: associative, order-sensitive. A fold
		// in any order other than rank order yields a different digit string.
		op, err := NewElementwiseOp(u, func(in, inout []int64) {
			for i := range inout {
				width := int64(10)
				for width <= inout[i] {
					width *= 10
				}
				inout[i] = in[i]*width + inout[i]
			}
		}, false)
		if err != nil {
			return err
		}

		send := []int64{int64(world.Rank() + 1)}
		var recvBuf MutBuffer
		recv := make([]int64, 1)
		if world.Rank() == 0 {
			recvBuf = Slice(recv)
		}
		if err := world.Reduce(ConstSlice(send), recvBuf, op, 0); err != nil {
			return err
		}
		if world.Rank() == 0 && recv[0] != 1234 {
			t.Errorf("expected rank-ordered fold 1234, got %d", recv[0])
		}
		return op.Free()
	})
}

func TestBarrierSynchronizes(t *testing.T) {
	var before atomic.Int32
	runRanks(t, 4, func(u *Universe) error {
		before.Add(1)
		if err := u.World().Barrier(); err != nil {
			return err
		}
		if n := before.Load(); n != 4 {
			t.Errorf("rank %d left the barrier seeing %d arrivals", u.World().Rank(), n)
		}
		return nil
	})
}

func TestNonBlockingCollectives(t *testing.T) {
	runRanks(t, 4, func(u *Universe) error {
		world := u.World()
		return u.WithScope(func(s *Scope) error {
			send := []int32{int32(world.Rank())}
			recv := make([]int32, 1)
			rr, err := world.PostAllReduce(s, ConstSlice(send), Slice(recv), Sum)
			if err != nil {
				return err
			}
			rb, err := world.PostBarrier(s)
			if err != nil {
				return err
			}
			if _, err := WaitAll(rr, rb); err != nil {
				return err
			}
			if recv[0] != 6 {
				t.Errorf("rank %d: async all-reduce got %d", world.Rank(), recv[0])
			}
			return nil
		})
	})
}

func TestFreeBuiltinOpIsFatal(t *testing.T) {
	defer func() {
		if _, ok := recover().(UsageError); !ok {
			t.Error("expected UsageError when freeing a built-in operation")
		}
	}()
	Sum.Free()
}
