package mesh

import (
	"unsafe"

	"github.com/ranksafe/mpi-go/internal/nativeapi"
)

// contrib packs a buffer into one collective contribution.
func (r *runtime) contrib(buf nativeapi.Buffer) (*contribution, error) {
	layout, err := r.mesh.layout(buf.Type)
	if err != nil {
		return nil, err
	}
	return &contribution{
		packed: pack(buf.Ptr, buf.Count, layout),
		count:  buf.Count,
		layout: layout,
		typeID: buf.Type,
	}, nil
}

// deliverPacked unpacks a collective result into the receive buffer, with the
// same capacity rule as point-to-point delivery.
func (r *runtime) deliverPacked(buf nativeapi.Buffer, packed []byte) error {
	if len(packed) == 0 {
		return nil
	}
	layout, err := r.mesh.layout(buf.Type)
	if err != nil {
		return err
	}
	per := int(layout.PackedSize())
	if per == 0 || len(packed)%per != 0 {
		return nativeapi.CodeType.WithOp("collective result does not divide into receive datatype")
	}
	if len(packed) > buf.Count*per {
		return nativeapi.CodeTruncate.WithOp("collective receive")
	}
	unpack(buf.Ptr, len(packed)/per, layout, packed)
	return nil
}

// collect runs one blocking collective round for this rank.
func (r *runtime) collect(id nativeapi.ContextID, kind collKind, root int, op nativeapi.OpID, in *contribution) (*collRound, int, error) {
	c, rank, err := r.at(id)
	if err != nil {
		return nil, -1, err
	}
	seq := c.coll.reserve(rank)
	round, err := c.coll.join(c, seq, rank, kind, root, op, in)
	return round, rank, err
}

// collectAsync reserves the round slot at post time so the per-rank call
// order is the program order, then joins from a goroutine.
func (r *runtime) collectAsync(id nativeapi.ContextID, kind collKind, root int, op nativeapi.OpID, in *contribution, deliver func(*collRound, int) error) (nativeapi.RequestID, error) {
	c, rank, err := r.at(id)
	if err != nil {
		return 0, err
	}
	seq := c.coll.reserve(rank)
	reqID, p := r.mesh.newPending()
	go func() {
		round, err := c.coll.join(c, seq, rank, kind, root, op, in)
		if err == nil && deliver != nil {
			err = deliver(round, rank)
		}
		p.finish(nativeapi.Status{}, err)
	}()
	return reqID, nil
}

func (r *runtime) DupContext(id nativeapi.ContextID) (nativeapi.ContextID, error) {
	round, rank, err := r.collect(id, collDup, 0, nativeapi.OpInvalid, &contribution{})
	if err != nil {
		return nativeapi.ContextInvalid, err
	}
	return round.results[rank], nil
}

func (r *runtime) SplitContext(id nativeapi.ContextID, color, key int) (nativeapi.ContextID, error) {
	round, rank, err := r.collect(id, collSplit, 0, nativeapi.OpInvalid, &contribution{color: color, key: key})
	if err != nil {
		return nativeapi.ContextInvalid, err
	}
	return round.results[rank], nil
}

func (r *runtime) Barrier(id nativeapi.ContextID) error {
	_, _, err := r.collect(id, collBarrier, 0, nativeapi.OpInvalid, &contribution{})
	return err
}

func (r *runtime) Broadcast(id nativeapi.ContextID, buf nativeapi.Buffer, root int) error {
	in, err := r.contrib(buf)
	if err != nil {
		return err
	}
	round, rank, err := r.collect(id, collBroadcast, root, nativeapi.OpInvalid, in)
	if err != nil {
		return err
	}
	if rank == root {
		return nil
	}
	return r.deliverPacked(buf, round.outputs[rank])
}

func (r *runtime) Gather(id nativeapi.ContextID, send, recv nativeapi.Buffer, root int) error {
	in, err := r.contrib(send)
	if err != nil {
		return err
	}
	round, rank, err := r.collect(id, collGather, root, nativeapi.OpInvalid, in)
	if err != nil {
		return err
	}
	if rank != root {
		return nil
	}
	return r.deliverPacked(recv, round.outputs[rank])
}

// deliverVarying places each rank's chunk at its displacement, both measured
// in elements of the root's receive datatype.
func (r *runtime) deliverVarying(recv nativeapi.Buffer, inputs []*contribution, counts, displs []int) error {
	layout, err := r.mesh.layout(recv.Type)
	if err != nil {
		return err
	}
	per := int(layout.PackedSize())
	if per == 0 {
		return nativeapi.CodeType.WithOp("varying gather receive datatype")
	}
	for i, in := range inputs {
		if len(in.packed) == 0 {
			continue
		}
		if len(in.packed)%per != 0 || len(in.packed) > counts[i]*per {
			return nativeapi.CodeTruncate.WithOp("varying gather receive")
		}
		n := len(in.packed) / per
		if displs[i] < 0 || displs[i]+n > recv.Count {
			return nativeapi.CodeTruncate.WithOp("varying gather displacement")
		}
		dst := unsafe.Add(recv.Ptr, uintptr(displs[i])*layout.Extent)
		unpack(dst, n, layout, in.packed)
	}
	return nil
}

func (r *runtime) GatherVarying(id nativeapi.ContextID, send, recv nativeapi.Buffer, counts, displs []int, root int) error {
	in, err := r.contrib(send)
	if err != nil {
		return err
	}
	round, rank, err := r.collect(id, collGatherVarying, root, nativeapi.OpInvalid, in)
	if err != nil {
		return err
	}
	if rank != root {
		return nil
	}
	if len(counts) != round.size || len(displs) != round.size {
		return nativeapi.CodeTruncate.WithOp("varying gather counts")
	}
	return r.deliverVarying(recv, round.inputs, counts, displs)
}

func (r *runtime) Scatter(id nativeapi.ContextID, send, recv nativeapi.Buffer, root int) error {
	in, err := r.contrib(send)
	if err != nil {
		return err
	}
	round, rank, err := r.collect(id, collScatter, root, nativeapi.OpInvalid, in)
	if err != nil {
		return err
	}
	return r.deliverPacked(recv, round.outputs[rank])
}

func (r *runtime) ScatterVarying(id nativeapi.ContextID, send, recv nativeapi.Buffer, counts, displs []int, root int) error {
	in, err := r.contrib(send)
	if err != nil {
		return err
	}
	in.counts = append([]int(nil), counts...)
	in.displs = append([]int(nil), displs...)
	round, rank, err := r.collect(id, collScatterVarying, root, nativeapi.OpInvalid, in)
	if err != nil {
		return err
	}
	return r.deliverPacked(recv, round.outputs[rank])
}

func (r *runtime) AllGather(id nativeapi.ContextID, send, recv nativeapi.Buffer) error {
	in, err := r.contrib(send)
	if err != nil {
		return err
	}
	round, rank, err := r.collect(id, collAllGather, 0, nativeapi.OpInvalid, in)
	if err != nil {
		return err
	}
	return r.deliverPacked(recv, round.outputs[rank])
}

func (r *runtime) AllToAll(id nativeapi.ContextID, send, recv nativeapi.Buffer) error {
	in, err := r.contrib(send)
	if err != nil {
		return err
	}
	round, rank, err := r.collect(id, collAllToAll, 0, nativeapi.OpInvalid, in)
	if err != nil {
		return err
	}
	return r.deliverPacked(recv, round.outputs[rank])
}

func (r *runtime) Reduce(id nativeapi.ContextID, send, recv nativeapi.Buffer, op nativeapi.OpID, root int) error {
	in, err := r.contrib(send)
	if err != nil {
		return err
	}
	round, rank, err := r.collect(id, collReduce, root, op, in)
	if err != nil {
		return err
	}
	if rank != root {
		return nil
	}
	return r.deliverPacked(recv, round.outputs[rank])
}

func (r *runtime) AllReduce(id nativeapi.ContextID, send, recv nativeapi.Buffer, op nativeapi.OpID) error {
	in, err := r.contrib(send)
	if err != nil {
		return err
	}
	round, rank, err := r.collect(id, collAllReduce, 0, op, in)
	if err != nil {
		return err
	}
	return r.deliverPacked(recv, round.outputs[rank])
}

func (r *runtime) Scan(id nativeapi.ContextID, send, recv nativeapi.Buffer, op nativeapi.OpID) error {
	in, err := r.contrib(send)
	if err != nil {
		return err
	}
	round, rank, err := r.collect(id, collScan, 0, op, in)
	if err != nil {
		return err
	}
	return r.deliverPacked(recv, round.outputs[rank])
}

func (r *runtime) ExclusiveScan(id nativeapi.ContextID, send, recv nativeapi.Buffer, op nativeapi.OpID) error {
	in, err := r.contrib(send)
	if err != nil {
		return err
	}
	round, rank, err := r.collect(id, collExclusiveScan, 0, op, in)
	if err != nil {
		return err
	}
	// Rank 0 has no prefix; its receive buffer is left untouched.
	return r.deliverPacked(recv, round.outputs[rank])
}

func (r *runtime) BarrierAsync(id nativeapi.ContextID) (nativeapi.RequestID, error) {
	return r.collectAsync(id, collBarrier, 0, nativeapi.OpInvalid, &contribution{}, nil)
}

func (r *runtime) BroadcastAsync(id nativeapi.ContextID, buf nativeapi.Buffer, root int) (nativeapi.RequestID, error) {
	in, err := r.contrib(buf)
	if err != nil {
		return 0, err
	}
	return r.collectAsync(id, collBroadcast, root, nativeapi.OpInvalid, in, func(round *collRound, rank int) error {
		if rank == root {
			return nil
		}
		return r.deliverPacked(buf, round.outputs[rank])
	})
}

func (r *runtime) GatherAsync(id nativeapi.ContextID, send, recv nativeapi.Buffer, root int) (nativeapi.RequestID, error) {
	in, err := r.contrib(send)
	if err != nil {
		return 0, err
	}
	return r.collectAsync(id, collGather, root, nativeapi.OpInvalid, in, func(round *collRound, rank int) error {
		if rank != root {
			return nil
		}
		return r.deliverPacked(recv, round.outputs[rank])
	})
}

func (r *runtime) ScatterAsync(id nativeapi.ContextID, send, recv nativeapi.Buffer, root int) (nativeapi.RequestID, error) {
	in, err := r.contrib(send)
	if err != nil {
		return 0, err
	}
	return r.collectAsync(id, collScatter, root, nativeapi.OpInvalid, in, func(round *collRound, rank int) error {
		return r.deliverPacked(recv, round.outputs[rank])
	})
}

func (r *runtime) AllGatherAsync(id nativeapi.ContextID, send, recv nativeapi.Buffer) (nativeapi.RequestID, error) {
	in, err := r.contrib(send)
	if err != nil {
		return 0, err
	}
	return r.collectAsync(id, collAllGather, 0, nativeapi.OpInvalid, in, func(round *collRound, rank int) error {
		return r.deliverPacked(recv, round.outputs[rank])
	})
}

func (r *runtime) AllToAllAsync(id nativeapi.ContextID, send, recv nativeapi.Buffer) (nativeapi.RequestID, error) {
	in, err := r.contrib(send)
	if err != nil {
		return 0, err
	}
	return r.collectAsync(id, collAllToAll, 0, nativeapi.OpInvalid, in, func(round *collRound, rank int) error {
		return r.deliverPacked(recv, round.outputs[rank])
	})
}

func (r *runtime) ReduceAsync(id nativeapi.ContextID, send, recv nativeapi.Buffer, op nativeapi.OpID, root int) (nativeapi.RequestID, error) {
	in, err := r.contrib(send)
	if err != nil {
		return 0, err
	}
	return r.collectAsync(id, collReduce, root, op, in, func(round *collRound, rank int) error {
		if rank != root {
			return nil
		}
		return r.deliverPacked(recv, round.outputs[rank])
	})
}

func (r *runtime) AllReduceAsync(id nativeapi.ContextID, send, recv nativeapi.Buffer, op nativeapi.OpID) (nativeapi.RequestID, error) {
	in, err := r.contrib(send)
	if err != nil {
		return 0, err
	}
	return r.collectAsync(id, collAllReduce, 0, op, in, func(round *collRound, rank int) error {
		return r.deliverPacked(recv, round.outputs[rank])
	})
}

func (r *runtime) RegisterOp(fn nativeapi.ReduceFunc, commutative bool) (nativeapi.OpID, error) {
	if fn == nil {
		return nativeapi.OpInvalid, nativeapi.CodeType.WithOp("register of nil reduction function")
	}
	m := r.mesh
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextOp
	m.nextOp++
	m.ops[id] = opEntry{fn: fn, commutative: commutative}
	return id, nil
}

func (r *runtime) FreeOp(op nativeapi.OpID) error {
	m := r.mesh
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[op]; !ok {
		return nativeapi.CodeStale.WithOp("free of unknown reduction op")
	}
	delete(m.ops, op)
	return nil
}
