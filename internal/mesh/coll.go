package mesh

import (
	"sync"

	"github.com/ranksafe/mpi-go/internal/nativeapi"
)

type collKind int

const (
	collBarrier collKind = iota
	collBroadcast
	collGather
	collGatherVarying
	collScatter
	collScatterVarying
	collAllGather
	collAllToAll
	collReduce
	collAllReduce
	collScan
	collExclusiveScan
	collSplit
	collDup
)

func (k collKind) String() string {
	switch k {
	case collBarrier:
		return "barrier"
	case collBroadcast:
		return "broadcast"
	case collGather:
		return "gather"
	case collGatherVarying:
		return "gather_varying"
	case collScatter:
		return "scatter"
	case collScatterVarying:
		return "scatter_varying"
	case collAllGather:
		return "all_gather"
	case collAllToAll:
		return "all_to_all"
	case collReduce:
		return "reduce"
	case collAllReduce:
		return "all_reduce"
	case collScan:
		return "scan"
	case collExclusiveScan:
		return "exclusive_scan"
	case collSplit:
		return "split"
	case collDup:
		return "duplicate"
	default:
		return "collective"
	}
}

// collEngine sequences collective rounds per context. Each rank's n-th
// collective call joins round n; the last arrival computes the result for
// every rank. A rank arriving with a different collective kind than the
// round was opened with is a detected protocol violation.
type collEngine struct {
	mu      sync.Mutex
	rounds  map[uint64]*collRound
	nextSeq []uint64
}

func newCollEngine(size int) *collEngine {
	return &collEngine{
		rounds:  make(map[uint64]*collRound),
		nextSeq: make([]uint64, size),
	}
}

// contribution is one rank's input to a collective round.
type contribution struct {
	packed []byte
	count  int
	layout nativeapi.TypeLayout
	typeID nativeapi.TypeID
	counts []int // varying collectives: per-rank counts, root only
	displs []int
	color  int // split
	key    int
}

type collRound struct {
	kind     collKind
	root     int
	op       nativeapi.OpID
	size     int
	arrived  int
	inputs   []*contribution
	outputs  [][]byte
	results  []nativeapi.ContextID // split/dup
	errs     []error
	mismatch bool
	done     chan struct{}
}

// reserve claims the rank's next round slot. Blocking collectives reserve
// and join in one step; non-blocking ones reserve at post time so that the
// per-rank collective call order is fixed when the operation is issued, not
// when its goroutine happens to run.
func (e *collEngine) reserve(rank int) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq := e.nextSeq[rank]
	e.nextSeq[rank]++
	return seq
}

// join submits rank's contribution to the reserved round and blocks until
// the round completes. compute runs on whichever goroutine arrives last:
// that is the runtime's internal dispatch context, and user reduction
// functions are invoked from it.
func (e *collEngine) join(c *context, seq uint64, rank int, kind collKind, root int, op nativeapi.OpID, in *contribution) (*collRound, error) {
	e.mu.Lock()
	r, ok := e.rounds[seq]
	if !ok {
		r = &collRound{
			kind:    kind,
			root:    root,
			op:      op,
			size:    c.size(),
			inputs:  make([]*contribution, c.size()),
			outputs: make([][]byte, c.size()),
			results: make([]nativeapi.ContextID, c.size()),
			errs:    make([]error, c.size()),
			done:    make(chan struct{}),
		}
		e.rounds[seq] = r
	}
	if r.kind != kind || r.root != root || !opsCompatible(r.op, op) {
		r.mismatch = true
	}
	r.inputs[rank] = in
	r.arrived++
	last := r.arrived == r.size
	if last {
		delete(e.rounds, seq)
	}
	e.mu.Unlock()

	if last {
		r.compute(c)
		close(r.done)
	} else {
		<-r.done
	}
	if r.mismatch {
		return nil, nativeapi.CodeProtocol.WithOp("mismatched " + kind.String())
	}
	return r, r.errs[rank]
}

// opsCompatible checks the reduction ops of two arrivals. Built-in ids are
// process-global, so differing ids are a genuine mismatch. User ops are
// registered per rank and carry distinct ids for the same function, so they
// cannot be compared by id.
func opsCompatible(a, b nativeapi.OpID) bool {
	if a >= nativeapi.FirstUserOp && b >= nativeapi.FirstUserOp {
		return true
	}
	return a == b
}

func (r *collRound) compute(c *context) {
	if r.mismatch {
		return
	}
	switch r.kind {
	case collBarrier:
		// Arrival of every rank is the whole operation.
	case collBroadcast:
		src := r.inputs[r.root].packed
		for i := range r.outputs {
			r.outputs[i] = src
		}
	case collGather:
		r.outputs[r.root] = concat(r.inputs)
	case collGatherVarying:
		r.outputs[r.root] = concat(r.inputs)
	case collScatter:
		root := r.inputs[r.root]
		if len(root.packed)%r.size != 0 {
			r.failAll(nativeapi.CodeTruncate.WithOp("scatter root buffer does not divide by communicator size"))
			return
		}
		per := len(root.packed) / r.size
		for i := range r.outputs {
			r.outputs[i] = root.packed[i*per : (i+1)*per]
		}
	case collScatterVarying:
		root := r.inputs[r.root]
		elem := int(root.layout.PackedSize())
		for i := range r.outputs {
			off := root.displs[i] * elem
			n := root.counts[i] * elem
			if off < 0 || off+n > len(root.packed) {
				r.failAll(nativeapi.CodeInternal.WithOp("scatter displacement out of range"))
				return
			}
			r.outputs[i] = root.packed[off : off+n]
		}
	case collAllGather:
		all := concat(r.inputs)
		for i := range r.outputs {
			r.outputs[i] = all
		}
	case collAllToAll:
		for _, in := range r.inputs {
			if len(in.packed)%r.size != 0 {
				r.failAll(nativeapi.CodeTruncate.WithOp("all-to-all buffer does not divide by communicator size"))
				return
			}
		}
		for dst := range r.outputs {
			var out []byte
			for src := range r.inputs {
				chunk := r.inputs[src].packed
				per := len(chunk) / r.size
				out = append(out, chunk[dst*per:(dst+1)*per]...)
			}
			r.outputs[dst] = out
		}
	case collReduce:
		acc, err := r.fold(c)
		if err != nil {
			r.failAll(err)
			return
		}
		r.outputs[r.root] = acc
	case collAllReduce:
		acc, err := r.fold(c)
		if err != nil {
			r.failAll(err)
			return
		}
		for i := range r.outputs {
			r.outputs[i] = acc
		}
	case collScan:
		for i := range r.outputs {
			acc, err := r.foldRange(c, 0, i)
			if err != nil {
				r.failAll(err)
				return
			}
			r.outputs[i] = acc
		}
	case collExclusiveScan:
		for i := 1; i < r.size; i++ {
			acc, err := r.foldRange(c, 0, i-1)
			if err != nil {
				r.failAll(err)
				return
			}
			r.outputs[i] = acc
		}
	case collSplit:
		r.computeSplit(c)
	case collDup:
		dup := c.mesh.newContextLocked(c.ranks)
		for i := range r.results {
			r.results[i] = dup.id
		}
	}
}

func (r *collRound) failAll(err error) {
	for i := range r.errs {
		r.errs[i] = err
	}
}

func concat(inputs []*contribution) []byte {
	var out []byte
	for _, in := range inputs {
		out = append(out, in.packed...)
	}
	return out
}

// fold reduces all contributions in rank order: the result is
// in(0) ⊕ (in(1) ⊕ (... ⊕ in(n-1))), the canonical left-to-right order
// required for non-commutative operations.
func (r *collRound) fold(c *context) ([]byte, error) {
	return r.foldRange(c, 0, r.size-1)
}

func (r *collRound) foldRange(c *context, lo, hi int) ([]byte, error) {
	acc := append([]byte(nil), r.inputs[hi].packed...)
	for i := hi - 1; i >= lo; i-- {
		if err := c.mesh.applyOp(r.op, r.inputs[i], acc); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// computeSplit partitions ranks by color and orders each partition by
// (key, rank), mirroring the deterministic split contract.
func (r *collRound) computeSplit(c *context) {
	groups := make(map[int][]int) // color -> context ranks
	for rank, in := range r.inputs {
		if in.color < 0 {
			continue
		}
		groups[in.color] = append(groups[in.color], rank)
	}
	for color, members := range groups {
		sortByKey(members, r.inputs)
		meshRanks := make([]int, len(members))
		for i, rank := range members {
			meshRanks[i] = c.ranks[rank]
		}
		sub := c.mesh.newContextLocked(meshRanks)
		for _, rank := range members {
			r.results[rank] = sub.id
		}
		_ = color
	}
}

// sortByKey orders context ranks by (key, rank) using insertion sort; group
// sizes are small.
func sortByKey(members []int, inputs []*contribution) {
	for i := 1; i < len(members); i++ {
		for j := i; j > 0; j-- {
			a, b := members[j-1], members[j]
			if inputs[a].key < inputs[b].key || (inputs[a].key == inputs[b].key && a < b) {
				break
			}
			members[j-1], members[j] = members[j], members[j-1]
		}
	}
}
