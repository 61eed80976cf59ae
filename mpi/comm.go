package mpi

import (
	"sync/atomic"

	"github.com/ranksafe/mpi-go/internal/nativeapi"
)

// Undefined is the value reported when a rank has no answer: the color that
// excludes a rank from Split, the rank of a non-member in a group, a byte
// count that does not divide into elements.
const Undefined = -1

// Comm is a communicator: a fixed group of ranks sharing a private matching
// context. Messages never cross communicators.
type Comm struct {
	u     *Universe
	ctx   nativeapi.ContextID
	rank  int
	size  int
	freed atomic.Bool
}

// Universe returns the Universe the communicator belongs to.
func (c *Comm) Universe() *Universe { return c.u }

// Rank returns the caller's rank within the communicator.
func (c *Comm) Rank() int { return c.rank }

// Size returns the number of ranks in the communicator.
func (c *Comm) Size() int { return c.size }

// context guards every use against a freed communicator.
func (c *Comm) context() nativeapi.ContextID {
	if c == nil {
		panic(UsageError{Op: "communicator", Detail: "nil communicator"})
	}
	if c.freed.Load() {
		panic(StaleHandleError{Handle: "communicator"})
	}
	return c.ctx
}

// Process addresses one rank of the communicator.
func (c *Comm) Process(rank int) Process {
	c.context()
	if rank < 0 || rank >= c.size {
		panic(UsageError{Op: "process", Detail: "rank out of range"})
	}
	return Process{comm: c, rank: rank}
}

// AnyProcess is the wildcard source for receives and probes.
func (c *Comm) AnyProcess() Process {
	c.context()
	return Process{comm: c, rank: nativeapi.AnySource}
}

// Duplicate creates a new communicator with the same ranks but a fresh
// matching context. Collective over the communicator.
func (c *Comm) Duplicate() (*Comm, error) {
	ctx, err := c.u.runtime().DupContext(c.context())
	if err != nil {
		return nil, raise("duplicate", err)
	}
	return c.u.commFor(ctx), nil
}

// Split partitions the ranks by color into new communicators, ordering each
// partition by (key, rank). Ranks passing Undefined as the color receive a
// nil communicator. Collective over the communicator; deterministic given
// identical inputs on every rank.
func (c *Comm) Split(color, key int) (*Comm, error) {
	ctx, err := c.u.runtime().SplitContext(c.context(), color, key)
	if err != nil {
		return nil, raise("split", err)
	}
	if ctx == nativeapi.ContextInvalid {
		return nil, nil
	}
	return c.u.commFor(ctx), nil
}

// Free destroys the communicator's context. Freeing with operations still
// outstanding, or using the communicator afterwards, is fatal.
func (c *Comm) Free() error {
	rt := c.u.runtime()
	ctx := c.context()
	c.freed.Store(true)
	return raise("communicator free", rt.FreeContext(ctx))
}

// Group returns the communicator's full rank group.
func (c *Comm) Group() Group {
	c.context()
	ranks := make([]int, c.size)
	for i := range ranks {
		ranks[i] = i
	}
	return Group{comm: c, ranks: ranks}
}

// Group is an ordered subset of a communicator's ranks. Groups are local
// values; building one involves no communication.
type Group struct {
	comm  *Comm
	ranks []int
}

// Size returns the number of ranks in the group.
func (g Group) Size() int { return len(g.ranks) }

// Rank returns the caller's position within the group, or Undefined when the
// caller is not a member.
func (g Group) Rank() int {
	for i, r := range g.ranks {
		if r == g.comm.Rank() {
			return i
		}
	}
	return Undefined
}

// Include returns the subgroup consisting of the named communicator ranks in
// the given order.
func (g Group) Include(ranks ...int) Group {
	sub := Group{comm: g.comm}
	for _, want := range ranks {
		for _, r := range g.ranks {
			if r == want {
				sub.ranks = append(sub.ranks, r)
				break
			}
		}
	}
	return sub
}

// Exclude returns the subgroup with the named communicator ranks removed,
// preserving order.
func (g Group) Exclude(ranks ...int) Group {
	sub := Group{comm: g.comm}
	for _, r := range g.ranks {
		drop := false
		for _, x := range ranks {
			if r == x {
				drop = true
				break
			}
		}
		if !drop {
			sub.ranks = append(sub.ranks, r)
		}
	}
	return sub
}

// TranslateRank maps a position in this group to the corresponding position
// in another group over the same communicator, or Undefined when the rank is
// not a member there.
func (g Group) TranslateRank(rank int, other Group) int {
	if rank < 0 || rank >= len(g.ranks) {
		return Undefined
	}
	want := g.ranks[rank]
	for i, r := range other.ranks {
		if r == want {
			return i
		}
	}
	return Undefined
}

// CreateFromGroup builds a communicator containing exactly the group's
// ranks, in group order. Collective over the parent communicator: every rank
// of the parent must call it with an equal group. Non-members receive nil.
func (c *Comm) CreateFromGroup(g Group) (*Comm, error) {
	color := Undefined
	key := 0
	if pos := g.Rank(); pos != Undefined {
		color = 0
		key = pos
	}
	return c.Split(color, key)
}
