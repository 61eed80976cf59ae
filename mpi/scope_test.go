package mpi

import (
	"strings"
	"testing"
	"time"
)

func TestScopeEndWithActiveRequestIsFatal(t *testing.T) {
	runRanks(t, 2, func(u *Universe) error {
		world := u.World()
		switch world.Rank() {
		case 0:
			defer func() {
				if _, ok := recover().(UsageError); !ok {
					t.Error("expected UsageError when a scope ends with an active request")
				}
			}()
			u.WithScope(func(s *Scope) error {
				_, err := world.Process(1).PostSend(s, ConstSlice([]int32{1}), 0)
				return err
			})
		case 1:
			var got [1]int32
			if _, err := world.Process(0).Receive(Slice(got[:]), 0); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestScopePanicWithActiveRequestIsFatal(t *testing.T) {
	runRanks(t, 2, func(u *Universe) error {
		world := u.World()
		if world.Rank() == 1 {
			return world.Process(0).Send(ConstSlice([]int32{5}), 9)
		}
		got := make([]int32, 1)
		var recovered any
		func() {
			defer func() { recovered = recover() }()
			u.WithScope(func(s *Scope) error {
				if _, err := world.Process(1).PostReceive(s, Slice(got), 9); err != nil {
					return err
				}
				panic("worker failure")
			})
		}()
		ue, ok := recovered.(UsageError)
		if !ok {
			t.Errorf("recovered %v (%T), want UsageError", recovered, recovered)
			return nil
		}
		if !strings.Contains(ue.Detail, "active request") || !strings.Contains(ue.Detail, "worker failure") {
			t.Errorf("detail %q does not report the dropped request and the original panic", ue.Detail)
		}
		return nil
	})
}

func TestScopePanicWithoutRequestsPropagates(t *testing.T) {
	runRanks(t, 1, func(u *Universe) error {
		var recovered any
		func() {
			defer func() { recovered = recover() }()
			u.WithScope(func(s *Scope) error {
				panic("plain failure")
			})
		}()
		if recovered != "plain failure" {
			t.Errorf("recovered %v, want the original panic value", recovered)
		}
		return nil
	})
}

func TestWaitKeepsBufferPinnedUntilComplete(t *testing.T) {
	release := make(chan struct{})
	runRanks(t, 2, func(u *Universe) error {
		world := u.World()
		switch world.Rank() {
		case 0:
			return u.WithScope(func(s *Scope) error {
				payload := []int32{1, 2, 3}
				req, err := world.Process(1).PostSynchronousSend(s, ConstSlice(payload), 3)
				if err != nil {
					return err
				}
				waitErr := make(chan error, 1)
				go func() {
					_, err := req.Wait()
					waitErr <- err
				}()
				// The synchronous send cannot complete until rank 1
				// receives, so the wait is blocking for this whole loop
				// and the buffer must stay pinned throughout.
				for i := 0; i < 20; i++ {
					s.mu.Lock()
					pinned := req.pins != nil
					s.mu.Unlock()
					if !pinned {
						t.Error("buffer unpinned while the wait was still blocking")
						break
					}
					time.Sleep(time.Millisecond)
				}
				close(release)
				if err := <-waitErr; err != nil {
					return err
				}
				s.mu.Lock()
				released := req.pins == nil
				s.mu.Unlock()
				if !released {
					t.Error("buffer still pinned after the wait returned")
				}
				return nil
			})
		case 1:
			<-release
			got := make([]int32, 3)
			if _, err := world.Process(0).Receive(Slice(got), 3); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestRequestIsSingleUse(t *testing.T) {
	runRanks(t, 2, func(u *Universe) error {
		world := u.World()
		switch world.Rank() {
		case 0:
			return u.WithScope(func(s *Scope) error {
				req, err := world.Process(1).PostSend(s, ConstSlice([]int32{1}), 0)
				if err != nil {
					return err
				}
				if _, err := req.Wait(); err != nil {
					return err
				}
				defer func() {
					if _, ok := recover().(UsageError); !ok {
						t.Error("expected UsageError on second wait")
					}
				}()
				req.Wait()
				return nil
			})
		case 1:
			var got [1]int32
			if _, err := world.Process(0).Receive(Slice(got[:]), 0); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestTestKeepsOwnershipUntilComplete(t *testing.T) {
	gate := make(chan struct{})
	runRanks(t, 2, func(u *Universe) error {
		world := u.World()
		switch world.Rank() {
		case 0:
			<-gate
			return world.Process(1).Send(ConstSlice([]int32{9}), 0)
		case 1:
			return u.WithScope(func(s *Scope) error {
				got := make([]int32, 1)
				req, err := world.Process(0).PostReceive(s, Slice(got), 0)
				if err != nil {
					return err
				}
				if _, done, err := req.Test(); done || err != nil {
					t.Errorf("request completed before the sender ran: done=%v err=%v", done, err)
				}
				close(gate)
				for {
					st, done, err := req.Test()
					if err != nil {
						return err
					}
					if !done {
						time.Sleep(time.Millisecond)
						continue
					}
					if st.Source() != 0 || got[0] != 9 {
						t.Errorf("unexpected completion: source=%d payload=%v", st.Source(), got)
					}
					return nil
				}
			})
		}
		return nil
	})
}

func TestWaitAllPreservesOrder(t *testing.T) {
	runRanks(t, 2, func(u *Universe) error {
		world := u.World()
		switch world.Rank() {
		case 0:
			return u.WithScope(func(s *Scope) error {
				var reqs []*Request
				for i := int32(0); i < 3; i++ {
					req, err := world.Process(1).PostSend(s, ConstSlice([]int32{i}), int(i))
					if err != nil {
						return err
					}
					reqs = append(reqs, req)
				}
				_, err := WaitAll(reqs...)
				return err
			})
		case 1:
			return u.WithScope(func(s *Scope) error {
				bufs := make([][]int32, 3)
				var reqs []*Request
				for i := 0; i < 3; i++ {
					bufs[i] = make([]int32, 1)
					req, err := world.Process(0).PostReceive(s, Slice(bufs[i]), i)
					if err != nil {
						return err
					}
					reqs = append(reqs, req)
				}
				statuses, err := WaitAll(reqs...)
				if err != nil {
					return err
				}
				for i, st := range statuses {
					if st.Tag() != i || bufs[i][0] != int32(i) {
						t.Errorf("request %d: tag=%d payload=%v", i, st.Tag(), bufs[i])
					}
				}
				return nil
			})
		}
		return nil
	})
}

func TestWaitAnyAndWaitSome(t *testing.T) {
	runRanks(t, 2, func(u *Universe) error {
		world := u.World()
		switch world.Rank() {
		case 0:
			for tag := 0; tag < 2; tag++ {
				if err := world.Process(1).Send(ConstSlice([]int32{int32(tag)}), tag); err != nil {
					return err
				}
			}
		case 1:
			return u.WithScope(func(s *Scope) error {
				a := make([]int32, 1)
				b := make([]int32, 1)
				ra, err := world.Process(0).PostReceive(s, Slice(a), 0)
				if err != nil {
					return err
				}
				rb, err := world.Process(0).PostReceive(s, Slice(b), 1)
				if err != nil {
					return err
				}
				idx, st, err := WaitAny(ra, rb)
				if err != nil {
					return err
				}
				if st.Tag() != idx {
					t.Errorf("WaitAny index %d does not match tag %d", idx, st.Tag())
				}
				rest := []*Request{ra, rb}[1-idx]
				done, _, err := WaitSome(rest)
				if err != nil {
					return err
				}
				if len(done) != 1 || done[0] != 0 {
					t.Errorf("WaitSome returned %v", done)
				}
				if a[0] != 0 || b[0] != 1 {
					t.Errorf("unexpected payloads a=%v b=%v", a, b)
				}
				return nil
			})
		}
		return nil
	})
}

func TestRequestAfterScopeEndIsFatal(t *testing.T) {
	runRanks(t, 1, func(u *Universe) error {
		var leaked *Scope
		if err := u.WithScope(func(s *Scope) error {
			leaked = s
			return nil
		}); err != nil {
			return err
		}
		defer func() {
			if _, ok := recover().(UsageError); !ok {
				t.Error("expected UsageError for a post after scope end")
			}
		}()
		got := make([]int32, 1)
		u.World().Process(0).PostReceive(leaked, Slice(got), 0)
		return nil
	})
}
