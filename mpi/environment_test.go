package mpi

import (
	"errors"
	"testing"
)

func TestInitializeOncePerProcess(t *testing.T) {
	u, err := Initialize()
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer u.Close()

	if _, err := Initialize(); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second Initialize: expected ErrAlreadyInitialized, got %v", err)
	}

	if u.World().Size() != 1 || u.World().Rank() != 0 {
		t.Fatalf("single-process world: size=%d rank=%d", u.World().Size(), u.World().Rank())
	}
	if u.SelfComm().Size() != 1 {
		t.Fatalf("self communicator size %d", u.SelfComm().Size())
	}
	if u.ThreadingLevel() != ThreadingMultiple {
		t.Fatalf("threading level %v", u.ThreadingLevel())
	}
	if u.ProcessorName() == "" {
		t.Fatal("empty processor name")
	}
	if u.LibraryVersion() == "" {
		t.Fatal("empty library version")
	}
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	runRanks(t, 1, func(u *Universe) error {
		// InitializeLocal closes the universe after fn returns; closing here
		// first must make that a no-op.
		if err := u.Close(); err != nil {
			return err
		}
		if err := u.Close(); err != nil {
			t.Errorf("second close: %v", err)
		}
		defer func() {
			if _, ok := recover().(StaleHandleError); !ok {
				t.Error("expected StaleHandleError for use after close")
			}
		}()
		u.ProcessorName()
		return nil
	})
}

func TestInitializeLocalJoinsRankErrors(t *testing.T) {
	fail := errors.New("rank failure")
	err := InitializeLocal(3, func(u *Universe) error {
		if u.World().Rank() == 1 {
			return fail
		}
		return nil
	})
	if !errors.Is(err, fail) {
		t.Fatalf("expected joined rank failure, got %v", err)
	}
}

func TestInitializeLocalPropagatesPanics(t *testing.T) {
	defer func() {
		if _, ok := recover().(UsageError); !ok {
			t.Error("expected rank panic to propagate")
		}
	}()
	InitializeLocal(2, func(u *Universe) error {
		if u.World().Rank() == 1 {
			panic(UsageError{Op: "test", Detail: "deliberate"})
		}
		return nil
	})
}

func TestWallTimeAdvances(t *testing.T) {
	runRanks(t, 1, func(u *Universe) error {
		a := u.WallTime()
		b := u.WallTime()
		if b < a {
			t.Errorf("wall time went backwards: %v then %v", a, b)
		}
		return nil
	})
}

func TestDetachBufferReportsSize(t *testing.T) {
	runRanks(t, 1, func(u *Universe) error {
		if err := u.SetBufferSize(4096); err != nil {
			return err
		}
		n, err := u.DetachBuffer()
		if err != nil {
			return err
		}
		if n != 4096 {
			t.Errorf("detached size %d", n)
		}
		return nil
	})
}
