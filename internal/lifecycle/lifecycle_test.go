package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPhaseInitiallyRunning(t *testing.T) {
	c := NewCoordinator(Steps{}, time.Second)
	if got := c.Phase(); got != PhaseRunning {
		t.Fatalf("Phase() = %q, want %q", got, PhaseRunning)
	}
}

func TestShutdownRunsStepsInOrder(t *testing.T) {
	var order []string
	var phaseDuringDrain string

	var c *Coordinator
	c = NewCoordinator(Steps{
		StopControl: func(ctx context.Context) error {
			order = append(order, "control")
			return nil
		},
		StopAccept: func(ctx context.Context) error {
			order = append(order, "accept")
			return nil
		},
		DrainSaves: func(ctx context.Context) error {
			phaseDuringDrain = c.Phase()
			order = append(order, "drain")
			return nil
		},
		CloseConns: func() { order = append(order, "close") },
		Cleanup:    func() { order = append(order, "cleanup") },
	}, time.Second)

	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	want := []string{"control", "accept", "drain", "close", "cleanup"}
	if len(order) != len(want) {
		t.Fatalf("steps = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("steps = %v, want %v", order, want)
		}
	}
	if phaseDuringDrain != PhaseDraining {
		t.Fatalf("phase during drain = %q, want %q", phaseDuringDrain, PhaseDraining)
	}
	if got := c.Phase(); got != PhaseStopped {
		t.Fatalf("Phase() after shutdown = %q, want %q", got, PhaseStopped)
	}
}

func TestShutdownRunsOnce(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	c := NewCoordinator(Steps{
		DrainSaves: func(ctx context.Context) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		},
	}, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Shutdown(); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("drain ran %d times, want 1", calls)
	}
}

func TestShutdownTimeoutSurfaced(t *testing.T) {
	closed := false
	c := NewCoordinator(Steps{
		DrainSaves: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		CloseConns: func() { closed = true },
	}, 20*time.Millisecond)

	err := c.Shutdown()
	if !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("Shutdown() error = %v, want ErrShutdownTimeout", err)
	}
	// An abandoned drain must not stop the remaining steps.
	if !closed {
		t.Fatal("CloseConns did not run after drain timeout")
	}
	if got := c.Phase(); got != PhaseStopped {
		t.Fatalf("Phase() = %q, want %q", got, PhaseStopped)
	}
}

func TestNilStepsAreSkipped(t *testing.T) {
	c := NewCoordinator(Steps{}, time.Second)
	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := c.Phase(); got != PhaseStopped {
		t.Fatalf("Phase() = %q, want %q", got, PhaseStopped)
	}
}

func TestDoneClosesAfterShutdown(t *testing.T) {
	c := NewCoordinator(Steps{}, time.Second)

	select {
	case <-c.Done():
		t.Fatal("Done() closed before shutdown")
	default:
	}

	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after shutdown")
	}
}

func TestRepeatedShutdownReturnsFirstResult(t *testing.T) {
	c := NewCoordinator(Steps{
		DrainSaves: func(ctx context.Context) error {
			return errors.New("two documents left dirty")
		},
	}, time.Second)

	first := c.Shutdown()
	second := c.Shutdown()
	if !errors.Is(first, ErrShutdownTimeout) {
		t.Fatalf("first Shutdown() error = %v, want ErrShutdownTimeout", first)
	}
	if second == nil || second.Error() != first.Error() {
		t.Fatalf("second Shutdown() = %v, want same as first %v", second, first)
	}
}
