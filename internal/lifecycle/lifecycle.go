// Package lifecycle coordinates shutdown. One signal moves the process
// from Running to Draining, the drain sequence runs exactly once, and the
// process lands in Stopped whether or not every step finished in budget.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	PhaseRunning  = "running"
	PhaseDraining = "draining"
	PhaseStopped  = "stopped"
)

// ErrShutdownTimeout means the drain budget elapsed with work abandoned.
var ErrShutdownTimeout = errors.New("shutdown drain timed out")

// Steps are the ordered actions between Draining and Stopped. Nil steps
// are skipped. Order matters: the control plane goes first so nothing can
// schedule new persistence work, then the sync listener stops accepting,
// then pending saves drain, and only then are live connections cut.
type Steps struct {
	StopControl func(ctx context.Context) error
	StopAccept  func(ctx context.Context) error
	DrainSaves  func(ctx context.Context) error
	CloseConns  func()
	Cleanup     func()
}

type Coordinator struct {
	steps        Steps
	drainTimeout time.Duration

	mu    sync.Mutex
	phase string
	err   error

	once sync.Once
	done chan struct{}
}

func NewCoordinator(steps Steps, drainTimeout time.Duration) *Coordinator {
	return &Coordinator{
		steps:        steps,
		drainTimeout: drainTimeout,
		phase:        PhaseRunning,
		done:         make(chan struct{}),
	}
}

// Phase reports where the process is in its life. Served on the control
// plane's status endpoint.
func (c *Coordinator) Phase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Done is closed once the process reaches Stopped.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Shutdown runs the drain sequence. The first caller drives it; repeated
// and concurrent calls wait for the same outcome.
func (c *Coordinator) Shutdown() error {
	c.once.Do(c.run)
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Coordinator) run() {
	c.setPhase(PhaseDraining)
	log.Printf("lifecycle: draining, budget %s", c.drainTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), c.drainTimeout)
	defer cancel()

	if c.steps.StopControl != nil {
		if err := c.steps.StopControl(ctx); err != nil {
			log.Printf("lifecycle: stop control: %v", err)
		}
	}
	if c.steps.StopAccept != nil {
		if err := c.steps.StopAccept(ctx); err != nil {
			log.Printf("lifecycle: stop accept: %v", err)
		}
	}
	if c.steps.DrainSaves != nil {
		if err := c.steps.DrainSaves(ctx); err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("%w: %v", ErrShutdownTimeout, err)
			c.mu.Unlock()
			log.Printf("lifecycle: %v", c.err)
		}
	}
	if c.steps.CloseConns != nil {
		c.steps.CloseConns()
	}
	if c.steps.Cleanup != nil {
		c.steps.Cleanup()
	}

	c.setPhase(PhaseStopped)
	log.Printf("lifecycle: stopped")
	close(c.done)
}

func (c *Coordinator) setPhase(phase string) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()
}
