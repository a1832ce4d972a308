// Package shutdown closes admission when a critical dependency fails and
// drains in-flight payment work before the process stops.
package shutdown

import (
	"context"
	"sync"

	"paymentswitch/internal/domain"
	"paymentswitch/internal/monitoring"
)

type State int32

const (
	Running State = iota
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Gate admits work while Running and tracks what is in flight.
type Gate struct {
	mu     sync.Mutex
	state  State
	active int
	idle   chan struct{}

	force       context.Context
	forceCancel context.CancelFunc
}

func NewGate() *Gate {
	force, cancel := context.WithCancel(context.Background())
	return &Gate{force: force, forceCancel: cancel}
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Enter admits one unit of work. The returned context keeps ctx's values but
// not its cancellation: it ends only when release is called or a forced
// drain aborts it, with domain.ErrServiceDraining as the cause. A caller
// that disconnects therefore never abandons a connector call half way.
func (g *Gate) Enter(ctx context.Context) (context.Context, func(), error) {
	g.mu.Lock()
	if g.state != Running {
		g.mu.Unlock()
		return nil, nil, domain.ErrServiceDraining
	}
	g.active++
	g.mu.Unlock()
	monitoring.InFlightExecutions.Add(ctx, 1)

	workCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	stop := context.AfterFunc(g.force, func() { cancel(domain.ErrServiceDraining) })

	var once sync.Once
	release := func() {
		once.Do(func() {
			stop()
			cancel(nil)
			monitoring.InFlightExecutions.Add(context.Background(), -1)

			g.mu.Lock()
			defer g.mu.Unlock()
			g.active--
			if g.active == 0 && g.idle != nil {
				close(g.idle)
				g.idle = nil
			}
		})
	}
	return workCtx, release, nil
}

// drain stops admission and returns a channel closed once nothing is in
// flight.
func (g *Gate) drain() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Running {
		g.state = Draining
	}
	done := make(chan struct{})
	if g.active == 0 {
		close(done)
		return done
	}
	if g.idle == nil {
		g.idle = make(chan struct{})
	}
	return g.idle
}

// abort cancels every admitted context.
func (g *Gate) abort() {
	g.forceCancel()
}

func (g *Gate) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = Stopped
}
