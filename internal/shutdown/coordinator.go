package shutdown

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stopper is anything the coordinator shuts down after the drain, such as
// the HTTP server or a broker client.
type Stopper interface {
	Stop(ctx context.Context) error
}

// StopFunc adapts a function such as (*http.Server).Shutdown to Stopper.
type StopFunc func(ctx context.Context) error

func (f StopFunc) Stop(ctx context.Context) error { return f(ctx) }

type Config struct {
	// DrainTimeout is how long in-flight work may run after admission
	// closes.
	DrainTimeout time.Duration
	// ForceGrace bounds the wait for aborted work to record its result.
	ForceGrace time.Duration
	// StopTimeout bounds each Stopper.
	StopTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.ForceGrace <= 0 {
		c.ForceGrace = 5 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}

// Coordinator moves the gate Running -> Draining -> Stopped.
type Coordinator struct {
	gate     *Gate
	cfg      Config
	stoppers []Stopper
	logger   *zap.Logger

	once sync.Once
	done chan struct{}
}

func NewCoordinator(gate *Gate, cfg Config, logger *zap.Logger, stoppers ...Stopper) *Coordinator {
	return &Coordinator{
		gate:     gate,
		cfg:      cfg.withDefaults(),
		stoppers: stoppers,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (c *Coordinator) State() State { return c.gate.State() }

// Done is closed once the coordinator reaches Stopped.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Run waits for the dependency watchdog to fire on notify, or for ctx to
// end, and then drains and stops.
func (c *Coordinator) Run(ctx context.Context, notify <-chan struct{}) {
	select {
	case <-notify:
		c.Shutdown("critical dependency unavailable")
	case <-ctx.Done():
		c.Shutdown("shutdown requested")
	}
}

// Shutdown drains and stops. Only the first call has any effect; later
// calls wait for it to finish.
func (c *Coordinator) Shutdown(reason string) {
	c.once.Do(func() {
		defer close(c.done)

		idle := c.gate.drain()
		c.logger.Warn("Admission closed, draining in-flight payments",
			zap.String("reason", reason),
			zap.Int("in_flight", c.gate.Active()),
			zap.Duration("drain_timeout", c.cfg.DrainTimeout))

		timer := time.NewTimer(c.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-idle:
			c.logger.Info("In-flight payments drained")
		case <-timer.C:
			c.logger.Warn("Drain timeout reached, aborting in-flight payments", zap.Int("in_flight", c.gate.Active()))
			c.gate.abort()
			select {
			case <-idle:
			case <-time.After(c.cfg.ForceGrace):
				c.logger.Error("In-flight payments did not finish after abort", zap.Int("in_flight", c.gate.Active()))
			}
		}

		for _, s := range c.stoppers {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
			if err := s.Stop(ctx); err != nil {
				c.logger.Error("Failed to stop component", zap.Error(err))
			}
			cancel()
		}

		c.gate.stop()
		c.logger.Info("Shutdown complete")
	})
	<-c.done
}
