// Package sim provides Sim, a simulated instrument: a counter that advances
// on an interval while running and fires a tick event with each new value.
//
// It has no hardware behind it and exists so an endpoint can be exercised
// end to end: lifecycle hooks, a control loop, exclusive methods and events.
//
// Configuration:
//
//	interval  time between ticks (default 1s)
//	start     value the counter resets to (default 0)
//	step      increment per tick (default 1)
//	limit     ticks after which the loop ends by itself; 0 runs until stopped
package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/instrumentd/internal/object"
)

// Sim is the simulated counter.
type Sim struct {
	object.Base

	// Guarded by the instance monitor.
	count int
	ticks int
}

// Class is the descriptor of Sim, registered as "Sim".
var Class = object.MustDefine[Sim]("Sim",
	object.Exclusive("Count", "Advance", "Reset"),
	object.Events("tick"),
	object.Defaults(map[string]any{
		"interval": time.Second,
		"start":    0,
		"step":     1,
		"limit":    0,
	}),
)

// Register adds Sim to c under "Sim" and "instruments.Sim".
func Register(c *object.Catalog) {
	c.Register(Class)
	c.RegisterAs("instruments.Sim", Class)
}

// Start validates the configuration and rewinds the counter.
func (s *Sim) Start() error {
	cfg := s.Config()
	if d := cfg.Duration("interval"); d <= 0 {
		return fmt.Errorf("interval must be positive, got %s", d)
	}
	if cfg.Int("limit") < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	return s.Monitor().Do(context.Background(), func(context.Context) error {
		s.count = cfg.Int("start")
		s.ticks = 0
		return nil
	})
}

// Main advances the counter every interval until aborted or the tick limit
// is reached.
func (s *Sim) Main(ctx context.Context) error {
	cfg := s.Config()
	ticker := time.NewTicker(cfg.Duration("interval"))
	defer ticker.Stop()

	limit := cfg.Int("limit")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		var n, ticks int
		_ = s.Monitor().Do(ctx, func(ctx context.Context) error {
			n = s.Advance(ctx)
			s.ticks++
			ticks = s.ticks
			return nil
		})
		s.Event("tick").Fire(n)

		if limit > 0 && ticks >= limit {
			s.Logger().Info("tick limit reached", "location", s.Location().String(), "ticks", ticks)
			return nil
		}
	}
}

// Count returns the current value.
func (s *Sim) Count(ctx context.Context) int {
	var n int
	_ = s.Monitor().Do(ctx, func(context.Context) error {
		n = s.count
		return nil
	})
	return n
}

// Advance adds one step to the counter and returns the new value.
func (s *Sim) Advance(ctx context.Context) int {
	var n int
	_ = s.Monitor().Do(ctx, func(context.Context) error {
		s.count += s.Config().Int("step")
		n = s.count
		return nil
	})
	return n
}

// Reset rewinds the counter to the configured start and returns the value
// it held before.
func (s *Sim) Reset(ctx context.Context) int {
	var prev int
	_ = s.Monitor().Do(ctx, func(context.Context) error {
		prev = s.count
		s.count = s.Config().Int("start")
		return nil
	})
	return prev
}
