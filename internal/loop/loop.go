// Package loop runs a fixed-timestep update and render loop.
package loop

import (
	"context"
	"errors"
	"time"
)

// Defaults for Config fields left at zero.
const (
	DefaultUpdateStep = time.Second / 120
	DefaultDrawRate   = 60
	// maxStepsPerTick bounds catch-up work after a stall.
	maxStepsPerTick = 30
)

// Game is driven by Run. All methods are called from the goroutine running Run.
type Game interface {
	// Running reports whether the loop should continue.
	Running() bool
	// Update advances the simulation by dt seconds.
	Update(dt float64)
	// Draw renders the current state.
	Draw()
}

// Config holds the loop cadence.
type Config struct {
	// UpdateStep is the fixed simulation step.
	UpdateStep time.Duration
	// DrawRate is the target number of Draw calls per second.
	DrawRate int
}

func (c Config) withDefaults() Config {
	if c.UpdateStep <= 0 {
		c.UpdateStep = DefaultUpdateStep
	}
	if c.DrawRate <= 0 {
		c.DrawRate = DefaultDrawRate
	}
	return c
}

// ErrStopped is returned by Run when the game stopped itself.
var ErrStopped = errors.New("game stopped")

// Run calls g.Update in fixed steps of cfg.UpdateStep for the wall time that
// has passed, on its own ticker, and g.Draw cfg.DrawRate times per second.
// Both run on the calling goroutine. It returns ErrStopped when g.Running
// reports false and the context cause when ctx ends.
func Run(ctx context.Context, cfg Config, g Game) error {
	cfg = cfg.withDefaults()
	step := cfg.UpdateStep.Seconds()

	updates := time.NewTicker(cfg.UpdateStep)
	defer updates.Stop()
	draws := time.NewTicker(time.Second / time.Duration(cfg.DrawRate))
	defer draws.Stop()

	last := time.Now()
	var lag float64

	// advance runs the fixed steps owed for the time elapsed until now.
	advance := func(now time.Time) {
		lag += now.Sub(last).Seconds()
		last = now

		// Drop time we cannot catch up on instead of spiralling.
		lag = min(lag, step*maxStepsPerTick)
		for lag >= step && g.Running() {
			g.Update(step)
			lag -= step
		}
	}

	for g.Running() {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case now := <-updates.C:
			advance(now)
		case now := <-draws.C:
			advance(now)
			if !g.Running() {
				return ErrStopped
			}
			g.Draw()
		}
	}
	return ErrStopped
}
