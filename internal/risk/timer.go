package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically prunes transaction history so memory stays bounded.
// Maintenance runs on its own tick and never blocks Evaluate beyond the
// engine's mutex hold.
type Timer struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates an hourly history-pruning timer for the engine.
func NewTimer(engine *Engine, logger *slog.Logger) *Timer {
	return &Timer{
		engine:   engine,
		interval: time.Hour,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the maintenance loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep()
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in risk maintenance timer", "panic", fmt.Sprint(r))
		}
	}()

	if dropped := t.engine.SweepHistory(time.Now()); dropped > 0 {
		t.logger.Info("risk history sweep complete", "entries_dropped", dropped)
	}
}
