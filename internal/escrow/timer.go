package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically runs the expiry sweep.
type Timer struct {
	service    *Service
	interval   time.Duration
	batchLimit int
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewTimer creates an expiry reaper timer.
func NewTimer(service *Service, interval time.Duration, batchLimit int, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		service:    service,
		interval:   interval,
		batchLimit: batchLimit,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
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
			t.safeSweep(ctx)
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

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in expiry sweep", "panic", fmt.Sprint(r))
		}
	}()
	if _, _, err := t.service.Sweep(ctx, t.batchLimit); err != nil {
		t.logger.Warn("expiry sweep failed", "error", err)
	}
}
