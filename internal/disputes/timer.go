package disputes

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Timer periodically releases refunds whose hold window has elapsed.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start runs the release loop until the context is cancelled or Stop
// is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("refund release timer started", "interval", t.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRelease(ctx)
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

func (t *Timer) safeRelease(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in refund timer", "panic", fmt.Sprint(r))
		}
	}()

	released, err := t.service.ReleaseDue(ctx, time.Now().UTC())
	if err != nil {
		t.logger.Warn("refund release sweep failed", "error", err)
		return
	}
	if released > 0 {
		t.logger.Info("refunds released", "count", released)
	}
}
