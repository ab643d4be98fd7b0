package standing

import (
	"context"
	"log/slog"
	"time"
)

// Timer triggers periodic standing-order runs.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start runs the timer loop until the context is cancelled or Stop is
// called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("standing order timer started", "interval", t.interval)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("standing order timer stopped", "reason", "context cancelled")
			return
		case <-t.stop:
			t.logger.Info("standing order timer stopped", "reason", "stop requested")
			return
		case <-ticker.C:
			if _, err := t.service.RunAll(ctx); err != nil {
				t.logger.Error("standing order run failed", "error", err)
			}
		}
	}
}

// Stop signals the timer loop to exit.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}
