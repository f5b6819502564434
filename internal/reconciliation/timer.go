package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer periodically runs reconciliation.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a timer that runs service every interval.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic reconciliation loop. Call in a goroutine.
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
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			reconcileRuns.WithLabelValues("panic").Inc()
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.service.Reconcile(ctx)
	if err != nil {
		reconcileRuns.WithLabelValues("error").Inc()
		t.logger.Warn("reconciliation run failed", "error", err)
		return
	}

	reconcileRuns.WithLabelValues("ok").Inc()
	reconcileDuration.Observe(report.Duration.Seconds())
	reconcileRepaired.Add(float64(len(report.Repaired)))
	if report.Truncated {
		reconcileTruncated.Inc()
		t.logger.Warn("reconciliation hit the record limit", "records", report.Records)
	}
	t.logger.Debug("reconciliation run complete",
		"records", report.Records,
		"cards", report.Cards,
		"repaired", len(report.Repaired),
	)
}
