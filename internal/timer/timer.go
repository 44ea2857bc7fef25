// Package timer promotes elapsed consensus alarms into events and drives the
// runner and supervisor for every service on a schedule.
package timer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/metrics"
	"github.com/roach88/scabbard/internal/runner"
	"github.com/roach88/scabbard/internal/store"
	"github.com/roach88/scabbard/internal/twopc"
)

// Notifier hands queued work to the supervisor.
type Notifier interface {
	Notify(n store.Notification)
}

// Handler is the timer entry point for one node.
type Handler struct {
	store  store.ScabbardStore
	runner *runner.Runner
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Handler or Poller.
type Option func(*options)

type options struct {
	now       func() time.Time
	logger    *slog.Logger
	interval  time.Duration
	retention uint64
}

// WithClock sets the wall clock. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithInterval sets the poll interval. Default: DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// WithStaleRetention makes the poller purge unprocessed events older than
// the given number of epochs behind current. Zero keeps them forever.
func WithStaleRetention(epochs uint64) Option {
	return func(o *options) { o.retention = epochs }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, logger: slog.Default(), interval: DefaultInterval}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewHandler creates a Handler.
func NewHandler(s store.ScabbardStore, r *runner.Runner, opts ...Option) *Handler {
	o := buildOptions(opts)
	return &Handler{store: s, runner: r, now: o.now, logger: o.logger}
}

// HandleTimer checks the alarm of svc and, if it has elapsed, appends an
// Alarm event and clears the alarm in one transaction. It then always runs
// the runner, since delivered messages may be pending too, and queues a
// supervisor notification when actions await execution.
func (h *Handler) HandleTimer(ctx context.Context, notifier Notifier, svc ids.ServiceID) error {
	if err := h.promoteAlarm(ctx, svc); err != nil {
		return fmt.Errorf("handle timer %s: %w", svc, err)
	}

	if err := h.runner.Run(ctx, svc); err != nil {
		return fmt.Errorf("handle timer %s: %w", svc, err)
	}

	pending, err := h.store.ListPendingActions(ctx, svc)
	if err != nil {
		return fmt.Errorf("handle timer %s: list pending actions: %w", svc, err)
	}
	if len(pending) == 0 {
		return nil
	}

	now := h.now()
	id, err := h.store.AddNotification(ctx, svc, now)
	if err != nil {
		return fmt.Errorf("handle timer %s: add notification: %w", svc, err)
	}
	notifier.Notify(store.Notification{ID: id, Service: svc, CreatedAt: now})
	return nil
}

func (h *Handler) promoteAlarm(ctx context.Context, svc ids.ServiceID) error {
	wakeAt, ok, err := h.store.GetAlarm(ctx, svc, store.AlarmTwoPhaseCommit)
	if err != nil {
		return fmt.Errorf("get alarm: %w", err)
	}
	now := h.now()
	if !ok || now.Before(wakeAt) {
		return nil
	}

	c, err := h.store.GetCurrentContext(ctx, svc)
	if err != nil {
		if store.IsNotFound(err) {
			return fmt.Errorf("%w: %w", runner.ErrInvalidState, err)
		}
		return fmt.Errorf("load context: %w", err)
	}

	if err := h.store.Execute(ctx,
		store.AppendEvent(svc, c.Epoch, twopc.Alarm(), now),
		store.UnsetAlarm(svc, store.AlarmTwoPhaseCommit),
	); err != nil {
		return fmt.Errorf("promote alarm: %w", err)
	}
	metrics.AlarmsFiredTotal.Inc()
	h.logger.Debug("alarm fired", "service", svc.String(), "epoch", c.Epoch, "wake_at", wakeAt)
	return nil
}
