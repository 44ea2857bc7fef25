package timer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/metrics"
	"github.com/roach88/scabbard/internal/store"
)

// DefaultInterval is the poll period when none is configured.
const DefaultInterval = time.Second

// Poller invokes HandleTimer for every service on a fixed interval. Errors
// are logged and the service is retried on the next tick.
type Poller struct {
	handler   *Handler
	store     store.ScabbardStore
	notifier  Notifier
	interval  time.Duration
	retention uint64
	logger    *slog.Logger
}

// NewPoller creates a Poller.
func NewPoller(h *Handler, s store.ScabbardStore, notifier Notifier, opts ...Option) *Poller {
	o := buildOptions(opts)
	if o.interval <= 0 {
		o.interval = DefaultInterval
	}
	return &Poller{
		handler:   h,
		store:     s,
		notifier:  notifier,
		interval:  o.interval,
		retention: o.retention,
		logger:    o.logger,
	}
}

// Run ticks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller starting", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
			_ = p.Tick(ctx)
		}
	}
}

// Tick makes one pass over every service and returns the joined errors.
func (p *Poller) Tick(ctx context.Context) error {
	services, err := p.store.ListServices(ctx)
	if err != nil {
		metrics.TimerErrorsTotal.Inc()
		p.logger.Error("list services failed", "error", err)
		return fmt.Errorf("tick: %w", err)
	}

	var errs []error
	for _, svc := range services {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.handler.HandleTimer(ctx, p.notifier, svc); err != nil {
			metrics.TimerErrorsTotal.Inc()
			p.logger.Error("handle timer failed", "service", svc.String(), "error", err)
			errs = append(errs, err)
			continue
		}
		if err := p.purge(ctx, svc); err != nil {
			p.logger.Error("purge stale events failed", "service", svc.String(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// purge drops unprocessed events more than retention epochs behind current.
func (p *Poller) purge(ctx context.Context, svc ids.ServiceID) error {
	if p.retention == 0 {
		return nil
	}
	c, err := p.store.GetCurrentContext(ctx, svc)
	if err != nil {
		return fmt.Errorf("purge %s: %w", svc, err)
	}
	if c.Epoch <= p.retention {
		return nil
	}
	n, err := p.store.PurgeStaleEvents(ctx, svc, c.Epoch-p.retention)
	if err != nil {
		return fmt.Errorf("purge %s: %w", svc, err)
	}
	if n > 0 {
		metrics.StaleEventsTotal.WithLabelValues("purged").Add(float64(n))
		p.logger.Info("stale events purged", "service", svc.String(), "before_epoch", c.Epoch-p.retention, "count", n)
	}
	return nil
}
