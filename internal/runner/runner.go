// Package runner drains a service's pending consensus events through the
// two-phase-commit state machine.
//
// A Run loads the current context, then repeatedly takes the oldest
// unprocessed event of the current epoch, computes the transition and
// persists its result (context, actions, alarm, event completion) in one
// store transaction. A failed transaction leaves the event unprocessed, so
// the next Run retries it: processing is at-least-once and crash-safe.
//
// Runs for one service are serialized by an in-process lock. Different
// services run in parallel; the store's transactions keep them apart.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/metrics"
	"github.com/roach88/scabbard/internal/store"
	"github.com/roach88/scabbard/internal/tracing"
	"github.com/roach88/scabbard/internal/twopc"
)

// ErrInvalidState is returned for work on a service that has no context.
// It is recoverable: callers log and drop.
var ErrInvalidState = errors.New("invalid state")

// Runner runs the state machine for services kept in a store.
type Runner struct {
	store  store.ScabbardStore
	alg    twopc.Algorithm
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	locks map[ids.ServiceID]*sync.Mutex
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock sets the wall clock used for timeouts and record timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// New creates a Runner over s.
func New(s store.ScabbardStore, alg twopc.Algorithm, opts ...Option) *Runner {
	r := &Runner{
		store:  s,
		alg:    alg,
		now:    time.Now,
		logger: slog.Default(),
		locks:  make(map[ids.ServiceID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Algorithm returns the transition function the runner applies.
func (r *Runner) Algorithm() twopc.Algorithm {
	return r.alg
}

func (r *Runner) lock(svc ids.ServiceID) func() {
	r.mu.Lock()
	l, ok := r.locks[svc]
	if !ok {
		l = &sync.Mutex{}
		r.locks[svc] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Run processes every pending event of svc. It is idempotent and safe to
// call repeatedly and concurrently.
func (r *Runner) Run(ctx context.Context, svc ids.ServiceID) (err error) {
	defer r.lock(svc)()

	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "runner.run",
		trace.WithAttributes(attribute.String("service", svc.String())))
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.RunnerRunsTotal.WithLabelValues(status).Inc()
		metrics.RunnerRunDuration.Observe(time.Since(start).Seconds())
	}()

	c, err := r.store.GetCurrentContext(ctx, svc)
	if err != nil {
		if store.IsNotFound(err) {
			return fmt.Errorf("run %s: %w: %w", svc, ErrInvalidState, err)
		}
		return fmt.Errorf("run %s: load context: %w", svc, err)
	}

	if err := r.answerStale(ctx, svc, c.Epoch); err != nil {
		return fmt.Errorf("run %s: %w", svc, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, ok, err := r.store.NextEvent(ctx, svc, c.Epoch)
		if err != nil {
			return fmt.Errorf("run %s: next event: %w", svc, err)
		}
		if !ok {
			next, advanced, err := r.advance(ctx, svc, c)
			if err != nil {
				return fmt.Errorf("run %s: %w", svc, err)
			}
			if !advanced {
				return nil
			}
			c = next
			continue
		}

		c, err = r.apply(ctx, svc, c, rec)
		if err != nil {
			return fmt.Errorf("run %s: event %d: %w", svc, rec.ID, err)
		}
	}
}

// apply computes the transition for rec and persists it.
func (r *Runner) apply(ctx context.Context, svc ids.ServiceID, c twopc.Context, rec store.EventRecord) (twopc.Context, error) {
	now := r.now()
	out := r.alg.Transition(c, rec.Event, now)

	trace.SpanFromContext(ctx).AddEvent("transition", trace.WithAttributes(
		attribute.Int64("event_id", rec.ID),
		attribute.String("event", rec.Event.String()),
		attribute.String("state", string(out.Context.State.Kind)),
	))

	cmds := make([]store.Command, 0, len(out.Actions)+3)
	if !out.IsDropped() {
		cmds = append(cmds, store.PersistContext(out.Context))
		for _, a := range out.Actions {
			cmds = append(cmds, store.AppendAction(svc, c.Epoch, a, now))
		}
	}
	cmds = append(cmds, alarmCommand(svc, out.Alarm), store.MarkEventComplete(svc, rec.ID, now))

	if err := r.store.Execute(ctx, cmds...); err != nil {
		return c, fmt.Errorf("persist transition: %w", err)
	}

	if out.IsDropped() {
		metrics.RunnerEventsTotal.WithLabelValues(string(rec.Event.Kind), "dropped").Inc()
		r.logger.Info("event dropped",
			"service", svc.String(),
			"epoch", c.Epoch,
			"event_id", rec.ID,
			"event", rec.Event.String(),
			"reason", out.Dropped,
		)
		return c, nil
	}

	metrics.RunnerEventsTotal.WithLabelValues(string(rec.Event.Kind), "applied").Inc()
	r.logger.Debug("event applied",
		"service", svc.String(),
		"epoch", c.Epoch,
		"event_id", rec.ID,
		"event", rec.Event.String(),
		"state", out.Context.State.String(),
		"actions", len(out.Actions),
	)
	if !c.State.IsTerminal() && out.Context.State.IsTerminal() {
		decision := decisionOf(out.Context.State)
		metrics.EpochsTotal.WithLabelValues(string(decision)).Inc()
		r.logger.Info("epoch decided",
			"service", svc.String(),
			"epoch", c.Epoch,
			"decision", string(decision),
			"coordinator", c.IsCoordinator(),
		)
	}
	return out.Context, nil
}

// advance moves svc forward once the current epoch has no pending events.
// It reports whether there is new work for the loop.
//
//   - A coordinator waiting for start with a queued batch gets a Start event
//     and the batch leaves the queue, atomically.
//   - A participant that never voted yes, while events for a later epoch are
//     waiting, treats its epoch as aborted: the coordinator cannot have
//     committed without its yes vote.
//   - A decided epoch is followed by a fresh context at epoch+1 when a later
//     epoch has events or, on the coordinator, a batch is queued.
func (r *Runner) advance(ctx context.Context, svc ids.ServiceID, c twopc.Context) (twopc.Context, bool, error) {
	now := r.now()

	if c.IsCoordinator() && c.State.Kind == twopc.StateWaitingForStart {
		batch, ok, err := r.store.PeekBatch(ctx, svc)
		if err != nil || !ok {
			return c, false, err
		}
		if err := r.store.Execute(ctx,
			store.AppendEvent(svc, c.Epoch, twopc.Start(batch.Value), now),
			store.RemoveBatch(svc, batch.ID),
		); err != nil {
			return c, false, fmt.Errorf("start batch %s: %w", batch.ID, err)
		}
		r.logger.Info("batch started", "service", svc.String(), "epoch", c.Epoch, "batch", batch.ID)
		return c, true, nil
	}

	later, err := r.store.HasEventsAfter(ctx, svc, c.Epoch)
	if err != nil {
		return c, false, fmt.Errorf("check later events: %w", err)
	}

	if later && r.superseded(c) {
		out := r.alg.Transition(c, twopc.Deliver(c.Coordinator, twopc.AbortMessage(c.Epoch)), now)
		cmds := []store.Command{store.PersistContext(out.Context)}
		for _, a := range out.Actions {
			cmds = append(cmds, store.AppendAction(svc, c.Epoch, a, now))
		}
		cmds = append(cmds, alarmCommand(svc, out.Alarm))
		if err := r.store.Execute(ctx, cmds...); err != nil {
			return c, false, fmt.Errorf("abort superseded epoch: %w", err)
		}
		metrics.EpochsTotal.WithLabelValues(string(store.DecisionAbort)).Inc()
		r.logger.Warn("epoch superseded", "service", svc.String(), "epoch", c.Epoch, "state", string(c.State.Kind))
		return out.Context, true, nil
	}

	if !c.State.IsTerminal() {
		return c, false, nil
	}
	if !later && c.IsCoordinator() {
		n, err := r.store.CountBatches(ctx, svc)
		if err != nil {
			return c, false, fmt.Errorf("count batches: %w", err)
		}
		later = n > 0
	}
	if !later {
		return c, false, nil
	}

	next := c.Next()
	if err := r.store.Execute(ctx, store.PersistContext(next), store.UnsetAlarm(svc, store.AlarmTwoPhaseCommit)); err != nil {
		return c, false, fmt.Errorf("open epoch %d: %w", next.Epoch, err)
	}
	r.logger.Info("epoch opened", "service", svc.String(), "epoch", next.Epoch)
	return next, true, nil
}

// superseded reports whether c is a participant epoch that a later epoch
// has overtaken without this process having voted yes.
func (r *Runner) superseded(c twopc.Context) bool {
	if c.IsCoordinator() {
		return false
	}
	switch c.State.Kind {
	case twopc.StateWaitingForVoteRequest, twopc.StateWaitingForVote:
		return true
	case twopc.StateVoted:
		return !c.State.Vote
	}
	return false
}

// answerStale handles unprocessed events of epochs before current.
// DecisionRequests are answered from the decided context of their own epoch
// so a lagging participant can finish; other stale events stay in the store
// for audit until purged.
func (r *Runner) answerStale(ctx context.Context, svc ids.ServiceID, current uint64) error {
	stale, err := r.store.ListStaleEvents(ctx, svc, current)
	if err != nil {
		return fmt.Errorf("list stale events: %w", err)
	}
	for _, rec := range stale {
		ev := rec.Event
		if ev.Kind != twopc.EventDeliver || ev.Message.Kind != twopc.MessageDecisionRequest {
			continue
		}
		old, err := r.store.GetContext(ctx, svc, rec.Epoch)
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load epoch %d: %w", rec.Epoch, err)
		}
		if !old.State.IsTerminal() {
			continue
		}

		now := r.now()
		out := r.alg.Transition(old, ev, now)
		if out.IsDropped() {
			continue
		}
		cmds := make([]store.Command, 0, len(out.Actions)+1)
		for _, a := range out.Actions {
			cmds = append(cmds, store.AppendAction(svc, rec.Epoch, a, now))
		}
		cmds = append(cmds, store.MarkEventComplete(svc, rec.ID, now))
		if err := r.store.Execute(ctx, cmds...); err != nil {
			return fmt.Errorf("answer stale event %d: %w", rec.ID, err)
		}
		metrics.StaleEventsTotal.WithLabelValues("answered").Inc()
		r.logger.Info("stale decision request answered",
			"service", svc.String(),
			"epoch", rec.Epoch,
			"from", ev.From,
			"decision", string(decisionOf(old.State)),
		)
	}
	return nil
}

func alarmCommand(svc ids.ServiceID, at *time.Time) store.Command {
	if at == nil {
		return store.UnsetAlarm(svc, store.AlarmTwoPhaseCommit)
	}
	return store.SetAlarm(svc, store.AlarmTwoPhaseCommit, *at)
}

func decisionOf(s twopc.State) store.Decision {
	if s.Kind == twopc.StateCommit {
		return store.DecisionCommit
	}
	return store.DecisionAbort
}
