// Package supervisor executes the actions the runner has persisted.
//
// The supervisor owns one goroutine that takes notifications off a queue.
// For each notification it executes every pending action of the service in
// id order: messages go to the MessageSender, commits, aborts and vote
// requests go to the BatchExecutor. An action is marked executed only after
// its effect is done, and the notification only after every action.
// Anything left unexecuted by a crash is picked up again by Recover.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/metrics"
	"github.com/roach88/scabbard/internal/store"
	"github.com/roach88/scabbard/internal/tracing"
	"github.com/roach88/scabbard/internal/twopc"
	"github.com/roach88/scabbard/internal/wire"
)

// MessageSender delivers framed consensus messages (wire.EncodeFrame) to the
// peer service to in the circuit of from.
type MessageSender interface {
	Send(ctx context.Context, from ids.ServiceID, to string, payload []byte) error
}

// BatchExecutor is the application behind a service: it votes on batches and
// finalizes them.
//
// Commit and Abort must be idempotent per (service, epoch). The decision is
// recorded in the commit history only after they return, so a crash in
// between calls them again on recovery.
type BatchExecutor interface {
	Vote(ctx context.Context, svc ids.ServiceID, epoch uint64, value []byte) (bool, error)
	Commit(ctx context.Context, svc ids.ServiceID, epoch uint64, value []byte) error
	Abort(ctx context.Context, svc ids.ServiceID, epoch uint64, value []byte) error
}

// Supervisor executes pending actions.
type Supervisor struct {
	store    store.ScabbardStore
	sender   MessageSender
	executor BatchExecutor
	now      func() time.Time
	logger   *slog.Logger

	queue    *messageQueue
	stopping atomic.Bool
	started  atomic.Bool
	wg       sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock sets the wall clock. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// New creates a Supervisor. Call Start to begin processing.
func New(s store.ScabbardStore, sender MessageSender, executor BatchExecutor, opts ...Option) *Supervisor {
	sup := &Supervisor{
		store:    s,
		sender:   sender,
		executor: executor,
		now:      time.Now,
		logger:   slog.Default(),
		queue:    newMessageQueue(),
	}
	for _, opt := range opts {
		opt(sup)
	}
	return sup
}

// Start launches the supervisor goroutine. It runs until Shutdown is called
// or ctx is cancelled. Calling Start twice has no effect.
func (s *Supervisor) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

// Recover queues every notification that was never executed. Call it once
// on start, before or after Start.
func (s *Supervisor) Recover(ctx context.Context) (int, error) {
	pending, err := s.store.ListUnexecutedNotifications(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	for _, n := range pending {
		s.Notify(n)
	}
	if len(pending) > 0 {
		s.logger.Info("supervisor recovered notifications", "count", len(pending))
	}
	return len(pending), nil
}

// Drain executes every unexecuted notification in the store on the calling
// goroutine and returns the joined errors. It is for one-shot tools that do
// not Start the supervisor; do not mix it with a running loop.
func (s *Supervisor) Drain(ctx context.Context) error {
	pending, err := s.store.ListUnexecutedNotifications(ctx)
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	var errs []error
	for _, n := range pending {
		if err := s.handle(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("notification %d: %w", n.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Notify queues n. Safe from any goroutine. After Shutdown the notification
// is not queued; it stays unexecuted in the store for Recover.
func (s *Supervisor) Notify(n store.Notification) {
	if s.stopping.Load() || !s.queue.Enqueue(Message{Kind: MessageNotification, Notification: n}) {
		s.logger.Debug("supervisor stopped, notification left for recovery", "notification", n.ID)
		return
	}
	metrics.SupervisorQueueDepth.Set(float64(s.queue.Len()))
}

// Shutdown asks the supervisor to stop once the notification in progress is
// done. Queued notifications are left for Recover.
func (s *Supervisor) Shutdown() {
	s.stopping.Store(true)
	s.queue.Enqueue(Message{Kind: MessageShutdown})
}

// Wait blocks until the supervisor goroutine has exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) loop(ctx context.Context) {
	s.logger.Info("supervisor starting")
	defer s.queue.Close()

	for {
		if s.stopping.Load() {
			s.logger.Info("supervisor stopping: shutdown requested")
			return
		}

		m, ok := s.queue.TryDequeue()
		if ok {
			metrics.SupervisorQueueDepth.Set(float64(s.queue.Len()))
			if m.Kind == MessageShutdown {
				s.logger.Info("supervisor stopping: shutdown requested")
				return
			}
			if err := s.handle(ctx, m.Notification); err != nil {
				s.logger.Error("notification failed",
					"notification", m.Notification.ID,
					"service", m.Notification.Service.String(),
					"error", err,
				)
			}
			continue
		}

		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopping: context cancelled")
			return
		case _, open := <-s.queue.Wait():
			if !open && s.queue.Len() == 0 {
				return
			}
		}
	}
}

// handle executes every pending action of the notified service.
func (s *Supervisor) handle(ctx context.Context, n store.Notification) (err error) {
	ctx, span := tracing.StartSpan(ctx, "supervisor.notification", trace.WithAttributes(
		attribute.Int64("notification", n.ID),
		attribute.String("service", n.Service.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	pending, err := s.store.ListPendingActions(ctx, n.Service)
	if err != nil {
		return fmt.Errorf("list pending actions: %w", err)
	}

	for _, rec := range pending {
		if err := s.execute(ctx, rec); err != nil {
			metrics.SupervisorActionsTotal.WithLabelValues(string(rec.Action.Kind), "error").Inc()
			return fmt.Errorf("action %d (%s): %w", rec.ID, rec.Action, err)
		}
		if err := s.store.MarkActionExecuted(ctx, rec.ID, s.now()); err != nil {
			return fmt.Errorf("mark action %d: %w", rec.ID, err)
		}
		metrics.SupervisorActionsTotal.WithLabelValues(string(rec.Action.Kind), "ok").Inc()
	}

	if err := s.store.MarkNotificationExecuted(ctx, n.ID, s.now()); err != nil {
		return fmt.Errorf("mark notification: %w", err)
	}
	return nil
}

// execute performs one action.
func (s *Supervisor) execute(ctx context.Context, rec store.ActionRecord) error {
	a := rec.Action
	switch a.Kind {
	case twopc.ActionSendMessage:
		s.send(ctx, rec)
		return nil

	case twopc.ActionCommit:
		return s.finalize(ctx, rec, store.DecisionCommit, s.executor.Commit)

	case twopc.ActionAbort:
		return s.finalize(ctx, rec, store.DecisionAbort, s.executor.Abort)

	case twopc.ActionNotify:
		return s.requestVote(ctx, rec)

	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// send is best effort: the protocol recovers lost messages through
// timeouts and decision requests.
func (s *Supervisor) send(ctx context.Context, rec store.ActionRecord) {
	msg := rec.Action.Message
	typ := msg.Kind.String()

	payload, err := wire.EncodeFrame(msg)
	if err == nil {
		err = s.sender.Send(ctx, rec.Service, rec.Action.To, payload)
	}
	if err != nil {
		metrics.MessagesSentTotal.WithLabelValues(typ, "error").Inc()
		s.logger.Warn("send failed",
			"service", rec.Service.String(),
			"to", rec.Action.To,
			"message", msg.String(),
			"error", err,
		)
		return
	}
	metrics.MessagesSentTotal.WithLabelValues(typ, "ok").Inc()
	s.logger.Debug("message sent", "service", rec.Service.String(), "to", rec.Action.To, "message", msg.String())
}

type finalizeFunc func(ctx context.Context, svc ids.ServiceID, epoch uint64, value []byte) error

// finalize applies a decision at most once per epoch: the commit history
// entry is written after the executor succeeds and checked before calling it.
func (s *Supervisor) finalize(ctx context.Context, rec store.ActionRecord, decision store.Decision, fn finalizeFunc) error {
	_, err := s.store.GetCommitEntry(ctx, rec.Service, rec.Epoch)
	if err == nil {
		s.logger.Debug("decision already applied", "service", rec.Service.String(), "epoch", rec.Epoch)
		return nil
	}
	if !store.IsNotFound(err) {
		return fmt.Errorf("check commit history: %w", err)
	}

	if err := fn(ctx, rec.Service, rec.Epoch, rec.Action.Value); err != nil {
		return fmt.Errorf("executor %s: %w", decision, err)
	}

	entry := store.CommitEntry{
		Service:   rec.Service,
		Epoch:     rec.Epoch,
		Decision:  decision,
		Value:     rec.Action.Value,
		CreatedAt: s.now(),
	}
	if err := s.store.AddCommitEntry(ctx, entry); err != nil && !store.IsConstraintViolation(err) {
		return fmt.Errorf("record %s: %w", decision, err)
	}
	s.logger.Info("batch finalized", "service", rec.Service.String(), "epoch", rec.Epoch, "decision", string(decision))
	return nil
}

// requestVote asks the executor for this service's vote and records it as
// an event for the runner, once per epoch.
func (s *Supervisor) requestVote(ctx context.Context, rec store.ActionRecord) error {
	exists, err := s.store.HasEvent(ctx, rec.Service, rec.Epoch, twopc.EventVote)
	if err != nil {
		return fmt.Errorf("check vote: %w", err)
	}
	if exists {
		return nil
	}

	vote, err := s.executor.Vote(ctx, rec.Service, rec.Epoch, rec.Action.Notification.Value)
	if err != nil {
		return fmt.Errorf("executor vote: %w", err)
	}
	if _, err := s.store.AddEvent(ctx, rec.Service, rec.Epoch, twopc.Vote(vote), s.now()); err != nil {
		return fmt.Errorf("record vote: %w", err)
	}
	s.logger.Info("vote recorded", "service", rec.Service.String(), "epoch", rec.Epoch, "vote", vote)
	return nil
}
