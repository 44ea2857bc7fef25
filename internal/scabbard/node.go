// Package scabbard wires the consensus components of one process together.
//
// A Node owns a store and runs, for every service kept in it, the runner,
// the timer poller and the supervisor. Inbound messages and batch
// submissions enter through Service; outbound messages leave through the
// MessageSender given to the node.
package scabbard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/lifecycle"
	"github.com/roach88/scabbard/internal/metrics"
	"github.com/roach88/scabbard/internal/runner"
	"github.com/roach88/scabbard/internal/store"
	"github.com/roach88/scabbard/internal/supervisor"
	"github.com/roach88/scabbard/internal/timer"
	"github.com/roach88/scabbard/internal/twopc"
	"github.com/roach88/scabbard/internal/wire"
)

// Default protocol timeouts.
const (
	DefaultVoteTimeout     = 30 * time.Second
	DefaultDecisionTimeout = 30 * time.Second
)

var (
	// ErrNotCoordinator is returned when a batch is submitted to a
	// participant.
	ErrNotCoordinator = errors.New("service is not the coordinator")

	// ErrInvalidMessage is returned for inbound payloads that do not decode
	// to a usable consensus message.
	ErrInvalidMessage = errors.New("invalid consensus message")
)

// Config configures a Node. Zero fields take defaults.
type Config struct {
	VoteTimeout     time.Duration
	DecisionTimeout time.Duration
	PollInterval    time.Duration
	// StaleRetention is how many epochs of unprocessed stale events to keep.
	// Zero keeps them forever.
	StaleRetention uint64
	Clock          func() time.Time
	Logger         *slog.Logger
	BatchIDs       BatchIDGenerator
}

func (c Config) withDefaults() Config {
	if c.VoteTimeout <= 0 {
		c.VoteTimeout = DefaultVoteTimeout
	}
	if c.DecisionTimeout <= 0 {
		c.DecisionTimeout = DefaultDecisionTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = timer.DefaultInterval
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.BatchIDs == nil {
		c.BatchIDs = UUIDv7Generator{}
	}
	return c
}

// Node hosts the consensus services kept in one store.
type Node struct {
	store      store.ScabbardStore
	runner     *runner.Runner
	timer      *timer.Handler
	poller     *timer.Poller
	supervisor *supervisor.Supervisor
	lifecycle  *lifecycle.Lifecycle
	batchIDs   BatchIDGenerator
	now        func() time.Time
	logger     *slog.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewNode creates a Node. Nothing runs until Start; Tick and Drain drive it
// by hand.
func NewNode(s store.ScabbardStore, sender supervisor.MessageSender, executor supervisor.BatchExecutor, cfg Config) *Node {
	cfg = cfg.withDefaults()

	r := runner.New(s, twopc.New(cfg.VoteTimeout, cfg.DecisionTimeout),
		runner.WithClock(cfg.Clock), runner.WithLogger(cfg.Logger))
	h := timer.NewHandler(s, r, timer.WithClock(cfg.Clock), timer.WithLogger(cfg.Logger))

	n := &Node{
		store:     s,
		runner:    r,
		timer:     h,
		lifecycle: lifecycle.New(s),
		batchIDs:  cfg.BatchIDs,
		now:       cfg.Clock,
		logger:    cfg.Logger,
	}
	n.supervisor = supervisor.New(s, sender, executor,
		supervisor.WithClock(cfg.Clock), supervisor.WithLogger(cfg.Logger))
	n.poller = timer.NewPoller(h, s, n,
		timer.WithInterval(cfg.PollInterval),
		timer.WithStaleRetention(cfg.StaleRetention),
		timer.WithLogger(cfg.Logger))
	return n
}

// Store returns the node's store.
func (n *Node) Store() store.ScabbardStore {
	return n.store
}

// Start recovers unexecuted notifications and starts the supervisor and the
// poller. They run until Stop or until ctx is cancelled.
func (n *Node) Start(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return fmt.Errorf("node already started")
	}
	if _, err := n.supervisor.Recover(ctx); err != nil {
		n.running.Store(false)
		return fmt.Errorf("start: %w", err)
	}
	n.supervisor.Start(ctx)

	ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		_ = n.poller.Run(ctx)
	}()
	n.logger.Info("node started")
	return nil
}

// Stop stops the poller, lets the supervisor finish its current
// notification and waits for both.
func (n *Node) Stop() {
	if !n.running.CompareAndSwap(true, false) {
		return
	}
	n.cancel()
	n.wg.Wait()
	n.supervisor.Shutdown()
	n.supervisor.Wait()
	n.logger.Info("node stopped")
}

// Notify forwards work to the supervisor while the node is running. When it
// is not, the notification stays in the store for Drain or Recover.
func (n *Node) Notify(note store.Notification) {
	if n.running.Load() {
		n.supervisor.Notify(note)
	}
}

// Tick runs the timer once for every service.
func (n *Node) Tick(ctx context.Context) error {
	return n.poller.Tick(ctx)
}

// Drain executes every pending notification on the calling goroutine.
// Only for nodes that were not started.
func (n *Node) Drain(ctx context.Context) error {
	return n.supervisor.Drain(ctx)
}

// Step ticks every service once and drains the notifications that are left.
// It reports whether there was anything to drain. Only for nodes that were
// not started.
func (n *Node) Step(ctx context.Context) (bool, error) {
	if err := n.Tick(ctx); err != nil {
		return false, err
	}
	queued, err := n.store.ListUnexecutedNotifications(ctx)
	if err != nil {
		return false, err
	}
	if len(queued) == 0 {
		return false, nil
	}
	return true, n.Drain(ctx)
}

// Lifecycle runs a lifecycle step for svc.
func (n *Node) Lifecycle(ctx context.Context, step lifecycle.Step, svc ids.ServiceID, args lifecycle.Arguments) error {
	if err := n.lifecycle.Run(ctx, step, svc, args); err != nil {
		return err
	}
	n.logger.Info("lifecycle step applied", "step", string(step), "service", svc.String())
	return nil
}

// Prepare creates the epoch-1 context of svc with the given peers.
func (n *Node) Prepare(ctx context.Context, svc ids.ServiceID, peers ...string) error {
	return n.Lifecycle(ctx, lifecycle.StepPrepare, svc, lifecycle.Arguments{PeerServices: peers})
}

// Service returns the handle of svc. The service need not exist yet.
func (n *Node) Service(svc ids.ServiceID) *Service {
	return &Service{node: n, id: svc}
}

// Service is one consensus service on a node.
type Service struct {
	node *Node
	id   ids.ServiceID
}

// ID returns the service identity.
func (s *Service) ID() ids.ServiceID {
	return s.id
}

// HandleMessage records a framed message from the peer service from and
// processes it right away. Messages for a service that was never prepared are
// dropped with runner.ErrInvalidState.
func (s *Service) HandleMessage(ctx context.Context, from string, payload []byte) error {
	if err := s.deliver(ctx, from, payload); err != nil {
		return err
	}
	return s.process(ctx)
}

// deliver decodes a frame and appends it as a Deliver event. Once it returns
// nil the message is durable.
func (s *Service) deliver(ctx context.Context, from string, payload []byte) error {
	msg, err := wire.DecodeFrame(payload)
	if err == nil && msg.Epoch == 0 {
		err = errors.New("epoch 0")
	}
	if err != nil {
		metrics.MessagesReceivedTotal.WithLabelValues("unknown", "invalid").Inc()
		return fmt.Errorf("handle message for %s from %s: %w: %w", s.id, from, ErrInvalidMessage, err)
	}
	typ := msg.Kind.String()

	if _, err := s.node.store.GetCurrentContext(ctx, s.id); err != nil {
		if store.IsNotFound(err) {
			metrics.MessagesReceivedTotal.WithLabelValues(typ, "dropped").Inc()
			s.node.logger.Warn("message for unknown service dropped",
				"service", s.id.String(), "from", from, "message", msg.String())
			return fmt.Errorf("handle message for %s: %w", s.id, runner.ErrInvalidState)
		}
		return fmt.Errorf("handle message for %s: %w", s.id, err)
	}

	if _, err := s.node.store.AddEvent(ctx, s.id, msg.Epoch, twopc.Deliver(from, msg), s.node.now()); err != nil {
		metrics.MessagesReceivedTotal.WithLabelValues(typ, "error").Inc()
		return fmt.Errorf("handle message for %s: %w", s.id, err)
	}
	metrics.MessagesReceivedTotal.WithLabelValues(typ, "ok").Inc()
	return nil
}

// SubmitBatch queues value for consensus and returns its batch id. Only the
// coordinator accepts batches; they are started in submission order.
func (s *Service) SubmitBatch(ctx context.Context, value []byte) (string, error) {
	c, err := s.node.store.GetCurrentContext(ctx, s.id)
	if err != nil {
		if store.IsNotFound(err) {
			return "", fmt.Errorf("submit batch to %s: %w", s.id, runner.ErrInvalidState)
		}
		return "", fmt.Errorf("submit batch to %s: %w", s.id, err)
	}
	if !c.IsCoordinator() {
		return "", fmt.Errorf("submit batch to %s: %w (coordinator is %s)", s.id, ErrNotCoordinator, c.Coordinator)
	}

	batch := store.Batch{
		ID:        s.node.batchIDs.Generate(),
		Service:   s.id,
		Value:     value,
		CreatedAt: s.node.now(),
	}
	if err := s.node.store.EnqueueBatch(ctx, batch); err != nil {
		return "", fmt.Errorf("submit batch to %s: %w", s.id, err)
	}
	s.node.logger.Info("batch submitted", "service", s.id.String(), "batch", batch.ID)

	if err := s.process(ctx); err != nil {
		return batch.ID, err
	}
	return batch.ID, nil
}

// process runs the timer entry point for this service immediately instead
// of waiting for the next poll.
func (s *Service) process(ctx context.Context) error {
	return s.node.timer.HandleTimer(ctx, s.node, s.id)
}
