package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/scabbard"
	"github.com/roach88/scabbard/internal/store"
	"github.com/roach88/scabbard/internal/testutil"
	"github.com/roach88/scabbard/internal/twopc"
)

// maxSettleRounds bounds how long a cluster may keep itself busy after one
// step. A correct protocol settles in a handful of rounds.
const maxSettleRounds = 100

// Run executes a scenario and evaluates its assertions.
//
// Every service gets its own in-memory store and node; the nodes share a
// LocalNetwork and a manual clock starting at testutil.Epoch. Nodes are
// never started: the harness ticks and drains them itself, in service
// order, so the trace is deterministic.
//
// The returned error reports a scenario that could not be executed. Failed
// assertions are reported in Result.Errors.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}

	for i, step := range scenario.Flow {
		if err := h.play(ctx, step); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
		if err := h.settle(ctx); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	result := NewResult()
	result.Trace = h.tracer.snapshot()
	for _, name := range h.order {
		state, err := h.finalState(ctx, name)
		if err != nil {
			return nil, err
		}
		state.Trace = result.ServiceTrace(name)
		result.State[name] = state
	}

	for i, assertion := range scenario.Assertions {
		if err := evaluate(result, assertion); err != nil {
			result.AddError(fmt.Sprintf("assertion %d (%s): %v", i, assertion.Type, err))
		}
	}
	return result, nil
}

type harness struct {
	scenario *Scenario
	clock    *testutil.FakeClock
	net      *scabbard.LocalNetwork
	tracer   *tracer
	nodes    map[string]*scabbard.Node
	order    []string

	mu    sync.Mutex
	drops []dropRule
}

type dropRule struct {
	kind twopc.MessageKind
	to   string
}

func newHarness(ctx context.Context, scenario *Scenario) (*harness, error) {
	vote, decision, err := scenario.timeouts()
	if err != nil {
		return nil, err
	}

	clock := testutil.NewFakeClock()
	h := &harness{
		scenario: scenario,
		clock:    clock,
		net:      scabbard.NewLocalNetwork(),
		nodes:    make(map[string]*scabbard.Node),
		order:    ids.SortedServices(scenario.Services),
	}
	h.tracer = &tracer{now: clock.Now, start: clock.Now(), reject: make(map[string]bool)}
	for _, name := range scenario.Reject {
		h.tracer.reject[name] = true
	}
	h.net.OnDelivery(h.tracer.delivery)
	h.net.DropIf(h.shouldDrop)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, name := range h.order {
		svc := scenario.serviceID(name)
		node := scabbard.NewNode(store.NewMemoryStore(), h.net, h.tracer, scabbard.Config{
			VoteTimeout:     vote,
			DecisionTimeout: decision,
			Clock:           clock.Now,
			Logger:          logger,
			BatchIDs:        scabbard.NewSequenceGenerator(name),
		})
		h.net.Attach(node, svc)
		h.nodes[name] = node

		peers := make([]string, 0, len(h.order)-1)
		for _, other := range h.order {
			if other != name {
				peers = append(peers, other)
			}
		}
		if err := node.Prepare(ctx, svc, peers...); err != nil {
			return nil, fmt.Errorf("prepare %s: %w", svc, err)
		}
	}
	return h, nil
}

func (h *harness) play(ctx context.Context, step FlowStep) error {
	switch {
	case step.Submit != "":
		name := h.scenario.coordinator()
		svc := h.scenario.serviceID(name)
		if _, err := h.nodes[name].Service(svc).SubmitBatch(ctx, []byte(step.Submit)); err != nil {
			return fmt.Errorf("submit %q: %w", step.Submit, err)
		}
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		h.clock.Advance(d)
	case step.Partition != "":
		h.net.Partition(h.scenario.serviceID(step.Partition))
	case step.Heal != "":
		h.net.Heal(h.scenario.serviceID(step.Heal))
	case step.Drop != nil:
		kind, err := parseMessageKind(step.Drop.Message)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.drops = append(h.drops, dropRule{kind: kind, to: step.Drop.To})
		h.mu.Unlock()
	}
	return nil
}

// shouldDrop consumes the first drop rule matching d.
func (h *harness) shouldDrop(d scabbard.Delivery) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, rule := range h.drops {
		if rule.kind == d.Message.Kind && (rule.to == "" || rule.to == d.To.Service) {
			h.drops = append(h.drops[:i], h.drops[i+1:]...)
			return true
		}
	}
	return false
}

// settle ticks and drains every node until no notification is left.
func (h *harness) settle(ctx context.Context) error {
	for round := 0; round < maxSettleRounds; round++ {
		busy := false
		for _, name := range h.order {
			worked, err := h.nodes[name].Step(ctx)
			if err != nil {
				return fmt.Errorf("step %s: %w", name, err)
			}
			busy = busy || worked
		}
		if !busy {
			return nil
		}
	}
	return fmt.Errorf("cluster did not settle after %d rounds", maxSettleRounds)
}

func (h *harness) finalState(ctx context.Context, name string) (ServiceState, error) {
	svc := h.scenario.serviceID(name)
	s := h.nodes[name].Store()

	c, err := s.GetCurrentContext(ctx, svc)
	if err != nil {
		return ServiceState{}, fmt.Errorf("final state of %s: %w", svc, err)
	}
	entries, err := s.ListCommitEntries(ctx, svc)
	if err != nil {
		return ServiceState{}, fmt.Errorf("final state of %s: %w", svc, err)
	}

	state := ServiceState{
		Epoch:   c.Epoch,
		State:   string(c.State.Kind),
		History: make([]string, 0, len(entries)),
	}
	for _, e := range entries {
		state.History = append(state.History, fmt.Sprintf("epoch=%d %s %s", e.Epoch, e.Decision, e.Value))
	}
	return state, nil
}

// tracer records the trace. It is the batch executor of every node and
// observes the network.
type tracer struct {
	now    func() time.Time
	start  time.Time
	reject map[string]bool

	mu     sync.Mutex
	seq    int64
	events []TraceEvent
}

func (t *tracer) record(service, kind, detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	t.events = append(t.events, TraceEvent{
		Seq:     t.seq,
		At:      t.now().Sub(t.start),
		Service: service,
		Kind:    kind,
		Detail:  detail,
	})
}

func (t *tracer) snapshot() []TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TraceEvent{}, t.events...)
}

func (t *tracer) delivery(d scabbard.Delivery) {
	kind := EventSend
	if d.Dropped {
		kind = EventDrop
	}
	t.record(d.From.Service, kind, fmt.Sprintf("%s %s", d.To.Service, d.Message))
}

func (t *tracer) Vote(_ context.Context, svc ids.ServiceID, epoch uint64, _ []byte) (bool, error) {
	vote := !t.reject[svc.Service]
	answer := "yes"
	if !vote {
		answer = "no"
	}
	t.record(svc.Service, EventVote, fmt.Sprintf("epoch=%d %s", epoch, answer))
	return vote, nil
}

func (t *tracer) Commit(_ context.Context, svc ids.ServiceID, epoch uint64, value []byte) error {
	t.record(svc.Service, EventCommit, fmt.Sprintf("epoch=%d value=%s", epoch, value))
	return nil
}

func (t *tracer) Abort(_ context.Context, svc ids.ServiceID, epoch uint64, value []byte) error {
	t.record(svc.Service, EventAbort, fmt.Sprintf("epoch=%d value=%s", epoch, value))
	return nil
}
