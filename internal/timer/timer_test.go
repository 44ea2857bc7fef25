package timer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/runner"
	"github.com/roach88/scabbard/internal/store"
	"github.com/roach88/scabbard/internal/testutil"
	"github.com/roach88/scabbard/internal/twopc"
)

const (
	voteTimeout     = 10 * time.Second
	decisionTimeout = 20 * time.Second
)

var (
	coordSvc = ids.New("circ", "a")
	partSvc  = ids.New("circ", "b")
)

type notifications struct {
	mu  sync.Mutex
	got []store.Notification
}

func (n *notifications) Notify(note store.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, note)
}

func (n *notifications) list() []store.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]store.Notification(nil), n.got...)
}

type fixture struct {
	store    *store.MemoryStore
	clock    *testutil.FakeClock
	handler  *Handler
	notifier *notifications
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	clock := testutil.NewFakeClock()
	r := runner.New(s, twopc.New(voteTimeout, decisionTimeout), runner.WithClock(clock.Now))
	return &fixture{
		store:    s,
		clock:    clock,
		handler:  NewHandler(s, r, WithClock(clock.Now)),
		notifier: &notifications{},
	}
}

func (f *fixture) prepare(t *testing.T, svc ids.ServiceID, peers ...string) {
	t.Helper()
	require.NoError(t, f.store.Execute(context.Background(), store.PersistContext(twopc.NewContext(svc, 1, peers))))
}

func (f *fixture) state(t *testing.T, svc ids.ServiceID) twopc.State {
	t.Helper()
	c, err := f.store.GetCurrentContext(context.Background(), svc)
	require.NoError(t, err)
	return c.State
}

func (f *fixture) start(t *testing.T, value string) {
	t.Helper()
	require.NoError(t, f.store.EnqueueBatch(context.Background(), store.Batch{
		ID: "batch-" + value, Service: coordSvc, Value: []byte(value), CreatedAt: f.clock.Now(),
	}))
	require.NoError(t, f.handler.HandleTimer(context.Background(), f.notifier, coordSvc))
	require.Equal(t, twopc.StateVoting, f.state(t, coordSvc).Kind)
}

func TestHandleTimer_UnpreparedService(t *testing.T) {
	f := newFixture(t)

	err := f.handler.HandleTimer(context.Background(), f.notifier, coordSvc)
	assert.ErrorIs(t, err, runner.ErrInvalidState)
	assert.Empty(t, f.notifier.list())
}

func TestHandleTimer_NothingPendingSendsNoNotification(t *testing.T) {
	f := newFixture(t)
	f.prepare(t, coordSvc, "b")

	require.NoError(t, f.handler.HandleTimer(context.Background(), f.notifier, coordSvc))

	assert.Empty(t, f.notifier.list())
	queued, err := f.store.ListUnexecutedNotifications(context.Background())
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestHandleTimer_RunsPendingWorkAndNotifies(t *testing.T) {
	f := newFixture(t)
	f.prepare(t, coordSvc, "b")

	f.start(t, "v1")

	got := f.notifier.list()
	require.Len(t, got, 1)
	assert.Equal(t, coordSvc, got[0].Service)

	queued, err := f.store.ListUnexecutedNotifications(context.Background())
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, got[0].ID, queued[0].ID)
}

func TestHandleTimer_AlarmNotElapsed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.prepare(t, coordSvc, "b")
	f.start(t, "v1")

	f.clock.Advance(voteTimeout - time.Millisecond)
	require.NoError(t, f.handler.HandleTimer(ctx, f.notifier, coordSvc))

	assert.Equal(t, twopc.StateVoting, f.state(t, coordSvc).Kind)
	events, err := f.store.ListEvents(ctx, coordSvc)
	require.NoError(t, err)
	for _, e := range events {
		assert.NotEqual(t, twopc.EventAlarm, e.Event.Kind, "no alarm event before the wake-up time")
	}
}

func TestHandleTimer_ElapsedAlarmAbortsVoting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.prepare(t, coordSvc, "b")
	f.start(t, "v1")

	f.clock.Advance(voteTimeout)
	require.NoError(t, f.handler.HandleTimer(ctx, f.notifier, coordSvc))

	assert.Equal(t, twopc.StateAbort, f.state(t, coordSvc).Kind)
	_, ok, err := f.store.GetAlarm(ctx, coordSvc, store.AlarmTwoPhaseCommit)
	require.NoError(t, err)
	assert.False(t, ok)

	events, err := f.store.ListEvents(ctx, coordSvc)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, twopc.EventAlarm, last.Event.Kind)
	assert.Equal(t, uint64(1), last.Epoch)
	assert.NotNil(t, last.ExecutedAt)

	pending, err := f.store.ListPendingActions(ctx, coordSvc)
	require.NoError(t, err)
	assert.Equal(t, twopc.AbortAction([]byte("v1")), pending[len(pending)-1].Action)
}

func TestHandleTimer_ParticipantAsksForDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.prepare(t, partSvc, "a")

	_, err := f.store.AddEvent(ctx, partSvc, 1, twopc.Deliver("a", twopc.VoteRequest(1, []byte("v1"))), f.clock.Now())
	require.NoError(t, err)
	_, err = f.store.AddEvent(ctx, partSvc, 1, twopc.Vote(true), f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.handler.HandleTimer(ctx, f.notifier, partSvc))
	require.Equal(t, twopc.StateVoted, f.state(t, partSvc).Kind)

	f.clock.Advance(decisionTimeout)
	require.NoError(t, f.handler.HandleTimer(ctx, f.notifier, partSvc))

	pending, err := f.store.ListPendingActions(ctx, partSvc)
	require.NoError(t, err)
	assert.Equal(t, twopc.SendMessage("a", twopc.DecisionRequest(1)), pending[len(pending)-1].Action)

	at, ok, err := f.store.GetAlarm(ctx, partSvc, store.AlarmTwoPhaseCommit)
	require.NoError(t, err)
	require.True(t, ok, "decision timeout re-arms")
	assert.Equal(t, f.clock.Now().Add(decisionTimeout), at)
}

func TestPoller_TickVisitsEveryService(t *testing.T) {
	f := newFixture(t)
	f.prepare(t, coordSvc, "b")
	f.prepare(t, partSvc, "a")
	require.NoError(t, f.store.EnqueueBatch(context.Background(), store.Batch{
		ID: "batch-1", Service: coordSvc, Value: []byte("v1"), CreatedAt: f.clock.Now(),
	}))
	_, err := f.store.AddEvent(context.Background(), partSvc, 1,
		twopc.Deliver("a", twopc.VoteRequest(1, []byte("v1"))), f.clock.Now())
	require.NoError(t, err)

	p := NewPoller(f.handler, f.store, f.notifier)
	require.NoError(t, p.Tick(context.Background()))

	assert.Equal(t, twopc.StateVoting, f.state(t, coordSvc).Kind)
	assert.Equal(t, twopc.StateWaitingForVote, f.state(t, partSvc).Kind)
	assert.Len(t, f.notifier.list(), 2)
}

type failingStore struct {
	*store.MemoryStore
	failFor ids.ServiceID
}

func (s *failingStore) GetAlarm(ctx context.Context, svc ids.ServiceID, typ store.AlarmType) (time.Time, bool, error) {
	if svc == s.failFor {
		return time.Time{}, false, errors.New("disk on fire")
	}
	return s.MemoryStore.GetAlarm(ctx, svc, typ)
}

func TestPoller_TickContinuesAfterError(t *testing.T) {
	mem := store.NewMemoryStore()
	s := &failingStore{MemoryStore: mem, failFor: coordSvc}
	clock := testutil.NewFakeClock()
	r := runner.New(s, twopc.New(voteTimeout, decisionTimeout), runner.WithClock(clock.Now))
	h := NewHandler(s, r, WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, s.Execute(ctx, store.PersistContext(twopc.NewContext(coordSvc, 1, []string{"b"}))))
	require.NoError(t, s.Execute(ctx, store.PersistContext(twopc.NewContext(partSvc, 1, []string{"a"}))))
	_, err := s.AddEvent(ctx, partSvc, 1, twopc.Deliver("a", twopc.VoteRequest(1, []byte("v1"))), clock.Now())
	require.NoError(t, err)

	note := &notifications{}
	err = NewPoller(h, s, note).Tick(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")

	c, err := s.GetCurrentContext(ctx, partSvc)
	require.NoError(t, err)
	assert.Equal(t, twopc.StateWaitingForVote, c.State.Kind, "other services still progress")
}

func TestPoller_PurgesStaleEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := twopc.NewContext(partSvc, 1, []string{"a"})
	require.NoError(t, f.store.Execute(ctx, store.PersistContext(c)))
	for c.Epoch < 5 {
		c = c.Next()
		require.NoError(t, f.store.Execute(ctx, store.PersistContext(c)))
	}
	for epoch := uint64(1); epoch <= 3; epoch++ {
		_, err := f.store.AddEvent(ctx, partSvc, epoch, twopc.Deliver("a", twopc.AbortMessage(epoch)), f.clock.Now())
		require.NoError(t, err)
	}

	p := NewPoller(f.handler, f.store, f.notifier, WithStaleRetention(2))
	require.NoError(t, p.Tick(ctx))

	stale, err := f.store.ListStaleEvents(ctx, partSvc, 5)
	require.NoError(t, err)
	require.Len(t, stale, 1, "epochs 1 and 2 purged, epoch 3 retained")
	assert.Equal(t, uint64(3), stale[0].Epoch)
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	defer leaktest.Check(t)()

	f := newFixture(t)
	f.prepare(t, coordSvc, "b")
	require.NoError(t, f.store.EnqueueBatch(context.Background(), store.Batch{
		ID: "batch-1", Service: coordSvc, Value: []byte("v1"), CreatedAt: f.clock.Now(),
	}))

	p := NewPoller(f.handler, f.store, f.notifier, WithInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(f.notifier.list()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}
