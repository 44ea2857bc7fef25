package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/twopc"
)

// Every backend runs the same suite.
func TestConformance(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, s ScabbardStore)
	}{
		{"context_not_found", testContextNotFound},
		{"context_round_trip", testContextRoundTrip},
		{"context_epochs", testContextEpochs},
		{"execute_is_atomic", testExecuteAtomic},
		{"events", testEvents},
		{"event_complete_twice", testEventCompleteTwice},
		{"stale_events", testStaleEvents},
		{"actions", testActions},
		{"alarms", testAlarms},
		{"commit_history", testCommitHistory},
		{"notifications", testNotifications},
		{"batches", testBatches},
		{"remove_service", testRemoveService},
	}
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					tt.run(t, open(t))
				})
			}
		})
	}
}

func testContextNotFound(t *testing.T, s ScabbardStore) {
	ctx := context.Background()

	_, err := s.GetCurrentContext(ctx, svcA)
	assert.True(t, IsNotFound(err), "got %v", err)

	_, err = s.GetContext(ctx, svcA, 1)
	assert.True(t, IsNotFound(err), "got %v", err)
}

func testContextRoundTrip(t *testing.T, s ScabbardStore) {
	ctx := context.Background()
	yes, no := true, false
	last := uint64(4)

	c := testContext(svcA, 1)
	c.State = twopc.Voting(t0.Add(1500 * time.Nanosecond))
	c.Value = []byte("batch-1")
	c.CoordinatorVote = &yes
	c.Participants[0].Vote = &no
	c.LastCommitEpoch = &last
	require.NoError(t, s.Execute(ctx, PersistContext(c)))

	got, err := s.GetCurrentContext(ctx, svcA)
	require.NoError(t, err)
	assert.True(t, got.Equal(c), "got %+v", got)
	assert.Nil(t, got.Participants[1].Vote)

	// Updating the same epoch overwrites it.
	c.State = twopc.Committed()
	require.NoError(t, s.Execute(ctx, PersistContext(c)))
	got, err = s.GetContext(ctx, svcA, 1)
	require.NoError(t, err)
	assert.Equal(t, twopc.StateCommit, got.State.Kind)

	p := twopc.NewContext(svcB, 1, []string{"a"})
	p.State = twopc.Voted(true, t0)
	require.NoError(t, s.Execute(ctx, PersistContext(p)))
	got, err = s.GetCurrentContext(ctx, svcB)
	require.NoError(t, err)
	assert.True(t, got.Equal(p), "got %+v", got)
	assert.False(t, got.IsCoordinator())

	services, err := s.ListServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ids.ServiceID{svcA, svcB}, services)
}

func testContextEpochs(t *testing.T, s ScabbardStore) {
	ctx := context.Background()

	err := s.Execute(ctx, PersistContext(testContext(svcA, 2)))
	assert.True(t, IsConstraintViolation(err), "first epoch must be 1, got %v", err)

	c1 := testContext(svcA, 1)
	require.NoError(t, s.Execute(ctx, PersistContext(c1)))
	c2 := c1.Next()
	require.NoError(t, s.Execute(ctx, PersistContext(c2)))

	err = s.Execute(ctx, PersistContext(c2.Next().Next()))
	assert.True(t, IsConstraintViolation(err), "skipping an epoch, got %v", err)

	err = s.Execute(ctx, PersistContext(c1))
	assert.True(t, IsConstraintViolation(err), "older epoch, got %v", err)

	current, err := s.GetCurrentContext(ctx, svcA)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), current.Epoch)

	old, err := s.GetContext(ctx, svcA, 1)
	require.NoError(t, err)
	assert.True(t, old.Equal(c1))
}

func testExecuteAtomic(t *testing.T, s ScabbardStore) {
	ctx := context.Background()
	c := testContext(svcA, 1)

	// The second command fails, so nothing is applied.
	err := s.Execute(ctx,
		PersistContext(c),
		AppendAction(svcA, 1, twopc.CommitAction([]byte("v")), t0),
		SetAlarm(svcA, AlarmTwoPhaseCommit, t0),
		PersistContext(c.Next().Next()),
	)
	require.Error(t, err)

	_, err = s.GetCurrentContext(ctx, svcA)
	assert.True(t, IsNotFound(err))
	actions, err := s.ListActions(ctx, svcA)
	require.NoError(t, err)
	assert.Empty(t, actions)
	_, ok, err := s.GetAlarm(ctx, svcA, AlarmTwoPhaseCommit)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testEvents(t *testing.T, s ScabbardStore) {
	ctx := context.Background()
	events := []twopc.Event{
		twopc.Start([]byte("v1")),
		twopc.Deliver("y", twopc.VoteResponse(1, true)),
		twopc.Deliver("z", twopc.VoteRequest(1, []byte("v1"))),
		twopc.Vote(false),
		twopc.Alarm(),
	}
	var idList []int64
	for i, ev := range events {
		id, err := s.AddEvent(ctx, svcA, 1, ev, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		idList = append(idList, id)
	}
	for i := 1; i < len(idList); i++ {
		assert.Greater(t, idList[i], idList[i-1], "ids increase in insertion order")
	}

	for i, want := range events {
		rec, ok, err := s.NextEvent(ctx, svcA, 1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, idList[i], rec.ID)
		assert.Equal(t, want, rec.Event)
		assert.Equal(t, t0.Add(time.Duration(i)*time.Second), rec.CreatedAt)
		assert.Nil(t, rec.ExecutedAt)
		require.NoError(t, s.Execute(ctx, MarkEventComplete(svcA, rec.ID, t0.Add(time.Minute))))
	}

	_, ok, err := s.NextEvent(ctx, svcA, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := s.ListEvents(ctx, svcA)
	require.NoError(t, err)
	require.Len(t, all, len(events))
	for _, rec := range all {
		require.NotNil(t, rec.ExecutedAt)
		assert.Equal(t, t0.Add(time.Minute), *rec.ExecutedAt)
	}

	has, err := s.HasEvent(ctx, svcA, 1, twopc.EventVote)
	require.NoError(t, err)
	assert.True(t, has)
	has, err = s.HasEvent(ctx, svcA, 2, twopc.EventVote)
	require.NoError(t, err)
	assert.False(t, has)

	// Events of other epochs and services are invisible to NextEvent.
	_, err = s.AddEvent(ctx, svcB, 1, twopc.Alarm(), t0)
	require.NoError(t, err)
	_, ok, err = s.NextEvent(ctx, svcA, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testEventCompleteTwice(t *testing.T, s ScabbardStore) {
	ctx := context.Background()
	id, err := s.AddEvent(ctx, svcA, 1, twopc.Alarm(), t0)
	require.NoError(t, err)

	require.NoError(t, s.Execute(ctx, MarkEventComplete(svcA, id, t0)))
	err = s.Execute(ctx, MarkEventComplete(svcA, id, t0))
	assert.True(t, IsConstraintViolation(err), "got %v", err)
}

func testStaleEvents(t *testing.T, s ScabbardStore) {
	ctx := context.Background()
	_, err := s.AddEvent(ctx, svcA, 1, twopc.Deliver("y", twopc.DecisionRequest(1)), t0)
	require.NoError(t, err)
	done, err := s.AddEvent(ctx, svcA, 1, twopc.Alarm(), t0)
	require.NoError(t, err)
	require.NoError(t, s.Execute(ctx, MarkEventComplete(svcA, done, t0)))
	_, err = s.AddEvent(ctx, svcA, 2, twopc.Start([]byte("v2")), t0)
	require.NoError(t, err)

	stale, err := s.ListStaleEvents(ctx, svcA, 2)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, twopc.EventDeliver, stale[0].Event.Kind)

	after, err := s.HasEventsAfter(ctx, svcA, 1)
	require.NoError(t, err)
	assert.True(t, after)
	after, err = s.HasEventsAfter(ctx, svcA, 2)
	require.NoError(t, err)
	assert.False(t, after)

	n, err := s.PurgeStaleEvents(ctx, svcA, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := s.ListEvents(ctx, svcA)
	require.NoError(t, err)
	assert.Len(t, all, 2, "processed and current-epoch events are kept")
}

func testActions(t *testing.T, s ScabbardStore) {
	ctx := context.Background()
	actions := []twopc.Action{
		twopc.SendMessage("y", twopc.VoteRequest(1, []byte("v1"))),
		twopc.Notify(twopc.NotifyCoordinatorRequestForVote, []byte("v1")),
		twopc.SendMessage("z", twopc.CommitMessage(1)),
		twopc.CommitAction([]byte("v1")),
		twopc.AbortAction([]byte("v0")),
	}
	var cmds []Command
	for _, a := range actions {
		cmds = append(cmds, AppendAction(svcA, 1, a, t0))
	}
	require.NoError(t, s.Execute(ctx, cmds...))

	pending, err := s.ListPendingActions(ctx, svcA)
	require.NoError(t, err)
	require.Len(t, pending, len(actions))
	for i, rec := range pending {
		assert.Equal(t, actions[i], rec.Action)
		assert.Equal(t, uint64(1), rec.Epoch)
		assert.Equal(t, svcA, rec.Service)
	}

	require.NoError(t, s.MarkActionExecuted(ctx, pending[0].ID, t0.Add(time.Second)))
	pending2, err := s.ListPendingActions(ctx, svcA)
	require.NoError(t, err)
	assert.Len(t, pending2, len(actions)-1)
	assert.Equal(t, pending[1].ID, pending2[0].ID)

	all, err := s.ListActions(ctx, svcA)
	require.NoError(t, err)
	require.Len(t, all, len(actions))
	require.NotNil(t, all[0].ExecutedAt)
	assert.Equal(t, t0.Add(time.Second), *all[0].ExecutedAt)

	err = s.MarkActionExecuted(ctx, pending[len(pending)-1].ID+1000, t0)
	assert.True(t, IsNotFound(err), "got %v", err)
}

func testAlarms(t *testing.T, s ScabbardStore) {
	ctx := context.Background()

	_, ok, err := s.GetAlarm(ctx, svcA, AlarmTwoPhaseCommit)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Execute(ctx, SetAlarm(svcA, AlarmTwoPhaseCommit, t0)))
	require.NoError(t, s.Execute(ctx, SetAlarm(svcA, AlarmTwoPhaseCommit, t0.Add(time.Minute))))

	at, ok, err := s.GetAlarm(ctx, svcA, AlarmTwoPhaseCommit)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), at, "set overwrites")

	require.NoError(t, s.Execute(ctx, UnsetAlarm(svcA, AlarmTwoPhaseCommit)))
	require.NoError(t, s.Execute(ctx, UnsetAlarm(svcA, AlarmTwoPhaseCommit)), "unset of a missing alarm is a no-op")
	_, ok, err = s.GetAlarm(ctx, svcA, AlarmTwoPhaseCommit)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testCommitHistory(t *testing.T, s ScabbardStore) {
	ctx := context.Background()

	_, err := s.GetCommitEntry(ctx, svcA, 1)
	assert.True(t, IsNotFound(err))

	second := CommitEntry{Service: svcA, Epoch: 2, Decision: DecisionAbort, Value: []byte("v2"), CreatedAt: t0.Add(time.Second)}
	first := CommitEntry{Service: svcA, Epoch: 1, Decision: DecisionCommit, Value: []byte("v1"), CreatedAt: t0}
	require.NoError(t, s.AddCommitEntry(ctx, second))
	require.NoError(t, s.AddCommitEntry(ctx, first))

	err = s.AddCommitEntry(ctx, first)
	assert.True(t, IsConstraintViolation(err), "got %v", err)

	got, err := s.GetCommitEntry(ctx, svcA, 1)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	history, err := s.ListCommitEntries(ctx, svcA)
	require.NoError(t, err)
	assert.Equal(t, []CommitEntry{first, second}, history)
}

func testNotifications(t *testing.T, s ScabbardStore) {
	ctx := context.Background()

	n1, err := s.AddNotification(ctx, svcA, t0)
	require.NoError(t, err)
	n2, err := s.AddNotification(ctx, svcB, t0)
	require.NoError(t, err)

	pending, err := s.ListUnexecutedNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, n1, pending[0].ID)
	assert.Equal(t, svcA, pending[0].Service)
	assert.Equal(t, t0, pending[0].CreatedAt)

	require.NoError(t, s.MarkNotificationExecuted(ctx, n1, t0))
	pending, err = s.ListUnexecutedNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, n2, pending[0].ID)

	err = s.MarkNotificationExecuted(ctx, n2+1000, t0)
	assert.True(t, IsNotFound(err), "got %v", err)
}

func testBatches(t *testing.T, s ScabbardStore) {
	ctx := context.Background()

	_, ok, err := s.PeekBatch(ctx, svcA)
	require.NoError(t, err)
	assert.False(t, ok)

	b1 := Batch{ID: "b1", Service: svcA, Value: []byte("one"), CreatedAt: t0}
	b2 := Batch{ID: "b2", Service: svcA, Value: []byte("two"), CreatedAt: t0}
	require.NoError(t, s.EnqueueBatch(ctx, b1))
	require.NoError(t, s.EnqueueBatch(ctx, b2))
	assert.True(t, IsConstraintViolation(s.EnqueueBatch(ctx, b1)))

	n, err := s.CountBatches(ctx, svcA)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, ok, err := s.PeekBatch(ctx, svcA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b1, got)

	require.NoError(t, s.Execute(ctx, RemoveBatch(svcA, "b1")))
	got, ok, err = s.PeekBatch(ctx, svcA)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b2, got)
}

func testRemoveService(t *testing.T, s ScabbardStore) {
	ctx := context.Background()
	for _, svc := range []ids.ServiceID{svcA, svcB} {
		require.NoError(t, s.Execute(ctx,
			PersistContext(testContext(svc, 1)),
			AppendEvent(svc, 1, twopc.Alarm(), t0),
			AppendAction(svc, 1, twopc.CommitAction(nil), t0),
			SetAlarm(svc, AlarmTwoPhaseCommit, t0),
		))
		_, err := s.AddNotification(ctx, svc, t0)
		require.NoError(t, err)
		require.NoError(t, s.EnqueueBatch(ctx, Batch{ID: "batch-" + svc.Service, Service: svc, CreatedAt: t0}))
		require.NoError(t, s.AddCommitEntry(ctx, CommitEntry{Service: svc, Epoch: 1, Decision: DecisionCommit, CreatedAt: t0}))
	}

	require.NoError(t, s.Execute(ctx, RemoveService(svcA)))

	_, err := s.GetCurrentContext(ctx, svcA)
	assert.True(t, IsNotFound(err))
	events, err := s.ListEvents(ctx, svcA)
	require.NoError(t, err)
	assert.Empty(t, events)
	actions, err := s.ListActions(ctx, svcA)
	require.NoError(t, err)
	assert.Empty(t, actions)
	_, ok, err := s.GetAlarm(ctx, svcA, AlarmTwoPhaseCommit)
	require.NoError(t, err)
	assert.False(t, ok)
	n, err := s.CountBatches(ctx, svcA)
	require.NoError(t, err)
	assert.Zero(t, n)

	history, err := s.ListCommitEntries(ctx, svcA)
	require.NoError(t, err)
	assert.Len(t, history, 1, "commit history is retained")

	notifications, err := s.ListUnexecutedNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, svcB, notifications[0].Service)

	_, err = s.GetCurrentContext(ctx, svcB)
	assert.NoError(t, err, "other services are untouched")
}
