package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/store"
	"github.com/roach88/scabbard/internal/twopc"
)

var (
	svcA = ids.New("circ", "a")
	svcB = ids.New("circ", "b")
	t0   = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

func TestParseArguments(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]string
		want []string
	}{
		{"comma list", map[string]string{"peer_services": "b, c"}, []string{"b", "c"}},
		{"flow sequence", map[string]string{"peer_services": "[b, c]"}, []string{"b", "c"}},
		{"json array", map[string]string{"peer_services": `["b","c"]`}, []string{"b", "c"}},
		{"empty", map[string]string{"peer_services": ""}, nil},
		{"absent", map[string]string{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := ParseArguments(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, args.PeerServices)
		})
	}
}

func TestParseArguments_Invalid(t *testing.T) {
	_, err := ParseArguments(map[string]string{"admin_keys": "x"})
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = ParseArguments(map[string]string{"peer_services": "[b, "})
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestArguments_Validate(t *testing.T) {
	tests := []struct {
		name  string
		peers []string
		ok    bool
	}{
		{"valid", []string{"b", "c"}, true},
		{"no peers", nil, true},
		{"empty name", []string{"b", ""}, false},
		{"duplicate", []string{"b", "b"}, false},
		{"self", []string{"a", "b"}, false},
		{"separator", []string{"x::y"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Arguments{PeerServices: tt.peers}.Validate(svcA)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidArguments)
			}
		})
	}
}

func TestCommandToPrepare(t *testing.T) {
	s := store.NewMemoryStore()
	l := New(s)
	ctx := context.Background()

	cmds, err := l.CommandToPrepare(ctx, svcB, Arguments{PeerServices: []string{"c", "a"}})
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, store.CmdPersistContext, cmds[0].Kind)
	require.NoError(t, l.Apply(ctx, cmds))

	c, err := s.GetCurrentContext(ctx, svcB)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Epoch)
	assert.Equal(t, "a", c.Coordinator)
	assert.Equal(t, []string{"a", "c"}, c.Peers())
	assert.Equal(t, twopc.StateWaitingForVoteRequest, c.State.Kind)
}

func TestCommandToPrepare_Coordinator(t *testing.T) {
	s := store.NewMemoryStore()
	l := New(s)
	ctx := context.Background()

	require.NoError(t, l.Run(ctx, StepPrepare, svcA, Arguments{PeerServices: []string{"b"}}))

	c, err := s.GetCurrentContext(ctx, svcA)
	require.NoError(t, err)
	assert.True(t, c.IsCoordinator())
	assert.Equal(t, twopc.StateWaitingForStart, c.State.Kind)
}

func TestCommandToPrepare_Repeated(t *testing.T) {
	s := store.NewMemoryStore()
	l := New(s)
	ctx := context.Background()
	require.NoError(t, l.Run(ctx, StepPrepare, svcA, Arguments{PeerServices: []string{"b", "c"}}))

	cmds, err := l.CommandToPrepare(ctx, svcA, Arguments{PeerServices: []string{"c", "b"}})
	require.NoError(t, err)
	assert.Empty(t, cmds, "same peers in any order is a no-op")

	_, err = l.CommandToPrepare(ctx, svcA, Arguments{PeerServices: []string{"b"}})
	assert.ErrorIs(t, err, ErrAlreadyPrepared)
}

func TestCommandToPrepare_InvalidArguments(t *testing.T) {
	l := New(store.NewMemoryStore())

	_, err := l.CommandToPrepare(context.Background(), svcA, Arguments{PeerServices: []string{"a"}})
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = l.CommandToPrepare(context.Background(), ids.ServiceID{Service: "a"}, Arguments{PeerServices: []string{"b"}})
	assert.ErrorIs(t, err, ids.ErrInvalidServiceID)
}

func TestCommandToFinalize(t *testing.T) {
	s := store.NewMemoryStore()
	l := New(s)
	ctx := context.Background()

	_, err := l.CommandToFinalize(ctx, svcA, Arguments{})
	assert.ErrorIs(t, err, ErrNotPrepared)

	require.NoError(t, l.Run(ctx, StepPrepare, svcA, Arguments{PeerServices: []string{"b"}}))
	cmds, err := l.CommandToFinalize(ctx, svcA, Arguments{})
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestCommandToRetire_UnsetsAlarm(t *testing.T) {
	s := store.NewMemoryStore()
	l := New(s)
	ctx := context.Background()
	require.NoError(t, l.Run(ctx, StepPrepare, svcA, Arguments{PeerServices: []string{"b"}}))
	require.NoError(t, s.Execute(ctx, store.SetAlarm(svcA, store.AlarmTwoPhaseCommit, t0)))

	require.NoError(t, l.Run(ctx, StepRetire, svcA, Arguments{}))

	_, ok, err := s.GetAlarm(ctx, svcA, store.AlarmTwoPhaseCommit)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.GetCurrentContext(ctx, svcA)
	assert.NoError(t, err, "retire keeps the context")
}

func TestCommandToPurge_KeepsCommitHistory(t *testing.T) {
	s := store.NewMemoryStore()
	l := New(s)
	ctx := context.Background()
	require.NoError(t, l.Run(ctx, StepPrepare, svcA, Arguments{PeerServices: []string{"b"}}))
	_, err := s.AddEvent(ctx, svcA, 1, twopc.Start([]byte("v1")), t0)
	require.NoError(t, err)
	require.NoError(t, s.AddCommitEntry(ctx, store.CommitEntry{
		Service: svcA, Epoch: 1, Decision: store.DecisionCommit, Value: []byte("v1"), CreatedAt: t0,
	}))

	require.NoError(t, l.Run(ctx, StepPurge, svcA, Arguments{}))

	_, err = s.GetCurrentContext(ctx, svcA)
	assert.True(t, store.IsNotFound(err))
	events, err := s.ListEvents(ctx, svcA)
	require.NoError(t, err)
	assert.Empty(t, events)
	history, err := s.ListCommitEntries(ctx, svcA)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCommandTo_UnknownStep(t *testing.T) {
	_, err := New(store.NewMemoryStore()).CommandTo(context.Background(), "explode", svcA, Arguments{})
	assert.ErrorIs(t, err, ErrInvalidArguments)
}
