package scabbard

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/store"
)

// Status is a point-in-time view of one service.
type Status struct {
	Service        string         `json:"service"`
	Epoch          uint64         `json:"epoch"`
	State          string         `json:"state"`
	Coordinator    string         `json:"coordinator"`
	IsCoordinator  bool           `json:"is_coordinator"`
	Peers          []string       `json:"peers"`
	AlarmAt        *time.Time     `json:"alarm_at,omitempty"`
	PendingActions int            `json:"pending_actions"`
	QueuedBatches  int            `json:"queued_batches"`
	History        []HistoryEntry `json:"history"`
}

// HistoryEntry is one decided epoch.
type HistoryEntry struct {
	Epoch    uint64    `json:"epoch"`
	Decision string    `json:"decision"`
	Value    string    `json:"value"`
	At       time.Time `json:"at"`
}

// Status reports the state of svc.
func (n *Node) Status(ctx context.Context, svc ids.ServiceID) (Status, error) {
	c, err := n.store.GetCurrentContext(ctx, svc)
	if err != nil {
		return Status{}, fmt.Errorf("status %s: %w", svc, err)
	}
	st := Status{
		Service:       svc.String(),
		Epoch:         c.Epoch,
		State:         c.State.String(),
		Coordinator:   c.Coordinator,
		IsCoordinator: c.IsCoordinator(),
		Peers:         c.Peers(),
		History:       []HistoryEntry{},
	}

	at, ok, err := n.store.GetAlarm(ctx, svc, store.AlarmTwoPhaseCommit)
	if err != nil {
		return Status{}, fmt.Errorf("status %s: %w", svc, err)
	}
	if ok {
		st.AlarmAt = &at
	}

	pending, err := n.store.ListPendingActions(ctx, svc)
	if err != nil {
		return Status{}, fmt.Errorf("status %s: %w", svc, err)
	}
	st.PendingActions = len(pending)

	if st.QueuedBatches, err = n.store.CountBatches(ctx, svc); err != nil {
		return Status{}, fmt.Errorf("status %s: %w", svc, err)
	}

	history, err := n.store.ListCommitEntries(ctx, svc)
	if err != nil {
		return Status{}, fmt.Errorf("status %s: %w", svc, err)
	}
	for _, e := range history {
		st.History = append(st.History, HistoryEntry{
			Epoch:    e.Epoch,
			Decision: string(e.Decision),
			Value:    string(e.Value),
			At:       e.CreatedAt,
		})
	}
	return st, nil
}

// Statuses reports every service of the node in order.
func (n *Node) Statuses(ctx context.Context) ([]Status, error) {
	services, err := n.store.ListServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("statuses: %w", err)
	}
	out := make([]Status, 0, len(services))
	for _, svc := range services {
		st, err := n.Status(ctx, svc)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
