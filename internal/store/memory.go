package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/twopc"
)

type alarmKey struct {
	svc ids.ServiceID
	typ AlarmType
}

// memState is the full content of a MemoryStore. Execute works on a copy
// and swaps it in on success, which gives all-or-nothing transactions.
type memState struct {
	contexts      map[ids.ServiceID]map[uint64]twopc.Context
	events        []EventRecord
	actions       []ActionRecord
	alarms        map[alarmKey]time.Time
	commits       map[ids.ServiceID]map[uint64]CommitEntry
	notifications []Notification
	batches       []Batch

	nextEventID        int64
	nextActionID       int64
	nextNotificationID int64
}

func newMemState() *memState {
	return &memState{
		contexts: make(map[ids.ServiceID]map[uint64]twopc.Context),
		alarms:   make(map[alarmKey]time.Time),
		commits:  make(map[ids.ServiceID]map[uint64]CommitEntry),
	}
}

func (m *memState) clone() *memState {
	out := &memState{
		contexts:           make(map[ids.ServiceID]map[uint64]twopc.Context, len(m.contexts)),
		events:             append([]EventRecord(nil), m.events...),
		actions:            append([]ActionRecord(nil), m.actions...),
		alarms:             make(map[alarmKey]time.Time, len(m.alarms)),
		commits:            make(map[ids.ServiceID]map[uint64]CommitEntry, len(m.commits)),
		notifications:      append([]Notification(nil), m.notifications...),
		batches:            append([]Batch(nil), m.batches...),
		nextEventID:        m.nextEventID,
		nextActionID:       m.nextActionID,
		nextNotificationID: m.nextNotificationID,
	}
	for svc, byEpoch := range m.contexts {
		cp := make(map[uint64]twopc.Context, len(byEpoch))
		for e, c := range byEpoch {
			cp[e] = c
		}
		out.contexts[svc] = cp
	}
	for k, v := range m.alarms {
		out.alarms[k] = v
	}
	for svc, byEpoch := range m.commits {
		cp := make(map[uint64]CommitEntry, len(byEpoch))
		for e, c := range byEpoch {
			cp[e] = c
		}
		out.commits[svc] = cp
	}
	return out
}

func (m *memState) currentEpoch(svc ids.ServiceID) uint64 {
	var max uint64
	for e := range m.contexts[svc] {
		if e > max {
			max = e
		}
	}
	return max
}

// MemoryStore is an in-memory ScabbardStore for tests and simulations.
// All operations are serialized by one mutex.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetCurrentContext(_ context.Context, svc ids.ServiceID) (twopc.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	epoch := s.state.currentEpoch(svc)
	if epoch == 0 {
		return twopc.Context{}, notFound("get current context", "no context for %s", svc)
	}
	return s.state.contexts[svc][epoch].Clone(), nil
}

func (s *MemoryStore) GetContext(_ context.Context, svc ids.ServiceID, epoch uint64) (twopc.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.contexts[svc][epoch]
	if !ok {
		return twopc.Context{}, notFound("get context", "no context for %s epoch %d", svc, epoch)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) ListServices(_ context.Context) ([]ids.ServiceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ids.ServiceID, 0, len(s.state.contexts))
	for svc, byEpoch := range s.state.contexts {
		if len(byEpoch) > 0 {
			out = append(out, svc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return ids.Compare(out[i], out[j]) < 0 })
	return out, nil
}

func (s *MemoryStore) AddEvent(ctx context.Context, svc ids.ServiceID, epoch uint64, ev twopc.Event, at time.Time) (int64, error) {
	var id int64
	err := s.update(func(m *memState) error {
		id = m.appendEvent(svc, epoch, ev, at)
		return nil
	})
	return id, err
}

func (s *MemoryStore) NextEvent(_ context.Context, svc ids.ServiceID, epoch uint64) (EventRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.state.events {
		if e.Service == svc && e.Epoch == epoch && e.ExecutedAt == nil {
			return e, true, nil
		}
	}
	return EventRecord{}, false, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, svc ids.ServiceID) ([]EventRecord, error) {
	return s.filterEvents(func(e EventRecord) bool { return e.Service == svc }), nil
}

func (s *MemoryStore) ListStaleEvents(_ context.Context, svc ids.ServiceID, before uint64) ([]EventRecord, error) {
	return s.filterEvents(func(e EventRecord) bool {
		return e.Service == svc && e.Epoch < before && e.ExecutedAt == nil
	}), nil
}

func (s *MemoryStore) HasEventsAfter(_ context.Context, svc ids.ServiceID, epoch uint64) (bool, error) {
	return len(s.filterEvents(func(e EventRecord) bool {
		return e.Service == svc && e.Epoch > epoch && e.ExecutedAt == nil
	})) > 0, nil
}

func (s *MemoryStore) HasEvent(_ context.Context, svc ids.ServiceID, epoch uint64, kind twopc.EventKind) (bool, error) {
	return len(s.filterEvents(func(e EventRecord) bool {
		return e.Service == svc && e.Epoch == epoch && e.Event.Kind == kind
	})) > 0, nil
}

func (s *MemoryStore) filterEvents(keep func(EventRecord) bool) []EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []EventRecord{}
	for _, e := range s.state.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemoryStore) PurgeStaleEvents(_ context.Context, svc ids.ServiceID, before uint64) (int64, error) {
	var n int64
	err := s.update(func(m *memState) error {
		kept := m.events[:0]
		for _, e := range m.events {
			if e.Service == svc && e.Epoch < before && e.ExecutedAt == nil {
				n++
				continue
			}
			kept = append(kept, e)
		}
		m.events = kept
		return nil
	})
	return n, err
}

func (s *MemoryStore) ListPendingActions(_ context.Context, svc ids.ServiceID) ([]ActionRecord, error) {
	return s.filterActions(func(a ActionRecord) bool { return a.Service == svc && a.ExecutedAt == nil }), nil
}

func (s *MemoryStore) ListActions(_ context.Context, svc ids.ServiceID) ([]ActionRecord, error) {
	return s.filterActions(func(a ActionRecord) bool { return a.Service == svc }), nil
}

func (s *MemoryStore) filterActions(keep func(ActionRecord) bool) []ActionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []ActionRecord{}
	for _, a := range s.state.actions {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func (s *MemoryStore) MarkActionExecuted(_ context.Context, id int64, at time.Time) error {
	return s.update(func(m *memState) error {
		for i := range m.actions {
			if m.actions[i].ID == id {
				m.actions[i].ExecutedAt = normalizeTimePtr(&at)
				return nil
			}
		}
		return notFound("mark action executed", "no action %d", id)
	})
}

func (s *MemoryStore) GetAlarm(_ context.Context, svc ids.ServiceID, typ AlarmType) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.state.alarms[alarmKey{svc, typ}]
	return at, ok, nil
}

func (s *MemoryStore) AddCommitEntry(_ context.Context, entry CommitEntry) error {
	return s.update(func(m *memState) error {
		if _, ok := m.commits[entry.Service][entry.Epoch]; ok {
			return constraint("add commit entry", fmt.Errorf("%s epoch %d already recorded", entry.Service, entry.Epoch))
		}
		if m.commits[entry.Service] == nil {
			m.commits[entry.Service] = make(map[uint64]CommitEntry)
		}
		entry.Value = bytes.Clone(entry.Value)
		entry.CreatedAt = normalizeTime(entry.CreatedAt)
		m.commits[entry.Service][entry.Epoch] = entry
		return nil
	})
}

func (s *MemoryStore) GetCommitEntry(_ context.Context, svc ids.ServiceID, epoch uint64) (CommitEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.state.commits[svc][epoch]
	if !ok {
		return CommitEntry{}, notFound("get commit entry", "no commit entry for %s epoch %d", svc, epoch)
	}
	return entry, nil
}

func (s *MemoryStore) ListCommitEntries(_ context.Context, svc ids.ServiceID) ([]CommitEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []CommitEntry{}
	for _, e := range s.state.commits[svc] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out, nil
}

func (s *MemoryStore) AddNotification(_ context.Context, svc ids.ServiceID, at time.Time) (int64, error) {
	var id int64
	err := s.update(func(m *memState) error {
		m.nextNotificationID++
		id = m.nextNotificationID
		m.notifications = append(m.notifications, Notification{ID: id, Service: svc, CreatedAt: normalizeTime(at)})
		return nil
	})
	return id, err
}

func (s *MemoryStore) ListUnexecutedNotifications(_ context.Context) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Notification{}
	for _, n := range s.state.notifications {
		if n.ExecutedAt == nil {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkNotificationExecuted(_ context.Context, id int64, at time.Time) error {
	return s.update(func(m *memState) error {
		for i := range m.notifications {
			if m.notifications[i].ID == id {
				m.notifications[i].ExecutedAt = normalizeTimePtr(&at)
				return nil
			}
		}
		return notFound("mark notification executed", "no notification %d", id)
	})
}

func (s *MemoryStore) EnqueueBatch(_ context.Context, batch Batch) error {
	return s.update(func(m *memState) error {
		for _, b := range m.batches {
			if b.ID == batch.ID {
				return constraint("enqueue batch", fmt.Errorf("batch %s already queued", batch.ID))
			}
		}
		batch.Value = bytes.Clone(batch.Value)
		batch.CreatedAt = normalizeTime(batch.CreatedAt)
		m.batches = append(m.batches, batch)
		return nil
	})
}

func (s *MemoryStore) PeekBatch(_ context.Context, svc ids.ServiceID) (Batch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.state.batches {
		if b.Service == svc {
			return b, true, nil
		}
	}
	return Batch{}, false, nil
}

func (s *MemoryStore) CountBatches(_ context.Context, svc ids.ServiceID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.state.batches {
		if b.Service == svc {
			n++
		}
	}
	return n, nil
}

// Execute applies cmds to a copy of the state and publishes the copy only if
// every command succeeded.
func (s *MemoryStore) Execute(_ context.Context, cmds ...Command) error {
	return s.update(func(m *memState) error {
		for _, cmd := range cmds {
			if err := m.apply(cmd); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *MemoryStore) update(fn func(*memState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	if err := fn(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (m *memState) appendEvent(svc ids.ServiceID, epoch uint64, ev twopc.Event, at time.Time) int64 {
	m.nextEventID++
	m.events = append(m.events, EventRecord{
		ID:        m.nextEventID,
		Service:   svc,
		Epoch:     epoch,
		Event:     ev,
		CreatedAt: normalizeTime(at),
	})
	return m.nextEventID
}

func (m *memState) apply(cmd Command) error {
	switch cmd.Kind {
	case CmdPersistContext:
		if err := checkEpoch(m.currentEpoch(cmd.Service), cmd.Context.Epoch); err != nil {
			return constraint("persist context", err)
		}
		if m.contexts[cmd.Service] == nil {
			m.contexts[cmd.Service] = make(map[uint64]twopc.Context)
		}
		c := cmd.Context.Clone()
		c.State.VoteTimeoutStart = normalizeTime(c.State.VoteTimeoutStart)
		c.State.DecisionTimeoutStart = normalizeTime(c.State.DecisionTimeoutStart)
		m.contexts[cmd.Service][c.Epoch] = c

	case CmdAppendEvent:
		m.appendEvent(cmd.Service, cmd.Epoch, cmd.Event, cmd.At)

	case CmdAppendAction:
		m.nextActionID++
		m.actions = append(m.actions, ActionRecord{
			ID:        m.nextActionID,
			Service:   cmd.Service,
			Epoch:     cmd.Epoch,
			Action:    cmd.Action,
			CreatedAt: normalizeTime(cmd.At),
		})

	case CmdMarkEventComplete:
		for i := range m.events {
			if m.events[i].ID == cmd.EventID {
				if m.events[i].ExecutedAt != nil {
					return constraint("mark event complete", fmt.Errorf("event %d already complete", cmd.EventID))
				}
				m.events[i].ExecutedAt = normalizeTimePtr(&cmd.At)
				return nil
			}
		}
		return notFound("mark event complete", "no event %d", cmd.EventID)

	case CmdSetAlarm:
		m.alarms[alarmKey{cmd.Service, cmd.AlarmType}] = normalizeTime(cmd.At)

	case CmdUnsetAlarm:
		delete(m.alarms, alarmKey{cmd.Service, cmd.AlarmType})

	case CmdRemoveBatch:
		kept := m.batches[:0]
		for _, b := range m.batches {
			if b.Service == cmd.Service && b.ID == cmd.BatchID {
				continue
			}
			kept = append(kept, b)
		}
		m.batches = kept

	case CmdRemoveService:
		m.removeService(cmd.Service)

	default:
		return internal("execute", fmt.Errorf("unknown command %s", cmd.Kind))
	}
	return nil
}

func (m *memState) removeService(svc ids.ServiceID) {
	delete(m.contexts, svc)
	for k := range m.alarms {
		if k.svc == svc {
			delete(m.alarms, k)
		}
	}

	events := m.events[:0]
	for _, e := range m.events {
		if e.Service != svc {
			events = append(events, e)
		}
	}
	m.events = events

	actions := m.actions[:0]
	for _, a := range m.actions {
		if a.Service != svc {
			actions = append(actions, a)
		}
	}
	m.actions = actions

	notifications := m.notifications[:0]
	for _, n := range m.notifications {
		if n.Service != svc {
			notifications = append(notifications, n)
		}
	}
	m.notifications = notifications

	batches := m.batches[:0]
	for _, b := range m.batches {
		if b.Service != svc {
			batches = append(batches, b)
		}
	}
	m.batches = batches
}

var _ ScabbardStore = (*MemoryStore)(nil)
