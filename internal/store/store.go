package store

import (
	"context"
	"time"

	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/twopc"
)

// AlarmType distinguishes alarms of different consensus algorithms.
type AlarmType string

// AlarmTwoPhaseCommit is the only alarm type in use.
const AlarmTwoPhaseCommit AlarmType = "TWO_PHASE_COMMIT"

// Decision is the outcome recorded in the commit history.
type Decision string

const (
	DecisionCommit Decision = "COMMIT"
	DecisionAbort  Decision = "ABORT"
)

// EventRecord is a persisted event.
type EventRecord struct {
	ID         int64
	Service    ids.ServiceID
	Epoch      uint64
	Event      twopc.Event
	CreatedAt  time.Time
	ExecutedAt *time.Time
}

// ActionRecord is a persisted action.
type ActionRecord struct {
	ID         int64
	Service    ids.ServiceID
	Epoch      uint64
	Action     twopc.Action
	CreatedAt  time.Time
	ExecutedAt *time.Time
}

// CommitEntry records the decision for one epoch. Entries are never updated.
type CommitEntry struct {
	Service   ids.ServiceID
	Epoch     uint64
	Decision  Decision
	Value     []byte
	CreatedAt time.Time
}

// Notification is queued supervisor work. ExecutedAt is nil until the
// supervisor has executed every pending action of the service.
type Notification struct {
	ID         int64
	Service    ids.ServiceID
	CreatedAt  time.Time
	ExecutedAt *time.Time
}

// Batch is a value waiting for the coordinator to start an epoch.
type Batch struct {
	ID        string
	Service   ids.ServiceID
	Value     []byte
	CreatedAt time.Time
}

// ScabbardStore is the storage capability the runner, timer, supervisor and
// lifecycle depend on. Implementations must be safe for concurrent use.
//
// Single-record writes (AddNotification, MarkActionExecuted, ...) are atomic on
// their own. Everything that belongs to one transition goes through Execute.
type ScabbardStore interface {
	// GetCurrentContext returns the highest-epoch context of svc,
	// or ErrNotFound if the service was never prepared.
	GetCurrentContext(ctx context.Context, svc ids.ServiceID) (twopc.Context, error)
	// GetContext returns the context of svc for epoch, or ErrNotFound.
	GetContext(ctx context.Context, svc ids.ServiceID, epoch uint64) (twopc.Context, error)
	// ListServices returns every service with a context, ordered.
	ListServices(ctx context.Context) ([]ids.ServiceID, error)

	// AddEvent appends an unprocessed event and returns its id.
	AddEvent(ctx context.Context, svc ids.ServiceID, epoch uint64, event twopc.Event, at time.Time) (int64, error)
	// NextEvent returns the oldest unprocessed event of svc for epoch.
	NextEvent(ctx context.Context, svc ids.ServiceID, epoch uint64) (EventRecord, bool, error)
	// ListEvents returns every event of svc, processed or not.
	ListEvents(ctx context.Context, svc ids.ServiceID) ([]EventRecord, error)
	// ListStaleEvents returns unprocessed events of svc with epoch < before.
	ListStaleEvents(ctx context.Context, svc ids.ServiceID, before uint64) ([]EventRecord, error)
	// HasEventsAfter reports whether unprocessed events exist for an epoch
	// greater than epoch.
	HasEventsAfter(ctx context.Context, svc ids.ServiceID, epoch uint64) (bool, error)
	// HasEvent reports whether any event of kind exists for (svc, epoch).
	HasEvent(ctx context.Context, svc ids.ServiceID, epoch uint64, kind twopc.EventKind) (bool, error)
	// PurgeStaleEvents deletes unprocessed events with epoch < before.
	PurgeStaleEvents(ctx context.Context, svc ids.ServiceID, before uint64) (int64, error)

	// ListPendingActions returns unexecuted actions of svc in id order.
	ListPendingActions(ctx context.Context, svc ids.ServiceID) ([]ActionRecord, error)
	// ListActions returns every action of svc in id order.
	ListActions(ctx context.Context, svc ids.ServiceID) ([]ActionRecord, error)
	// MarkActionExecuted records the execution time of an action.
	MarkActionExecuted(ctx context.Context, id int64, at time.Time) error

	// GetAlarm returns the wake-up time of the alarm, if set.
	GetAlarm(ctx context.Context, svc ids.ServiceID, typ AlarmType) (time.Time, bool, error)

	// AddCommitEntry appends a decision. A second entry for the same epoch
	// fails with ErrConstraintViolation.
	AddCommitEntry(ctx context.Context, entry CommitEntry) error
	// GetCommitEntry returns the decision for epoch, or ErrNotFound.
	GetCommitEntry(ctx context.Context, svc ids.ServiceID, epoch uint64) (CommitEntry, error)
	// ListCommitEntries returns the history of svc in epoch order.
	ListCommitEntries(ctx context.Context, svc ids.ServiceID) ([]CommitEntry, error)

	// AddNotification queues supervisor work for svc.
	AddNotification(ctx context.Context, svc ids.ServiceID, at time.Time) (int64, error)
	// ListUnexecutedNotifications returns queued work in id order.
	ListUnexecutedNotifications(ctx context.Context) ([]Notification, error)
	// MarkNotificationExecuted records completion of a notification.
	MarkNotificationExecuted(ctx context.Context, id int64, at time.Time) error

	// EnqueueBatch appends a value to the batch queue of svc.
	EnqueueBatch(ctx context.Context, batch Batch) error
	// PeekBatch returns the oldest queued batch of svc.
	PeekBatch(ctx context.Context, svc ids.ServiceID) (Batch, bool, error)
	// CountBatches returns the number of queued batches of svc.
	CountBatches(ctx context.Context, svc ids.ServiceID) (int, error)

	// Execute applies cmds in order inside one transaction.
	Execute(ctx context.Context, cmds ...Command) error

	Close() error
}

// normalizeTime drops the monotonic reading and location so times read back
// from any backend compare equal to the values written.
func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return time.Unix(0, t.UnixNano()).UTC()
}

func normalizeTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	n := normalizeTime(*t)
	return &n
}
