package store

import (
	"fmt"
	"time"

	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/twopc"
)

// CommandKind tags a Command. The set is closed: Execute rejects anything else.
type CommandKind int

const (
	// CmdPersistContext upserts the context of (Service, Context.Epoch).
	// The epoch may equal the current epoch or exceed it by one.
	CmdPersistContext CommandKind = iota + 1
	// CmdAppendEvent appends Event for (Service, Epoch).
	CmdAppendEvent
	// CmdAppendAction appends Action for (Service, Epoch).
	CmdAppendAction
	// CmdMarkEventComplete sets executed_at of event EventID.
	CmdMarkEventComplete
	// CmdSetAlarm sets the AlarmType alarm of Service to At.
	CmdSetAlarm
	// CmdUnsetAlarm deletes the AlarmType alarm of Service.
	CmdUnsetAlarm
	// CmdRemoveBatch deletes batch BatchID of Service.
	CmdRemoveBatch
	// CmdRemoveService deletes every record of Service except its
	// commit history.
	CmdRemoveService
)

func (k CommandKind) String() string {
	switch k {
	case CmdPersistContext:
		return "PersistContext"
	case CmdAppendEvent:
		return "AppendEvent"
	case CmdAppendAction:
		return "AppendAction"
	case CmdMarkEventComplete:
		return "MarkEventComplete"
	case CmdSetAlarm:
		return "SetAlarm"
	case CmdUnsetAlarm:
		return "UnsetAlarm"
	case CmdRemoveBatch:
		return "RemoveBatch"
	case CmdRemoveService:
		return "RemoveService"
	default:
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
}

// Command is one mutation of a transactional unit. Only the fields relevant
// to Kind are read.
type Command struct {
	Kind      CommandKind
	Service   ids.ServiceID
	Epoch     uint64
	Context   twopc.Context
	Event     twopc.Event
	Action    twopc.Action
	EventID   int64
	BatchID   string
	AlarmType AlarmType
	At        time.Time
}

func (c Command) String() string {
	return fmt.Sprintf("%s(%s)", c.Kind, c.Service)
}

// PersistContext stores c as the context of its service and epoch.
func PersistContext(c twopc.Context) Command {
	return Command{Kind: CmdPersistContext, Service: c.Service, Epoch: c.Epoch, Context: c}
}

// AppendEvent appends an unprocessed event.
func AppendEvent(svc ids.ServiceID, epoch uint64, ev twopc.Event, at time.Time) Command {
	return Command{Kind: CmdAppendEvent, Service: svc, Epoch: epoch, Event: ev, At: at}
}

// AppendAction appends a pending action.
func AppendAction(svc ids.ServiceID, epoch uint64, a twopc.Action, at time.Time) Command {
	return Command{Kind: CmdAppendAction, Service: svc, Epoch: epoch, Action: a, At: at}
}

// MarkEventComplete marks event id processed at at.
func MarkEventComplete(svc ids.ServiceID, id int64, at time.Time) Command {
	return Command{Kind: CmdMarkEventComplete, Service: svc, EventID: id, At: at}
}

// SetAlarm arms the alarm of svc for at, replacing any previous one.
func SetAlarm(svc ids.ServiceID, typ AlarmType, at time.Time) Command {
	return Command{Kind: CmdSetAlarm, Service: svc, AlarmType: typ, At: at}
}

// UnsetAlarm removes the alarm of svc. Removing a missing alarm is a no-op.
func UnsetAlarm(svc ids.ServiceID, typ AlarmType) Command {
	return Command{Kind: CmdUnsetAlarm, Service: svc, AlarmType: typ}
}

// RemoveBatch removes a queued batch.
func RemoveBatch(svc ids.ServiceID, id string) Command {
	return Command{Kind: CmdRemoveBatch, Service: svc, BatchID: id}
}

// RemoveService purges every record of svc except its commit history.
func RemoveService(svc ids.ServiceID) Command {
	return Command{Kind: CmdRemoveService, Service: svc}
}

// checkEpoch enforces that a persisted context either updates the current
// epoch or opens the next one. current is 0 when no context exists.
func checkEpoch(current, epoch uint64) error {
	switch {
	case epoch == 0:
		return fmt.Errorf("epoch 0 is not valid")
	case current == 0 && epoch != 1:
		return fmt.Errorf("first context must be epoch 1, got %d", epoch)
	case current != 0 && epoch < current:
		return fmt.Errorf("epoch %d is older than current epoch %d", epoch, current)
	case current != 0 && epoch > current+1:
		return fmt.Errorf("epoch %d skips past current epoch %d", epoch, current)
	}
	return nil
}
