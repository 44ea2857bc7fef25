package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/scabbard/internal/twopc"
	"github.com/roach88/scabbard/internal/wire"
)

// Messages are stored in their wire encoding so that a row written by one
// version can be read by the next without a JSON schema in between.

type eventRow struct {
	from    sql.NullString
	message []byte
	value   []byte
	vote    sql.NullBool
}

func encodeEvent(ev twopc.Event) (eventRow, error) {
	var row eventRow
	switch ev.Kind {
	case twopc.EventDeliver:
		msg, err := wire.Marshal(ev.Message)
		if err != nil {
			return eventRow{}, fmt.Errorf("marshal message: %w", err)
		}
		row.from = sql.NullString{String: ev.From, Valid: true}
		row.message = msg
	case twopc.EventStart:
		row.value = ev.Value
	case twopc.EventVote:
		row.vote = sql.NullBool{Bool: ev.Vote, Valid: true}
	case twopc.EventAlarm:
	default:
		return eventRow{}, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return row, nil
}

func decodeEvent(kind string, row eventRow) (twopc.Event, error) {
	switch twopc.EventKind(kind) {
	case twopc.EventDeliver:
		msg, err := wire.Unmarshal(row.message)
		if err != nil {
			return twopc.Event{}, fmt.Errorf("unmarshal message: %w", err)
		}
		return twopc.Deliver(row.from.String, msg), nil
	case twopc.EventStart:
		return twopc.Start(row.value), nil
	case twopc.EventVote:
		return twopc.Vote(row.vote.Valid && row.vote.Bool), nil
	case twopc.EventAlarm:
		return twopc.Alarm(), nil
	default:
		return twopc.Event{}, fmt.Errorf("unknown event kind %q", kind)
	}
}

type actionRow struct {
	to           sql.NullString
	message      []byte
	value        []byte
	notification sql.NullString
}

func encodeAction(a twopc.Action) (actionRow, error) {
	var row actionRow
	switch a.Kind {
	case twopc.ActionSendMessage:
		msg, err := wire.Marshal(a.Message)
		if err != nil {
			return actionRow{}, fmt.Errorf("marshal message: %w", err)
		}
		row.to = sql.NullString{String: a.To, Valid: true}
		row.message = msg
	case twopc.ActionCommit, twopc.ActionAbort:
		row.value = a.Value
	case twopc.ActionNotify:
		row.notification = sql.NullString{String: string(a.Notification.Kind), Valid: true}
		row.value = a.Notification.Value
	default:
		return actionRow{}, fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return row, nil
}

func decodeAction(kind string, row actionRow) (twopc.Action, error) {
	switch twopc.ActionKind(kind) {
	case twopc.ActionSendMessage:
		msg, err := wire.Unmarshal(row.message)
		if err != nil {
			return twopc.Action{}, fmt.Errorf("unmarshal message: %w", err)
		}
		return twopc.SendMessage(row.to.String, msg), nil
	case twopc.ActionCommit:
		return twopc.CommitAction(row.value), nil
	case twopc.ActionAbort:
		return twopc.AbortAction(row.value), nil
	case twopc.ActionNotify:
		return twopc.Notify(twopc.NotificationKind(row.notification.String), row.value), nil
	default:
		return twopc.Action{}, fmt.Errorf("unknown action kind %q", kind)
	}
}

// scanEvent scans a row selected with eventColumns.
func scanEvent(rows *sql.Rows) (EventRecord, error) {
	var (
		rec        EventRecord
		epoch      int64
		kind       string
		row        eventRow
		createdAt  int64
		executedAt sql.NullInt64
	)
	if err := rows.Scan(&rec.ID, &rec.Service.Circuit, &rec.Service.Service, &epoch, &kind,
		&row.from, &row.message, &row.value, &row.vote, &createdAt, &executedAt); err != nil {
		return EventRecord{}, fmt.Errorf("scan event: %w", err)
	}
	ev, err := decodeEvent(kind, row)
	if err != nil {
		return EventRecord{}, fmt.Errorf("event %d: %w", rec.ID, err)
	}
	rec.Epoch = uint64(epoch)
	rec.Event = ev
	rec.CreatedAt = fromUnix(createdAt)
	rec.ExecutedAt = fromNullTimePtr(executedAt)
	return rec, nil
}

// scanAction scans a row selected with actionColumns.
func scanAction(rows *sql.Rows) (ActionRecord, error) {
	var (
		rec        ActionRecord
		epoch      int64
		kind       string
		row        actionRow
		createdAt  int64
		executedAt sql.NullInt64
	)
	if err := rows.Scan(&rec.ID, &rec.Service.Circuit, &rec.Service.Service, &epoch, &kind,
		&row.to, &row.message, &row.value, &row.notification, &createdAt, &executedAt); err != nil {
		return ActionRecord{}, fmt.Errorf("scan action: %w", err)
	}
	a, err := decodeAction(kind, row)
	if err != nil {
		return ActionRecord{}, fmt.Errorf("action %d: %w", rec.ID, err)
	}
	rec.Epoch = uint64(epoch)
	rec.Action = a
	rec.CreatedAt = fromUnix(createdAt)
	rec.ExecutedAt = fromNullTimePtr(executedAt)
	return rec, nil
}

// Times are stored as Unix nanoseconds.

func toUnix(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func toNullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return fromUnix(n.Int64)
}

func fromNullTimePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

func toNullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func fromNullBool(n sql.NullBool) *bool {
	if !n.Valid {
		return nil
	}
	b := n.Bool
	return &b
}
