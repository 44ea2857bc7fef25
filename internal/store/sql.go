package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/twopc"
)

// SQLStore is a ScabbardStore over database/sql.
type SQLStore struct {
	pool    *Pool
	dialect Dialect
}

// NewSQLStore returns a store over pool. The schema must already exist.
func NewSQLStore(pool *Pool, dialect Dialect) *SQLStore {
	return &SQLStore{pool: pool, dialect: dialect}
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error {
	return s.pool.Close()
}

// Pool returns the connection pool, for sharing with other stores.
func (s *SQLStore) Pool() *Pool {
	return s.pool
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// wrap classifies a driver error.
func (s *SQLStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if s.dialect.IsConstraint != nil && s.dialect.IsConstraint(err) {
		return constraint(op, err)
	}
	return internal(op, err)
}

const contextColumns = `epoch, coordinator, this_process, state, vote_timeout_start, vote,
	decision_timeout_start, value, coordinator_vote, last_commit_epoch`

func (s *SQLStore) GetCurrentContext(ctx context.Context, svc ids.ServiceID) (twopc.Context, error) {
	var c twopc.Context
	err := s.pool.Read(func(db *sql.DB) error {
		var err error
		c, err = s.loadContext(ctx, db, svc, `
			SELECT `+contextColumns+`
			FROM consensus_2pc_context
			WHERE circuit_id = ? AND service_id = ?
			ORDER BY epoch DESC
			LIMIT 1
		`, svc.Circuit, svc.Service)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return twopc.Context{}, notFound("get current context", "no context for %s", svc)
	}
	if err != nil {
		return twopc.Context{}, s.wrap("get current context", err)
	}
	return c, nil
}

func (s *SQLStore) GetContext(ctx context.Context, svc ids.ServiceID, epoch uint64) (twopc.Context, error) {
	var c twopc.Context
	err := s.pool.Read(func(db *sql.DB) error {
		var err error
		c, err = s.loadContext(ctx, db, svc, `
			SELECT `+contextColumns+`
			FROM consensus_2pc_context
			WHERE circuit_id = ? AND service_id = ? AND epoch = ?
		`, svc.Circuit, svc.Service, int64(epoch))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return twopc.Context{}, notFound("get context", "no context for %s epoch %d", svc, epoch)
	}
	if err != nil {
		return twopc.Context{}, s.wrap("get context", err)
	}
	return c, nil
}

func (s *SQLStore) loadContext(ctx context.Context, q querier, svc ids.ServiceID, query string, args ...any) (twopc.Context, error) {
	var (
		c                    twopc.Context
		epoch                int64
		state                string
		voteTimeoutStart     sql.NullInt64
		vote                 sql.NullBool
		decisionTimeoutStart sql.NullInt64
		value                []byte
		coordinatorVote      sql.NullBool
		lastCommitEpoch      sql.NullInt64
	)
	err := q.QueryRowContext(ctx, s.dialect.Rebind(query), args...).Scan(
		&epoch, &c.Coordinator, &c.ThisProcess, &state, &voteTimeoutStart, &vote,
		&decisionTimeoutStart, &value, &coordinatorVote, &lastCommitEpoch,
	)
	if err != nil {
		return twopc.Context{}, err
	}

	kind := twopc.StateKind(state)
	if !kind.Valid() {
		return twopc.Context{}, fmt.Errorf("unknown state %q", state)
	}
	c.Service = svc
	c.Epoch = uint64(epoch)
	c.Value = value
	c.State = twopc.State{
		Kind:                 kind,
		VoteTimeoutStart:     fromNullTime(voteTimeoutStart),
		Vote:                 vote.Valid && vote.Bool,
		DecisionTimeoutStart: fromNullTime(decisionTimeoutStart),
	}
	c.CoordinatorVote = fromNullBool(coordinatorVote)
	if lastCommitEpoch.Valid {
		e := uint64(lastCommitEpoch.Int64)
		c.LastCommitEpoch = &e
	}

	rows, err := q.QueryContext(ctx, s.dialect.Rebind(`
		SELECT process, vote
		FROM consensus_2pc_context_participant
		WHERE circuit_id = ? AND service_id = ? AND epoch = ?
		ORDER BY position ASC
	`), svc.Circuit, svc.Service, epoch)
	if err != nil {
		return twopc.Context{}, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	c.Participants = []twopc.Participant{}
	for rows.Next() {
		var (
			p    twopc.Participant
			vote sql.NullBool
		)
		if err := rows.Scan(&p.Process, &vote); err != nil {
			return twopc.Context{}, fmt.Errorf("scan participant: %w", err)
		}
		p.Vote = fromNullBool(vote)
		c.Participants = append(c.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return twopc.Context{}, fmt.Errorf("iterate participants: %w", err)
	}
	return c, nil
}

func (s *SQLStore) ListServices(ctx context.Context) ([]ids.ServiceID, error) {
	out := []ids.ServiceID{}
	err := s.pool.Read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT DISTINCT circuit_id, service_id
			FROM consensus_2pc_context
			ORDER BY circuit_id, service_id
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var svc ids.ServiceID
			if err := rows.Scan(&svc.Circuit, &svc.Service); err != nil {
				return err
			}
			out = append(out, svc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, s.wrap("list services", err)
	}
	return out, nil
}

func (s *SQLStore) AddEvent(ctx context.Context, svc ids.ServiceID, epoch uint64, ev twopc.Event, at time.Time) (int64, error) {
	var id int64
	err := s.pool.Write(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.insertEvent(ctx, tx, svc, epoch, ev, at)
		return err
	})
	if err != nil {
		return 0, s.wrap("add event", err)
	}
	return id, nil
}

const eventColumns = `id, circuit_id, service_id, epoch, kind, from_process, message, value, vote, created_at, executed_at`

func (s *SQLStore) NextEvent(ctx context.Context, svc ids.ServiceID, epoch uint64) (EventRecord, bool, error) {
	events, err := s.queryEvents(ctx, "next event", `
		SELECT `+eventColumns+`
		FROM consensus_2pc_event
		WHERE circuit_id = ? AND service_id = ? AND epoch = ? AND executed_at IS NULL
		ORDER BY id ASC
		LIMIT 1
	`, svc.Circuit, svc.Service, int64(epoch))
	if err != nil || len(events) == 0 {
		return EventRecord{}, false, err
	}
	return events[0], true, nil
}

func (s *SQLStore) ListEvents(ctx context.Context, svc ids.ServiceID) ([]EventRecord, error) {
	return s.queryEvents(ctx, "list events", `
		SELECT `+eventColumns+`
		FROM consensus_2pc_event
		WHERE circuit_id = ? AND service_id = ?
		ORDER BY id ASC
	`, svc.Circuit, svc.Service)
}

func (s *SQLStore) ListStaleEvents(ctx context.Context, svc ids.ServiceID, before uint64) ([]EventRecord, error) {
	return s.queryEvents(ctx, "list stale events", `
		SELECT `+eventColumns+`
		FROM consensus_2pc_event
		WHERE circuit_id = ? AND service_id = ? AND epoch < ? AND executed_at IS NULL
		ORDER BY id ASC
	`, svc.Circuit, svc.Service, int64(before))
}

func (s *SQLStore) HasEventsAfter(ctx context.Context, svc ids.ServiceID, epoch uint64) (bool, error) {
	return s.exists(ctx, "has events after", `
		SELECT COUNT(*) FROM consensus_2pc_event
		WHERE circuit_id = ? AND service_id = ? AND epoch > ? AND executed_at IS NULL
	`, svc.Circuit, svc.Service, int64(epoch))
}

func (s *SQLStore) HasEvent(ctx context.Context, svc ids.ServiceID, epoch uint64, kind twopc.EventKind) (bool, error) {
	return s.exists(ctx, "has event", `
		SELECT COUNT(*) FROM consensus_2pc_event
		WHERE circuit_id = ? AND service_id = ? AND epoch = ? AND kind = ?
	`, svc.Circuit, svc.Service, int64(epoch), string(kind))
}

func (s *SQLStore) exists(ctx context.Context, op, query string, args ...any) (bool, error) {
	var count int64
	err := s.pool.Read(func(db *sql.DB) error {
		return db.QueryRowContext(ctx, s.dialect.Rebind(query), args...).Scan(&count)
	})
	if err != nil {
		return false, s.wrap(op, err)
	}
	return count > 0, nil
}

func (s *SQLStore) PurgeStaleEvents(ctx context.Context, svc ids.ServiceID, before uint64) (int64, error) {
	var n int64
	err := s.pool.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			DELETE FROM consensus_2pc_event
			WHERE circuit_id = ? AND service_id = ? AND epoch < ? AND executed_at IS NULL
		`), svc.Circuit, svc.Service, int64(before))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, s.wrap("purge stale events", err)
	}
	return n, nil
}

func (s *SQLStore) queryEvents(ctx context.Context, op, query string, args ...any) ([]EventRecord, error) {
	out := []EventRecord{}
	err := s.pool.Read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, s.dialect.Rebind(query), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanEvent(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, s.wrap(op, err)
	}
	return out, nil
}

const actionColumns = `id, circuit_id, service_id, epoch, kind, to_process, message, value, notification_kind, created_at, executed_at`

func (s *SQLStore) ListPendingActions(ctx context.Context, svc ids.ServiceID) ([]ActionRecord, error) {
	return s.queryActions(ctx, "list pending actions", `
		SELECT `+actionColumns+`
		FROM consensus_2pc_action
		WHERE circuit_id = ? AND service_id = ? AND executed_at IS NULL
		ORDER BY id ASC
	`, svc.Circuit, svc.Service)
}

func (s *SQLStore) ListActions(ctx context.Context, svc ids.ServiceID) ([]ActionRecord, error) {
	return s.queryActions(ctx, "list actions", `
		SELECT `+actionColumns+`
		FROM consensus_2pc_action
		WHERE circuit_id = ? AND service_id = ?
		ORDER BY id ASC
	`, svc.Circuit, svc.Service)
}

func (s *SQLStore) queryActions(ctx context.Context, op, query string, args ...any) ([]ActionRecord, error) {
	out := []ActionRecord{}
	err := s.pool.Read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, s.dialect.Rebind(query), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanAction(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, s.wrap(op, err)
	}
	return out, nil
}

func (s *SQLStore) MarkActionExecuted(ctx context.Context, id int64, at time.Time) error {
	return s.markExecuted(ctx, "mark action executed", "consensus_2pc_action", id, at)
}

func (s *SQLStore) MarkNotificationExecuted(ctx context.Context, id int64, at time.Time) error {
	return s.markExecuted(ctx, "mark notification executed", "consensus_2pc_supervisor_notification", id, at)
}

// markExecuted sets executed_at on a row of table. table is a constant
// supplied by the caller, never user input.
func (s *SQLStore) markExecuted(ctx context.Context, op, table string, id int64, at time.Time) error {
	err := s.pool.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.dialect.Rebind(
			"UPDATE "+table+" SET executed_at = ? WHERE id = ?"),
			toUnix(at), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound(op, "no row %d in %s", id, table)
		}
		return nil
	})
	return s.wrap(op, err)
}

func (s *SQLStore) GetAlarm(ctx context.Context, svc ids.ServiceID, typ AlarmType) (time.Time, bool, error) {
	var wakeAt int64
	err := s.pool.Read(func(db *sql.DB) error {
		return db.QueryRowContext(ctx, s.dialect.Rebind(`
			SELECT wake_at FROM consensus_2pc_alarm
			WHERE circuit_id = ? AND service_id = ? AND alarm_type = ?
		`), svc.Circuit, svc.Service, string(typ)).Scan(&wakeAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, s.wrap("get alarm", err)
	}
	return fromUnix(wakeAt), true, nil
}

func (s *SQLStore) AddCommitEntry(ctx context.Context, entry CommitEntry) error {
	err := s.pool.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO consensus_2pc_commit_history
			(circuit_id, service_id, epoch, decision, value, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`), entry.Service.Circuit, entry.Service.Service, int64(entry.Epoch),
			string(entry.Decision), entry.Value, toUnix(entry.CreatedAt))
		return err
	})
	return s.wrap("add commit entry", err)
}

func (s *SQLStore) GetCommitEntry(ctx context.Context, svc ids.ServiceID, epoch uint64) (CommitEntry, error) {
	entries, err := s.queryCommitEntries(ctx, "get commit entry", `
		SELECT epoch, decision, value, created_at
		FROM consensus_2pc_commit_history
		WHERE circuit_id = ? AND service_id = ? AND epoch = ?
	`, svc, svc.Circuit, svc.Service, int64(epoch))
	if err != nil {
		return CommitEntry{}, err
	}
	if len(entries) == 0 {
		return CommitEntry{}, notFound("get commit entry", "no commit entry for %s epoch %d", svc, epoch)
	}
	return entries[0], nil
}

func (s *SQLStore) ListCommitEntries(ctx context.Context, svc ids.ServiceID) ([]CommitEntry, error) {
	return s.queryCommitEntries(ctx, "list commit entries", `
		SELECT epoch, decision, value, created_at
		FROM consensus_2pc_commit_history
		WHERE circuit_id = ? AND service_id = ?
		ORDER BY epoch ASC
	`, svc, svc.Circuit, svc.Service)
}

func (s *SQLStore) queryCommitEntries(ctx context.Context, op, query string, svc ids.ServiceID, args ...any) ([]CommitEntry, error) {
	out := []CommitEntry{}
	err := s.pool.Read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, s.dialect.Rebind(query), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				e         CommitEntry
				epoch     int64
				decision  string
				createdAt int64
			)
			if err := rows.Scan(&epoch, &decision, &e.Value, &createdAt); err != nil {
				return err
			}
			e.Service = svc
			e.Epoch = uint64(epoch)
			e.Decision = Decision(decision)
			e.CreatedAt = fromUnix(createdAt)
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, s.wrap(op, err)
	}
	return out, nil
}

func (s *SQLStore) AddNotification(ctx context.Context, svc ids.ServiceID, at time.Time) (int64, error) {
	var id int64
	err := s.pool.Write(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, s.dialect.Rebind(`
			INSERT INTO consensus_2pc_supervisor_notification
			(circuit_id, service_id, created_at)
			VALUES (?, ?, ?)
			RETURNING id
		`), svc.Circuit, svc.Service, toUnix(at)).Scan(&id)
	})
	if err != nil {
		return 0, s.wrap("add notification", err)
	}
	return id, nil
}

func (s *SQLStore) ListUnexecutedNotifications(ctx context.Context) ([]Notification, error) {
	out := []Notification{}
	err := s.pool.Read(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT id, circuit_id, service_id, created_at
			FROM consensus_2pc_supervisor_notification
			WHERE executed_at IS NULL
			ORDER BY id ASC
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				n         Notification
				createdAt int64
			)
			if err := rows.Scan(&n.ID, &n.Service.Circuit, &n.Service.Service, &createdAt); err != nil {
				return err
			}
			n.CreatedAt = fromUnix(createdAt)
			out = append(out, n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, s.wrap("list unexecuted notifications", err)
	}
	return out, nil
}

func (s *SQLStore) EnqueueBatch(ctx context.Context, batch Batch) error {
	err := s.pool.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO consensus_2pc_batch (id, circuit_id, service_id, value, created_at)
			VALUES (?, ?, ?, ?, ?)
		`), batch.ID, batch.Service.Circuit, batch.Service.Service, batch.Value, toUnix(batch.CreatedAt))
		return err
	})
	return s.wrap("enqueue batch", err)
}

func (s *SQLStore) PeekBatch(ctx context.Context, svc ids.ServiceID) (Batch, bool, error) {
	var (
		b         Batch
		createdAt int64
	)
	err := s.pool.Read(func(db *sql.DB) error {
		return db.QueryRowContext(ctx, s.dialect.Rebind(`
			SELECT id, value, created_at
			FROM consensus_2pc_batch
			WHERE circuit_id = ? AND service_id = ?
			ORDER BY seq ASC
			LIMIT 1
		`), svc.Circuit, svc.Service).Scan(&b.ID, &b.Value, &createdAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Batch{}, false, nil
	}
	if err != nil {
		return Batch{}, false, s.wrap("peek batch", err)
	}
	b.Service = svc
	b.CreatedAt = fromUnix(createdAt)
	return b, true, nil
}

func (s *SQLStore) CountBatches(ctx context.Context, svc ids.ServiceID) (int, error) {
	var n int
	err := s.pool.Read(func(db *sql.DB) error {
		return db.QueryRowContext(ctx, s.dialect.Rebind(`
			SELECT COUNT(*) FROM consensus_2pc_batch WHERE circuit_id = ? AND service_id = ?
		`), svc.Circuit, svc.Service).Scan(&n)
	})
	if err != nil {
		return 0, s.wrap("count batches", err)
	}
	return n, nil
}

// Execute applies cmds in one transaction.
func (s *SQLStore) Execute(ctx context.Context, cmds ...Command) error {
	err := s.pool.Write(ctx, func(tx *sql.Tx) error {
		for _, cmd := range cmds {
			if err := s.apply(ctx, tx, cmd); err != nil {
				return err
			}
		}
		return nil
	})
	return s.wrap("execute", err)
}

func (s *SQLStore) apply(ctx context.Context, tx *sql.Tx, cmd Command) error {
	svc := cmd.Service
	switch cmd.Kind {
	case CmdPersistContext:
		return s.persistContext(ctx, tx, cmd.Context)

	case CmdAppendEvent:
		_, err := s.insertEvent(ctx, tx, svc, cmd.Epoch, cmd.Event, cmd.At)
		return err

	case CmdAppendAction:
		return s.insertAction(ctx, tx, svc, cmd.Epoch, cmd.Action, cmd.At)

	case CmdMarkEventComplete:
		res, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE consensus_2pc_event SET executed_at = ?
			WHERE id = ? AND executed_at IS NULL
		`), toUnix(cmd.At), cmd.EventID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return constraint("mark event complete", fmt.Errorf("event %d missing or already complete", cmd.EventID))
		}
		return nil

	case CmdSetAlarm:
		_, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO consensus_2pc_alarm (circuit_id, service_id, alarm_type, wake_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (circuit_id, service_id, alarm_type)
			DO UPDATE SET wake_at = excluded.wake_at
		`), svc.Circuit, svc.Service, string(cmd.AlarmType), toUnix(cmd.At))
		return err

	case CmdUnsetAlarm:
		_, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			DELETE FROM consensus_2pc_alarm
			WHERE circuit_id = ? AND service_id = ? AND alarm_type = ?
		`), svc.Circuit, svc.Service, string(cmd.AlarmType))
		return err

	case CmdRemoveBatch:
		_, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			DELETE FROM consensus_2pc_batch WHERE circuit_id = ? AND service_id = ? AND id = ?
		`), svc.Circuit, svc.Service, cmd.BatchID)
		return err

	case CmdRemoveService:
		// Participants first: the foreign key is not relied upon.
		for _, table := range []string{
			"consensus_2pc_context_participant",
			"consensus_2pc_context",
			"consensus_2pc_event",
			"consensus_2pc_action",
			"consensus_2pc_alarm",
			"consensus_2pc_supervisor_notification",
			"consensus_2pc_batch",
		} {
			if _, err := tx.ExecContext(ctx, s.dialect.Rebind(
				"DELETE FROM "+table+" WHERE circuit_id = ? AND service_id = ?"),
				svc.Circuit, svc.Service); err != nil {
				return fmt.Errorf("remove service from %s: %w", table, err)
			}
		}
		return nil

	default:
		return internal("execute", fmt.Errorf("unknown command %s", cmd.Kind))
	}
}

func (s *SQLStore) persistContext(ctx context.Context, tx *sql.Tx, c twopc.Context) error {
	svc := c.Service
	var current int64
	err := tx.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT epoch FROM consensus_2pc_context
		WHERE circuit_id = ? AND service_id = ?
		ORDER BY epoch DESC
		LIMIT 1`+s.dialect.ForUpdate), svc.Circuit, svc.Service).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read current epoch: %w", err)
	}
	if err := checkEpoch(uint64(current), c.Epoch); err != nil {
		return constraint("persist context", err)
	}

	var lastCommit any
	if c.LastCommitEpoch != nil {
		lastCommit = int64(*c.LastCommitEpoch)
	}
	var vote any
	if c.State.Kind == twopc.StateVoted {
		vote = c.State.Vote
	}

	_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO consensus_2pc_context
		(circuit_id, service_id, epoch, coordinator, this_process, state, vote_timeout_start,
		 vote, decision_timeout_start, value, coordinator_vote, last_commit_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (circuit_id, service_id, epoch) DO UPDATE SET
			coordinator = excluded.coordinator,
			this_process = excluded.this_process,
			state = excluded.state,
			vote_timeout_start = excluded.vote_timeout_start,
			vote = excluded.vote,
			decision_timeout_start = excluded.decision_timeout_start,
			value = excluded.value,
			coordinator_vote = excluded.coordinator_vote,
			last_commit_epoch = excluded.last_commit_epoch
	`),
		svc.Circuit, svc.Service, int64(c.Epoch), c.Coordinator, c.ThisProcess,
		string(c.State.Kind), toNullTime(c.State.VoteTimeoutStart), vote,
		toNullTime(c.State.DecisionTimeoutStart), c.Value, toNullBool(c.CoordinatorVote), lastCommit,
	)
	if err != nil {
		return fmt.Errorf("upsert context: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`
		DELETE FROM consensus_2pc_context_participant
		WHERE circuit_id = ? AND service_id = ? AND epoch = ?
	`), svc.Circuit, svc.Service, int64(c.Epoch)); err != nil {
		return fmt.Errorf("clear participants: %w", err)
	}
	for i, p := range c.Participants {
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO consensus_2pc_context_participant
			(circuit_id, service_id, epoch, position, process, vote)
			VALUES (?, ?, ?, ?, ?, ?)
		`), svc.Circuit, svc.Service, int64(c.Epoch), i, p.Process, toNullBool(p.Vote)); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) insertEvent(ctx context.Context, tx *sql.Tx, svc ids.ServiceID, epoch uint64, ev twopc.Event, at time.Time) (int64, error) {
	row, err := encodeEvent(ev)
	if err != nil {
		return 0, internal("encode event", err)
	}
	var id int64
	err = tx.QueryRowContext(ctx, s.dialect.Rebind(`
		INSERT INTO consensus_2pc_event
		(circuit_id, service_id, epoch, kind, from_process, message, value, vote, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), svc.Circuit, svc.Service, int64(epoch), string(ev.Kind), row.from, row.message,
		row.value, row.vote, toUnix(at)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

func (s *SQLStore) insertAction(ctx context.Context, tx *sql.Tx, svc ids.ServiceID, epoch uint64, a twopc.Action, at time.Time) error {
	row, err := encodeAction(a)
	if err != nil {
		return internal("encode action", err)
	}
	_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO consensus_2pc_action
		(circuit_id, service_id, epoch, kind, to_process, message, value, notification_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), svc.Circuit, svc.Service, int64(epoch), string(a.Kind), row.to, row.message,
		row.value, row.notification, toUnix(at))
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

var _ ScabbardStore = (*SQLStore)(nil)
