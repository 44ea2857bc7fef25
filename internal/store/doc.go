// Package store provides durable storage for scabbard two-phase-commit
// consensus.
//
// The store holds, per service:
//   - Contexts: one consensus context per (service, epoch); the highest
//     epoch is current
//   - Events: inbound triggers, ordered by id, unprocessed until marked
//     complete
//   - Actions: outbound effects, pending until the supervisor executes them
//   - Alarms: at most one wake-up per (service, alarm type)
//   - Commit history: the decision taken for every finished epoch
//   - Supervisor notifications: queued supervisor work, for crash recovery
//   - Batches: values waiting for a coordinator epoch
//
// # Transactions
//
// All mutations belonging to one state transition are expressed as a slice of
// Command values and applied by Execute inside a single transaction. Callers
// never observe a partially applied transition; a failed Execute leaves every
// record unchanged.
//
// # Backends
//
//   - MemoryStore: mutex-guarded maps, for tests
//   - SQLStore: database/sql with a SQLite dialect (mattn/go-sqlite3) or a
//     PostgreSQL dialect (jackc/pgx). Every table is keyed by
//     (circuit_id, service_id[, epoch]).
//
// SQL backends receive their connections through a Pool, a read/write-lock
// guarded handle. SQLite pools are write-exclusive: a writer holds the lock
// for the whole transaction so concurrent writers never hit SQLITE_BUSY.
//
// # Ordering
//
// Every list query orders by the record's integer id. Ids are assigned in
// insertion order, never derived from timestamps.
package store
