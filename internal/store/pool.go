package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Pool is a shared database handle guarded by a read/write lock.
//
// Write transactions take the write lock when the pool is write-exclusive
// (SQLite allows a single writer) and the read lock otherwise, leaving
// concurrency control to the database's row locks (PostgreSQL). Reads always
// take the read lock, so Close waits for in-flight work.
//
// A Pool is created once per database and injected into every store that
// uses it.
type Pool struct {
	mu        sync.RWMutex
	db        *sql.DB
	exclusive bool
	closed    bool
}

// NewPool wraps db. exclusive makes write transactions mutually exclusive.
func NewPool(db *sql.DB, exclusive bool) *Pool {
	return &Pool{db: db, exclusive: exclusive}
}

// Read runs fn with the read lock held.
func (p *Pool) Read(fn func(db *sql.DB) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return internal("pool read", fmt.Errorf("pool is closed"))
	}
	return fn(p.db)
}

// Write runs fn inside a transaction. The transaction commits if fn returns
// nil and rolls back otherwise.
func (p *Pool) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if p.exclusive {
		p.mu.Lock()
		defer p.mu.Unlock()
	} else {
		p.mu.RLock()
		defer p.mu.RUnlock()
	}
	if p.closed {
		return internal("pool write", fmt.Errorf("pool is closed"))
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return internal("begin tx", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return internal("commit tx", err)
	}
	return nil
}

// Close closes the database once every in-flight operation has finished.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}
