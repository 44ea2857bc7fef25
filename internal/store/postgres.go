package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed schema_postgres.sql
var postgresSchema string

// PostgresDialect is the dialect for the pgx database/sql driver.
var PostgresDialect = Dialect{
	Name:      "pgx",
	Schema:    postgresSchema,
	ForUpdate: " FOR UPDATE",
	Numbered:  true,
	IsConstraint: func(err error) bool {
		var pe *pgconn.PgError
		// Class 23: integrity constraint violation.
		return errors.As(err, &pe) && strings.HasPrefix(pe.Code, "23")
	},
}

// OpenPostgres connects to a PostgreSQL database and applies the schema.
// The pool is bounded by maxOpenConns and is not write-exclusive: different
// services write concurrently, serialized per service by row locks.
func OpenPostgres(ctx context.Context, dsn string, maxOpenConns int) (*SQLStore, error) {
	db, err := sql.Open(PostgresDialect.Name, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = 8
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	for _, stmt := range PostgresDialect.statements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return NewSQLStore(NewPool(db, false), PostgresDialect), nil
}
