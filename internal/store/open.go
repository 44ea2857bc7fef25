package store

import (
	"context"
	"fmt"
)

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Driver       string
	DSN          string
	MaxOpenConns int
}

// Open returns the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (ScabbardStore, error) {
	switch opts.Driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite, "":
		if opts.DSN == "" {
			return nil, fmt.Errorf("open store: sqlite requires a dsn")
		}
		return OpenSQLite(opts.DSN)
	case DriverPostgres:
		if opts.DSN == "" {
			return nil, fmt.Errorf("open store: postgres requires a dsn")
		}
		return OpenPostgres(ctx, opts.DSN, opts.MaxOpenConns)
	default:
		return nil, fmt.Errorf("open store: unknown driver %q", opts.Driver)
	}
}
