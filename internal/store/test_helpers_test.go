package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/twopc"
)

var (
	t0   = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svcA = ids.New("circ", "a")
	svcB = ids.New("circ", "b")
)

// createSQLiteStore creates a SQLite store in a temp directory.
func createSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// backends returns a constructor per available backend. PostgreSQL is
// included when SCABBARD_TEST_POSTGRES_DSN is set; the test services are
// removed before and after each use.
func backends(t *testing.T) map[string]func(t *testing.T) ScabbardStore {
	t.Helper()
	out := map[string]func(t *testing.T) ScabbardStore{
		"memory": func(t *testing.T) ScabbardStore { return NewMemoryStore() },
		"sqlite": func(t *testing.T) ScabbardStore { return createSQLiteStore(t) },
	}
	if dsn := os.Getenv("SCABBARD_TEST_POSTGRES_DSN"); dsn != "" {
		out["postgres"] = func(t *testing.T) ScabbardStore {
			s, err := OpenPostgres(context.Background(), dsn, 4)
			if err != nil {
				t.Fatalf("OpenPostgres() failed: %v", err)
			}
			reset := func() {
				ctx := context.Background()
				for _, svc := range []ids.ServiceID{svcA, svcB} {
					_ = s.Execute(ctx, RemoveService(svc))
					_ = s.pool.Write(ctx, func(tx *sql.Tx) error {
						_, err := tx.ExecContext(ctx, `DELETE FROM consensus_2pc_commit_history WHERE circuit_id = $1 AND service_id = $2`, svc.Circuit, svc.Service)
						return err
					})
				}
			}
			reset()
			t.Cleanup(func() {
				reset()
				s.Close()
			})
			return s
		}
	}
	return out
}

// testContext returns a coordinator context for svc with two peers.
func testContext(svc ids.ServiceID, epoch uint64) twopc.Context {
	c := twopc.NewContext(svc, 1, []string{"y", "z"})
	for c.Epoch < epoch {
		c = c.Next()
	}
	return c
}
