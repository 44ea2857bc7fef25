package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y = ?"
	assert.Equal(t, q, SQLiteDialect.Rebind(q))
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", PostgresDialect.Rebind(q))
}

func TestStatements_SplitsAndStripsComments(t *testing.T) {
	d := Dialect{Schema: `
-- leading comment
CREATE TABLE a (x INTEGER);

-- second
CREATE INDEX i ON a (x);
`}
	assert.Equal(t, []string{
		"CREATE TABLE a (x INTEGER)",
		"CREATE INDEX i ON a (x)",
	}, d.statements())
}

func TestSchemas_SameTables(t *testing.T) {
	count := func(d Dialect) int {
		n := 0
		for _, s := range d.statements() {
			if len(s) > 12 && s[:12] == "CREATE TABLE" {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 8, count(SQLiteDialect))
	assert.Equal(t, count(SQLiteDialect), count(PostgresDialect))
}

func TestPool_WriteRollsBackOnError(t *testing.T) {
	s := createSQLiteStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.pool.Write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO consensus_2pc_alarm (circuit_id, service_id, alarm_type, wake_at) VALUES ('c', 's', 'T', 1)`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, ok, err := s.GetAlarm(ctx, svcA, AlarmTwoPhaseCommit)
	require.NoError(t, err)
	assert.False(t, ok)

	var n int
	require.NoError(t, s.pool.Read(func(db *sql.DB) error {
		return db.QueryRow(`SELECT COUNT(*) FROM consensus_2pc_alarm`).Scan(&n)
	}))
	assert.Zero(t, n)
}

func TestPool_ClosedRejectsWork(t *testing.T) {
	s := createSQLiteStore(t)
	require.NoError(t, s.pool.Close())

	err := s.pool.Write(context.Background(), func(*sql.Tx) error { return nil })
	assert.ErrorIs(t, err, ErrInternal)
	err = s.pool.Read(func(*sql.DB) error { return nil })
	assert.ErrorIs(t, err, ErrInternal)
}
