package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scabbard/internal/ids"
)

const minimal = `
node:
  circuit: circ
  services: [a, b, c]
store:
  driver: memory
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "circ", cfg.Node.Circuit)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Node.Services)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Consensus.VoteTimeout)
	assert.Equal(t, 30*time.Second, cfg.Consensus.DecisionTimeout)
	assert.Equal(t, time.Second, cfg.Timer.Interval)
	assert.Zero(t, cfg.Timer.StaleRetentionEpochs)
	assert.Empty(t, cfg.Metrics.Addr)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestParse_Full(t *testing.T) {
	cfg, err := Parse([]byte(`
node:
  circuit: payments
  services: [alpha, beta]
store:
  driver: postgres
  dsn: postgres://localhost/scabbard
  max_open_conns: 8
consensus:
  vote_timeout: 5s
  decision_timeout: 1m30s
timer:
  interval: 250ms
  stale_retention_epochs: 100
metrics:
  addr: ":9090"
tracing:
  enabled: true
log:
  level: debug
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 8, cfg.Store.MaxOpenConns)
	assert.Equal(t, 5*time.Second, cfg.Consensus.VoteTimeout)
	assert.Equal(t, 90*time.Second, cfg.Consensus.DecisionTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Timer.Interval)
	assert.Equal(t, uint64(100), cfg.Timer.StaleRetentionEpochs)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing node", "store: {driver: memory}"},
		{"no services", "node: {circuit: c, services: []}\nstore: {driver: memory}"},
		{"separator in name", "node: {circuit: c, services: ['a::x', b]}\nstore: {driver: memory}"},
		{"unknown section", minimal + "extra: {}"},
		{"unknown field", minimal + "timer: {every: 1s}"},
		{"unknown driver", "node: {circuit: c, services: [a, b]}\nstore: {driver: mysql, dsn: x}"},
		{"bad duration", minimal + "consensus: {vote_timeout: soon}"},
		{"zero duration", minimal + "consensus: {vote_timeout: 0s}"},
		{"negative retention", minimal + "timer: {stale_retention_epochs: -1}"},
		{"bad log level", minimal + "log: {level: loud}"},
		{"sqlite without dsn", "node: {circuit: c, services: [a, b]}"},
		{"duplicate service", "node: {circuit: c, services: [a, a]}\nstore: {driver: memory}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestParse_SingleService(t *testing.T) {
	cfg, err := Parse([]byte("node: {circuit: c, services: [solo]}\nstore: {driver: memory}"))
	require.NoError(t, err)
	assert.Equal(t, []string{"solo"}, cfg.Node.Services)
	assert.Empty(t, cfg.Peers("solo"))
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("node: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestParse_ExpandsEnvironment(t *testing.T) {
	t.Setenv("SCABBARD_TEST_DSN", "/tmp/from-env.db")

	cfg, err := Parse([]byte(`
node: {circuit: c, services: [a, b]}
store:
  dsn: ${SCABBARD_TEST_DSN}
log:
  level: ${SCABBARD_TEST_UNSET_LEVEL:warn}
`))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/from-env.db", cfg.Store.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("SCABBARD_TEST_A", "one")

	out, err := ExpandEnv("${SCABBARD_TEST_A}-${SCABBARD_TEST_UNSET:two}-${SCABBARD_TEST_UNSET:}")
	require.NoError(t, err)
	assert.Equal(t, "one-two-", out)

	_, err = ExpandEnv("${SCABBARD_TEST_UNSET}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCABBARD_TEST_UNSET")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scabbard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []ids.ServiceID{ids.New("circ", "a"), ids.New("circ", "b"), ids.New("circ", "c")}, cfg.ServiceIDs())
	assert.Equal(t, []string{"a", "c"}, cfg.Peers("b"))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
