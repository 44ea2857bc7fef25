// Package config loads the scabbard node configuration.
//
// The file is YAML. ${VAR} and ${VAR:default} references are expanded from
// the environment before parsing, then the document is validated against
// the embedded CUE schema, which also supplies every default.
//
//	node:
//	  circuit: payments
//	  services: [alpha, beta, gamma]
//	store:
//	  driver: sqlite
//	  dsn: ${SCABBARD_DB:./scabbard.db}
//	consensus:
//	  vote_timeout: 30s
//	  decision_timeout: 30s
//	timer:
//	  interval: 1s
//	  stale_retention_epochs: 100
//	metrics:
//	  addr: ":9090"
//	tracing:
//	  enabled: false
//	log:
//	  level: info
//	  format: text
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/store"
)

//go:embed schema.cue
var schemaSource string

// ErrInvalid is returned for configuration that does not satisfy the schema.
var ErrInvalid = errors.New("invalid configuration")

// Config is a validated node configuration with defaults applied.
type Config struct {
	Node      Node
	Store     store.Options
	Consensus Consensus
	Timer     Timer
	Metrics   Metrics
	Tracing   Tracing
	Log       Log
}

// Node lists the services of the circuit hosted by this process.
type Node struct {
	Circuit  string
	Services []string
}

// Consensus holds the protocol timeouts.
type Consensus struct {
	VoteTimeout     time.Duration
	DecisionTimeout time.Duration
}

// Timer configures the poller.
type Timer struct {
	Interval             time.Duration
	StaleRetentionEpochs uint64
}

// Metrics configures the Prometheus endpoint. An empty Addr disables it.
type Metrics struct {
	Addr string
}

// Tracing toggles the stdout span exporter.
type Tracing struct {
	Enabled bool
}

// Log configures the default logger.
type Log struct {
	Level  string
	Format string
}

// ServiceIDs returns the identities of every configured service.
func (c *Config) ServiceIDs() []ids.ServiceID {
	out := make([]ids.ServiceID, len(c.Node.Services))
	for i, name := range c.Node.Services {
		out[i] = ids.New(c.Node.Circuit, name)
	}
	return out
}

// Peers returns the services of the circuit other than name.
func (c *Config) Peers(name string) []string {
	peers := make([]string, 0, len(c.Node.Services))
	for _, s := range c.Node.Services {
		if s != name {
			peers = append(peers, s)
		}
	}
	return peers
}

// file mirrors the schema; cue decodes into it through the json tags.
type file struct {
	Node struct {
		Circuit  string   `json:"circuit"`
		Services []string `json:"services"`
	} `json:"node"`
	Store struct {
		Driver       string `json:"driver"`
		DSN          string `json:"dsn"`
		MaxOpenConns int    `json:"max_open_conns"`
	} `json:"store"`
	Consensus struct {
		VoteTimeout     string `json:"vote_timeout"`
		DecisionTimeout string `json:"decision_timeout"`
	} `json:"consensus"`
	Timer struct {
		Interval             string `json:"interval"`
		StaleRetentionEpochs uint64 `json:"stale_retention_epochs"`
	} `json:"timer"`
	Metrics struct {
		Addr string `json:"addr"`
	} `json:"metrics"`
	Tracing struct {
		Enabled bool `json:"enabled"`
	} `json:"tracing"`
	Log struct {
		Level  string `json:"level"`
		Format string `json:"format"`
	} `json:"log"`
}

// Load reads, expands and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse expands and validates a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	expanded, err := ExpandEnv(string(data))
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Final(), cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, cueerrors.Details(err, nil))
	}

	var f file
	if err := v.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return f.resolve()
}

func (f *file) resolve() (*Config, error) {
	cfg := &Config{
		Node: Node{Circuit: f.Node.Circuit, Services: f.Node.Services},
		Store: store.Options{
			Driver:       f.Store.Driver,
			DSN:          f.Store.DSN,
			MaxOpenConns: f.Store.MaxOpenConns,
		},
		Timer:   Timer{StaleRetentionEpochs: f.Timer.StaleRetentionEpochs},
		Metrics: Metrics{Addr: f.Metrics.Addr},
		Tracing: Tracing{Enabled: f.Tracing.Enabled},
		Log:     Log{Level: f.Log.Level, Format: f.Log.Format},
	}

	seen := make(map[string]bool, len(cfg.Node.Services))
	for _, s := range cfg.Node.Services {
		if seen[s] {
			return nil, fmt.Errorf("%w: node.services: duplicate service %q", ErrInvalid, s)
		}
		seen[s] = true
	}
	if cfg.Store.Driver != store.DriverMemory && cfg.Store.DSN == "" {
		return nil, fmt.Errorf("%w: store.dsn is required for driver %s", ErrInvalid, cfg.Store.Driver)
	}

	var err error
	durations := []struct {
		name string
		raw  string
		into *time.Duration
	}{
		{"consensus.vote_timeout", f.Consensus.VoteTimeout, &cfg.Consensus.VoteTimeout},
		{"consensus.decision_timeout", f.Consensus.DecisionTimeout, &cfg.Consensus.DecisionTimeout},
		{"timer.interval", f.Timer.Interval, &cfg.Timer.Interval},
	}
	for _, d := range durations {
		if *d.into, err = time.ParseDuration(d.raw); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, d.name, err)
		}
		if *d.into <= 0 {
			return nil, fmt.Errorf("%w: %s must be positive", ErrInvalid, d.name)
		}
	}
	return cfg, nil
}
