// Package lifecycle turns service lifecycle steps into store commands.
//
// The surrounding lifecycle framework owns the transaction: each CommandTo*
// method only reads the store to validate and returns the commands to run.
// Apply executes them as one unit.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/store"
	"github.com/roach88/scabbard/internal/twopc"
)

// ArgPeerServices is the argument key listing the other services of the
// circuit.
const ArgPeerServices = "peer_services"

var (
	// ErrInvalidArguments is returned when lifecycle arguments are malformed.
	ErrInvalidArguments = errors.New("invalid lifecycle arguments")

	// ErrNotPrepared is returned for steps that need a prepared service.
	ErrNotPrepared = errors.New("service not prepared")

	// ErrAlreadyPrepared is returned when prepare would change the peers of
	// an existing service.
	ErrAlreadyPrepared = errors.New("service already prepared")
)

// Step names a lifecycle step.
type Step string

const (
	StepPrepare  Step = "prepare"
	StepFinalize Step = "finalize"
	StepRetire   Step = "retire"
	StepPurge    Step = "purge"
)

// Arguments are the lifecycle arguments of a service.
type Arguments struct {
	PeerServices []string `yaml:"peer_services" json:"peer_services"`
}

// ParseArguments reads Arguments from key/value pairs. The peer_services
// value is either a YAML/JSON sequence ("[b, c]") or a comma-separated list.
func ParseArguments(pairs map[string]string) (Arguments, error) {
	var args Arguments
	for k, v := range pairs {
		if k != ArgPeerServices {
			return Arguments{}, fmt.Errorf("%w: unknown argument %q", ErrInvalidArguments, k)
		}
		peers, err := parseList(v)
		if err != nil {
			return Arguments{}, fmt.Errorf("%w: %s: %w", ErrInvalidArguments, k, err)
		}
		args.PeerServices = peers
	}
	return args, nil
}

func parseList(v string) ([]string, error) {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "[") {
		var out []string
		if err := yaml.Unmarshal([]byte(v), &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	if v == "" {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts, nil
}

// Validate checks the arguments for svc: no empty names, no duplicates, and
// svc itself not listed. An empty list prepares a circuit of one service.
func (a Arguments) Validate(svc ids.ServiceID) error {
	seen := make(map[string]bool, len(a.PeerServices))
	for _, p := range a.PeerServices {
		peer := svc.Peer(p)
		if err := peer.Validate(); err != nil {
			return fmt.Errorf("%w: peer %q: %w", ErrInvalidArguments, p, err)
		}
		if peer.Service == svc.Service {
			return fmt.Errorf("%w: %s lists the service itself", ErrInvalidArguments, ArgPeerServices)
		}
		if seen[peer.Service] {
			return fmt.Errorf("%w: duplicate peer %q", ErrInvalidArguments, p)
		}
		seen[peer.Service] = true
	}
	return nil
}

// Lifecycle builds lifecycle commands against a store.
type Lifecycle struct {
	store store.ScabbardStore
}

// New creates a Lifecycle.
func New(s store.ScabbardStore) *Lifecycle {
	return &Lifecycle{store: s}
}

// CommandToPrepare returns the command creating the epoch-1 context of svc.
// Preparing an already prepared service with the same peers returns no
// commands.
func (l *Lifecycle) CommandToPrepare(ctx context.Context, svc ids.ServiceID, args Arguments) ([]store.Command, error) {
	if err := svc.Validate(); err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	if err := args.Validate(svc); err != nil {
		return nil, fmt.Errorf("prepare %s: %w", svc, err)
	}

	c := twopc.NewContext(svc, 1, args.PeerServices)

	existing, err := l.store.GetCurrentContext(ctx, svc)
	switch {
	case err == nil:
		if slices.Equal(existing.Peers(), c.Peers()) {
			return nil, nil
		}
		return nil, fmt.Errorf("prepare %s: %w with peers %v", svc, ErrAlreadyPrepared, existing.Peers())
	case !store.IsNotFound(err):
		return nil, fmt.Errorf("prepare %s: %w", svc, err)
	}
	return []store.Command{store.PersistContext(c)}, nil
}

// CommandToFinalize checks that svc was prepared. Nothing durable changes.
func (l *Lifecycle) CommandToFinalize(ctx context.Context, svc ids.ServiceID, _ Arguments) ([]store.Command, error) {
	if _, err := l.store.GetCurrentContext(ctx, svc); err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("finalize %s: %w", svc, ErrNotPrepared)
		}
		return nil, fmt.Errorf("finalize %s: %w", svc, err)
	}
	return nil, nil
}

// CommandToRetire stops the service from waking up. Its records stay.
func (l *Lifecycle) CommandToRetire(_ context.Context, svc ids.ServiceID, _ Arguments) ([]store.Command, error) {
	return []store.Command{store.UnsetAlarm(svc, store.AlarmTwoPhaseCommit)}, nil
}

// CommandToPurge removes every record of svc except its commit history.
func (l *Lifecycle) CommandToPurge(_ context.Context, svc ids.ServiceID, _ Arguments) ([]store.Command, error) {
	return []store.Command{store.RemoveService(svc)}, nil
}

// CommandTo dispatches on step.
func (l *Lifecycle) CommandTo(ctx context.Context, step Step, svc ids.ServiceID, args Arguments) ([]store.Command, error) {
	switch step {
	case StepPrepare:
		return l.CommandToPrepare(ctx, svc, args)
	case StepFinalize:
		return l.CommandToFinalize(ctx, svc, args)
	case StepRetire:
		return l.CommandToRetire(ctx, svc, args)
	case StepPurge:
		return l.CommandToPurge(ctx, svc, args)
	default:
		return nil, fmt.Errorf("%w: unknown lifecycle step %q", ErrInvalidArguments, step)
	}
}

// Apply executes cmds in one transaction. An empty list is a no-op.
func (l *Lifecycle) Apply(ctx context.Context, cmds []store.Command) error {
	if len(cmds) == 0 {
		return nil
	}
	return l.store.Execute(ctx, cmds...)
}

// Run builds and applies the commands of step.
func (l *Lifecycle) Run(ctx context.Context, step Step, svc ids.ServiceID, args Arguments) error {
	cmds, err := l.CommandTo(ctx, step, svc, args)
	if err != nil {
		return err
	}
	if err := l.Apply(ctx, cmds); err != nil {
		return fmt.Errorf("%s %s: %w", step, svc, err)
	}
	return nil
}
