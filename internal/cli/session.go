package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/roach88/scabbard/internal/config"
	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/logging"
	"github.com/roach88/scabbard/internal/scabbard"
	"github.com/roach88/scabbard/internal/store"
)

// maxSettleRounds bounds the work a one-shot command does after its
// operation. Whatever is left is picked up by the next command or by serve.
const maxSettleRounds = 50

// session is one command's view of the configured node: every service of
// the circuit hosted in one store and connected by a LocalNetwork.
type session struct {
	cfg    *config.Config
	store  store.ScabbardStore
	node   *scabbard.Node
	logger *slog.Logger
}

func openSession(ctx context.Context, opts *RootOptions, logOut io.Writer) (*session, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	level := cfg.Log.Level
	if opts.Verbose {
		level = "debug"
	}
	logger, err := logging.New(logOut, level, cfg.Log.Format)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to configure logging", err)
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	logger.Debug("store opened", "driver", cfg.Store.Driver)

	net := scabbard.NewLocalNetwork()
	node := scabbard.NewNode(st, net, &loggingExecutor{logger: logger}, scabbard.Config{
		VoteTimeout:     cfg.Consensus.VoteTimeout,
		DecisionTimeout: cfg.Consensus.DecisionTimeout,
		PollInterval:    cfg.Timer.Interval,
		StaleRetention:  cfg.Timer.StaleRetentionEpochs,
		Logger:          logger,
	})
	net.Attach(node, cfg.ServiceIDs()...)

	return &session{cfg: cfg, store: st, node: node, logger: logger}, nil
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Error("error closing store", "error", err)
	}
}

// service resolves a configured service name.
func (s *session) service(name string) (ids.ServiceID, error) {
	if !slices.Contains(s.cfg.Node.Services, name) {
		return ids.ServiceID{}, fmt.Errorf("service %q is not configured (have %v)", name, s.cfg.Node.Services)
	}
	return ids.New(s.cfg.Node.Circuit, name), nil
}

// coordinator returns the service that coordinates the configured circuit.
func (s *session) coordinator() ids.ServiceID {
	return ids.New(s.cfg.Node.Circuit, ids.SortedServices(s.cfg.Node.Services)[0])
}

// settle steps the node until no notification is left.
func (s *session) settle(ctx context.Context) (int, error) {
	for round := 1; round <= maxSettleRounds; round++ {
		worked, err := s.node.Step(ctx)
		if err != nil {
			return round, err
		}
		if !worked {
			return round, nil
		}
	}
	s.logger.Warn("work left after settling", "rounds", maxSettleRounds)
	return maxSettleRounds, nil
}

// loggingExecutor accepts every batch and logs the decisions. Applications
// embedding scabbard supply their own supervisor.BatchExecutor.
type loggingExecutor struct {
	logger *slog.Logger
}

func (e *loggingExecutor) Vote(_ context.Context, svc ids.ServiceID, epoch uint64, value []byte) (bool, error) {
	e.logger.Info("vote requested", "service", svc.String(), "epoch", epoch, "size", len(value))
	return true, nil
}

func (e *loggingExecutor) Commit(_ context.Context, svc ids.ServiceID, epoch uint64, value []byte) error {
	e.logger.Info("batch committed", "service", svc.String(), "epoch", epoch, "value", string(value))
	return nil
}

func (e *loggingExecutor) Abort(_ context.Context, svc ids.ServiceID, epoch uint64, value []byte) error {
	e.logger.Info("batch aborted", "service", svc.String(), "epoch", epoch, "value", string(value))
	return nil
}
