package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/scabbard/internal/metrics"
	"github.com/roach88/scabbard/internal/tracing"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node until interrupted",
		Long: `Start the node described by the configuration: recover unexecuted
work, then run the timer poller and the supervisor until SIGINT or SIGTERM.
Prepares every configured service that is not prepared yet.

When metrics.addr is set, /metrics and /health are served there.

Example:
  scabbard serve --config ./scabbard.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, rootOpts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *RootOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.Close()

	shutdownTracing, err := tracing.SetupWriter(s.cfg.Tracing.Enabled, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}()

	for _, svc := range s.cfg.ServiceIDs() {
		if err := s.node.Prepare(ctx, svc, s.cfg.Peers(svc.Service)...); err != nil {
			return WrapExitError(ExitFailure, "failed to prepare "+svc.String(), err)
		}
	}

	if s.cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(s.cfg.Metrics.Addr)
		if err := srv.Start(); err != nil {
			return WrapExitError(ExitCommandError, "failed to start metrics server", err)
		}
		defer srv.Stop()
	}

	if err := s.node.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start node", err)
	}
	s.logger.Info("serving", "circuit", s.cfg.Node.Circuit, "services", s.cfg.Node.Services)

	<-ctx.Done()
	s.logger.Info("shutting down")
	s.node.Stop()
	return nil
}
