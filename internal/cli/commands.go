package cli

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/scabbard/internal/ids"
	"github.com/roach88/scabbard/internal/lifecycle"
	"github.com/roach88/scabbard/internal/scabbard"
)

// StatusResult lists the state of services.
type StatusResult struct {
	Services []scabbard.Status `json:"services"`
}

// RenderText prints one row per service.
func (r StatusResult) RenderText(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tEPOCH\tSTATE\tROLE\tPENDING\tQUEUED\tALARM\tLAST DECISION")
	for _, s := range r.Services {
		role := "participant"
		if s.IsCoordinator {
			role = "coordinator"
		}
		alarm := "-"
		if s.AlarmAt != nil {
			alarm = s.AlarmAt.UTC().Format(time.RFC3339)
		}
		last := "-"
		if n := len(s.History); n > 0 {
			h := s.History[n-1]
			last = fmt.Sprintf("%d %s", h.Epoch, h.Decision)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
			s.Service, s.Epoch, s.State, role, s.PendingActions, s.QueuedBatches, alarm, last)
	}
	tw.Flush()
}

// SubmitResult reports a submitted batch and the state after settling.
type SubmitResult struct {
	BatchID  string            `json:"batch_id"`
	Service  string            `json:"service"`
	Services []scabbard.Status `json:"services"`
}

// RenderText prints the batch id followed by the status table.
func (r SubmitResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "batch %s submitted to %s\n\n", r.BatchID, r.Service)
	StatusResult{Services: r.Services}.RenderText(w)
}

// StepResult reports a lifecycle step.
type StepResult struct {
	Step    string `json:"step"`
	Service string `json:"service"`
}

func (r StepResult) String() string {
	return fmt.Sprintf("%s applied to %s", r.Step, r.Service)
}

// NewPrepareCommand creates the prepare command.
func NewPrepareCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prepare",
		Short: "Create the first epoch of every configured service",
		Long: `Create the epoch-1 consensus context of every service in the
configuration, each with the other services of the circuit as peers.

Preparing again with the same services is a no-op.

Example:
  scabbard prepare --config ./scabbard.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd.OutOrStdout())
			s, err := openSession(cmd.Context(), rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			for _, svc := range s.cfg.ServiceIDs() {
				if err := s.node.Prepare(cmd.Context(), svc, s.cfg.Peers(svc.Service)...); err != nil {
					return f.Fail(ExitFailure, fmt.Sprintf("failed to prepare %s", svc), err)
				}
			}
			st, err := s.node.Statuses(cmd.Context())
			if err != nil {
				return f.Fail(ExitCommandError, "failed to read status", err)
			}
			return f.Success(StatusResult{Services: st})
		},
	}
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <value>",
		Short: "Submit a batch to the coordinator",
		Long: `Queue a batch for consensus at the coordinator of the circuit and
drive the circuit until no work is left.

Example:
  scabbard submit 'transfer 42'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd.OutOrStdout())
			s, err := openSession(cmd.Context(), rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			coord := s.coordinator()
			id, err := s.node.Service(coord).SubmitBatch(cmd.Context(), []byte(args[0]))
			if err != nil {
				return f.Fail(ExitFailure, "failed to submit batch", err)
			}
			if _, err := s.settle(cmd.Context()); err != nil {
				return f.Fail(ExitCommandError, "failed to process batch", err)
			}
			st, err := s.node.Statuses(cmd.Context())
			if err != nil {
				return f.Fail(ExitCommandError, "failed to read status", err)
			}
			return f.Success(SubmitResult{BatchID: id, Service: coord.String(), Services: st})
		},
	}
}

// NewTickCommand creates the tick command.
func NewTickCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Fire due timers and run pending work once",
		Long: `Run the timer of every service, fire alarms that are due and execute
the resulting actions until no work is left. Useful to drive a stopped node
by hand, for example from cron.

Example:
  scabbard tick`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd.OutOrStdout())
			s, err := openSession(cmd.Context(), rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			rounds, err := s.settle(cmd.Context())
			if err != nil {
				return f.Fail(ExitCommandError, "tick failed", err)
			}
			s.logger.Debug("tick done", "rounds", rounds)
			st, err := s.node.Statuses(cmd.Context())
			if err != nil {
				return f.Fail(ExitCommandError, "failed to read status", err)
			}
			return f.Success(StatusResult{Services: st})
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [service]",
		Short: "Show the consensus state of services",
		Long: `Show epoch, state, pending work, alarm and decision history of every
service, or of one service.

Example:
  scabbard status
  scabbard status beta --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd.OutOrStdout())
			s, err := openSession(cmd.Context(), rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			if len(args) == 0 {
				st, err := s.node.Statuses(cmd.Context())
				if err != nil {
					return f.Fail(ExitCommandError, "failed to read status", err)
				}
				return f.Success(StatusResult{Services: st})
			}

			svc, err := s.service(args[0])
			if err != nil {
				return f.Fail(ExitCommandError, "unknown service", err)
			}
			st, err := s.node.Status(cmd.Context(), svc)
			if err != nil {
				return f.Fail(ExitFailure, "failed to read status", err)
			}
			return f.Success(StatusResult{Services: []scabbard.Status{st}})
		},
	}
}

// NewLifecycleCommand creates the lifecycle command.
func NewLifecycleCommand(rootOpts *RootOptions) *cobra.Command {
	var rawArgs []string

	cmd := &cobra.Command{
		Use:   "lifecycle <prepare|finalize|retire|purge> <service>",
		Short: "Run a lifecycle step for one service",
		Long: `Run one lifecycle step for a service:

  prepare   create the epoch-1 context (peers from --arg peer_services or the config)
  finalize  check the service is prepared
  retire    stop the service's timer; its records stay
  purge     delete the service's consensus records; commit history stays

Example:
  scabbard lifecycle retire beta
  scabbard lifecycle prepare delta --arg peer_services=alpha,beta`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd.OutOrStdout())
			step := lifecycle.Step(args[0])

			pairs := make(map[string]string, len(rawArgs))
			for _, kv := range rawArgs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return NewExitError(ExitCommandError, fmt.Sprintf("invalid --arg %q: want key=value", kv))
				}
				pairs[k] = v
			}
			largs, err := lifecycle.ParseArguments(pairs)
			if err != nil {
				return f.Fail(ExitCommandError, "invalid arguments", err)
			}

			s, err := openSession(cmd.Context(), rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			svc, err := s.service(args[1])
			if err != nil {
				return f.Fail(ExitCommandError, "unknown service", err)
			}
			if step == lifecycle.StepPrepare && len(largs.PeerServices) == 0 {
				largs.PeerServices = s.cfg.Peers(svc.Service)
			}
			if err := s.node.Lifecycle(cmd.Context(), step, svc, largs); err != nil {
				return f.Fail(ExitFailure, fmt.Sprintf("%s failed", step), err)
			}
			return f.Success(StepResult{Step: string(step), Service: svc.String()})
		},
	}

	cmd.Flags().StringArrayVar(&rawArgs, "arg", nil, "step argument as key=value (repeatable)")
	return cmd
}

// PurgeResult reports the stale events removed per service.
type PurgeResult struct {
	Purged map[string]int64 `json:"purged"`
}

// RenderText prints one line per service.
func (r PurgeResult) RenderText(w io.Writer) {
	names := make([]string, 0, len(r.Purged))
	for name := range r.Purged {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s: %d stale events purged\n", name, r.Purged[name])
	}
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	var keep uint64

	cmd := &cobra.Command{
		Use:   "purge [service]",
		Short: "Delete unprocessed events of past epochs",
		Long: `Delete the events that were left unprocessed because their epoch had
already been decided. Events of the last --keep epochs before the current
one are kept. Without a service every configured service is purged.

Use "lifecycle purge" to remove a service entirely.

Example:
  scabbard purge
  scabbard purge beta --keep 10`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd.OutOrStdout())
			s, err := openSession(cmd.Context(), rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			svcs := s.cfg.ServiceIDs()
			if len(args) == 1 {
				svc, err := s.service(args[0])
				if err != nil {
					return f.Fail(ExitCommandError, "unknown service", err)
				}
				svcs = []ids.ServiceID{svc}
			}

			result := PurgeResult{Purged: make(map[string]int64, len(svcs))}
			for _, svc := range svcs {
				c, err := s.store.GetCurrentContext(cmd.Context(), svc)
				if err != nil {
					return f.Fail(ExitFailure, fmt.Sprintf("failed to read %s", svc), err)
				}
				var n int64
				if c.Epoch > keep {
					n, err = s.store.PurgeStaleEvents(cmd.Context(), svc, c.Epoch-keep)
					if err != nil {
						return f.Fail(ExitCommandError, fmt.Sprintf("failed to purge %s", svc), err)
					}
				}
				result.Purged[svc.String()] = n
			}
			return f.Success(result)
		},
	}

	cmd.Flags().Uint64Var(&keep, "keep", 0, "number of past epochs whose events are kept")
	return cmd
}
