package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the status and steps of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.svc.GetRunReport(ctx, args[0])
				if err != nil {
					return err
				}
				return printReport(report)
			})
		},
	}
}

func newEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "events <run-id>",
		Short: "List the events recorded for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.svc.GetRunReport(ctx, args[0])
				if err != nil {
					return err
				}
				return printEvents(report.Events)
			})
		},
	}
}

func newListCommand() *cobra.Command {
	var broken bool

	cmd := &cobra.Command{
		Use:   "list [workspace]",
		Short: "List the resources of a workspace",
		Long: `List the READY resources of a workspace.

With --broken, list BROKEN resources instead; the workspace may then be
omitted to list them across all workspaces.`,
		Example: `  wsm list ws-1
  wsm list --broken`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var workspace string
			if len(args) == 1 {
				workspace = args[0]
			}
			if workspace == "" && !broken {
				return fmt.Errorf("a workspace is required unless --broken is set")
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				if broken {
					list, err := a.svc.ListBrokenResources(ctx, workspace)
					if err != nil {
						return err
					}
					return printResources(list)
				}
				list, err := a.svc.ListResources(ctx, workspace)
				if err != nil {
					return err
				}
				return printResources(list)
			})
		},
	}

	cmd.Flags().BoolVar(&broken, "broken", false, "list BROKEN resources")

	return cmd
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run and undo its completed steps",
		Long: `Cancel an unfinished run.

The step in flight is allowed to finish; every completed step is then
compensated in reverse order. The command waits for compensation to end.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				log.Info().Str("run_id", args[0]).Msg("Cancelling run")
				if err := a.svc.Cancel(ctx, args[0]); err != nil {
					return err
				}
				rec, err := a.svc.WaitForRun(ctx, args[0])
				if err != nil {
					return err
				}
				log.Info().Str("run_id", rec.ID).Str("status", string(rec.Status)).Msg("Run finished")
				return nil
			})
		},
	}
}
