package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/wsm/pkg/config"
	"github.com/openfroyo/wsm/pkg/service"
)

func newUpdateCommand() *cobra.Command {
	var (
		file  string
		flags runFlags
	)

	cmd := &cobra.Command{
		Use:   "update <workspace> <resource>",
		Short: "Update the attributes of a resource",
		Long: `Update a READY resource.

The file holds the attributes to change; top-level keys replace the
current values and keys that are absent are kept.`,
		Example: `  # Relabel a bucket
  wsm update ws-1 6f1c2d40-1b7e-4cc3-9c4d-2f0d1f8a0b9e -f labels.yaml --wait`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs, err := config.NewDefinitionLoader().LoadAttributes(file)
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				log.Info().
					Str("workspace", args[0]).
					Str("resource", args[1]).
					Msg("Updating resource")

				runID, err := a.svc.StartUpdate(ctx, service.UpdateRequest{
					RunID:       flags.runID,
					WorkspaceID: args[0],
					ResourceID:  args[1],
					Attributes:  attrs,
				})
				if err != nil {
					return err
				}
				return finishRun(ctx, a, flags, runID)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "attribute file (CUE, JSON or YAML)")
	_ = cmd.MarkFlagRequired("file")
	flags.register(cmd)

	return cmd
}

func newDeleteCommand() *cobra.Command {
	var (
		force bool
		flags runFlags
	)

	cmd := &cobra.Command{
		Use:   "delete <workspace> <resource>",
		Short: "Delete a resource",
		Long: `Delete a READY resource and its cloud counterpart.

A BROKEN resource, left behind when a compensation failed, can only be
removed with --force; the cloud resource is deleted if it still exists.`,
		Example: `  wsm delete ws-1 6f1c2d40-1b7e-4cc3-9c4d-2f0d1f8a0b9e --wait

  # Remove a BROKEN resource
  wsm delete ws-1 6f1c2d40-1b7e-4cc3-9c4d-2f0d1f8a0b9e --force --wait`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				log.Info().
					Str("workspace", args[0]).
					Str("resource", args[1]).
					Bool("force", force).
					Msg("Deleting resource")

				req := service.DeleteRequest{RunID: flags.runID, WorkspaceID: args[0], ResourceID: args[1]}
				start := a.svc.StartDelete
				if force {
					start = a.svc.StartForceDelete
				}
				runID, err := start(ctx, req)
				if err != nil {
					return err
				}
				return finishRun(ctx, a, flags, runID)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "delete a BROKEN resource")
	flags.register(cmd)

	return cmd
}
