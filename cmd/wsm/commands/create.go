package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/wsm/pkg/config"
	"github.com/openfroyo/wsm/pkg/service"
)

func newCreateCommand() *cobra.Command {
	var (
		file  string
		flags runFlags
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a resource from a definition",
		Long: `Create a resource from a CUE, JSON or YAML definition.

The definition is validated against the built-in resource schema and the
type's attribute rules before a run is started. A missing resourceId is
generated. Submitting again with the same --run-id returns the same run.`,
		Example: `  # Create a bucket and wait for it
  wsm create -f bucket.cue --wait

  # Idempotent submission
  wsm create -f bucket.yaml --run-id 0b0c8f1e-8c8e-4d55-9a43-0e5c3c1f9a11`,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := config.NewDefinitionLoader().LoadDefinition(file)
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				log.Info().
					Str("workspace", def.WorkspaceID).
					Str("resource", def.ResourceID).
					Str("type", string(def.Type)).
					Msg("Creating resource")

				runID, err := a.svc.StartCreate(ctx, service.CreateRequest{RunID: flags.runID, Definition: *def})
				if err != nil {
					return err
				}
				return finishRun(ctx, a, flags, runID)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "resource definition file")
	_ = cmd.MarkFlagRequired("file")
	flags.register(cmd)

	return cmd
}

func newCloneCommand() *cobra.Command {
	var (
		file  string
		flags runFlags
	)

	cmd := &cobra.Command{
		Use:   "clone <workspace> <source-resource>",
		Short: "Create a resource as a copy of an existing one",
		Long: `Clone a READY resource into a new resource described by a definition.

The destination type defaults to the source type. Bucket clones copy every
object of the source bucket.`,
		Example: `  wsm clone ws-1 6f1c2d40-1b7e-4cc3-9c4d-2f0d1f8a0b9e -f copy.cue --wait`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := config.NewDefinitionLoader().LoadDefinition(file)
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				log.Info().
					Str("workspace", args[0]).
					Str("source", args[1]).
					Str("destination", def.ResourceID).
					Msg("Cloning resource")

				runID, err := a.svc.StartClone(ctx, service.CloneRequest{
					RunID:       flags.runID,
					WorkspaceID: args[0],
					SourceID:    args[1],
					Destination: *def,
				})
				if err != nil {
					return err
				}
				return finishRun(ctx, a, flags, runID)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "destination resource definition file")
	_ = cmd.MarkFlagRequired("file")
	flags.register(cmd)

	return cmd
}
