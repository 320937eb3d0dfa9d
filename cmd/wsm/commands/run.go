package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/wsm/pkg/saga"
)

// runFlags are shared by every command that starts a workflow.
type runFlags struct {
	runID string
	wait  bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.runID, "run-id", "", "run id for idempotent submission (generated when empty)")
	cmd.Flags().BoolVarP(&f.wait, "wait", "w", false, "wait for the run to finish")
}

// finishRun prints the run id and, with --wait, blocks until the run is
// terminal. A run that did not succeed is reported as an error.
func finishRun(ctx context.Context, a *app, f runFlags, runID string) error {
	if !f.wait {
		if jsonOutput {
			return printJSON(map[string]string{"runId": runID})
		}
		fmt.Println(runID)
		return nil
	}

	log.Info().Str("run_id", runID).Msg("Waiting for run")
	rec, err := a.svc.WaitForRun(ctx, runID)
	if err != nil {
		return err
	}
	report, err := a.svc.GetRunReport(ctx, runID)
	if err != nil {
		return err
	}
	if err := printReport(report); err != nil {
		return err
	}
	if rec.Status != saga.RunStatusSucceeded {
		return fmt.Errorf("run %s %s: %s", runID, rec.Status, rec.Error)
	}
	return nil
}

// withApp opens the app for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a.ctx, a)
}
