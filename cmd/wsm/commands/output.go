package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/wsm/pkg/resources"
	"github.com/openfroyo/wsm/pkg/service"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResources(list []*resources.Resource) error {
	if jsonOutput {
		return printJSON(list)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RESOURCE ID\tNAME\tTYPE\tSTEWARDSHIP\tSTATE\tUPDATED")
	for _, r := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ResourceID, r.Name, r.Type, r.Stewardship, r.State, r.UpdatedAt.Format(time.RFC3339))
		if r.ErrorReport != "" {
			fmt.Fprintf(w, "\t  error: %s\t\t\t\t\n", r.ErrorReport)
		}
	}
	return w.Flush()
}

func printReport(report *service.RunReport) error {
	if jsonOutput {
		return printJSON(report)
	}
	run := report.Run
	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Workflow: %s\n", run.Workflow)
	fmt.Printf("Status:   %s (%s)\n", report.Status, run.Status)
	fmt.Printf("Started:  %s\n", run.StartedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Printf("Finished: %s\n", run.CompletedAt.Format(time.RFC3339))
	}
	if run.Error != "" {
		fmt.Printf("Error:    %s\n", run.Error)
	}
	if len(report.Steps) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tSTEP\tDIRECTION\tOUTCOME\tATTEMPTS\tDURATION\tERROR")
	for _, s := range report.Steps {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			s.Index, s.Name, s.Direction, s.Outcome, s.Attempts, s.Duration.Round(time.Millisecond), s.Error)
	}
	return w.Flush()
}

func printEvents(events []telemetry.Event) error {
	if jsonOutput {
		return printJSON(events)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tLEVEL\tTYPE\tMESSAGE")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339Nano), e.Level, e.Type, e.Message)
	}
	return w.Flush()
}
