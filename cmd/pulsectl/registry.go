package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/brandpulse/engine/internal/admin"
	"github.com/brandpulse/engine/internal/pipeline"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "List registered workers",
	RunE:  runRegistry,
}

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Show per-type queue depths",
	RunE:  runQueues,
}

func runRegistry(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/v1/registry")
	if err != nil {
		return err
	}

	var out admin.RegistryResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return err
	}

	if out.Count == 0 {
		fmt.Println("No workers registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tSCORE\tIN-FLIGHT\tHEALTHY\tLAST SEEN")
	for _, wk := range out.Workers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%d\t%t\t%s\n",
			wk.ID, wk.Type, wk.Status, wk.Score, wk.InFlight,
			wk.Health.Healthy, wk.LastSeen.Format(time.RFC3339))
	}
	w.Flush()
	return nil
}

func runQueues(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/v1/queues")
	if err != nil {
		return err
	}

	var out admin.QueuesResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tPENDING\tPROCESSING\tCOMPLETED\tFAILED")
	for _, typ := range pipeline.WorkerTypes() {
		d, ok := out.Queues[typ]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", typ, d.Pending, d.Processing, d.Completed, d.Failed)
	}
	w.Flush()
	return nil
}
