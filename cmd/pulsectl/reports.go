package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/brandpulse/engine/internal/admin"
	"github.com/brandpulse/engine/internal/scheduler"
)

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Show recent worker error reports",
	RunE:  runErrors,
}

var learningCmd = &cobra.Command{
	Use:   "learning",
	Short: "Show recent learning signals",
	RunE:  runLearning,
}

func runErrors(cmd *cobra.Command, args []string) error {
	return printReports("/api/v1/errors", "No error reports", func(e scheduler.ReportEntry) string {
		line := fmt.Sprintf("  %s  %-14s %s", e.At.Format(time.RFC3339), e.Code, e.Message)
		if e.TaskID != "" {
			line += "  task=" + e.TaskID
		}
		return line
	})
}

func runLearning(cmd *cobra.Command, args []string) error {
	return printReports("/api/v1/learning", "No learning signals", func(e scheduler.ReportEntry) string {
		line := fmt.Sprintf("  %s  %-16s", e.At.Format(time.RFC3339), e.Signal)
		if len(e.Data) > 0 {
			line += " " + string(e.Data)
		}
		return line
	})
}

func printReports(path, emptyMsg string, format func(scheduler.ReportEntry) string) error {
	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var out admin.ReportsResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return err
	}

	if len(out.Reports) == 0 {
		fmt.Println(emptyMsg)
		return nil
	}

	workers := make([]string, 0, len(out.Reports))
	for id := range out.Reports {
		workers = append(workers, id)
	}
	sort.Strings(workers)

	for _, id := range workers {
		fmt.Printf("%s:\n", id)
		for _, entry := range out.Reports[id] {
			fmt.Println(format(entry))
		}
	}
	return nil
}
