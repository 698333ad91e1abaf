package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/brandpulse/engine/internal/admin"
	"github.com/brandpulse/engine/internal/history"
	"github.com/brandpulse/engine/internal/pipeline"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new task",
	RunE:  runTaskSubmit,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live and recent tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a live task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var (
	submitKind     string
	submitPriority string
	submitPayload  string
	listWorkerType string
	listStatus     string
	listLimit      int
)

func init() {
	taskCmd.AddCommand(taskSubmitCmd, taskListCmd, taskShowCmd, taskCancelCmd)

	taskSubmitCmd.Flags().StringVar(&submitKind, "kind", "", "Task kind, e.g. generate_post (required)")
	taskSubmitCmd.Flags().StringVar(&submitPriority, "priority", "", "Priority (low, medium, high)")
	taskSubmitCmd.Flags().StringVar(&submitPayload, "payload", "", "JSON payload, or @file to read one")
	taskSubmitCmd.MarkFlagRequired("kind")

	taskListCmd.Flags().StringVar(&listWorkerType, "worker-type", "", "Filter by worker type")
	taskListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (pending, processing, completed, failed)")
	taskListCmd.Flags().IntVar(&listLimit, "limit", 0, "Max results")
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	var payload json.RawMessage
	if submitPayload != "" {
		raw := submitPayload
		if strings.HasPrefix(raw, "@") {
			data, err := os.ReadFile(raw[1:])
			if err != nil {
				return fmt.Errorf("read payload file: %w", err)
			}
			raw = string(data)
		}
		payload = json.RawMessage(raw)
	}

	resp, err := apiPost("/api/v1/tasks", admin.SubmitTaskRequest{
		Kind:     pipeline.TaskKind(submitKind),
		Priority: pipeline.Priority(submitPriority),
		Payload:  payload,
	})
	if err != nil {
		return err
	}

	var out admin.SubmitTaskResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return err
	}

	fmt.Printf("Submitted task: %s\n", out.TaskID)
	fmt.Printf("Type:     %s\n", out.Type)
	fmt.Printf("Kind:     %s\n", out.Kind)
	fmt.Printf("Priority: %s\n", out.Priority)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if listWorkerType != "" {
		params.Set("worker_type", listWorkerType)
	}
	if listStatus != "" {
		params.Set("status", listStatus)
	}
	if listLimit > 0 {
		params.Set("limit", strconv.Itoa(listLimit))
	}
	path := "/api/v1/tasks"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var out admin.ListTasksResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return err
	}

	if out.Count == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tPRIORITY\tWORKER\tRETRIES\tCREATED")
	for _, t := range out.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			t.TaskID, t.Kind, t.Status, t.Priority, t.WorkerID,
			t.RetryCount, t.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/v1/tasks/" + args[0])
	if err != nil {
		return err
	}

	var rec history.TaskRecord
	if err := json.Unmarshal(resp, &rec); err != nil {
		return err
	}

	fmt.Printf("ID:         %s\n", rec.TaskID)
	fmt.Printf("Kind:       %s\n", rec.Kind)
	fmt.Printf("Type:       %s\n", rec.WorkerType)
	fmt.Printf("Status:     %s\n", rec.Status)
	fmt.Printf("Priority:   %s\n", rec.Priority)
	fmt.Printf("Retries:    %d\n", rec.RetryCount)
	if rec.WorkerID != "" {
		fmt.Printf("Worker:     %s\n", rec.WorkerID)
	}
	fmt.Printf("Created:    %s\n", rec.CreatedAt.Format(time.RFC3339))
	if !rec.CompletedAt.IsZero() {
		fmt.Printf("Completed:  %s\n", rec.CompletedAt.Format(time.RFC3339))
		fmt.Printf("Duration:   %dms\n", rec.DurationMS)
	}
	if rec.Error != "" {
		fmt.Printf("Error:      %s\n", rec.Error)
	}
	if len(rec.Payload) > 0 {
		fmt.Printf("Payload:    %s\n", rec.Payload)
	}
	if len(rec.Result) > 0 {
		fmt.Printf("Result:     %s\n", rec.Result)
	}
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	if _, err := apiDelete("/api/v1/tasks/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("Cancel requested for task %s\n", args[0])
	return nil
}
