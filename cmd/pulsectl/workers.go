package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage workers",
}

var workerRemoveCmd = &cobra.Command{
	Use:   "remove [worker-id]",
	Short: "Remove a worker and reassign its tasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkerRemove,
}

func init() {
	workerCmd.AddCommand(workerRemoveCmd)
}

func runWorkerRemove(cmd *cobra.Command, args []string) error {
	if _, err := apiDelete("/api/v1/workers/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("Removal requested for worker %s\n", args[0])
	return nil
}
