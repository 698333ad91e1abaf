package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brandpulse/engine/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "pulsectl",
	Short: "pulsectl - BrandPulse engine control CLI",
	Long:  `pulsectl inspects and drives a running orchestrator: worker registry, task queues, task submission and the live event stream.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pulsectl %s (commit %s, built %s)\n", version.Version, version.GitCommit, version.BuildTime)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check orchestrator health",
	RunE:  runStatus,
}

var (
	apiAddr string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", envOr("ENGINE_ADDR", "http://127.0.0.1:8080"), "Orchestrator admin address")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(registryCmd)
	rootCmd.AddCommand(queuesCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(errorsCmd)
	rootCmd.AddCommand(learningCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/health")
	if err != nil {
		return err
	}
	var out map[string]string
	if err := json.Unmarshal(resp, &out); err != nil {
		return err
	}
	fmt.Printf("Orchestrator at %s: %s\n", apiAddr, out["status"])
	return nil
}

func envOr(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
