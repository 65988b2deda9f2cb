package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jiazeyu1987/AgentFolder/internal/config"
	"github.com/jiazeyu1987/AgentFolder/internal/logging"
	"github.com/jiazeyu1987/AgentFolder/internal/store"
)

var (
	// Global flags
	workspace string
	debugMode bool
	jsonLogs  bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "agentfolder",
	Short: "AgentFolder - durable two-agent plan execution",
	Long: `AgentFolder runs a goal through a reviewed plan of tasks.

The executor agent (xiaobo) drafts plans and produces artifacts; the
reviewer agent (xiaojing) scores every output before it counts. All state
lives in a SQLite database under the workspace, so a run can stop at any
point and resume where it left off.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		abs, err := filepath.Abs(workspace)
		if err != nil {
			return fmt.Errorf("resolve workspace: %w", err)
		}
		workspace = abs
		return logging.Initialize(workspace, logging.Config{
			DebugMode:  debugMode,
			JSONFormat: jsonLogs,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".",
		"workspace directory")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false,
		"enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false,
		"write logs as JSON")

	rootCmd.AddCommand(createPlanCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(errorsCmd)
	rootCmd.AddCommand(llmCallsCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(repairDBCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(resetDBCmd)
	rootCmd.AddCommand(resetFailedCmd)
	rootCmd.AddCommand(contractAuditCmd)
}

// env is everything a command needs after boot.
type env struct {
	layout config.Layout
	cfg    config.Runtime
	store  *store.Store
}

// boot prepares the workspace, loads config, and opens the store with
// migrations applied.
func boot() (*env, error) {
	layout := config.NewLayout(workspace)
	if err := layout.EnsureDirs(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(filepath.Join(workspace, "runtime_config.json"))
	if err != nil {
		return nil, err
	}
	s, err := store.Open(layout.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	logging.Get(logging.CategoryBoot).Info("workspace %s ready", workspace)
	return &env{layout: layout, cfg: cfg, store: s}, nil
}

// currentPlanID resolves the plan a command operates on: the --plan flag
// when set, otherwise the latest plan in the store.
func currentPlanID(e *env, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	id, err := e.store.LatestPlanID()
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("no plan in workspace; run create-plan first")
	}
	return id, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
