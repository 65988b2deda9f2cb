package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jiazeyu1987/AgentFolder/internal/deliver"
	"github.com/jiazeyu1987/AgentFolder/internal/doctor"
	"github.com/jiazeyu1987/AgentFolder/internal/repair"
)

var (
	doctorPlanFlag string
	exportPlanFlag string
	resetConfirm   bool
	resetPlanFlag  string
)

// doctorCmd diagnoses the workspace without changing it
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check database and plan health (read-only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := boot()
		if err != nil {
			return err
		}
		defer e.store.Close()

		planID, _ := currentPlanID(e, doctorPlanFlag)
		report, err := doctor.Run(e.store, e.cfg, planID)
		if err != nil {
			return err
		}
		fmt.Print(doctor.Format(report))
		if !report.OK() {
			os.Exit(2)
		}
		return nil
	},
}

// repairDBCmd backs up and repairs the database schema
var repairDBCmd = &cobra.Command{
	Use:   "repair-db",
	Short: "Back up the database and apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := boot()
		if err != nil {
			return err
		}
		defer e.store.Close()

		backup, err := repair.RepairDB(e.store)
		if err != nil {
			return err
		}
		fmt.Printf("Repair complete. Backup at %s\n", backup)
		return nil
	},
}

// exportCmd copies approved artifacts into deliverables/
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export approved artifacts with a manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := boot()
		if err != nil {
			return err
		}
		defer e.store.Close()

		planID, err := currentPlanID(e, exportPlanFlag)
		if err != nil {
			return err
		}
		m, err := deliver.New(e.store, e.cfg, e.layout).Export(planID)
		if err != nil {
			return err
		}
		fmt.Printf("Exported %d deliverable(s) to %s\n",
			len(m.Items), filepath.Join(e.layout.DeliverablesDir(), planID))
		if m.Final != "" {
			fmt.Printf("Entrypoint: %s\n", m.Final)
		}
		return nil
	},
}

// resetDBCmd wipes all derived state
var resetDBCmd = &cobra.Command{
	Use:   "reset-db",
	Short: "Delete all derived state (requires --yes)",
	Long: `Deletes the state database, artifacts, reviews, required docs, and
deliverables. Files under inputs/ and baseline_inputs/ are kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetConfirm {
			return fmt.Errorf("refusing to reset without --yes")
		}
		e, err := boot()
		if err != nil {
			return err
		}
		if err := e.store.Close(); err != nil {
			return err
		}
		if err := repair.ResetDB(e.layout); err != nil {
			return err
		}
		fmt.Println("Workspace state reset.")
		return nil
	},
}

// resetFailedCmd re-queues FAILED tasks
var resetFailedCmd = &cobra.Command{
	Use:   "reset-failed",
	Short: "Reset FAILED tasks to READY with a fresh attempt budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := boot()
		if err != nil {
			return err
		}
		defer e.store.Close()

		planID, err := currentPlanID(e, resetPlanFlag)
		if err != nil {
			return err
		}
		ids, err := e.store.ResetFailedTasks(planID)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No FAILED tasks to reset.")
			return nil
		}
		fmt.Printf("Reset %d task(s):\n", len(ids))
		for _, id := range ids {
			fmt.Printf("  %s\n", id)
		}
		return nil
	},
}

// contractAuditCmd re-validates recorded llm outputs
var contractAuditCmd = &cobra.Command{
	Use:   "contract-audit",
	Short: "Re-validate recorded model outputs against current contracts",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := boot()
		if err != nil {
			return err
		}
		defer e.store.Close()

		res, err := repair.ContractAudit(e.store, e.cfg.PlanReviewPassScore)
		if err != nil {
			return err
		}
		fmt.Printf("Checked %d call(s), %d skipped, %d drifted\n",
			res.Checked, res.SkippedRows, res.Drifted)
		for scope, n := range res.ByScope {
			fmt.Printf("  %s: %d\n", scope, n)
		}
		for _, id := range res.DriftedIDs {
			fmt.Printf("  drifted: %s\n", id)
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().StringVar(&doctorPlanFlag, "plan", "", "plan id (default: latest)")
	exportCmd.Flags().StringVar(&exportPlanFlag, "plan", "", "plan id (default: latest)")
	resetDBCmd.Flags().BoolVar(&resetConfirm, "yes", false, "confirm the reset")
	resetFailedCmd.Flags().StringVar(&resetPlanFlag, "plan", "", "plan id (default: latest)")
}
