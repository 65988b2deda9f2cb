// Package repair holds the mutating maintenance operations: guarded
// schema repair, workspace reset, telemetry cleanup, and the contract
// drift audit.
package repair

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jiazeyu1987/AgentFolder/internal/config"
	"github.com/jiazeyu1987/AgentFolder/internal/contracts"
	"github.com/jiazeyu1987/AgentFolder/internal/logging"
	"github.com/jiazeyu1987/AgentFolder/internal/store"
)

// RepairDB backs up the database, then applies any pending migrations.
// The backup path is returned so a failed repair can be rolled back.
func RepairDB(s *store.Store) (string, error) {
	log := logging.Get(logging.CategoryStore)
	backup, err := s.CreateBackup()
	if err != nil {
		return "", fmt.Errorf("backup before repair: %w", err)
	}
	log.Info("backup written to %s", backup)
	if err := s.Migrate(); err != nil {
		return backup, fmt.Errorf("repair migrations: %w (backup at %s)", err, backup)
	}
	return backup, nil
}

// ResetDB deletes the engine's derived state: the database, artifacts,
// reviews, required docs, and deliverables. Inputs are never touched.
// The store must be closed before calling this.
func ResetDB(layout config.Layout) error {
	targets := []string{
		layout.StateDir(),
		layout.ArtifactsDir(),
		layout.ReviewsDir(),
		layout.RequiredDocsDir(),
		layout.DeliverablesDir(),
		layout.PlanJSONPath(),
	}
	for _, t := range targets {
		if err := os.RemoveAll(t); err != nil {
			return fmt.Errorf("reset %s: %w", t, err)
		}
	}
	return layout.EnsureDirs()
}

// AuditResult summarizes a contract-drift audit of recorded llm calls.
type AuditResult struct {
	Checked     int            `json:"checked"`
	Drifted     int            `json:"drifted"`
	ByScope     map[string]int `json:"by_scope"`
	DriftedIDs  []string       `json:"drifted_call_ids"`
	SkippedRows int            `json:"skipped_rows"`
}

// scopeContract maps a recorded scope back to its contract.
func scopeContract(scope string) (contracts.Contract, bool) {
	switch scope {
	case string(contracts.ContractPlanGen):
		return contracts.ContractPlanGen, true
	case string(contracts.ContractPlanReview):
		return contracts.ContractPlanReview, true
	case string(contracts.ContractTaskAction):
		return contracts.ContractTaskAction, true
	case string(contracts.ContractTaskCheck):
		return contracts.ContractTaskCheck, true
	}
	return "", false
}

// ContractAudit re-validates every stored normalized payload against the
// current validators and reports rows whose verdict changed. Rows without
// a normalized payload are skipped.
func ContractAudit(s *store.Store, passScore int) (*AuditResult, error) {
	rows, err := s.AllLLMCallRows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := &AuditResult{ByScope: map[string]int{}}
	for rows.Next() {
		var callID, scope, normalizedJSON, validatorError, errorCode string
		if err := rows.Scan(&callID, &scope, &normalizedJSON, &validatorError, &errorCode); err != nil {
			return nil, err
		}
		contract, ok := scopeContract(scope)
		if !ok || normalizedJSON == "" {
			res.SkippedRows++
			continue
		}
		var doc map[string]interface{}
		if err := json.Unmarshal([]byte(normalizedJSON), &doc); err != nil {
			res.SkippedRows++
			continue
		}
		res.Checked++

		_, cerr := contracts.NormalizeAndValidate(contract, doc, passScore)
		wasValid := validatorError == "" && errorCode == ""
		isValid := cerr == nil
		if wasValid != isValid {
			res.Drifted++
			res.ByScope[scope]++
			res.DriftedIDs = append(res.DriftedIDs, callID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryStore).Info(
		"contract audit: %d checked, %d drifted", res.Checked, res.Drifted)
	return res, nil
}

// Cleanup enforces the telemetry row caps.
func Cleanup(s *store.Store, g config.Guardrails) (int, error) {
	total := 0
	n, err := s.TrimLLMCalls(g.MaxLLMCallsRows)
	if err != nil {
		return total, err
	}
	total += n
	n, err = s.TrimTaskEvents(g.MaxTaskEventsRows)
	if err != nil {
		return total, err
	}
	return total + n, nil
}
