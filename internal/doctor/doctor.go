// Package doctor runs read-only health checks over the state database and
// the current plan. It reports findings; it never mutates anything.
package doctor

import (
	"fmt"
	"strings"

	"github.com/jiazeyu1987/AgentFolder/internal/config"
	"github.com/jiazeyu1987/AgentFolder/internal/logging"
	"github.com/jiazeyu1987/AgentFolder/internal/model"
	"github.com/jiazeyu1987/AgentFolder/internal/store"
)

// Finding is one diagnosed problem.
type Finding struct {
	Code      string
	Message   string
	Hint      string
	TaskID    string
	TaskTitle string
}

// Report collects findings from one doctor pass.
type Report struct {
	Findings []Finding
}

// OK reports whether the pass found nothing wrong.
func (r *Report) OK() bool {
	return len(r.Findings) == 0
}

func (r *Report) add(code, message, hint string) {
	r.Findings = append(r.Findings, Finding{Code: code, Message: message, Hint: hint})
}

func (r *Report) addTask(code, message, hint, taskID, title string) {
	r.Findings = append(r.Findings, Finding{
		Code: code, Message: message, Hint: hint, TaskID: taskID, TaskTitle: title,
	})
}

// expectedTables is the schema the engine relies on.
var expectedTables = []string{
	"schema_migrations", "plans", "task_nodes", "task_edges",
	"input_requirements", "evidences", "artifacts", "approvals", "reviews",
	"skill_runs", "task_events", "task_error_counters", "prompts",
	"llm_calls", "input_files",
}

// CheckDB verifies schema integrity: pragmas, expected tables, applied
// migrations, and orphaned rows.
func CheckDB(s *store.Store) (*Report, error) {
	r := &Report{}
	db := s.DB()

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err == nil && fk != 1 {
		r.add("DB_FOREIGN_KEYS_OFF", "foreign key enforcement is disabled",
			"reopen the database; the engine always enables foreign_keys")
	}

	for _, table := range expectedTables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			r.add("DB_MISSING_TABLE",
				fmt.Sprintf("table %s is missing", table),
				"run repair-db to apply pending migrations")
		}
	}

	applied, err := s.AppliedMigrations()
	if err != nil {
		return nil, err
	}
	appliedSet := map[string]bool{}
	for _, m := range applied {
		appliedSet[m] = true
	}
	for _, want := range store.MigrationFilenames() {
		if !appliedSet[want] {
			r.add("DB_MIGRATION_PENDING",
				fmt.Sprintf("migration %s has not been applied", want),
				"run repair-db")
		}
	}

	orphans := []struct {
		code, message, query string
	}{
		{"DB_ORPHAN_NODE", "task_nodes referencing a missing plan",
			`SELECT COUNT(*) FROM task_nodes n
			 LEFT JOIN plans p ON p.plan_id = n.plan_id WHERE p.plan_id IS NULL`},
		{"DB_ORPHAN_EDGE", "task_edges referencing a missing node",
			`SELECT COUNT(*) FROM task_edges e
			 LEFT JOIN task_nodes a ON a.task_id = e.from_task_id
			 LEFT JOIN task_nodes b ON b.task_id = e.to_task_id
			 WHERE a.task_id IS NULL OR b.task_id IS NULL`},
		{"DB_ORPHAN_EVENT", "task_events referencing a missing node",
			`SELECT COUNT(*) FROM task_events ev
			 LEFT JOIN task_nodes n ON n.task_id = ev.task_id WHERE n.task_id IS NULL`},
		{"DB_ORPHAN_EVIDENCE", "evidences referencing a missing requirement",
			`SELECT COUNT(*) FROM evidences ev
			 LEFT JOIN input_requirements ir ON ir.requirement_id = ev.requirement_id
			 WHERE ir.requirement_id IS NULL`},
	}
	for _, o := range orphans {
		var n int
		if err := db.QueryRow(o.query).Scan(&n); err != nil {
			continue // table missing; already reported above
		}
		if n > 0 {
			r.add(o.code, fmt.Sprintf("%d %s", n, o.message), "run repair-db")
		}
	}
	return r, nil
}

// CheckPlan verifies plan-level invariants for one plan.
func CheckPlan(s *store.Store, cfg config.Runtime, planID string) (*Report, error) {
	r := &Report{}
	plan, err := s.GetPlan(planID)
	if err != nil {
		r.add("PLAN_NOT_FOUND", fmt.Sprintf("plan %s not found", planID),
			"run create-plan first")
		return r, nil
	}
	tasks, err := s.PlanTasks(planID)
	if err != nil {
		return nil, err
	}
	edges, err := s.PlanEdges(planID)
	if err != nil {
		return nil, err
	}

	byID := map[string]*model.TaskNode{}
	actions := 0
	for _, t := range tasks {
		byID[t.TaskID] = t
		if t.NodeType == model.NodeAction {
			actions++
		}
		if !model.StatusAllowed(t.NodeType, t.Status) {
			r.addTask("PLAN_BAD_STATUS",
				fmt.Sprintf("status %s is illegal for a %s node", t.Status, t.NodeType),
				"run repair-db or reset-failed", t.TaskID, t.Title)
		}
		if t.Status == model.StatusBlocked && t.BlockedReason == "" {
			r.addTask("PLAN_BLOCKED_NO_REASON", "BLOCKED without a blocked_reason",
				"run repair-db", t.TaskID, t.Title)
		}
	}

	root := byID[plan.RootTaskID]
	switch {
	case root == nil:
		r.add("PLAN_ROOT_MISSING",
			fmt.Sprintf("root task %s does not exist", plan.RootTaskID),
			"regenerate the plan")
	case root.NodeType != model.NodeGoal:
		r.addTask("PLAN_ROOT_NOT_GOAL",
			fmt.Sprintf("root node is %s, not GOAL", root.NodeType),
			"regenerate the plan", root.TaskID, root.Title)
	}

	if actions == 0 {
		r.add("PLAN_NO_ACTIONS", "plan has no ACTION nodes; nothing can run",
			"regenerate the plan")
	}

	hasChildren := map[string]bool{}
	for _, e := range edges {
		if e.EdgeType == model.EdgeDecompose {
			hasChildren[e.FromTaskID] = true
		}
	}
	for _, t := range tasks {
		if t.NodeType == model.NodeGoal && !hasChildren[t.TaskID] {
			r.addTask("PLAN_MISSING_DECOMPOSE", "GOAL node has no DECOMPOSE children",
				"regenerate the plan or attach children", t.TaskID, t.Title)
		}
	}

	if cfg.WorkflowMode == "v2" {
		for _, t := range tasks {
			if t.NodeType == model.NodeCheck && t.ReviewTargetTaskID == "" {
				r.addTask("PLAN_CHECK_NO_TARGET", "CHECK node has no review target",
					"set review_target_task_id or rely on a DEPENDS_ON edge",
					t.TaskID, t.Title)
			}
		}
	}
	return r, nil
}

// Run executes both passes and merges their findings.
func Run(s *store.Store, cfg config.Runtime, planID string) (*Report, error) {
	log := logging.Get(logging.CategoryDoctor)
	dbReport, err := CheckDB(s)
	if err != nil {
		return nil, err
	}
	report := dbReport
	if planID != "" {
		planReport, err := CheckPlan(s, cfg, planID)
		if err != nil {
			return nil, err
		}
		report.Findings = append(report.Findings, planReport.Findings...)
	}
	log.Info("doctor: %d finding(s)", len(report.Findings))
	return report, nil
}

// Format renders a report for the terminal.
func Format(r *Report) string {
	if r.OK() {
		return "doctor: no problems found\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "doctor: %d problem(s) found\n\n", len(r.Findings))
	for _, f := range r.Findings {
		fmt.Fprintf(&b, "[%s] %s\n", f.Code, f.Message)
		if f.TaskID != "" {
			fmt.Fprintf(&b, "    task: %s (%s)\n", f.TaskTitle, f.TaskID)
		}
		if f.Hint != "" {
			fmt.Fprintf(&b, "    hint: %s\n", f.Hint)
		}
	}
	return b.String()
}
