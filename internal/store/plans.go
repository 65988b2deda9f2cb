package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jiazeyu1987/AgentFolder/internal/model"
	"github.com/jiazeyu1987/AgentFolder/internal/util"
)

func marshalJSON(v interface{}) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalStrings(s string) []string {
	var out []string
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// UpsertPlan writes a plan plus its nodes, edges, and requirements in one
// transaction. Existing rows for the plan are replaced; task runtime
// columns (status, attempts, artifact ids) on existing nodes are
// preserved.
func (s *Store) UpsertPlan(p *model.Plan, planJSON string) error {
	now := util.NowISO()
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO plans(plan_id, title, root_task_id, status, plan_json, created_at)
			VALUES(?, ?, ?, 'ACTIVE', ?, ?)
			ON CONFLICT(plan_id) DO UPDATE SET title=excluded.title,
				root_task_id=excluded.root_task_id, plan_json=excluded.plan_json`,
			p.PlanID, p.Title, p.RootTaskID, planJSON, now); err != nil {
			return fmt.Errorf("upsert plan: %w", err)
		}

		for i := range p.Nodes {
			n := &p.Nodes[i]
			status := n.Status
			if status == "" {
				status = model.StatusPending
			}
			if _, err := tx.Exec(`INSERT INTO task_nodes(
				task_id, plan_id, node_type, title, goal_statement, rationale,
				status, blocked_reason, owner_agent_id, priority, attempt_count,
				tags_json, confidence, and_or, active_branch,
				final_deliverable_spec_json,
				estimated_person_days, deliverable_spec_json,
				acceptance_criteria_json, review_target_task_id,
				created_at, updated_at)
				VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
				ON CONFLICT(task_id) DO UPDATE SET
					title=excluded.title,
					goal_statement=excluded.goal_statement,
					rationale=excluded.rationale,
					owner_agent_id=excluded.owner_agent_id,
					priority=excluded.priority,
					tags_json=excluded.tags_json,
					confidence=excluded.confidence,
					and_or=excluded.and_or,
					final_deliverable_spec_json=excluded.final_deliverable_spec_json,
					estimated_person_days=excluded.estimated_person_days,
					deliverable_spec_json=excluded.deliverable_spec_json,
					acceptance_criteria_json=excluded.acceptance_criteria_json,
					review_target_task_id=excluded.review_target_task_id,
					updated_at=excluded.updated_at`,
				n.TaskID, p.PlanID, string(n.NodeType), n.Title, n.GoalStatement,
				n.Rationale, string(status), nullable(string(n.BlockedReason)),
				n.OwnerAgentID, n.Priority, n.AttemptCount,
				marshalOrDefault(n.Tags, "[]"), n.Confidence,
				nullable(string(n.AndOr)), 1,
				nullable(n.FinalDeliverableSpecJSON),
				n.EstimatedPersonDays, nullable(n.DeliverableSpecJSON),
				nullable(n.AcceptanceCriteriaJSON), nullable(n.ReviewTargetTaskID),
				now, now); err != nil {
				return fmt.Errorf("upsert task %s: %w", n.TaskID, err)
			}

			for _, r := range n.Requirements {
				reqID := r.RequirementID
				if reqID == "" {
					reqID = uuid.NewString()
				}
				if _, err := tx.Exec(`INSERT INTO input_requirements(
					requirement_id, task_id, name, kind, required, min_count,
					allowed_types_json, source, validation_json, created_at)
					VALUES(?,?,?,?,?,?,?,?,?,?)
					ON CONFLICT(requirement_id) DO UPDATE SET
						name=excluded.name, kind=excluded.kind,
						required=excluded.required, min_count=excluded.min_count,
						allowed_types_json=excluded.allowed_types_json,
						source=excluded.source,
						validation_json=excluded.validation_json`,
					reqID, n.TaskID, r.Name, string(r.Kind), boolInt(r.Required),
					r.MinCount, marshalOrDefault(r.AllowedTypes, "[]"),
					r.Source, marshalOrDefault(r.Validation, "{}"), now); err != nil {
					return fmt.Errorf("upsert requirement %s: %w", r.Name, err)
				}
			}
		}

		if _, err := tx.Exec("DELETE FROM task_edges WHERE plan_id=?", p.PlanID); err != nil {
			return fmt.Errorf("clear edges: %w", err)
		}
		for _, e := range p.Edges {
			edgeID := e.EdgeID
			if edgeID == "" {
				edgeID = uuid.NewString()
			}
			if _, err := tx.Exec(`INSERT INTO task_edges(
				edge_id, plan_id, from_task_id, to_task_id, edge_type, group_id, created_at)
				VALUES(?,?,?,?,?,?,?)`,
				edgeID, p.PlanID, e.FromTaskID, e.ToTaskID, string(e.EdgeType),
				nullable(e.GroupID), now); err != nil {
				return fmt.Errorf("insert edge %s->%s: %w", e.FromTaskID, e.ToTaskID, err)
			}
		}
		return nil
	})
}

// AddRequirement registers one extra requirement on an existing task.
// A requirement with the same name is reused, so repeated NEEDS_INPUT
// rounds do not pile up duplicates.
func (s *Store) AddRequirement(taskID string, r *model.InputRequirement) (string, error) {
	var existing string
	err := s.db.QueryRow(
		"SELECT requirement_id FROM input_requirements WHERE task_id=? AND name=?",
		taskID, r.Name).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}
	reqID := r.RequirementID
	if reqID == "" {
		reqID = uuid.NewString()
	}
	err = s.exec(`INSERT INTO input_requirements(
		requirement_id, task_id, name, kind, required, min_count,
		allowed_types_json, source, validation_json, created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		reqID, taskID, r.Name, string(r.Kind), boolInt(r.Required),
		r.MinCount, marshalOrDefault(r.AllowedTypes, "[]"),
		r.Source, marshalOrDefault(r.Validation, "{}"), util.NowISO())
	if err != nil {
		return "", fmt.Errorf("add requirement %s: %w", r.Name, err)
	}
	return reqID, nil
}

func marshalOrDefault(v interface{}, def string) string {
	s := marshalJSON(v)
	if s == "" || s == "null" {
		return def
	}
	return s
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetPlan returns plan metadata without the node set.
func (s *Store) GetPlan(planID string) (*model.Plan, error) {
	row := s.db.QueryRow(
		"SELECT plan_id, title, root_task_id, status, created_at FROM plans WHERE plan_id=?",
		planID)
	var p model.Plan
	if err := row.Scan(&p.PlanID, &p.Title, &p.RootTaskID, &p.Status, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("plan not found: %s", planID)
		}
		return nil, err
	}
	return &p, nil
}

// LatestPlanID returns the most recently created plan.
func (s *Store) LatestPlanID() (string, error) {
	var id string
	err := s.db.QueryRow(
		"SELECT plan_id FROM plans ORDER BY created_at DESC, plan_id DESC LIMIT 1",
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("no plans in database")
	}
	return id, err
}

const taskColumns = `task_id, plan_id, node_type, title,
	COALESCE(goal_statement,''), COALESCE(rationale,''),
	status, COALESCE(blocked_reason,''), COALESCE(owner_agent_id,''),
	priority, attempt_count, tags_json, COALESCE(confidence,0),
	COALESCE(and_or,''), active_branch,
	COALESCE(active_artifact_id,''), COALESCE(approved_artifact_id,''),
	COALESCE(reviewed_artifact_id,''),
	COALESCE(final_deliverable_spec_json,''),
	COALESCE(estimated_person_days,0), COALESCE(deliverable_spec_json,''),
	COALESCE(acceptance_criteria_json,''), COALESCE(review_target_task_id,''),
	created_at, updated_at`

func scanTask(sc interface{ Scan(...interface{}) error }) (*model.TaskNode, error) {
	var n model.TaskNode
	var nodeType, status, blocked, andOr, tagsJSON string
	var activeBranch int
	if err := sc.Scan(
		&n.TaskID, &n.PlanID, &nodeType, &n.Title, &n.GoalStatement,
		&n.Rationale, &status, &blocked, &n.OwnerAgentID, &n.Priority,
		&n.AttemptCount, &tagsJSON, &n.Confidence, &andOr, &activeBranch,
		&n.ActiveArtifactID, &n.ApprovedArtifactID, &n.ReviewedArtifactID,
		&n.FinalDeliverableSpecJSON, &n.EstimatedPersonDays,
		&n.DeliverableSpecJSON, &n.AcceptanceCriteriaJSON,
		&n.ReviewTargetTaskID, &n.CreatedAt, &n.UpdatedAt,
	); err != nil {
		return nil, err
	}
	n.NodeType = model.NodeType(nodeType)
	n.Status = model.Status(status)
	n.BlockedReason = model.BlockedReason(blocked)
	n.AndOr = model.AndOr(andOr)
	n.ActiveBranch = activeBranch != 0
	n.Tags = unmarshalStrings(tagsJSON)
	return &n, nil
}

// GetTask loads one task node.
func (s *Store) GetTask(taskID string) (*model.TaskNode, error) {
	row := s.db.QueryRow("SELECT "+taskColumns+" FROM task_nodes WHERE task_id=?", taskID)
	n, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	return n, err
}

// PlanTasks loads every node of a plan.
func (s *Store) PlanTasks(planID string) ([]*model.TaskNode, error) {
	rows, err := s.db.Query(
		"SELECT "+taskColumns+" FROM task_nodes WHERE plan_id=? ORDER BY created_at, task_id",
		planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.TaskNode
	for rows.Next() {
		n, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// PlanEdges loads every edge of a plan.
func (s *Store) PlanEdges(planID string) ([]*model.TaskEdge, error) {
	rows, err := s.db.Query(`SELECT edge_id, plan_id, from_task_id, to_task_id,
		edge_type, COALESCE(group_id,''), created_at
		FROM task_edges WHERE plan_id=? ORDER BY created_at, edge_id`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.TaskEdge
	for rows.Next() {
		var e model.TaskEdge
		var edgeType string
		if err := rows.Scan(&e.EdgeID, &e.PlanID, &e.FromTaskID, &e.ToTaskID,
			&edgeType, &e.GroupID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EdgeType = model.EdgeType(edgeType)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// TaskRequirements loads the input requirements of a task.
func (s *Store) TaskRequirements(taskID string) ([]*model.InputRequirement, error) {
	rows, err := s.db.Query(`SELECT requirement_id, task_id, name, kind, required,
		min_count, allowed_types_json, source, validation_json, created_at
		FROM input_requirements WHERE task_id=? ORDER BY created_at, requirement_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.InputRequirement
	for rows.Next() {
		var r model.InputRequirement
		var kind, allowedJSON, validationJSON string
		var required int
		if err := rows.Scan(&r.RequirementID, &r.TaskID, &r.Name, &kind,
			&required, &r.MinCount, &allowedJSON, &r.Source, &validationJSON,
			&r.CreatedAt); err != nil {
			return nil, err
		}
		r.Kind = model.RequirementKind(kind)
		r.Required = required != 0
		r.AllowedTypes = unmarshalStrings(allowedJSON)
		_ = json.Unmarshal([]byte(validationJSON), &r.Validation)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// AllRequirements loads every requirement across a plan's tasks.
func (s *Store) AllRequirements(planID string) ([]*model.InputRequirement, error) {
	rows, err := s.db.Query(`SELECT r.requirement_id, r.task_id, r.name, r.kind,
		r.required, r.min_count, r.allowed_types_json, r.source, r.validation_json,
		r.created_at
		FROM input_requirements r
		JOIN task_nodes n ON n.task_id = r.task_id
		WHERE n.plan_id=? ORDER BY r.created_at, r.requirement_id`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.InputRequirement
	for rows.Next() {
		var r model.InputRequirement
		var kind, allowedJSON, validationJSON string
		var required int
		if err := rows.Scan(&r.RequirementID, &r.TaskID, &r.Name, &kind,
			&required, &r.MinCount, &allowedJSON, &r.Source, &validationJSON,
			&r.CreatedAt); err != nil {
			return nil, err
		}
		r.Kind = model.RequirementKind(kind)
		r.Required = required != 0
		r.AllowedTypes = unmarshalStrings(allowedJSON)
		_ = json.Unmarshal([]byte(validationJSON), &r.Validation)
		out = append(out, &r)
	}
	return out, rows.Err()
}
