package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/jiazeyu1987/AgentFolder/internal/model"
	"github.com/jiazeyu1987/AgentFolder/internal/util"
)

// UpdateTaskStatus moves a task to a new status and records a
// STATUS_CHANGED event in the same transaction. Illegal statuses for the
// node type are rejected.
func (s *Store) UpdateTaskStatus(taskID string, status model.Status, reason model.BlockedReason) error {
	task, err := s.GetTask(taskID)
	if err != nil {
		return err
	}
	if !model.StatusAllowed(task.NodeType, status) {
		return fmt.Errorf("status %s not legal for %s task %s", status, task.NodeType, taskID)
	}
	if status == model.StatusBlocked && reason == "" {
		return fmt.Errorf("BLOCKED requires a blocked_reason (task %s)", taskID)
	}
	if status != model.StatusBlocked {
		reason = ""
	}
	now := util.NowISO()
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"UPDATE task_nodes SET status=?, blocked_reason=?, updated_at=? WHERE task_id=?",
			string(status), nullable(string(reason)), now, taskID); err != nil {
			return err
		}
		payload := map[string]interface{}{
			"from": string(task.Status),
			"to":   string(status),
		}
		if reason != "" {
			payload["blocked_reason"] = string(reason)
		}
		return emitEventTx(tx, task.PlanID, taskID, "STATUS_CHANGED", payload)
	})
}

// IncrementAttempt bumps attempt_count and returns the new value.
func (s *Store) IncrementAttempt(taskID string) (int, error) {
	var count int
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"UPDATE task_nodes SET attempt_count = attempt_count + 1, updated_at=? WHERE task_id=?",
			util.NowISO(), taskID); err != nil {
			return err
		}
		return tx.QueryRow(
			"SELECT attempt_count FROM task_nodes WHERE task_id=?", taskID,
		).Scan(&count)
	})
	return count, err
}

// SetActiveArtifact points the task at its newest artifact version.
func (s *Store) SetActiveArtifact(taskID, artifactID string) error {
	return s.exec(
		"UPDATE task_nodes SET active_artifact_id=?, updated_at=? WHERE task_id=?",
		artifactID, util.NowISO(), taskID)
}

// SetReviewedArtifact records which artifact version a review targeted.
func (s *Store) SetReviewedArtifact(taskID, artifactID string) error {
	return s.exec(
		"UPDATE task_nodes SET reviewed_artifact_id=?, updated_at=? WHERE task_id=?",
		artifactID, util.NowISO(), taskID)
}

// SetApprovedArtifact records the artifact that passed review.
func (s *Store) SetApprovedArtifact(taskID, artifactID string) error {
	return s.exec(
		"UPDATE task_nodes SET approved_artifact_id=?, updated_at=? WHERE task_id=?",
		artifactID, util.NowISO(), taskID)
}

// SetActiveBranch flips branch membership during alternative selection.
func (s *Store) SetActiveBranch(taskID string, active bool) error {
	return s.exec(
		"UPDATE task_nodes SET active_branch=?, updated_at=? WHERE task_id=?",
		boolInt(active), util.NowISO(), taskID)
}

func (s *Store) exec(query string, args ...interface{}) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(query, args...)
		return err
	})
}

// Event is one row of the task event log.
type Event struct {
	EventID   string
	PlanID    string
	TaskID    string
	Seq       int
	EventType string
	Payload   string
	CreatedAt string
}

func emitEventTx(tx *sql.Tx, planID, taskID, eventType string, payload map[string]interface{}) error {
	var seq int
	if err := tx.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM task_events WHERE task_id=?", taskID,
	).Scan(&seq); err != nil {
		return err
	}
	_, err := tx.Exec(`INSERT INTO task_events(
		event_id, plan_id, task_id, seq, event_type, payload_json, created_at)
		VALUES(?,?,?,?,?,?,?)`,
		uuid.NewString(), nullable(planID), taskID, seq, eventType,
		marshalOrDefault(payload, "{}"), util.NowISO())
	return err
}

// EmitEvent appends an event with the next monotonic seq for the task.
func (s *Store) EmitEvent(planID, taskID, eventType string, payload map[string]interface{}) error {
	return s.withTx(func(tx *sql.Tx) error {
		return emitEventTx(tx, planID, taskID, eventType, payload)
	})
}

// TaskEvents returns a task's events in seq order.
func (s *Store) TaskEvents(taskID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT event_id, COALESCE(plan_id,''), task_id, seq,
		event_type, payload_json, created_at
		FROM task_events WHERE task_id=? ORDER BY seq DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// RecentEvents returns the latest events across a plan, optionally
// filtered by type.
func (s *Store) RecentEvents(planID, eventType string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT event_id, COALESCE(plan_id,''), task_id, seq, event_type,
		payload_json, created_at FROM task_events WHERE plan_id=?`
	args := []interface{}{planID}
	if eventType != "" {
		query += " AND event_type=?"
		args = append(args, eventType)
	}
	query += " ORDER BY created_at DESC, seq DESC LIMIT ?"
	args = append(args, limit)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.EventID, &e.PlanID, &e.TaskID, &e.Seq,
			&e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// IncErrorCounter bumps a named error counter and returns the new count.
func (s *Store) IncErrorCounter(planID, taskID, key string) (int, error) {
	var count int
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO task_error_counters(plan_id, task_id, key, count, updated_at)
			VALUES(?,?,?,1,?)
			ON CONFLICT(plan_id, task_id, key) DO UPDATE SET
				count = count + 1, updated_at = excluded.updated_at`,
			planID, taskID, key, util.NowISO()); err != nil {
			return err
		}
		return tx.QueryRow(
			"SELECT count FROM task_error_counters WHERE plan_id=? AND task_id=? AND key=?",
			planID, taskID, key).Scan(&count)
	})
	return count, err
}

// ErrorCounter reads one counter; missing counters read as zero.
func (s *Store) ErrorCounter(planID, taskID, key string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT count FROM task_error_counters WHERE plan_id=? AND task_id=? AND key=?",
		planID, taskID, key).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

// ResetErrorCounter clears one counter.
func (s *Store) ResetErrorCounter(planID, taskID, key string) error {
	return s.exec(
		"DELETE FROM task_error_counters WHERE plan_id=? AND task_id=? AND key=?",
		planID, taskID, key)
}

// ErrorCounterRow is one accumulated error counter.
type ErrorCounterRow struct {
	TaskID    string
	Key       string
	Count     int
	UpdatedAt string
}

// ErrorCounters lists all counters for a plan, highest first.
func (s *Store) ErrorCounters(planID string) ([]ErrorCounterRow, error) {
	rows, err := s.db.Query(`SELECT task_id, key, count, updated_at
		FROM task_error_counters WHERE plan_id=? ORDER BY count DESC, task_id`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ErrorCounterRow
	for rows.Next() {
		var r ErrorCounterRow
		if err := rows.Scan(&r.TaskID, &r.Key, &r.Count, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResetFailedTasks moves FAILED tasks back to READY with attempt_count
// cleared, emitting an event per task. Returns the affected task ids.
func (s *Store) ResetFailedTasks(planID string) ([]string, error) {
	tasks, err := s.PlanTasks(planID)
	if err != nil {
		return nil, err
	}
	var reset []string
	err = s.withTx(func(tx *sql.Tx) error {
		for _, t := range tasks {
			if t.Status != model.StatusFailed {
				continue
			}
			if _, err := tx.Exec(
				"UPDATE task_nodes SET status='READY', attempt_count=0, blocked_reason=NULL, updated_at=? WHERE task_id=?",
				util.NowISO(), t.TaskID); err != nil {
				return err
			}
			if err := emitEventTx(tx, planID, t.TaskID, "STATUS_CHANGED", map[string]interface{}{
				"from": string(model.StatusFailed), "to": string(model.StatusReady),
				"cause": "reset-failed",
			}); err != nil {
				return err
			}
			reset = append(reset, t.TaskID)
		}
		return nil
	})
	return reset, err
}
