// Package scheduler picks the next task for each agent. Ordering is
// fully deterministic: rework first, then priority, then fewest
// attempts, then age, then id.
package scheduler

import (
	"database/sql"

	"github.com/jiazeyu1987/AgentFolder/internal/model"
	"github.com/jiazeyu1987/AgentFolder/internal/store"
)

// Scheduler reads candidate tasks from the store.
type Scheduler struct {
	store *store.Store
}

func New(s *store.Store) *Scheduler {
	return &Scheduler{store: s}
}

const pickColumns = "task_id"

// PickExecutorTask returns the next ACTION for the executor, or "" when
// none is runnable. TO_BE_MODIFY rework preempts fresh READY work.
func (s *Scheduler) PickExecutorTask(planID string) (string, error) {
	row := s.store.DB().QueryRow(`
		SELECT task_id FROM task_nodes
		WHERE plan_id = ?
		  AND active_branch = 1
		  AND owner_agent_id = ?
		  AND node_type = 'ACTION'
		  AND status IN ('TO_BE_MODIFY', 'READY')
		ORDER BY
		  CASE status WHEN 'TO_BE_MODIFY' THEN 0 ELSE 1 END,
		  priority DESC,
		  attempt_count ASC,
		  created_at ASC,
		  task_id ASC
		LIMIT 1`, planID, model.AgentExecutor)
	return scanOne(row)
}

// PickReviewTask returns the next ACTION awaiting review, or "".
func (s *Scheduler) PickReviewTask(planID string) (string, error) {
	row := s.store.DB().QueryRow(`
		SELECT task_id FROM task_nodes
		WHERE plan_id = ?
		  AND active_branch = 1
		  AND node_type = 'ACTION'
		  AND status = 'READY_TO_CHECK'
		ORDER BY priority DESC, updated_at ASC, task_id ASC
		LIMIT 1`, planID)
	return scanOne(row)
}

// PickCheckNode returns the next READY CHECK node owned by the given
// agent, or "".
func (s *Scheduler) PickCheckNode(planID, agent string) (string, error) {
	row := s.store.DB().QueryRow(`
		SELECT task_id FROM task_nodes
		WHERE plan_id = ?
		  AND active_branch = 1
		  AND owner_agent_id = ?
		  AND node_type = 'CHECK'
		  AND status = 'READY'
		ORDER BY priority DESC, created_at ASC, task_id ASC
		LIMIT 1`, planID, agent)
	return scanOne(row)
}

func scanOne(row *sql.Row) (string, error) {
	var id string
	err := row.Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}
