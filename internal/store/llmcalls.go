package store

import (
	"database/sql"

	"github.com/google/uuid"

	"github.com/jiazeyu1987/AgentFolder/internal/logging"
	"github.com/jiazeyu1987/AgentFolder/internal/util"
)

// LLMCall is the telemetry row for one language-model invocation.
type LLMCall struct {
	LLMCallID          string
	CreatedAt          string
	StartedAt          string
	FinishedAt         string
	PlanID             string
	TaskID             string
	Agent              string
	Scope              string
	Provider           string
	RuntimeContextHash string
	SharedPromptVersion string
	SharedPromptHash   string
	AgentPromptVersion string
	AgentPromptHash    string
	PromptText         string
	ResponseText       string
	ParsedJSON         string
	NormalizedJSON     string
	ValidatorError     string
	ErrorCode          string
	ErrorMessage       string
	MetaJSON           string
}

// RecordLLMCall persists call telemetry. Recording is best-effort: a
// failure here is logged but never fails the calling round. The call id
// is returned for later backfill.
func (s *Store) RecordLLMCall(c *LLMCall) string {
	if c.LLMCallID == "" {
		c.LLMCallID = uuid.NewString()
	}
	if c.CreatedAt == "" {
		c.CreatedAt = util.NowISO()
	}
	err := s.exec(`INSERT INTO llm_calls(
		llm_call_id, created_at, started_at_ts, finished_at_ts, plan_id, task_id,
		agent, scope, provider, runtime_context_hash,
		shared_prompt_version, shared_prompt_hash,
		agent_prompt_version, agent_prompt_hash,
		prompt_text, response_text, parsed_json, normalized_json,
		validator_error, error_code, error_message, meta_json)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.LLMCallID, c.CreatedAt, nullable(c.StartedAt), nullable(c.FinishedAt),
		nullable(c.PlanID), nullable(c.TaskID), nullable(c.Agent),
		nullable(c.Scope), nullable(c.Provider), nullable(c.RuntimeContextHash),
		nullable(c.SharedPromptVersion), nullable(c.SharedPromptHash),
		nullable(c.AgentPromptVersion), nullable(c.AgentPromptHash),
		nullable(c.PromptText), nullable(c.ResponseText), nullable(c.ParsedJSON),
		nullable(c.NormalizedJSON), nullable(c.ValidatorError),
		nullable(c.ErrorCode), nullable(c.ErrorMessage), nullable(c.MetaJSON))
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("record llm call: %v", err)
	}
	return c.LLMCallID
}

// BackfillNormalized attaches the normalized payload (and any validator
// error) to an already-recorded call. Best-effort, like RecordLLMCall.
func (s *Store) BackfillNormalized(callID, normalizedJSON, validatorError string) {
	err := s.exec(
		"UPDATE llm_calls SET normalized_json=?, validator_error=? WHERE llm_call_id=?",
		nullable(normalizedJSON), nullable(validatorError), callID)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("backfill llm call %s: %v", callID, err)
	}
}

// SetLLMCallPlan attaches a plan id to a call recorded before the plan
// existed (plan generation calls). Best-effort, like RecordLLMCall.
func (s *Store) SetLLMCallPlan(callID, planID string) {
	err := s.exec(
		"UPDATE llm_calls SET plan_id=? WHERE llm_call_id=?", planID, callID)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("set llm call plan %s: %v", callID, err)
	}
}

// CountLLMCalls returns the total calls recorded for a plan.
func (s *Store) CountLLMCalls(planID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM llm_calls WHERE plan_id=?", planID).Scan(&n)
	return n, err
}

// CountTaskLLMCalls returns calls recorded for one task.
func (s *Store) CountTaskLLMCalls(taskID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM llm_calls WHERE task_id=?", taskID).Scan(&n)
	return n, err
}

// RecentLLMCalls lists recent calls for inspection.
func (s *Store) RecentLLMCalls(planID string, limit int) ([]LLMCall, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT llm_call_id, created_at, COALESCE(plan_id,''),
		COALESCE(task_id,''), COALESCE(agent,''), COALESCE(scope,''),
		COALESCE(provider,''), COALESCE(error_code,''), COALESCE(error_message,''),
		COALESCE(validator_error,''), COALESCE(normalized_json,'')
		FROM llm_calls`
	args := []interface{}{}
	if planID != "" {
		query += " WHERE plan_id=?"
		args = append(args, planID)
	}
	query += " ORDER BY created_at DESC, llm_call_id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LLMCall
	for rows.Next() {
		var c LLMCall
		if err := rows.Scan(&c.LLMCallID, &c.CreatedAt, &c.PlanID, &c.TaskID,
			&c.Agent, &c.Scope, &c.Provider, &c.ErrorCode, &c.ErrorMessage,
			&c.ValidatorError, &c.NormalizedJSON); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AllLLMCallRows streams every call row for auditing.
func (s *Store) AllLLMCallRows() (*sql.Rows, error) {
	return s.db.Query(`SELECT llm_call_id, COALESCE(scope,''),
		COALESCE(normalized_json,''), COALESCE(validator_error,''),
		COALESCE(error_code,'') FROM llm_calls ORDER BY created_at`)
}

// TrimLLMCalls enforces the llm_calls row cap, deleting oldest rows.
func (s *Store) TrimLLMCalls(maxRows int) (int, error) {
	return s.trimTable("llm_calls", "llm_call_id", "created_at", maxRows)
}

// TrimTaskEvents enforces the task_events row cap, deleting oldest rows.
func (s *Store) TrimTaskEvents(maxRows int) (int, error) {
	return s.trimTable("task_events", "event_id", "created_at", maxRows)
}

func (s *Store) trimTable(table, idCol, orderCol string, maxRows int) (int, error) {
	if maxRows <= 0 {
		return 0, nil
	}
	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&total); err != nil {
		return 0, err
	}
	excess := total - maxRows
	if excess <= 0 {
		return 0, nil
	}
	err := s.exec(
		"DELETE FROM "+table+" WHERE "+idCol+" IN (SELECT "+idCol+" FROM "+table+
			" ORDER BY "+orderCol+" ASC LIMIT ?)", excess)
	if err != nil {
		return 0, err
	}
	return excess, nil
}
