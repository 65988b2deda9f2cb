package engine

import (
	"github.com/jiazeyu1987/AgentFolder/internal/logging"
	"github.com/jiazeyu1987/AgentFolder/internal/model"
)

// Error codes the engine maps through the outcome table.
const (
	ErrLLMUnparseable      = "LLM_UNPARSEABLE"
	ErrLLMTimeout          = "LLM_TIMEOUT"
	ErrLLMFailed           = "LLM_FAILED"
	ErrLLMRefusal          = "LLM_REFUSAL"
	ErrSkillFailed         = "SKILL_FAILED"
	ErrSkillTimeout        = "SKILL_TIMEOUT"
	ErrSkillBadInput       = "SKILL_BAD_INPUT"
	ErrInputMissing        = "INPUT_MISSING"
	ErrInputConflict       = "INPUT_CONFLICT"
	ErrMaxAttemptsExceeded = "MAX_ATTEMPTS_EXCEEDED"
)

// outcome is the status transition an error code produces.
type outcome struct {
	status     model.Status
	reason     model.BlockedReason
	incAttempt bool
}

var outcomes = map[string]outcome{
	ErrLLMUnparseable:      {status: model.StatusFailed, incAttempt: true},
	ErrLLMTimeout:          {status: model.StatusFailed, incAttempt: true},
	ErrLLMFailed:           {status: model.StatusFailed, incAttempt: true},
	ErrLLMRefusal:          {status: model.StatusFailed, incAttempt: true},
	ErrSkillFailed:         {status: model.StatusBlocked, reason: model.WaitingSkill},
	ErrSkillTimeout:        {status: model.StatusBlocked, reason: model.WaitingSkill},
	ErrSkillBadInput:       {status: model.StatusBlocked, reason: model.WaitingInput},
	ErrInputMissing:        {status: model.StatusBlocked, reason: model.WaitingInput},
	ErrInputConflict:       {status: model.StatusBlocked, reason: model.WaitingExternal},
	ErrMaxAttemptsExceeded: {status: model.StatusBlocked, reason: model.WaitingExternal},
}

// handleError records an ERROR event, bumps the matching counter, and
// applies the outcome table. Attempt-consuming errors that reach the
// attempt cap escalate to MAX_ATTEMPTS_EXCEEDED.
func (e *Engine) handleError(taskID, code, message string) error {
	logging.Get(logging.CategoryEngine).Warn("task %s: %s: %s", taskID, code, message)
	_ = e.store.EmitEvent(e.planID, taskID, "ERROR", map[string]interface{}{
		"error_code": code,
		"message":    message,
	})
	if _, err := e.store.IncErrorCounter(e.planID, taskID, code); err != nil {
		logging.Get(logging.CategoryEngine).Warn("counter %s: %v", code, err)
	}

	out, ok := outcomes[code]
	if !ok {
		out = outcome{status: model.StatusFailed, incAttempt: true}
	}
	if out.incAttempt {
		attempts, err := e.store.IncrementAttempt(taskID)
		if err != nil {
			return err
		}
		if attempts >= e.cfg.MaxTaskAttempts {
			return e.escalateAttempts(taskID)
		}
	}
	return e.store.UpdateTaskStatus(taskID, out.status, out.reason)
}

func (e *Engine) escalateAttempts(taskID string) error {
	_ = e.store.EmitEvent(e.planID, taskID, "ERROR", map[string]interface{}{
		"error_code": ErrMaxAttemptsExceeded,
	})
	_, _ = e.store.IncErrorCounter(e.planID, taskID, ErrMaxAttemptsExceeded)
	return e.store.UpdateTaskStatus(taskID, model.StatusBlocked, model.WaitingExternal)
}
