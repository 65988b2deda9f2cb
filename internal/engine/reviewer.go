package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jiazeyu1987/AgentFolder/internal/contracts"
	"github.com/jiazeyu1987/AgentFolder/internal/logging"
	"github.com/jiazeyu1987/AgentFolder/internal/model"
	"github.com/jiazeyu1987/AgentFolder/internal/prompt"
	"github.com/jiazeyu1987/AgentFolder/internal/store"
	"github.com/jiazeyu1987/AgentFolder/internal/util"
)

// runReviewRound runs one xiaojing round over a READY_TO_CHECK task. The
// artifact id is captured before the call; approval only completes the
// task if it is still the active artifact afterwards.
func (e *Engine) runReviewRound(ctx context.Context, taskID string) error {
	log := logging.Get(logging.CategoryReviewer)
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.ActiveArtifactID == "" {
		log.Warn("task %s has no artifact to review", taskID)
		return e.store.UpdateTaskStatus(taskID, model.StatusReady, "")
	}
	reviewedID := task.ActiveArtifactID
	if err := e.store.SetReviewedArtifact(taskID, reviewedID); err != nil {
		return err
	}
	log.Info("review round: %s %q artifact %s", task.TaskID, task.Title, reviewedID)

	art, err := e.store.GetArtifact(reviewedID)
	if err != nil {
		return err
	}
	content, err := util.SafeReadText(art.Path, e.cfg.Guardrails.MaxPromptChars/2)
	if err != nil {
		return fmt.Errorf("read artifact %s: %w", art.Path, err)
	}

	plan, err := e.store.GetPlan(e.planID)
	if err != nil {
		return err
	}
	userPrompt := prompt.BuildReviewerPrompt(prompt.ReviewerInput{
		PlanTitle:       plan.Title,
		Task:            task,
		ArtifactName:    art.Name,
		ArtifactContent: content,
		PassScore:       e.cfg.PlanReviewPassScore,
	})
	res, callID := e.callAgent(ctx, string(contracts.ContractTaskCheck),
		taskID, model.AgentReviewer, e.bundle.Reviewer, userPrompt)
	if !res.OK() {
		return e.retryReviewOrEscalate(taskID, res.ErrCode, res.ErrMessage)
	}
	norm, cerr := contracts.NormalizeAndValidate(
		contracts.ContractTaskCheck, res.Parsed, e.cfg.PlanReviewPassScore)
	if cerr != nil {
		e.store.BackfillNormalized(callID, contracts.MarshalNormalized(norm), cerr.Short())
		return e.retryReviewOrEscalate(taskID, cerr.ErrorCode, cerr.Short())
	}
	e.store.BackfillNormalized(callID, contracts.MarshalNormalized(norm), "")

	rev := reviewFromNormalized(taskID, model.AgentReviewer, reviewedID, norm)
	if err := e.store.InsertReview(e.planID, rev); err != nil {
		return err
	}
	if err := e.writeReviewFile(taskID, rev, norm); err != nil {
		log.Warn("write review file: %v", err)
	}

	switch {
	case rev.ActionRequired == "REQUEST_EXTERNAL_INPUT":
		return e.requestExternalInput(taskID, rev)
	case rev.ActionRequired == "APPROVE" && rev.TotalScore >= e.cfg.PlanReviewPassScore:
		return e.approve(taskID, reviewedID, rev)
	default:
		return e.requestRework(taskID, rev)
	}
}

// requestExternalInput blocks the task until the user supplies what the
// reviewer asked for. The attempt counter is untouched: waiting on the
// user is not a failed attempt.
func (e *Engine) requestExternalInput(taskID string, rev *store.Review) error {
	if err := e.writeSuggestions(taskID, rev); err != nil {
		logging.Get(logging.CategoryReviewer).Warn("write suggestions: %v", err)
	}
	_ = e.store.EmitEvent(e.planID, taskID, "EXTERNAL_INPUT_REQUESTED", map[string]interface{}{
		"summary":     rev.Summary,
		"total_score": rev.TotalScore,
	})
	return e.store.UpdateTaskStatus(taskID, model.StatusBlocked, model.WaitingExternal)
}

// approve marks the reviewed artifact approved. If the executor has
// produced a newer artifact in the meantime the approval is stale and the
// task goes back to review instead of DONE.
func (e *Engine) approve(taskID, reviewedID string, rev *store.Review) error {
	if err := e.store.SetApprovedArtifact(taskID, reviewedID); err != nil {
		return err
	}
	if err := e.store.InsertApproval(taskID, reviewedID, model.AgentReviewer); err != nil {
		return err
	}
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.ActiveArtifactID != reviewedID {
		_ = e.store.EmitEvent(e.planID, taskID, "REVIEW_STALE", map[string]interface{}{
			"reviewed_artifact_id": reviewedID,
			"active_artifact_id":   task.ActiveArtifactID,
		})
		return e.store.UpdateTaskStatus(taskID, model.StatusReadyToCheck, "")
	}
	_ = e.store.EmitEvent(e.planID, taskID, "TASK_APPROVED", map[string]interface{}{
		"artifact_id": reviewedID,
		"total_score": rev.TotalScore,
	})
	return e.store.UpdateTaskStatus(taskID, model.StatusDone, "")
}

// requestRework sends the task back to the executor with the reviewer's
// suggestions, or escalates once the attempt budget is spent.
func (e *Engine) requestRework(taskID string, rev *store.Review) error {
	attempts, err := e.store.IncrementAttempt(taskID)
	if err != nil {
		return err
	}
	// Suggestions are written even when the budget is spent: the user
	// inherits them when the task blocks.
	if err := e.writeSuggestions(taskID, rev); err != nil {
		logging.Get(logging.CategoryReviewer).Warn("write suggestions: %v", err)
	}
	if attempts >= e.cfg.MaxTaskAttempts {
		return e.handleError(taskID, ErrMaxAttemptsExceeded,
			fmt.Sprintf("review rejected attempt %d", attempts))
	}
	return e.store.UpdateTaskStatus(taskID, model.StatusToBeModify, "")
}

// retryReviewOrEscalate keeps the task in READY_TO_CHECK after a failed
// review call. The executor's work is never failed by a reviewer error;
// repeated failures exhaust the per-task llm budget instead.
func (e *Engine) retryReviewOrEscalate(taskID, code, message string) error {
	logging.Get(logging.CategoryReviewer).Warn("review of %s failed: %s: %s", taskID, code, message)
	_ = e.store.EmitEvent(e.planID, taskID, "ERROR", map[string]interface{}{
		"error_code": code,
		"message":    message,
		"scope":      "review",
	})
	_, _ = e.store.IncErrorCounter(e.planID, taskID, "REVIEW_"+code)
	if n, err := e.store.CountTaskLLMCalls(taskID); err == nil &&
		n >= e.cfg.Guardrails.MaxLLMCallsPerTask {
		return e.handleError(taskID, ErrMaxAttemptsExceeded, "review llm budget exhausted")
	}
	return e.store.UpdateTaskStatus(taskID, model.StatusReadyToCheck, "")
}

// runCheckRound runs a CHECK node round. The check reviews its target
// task's approved output; a failing verdict pushes the target back to
// rework and re-arms the check.
func (e *Engine) runCheckRound(ctx context.Context, checkID, agent string) error {
	log := logging.Get(logging.CategoryReviewer)
	check, err := e.store.GetTask(checkID)
	if err != nil {
		return err
	}
	targetID := check.ReviewTargetTaskID
	if targetID == "" {
		targetID = e.checkTargetFromEdges(checkID)
	}
	if targetID == "" {
		log.Warn("check %s has no review target", checkID)
		return e.store.UpdateTaskStatus(checkID, model.StatusDone, "")
	}
	target, err := e.store.GetTask(targetID)
	if err != nil {
		return err
	}
	artifactID := target.ApprovedArtifactID
	if artifactID == "" {
		artifactID = target.ActiveArtifactID
	}
	if artifactID == "" {
		// Nothing to check yet; readiness will re-arm it later.
		return e.store.UpdateTaskStatus(checkID, model.StatusPending, "")
	}
	if err := e.store.UpdateTaskStatus(checkID, model.StatusInProgress, ""); err != nil {
		return err
	}
	art, err := e.store.GetArtifact(artifactID)
	if err != nil {
		return err
	}
	content, err := util.SafeReadText(art.Path, e.cfg.Guardrails.MaxPromptChars/2)
	if err != nil {
		return err
	}

	plan, err := e.store.GetPlan(e.planID)
	if err != nil {
		return err
	}
	doc := e.bundle.Reviewer
	if agent == model.AgentAuditor {
		doc = e.bundle.Auditor
	}
	userPrompt := prompt.BuildReviewerPrompt(prompt.ReviewerInput{
		PlanTitle:       plan.Title,
		Task:            target,
		ArtifactName:    art.Name,
		ArtifactContent: content,
		Rubric:          check.GoalStatement,
		PassScore:       e.cfg.PlanReviewPassScore,
	})
	res, callID := e.callAgent(ctx, string(contracts.ContractTaskCheck),
		checkID, agent, doc, userPrompt)
	if !res.OK() {
		_ = e.store.EmitEvent(e.planID, checkID, "ERROR", map[string]interface{}{
			"error_code": res.ErrCode, "message": res.ErrMessage,
		})
		return e.store.UpdateTaskStatus(checkID, model.StatusReady, "")
	}
	norm, cerr := contracts.NormalizeAndValidate(
		contracts.ContractTaskCheck, res.Parsed, e.cfg.PlanReviewPassScore)
	if cerr != nil {
		e.store.BackfillNormalized(callID, contracts.MarshalNormalized(norm), cerr.Short())
		_ = e.store.EmitEvent(e.planID, checkID, "ERROR", map[string]interface{}{
			"error_code": cerr.ErrorCode, "message": cerr.Short(),
		})
		return e.store.UpdateTaskStatus(checkID, model.StatusReady, "")
	}
	e.store.BackfillNormalized(callID, contracts.MarshalNormalized(norm), "")

	rev := reviewFromNormalized(checkID, agent, artifactID, norm)
	if err := e.store.InsertReview(e.planID, rev); err != nil {
		return err
	}
	if rev.ActionRequired == "APPROVE" && rev.TotalScore >= e.cfg.PlanReviewPassScore {
		_ = e.store.EmitEvent(e.planID, checkID, "CHECK_PASSED", map[string]interface{}{
			"target_task_id": targetID,
			"total_score":    rev.TotalScore,
		})
		return e.store.UpdateTaskStatus(checkID, model.StatusDone, "")
	}
	if rev.ActionRequired == "REQUEST_EXTERNAL_INPUT" {
		if err := e.writeSuggestions(targetID, rev); err != nil {
			log.Warn("write suggestions: %v", err)
		}
		_ = e.store.EmitEvent(e.planID, checkID, "EXTERNAL_INPUT_REQUESTED", map[string]interface{}{
			"target_task_id": targetID,
			"summary":        rev.Summary,
		})
		if err := e.store.UpdateTaskStatus(targetID, model.StatusBlocked, model.WaitingExternal); err != nil {
			return err
		}
		return e.store.UpdateTaskStatus(checkID, model.StatusPending, "")
	}

	count, err := e.store.IncErrorCounter(e.planID, checkID, "CHECK_ATTEMPT")
	if err != nil {
		return err
	}
	if count >= e.cfg.MaxCheckAttemptsV2 {
		return e.handleError(checkID, ErrMaxAttemptsExceeded,
			fmt.Sprintf("check rejected %d time(s)", count))
	}
	_ = e.store.EmitEvent(e.planID, checkID, "CHECK_FAILED", map[string]interface{}{
		"target_task_id": targetID,
		"total_score":    rev.TotalScore,
	})
	if err := e.writeSuggestions(targetID, rev); err != nil {
		log.Warn("write suggestions: %v", err)
	}
	if _, err := e.store.IncrementAttempt(targetID); err != nil {
		return err
	}
	if err := e.store.UpdateTaskStatus(targetID, model.StatusToBeModify, ""); err != nil {
		return err
	}
	return e.store.UpdateTaskStatus(checkID, model.StatusPending, "")
}

// checkTargetFromEdges resolves a check's target through its DEPENDS_ON
// edge when the v2 column is empty.
func (e *Engine) checkTargetFromEdges(checkID string) string {
	edges, err := e.store.PlanEdges(e.planID)
	if err != nil {
		return ""
	}
	for _, edge := range edges {
		if edge.EdgeType == model.EdgeDependsOn && edge.FromTaskID == checkID {
			return edge.ToTaskID
		}
	}
	return ""
}

// reviewFromNormalized maps a validated xiaojing_review_v1 document onto
// a review row.
func reviewFromNormalized(taskID, agent, reviewedArtifactID string, norm map[string]interface{}) *store.Review {
	score := 0
	if f, ok := norm["total_score"].(float64); ok {
		score = int(f)
	}
	action, _ := norm["action_required"].(string)
	summary, _ := norm["summary"].(string)
	breakdown := marshalList(norm["breakdown"])
	suggestions := marshalList(norm["suggestions"])
	return &store.Review{
		TaskID:             taskID,
		ReviewerAgentID:    agent,
		TotalScore:         score,
		BreakdownJSON:      breakdown,
		SuggestionsJSON:    suggestions,
		Summary:            summary,
		ActionRequired:     action,
		ReviewedArtifactID: reviewedArtifactID,
	}
}

func marshalList(v interface{}) string {
	if v == nil {
		return "[]"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// writeReviewFile persists the full review document under reviews/.
func (e *Engine) writeReviewFile(taskID string, rev *store.Review, norm map[string]interface{}) error {
	dir := filepath.Join(e.layout.ReviewsDir(), taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "review_"+rev.ReviewID+".json")
	return os.WriteFile(path, []byte(contracts.MarshalNormalized(norm)), 0o644)
}

// writeSuggestions renders the reviewer's suggestions as markdown for the
// next executor attempt and for the user.
func (e *Engine) writeSuggestions(taskID string, rev *store.Review) error {
	dir := filepath.Join(e.layout.ReviewsDir(), taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Review: score %d (%s)\n\n", rev.TotalScore, rev.ActionRequired)
	if rev.Summary != "" {
		b.WriteString(rev.Summary)
		b.WriteString("\n\n")
	}
	b.WriteString("## Suggestions\n\n")
	b.WriteString(rev.SuggestionsJSON)
	b.WriteString("\n")
	return os.WriteFile(filepath.Join(dir, "suggestions.md"), []byte(b.String()), 0o644)
}
