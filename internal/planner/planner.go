// Package planner runs the create-plan workflow: the executor agent
// drafts a plan, the reviewer scores it, and rejected drafts are retried
// with a note describing what to fix.
package planner

import (
	"context"
	"fmt"
	"os"

	"github.com/jiazeyu1987/AgentFolder/internal/config"
	"github.com/jiazeyu1987/AgentFolder/internal/contracts"
	"github.com/jiazeyu1987/AgentFolder/internal/llm"
	"github.com/jiazeyu1987/AgentFolder/internal/logging"
	"github.com/jiazeyu1987/AgentFolder/internal/model"
	"github.com/jiazeyu1987/AgentFolder/internal/prompt"
	"github.com/jiazeyu1987/AgentFolder/internal/store"
	"github.com/jiazeyu1987/AgentFolder/internal/util"
)

// MaxPlanAttempts bounds how many drafts the workflow will request.
const MaxPlanAttempts = 3

// MaxReviewAttempts bounds the reviewer retries inside one draft
// attempt. A reviewer that cannot produce a valid document should not
// burn a draft that may be fine.
const MaxReviewAttempts = 3

// retryNoteMax caps the note fed back into the next draft prompt.
const retryNoteMax = 500

// Planner creates and persists an approved plan.
type Planner struct {
	store  *store.Store
	cfg    config.Runtime
	layout config.Layout
	client llm.Client
	bundle *prompt.Bundle
}

func New(s *store.Store, cfg config.Runtime, layout config.Layout,
	client llm.Client, bundle *prompt.Bundle) *Planner {
	return &Planner{store: s, cfg: cfg, layout: layout, client: client, bundle: bundle}
}

// Result is an approved plan ready to run.
type Result struct {
	Plan     *model.Plan
	PlanJSON string
	Score    int
	Attempts int
}

// CreatePlan drafts, reviews, and persists a plan for the goal. The
// approved document is written to plan.json and upserted into the store.
func (p *Planner) CreatePlan(ctx context.Context, goal string) (*Result, error) {
	log := logging.Get(logging.CategoryPlanner)
	retryNote := ""

	for attempt := 1; attempt <= MaxPlanAttempts; attempt++ {
		log.Info("plan draft attempt %d/%d", attempt, MaxPlanAttempts)

		norm, genCallID, cerr, err := p.draft(ctx, goal, retryNote)
		if err != nil {
			return nil, err
		}
		if cerr != nil {
			retryNote = util.Truncate(cerr.Short(), retryNoteMax)
			log.Warn("draft attempt %d invalid: %s", attempt, retryNote)
			continue
		}

		plan, err := contracts.DecodePlan(norm)
		if err != nil {
			retryNote = util.Truncate(err.Error(), retryNoteMax)
			continue
		}
		// The generation call predates the plan row; attach it now so the
		// plan's telemetry is complete.
		p.store.SetLLMCallPlan(genCallID, plan.PlanID)
		planJSON := contracts.MarshalNormalized(norm)
		if err := p.store.UpsertPlan(plan, planJSON); err != nil {
			return nil, fmt.Errorf("persist plan: %w", err)
		}

		score, approved, suggestions, err := p.review(ctx, goal, plan, planJSON)
		if err != nil {
			return nil, err
		}
		if !approved {
			_ = p.store.EmitEvent(plan.PlanID, plan.RootTaskID, "PLAN_REVIEWED", map[string]interface{}{
				"attempt":     attempt,
				"total_score": score,
				"approved":    false,
			})
			retryNote = util.Truncate(
				fmt.Sprintf("plan scored %d (pass %d); address: %s",
					score, p.cfg.PlanReviewPassScore, suggestions), retryNoteMax)
			log.Info("plan rejected at %d, retrying", score)
			continue
		}

		if err := os.WriteFile(p.layout.PlanJSONPath(), []byte(planJSON), 0o644); err != nil {
			return nil, fmt.Errorf("write plan.json: %w", err)
		}
		_ = p.store.EmitEvent(plan.PlanID, plan.RootTaskID, "PLAN_APPROVED", map[string]interface{}{
			"attempt":     attempt,
			"total_score": score,
		})
		p.completePlanChecks(plan)
		log.Info("plan %s approved at %d after %d attempt(s)", plan.PlanID, score, attempt)
		return &Result{Plan: plan, PlanJSON: planJSON, Score: score, Attempts: attempt}, nil
	}
	return nil, fmt.Errorf("no acceptable plan after %d attempts: %s", MaxPlanAttempts, retryNote)
}

// draft asks the executor agent for one plan document.
func (p *Planner) draft(ctx context.Context, goal, retryNote string) (map[string]interface{}, string, *contracts.ContractError, error) {
	userPrompt := prompt.BuildPlanGenPrompt(goal, retryNote)
	res, callID := p.call(ctx, string(contracts.ContractPlanGen), "",
		model.AgentExecutor, p.bundle.Executor, userPrompt)
	if !res.OK() {
		return nil, callID, &contracts.ContractError{
			ErrorCode: res.ErrCode,
			Schema:    contracts.SchemaPlan,
			Actual:    res.ErrMessage,
		}, nil
	}
	norm, cerr := contracts.NormalizeAndValidate(contracts.ContractPlanGen, res.Parsed, 0)
	if cerr != nil {
		p.store.BackfillNormalized(callID, contracts.MarshalNormalized(norm), cerr.Short())
		return norm, callID, cerr, nil
	}
	p.store.BackfillNormalized(callID, contracts.MarshalNormalized(norm), "")
	return norm, callID, nil, nil
}

// review asks the reviewer agent to score a draft. A structurally broken
// review retries the reviewer alone, up to MaxReviewAttempts, before the
// draft itself is given up on and counted as rejected.
func (p *Planner) review(ctx context.Context, goal string, plan *model.Plan, planJSON string) (int, bool, string, error) {
	log := logging.Get(logging.CategoryPlanner)
	userPrompt := prompt.BuildPlanReviewPrompt(goal, planJSON, p.cfg.PlanReviewPassScore)

	var norm map[string]interface{}
	valid := false
	for try := 1; try <= MaxReviewAttempts; try++ {
		res, callID := p.call(ctx, string(contracts.ContractPlanReview),
			plan.PlanID, model.AgentReviewer, p.bundle.Reviewer, userPrompt)
		if !res.OK() {
			log.Warn("plan review try %d/%d failed: %s", try, MaxReviewAttempts, res.ErrMessage)
			if try == MaxReviewAttempts {
				return 0, false, res.ErrMessage, nil
			}
			continue
		}
		var cerr *contracts.ContractError
		norm, cerr = contracts.NormalizeAndValidate(
			contracts.ContractPlanReview, res.Parsed, p.cfg.PlanReviewPassScore)
		if cerr != nil {
			p.store.BackfillNormalized(callID, contracts.MarshalNormalized(norm), cerr.Short())
			log.Warn("plan review try %d/%d invalid: %s", try, MaxReviewAttempts, cerr.Short())
			if try == MaxReviewAttempts {
				return 0, false, cerr.Short(), nil
			}
			continue
		}
		p.store.BackfillNormalized(callID, contracts.MarshalNormalized(norm), "")
		valid = true
		break
	}
	if !valid {
		return 0, false, "no valid review", nil
	}

	score := 0
	if f, ok := norm["total_score"].(float64); ok {
		score = int(f)
	}
	action, _ := norm["action_required"].(string)
	suggestions := ""
	if s := contracts.MarshalNormalized(map[string]interface{}{
		"suggestions": norm["suggestions"],
	}); s != "" {
		suggestions = s
	}

	rev := &store.Review{
		TaskID:          plan.RootTaskID,
		ReviewerAgentID: model.AgentReviewer,
		TotalScore:      score,
		Summary:         asStringOr(norm["summary"], ""),
		ActionRequired:  action,
	}
	if err := p.store.InsertReview(plan.PlanID, rev); err != nil {
		return 0, false, "", err
	}
	approved := action == "APPROVE" && score >= p.cfg.PlanReviewPassScore
	return score, approved, suggestions, nil
}

// completePlanChecks closes any CHECK node whose target is the root goal.
// The plan itself was just reviewed; re-checking it at runtime would loop.
func (p *Planner) completePlanChecks(plan *model.Plan) {
	for _, n := range plan.Nodes {
		if n.NodeType == model.NodeCheck && n.ReviewTargetTaskID == plan.RootTaskID {
			if err := p.store.UpdateTaskStatus(n.TaskID, model.StatusDone, ""); err != nil {
				logging.Get(logging.CategoryPlanner).Warn("close plan check %s: %v", n.TaskID, err)
			}
		}
	}
}

func (p *Planner) call(ctx context.Context, scope, planID, agent string,
	doc prompt.Doc, userPrompt string) (llm.CallResult, string) {
	system := p.bundle.Shared.Content + "\n\n" + doc.Content
	userPrompt = util.Truncate(userPrompt, p.cfg.Guardrails.MaxPromptChars)

	cctx, cancel := context.WithTimeout(ctx, p.cfg.LLMTimeout())
	defer cancel()
	started := util.NowISO()
	res := llm.CallJSON(cctx, p.client, system, userPrompt)
	res.Raw = util.Truncate(res.Raw, p.cfg.Guardrails.MaxResponseChars)

	parsedJSON := ""
	if res.Parsed != nil {
		parsedJSON = contracts.MarshalNormalized(res.Parsed)
	}
	callID := p.store.RecordLLMCall(&store.LLMCall{
		PlanID:              planID,
		StartedAt:           started,
		FinishedAt:          util.NowISO(),
		Agent:               agent,
		Scope:               scope,
		Provider:            p.cfg.LLM.Provider,
		RuntimeContextHash:  prompt.ContextHash(p.bundle.Shared.SHA256, doc.SHA256, userPrompt),
		SharedPromptVersion: p.bundle.Shared.Version,
		SharedPromptHash:    p.bundle.Shared.SHA256,
		AgentPromptVersion:  doc.Version,
		AgentPromptHash:     doc.SHA256,
		PromptText:          userPrompt,
		ResponseText:        res.Raw,
		ParsedJSON:          parsedJSON,
		ErrorCode:           res.ErrCode,
		ErrorMessage:        res.ErrMessage,
	})
	return res, callID
}

func asStringOr(v interface{}, def string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return def
}
