// Package engine runs the main execution loop: scan inputs, recompute
// readiness, schedule one agent round, repeat until the plan completes,
// blocks on the user, or trips a fuse.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jiazeyu1987/AgentFolder/internal/config"
	"github.com/jiazeyu1987/AgentFolder/internal/contracts"
	"github.com/jiazeyu1987/AgentFolder/internal/llm"
	"github.com/jiazeyu1987/AgentFolder/internal/logging"
	"github.com/jiazeyu1987/AgentFolder/internal/matcher"
	"github.com/jiazeyu1987/AgentFolder/internal/model"
	"github.com/jiazeyu1987/AgentFolder/internal/prompt"
	"github.com/jiazeyu1987/AgentFolder/internal/readiness"
	"github.com/jiazeyu1987/AgentFolder/internal/scheduler"
	"github.com/jiazeyu1987/AgentFolder/internal/skills"
	"github.com/jiazeyu1987/AgentFolder/internal/store"
	"github.com/jiazeyu1987/AgentFolder/internal/util"
)

// Engine drives one plan through its agent rounds.
type Engine struct {
	store   *store.Store
	cfg     config.Runtime
	layout  config.Layout
	client  llm.Client
	bundle  *prompt.Bundle
	matcher *matcher.Matcher
	ready   *readiness.Recomputer
	sched   *scheduler.Scheduler
	skills  *skills.Registry
	watcher *matcher.Watcher
	planID  string

	runCalls int // llm calls made by this run
}

// New assembles an engine for one plan.
func New(s *store.Store, cfg config.Runtime, layout config.Layout,
	client llm.Client, bundle *prompt.Bundle, reg *skills.Registry, planID string) *Engine {
	return &Engine{
		store:   s,
		cfg:     cfg,
		layout:  layout,
		client:  client,
		bundle:  bundle,
		matcher: matcher.New(s, layout),
		ready:   readiness.New(s, cfg),
		sched:   scheduler.New(s),
		skills:  reg,
		planID:  planID,
	}
}

// StopReason reports why a run ended.
type StopReason string

const (
	StopPlanDone      StopReason = "PLAN_DONE"
	StopBlockedOnUser StopReason = "BLOCKED_ON_USER"
	StopPlanTimeout   StopReason = "PLAN_TIMEOUT"
	StopLLMBudget     StopReason = "MAX_LLM_CALLS_EXCEEDED"
	StopIterations    StopReason = "MAX_RUN_ITERATIONS"
	StopCanceled      StopReason = "CANCELED"
)

// Run executes the loop until the plan finishes or a fuse trips.
func (e *Engine) Run(ctx context.Context) (StopReason, error) {
	log := logging.Get(logging.CategoryEngine)
	start := time.Now()

	if w, err := matcher.NewWatcher(e.layout); err == nil {
		e.watcher = w
		defer w.Close()
	} else {
		log.Warn("input watcher unavailable, polling only: %v", err)
	}

	plan, err := e.store.GetPlan(e.planID)
	if err != nil {
		return StopCanceled, err
	}
	log.Info("run start: plan %s %q", plan.PlanID, plan.Title)

	for iter := 0; ; iter++ {
		if ctx.Err() != nil {
			return StopCanceled, ctx.Err()
		}
		if iter >= e.cfg.Guardrails.MaxRunIterations {
			log.Warn("run iteration budget exhausted (%d)", iter)
			return StopIterations, nil
		}
		if time.Since(start) > e.cfg.MaxPlanRuntime() {
			_ = e.store.EmitEvent(e.planID, plan.RootTaskID, "PLAN_TIMEOUT", map[string]interface{}{
				"elapsed_s": int(time.Since(start).Seconds()),
			})
			return StopPlanTimeout, nil
		}
		if total, _ := e.store.CountLLMCalls(e.planID); total >= e.cfg.MaxLLMCalls ||
			e.runCalls >= e.cfg.Guardrails.MaxLLMCallsPerRun {
			_ = e.store.EmitEvent(e.planID, plan.RootTaskID, "MAX_LLM_CALLS_EXCEEDED", map[string]interface{}{
				"plan_total": total,
				"run_total":  e.runCalls,
			})
			return StopLLMBudget, nil
		}

		if _, err := e.matcher.Scan(e.planID); err != nil {
			return StopCanceled, err
		}
		if err := e.ready.Recompute(e.planID); err != nil {
			return StopCanceled, err
		}

		done, err := e.planDone(plan.RootTaskID)
		if err != nil {
			return StopCanceled, err
		}
		if done {
			log.Info("plan %s complete", e.planID)
			return StopPlanDone, nil
		}

		worked, err := e.tick(ctx)
		if err != nil {
			return StopCanceled, err
		}
		if iter%20 == 19 {
			e.trimTelemetry()
		}
		if worked {
			continue
		}

		blocked, err := e.blockedOnUser()
		if err != nil {
			return StopCanceled, err
		}
		if blocked {
			if err := e.writeBlockedSummary(); err != nil {
				log.Warn("write blocked summary: %v", err)
			}
			return StopBlockedOnUser, nil
		}
		e.sleep(ctx)
	}
}

// tick runs at most one agent round. Returns whether any work happened.
func (e *Engine) tick(ctx context.Context) (bool, error) {
	if id, err := e.sched.PickExecutorTask(e.planID); err != nil {
		return false, err
	} else if id != "" {
		return true, e.runExecutorRound(ctx, id)
	}
	if id, err := e.sched.PickReviewTask(e.planID); err != nil {
		return false, err
	} else if id != "" {
		return true, e.runReviewRound(ctx, id)
	}
	for _, agent := range []string{model.AgentReviewer, model.AgentAuditor} {
		id, err := e.sched.PickCheckNode(e.planID, agent)
		if err != nil {
			return false, err
		}
		if id != "" {
			return true, e.runCheckRound(ctx, id, agent)
		}
	}
	return false, nil
}

// planDone reports whether the root goal reached DONE.
func (e *Engine) planDone(rootTaskID string) (bool, error) {
	root, err := e.store.GetTask(rootTaskID)
	if err != nil {
		return false, err
	}
	return root.Status == model.StatusDone, nil
}

// blockedOnUser reports whether nothing is runnable and at least one
// active task waits on external input.
func (e *Engine) blockedOnUser() (bool, error) {
	tasks, err := e.store.PlanTasks(e.planID)
	if err != nil {
		return false, err
	}
	anyBlocked := false
	for _, t := range tasks {
		if !t.ActiveBranch {
			continue
		}
		switch t.Status {
		case model.StatusReady, model.StatusToBeModify,
			model.StatusReadyToCheck, model.StatusInProgress:
			return false, nil
		case model.StatusBlocked:
			anyBlocked = true
		}
	}
	return anyBlocked, nil
}

// writeBlockedSummary leaves a human-readable note describing what the
// run is waiting for.
func (e *Engine) writeBlockedSummary() error {
	tasks, err := e.store.PlanTasks(e.planID)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("# Run blocked\n\n")
	b.WriteString("The run stopped because every remaining task is waiting on you.\n\n")
	for _, t := range tasks {
		if !t.ActiveBranch || t.Status != model.StatusBlocked {
			continue
		}
		fmt.Fprintf(&b, "## %s (%s)\n\n", t.Title, t.TaskID)
		fmt.Fprintf(&b, "Reason: %s\n\n", t.BlockedReason)
		if t.BlockedReason == model.WaitingInput {
			reqs, err := e.store.TaskRequirements(t.TaskID)
			if err == nil {
				for _, req := range reqs {
					n, _ := e.store.EvidenceCount(req.RequirementID)
					if req.Required && n < req.MinCount {
						fmt.Fprintf(&b, "- missing input: %s (kind=%s)\n", req.Name, req.Kind)
					}
				}
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "Drop the files under %s and run again.\n\n", e.layout.InputsDir())
		}
	}
	path := filepath.Join(e.layout.RequiredDocsDir(), "blocked_summary.md")
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func (e *Engine) trimTelemetry() {
	if n, err := e.store.TrimLLMCalls(e.cfg.Guardrails.MaxLLMCallsRows); err == nil && n > 0 {
		logging.Get(logging.CategoryEngine).Debug("trimmed %d llm_calls rows", n)
	}
	if n, err := e.store.TrimTaskEvents(e.cfg.Guardrails.MaxTaskEventsRows); err == nil && n > 0 {
		logging.Get(logging.CategoryEngine).Debug("trimmed %d task_events rows", n)
	}
}

// sleep waits one poll interval, waking early on input changes.
func (e *Engine) sleep(ctx context.Context) {
	timer := time.NewTimer(e.cfg.PollInterval())
	defer timer.Stop()
	var wake <-chan struct{}
	if e.watcher != nil {
		wake = e.watcher.Wake()
	}
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-wake:
	}
}

// callAgent runs one prompt through the model and records its telemetry.
// The returned call id allows backfilling the normalized payload.
func (e *Engine) callAgent(ctx context.Context, scope, taskID, agent string,
	agentDoc prompt.Doc, userPrompt string) (llm.CallResult, string) {
	system := e.bundle.Shared.Content + "\n\n" + agentDoc.Content
	userPrompt = util.Truncate(userPrompt, e.cfg.Guardrails.MaxPromptChars)

	cctx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout())
	defer cancel()
	started := util.NowISO()
	res := llm.CallJSON(cctx, e.client, system, userPrompt)
	e.runCalls++
	res.Raw = util.Truncate(res.Raw, e.cfg.Guardrails.MaxResponseChars)

	parsedJSON := ""
	if res.Parsed != nil {
		parsedJSON = contracts.MarshalNormalized(res.Parsed)
	}
	callID := e.store.RecordLLMCall(&store.LLMCall{
		StartedAt:           started,
		FinishedAt:          util.NowISO(),
		PlanID:              e.planID,
		TaskID:              taskID,
		Agent:               agent,
		Scope:               scope,
		Provider:            e.cfg.LLM.Provider,
		RuntimeContextHash:  prompt.ContextHash(e.bundle.Shared.SHA256, agentDoc.SHA256, userPrompt),
		SharedPromptVersion: e.bundle.Shared.Version,
		SharedPromptHash:    e.bundle.Shared.SHA256,
		AgentPromptVersion:  agentDoc.Version,
		AgentPromptHash:     agentDoc.SHA256,
		PromptText:          userPrompt,
		ResponseText:        res.Raw,
		ParsedJSON:          parsedJSON,
		ErrorCode:           res.ErrCode,
		ErrorMessage:        res.ErrMessage,
	})
	return res, callID
}
