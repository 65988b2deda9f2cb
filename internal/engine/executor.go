package engine

import (
	"context"
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

// runExecutorRound runs one xiaobo round over a READY or TO_BE_MODIFY
// ACTION task: gather inputs, call the model, dispatch the action.
func (e *Engine) runExecutorRound(ctx context.Context, taskID string) error {
	log := logging.Get(logging.CategoryExecutor)
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	log.Info("executor round: %s %q (attempt %d)", task.TaskID, task.Title, task.AttemptCount)

	if n, err := e.store.CountTaskLLMCalls(taskID); err != nil {
		return err
	} else if n >= e.cfg.Guardrails.MaxLLMCallsPerTask {
		return e.handleError(taskID, ErrMaxAttemptsExceeded,
			fmt.Sprintf("task llm call budget exhausted (%d)", n))
	}

	priorStatus := task.Status
	if err := e.store.UpdateTaskStatus(taskID, model.StatusInProgress, ""); err != nil {
		return err
	}

	reqs, err := e.store.TaskRequirements(taskID)
	if err != nil {
		return err
	}
	reqCtxs, chosen, conflict, err := e.gatherInputs(reqs)
	if err != nil {
		return err
	}
	if conflict != "" {
		return e.handleError(taskID, ErrInputConflict, conflict)
	}

	texts, code, msg := e.extractInputs(ctx, taskID, chosen)
	if code != "" {
		return e.handleError(taskID, code, msg)
	}

	plan, err := e.store.GetPlan(e.planID)
	if err != nil {
		return err
	}
	root, err := e.store.GetTask(plan.RootTaskID)
	if err != nil {
		return err
	}

	suggestions := ""
	if priorStatus == model.StatusToBeModify {
		if rev, err := e.store.LatestReview(taskID); err == nil && rev != nil {
			suggestions = rev.SuggestionsJSON
		}
	}

	userPrompt := prompt.BuildExecutorPrompt(prompt.ExecutorInput{
		PlanTitle:    plan.Title,
		RootGoal:     root.GoalStatement,
		Task:         task,
		Requirements: reqCtxs,
		InputTexts:   texts,
		Suggestions:  suggestions,
	})
	res, callID := e.callAgent(ctx, string(contracts.ContractTaskAction),
		taskID, model.AgentExecutor, e.bundle.Executor, userPrompt)
	if !res.OK() {
		return e.handleError(taskID, res.ErrCode, res.ErrMessage)
	}

	norm, cerr := contracts.NormalizeAndValidate(contracts.ContractTaskAction, res.Parsed, 0)
	if cerr != nil {
		e.store.BackfillNormalized(callID, contracts.MarshalNormalized(norm), cerr.Short())
		return e.handleError(taskID, ErrLLMUnparseable, cerr.Short())
	}
	e.store.BackfillNormalized(callID, contracts.MarshalNormalized(norm), "")

	switch norm["result_type"] {
	case "ARTIFACT":
		return e.acceptArtifact(taskID, norm)
	case "NEEDS_INPUT":
		return e.requestInputs(taskID, norm)
	case "NOOP":
		// The round consumed nothing; the task returns to where it was.
		_ = e.store.EmitEvent(e.planID, taskID, "TASK_NOOP", nil)
		return e.store.UpdateTaskStatus(taskID, priorStatus, "")
	case "ERROR":
		msg, _ := norm["message"].(string)
		return e.handleError(taskID, ErrLLMFailed, msg)
	}
	return e.handleError(taskID, ErrLLMUnparseable,
		fmt.Sprintf("unhandled result_type %v", norm["result_type"]))
}

// gatherInputs resolves each requirement to its bound evidence and picks
// one file per requirement to feed the prompt. Two same-named evidences
// with different content make the requirement undecidable and stop the
// round.
func (e *Engine) gatherInputs(reqs []*model.InputRequirement) ([]prompt.RequirementContext, []store.Evidence, string, error) {
	var ctxs []prompt.RequirementContext
	var chosen []store.Evidence
	for _, req := range reqs {
		evs, err := e.store.RequirementEvidence(req.RequirementID)
		if err != nil {
			return nil, nil, "", err
		}
		ctxs = append(ctxs, prompt.RequirementContext{Requirement: req, Evidence: evs})

		byName := map[string]string{} // basename -> sha
		for _, ev := range evs {
			base := filepath.Base(ev.RefPath)
			if prev, ok := byName[base]; ok && prev != ev.SHA256 {
				return nil, nil, fmt.Sprintf(
					"requirement %q: two versions of %s with different content", req.Name, base), nil
			}
			byName[base] = ev.SHA256
		}
		if best := pickBestEvidence(evs); best != nil {
			chosen = append(chosen, *best)
		}
	}
	return ctxs, chosen, "", nil
}

// pickBestEvidence chooses the file to read for a requirement: a name
// marked FINAL wins, then the most recently modified file.
func pickBestEvidence(evs []store.Evidence) *store.Evidence {
	var best *store.Evidence
	bestFinal := false
	var bestMtime int64
	for i := range evs {
		ev := &evs[i]
		if ev.RefPath == "" {
			continue
		}
		isFinal := strings.Contains(strings.ToUpper(filepath.Base(ev.RefPath)), "FINAL")
		var mtime int64
		if info, err := os.Stat(ev.RefPath); err == nil {
			mtime = info.ModTime().Unix()
		}
		switch {
		case best == nil:
		case isFinal != bestFinal:
			if !isFinal {
				continue
			}
		case mtime <= bestMtime:
			continue
		}
		best, bestFinal, bestMtime = ev, isFinal, mtime
	}
	return best
}

// extractInputs runs text_extract over the chosen evidence files. Skill
// failures are retried up to MaxSkillRetries before blocking the task.
func (e *Engine) extractInputs(ctx context.Context, taskID string, evs []store.Evidence) (map[string]string, string, string) {
	texts := map[string]string{}
	for _, ev := range evs {
		var lastErr error
		ok := false
		for attempt := 0; attempt <= e.cfg.MaxSkillRetries; attempt++ {
			sctx, cancel := context.WithTimeout(ctx, e.cfg.SkillTimeout())
			res, err := e.skills.Run(sctx, taskID, "text_extract",
				map[string]interface{}{"path": ev.RefPath})
			cancel()
			if err == nil {
				if text, _ := res.Output["text"].(string); text != "" {
					texts[ev.RefPath] = text
				}
				ok = true
				break
			}
			lastErr = err
			if strings.Contains(err.Error(), "unsupported file type") ||
				strings.Contains(err.Error(), "missing path") {
				return nil, ErrSkillBadInput, err.Error()
			}
		}
		if !ok {
			code := ErrSkillFailed
			if ctx.Err() != nil {
				code = ErrSkillTimeout
			}
			return nil, code, fmt.Sprintf("text_extract %s: %v", ev.RefPath, lastErr)
		}
	}
	return texts, "", ""
}

// acceptArtifact writes the produced document to disk, versions it, and
// moves the task to review.
func (e *Engine) acceptArtifact(taskID string, norm map[string]interface{}) error {
	art, _ := norm["artifact"].(map[string]interface{})
	name, _ := art["name"].(string)
	format, _ := art["format"].(string)
	content, _ := art["content"].(string)

	version, err := e.store.TaskArtifactCount(taskID)
	if err != nil {
		return err
	}
	if version+1 > e.cfg.MaxArtifactVersionsPerTask {
		return e.handleError(taskID, ErrMaxAttemptsExceeded,
			fmt.Sprintf("artifact version cap reached (%d)", version))
	}

	dir := filepath.Join(e.layout.ArtifactsDir(), taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("v%d_%s", version+1, safeFilename(name)))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return err
	}

	a, err := e.store.InsertArtifact(taskID, name, path, format, util.SHA256Text(content))
	if err != nil {
		return err
	}
	if err := e.store.SetActiveArtifact(taskID, a.ArtifactID); err != nil {
		return err
	}
	_ = e.store.EmitEvent(e.planID, taskID, "ARTIFACT_CREATED", map[string]interface{}{
		"artifact_id": a.ArtifactID,
		"name":        a.Name,
		"version":     a.Version,
	})
	return e.store.UpdateTaskStatus(taskID, model.StatusReadyToCheck, "")
}

// requestInputs writes a required_docs note for the user and blocks the
// task on input.
func (e *Engine) requestInputs(taskID string, norm map[string]interface{}) error {
	docs, _ := norm["required_docs"].([]interface{})
	var b strings.Builder
	b.WriteString("# Inputs needed\n\n")
	var names []string
	for _, d := range docs {
		doc, _ := d.(map[string]interface{})
		name, _ := doc["name"].(string)
		desc, _ := doc["description"].(string)
		names = append(names, name)
		fmt.Fprintf(&b, "- **%s**: %s\n", name, desc)
		// Requested docs become requirements, so the matcher can lift
		// the block once the user drops the files.
		if name != "" {
			if _, err := e.store.AddRequirement(taskID, &model.InputRequirement{
				Name: name, Kind: model.ReqFile, Required: true,
				MinCount: 1, Source: "USER",
			}); err != nil {
				return err
			}
		}
	}
	fmt.Fprintf(&b, "\nPlace the files under %s and run again.\n", e.layout.InputsDir())

	if err := os.MkdirAll(e.layout.RequiredDocsDir(), 0o755); err != nil {
		return err
	}
	path := filepath.Join(e.layout.RequiredDocsDir(), taskID+".md")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return e.handleError(taskID, ErrInputMissing,
		"needs input: "+strings.Join(names, ", "))
}

// safeFilename strips path separators and oddities from a model-chosen
// artifact name.
func safeFilename(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || strings.Trim(out, "._") == "" {
		out = "artifact.md"
	}
	return out
}
