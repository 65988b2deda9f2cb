// Package prompt loads the shared and per-agent prompt documents,
// registers their versions in the store, and assembles the prompts sent
// on each agent round.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jiazeyu1987/AgentFolder/internal/model"
	"github.com/jiazeyu1987/AgentFolder/internal/store"
	"github.com/jiazeyu1987/AgentFolder/internal/util"
)

// Doc is one prompt document with its registered version.
type Doc struct {
	Path    string
	Content string
	Version string
	SHA256  string
}

// Bundle carries the shared prompt plus one prompt per agent.
type Bundle struct {
	Shared   Doc
	Executor Doc
	Reviewer Doc
	Auditor  Doc
}

// Default prompt contents used when the workspace ships no prompt files.
const (
	defaultShared = `You are part of a deterministic plan-execution engine.
Always answer with exactly one JSON object and nothing else.
Never include markdown fences or commentary around the JSON.`

	defaultExecutor = `You are xiaobo, the executor agent. Given a task and its
inputs, produce an output document. Respond with a xiaobo_action_v1 JSON
object: {"schema_version":"xiaobo_action_v1","result_type":"ARTIFACT",
"artifact":{"name":"...","format":"md","content":"..."}}.
Use result_type NEEDS_INPUT with required_docs when inputs are missing,
NOOP when there is nothing to do, ERROR with a message when you cannot
proceed.`

	defaultReviewer = `You are xiaojing, the reviewer agent. Score the given
artifact against the rubric. Respond with a xiaojing_review_v1 JSON object:
{"schema_version":"xiaojing_review_v1","total_score":0-100,
"action_required":"APPROVE|MODIFY","breakdown":[{"dimension":"...",
"score":0-100,"issues":[]}],"suggestions":[{"priority":"HIGH|MEDIUM|LOW",
"suggestion":"..."}],"summary":"..."}.`

	defaultAuditor = `You are xiaoxie, the audit agent. Verify that the
reviewed outputs of the target tasks satisfy their acceptance criteria.
Respond with a xiaojing_review_v1 JSON object.`
)

func loadDoc(path, fallback string) Doc {
	content := fallback
	if data, err := os.ReadFile(path); err == nil {
		content = string(data)
	}
	return Doc{Path: path, Content: content, SHA256: util.SHA256Text(content)}
}

// Load reads prompt documents from dir, falling back to built-in
// defaults for any missing file.
func Load(dir string) Bundle {
	return Bundle{
		Shared:   loadDoc(filepath.Join(dir, "shared_prompt.md"), defaultShared),
		Executor: loadDoc(filepath.Join(dir, "xiaobo_prompt.md"), defaultExecutor),
		Reviewer: loadDoc(filepath.Join(dir, "xiaojing_prompt.md"), defaultReviewer),
		Auditor:  loadDoc(filepath.Join(dir, "xiaoxie_prompt.md"), defaultAuditor),
	}
}

// Register records each document's version in the prompts table and
// stamps the version strings used in llm_calls telemetry.
func Register(s *store.Store, b *Bundle) error {
	type reg struct {
		doc    *Doc
		kind   string
		agent  string
		format string
	}
	regs := []reg{
		{&b.Shared, "SHARED", "", "shared_prompt_v%d"},
		{&b.Executor, "AGENT", model.AgentExecutor, "agent_" + model.AgentExecutor + "_prompt_v%d"},
		{&b.Reviewer, "AGENT", model.AgentReviewer, "agent_" + model.AgentReviewer + "_prompt_v%d"},
		{&b.Auditor, "AGENT", model.AgentAuditor, "agent_" + model.AgentAuditor + "_prompt_v%d"},
	}
	for _, r := range regs {
		name := "default"
		if r.kind == "SHARED" {
			name = "shared"
		}
		_, version, err := s.GetOrCreatePromptVersion(r.kind, name, r.agent, r.doc.Path, r.doc.SHA256)
		if err != nil {
			return fmt.Errorf("register prompt %s/%s: %w", r.kind, r.agent, err)
		}
		r.doc.Version = fmt.Sprintf(r.format, version)
	}
	return nil
}

// RequirementContext is one requirement with its bound evidence, rendered
// into the executor prompt.
type RequirementContext struct {
	Requirement *model.InputRequirement
	Evidence    []store.Evidence
}

// ExecutorInput is everything that shapes one executor prompt.
type ExecutorInput struct {
	PlanTitle    string
	RootGoal     string
	Task         *model.TaskNode
	Requirements []RequirementContext
	InputTexts   map[string]string // evidence path -> extracted text
	Suggestions  string            // reviewer suggestions from the last MODIFY
}

// BuildExecutorPrompt renders the user prompt for one executor round.
func BuildExecutorPrompt(in ExecutorInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Plan\nTitle: %s\nGoal: %s\n\n", in.PlanTitle, in.RootGoal)
	fmt.Fprintf(&b, "# Task\nID: %s\nTitle: %s\n", in.Task.TaskID, in.Task.Title)
	if in.Task.GoalStatement != "" {
		fmt.Fprintf(&b, "Goal statement: %s\n", in.Task.GoalStatement)
	}
	if in.Task.Rationale != "" {
		fmt.Fprintf(&b, "Rationale: %s\n", in.Task.Rationale)
	}
	fmt.Fprintf(&b, "Attempt: %d\n", in.Task.AttemptCount)

	if len(in.Requirements) > 0 {
		b.WriteString("\n# Inputs\n")
		for _, rc := range in.Requirements {
			fmt.Fprintf(&b, "- requirement %q (kind=%s, min_count=%d): %d evidence file(s)\n",
				rc.Requirement.Name, rc.Requirement.Kind, rc.Requirement.MinCount, len(rc.Evidence))
			for _, ev := range rc.Evidence {
				fmt.Fprintf(&b, "  - %s\n", ev.RefPath)
			}
		}
	}
	if len(in.InputTexts) > 0 {
		b.WriteString("\n# Input contents\n")
		for path, text := range in.InputTexts {
			fmt.Fprintf(&b, "\n--- %s ---\n%s\n", path, text)
		}
	}
	if in.Suggestions != "" {
		b.WriteString("\n# Reviewer suggestions to address\n")
		b.WriteString(in.Suggestions)
		b.WriteString("\n")
	}
	b.WriteString("\nRespond with exactly one xiaobo_action_v1 JSON object.\n")
	return b.String()
}

// ReviewerInput is everything that shapes one reviewer prompt.
type ReviewerInput struct {
	PlanTitle       string
	Task            *model.TaskNode
	ArtifactName    string
	ArtifactContent string
	Rubric          string
	PassScore       int
}

// BuildReviewerPrompt renders the user prompt for one reviewer round.
func BuildReviewerPrompt(in ReviewerInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Plan\nTitle: %s\n\n", in.PlanTitle)
	fmt.Fprintf(&b, "# Task under review\nID: %s\nTitle: %s\n", in.Task.TaskID, in.Task.Title)
	if in.Task.GoalStatement != "" {
		fmt.Fprintf(&b, "Goal statement: %s\n", in.Task.GoalStatement)
	}
	if in.Task.AcceptanceCriteriaJSON != "" {
		fmt.Fprintf(&b, "Acceptance criteria: %s\n", in.Task.AcceptanceCriteriaJSON)
	}
	if in.Rubric != "" {
		b.WriteString("\n# Rubric\n")
		b.WriteString(in.Rubric)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nPass score: %d. Scores at or above it mean APPROVE.\n", in.PassScore)
	fmt.Fprintf(&b, "\n# Artifact: %s\n%s\n", in.ArtifactName, in.ArtifactContent)
	b.WriteString("\nRespond with exactly one xiaojing_review_v1 JSON object.\n")
	return b.String()
}

// BuildPlanGenPrompt renders the plan-generation prompt.
func BuildPlanGenPrompt(goal, retryNote string) string {
	var b strings.Builder
	b.WriteString("# Goal\n")
	b.WriteString(goal)
	b.WriteString("\n\nDecompose the goal into a plan_json_v1 document: ")
	b.WriteString(`{"schema_version":"xiaobo_plan_v1","plan_json":{"plan_id":"<uuid>",`)
	b.WriteString(`"title":"...","root_task_id":"<uuid>","nodes":[...],"edges":[...]}}`)
	b.WriteString("\nThe root node must be a GOAL; ACTION nodes produce artifacts; ")
	b.WriteString("edges are DECOMPOSE, DEPENDS_ON, or ALTERNATIVE (with group_id).\n")
	if retryNote != "" {
		b.WriteString("\n# Previous attempt was rejected\n")
		b.WriteString(retryNote)
		b.WriteString("\n")
	}
	b.WriteString("\nRespond with exactly one JSON object.\n")
	return b.String()
}

// BuildPlanReviewPrompt renders the plan-review prompt.
func BuildPlanReviewPrompt(goal, planJSON string, passScore int) string {
	var b strings.Builder
	b.WriteString("# Goal\n")
	b.WriteString(goal)
	b.WriteString("\n\n# Candidate plan\n")
	b.WriteString(planJSON)
	fmt.Fprintf(&b, "\n\nReview the plan for completeness, ordering, and feasibility. Pass score: %d.\n", passScore)
	b.WriteString("Respond with exactly one xiaojing_review_v1 JSON object.\n")
	return b.String()
}

// ContextHash fingerprints the inputs that shaped a prompt, for the
// llm_calls runtime_context_hash column.
func ContextHash(parts ...string) string {
	h, err := util.StableHash(parts)
	if err != nil {
		return ""
	}
	return h
}
