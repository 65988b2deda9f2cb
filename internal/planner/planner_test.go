package planner

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiazeyu1987/AgentFolder/internal/config"
	"github.com/jiazeyu1987/AgentFolder/internal/llm"
	"github.com/jiazeyu1987/AgentFolder/internal/model"
	"github.com/jiazeyu1987/AgentFolder/internal/prompt"
	"github.com/jiazeyu1987/AgentFolder/internal/store"
)

const (
	goodPlanResponse = `{
		"schema_version": "xiaobo_plan_v1",
		"plan_json": {
			"plan_id": "11111111-1111-4111-8111-111111111111",
			"title": "landing page",
			"root_task_id": "22222222-2222-4222-8222-222222222222",
			"nodes": [
				{"task_id": "22222222-2222-4222-8222-222222222222", "node_type": "GOAL", "title": "build the page"},
				{"task_id": "33333333-3333-4333-8333-333333333333", "node_type": "ACTION", "title": "write html"}
			],
			"edges": [
				{"from_task_id": "22222222-2222-4222-8222-222222222222",
				 "to_task_id": "33333333-3333-4333-8333-333333333333",
				 "edge_type": "DECOMPOSE"}
			]
		}
	}`
	planApprove = `{"schema_version":"xiaojing_review_v1","total_score":95,` +
		`"action_required":"APPROVE","summary":"well structured"}`
	planReject = `{"schema_version":"xiaojing_review_v1","total_score":40,` +
		`"action_required":"MODIFY","suggestions":[{"priority":"HIGH",` +
		`"suggestion":"split the styling work out"}],"summary":"too coarse"}`
)

func newPlanner(t *testing.T, client llm.Client) (*Planner, *store.Store, config.Layout) {
	t.Helper()
	layout := config.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureDirs())
	s, err := store.Open(layout.DBPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.Default()
	cfg.LLM.Provider = "stub"
	bundle := prompt.Load(layout.PromptsDir())
	require.NoError(t, prompt.Register(s, &bundle))
	return New(s, cfg, layout, client, &bundle), s, layout
}

func TestCreatePlanFirstTry(t *testing.T) {
	client := llm.NewStubClient(goodPlanResponse, planApprove)
	p, s, layout := newPlanner(t, client)

	res, err := p.CreatePlan(context.Background(), "build a landing page")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 95, res.Score)
	assert.Equal(t, "11111111-1111-4111-8111-111111111111", res.Plan.PlanID)

	// Persisted in the store and on disk.
	got, err := s.GetPlan(res.Plan.PlanID)
	require.NoError(t, err)
	assert.Equal(t, "landing page", got.Title)
	data, err := os.ReadFile(layout.PlanJSONPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "write html")

	events, err := s.TaskEvents(res.Plan.RootTaskID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "PLAN_APPROVED", events[0].EventType)
}

func TestCreatePlanRetriesAfterRejection(t *testing.T) {
	client := llm.NewStubClient(
		goodPlanResponse, planReject, // attempt 1: drafted, rejected
		goodPlanResponse, planApprove, // attempt 2: approved
	)
	p, s, _ := newPlanner(t, client)

	res, err := p.CreatePlan(context.Background(), "build a landing page")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 4, client.CallCount())

	// The rejection note reaches the second draft prompt.
	prompts := client.Prompts()
	assert.Contains(t, prompts[2], "Previous attempt was rejected")
	assert.Contains(t, prompts[2], "split the styling work out")

	events, err := s.TaskEvents(res.Plan.RootTaskID, 10)
	require.NoError(t, err)
	kinds := map[string]bool{}
	for _, e := range events {
		kinds[e.EventType] = true
	}
	assert.True(t, kinds["PLAN_REVIEWED"])
	assert.True(t, kinds["PLAN_APPROVED"])
}

func TestCreatePlanRetriesInvalidDraft(t *testing.T) {
	client := llm.NewStubClient(
		"sorry, no plan today", // attempt 1: unparseable
		goodPlanResponse, planApprove,
	)
	p, _, _ := newPlanner(t, client)

	res, err := p.CreatePlan(context.Background(), "build a landing page")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
}

func TestCreatePlanRetriesBrokenReviewWithoutRedrafting(t *testing.T) {
	client := llm.NewStubClient(
		goodPlanResponse,
		"the reviewer rambled instead of scoring", // review try 1: unparseable
		planApprove, // review try 2: approved
	)
	p, _, _ := newPlanner(t, client)

	res, err := p.CreatePlan(context.Background(), "build a landing page")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts, "a broken review never burns the draft")
	assert.Equal(t, 3, client.CallCount())
}

func TestCreatePlanReviewExhaustionRejectsDraft(t *testing.T) {
	client := llm.NewStubClient(
		goodPlanResponse, "nope", "nope", "nope", // reviewer never recovers
		goodPlanResponse, planApprove,
	)
	p, _, _ := newPlanner(t, client)

	res, err := p.CreatePlan(context.Background(), "build a landing page")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 6, client.CallCount())
}

func TestCreatePlanBackfillsCallPlanID(t *testing.T) {
	client := llm.NewStubClient(goodPlanResponse, planApprove)
	p, s, _ := newPlanner(t, client)

	res, err := p.CreatePlan(context.Background(), "build a landing page")
	require.NoError(t, err)

	// Every workflow call, including the generation call recorded before
	// the plan existed, is attributed to the plan.
	calls, err := s.RecentLLMCalls(res.Plan.PlanID, 10)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	scopes := map[string]bool{}
	for _, c := range calls {
		assert.Equal(t, res.Plan.PlanID, c.PlanID)
		scopes[c.Scope] = true
	}
	assert.True(t, scopes["PLAN_GEN"])
	assert.True(t, scopes["PLAN_REVIEW"])
}

func TestCreatePlanGivesUpAfterMaxAttempts(t *testing.T) {
	client := llm.NewStubClient("still not json")
	p, _, _ := newPlanner(t, client)

	_, err := p.CreatePlan(context.Background(), "build a landing page")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no acceptable plan")
	assert.Equal(t, MaxPlanAttempts, client.CallCount())
}

func TestCreatePlanClosesRootChecks(t *testing.T) {
	planWithCheck := `{
		"schema_version": "xiaobo_plan_v1",
		"plan_json": {
			"plan_id": "11111111-1111-4111-8111-111111111111",
			"title": "landing page",
			"root_task_id": "22222222-2222-4222-8222-222222222222",
			"nodes": [
				{"task_id": "22222222-2222-4222-8222-222222222222", "node_type": "GOAL", "title": "build the page"},
				{"task_id": "33333333-3333-4333-8333-333333333333", "node_type": "ACTION", "title": "write html"},
				{"task_id": "44444444-4444-4444-8444-444444444444", "node_type": "CHECK",
				 "title": "review the plan", "owner_agent_id": "xiaojing",
				 "review_target_task_id": "22222222-2222-4222-8222-222222222222"}
			],
			"edges": [
				{"from_task_id": "22222222-2222-4222-8222-222222222222",
				 "to_task_id": "33333333-3333-4333-8333-333333333333",
				 "edge_type": "DECOMPOSE"},
				{"from_task_id": "22222222-2222-4222-8222-222222222222",
				 "to_task_id": "44444444-4444-4444-8444-444444444444",
				 "edge_type": "DECOMPOSE"}
			]
		}
	}`
	client := llm.NewStubClient(planWithCheck, planApprove)
	p, s, _ := newPlanner(t, client)

	_, err := p.CreatePlan(context.Background(), "build a landing page")
	require.NoError(t, err)

	check, err := s.GetTask("44444444-4444-4444-8444-444444444444")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, check.Status, "the plan-review check is already satisfied")
}
