package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiazeyu1987/AgentFolder/internal/model"
)

func decodeValid(t *testing.T, raw map[string]interface{}) *model.Plan {
	t.Helper()
	norm, cerr := NormalizeAndValidate(ContractPlanGen, raw, 0)
	require.Nil(t, cerr, "plan should validate: %v", cerr)
	plan, err := DecodePlan(norm)
	require.NoError(t, err)
	return plan
}

func TestNormalizePlanCanonical(t *testing.T) {
	plan := decodeValid(t, parse(t, `{
		"plan_id": "11111111-1111-4111-8111-111111111111",
		"title": "landing page",
		"root_task_id": "22222222-2222-4222-8222-222222222222",
		"nodes": [
			{"task_id": "22222222-2222-4222-8222-222222222222", "node_type": "GOAL", "title": "root"},
			{"task_id": "33333333-3333-4333-8333-333333333333", "node_type": "ACTION", "title": "write html"}
		],
		"edges": [
			{"from_task_id": "22222222-2222-4222-8222-222222222222",
			 "to_task_id": "33333333-3333-4333-8333-333333333333",
			 "edge_type": "DECOMPOSE"}
		]
	}`))
	assert.Equal(t, "11111111-1111-4111-8111-111111111111", plan.PlanID)
	assert.Len(t, plan.Nodes, 2)
	assert.Len(t, plan.Edges, 1)
}

func TestNormalizePlanUnwrapsPlanJSON(t *testing.T) {
	plan := decodeValid(t, parse(t, `{
		"schema_version": "xiaobo_plan_v1",
		"plan_json": {
			"title": "wrapped",
			"nodes": [
				{"id": "root", "type": "GOAL", "name": "goal"},
				{"id": "a", "type": "TASK", "name": "do it"}
			],
			"links": [
				{"from": "root", "to": "a", "type": "DECOMPOSITION"}
			]
		}
	}`))
	assert.Equal(t, "wrapped", plan.Title)
	require.Len(t, plan.Nodes, 2)
	// tasks/links aliases resolved, TASK -> ACTION, ids remapped to UUIDs
	var action *model.TaskNode
	for i := range plan.Nodes {
		if plan.Nodes[i].NodeType == model.NodeAction {
			action = &plan.Nodes[i]
		}
	}
	require.NotNil(t, action)
	assert.Equal(t, "do it", action.Title)
	assert.Equal(t, model.AgentExecutor, action.OwnerAgentID)
	require.Len(t, plan.Edges, 1)
	assert.Equal(t, model.EdgeDecompose, plan.Edges[0].EdgeType)
}

func TestNormalizePlanStartEndSentinels(t *testing.T) {
	plan := decodeValid(t, parse(t, `{
		"title": "flowchart",
		"nodes": [
			{"id": "START", "name": "START"},
			{"id": "a", "type": "ACTION", "name": "step one"},
			{"id": "b", "type": "ACTION", "name": "step two"},
			{"id": "END", "name": "END"}
		],
		"edges": [
			{"from": "START", "to": "a"},
			{"from": "b", "to": "a", "type": "DEPENDS_ON"},
			{"from": "b", "to": "END"}
		]
	}`))
	// START and END disappear; a synthesized GOAL root fans out to the
	// START target.
	assert.Len(t, plan.Nodes, 3)
	rootFound := false
	for _, n := range plan.Nodes {
		if n.TaskID == plan.RootTaskID {
			rootFound = true
			assert.Equal(t, model.NodeGoal, n.NodeType)
			assert.Contains(t, n.Tags, "autofix")
		}
	}
	assert.True(t, rootFound)
	decomposes := 0
	for _, e := range plan.Edges {
		if e.EdgeType == model.EdgeDecompose && e.FromTaskID == plan.RootTaskID {
			decomposes++
		}
	}
	assert.Equal(t, 1, decomposes, "root fans out to the START target only")
}

func TestNormalizePlanPlaceholderForDanglingEdge(t *testing.T) {
	plan := decodeValid(t, parse(t, `{
		"title": "dangling",
		"nodes": [
			{"id": "root", "type": "GOAL", "name": "goal"},
			{"id": "a", "type": "ACTION", "name": "real"}
		],
		"edges": [
			{"from": "root", "to": "a", "type": "DECOMPOSE"},
			{"from": "a", "to": "ghost", "type": "DEPENDS_ON"}
		]
	}`))
	require.Len(t, plan.Nodes, 3)
	var placeholder *model.TaskNode
	for i := range plan.Nodes {
		if plan.Nodes[i].Title == "Unresolved task" {
			placeholder = &plan.Nodes[i]
		}
	}
	require.NotNil(t, placeholder)
	assert.Contains(t, placeholder.Tags, "placeholder")
}

func TestNormalizePlanRequirementAliases(t *testing.T) {
	plan := decodeValid(t, parse(t, `{
		"title": "reqs",
		"nodes": [
			{"id": "root", "type": "GOAL", "name": "goal"},
			{"id": "a", "type": "ACTION", "name": "draft",
			 "inputs": [
				{"name": "spec", "kind": "DOCS", "min_count": 0},
				"style guide"
			 ]}
		],
		"edges": [{"from": "root", "to": "a", "type": "DECOMPOSE"}]
	}`))
	var action *model.TaskNode
	for i := range plan.Nodes {
		if plan.Nodes[i].NodeType == model.NodeAction {
			action = &plan.Nodes[i]
		}
	}
	require.NotNil(t, action)
	require.Len(t, action.Requirements, 2)
	assert.Equal(t, model.ReqFile, action.Requirements[0].Kind)
	assert.Equal(t, 1, action.Requirements[0].MinCount, "min_count floored at 1")
	assert.Equal(t, "style guide", action.Requirements[1].Name)
}

func TestValidatePlanDocRejectsCycle(t *testing.T) {
	norm := NormalizePlanDoc(parse(t, `{
		"title": "cyclic",
		"nodes": [
			{"id": "root", "type": "GOAL", "name": "goal"},
			{"id": "a", "type": "ACTION", "name": "a"},
			{"id": "b", "type": "ACTION", "name": "b"}
		],
		"edges": [
			{"from": "root", "to": "a", "type": "DECOMPOSE"},
			{"from": "root", "to": "b", "type": "DECOMPOSE"},
			{"from": "a", "to": "b", "type": "DEPENDS_ON"},
			{"from": "b", "to": "a", "type": "DEPENDS_ON"}
		]
	}`))
	cerr := ValidatePlanDoc(norm)
	require.NotNil(t, cerr)
	assert.Equal(t, "PLAN_INVALID", cerr.ErrorCode)
}

func TestNormalizePlanSynthesizesRootForOrphans(t *testing.T) {
	plan := decodeValid(t, parse(t, `{
		"title": "no root",
		"nodes": [
			{"id": "a", "type": "ACTION", "name": "one"},
			{"id": "b", "type": "ACTION", "name": "two"}
		],
		"edges": []
	}`))
	require.Len(t, plan.Nodes, 3)
	fanned := map[string]bool{}
	for _, e := range plan.Edges {
		if e.FromTaskID == plan.RootTaskID && e.EdgeType == model.EdgeDecompose {
			fanned[e.ToTaskID] = true
		}
	}
	assert.Len(t, fanned, 2, "both orphans hang off the synthesized root")
}
