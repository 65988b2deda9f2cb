package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	planID  = "11111111-1111-4111-8111-111111111111"
	rootID  = "22222222-2222-4222-8222-222222222222"
	childA  = "33333333-3333-4333-8333-333333333333"
	childB  = "44444444-4444-4444-8444-444444444444"
	checkID = "55555555-5555-4555-8555-555555555555"
)

func validPlan() *Plan {
	return &Plan{
		PlanID:     planID,
		Title:      "write a report",
		RootTaskID: rootID,
		Nodes: []TaskNode{
			{TaskID: rootID, PlanID: planID, NodeType: NodeGoal, Title: "root"},
			{TaskID: childA, PlanID: planID, NodeType: NodeAction, Title: "draft",
				OwnerAgentID: AgentExecutor},
			{TaskID: childB, PlanID: planID, NodeType: NodeAction, Title: "polish",
				OwnerAgentID: AgentExecutor},
		},
		Edges: []TaskEdge{
			{PlanID: planID, FromTaskID: rootID, ToTaskID: childA, EdgeType: EdgeDecompose},
			{PlanID: planID, FromTaskID: rootID, ToTaskID: childB, EdgeType: EdgeDecompose},
			{PlanID: planID, FromTaskID: childB, ToTaskID: childA, EdgeType: EdgeDependsOn},
		},
	}
}

func TestValidatePlanAccepts(t *testing.T) {
	require.NoError(t, ValidatePlan(validPlan()))
}

func assertInvalidAt(t *testing.T, p *Plan, pathPart string) {
	t.Helper()
	err := ValidatePlan(p)
	require.Error(t, err)
	var pve *PlanValidationError
	require.ErrorAs(t, err, &pve)
	assert.True(t, strings.Contains(pve.Path, pathPart),
		"expected path containing %q, got %q (%s)", pathPart, pve.Path, pve.Reason)
}

func TestValidatePlanRejectsBadPlanID(t *testing.T) {
	p := validPlan()
	p.PlanID = "not-a-uuid"
	assertInvalidAt(t, p, "plan_id")
}

func TestValidatePlanRejectsDuplicateTask(t *testing.T) {
	p := validPlan()
	p.Nodes = append(p.Nodes, p.Nodes[1])
	assertInvalidAt(t, p, "task_id")
}

func TestValidatePlanRejectsRootNotGoal(t *testing.T) {
	p := validPlan()
	p.RootTaskID = childA
	assertInvalidAt(t, p, "root_task_id")
}

func TestValidatePlanRejectsIllegalStatus(t *testing.T) {
	p := validPlan()
	p.Nodes[0].Status = StatusReadyToCheck // GOAL can never be READY_TO_CHECK
	assertInvalidAt(t, p, "status")
}

func TestValidatePlanRejectsBlockedWithoutReason(t *testing.T) {
	p := validPlan()
	p.Nodes[1].Status = StatusBlocked
	assertInvalidAt(t, p, "blocked_reason")
}

func TestValidatePlanRejectsAlternativeWithoutGroup(t *testing.T) {
	p := validPlan()
	p.Edges = append(p.Edges, TaskEdge{
		PlanID: planID, FromTaskID: childA, ToTaskID: childB, EdgeType: EdgeAlternative,
	})
	assertInvalidAt(t, p, "group_id")
}

func TestValidatePlanRejectsEdgeToUnknownTask(t *testing.T) {
	p := validPlan()
	p.Edges = append(p.Edges, TaskEdge{
		PlanID: planID, FromTaskID: childA, ToTaskID: checkID, EdgeType: EdgeDependsOn,
	})
	assertInvalidAt(t, p, "to_task_id")
}

func TestValidatePlanRejectsCycle(t *testing.T) {
	p := validPlan()
	p.Edges = append(p.Edges, TaskEdge{
		PlanID: planID, FromTaskID: childA, ToTaskID: childB, EdgeType: EdgeDependsOn,
	})
	// childB -> childA -> childB
	assertInvalidAt(t, p, "edges")
}

func TestValidatePlanRejectsBadRequirement(t *testing.T) {
	p := validPlan()
	p.Nodes[1].Requirements = []InputRequirement{
		{Name: "spec", Kind: ReqFile, MinCount: 0},
	}
	assertInvalidAt(t, p, "min_count")
}

func TestStatusAllowedTable(t *testing.T) {
	assert.True(t, StatusAllowed(NodeAction, StatusReadyToCheck))
	assert.True(t, StatusAllowed(NodeAction, StatusToBeModify))
	assert.False(t, StatusAllowed(NodeGoal, StatusReadyToCheck))
	assert.False(t, StatusAllowed(NodeCheck, StatusToBeModify))
	assert.True(t, StatusAllowed(NodeGoal, StatusDone))
	assert.False(t, StatusAllowed("WIDGET", StatusDone))
}
