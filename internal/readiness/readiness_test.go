package readiness

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiazeyu1987/AgentFolder/internal/config"
	"github.com/jiazeyu1987/AgentFolder/internal/model"
	"github.com/jiazeyu1987/AgentFolder/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// chain builds root -> (a, b) with b DEPENDS_ON a.
func chain(t *testing.T, s *store.Store) (planID, rootID, aID, bID string) {
	t.Helper()
	planID = uuid.NewString()
	rootID = uuid.NewString()
	aID = uuid.NewString()
	bID = uuid.NewString()
	p := &model.Plan{
		PlanID: planID, Title: "chain", RootTaskID: rootID,
		Nodes: []model.TaskNode{
			{TaskID: rootID, PlanID: planID, NodeType: model.NodeGoal, Title: "root"},
			{TaskID: aID, PlanID: planID, NodeType: model.NodeAction, Title: "first",
				OwnerAgentID: model.AgentExecutor},
			{TaskID: bID, PlanID: planID, NodeType: model.NodeAction, Title: "second",
				OwnerAgentID: model.AgentExecutor},
		},
		Edges: []model.TaskEdge{
			{PlanID: planID, FromTaskID: rootID, ToTaskID: aID, EdgeType: model.EdgeDecompose},
			{PlanID: planID, FromTaskID: rootID, ToTaskID: bID, EdgeType: model.EdgeDecompose},
			{PlanID: planID, FromTaskID: bID, ToTaskID: aID, EdgeType: model.EdgeDependsOn},
		},
	}
	require.NoError(t, s.UpsertPlan(p, "{}"))
	return
}

func status(t *testing.T, s *store.Store, taskID string) model.Status {
	t.Helper()
	task, err := s.GetTask(taskID)
	require.NoError(t, err)
	return task.Status
}

func TestRecomputeDependencyGating(t *testing.T) {
	s := newStore(t)
	planID, _, aID, bID := chain(t, s)
	r := New(s, config.Default())

	require.NoError(t, r.Recompute(planID))
	assert.Equal(t, model.StatusReady, status(t, s, aID))
	assert.Equal(t, model.StatusPending, status(t, s, bID), "gated until its dependency is DONE")

	require.NoError(t, s.UpdateTaskStatus(aID, model.StatusDone, ""))
	require.NoError(t, r.Recompute(planID))
	assert.Equal(t, model.StatusReady, status(t, s, bID))
}

func TestRecomputeGoalAggregationAnd(t *testing.T) {
	s := newStore(t)
	planID, rootID, aID, bID := chain(t, s)
	r := New(s, config.Default())

	require.NoError(t, s.UpdateTaskStatus(aID, model.StatusDone, ""))
	require.NoError(t, r.Recompute(planID))
	assert.NotEqual(t, model.StatusDone, status(t, s, rootID))

	require.NoError(t, s.UpdateTaskStatus(bID, model.StatusDone, ""))
	require.NoError(t, r.Recompute(planID))
	assert.Equal(t, model.StatusDone, status(t, s, rootID))
}

func TestRecomputeGoalAggregationOr(t *testing.T) {
	s := newStore(t)
	planID := uuid.NewString()
	rootID := uuid.NewString()
	aID := uuid.NewString()
	bID := uuid.NewString()
	p := &model.Plan{
		PlanID: planID, Title: "either", RootTaskID: rootID,
		Nodes: []model.TaskNode{
			{TaskID: rootID, PlanID: planID, NodeType: model.NodeGoal, Title: "root",
				AndOr: model.AggregateOr},
			{TaskID: aID, PlanID: planID, NodeType: model.NodeAction, Title: "a",
				OwnerAgentID: model.AgentExecutor},
			{TaskID: bID, PlanID: planID, NodeType: model.NodeAction, Title: "b",
				OwnerAgentID: model.AgentExecutor},
		},
		Edges: []model.TaskEdge{
			{PlanID: planID, FromTaskID: rootID, ToTaskID: aID, EdgeType: model.EdgeDecompose},
			{PlanID: planID, FromTaskID: rootID, ToTaskID: bID, EdgeType: model.EdgeDecompose},
		},
	}
	require.NoError(t, s.UpsertPlan(p, "{}"))
	r := New(s, config.Default())

	require.NoError(t, s.UpdateTaskStatus(aID, model.StatusDone, ""))
	require.NoError(t, r.Recompute(planID))
	assert.Equal(t, model.StatusDone, status(t, s, rootID), "OR completes on the first DONE child")
}

func TestRecomputeRequirementGating(t *testing.T) {
	s := newStore(t)
	planID := uuid.NewString()
	rootID := uuid.NewString()
	taskID := uuid.NewString()
	p := &model.Plan{
		PlanID: planID, Title: "inputs", RootTaskID: rootID,
		Nodes: []model.TaskNode{
			{TaskID: rootID, PlanID: planID, NodeType: model.NodeGoal, Title: "root"},
			{TaskID: taskID, PlanID: planID, NodeType: model.NodeAction, Title: "draft",
				OwnerAgentID: model.AgentExecutor,
				Requirements: []model.InputRequirement{
					{Name: "spec", Kind: model.ReqFile, Required: true, MinCount: 2, Source: "ANY"},
				}},
		},
		Edges: []model.TaskEdge{
			{PlanID: planID, FromTaskID: rootID, ToTaskID: taskID, EdgeType: model.EdgeDecompose},
		},
	}
	require.NoError(t, s.UpsertPlan(p, "{}"))
	reqs, err := s.TaskRequirements(taskID)
	require.NoError(t, err)
	reqID := reqs[0].RequirementID
	r := New(s, config.Default())

	require.NoError(t, r.Recompute(planID))
	assert.Equal(t, model.StatusPending, status(t, s, taskID))

	// One of two required evidences is not enough; a task forced READY
	// is demoted with a WAITING_INPUT event.
	_, err = s.BindEvidence(&store.Evidence{
		RequirementID: reqID, EvidenceType: "FILE",
		RefPath: "/ws/inputs/spec.md", SHA256: "abc",
	})
	require.NoError(t, err)
	require.NoError(t, s.UpdateTaskStatus(taskID, model.StatusReady, ""))
	require.NoError(t, r.Recompute(planID))
	assert.Equal(t, model.StatusPending, status(t, s, taskID))

	events, err := s.TaskEvents(taskID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "WAITING_INPUT", events[0].EventType)

	_, err = s.BindEvidence(&store.Evidence{
		RequirementID: reqID, EvidenceType: "FILE",
		RefPath: "/ws/inputs/spec_v2.md", SHA256: "def",
	})
	require.NoError(t, err)
	require.NoError(t, r.Recompute(planID))
	assert.Equal(t, model.StatusReady, status(t, s, taskID))
}

func TestRecomputeFrozenStatuses(t *testing.T) {
	s := newStore(t)
	planID, _, aID, _ := chain(t, s)
	r := New(s, config.Default())

	require.NoError(t, s.UpdateTaskStatus(aID, model.StatusInProgress, ""))
	require.NoError(t, r.Recompute(planID))
	assert.Equal(t, model.StatusInProgress, status(t, s, aID))

	require.NoError(t, s.UpdateTaskStatus(aID, model.StatusFailed, ""))
	require.NoError(t, r.Recompute(planID))
	assert.Equal(t, model.StatusFailed, status(t, s, aID), "FAILED stays put by default")
}

func TestRecomputeFailedAutoReset(t *testing.T) {
	s := newStore(t)
	planID, _, aID, _ := chain(t, s)
	cfg := config.Default()
	cfg.FailedAutoResetReady = true
	r := New(s, cfg)

	require.NoError(t, s.UpdateTaskStatus(aID, model.StatusFailed, ""))
	require.NoError(t, r.Recompute(planID))
	assert.Equal(t, model.StatusReady, status(t, s, aID))
}

func TestRecomputeAlternativeSelection(t *testing.T) {
	s := newStore(t)
	planID := uuid.NewString()
	rootID := uuid.NewString()
	altA := uuid.NewString()
	altB := uuid.NewString()
	p := &model.Plan{
		PlanID: planID, Title: "alt", RootTaskID: rootID,
		Nodes: []model.TaskNode{
			{TaskID: rootID, PlanID: planID, NodeType: model.NodeGoal, Title: "root",
				AndOr: model.AggregateOr},
			{TaskID: altA, PlanID: planID, NodeType: model.NodeAction, Title: "path a",
				OwnerAgentID: model.AgentExecutor, Priority: 5},
			{TaskID: altB, PlanID: planID, NodeType: model.NodeAction, Title: "path b",
				OwnerAgentID: model.AgentExecutor, Priority: 3},
		},
		Edges: []model.TaskEdge{
			{PlanID: planID, FromTaskID: rootID, ToTaskID: altA, EdgeType: model.EdgeDecompose},
			{PlanID: planID, FromTaskID: rootID, ToTaskID: altB, EdgeType: model.EdgeDecompose},
			{PlanID: planID, FromTaskID: altA, ToTaskID: altB, EdgeType: model.EdgeAlternative,
				GroupID: "route"},
		},
	}
	require.NoError(t, s.UpsertPlan(p, "{}"))
	r := New(s, config.Default())

	require.NoError(t, r.Recompute(planID))
	a, err := s.GetTask(altA)
	require.NoError(t, err)
	b, err := s.GetTask(altB)
	require.NoError(t, err)
	assert.True(t, a.ActiveBranch, "higher priority candidate stays active")
	assert.False(t, b.ActiveBranch)

	// The active branch finishing abandons the rest of the group.
	require.NoError(t, s.UpdateTaskStatus(altA, model.StatusDone, ""))
	require.NoError(t, r.Recompute(planID))
	b, err = s.GetTask(altB)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAbandoned, b.Status)
	assert.False(t, b.ActiveBranch)
}
