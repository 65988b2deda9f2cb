// Package readiness recomputes task statuses each tick: alternative
// branch selection, dependency gating, input-requirement satisfaction,
// and GOAL aggregation. It derives state; it never invents progress.
package readiness

import (
	"sort"

	"github.com/jiazeyu1987/AgentFolder/internal/config"
	"github.com/jiazeyu1987/AgentFolder/internal/logging"
	"github.com/jiazeyu1987/AgentFolder/internal/model"
	"github.com/jiazeyu1987/AgentFolder/internal/store"
)

// Recomputer runs the readiness pass.
type Recomputer struct {
	store *store.Store
	cfg   config.Runtime
}

func New(s *store.Store, cfg config.Runtime) *Recomputer {
	return &Recomputer{store: s, cfg: cfg}
}

type graph struct {
	tasks    map[string]*model.TaskNode
	ordered  []*model.TaskNode
	edges    []*model.TaskEdge
	children map[string][]string // DECOMPOSE parent -> children
	parents  map[string][]string // DECOMPOSE child -> parents
	deps     map[string][]string // task -> tasks it DEPENDS_ON
}

func (r *Recomputer) load(planID string) (*graph, error) {
	tasks, err := r.store.PlanTasks(planID)
	if err != nil {
		return nil, err
	}
	edges, err := r.store.PlanEdges(planID)
	if err != nil {
		return nil, err
	}
	g := &graph{
		tasks:    make(map[string]*model.TaskNode, len(tasks)),
		ordered:  tasks,
		edges:    edges,
		children: make(map[string][]string),
		parents:  make(map[string][]string),
		deps:     make(map[string][]string),
	}
	for _, t := range tasks {
		g.tasks[t.TaskID] = t
	}
	for _, e := range edges {
		switch e.EdgeType {
		case model.EdgeDecompose:
			g.children[e.FromTaskID] = append(g.children[e.FromTaskID], e.ToTaskID)
			g.parents[e.ToTaskID] = append(g.parents[e.ToTaskID], e.FromTaskID)
		case model.EdgeDependsOn:
			g.deps[e.FromTaskID] = append(g.deps[e.FromTaskID], e.ToTaskID)
		}
	}
	return g, nil
}

// Recompute runs one readiness pass over a plan.
func (r *Recomputer) Recompute(planID string) error {
	g, err := r.load(planID)
	if err != nil {
		return err
	}
	if err := r.selectAlternatives(planID, g); err != nil {
		return err
	}
	r.propagateInactive(g)
	if err := r.updateStatuses(planID, g); err != nil {
		return err
	}
	return r.aggregateGoals(g)
}

// selectAlternatives resolves ALTERNATIVE groups. A DONE member wins the
// group: the losers are ABANDONED and deactivated. Until someone wins,
// exactly one deterministic candidate stays active per group.
func (r *Recomputer) selectAlternatives(planID string, g *graph) error {
	groups := map[string][]string{}
	for _, e := range g.edges {
		if e.EdgeType != model.EdgeAlternative || e.GroupID == "" {
			continue
		}
		groups[e.GroupID] = appendUnique(groups[e.GroupID], e.FromTaskID)
		groups[e.GroupID] = appendUnique(groups[e.GroupID], e.ToTaskID)
	}
	groupIDs := make([]string, 0, len(groups))
	for id := range groups {
		groupIDs = append(groupIDs, id)
	}
	sort.Strings(groupIDs)

	for _, gid := range groupIDs {
		members := groups[gid]
		var winner *model.TaskNode
		for _, id := range members {
			t := g.tasks[id]
			if t != nil && t.Status == model.StatusDone {
				winner = t
				break
			}
		}
		if winner != nil {
			for _, id := range members {
				t := g.tasks[id]
				if t == nil || t.TaskID == winner.TaskID {
					continue
				}
				if t.Status != model.StatusAbandoned {
					if err := r.store.UpdateTaskStatus(t.TaskID, model.StatusAbandoned, ""); err != nil {
						return err
					}
					t.Status = model.StatusAbandoned
				}
				if t.ActiveBranch {
					if err := r.store.SetActiveBranch(t.TaskID, false); err != nil {
						return err
					}
					t.ActiveBranch = false
				}
			}
			continue
		}

		// No winner yet: keep one candidate active, chosen by priority
		// desc, attempts asc, then task id for determinism.
		cands := make([]*model.TaskNode, 0, len(members))
		for _, id := range members {
			if t := g.tasks[id]; t != nil && t.Status != model.StatusAbandoned {
				cands = append(cands, t)
			}
		}
		if len(cands) == 0 {
			continue
		}
		sort.SliceStable(cands, func(i, j int) bool {
			if cands[i].Priority != cands[j].Priority {
				return cands[i].Priority > cands[j].Priority
			}
			if cands[i].AttemptCount != cands[j].AttemptCount {
				return cands[i].AttemptCount < cands[j].AttemptCount
			}
			return cands[i].TaskID < cands[j].TaskID
		})
		chosen := cands[0]
		for _, t := range cands {
			active := t.TaskID == chosen.TaskID
			if t.ActiveBranch != active {
				if err := r.store.SetActiveBranch(t.TaskID, active); err != nil {
					return err
				}
				t.ActiveBranch = active
			}
		}
	}
	return nil
}

// propagateInactive marks the DECOMPOSE subtree of every inactive node
// inactive in memory. Branch membership cascades down.
func (r *Recomputer) propagateInactive(g *graph) {
	var mark func(id string)
	mark = func(id string) {
		for _, child := range g.children[id] {
			t := g.tasks[child]
			if t == nil || !t.ActiveBranch {
				continue
			}
			t.ActiveBranch = false
			_ = r.store.SetActiveBranch(child, false)
			mark(child)
		}
	}
	for _, t := range g.ordered {
		if !t.ActiveBranch {
			mark(t.TaskID)
		}
	}
}

// frozen statuses the readiness pass never touches.
func frozen(t *model.TaskNode, autoResetFailed bool) bool {
	switch t.Status {
	case model.StatusDone, model.StatusAbandoned, model.StatusInProgress,
		model.StatusReadyToCheck, model.StatusToBeModify:
		return true
	case model.StatusFailed:
		return !autoResetFailed
	}
	return false
}

func (r *Recomputer) updateStatuses(planID string, g *graph) error {
	for _, t := range g.ordered {
		if !t.ActiveBranch || t.NodeType == model.NodeGoal {
			continue
		}
		if frozen(t, r.cfg.FailedAutoResetReady) {
			continue
		}
		if t.Status == model.StatusBlocked && t.BlockedReason != model.WaitingInput {
			continue // only input blocks are released automatically
		}

		depsOK := true
		for _, dep := range g.deps[t.TaskID] {
			d := g.tasks[dep]
			if d == nil {
				continue
			}
			if d.ActiveBranch && d.Status != model.StatusDone {
				depsOK = false
				break
			}
		}

		reqOK, hasRequired, missing, err := r.requirementsSatisfied(t.TaskID)
		if err != nil {
			return err
		}

		// An input block lifts only once evidence actually satisfies the
		// task's required inputs. Without that, the block is the user's.
		if t.Status == model.StatusBlocked && !(depsOK && reqOK && hasRequired) {
			continue
		}

		var target model.Status
		switch {
		case depsOK && reqOK:
			target = model.StatusReady
		default:
			target = model.StatusPending
		}
		if t.Status == target {
			continue
		}
		if t.Status == model.StatusFailed && target == model.StatusReady {
			// Auto-reset path: attempts stay, status returns to READY.
			logging.Get(logging.CategoryEngine).Info("auto-resetting failed task %s", t.TaskID)
		}
		if err := r.store.UpdateTaskStatus(t.TaskID, target, ""); err != nil {
			return err
		}
		t.Status = target
		if target == model.StatusPending && depsOK && !reqOK {
			_ = r.store.EmitEvent(planID, t.TaskID, "WAITING_INPUT", map[string]interface{}{
				"missing": missing,
			})
		}
	}
	return nil
}

// requirementsSatisfied checks evidence counts against min_count for
// every required requirement of a task.
func (r *Recomputer) requirementsSatisfied(taskID string) (ok, hasRequired bool, missing []string, err error) {
	reqs, err := r.store.TaskRequirements(taskID)
	if err != nil {
		return false, false, nil, err
	}
	for _, req := range reqs {
		if !req.Required {
			continue
		}
		hasRequired = true
		n, err := r.store.EvidenceCount(req.RequirementID)
		if err != nil {
			return false, hasRequired, nil, err
		}
		if n < req.MinCount {
			missing = append(missing, req.Name)
		}
	}
	return len(missing) == 0, hasRequired, missing, nil
}

// aggregateGoals completes GOAL nodes from their active DECOMPOSE
// children, AND requiring all DONE, OR requiring any. Deepest goals
// resolve first so nested goals can cascade in a single pass.
func (r *Recomputer) aggregateGoals(g *graph) error {
	depth := map[string]int{}
	var depthOf func(id string) int
	depthOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		depth[id] = 0 // cycle guard; validation already rejects cycles
		max := 0
		for _, child := range g.children[id] {
			if d := depthOf(child) + 1; d > max {
				max = d
			}
		}
		depth[id] = max
		return max
	}
	goals := []*model.TaskNode{}
	for _, t := range g.ordered {
		if t.NodeType == model.NodeGoal && t.ActiveBranch {
			depthOf(t.TaskID)
			goals = append(goals, t)
		}
	}
	sort.SliceStable(goals, func(i, j int) bool {
		return depth[goals[i].TaskID] < depth[goals[j].TaskID]
	})

	for _, goal := range goals {
		if goal.Status == model.StatusDone || goal.Status == model.StatusAbandoned {
			continue
		}
		children := g.children[goal.TaskID]
		if len(children) == 0 {
			continue
		}
		mode := goal.AndOr
		if mode == "" {
			mode = model.AggregateAnd
		}
		doneCount, activeCount := 0, 0
		for _, id := range children {
			c := g.tasks[id]
			if c == nil || !c.ActiveBranch {
				continue
			}
			activeCount++
			if c.Status == model.StatusDone {
				doneCount++
			}
		}
		complete := false
		if mode == model.AggregateOr {
			complete = doneCount > 0
		} else {
			complete = activeCount > 0 && doneCount == activeCount
		}
		if complete {
			if err := r.store.UpdateTaskStatus(goal.TaskID, model.StatusDone, ""); err != nil {
				return err
			}
			goal.Status = model.StatusDone
		}
	}
	return nil
}

func appendUnique(s []string, v string) []string {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}
