package model

import (
	"fmt"
	"regexp"
)

var (
	uuidRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	isoRe  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})$`)
)

// PlanValidationError reports one structural problem in a plan.
type PlanValidationError struct {
	Path   string
	Reason string
}

func (e *PlanValidationError) Error() string {
	return fmt.Sprintf("plan invalid at %s: %s", e.Path, e.Reason)
}

func invalid(path, format string, args ...interface{}) error {
	return &PlanValidationError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// ValidatePlan checks structural integrity of a plan document. It returns
// the first violation found, or nil when the plan is well formed.
func ValidatePlan(p *Plan) error {
	if !uuidRe.MatchString(p.PlanID) {
		return invalid("plan_id", "not a UUID: %q", p.PlanID)
	}
	if p.Title == "" {
		return invalid("title", "empty")
	}
	if p.CreatedAt != "" && !isoRe.MatchString(p.CreatedAt) {
		return invalid("created_at", "not ISO-8601: %q", p.CreatedAt)
	}
	if len(p.Nodes) == 0 {
		return invalid("nodes", "empty")
	}

	nodes := make(map[string]*TaskNode, len(p.Nodes))
	for i := range p.Nodes {
		n := &p.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)
		if !uuidRe.MatchString(n.TaskID) {
			return invalid(path+".task_id", "not a UUID: %q", n.TaskID)
		}
		if _, dup := nodes[n.TaskID]; dup {
			return invalid(path+".task_id", "duplicate: %s", n.TaskID)
		}
		if n.PlanID != p.PlanID {
			return invalid(path+".plan_id", "does not match plan: %s", n.PlanID)
		}
		switch n.NodeType {
		case NodeGoal, NodeAction, NodeCheck:
		default:
			return invalid(path+".node_type", "unknown: %q", n.NodeType)
		}
		if n.Title == "" {
			return invalid(path+".title", "empty")
		}
		if n.Status != "" && !StatusAllowed(n.NodeType, n.Status) {
			return invalid(path+".status", "%s not legal for %s", n.Status, n.NodeType)
		}
		if n.Status == StatusBlocked {
			switch n.BlockedReason {
			case WaitingInput, WaitingSkill, WaitingExternal, WaitingApproval:
			default:
				return invalid(path+".blocked_reason", "BLOCKED requires a reason")
			}
		}
		for j, r := range n.Requirements {
			rpath := fmt.Sprintf("%s.requirements[%d]", path, j)
			if r.Name == "" {
				return invalid(rpath+".name", "empty")
			}
			switch r.Kind {
			case ReqFile, ReqData, ReqSkillOutput, ReqApproval:
			default:
				return invalid(rpath+".kind", "unknown: %q", r.Kind)
			}
			if r.MinCount < 1 {
				return invalid(rpath+".min_count", "must be >= 1, got %d", r.MinCount)
			}
		}
		nodes[n.TaskID] = n
	}

	root, ok := nodes[p.RootTaskID]
	if !ok {
		return invalid("root_task_id", "unknown task: %s", p.RootTaskID)
	}
	if root.NodeType != NodeGoal {
		return invalid("root_task_id", "root must be GOAL, got %s", root.NodeType)
	}

	// and_or must be consistent across each parent's DECOMPOSE children.
	parentAndOr := make(map[string]AndOr)
	for i, e := range p.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if e.PlanID != p.PlanID {
			return invalid(path+".plan_id", "does not match plan: %s", e.PlanID)
		}
		if _, ok := nodes[e.FromTaskID]; !ok {
			return invalid(path+".from_task_id", "unknown task: %s", e.FromTaskID)
		}
		if _, ok := nodes[e.ToTaskID]; !ok {
			return invalid(path+".to_task_id", "unknown task: %s", e.ToTaskID)
		}
		switch e.EdgeType {
		case EdgeDecompose:
			child := nodes[e.ToTaskID]
			mode := child.AndOr
			if mode == "" {
				mode = AggregateAnd
			}
			if prev, seen := parentAndOr[e.FromTaskID]; seen && prev != mode {
				return invalid(path, "mixed and_or under parent %s", e.FromTaskID)
			}
			parentAndOr[e.FromTaskID] = mode
		case EdgeDependsOn:
		case EdgeAlternative:
			if e.GroupID == "" {
				return invalid(path+".group_id", "ALTERNATIVE edge requires group_id")
			}
		default:
			return invalid(path+".edge_type", "unknown: %q", e.EdgeType)
		}
	}

	if cyc := findCycle(p); cyc != "" {
		return invalid("edges", "cycle through %s", cyc)
	}
	return nil
}

// findCycle runs DFS over all edge types and returns a task on a cycle,
// or "" when the graph is acyclic.
func findCycle(p *Plan) string {
	adj := make(map[string][]string)
	for _, e := range p.Edges {
		adj[e.FromTaskID] = append(adj[e.FromTaskID], e.ToTaskID)
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				return next
			case white:
				if hit := visit(next); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}
	for _, n := range p.Nodes {
		if color[n.TaskID] == white {
			if hit := visit(n.TaskID); hit != "" {
				return hit
			}
		}
	}
	return ""
}
