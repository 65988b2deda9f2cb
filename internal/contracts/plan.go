package contracts

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jiazeyu1987/AgentFolder/internal/model"
	"github.com/jiazeyu1987/AgentFolder/internal/util"
)

var edgeTypeAliases = map[string]string{
	"DECOMPOSE": "DECOMPOSE", "DECOMPOSITION": "DECOMPOSE",
	"BREAKDOWN": "DECOMPOSE", "CHILD_OF": "DECOMPOSE",
	"DEPENDS_ON": "DEPENDS_ON", "DEPEND": "DEPENDS_ON",
	"DEPENDS": "DEPENDS_ON", "REQUIRES": "DEPENDS_ON", "PREREQ": "DEPENDS_ON",
	"ALTERNATIVE": "ALTERNATIVE", "ALT": "ALTERNATIVE",
}

var nodeTypeAliases = map[string]string{
	"GOAL": "GOAL", "OBJECTIVE": "GOAL",
	"ACTION": "ACTION", "TASK": "ACTION", "STEP": "ACTION",
	"CHECK": "CHECK", "REVIEW": "CHECK", "VERIFY": "CHECK",
}

var requirementKindAliases = map[string]string{
	"FILE": "FILE", "DOC": "FILE", "DOCS": "FILE", "DOCUMENT": "FILE",
	"DATA": "DATA",
	"SKILL_OUTPUT": "SKILL_OUTPUT", "SKILL": "SKILL_OUTPUT",
	"APPROVAL": "APPROVAL",
}

// Sentinel node names models emit for flowchart-style plans. START fans
// its successors out under the root; END markers are dropped entirely.
var startNames = map[string]bool{"START": true, "BEGIN": true}
var endNames = map[string]bool{"END": true, "FINISH": true, "STOP": true}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// NormalizePlanDoc rewrites a raw plan document into the canonical
// plan_json_v1 shape: canonical key names, UUID ids, sentinel-node
// rewrite, placeholder nodes for dangling edges, and a guaranteed GOAL
// root with DECOMPOSE fan-out.
func NormalizePlanDoc(raw map[string]interface{}) map[string]interface{} {
	if raw == nil {
		return nil
	}
	doc := unwrap(raw, "nodes", "plan_json", "plan")

	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	renameKey(out, "tasks", "nodes")
	renameKey(out, "links", "edges")
	out["schema_version"] = SchemaPlan

	planID := asString(out["plan_id"])
	if !isUUID(planID) {
		planID = uuid.NewString()
	}
	out["plan_id"] = planID
	if asString(out["title"]) == "" {
		out["title"] = "Untitled plan"
	}
	if asString(out["created_at"]) == "" {
		out["created_at"] = util.NowISO()
	}

	idMap := map[string]string{} // raw id -> canonical UUID
	mapID := func(raw string) string {
		if raw == "" {
			return ""
		}
		if canon, ok := idMap[raw]; ok {
			return canon
		}
		canon := raw
		if !isUUID(raw) {
			canon = uuid.NewString()
		}
		idMap[raw] = canon
		return canon
	}

	type nodeInfo struct {
		m       map[string]interface{}
		rawID   string
		isStart bool
		isEnd   bool
	}
	var nodes []nodeInfo
	for _, v := range asSlice(out["nodes"]) {
		m := asMap(v)
		if m == nil {
			continue
		}
		renameKey(m, "id", "task_id")
		renameKey(m, "type", "node_type")
		renameKey(m, "name", "title")
		renameKey(m, "inputs", "requirements")
		rawID := asString(m["task_id"])
		title := strings.ToUpper(asString(m["title"]))
		nt := strings.ToUpper(asString(m["node_type"]))
		info := nodeInfo{m: m, rawID: rawID}
		upperID := strings.ToUpper(rawID)
		if startNames[upperID] || startNames[title] || nt == "START" {
			info.isStart = true
		} else if endNames[upperID] || endNames[title] || nt == "END" {
			info.isEnd = true
		}
		nodes = append(nodes, info)
	}

	startIDs := map[string]bool{}
	endIDs := map[string]bool{}
	kept := make([]interface{}, 0, len(nodes))
	for _, info := range nodes {
		if info.isStart {
			startIDs[info.rawID] = true
			continue
		}
		if info.isEnd {
			endIDs[info.rawID] = true
			continue
		}
		m := info.m
		m["task_id"] = mapID(info.rawID)
		if m["task_id"] == "" {
			m["task_id"] = uuid.NewString()
		}
		m["plan_id"] = planID
		if canon, ok := nodeTypeAliases[strings.ToUpper(asString(m["node_type"]))]; ok {
			m["node_type"] = canon
		} else if asString(m["node_type"]) == "" {
			m["node_type"] = "ACTION"
		}
		if asString(m["title"]) == "" {
			m["title"] = "Untitled task"
		}
		normalizeRequirements(m)
		normalizeOwner(m)
		kept = append(kept, m)
	}

	// Edges: alias keys and types, rewrite START sources to the root
	// later, drop END edges.
	var edges []map[string]interface{}
	var startTargets []string
	for _, v := range asSlice(out["edges"]) {
		m := asMap(v)
		if m == nil {
			continue
		}
		renameKey(m, "from", "from_task_id")
		renameKey(m, "to", "to_task_id")
		renameKey(m, "source", "from_task_id")
		renameKey(m, "target", "to_task_id")
		renameKey(m, "type", "edge_type")
		from := asString(m["from_task_id"])
		to := asString(m["to_task_id"])
		if endIDs[from] || endIDs[to] {
			continue
		}
		if startIDs[from] {
			startTargets = append(startTargets, mapID(to))
			continue
		}
		if startIDs[to] {
			continue
		}
		et := strings.ToUpper(asString(m["edge_type"]))
		if canon, ok := edgeTypeAliases[et]; ok {
			m["edge_type"] = canon
		} else if et == "" {
			m["edge_type"] = "DEPENDS_ON"
		} else {
			m["edge_type"] = et
		}
		m["from_task_id"] = mapID(from)
		m["to_task_id"] = mapID(to)
		m["plan_id"] = planID
		if asString(m["edge_id"]) == "" {
			m["edge_id"] = uuid.NewString()
		}
		edges = append(edges, m)
	}

	// Placeholder nodes for edges referencing unknown tasks.
	known := map[string]map[string]interface{}{}
	for _, v := range kept {
		m := asMap(v)
		known[asString(m["task_id"])] = m
	}
	for _, e := range edges {
		for _, key := range []string{"from_task_id", "to_task_id"} {
			id := asString(e[key])
			if id == "" || known[id] != nil {
				continue
			}
			placeholder := map[string]interface{}{
				"task_id":   id,
				"plan_id":   planID,
				"node_type": "ACTION",
				"title":     "Unresolved task",
				"tags":      []interface{}{"placeholder", "autofix"},
				"owner_agent_id": "xiaobo",
			}
			kept = append(kept, placeholder)
			known[id] = placeholder
		}
	}

	// Root resolution: declared root, else a GOAL with no incoming
	// DECOMPOSE, else a synthesized root GOAL.
	incomingDecompose := map[string]bool{}
	for _, e := range edges {
		if asString(e["edge_type"]) == "DECOMPOSE" {
			incomingDecompose[asString(e["to_task_id"])] = true
		}
	}
	rootID := mapID(asString(out["root_task_id"]))
	if rootID == "" || known[rootID] == nil {
		rootID = ""
		for _, v := range kept {
			m := asMap(v)
			if asString(m["node_type"]) == "GOAL" && !incomingDecompose[asString(m["task_id"])] {
				rootID = asString(m["task_id"])
				break
			}
		}
	}
	if rootID == "" {
		rootID = uuid.NewString()
		root := map[string]interface{}{
			"task_id":   rootID,
			"plan_id":   planID,
			"node_type": "GOAL",
			"title":     asString(out["title"]),
			"tags":      []interface{}{"autofix"},
		}
		kept = append(kept, root)
		known[rootID] = root
	}
	out["root_task_id"] = rootID

	// Fan out under the root: START targets first, otherwise every node
	// without an incoming DECOMPOSE edge.
	rootHasDecompose := false
	for _, e := range edges {
		if asString(e["from_task_id"]) == rootID && asString(e["edge_type"]) == "DECOMPOSE" {
			rootHasDecompose = true
			break
		}
	}
	if !rootHasDecompose {
		targets := startTargets
		if len(targets) == 0 {
			for _, v := range kept {
				m := asMap(v)
				id := asString(m["task_id"])
				if id != rootID && !incomingDecompose[id] {
					targets = append(targets, id)
				}
			}
		}
		for _, to := range targets {
			if to == rootID || known[to] == nil {
				continue
			}
			edges = append(edges, map[string]interface{}{
				"edge_id":      uuid.NewString(),
				"plan_id":      planID,
				"from_task_id": rootID,
				"to_task_id":   to,
				"edge_type":    "DECOMPOSE",
			})
		}
	}

	edgeIface := make([]interface{}, len(edges))
	for i, e := range edges {
		edgeIface[i] = e
	}
	out["nodes"] = kept
	out["edges"] = edgeIface
	return out
}

func normalizeRequirements(node map[string]interface{}) {
	reqs := asSlice(node["requirements"])
	if reqs == nil {
		return
	}
	normalized := make([]interface{}, 0, len(reqs))
	for _, v := range reqs {
		m := asMap(v)
		if m == nil {
			if s := asString(v); s != "" {
				m = map[string]interface{}{"name": s}
			} else {
				continue
			}
		}
		renameKey(m, "id", "requirement_id")
		kind := strings.ToUpper(asString(m["kind"]))
		if canon, ok := requirementKindAliases[kind]; ok {
			m["kind"] = canon
		} else {
			m["kind"] = "FILE"
		}
		if n, ok := asNumber(m["min_count"]); !ok || n < 1 {
			m["min_count"] = float64(1)
		}
		if _, has := m["required"]; !has {
			m["required"] = true
		}
		if asString(m["source"]) == "" {
			m["source"] = "ANY"
		}
		normalized = append(normalized, m)
	}
	node["requirements"] = normalized
}

func normalizeOwner(node map[string]interface{}) {
	renameKey(node, "owner", "owner_agent_id")
	renameKey(node, "agent", "owner_agent_id")
	if asString(node["owner_agent_id"]) != "" {
		return
	}
	switch asString(node["node_type"]) {
	case "ACTION":
		node["owner_agent_id"] = model.AgentExecutor
	case "CHECK":
		node["owner_agent_id"] = model.AgentReviewer
	}
}

// ValidatePlanDoc decodes the normalized document and runs structural
// plan validation, mapping failures into contract errors.
func ValidatePlanDoc(doc map[string]interface{}) *ContractError {
	plan, err := DecodePlan(doc)
	if err != nil {
		return contractErr("PLAN_INVALID", SchemaPlan, "$", "decodable plan", err.Error(), "")
	}
	if err := model.ValidatePlan(plan); err != nil {
		path := "$"
		if ve, ok := err.(*model.PlanValidationError); ok {
			path = "$." + ve.Path
		}
		return contractErr("PLAN_INVALID", SchemaPlan, path, "valid plan", err.Error(), "")
	}
	return nil
}

// DecodePlan converts a normalized plan document into the typed model.
func DecodePlan(doc map[string]interface{}) (*model.Plan, error) {
	if doc == nil {
		return nil, fmt.Errorf("nil plan document")
	}
	p := &model.Plan{
		PlanID:     asString(doc["plan_id"]),
		Title:      asString(doc["title"]),
		RootTaskID: asString(doc["root_task_id"]),
		CreatedAt:  asString(doc["created_at"]),
	}
	for _, v := range asSlice(doc["nodes"]) {
		m := asMap(v)
		if m == nil {
			return nil, fmt.Errorf("node is not an object")
		}
		n := model.TaskNode{
			TaskID:        asString(m["task_id"]),
			PlanID:        asString(m["plan_id"]),
			NodeType:      model.NodeType(asString(m["node_type"])),
			Title:         asString(m["title"]),
			GoalStatement: asString(m["goal_statement"]),
			Rationale:     asString(m["rationale"]),
			OwnerAgentID:  asString(m["owner_agent_id"]),
			AndOr:         model.AndOr(strings.ToUpper(asString(m["and_or"]))),
			ActiveBranch:  true,
		}
		if pr, ok := asNumber(m["priority"]); ok {
			n.Priority = int(pr)
		}
		if conf, ok := asNumber(m["confidence"]); ok {
			n.Confidence = conf
		}
		if days, ok := asNumber(m["estimated_person_days"]); ok {
			n.EstimatedPersonDays = days
		}
		for _, t := range asSlice(m["tags"]) {
			if s := asString(t); s != "" {
				n.Tags = append(n.Tags, s)
			}
		}
		if spec := asMap(m["deliverable_spec"]); spec != nil {
			n.DeliverableSpecJSON = MarshalNormalized(spec)
		}
		if spec := asMap(m["final_deliverable_spec"]); spec != nil {
			n.FinalDeliverableSpecJSON = MarshalNormalized(spec)
		}
		if ac := asSlice(m["acceptance_criteria"]); ac != nil {
			n.AcceptanceCriteriaJSON = MarshalNormalized(map[string]interface{}{"criteria": ac})
		}
		n.ReviewTargetTaskID = asString(m["review_target_task_id"])
		for _, rv := range asSlice(m["requirements"]) {
			rm := asMap(rv)
			if rm == nil {
				continue
			}
			req := model.InputRequirement{
				RequirementID: asString(rm["requirement_id"]),
				TaskID:        n.TaskID,
				Name:          asString(rm["name"]),
				Kind:          model.RequirementKind(asString(rm["kind"])),
				Required:      true,
				MinCount:      1,
				Source:        asString(rm["source"]),
			}
			if b, ok := rm["required"].(bool); ok {
				req.Required = b
			}
			if mc, ok := asNumber(rm["min_count"]); ok && mc >= 1 {
				req.MinCount = int(mc)
			}
			for _, t := range asSlice(rm["allowed_types"]) {
				if s := asString(t); s != "" {
					req.AllowedTypes = append(req.AllowedTypes, strings.ToLower(s))
				}
			}
			if v := asMap(rm["validation"]); v != nil {
				req.Validation = v
			}
			n.Requirements = append(n.Requirements, req)
		}
		p.Nodes = append(p.Nodes, n)
	}
	for _, v := range asSlice(doc["edges"]) {
		m := asMap(v)
		if m == nil {
			return nil, fmt.Errorf("edge is not an object")
		}
		e := model.TaskEdge{
			EdgeID:     asString(m["edge_id"]),
			PlanID:     asString(m["plan_id"]),
			FromTaskID: asString(m["from_task_id"]),
			ToTaskID:   asString(m["to_task_id"]),
			EdgeType:   model.EdgeType(asString(m["edge_type"])),
			GroupID:    asString(m["group_id"]),
		}
		p.Edges = append(p.Edges, e)
	}
	return p, nil
}
