// Package model defines the plan domain: node and edge types, task
// statuses, the per-node-type legal status table, and strict plan
// validation.
package model

// NodeType classifies a task node in the plan DAG.
type NodeType string

const (
	NodeGoal   NodeType = "GOAL"   // Aggregates DECOMPOSE children
	NodeAction NodeType = "ACTION" // Produces an artifact via the executor
	NodeCheck  NodeType = "CHECK"  // Reviews another node's output
)

// Status is the lifecycle state of a task node.
type Status string

const (
	StatusPending      Status = "PENDING"        // Not yet runnable
	StatusReady        Status = "READY"          // Runnable now
	StatusInProgress   Status = "IN_PROGRESS"    // An agent round is working on it
	StatusReadyToCheck Status = "READY_TO_CHECK" // Artifact produced, awaiting review
	StatusToBeModify   Status = "TO_BE_MODIFY"   // Reviewer requested changes
	StatusBlocked      Status = "BLOCKED"        // Waiting on something external
	StatusDone         Status = "DONE"           // Approved and complete
	StatusFailed       Status = "FAILED"         // Last attempt errored
	StatusAbandoned    Status = "ABANDONED"      // Losing alternative branch
)

// BlockedReason qualifies a BLOCKED status.
type BlockedReason string

const (
	WaitingInput    BlockedReason = "WAITING_INPUT"    // Required input evidence missing
	WaitingSkill    BlockedReason = "WAITING_SKILL"    // Skill failed or timed out
	WaitingExternal BlockedReason = "WAITING_EXTERNAL" // Needs human intervention
	WaitingApproval BlockedReason = "WAITING_APPROVAL" // Needs an approval record
)

// EdgeType classifies an edge in the plan DAG.
type EdgeType string

const (
	EdgeDecompose   EdgeType = "DECOMPOSE"   // Parent breaks down into child
	EdgeDependsOn   EdgeType = "DEPENDS_ON"  // From waits for To
	EdgeAlternative EdgeType = "ALTERNATIVE" // Mutually exclusive siblings in a group
)

// RequirementKind classifies an input requirement.
type RequirementKind string

const (
	ReqFile        RequirementKind = "FILE"
	ReqData        RequirementKind = "DATA"
	ReqSkillOutput RequirementKind = "SKILL_OUTPUT"
	ReqApproval    RequirementKind = "APPROVAL"
)

// Agent identifiers. The executor produces artifacts, the reviewer scores
// them, the auditor reviews CHECK nodes in v2 workflows.
const (
	AgentExecutor = "xiaobo"
	AgentReviewer = "xiaojing"
	AgentAuditor  = "xiaoxie"
)

// AndOr selects how a GOAL aggregates its DECOMPOSE children.
type AndOr string

const (
	AggregateAnd AndOr = "AND" // All children must be DONE
	AggregateOr  AndOr = "OR"  // Any child DONE completes the goal
)

var allowedStatuses = map[NodeType]map[Status]bool{
	NodeGoal: {
		StatusPending: true, StatusReady: true, StatusInProgress: true,
		StatusBlocked: true, StatusDone: true, StatusFailed: true,
		StatusAbandoned: true,
	},
	NodeAction: {
		StatusPending: true, StatusReady: true, StatusInProgress: true,
		StatusReadyToCheck: true, StatusToBeModify: true, StatusBlocked: true,
		StatusDone: true, StatusFailed: true, StatusAbandoned: true,
	},
	NodeCheck: {
		StatusPending: true, StatusReady: true, StatusInProgress: true,
		StatusBlocked: true, StatusDone: true, StatusFailed: true,
		StatusAbandoned: true,
	},
}

// StatusAllowed reports whether a status is legal for a node type.
// READY_TO_CHECK and TO_BE_MODIFY are ACTION-only.
func StatusAllowed(nt NodeType, s Status) bool {
	m, ok := allowedStatuses[nt]
	if !ok {
		return false
	}
	return m[s]
}

// Plan is a full plan document: metadata plus the task DAG.
type Plan struct {
	PlanID     string
	Title      string
	RootTaskID string
	Status     string
	CreatedAt  string
	Nodes      []TaskNode
	Edges      []TaskEdge
}

// TaskNode is one node of the plan DAG.
type TaskNode struct {
	TaskID        string
	PlanID        string
	NodeType      NodeType
	Title         string
	GoalStatement string
	Rationale     string
	Status        Status
	BlockedReason BlockedReason
	OwnerAgentID  string
	Priority      int
	AttemptCount  int
	Tags          []string
	Confidence    float64
	AndOr         AndOr
	ActiveBranch  bool

	ActiveArtifactID   string
	ApprovedArtifactID string
	ReviewedArtifactID string

	// v2 workflow columns.
	EstimatedPersonDays      float64
	DeliverableSpecJSON      string
	AcceptanceCriteriaJSON   string
	ReviewTargetTaskID       string
	FinalDeliverableSpecJSON string

	Requirements []InputRequirement

	CreatedAt string
	UpdatedAt string
}

// TaskEdge connects two task nodes.
type TaskEdge struct {
	EdgeID     string
	PlanID     string
	FromTaskID string
	ToTaskID   string
	EdgeType   EdgeType
	GroupID    string // ALTERNATIVE group membership
	CreatedAt  string
}

// InputRequirement declares an input a task needs before it can run.
type InputRequirement struct {
	RequirementID string
	TaskID        string
	Name          string
	Kind          RequirementKind
	Required      bool
	MinCount      int
	AllowedTypes  []string
	Source        string // USER | BASELINE | SKILL | ANY
	Validation    map[string]interface{}
	CreatedAt     string
}
