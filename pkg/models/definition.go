package models

import "time"

type DefinitionStatus string

const (
	DraftDefinitionStatus     DefinitionStatus = "DRAFT"
	PublishedDefinitionStatus DefinitionStatus = "PUBLISHED"
	ArchivedDefinitionStatus  DefinitionStatus = "ARCHIVED"
)

type QuorumPolicy string

const (
	QuorumAny      QuorumPolicy = "ANY"      // first approving decision resolves the node
	QuorumAll      QuorumPolicy = "ALL"      // every assigned approver must approve
	QuorumMajority QuorumPolicy = "MAJORITY" // strictly more than half must approve
)

type RejectPolicy string

const (
	RejectTerminate RejectPolicy = "TERMINATE"
	RejectReturn    RejectPolicy = "RETURN"
)

type ApproverRuleKind string

const (
	RuleExplicitUsers ApproverRuleKind = "EXPLICIT_USERS"
	RuleRoleBased     ApproverRuleKind = "ROLE_BASED"
	RuleDynamicLookup ApproverRuleKind = "DYNAMIC_LOOKUP"
)

// ApproverRule is a closed variant: exactly one of Users, Role or Expression
// is meaningful depending on Kind. Dynamic expressions are evaluated against
// the instance's entity snapshot and must yield one principal or a list of
// principals (e.g. `snapshot.department_head`).
type ApproverRule struct {
	Kind       ApproverRuleKind `json:"kind"`
	Users      []string         `json:"users,omitempty"`
	Role       string           `json:"role,omitempty"`
	Expression string           `json:"expression,omitempty"`
}

// WorkflowNode is one approval step inside a definition. Node IDs are stable
// within their definition and referenced by instances, tasks and ledger
// records.
type WorkflowNode struct {
	ID           string       `json:"id" db:"id"`
	DefinitionID int64        `json:"definition_id" db:"definition_id"`
	Title        string       `json:"title" db:"title"`
	Rule         ApproverRule `json:"rule"`
	Quorum       QuorumPolicy `json:"quorum" db:"quorum"`
	OnReject     RejectPolicy `json:"on_reject" db:"on_reject"`
	ReturnTo     string       `json:"return_to,omitempty" db:"return_to"` // prior node id, required when OnReject is RETURN
	Next         string       `json:"next,omitempty" db:"next_node"`      // successor node id; empty marks a terminal node
	Position     int          `json:"position" db:"position"`             // order within the definition
}

// Terminal reports whether the node has no successor.
func (n WorkflowNode) Terminal() bool {
	return n.Next == ""
}

// WorkflowDefinition is a versioned template of approval nodes. Once
// published it is immutable; edits create a new version referenced only by
// new instances.
type WorkflowDefinition struct {
	ID        int64            `json:"id" db:"id"`
	Name      string           `json:"name" db:"name"`
	Version   int              `json:"version" db:"version"`
	Status    DefinitionStatus `json:"status" db:"status"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
	Nodes     []WorkflowNode   `json:"nodes,omitempty"`
}

// Node returns the node with the given id, or false when the definition has
// no such node.
func (d WorkflowDefinition) Node(id string) (WorkflowNode, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return WorkflowNode{}, false
}

// FirstNode returns the entry node of the definition (lowest position).
func (d WorkflowDefinition) FirstNode() (WorkflowNode, bool) {
	if len(d.Nodes) == 0 {
		return WorkflowNode{}, false
	}
	first := d.Nodes[0]
	for _, n := range d.Nodes[1:] {
		if n.Position < first.Position {
			first = n
		}
	}
	return first, true
}
