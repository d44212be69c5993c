package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus  TaskStatus = "PENDING"
	ApprovedTaskStatus TaskStatus = "APPROVED"
	RejectedTaskStatus TaskStatus = "REJECTED"
	ReturnedTaskStatus TaskStatus = "RETURNED"
)

// ApprovalTask is one approver's unit of work at a node. Epoch distinguishes
// task generations at the same node: a RETURN re-opens the target node under a
// fresh epoch and quorum evaluation only considers the newest one, so
// superseded tasks keep their recorded status for the audit trail. A task is
// PENDING exactly while CompletedAt is nil. Delegation keeps the task pending
// and records the delegate; CompletedBy may therefore differ from AssignedTo.
type ApprovalTask struct {
	ID              int64      `json:"id" db:"id"`
	InstanceID      int64      `json:"instance_id" db:"instance_id"`
	NodeID          string     `json:"node_id" db:"node_id"`
	Epoch           int        `json:"epoch" db:"epoch"`
	AssignedTo      string     `json:"assigned_to" db:"assigned_to"`
	DelegatedTo     string     `json:"delegated_to,omitempty" db:"delegated_to"`
	Status          TaskStatus `json:"status" db:"status"`
	AssignedAt      time.Time  `json:"assigned_at" db:"assigned_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CompletedBy     string     `json:"completed_by,omitempty" db:"completed_by"`
	DecisionComment string     `json:"decision_comment,omitempty" db:"decision_comment"`
}

// Pending reports whether the task still awaits a decision.
func (t ApprovalTask) Pending() bool {
	return t.Status == PendingTaskStatus
}
