package models

import "time"

type DecisionAction string

const (
	ActionApprove  DecisionAction = "APPROVE"
	ActionReject   DecisionAction = "REJECT"
	ActionDelegate DecisionAction = "DELEGATE"
	ActionReturn   DecisionAction = "RETURN"
)

// ApprovalRecord is one append-only ledger entry. Records are never updated
// or deleted; replaying an instance's records in (RecordedAt, ID) order
// against its definition reproduces the instance's current node and status.
type ApprovalRecord struct {
	ID         int64          `json:"id" db:"id"`
	InstanceID int64          `json:"instance_id" db:"instance_id"`
	NodeID     string         `json:"node_id" db:"node_id"`
	TaskID     int64          `json:"task_id" db:"task_id"`
	Approver   string         `json:"approver" db:"approver"`
	Action     DecisionAction `json:"action" db:"action"`
	Comment    string         `json:"comment,omitempty" db:"comment"`
	RecordedAt time.Time      `json:"recorded_at" db:"recorded_at"`
}
