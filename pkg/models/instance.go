package models

import "time"

type InstanceStatus string

const (
	ActiveInstanceStatus     InstanceStatus = "ACTIVE"
	CompletedInstanceStatus  InstanceStatus = "COMPLETED"
	TerminatedInstanceStatus InstanceStatus = "TERMINATED"
)

// EntitySnapshot is the slice of business-document fields the workflow needs
// at runtime (dynamic approver resolution, display, notification). The engine
// never interprets the document beyond these fields.
type EntitySnapshot map[string]string

// WorkflowInstance is one running execution of a published definition, bound
// to an external business document through (EntityType, EntityID). At most
// one ACTIVE instance may exist per entity. CurrentNodeID is empty exactly
// when the instance is COMPLETED or TERMINATED. Row version backs the
// optimistic lock around quorum evaluation; only the router writes
// CurrentNodeID/Status.
type WorkflowInstance struct {
	ID                int64          `json:"id" db:"id"`
	DefinitionID      int64          `json:"definition_id" db:"definition_id"`
	DefinitionVersion int            `json:"definition_version" db:"definition_version"`
	EntityType        string         `json:"entity_type" db:"entity_type"`
	EntityID          string         `json:"entity_id" db:"entity_id"`
	CurrentNodeID     string         `json:"current_node_id,omitempty" db:"current_node_id"`
	Status            InstanceStatus `json:"status" db:"status"`
	InitiatedBy       string         `json:"initiated_by" db:"initiated_by"`
	InitiatedAt       time.Time      `json:"initiated_at" db:"initiated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	Version           int64          `json:"version" db:"version"`
	Snapshot          EntitySnapshot `json:"snapshot,omitempty" db:"-"`
}

// Closed reports whether the instance reached a terminal status and is
// thereafter read-only.
func (i WorkflowInstance) Closed() bool {
	return i.Status == CompletedInstanceStatus || i.Status == TerminatedInstanceStatus
}
