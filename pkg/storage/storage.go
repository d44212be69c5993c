package storage

import (
	"github.com/goapprove/goapprove/pkg/models"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a definition, instance, task or record
	// does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTaskNotPending is returned when a conditional task update finds the
	// task already resolved. Callers treat this as a retryable conflict.
	ErrTaskNotPending = errors.New("task is not pending")
	// ErrStaleInstance is returned when an optimistic instance update loses a
	// race. The loser re-reads and treats its transition as already applied.
	ErrStaleInstance = errors.New("stale instance version")
	// ErrDuplicateActiveInstance is returned when an ACTIVE instance already
	// exists for the same (entity_type, entity_id).
	ErrDuplicateActiveInstance = errors.New("active instance already exists for entity")
)

// Store defines the persistence operations of the approval engine. Begin
// returns a transactional Store; the three instance/task/ledger writes of a
// decision always happen inside one transaction.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Definition operations
	SaveDefinition(d models.WorkflowDefinition) (int64, error)
	GetDefinition(id int64) (models.WorkflowDefinition, error)
	ListDefinitions() ([]models.WorkflowDefinition, error)
	UpdateDefinitionStatus(id int64, status models.DefinitionStatus) error

	// Instance operations
	SaveInstance(i models.WorkflowInstance) (int64, error)
	GetInstance(id int64) (models.WorkflowInstance, error)
	FindActiveInstance(entityType, entityID string) (models.WorkflowInstance, error)
	ListInstances() ([]models.WorkflowInstance, error)
	// UpdateInstanceState conditionally advances the instance; it fails with
	// ErrStaleInstance when expectedVersion no longer matches.
	UpdateInstanceState(id int64, currentNodeID string, status models.InstanceStatus, expectedVersion int64) error

	// Task operations
	SaveTask(t models.ApprovalTask) (int64, error)
	GetTask(id int64) (models.ApprovalTask, error)
	ListTasksByInstance(instanceID int64) ([]models.ApprovalTask, error)
	ListNodeTasks(instanceID int64, nodeID string, epoch int) ([]models.ApprovalTask, error)
	// NodeEpoch returns the highest task epoch at (instance, node), 0 when the
	// node has never been opened.
	NodeEpoch(instanceID int64, nodeID string) (int, error)
	// CompleteTask resolves a task if and only if it is still PENDING;
	// otherwise it fails with ErrTaskNotPending.
	CompleteTask(id int64, status models.TaskStatus, completedBy, comment string) error
	// DelegateTask reassigns a pending task to a delegate without resolving it.
	DelegateTask(id int64, delegate string) error
	ListPendingTasksFor(principal string) ([]models.ApprovalTask, error)

	// Ledger operations (append-only)
	AppendRecord(r models.ApprovalRecord) (int64, error)
	ListRecords(instanceID int64) ([]models.ApprovalRecord, error)
}
