package service

import (
	"time"

	"github.com/goapprove/goapprove/pkg/models"
	"github.com/goapprove/goapprove/pkg/storage"
	"github.com/pkg/errors"
)

// InstanceService is the state machine core: it is the only writer of an
// instance's current node and status. Creation puts the instance at the
// definition's entry node; every resolved task re-evaluates that node's
// quorum and advances, terminates or returns the instance. The
// read-decide-write sequence is guarded by an optimistic version check on the
// instance row; a lost race is retried once against the refreshed state and
// degrades into a no-op when the transition was already applied.
type InstanceService struct {
	store      storage.Store
	dispatcher *TaskDispatcher
	binding    EntityBinding
	notifier   Notifier
	logger     Logger
}

func NewInstanceService(store storage.Store, dispatcher *TaskDispatcher, binding EntityBinding, notifier Notifier, logger Logger) *InstanceService {
	return &InstanceService{
		store:      store,
		dispatcher: dispatcher,
		binding:    binding,
		notifier:   notifier,
		logger:     logger,
	}
}

// InstanceDetails is the detail view consumed by UIs: the definition, the
// current node (nil when terminal), tasks grouped by node id, the flat
// chronological history and the bound entity's display fields.
type InstanceDetails struct {
	Instance    models.WorkflowInstance          `json:"instance"`
	Definition  models.WorkflowDefinition        `json:"definition"`
	CurrentNode *models.WorkflowNode             `json:"current_node,omitempty"`
	TasksByNode map[string][]models.ApprovalTask `json:"tasks_by_node"`
	History     []models.ApprovalRecord          `json:"history"`
	Entity      []EntityField                    `json:"entity,omitempty"`
}

// CreateInstance starts a new workflow run for a business document. It fails
// with ErrDefinitionNotPublished for drafts and archived definitions, with
// storage.ErrDuplicateActiveInstance when the entity already has an ACTIVE
// run, and with ErrNoApproversResolved when the entry node's rule yields no
// approvers (nothing is persisted in that case).
func (s *InstanceService) CreateInstance(definitionID int64, entityType, entityID, initiator string, snapshot models.EntitySnapshot) (id int64, err error) {
	if entityType == "" || entityID == "" {
		return 0, errors.New("entity type and id cannot be empty")
	}
	txStore, err := s.store.Begin()
	if err != nil {
		return 0, err
	}
	var opened []models.ApprovalTask
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
			return
		}
		for _, t := range opened {
			s.notifier.TaskOpened(t)
		}
	}()

	def, err := txStore.GetDefinition(definitionID)
	if err != nil {
		return 0, err
	}
	if def.Status != models.PublishedDefinitionStatus {
		return 0, errors.Wrapf(ErrDefinitionNotPublished, "definition %d is %s", definitionID, def.Status)
	}
	if _, findErr := txStore.FindActiveInstance(entityType, entityID); findErr == nil {
		return 0, errors.Wrapf(storage.ErrDuplicateActiveInstance, "entity %s/%s", entityType, entityID)
	} else if !errors.Is(findErr, storage.ErrNotFound) {
		return 0, findErr
	}

	first, ok := def.FirstNode()
	if !ok {
		return 0, errors.Wrapf(ErrInvalidDefinition, "definition %d has no nodes", definitionID)
	}
	inst := models.WorkflowInstance{
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		EntityType:        entityType,
		EntityID:          entityID,
		CurrentNodeID:     first.ID,
		Status:            models.ActiveInstanceStatus,
		InitiatedBy:       initiator,
		InitiatedAt:       time.Now(),
		Version:           1,
		Snapshot:          snapshot,
	}
	id, err = txStore.SaveInstance(inst)
	if err != nil {
		return 0, err
	}
	inst.ID = id

	opened, err = s.dispatcher.OpenNode(txStore, inst, first)
	if err != nil {
		return 0, err
	}
	s.logger.Infof("Created instance %d for %s/%s at node '%s'", id, entityType, entityID, first.ID)
	return id, nil
}

// SubmitDecision resolves one task and re-evaluates its node. The task
// update, the ledger append and any instance transition commit atomically; a
// lost optimistic-lock race rolls everything back and replays once against
// the updated instance. Submitting the same decision twice is a no-op the
// second time.
func (s *InstanceService) SubmitDecision(taskID int64, dec Decision) error {
	err := s.submitOnce(taskID, dec)
	if errors.Is(err, storage.ErrStaleInstance) {
		s.logger.Warnf("Instance transition for task %d lost a concurrent race, replaying decision", taskID)
		err = s.submitOnce(taskID, dec)
	}
	return err
}

func (s *InstanceService) submitOnce(taskID int64, dec Decision) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return err
	}
	var events []func()
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
			return
		}
		for _, fire := range events {
			fire()
		}
	}()

	task, err := txStore.GetTask(taskID)
	if err != nil {
		return err
	}
	inst, err := txStore.GetInstance(task.InstanceID)
	if err != nil {
		return err
	}
	def, err := txStore.GetDefinition(inst.DefinitionID)
	if err != nil {
		return err
	}
	node, ok := def.Node(task.NodeID)
	if !ok {
		return errors.Wrapf(ErrInvalidDefinition, "task %d references unknown node %q", task.ID, task.NodeID)
	}

	// Retried submissions of an identical decision are a no-op, not an error.
	if !task.Pending() {
		if task.Status == taskStatusFor(dec.Action) && task.CompletedBy == dec.Actor {
			return nil
		}
		return storage.ErrTaskNotPending
	}
	// A delegated task stays pending, so the replay of an identical delegation
	// must short-circuit here or it would append a second ledger record.
	if dec.Action == models.ActionDelegate && dec.Delegate != "" && task.DelegatedTo == dec.Delegate {
		return nil
	}
	if inst.Closed() {
		return errors.Wrapf(ErrInstanceClosed, "instance %d is %s", inst.ID, inst.Status)
	}
	if dec.Action == models.ActionReturn && node.ReturnTo == "" {
		return errors.Wrapf(ErrInvalidDecision, "node %q has no return target", node.ID)
	}

	task, err = s.dispatcher.Resolve(txStore, task, dec)
	if err != nil {
		return err
	}
	if dec.Action == models.ActionDelegate {
		// Delegation never transitions the instance; the node stays pending.
		return nil
	}

	events, err = s.evaluateNode(txStore, inst, def, node, task)
	return err
}

// evaluateNode re-checks the quorum of the task's node and applies at most
// one transition. Decisions on moot tasks (instance already past the node, or
// an older epoch after a RETURN) change nothing.
func (s *InstanceService) evaluateNode(txStore storage.Store, inst models.WorkflowInstance, def models.WorkflowDefinition, node models.WorkflowNode, task models.ApprovalTask) ([]func(), error) {
	if inst.Status != models.ActiveInstanceStatus || inst.CurrentNodeID != node.ID {
		return nil, nil
	}
	epoch, err := txStore.NodeEpoch(inst.ID, node.ID)
	if err != nil {
		return nil, err
	}
	if task.Epoch != epoch {
		return nil, nil
	}
	siblings, err := txStore.ListNodeTasks(inst.ID, node.ID, epoch)
	if err != nil {
		return nil, err
	}

	switch outcomeOf(node.Quorum, siblings) {
	case nodeStillPending:
		return nil, nil
	case nodeApproved:
		if node.Terminal() {
			if err := txStore.UpdateInstanceState(inst.ID, "", models.CompletedInstanceStatus, inst.Version); err != nil {
				return nil, err
			}
			done := inst
			done.CurrentNodeID = ""
			done.Status = models.CompletedInstanceStatus
			s.logger.Infof("Instance %d completed", inst.ID)
			return []func(){func() { s.notifier.InstanceCompleted(done) }}, nil
		}
		next, ok := def.Node(node.Next)
		if !ok {
			return nil, errors.Wrapf(ErrInvalidDefinition, "node %q references unknown successor %q", node.ID, node.Next)
		}
		return s.advanceTo(txStore, inst, next)
	case nodeRejected:
		if node.OnReject == models.RejectReturn {
			return s.returnTo(txStore, inst, def, node.ReturnTo)
		}
		if err := txStore.UpdateInstanceState(inst.ID, "", models.TerminatedInstanceStatus, inst.Version); err != nil {
			return nil, err
		}
		dead := inst
		dead.CurrentNodeID = ""
		dead.Status = models.TerminatedInstanceStatus
		s.logger.Infof("Instance %d terminated at node '%s'", inst.ID, node.ID)
		return []func(){func() { s.notifier.InstanceTerminated(dead) }}, nil
	case nodeReturned:
		return s.returnTo(txStore, inst, def, node.ReturnTo)
	}
	return nil, nil
}

func (s *InstanceService) advanceTo(txStore storage.Store, inst models.WorkflowInstance, next models.WorkflowNode) ([]func(), error) {
	if err := txStore.UpdateInstanceState(inst.ID, next.ID, models.ActiveInstanceStatus, inst.Version); err != nil {
		return nil, err
	}
	moved := inst
	moved.CurrentNodeID = next.ID
	opened, err := s.dispatcher.OpenNode(txStore, moved, next)
	if err != nil {
		return nil, err
	}
	s.logger.Infof("Instance %d advanced to node '%s'", inst.ID, next.ID)
	return []func(){func() {
		for _, t := range opened {
			s.notifier.TaskOpened(t)
		}
	}}, nil
}

// returnTo moves the instance back to a prior node and re-opens it under a
// new epoch. Resolved tasks of earlier epochs are superseded, never deleted;
// every sibling at the target node must decide again.
func (s *InstanceService) returnTo(txStore storage.Store, inst models.WorkflowInstance, def models.WorkflowDefinition, targetID string) ([]func(), error) {
	target, ok := def.Node(targetID)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidDefinition, "return target %q does not exist", targetID)
	}
	if err := txStore.UpdateInstanceState(inst.ID, target.ID, models.ActiveInstanceStatus, inst.Version); err != nil {
		return nil, err
	}
	moved := inst
	moved.CurrentNodeID = target.ID
	opened, err := s.dispatcher.OpenNode(txStore, moved, target)
	if err != nil {
		return nil, err
	}
	s.logger.Infof("Instance %d returned to node '%s'", inst.ID, target.ID)
	return []func(){func() {
		for _, t := range opened {
			s.notifier.TaskOpened(t)
		}
	}}, nil
}

type nodeOutcome int

const (
	nodeStillPending nodeOutcome = iota
	nodeApproved
	nodeRejected
	nodeReturned
)

// outcomeOf evaluates a quorum policy over one epoch of tasks. A single
// REJECTED or RETURNED task short-circuits regardless of policy.
func outcomeOf(quorum models.QuorumPolicy, tasks []models.ApprovalTask) nodeOutcome {
	approved := 0
	for _, t := range tasks {
		switch t.Status {
		case models.RejectedTaskStatus:
			return nodeRejected
		case models.ReturnedTaskStatus:
			return nodeReturned
		case models.ApprovedTaskStatus:
			approved++
		}
	}
	switch quorum {
	case models.QuorumAny:
		if approved >= 1 {
			return nodeApproved
		}
	case models.QuorumAll:
		if approved == len(tasks) && len(tasks) > 0 {
			return nodeApproved
		}
	case models.QuorumMajority:
		if approved*2 > len(tasks) {
			return nodeApproved
		}
	}
	return nodeStillPending
}

// GetInstance fetches a single instance row.
func (s *InstanceService) GetInstance(id int64) (models.WorkflowInstance, error) {
	return s.store.GetInstance(id)
}

func (s *InstanceService) ListInstances() ([]models.WorkflowInstance, error) {
	return s.store.ListInstances()
}

// InstanceDetails assembles the detail view: definition, current node, tasks
// grouped by node and the chronological approval history.
func (s *InstanceService) InstanceDetails(id int64) (InstanceDetails, error) {
	inst, err := s.store.GetInstance(id)
	if err != nil {
		return InstanceDetails{}, err
	}
	def, err := s.store.GetDefinition(inst.DefinitionID)
	if err != nil {
		return InstanceDetails{}, err
	}
	tasks, err := s.store.ListTasksByInstance(id)
	if err != nil {
		return InstanceDetails{}, err
	}
	history, err := s.store.ListRecords(id)
	if err != nil {
		return InstanceDetails{}, err
	}

	details := InstanceDetails{
		Instance:    inst,
		Definition:  def,
		TasksByNode: make(map[string][]models.ApprovalTask),
		History:     history,
	}
	for _, t := range tasks {
		details.TasksByNode[t.NodeID] = append(details.TasksByNode[t.NodeID], t)
	}
	if inst.CurrentNodeID != "" {
		if node, ok := def.Node(inst.CurrentNodeID); ok {
			details.CurrentNode = &node
		}
	}
	if fields, err := s.binding.DescribeEntity(inst.EntityType, inst.EntityID); err != nil {
		s.logger.Warnf("Failed to describe entity %s/%s: %v", inst.EntityType, inst.EntityID, err)
	} else {
		details.Entity = fields
	}
	return details, nil
}
