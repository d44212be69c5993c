package service

import (
	"time"

	"github.com/goapprove/goapprove/pkg/models"
	"github.com/goapprove/goapprove/pkg/storage"
	"github.com/pkg/errors"
)

// Decision is one submitted verdict on a task. Delegate is required for
// DELEGATE actions and ignored otherwise.
type Decision struct {
	Action   models.DecisionAction `json:"action"`
	Actor    string                `json:"actor"`
	Comment  string                `json:"comment,omitempty"`
	Delegate string                `json:"delegate,omitempty"`
}

// TaskDispatcher materializes one task per required approver when a node is
// opened and resolves individual tasks. All writes go through the caller's
// transactional store so task status, ledger record and any instance
// transition commit as one unit.
type TaskDispatcher struct {
	binding EntityBinding
	auth    Authorizer
	logger  Logger
}

func NewTaskDispatcher(binding EntityBinding, auth Authorizer, logger Logger) *TaskDispatcher {
	return &TaskDispatcher{binding: binding, auth: auth, logger: logger}
}

// OpenNode resolves the node's approver rule against the instance snapshot
// and creates one PENDING task per principal under a fresh epoch. A rule that
// yields zero principals is a hard error: the caller must not skip the node.
func (d *TaskDispatcher) OpenNode(txStore storage.Store, inst models.WorkflowInstance, node models.WorkflowNode) ([]models.ApprovalTask, error) {
	approvers, err := resolveApprovers(node.Rule, inst.Snapshot, d.binding)
	if err != nil {
		return nil, err
	}
	if len(approvers) == 0 {
		return nil, errors.Wrapf(ErrNoApproversResolved, "node %q of instance %d", node.ID, inst.ID)
	}
	prev, err := txStore.NodeEpoch(inst.ID, node.ID)
	if err != nil {
		return nil, err
	}
	epoch := prev + 1

	tasks := make([]models.ApprovalTask, 0, len(approvers))
	for _, approver := range approvers {
		t := models.ApprovalTask{
			InstanceID: inst.ID,
			NodeID:     node.ID,
			Epoch:      epoch,
			AssignedTo: approver,
			Status:     models.PendingTaskStatus,
			AssignedAt: time.Now(),
		}
		id, err := txStore.SaveTask(t)
		if err != nil {
			return nil, errors.Wrapf(err, "open node %q", node.ID)
		}
		t.ID = id
		tasks = append(tasks, t)
	}
	d.logger.Infof("Opened node '%s' of instance %d with %d task(s), epoch %d", node.ID, inst.ID, len(tasks), epoch)
	return tasks, nil
}

// Resolve applies one decision to a pending task and appends exactly one
// ledger record. The conditional task update serializes concurrent attempts
// on the same task: the loser surfaces storage.ErrTaskNotPending.
func (d *TaskDispatcher) Resolve(txStore storage.Store, task models.ApprovalTask, dec Decision) (models.ApprovalTask, error) {
	if !task.Pending() {
		return task, storage.ErrTaskNotPending
	}
	if !d.auth.CanDecide(dec.Actor, task) {
		return task, errors.Wrapf(ErrNotAuthorized, "actor %q on task %d", dec.Actor, task.ID)
	}

	switch dec.Action {
	case models.ActionDelegate:
		if dec.Delegate == "" {
			return task, errors.Wrap(ErrInvalidDecision, "delegation requires a delegate")
		}
		if err := txStore.DelegateTask(task.ID, dec.Delegate); err != nil {
			return task, err
		}
		task.DelegatedTo = dec.Delegate
	case models.ActionApprove, models.ActionReject, models.ActionReturn:
		status := taskStatusFor(dec.Action)
		if err := txStore.CompleteTask(task.ID, status, dec.Actor, dec.Comment); err != nil {
			return task, err
		}
		now := time.Now()
		task.Status = status
		task.CompletedBy = dec.Actor
		task.DecisionComment = dec.Comment
		task.CompletedAt = &now
	default:
		return task, errors.Wrapf(ErrInvalidDecision, "unknown action %q", dec.Action)
	}

	rec := models.ApprovalRecord{
		InstanceID: task.InstanceID,
		NodeID:     task.NodeID,
		TaskID:     task.ID,
		Approver:   dec.Actor,
		Action:     dec.Action,
		Comment:    dec.Comment,
		RecordedAt: time.Now(),
	}
	if _, err := txStore.AppendRecord(rec); err != nil {
		return task, errors.Wrap(err, "append approval record")
	}
	return task, nil
}

func taskStatusFor(action models.DecisionAction) models.TaskStatus {
	switch action {
	case models.ActionApprove:
		return models.ApprovedTaskStatus
	case models.ActionReject:
		return models.RejectedTaskStatus
	case models.ActionReturn:
		return models.ReturnedTaskStatus
	default:
		return models.PendingTaskStatus
	}
}
