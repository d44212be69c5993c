package service_test

import (
	"sync"
	"testing"

	"github.com/goapprove/goapprove/pkg/models"
	"github.com/goapprove/goapprove/pkg/service"
	"github.com/goapprove/goapprove/pkg/storage"
	"github.com/stretchr/testify/assert"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Warnf(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

type recordingNotifier struct {
	mu         sync.Mutex
	opened     []int64
	completed  []int64
	terminated []int64
}

func (n *recordingNotifier) TaskOpened(t models.ApprovalTask) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opened = append(n.opened, t.ID)
}

func (n *recordingNotifier) InstanceCompleted(i models.WorkflowInstance) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, i.ID)
}

func (n *recordingNotifier) InstanceTerminated(i models.WorkflowInstance) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.terminated = append(n.terminated, i.ID)
}

type engine struct {
	store       storage.Store
	definitions *service.DefinitionService
	instances   *service.InstanceService
	ledger      *service.LedgerService
	notifier    *recordingNotifier
}

func newEngine(binding service.EntityBinding) *engine {
	store := storage.NewMockStore()
	notifier := &recordingNotifier{}
	dispatcher := service.NewTaskDispatcher(binding, service.AssigneeAuthorizer{}, logger{})
	return &engine{
		store:       store,
		definitions: service.NewDefinitionService(store, logger{}),
		instances:   service.NewInstanceService(store, dispatcher, binding, notifier, logger{}),
		ledger:      service.NewLedgerService(store, logger{}),
		notifier:    notifier,
	}
}

func explicitNode(id string, users []string, quorum models.QuorumPolicy, next string, pos int) models.WorkflowNode {
	return models.WorkflowNode{
		ID:       id,
		Title:    id,
		Rule:     models.ApproverRule{Kind: models.RuleExplicitUsers, Users: users},
		Quorum:   quorum,
		OnReject: models.RejectTerminate,
		Next:     next,
		Position: pos,
	}
}

// two-step sign-off: node1 needs both X and Y, node2 needs Z
func publishTwoStep(t *testing.T, e *engine) int64 {
	t.Helper()
	id, err := e.definitions.CreateDefinition(models.WorkflowDefinition{
		Name: "expense-approval",
		Nodes: []models.WorkflowNode{
			explicitNode("node1", []string{"X", "Y"}, models.QuorumAll, "node2", 1),
			explicitNode("node2", []string{"Z"}, models.QuorumAny, "", 2),
		},
	})
	assert.NoError(t, err)
	assert.NoError(t, e.definitions.Publish(id))
	return id
}

func pendingTaskFor(t *testing.T, e *engine, instanceID int64, assignee string) models.ApprovalTask {
	t.Helper()
	details, err := e.instances.InstanceDetails(instanceID)
	assert.NoError(t, err)
	for _, tasks := range details.TasksByNode {
		for _, task := range tasks {
			if task.Pending() && task.AssignedTo == assignee {
				return task
			}
		}
	}
	t.Fatalf("no pending task for %q in instance %d", assignee, instanceID)
	return models.ApprovalTask{}
}

func approve(t *testing.T, e *engine, taskID int64, actor string) {
	t.Helper()
	err := e.instances.SubmitDecision(taskID, service.Decision{Action: models.ActionApprove, Actor: actor})
	assert.NoError(t, err)
}

func TestSubmitDecision_AllQuorumAdvancesAndCompletes(t *testing.T) {
	e := newEngine(service.StaticBinding{})
	defID := publishTwoStep(t, e)

	instID, err := e.instances.CreateInstance(defID, "expense", "exp-1", "alice", nil)
	assert.NoError(t, err)

	approve(t, e, pendingTaskFor(t, e, instID, "X").ID, "X")

	// one approval is not quorum for ALL
	inst, err := e.instances.GetInstance(instID)
	assert.NoError(t, err)
	assert.Equal(t, models.ActiveInstanceStatus, inst.Status)
	assert.Equal(t, "node1", inst.CurrentNodeID)

	approve(t, e, pendingTaskFor(t, e, instID, "Y").ID, "Y")

	inst, err = e.instances.GetInstance(instID)
	assert.NoError(t, err)
	assert.Equal(t, "node2", inst.CurrentNodeID)

	approve(t, e, pendingTaskFor(t, e, instID, "Z").ID, "Z")

	inst, err = e.instances.GetInstance(instID)
	assert.NoError(t, err)
	assert.Equal(t, models.CompletedInstanceStatus, inst.Status)
	assert.Empty(t, inst.CurrentNodeID)
	assert.NotNil(t, inst.CompletedAt)
	assert.Equal(t, []int64{instID}, e.notifier.completed)

	history, err := e.ledger.History(instID)
	assert.NoError(t, err)
	assert.Len(t, history, 3)
	assert.Equal(t, "X", history[0].Approver)
	assert.Equal(t, "Y", history[1].Approver)
	assert.Equal(t, "Z", history[2].Approver)
	for _, rec := range history {
		assert.Equal(t, models.ActionApprove, rec.Action)
	}

	assert.NoError(t, e.ledger.VerifyInstance(instID))
}

func TestSubmitDecision_RejectionTerminatesWithoutUndoingHistory(t *testing.T) {
	e := newEngine(service.StaticBinding{})
	defID := publishTwoStep(t, e)

	instID, err := e.instances.CreateInstance(defID, "expense", "exp-2", "alice", nil)
	assert.NoError(t, err)

	approve(t, e, pendingTaskFor(t, e, instID, "X").ID, "X")
	err = e.instances.SubmitDecision(pendingTaskFor(t, e, instID, "Y").ID,
		service.Decision{Action: models.ActionReject, Actor: "Y", Comment: "over budget"})
	assert.NoError(t, err)

	inst, err := e.instances.GetInstance(instID)
	assert.NoError(t, err)
	assert.Equal(t, models.TerminatedInstanceStatus, inst.Status)
	assert.Empty(t, inst.CurrentNodeID)
	assert.Equal(t, []int64{instID}, e.notifier.terminated)

	// X's earlier approval stays in the ledger
	history, err := e.ledger.History(instID)
	assert.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Equal(t, models.ActionApprove, history[0].Action)
	assert.Equal(t, models.ActionReject, history[1].Action)
	assert.Equal(t, "over budget", history[1].Comment)

	assert.NoError(t, e.ledger.VerifyInstance(instID))
}

func TestSubmitDecision_ReturnReopensPriorNode(t *testing.T) {
	e := newEngine(service.StaticBinding{})
	defID, err := e.definitions.CreateDefinition(models.WorkflowDefinition{
		Name: "trip-approval",
		Nodes: []models.WorkflowNode{
			explicitNode("node0", []string{"X"}, models.QuorumAll, "node1", 1),
			{
				ID:       "node1",
				Title:    "node1",
				Rule:     models.ApproverRule{Kind: models.RuleExplicitUsers, Users: []string{"Y"}},
				Quorum:   models.QuorumAll,
				OnReject: models.RejectReturn,
				ReturnTo: "node0",
				Position: 2,
			},
		},
	})
	assert.NoError(t, err)
	assert.NoError(t, e.definitions.Publish(defID))

	instID, err := e.instances.CreateInstance(defID, "trip", "trip-1", "alice", nil)
	assert.NoError(t, err)

	approve(t, e, pendingTaskFor(t, e, instID, "X").ID, "X")
	err = e.instances.SubmitDecision(pendingTaskFor(t, e, instID, "Y").ID,
		service.Decision{Action: models.ActionReject, Actor: "Y"})
	assert.NoError(t, err)

	// rejection returned the instance to node0 and re-opened it
	inst, err := e.instances.GetInstance(instID)
	assert.NoError(t, err)
	assert.Equal(t, models.ActiveInstanceStatus, inst.Status)
	assert.Equal(t, "node0", inst.CurrentNodeID)

	// X must approve again before node1 is re-entered
	reopened := pendingTaskFor(t, e, instID, "X")
	assert.Equal(t, 2, reopened.Epoch)
	approve(t, e, reopened.ID, "X")

	inst, err = e.instances.GetInstance(instID)
	assert.NoError(t, err)
	assert.Equal(t, "node1", inst.CurrentNodeID)

	// superseded tasks keep their original status
	details, err := e.instances.InstanceDetails(instID)
	assert.NoError(t, err)
	assert.Len(t, details.TasksByNode["node0"], 2)

	approve(t, e, pendingTaskFor(t, e, instID, "Y").ID, "Y")
	inst, err = e.instances.GetInstance(instID)
	assert.NoError(t, err)
	assert.Equal(t, models.CompletedInstanceStatus, inst.Status)

	assert.NoError(t, e.ledger.VerifyInstance(instID))
}

func TestSubmitDecision_ExplicitReturnDecision(t *testing.T) {
	e := newEngine(service.StaticBinding{})
	defID, err := e.definitions.CreateDefinition(models.WorkflowDefinition{
		Name: "payment-approval",
		Nodes: []models.WorkflowNode{
			explicitNode("draft", []string{"X"}, models.QuorumAll, "review", 1),
			{
				ID:       "review",
				Title:    "review",
				Rule:     models.ApproverRule{Kind: models.RuleExplicitUsers, Users: []string{"Y"}},
				Quorum:   models.QuorumAll,
				OnReject: models.RejectTerminate,
				ReturnTo: "draft",
				Position: 2,
			},
		},
	})
	assert.NoError(t, err)
	assert.NoError(t, e.definitions.Publish(defID))

	instID, err := e.instances.CreateInstance(defID, "payment", "pay-1", "alice", nil)
	assert.NoError(t, err)

	approve(t, e, pendingTaskFor(t, e, instID, "X").ID, "X")

	// RETURN routes to the configured target even though on-reject terminates
	err = e.instances.SubmitDecision(pendingTaskFor(t, e, instID, "Y").ID,
		service.Decision{Action: models.ActionReturn, Actor: "Y", Comment: "needs receipts"})
	assert.NoError(t, err)

	inst, err := e.instances.GetInstance(instID)
	assert.NoError(t, err)
	assert.Equal(t, models.ActiveInstanceStatus, inst.Status)
	assert.Equal(t, "draft", inst.CurrentNodeID)

	assert.NoError(t, e.ledger.VerifyInstance(instID))
}

func TestSubmitDecision_ReturnWithoutTargetIsInvalid(t *testing.T) {
	e := newEngine(service.StaticBinding{})
	defID := publishTwoStep(t, e)

	instID, err := e.instances.CreateInstance(defID, "expense", "exp-3", "alice", nil)
	assert.NoError(t, err)

	err = e.instances.SubmitDecision(pendingTaskFor(t, e, instID, "X").ID,
		service.Decision{Action: models.ActionReturn, Actor: "X"})
	assert.ErrorIs(t, err, service.ErrInvalidDecision)
}

func TestSubmitDecision_Delegation(t *testing.T) {
	e := newEngine(service.StaticBinding{})
	defID := publishTwoStep(t, e)

	instID, err := e.instances.CreateInstance(defID, "expense", "exp-4", "alice", nil)
	assert.NoError(t, err)

	task := pendingTaskFor(t, e, instID, "X")
	delegation := service.Decision{Action: models.ActionDelegate, Actor: "X", Delegate: "W"}
	assert.NoError(t, e.instances.SubmitDecision(task.ID, delegation))

	// delegation leaves the node pending
	inst, err := e.instances.GetInstance(instID)
	assert.NoError(t, err)
	assert.Equal(t, "node1", inst.CurrentNodeID)

	// an identical delegation retry is a no-op and appends no second record
	assert.NoError(t, e.instances.SubmitDecision(task.ID, delegation))
	history, err := e.ledger.History(instID)
	assert.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, models.ActionDelegate, history[0].Action)

	// the delegate resolves the same task; assignment stays with X for audit
	approve(t, e, task.ID, "W")
	approve(t, e, pendingTaskFor(t, e, instID, "Y").ID, "Y")

	details, err := e.instances.InstanceDetails(instID)
	assert.NoError(t, err)
	var resolved models.ApprovalTask
	for _, tk := range details.TasksByNode["node1"] {
		if tk.ID == task.ID {
			resolved = tk
		}
	}
	assert.Equal(t, models.ApprovedTaskStatus, resolved.Status)
	assert.Equal(t, "X", resolved.AssignedTo)
	assert.Equal(t, "W", resolved.DelegatedTo)
	assert.Equal(t, "W", resolved.CompletedBy)

	history, err = e.ledger.History(instID)
	assert.NoError(t, err)
	assert.Equal(t, models.ActionDelegate, history[0].Action)

	assert.NoError(t, e.ledger.VerifyInstance(instID))
}

func TestSubmitDecision_DelegationRequiresDelegate(t *testing.T) {
	e := newEngine(service.StaticBinding{})
	defID := publishTwoStep(t, e)
	instID, err := e.instances.CreateInstance(defID, "expense", "exp-5", "alice", nil)
	assert.NoError(t, err)

	err = e.instances.SubmitDecision(pendingTaskFor(t, e, instID, "X").ID,
		service.Decision{Action: models.ActionDelegate, Actor: "X"})
	assert.ErrorIs(t, err, service.ErrInvalidDecision)
}

func TestSubmitDecision_Idempotence(t *testing.T) {
	e := newEngine(service.StaticBinding{})
	defID := publishTwoStep(t, e)
	instID, err := e.instances.CreateInstance(defID, "expense", "exp-6", "alice", nil)
	assert.NoError(t, err)

	task := pendingTaskFor(t, e, instID, "X")
	dec := service.Decision{Action: models.ActionApprove, Actor: "X"}
	assert.NoError(t, e.instances.SubmitDecision(task.ID, dec))
	// identical retry is a no-op, not an error
	assert.NoError(t, e.instances.SubmitDecision(task.ID, dec))

	history, err := e.ledger.History(instID)
	assert.NoError(t, err)
	assert.Len(t, history, 1)

	// a different decision on the resolved task is a conflict
	err = e.instances.SubmitDecision(task.ID, service.Decision{Action: models.ActionReject, Actor: "X"})
	assert.ErrorIs(t, err, storage.ErrTaskNotPending)
}

func TestSubmitDecision_Authorization(t *testing.T) {
	e := newEngine(service.StaticBinding{})
	defID := publishTwoStep(t, e)
	instID, err := e.instances.CreateInstance(defID, "expense", "exp-7", "alice", nil)
	assert.NoError(t, err)

	err = e.instances.SubmitDecision(pendingTaskFor(t, e, instID, "X").ID,
		service.Decision{Action: models.ActionApprove, Actor: "mallory"})
	assert.ErrorIs(t, err, service.ErrNotAuthorized)
}

func TestSubmitDecision_AnyQuorumLeavesSiblingsMoot(t *testing.T) {
	e := newEngine(service.StaticBinding{})
	defID, err := e.definitions.CreateDefinition(models.WorkflowDefinition{
		Name: "petty-cash",
		Nodes: []models.WorkflowNode{
			explicitNode("node1", []string{"X", "Y"}, models.QuorumAny, "node2", 1),
			explicitNode("node2", []string{"Z"}, models.QuorumAny, "", 2),
		},
	})
	assert.NoError(t, err)
	assert.NoError(t, e.definitions.Publish(defID))

	instID, err := e.instances.CreateInstance(defID, "cash", "cash-1", "alice", nil)
	assert.NoError(t, err)

	yTask := pendingTaskFor(t, e, instID, "Y")
	approve(t, e, pendingTaskFor(t, e, instID, "X").ID, "X")

	inst, err := e.instances.GetInstance(instID)
	assert.NoError(t, err)
	assert.Equal(t, "node2", inst.CurrentNodeID)

	// Y's task is moot but untouched; a late decision records without effect
	moot, err := e.store.GetTask(yTask.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.PendingTaskStatus, moot.Status)

	approve(t, e, yTask.ID, "Y")
	inst, err = e.instances.GetInstance(instID)
	assert.NoError(t, err)
	assert.Equal(t, "node2", inst.CurrentNodeID)

	assert.NoError(t, e.ledger.VerifyInstance(instID))
}

func TestSubmitDecision_MajorityQuorum(t *testing.T) {
	e := newEngine(service.StaticBinding{})
	defID, err := e.definitions.CreateDefinition(models.WorkflowDefinition{
		Name: "board-approval",
		Nodes: []models.WorkflowNode{
			explicitNode("board", []string{"A", "B", "C"}, models.QuorumMajority, "", 1),
		},
	})
	assert.NoError(t, err)
	assert.NoError(t, e.definitions.Publish(defID))

	instID, err := e.instances.CreateInstance(defID, "matter", "matter-1", "alice", nil)
	assert.NoError(t, err)

	approve(t, e, pendingTaskFor(t, e, instID, "A").ID, "A")
	inst, err := e.instances.GetInstance(instID)
	assert.NoError(t, err)
	assert.Equal(t, models.ActiveInstanceStatus, inst.Status)

	approve(t, e, pendingTaskFor(t, e, instID, "B").ID, "B")
	inst, err = e.instances.GetInstance(instID)
	assert.NoError(t, err)
	assert.Equal(t, models.CompletedInstanceStatus, inst.Status)

	assert.NoError(t, e.ledger.VerifyInstance(instID))
}

func TestCreateInstance_Validation(t *testing.T) {
	binding := service.StaticBinding{}

	t.Run("DraftDefinition", func(t *testing.T) {
		e := newEngine(binding)
		defID, err := e.definitions.CreateDefinition(models.WorkflowDefinition{
			Name:  "draft-only",
			Nodes: []models.WorkflowNode{explicitNode("n1", []string{"X"}, models.QuorumAny, "", 1)},
		})
		assert.NoError(t, err)
		_, err = e.instances.CreateInstance(defID, "expense", "exp-1", "alice", nil)
		assert.ErrorIs(t, err, service.ErrDefinitionNotPublished)
	})

	t.Run("DuplicateActiveInstance", func(t *testing.T) {
		e := newEngine(binding)
		defID := publishTwoStep(t, e)
		_, err := e.instances.CreateInstance(defID, "expense", "exp-1", "alice", nil)
		assert.NoError(t, err)
		_, err = e.instances.CreateInstance(defID, "expense", "exp-1", "bob", nil)
		assert.ErrorIs(t, err, storage.ErrDuplicateActiveInstance)
	})

	t.Run("NoApproversResolved", func(t *testing.T) {
		e := newEngine(binding) // empty directory: the role resolves nobody
		defID, err := e.definitions.CreateDefinition(models.WorkflowDefinition{
			Name: "role-approval",
			Nodes: []models.WorkflowNode{{
				ID:       "n1",
				Title:    "n1",
				Rule:     models.ApproverRule{Kind: models.RuleRoleBased, Role: "finance-lead"},
				Quorum:   models.QuorumAny,
				OnReject: models.RejectTerminate,
				Position: 1,
			}},
		})
		assert.NoError(t, err)
		assert.NoError(t, e.definitions.Publish(defID))
		_, err = e.instances.CreateInstance(defID, "expense", "exp-1", "alice", nil)
		assert.ErrorIs(t, err, service.ErrNoApproversResolved)
	})
}

func TestCreateInstance_DynamicApproverRule(t *testing.T) {
	e := newEngine(service.StaticBinding{})
	defID, err := e.definitions.CreateDefinition(models.WorkflowDefinition{
		Name: "dynamic-approval",
		Nodes: []models.WorkflowNode{{
			ID:       "head",
			Title:    "department head",
			Rule:     models.ApproverRule{Kind: models.RuleDynamicLookup, Expression: "snapshot.department_head"},
			Quorum:   models.QuorumAny,
			OnReject: models.RejectTerminate,
			Position: 1,
		}},
	})
	assert.NoError(t, err)
	assert.NoError(t, e.definitions.Publish(defID))

	instID, err := e.instances.CreateInstance(defID, "expense", "exp-1", "alice",
		models.EntitySnapshot{"department_head": "carol", "amount": "420.00"})
	assert.NoError(t, err)

	task := pendingTaskFor(t, e, instID, "carol")
	approve(t, e, task.ID, "carol")

	inst, err := e.instances.GetInstance(instID)
	assert.NoError(t, err)
	assert.Equal(t, models.CompletedInstanceStatus, inst.Status)
}

func TestSubmitDecision_ConcurrentApprovalsAdvanceOnce(t *testing.T) {
	e := newEngine(service.StaticBinding{})
	defID, err := e.definitions.CreateDefinition(models.WorkflowDefinition{
		Name: "race-approval",
		Nodes: []models.WorkflowNode{
			explicitNode("node1", []string{"X", "Y"}, models.QuorumAny, "node2", 1),
			explicitNode("node2", []string{"Z"}, models.QuorumAny, "", 2),
		},
	})
	assert.NoError(t, err)
	assert.NoError(t, e.definitions.Publish(defID))

	instID, err := e.instances.CreateInstance(defID, "expense", "exp-race", "alice", nil)
	assert.NoError(t, err)

	xTask := pendingTaskFor(t, e, instID, "X")
	yTask := pendingTaskFor(t, e, instID, "Y")

	var wg sync.WaitGroup
	for _, sub := range []struct {
		taskID int64
		actor  string
	}{{xTask.ID, "X"}, {yTask.ID, "Y"}} {
		wg.Add(1)
		go func(taskID int64, actor string) {
			defer wg.Done()
			err := e.instances.SubmitDecision(taskID, service.Decision{Action: models.ActionApprove, Actor: actor})
			assert.NoError(t, err)
		}(sub.taskID, sub.actor)
	}
	wg.Wait()

	inst, err := e.instances.GetInstance(instID)
	assert.NoError(t, err)
	assert.Equal(t, "node2", inst.CurrentNodeID)

	// exactly one successor task-set was materialized
	epoch, err := e.store.NodeEpoch(instID, "node2")
	assert.NoError(t, err)
	assert.Equal(t, 1, epoch)

	assert.NoError(t, e.ledger.VerifyInstance(instID))
}

func TestSubmitDecision_ClosedInstance(t *testing.T) {
	e := newEngine(service.StaticBinding{})
	defID, err := e.definitions.CreateDefinition(models.WorkflowDefinition{
		Name: "single-step",
		Nodes: []models.WorkflowNode{
			explicitNode("node1", []string{"X", "Y"}, models.QuorumAll, "", 1),
		},
	})
	assert.NoError(t, err)
	assert.NoError(t, e.definitions.Publish(defID))

	instID, err := e.instances.CreateInstance(defID, "expense", "exp-8", "alice", nil)
	assert.NoError(t, err)

	yTask := pendingTaskFor(t, e, instID, "Y")
	err = e.instances.SubmitDecision(pendingTaskFor(t, e, instID, "X").ID,
		service.Decision{Action: models.ActionReject, Actor: "X"})
	assert.NoError(t, err)

	// the instance is terminated and thereafter read-only
	err = e.instances.SubmitDecision(yTask.ID, service.Decision{Action: models.ActionApprove, Actor: "Y"})
	assert.ErrorIs(t, err, service.ErrInstanceClosed)
}
