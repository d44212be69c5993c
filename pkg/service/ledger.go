package service

import (
	"github.com/goapprove/goapprove/pkg/models"
	"github.com/goapprove/goapprove/pkg/storage"
	"github.com/pkg/errors"
)

// LedgerService reads the append-only decision history. The ledger is the
// canonical source of truth: VerifyInstance replays it against the definition
// and flags any divergence from the stored instance row as an internal
// consistency error, never correcting it silently.
type LedgerService struct {
	store  storage.Store
	logger Logger
}

func NewLedgerService(store storage.Store, logger Logger) *LedgerService {
	return &LedgerService{store: store, logger: logger}
}

// History returns an instance's records in chronological order (timestamp,
// then insertion order).
func (s *LedgerService) History(instanceID int64) ([]models.ApprovalRecord, error) {
	return s.store.ListRecords(instanceID)
}

// PendingTasksFor lists a principal's actionable tasks: pending, assigned or
// delegated to the principal, and at the owning instance's current node and
// newest epoch.
func (s *LedgerService) PendingTasksFor(principal string) ([]models.ApprovalTask, error) {
	if principal == "" {
		return nil, errors.New("principal cannot be empty")
	}
	return s.store.ListPendingTasksFor(principal)
}

// VerifyInstance replays the instance's full history and compares the result
// with the stored row. A mismatch returns ErrStateDivergence and is logged
// for manual inspection.
func (s *LedgerService) VerifyInstance(instanceID int64) error {
	inst, err := s.store.GetInstance(instanceID)
	if err != nil {
		return err
	}
	def, err := s.store.GetDefinition(inst.DefinitionID)
	if err != nil {
		return err
	}
	tasks, err := s.store.ListTasksByInstance(instanceID)
	if err != nil {
		return err
	}
	records, err := s.store.ListRecords(instanceID)
	if err != nil {
		return err
	}

	nodeID, status, err := Replay(def, tasks, records)
	if err != nil {
		return err
	}
	if nodeID != inst.CurrentNodeID || status != inst.Status {
		s.logger.Errorf("Instance %d diverges from its ledger: stored (node=%q, status=%s), replayed (node=%q, status=%s)",
			instanceID, inst.CurrentNodeID, inst.Status, nodeID, status)
		return errors.Wrapf(ErrStateDivergence, "instance %d", instanceID)
	}
	return nil
}

// Replay deterministically recomputes an instance's current node and status
// from its decision records. Task rows supply the quorum cardinality per node
// epoch (the definition alone cannot, since dynamic approver rules resolve at
// runtime). Records for moot tasks, older epochs or nodes the instance has
// already left have no effect, mirroring the live evaluation.
func Replay(def models.WorkflowDefinition, tasks []models.ApprovalTask, records []models.ApprovalRecord) (string, models.InstanceStatus, error) {
	first, ok := def.FirstNode()
	if !ok {
		return "", "", errors.Wrap(ErrInvalidDefinition, "definition has no nodes")
	}

	taskByID := make(map[int64]models.ApprovalTask, len(tasks))
	for _, t := range tasks {
		taskByID[t.ID] = t
	}
	countTasks := func(nodeID string, epoch int) int {
		n := 0
		for _, t := range tasks {
			if t.NodeID == nodeID && t.Epoch == epoch {
				n++
			}
		}
		return n
	}

	current := first.ID
	status := models.ActiveInstanceStatus
	epochs := map[string]int{first.ID: 1}
	approvals := make(map[int64]bool) // approved task ids at the current node epoch

	enter := func(nodeID string) {
		current = nodeID
		epochs[nodeID]++
		approvals = make(map[int64]bool)
	}

	for _, rec := range records {
		if status != models.ActiveInstanceStatus {
			break
		}
		task, ok := taskByID[rec.TaskID]
		if !ok {
			return "", "", errors.Errorf("record %d references unknown task %d", rec.ID, rec.TaskID)
		}
		if rec.NodeID != current || task.Epoch != epochs[current] {
			continue // moot decision
		}
		node, ok := def.Node(current)
		if !ok {
			return "", "", errors.Errorf("instance history references unknown node %q", current)
		}

		switch rec.Action {
		case models.ActionDelegate:
			continue
		case models.ActionReturn:
			enter(node.ReturnTo)
		case models.ActionReject:
			if node.OnReject == models.RejectReturn {
				enter(node.ReturnTo)
			} else {
				status = models.TerminatedInstanceStatus
				current = ""
			}
		case models.ActionApprove:
			approvals[rec.TaskID] = true
			total := countTasks(node.ID, epochs[node.ID])
			if quorumMet(node.Quorum, len(approvals), total) {
				if node.Terminal() {
					status = models.CompletedInstanceStatus
					current = ""
				} else {
					enter(node.Next)
				}
			}
		default:
			return "", "", errors.Errorf("record %d has unknown action %q", rec.ID, rec.Action)
		}
	}
	return current, status, nil
}

func quorumMet(quorum models.QuorumPolicy, approved, total int) bool {
	switch quorum {
	case models.QuorumAny:
		return approved >= 1
	case models.QuorumAll:
		return total > 0 && approved == total
	case models.QuorumMajority:
		return approved*2 > total
	}
	return false
}
