package storage

import (
	"sync"
	"time"

	"github.com/goapprove/goapprove/pkg/models"
)

// mockStore implements Store with in-memory storage. It is shared by unit
// tests and the runnable examples. Begin returns the same store: writes apply
// immediately and Commit/Rollback are no-ops, which is sufficient because the
// conditional updates (task status, instance version) carry the concurrency
// guarantees the engine relies on.
type mockStore struct {
	mu          sync.Mutex
	definitions []models.WorkflowDefinition
	instances   []models.WorkflowInstance
	tasks       []models.ApprovalTask
	records     []models.ApprovalRecord
	nextDefID   int64
	nextInstID  int64
	nextTaskID  int64
	nextRecID   int64
}

// NewMockStore returns an empty in-memory store.
func NewMockStore() Store {
	return &mockStore{}
}

func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveDefinition(d models.WorkflowDefinition) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDefID++
	d.ID = m.nextDefID
	for i := range d.Nodes {
		d.Nodes[i].DefinitionID = d.ID
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	d.UpdatedAt = time.Now()
	m.definitions = append(m.definitions, d)
	return d.ID, nil
}

func (m *mockStore) GetDefinition(id int64) (models.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.definitions {
		if d.ID == id {
			return d, nil
		}
	}
	return models.WorkflowDefinition{}, ErrNotFound
}

func (m *mockStore) ListDefinitions() ([]models.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.WorkflowDefinition, len(m.definitions))
	copy(out, m.definitions)
	return out, nil
}

func (m *mockStore) UpdateDefinitionStatus(id int64, status models.DefinitionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.definitions {
		if d.ID == id {
			m.definitions[i].Status = status
			m.definitions[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SaveInstance(inst models.WorkflowInstance) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.instances {
		if existing.EntityType == inst.EntityType && existing.EntityID == inst.EntityID &&
			existing.Status == models.ActiveInstanceStatus {
			return 0, ErrDuplicateActiveInstance
		}
	}
	m.nextInstID++
	inst.ID = m.nextInstID
	if inst.Version == 0 {
		inst.Version = 1
	}
	if inst.InitiatedAt.IsZero() {
		inst.InitiatedAt = time.Now()
	}
	m.instances = append(m.instances, inst)
	return inst.ID, nil
}

func (m *mockStore) GetInstance(id int64) (models.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.ID == id {
			return inst, nil
		}
	}
	return models.WorkflowInstance{}, ErrNotFound
}

func (m *mockStore) FindActiveInstance(entityType, entityID string) (models.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.EntityType == entityType && inst.EntityID == entityID &&
			inst.Status == models.ActiveInstanceStatus {
			return inst, nil
		}
	}
	return models.WorkflowInstance{}, ErrNotFound
}

func (m *mockStore) ListInstances() ([]models.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.WorkflowInstance, len(m.instances))
	copy(out, m.instances)
	return out, nil
}

func (m *mockStore) UpdateInstanceState(id int64, currentNodeID string, status models.InstanceStatus, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, inst := range m.instances {
		if inst.ID != id {
			continue
		}
		if inst.Version != expectedVersion {
			return ErrStaleInstance
		}
		m.instances[i].CurrentNodeID = currentNodeID
		m.instances[i].Status = status
		m.instances[i].Version++
		if status == models.CompletedInstanceStatus || status == models.TerminatedInstanceStatus {
			now := time.Now()
			m.instances[i].CompletedAt = &now
		}
		return nil
	}
	return ErrNotFound
}

func (m *mockStore) SaveTask(t models.ApprovalTask) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTaskID++
	t.ID = m.nextTaskID
	if t.AssignedAt.IsZero() {
		t.AssignedAt = time.Now()
	}
	m.tasks = append(m.tasks, t)
	return t.ID, nil
}

func (m *mockStore) GetTask(id int64) (models.ApprovalTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return models.ApprovalTask{}, ErrNotFound
}

func (m *mockStore) ListTasksByInstance(instanceID int64) ([]models.ApprovalTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ApprovalTask
	for _, t := range m.tasks {
		if t.InstanceID == instanceID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockStore) ListNodeTasks(instanceID int64, nodeID string, epoch int) ([]models.ApprovalTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ApprovalTask
	for _, t := range m.tasks {
		if t.InstanceID == instanceID && t.NodeID == nodeID && t.Epoch == epoch {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockStore) NodeEpoch(instanceID int64, nodeID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	epoch := 0
	for _, t := range m.tasks {
		if t.InstanceID == instanceID && t.NodeID == nodeID && t.Epoch > epoch {
			epoch = t.Epoch
		}
	}
	return epoch, nil
}

func (m *mockStore) CompleteTask(id int64, status models.TaskStatus, completedBy, comment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.ID != id {
			continue
		}
		if t.Status != models.PendingTaskStatus {
			return ErrTaskNotPending
		}
		now := time.Now()
		m.tasks[i].Status = status
		m.tasks[i].CompletedBy = completedBy
		m.tasks[i].DecisionComment = comment
		m.tasks[i].CompletedAt = &now
		return nil
	}
	return ErrNotFound
}

func (m *mockStore) DelegateTask(id int64, delegate string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.ID != id {
			continue
		}
		if t.Status != models.PendingTaskStatus {
			return ErrTaskNotPending
		}
		m.tasks[i].DelegatedTo = delegate
		return nil
	}
	return ErrNotFound
}

func (m *mockStore) ListPendingTasksFor(principal string) ([]models.ApprovalTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ApprovalTask
	for _, t := range m.tasks {
		if t.Status != models.PendingTaskStatus {
			continue
		}
		if t.AssignedTo != principal && t.DelegatedTo != principal {
			continue
		}
		// Only tasks at the instance's current node and newest epoch are
		// actionable; moot siblings stay pending but are not listed.
		for _, inst := range m.instances {
			if inst.ID == t.InstanceID && inst.Status == models.ActiveInstanceStatus &&
				inst.CurrentNodeID == t.NodeID && t.Epoch == m.maxEpochLocked(t.InstanceID, t.NodeID) {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

func (m *mockStore) maxEpochLocked(instanceID int64, nodeID string) int {
	epoch := 0
	for _, t := range m.tasks {
		if t.InstanceID == instanceID && t.NodeID == nodeID && t.Epoch > epoch {
			epoch = t.Epoch
		}
	}
	return epoch
}

func (m *mockStore) AppendRecord(r models.ApprovalRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRecID++
	r.ID = m.nextRecID
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now()
	}
	m.records = append(m.records, r)
	return r.ID, nil
}

func (m *mockStore) ListRecords(instanceID int64) ([]models.ApprovalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ApprovalRecord
	for _, r := range m.records {
		if r.InstanceID == instanceID {
			out = append(out, r)
		}
	}
	// Records are appended in order and IDs are monotonic, so out is already
	// sorted by (RecordedAt, ID).
	return out, nil
}
