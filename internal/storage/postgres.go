package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/goapprove/goapprove/pkg/models"
	"github.com/goapprove/goapprove/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Queryx(query string, args ...interface{}) (*sqlx.Rows, error)
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveDefinition inserts a definition and its nodes and returns the new ID.
func (s *PostgresStore) SaveDefinition(d models.WorkflowDefinition) (int64, error) {
	var defID int64
	err := s.db.QueryRowx(
		"INSERT INTO workflow_definitions (name, version, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5) RETURNING id",
		d.Name, d.Version, d.Status, d.CreatedAt, d.UpdatedAt).Scan(&defID)
	if err != nil {
		return 0, fmt.Errorf("save definition: %w", err)
	}
	for _, n := range d.Nodes {
		_, err := s.db.Exec(`
			INSERT INTO workflow_nodes (id, definition_id, title, rule_kind, rule_users, rule_role, rule_expr, quorum, on_reject, return_to, next_node, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			n.ID, defID, n.Title, n.Rule.Kind, pq.Array(n.Rule.Users), n.Rule.Role, n.Rule.Expression,
			n.Quorum, n.OnReject, n.ReturnTo, n.Next, n.Position)
		if err != nil {
			return 0, fmt.Errorf("save node %q: %w", n.ID, err)
		}
	}
	return defID, nil
}

// GetDefinition retrieves a definition by ID, including its nodes in position
// order.
func (s *PostgresStore) GetDefinition(id int64) (models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	err := s.db.Get(&def, "SELECT id, name, version, status, created_at, updated_at FROM workflow_definitions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowDefinition{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowDefinition{}, err
	}
	nodes, err := s.selectNodes(id)
	if err != nil {
		return models.WorkflowDefinition{}, fmt.Errorf("get definition %d: %w", id, err)
	}
	def.Nodes = nodes
	return def, nil
}

func (s *PostgresStore) selectNodes(definitionID int64) ([]models.WorkflowNode, error) {
	rows, err := s.db.Queryx(`
		SELECT id, definition_id, title, rule_kind, rule_users, rule_role, rule_expr, quorum, on_reject, return_to, next_node, position
		FROM workflow_nodes WHERE definition_id = $1 ORDER BY position`, definitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []models.WorkflowNode
	for rows.Next() {
		var n models.WorkflowNode
		var users pq.StringArray
		err := rows.Scan(&n.ID, &n.DefinitionID, &n.Title, &n.Rule.Kind, &users, &n.Rule.Role, &n.Rule.Expression,
			&n.Quorum, &n.OnReject, &n.ReturnTo, &n.Next, &n.Position)
		if err != nil {
			return nil, err
		}
		n.Rule.Users = []string(users)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *PostgresStore) ListDefinitions() ([]models.WorkflowDefinition, error) {
	definitions := []models.WorkflowDefinition{}
	err := s.db.Select(&definitions,
		"SELECT id, name, version, status, created_at, updated_at FROM workflow_definitions ORDER BY name, version")
	if err != nil {
		return nil, err
	}
	return definitions, nil
}

func (s *PostgresStore) UpdateDefinitionStatus(id int64, status models.DefinitionStatus) error {
	res, err := s.db.Exec("UPDATE workflow_definitions SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", status, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// SaveInstance creates a new workflow instance. The partial unique index on
// (entity_type, entity_id) WHERE status = 'ACTIVE' enforces the one-active-
// instance-per-entity invariant; its violation maps to
// ErrDuplicateActiveInstance.
func (s *PostgresStore) SaveInstance(i models.WorkflowInstance) (int64, error) {
	snapshot, err := json.Marshal(i.Snapshot)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}
	var instID int64
	err = s.db.QueryRowx(`
		INSERT INTO workflow_instances (definition_id, definition_version, entity_type, entity_id, current_node_id, status, initiated_by, initiated_at, version, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		i.DefinitionID, i.DefinitionVersion, i.EntityType, i.EntityID, i.CurrentNodeID, i.Status,
		i.InitiatedBy, i.InitiatedAt, i.Version, snapshot).Scan(&instID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return 0, storage.ErrDuplicateActiveInstance
		}
		return 0, fmt.Errorf("save instance: %w", err)
	}
	return instID, nil
}

// GetInstance reads an instance row. Inside a transaction the row is read
// FOR UPDATE: concurrent decisions on the same instance serialize here, so
// the later one evaluates quorum against the earlier one's committed task
// updates instead of a stale snapshot.
func (s *PostgresStore) GetInstance(id int64) (models.WorkflowInstance, error) {
	query := "SELECT * FROM workflow_instances WHERE id = $1"
	if _, ok := s.db.(*sqlx.Tx); ok {
		query += " FOR UPDATE"
	}
	return s.getInstance(query, id)
}

func (s *PostgresStore) FindActiveInstance(entityType, entityID string) (models.WorkflowInstance, error) {
	return s.getInstance(
		"SELECT * FROM workflow_instances WHERE entity_type = $1 AND entity_id = $2 AND status = 'ACTIVE'",
		entityType, entityID)
}

func (s *PostgresStore) getInstance(query string, args ...interface{}) (models.WorkflowInstance, error) {
	var row struct {
		models.WorkflowInstance
		SnapshotRaw []byte `db:"snapshot"`
	}
	err := s.db.Get(&row, query, args...)
	if err == sql.ErrNoRows {
		return models.WorkflowInstance{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowInstance{}, err
	}
	inst := row.WorkflowInstance
	if len(row.SnapshotRaw) > 0 {
		if err := json.Unmarshal(row.SnapshotRaw, &inst.Snapshot); err != nil {
			return models.WorkflowInstance{}, fmt.Errorf("unmarshal snapshot: %w", err)
		}
	}
	return inst, nil
}

func (s *PostgresStore) ListInstances() ([]models.WorkflowInstance, error) {
	instances := []models.WorkflowInstance{}
	err := s.db.Select(&instances, `
		SELECT id, definition_id, definition_version, entity_type, entity_id, current_node_id, status, initiated_by, initiated_at, completed_at, version
		FROM workflow_instances ORDER BY initiated_at DESC`)
	if err != nil {
		return nil, err
	}
	return instances, nil
}

// UpdateInstanceState advances the instance under an optimistic version
// check. Zero affected rows means a concurrent transition won.
func (s *PostgresStore) UpdateInstanceState(id int64, currentNodeID string, status models.InstanceStatus, expectedVersion int64) error {
	res, err := s.db.Exec(`
		UPDATE workflow_instances
		SET current_node_id = $1,
		status = $2,
		version = version + 1,
		completed_at = CASE WHEN $2 IN ('COMPLETED', 'TERMINATED') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = $3 AND version = $4`,
		currentNodeID, status, id, expectedVersion)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrStaleInstance
	}
	return nil
}

func (s *PostgresStore) SaveTask(t models.ApprovalTask) (int64, error) {
	var taskID int64
	err := s.db.QueryRowx(`
		INSERT INTO approval_tasks (instance_id, node_id, epoch, assigned_to, delegated_to, status, assigned_at, decision_comment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		t.InstanceID, t.NodeID, t.Epoch, t.AssignedTo, t.DelegatedTo, t.Status, t.AssignedAt, t.DecisionComment).Scan(&taskID)
	if err != nil {
		return 0, fmt.Errorf("save task: %w", err)
	}
	return taskID, nil
}

func (s *PostgresStore) GetTask(id int64) (models.ApprovalTask, error) {
	var task models.ApprovalTask
	err := s.db.Get(&task, "SELECT * FROM approval_tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.ApprovalTask{}, storage.ErrNotFound
	}
	if err != nil {
		return models.ApprovalTask{}, err
	}
	return task, nil
}

func (s *PostgresStore) ListTasksByInstance(instanceID int64) ([]models.ApprovalTask, error) {
	tasks := []models.ApprovalTask{}
	err := s.db.Select(&tasks, "SELECT * FROM approval_tasks WHERE instance_id = $1 ORDER BY id", instanceID)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *PostgresStore) ListNodeTasks(instanceID int64, nodeID string, epoch int) ([]models.ApprovalTask, error) {
	tasks := []models.ApprovalTask{}
	err := s.db.Select(&tasks,
		"SELECT * FROM approval_tasks WHERE instance_id = $1 AND node_id = $2 AND epoch = $3 ORDER BY id",
		instanceID, nodeID, epoch)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *PostgresStore) NodeEpoch(instanceID int64, nodeID string) (int, error) {
	var epoch int
	err := s.db.Get(&epoch,
		"SELECT COALESCE(MAX(epoch), 0) FROM approval_tasks WHERE instance_id = $1 AND node_id = $2",
		instanceID, nodeID)
	if err != nil {
		return 0, err
	}
	return epoch, nil
}

// CompleteTask resolves a task. The status predicate serializes concurrent
// resolution attempts on the same task: the loser sees zero affected rows.
func (s *PostgresStore) CompleteTask(id int64, status models.TaskStatus, completedBy, comment string) error {
	res, err := s.db.Exec(`
		UPDATE approval_tasks
		SET status = $1, completed_by = $2, decision_comment = $3, completed_at = CURRENT_TIMESTAMP
		WHERE id = $4 AND status = 'PENDING'`,
		status, completedBy, comment, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrTaskNotPending
	}
	return nil
}

func (s *PostgresStore) DelegateTask(id int64, delegate string) error {
	res, err := s.db.Exec(
		"UPDATE approval_tasks SET delegated_to = $1 WHERE id = $2 AND status = 'PENDING'",
		delegate, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrTaskNotPending
	}
	return nil
}

// ListPendingTasksFor returns a principal's actionable tasks: pending ones at
// the owning ACTIVE instance's current node and newest epoch.
func (s *PostgresStore) ListPendingTasksFor(principal string) ([]models.ApprovalTask, error) {
	tasks := []models.ApprovalTask{}
	err := s.db.Select(&tasks, `
		SELECT t.*
		FROM approval_tasks t
		JOIN workflow_instances i ON i.id = t.instance_id
		WHERE t.status = 'PENDING'
		AND (t.assigned_to = $1 OR t.delegated_to = $1)
		AND i.status = 'ACTIVE'
		AND i.current_node_id = t.node_id
		AND t.epoch = (SELECT MAX(epoch) FROM approval_tasks WHERE instance_id = t.instance_id AND node_id = t.node_id)
		ORDER BY t.assigned_at`, principal)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// AppendRecord inserts one ledger entry. Records are never updated or
// deleted.
func (s *PostgresStore) AppendRecord(r models.ApprovalRecord) (int64, error) {
	var recID int64
	err := s.db.QueryRowx(`
		INSERT INTO approval_records (instance_id, node_id, task_id, approver, action, comment, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		r.InstanceID, r.NodeID, r.TaskID, r.Approver, r.Action, r.Comment, r.RecordedAt).Scan(&recID)
	if err != nil {
		return 0, fmt.Errorf("append record: %w", err)
	}
	return recID, nil
}

func (s *PostgresStore) ListRecords(instanceID int64) ([]models.ApprovalRecord, error) {
	records := []models.ApprovalRecord{}
	err := s.db.Select(&records,
		"SELECT * FROM approval_records WHERE instance_id = $1 ORDER BY recorded_at, id", instanceID)
	if err != nil {
		return nil, err
	}
	return records, nil
}

func mustAffect(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
