package service

import (
	"time"

	"github.com/expr-lang/expr"
	"github.com/goapprove/goapprove/pkg/models"
	"github.com/goapprove/goapprove/pkg/storage"
	"github.com/pkg/errors"
)

// DefinitionService owns the workflow template catalog. Definitions are
// created as drafts, validated on publish and immutable afterwards: a new
// version of an already-published definition is a fresh draft row.
type DefinitionService struct {
	store  storage.Store
	logger Logger
}

func NewDefinitionService(store storage.Store, logger Logger) *DefinitionService {
	return &DefinitionService{store: store, logger: logger}
}

// CreateDefinition stores a new draft. Structural validation happens on
// publish; only the cheap shape checks run here.
func (s *DefinitionService) CreateDefinition(def models.WorkflowDefinition) (id int64, err error) {
	if def.Name == "" {
		return 0, errors.Wrap(ErrInvalidDefinition, "definition name cannot be empty")
	}
	if len(def.Nodes) == 0 {
		return 0, errors.Wrap(ErrInvalidDefinition, "definition has no nodes")
	}
	def.Status = models.DraftDefinitionStatus
	if def.Version == 0 {
		def.Version = 1
	}
	def.CreatedAt = time.Now()
	def.UpdatedAt = time.Now()

	txStore, err := s.store.Begin()
	if err != nil {
		return 0, err
	}
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
		}
	}()

	id, err = txStore.SaveDefinition(def)
	if err != nil {
		return 0, err
	}
	s.logger.Infof("Created draft definition '%s' v%d with ID %d", def.Name, def.Version, id)
	return id, nil
}

// NewVersion copies a published definition into a fresh draft with the given
// nodes and a bumped version number. The published original stays untouched.
func (s *DefinitionService) NewVersion(id int64, nodes []models.WorkflowNode) (int64, error) {
	def, err := s.store.GetDefinition(id)
	if err != nil {
		return 0, err
	}
	next := models.WorkflowDefinition{
		Name:    def.Name,
		Version: def.Version + 1,
		Nodes:   nodes,
	}
	return s.CreateDefinition(next)
}

// GetDefinition fetches a definition with its nodes.
func (s *DefinitionService) GetDefinition(id int64) (models.WorkflowDefinition, error) {
	return s.store.GetDefinition(id)
}

func (s *DefinitionService) ListDefinitions() ([]models.WorkflowDefinition, error) {
	return s.store.ListDefinitions()
}

// Publish validates the node graph and marks the definition PUBLISHED.
// Published and archived definitions cannot be re-published.
func (s *DefinitionService) Publish(id int64) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return err
	}
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
		}
	}()

	def, err := txStore.GetDefinition(id)
	if err != nil {
		return err
	}
	if def.Status != models.DraftDefinitionStatus {
		return errors.Wrapf(ErrInvalidDefinition, "definition %d is %s, only drafts can be published", id, def.Status)
	}
	if err = ValidateDefinition(def); err != nil {
		return err
	}
	if err = txStore.UpdateDefinitionStatus(id, models.PublishedDefinitionStatus); err != nil {
		return err
	}
	s.logger.Infof("Published definition '%s' v%d (ID %d)", def.Name, def.Version, id)
	return nil
}

// Archive retires a definition. Running instances keep their version; new
// instances can no longer reference it.
func (s *DefinitionService) Archive(id int64) error {
	def, err := s.store.GetDefinition(id)
	if err != nil {
		return err
	}
	if def.Status != models.PublishedDefinitionStatus {
		return errors.Wrapf(ErrInvalidDefinition, "definition %d is %s, only published definitions can be archived", id, def.Status)
	}
	return s.store.UpdateDefinitionStatus(id, models.ArchivedDefinitionStatus)
}

// ValidateDefinition checks the structural invariants a definition must hold
// before any instance may run against it: every node is reachable from the
// entry node, successor references resolve, the successor graph is acyclic
// (RETURN targets are the only permitted back-edges and must point at a prior
// node), and every approver rule is capable of yielding at least one
// principal. Dynamic rules are compile-checked only; they resolve against the
// entity snapshot at runtime.
func ValidateDefinition(def models.WorkflowDefinition) error {
	if len(def.Nodes) == 0 {
		return errors.Wrap(ErrInvalidDefinition, "definition has no nodes")
	}
	byID := make(map[string]models.WorkflowNode, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.ID == "" {
			return errors.Wrap(ErrInvalidDefinition, "node with empty id")
		}
		if _, dup := byID[n.ID]; dup {
			return errors.Wrapf(ErrInvalidDefinition, "duplicate node id %q", n.ID)
		}
		byID[n.ID] = n
	}

	first, _ := def.FirstNode()
	reachable := map[string]bool{first.ID: true}
	cur := first
	for !cur.Terminal() {
		next, ok := byID[cur.Next]
		if !ok {
			return errors.Wrapf(ErrInvalidDefinition, "node %q references unknown successor %q", cur.ID, cur.Next)
		}
		if reachable[next.ID] {
			return errors.Wrapf(ErrInvalidDefinition, "successor cycle through node %q", next.ID)
		}
		reachable[next.ID] = true
		cur = next
	}
	for _, n := range def.Nodes {
		if !reachable[n.ID] {
			return errors.Wrapf(ErrInvalidDefinition, "node %q is unreachable", n.ID)
		}
	}

	for _, n := range def.Nodes {
		if n.OnReject != models.RejectTerminate && n.OnReject != models.RejectReturn {
			return errors.Wrapf(ErrInvalidDefinition, "node %q has unknown on-reject policy %q", n.ID, n.OnReject)
		}
		if n.OnReject == models.RejectReturn || n.ReturnTo != "" {
			target, ok := byID[n.ReturnTo]
			if !ok {
				return errors.Wrapf(ErrInvalidDefinition, "node %q returns to unknown node %q", n.ID, n.ReturnTo)
			}
			if target.Position >= n.Position {
				return errors.Wrapf(ErrInvalidDefinition, "node %q must return to a prior node, %q is not prior", n.ID, n.ReturnTo)
			}
		}
		switch n.Quorum {
		case models.QuorumAny, models.QuorumAll, models.QuorumMajority:
		default:
			return errors.Wrapf(ErrInvalidDefinition, "node %q has unknown quorum policy %q", n.ID, n.Quorum)
		}
		if err := validateRule(n); err != nil {
			return err
		}
	}
	return nil
}

func validateRule(n models.WorkflowNode) error {
	switch n.Rule.Kind {
	case models.RuleExplicitUsers:
		if len(n.Rule.Users) == 0 {
			return errors.Wrapf(ErrInvalidDefinition, "node %q has an explicit rule with no users", n.ID)
		}
	case models.RuleRoleBased:
		if n.Rule.Role == "" {
			return errors.Wrapf(ErrInvalidDefinition, "node %q has a role rule with no role", n.ID)
		}
	case models.RuleDynamicLookup:
		if n.Rule.Expression == "" {
			return errors.Wrapf(ErrInvalidDefinition, "node %q has a dynamic rule with no expression", n.ID)
		}
		if _, err := expr.Compile(n.Rule.Expression, expr.Env(exprEnv(nil))); err != nil {
			return errors.Wrapf(ErrInvalidDefinition, "node %q approver expression does not compile: %v", n.ID, err)
		}
	default:
		return errors.Wrapf(ErrInvalidDefinition, "node %q has unknown approver rule kind %q", n.ID, n.Rule.Kind)
	}
	return nil
}
