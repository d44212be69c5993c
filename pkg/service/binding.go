package service

import (
	"github.com/expr-lang/expr"
	"github.com/goapprove/goapprove/pkg/models"
	"github.com/pkg/errors"
)

// Logger defines the logging interface of the services.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// EntityField is one human-readable label/value pair of a bound business
// document.
type EntityField struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// EntityBinding is implemented by each business-document module (financial
// matters, payment requests, expense reimbursements, ...). The engine never
// owns the document schema; it only resolves role-based approver rules and
// renders detail views through this boundary.
type EntityBinding interface {
	ResolveRole(role string, snapshot models.EntitySnapshot) ([]string, error)
	DescribeEntity(entityType, entityID string) ([]EntityField, error)
}

// Notifier is informed of task and instance lifecycle events. Calls are
// fire-and-forget: engine correctness never depends on delivery.
type Notifier interface {
	TaskOpened(task models.ApprovalTask)
	InstanceCompleted(inst models.WorkflowInstance)
	InstanceTerminated(inst models.WorkflowInstance)
}

// Authorizer decides whether an actor may act on a task. Injected into the
// dispatcher so authorization stays an explicit capability rather than
// ambient state.
type Authorizer interface {
	CanDecide(actor string, task models.ApprovalTask) bool
}

// AssigneeAuthorizer permits the task's assignee and, after delegation, the
// delegate.
type AssigneeAuthorizer struct{}

func (AssigneeAuthorizer) CanDecide(actor string, task models.ApprovalTask) bool {
	return actor != "" && (actor == task.AssignedTo || actor == task.DelegatedTo)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) TaskOpened(models.ApprovalTask)             {}
func (NopNotifier) InstanceCompleted(models.WorkflowInstance)  {}
func (NopNotifier) InstanceTerminated(models.WorkflowInstance) {}

// StaticBinding is a directory-backed EntityBinding useful for tests,
// examples and deployments where roles map to fixed user sets.
type StaticBinding struct {
	Roles  map[string][]string      // role -> principals
	Fields map[string][]EntityField // entityType:entityID -> fields
}

func (b StaticBinding) ResolveRole(role string, _ models.EntitySnapshot) ([]string, error) {
	users, ok := b.Roles[role]
	if !ok {
		return nil, nil
	}
	return users, nil
}

func (b StaticBinding) DescribeEntity(entityType, entityID string) ([]EntityField, error) {
	return b.Fields[entityType+":"+entityID], nil
}

// resolveApprovers evaluates a node's approver rule against the entity
// snapshot. Dynamic rules are expr expressions over {"snapshot": ...}
// yielding a principal id or a list of principal ids.
func resolveApprovers(rule models.ApproverRule, snapshot models.EntitySnapshot, binding EntityBinding) ([]string, error) {
	switch rule.Kind {
	case models.RuleExplicitUsers:
		return dedupe(rule.Users), nil
	case models.RuleRoleBased:
		users, err := binding.ResolveRole(rule.Role, snapshot)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve role %q", rule.Role)
		}
		return dedupe(users), nil
	case models.RuleDynamicLookup:
		program, err := expr.Compile(rule.Expression, expr.Env(exprEnv(nil)))
		if err != nil {
			return nil, errors.Wrapf(err, "compile approver expression %q", rule.Expression)
		}
		out, err := expr.Run(program, exprEnv(snapshot))
		if err != nil {
			return nil, errors.Wrapf(err, "evaluate approver expression %q", rule.Expression)
		}
		return dedupe(principalsFrom(out)), nil
	default:
		return nil, errors.Errorf("unknown approver rule kind %q", rule.Kind)
	}
}

func exprEnv(snapshot models.EntitySnapshot) map[string]interface{} {
	if snapshot == nil {
		snapshot = models.EntitySnapshot{}
	}
	return map[string]interface{}{"snapshot": map[string]string(snapshot)}
}

func principalsFrom(out interface{}) []string {
	switch v := out.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []interface{}:
		var users []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				users = append(users, s)
			}
		}
		return users
	default:
		return nil
	}
}

func dedupe(users []string) []string {
	seen := make(map[string]struct{}, len(users))
	var out []string
	for _, u := range users {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
