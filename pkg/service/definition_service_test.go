package service_test

import (
	"testing"

	"github.com/goapprove/goapprove/pkg/models"
	"github.com/goapprove/goapprove/pkg/service"
	"github.com/stretchr/testify/assert"
)

func TestDefinitionLifecycle(t *testing.T) {
	e := newEngine(service.StaticBinding{})

	id, err := e.definitions.CreateDefinition(models.WorkflowDefinition{
		Name: "purchase-approval",
		Nodes: []models.WorkflowNode{
			explicitNode("manager", []string{"X"}, models.QuorumAny, "", 1),
		},
	})
	assert.NoError(t, err)

	def, err := e.definitions.GetDefinition(id)
	assert.NoError(t, err)
	assert.Equal(t, models.DraftDefinitionStatus, def.Status)
	assert.Equal(t, 1, def.Version)

	assert.NoError(t, e.definitions.Publish(id))
	def, err = e.definitions.GetDefinition(id)
	assert.NoError(t, err)
	assert.Equal(t, models.PublishedDefinitionStatus, def.Status)

	// publish is not repeatable
	err = e.definitions.Publish(id)
	assert.ErrorIs(t, err, service.ErrInvalidDefinition)

	// a new version is an independent draft
	v2, err := e.definitions.NewVersion(id, []models.WorkflowNode{
		explicitNode("manager", []string{"X", "Y"}, models.QuorumAll, "", 1),
	})
	assert.NoError(t, err)
	next, err := e.definitions.GetDefinition(v2)
	assert.NoError(t, err)
	assert.Equal(t, "purchase-approval", next.Name)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, models.DraftDefinitionStatus, next.Status)

	def, err = e.definitions.GetDefinition(id)
	assert.NoError(t, err)
	assert.Equal(t, models.PublishedDefinitionStatus, def.Status)

	assert.NoError(t, e.definitions.Archive(id))
	def, err = e.definitions.GetDefinition(id)
	assert.NoError(t, err)
	assert.Equal(t, models.ArchivedDefinitionStatus, def.Status)

	// drafts cannot be archived
	err = e.definitions.Archive(v2)
	assert.ErrorIs(t, err, service.ErrInvalidDefinition)
}

func TestCreateDefinition_ShapeChecks(t *testing.T) {
	e := newEngine(service.StaticBinding{})

	_, err := e.definitions.CreateDefinition(models.WorkflowDefinition{
		Nodes: []models.WorkflowNode{explicitNode("n1", []string{"X"}, models.QuorumAny, "", 1)},
	})
	assert.ErrorIs(t, err, service.ErrInvalidDefinition)

	_, err = e.definitions.CreateDefinition(models.WorkflowDefinition{Name: "empty"})
	assert.ErrorIs(t, err, service.ErrInvalidDefinition)
}

func TestValidateDefinition(t *testing.T) {
	valid := func() models.WorkflowDefinition {
		return models.WorkflowDefinition{
			Name: "valid",
			Nodes: []models.WorkflowNode{
				explicitNode("n1", []string{"X"}, models.QuorumAny, "n2", 1),
				explicitNode("n2", []string{"Y"}, models.QuorumAll, "", 2),
			},
		}
	}

	t.Run("Valid", func(t *testing.T) {
		assert.NoError(t, service.ValidateDefinition(valid()))
	})

	t.Run("DuplicateNodeID", func(t *testing.T) {
		def := valid()
		def.Nodes[1].ID = "n1"
		assert.ErrorIs(t, service.ValidateDefinition(def), service.ErrInvalidDefinition)
	})

	t.Run("UnknownSuccessor", func(t *testing.T) {
		def := valid()
		def.Nodes[0].Next = "nope"
		assert.ErrorIs(t, service.ValidateDefinition(def), service.ErrInvalidDefinition)
	})

	t.Run("SuccessorCycle", func(t *testing.T) {
		def := valid()
		def.Nodes[1].Next = "n1"
		assert.ErrorIs(t, service.ValidateDefinition(def), service.ErrInvalidDefinition)
	})

	t.Run("UnreachableNode", func(t *testing.T) {
		def := valid()
		def.Nodes = append(def.Nodes, explicitNode("orphan", []string{"Z"}, models.QuorumAny, "", 3))
		def.Nodes[1].Next = ""
		assert.ErrorIs(t, service.ValidateDefinition(def), service.ErrInvalidDefinition)
	})

	t.Run("ReturnTargetMustExist", func(t *testing.T) {
		def := valid()
		def.Nodes[1].OnReject = models.RejectReturn
		def.Nodes[1].ReturnTo = "nope"
		assert.ErrorIs(t, service.ValidateDefinition(def), service.ErrInvalidDefinition)
	})

	t.Run("ReturnTargetMustBePrior", func(t *testing.T) {
		def := valid()
		def.Nodes[0].OnReject = models.RejectReturn
		def.Nodes[0].ReturnTo = "n2"
		assert.ErrorIs(t, service.ValidateDefinition(def), service.ErrInvalidDefinition)
	})

	t.Run("ExplicitRuleNeedsUsers", func(t *testing.T) {
		def := valid()
		def.Nodes[0].Rule = models.ApproverRule{Kind: models.RuleExplicitUsers}
		assert.ErrorIs(t, service.ValidateDefinition(def), service.ErrInvalidDefinition)
	})

	t.Run("RoleRuleNeedsRole", func(t *testing.T) {
		def := valid()
		def.Nodes[0].Rule = models.ApproverRule{Kind: models.RuleRoleBased}
		assert.ErrorIs(t, service.ValidateDefinition(def), service.ErrInvalidDefinition)
	})

	t.Run("DynamicRuleMustCompile", func(t *testing.T) {
		def := valid()
		def.Nodes[0].Rule = models.ApproverRule{Kind: models.RuleDynamicLookup, Expression: "snapshot.["}
		assert.ErrorIs(t, service.ValidateDefinition(def), service.ErrInvalidDefinition)
	})

	t.Run("UnknownQuorum", func(t *testing.T) {
		def := valid()
		def.Nodes[0].Quorum = "SOME"
		assert.ErrorIs(t, service.ValidateDefinition(def), service.ErrInvalidDefinition)
	})

	t.Run("UnknownRejectPolicy", func(t *testing.T) {
		def := valid()
		def.Nodes[0].OnReject = "ESCALATE"
		assert.ErrorIs(t, service.ValidateDefinition(def), service.ErrInvalidDefinition)
	})
}
