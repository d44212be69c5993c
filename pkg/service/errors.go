package service

import "github.com/pkg/errors"

// Error taxonomy of the engine. Definition and authorization errors reject
// the action outright; conflict errors (see pkg/storage sentinels) are
// idempotency races the caller may retry after a refresh; NoApproversResolved
// halts advancement until an operator fixes the rule or entity data;
// StateDivergence is an internal invariant violation and never corrected
// silently.
var (
	ErrInvalidDefinition      = errors.New("invalid workflow definition")
	ErrDefinitionNotPublished = errors.New("workflow definition is not published")
	ErrNotAuthorized          = errors.New("actor is not authorized for this task")
	ErrNoApproversResolved    = errors.New("approver rule resolved no principals")
	ErrInvalidDecision        = errors.New("invalid decision for this node")
	ErrInstanceClosed         = errors.New("instance is no longer active")
	ErrStateDivergence        = errors.New("ledger replay diverges from stored instance state")
)
