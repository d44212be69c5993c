// Package notify delivers task and instance lifecycle events to pluggable
// emitters off the request path. Delivery is fire-and-forget: the engine
// never blocks on, or fails because of, an emitter.
package notify

import (
	"time"

	"github.com/goapprove/goapprove/pkg/models"
	"github.com/google/uuid"
)

type EventKind string

const (
	TaskOpenedEvent         EventKind = "task.opened"
	InstanceCompletedEvent  EventKind = "instance.completed"
	InstanceTerminatedEvent EventKind = "instance.terminated"
)

// Event is one lifecycle notification. Exactly one of Task or Instance is
// set, matching the kind.
type Event struct {
	ID       string                   `json:"id"`
	Kind     EventKind                `json:"kind"`
	Task     *models.ApprovalTask     `json:"task,omitempty"`
	Instance *models.WorkflowInstance `json:"instance,omitempty"`
	At       time.Time                `json:"at"`
}

// Emitter delivers a single event. Errors are logged by the dispatcher and
// otherwise ignored.
type Emitter interface {
	Emit(e Event) error
}

func newEvent(kind EventKind) Event {
	return Event{ID: uuid.NewString(), Kind: kind, At: time.Now()}
}
