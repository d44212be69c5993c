package notify

import (
	"sync"

	"github.com/goapprove/goapprove/pkg/models"
)

// Logger matches the logging interface of the services.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

const defaultQueueSize = 64

// Dispatcher fans events out to its emitters from a small pool of worker
// goroutines, keeping delivery off the decision path. It implements the
// engine's Notifier boundary. When the queue is full events are dropped with
// a warning rather than blocking the caller.
type Dispatcher struct {
	emitters []Emitter
	logger   Logger
	events   chan Event
	wg       sync.WaitGroup
	once     sync.Once
}

func NewDispatcher(logger Logger, emitters ...Emitter) *Dispatcher {
	return &Dispatcher{
		emitters: emitters,
		logger:   logger,
		events:   make(chan Event, defaultQueueSize),
	}
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start(workers int) {
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop drains queued events and waits for the workers to finish.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		close(d.events)
	})
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for e := range d.events {
		for _, em := range d.emitters {
			if err := em.Emit(e); err != nil {
				d.logger.Warnf("Failed to emit %s event %s: %v", e.Kind, e.ID, err)
			}
		}
	}
}

func (d *Dispatcher) publish(e Event) {
	select {
	case d.events <- e:
	default:
		d.logger.Warnf("Notification queue full, dropping %s event %s", e.Kind, e.ID)
	}
}

// TaskOpened implements service.Notifier.
func (d *Dispatcher) TaskOpened(task models.ApprovalTask) {
	e := newEvent(TaskOpenedEvent)
	e.Task = &task
	d.publish(e)
}

// InstanceCompleted implements service.Notifier.
func (d *Dispatcher) InstanceCompleted(inst models.WorkflowInstance) {
	e := newEvent(InstanceCompletedEvent)
	e.Instance = &inst
	d.publish(e)
}

// InstanceTerminated implements service.Notifier.
func (d *Dispatcher) InstanceTerminated(inst models.WorkflowInstance) {
	e := newEvent(InstanceTerminatedEvent)
	e.Instance = &inst
	d.publish(e)
}
