package notify

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// LogEmitter writes events to the application log. It is the default emitter
// when no delivery backend is configured.
type LogEmitter struct {
	Logger Logger
}

func (l LogEmitter) Emit(e Event) error {
	switch e.Kind {
	case TaskOpenedEvent:
		l.Logger.Infof("Task %d opened for '%s' at node '%s' of instance %d",
			e.Task.ID, e.Task.AssignedTo, e.Task.NodeID, e.Task.InstanceID)
	case InstanceCompletedEvent:
		l.Logger.Infof("Instance %d for %s/%s completed",
			e.Instance.ID, e.Instance.EntityType, e.Instance.EntityID)
	case InstanceTerminatedEvent:
		l.Logger.Infof("Instance %d for %s/%s terminated",
			e.Instance.ID, e.Instance.EntityType, e.Instance.EntityID)
	}
	return nil
}

// RedisEmitter publishes events as JSON to a Redis channel per event kind
// (e.g. "goapprove.events.task.opened"). Subscribers own delivery to
// end users; a missed publish is not an engine error.
type RedisEmitter struct {
	client        *redis.Client
	channelPrefix string
}

func NewRedisEmitter(client *redis.Client, channelPrefix string) *RedisEmitter {
	if channelPrefix == "" {
		channelPrefix = "goapprove.events"
	}
	return &RedisEmitter{client: client, channelPrefix: channelPrefix}
}

func (r *RedisEmitter) Emit(e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	channel := r.channelPrefix + "." + string(e.Kind)
	if err := r.client.Publish(context.Background(), channel, payload).Err(); err != nil {
		return errors.Wrapf(err, "publish to %s", channel)
	}
	return nil
}
