package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/approval-engine/types"
)

// StatusPublisher tells the system owning a form that the status of one
// of its records changed. Delivery is at least once; consumers must accept
// duplicates.
type StatusPublisher interface {
	Publish(ctx context.Context, topic string, change types.StatusChange) error
}

// BusPublisher delivers status changes to in-process subscribers of
// EventStatusChanged.
type BusPublisher struct {
	bus *EventBus
}

func NewBusPublisher(bus *EventBus) *BusPublisher {
	return &BusPublisher{bus: bus}
}

// Publish queues the change. Having no subscriber is not an error.
func (p *BusPublisher) Publish(ctx context.Context, topic string, change types.StatusChange) error {
	err := p.bus.Publish(ctx, Event{
		Type:       EventStatusChanged,
		InstanceID: change.InstanceID,
		Data: map[string]interface{}{
			"topic":  topic,
			"change": change,
		},
	})
	if errors.Is(err, ErrNoHandler) {
		return nil
	}
	return err
}

// RedisPublisher PUBLISHes status changes as JSON on the topic channel.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, change types.StatusChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal status change: %v", err)
	}
	if err := p.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %v", topic, err)
	}
	return nil
}

// ChangeFromEvent extracts the status change carried by an EventStatusChanged event.
func ChangeFromEvent(event Event) (topic string, change types.StatusChange, ok bool) {
	topic, _ = event.Data["topic"].(string)
	change, ok = event.Data["change"].(types.StatusChange)
	return topic, change, ok
}
