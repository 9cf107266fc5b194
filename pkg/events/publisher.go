// Package events forwards registry events to external subscribers.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
)

// Message is the wire form published for each event.
type Message struct {
	ID         string         `json:"id"`
	Collection string         `json:"collection"`
	Subject    string         `json:"subject"`
	Event      registry.Event `json:"event"`
}

// NewMessage wraps e for publication.
func NewMessage(e registry.Event) Message {
	return Message{
		ID:         uuid.New().String(),
		Collection: registry.CollectionSymbol,
		Subject:    e.Subject(),
		Event:      e,
	}
}

// Publisher is the subset of the go-redis client used for pub/sub.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes every event as JSON on "<prefix>:events".
// It implements registry.Observer.
type RedisPublisher struct {
	client  Publisher
	channel string
}

func NewRedisPublisher(client Publisher, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: Channel(prefix)}
}

// Channel returns the pub/sub channel for prefix.
func Channel(prefix string) string {
	return prefix + ":events"
}

func (p *RedisPublisher) Observe(ctx context.Context, e registry.Event) error {
	payload, err := json.Marshal(NewMessage(e))
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", e.Kind, err)
	}
	return nil
}
