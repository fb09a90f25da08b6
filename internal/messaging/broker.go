// Package messaging carries block events and mining tasks between the pool
// services over a publish/subscribe broker.
package messaging

import (
	"context"
	"time"
)

// Message is one record received from a topic.
type Message struct {
	Topic string
	Key   string
	Value []byte
	Time  time.Time
}

// Subscription delivers messages of one topic until closed.
type Subscription interface {
	// Messages is closed after Close returns.
	Messages() <-chan Message
	Close() error
}

// Broker publishes to and subscribes on named topics.
type Broker interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Subscribe(ctx context.Context, topic, group string) (Subscription, error)
	Close() error
}
