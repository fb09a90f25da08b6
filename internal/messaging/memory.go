package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/poolcore/pkg/errors"
)

// MemoryBroker is an in-process Broker. Every subscriber of a topic
// receives every message published after it subscribed; groups are ignored.
// Publish blocks until each subscriber has accepted the message or ctx ends.
type MemoryBroker struct {
	mu        sync.Mutex
	subs      map[string][]*memorySubscription
	published map[string][]Message
	closed    bool
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs:      make(map[string][]*memorySubscription),
		published: make(map[string][]Message),
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, topic, key string, value []byte) error {
	msg := Message{Topic: topic, Key: key, Value: append([]byte(nil), value...), Time: time.Now()}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New(errors.ErrorTypeTransport, "memory_publish", "broker closed")
	}
	b.published[topic] = append(b.published[topic], msg)
	subs := append([]*memorySubscription(nil), b.subs[topic]...)
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "memory_publish", "subscriber did not accept message").
				WithContext("topic", topic)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topic, _ string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New(errors.ErrorTypeTransport, "memory_subscribe", "broker closed")
	}

	s := &memorySubscription{
		broker: b,
		topic:  topic,
		ch:     make(chan Message, 16),
		out:    make(chan Message),
		done:   make(chan struct{}),
	}
	b.subs[topic] = append(b.subs[topic], s)
	s.wg.Add(1)
	go s.forward()
	return s, nil
}

// Close ends every subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	var subs []*memorySubscription
	for _, list := range b.subs {
		subs = append(subs, list...)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

// Published returns the messages published to topic so far.
func (b *MemoryBroker) Published(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published[topic]...)
}

// Subscribers reports the number of open subscriptions on topic.
func (b *MemoryBroker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

func (b *MemoryBroker) remove(s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[s.topic]
	for i, cur := range list {
		if cur == s {
			b.subs[s.topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
}

type memorySubscription struct {
	broker *MemoryBroker
	topic  string
	ch     chan Message
	out    chan Message
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.out
}

func (s *memorySubscription) forward() {
	defer s.wg.Done()
	defer close(s.out)

	for {
		select {
		case <-s.done:
			return
		case m := <-s.ch:
			select {
			case s.out <- m:
			case <-s.done:
				return
			}
		}
	}
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.broker.remove(s)
		close(s.done)
		s.wg.Wait()
	})
	return nil
}
