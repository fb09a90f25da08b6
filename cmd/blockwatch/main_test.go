package main

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/poolcore/internal/messaging"
	"github.com/bardlex/poolcore/pkg/log"
)

const (
	hashA = "00000000000000000002a7c4c1e48d76c5a37902165a270156b7a8d72728a054"
	hashB = "0000000000000000000320283a032748cef8227873ff4872689bf23f1cda83a5"
)

// fakeNode serves a settable tip.
type fakeNode struct {
	mu      sync.Mutex
	tip     string
	heights map[string]int64
	diff    float64
	err     error
	calls   int
}

func (n *fakeNode) setTip(hash string) {
	n.mu.Lock()
	n.tip = hash
	n.mu.Unlock()
}

func (n *fakeNode) GetBestBlockHash(context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return n.tip, n.err
}

func (n *fakeNode) GetBlockHeight(_ context.Context, hash string) (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.heights[hash], nil
}

func (n *fakeNode) GetDifficulty(context.Context) (float64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.diff, nil
}

func (n *fakeNode) Close() {}

// fakeNotifier delivers hashes sent on its channel.
type fakeNotifier struct {
	hashes chan string
}

func (f *fakeNotifier) Listen(ctx context.Context, onBlock func(string)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case h := <-f.hashes:
			onBlock(h)
		}
	}
}

func (f *fakeNotifier) Close() error { return nil }

// flakyBroker fails the first publish.
type flakyBroker struct {
	*messaging.MemoryBroker
	failed bool
}

func (b *flakyBroker) Publish(ctx context.Context, topic, key string, value []byte) error {
	if !b.failed {
		b.failed = true
		return stderrors.New("broker unavailable")
	}
	return b.MemoryBroker.Publish(ctx, topic, key, value)
}

func newNode() *fakeNode {
	return &fakeNode{
		tip:     hashA,
		heights: map[string]int64{hashA: 820000, hashB: 820001},
		diff:    72006146478567.1,
	}
}

func TestPollPublishesNewTipOnce(t *testing.T) {
	node := newNode()
	broker := messaging.NewMemoryBroker()
	w := NewWatcher(node, broker, messaging.TopicBlocks, time.Minute, log.Nop())
	w.now = func() time.Time { return time.Unix(1700000000, 0) }
	ctx := context.Background()

	tests := []struct {
		tip       string
		published bool
	}{
		{hashA, true},
		{hashA, false},
		{hashB, true},
		{hashB, false},
	}
	for i, tt := range tests {
		node.setTip(tt.tip)
		got, err := w.Poll(ctx)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if got != tt.published {
			t.Errorf("poll %d published = %v, want %v", i, got, tt.published)
		}
	}

	msgs := broker.Published(messaging.TopicBlocks)
	if len(msgs) != 2 {
		t.Fatalf("published %d events, want 2", len(msgs))
	}
	ev, err := messaging.DecodeBlockEvent(msgs[1].Value)
	if err != nil {
		t.Fatal(err)
	}
	want := messaging.BlockEvent{Type: messaging.EventNewBlock, Hash: hashB, Height: 820001, Difficulty: 72006146478567.1, Timestamp: 1700000000}
	if *ev != want {
		t.Errorf("event = %+v, want %+v", *ev, want)
	}
	if msgs[1].Key != hashB {
		t.Errorf("message key = %q", msgs[1].Key)
	}
	if w.LastHash() != hashB {
		t.Errorf("LastHash() = %q", w.LastHash())
	}
}

func TestPollRetriesFailedPublish(t *testing.T) {
	broker := &flakyBroker{MemoryBroker: messaging.NewMemoryBroker()}
	w := NewWatcher(newNode(), broker, messaging.TopicBlocks, time.Minute, log.Nop())

	if _, err := w.Poll(context.Background()); err == nil {
		t.Fatal("expected the first publish to fail")
	}
	if w.LastHash() != "" {
		t.Error("a failed publish must not mark the tip as seen")
	}
	if ok, err := w.Poll(context.Background()); !ok || err != nil {
		t.Errorf("retry Poll() = %v, %v", ok, err)
	}
}

func TestPollNodeError(t *testing.T) {
	node := newNode()
	node.err = stderrors.New("connection refused")
	broker := messaging.NewMemoryBroker()
	w := NewWatcher(node, broker, messaging.TopicBlocks, time.Minute, log.Nop())

	if _, err := w.Poll(context.Background()); err == nil {
		t.Error("expected node error")
	}
	if n := len(broker.Published(messaging.TopicBlocks)); n != 0 {
		t.Errorf("published %d events on node error", n)
	}
}

func TestRunWakesOnNotification(t *testing.T) {
	node := newNode()
	broker := messaging.NewMemoryBroker()
	notifier := &fakeNotifier{hashes: make(chan string)}
	// An hour-long interval leaves the notifier as the only trigger after
	// the initial poll.
	w := NewWatcher(node, broker, messaging.TopicBlocks, time.Hour, log.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx, notifier)
	}()

	waitPublished := func(n int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for len(broker.Published(messaging.TopicBlocks)) < n {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %d events", n)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	waitPublished(1)

	node.setTip(hashB)
	notifier.hashes <- hashB
	waitPublished(2)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestWakeCoalesces(t *testing.T) {
	w := NewWatcher(newNode(), messaging.NewMemoryBroker(), messaging.TopicBlocks, time.Minute, log.Nop())
	w.Wake()
	w.Wake()
	w.Wake()
	if n := len(w.wake); n != 1 {
		t.Errorf("pending wakes = %d, want 1", n)
	}
}
