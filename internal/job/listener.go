package job

import (
	"context"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/poolcore/internal/messaging"
	"github.com/bardlex/poolcore/internal/store"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
)

// State is the lifecycle position of a Listener.
type State int

const (
	// StateStopped is the initial and final state.
	StateStopped State = iota
	// StateListening means the drain loop is running.
	StateListening
)

func (s State) String() string {
	if s == StateListening {
		return "listening"
	}
	return "stopped"
}

// TaskGenerator is the part of Generator the listener drives.
type TaskGenerator interface {
	GenerateTask(ctx context.Context, prevHash string, difficulty float64) (*store.Job, []byte, error)
	PushMiningTask(ctx context.Context, job *store.Job, payload []byte)
}

// Listener consumes block events and generates one job per event.
type Listener struct {
	broker messaging.Broker
	gen    TaskGenerator
	topic  string
	group  string
	logger *log.Logger

	mu      sync.Mutex
	state   State
	onBlock func(*messaging.BlockEvent)
	sub     messaging.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewListener returns a stopped listener for topic.
func NewListener(broker messaging.Broker, gen TaskGenerator, topic, group string, logger *log.Logger) *Listener {
	return &Listener{
		broker: broker,
		gen:    gen,
		topic:  topic,
		group:  group,
		logger: logger.WithComponent("block_listener"),
	}
}

// OnBlock registers fn to run for every decoded event before its job is
// generated. It replaces any earlier callback.
func (l *Listener) OnBlock(fn func(*messaging.BlockEvent)) {
	l.mu.Lock()
	l.onBlock = fn
	l.mu.Unlock()
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start subscribes and launches the drain loop. Starting a listening
// listener is a no-op. The loop also ends when ctx is done.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateListening {
		return nil
	}

	sub, err := l.broker.Subscribe(ctx, l.topic, l.group)
	if err != nil {
		return errors.Transport(err, "listener_start", "failed to subscribe").WithContext("topic", l.topic)
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.sub = sub
	l.cancel = cancel
	l.state = StateListening

	l.wg.Add(1)
	go l.loop(runCtx, sub)

	l.logger.Info("listening for block events", "topic", l.topic, "group_id", l.group)
	return nil
}

// Stop ends the loop and waits for it. No callback runs after Stop returns.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.state == StateStopped {
		l.mu.Unlock()
		return
	}
	l.state = StateStopped
	sub, cancel := l.sub, l.cancel
	l.sub, l.cancel = nil, nil
	l.mu.Unlock()

	cancel()
	if err := sub.Close(); err != nil {
		l.logger.WithError(err).Warn("failed to close subscription")
	}
	l.wg.Wait()
	l.logger.Info("block listener stopped")
}

func (l *Listener) loop(ctx context.Context, sub messaging.Subscription) {
	defer l.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.Messages():
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			l.handle(ctx, m)
		}
	}
}

func (l *Listener) handle(ctx context.Context, m messaging.Message) {
	ev, err := messaging.DecodeBlockEvent(m.Value)
	if err != nil {
		l.logger.WithError(err).Warn("dropping malformed block event", "payload_size", len(m.Value))
		return
	}
	if _, err := chainhash.NewHashFromStr(ev.Hash); err != nil {
		l.logger.WithError(err).Warn("dropping block event with invalid hash", "hash", ev.Hash)
		return
	}
	ev.Hash = strings.ToLower(ev.Hash)

	l.logger.LogBlockEvent(ev.Hash, ev.Difficulty)

	l.mu.Lock()
	onBlock := l.onBlock
	l.mu.Unlock()
	if onBlock != nil {
		onBlock(ev)
	}

	job, payload, err := l.gen.GenerateTask(ctx, ev.Hash, ev.Difficulty)
	if err != nil {
		l.logger.WithError(err).Error("failed to generate job", "prev_hash", ev.Hash)
		return
	}
	l.gen.PushMiningTask(ctx, job, payload)
}
