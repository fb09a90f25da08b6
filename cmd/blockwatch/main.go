// Package main implements blockwatch, which watches a Bitcoin Core node for
// new chain tips and announces each one on the block topic. The node is
// polled on an interval; a ZMQ hashblock subscription, when configured,
// triggers an immediate poll.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/internal/config"
	"github.com/bardlex/poolcore/internal/messaging"
	"github.com/bardlex/poolcore/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting blockwatch",
		"version", cfg.Version,
		"bitcoin_host", cfg.BitcoinRPCHost,
		"bitcoin_port", cfg.BitcoinRPCPort,
		"zmq", cfg.BitcoinZMQAddr,
	)

	node, err := bitcoin.NewRPCClient(
		cfg.BitcoinRPCHost,
		cfg.BitcoinRPCPort,
		cfg.BitcoinRPCUser,
		cfg.BitcoinRPCPassword,
	)
	if err != nil {
		logger.WithError(err).Error("failed to create Bitcoin RPC client")
		os.Exit(1)
	}
	defer node.Close()

	var notifier bitcoin.BlockNotifier
	if cfg.BitcoinZMQAddr != "" {
		z, err := bitcoin.NewZMQNotifier(cfg.BitcoinZMQAddr, logger)
		if err != nil {
			logger.WithError(err).Warn("ZMQ unavailable, polling only")
		} else {
			notifier = z
			defer func() { _ = z.Close() }()
		}
	}

	broker := messaging.NewKafkaBroker(cfg.KafkaBrokers, cfg.PollTimeout, logger)
	defer func() {
		if err := broker.Close(); err != nil {
			logger.WithError(err).Error("failed to close broker")
		}
	}()

	watcher := NewWatcher(node, broker, cfg.BlockTopic, cfg.BlockPollInterval, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		watcher.Run(ctx, notifier)
	}()

	<-sigChan
	logger.Info("shutdown signal received")
	cancel()
	<-done

	logger.Info("blockwatch stopped", "last_block", watcher.LastHash())
}

// Watcher publishes a BlockEvent for every new tip of the node. A tip is
// published once; a failed publish is retried on the next poll.
type Watcher struct {
	node     bitcoin.NodeClient
	broker   messaging.Broker
	topic    string
	interval time.Duration
	now      func() time.Time
	logger   *log.Logger

	wake chan struct{}

	mu   sync.Mutex
	last string
}

// NewWatcher returns a watcher polling node every interval.
func NewWatcher(node bitcoin.NodeClient, broker messaging.Broker, topic string, interval time.Duration, logger *log.Logger) *Watcher {
	return &Watcher{
		node:     node,
		broker:   broker,
		topic:    topic,
		interval: interval,
		now:      time.Now,
		logger:   logger.WithComponent("blockwatch"),
		wake:     make(chan struct{}, 1),
	}
}

// Run polls until ctx ends. notifier may be nil.
func (w *Watcher) Run(ctx context.Context, notifier bitcoin.BlockNotifier) {
	var wg sync.WaitGroup
	if notifier != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := notifier.Listen(ctx, func(hash string) {
				w.logger.Debug("hashblock received", "hash", hash)
				w.Wake()
			})
			if err != nil && ctx.Err() == nil {
				w.logger.WithError(err).Warn("block notifications ended, polling only")
			}
		}()
	}
	defer wg.Wait()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.logger.WithError(err).Warn("block poll failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// Wake requests an immediate poll. Requests made while one is pending are
// merged.
func (w *Watcher) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Poll checks the node tip once and reports whether a new block was
// published.
func (w *Watcher) Poll(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	hash, err := w.node.GetBestBlockHash(ctx)
	if err != nil {
		return false, err
	}
	if hash == w.last {
		return false, nil
	}

	height, err := w.node.GetBlockHeight(ctx, hash)
	if err != nil {
		return false, err
	}
	difficulty, err := w.node.GetDifficulty(ctx)
	if err != nil {
		return false, err
	}

	data, err := messaging.EncodeBlockEvent(&messaging.BlockEvent{
		Type:       messaging.EventNewBlock,
		Hash:       hash,
		Height:     height,
		Difficulty: difficulty,
		Timestamp:  w.now().Unix(),
	})
	if err != nil {
		return false, err
	}
	if err := w.broker.Publish(ctx, w.topic, hash, data); err != nil {
		return false, err
	}

	w.last = hash
	w.logger.Info("new block published", "hash", hash, "height", height, "difficulty", difficulty)
	return true, nil
}

// LastHash is the most recently published tip.
func (w *Watcher) LastHash() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}
