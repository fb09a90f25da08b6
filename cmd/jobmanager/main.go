// Package main implements jobmanager, the service that turns block events
// into mining jobs. Each event on the block topic produces one job, stored
// as the active job and published on the task topic for the Stratum servers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/bardlex/poolcore/internal/config"
	"github.com/bardlex/poolcore/internal/database"
	"github.com/bardlex/poolcore/internal/job"
	"github.com/bardlex/poolcore/internal/messaging"
	"github.com/bardlex/poolcore/internal/store"
	"github.com/bardlex/poolcore/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting jobmanager",
		"version", cfg.Version,
		"block_topic", cfg.BlockTopic,
		"task_topic", cfg.TaskTopic,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to open store")
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Error("failed to close store")
		}
	}()

	broker := messaging.NewKafkaBroker(cfg.KafkaBrokers, cfg.PollTimeout, logger)
	defer func() {
		if err := broker.Close(); err != nil {
			logger.WithError(err).Error("failed to close broker")
		}
	}()

	jm := NewJobManager(cfg, db, broker, logger)
	if err := jm.Start(ctx); err != nil {
		logger.WithError(err).Error("job manager failed to start")
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	jm.Shutdown()
	logger.Info("jobmanager stopped", "blocks_seen", jm.BlocksSeen())
}

// JobManager drives a block listener with a job generator.
type JobManager struct {
	cfg      *config.Config
	logger   *log.Logger
	listener *job.Listener

	blocks   atomic.Int64
	lastHash atomic.Value
}

// NewJobManager wires a generator over jobs and broker to a listener on the
// block topic. opts configure the generator.
func NewJobManager(cfg *config.Config, jobs store.JobStore, broker messaging.Broker, logger *log.Logger, opts ...job.Option) *JobManager {
	gen := job.NewGenerator(jobs, broker, cfg.TaskTopic, logger, opts...)

	jm := &JobManager{
		cfg:      cfg,
		logger:   logger.WithComponent("jobmanager"),
		listener: job.NewListener(broker, gen, cfg.BlockTopic, cfg.KafkaGroupID+"-jobmanager", logger),
	}
	jm.listener.OnBlock(jm.observe)
	return jm
}

func (jm *JobManager) observe(ev *messaging.BlockEvent) {
	jm.blocks.Add(1)
	jm.lastHash.Store(ev.Hash)
	jm.logger.Info("new block", "hash", ev.Hash, "height", ev.Height, "difficulty", ev.Difficulty)
}

// Start begins consuming block events.
func (jm *JobManager) Start(ctx context.Context) error {
	return jm.listener.Start(ctx)
}

// Shutdown stops the listener; no job is generated after it returns.
func (jm *JobManager) Shutdown() {
	jm.listener.Stop()
}

// BlocksSeen counts the decoded block events.
func (jm *JobManager) BlocksSeen() int64 {
	return jm.blocks.Load()
}

// LastBlock is the hash of the most recent block event, or "".
func (jm *JobManager) LastBlock() string {
	h, _ := jm.lastHash.Load().(string)
	return h
}
