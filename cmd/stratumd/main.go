// Package main implements stratumd, the miner-facing Stratum V1 server.
// It accepts miner connections, authorizes them against the miner registry,
// scores their shares and relays every mining task published by the job
// manager to subscribed sessions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/bardlex/poolcore/internal/config"
	"github.com/bardlex/poolcore/internal/database"
	"github.com/bardlex/poolcore/internal/messaging"
	"github.com/bardlex/poolcore/internal/miner"
	"github.com/bardlex/poolcore/internal/store"
	"github.com/bardlex/poolcore/internal/stratum"
	"github.com/bardlex/poolcore/internal/validation"
	"github.com/bardlex/poolcore/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting stratumd",
		"version", cfg.Version,
		"listen_addr", cfg.StratumAddr(),
		"store_driver", cfg.StoreDriver,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to open store")
		os.Exit(1)
	}

	broker := messaging.NewKafkaBroker(cfg.KafkaBrokers, cfg.PollTimeout, logger)

	var opts []stratum.ServerOption
	if db.Influx != nil {
		opts = append(opts, stratum.WithConnectionObserver(db.Influx.WriteConnection))
	}
	svc := NewService(cfg, db, broker, logger, opts...)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() { errChan <- svc.Start(ctx) }()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Error("server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	exitCode := 0
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		exitCode = 1
	}
	cancel()

	if err := broker.Close(); err != nil {
		logger.WithError(err).Error("failed to close broker")
	}
	if err := db.Close(); err != nil {
		logger.WithError(err).Error("failed to close store")
	}

	logger.Info("stratumd stopped")
	os.Exit(exitCode)
}

// Service wires the Stratum server to its store and broker.
type Service struct {
	cfg      *config.Config
	logger   *log.Logger
	broker   messaging.Broker
	registry *miner.Registry
	server   *stratum.Server
	acceptor *stratum.Acceptor

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService builds the session stack on top of db.
func NewService(cfg *config.Config, db store.Store, broker messaging.Broker, logger *log.Logger, opts ...stratum.ServerOption) *Service {
	registry := miner.NewRegistry(db, logger)
	validator := validation.NewShareValidator(db, db, logger)
	handler := stratum.NewHandler(db, registry, validator, logger,
		stratum.WithExtraNonce2Size(cfg.ExtraNonce2Size),
	)
	server := stratum.NewServer(handler, logger, opts...)

	return &Service{
		cfg:      cfg,
		logger:   logger.WithComponent("stratumd"),
		broker:   broker,
		registry: registry,
		server:   server,
		acceptor: stratum.NewAcceptor(server, cfg.MaxConnections, cfg.ReadTimeout, cfg.WriteTimeout, logger),
	}
}

// Start subscribes to the task topic and serves miners until ctx ends or
// Shutdown is called.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	sub, err := s.broker.Subscribe(ctx, s.cfg.TaskTopic, taskGroup(s.cfg))
	if err != nil {
		cancel()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = sub.Close() }()
		s.server.ConsumeTasks(ctx, sub)
	}()

	return s.acceptor.ListenAndServe(ctx, s.cfg.StratumAddr())
}

// Shutdown stops accepting, closes every session and waits for the task
// consumer.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server",
		"sessions", s.server.Sessions(),
		"online_miners", len(s.registry.Online()),
	)
	err := s.acceptor.Stop(ctx)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("task consumer did not stop before the deadline")
	}
	return err
}

// taskGroup gives every Stratum instance its own consumer group so that each
// one receives every task.
func taskGroup(cfg *config.Config) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-stratum-%s-%d", cfg.KafkaGroupID, host, cfg.ListenPort)
}
