// Package database coordinates the pool's persistence backends: the SQL
// store of record plus the optional Redis cache and InfluxDB metrics.
package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/bardlex/poolcore/internal/config"
	"github.com/bardlex/poolcore/internal/database/influx"
	"github.com/bardlex/poolcore/internal/database/redis"
	"github.com/bardlex/poolcore/internal/database/sqlstore"
	"github.com/bardlex/poolcore/internal/store"
	"github.com/bardlex/poolcore/pkg/circuit"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
	"github.com/bardlex/poolcore/pkg/retry"
)

// Closer is implemented by backends holding connections.
type Closer interface {
	Close() error
}

// Manager implements store.Store on top of a primary store, guarding every
// call with a circuit breaker and retry policy. Successful writes are
// mirrored to Redis and InfluxDB when those are configured; mirror failures
// are logged and never fail the call.
type Manager struct {
	primary store.Store
	Redis   *redis.Client
	Influx  *influx.Client

	logger  *log.Logger
	breaker *circuit.Breaker
	policy  *retry.Policy
}

var _ store.Store = (*Manager)(nil)

// NewManager wraps primary. redisClient and influxClient may be nil.
func NewManager(primary store.Store, redisClient *redis.Client, influxClient *influx.Client, logger *log.Logger) *Manager {
	return &Manager{
		primary: primary,
		Redis:   redisClient,
		Influx:  influxClient,
		logger:  logger.WithComponent("database"),
		breaker: circuit.New(circuit.DefaultConfig("store")),
		policy:  retry.StorePolicy(),
	}
}

// Open builds the backends named by cfg and creates the tables.
func Open(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Manager, error) {
	var primary store.Store
	switch cfg.StoreDriver {
	case config.DriverMemory:
		primary = store.NewMemory()
	default:
		sql, err := sqlstore.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
		if err != nil {
			return nil, err
		}
		primary = sql
	}

	var (
		redisClient  *redis.Client
		influxClient *influx.Client
		err          error
	)
	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(ctx, &redis.Config{URL: cfg.RedisURL, ShareWindow: cfg.HashrateWindow})
		if err != nil {
			closeStore(primary)
			return nil, err
		}
	}
	if cfg.InfluxURL != "" {
		influxClient, err = influx.NewClient(ctx, &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}, logger)
		if err != nil {
			closeStore(primary)
			if redisClient != nil {
				_ = redisClient.Close()
			}
			return nil, err
		}
	}

	m := NewManager(primary, redisClient, influxClient, logger)
	if err := store.CreateTables(ctx, m); err != nil {
		_ = m.Close()
		return nil, err
	}

	m.logger.Info("store ready",
		"driver", cfg.StoreDriver,
		"redis", redisClient != nil,
		"influx", influxClient != nil,
	)
	return m, nil
}

func closeStore(s store.Store) {
	if c, ok := s.(Closer); ok {
		_ = c.Close()
	}
}

// Close closes every backend.
func (m *Manager) Close() error {
	var errs []error
	if c, ok := m.primary.(Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close error: %w", err))
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if m.Influx != nil {
		m.Influx.Close()
	}
	return stderrors.Join(errs...)
}

// Health checks the store and the optional backends. An open store breaker
// counts as unhealthy.
func (m *Manager) Health(ctx context.Context) error {
	if state := m.BreakerState(); state == circuit.StateOpen {
		return errors.New(errors.ErrorTypeStore, "health", "store circuit breaker is open").
			WithContext("breaker", state.String())
	}
	if h, ok := m.primary.(interface{ Health(context.Context) error }); ok {
		if err := h.Health(ctx); err != nil {
			return errors.Store(err, "health", "store health check failed")
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return errors.Transport(err, "health", "redis health check failed")
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return err
		}
	}
	return nil
}

// isOutcome reports whether err is a regular lookup or uniqueness result
// that must neither trip the breaker nor be retried.
func isOutcome(err error) bool {
	return stderrors.Is(err, store.ErrNotFound) ||
		stderrors.Is(err, store.ErrDuplicateJob) ||
		stderrors.Is(err, store.ErrDuplicateMiner)
}

func guard[T any](ctx context.Context, m *Manager, fn func() (T, error)) (T, error) {
	var outcome error
	res, err := circuit.ExecuteWithResult(ctx, m.breaker, func() (T, error) {
		return retry.DoWithResult(ctx, m.policy, func() (T, error) {
			res, err := fn()
			if isOutcome(err) {
				outcome = err
				return res, nil
			}
			return res, err
		})
	})
	if err != nil {
		return res, err
	}
	return res, outcome
}

func (m *Manager) guardErr(ctx context.Context, fn func() error) error {
	_, err := guard(ctx, m, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// CreateJobTable creates the jobs table.
func (m *Manager) CreateJobTable(ctx context.Context) error {
	return m.guardErr(ctx, func() error { return m.primary.CreateJobTable(ctx) })
}

// CreateMinerTable creates the miners table.
func (m *Manager) CreateMinerTable(ctx context.Context) error {
	return m.guardErr(ctx, func() error { return m.primary.CreateMinerTable(ctx) })
}

// CreateShareTable creates the shares table.
func (m *Manager) CreateShareTable(ctx context.Context) error {
	return m.guardErr(ctx, func() error { return m.primary.CreateShareTable(ctx) })
}

// InsertJob stores job, then caches it as the current job.
func (m *Manager) InsertJob(ctx context.Context, job *store.Job) error {
	if err := m.guardErr(ctx, func() error { return m.primary.InsertJob(ctx, job) }); err != nil {
		return err
	}

	if m.Redis != nil {
		if err := m.Redis.SetCurrentJob(ctx, job); err != nil {
			m.logger.WithJob(job.ID).WithError(err).Warn("failed to cache current job")
		}
	}
	if m.Influx != nil {
		m.Influx.WriteJob(job)
	}
	return nil
}

// SelectLatestActiveJob serves from the Redis cache when it is populated and
// falls back to the store.
func (m *Manager) SelectLatestActiveJob(ctx context.Context) (*store.Job, error) {
	if m.Redis != nil {
		job, err := m.Redis.GetCurrentJob(ctx)
		if err == nil {
			return job, nil
		}
		if !stderrors.Is(err, store.ErrNotFound) {
			m.logger.WithError(err).Warn("current job cache unavailable")
		}
	}
	return guard(ctx, m, func() (*store.Job, error) { return m.primary.SelectLatestActiveJob(ctx) })
}

// SelectTargetByJobID returns the target recorded for jobID.
func (m *Manager) SelectTargetByJobID(ctx context.Context, jobID string) (string, error) {
	return guard(ctx, m, func() (string, error) { return m.primary.SelectTargetByJobID(ctx, jobID) })
}

// InsertMiner registers a miner.
func (m *Manager) InsertMiner(ctx context.Context, miner *store.Miner) error {
	return m.guardErr(ctx, func() error { return m.primary.InsertMiner(ctx, miner) })
}

// SelectMinerByUsername loads a miner.
func (m *Manager) SelectMinerByUsername(ctx context.Context, username string) (*store.Miner, error) {
	return guard(ctx, m, func() (*store.Miner, error) { return m.primary.SelectMinerByUsername(ctx, username) })
}

// UpdateStatus persists a miner's status and mirrors it into the online set.
func (m *Manager) UpdateStatus(ctx context.Context, username string, status store.MinerStatus, lastSeen time.Time) error {
	if err := m.guardErr(ctx, func() error { return m.primary.UpdateStatus(ctx, username, status, lastSeen) }); err != nil {
		return err
	}
	if m.Redis != nil {
		if err := m.Redis.SetMinerOnline(ctx, username, status == store.MinerOnline); err != nil {
			m.logger.WithMiner(username).WithError(err).Warn("failed to mirror miner status")
		}
	}
	return nil
}

// InsertShare records share and mirrors it into the hashrate window and
// the share series.
func (m *Manager) InsertShare(ctx context.Context, share *store.Share) error {
	if err := m.guardErr(ctx, func() error { return m.primary.InsertShare(ctx, share) }); err != nil {
		return err
	}
	if m.Redis != nil && share.Valid {
		if err := m.Redis.RecordValidShare(ctx, store.AccountOf(share.Worker), share.Hash, share.SubmittedAt); err != nil {
			m.logger.WithMiner(share.Worker).WithError(err).Warn("failed to update share window")
		}
	}
	if m.Influx != nil {
		m.Influx.WriteShare(share)
	}
	return nil
}

// CountValidShares counts valid shares of username since the given time.
// Counts inside the Redis share window are served from the cache.
func (m *Manager) CountValidShares(ctx context.Context, username string, since time.Time) (int64, error) {
	if m.Redis != nil && !since.IsZero() && time.Since(since) <= m.Redis.Window() {
		n, err := m.Redis.CountValidShares(ctx, username, since)
		if err == nil {
			return n, nil
		}
		m.logger.WithMiner(username).WithError(err).Warn("share window unavailable")
	}
	return guard(ctx, m, func() (int64, error) { return m.primary.CountValidShares(ctx, username, since) })
}

// BreakerState exposes the store breaker position.
func (m *Manager) BreakerState() circuit.State {
	return m.breaker.State()
}
