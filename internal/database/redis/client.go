// Package redis caches the current job, the online miner set and a sliding
// window of valid shares per account. The SQL store remains the source of
// truth; everything here can be rebuilt from it.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/bardlex/poolcore/internal/store"
	"github.com/bardlex/poolcore/pkg/errors"
)

const (
	currentJobKey   = "poolcore:current_job"
	onlineMinersKey = "poolcore:miners:online"
	shareKeyPrefix  = "poolcore:shares:"
)

// Client wraps Redis operations for the pool.
type Client struct {
	rdb    *redis.Client
	window time.Duration
}

// Config holds Redis connection configuration.
type Config struct {
	// URL is a redis:// connection string.
	URL string
	// ShareWindow is how long valid shares stay in the per-account window.
	ShareWindow time.Duration
	PoolSize    int
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Decode(err, "redis_connect", "invalid redis url")
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.DialTimeout = 5 * time.Second

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Transport(err, "redis_connect", "failed to ping redis")
	}

	window := cfg.ShareWindow
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Client{rdb: rdb, window: window}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// cachedJob is the JSON shape of the cached current job.
type cachedJob struct {
	ID            string `json:"job_id"`
	CoinbaseHex   string `json:"coinbase"`
	MerkleRootHex string `json:"merkle_root"`
	PrevBlockHash string `json:"prev_block"`
	TargetHex     string `json:"target"`
	LeadingZeros  int    `json:"leading_zeros"`
	CreatedAtUnix int64  `json:"created_at_unix"`
}

// SetCurrentJob caches job as the latest active job.
func (c *Client) SetCurrentJob(ctx context.Context, job *store.Job) error {
	data, err := sonic.Marshal(cachedJob{
		ID:            job.ID,
		CoinbaseHex:   job.CoinbaseHex,
		MerkleRootHex: job.MerkleRootHex,
		PrevBlockHash: job.PrevBlockHash,
		TargetHex:     job.TargetHex,
		LeadingZeros:  job.LeadingZeros,
		CreatedAtUnix: job.CreatedAt.UnixNano(),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "redis_set_job", "failed to marshal job")
	}
	if err := c.rdb.Set(ctx, currentJobKey, data, 0).Err(); err != nil {
		return errors.Transport(err, "redis_set_job", "failed to set current job")
	}
	return nil
}

// GetCurrentJob returns the cached job, or store.ErrNotFound on a miss.
func (c *Client) GetCurrentJob(ctx context.Context) (*store.Job, error) {
	data, err := c.rdb.Get(ctx, currentJobKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, store.ErrNotFound
		}
		return nil, errors.Transport(err, "redis_get_job", "failed to get current job")
	}

	var cj cachedJob
	if err := sonic.Unmarshal(data, &cj); err != nil {
		return nil, errors.Decode(err, "redis_get_job", "corrupt cached job")
	}
	return &store.Job{
		ID:            cj.ID,
		CoinbaseHex:   cj.CoinbaseHex,
		MerkleRootHex: cj.MerkleRootHex,
		PrevBlockHash: cj.PrevBlockHash,
		TargetHex:     cj.TargetHex,
		LeadingZeros:  cj.LeadingZeros,
		Status:        store.JobActive,
		CreatedAt:     time.Unix(0, cj.CreatedAtUnix),
	}, nil
}

// SetMinerOnline adds or removes username from the online set.
func (c *Client) SetMinerOnline(ctx context.Context, username string, online bool) error {
	var err error
	if online {
		err = c.rdb.SAdd(ctx, onlineMinersKey, username).Err()
	} else {
		err = c.rdb.SRem(ctx, onlineMinersKey, username).Err()
	}
	if err != nil {
		return errors.Transport(err, "redis_online", "failed to update online set").
			WithContext("username", username)
	}
	return nil
}

// OnlineMiners lists the usernames in the online set.
func (c *Client) OnlineMiners(ctx context.Context) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, onlineMinersKey).Result()
	if err != nil {
		return nil, errors.Transport(err, "redis_online", "failed to read online set")
	}
	return members, nil
}

// RecordValidShare adds a valid share of username at t to its window and
// trims entries older than the window.
func (c *Client) RecordValidShare(ctx context.Context, username, shareHash string, t time.Time) error {
	key := shareKey(username)
	score := float64(t.UnixMilli())
	cutoff := t.Add(-c.window).UnixMilli()

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: shareHash})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, key, c.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Transport(err, "redis_record_share", "failed to record share").
			WithContext("username", username)
	}
	return nil
}

// CountValidShares counts window entries of username at or after since.
func (c *Client) CountValidShares(ctx context.Context, username string, since time.Time) (int64, error) {
	n, err := c.rdb.ZCount(ctx, shareKey(username), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, errors.Transport(err, "redis_count_shares", "failed to count shares").
			WithContext("username", username)
	}
	return n, nil
}

// Window returns the share window length.
func (c *Client) Window() time.Duration {
	return c.window
}

func shareKey(username string) string {
	return fmt.Sprintf("%s%s", shareKeyPrefix, username)
}
