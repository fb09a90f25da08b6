// Package store defines the persistent records of the pool and the
// contracts the job, miner and share tables are accessed through.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Lookup and uniqueness outcomes. Implementations return these unwrapped or
// wrapped so that errors.Is matches.
var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicateJob   = errors.New("job id already exists")
	ErrDuplicateMiner = errors.New("username already exists")
)

// JobStatus marks whether a job may still be mined.
type JobStatus string

// Job statuses.
const (
	JobActive JobStatus = "active"
	JobStale  JobStatus = "stale"
)

// Job is one unit of mining work handed to miners.
type Job struct {
	ID            string
	CoinbaseHex   string
	MerkleRootHex string
	PrevBlockHash string
	TargetHex     string
	LeadingZeros  int
	Status        JobStatus
	CreatedAt     time.Time
}

// MinerStatus is the connection state persisted for a miner account.
type MinerStatus string

// Miner statuses.
const (
	MinerOnline  MinerStatus = "online"
	MinerOffline MinerStatus = "offline"
)

// Miner is a registered pool account.
type Miner struct {
	Username string
	Password string
	Address  string
	Status   MinerStatus
	LastSeen time.Time
}

// Share is one validated submission.
type Share struct {
	Worker      string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
	Hash        string
	Target      string
	Valid       bool
	SubmittedAt time.Time
}

// JobStore persists jobs.
type JobStore interface {
	CreateJobTable(ctx context.Context) error
	// InsertJob stores job as the active job and marks older active jobs
	// stale. A reused id yields ErrDuplicateJob.
	InsertJob(ctx context.Context, job *Job) error
	// SelectLatestActiveJob yields ErrNotFound when no job is active.
	SelectLatestActiveJob(ctx context.Context) (*Job, error)
	// SelectTargetByJobID yields ErrNotFound for unknown ids.
	SelectTargetByJobID(ctx context.Context, jobID string) (string, error)
}

// MinerStore persists miner accounts.
type MinerStore interface {
	CreateMinerTable(ctx context.Context) error
	// InsertMiner yields ErrDuplicateMiner when the username is taken.
	InsertMiner(ctx context.Context, miner *Miner) error
	// SelectMinerByUsername yields ErrNotFound for unknown usernames.
	SelectMinerByUsername(ctx context.Context, username string) (*Miner, error)
	UpdateStatus(ctx context.Context, username string, status MinerStatus, lastSeen time.Time) error
}

// ShareStore persists shares.
type ShareStore interface {
	CreateShareTable(ctx context.Context) error
	InsertShare(ctx context.Context, share *Share) error
	// CountValidShares counts valid shares submitted at or after since by
	// the account username, including its "username.worker" workers.
	CountValidShares(ctx context.Context, username string, since time.Time) (int64, error)
}

// Store is the full persistence surface used by the services.
type Store interface {
	JobStore
	MinerStore
	ShareStore
}

// CreateTables creates every table s manages.
func CreateTables(ctx context.Context, s Store) error {
	if err := s.CreateJobTable(ctx); err != nil {
		return err
	}
	if err := s.CreateMinerTable(ctx); err != nil {
		return err
	}
	return s.CreateShareTable(ctx)
}

// AccountOf returns the account part of a "username.worker" name.
func AccountOf(worker string) string {
	if i := strings.IndexByte(worker, '.'); i >= 0 {
		return worker[:i]
	}
	return worker
}

// BelongsTo reports whether worker names the account username or one of its
// "username.suffix" workers.
func BelongsTo(worker, username string) bool {
	if worker == username {
		return true
	}
	return len(worker) > len(username) && worker[len(username)] == '.' && worker[:len(username)] == username
}
