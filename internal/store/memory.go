package store

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Store. It backs the "memory" driver and tests.
type Memory struct {
	mu     sync.RWMutex
	jobs   []*Job
	byID   map[string]*Job
	miners map[string]*Miner
	shares []*Share
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		byID:   make(map[string]*Job),
		miners: make(map[string]*Miner),
	}
}

var _ Store = (*Memory)(nil)

// CreateJobTable is a no-op.
func (m *Memory) CreateJobTable(context.Context) error { return nil }

// CreateMinerTable is a no-op.
func (m *Memory) CreateMinerTable(context.Context) error { return nil }

// CreateShareTable is a no-op.
func (m *Memory) CreateShareTable(context.Context) error { return nil }

func (m *Memory) InsertJob(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[job.ID]; ok {
		return ErrDuplicateJob
	}
	for _, j := range m.jobs {
		j.Status = JobStale
	}
	stored := *job
	stored.Status = JobActive
	m.jobs = append(m.jobs, &stored)
	m.byID[stored.ID] = &stored
	job.Status = JobActive
	return nil
}

func (m *Memory) SelectLatestActiveJob(ctx context.Context) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Job
	for _, j := range m.jobs {
		if j.Status != JobActive {
			continue
		}
		if latest == nil || !j.CreatedAt.Before(latest.CreatedAt) {
			latest = j
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	out := *latest
	return &out, nil
}

func (m *Memory) SelectTargetByJobID(ctx context.Context, jobID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.byID[jobID]
	if !ok {
		return "", ErrNotFound
	}
	return j.TargetHex, nil
}

func (m *Memory) InsertMiner(ctx context.Context, miner *Miner) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.miners[miner.Username]; ok {
		return ErrDuplicateMiner
	}
	stored := *miner
	if stored.Status == "" {
		stored.Status = MinerOffline
	}
	m.miners[stored.Username] = &stored
	return nil
}

func (m *Memory) SelectMinerByUsername(ctx context.Context, username string) (*Miner, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	mn, ok := m.miners[username]
	if !ok {
		return nil, ErrNotFound
	}
	out := *mn
	return &out, nil
}

func (m *Memory) UpdateStatus(ctx context.Context, username string, status MinerStatus, lastSeen time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	mn, ok := m.miners[username]
	if !ok {
		return ErrNotFound
	}
	mn.Status = status
	mn.LastSeen = lastSeen
	return nil
}

func (m *Memory) InsertShare(ctx context.Context, share *Share) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *share
	m.shares = append(m.shares, &stored)
	return nil
}

func (m *Memory) CountValidShares(ctx context.Context, username string, since time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, s := range m.shares {
		if s.Valid && !s.SubmittedAt.Before(since) && BelongsTo(s.Worker, username) {
			n++
		}
	}
	return n, nil
}

// Shares returns a copy of every recorded share in insertion order.
func (m *Memory) Shares() []Share {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Share, len(m.shares))
	for i, s := range m.shares {
		out[i] = *s
	}
	return out
}

// Jobs returns a copy of every stored job in insertion order.
func (m *Memory) Jobs() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Job, len(m.jobs))
	for i, j := range m.jobs {
		out[i] = *j
	}
	return out
}
