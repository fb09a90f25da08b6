package sqlstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/bardlex/poolcore/internal/store"
	"github.com/bardlex/poolcore/pkg/errors"
)

// CreateJobTable creates the jobs table and its indexes.
func (s *Store) CreateJobTable(ctx context.Context) error {
	if err := s.exec(ctx, "create_job_table", `
		CREATE TABLE IF NOT EXISTS jobs (
			`+s.autoID()+`,
			job_id TEXT NOT NULL UNIQUE,
			coinbase TEXT NOT NULL,
			merkle_root TEXT NOT NULL,
			prev_block TEXT NOT NULL,
			target TEXT NOT NULL,
			leading_zeros INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at_unix BIGINT NOT NULL
		)`); err != nil {
		return err
	}
	return s.exec(ctx, "create_job_table",
		`CREATE INDEX IF NOT EXISTS jobs_status_created_idx ON jobs (status, created_at_unix)`)
}

// InsertJob stores job and marks every previously active job stale in the
// same transaction.
func (s *Store) InsertJob(ctx context.Context, job *store.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Store(err, "insert_job", "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE jobs SET status = ? WHERE status = ?`),
		string(store.JobStale), string(store.JobActive)); err != nil {
		return errors.Store(err, "insert_job", "failed to retire active jobs")
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO jobs (job_id, coinbase, merkle_root, prev_block, target, leading_zeros, status, created_at_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.CoinbaseHex, job.MerkleRootHex, job.PrevBlockHash, job.TargetHex,
		job.LeadingZeros, string(store.JobActive), toUnix(job.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateJob
		}
		return errors.Store(err, "insert_job", "failed to insert job").WithContext("job_id", job.ID)
	}

	if err := tx.Commit(); err != nil {
		return errors.Store(err, "insert_job", "failed to commit")
	}
	job.Status = store.JobActive
	return nil
}

// SelectLatestActiveJob returns the newest active job.
func (s *Store) SelectLatestActiveJob(ctx context.Context) (*store.Job, error) {
	query := `
		SELECT job_id, coinbase, merkle_root, prev_block, target, leading_zeros, status, created_at_unix
		FROM jobs WHERE status = ?
		ORDER BY created_at_unix DESC, id DESC
		LIMIT 1`

	var (
		job     store.Job
		status  string
		created int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(query), string(store.JobActive)).Scan(
		&job.ID, &job.CoinbaseHex, &job.MerkleRootHex, &job.PrevBlockHash,
		&job.TargetHex, &job.LeadingZeros, &status, &created,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Store(err, "select_latest_job", "failed to get latest job")
	}

	job.Status = store.JobStatus(status)
	job.CreatedAt = fromUnix(created)
	return &job, nil
}

// SelectTargetByJobID returns the target of any job, active or stale.
func (s *Store) SelectTargetByJobID(ctx context.Context, jobID string) (string, error) {
	var target string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT target FROM jobs WHERE job_id = ?`), jobID).Scan(&target)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", errors.Store(err, "select_target", "failed to get job target").WithContext("job_id", jobID)
	}
	return target, nil
}

// CreateMinerTable creates the miners table.
func (s *Store) CreateMinerTable(ctx context.Context) error {
	return s.exec(ctx, "create_miner_table", `
		CREATE TABLE IF NOT EXISTS miners (
			`+s.autoID()+`,
			username TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			address TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'offline',
			last_seen_unix BIGINT NOT NULL DEFAULT 0
		)`)
}

// InsertMiner registers a miner account.
func (s *Store) InsertMiner(ctx context.Context, miner *store.Miner) error {
	status := miner.Status
	if status == "" {
		status = store.MinerOffline
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO miners (username, password, address, status, last_seen_unix)
		VALUES (?, ?, ?, ?, ?)`),
		miner.Username, miner.Password, miner.Address, string(status), toUnix(miner.LastSeen),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateMiner
		}
		return errors.Store(err, "insert_miner", "failed to insert miner").WithContext("username", miner.Username)
	}
	miner.Status = status
	return nil
}

// SelectMinerByUsername loads a miner account.
func (s *Store) SelectMinerByUsername(ctx context.Context, username string) (*store.Miner, error) {
	var (
		miner    store.Miner
		status   string
		lastSeen int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT username, password, address, status, last_seen_unix
		FROM miners WHERE username = ?`), username).Scan(
		&miner.Username, &miner.Password, &miner.Address, &status, &lastSeen,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Store(err, "select_miner", "failed to get miner").WithContext("username", username)
	}

	miner.Status = store.MinerStatus(status)
	miner.LastSeen = fromUnix(lastSeen)
	return &miner, nil
}

// UpdateStatus sets a miner's status and last-seen time.
func (s *Store) UpdateStatus(ctx context.Context, username string, status store.MinerStatus, lastSeen time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE miners SET status = ?, last_seen_unix = ? WHERE username = ?`),
		string(status), toUnix(lastSeen), username)
	if err != nil {
		return errors.Store(err, "update_miner_status", "failed to update miner").WithContext("username", username)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateShareTable creates the shares table.
func (s *Store) CreateShareTable(ctx context.Context) error {
	if err := s.exec(ctx, "create_share_table", `
		CREATE TABLE IF NOT EXISTS shares (
			`+s.autoID()+`,
			worker TEXT NOT NULL,
			job_id TEXT NOT NULL,
			extranonce2 TEXT NOT NULL,
			ntime TEXT NOT NULL,
			nonce TEXT NOT NULL,
			hash TEXT NOT NULL,
			target TEXT NOT NULL,
			valid BOOLEAN NOT NULL,
			submitted_at_unix BIGINT NOT NULL
		)`); err != nil {
		return err
	}
	return s.exec(ctx, "create_share_table",
		`CREATE INDEX IF NOT EXISTS shares_worker_time_idx ON shares (worker, submitted_at_unix)`)
}

// InsertShare records a share.
func (s *Store) InsertShare(ctx context.Context, share *store.Share) error {
	return s.exec(ctx, "insert_share", `
		INSERT INTO shares (worker, job_id, extranonce2, ntime, nonce, hash, target, valid, submitted_at_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		share.Worker, share.JobID, share.ExtraNonce2, share.NTime, share.Nonce,
		share.Hash, share.Target, share.Valid, toUnix(share.SubmittedAt),
	)
}

// CountValidShares counts valid shares of username and its dotted workers.
func (s *Store) CountValidShares(ctx context.Context, username string, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM shares
		WHERE valid = ? AND submitted_at_unix >= ?
		AND (worker = ? OR substr(worker, 1, ?) = ?)`),
		true, toUnix(since), username, len(username)+1, username+".",
	).Scan(&n)
	if err != nil {
		return 0, errors.Store(err, "count_valid_shares", "failed to count shares").WithContext("username", username)
	}
	return n, nil
}
