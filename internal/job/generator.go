// Package job turns block events into mining jobs: it builds the coinbase
// and Merkle root, derives the target, persists the job and publishes it.
package job

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/internal/messaging"
	"github.com/bardlex/poolcore/internal/store"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
)

// maxIDAttempts bounds re-derivation of a job id after a store collision.
const maxIDAttempts = 8

// TransactionSource supplies the non-coinbase transactions of a job.
type TransactionSource interface {
	Transactions(ctx context.Context) ([]string, error)
}

// StaticTransactions is a fixed transaction list.
type StaticTransactions []string

// Transactions returns a copy of the list.
func (s StaticTransactions) Transactions(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// DefaultTransactions stands in for a mempool until block templates are
// sourced from the node.
var DefaultTransactions = StaticTransactions{
	"tx1: Alice -> Bob (0.1 BTC)",
	"tx2: Charlie -> Dave (0.05 BTC)",
	"tx3: Eve -> Frank (0.2 BTC)",
}

// Generator creates, stores and publishes jobs.
type Generator struct {
	jobs   store.JobStore
	broker messaging.Broker
	topic  string
	txs    TransactionSource
	now    func() time.Time
	logger *log.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithTransactions replaces DefaultTransactions.
func WithTransactions(src TransactionSource) Option {
	return func(g *Generator) { g.txs = src }
}

// NewGenerator creates a job generator.
//
// Parameters:
//   - jobs: persists every generated job and resolves id collisions
//   - broker: transport PushMiningTask publishes on
//   - topic: mining-task topic name
//   - logger: base logger; the generator adds its component name
//   - opts: clock and transaction source overrides
//
// Returns:
//   - *Generator: ready to use; it holds no goroutines
func NewGenerator(jobs store.JobStore, broker messaging.Broker, topic string, logger *log.Logger, opts ...Option) *Generator {
	g := &Generator{
		jobs:   jobs,
		broker: broker,
		topic:  topic,
		txs:    DefaultTransactions,
		now:    time.Now,
		logger: logger.WithComponent("job_generator"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateTask builds a job on top of prevHash at the given network
// difficulty, stores it as the active job and returns it with its task
// payload. A store failure is returned; the caller decides whether to retry.
func (g *Generator) GenerateTask(ctx context.Context, prevHash string, difficulty float64) (*store.Job, []byte, error) {
	start := time.Now()

	zeros, target, err := bitcoin.TargetFromDifficulty(difficulty)
	if err != nil {
		return nil, nil, err
	}

	ts := g.now()
	coinbase, err := bitcoin.BuildCoinbase(ts)
	if err != nil {
		return nil, nil, err
	}

	txs, err := g.txs.Transactions(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeInternal, "generate_task", "failed to load transactions")
	}
	leaves := make([]string, 0, len(txs)+1)
	leaves = append(leaves, coinbase)
	leaves = append(leaves, txs...)

	job := &store.Job{
		CoinbaseHex:   coinbase,
		MerkleRootHex: bitcoin.MerkleRoot(leaves),
		PrevBlockHash: prevHash,
		TargetHex:     target,
		LeadingZeros:  zeros,
		CreatedAt:     ts,
	}

	for salt := uint64(0); ; salt++ {
		job.ID = DeriveJobID(prevHash, ts.Unix(), salt)
		err = g.jobs.InsertJob(ctx, job)
		if err == nil {
			break
		}
		if !stderrors.Is(err, store.ErrDuplicateJob) {
			return nil, nil, errors.Store(err, "generate_task", "failed to store job").
				WithContext("job_id", job.ID)
		}
		if salt+1 >= maxIDAttempts {
			return nil, nil, errors.Store(err, "generate_task", "job id collisions exhausted").
				WithContext("attempts", maxIDAttempts)
		}
		g.logger.WithJob(job.ID).Warn("job id collision, re-deriving", "salt", salt+1)
	}

	payload, err := messaging.EncodeTask(&messaging.TaskMessage{
		JobID:            job.ID,
		PreviousHash:     job.PrevBlockHash,
		MerkleRoot:       job.MerkleRootHex,
		Timestamp:        ts.Unix(),
		Nonce:            0,
		DifficultyTarget: job.LeadingZeros,
		Target:           job.TargetHex,
		Coinbase:         job.CoinbaseHex,
	})
	if err != nil {
		return nil, nil, err
	}

	g.logger.WithJob(job.ID).Info("job generated",
		"prev_hash", prevHash,
		"difficulty", difficulty,
		"leading_zeros", zeros,
	)
	g.logger.LogDuration("generate_task", time.Since(start))
	return job, payload, nil
}

// PushMiningTask publishes payload for job. Failures are logged only.
func (g *Generator) PushMiningTask(ctx context.Context, job *store.Job, payload []byte) {
	if err := g.broker.Publish(ctx, g.topic, job.ID, payload); err != nil {
		g.logger.WithJob(job.ID).WithError(err).Error("failed to publish mining task", "topic", g.topic)
		return
	}
	g.logger.WithJob(job.ID).Debug("mining task published", "topic", g.topic)
}

// DeriveJobID hashes prevHash, the unix timestamp and salt into a 64-character
// hex id. Salt 0 is the first choice; higher salts resolve collisions.
func DeriveJobID(prevHash string, unixTs int64, salt uint64) string {
	d := xxhash.New()
	_, _ = d.WriteString(prevHash)
	_, _ = d.WriteString(strconv.FormatInt(unixTs, 10))
	_, _ = d.WriteString(strconv.FormatUint(salt, 10))
	return fmt.Sprintf("%064x", d.Sum64())
}
