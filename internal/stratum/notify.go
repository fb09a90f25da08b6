package stratum

import (
	"strconv"
	"time"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/internal/store"
)

// BlockVersion is the header version advertised with every job.
const BlockVersion = "20000000"

// NotifyParams represents mining.notify parameters
type NotifyParams struct {
	JobID        string
	PrevHash     string
	Coinb1       string
	Coinb2       string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool
}

// NewNotifyParams derives the notify fields of job at time now. The coinbase
// is split around its extranonce-carrying script.
func NewNotifyParams(job *store.Job, now time.Time) (*NotifyParams, error) {
	coinb1, coinb2, err := bitcoin.SplitCoinbase(job.CoinbaseHex)
	if err != nil {
		return nil, err
	}

	branch := []string{}
	if job.MerkleRootHex != "" {
		branch = append(branch, job.MerkleRootHex)
	}

	return &NotifyParams{
		JobID:        job.ID,
		PrevHash:     job.PrevBlockHash,
		Coinb1:       coinb1,
		Coinb2:       coinb2,
		MerkleBranch: branch,
		Version:      BlockVersion,
		NBits:        bitcoin.NBitsFromTarget(job.TargetHex),
		NTime:        strconv.FormatInt(now.Unix(), 16),
		CleanJobs:    true,
	}, nil
}

// Params returns the positional parameter list.
func (p *NotifyParams) Params() []any {
	return []any{
		p.JobID,
		p.PrevHash,
		p.Coinb1,
		p.Coinb2,
		p.MerkleBranch,
		p.Version,
		p.NBits,
		p.NTime,
		p.CleanJobs,
	}
}

// encodeNotify renders the complete notify line for job.
func encodeNotify(job *store.Job, now time.Time) ([]byte, error) {
	params, err := NewNotifyParams(job, now)
	if err != nil {
		return nil, err
	}
	return EncodeLine(NewNotification(MethodNotify, params.Params()))
}
