// Package validation scores submitted shares against the target of the job
// they reference and records the outcome.
package validation

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/internal/store"
	"github.com/bardlex/poolcore/pkg/log"
)

// ShareValidator validates shares and records every outcome.
type ShareValidator struct {
	jobs   store.JobStore
	shares store.ShareStore
	now    func() time.Time
	logger *log.Logger
}

// NewShareValidator creates a validator reading targets from jobs and
// recording shares in shares.
func NewShareValidator(jobs store.JobStore, shares store.ShareStore, logger *log.Logger) *ShareValidator {
	return &ShareValidator{
		jobs:   jobs,
		shares: shares,
		now:    time.Now,
		logger: logger.WithComponent("share_validator"),
	}
}

// Validate reports whether the share meets its job's target. The verdict
// depends only on the share hash and the stored target: shares for unknown
// jobs are invalid, and field contents are hashed as text whatever they hold.
// Recording failures are logged and do not change the result.
func (v *ShareValidator) Validate(ctx context.Context, worker, jobID, extraNonce2, nTime, nonce string) bool {
	hash := ShareHash(extraNonce2, nTime, nonce)

	target, err := v.jobs.SelectTargetByJobID(ctx, jobID)
	if err != nil {
		if !stderrors.Is(err, store.ErrNotFound) {
			v.logger.WithJob(jobID).WithError(err).Error("failed to load job target")
		}
		target = ""
	}

	if !hexFields(extraNonce2, nTime, nonce) {
		v.logger.WithMiner(worker).WithJob(jobID).Debug("share fields are not hex",
			"extranonce2", extraNonce2, "ntime", nTime, "nonce", nonce)
	}

	valid := target != "" && MeetsTarget(hash, target)
	v.record(ctx, &store.Share{
		Worker:      worker,
		JobID:       jobID,
		ExtraNonce2: extraNonce2,
		NTime:       nTime,
		Nonce:       nonce,
		Hash:        hash,
		Target:      target,
		Valid:       valid,
	})
	return valid
}

// Reject records a share as invalid without consulting its job, for
// submissions the session is not allowed to make.
func (v *ShareValidator) Reject(ctx context.Context, worker, jobID, extraNonce2, nTime, nonce string) {
	v.record(ctx, &store.Share{
		Worker:      worker,
		JobID:       jobID,
		ExtraNonce2: extraNonce2,
		NTime:       nTime,
		Nonce:       nonce,
		Hash:        ShareHash(extraNonce2, nTime, nonce),
	})
}

func (v *ShareValidator) record(ctx context.Context, share *store.Share) {
	share.SubmittedAt = v.now()
	if err := v.shares.InsertShare(ctx, share); err != nil {
		v.logger.WithMiner(share.Worker).WithJob(share.JobID).WithError(err).Error("failed to record share")
	}
	v.logger.LogShareSubmission(share.Worker, share.JobID, share.Valid)
}

// ShareHash is the hex double SHA-256 of the concatenated submission fields
// taken as text.
func ShareHash(extraNonce2, nTime, nonce string) string {
	sum := bitcoin.DoubleSha256([]byte(extraNonce2 + nTime + nonce))
	return bitcoin.HexEncode(sum[:])
}

// MeetsTarget compares two 64-character hex strings; equal width makes the
// lexicographic order numeric.
func MeetsTarget(hash, target string) bool {
	if len(hash) != bitcoin.TargetHexLen || len(target) != bitcoin.TargetHexLen {
		return false
	}
	return strings.ToLower(hash) < strings.ToLower(target)
}

func hexFields(fields ...string) bool {
	for _, f := range fields {
		if !bitcoin.IsHex(f) {
			return false
		}
	}
	return true
}
