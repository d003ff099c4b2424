package chain

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"zapps-voting/encryption"
	"zapps-voting/models"
)

// Reader translates external target ids into contract reads. It does not
// retry; callers own the retry policy.
type Reader struct {
	contract Contract
	log      logrus.FieldLogger

	mu     sync.Mutex
	params *models.VotingParameters
}

func NewReader(contract Contract, logger logrus.FieldLogger) *Reader {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reader{
		contract: contract,
		log:      logger.WithField("component", "chain_reader"),
	}
}

func (r *Reader) ContractAddress() common.Address {
	return r.contract.Address()
}

// GetTargetAggregate returns the merged aggregate for targetID. A target
// the contract has never seen yields an empty aggregate and no error.
func (r *Reader) GetTargetAggregate(ctx context.Context, targetID string) (models.TargetAggregate, error) {
	hash := encryption.DeriveTargetHash(targetID)
	empty := models.EmptyAggregate(targetID, hash)

	rec, err := r.contract.Target(ctx, hash)
	if err != nil {
		if IsNotFound(err) {
			return empty, nil
		}
		return empty, &models.ChainReadError{Op: "targets", Target: targetID, Err: err}
	}
	if !rec.Exists {
		return empty, nil
	}

	agg := models.TargetAggregate{
		TargetID:        targetID,
		Hash:            hash,
		TargetType:      rec.TargetType,
		EncryptedSum:    rec.EncryptedSum,
		EncryptedCount:  rec.EncryptedCount,
		DecryptedSum:    rec.DecryptedSum,
		DecryptedCount:  rec.DecryptedCount,
		LastDecryptTime: rec.LastDecryptTime,
		Exists:          true,
		CreatedAt:       rec.CreatedAt,
		TotalVotes:      rec.TotalVotes,
		LastVoteTime:    rec.LastVoteTime,
	}

	data, err := r.contract.TargetData(ctx, hash)
	switch {
	case err == nil:
		agg.UniqueVoters = data.UniqueVoters
	case IsNotFound(err):
	default:
		return empty, &models.ChainReadError{Op: "getTargetData", Target: targetID, Err: err}
	}

	if uint64(agg.DecryptedCount) > agg.TotalVotes {
		r.log.WithFields(logrus.Fields{
			"target":          targetID,
			"decrypted_count": agg.DecryptedCount,
			"total_votes":     agg.TotalVotes,
		}).Warn("Decrypted count exceeds total votes")
	}

	return agg, nil
}

// GetUserVoteInfo returns voter's counter on targetID. An unseen voter
// yields voteCount=0 and canVote=true.
func (r *Reader) GetUserVoteInfo(ctx context.Context, targetID string, voter common.Address) (models.UserVoteRecord, error) {
	hash := encryption.DeriveTargetHash(targetID)
	fresh := models.UserVoteRecord{TargetID: targetID, Voter: voter, CanVote: true}

	info, err := r.contract.UserVoteInfo(ctx, hash, voter)
	if err != nil {
		if IsNotFound(err) {
			return fresh, nil
		}
		return fresh, &models.ChainReadError{Op: "getUserVoteInfo", Target: targetID, Err: err}
	}

	info.TargetID = targetID
	info.Voter = voter
	return info, nil
}

// GetVotingParameters reads the contract constants once per Reader.
func (r *Reader) GetVotingParameters(ctx context.Context) (models.VotingParameters, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.params != nil {
		return *r.params, nil
	}

	params, err := r.contract.Constants(ctx)
	if err != nil {
		return params, &models.ChainReadError{Op: "constants", Err: err}
	}
	r.params = &params
	return params, nil
}

// ResetParameters drops the cached constants.
func (r *Reader) ResetParameters() {
	r.mu.Lock()
	r.params = nil
	r.mu.Unlock()
}

// IsNotFound reports whether err is the contract's "target not found"
// condition rather than a transport or decoding failure.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, models.ErrNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "target not found") ||
		strings.Contains(msg, "targetnotfound") ||
		strings.Contains(msg, "voter not found")
}
