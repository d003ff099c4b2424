package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TargetType distinguishes what kind of object a rating target is.
type TargetType uint8

const (
	TargetTypeDApp TargetType = iota
	TargetTypeCampaign
	TargetTypeQuest
)

// TargetRecord mirrors the contract's public `targets(bytes32)` getter.
type TargetRecord struct {
	TargetType      TargetType
	EncryptedSum    common.Hash
	EncryptedCount  common.Hash
	DecryptedSum    uint32
	DecryptedCount  uint32
	LastDecryptTime time.Time
	Exists          bool
	CreatedAt       time.Time
	TotalVotes      uint64
	LastVoteTime    time.Time
}

// TargetData mirrors `getTargetData(bytes32)`.
type TargetData struct {
	TargetType   TargetType
	Sum          uint32
	Count        uint32
	Average      uint32
	TotalVotes   uint64
	UniqueVoters uint64
	LastUpdate   time.Time
}

// TargetAggregate is the merged on-chain view of one target.
type TargetAggregate struct {
	TargetID        string      `json:"target_id"`
	Hash            common.Hash `json:"hash"`
	TargetType      TargetType  `json:"target_type"`
	EncryptedSum    common.Hash `json:"encrypted_sum"`
	EncryptedCount  common.Hash `json:"encrypted_count"`
	DecryptedSum    uint32      `json:"decrypted_sum"`
	DecryptedCount  uint32      `json:"decrypted_count"`
	LastDecryptTime time.Time   `json:"last_decrypt_time"`
	Exists          bool        `json:"exists"`
	CreatedAt       time.Time   `json:"created_at"`
	TotalVotes      uint64      `json:"total_votes"`
	LastVoteTime    time.Time   `json:"last_vote_time"`
	UniqueVoters    uint64      `json:"unique_voters"`
}

// EmptyAggregate is what a target with no on-chain record looks like.
func EmptyAggregate(targetID string, hash common.Hash) TargetAggregate {
	return TargetAggregate{TargetID: targetID, Hash: hash}
}

// PendingDecryption is the number of votes not yet reflected in the
// decrypted counters. A misbehaving source reporting more decrypted votes
// than total votes yields zero rather than wrapping.
func (a TargetAggregate) PendingDecryption() uint64 {
	if uint64(a.DecryptedCount) >= a.TotalVotes {
		return 0
	}
	return a.TotalVotes - uint64(a.DecryptedCount)
}

// Average returns decryptedSum/decryptedCount, or 0 when nothing is decrypted.
func (a TargetAggregate) Average() float64 {
	if a.DecryptedCount == 0 {
		return 0
	}
	return float64(a.DecryptedSum) / float64(a.DecryptedCount)
}

// UserVoteRecord is the per (target, voter) counter.
type UserVoteRecord struct {
	TargetID   string         `json:"target_id"`
	Voter      common.Address `json:"voter"`
	VoteCount  uint64         `json:"vote_count"`
	Timestamps []time.Time    `json:"timestamps"`
	CanVote    bool           `json:"can_vote"`
}

// VotingParameters are the contract constants.
type VotingParameters struct {
	MaxVotesPerTarget uint64   `json:"max_votes_per_target"`
	MinRating         uint32   `json:"min_rating"`
	MaxRating         uint32   `json:"max_rating"`
	PricePerVote      *big.Int `json:"price_per_vote"`
}

// ClearValues are the cleartext sum and count of an encrypted aggregate.
type ClearValues struct {
	Sum   uint32 `json:"sum"`
	Count uint32 `json:"count"`
}

func (c ClearValues) Average() float64 {
	if c.Count == 0 {
		return 0
	}
	return float64(c.Sum) / float64(c.Count)
}
