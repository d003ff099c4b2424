package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// VoteState is a state of the vote workflow.
type VoteState string

const (
	StateIdle              VoteState = "idle"
	StateEncrypting        VoteState = "encrypting"
	StateSigning           VoteState = "signing"
	StateConfirming        VoteState = "confirming"
	StateDecryptingAverage VoteState = "decrypting_average"
	StateGettingRating     VoteState = "getting_rating"
	StateSuccess           VoteState = "success"
)

var stateOrder = map[VoteState]int{
	StateIdle:              0,
	StateEncrypting:        1,
	StateSigning:           2,
	StateConfirming:        3,
	StateDecryptingAverage: 4,
	StateGettingRating:     5,
	StateSuccess:           6,
}

// Precedes reports whether s comes strictly before next in the forward order.
func (s VoteState) Precedes(next VoteState) bool {
	return stateOrder[s] < stateOrder[next]
}

// VoteOutcome is how a submission ended.
type VoteOutcome string

const (
	OutcomeSuccess           VoteOutcome = "success"
	OutcomeDecryptionPending VoteOutcome = "decryption_pending"
	OutcomeFailed            VoteOutcome = "failed"
)

// VoteResult is reported to the caller once a submission terminates
// without error.
type VoteResult struct {
	TargetID      string         `json:"target_id"`
	Voter         common.Address `json:"voter"`
	Rating        uint32         `json:"rating"`
	TxHash        common.Hash    `json:"tx_hash"`
	Outcome       VoteOutcome    `json:"outcome"`
	Average       float64        `json:"average"`
	Count         uint32         `json:"count"`
	UniqueVoters  uint64         `json:"unique_voters"`
	PollAttempts  int            `json:"poll_attempts"`
	ResolvedFast  bool           `json:"resolved_fast"`
	CompletedAt   time.Time      `json:"completed_at"`
	StatesVisited []VoteState    `json:"states_visited"`
}

// Err reports ErrDecryptionPending for a vote that was mined but whose new
// average is not known yet, and nil otherwise.
func (r VoteResult) Err() error {
	if r.Outcome == OutcomeDecryptionPending {
		return ErrDecryptionPending
	}
	return nil
}

// JobStatus tracks a queued vote submission.
type JobStatus struct {
	ID        string      `json:"id"`
	TargetID  string      `json:"target_id"`
	State     VoteState   `json:"state"`
	Outcome   VoteOutcome `json:"outcome,omitempty"`
	Result    *VoteResult `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	Done      bool        `json:"done"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}
