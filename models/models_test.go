package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestAggregatePendingDecryption(t *testing.T) {
	tests := []struct {
		name      string
		total     uint64
		decrypted uint32
		want      uint64
	}{
		{"no votes", 0, 0, 0},
		{"nothing decrypted", 4, 0, 4},
		{"partially decrypted", 10, 7, 3},
		{"fully decrypted", 3, 3, 0},
		{"inconsistent source", 2, 5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := TargetAggregate{TotalVotes: tt.total, DecryptedCount: tt.decrypted}
			if got := agg.PendingDecryption(); got != tt.want {
				t.Errorf("PendingDecryption() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAggregateAverageIsRaw(t *testing.T) {
	agg := TargetAggregate{DecryptedSum: 12, DecryptedCount: 3}
	if got := agg.Average(); got != 4.0 {
		t.Errorf("Average() = %v, want 4.0", got)
	}

	// scores above 5 are not rescaled here
	agg = TargetAggregate{DecryptedSum: 27, DecryptedCount: 3}
	if got := agg.Average(); got != 9.0 {
		t.Errorf("Average() = %v, want 9.0", got)
	}

	if got := (TargetAggregate{}).Average(); got != 0 {
		t.Errorf("empty Average() = %v, want 0", got)
	}
}

func TestEmptyAggregate(t *testing.T) {
	hash := common.HexToHash("0x01")
	agg := EmptyAggregate("t1", hash)
	if agg.Exists || agg.TotalVotes != 0 || agg.DecryptedCount != 0 || agg.Average() != 0 {
		t.Fatalf("EmptyAggregate() = %+v, want zero counters", agg)
	}
	if agg.TargetID != "t1" || agg.Hash != hash {
		t.Errorf("EmptyAggregate() lost identity: %+v", agg)
	}
}

func TestVoteStatePrecedes(t *testing.T) {
	order := []VoteState{
		StateIdle, StateEncrypting, StateSigning, StateConfirming,
		StateDecryptingAverage, StateGettingRating, StateSuccess,
	}
	for i := 1; i < len(order); i++ {
		if !order[i-1].Precedes(order[i]) {
			t.Errorf("%s should precede %s", order[i-1], order[i])
		}
		if order[i].Precedes(order[i-1]) {
			t.Errorf("%s should not precede %s", order[i], order[i-1])
		}
	}
}

func TestErrorWrapping(t *testing.T) {
	inner := errors.New("dial tcp: refused")
	var err error = &ChainReadError{Op: "targets", Target: "t1", Err: inner}
	wrapped := fmt.Errorf("fetch: %w", err)

	var cre *ChainReadError
	if !errors.As(wrapped, &cre) {
		t.Fatal("errors.As should find ChainReadError")
	}
	if !errors.Is(wrapped, inner) {
		t.Error("ChainReadError should unwrap to its cause")
	}

	werr := fmt.Errorf("submit: %w", &WalletError{Op: "send", Err: ErrWalletNotConnected})
	if !errors.Is(werr, ErrWalletNotConnected) {
		t.Error("WalletError should unwrap to its cause")
	}
}

func TestLedgerChainValidation(t *testing.T) {
	genesis := NewBlock(0, 100, []byte("genesis"), common.Hash{}, 1)
	next := NewBlock(1, 100, []byte(`{"method":"vote"}`), genesis.Hash, 1)
	chain := []*Block{genesis, next}

	if !ValidateChain(chain) {
		t.Fatal("freshly mined chain should validate")
	}
	if genesis.Hash[0] != 0 {
		t.Errorf("difficulty 1 block hash should start with a zero byte, got %x", genesis.Hash[0])
	}

	next.Data = []byte("tampered")
	if ValidateChain(chain) {
		t.Error("tampered block should fail validation")
	}
}

func TestVoteResultErr(t *testing.T) {
	tests := []struct {
		outcome VoteOutcome
		want    error
	}{
		{OutcomeSuccess, nil},
		{OutcomeFailed, nil},
		{OutcomeDecryptionPending, ErrDecryptionPending},
	}
	for _, tt := range tests {
		if got := (VoteResult{Outcome: tt.outcome}).Err(); !errors.Is(got, tt.want) || (tt.want == nil && got != nil) {
			t.Errorf("Err() for %s = %v, want %v", tt.outcome, got, tt.want)
		}
	}
}
