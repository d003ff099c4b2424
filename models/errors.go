package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrRelayerUnavailable = errors.New("relayer unavailable: no signing credential")
	ErrDecryptionPending  = errors.New("vote recorded, decryption pending")
	ErrVoteLimitReached   = errors.New("vote limit reached for this target")
	ErrWalletNotConnected = errors.New("wallet not connected")
	ErrInvalidRating      = errors.New("invalid rating")
	ErrWorkflowBusy       = errors.New("a vote is already being submitted")
)

// ChainReadError is any contract read failure other than not-found.
type ChainReadError struct {
	Op     string
	Target string
	Err    error
}

func (e *ChainReadError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("chain read %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("chain read %s(%s): %v", e.Op, e.Target, e.Err)
}

func (e *ChainReadError) Unwrap() error { return e.Err }

// WalletError covers a missing wallet, rejected signature, insufficient
// balance or a reverted transaction.
type WalletError struct {
	Op  string
	Err error
}

func (e *WalletError) Error() string {
	return fmt.Sprintf("wallet %s: %v", e.Op, e.Err)
}

func (e *WalletError) Unwrap() error { return e.Err }
