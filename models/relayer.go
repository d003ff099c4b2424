package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Relayer log events.
const (
	EventRelayerStarted      = "relayer_started"
	EventRelayerStopped      = "relayer_stopped"
	EventTargetWatched       = "target_watched"
	EventTargetUnwatched     = "target_unwatched"
	EventTargetChecked       = "target_checked"
	EventDecryptionRequested = "decryption_requested"
	EventDecryptionFailed    = "decryption_failed"
	EventFastDecryptHit      = "fast_decrypt_success"
	EventFastDecryptMiss     = "fast_decrypt_miss"
	EventNothingPending      = "nothing_pending"
	EventError               = "error"
)

// LogEntry is one record in the relayer's audit stream.
type LogEntry struct {
	Seq       uint64                 `json:"seq"`
	Event     string                 `json:"event"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// RelayerState is a snapshot of the automated relayer.
type RelayerState struct {
	Available      bool           `json:"available"`
	Address        common.Address `json:"address"`
	IsRunning      bool           `json:"is_running"`
	WatchedTargets []string       `json:"watched_targets"`
	LastActionLog  []LogEntry     `json:"last_action_log"`
}

// TargetStatus is the cheap status check result of RelayerClient.CheckTarget.
type TargetStatus struct {
	TargetID          string      `json:"target_id"`
	Hash              common.Hash `json:"hash"`
	Exists            bool        `json:"exists"`
	TotalVotes        uint64      `json:"total_votes"`
	DecryptedCount    uint32      `json:"decrypted_count"`
	PendingDecryption uint64      `json:"pending_decryption"`
	Average           float64     `json:"average"`
}

// FastDecryptResult is the best-effort outcome of a fast decrypt.
type FastDecryptResult struct {
	Success     bool         `json:"success"`
	ClearValues *ClearValues `json:"clear_values,omitempty"`
}
