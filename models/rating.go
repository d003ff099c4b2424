package models

import "time"

// CachedRating is the locally persisted last-known decrypted rating.
type CachedRating struct {
	DappID       string    `json:"dappId"`
	Average      float64   `json:"average"`
	Count        uint32    `json:"count"`
	UniqueVoters uint64    `json:"uniqueVoters"`
	LastUpdate   time.Time `json:"lastUpdate"`
}

// RatingSource tells a caller where a displayed rating came from.
type RatingSource string

const (
	SourceChain RatingSource = "chain"
	SourceCache RatingSource = "cache"
)

// Rating is what read surfaces bind to.
type Rating struct {
	TargetID          string       `json:"target_id"`
	Average           float64      `json:"average"`
	Count             uint32       `json:"count"`
	UniqueVoters      uint64       `json:"unique_voters"`
	TotalVotes        uint64       `json:"total_votes"`
	PendingDecryption uint64       `json:"pending_decryption"`
	Source            RatingSource `json:"source"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// RatingFromAggregate builds a chain-sourced rating.
func RatingFromAggregate(agg TargetAggregate, at time.Time) Rating {
	return Rating{
		TargetID:          agg.TargetID,
		Average:           agg.Average(),
		Count:             agg.DecryptedCount,
		UniqueVoters:      agg.UniqueVoters,
		TotalVotes:        agg.TotalVotes,
		PendingDecryption: agg.PendingDecryption(),
		Source:            SourceChain,
		UpdatedAt:         at,
	}
}

// RatingFromCache builds a cache-sourced rating.
func RatingFromCache(c CachedRating) Rating {
	return Rating{
		TargetID:     c.DappID,
		Average:      c.Average,
		Count:        c.Count,
		UniqueVoters: c.UniqueVoters,
		Source:       SourceCache,
		UpdatedAt:    c.LastUpdate,
	}
}
