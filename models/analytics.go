package models

import "time"

// TargetStat is one row of the analytics rollup.
type TargetStat struct {
	TargetID          string    `json:"target_id"`
	TotalVotes        uint64    `json:"total_votes"`
	UniqueVoters      uint64    `json:"unique_voters"`
	PendingDecryption uint64    `json:"pending_decryption"`
	Average           float64   `json:"average"`
	CreatedAt         time.Time `json:"created_at"`
	LastVoteTime      time.Time `json:"last_vote_time"`
	Failed            bool      `json:"failed,omitempty"`
}

// SeriesPoint is one bucket of a display time series.
type SeriesPoint struct {
	Day   string `json:"day"`
	Value uint64 `json:"value"`
}

// AnalyticsSnapshot is the platform-wide rollup.
type AnalyticsSnapshot struct {
	GeneratedAt         time.Time     `json:"generated_at"`
	TotalTargets        int           `json:"total_targets"`
	FailedTargets       int           `json:"failed_targets"`
	TotalVotes          uint64        `json:"total_votes"`
	TotalUniqueVoters   uint64        `json:"total_unique_voters"`
	TotalEncryptedVotes uint64        `json:"total_encrypted_votes"`
	AverageRating       float64       `json:"average_rating"`
	TopTargets          []TargetStat  `json:"top_targets"`
	VotesTimeline       []SeriesPoint `json:"votes_timeline"`
	NewTargetsTimeline  []SeriesPoint `json:"new_targets_timeline"`
	FromCache           bool          `json:"from_cache"`
}
