package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"zapps-voting/chain"
	"zapps-voting/models"
	"zapps-voting/registry"
	"zapps-voting/storage"
)

const (
	analyticsSnapshotKey = "analytics:snapshot"
	timelineDays         = 7
	dayLayout            = "2006-01-02"
)

type AnalyticsOptions struct {
	TTL         time.Duration
	TopN        int
	Concurrency int
}

func DefaultAnalyticsOptions() AnalyticsOptions {
	return AnalyticsOptions{
		TTL:         storage.AnalyticsFreshness,
		TopN:        5,
		Concurrency: 8,
	}
}

// AnalyticsAggregator rolls every known target into one platform snapshot.
// The last good snapshot is kept in the store and served while it is
// younger than the TTL, or whenever a fresh rollup cannot be produced.
type AnalyticsAggregator struct {
	reader  *chain.Reader
	targets registry.TargetSource
	store   storage.Store
	metrics *MetricsCollector
	opts    AnalyticsOptions
	now     func() time.Time
	log     logrus.FieldLogger

	mu sync.Mutex
}

func NewAnalyticsAggregator(reader *chain.Reader, targets registry.TargetSource, store storage.Store, metrics *MetricsCollector, opts AnalyticsOptions, logger logrus.FieldLogger) *AnalyticsAggregator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	def := DefaultAnalyticsOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.TopN <= 0 {
		opts.TopN = def.TopN
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	return &AnalyticsAggregator{
		reader:  reader,
		targets: targets,
		store:   store,
		metrics: metrics,
		opts:    opts,
		now:     time.Now,
		log:     logger.WithField("component", "analytics"),
	}
}

// SetClock replaces the wall clock used for the TTL and the timelines.
func (a *AnalyticsAggregator) SetClock(now func() time.Time) {
	a.now = now
}

// FetchAll returns the platform rollup. A cached snapshot younger than the
// TTL is returned as is. Targets that fail to read count as zero. When the
// target list cannot be read, or every target fails, the last snapshot is
// served with FromCache set; only then is a missing snapshot an error.
func (a *AnalyticsAggregator) FetchAll(ctx context.Context) (models.AnalyticsSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	cached, cacheErr := a.loadSnapshot(ctx)
	if cacheErr == nil && a.now().Sub(cached.GeneratedAt) < a.opts.TTL {
		cached.FromCache = true
		a.metrics.RecordAnalytics("cache", time.Since(start))
		return cached, nil
	}

	snap, err := a.rollup(ctx)
	if err != nil {
		if cacheErr != nil {
			return models.AnalyticsSnapshot{}, fmt.Errorf("analytics unavailable: %w", err)
		}
		a.log.WithError(err).Warn("Analytics rollup failed, serving last snapshot")
		cached.FromCache = true
		a.metrics.RecordAnalytics("cache", time.Since(start))
		return cached, nil
	}

	if err := a.saveSnapshot(ctx, snap); err != nil {
		a.log.WithError(err).Warn("Failed to persist analytics snapshot")
	}
	a.metrics.RecordAnalytics("chain", time.Since(start))
	return snap, nil
}

// Invalidate drops the stored snapshot so the next FetchAll reads the chain.
func (a *AnalyticsAggregator) Invalidate(ctx context.Context) error {
	err := a.store.Delete(ctx, analyticsSnapshotKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (a *AnalyticsAggregator) rollup(ctx context.Context) (models.AnalyticsSnapshot, error) {
	ids, err := a.targets.ListTargetIDs(ctx)
	if err != nil {
		return models.AnalyticsSnapshot{}, fmt.Errorf("list targets: %w", err)
	}

	stats := make([]models.TargetStat, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			agg, err := a.reader.GetTargetAggregate(gctx, id)
			if err != nil {
				a.log.WithError(err).WithField("target", id).Warn("Failed to read target for analytics")
				stats[i] = models.TargetStat{TargetID: id, Failed: true}
				return nil
			}
			stats[i] = models.TargetStat{
				TargetID:          id,
				TotalVotes:        agg.TotalVotes,
				UniqueVoters:      agg.UniqueVoters,
				PendingDecryption: agg.PendingDecryption(),
				Average:           agg.Average(),
				CreatedAt:         agg.CreatedAt,
				LastVoteTime:      agg.LastVoteTime,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.AnalyticsSnapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.AnalyticsSnapshot{}, err
	}

	snap := summarize(stats, a.now(), a.opts.TopN)
	if len(ids) > 0 && snap.FailedTargets == len(ids) {
		return models.AnalyticsSnapshot{}, fmt.Errorf("all %d targets failed to read", len(ids))
	}
	return snap, nil
}

func summarize(stats []models.TargetStat, now time.Time, topN int) models.AnalyticsSnapshot {
	snap := models.AnalyticsSnapshot{
		GeneratedAt:  now,
		TotalTargets: len(stats),
	}

	var (
		ratingSum   float64
		ratingCount int
	)
	for _, s := range stats {
		if s.Failed {
			snap.FailedTargets++
			continue
		}
		snap.TotalVotes += s.TotalVotes
		snap.TotalUniqueVoters += s.UniqueVoters
		snap.TotalEncryptedVotes += s.PendingDecryption
		if s.Average > 0 {
			ratingSum += s.Average
			ratingCount++
		}
	}
	if ratingCount > 0 {
		snap.AverageRating = ratingSum / float64(ratingCount)
	}

	snap.TopTargets = topTargets(stats, topN)
	snap.VotesTimeline, snap.NewTargetsTimeline = timelines(stats, now)
	return snap
}

func topTargets(stats []models.TargetStat, n int) []models.TargetStat {
	ranked := make([]models.TargetStat, 0, len(stats))
	for _, s := range stats {
		if !s.Failed && s.TotalVotes > 0 {
			ranked = append(ranked, s)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].TotalVotes != ranked[j].TotalVotes {
			return ranked[i].TotalVotes > ranked[j].TotalVotes
		}
		return ranked[i].TargetID < ranked[j].TargetID
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// timelines buckets the last seven UTC days. A target contributes its vote
// count to the day of its last vote and one new target to the day it was
// created.
func timelines(stats []models.TargetStat, now time.Time) (votes, created []models.SeriesPoint) {
	today := now.UTC().Truncate(24 * time.Hour)
	index := make(map[string]int, timelineDays)
	for i := 0; i < timelineDays; i++ {
		day := today.AddDate(0, 0, i-timelineDays+1).Format(dayLayout)
		index[day] = i
		votes = append(votes, models.SeriesPoint{Day: day})
		created = append(created, models.SeriesPoint{Day: day})
	}

	for _, s := range stats {
		if s.Failed {
			continue
		}
		if !s.LastVoteTime.IsZero() {
			if i, ok := index[s.LastVoteTime.UTC().Format(dayLayout)]; ok {
				votes[i].Value += s.TotalVotes
			}
		}
		if !s.CreatedAt.IsZero() {
			if i, ok := index[s.CreatedAt.UTC().Format(dayLayout)]; ok {
				created[i].Value++
			}
		}
	}
	return votes, created
}

func (a *AnalyticsAggregator) loadSnapshot(ctx context.Context) (models.AnalyticsSnapshot, error) {
	var snap models.AnalyticsSnapshot
	raw, err := a.store.Get(ctx, analyticsSnapshotKey)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		a.log.WithError(err).Warn("Ignoring corrupt analytics snapshot")
		return snap, err
	}
	return snap, nil
}

func (a *AnalyticsAggregator) saveSnapshot(ctx context.Context, snap models.AnalyticsSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return a.store.Set(ctx, analyticsSnapshotKey, raw)
}
