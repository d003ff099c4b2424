package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"zapps-voting/chain"
	"zapps-voting/models"
	"zapps-voting/poll"
	"zapps-voting/relayer"
	"zapps-voting/storage"
)

// DefaultDecryptDelay is how long DecryptAndFetch waits between its
// decryption request and the re-read.
const DefaultDecryptDelay = 3 * time.Second

// AutoSyncCoordinator keeps displayed ratings fresh without a vote. Unlike
// VoteWorkflow it sends at most one decryption request per call and never
// loops.
type AutoSyncCoordinator struct {
	reader       *chain.Reader
	relayer      *relayer.Client
	cache        *storage.RatingCache
	metrics      *MetricsCollector
	decryptDelay time.Duration
	sleep        poll.SleepFunc
	now          func() time.Time
	log          logrus.FieldLogger
}

type AutoSyncOptions struct {
	DecryptDelay time.Duration
	Sleep        poll.SleepFunc
}

func NewAutoSyncCoordinator(reader *chain.Reader, rc *relayer.Client, cache *storage.RatingCache, metrics *MetricsCollector, opts AutoSyncOptions, logger logrus.FieldLogger) *AutoSyncCoordinator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.DecryptDelay <= 0 {
		opts.DecryptDelay = DefaultDecryptDelay
	}
	if opts.Sleep == nil {
		opts.Sleep = poll.Sleep
	}
	return &AutoSyncCoordinator{
		reader:       reader,
		relayer:      rc,
		cache:        cache,
		metrics:      metrics,
		decryptDelay: opts.DecryptDelay,
		sleep:        opts.Sleep,
		now:          time.Now,
		log:          logger.WithField("component", "auto_sync"),
	}
}

// FetchRating reads the target and caches any decrypted average.
func (a *AutoSyncCoordinator) FetchRating(ctx context.Context, targetID string) (models.Rating, error) {
	start := time.Now()
	defer func() { a.metrics.RecordSync("fetch", time.Since(start)) }()

	agg, err := a.reader.GetTargetAggregate(ctx, targetID)
	if err != nil {
		return models.Rating{}, err
	}
	return a.store(ctx, agg), nil
}

func (a *AutoSyncCoordinator) store(ctx context.Context, agg models.TargetAggregate) models.Rating {
	rating := models.RatingFromAggregate(agg, a.now())
	if agg.DecryptedCount == 0 || a.cache == nil {
		return rating
	}

	_, err := a.cache.Write(ctx, agg.TargetID, models.CachedRating{
		Average:      rating.Average,
		Count:        rating.Count,
		UniqueVoters: rating.UniqueVoters,
	})
	if err != nil {
		a.log.WithError(err).WithField("target", agg.TargetID).Warn("Failed to cache rating")
	}
	return rating
}

// DecryptAndFetch requests decryption when votes are pending and a relayer
// is available, waits once, then reads. Otherwise it is FetchRating.
func (a *AutoSyncCoordinator) DecryptAndFetch(ctx context.Context, targetID string) (models.Rating, error) {
	start := time.Now()
	defer func() { a.metrics.RecordSync("decrypt", time.Since(start)) }()

	agg, err := a.reader.GetTargetAggregate(ctx, targetID)
	if err != nil {
		return models.Rating{}, err
	}
	if agg.PendingDecryption() == 0 || a.relayer == nil || !a.relayer.IsAvailable() {
		return a.store(ctx, agg), nil
	}

	if _, err := a.relayer.RequestDecryption(ctx, targetID); err != nil {
		a.log.WithError(err).WithField("target", targetID).Warn("Decryption request failed")
		return a.store(ctx, agg), nil
	}
	if err := a.sleep(ctx, a.decryptDelay); err != nil {
		return models.Rating{}, err
	}

	agg, err = a.reader.GetTargetAggregate(ctx, targetID)
	if err != nil {
		return models.Rating{}, err
	}
	return a.store(ctx, agg), nil
}

// DisplayRating is the cache-aware read for display surfaces. A live
// average of zero does not override a fresh nonzero cached value, and a
// failed chain read falls back to any cached value.
func (a *AutoSyncCoordinator) DisplayRating(ctx context.Context, targetID string) (models.Rating, error) {
	var cached *models.CachedRating
	if a.cache != nil {
		cached = a.cache.Read(ctx, targetID)
	}
	a.metrics.RecordCacheLookup(cached != nil)

	live, err := a.FetchRating(ctx, targetID)
	if err != nil {
		if cached != nil {
			a.log.WithError(err).WithField("target", targetID).Warn("Chain read failed, serving cached rating")
			return models.RatingFromCache(*cached), nil
		}
		return models.Rating{}, err
	}
	if a.cache == nil {
		return live, nil
	}
	return a.cache.Prefer(cached, live, storage.VoteFreshness), nil
}

func (a *AutoSyncCoordinator) HasPendingDecryption(ctx context.Context, targetID string) (bool, error) {
	agg, err := a.reader.GetTargetAggregate(ctx, targetID)
	if err != nil {
		return false, err
	}
	return agg.PendingDecryption() > 0, nil
}
