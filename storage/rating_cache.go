package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"zapps-voting/models"
)

const ratingPrefix = "rating:"

// Freshness windows used by the rating consumers.
const (
	VoteFreshness      = time.Hour
	AnalyticsFreshness = 5 * time.Minute
)

// RatingCache keeps the last decrypted rating per target so read surfaces
// can show a recent value while decryption lags behind votes.
type RatingCache struct {
	store    Store
	notifier Notifier
	now      func() time.Time
	log      logrus.FieldLogger
}

func NewRatingCache(store Store, notifier Notifier, logger logrus.FieldLogger) *RatingCache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RatingCache{
		store:    store,
		notifier: notifier,
		now:      time.Now,
		log:      logger.WithField("component", "rating_cache"),
	}
}

// SetClock replaces the wall clock used to stamp and age entries.
func (c *RatingCache) SetClock(now func() time.Time) {
	c.now = now
}

func ratingKey(targetID string) string {
	return ratingPrefix + targetID
}

// Read returns the cached rating or nil. Missing and corrupt entries are
// both reported as nil.
func (c *RatingCache) Read(ctx context.Context, targetID string) *models.CachedRating {
	raw, err := c.store.Get(ctx, ratingKey(targetID))
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			c.log.WithError(err).WithField("target", targetID).Warn("Rating cache read failed")
		}
		return nil
	}

	var cached models.CachedRating
	if err := json.Unmarshal(raw, &cached); err != nil {
		c.log.WithError(err).WithField("target", targetID).Warn("Ignoring corrupt rating cache entry")
		return nil
	}
	return &cached
}

// Write stamps rating with the current time, persists it and notifies
// subscribers. The stored value is returned.
func (c *RatingCache) Write(ctx context.Context, targetID string, rating models.CachedRating) (models.CachedRating, error) {
	rating.DappID = targetID
	rating.LastUpdate = c.now()

	raw, err := json.Marshal(rating)
	if err != nil {
		return rating, err
	}
	if err := c.store.Set(ctx, ratingKey(targetID), raw); err != nil {
		return rating, err
	}

	c.publish(ctx, targetID)
	return rating, nil
}

// IsFresh reports whether cached was written less than window ago.
func (c *RatingCache) IsFresh(cached *models.CachedRating, window time.Duration) bool {
	if cached == nil {
		return false
	}
	return c.now().Sub(cached.LastUpdate) < window
}

// Clear removes the given targets, or the whole rating namespace when none
// are named.
func (c *RatingCache) Clear(ctx context.Context, targetIDs ...string) error {
	if len(targetIDs) == 0 {
		keys, err := c.store.Keys(ctx, ratingPrefix)
		if err != nil {
			return err
		}
		for _, k := range keys {
			targetIDs = append(targetIDs, strings.TrimPrefix(k, ratingPrefix))
		}
	}

	for _, id := range targetIDs {
		if err := c.store.Delete(ctx, ratingKey(id)); err != nil {
			return err
		}
		c.publish(ctx, id)
	}
	return nil
}

// Prefer returns the cached rating in place of live when the live read has
// no decrypted average yet but a fresh nonzero cached value exists.
func (c *RatingCache) Prefer(cached *models.CachedRating, live models.Rating, window time.Duration) models.Rating {
	if live.Average != 0 || cached == nil || cached.Average == 0 || !c.IsFresh(cached, window) {
		return live
	}
	r := models.RatingFromCache(*cached)
	r.TotalVotes = live.TotalVotes
	r.PendingDecryption = live.PendingDecryption
	return r
}

// Subscribe registers fn for rating changes from this or any other process
// sharing the notifier. fn receives the target id.
func (c *RatingCache) Subscribe(fn func(targetID string)) func() {
	if c.notifier == nil {
		return func() {}
	}
	return c.notifier.Subscribe(func(key string) {
		if strings.HasPrefix(key, ratingPrefix) {
			fn(strings.TrimPrefix(key, ratingPrefix))
		}
	})
}

func (c *RatingCache) publish(ctx context.Context, targetID string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Publish(ctx, ratingKey(targetID)); err != nil {
		c.log.WithError(err).WithField("target", targetID).Warn("Failed to publish rating change")
	}
}
