package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"zapps-voting/models"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "rating:a"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Get on empty store: err = %v, want ErrKeyNotFound", err)
	}

	for _, k := range []string{"rating:b", "rating:a", "analytics:snapshot"} {
		if err := s.Set(ctx, k, []byte(`{"k":"`+k+`"}`)); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}

	got, err := s.Get(ctx, "rating:a")
	if err != nil || string(got) != `{"k":"rating:a"}` {
		t.Errorf("Get(rating:a) = %q, %v", got, err)
	}

	keys, err := s.Keys(ctx, "rating:")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"rating:a", "rating:b"}) {
		t.Errorf("Keys(rating:) = %v", keys)
	}

	if err := s.Delete(ctx, "rating:a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "rating:a"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get after delete: err = %v", err)
	}
	if err := s.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete of missing key: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	v := []byte("abc")
	s.Set(ctx, "k", v)
	v[0] = 'x'

	got, _ := s.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("stored value aliased caller slice: %q", got)
	}
}

func TestJSONStore(t *testing.T) {
	s, err := NewJSONStore(filepath.Join(t.TempDir(), "cache.json"))
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	exerciseStore(t, s)
}

func TestJSONStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.json")
	ctx := context.Background()

	s, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	if err := s.Set(ctx, "rating:x", []byte(`{"average":4}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}

	reopened, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(ctx, "rating:x")
	if err != nil || string(got) != `{"average":4}` {
		t.Errorf("after reopen Get = %q, %v", got, err)
	}
}

func TestJSONStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	os.WriteFile(path, []byte("{not json"), 0600)

	if _, err := NewJSONStore(path); err == nil {
		t.Error("expected error loading corrupt store file")
	}
}

func TestBadgerStore(t *testing.T) {
	s, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("ZAPPS_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ZAPPS_TEST_REDIS_URL not set")
	}
	rdb, err := OpenRedis(context.Background(), url)
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	s := NewRedisStore(rdb, "zapps-test-"+time.Now().Format("150405.000000")+":")
	defer s.Close()
	exerciseStore(t, s)
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster()
	var mu sync.Mutex
	var got []string

	unsub := b.Subscribe(func(key string) {
		mu.Lock()
		got = append(got, key)
		mu.Unlock()
	})
	b.Publish(context.Background(), "rating:a")
	unsub()
	b.Publish(context.Background(), "rating:b")

	if !reflect.DeepEqual(got, []string{"rating:a"}) {
		t.Errorf("received %v", got)
	}
}

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache() (*RatingCache, *MemoryStore, *Broadcaster, *fixedClock) {
	store := NewMemoryStore()
	notifier := NewBroadcaster()
	clock := &fixedClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	c := NewRatingCache(store, notifier, nil)
	c.SetClock(clock.now)
	return c, store, notifier, clock
}

func TestRatingCacheWriteRead(t *testing.T) {
	c, _, _, clock := newTestCache()
	ctx := context.Background()

	if got := c.Read(ctx, "dapp-1"); got != nil {
		t.Fatalf("Read on empty cache = %+v", got)
	}

	written, err := c.Write(ctx, "dapp-1", models.CachedRating{Average: 4.5, Count: 2, UniqueVoters: 2})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !written.LastUpdate.Equal(clock.t) || written.DappID != "dapp-1" {
		t.Errorf("Write stamped %+v", written)
	}

	got := c.Read(ctx, "dapp-1")
	if got == nil || got.Average != 4.5 || got.Count != 2 || !got.LastUpdate.Equal(clock.t) {
		t.Errorf("Read = %+v", got)
	}
}

func TestRatingCacheCorruptEntryIsMissing(t *testing.T) {
	c, store, _, _ := newTestCache()
	ctx := context.Background()
	store.Set(ctx, ratingKey("dapp-1"), []byte("{broken"))

	if got := c.Read(ctx, "dapp-1"); got != nil {
		t.Errorf("corrupt entry read as %+v", got)
	}
}

func TestRatingCacheIsFresh(t *testing.T) {
	c, _, _, clock := newTestCache()
	ctx := context.Background()
	written, _ := c.Write(ctx, "dapp-1", models.CachedRating{Average: 3})

	if !c.IsFresh(&written, AnalyticsFreshness) {
		t.Error("just-written entry should be fresh")
	}
	clock.advance(AnalyticsFreshness)
	if c.IsFresh(&written, AnalyticsFreshness) {
		t.Error("entry exactly at window should be stale")
	}
	if !c.IsFresh(&written, VoteFreshness) {
		t.Error("entry should still be fresh for the vote window")
	}
	if c.IsFresh(nil, VoteFreshness) {
		t.Error("nil is never fresh")
	}
}

func TestRatingCacheClear(t *testing.T) {
	c, _, _, _ := newTestCache()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		c.Write(ctx, id, models.CachedRating{Average: 1})
	}

	if err := c.Clear(ctx, "a"); err != nil {
		t.Fatalf("Clear(a): %v", err)
	}
	if c.Read(ctx, "a") != nil || c.Read(ctx, "b") == nil {
		t.Error("Clear(a) should remove only a")
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear(): %v", err)
	}
	if c.Read(ctx, "b") != nil || c.Read(ctx, "c") != nil {
		t.Error("Clear() should empty the namespace")
	}
}

func TestRatingCacheSubscribe(t *testing.T) {
	c, _, notifier, _ := newTestCache()
	ctx := context.Background()
	var got []string
	unsub := c.Subscribe(func(id string) { got = append(got, id) })
	defer unsub()

	c.Write(ctx, "dapp-1", models.CachedRating{Average: 2})
	notifier.Publish(ctx, "analytics:snapshot")
	c.Clear(ctx, "dapp-1")

	if !reflect.DeepEqual(got, []string{"dapp-1", "dapp-1"}) {
		t.Errorf("notifications = %v", got)
	}
}

func TestRatingCachePrefer(t *testing.T) {
	c, _, _, clock := newTestCache()
	ctx := context.Background()
	cached, _ := c.Write(ctx, "dapp-1", models.CachedRating{Average: 4, Count: 3, UniqueVoters: 2})

	zeroLive := models.Rating{TargetID: "dapp-1", TotalVotes: 4, PendingDecryption: 4, Source: models.SourceChain}
	got := c.Prefer(&cached, zeroLive, VoteFreshness)
	if got.Source != models.SourceCache || got.Average != 4 || got.TotalVotes != 4 {
		t.Errorf("zero live average should defer to fresh cache, got %+v", got)
	}

	live := models.Rating{TargetID: "dapp-1", Average: 3.5, Source: models.SourceChain}
	if got := c.Prefer(&cached, live, VoteFreshness); got.Source != models.SourceChain {
		t.Errorf("nonzero live average must win, got %+v", got)
	}

	clock.advance(2 * VoteFreshness)
	if got := c.Prefer(&cached, zeroLive, VoteFreshness); got.Source != models.SourceChain {
		t.Errorf("stale cache must not override live, got %+v", got)
	}

	if got := c.Prefer(nil, zeroLive, VoteFreshness); got.Source != models.SourceChain {
		t.Errorf("nil cache should return live, got %+v", got)
	}
}
