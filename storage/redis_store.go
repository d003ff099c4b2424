package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultRedisNamespace prefixes every key written by RedisStore.
const DefaultRedisNamespace = "zapps:"

// OpenRedis parses url and pings the server.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %v", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %v", err)
	}
	return rdb, nil
}

// RedisStore shares the cache between every process pointed at the same
// server.
type RedisStore struct {
	rdb       *redis.Client
	namespace string
}

func NewRedisStore(rdb *redis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = DefaultRedisNamespace
	}
	return &RedisStore{rdb: rdb, namespace: namespace}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.namespace+key).Bytes()
	if err == redis.Nil {
		return nil, ErrKeyNotFound
	}
	return data, err
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	return s.rdb.Set(ctx, s.namespace+key, value, 0).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.namespace+key).Err()
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	iter := s.rdb.Scan(ctx, 0, s.namespace+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.namespace))
	}
	return keys, iter.Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// RedisNotifier fans key changes out over a pub/sub channel so that every
// process sharing a RedisStore sees cache updates.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
	log     logrus.FieldLogger
}

func NewRedisNotifier(rdb *redis.Client, channel string, logger logrus.FieldLogger) *RedisNotifier {
	if channel == "" {
		channel = DefaultRedisNamespace + "changes"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisNotifier{rdb: rdb, channel: channel, log: logger.WithField("component", "redis_notifier")}
}

func (n *RedisNotifier) Publish(ctx context.Context, key string) error {
	return n.rdb.Publish(ctx, n.channel, key).Err()
}

func (n *RedisNotifier) Subscribe(fn func(key string)) func() {
	ps := n.rdb.Subscribe(context.Background(), n.channel)
	go func() {
		for msg := range ps.Channel() {
			fn(msg.Payload)
		}
	}()
	return func() {
		if err := ps.Close(); err != nil {
			n.log.WithError(err).Warn("Failed to close subscription")
		}
	}
}
