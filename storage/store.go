// Package storage holds the key/value capability the rating cache persists
// through, its backends, and the change-notification channel that carries
// cache updates across processes.
package storage

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Store.Get on a miss.
var ErrKeyNotFound = errors.New("storage: key not found")

// Store is a flat key/value namespace.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Notifier broadcasts that a key changed. Delivery is best-effort and
// subscribers must tolerate duplicates.
type Notifier interface {
	Publish(ctx context.Context, key string) error
	Subscribe(fn func(key string)) (unsubscribe func())
}
