package storage

import (
	"context"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Broadcaster is the in-process Notifier. Publish calls every subscriber
// synchronously on the caller's goroutine.
type Broadcaster struct {
	subs cmap.ConcurrentMap[string, func(string)]
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: cmap.New[func(string)]()}
}

func (b *Broadcaster) Publish(_ context.Context, key string) error {
	for _, fn := range b.subs.Items() {
		fn(key)
	}
	return nil
}

func (b *Broadcaster) Subscribe(fn func(key string)) func() {
	id := uuid.NewString()
	b.subs.Set(id, fn)
	return func() { b.subs.Remove(id) }
}
