package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/cjp0116/discord/internal/chat"
	"github.com/cjp0116/discord/pkg/cache"
	"github.com/cjp0116/discord/pkg/protocol"
	"github.com/cjp0116/discord/pkg/retry"
)

const defaultMessageLimit = 50

// Reader serves message-list queries through the cache. Concurrent
// readers of the same key share one store fetch, and a mutation
// invalidating the channel's topic forces the next read to refetch.
type Reader struct {
	svc    *chat.Service
	cache  *cache.Cache
	bus    *cache.Bus
	ttl    time.Duration
	limit  int
	logger *slog.Logger
	opts   retry.Options
}

func NewReader(svc *chat.Service, c *cache.Cache, bus *cache.Bus, ttl time.Duration, logger *slog.Logger) *Reader {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Reader{
		svc:    svc,
		cache:  c,
		bus:    bus,
		ttl:    ttl,
		limit:  defaultMessageLimit,
		logger: logger.With(slog.String("component", "reader")),
		opts: retry.Options{
			MaxAttempts: 2,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    time.Second,
		},
	}
}

// Messages returns the recent messages of a channel as seen by viewerID.
// The cache key carries the viewer because reaction state is
// viewer-specific; invalidation matches on the channel prefix, so a
// mutation still drops every viewer's entry.
func (r *Reader) Messages(ctx context.Context, viewerID, channelID string) ([]protocol.Message, error) {
	key := cache.MessagesKey(channelID) + ":" + viewerID
	v, err := r.cache.Fetch(ctx, key, r.ttl, func(ctx context.Context) (any, error) {
		return retry.Do(ctx, func(ctx context.Context) ([]protocol.Message, error) {
			msgs, err := r.svc.ListMessages(ctx, viewerID, channelID, r.limit)
			return msgs, noRetryOnRejection(err)
		}, r.opts)
	})
	if err != nil {
		return nil, err
	}
	return v.([]protocol.Message), nil
}

// OnMessagesChanged subscribes fn to the channel's invalidation topic
// and returns the unsubscribe function.
func (r *Reader) OnMessagesChanged(channelID string, fn func()) func() {
	return r.bus.Subscribe(cache.MessagesKey(channelID), fn)
}
