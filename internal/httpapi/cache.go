package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"stockwatch/internal/domain"
	"stockwatch/internal/util"
)

// QuoteCache holds recently fetched quotes so repeated searches for the same
// symbol do not hit the upstream source.
type QuoteCache interface {
	// Get returns the cached quote and whether one was found.
	Get(ctx context.Context, symbol string) (domain.Quote, bool, error)
	// Set stores q for ttl.
	Set(ctx context.Context, q domain.Quote, ttl time.Duration) error
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

// RedisCache is a QuoteCache backed by Redis string keys with expiry.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func quoteKey(symbol string) string {
	return fmt.Sprintf("quote:%s", symbol)
}

func (r *RedisCache) Get(ctx context.Context, symbol string) (domain.Quote, bool, error) {
	data, err := r.client.Get(ctx, quoteKey(symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Quote{}, false, nil
		}
		return domain.Quote{}, false, fmt.Errorf("failed to get quote: %w", err)
	}
	var q domain.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return domain.Quote{}, false, fmt.Errorf("failed to unmarshal quote: %w", err)
	}
	return q, true, nil
}

func (r *RedisCache) Set(ctx context.Context, q domain.Quote, ttl time.Duration) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to marshal quote: %w", err)
	}
	if err := r.client.Set(ctx, quoteKey(q.Symbol), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set quote: %w", err)
	}
	return nil
}

// Ping checks Redis connection health.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// ---------------------------------------------------------------------------
// In-process
// ---------------------------------------------------------------------------

type cachedQuote struct {
	quote   domain.Quote
	expires time.Time
}

// MemoryCache is an in-process QuoteCache.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]cachedQuote
	clock util.Clock
}

// NewMemoryCache creates an empty MemoryCache. A nil clock uses the wall
// clock.
func NewMemoryCache(clock util.Clock) *MemoryCache {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &MemoryCache{items: make(map[string]cachedQuote), clock: clock}
}

func (m *MemoryCache) Get(_ context.Context, symbol string) (domain.Quote, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[symbol]
	if !ok {
		return domain.Quote{}, false, nil
	}
	if !m.clock.Now().Before(c.expires) {
		delete(m.items, symbol)
		return domain.Quote{}, false, nil
	}
	return c.quote, true, nil
}

func (m *MemoryCache) Set(_ context.Context, q domain.Quote, ttl time.Duration) error {
	m.mu.Lock()
	m.items[q.Symbol] = cachedQuote{quote: q, expires: m.clock.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}
