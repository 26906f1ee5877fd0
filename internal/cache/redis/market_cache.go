package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dexquant/tradebot/internal/domain"
)

const defaultMarketTTL = 5 * time.Minute

// MarketCache implements domain.MarketCache using JSON-serialized values with
// a short TTL, so stale market views age out on their own.
//
// Key schema:
//
//	tick:{venue}:{pair} - JSON MarketTick
//	book:{venue}:{pair} - JSON OrderbookSnapshot
type MarketCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewMarketCache creates a MarketCache backed by the given Client. A
// non-positive ttl falls back to 5 minutes.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = defaultMarketTTL
	}
	return &MarketCache{rdb: c.rdb, ttl: ttl}
}

func tickKey(venue, pair string) string { return "tick:" + venue + ":" + pair }
func bookKey(venue, pair string) string { return "book:" + venue + ":" + pair }

// SetTick stores the latest tick for a venue/pair with the cache TTL.
func (mc *MarketCache) SetTick(ctx context.Context, tick domain.MarketTick) error {
	data, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("redis: marshal tick %s %s: %w", tick.Venue, tick.Pair, err)
	}
	if err := mc.rdb.Set(ctx, tickKey(tick.Venue, tick.Pair), data, mc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set tick %s %s: %w", tick.Venue, tick.Pair, err)
	}
	return nil
}

// Tick retrieves the latest tick for a venue/pair. It returns
// domain.ErrNotFound when the key does not exist or has expired.
func (mc *MarketCache) Tick(ctx context.Context, venue, pair string) (domain.MarketTick, error) {
	data, err := mc.rdb.Get(ctx, tickKey(venue, pair)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketTick{}, domain.ErrNotFound
		}
		return domain.MarketTick{}, fmt.Errorf("redis: get tick %s %s: %w", venue, pair, err)
	}

	var tick domain.MarketTick
	if err := json.Unmarshal(data, &tick); err != nil {
		return domain.MarketTick{}, fmt.Errorf("redis: unmarshal tick %s %s: %w", venue, pair, err)
	}
	return tick, nil
}

// SetOrderbook stores the latest orderbook snapshot for a venue/pair with the
// cache TTL. Snapshots replace each other wholesale.
func (mc *MarketCache) SetOrderbook(ctx context.Context, book domain.OrderbookSnapshot) error {
	data, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("redis: marshal orderbook %s %s: %w", book.Venue, book.Pair, err)
	}
	if err := mc.rdb.Set(ctx, bookKey(book.Venue, book.Pair), data, mc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set orderbook %s %s: %w", book.Venue, book.Pair, err)
	}
	return nil
}

// Orderbook retrieves the latest orderbook snapshot for a venue/pair.
// It returns domain.ErrNotFound when no snapshot exists.
func (mc *MarketCache) Orderbook(ctx context.Context, venue, pair string) (domain.OrderbookSnapshot, error) {
	data, err := mc.rdb.Get(ctx, bookKey(venue, pair)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.OrderbookSnapshot{}, domain.ErrNotFound
		}
		return domain.OrderbookSnapshot{}, fmt.Errorf("redis: get orderbook %s %s: %w", venue, pair, err)
	}

	var book domain.OrderbookSnapshot
	if err := json.Unmarshal(data, &book); err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("redis: unmarshal orderbook %s %s: %w", venue, pair, err)
	}
	return book, nil
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)
