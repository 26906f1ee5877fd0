package feed

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexquant/tradebot/internal/arbitrage"
	"github.com/dexquant/tradebot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingObserver struct {
	ticks []domain.MarketTick
}

func (r *recordingObserver) ObserveTick(tick domain.MarketTick) {
	r.ticks = append(r.ticks, tick)
}

type recordingSink struct {
	updates [][]arbitrage.VenueQuote
}

func (r *recordingSink) UpdateMarketData(quotes []arbitrage.VenueQuote) bool {
	r.updates = append(r.updates, quotes)
	return true
}

func tick(venue, pair string, price float64, ts time.Time) domain.MarketTick {
	return domain.MarketTick{Venue: venue, Pair: pair, Price: price, Volume: 100, Timestamp: ts}
}

func book(venue, pair string, mid float64, ts time.Time) domain.OrderbookSnapshot {
	return domain.OrderbookSnapshot{
		Venue:     venue,
		Pair:      pair,
		Bids:      []domain.PriceLevel{{Price: mid * 0.9995, Size: 50}},
		Asks:      []domain.PriceLevel{{Price: mid * 1.0005, Size: 50}},
		Timestamp: ts,
	}
}

func TestRouterQuoteRequiresTickAndBook(t *testing.T) {
	sink := &recordingSink{}
	r := NewRouter(nil, sink, nil, nil, testLogger())
	now := time.Now()

	r.HandleTick(context.Background(), tick("dexA", "ETH-USDC", 100, now))
	assert.Empty(t, sink.updates, "tick alone should not produce a quote")

	r.HandleBook(context.Background(), book("dexA", "ETH-USDC", 100, now))
	require.Len(t, sink.updates, 1)
	require.Len(t, sink.updates[0], 1)

	q := sink.updates[0][0]
	assert.Equal(t, "dexA", q.Venue)
	assert.Equal(t, "ETH-USDC", q.Pair)
	assert.Equal(t, 100.0, q.Price)
	assert.NotEmpty(t, q.Book.Asks)
}

func TestRouterCombinesVenues(t *testing.T) {
	sink := &recordingSink{}
	r := NewRouter(nil, sink, nil, nil, testLogger())
	now := time.Now()

	r.HandleTick(context.Background(), tick("dexA", "ETH-USDC", 100, now))
	r.HandleBook(context.Background(), book("dexA", "ETH-USDC", 100, now))
	r.HandleTick(context.Background(), tick("dexB", "ETH-USDC", 101, now))
	r.HandleBook(context.Background(), book("dexB", "ETH-USDC", 101, now))

	last := sink.updates[len(sink.updates)-1]
	assert.Len(t, last, 2)
}

func TestRouterFansOutTicks(t *testing.T) {
	obs := &recordingObserver{}
	tracker := NewSeriesTracker(10)
	r := NewRouter(obs, nil, nil, tracker, testLogger())

	r.HandleTick(context.Background(), tick("dexA", "ETH-USDC", 100, time.Now()))

	require.Len(t, obs.ticks, 1)
	price, ok := tracker.LastPrice("ETH-USDC")
	require.True(t, ok)
	assert.Equal(t, 100.0, price)
}

func TestSeriesTrackerOrderingAndBounds(t *testing.T) {
	tracker := NewSeriesTracker(5)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 8; i++ {
		tracker.Observe(tick("dexA", "ETH-USDC", 100+float64(i), base.Add(time.Duration(i)*time.Minute)))
	}
	// Stale and invalid observations are dropped.
	tracker.Observe(tick("dexB", "ETH-USDC", 42, base))
	tracker.Observe(domain.MarketTick{Venue: "dexA", Pair: "ETH-USDC", Price: -1, Volume: 10, Timestamp: base.Add(time.Hour)})

	series, ok := tracker.Series("ETH-USDC")
	require.True(t, ok)
	assert.Equal(t, 5, series.Len())
	assert.Equal(t, 107.0, series.LastPrice())
	for i := 1; i < series.Len(); i++ {
		assert.True(t, series.Timestamps[i].After(series.Timestamps[i-1]))
	}

	_, ok = tracker.Series("BTC-USDC")
	assert.False(t, ok)
}
