package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatSeries(n int, price float64) MarketSeries {
	s := MarketSeries{Pair: "BTC-USDC"}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		s.Timestamps = append(s.Timestamps, base.Add(time.Duration(i)*time.Minute))
		s.Prices = append(s.Prices, price+float64(i%5)*0.1)
		s.Volumes = append(s.Volumes, 1000)
	}
	return s
}

func TestValidateSeries(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, ValidateSeries(flatSeries(150, 100)))
	})

	t.Run("too short", func(t *testing.T) {
		err := ValidateSeries(flatSeries(99, 100))
		assert.ErrorIs(t, err, ErrInvalidMarketData)
	})

	t.Run("non-increasing timestamps", func(t *testing.T) {
		s := flatSeries(150, 100)
		s.Timestamps[10] = s.Timestamps[9]
		assert.ErrorIs(t, ValidateSeries(s), ErrInvalidMarketData)
	})

	t.Run("non-positive volume", func(t *testing.T) {
		s := flatSeries(150, 100)
		s.Volumes[42] = 0
		assert.ErrorIs(t, ValidateSeries(s), ErrInvalidMarketData)
	})

	t.Run("price spike rejected", func(t *testing.T) {
		s := flatSeries(150, 100)
		s.Prices[120] = 500 // far beyond 4 sigma of the rolling window
		assert.ErrorIs(t, ValidateSeries(s), ErrInvalidMarketData)
	})
}

func TestSeriesReturns(t *testing.T) {
	s := MarketSeries{Prices: []float64{100, 110, 99}}
	r := s.Returns()
	require.Len(t, r, 2)
	assert.InDelta(t, 0.10, r[0], 1e-9)
	assert.InDelta(t, -0.10, r[1], 1e-9)
}

func TestOrderbookDepthWithin(t *testing.T) {
	book := OrderbookSnapshot{
		Bids: []PriceLevel{{Price: 100, Size: 5}, {Price: 99.5, Size: 3}, {Price: 90, Size: 50}},
		Asks: []PriceLevel{{Price: 101, Size: 2}},
	}
	assert.InDelta(t, 8, book.DepthWithin("bid", 0.01), 1e-9)
	assert.InDelta(t, 2, book.DepthWithin("ask", 0.01), 1e-9)
	assert.Zero(t, OrderbookSnapshot{}.DepthWithin("bid", 0.01))
}

func TestPortfolioDrawdown(t *testing.T) {
	p := PortfolioState{PeakValue: 1000}
	assert.InDelta(t, 0.2, p.Drawdown(800), 1e-9)
	assert.Zero(t, p.Drawdown(1200))
	assert.Zero(t, PortfolioState{}.Drawdown(500))
}
