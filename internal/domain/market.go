package domain

import (
	"fmt"
	"math"
	"time"
)

// PriceLevel is a single price/size entry in an orderbook side.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderbookSnapshot is a point-in-time view of one side pair's book on one
// venue. Bids are sorted best (highest) first, asks best (lowest) first.
type OrderbookSnapshot struct {
	Venue     string       `json:"venue"`
	Pair      string       `json:"pair"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// BestBid returns the top-of-book bid price, or 0 for an empty side.
func (o OrderbookSnapshot) BestBid() float64 {
	if len(o.Bids) == 0 {
		return 0
	}
	return o.Bids[0].Price
}

// BestAsk returns the top-of-book ask price, or 0 for an empty side.
func (o OrderbookSnapshot) BestAsk() float64 {
	if len(o.Asks) == 0 {
		return 0
	}
	return o.Asks[0].Price
}

// DepthWithin sums the size available on one side within tol of the
// top-of-book price. side is "bid" or "ask".
func (o OrderbookSnapshot) DepthWithin(side string, tol float64) float64 {
	var levels []PriceLevel
	var ref float64
	switch side {
	case "bid":
		levels, ref = o.Bids, o.BestBid()
	case "ask":
		levels, ref = o.Asks, o.BestAsk()
	default:
		return 0
	}
	if ref == 0 {
		return 0
	}
	var depth float64
	for _, lv := range levels {
		if math.Abs(lv.Price-ref)/ref > tol {
			break
		}
		depth += lv.Size
	}
	return depth
}

// MarketTick is one observation of a pair on a venue.
type MarketTick struct {
	Venue     string    `json:"venue"`
	Pair      string    `json:"pair"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// MarketSeries is an ordered price/volume history for a single pair, oldest
// first. All three slices are parallel.
type MarketSeries struct {
	Pair       string
	Timestamps []time.Time
	Prices     []float64
	Volumes    []float64
}

// Len returns the number of observations in the series.
func (s MarketSeries) Len() int { return len(s.Prices) }

// LastPrice returns the most recent price, or 0 for an empty series.
func (s MarketSeries) LastPrice() float64 {
	if len(s.Prices) == 0 {
		return 0
	}
	return s.Prices[len(s.Prices)-1]
}

// Returns computes consecutive percentage-change returns. The result has
// Len()-1 entries.
func (s MarketSeries) Returns() []float64 {
	if s.Len() < 2 {
		return nil
	}
	out := make([]float64, 0, s.Len()-1)
	for i := 1; i < s.Len(); i++ {
		prev := s.Prices[i-1]
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (s.Prices[i]-prev)/prev)
	}
	return out
}

const (
	// MinSeriesPoints is the minimum history length a series must carry
	// before it is trusted for strategy decisions.
	MinSeriesPoints = 100

	anomalyWindow = 20
	anomalySigma  = 4.0
)

// ValidateSeries checks a market series for completeness, strictly increasing
// timestamps, positive prices and volumes, and price anomalies. An
// observation more than 4 rolling standard deviations from its 20-sample
// rolling mean fails the series. All failures wrap ErrInvalidMarketData.
func ValidateSeries(s MarketSeries) error {
	if s.Len() < MinSeriesPoints {
		return fmt.Errorf("%w: series %q has %d points, need at least %d",
			ErrInvalidMarketData, s.Pair, s.Len(), MinSeriesPoints)
	}
	if len(s.Timestamps) != s.Len() || len(s.Volumes) != s.Len() {
		return fmt.Errorf("%w: series %q columns have mismatched lengths", ErrInvalidMarketData, s.Pair)
	}
	for i := 1; i < len(s.Timestamps); i++ {
		if !s.Timestamps[i].After(s.Timestamps[i-1]) {
			return fmt.Errorf("%w: series %q timestamps not strictly increasing at index %d",
				ErrInvalidMarketData, s.Pair, i)
		}
	}
	for i := range s.Prices {
		if s.Prices[i] <= 0 {
			return fmt.Errorf("%w: series %q non-positive price at index %d", ErrInvalidMarketData, s.Pair, i)
		}
		if s.Volumes[i] <= 0 {
			return fmt.Errorf("%w: series %q non-positive volume at index %d", ErrInvalidMarketData, s.Pair, i)
		}
	}
	if i, ok := priceAnomaly(s.Prices); ok {
		return fmt.Errorf("%w: series %q price anomaly at index %d", ErrInvalidMarketData, s.Pair, i)
	}
	return nil
}

func priceAnomaly(prices []float64) (int, bool) {
	for i := anomalyWindow; i < len(prices); i++ {
		window := prices[i-anomalyWindow : i]
		var sum float64
		for _, p := range window {
			sum += p
		}
		mean := sum / float64(len(window))
		var sq float64
		for _, p := range window {
			d := p - mean
			sq += d * d
		}
		std := math.Sqrt(sq / float64(len(window)-1))
		if std == 0 {
			continue
		}
		if math.Abs(prices[i]-mean)/std > anomalySigma {
			return i, true
		}
	}
	return 0, false
}
