package feed

import (
	"sync"
	"time"

	"github.com/dexquant/tradebot/internal/domain"
)

// defaultSeriesCap bounds per-pair history to roughly a day of minute bars.
const defaultSeriesCap = 1440

// SeriesTracker accumulates trade ticks into bounded per-pair price and
// volume series. Ticks from all venues for a pair are merged; an observation
// is appended only when its timestamp moves strictly forward, keeping the
// series valid for the strategy calculators. Safe for concurrent use.
type SeriesTracker struct {
	capacity int

	mu     sync.RWMutex
	series map[string]*pairSeries
}

type pairSeries struct {
	timestamps []time.Time
	prices     []float64
	volumes    []float64
}

// NewSeriesTracker creates a tracker holding up to capacity points per pair.
// A non-positive capacity uses the default.
func NewSeriesTracker(capacity int) *SeriesTracker {
	if capacity <= 0 {
		capacity = defaultSeriesCap
	}
	return &SeriesTracker{
		capacity: capacity,
		series:   make(map[string]*pairSeries),
	}
}

// Observe folds one tick into the pair's series. Ticks with non-positive
// price or volume, or timestamps at or before the stored head, are dropped.
func (t *SeriesTracker) Observe(tick domain.MarketTick) {
	if tick.Pair == "" || tick.Price <= 0 || tick.Volume <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ps, ok := t.series[tick.Pair]
	if !ok {
		ps = &pairSeries{}
		t.series[tick.Pair] = ps
	}

	if n := len(ps.timestamps); n > 0 && !tick.Timestamp.After(ps.timestamps[n-1]) {
		return
	}

	ps.timestamps = append(ps.timestamps, tick.Timestamp)
	ps.prices = append(ps.prices, tick.Price)
	ps.volumes = append(ps.volumes, tick.Volume)

	if len(ps.timestamps) > t.capacity {
		drop := len(ps.timestamps) - t.capacity
		ps.timestamps = append([]time.Time(nil), ps.timestamps[drop:]...)
		ps.prices = append([]float64(nil), ps.prices[drop:]...)
		ps.volumes = append([]float64(nil), ps.volumes[drop:]...)
	}
}

// Series returns a copy of the accumulated history for a pair. The second
// return is false when the pair has never been observed.
func (t *SeriesTracker) Series(pair string) (domain.MarketSeries, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ps, ok := t.series[pair]
	if !ok {
		return domain.MarketSeries{}, false
	}
	return domain.MarketSeries{
		Pair:       pair,
		Timestamps: append([]time.Time(nil), ps.timestamps...),
		Prices:     append([]float64(nil), ps.prices...),
		Volumes:    append([]float64(nil), ps.volumes...),
	}, true
}

// LastPrice returns the most recent observed price for a pair.
func (t *SeriesTracker) LastPrice(pair string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ps, ok := t.series[pair]
	if !ok || len(ps.prices) == 0 {
		return 0, false
	}
	return ps.prices[len(ps.prices)-1], true
}
