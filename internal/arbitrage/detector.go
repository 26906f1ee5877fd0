// Package arbitrage implements cross-venue opportunity detection and
// risk-gated two-leg execution.
package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dexquant/tradebot/internal/domain"
	"github.com/dexquant/tradebot/internal/stats"
)

const (
	// MinPriceDifferenceBps is the global floor for the detection
	// threshold; configured thresholds below it are raised to it.
	MinPriceDifferenceBps = 20.0

	// MinLiquidityUSDC is the default notional each leg must be able to
	// absorb.
	MinLiquidityUSDC = 1000.0

	// maxBookImpact is the largest tolerable first-to-last level price
	// move on either book side.
	maxBookImpact = 0.01

	// maxUpdateLatency is the staleness budget for a market data refresh.
	maxUpdateLatency = 100 * time.Millisecond

	// execProbability is the fixed execution-probability estimate attached
	// to validated opportunities.
	execProbability = 0.95

	latencySampleCap = 1000
	latencyAvgWindow = 100
)

// VenueQuote is the per-venue market view the detector scans: last price
// plus the current orderbook for one pair.
type VenueQuote struct {
	Venue     string
	Pair      string
	Price     float64
	Book      domain.OrderbookSnapshot
	Timestamp time.Time
}

// DetectorConfig parameterizes opportunity detection.
type DetectorConfig struct {
	MinSpreadBps     float64
	MinLiquidityUSDC float64
	MaxImpact        float64
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.MinSpreadBps < MinPriceDifferenceBps {
		c.MinSpreadBps = MinPriceDifferenceBps
	}
	if c.MinLiquidityUSDC == 0 {
		c.MinLiquidityUSDC = MinLiquidityUSDC
	}
	if c.MaxImpact == 0 {
		c.MaxImpact = maxBookImpact
	}
	return c
}

// DetectionStats tracks cumulative detector performance.
type DetectionStats struct {
	OpportunitiesFound     int
	OpportunitiesValidated int
	AvgDetectionLatencyMs  float64
}

// ValidationMetrics is the diagnostic result of a single opportunity
// validation.
type ValidationMetrics struct {
	PriceDifferenceBps   float64
	EstimatedProfitUSDC  float64
	ExecutionProbability float64
	ValidationLatency    time.Duration
}

// Detector scans a venue-by-pair price matrix for spreads exceeding the
// configured threshold and validates each candidate against live liquidity.
// Safe for concurrent use.
type Detector struct {
	cfg    DetectorConfig
	logger *slog.Logger

	mu        sync.RWMutex
	quotes    map[string]map[string]VenueQuote // pair -> venue -> quote
	latencies []float64
	stats     DetectionStats
}

// NewDetector builds a Detector. The configured spread threshold is floored
// at MinPriceDifferenceBps.
func NewDetector(cfg DetectorConfig, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "arb_detector")),
		quotes: make(map[string]map[string]VenueQuote),
	}
}

// MinSpreadBps returns the effective detection threshold.
func (d *Detector) MinSpreadBps() float64 { return d.cfg.MinSpreadBps }

// PriceDifferenceBps returns the absolute difference between two quotes as
// basis points of their mean, rounded to two decimals. Both prices must be
// positive.
func PriceDifferenceBps(priceA, priceB float64) (float64, error) {
	if priceA <= 0 || priceB <= 0 {
		return 0, fmt.Errorf("%w: prices must be positive, got %v and %v", domain.ErrInvalidPrice, priceA, priceB)
	}
	mean := (priceA + priceB) / 2
	bps := math.Abs(priceA-priceB) / mean * domain.BpsScale
	return math.Round(bps*100) / 100, nil
}

// ValidateLiquidity reports whether the book can absorb requiredVolume on
// both sides with a first-to-last price move under the impact ceiling.
// Missing or malformed book data fails closed.
func (d *Detector) ValidateLiquidity(book domain.OrderbookSnapshot, requiredVolume float64) bool {
	if len(book.Bids) == 0 || len(book.Asks) == 0 || requiredVolume <= 0 {
		return false
	}

	var bidDepth, askDepth float64
	for _, lv := range book.Bids {
		bidDepth += lv.Size
	}
	for _, lv := range book.Asks {
		askDepth += lv.Size
	}
	if bidDepth < requiredVolume || askDepth < requiredVolume {
		return false
	}

	bidBest, bidLast := book.Bids[0].Price, book.Bids[len(book.Bids)-1].Price
	askBest, askLast := book.Asks[0].Price, book.Asks[len(book.Asks)-1].Price
	if bidBest <= 0 || askBest <= 0 {
		return false
	}
	bidImpact := math.Abs(bidBest-bidLast) / bidBest
	askImpact := math.Abs(askLast-askBest) / askBest
	return bidImpact < d.cfg.MaxImpact && askImpact < d.cfg.MaxImpact
}

// UpdateMarketData replaces the internal market view and reports whether the
// refresh was fresh enough (newest quote within the staleness budget).
func (d *Detector) UpdateMarketData(quotes []VenueQuote) bool {
	if len(quotes) == 0 {
		return false
	}

	next := make(map[string]map[string]VenueQuote, len(quotes))
	var newest time.Time
	for _, q := range quotes {
		if q.Pair == "" || q.Venue == "" {
			return false
		}
		byVenue, ok := next[q.Pair]
		if !ok {
			byVenue = make(map[string]VenueQuote)
			next[q.Pair] = byVenue
		}
		byVenue[q.Venue] = q
		if q.Timestamp.After(newest) {
			newest = q.Timestamp
		}
	}

	latency := time.Since(newest)

	d.mu.Lock()
	d.quotes = next
	d.latencies = append(d.latencies, float64(latency.Milliseconds()))
	if len(d.latencies) > latencySampleCap {
		d.latencies = d.latencies[len(d.latencies)-latencySampleCap:]
	}
	d.mu.Unlock()

	return latency <= maxUpdateLatency
}

// Quote returns the stored market view for a venue/pair.
func (d *Detector) Quote(venue, pair string) (VenueQuote, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	byVenue, ok := d.quotes[pair]
	if !ok {
		return VenueQuote{}, false
	}
	q, ok := byVenue[venue]
	return q, ok
}

// DetectOpportunities scans every pair across all venue combinations,
// keeps spreads at or above the threshold, and validates the candidates
// concurrently. Only candidates passing both the live price re-check and the
// two-leg liquidity check are returned.
func (d *Detector) DetectOpportunities(ctx context.Context) ([]domain.ArbitrageOpportunity, error) {
	candidates := d.scanCandidates()
	if len(candidates) == 0 {
		return nil, nil
	}

	results := make([]bool, len(candidates))
	metrics := make([]ValidationMetrics, len(candidates))
	g, ctx := errgroup.WithContext(ctx)
	for i := range candidates {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i], metrics[i] = d.ValidateOpportunity(candidates[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("arbitrage: opportunity validation: %w", err)
	}

	valid := make([]domain.ArbitrageOpportunity, 0, len(candidates))
	for i, ok := range results {
		if !ok {
			continue
		}
		opp := candidates[i]
		opp.ExpectedProfit = metrics[i].EstimatedProfitUSDC
		opp.ExecProbability = metrics[i].ExecutionProbability
		valid = append(valid, opp)
	}

	d.recordDetection(len(valid), len(candidates))
	return valid, nil
}

// scanCandidates computes pairwise spreads over the current market view.
func (d *Detector) scanCandidates() []domain.ArbitrageOpportunity {
	d.mu.RLock()
	defer d.mu.RUnlock()

	now := time.Now().UTC()
	var out []domain.ArbitrageOpportunity
	for pair, byVenue := range d.quotes {
		venues := make([]string, 0, len(byVenue))
		for v := range byVenue {
			venues = append(venues, v)
		}
		sort.Strings(venues)

		for i := 0; i < len(venues); i++ {
			for j := i + 1; j < len(venues); j++ {
				qa, qb := byVenue[venues[i]], byVenue[venues[j]]
				diff, err := PriceDifferenceBps(qa.Price, qb.Price)
				if err != nil || diff < d.cfg.MinSpreadBps {
					continue
				}
				buy, sell := qa, qb
				if buy.Price > sell.Price {
					buy, sell = sell, buy
				}
				out = append(out, domain.ArbitrageOpportunity{
					ID:         uuid.NewString(),
					Pair:       pair,
					BuyVenue:   buy.Venue,
					SellVenue:  sell.Venue,
					BuyPrice:   buy.Price,
					SellPrice:  sell.Price,
					SpreadBps:  diff,
					Size:       d.cfg.MinLiquidityUSDC / buy.Price,
					DetectedAt: now,
				})
			}
		}
	}
	return out
}

// ValidateOpportunity re-checks an opportunity against the live market view:
// the spread must still clear the threshold and both legs must pass the
// liquidity check for the minimum notional. Fails closed on missing data.
func (d *Detector) ValidateOpportunity(opp domain.ArbitrageOpportunity) (bool, ValidationMetrics) {
	start := time.Now()
	var m ValidationMetrics
	defer func() { m.ValidationLatency = time.Since(start) }()

	buyQuote, okBuy := d.Quote(opp.BuyVenue, opp.Pair)
	sellQuote, okSell := d.Quote(opp.SellVenue, opp.Pair)
	if !okBuy || !okSell {
		return false, m
	}

	diff, err := PriceDifferenceBps(buyQuote.Price, sellQuote.Price)
	if err != nil || diff < d.cfg.MinSpreadBps {
		return false, m
	}

	requiredVolume := d.cfg.MinLiquidityUSDC / buyQuote.Price
	if !d.ValidateLiquidity(buyQuote.Book, requiredVolume) ||
		!d.ValidateLiquidity(sellQuote.Book, requiredVolume) {
		return false, m
	}

	m.PriceDifferenceBps = diff
	m.EstimatedProfitUSDC = diff * d.cfg.MinLiquidityUSDC / domain.BpsScale
	m.ExecutionProbability = execProbability
	return true, m
}

// Stats returns a copy of the cumulative detection statistics.
func (d *Detector) Stats() DetectionStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stats
}

func (d *Detector) recordDetection(validated, scanned int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.OpportunitiesFound += scanned
	d.stats.OpportunitiesValidated += validated
	window := d.latencies
	if len(window) > latencyAvgWindow {
		window = window[len(window)-latencyAvgWindow:]
	}
	if len(window) > 0 {
		d.stats.AvgDetectionLatencyMs = stats.Mean(window)
	}
}
