package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexquant/tradebot/internal/domain"
)

type fakeRiskState struct {
	equity    float64
	volumes   []float64
	varValue  float64
	hasVaR    bool
	emergency bool
}

func (f *fakeRiskState) Portfolio() domain.PortfolioState {
	return domain.PortfolioState{
		Positions: map[string]domain.Position{},
		Balance:   f.equity,
		Equity:    f.equity,
		PeakValue: f.equity,
	}
}

func (f *fakeRiskState) PairVolumes(string) []float64 { return f.volumes }
func (f *fakeRiskState) LatestVaR() (float64, bool)   { return f.varValue, f.hasVaR }
func (f *fakeRiskState) EmergencyActive() bool        { return f.emergency }

// fakeVenueGateway fills at the requested price. sellFails makes the sell
// leg error that many times; the sell leg runs exactly once per attempt, so
// it doubles as an attempt counter.
type fakeVenueGateway struct {
	mu        sync.Mutex
	placed    []domain.OrderRequest
	sellFails int
	blockSell bool
	mevPerLeg float64
}

func (g *fakeVenueGateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	g.mu.Lock()
	g.placed = append(g.placed, req)
	failSell := req.Side == domain.SideSell && g.sellFails > 0
	if failSell {
		g.sellFails--
	}
	block := req.Side == domain.SideSell && g.blockSell
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return domain.OrderResult{}, ctx.Err()
	}
	if failSell {
		return domain.OrderResult{}, errors.New("venue rejected order")
	}
	return domain.OrderResult{
		OrderID:    fmt.Sprintf("ord-%s-%s", req.Venue, req.Side),
		Venue:      req.Venue,
		Pair:       req.Pair,
		Side:       req.Side,
		FillPrice:  req.Price,
		FillSize:   req.Size,
		MEVSavings: g.mevPerLeg,
		FilledAt:   time.Now().UTC(),
	}, nil
}

func (g *fakeVenueGateway) CancelOrders(context.Context, string) error { return nil }

func (g *fakeVenueGateway) CancelAllOrders(context.Context) error { return nil }

func (g *fakeVenueGateway) placedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.placed)
}

// executableView loads the detector with a roughly 20 bps spread and enough
// depth on both legs.
func executableView(t *testing.T, d *Detector) domain.ArbitrageOpportunity {
	t.Helper()

	buyBook := domain.OrderbookSnapshot{
		Venue:     "dexA",
		Pair:      "ETH-USDC",
		Bids:      []domain.PriceLevel{{Price: 99.95, Size: 10}, {Price: 99.90, Size: 10}},
		Asks:      []domain.PriceLevel{{Price: 100.00, Size: 10}, {Price: 100.05, Size: 10}},
		Timestamp: time.Now().UTC(),
	}
	sellBook := domain.OrderbookSnapshot{
		Venue:     "dexB",
		Pair:      "ETH-USDC",
		Bids:      []domain.PriceLevel{{Price: 100.20, Size: 10}, {Price: 100.15, Size: 10}},
		Asks:      []domain.PriceLevel{{Price: 100.25, Size: 10}, {Price: 100.30, Size: 10}},
		Timestamp: time.Now().UTC(),
	}
	d.UpdateMarketData([]VenueQuote{
		{Venue: "dexA", Pair: "ETH-USDC", Price: 100.00, Book: buyBook, Timestamp: time.Now().UTC()},
		{Venue: "dexB", Pair: "ETH-USDC", Price: 100.20, Book: sellBook, Timestamp: time.Now().UTC()},
	})

	return domain.ArbitrageOpportunity{
		ID:        "opp-1",
		Pair:      "ETH-USDC",
		BuyVenue:  "dexA",
		SellVenue: "dexB",
		BuyPrice:  100.00,
		SellPrice: 100.20,
		Size:      5,
	}
}

func newTestExecutor(t *testing.T, gw domain.OrderGateway, rs RiskState) *Executor {
	t.Helper()
	d := newTestDetector(t, DetectorConfig{})
	return NewExecutor(ExecutorConfig{AttemptTimeout: 50 * time.Millisecond}, d, rs, gw, testLogger())
}

func healthyRiskState() *fakeRiskState {
	return &fakeRiskState{
		equity:   100_000,
		volumes:  []float64{50_000, 50_000},
		varValue: 0.02,
		hasVaR:   true,
	}
}

func TestSlippage(t *testing.T) {
	book := domain.OrderbookSnapshot{
		Asks: []domain.PriceLevel{{Price: 100, Size: 5}, {Price: 101, Size: 5}},
	}

	t.Run("vwap against best ask", func(t *testing.T) {
		// 5 at 100 plus 5 at 101 gives a 100.5 vwap, 50 bps off best.
		assert.InDelta(t, 50.0, Slippage(book, 10), 1e-9)
	})

	t.Run("zero within best level", func(t *testing.T) {
		assert.Equal(t, 0.0, Slippage(book, 3))
	})

	t.Run("zero for non-positive size", func(t *testing.T) {
		assert.Equal(t, 0.0, Slippage(book, 0))
		assert.Equal(t, 0.0, Slippage(book, -1))
	})

	t.Run("infinite for empty book", func(t *testing.T) {
		assert.True(t, math.IsInf(Slippage(domain.OrderbookSnapshot{}, 1), 1))
	})

	t.Run("infinite for insufficient depth", func(t *testing.T) {
		assert.True(t, math.IsInf(Slippage(book, 11), 1))
	})
}

func TestExecutorConfigDefaults(t *testing.T) {
	cfg := ExecutorConfig{MinProfitBps: 5}.withDefaults()
	assert.Equal(t, MinProfitFloorBps, cfg.MinProfitBps)
	assert.Equal(t, defaultMaxSlippageBps, cfg.MaxSlippageBps)
	assert.Equal(t, defaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, defaultAttemptTimeout, cfg.AttemptTimeout)
}

func TestValidateExecution(t *testing.T) {
	gw := &fakeVenueGateway{}
	ex := newTestExecutor(t, gw, healthyRiskState())
	opp := executableView(t, ex.Detector())

	ok, gates := ex.ValidateExecution(opp)
	assert.True(t, ok)
	assert.True(t, gates.PriceDifferenceValid)
	assert.True(t, gates.SlippageWithinLimits)
	assert.True(t, gates.SufficientLiquidity)
	assert.True(t, gates.RiskLimitsSatisfied)
}

func TestValidateExecutionFailsOnMissingQuote(t *testing.T) {
	ex := newTestExecutor(t, &fakeVenueGateway{}, healthyRiskState())
	ok, _ := ex.ValidateExecution(domain.ArbitrageOpportunity{
		Pair: "ETH-USDC", BuyVenue: "dexA", SellVenue: "dexB", Size: 1,
	})
	assert.False(t, ok)
}

func TestValidateExecutionFailsOnElevatedVaR(t *testing.T) {
	rs := healthyRiskState()
	rs.varValue = 0.08
	ex := newTestExecutor(t, &fakeVenueGateway{}, rs)
	opp := executableView(t, ex.Detector())

	ok, gates := ex.ValidateExecution(opp)
	assert.False(t, ok)
	assert.False(t, gates.RiskLimitsSatisfied)
	assert.True(t, gates.PriceDifferenceValid)
}

func TestExecutionPath(t *testing.T) {
	ex := newTestExecutor(t, &fakeVenueGateway{}, healthyRiskState())
	opp := executableView(t, ex.Detector())

	path := ex.ExecutionPath(opp)
	require.Len(t, path, 2)

	assert.Equal(t, domain.SideBuy, path[0].Side)
	assert.Equal(t, "dexA", path[0].Venue)
	assert.Equal(t, 100.00, path[0].Price)
	assert.Equal(t, 20.0, path[0].Size)

	assert.Equal(t, domain.SideSell, path[1].Side)
	assert.Equal(t, "dexB", path[1].Venue)
	assert.Equal(t, 100.20, path[1].Price)
	assert.Equal(t, 20.0, path[1].Size)
}

func TestExecutionPathEmptyWithoutQuotes(t *testing.T) {
	ex := newTestExecutor(t, &fakeVenueGateway{}, healthyRiskState())
	assert.Empty(t, ex.ExecutionPath(domain.ArbitrageOpportunity{
		Pair: "ETH-USDC", BuyVenue: "dexA", SellVenue: "dexB",
	}))
}

func TestExecuteOpportunitySucceedsFirstAttempt(t *testing.T) {
	gw := &fakeVenueGateway{}
	ex := newTestExecutor(t, gw, healthyRiskState())
	opp := executableView(t, ex.Detector())

	report := ex.ExecuteOpportunity(context.Background(), opp)
	assert.True(t, report.Success)
	assert.Equal(t, 1, report.Attempts)
	assert.Empty(t, report.Error)
	require.NotNil(t, report.BuyFill)
	require.NotNil(t, report.SellFill)
	assert.InDelta(t, 0.2*20, report.RealizedProfit, 1e-9)
	assert.Equal(t, 2, gw.placedCount())

	stats := ex.Stats()
	assert.Equal(t, 1, stats.TotalExecutions)
	assert.Equal(t, 1, stats.SuccessfulExecutions)
	assert.Equal(t, 0, stats.FailedExecutions)
	assert.InDelta(t, 0.2*20, stats.TotalProfitUSDC, 1e-9)
	assert.Greater(t, stats.AvgExecutionTime, time.Duration(0))
}

func TestDetectedOpportunityExecutesEndToEnd(t *testing.T) {
	// No hand-built opportunity: the detector's own output must carry a
	// positive size and clear every executor gate.
	gw := &fakeVenueGateway{}
	ex := newTestExecutor(t, gw, healthyRiskState())

	// 100 vs 101 is roughly 99.5 bps across books deep enough for the
	// minimum notional but small enough to keep each leg inside the base
	// position band.
	ex.Detector().UpdateMarketData([]VenueQuote{
		{Venue: "dexA", Pair: "ETH-USDC", Price: 100, Book: tightBook("dexA", "ETH-USDC", 100, 10), Timestamp: time.Now().UTC()},
		{Venue: "dexB", Pair: "ETH-USDC", Price: 101, Book: tightBook("dexB", "ETH-USDC", 101, 10), Timestamp: time.Now().UTC()},
	})

	opps, err := ex.Detector().DetectOpportunities(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, opps)
	assert.Greater(t, opps[0].Size, 0.0)

	report := ex.ExecuteOpportunity(context.Background(), opps[0])
	assert.True(t, report.Success, "detector-produced opportunity should execute: %s", report.Error)
	assert.Equal(t, 2, gw.placedCount())
}

func TestExecuteOpportunityAggregatesMEVSavings(t *testing.T) {
	gw := &fakeVenueGateway{mevPerLeg: 1.25}
	ex := newTestExecutor(t, gw, healthyRiskState())
	opp := executableView(t, ex.Detector())

	report := ex.ExecuteOpportunity(context.Background(), opp)
	require.True(t, report.Success)
	assert.InDelta(t, 2.5, report.MEVSavings, 1e-9)

	report = ex.ExecuteOpportunity(context.Background(), opp)
	require.True(t, report.Success)

	stats := ex.Stats()
	assert.InDelta(t, 5.0, stats.TotalMEVSavingsUSDC, 1e-9)
}

func TestExecuteOpportunityRetriesThenSucceeds(t *testing.T) {
	gw := &fakeVenueGateway{sellFails: 2}
	ex := newTestExecutor(t, gw, healthyRiskState())
	opp := executableView(t, ex.Detector())

	report := ex.ExecuteOpportunity(context.Background(), opp)
	assert.True(t, report.Success)
	assert.Equal(t, 3, report.Attempts)

	stats := ex.Stats()
	assert.Equal(t, 1, stats.TotalExecutions)
	assert.Equal(t, 1, stats.SuccessfulExecutions)
}

func TestExecuteOpportunityExhaustsAttempts(t *testing.T) {
	gw := &fakeVenueGateway{sellFails: 10}
	ex := newTestExecutor(t, gw, healthyRiskState())
	opp := executableView(t, ex.Detector())

	report := ex.ExecuteOpportunity(context.Background(), opp)
	assert.False(t, report.Success)
	assert.Equal(t, defaultMaxAttempts, report.Attempts)
	assert.Contains(t, report.Error, "all attempts failed")

	stats := ex.Stats()
	assert.Equal(t, 1, stats.TotalExecutions)
	assert.Equal(t, 1, stats.FailedExecutions)
}

func TestExecuteOpportunityAttemptTimeout(t *testing.T) {
	gw := &fakeVenueGateway{blockSell: true}
	ex := newTestExecutor(t, gw, healthyRiskState())
	opp := executableView(t, ex.Detector())

	report := ex.ExecuteOpportunity(context.Background(), opp)
	assert.False(t, report.Success)
	assert.Equal(t, defaultMaxAttempts, report.Attempts)
	assert.Contains(t, report.Error, domain.ErrExecutionTimeout.Error())
}

func TestExecuteOpportunityBlockedByEmergencyStop(t *testing.T) {
	rs := healthyRiskState()
	rs.emergency = true
	gw := &fakeVenueGateway{}
	ex := newTestExecutor(t, gw, rs)
	opp := executableView(t, ex.Detector())

	report := ex.ExecuteOpportunity(context.Background(), opp)
	assert.False(t, report.Success)
	assert.Contains(t, report.Error, "Emergency stop")
	assert.Zero(t, gw.placedCount())

	stats := ex.Stats()
	assert.Equal(t, 1, stats.TotalExecutions)
	assert.Equal(t, 1, stats.FailedExecutions)
}

func TestExecuteOpportunityLegRejectedByBaseLimits(t *testing.T) {
	// Equity of 1000 makes a 2000 USDC leg 20000 bps, far past the base
	// position band, so no order should reach the venue.
	rs := healthyRiskState()
	rs.equity = 1000
	gw := &fakeVenueGateway{}
	ex := newTestExecutor(t, gw, rs)
	opp := executableView(t, ex.Detector())

	report := ex.ExecuteOpportunity(context.Background(), opp)
	assert.False(t, report.Success)
	assert.Contains(t, report.Error, "Position size outside allowed limits")
	assert.Zero(t, gw.placedCount())
}

func TestExecuteOpportunityRejectedWhenSpreadCollapses(t *testing.T) {
	gw := &fakeVenueGateway{}
	ex := newTestExecutor(t, gw, healthyRiskState())
	opp := executableView(t, ex.Detector())

	// Collapse the spread to roughly 5 bps before executing.
	ex.Detector().UpdateMarketData([]VenueQuote{
		{Venue: "dexA", Pair: "ETH-USDC", Price: 100.00, Book: tightBook("dexA", "ETH-USDC", 100.00, 10), Timestamp: time.Now().UTC()},
		{Venue: "dexB", Pair: "ETH-USDC", Price: 100.05, Book: tightBook("dexB", "ETH-USDC", 100.05, 10), Timestamp: time.Now().UTC()},
	})

	report := ex.ExecuteOpportunity(context.Background(), opp)
	assert.False(t, report.Success)
	assert.Contains(t, report.Error, "execution validation failed")
	assert.Zero(t, gw.placedCount())
}
