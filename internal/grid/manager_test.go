package grid

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexquant/tradebot/internal/domain"
	"github.com/dexquant/tradebot/internal/risk"
)

type fakeRiskGate struct {
	approve   bool
	emergency bool
	portfolio domain.PortfolioState
}

func (f *fakeRiskGate) ValidateTrade(domain.TradeRequest) (bool, risk.Validation) {
	if !f.approve {
		return false, risk.Validation{Err: "trade rejected"}
	}
	return true, risk.Validation{Approved: true}
}

func (f *fakeRiskGate) EmergencyActive() bool            { return f.emergency }
func (f *fakeRiskGate) Portfolio() domain.PortfolioState { return f.portfolio }

type fakeMarket struct {
	mu     sync.Mutex
	series map[string]domain.MarketSeries
	prices map[string]float64
}

func (f *fakeMarket) Series(pair string) (domain.MarketSeries, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.series[pair]
	return s, ok
}

func (f *fakeMarket) LastPrice(pair string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[pair]
	return p, ok
}

func (f *fakeMarket) setPrice(pair string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[pair] = price
}

type fakeGridGateway struct {
	mu             sync.Mutex
	placed         []domain.OrderRequest
	cancelledPairs []string
	cancelledAll   int
}

func (g *fakeGridGateway) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placed = append(g.placed, req)
	return domain.OrderResult{
		OrderID:   fmt.Sprintf("grid-%d", len(g.placed)),
		Pair:      req.Pair,
		Side:      req.Side,
		FillPrice: req.Price,
		FillSize:  req.Size,
		FilledAt:  time.Now().UTC(),
	}, nil
}

func (g *fakeGridGateway) CancelOrders(_ context.Context, pair string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelledPairs = append(g.cancelledPairs, pair)
	return nil
}

func (g *fakeGridGateway) CancelAllOrders(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelledAll++
	return nil
}

func (g *fakeGridGateway) placedOrders() []domain.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.OrderRequest(nil), g.placed...)
}

func (g *fakeGridGateway) cancelledFor() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelledPairs...)
}

type managerFixture struct {
	manager *Manager
	gate    *fakeRiskGate
	market  *fakeMarket
	gateway *fakeGridGateway
}

func newManagerFixture(t *testing.T, cfg ManagerConfig) *managerFixture {
	t.Helper()
	gate := &fakeRiskGate{approve: true, portfolio: testPortfolio(100_000)}
	market := &fakeMarket{
		series: make(map[string]domain.MarketSeries),
		prices: make(map[string]float64),
	}
	gateway := &fakeGridGateway{}
	riskCalc := risk.NewCalculator(risk.CalculatorConfig{}, testLogger())
	calc := NewCalculator(CalculatorConfig{}, riskCalc, testLogger())
	return &managerFixture{
		manager: NewManager(cfg, calc, gate, market, gateway, testLogger()),
		gate:    gate,
		market:  market,
		gateway: gateway,
	}
}

func (f *managerFixture) setupGrid(t *testing.T, pair string, amp float64) domain.GridState {
	t.Helper()
	series := makeSeries(pair, 120, 100, amp, 50_000)
	f.market.mu.Lock()
	f.market.series[pair] = series
	f.market.prices[pair] = series.LastPrice()
	f.market.mu.Unlock()

	state, err := f.manager.SetupGrid(context.Background(), pair, series)
	require.NoError(t, err)
	return state
}

func TestSetupGridBuildsSymmetricLadder(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	state := f.setupGrid(t, "ETH-USDC", 0.005)

	require.NotEmpty(t, state.Levels)
	assert.Len(t, state.Levels, defaultBaseLevels)
	assert.Greater(t, state.Spacing, 0.0)

	for _, lv := range state.BuyLevels() {
		assert.Less(t, lv.Price, state.CenterPrice)
	}
	for _, lv := range state.SellLevels() {
		assert.GreaterOrEqual(t, lv.Price, state.CenterPrice)
	}

	stored, ok := f.manager.Grid("ETH-USDC")
	require.True(t, ok)
	assert.Equal(t, state.CenterPrice, stored.CenterPrice)
	assert.Len(t, stored.Levels, len(state.Levels))
}

func TestSetupGridRejectedByRiskGate(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	f.gate.approve = false

	series := makeSeries("ETH-USDC", 120, 100, 0.005, 50_000)
	_, err := f.manager.SetupGrid(context.Background(), "ETH-USDC", series)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")

	_, ok := f.manager.Grid("ETH-USDC")
	assert.False(t, ok)
}

func TestRebalanceReplacesLevelsWholesale(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	state := f.setupGrid(t, "ETH-USDC", 0.02)
	oldCount := len(state.Levels)

	// A calmer series drops current volatility below its rolling average,
	// so the recomputed plan carries a different level count.
	calm := makeSeries("ETH-USDC", 120, 100, 0.005, 50_000)
	f.market.mu.Lock()
	f.market.series["ETH-USDC"] = calm
	f.market.mu.Unlock()

	rebalanced, err := f.manager.RebalanceGrid(context.Background(), "ETH-USDC", 105)
	require.NoError(t, err)

	assert.NotEqual(t, oldCount, len(rebalanced.Levels))
	assert.Equal(t, 105.0, rebalanced.CenterPrice)
	assert.False(t, rebalanced.RebalancedAt.IsZero())
	assert.Equal(t, []string{"ETH-USDC"}, f.gateway.cancelledFor())

	stored, ok := f.manager.Grid("ETH-USDC")
	require.True(t, ok)
	assert.Len(t, stored.Levels, len(rebalanced.Levels))

	history := f.manager.RebalanceHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "ETH-USDC", history[0].Pair)
	assert.Equal(t, 105.0, history[0].Price)
}

func TestRebalanceUnknownPair(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	_, err := f.manager.RebalanceGrid(context.Background(), "SOL-USDC", 100)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMonitorCycleTriggersRebalance(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	f.setupGrid(t, "ETH-USDC", 0.005)

	// Push the price far outside the ladder so the deviation from the
	// nearest level exceeds the 2% threshold.
	f.market.setPrice("ETH-USDC", 130)

	require.NoError(t, f.manager.MonitorCycle(context.Background()))

	assert.Equal(t, []string{"ETH-USDC"}, f.gateway.cancelledFor())
	stored, ok := f.manager.Grid("ETH-USDC")
	require.True(t, ok)
	assert.Equal(t, 130.0, stored.CenterPrice)
}

func TestMonitorCycleIgnoresSmallDeviation(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	state := f.setupGrid(t, "ETH-USDC", 0.005)

	// Price sitting on a grid level has zero deviation.
	f.market.setPrice("ETH-USDC", state.Levels[0].Price)

	require.NoError(t, f.manager.MonitorCycle(context.Background()))
	assert.Empty(t, f.gateway.cancelledFor())
}

func TestMonitorCycleSkipsStaleGrid(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{HealthInterval: time.Nanosecond})
	f.setupGrid(t, "ETH-USDC", 0.005)
	time.Sleep(time.Millisecond)

	f.market.setPrice("ETH-USDC", 130)
	require.NoError(t, f.manager.MonitorCycle(context.Background()))
	assert.Empty(t, f.gateway.cancelledFor())
}

func TestRebalanceCancelsOnlyOwnPair(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	f.setupGrid(t, "ETH-USDC", 0.02)
	f.setupGrid(t, "SOL-USDC", 0.005)

	_, err := f.manager.RebalanceGrid(context.Background(), "ETH-USDC", 105)
	require.NoError(t, err)

	// The other pair's ladder keeps its resting orders, and the blanket
	// emergency cancel path stays untouched.
	assert.Equal(t, []string{"ETH-USDC"}, f.gateway.cancelledFor())
	assert.Zero(t, f.gateway.cancelledAll)

	stored, ok := f.manager.Grid("SOL-USDC")
	require.True(t, ok)
	for _, lv := range stored.Levels {
		assert.Equal(t, domain.LevelPending, lv.Status)
	}
}

func TestExecuteSubmitsTriggeredLevels(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	state := f.setupGrid(t, "ETH-USDC", 0.005)

	// Between the first and second buy rung: exactly one level triggers.
	price := state.CenterPrice * (1 - 1.5*state.Spacing)
	f.market.setPrice("ETH-USDC", price)

	summary, err := f.manager.Execute(context.Background())
	require.NoError(t, err)

	result, ok := summary.PerPair["ETH-USDC"]
	require.True(t, ok)
	require.Len(t, result.Trades, 1)
	assert.Equal(t, domain.SideBuy, result.Trades[0].Side)
	assert.Greater(t, result.Notional, 0.0)
	assert.Greater(t, result.MarketImpact, 0.0)
	assert.Greater(t, summary.Elapsed, time.Duration(0))

	// Exactly one level moved to filled; the rest stay pending.
	stored, ok := f.manager.Grid("ETH-USDC")
	require.True(t, ok)
	var filled int
	for _, lv := range stored.Levels {
		switch lv.Status {
		case domain.LevelFilled:
			filled++
		default:
			assert.Equal(t, domain.LevelPending, lv.Status)
		}
	}
	assert.Equal(t, 1, filled)

	// The filled level does not trigger again.
	summary, err = f.manager.Execute(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.PerPair["ETH-USDC"].Trades)
	assert.Len(t, f.gateway.placedOrders(), 1)
}

func TestRebalanceHistoryBounded(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	m := f.manager

	m.mu.Lock()
	for i := 0; i < rebalanceHistoryCap+10; i++ {
		m.recordRebalanceLocked(RebalanceEvent{Pair: "ETH-USDC", Price: float64(i)})
	}
	m.mu.Unlock()

	history := m.RebalanceHistory()
	require.Len(t, history, rebalanceHistoryCap)
	// The oldest entries fell off the front.
	assert.Equal(t, 10.0, history[0].Price)
	assert.Equal(t, float64(rebalanceHistoryCap+9), history[len(history)-1].Price)
}

func TestExecuteBlockedByEmergencyStop(t *testing.T) {
	f := newManagerFixture(t, ManagerConfig{})
	f.setupGrid(t, "ETH-USDC", 0.005)
	f.gate.emergency = true

	_, err := f.manager.Execute(context.Background())
	require.ErrorIs(t, err, domain.ErrEmergencyStop)
	assert.Empty(t, f.gateway.placedOrders())
}
