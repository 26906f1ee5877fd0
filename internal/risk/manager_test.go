package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexquant/tradebot/internal/domain"
)

type fakeStore struct {
	mu        sync.Mutex
	snapshots []domain.RiskStateSnapshot
	events    []domain.RiskEvent
	failPuts  bool
}

func (f *fakeStore) InsertSnapshot(_ context.Context, snap domain.RiskStateSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPuts {
		return errors.New("store down")
	}
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeStore) LatestSnapshot(context.Context) (domain.RiskStateSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.snapshots) == 0 {
		return domain.RiskStateSnapshot{}, domain.ErrNotFound
	}
	return f.snapshots[len(f.snapshots)-1], nil
}

func (f *fakeStore) InsertEvent(_ context.Context, ev domain.RiskEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) RecentEvents(context.Context, time.Time, int) ([]domain.RiskEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.RiskEvent(nil), f.events...), nil
}

func (f *fakeStore) PruneSnapshots(context.Context, time.Duration) (int64, error) { return 0, nil }

type fakeGateway struct {
	mu        sync.Mutex
	cancelled int
}

func (f *fakeGateway) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	return domain.OrderResult{
		Venue: req.Venue, Pair: req.Pair, Side: req.Side,
		FillPrice: req.Price, FillSize: req.Size, FilledAt: time.Now(),
	}, nil
}

func (f *fakeGateway) CancelOrders(context.Context, string) error { return nil }

func (f *fakeGateway) CancelAllOrders(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
	return nil
}

func (f *fakeGateway) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

type fakeAlerter struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeAlerter) Notify(_ context.Context, _, _, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

func newTestManager(t *testing.T, store *fakeStore, gw *fakeGateway, al *fakeAlerter) *Manager {
	t.Helper()
	calc := NewCalculator(CalculatorConfig{}, testLogger())
	m := NewManager(ManagerConfig{}, ManagerDeps{
		Calculator: calc,
		Store:      store,
		Gateway:    gw,
		Alerter:    al,
		Logger:     testLogger(),
	})
	return m
}

// seedMarket feeds n ticks for each pair following the given return pattern.
func seedMarket(m *Manager, pairs []string, n int, pattern []float64) {
	for pi, pair := range pairs {
		price := 100.0 + float64(pi)
		for i := 0; i < n; i++ {
			m.ObserveTick(domain.MarketTick{
				Pair: pair, Venue: "binance",
				Price: price, Volume: 1e6,
			})
			price *= 1 + pattern[(i+pi)%len(pattern)]
		}
	}
}

func TestValidateTradeEmergencyGate(t *testing.T) {
	m := newTestManager(t, &fakeStore{}, &fakeGateway{}, &fakeAlerter{})
	m.EmergencyShutdown(context.Background(), "test trigger")

	ok, v := m.ValidateTrade(domain.TradeRequest{Pair: "BTC-USDC", Size: 1, Price: 100})
	assert.False(t, ok)
	assert.Contains(t, v.Err, "Emergency stop")
}

func TestEmergencyShutdownIdempotent(t *testing.T) {
	store := &fakeStore{}
	gw := &fakeGateway{}
	al := &fakeAlerter{}
	m := newTestManager(t, store, gw, al)

	require.True(t, m.EmergencyShutdown(context.Background(), "drawdown breach"))
	require.True(t, m.EmergencyActive())
	firstCancels := gw.cancelCount()

	// second call re-logs only: no additional cancels, flag stays set
	require.True(t, m.EmergencyShutdown(context.Background(), "again"))
	assert.True(t, m.EmergencyActive())
	assert.Equal(t, firstCancels, gw.cancelCount())
	assert.Len(t, al.messages, 1)
	assert.Contains(t, al.messages[0], "Emergency stop active")
}

func TestEmergencyShutdownFailSafeOnPersistError(t *testing.T) {
	store := &fakeStore{failPuts: true}
	m := newTestManager(t, store, &fakeGateway{}, &fakeAlerter{})

	ok := m.EmergencyShutdown(context.Background(), "breach")
	assert.False(t, ok)
	// the gate stays closed even though persistence failed
	assert.True(t, m.EmergencyActive())
}

func TestAssessPortfolioRisk(t *testing.T) {
	m := newTestManager(t, &fakeStore{}, &fakeGateway{}, &fakeAlerter{})
	seedMarket(m, []string{"BTC-USDC", "ETH-USDC"}, 60, []float64{0.01, -0.01, 0.005, -0.005})
	m.SetPortfolio(domain.PortfolioState{
		Equity: 100_000,
		Positions: map[string]domain.Position{
			"BTC-USDC": {Pair: "BTC-USDC", Size: 100, EntryPrice: 100},
			"ETH-USDC": {Pair: "ETH-USDC", Size: 100, EntryPrice: 101},
		},
	})
	m.RecordEquity(100_000)

	snap, err := m.AssessPortfolioRisk(context.Background())
	require.NoError(t, err)

	assert.NotZero(t, snap.VaR[1].Value)
	assert.Len(t, snap.PositionExposure, 2)
	assert.Greater(t, snap.Concentration, 0.0)
	assert.Contains(t, snap.StressResults, "market_crash")
	assert.Greater(t, snap.LiquidityScore, 0.0)

	// history is appended
	assert.Equal(t, 1, m.Diagnostics().MetricsHistory)
}

func TestDrawdownFromEquityHistory(t *testing.T) {
	m := newTestManager(t, &fakeStore{}, &fakeGateway{}, &fakeAlerter{})
	m.RecordEquity(100_000)
	m.RecordEquity(120_000)
	m.RecordEquity(90_000)

	m.mu.RLock()
	dd := m.currentDrawdownLocked()
	m.mu.RUnlock()
	assert.InDelta(t, 0.25, dd, 1e-9)
}

func TestSeverityGraduation(t *testing.T) {
	m := newTestManager(t, &fakeStore{}, &fakeGateway{}, &fakeAlerter{})

	// exactly at the limit sits at the warning threshold
	assert.InDelta(t, warningSeverity, m.severity(0.15, 0.15), 1e-9)
	// below the limit scales linearly under warning
	assert.Less(t, m.severity(0.10, 0.15), warningSeverity)
	// at the emergency threshold severity saturates
	assert.InDelta(t, 1.0, m.severity(0.25, 0.15), 1e-9)
	// in between stays inside (warning, 1)
	mid := m.severity(0.20, 0.15)
	assert.Greater(t, mid, warningSeverity)
	assert.Less(t, mid, 1.0)
}

func TestHandleRiskBreachCriticalTriggersShutdown(t *testing.T) {
	store := &fakeStore{}
	gw := &fakeGateway{}
	m := newTestManager(t, store, gw, &fakeAlerter{})

	resp, err := m.HandleRiskBreach(context.Background(), domain.RiskEvent{
		Metric: "drawdown", Value: 0.26, Limit: 0.15, Severity: 0.95,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BreachCritical, resp.Level)
	assert.Contains(t, resp.Actions, "emergency_shutdown")
	assert.True(t, m.EmergencyActive())
	assert.Equal(t, 1, gw.cancelCount())
}

func TestHandleRiskBreachWarningReducesExposure(t *testing.T) {
	m := newTestManager(t, &fakeStore{}, &fakeGateway{}, &fakeAlerter{})
	m.SetPortfolio(domain.PortfolioState{
		Equity: 100_000,
		Positions: map[string]domain.Position{
			"BTC-USDC": {Pair: "BTC-USDC", Size: 100, EntryPrice: 100},
			"ETH-USDC": {Pair: "ETH-USDC", Size: 10, EntryPrice: 100},
		},
	})

	resp, err := m.HandleRiskBreach(context.Background(), domain.RiskEvent{
		Metric: "concentration", Value: 0.30, Limit: 0.25, Severity: 0.75,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BreachWarning, resp.Level)
	assert.Contains(t, resp.Actions, "reduce_exposure")
	assert.False(t, m.EmergencyActive())

	// the largest position was halved
	p := m.Portfolio()
	assert.InDelta(t, 50, p.Positions["BTC-USDC"].Size, 1e-9)
	assert.InDelta(t, 10, p.Positions["ETH-USDC"].Size, 1e-9)

	// heightened monitoring halves the cadence
	assert.Equal(t, m.cfg.UpdateInterval/2, m.monitorInterval())
}

func TestMonitorCycleDetectsBreach(t *testing.T) {
	store := &fakeStore{}
	m := newTestManager(t, store, &fakeGateway{}, &fakeAlerter{})
	seedMarket(m, []string{"BTC-USDC", "ETH-USDC"}, 60, []float64{0.01, -0.01, 0.005, -0.005})
	m.SetPortfolio(domain.PortfolioState{
		Equity: 100_000,
		Positions: map[string]domain.Position{
			"BTC-USDC": {Pair: "BTC-USDC", Size: 600, EntryPrice: 100},
			"ETH-USDC": {Pair: "ETH-USDC", Size: 100, EntryPrice: 101},
		},
	})
	m.RecordEquity(100_000)
	m.RecordEquity(70_000) // 30% drawdown, past the emergency threshold

	require.NoError(t, m.MonitorCycle(context.Background(), "1m"))
	assert.True(t, m.EmergencyActive())

	store.mu.Lock()
	defer store.mu.Unlock()
	require.NotEmpty(t, store.events)
}

func TestPersistStateWritesSnapshot(t *testing.T) {
	store := &fakeStore{}
	m := newTestManager(t, store, &fakeGateway{}, &fakeAlerter{})
	m.SetPortfolio(domain.PortfolioState{
		Equity:    50_000,
		Positions: map[string]domain.Position{"BTC-USDC": {Pair: "BTC-USDC", Size: 1, EntryPrice: 100}},
	})

	require.NoError(t, m.persistState(context.Background()))

	latest, err := store.LatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, latest.EmergencyActive)
	assert.InDelta(t, 50_000, latest.Portfolio.Equity, 1e-9)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	m := newTestManager(t, &fakeStore{}, &fakeGateway{}, &fakeAlerter{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestObserveTickBoundsHistory(t *testing.T) {
	calc := NewCalculator(CalculatorConfig{}, testLogger())
	m := NewManager(ManagerConfig{SeriesLimit: 10}, ManagerDeps{Calculator: calc, Logger: testLogger()})
	for i := 0; i < 50; i++ {
		m.ObserveTick(domain.MarketTick{Pair: "BTC-USDC", Price: 100 + float64(i), Volume: 1})
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.Len(t, m.series["BTC-USDC"].prices, 10)
	assert.InDelta(t, 149, m.series["BTC-USDC"].prices[9], 1e-9)
}
