package grid

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dexquant/tradebot/internal/domain"
	"github.com/dexquant/tradebot/internal/risk"
)

const (
	defaultUpdateInterval = 300 * time.Second
	defaultHealthInterval = 60 * time.Second

	// defaultRebalanceThreshold is the fractional deviation from the
	// nearest grid level that forces a rebalance.
	defaultRebalanceThreshold = 0.02

	errorBackoff = time.Second

	rebalanceHistoryCap = 1000
)

// RiskGate is the slice of the risk manager the grid strategy depends on.
type RiskGate interface {
	ValidateTrade(trade domain.TradeRequest) (bool, risk.Validation)
	EmergencyActive() bool
	Portfolio() domain.PortfolioState
}

// MarketData supplies the current market view per pair.
type MarketData interface {
	Series(pair string) (domain.MarketSeries, bool)
	LastPrice(pair string) (float64, bool)
}

// ManagerConfig parameterizes the grid lifecycle loops.
type ManagerConfig struct {
	UpdateInterval     time.Duration
	HealthInterval     time.Duration
	RebalanceThreshold float64
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.UpdateInterval == 0 {
		c.UpdateInterval = defaultUpdateInterval
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.RebalanceThreshold == 0 {
		c.RebalanceThreshold = defaultRebalanceThreshold
	}
	return c
}

// RebalanceEvent records one grid rebalance for performance history.
type RebalanceEvent struct {
	Timestamp    time.Time
	Pair         string
	Price        float64
	MarketImpact float64
}

// PairExecution is the per-pair result of one Execute pass.
type PairExecution struct {
	Trades       []domain.OrderResult
	Notional     float64
	MarketImpact float64
}

// ExecutionSummary aggregates one Execute pass across all active pairs.
type ExecutionSummary struct {
	PerPair map[string]PairExecution
	Elapsed time.Duration
}

// gridEntry is the manager's per-pair live state.
type gridEntry struct {
	state     domain.GridState
	plan      *Plan
	updatedAt time.Time

	profits      float64
	rebalances   int
	marketImpact float64
}

// Manager owns live grid state per trading pair and drives the
// setup/monitor/rebalance/execute lifecycle. All public methods are safe for
// concurrent use; monitoring loop errors are logged and never terminate the
// loop.
type Manager struct {
	cfg      ManagerConfig
	calc     *Calculator
	riskGate RiskGate
	market   MarketData
	gateway  domain.OrderGateway
	logger   *slog.Logger

	mu              sync.RWMutex
	grids           map[string]*gridEntry
	rebalanceEvents []RebalanceEvent
	execLatencies   []time.Duration
}

// NewManager builds a grid Manager.
func NewManager(cfg ManagerConfig, calc *Calculator, riskGate RiskGate,
	market MarketData, gateway domain.OrderGateway, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		calc:     calc,
		riskGate: riskGate,
		market:   market,
		gateway:  gateway,
		logger:   logger.With(slog.String("component", "grid_manager")),
		grids:    make(map[string]*gridEntry),
	}
}

// SetupGrid validates market data, derives a grid plan, risk-validates the
// implied per-level trade, and stores a fresh symmetric ladder around the
// current price. Levels below the current price are buys, at or above sells.
func (m *Manager) SetupGrid(ctx context.Context, pair string, series domain.MarketSeries) (domain.GridState, error) {
	plan, err := m.calc.OptimizeGridParameters(series, m.riskGate.Portfolio())
	if err != nil {
		return domain.GridState{}, fmt.Errorf("grid: setup %s: %w", pair, err)
	}

	currentPrice := series.LastPrice()
	if approved, v := m.riskGate.ValidateTrade(domain.TradeRequest{
		Pair:  pair,
		Size:  plan.PositionSize / currentPrice,
		Price: currentPrice,
	}); !approved {
		return domain.GridState{}, fmt.Errorf("grid: setup %s rejected by risk manager: %s", pair, v.Err)
	}

	now := time.Now().UTC()
	state := domain.GridState{
		Pair:        pair,
		CenterPrice: currentPrice,
		Spacing:     plan.Spacing,
		Levels:      buildLevels(plan, currentPrice),
		CreatedAt:   now,
	}

	m.mu.Lock()
	m.grids[pair] = &gridEntry{state: state, plan: plan, updatedAt: now}
	m.mu.Unlock()

	m.logger.Info("grid set up",
		slog.String("pair", pair),
		slog.Int("levels", plan.Levels),
		slog.Float64("spacing", plan.Spacing),
		slog.Float64("center", currentPrice))
	return state, nil
}

// Grid returns a copy of the stored grid state for a pair.
func (m *Manager) Grid(pair string) (domain.GridState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.grids[pair]
	if !ok {
		return domain.GridState{}, false
	}
	state := e.state
	state.Levels = append([]domain.GridLevel(nil), e.state.Levels...)
	return state, true
}

// MonitorAndAdjust runs the monitoring loop until ctx is canceled. Each
// cycle checks grid health and deviation per pair and rebalances where
// needed. Per-iteration errors are logged, followed by a short backoff.
func (m *Manager) MonitorAndAdjust(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.UpdateInterval)
	defer ticker.Stop()
	m.logger.Info("grid monitoring started", slog.Duration("interval", m.cfg.UpdateInterval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := m.MonitorCycle(ctx); err != nil {
			m.logger.Error("grid monitoring cycle failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(errorBackoff):
			}
		}
	}
}

// MonitorCycle runs a single monitoring pass over every active grid.
// Exposed so tests and external drivers can step the monitor without the
// ticker loop.
func (m *Manager) MonitorCycle(ctx context.Context) error {
	m.mu.RLock()
	pairs := make([]string, 0, len(m.grids))
	for pair := range m.grids {
		pairs = append(pairs, pair)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, pair := range pairs {
		if !m.healthy(pair) {
			continue
		}
		price, ok := m.market.LastPrice(pair)
		if !ok || price <= 0 {
			m.logger.Warn("no current price for grid", slog.String("pair", pair))
			continue
		}
		deviation := m.deviation(pair, price)
		if math.Abs(deviation) <= m.cfg.RebalanceThreshold {
			continue
		}
		if _, err := m.RebalanceGrid(ctx, pair, price); err != nil {
			m.logger.Error("grid rebalance failed",
				slog.String("pair", pair), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RebalanceGrid recomputes the plan, re-validates it, cancels resting
// orders, and replaces the ladder wholesale around the given price.
func (m *Manager) RebalanceGrid(ctx context.Context, pair string, currentPrice float64) (domain.GridState, error) {
	m.mu.RLock()
	entry, ok := m.grids[pair]
	m.mu.RUnlock()
	if !ok {
		return domain.GridState{}, fmt.Errorf("grid: rebalance: %w: no active grid for %s", domain.ErrNotFound, pair)
	}

	series, ok := m.market.Series(pair)
	if !ok {
		return domain.GridState{}, fmt.Errorf("grid: rebalance %s: %w: no market series", pair, domain.ErrInsufficientData)
	}

	plan, err := m.calc.OptimizeGridParameters(series, m.riskGate.Portfolio())
	if err != nil {
		return domain.GridState{}, fmt.Errorf("grid: rebalance %s: %w", pair, err)
	}

	if approved, v := m.riskGate.ValidateTrade(domain.TradeRequest{
		Pair:  pair,
		Size:  plan.PositionSize / currentPrice,
		Price: currentPrice,
	}); !approved {
		return domain.GridState{}, fmt.Errorf("grid: rebalance %s rejected by risk manager: %s", pair, v.Err)
	}

	// Withdraw only this pair's resting orders; other grids and in-flight
	// arbitrage legs keep theirs.
	if err := m.gateway.CancelOrders(ctx, pair); err != nil {
		return domain.GridState{}, fmt.Errorf("grid: rebalance %s: cancel orders: %w", pair, err)
	}

	now := time.Now().UTC()
	state := domain.GridState{
		Pair:         pair,
		CenterPrice:  currentPrice,
		Spacing:      plan.Spacing,
		Levels:       buildLevels(plan, currentPrice),
		CreatedAt:    entry.state.CreatedAt,
		RebalancedAt: now,
	}

	m.mu.Lock()
	var cancelled int
	for i := range entry.state.Levels {
		if entry.state.Levels[i].Status == domain.LevelPending {
			entry.state.Levels[i].Status = domain.LevelCancelled
			cancelled++
		}
	}
	entry.state = state
	entry.plan = plan
	entry.updatedAt = now
	entry.rebalances++
	entry.marketImpact = plan.Market.MarketImpact
	m.recordRebalanceLocked(RebalanceEvent{
		Timestamp:    now,
		Pair:         pair,
		Price:        currentPrice,
		MarketImpact: plan.Market.MarketImpact,
	})
	m.mu.Unlock()

	m.logger.Info("grid rebalanced",
		slog.String("pair", pair),
		slog.Int("levels", plan.Levels),
		slog.Int("cancelled_levels", cancelled),
		slog.Float64("price", currentPrice))
	return state, nil
}

// recordRebalanceLocked appends one rebalance event, dropping the oldest past
// the history cap. Callers must hold m.mu.
func (m *Manager) recordRebalanceLocked(ev RebalanceEvent) {
	m.rebalanceEvents = append(m.rebalanceEvents, ev)
	if len(m.rebalanceEvents) > rebalanceHistoryCap {
		m.rebalanceEvents = m.rebalanceEvents[len(m.rebalanceEvents)-rebalanceHistoryCap:]
	}
}

// Execute submits every triggered, unfilled grid level at the current price
// across all active pairs. The emergency stop fails the whole pass closed.
func (m *Manager) Execute(ctx context.Context) (ExecutionSummary, error) {
	start := time.Now()
	summary := ExecutionSummary{PerPair: make(map[string]PairExecution)}

	if m.riskGate.EmergencyActive() {
		return summary, domain.ErrEmergencyStop
	}

	m.mu.RLock()
	pairs := make([]string, 0, len(m.grids))
	for pair := range m.grids {
		pairs = append(pairs, pair)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, pair := range pairs {
		price, ok := m.market.LastPrice(pair)
		if !ok || price <= 0 {
			continue
		}
		result, err := m.executePair(ctx, pair, price)
		if err != nil {
			m.logger.Error("grid execution failed",
				slog.String("pair", pair), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		summary.PerPair[pair] = result
	}

	summary.Elapsed = time.Since(start)
	m.mu.Lock()
	m.execLatencies = append(m.execLatencies, summary.Elapsed)
	if len(m.execLatencies) > 1000 {
		m.execLatencies = m.execLatencies[len(m.execLatencies)-1000:]
	}
	m.mu.Unlock()
	return summary, firstErr
}

// executePair submits the triggered levels of one grid: buys when the price
// has fallen to or below the level, sells when it has risen to or above.
func (m *Manager) executePair(ctx context.Context, pair string, currentPrice float64) (PairExecution, error) {
	m.mu.RLock()
	entry, ok := m.grids[pair]
	if !ok {
		m.mu.RUnlock()
		return PairExecution{}, fmt.Errorf("grid: %w: %s", domain.ErrNotFound, pair)
	}
	levels := append([]domain.GridLevel(nil), entry.state.Levels...)
	m.mu.RUnlock()

	var result PairExecution
	filled := make(map[int]bool)
	for _, lv := range levels {
		if lv.Status != domain.LevelPending || !levelTriggered(lv, currentPrice) {
			continue
		}
		res, err := m.gateway.PlaceOrder(ctx, domain.OrderRequest{
			Pair:  pair,
			Side:  domain.OrderSide(lv.Side),
			Price: lv.Price,
			Size:  lv.Size,
		})
		if err != nil {
			return result, fmt.Errorf("grid: level %d: %w", lv.Index, err)
		}
		result.Trades = append(result.Trades, res)
		result.Notional += res.FillPrice * res.FillSize
		filled[lv.Index] = true
	}

	if len(filled) > 0 {
		m.mu.Lock()
		for i := range entry.state.Levels {
			if filled[entry.state.Levels[i].Index] {
				entry.state.Levels[i].Status = domain.LevelFilled
			}
		}
		entry.profits += result.Notional * entry.state.Spacing
		m.mu.Unlock()
	}

	if series, ok := m.market.Series(pair); ok && len(series.Volumes) > 0 {
		var avgVolume float64
		for _, v := range series.Volumes {
			avgVolume += v
		}
		avgVolume /= float64(len(series.Volumes))
		if avgVolume > 0 {
			result.MarketImpact = result.Notional / avgVolume
		}
	}
	return result, nil
}

// RebalanceHistory returns a copy of the recorded rebalance events.
func (m *Manager) RebalanceHistory() []RebalanceEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RebalanceEvent(nil), m.rebalanceEvents...)
}

// healthy reports whether a grid is fresh enough and non-empty to act on.
func (m *Manager) healthy(pair string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.grids[pair]
	if !ok {
		return false
	}
	if time.Since(entry.updatedAt) > m.cfg.HealthInterval {
		m.logger.Warn("grid stale, skipping cycle", slog.String("pair", pair))
		return false
	}
	if len(entry.state.Levels) == 0 {
		m.logger.Warn("grid has no levels, skipping cycle", slog.String("pair", pair))
		return false
	}
	return true
}

// deviation returns the fractional distance of the current price from the
// nearest grid level.
func (m *Manager) deviation(pair string, currentPrice float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.grids[pair]
	if !ok || len(entry.state.Levels) == 0 {
		return 0
	}
	closest := entry.state.Levels[0].Price
	for _, lv := range entry.state.Levels[1:] {
		if math.Abs(lv.Price-currentPrice) < math.Abs(closest-currentPrice) {
			closest = lv.Price
		}
	}
	if closest == 0 {
		return 0
	}
	return (currentPrice - closest) / closest
}

// buildLevels lays out exactly plan.Levels rungs around the center price,
// spaced by plan.Spacing: negative indexes below the center are buys,
// the rest sells.
func buildLevels(plan *Plan, centerPrice float64) []domain.GridLevel {
	levels := make([]domain.GridLevel, 0, plan.Levels)
	for i := -plan.Levels / 2; len(levels) < plan.Levels; i++ {
		side := domain.GridSell
		if i < 0 {
			side = domain.GridBuy
		}
		levels = append(levels, domain.GridLevel{
			Index:  i,
			Side:   side,
			Price:  centerPrice * (1 + float64(i)*plan.Spacing),
			Size:   plan.PositionSize / centerPrice,
			Status: domain.LevelPending,
		})
	}
	return levels
}

// levelTriggered reports whether the current price has crossed a level.
func levelTriggered(lv domain.GridLevel, currentPrice float64) bool {
	if lv.Side == domain.GridBuy {
		return currentPrice <= lv.Price
	}
	return currentPrice >= lv.Price
}
