// Package grid implements volatility-adaptive grid trading: a calculator
// that turns market history into a ladder plan and a manager that owns live
// per-pair grids.
package grid

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/dexquant/tradebot/internal/domain"
	"github.com/dexquant/tradebot/internal/risk"
	"github.com/dexquant/tradebot/internal/stats"
)

const (
	// MinGridLevels and MaxGridLevels bound the ladder size.
	MinGridLevels = 3
	MaxGridLevels = 20

	// MinGridSpacing and MaxGridSpacing bound the fractional distance
	// between adjacent levels.
	MinGridSpacing = 0.001
	MaxGridSpacing = 0.05

	// DefaultProfitTarget is the minimum per-level profit fraction.
	DefaultProfitTarget = 0.002

	defaultVolatilityWindow = 24
	defaultRiskAdjustment   = 0.8
	defaultImpactThreshold  = 0.01
	defaultBaseLevels       = (MaxGridLevels + MinGridLevels) / 2
)

// CalculatorConfig parameterizes grid planning.
type CalculatorConfig struct {
	ProfitTarget     float64
	VolatilityWindow int
	RiskAdjustment   float64
	ImpactThreshold  float64
	BaseLevels       int
	MinLevels        int
	MaxLevels        int
	MinSpacing       float64
	MaxSpacing       float64
}

func (c CalculatorConfig) withDefaults() CalculatorConfig {
	if c.ProfitTarget == 0 {
		c.ProfitTarget = DefaultProfitTarget
	}
	if c.VolatilityWindow == 0 {
		c.VolatilityWindow = defaultVolatilityWindow
	}
	if c.RiskAdjustment == 0 {
		c.RiskAdjustment = defaultRiskAdjustment
	}
	if c.ImpactThreshold == 0 {
		c.ImpactThreshold = defaultImpactThreshold
	}
	if c.BaseLevels == 0 {
		c.BaseLevels = defaultBaseLevels
	}
	if c.MinLevels == 0 {
		c.MinLevels = MinGridLevels
	}
	if c.MaxLevels == 0 {
		c.MaxLevels = MaxGridLevels
	}
	if c.MinSpacing == 0 {
		c.MinSpacing = MinGridSpacing
	}
	if c.MaxSpacing == 0 {
		c.MaxSpacing = MaxGridSpacing
	}
	return c
}

// MarketMetrics are the observables a plan was derived from.
type MarketMetrics struct {
	Volatility    float64
	VolumeProfile float64
	MarketImpact  float64
}

// Plan is a complete grid trading plan for one pair.
type Plan struct {
	Levels        int
	Spacing       float64
	PositionSize  float64 // per-level notional
	TotalPosition float64
	RiskCheck     risk.TradeCheck
	Market        MarketMetrics
}

// Calculator derives grid plans from market history, keeping a rolling
// volatility history so the level count adapts to the current regime. Safe
// for concurrent use.
type Calculator struct {
	cfg      CalculatorConfig
	riskCalc *risk.Calculator
	logger   *slog.Logger

	mu         sync.Mutex
	volHistory []float64
}

// NewCalculator builds a grid Calculator on top of a risk calculator.
func NewCalculator(cfg CalculatorConfig, riskCalc *risk.Calculator, logger *slog.Logger) *Calculator {
	return &Calculator{
		cfg:      cfg.withDefaults(),
		riskCalc: riskCalc,
		logger:   logger.With(slog.String("component", "grid_calculator")),
	}
}

// CalculateGridSpacing derives the fractional distance between adjacent grid
// levels: exponentially-weighted volatility scaled to the window horizon and
// the risk adjustment, widened in thin markets, floored at the target profit,
// and clamped to the allowed spacing band.
func (c *Calculator) CalculateGridSpacing(series domain.MarketSeries, targetProfit, volumeProfile float64) (float64, error) {
	returns := series.Returns()
	if len(returns) < 2 {
		return 0, fmt.Errorf("%w: need at least 3 prices for grid spacing, have %d",
			domain.ErrInsufficientData, series.Len())
	}

	volatility := stats.EWMStd(returns, c.cfg.VolatilityWindow)
	baseSpacing := volatility * math.Sqrt(float64(c.cfg.VolatilityWindow)) * c.cfg.RiskAdjustment

	// Thin markets get wider spacing: a volume profile below the impact
	// threshold scales the base up by as much as 2x.
	profileFactor := math.Min(1, volumeProfile/c.cfg.ImpactThreshold)
	adjusted := baseSpacing * (1 + (1 - profileFactor))

	spacing := math.Max(targetProfit, adjusted)
	spacing = math.Min(math.Max(spacing, c.cfg.MinSpacing), c.cfg.MaxSpacing)
	return spacing, nil
}

// OptimizeGridParameters turns market history into a full grid plan:
// spacing from volatility and volume profile, level count inversely
// proportional to current volatility relative to its recent average, sizing
// from the risk calculator, and a final per-level trade check that fails the
// whole optimization on rejection.
func (c *Calculator) OptimizeGridParameters(series domain.MarketSeries,
	portfolio domain.PortfolioState) (*Plan, error) {

	if err := domain.ValidateSeries(series); err != nil {
		return nil, fmt.Errorf("grid: optimization input: %w", err)
	}

	returns := series.Returns()
	currentVol := stats.StdDev(returns)
	avgHistVol := c.rollVolatility(currentVol)

	maxVolume := 0.0
	for _, v := range series.Volumes {
		if v > maxVolume {
			maxVolume = v
		}
	}
	volumeProfile := 0.0
	if maxVolume > 0 {
		volumeProfile = stats.Mean(series.Volumes) / maxVolume
	}

	spacing, err := c.CalculateGridSpacing(series, c.cfg.ProfitTarget, volumeProfile)
	if err != nil {
		return nil, err
	}

	levels := c.levelCount(currentVol, avgHistVol)

	existing := make(map[string]float64, len(portfolio.Positions))
	for pair, pos := range portfolio.Positions {
		existing[pair] = pos.Value(pos.EntryPrice)
	}
	rec, err := c.riskCalc.PositionSize(risk.MarketConditions{
		Volatility:    currentVol,
		AverageVolume: stats.Mean(series.Volumes),
	}, portfolio.Equity, existing, 0)
	if err != nil {
		return nil, fmt.Errorf("grid: position sizing: %w", err)
	}

	perLevel := rec.RecommendedSize / float64(levels)
	lastPrice := series.LastPrice()
	check := c.riskCalc.CheckTradeLimits(domain.TradeRequest{
		Pair:  series.Pair,
		Size:  perLevel / lastPrice,
		Price: lastPrice,
	}, portfolio, series.Volumes)
	if !check.OK {
		return nil, fmt.Errorf("%w: grid setup failed risk validation: %s%s%s",
			domain.ErrTradeRejected, check.SizeError, check.SlippageError, check.ConcentrationError)
	}

	c.logger.Debug("grid plan computed",
		slog.String("pair", series.Pair),
		slog.Int("levels", levels),
		slog.Float64("spacing", spacing),
		slog.Float64("per_level", perLevel))

	return &Plan{
		Levels:        levels,
		Spacing:       spacing,
		PositionSize:  perLevel,
		TotalPosition: rec.RecommendedSize,
		RiskCheck:     check,
		Market: MarketMetrics{
			Volatility:    currentVol,
			VolumeProfile: volumeProfile,
			MarketImpact:  rec.MarketImpact,
		},
	}, nil
}

// rollVolatility appends the observation to the rolling history and returns
// the historical average including it.
func (c *Calculator) rollVolatility(currentVol float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volHistory = append(c.volHistory, currentVol)
	if len(c.volHistory) > c.cfg.VolatilityWindow {
		c.volHistory = c.volHistory[len(c.volHistory)-c.cfg.VolatilityWindow:]
	}
	return stats.Mean(c.volHistory)
}

// levelCount scales the base level count by avg/current volatility: calm
// markets (current below average) get more, tighter levels.
func (c *Calculator) levelCount(currentVol, avgHistVol float64) int {
	factor := 1.0
	if currentVol > 0 {
		factor = avgHistVol / currentVol
	}
	levels := int(math.Round(float64(c.cfg.BaseLevels) * factor))
	if levels < c.cfg.MinLevels {
		levels = c.cfg.MinLevels
	}
	if levels > c.cfg.MaxLevels {
		levels = c.cfg.MaxLevels
	}
	return levels
}
