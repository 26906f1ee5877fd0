// Package risk implements the portfolio risk engine: VaR and position-size
// mathematics in Calculator, and live monitoring with graduated breach
// response in Manager.
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/dexquant/tradebot/internal/domain"
	"github.com/dexquant/tradebot/internal/stats"
)

// VaRMethod selects the estimation technique for ValueAtRisk.
type VaRMethod string

const (
	VaRHistorical VaRMethod = "historical"
	VaRParametric VaRMethod = "parametric"
	VaRMonteCarlo VaRMethod = "monte_carlo"
)

const (
	defaultConfidence = 0.95
	defaultLookback   = 30
	minLookback       = 5
	volWindow         = 20
	monteCarloDraws   = 10000
	tradingDaysYear   = 252

	defaultImpactCoefficient    = 0.1
	defaultVolatilityAdjustment = 1.5
	defaultLiquidityFactor      = 0.8
	defaultMaxConcentration     = 0.25
	defaultCorrelationLimit     = 0.7
	defaultScoreThreshold       = 0.8
)

// varHorizons are the VaR projection horizons in days.
var varHorizons = []int{1, 5, 10}

// Gate weights for the trade validation score.
const (
	weightPositionSize  = 0.3
	weightConcentration = 0.3
	weightCorrelation   = 0.4
)

// CalculatorConfig parameterizes the risk mathematics. Zero values fall back
// to the documented defaults.
type CalculatorConfig struct {
	Confidence         float64
	LookbackDays       int
	Limits             domain.RiskLimits
	ScoreThreshold     float64
	ImpactCoefficient  float64
	VolAdjustmentCoeff float64
	LiquidityFactor    float64
}

func (c CalculatorConfig) withDefaults() CalculatorConfig {
	if c.Confidence == 0 {
		c.Confidence = defaultConfidence
	}
	c.Confidence = math.Min(math.Max(c.Confidence, 0.90), 0.99)
	if c.LookbackDays == 0 {
		c.LookbackDays = defaultLookback
	}
	if c.LookbackDays < minLookback {
		c.LookbackDays = minLookback
	}
	if c.Limits.MaxPositionSizeBps == 0 {
		c.Limits.MaxPositionSizeBps = domain.MaxPositionSizeBps
	}
	if c.Limits.MinPositionSizeBps == 0 {
		c.Limits.MinPositionSizeBps = domain.MinPositionSizeBps
	}
	if c.Limits.MaxConcentration == 0 {
		c.Limits.MaxConcentration = defaultMaxConcentration
	}
	if c.Limits.CorrelationLimit == 0 {
		c.Limits.CorrelationLimit = defaultCorrelationLimit
	}
	if c.ScoreThreshold == 0 {
		c.ScoreThreshold = defaultScoreThreshold
	}
	if c.ImpactCoefficient == 0 {
		c.ImpactCoefficient = defaultImpactCoefficient
	}
	if c.VolAdjustmentCoeff == 0 {
		c.VolAdjustmentCoeff = defaultVolatilityAdjustment
	}
	if c.LiquidityFactor == 0 {
		c.LiquidityFactor = defaultLiquidityFactor
	}
	return c
}

// Calculator performs stateless-per-call risk math. The only retained state
// is the most recent correlation matrix, cached for correlation-risk
// assessment by the manager.
type Calculator struct {
	cfg    CalculatorConfig
	logger *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	corrMu    sync.RWMutex
	corr      [][]float64
	corrPairs []string
}

// NewCalculator builds a Calculator with clamped configuration.
func NewCalculator(cfg CalculatorConfig, logger *slog.Logger) *Calculator {
	return &Calculator{
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "risk_calculator")),
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Limits returns the effective risk limits after defaulting.
func (c *Calculator) Limits() domain.RiskLimits { return c.cfg.Limits }

// CorrelationMatrix returns the cached correlation matrix from the most
// recent portfolio risk computation, with its pair ordering.
func (c *Calculator) CorrelationMatrix() ([][]float64, []string) {
	c.corrMu.RLock()
	defer c.corrMu.RUnlock()
	return c.corr, c.corrPairs
}

// ValueAtRisk computes VaR for the 1, 5, and 10 day horizons using the
// requested method. Requires at least LookbackDays return observations.
//
// The historical method scales returns by a volatility adjustment factor
// (current stddev over the mean of 20-sample rolling stddevs) before taking
// the tail percentile; the Monte Carlo method draws 10,000 samples from a
// normal fit of the observed returns and is not horizon-scaled.
func (c *Calculator) ValueAtRisk(returns []float64, method VaRMethod) (map[int]domain.VaREstimate, error) {
	if len(returns) < c.cfg.LookbackDays {
		return nil, fmt.Errorf("%w: have %d returns, need %d for VaR",
			domain.ErrInsufficientData, len(returns), c.cfg.LookbackDays)
	}

	currentVol := stats.StdDev(returns)
	histVol := meanRollingStd(returns, volWindow)
	volAdj := 1.0
	if histVol != 0 {
		volAdj = currentVol / histVol
	}

	tail := (1 - c.cfg.Confidence) * 100
	out := make(map[int]domain.VaREstimate, len(varHorizons))
	for _, horizon := range varHorizons {
		var v float64
		switch method {
		case VaRHistorical:
			scaled := make([]float64, len(returns))
			for i, r := range returns {
				scaled[i] = r * volAdj
			}
			v = stats.Percentile(scaled, tail) * math.Sqrt(float64(horizon))
		case VaRParametric:
			v = stats.NormInv(1-c.cfg.Confidence) * currentVol * math.Sqrt(float64(horizon))
		case VaRMonteCarlo:
			c.rngMu.Lock()
			draws := stats.NormalDraws(c.rng, monteCarloDraws, stats.Mean(returns), currentVol)
			c.rngMu.Unlock()
			v = stats.Percentile(draws, tail)
		default:
			return nil, fmt.Errorf("risk: unknown VaR method %q", method)
		}

		out[horizon] = domain.VaREstimate{
			Value:         math.Abs(v),
			Confidence:    c.cfg.Confidence,
			Method:        string(method),
			HorizonDays:   horizon,
			CILow:         v * 0.9,
			CIHigh:        v * 1.1,
			VolAdjustment: volAdj,
		}
	}
	return out, nil
}

// MarketConditions carries the per-pair observables PositionSize needs.
type MarketConditions struct {
	Volatility    float64
	AverageVolume float64
}

// SizeRecommendation is the result of a position-sizing run.
type SizeRecommendation struct {
	RecommendedSize float64
	VolAdjustment   float64
	MarketImpact    float64
	Concentration   float64
	LiquidityScore  float64
}

// PositionSize derives an optimal position notional from volatility, market
// impact, and concentration headroom. existingPositions maps pair to current
// position notional. impactCoefficient overrides the configured coefficient
// when non-zero.
func (c *Calculator) PositionSize(cond MarketConditions, portfolioValue float64,
	existingPositions map[string]float64, impactCoefficient float64) (SizeRecommendation, error) {

	if portfolioValue <= 0 {
		return SizeRecommendation{}, fmt.Errorf("risk: portfolio value must be positive, got %v", portfolioValue)
	}
	if cond.AverageVolume <= 0 {
		return SizeRecommendation{}, fmt.Errorf("%w: average volume must be positive for sizing", domain.ErrInsufficientData)
	}
	if impactCoefficient == 0 {
		impactCoefficient = c.cfg.ImpactCoefficient
	}

	volAdjusted := (c.cfg.Limits.MaxPositionSizeBps / domain.BpsScale) * portfolioValue /
		(1 + cond.Volatility*c.cfg.VolAdjustmentCoeff)

	impact := (volAdjusted / cond.AverageVolume) * impactCoefficient
	liquidityAdjusted := volAdjusted * (1 - impact*c.cfg.LiquidityFactor)

	var totalExposure float64
	for _, v := range existingPositions {
		totalExposure += v
	}
	headroom := c.cfg.Limits.MaxConcentration*portfolioValue - totalExposure

	final := math.Max(
		math.Min(headroom, liquidityAdjusted),
		c.cfg.Limits.MinPositionSizeBps/domain.BpsScale*portfolioValue,
	)

	return SizeRecommendation{
		RecommendedSize: final,
		VolAdjustment:   cond.Volatility * c.cfg.VolAdjustmentCoeff,
		MarketImpact:    impact,
		Concentration:   final / portfolioValue,
		LiquidityScore:  1 - impact,
	}, nil
}

// PortfolioReport is the output of PortfolioRisk.
type PortfolioReport struct {
	VaR                  map[int]domain.VaREstimate
	Correlation          [][]float64
	Pairs                []string
	Concentration        float64
	Stress               map[string]map[int]domain.VaREstimate
	SharpeRatio          float64
	MaxDrawdown          float64
	DiversificationScore float64
}

// PortfolioRisk runs the full portfolio assessment: per-pair returns, the
// cross-pair correlation matrix, concentration, stress-scenario VaR, and
// risk-adjusted metrics. priceHistory maps pair to an ordered price series.
func (c *Calculator) PortfolioRisk(portfolio domain.PortfolioState,
	priceHistory map[string][]float64, scenarios []domain.StressScenario) (*PortfolioReport, error) {

	if len(portfolio.Positions) == 0 {
		return nil, fmt.Errorf("%w: portfolio has no positions", domain.ErrInsufficientData)
	}
	if len(priceHistory) == 0 {
		return nil, fmt.Errorf("%w: no price history for portfolio risk", domain.ErrInsufficientData)
	}

	pairs := make([]string, 0, len(priceHistory))
	for pair := range priceHistory {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)

	perPair := make([][]float64, 0, len(pairs))
	var pooled []float64
	marks := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		prices := priceHistory[pair]
		rets := pctChange(prices)
		perPair = append(perPair, rets)
		pooled = append(pooled, rets...)
		if len(prices) > 0 {
			marks[pair] = prices[len(prices)-1]
		}
	}
	if len(pooled) < c.cfg.LookbackDays {
		return nil, fmt.Errorf("%w: have %d pooled returns, need %d", domain.ErrInsufficientData, len(pooled), c.cfg.LookbackDays)
	}

	corr := stats.CorrelationMatrix(perPair)
	c.corrMu.Lock()
	c.corr = corr
	c.corrPairs = pairs
	c.corrMu.Unlock()

	values := portfolio.PositionValues(marks)
	var total, largest float64
	for _, v := range values {
		total += v
		if v > largest {
			largest = v
		}
	}
	var concentration float64
	if total > 0 {
		concentration = largest / total
	}

	report := &PortfolioReport{
		Correlation:          corr,
		Pairs:                pairs,
		Concentration:        concentration,
		DiversificationScore: 1 - concentration,
	}

	varMetrics, err := c.ValueAtRisk(pooled, VaRHistorical)
	if err != nil {
		return report, fmt.Errorf("risk: portfolio VaR: %w", err)
	}
	report.VaR = varMetrics

	report.Stress = make(map[string]map[int]domain.VaREstimate, len(scenarios))
	for _, sc := range scenarios {
		shocked := make([]float64, len(pooled))
		for i, r := range pooled {
			shocked[i] = r * sc.ShockFactor
		}
		stressVaR, err := c.ValueAtRisk(shocked, VaRHistorical)
		if err != nil {
			c.logger.Warn("stress scenario failed", slog.String("scenario", sc.Name), slog.Any("error", err))
			continue
		}
		report.Stress[sc.Name] = stressVaR
	}

	if sd := stats.StdDev(pooled); sd > 0 {
		report.SharpeRatio = stats.Mean(pooled) / sd * math.Sqrt(tradingDaysYear)
	}
	report.MaxDrawdown = maxDrawdownOf(pooled)

	return report, nil
}

// TradeValidation is the diagnostic result of ValidateTrade.
type TradeValidation struct {
	Approved   bool
	RiskScore  float64
	Gates      map[string]bool
	Pre        *PortfolioReport
	Post       *PortfolioReport
	RiskChange map[string]float64
	Err        string
}

// ValidateTrade simulates the post-trade portfolio and scores the trade
// against three gates: position size in bps of equity, post-trade
// concentration, and pairwise (off-diagonal) correlation. Gate results are
// weighted 0.3/0.3/0.4 into a risk score; the trade is approved when the
// score reaches the configured threshold. Failures never panic; any internal
// error surfaces as a rejection with the error recorded.
func (c *Calculator) ValidateTrade(trade domain.TradeRequest, portfolio domain.PortfolioState,
	priceHistory map[string][]float64, scenarios []domain.StressScenario) (bool, TradeValidation) {

	pre, err := c.PortfolioRisk(portfolio, priceHistory, scenarios)
	if err != nil {
		return false, TradeValidation{Err: err.Error(), Pre: pre}
	}

	simulated := clonePortfolio(portfolio)
	if pos, ok := simulated.Positions[trade.Pair]; ok {
		pos.Size += trade.Size
		simulated.Positions[trade.Pair] = pos
	} else {
		simulated.Positions[trade.Pair] = domain.Position{
			Pair:       trade.Pair,
			Size:       trade.Size,
			EntryPrice: trade.Price,
		}
	}

	post, err := c.PortfolioRisk(simulated, priceHistory, scenarios)
	if err != nil {
		return false, TradeValidation{Err: err.Error(), Pre: pre}
	}

	gates := map[string]bool{
		"position_size": false,
		"concentration": post.Concentration <= c.cfg.Limits.MaxConcentration,
		"correlation":   maxOffDiagonal(post.Correlation) <= c.cfg.Limits.CorrelationLimit,
	}
	if portfolio.Equity > 0 {
		sizeBps := trade.Value() / portfolio.Equity * domain.BpsScale
		gates["position_size"] = sizeBps <= c.cfg.Limits.MaxPositionSizeBps
	}

	score := 0.0
	if gates["position_size"] {
		score += weightPositionSize
	}
	if gates["concentration"] {
		score += weightConcentration
	}
	if gates["correlation"] {
		score += weightCorrelation
	}

	approved := score >= c.cfg.ScoreThreshold
	return approved, TradeValidation{
		Approved:  approved,
		RiskScore: score,
		Gates:     gates,
		Pre:       pre,
		Post:      post,
		RiskChange: map[string]float64{
			"concentration":   post.Concentration - pre.Concentration,
			"sharpe_ratio":    post.SharpeRatio - pre.SharpeRatio,
			"max_drawdown":    post.MaxDrawdown - pre.MaxDrawdown,
			"diversification": post.DiversificationScore - pre.DiversificationScore,
		},
	}
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// meanRollingStd averages the sample stddev over sliding windows of size w.
// Returns 0 when the series is shorter than one full window.
func meanRollingStd(xs []float64, w int) float64 {
	if len(xs) < w {
		return 0
	}
	var sum float64
	var n int
	for i := w; i <= len(xs); i++ {
		sum += stats.StdDev(xs[i-w : i])
		n++
	}
	return sum / float64(n)
}

func pctChange(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (prices[i]-prices[i-1])/prices[i-1])
	}
	return out
}

// maxDrawdownOf returns the largest gap between a running maximum of the
// series and a later value.
func maxDrawdownOf(xs []float64) float64 {
	var peak, maxDD float64
	peak = math.Inf(-1)
	for _, x := range xs {
		if x > peak {
			peak = x
		}
		if dd := peak - x; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// maxOffDiagonal returns the largest absolute correlation outside the
// diagonal, 0 for matrices smaller than 2x2.
func maxOffDiagonal(m [][]float64) float64 {
	var maxCorr float64
	for i := range m {
		for j := range m[i] {
			if i == j {
				continue
			}
			if v := math.Abs(m[i][j]); v > maxCorr {
				maxCorr = v
			}
		}
	}
	return maxCorr
}

func clonePortfolio(p domain.PortfolioState) domain.PortfolioState {
	out := p
	out.Positions = make(map[string]domain.Position, len(p.Positions)+1)
	for k, v := range p.Positions {
		out.Positions[k] = v
	}
	return out
}
