package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dexquant/tradebot/internal/domain"
	"github.com/dexquant/tradebot/internal/risk"
)

const (
	// MinProfitFloorBps is the global floor for the executor's profit
	// threshold.
	MinProfitFloorBps = 15.0

	defaultMaxSlippageBps = 50.0
	defaultMaxAttempts    = 3
	defaultAttemptTimeout = 500 * time.Millisecond

	// Base per-leg risk limits, tighter than the portfolio-wide bands.
	baseMaxPositionBps = 1000.0
	baseMinPositionBps = 10.0
	baseMaxDrawdown    = 0.05
)

// RiskState supplies the portfolio view the executor gates against.
type RiskState interface {
	Portfolio() domain.PortfolioState
	PairVolumes(pair string) []float64
	LatestVaR() (float64, bool)
	EmergencyActive() bool
}

// ExecutorConfig parameterizes execution.
type ExecutorConfig struct {
	MinProfitBps   float64
	MaxSlippageBps float64
	MaxAttempts    int
	AttemptTimeout time.Duration
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.MinProfitBps < MinProfitFloorBps {
		c.MinProfitBps = MinProfitFloorBps
	}
	if c.MaxSlippageBps == 0 {
		c.MaxSlippageBps = defaultMaxSlippageBps
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = defaultAttemptTimeout
	}
	return c
}

// ExecutionGates is the per-gate result of ValidateExecution.
type ExecutionGates struct {
	PriceDifferenceValid bool
	SlippageWithinLimits bool
	SufficientLiquidity  bool
	RiskLimitsSatisfied  bool
}

// Passed reports whether every gate cleared.
func (g ExecutionGates) Passed() bool {
	return g.PriceDifferenceValid && g.SlippageWithinLimits &&
		g.SufficientLiquidity && g.RiskLimitsSatisfied
}

// PathStep is one leg of a computed execution path.
type PathStep struct {
	Venue string
	Side  domain.OrderSide
	Size  float64
	Price float64
}

// ExecutionStats tracks cumulative executor performance.
type ExecutionStats struct {
	TotalExecutions      int
	SuccessfulExecutions int
	FailedExecutions     int
	AvgExecutionTime     time.Duration
	TotalProfitUSDC      float64
	TotalMEVSavingsUSDC  float64
}

// Executor turns validated opportunities into two-leg order submissions with
// bounded latency and per-attempt timeouts. It owns a detector for live
// market re-checks and a calculator with tighter base limits for per-leg
// gating.
type Executor struct {
	cfg       ExecutorConfig
	detector  *Detector
	riskState RiskState
	baseCalc  *risk.Calculator
	gateway   domain.OrderGateway
	logger    *slog.Logger

	statsMu sync.Mutex
	stats   ExecutionStats
}

// NewExecutor builds an Executor around the given detector, risk state, and
// order gateway.
func NewExecutor(cfg ExecutorConfig, detector *Detector, riskState RiskState,
	gateway domain.OrderGateway, logger *slog.Logger) *Executor {

	baseCalc := risk.NewCalculator(risk.CalculatorConfig{
		Limits: domain.RiskLimits{
			MaxPositionSizeBps: baseMaxPositionBps,
			MinPositionSizeBps: baseMinPositionBps,
			MaxDrawdown:        baseMaxDrawdown,
		},
	}, logger)

	return &Executor{
		cfg:       cfg.withDefaults(),
		detector:  detector,
		riskState: riskState,
		baseCalc:  baseCalc,
		gateway:   gateway,
		logger:    logger.With(slog.String("component", "arb_executor")),
	}
}

// Detector returns the executor's detector.
func (e *Executor) Detector() *Detector { return e.detector }

// ValidateExecution re-derives the four execution gates from the live market
// view: spread still above the profit floor, slippage under the ceiling,
// liquidity on both legs for the opportunity size, and portfolio VaR within
// the base drawdown budget.
func (e *Executor) ValidateExecution(opp domain.ArbitrageOpportunity) (bool, ExecutionGates) {
	var gates ExecutionGates

	buyQuote, okBuy := e.detector.Quote(opp.BuyVenue, opp.Pair)
	sellQuote, okSell := e.detector.Quote(opp.SellVenue, opp.Pair)
	if !okBuy || !okSell {
		return false, gates
	}

	diff, err := PriceDifferenceBps(buyQuote.Price, sellQuote.Price)
	if err == nil {
		gates.PriceDifferenceValid = diff >= e.cfg.MinProfitBps
	}

	gates.SlippageWithinLimits = Slippage(buyQuote.Book, opp.Size) <= e.cfg.MaxSlippageBps

	gates.SufficientLiquidity = e.detector.ValidateLiquidity(buyQuote.Book, opp.Size) &&
		e.detector.ValidateLiquidity(sellQuote.Book, opp.Size)

	if v, ok := e.riskState.LatestVaR(); ok {
		gates.RiskLimitsSatisfied = v <= baseMaxDrawdown
	}

	return gates.Passed(), gates
}

// ExecutionPath computes the largest size executable on both legs at once
// (the maximum of the element-wise minimum of the two cumulative depth
// curves) and returns the ordered buy-then-sell path. An empty path means no
// size is executable.
func (e *Executor) ExecutionPath(opp domain.ArbitrageOpportunity) []PathStep {
	buyQuote, okBuy := e.detector.Quote(opp.BuyVenue, opp.Pair)
	sellQuote, okSell := e.detector.Quote(opp.SellVenue, opp.Pair)
	if !okBuy || !okSell {
		return nil
	}
	asks, bids := buyQuote.Book.Asks, sellQuote.Book.Bids
	if len(asks) == 0 || len(bids) == 0 {
		return nil
	}

	var cumAsk, cumBid, maxSize float64
	n := len(asks)
	if len(bids) < n {
		n = len(bids)
	}
	for k := 0; k < n; k++ {
		cumAsk += asks[k].Size
		cumBid += bids[k].Size
		if m := math.Min(cumAsk, cumBid); m > maxSize {
			maxSize = m
		}
	}
	if maxSize <= 0 {
		return nil
	}

	return []PathStep{
		{Venue: opp.BuyVenue, Side: domain.SideBuy, Size: maxSize, Price: asks[0].Price},
		{Venue: opp.SellVenue, Side: domain.SideSell, Size: maxSize, Price: bids[0].Price},
	}
}

// Slippage estimates execution slippage in basis points for consuming size
// from the ask side of the book: volume-weighted fill price vs. the best
// ask. Returns +Inf for an empty book or insufficient depth (fail safe
// toward rejection) and 0 for a non-positive size.
func Slippage(book domain.OrderbookSnapshot, size float64) float64 {
	if len(book.Asks) == 0 {
		return math.Inf(1)
	}
	if size <= 0 {
		return 0
	}

	remaining := size
	var cost float64
	for _, lv := range book.Asks {
		take := math.Min(remaining, lv.Size)
		cost += take * lv.Price
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if remaining > 0 {
		return math.Inf(1)
	}

	best := book.Asks[0].Price
	vwap := cost / size
	return (vwap - best) / best * domain.BpsScale
}

// ExecuteOpportunity runs the full execution flow: gate validation, path
// computation, per-leg base risk checks, then concurrent submission of both
// legs with a per-attempt timeout and up to MaxAttempts retries. The result
// is always a structured report, never an error; statistics are updated
// exactly once per call.
func (e *Executor) ExecuteOpportunity(ctx context.Context, opp domain.ArbitrageOpportunity) domain.ExecutionReport {
	start := time.Now()
	report := domain.ExecutionReport{
		ExecutionID:   uuid.NewString(),
		OpportunityID: opp.ID,
	}
	defer func() {
		report.Elapsed = time.Since(start)
		e.recordExecution(&report)
	}()

	if e.riskState.EmergencyActive() {
		report.Error = domain.ErrEmergencyStop.Error()
		return report
	}

	ok, gates := e.ValidateExecution(opp)
	if !ok {
		report.Error = fmt.Sprintf("execution validation failed: %+v", gates)
		return report
	}

	path := e.ExecutionPath(opp)
	if len(path) == 0 {
		report.Error = "no executable size on both legs"
		return report
	}

	// Per-leg base risk gating; any failing leg aborts the whole attempt.
	portfolio := e.riskState.Portfolio()
	volumes := e.riskState.PairVolumes(opp.Pair)
	for _, step := range path {
		check := e.baseCalc.CheckTradeLimits(domain.TradeRequest{
			Pair:  opp.Pair,
			Size:  step.Size,
			Price: step.Price,
		}, portfolio, volumes)
		if !check.OK {
			report.Error = fmt.Sprintf("leg rejected by base risk limits: %s%s%s",
				check.SizeError, check.SlippageError, check.ConcentrationError)
			return report
		}
	}

	var errs []string
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		report.Attempts = attempt
		buyFill, sellFill, err := e.submitLegs(ctx, opp, path)
		if err == nil {
			report.Success = true
			report.BuyFill = &buyFill
			report.SellFill = &sellFill
			report.RealizedProfit = (sellFill.FillPrice - buyFill.FillPrice) * math.Min(buyFill.FillSize, sellFill.FillSize)
			report.MEVSavings = buyFill.MEVSavings + sellFill.MEVSavings
			return report
		}
		errs = append(errs, fmt.Sprintf("attempt %d: %v", attempt, err))
		e.logger.Warn("execution attempt failed",
			slog.String("opportunity", opp.ID),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if ctx.Err() != nil {
			break
		}
	}

	report.Error = fmt.Sprintf("all attempts failed: %v", errs)
	return report
}

// submitLegs places both legs concurrently under a single per-attempt
// timeout.
func (e *Executor) submitLegs(ctx context.Context, opp domain.ArbitrageOpportunity,
	path []PathStep) (domain.OrderResult, domain.OrderResult, error) {

	timeoutCtx, cancel := context.WithTimeoutCause(ctx, e.cfg.AttemptTimeout, domain.ErrExecutionTimeout)
	defer cancel()

	results := make([]domain.OrderResult, len(path))
	g, gctx := errgroup.WithContext(timeoutCtx)
	for i, step := range path {
		g.Go(func() error {
			res, err := e.gateway.PlaceOrder(gctx, domain.OrderRequest{
				Venue: step.Venue,
				Pair:  opp.Pair,
				Side:  step.Side,
				Price: step.Price,
				Size:  step.Size,
			})
			if err != nil {
				return fmt.Errorf("%s leg on %s: %w", step.Side, step.Venue, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if context.Cause(timeoutCtx) == domain.ErrExecutionTimeout {
			return domain.OrderResult{}, domain.OrderResult{}, domain.ErrExecutionTimeout
		}
		return domain.OrderResult{}, domain.OrderResult{}, err
	}
	return results[0], results[1], nil
}

// Stats returns a copy of the cumulative execution statistics.
func (e *Executor) Stats() ExecutionStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// recordExecution folds one result into the stats with a cumulative running
// average for execution time.
func (e *Executor) recordExecution(report *domain.ExecutionReport) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	e.stats.TotalExecutions++
	if report.Success {
		e.stats.SuccessfulExecutions++
		e.stats.TotalProfitUSDC += report.RealizedProfit
		e.stats.TotalMEVSavingsUSDC += report.MEVSavings
	} else {
		e.stats.FailedExecutions++
	}
	n := time.Duration(e.stats.TotalExecutions)
	e.stats.AvgExecutionTime = (e.stats.AvgExecutionTime*(n-1) + report.Elapsed) / n
}
