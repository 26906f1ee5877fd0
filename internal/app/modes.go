package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dexquant/tradebot/internal/arbitrage"
	"github.com/dexquant/tradebot/internal/domain"
	"github.com/dexquant/tradebot/internal/feed"
	"github.com/dexquant/tradebot/internal/grid"
	"github.com/dexquant/tradebot/internal/risk"
)

const (
	// gridSetupRetryInterval is how often pending grids retry setup while
	// the series tracker accumulates enough history.
	gridSetupRetryInterval = 30 * time.Second

	// gridExecuteInterval drives the grid fill-check loop.
	gridExecuteInterval = 10 * time.Second

	// maintenanceInterval drives the archive export loop in full mode.
	maintenanceInterval = 24 * time.Hour

	exportBatchLimit = 10_000
)

// engine bundles the strategy components built on top of Wire's
// infrastructure for one mode. A nil gateway yields a read-only engine that
// assesses risk and detects opportunities without ever placing orders.
type engine struct {
	risk      *risk.Manager
	detector  *arbitrage.Detector
	executor  *arbitrage.Executor
	grid      *grid.Manager
	tracker   *feed.SeriesTracker
	venueFeed *feed.VenueFeed
}

func (a *App) buildEngine(deps *Dependencies, gateway domain.OrderGateway) *engine {
	riskCalc := risk.NewCalculator(risk.CalculatorConfig{
		Confidence: a.cfg.Risk.VaRConfidence,
		Limits: domain.RiskLimits{
			MaxPositionSizeBps: a.cfg.Risk.MaxPositionSizeBps,
			MinPositionSizeBps: a.cfg.Risk.MinPositionSizeBps,
			MaxDrawdown:        a.cfg.Risk.MaxDrawdown,
			MaxConcentration:   a.cfg.Risk.MaxConcentration,
			CorrelationLimit:   a.cfg.Risk.CorrelationLimit,
			VaRConfidence:      a.cfg.Risk.VaRConfidence,
		},
		ScoreThreshold:     a.cfg.Risk.RiskScoreThreshold,
		ImpactCoefficient:  a.cfg.Risk.ImpactCoefficient,
		VolAdjustmentCoeff: a.cfg.Risk.VolatilityAdjustment,
		LiquidityFactor:    a.cfg.Risk.LiquidityFactor,
	}, a.logger)

	riskDeps := risk.ManagerDeps{
		Calculator: riskCalc,
		Store:      deps.RiskStore,
		Gateway:    gateway,
		Alerter:    deps.Notifier,
		Logger:     a.logger,
	}
	if deps.Archiver != nil {
		riskDeps.Sink = deps.Archiver
	} else if deps.StateFile != nil {
		riskDeps.Sink = deps.StateFile
	}
	riskMgr := risk.NewManager(risk.ManagerConfig{
		MaxDrawdown:        a.cfg.Risk.MaxDrawdown,
		EmergencyThreshold: a.cfg.Risk.EmergencyThreshold,
		UpdateInterval:     a.cfg.Risk.UpdateInterval.Duration,
		PersistInterval:    a.cfg.Risk.PersistInterval.Duration,
		Timeframes:         a.cfg.Risk.Timeframes,
		HistoryLimit:       a.cfg.Risk.MetricsHistory,
		SnapshotRetention:  a.cfg.Risk.SnapshotRetention.Duration,
	}, riskDeps)

	detector := arbitrage.NewDetector(arbitrage.DetectorConfig{
		MinSpreadBps:     a.cfg.Arbitrage.MinSpreadBps,
		MinLiquidityUSDC: a.cfg.Arbitrage.MinLiquidityUSDC,
		MaxImpact:        a.cfg.Arbitrage.MaxImpact,
	}, a.logger)
	executor := arbitrage.NewExecutor(arbitrage.ExecutorConfig{
		MinProfitBps:   a.cfg.Arbitrage.MinProfitBps,
		MaxSlippageBps: a.cfg.Arbitrage.MaxSlippageBps,
		MaxAttempts:    a.cfg.Arbitrage.MaxAttempts,
		AttemptTimeout: a.cfg.Arbitrage.AttemptTimeout.Duration,
	}, detector, riskMgr, gateway, a.logger)

	gridCalc := grid.NewCalculator(grid.CalculatorConfig{
		ProfitTarget:     a.cfg.Grid.ProfitTarget,
		VolatilityWindow: a.cfg.Grid.VolatilityWindow,
		RiskAdjustment:   a.cfg.Grid.RiskAdjustment,
		ImpactThreshold:  a.cfg.Grid.ImpactThreshold,
		BaseLevels:       a.cfg.Grid.BaseLevels,
		MinLevels:        a.cfg.Grid.MinLevels,
		MaxLevels:        a.cfg.Grid.MaxLevels,
		MinSpacing:       a.cfg.Grid.MinSpacing,
		MaxSpacing:       a.cfg.Grid.MaxSpacing,
	}, riskCalc, a.logger)

	tracker := feed.NewSeriesTracker(0)
	gridMgr := grid.NewManager(grid.ManagerConfig{
		UpdateInterval:     a.cfg.Grid.UpdateInterval.Duration,
		HealthInterval:     a.cfg.Grid.HealthInterval.Duration,
		RebalanceThreshold: a.cfg.Grid.RebalanceThreshold,
	}, gridCalc, riskMgr, tracker, gateway, a.logger)

	router := feed.NewRouter(riskMgr, detector, deps.MarketCache, tracker, a.logger)
	venueFeed := feed.NewVenueFeed(a.feedEndpoints(), router, a.logger)

	return &engine{
		risk:      riskMgr,
		detector:  detector,
		executor:  executor,
		grid:      gridMgr,
		tracker:   tracker,
		venueFeed: venueFeed,
	}
}

// feedEndpoints resolves one WebSocket endpoint per configured feed venue.
// Venues declared in a [[venue]] block use their own ws_url; anything else
// falls back to the shared feed.ws_url.
func (a *App) feedEndpoints() []feed.VenueEndpoint {
	wsByVenue := make(map[string]string, len(a.cfg.Venues))
	for _, vc := range a.cfg.Venues {
		if vc.WSURL != "" {
			wsByVenue[vc.Name] = vc.WSURL
		}
	}

	endpoints := make([]feed.VenueEndpoint, 0, len(a.cfg.Feed.Venues))
	for _, name := range a.cfg.Feed.Venues {
		wsURL := wsByVenue[name]
		if wsURL == "" {
			wsURL = a.cfg.Feed.WsURL
		}
		endpoints = append(endpoints, feed.VenueEndpoint{
			Venue: name,
			WSURL: wsURL,
			Pairs: a.cfg.Feed.Pairs,
		})
	}
	return endpoints
}

// restoreState seeds the risk manager from the last persisted snapshot so a
// restart keeps the equity high-water mark. The archive is the fallback when
// the primary store has no history.
func (a *App) restoreState(ctx context.Context, deps *Dependencies, eng *engine) {
	snap, err := deps.RiskStore.LatestSnapshot(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		switch {
		case deps.Archiver != nil:
			snap, err = deps.Archiver.LatestState(ctx)
		case deps.StateFile != nil:
			snap, err = deps.StateFile.LatestState(ctx)
		}
	}
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			a.logger.WarnContext(ctx, "risk state recovery failed", slog.Any("error", err))
		}
		return
	}

	if snap.Portfolio.Equity > 0 {
		eng.risk.SetPortfolio(snap.Portfolio)
		eng.risk.RecordEquity(snap.Portfolio.Equity)
	}
	a.logger.InfoContext(ctx, "risk state restored",
		slog.Time("snapshot_time", snap.Timestamp),
		slog.Bool("emergency_was_active", snap.EmergencyActive))
}

// runCore starts the goroutines every mode needs: the market data feed and
// the risk monitor loops.
func (a *App) runCore(ctx context.Context, g *errgroup.Group, eng *engine) {
	g.Go(func() error {
		defer eng.venueFeed.Close()
		return eng.venueFeed.Run(ctx)
	})
	if a.cfg.Risk.MonitoringEnabled {
		g.Go(func() error {
			return eng.risk.Run(ctx)
		})
	} else {
		a.logger.WarnContext(ctx, "risk monitoring disabled by config")
	}
}

// runArbScan starts the detect/execute loop. Every scan interval the detector
// reconsiders the full market view; validated opportunities go straight to
// the executor and each report is persisted.
func (a *App) runArbScan(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engine) {
	interval := a.cfg.Arbitrage.ScanInterval.Duration
	if interval <= 0 {
		interval = time.Second
	}

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				opps, err := eng.detector.DetectOpportunities(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					a.logger.WarnContext(ctx, "opportunity scan failed", slog.Any("error", err))
					continue
				}

				for _, opp := range opps {
					report := eng.executor.ExecuteOpportunity(ctx, opp)

					if insertErr := deps.ExecutionStore.Insert(ctx, report); insertErr != nil {
						a.logger.ErrorContext(ctx, "execution report persistence failed",
							slog.String("execution_id", report.ExecutionID),
							slog.Any("error", insertErr))
					}

					if report.Success {
						a.logger.InfoContext(ctx, "arbitrage executed",
							slog.String("pair", opp.Pair),
							slog.String("buy_venue", opp.BuyVenue),
							slog.String("sell_venue", opp.SellVenue),
							slog.Float64("profit_usdc", report.RealizedProfit),
							slog.Duration("elapsed", report.Elapsed))
						_ = deps.Notifier.Notify(ctx, "arb_executed",
							fmt.Sprintf("Arbitrage executed: %s", opp.Pair),
							fmt.Sprintf("buy %s / sell %s, profit %.2f USDC after %d attempt(s)",
								opp.BuyVenue, opp.SellVenue, report.RealizedProfit, report.Attempts))
					} else {
						a.logger.WarnContext(ctx, "arbitrage execution failed",
							slog.String("pair", opp.Pair),
							slog.Int("attempts", report.Attempts),
							slog.String("error", report.Error))
					}
				}
			}
		}
	})
}

// runGrid starts the grid lifecycle: setup retries until every configured
// pair has enough market history, then monitoring and the fill-check loop run
// for the life of the mode.
func (a *App) runGrid(ctx context.Context, g *errgroup.Group, eng *engine) {
	g.Go(func() error {
		return a.setupGrids(ctx, eng)
	})
	g.Go(func() error {
		return eng.grid.MonitorAndAdjust(ctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(gridExecuteInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				summary, err := eng.grid.Execute(ctx)
				if err != nil {
					a.logger.WarnContext(ctx, "grid execution pass failed", slog.Any("error", err))
					continue
				}
				for pair, pe := range summary.PerPair {
					if len(pe.Trades) == 0 {
						continue
					}
					a.logger.InfoContext(ctx, "grid levels filled",
						slog.String("pair", pair),
						slog.Int("trades", len(pe.Trades)),
						slog.Float64("notional", pe.Notional))
				}
			}
		}
	})
}

// setupGrids keeps retrying grid setup for each configured pair until the
// tracker has accumulated a valid series. It returns once every pair has a
// live grid.
func (a *App) setupGrids(ctx context.Context, eng *engine) error {
	pending := make(map[string]bool, len(a.cfg.Grid.Pairs))
	for _, pair := range a.cfg.Grid.Pairs {
		pending[pair] = true
	}

	ticker := time.NewTicker(gridSetupRetryInterval)
	defer ticker.Stop()

	for len(pending) > 0 {
		for pair := range pending {
			series, ok := eng.tracker.Series(pair)
			if !ok {
				continue
			}
			state, err := eng.grid.SetupGrid(ctx, pair, series)
			if err != nil {
				a.logger.DebugContext(ctx, "grid setup deferred",
					slog.String("pair", pair),
					slog.Any("error", err))
				continue
			}
			a.logger.InfoContext(ctx, "grid ready",
				slog.String("pair", pair),
				slog.Float64("center_price", state.CenterPrice),
				slog.Int("levels", len(state.Levels)))
			delete(pending, pair)
		}
		if len(pending) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// alertLoop relays newly persisted risk breaches to the notifier. Only events
// above NORMAL are forwarded; the cursor advances past everything seen so a
// breach is alerted at most once.
func (a *App) alertLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Risk.UpdateInterval.Duration
	if interval <= 0 {
		interval = 5 * time.Second
	}

	since := time.Now().UTC()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			events, err := deps.RiskStore.RecentEvents(ctx, since, 100)
			if err != nil {
				a.logger.WarnContext(ctx, "risk event poll failed", slog.Any("error", err))
				continue
			}
			newest := since
			for _, ev := range events {
				if !ev.Timestamp.After(since) {
					continue
				}
				if ev.Timestamp.After(newest) {
					newest = ev.Timestamp
				}
				if ev.Level == domain.BreachNone {
					continue
				}
				if err := deps.Notifier.NotifyRiskEvent(ctx, ev); err != nil {
					a.logger.WarnContext(ctx, "risk alert delivery failed",
						slog.String("metric", ev.Metric),
						slog.Any("error", err))
				}
			}
			since = newest
		}
	}
}

// maintenanceLoop periodically exports execution history to the archive.
// Without an archive there is nothing to do and the loop exits.
func (a *App) maintenanceLoop(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return nil
	}

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			reports, err := deps.ExecutionStore.Recent(ctx, exportBatchLimit)
			if err != nil {
				a.logger.WarnContext(ctx, "execution export read failed", slog.Any("error", err))
				continue
			}
			if len(reports) == 0 {
				continue
			}
			n, err := deps.Archiver.ExportExecutions(ctx, reports, time.Now().UTC())
			if err != nil {
				a.logger.ErrorContext(ctx, "execution export upload failed", slog.Any("error", err))
				continue
			}
			a.logger.InfoContext(ctx, "execution history exported", slog.Int64("reports", n))
		}
	}
}

// ArbitrageMode runs the market data feed, the risk monitor, and the
// arbitrage detect/execute loop.
func (a *App) ArbitrageMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting arbitrage mode")

	g, ctx := errgroup.WithContext(ctx)
	eng := a.buildEngine(deps, deps.Gateway)
	a.restoreState(ctx, deps, eng)

	a.runCore(ctx, g, eng)
	a.runArbScan(ctx, g, deps, eng)
	g.Go(func() error { return a.alertLoop(ctx, deps) })

	return g.Wait()
}

// GridMode runs the market data feed, the risk monitor, and the grid
// strategy lifecycle for every configured pair.
func (a *App) GridMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting grid mode",
		slog.Any("pairs", a.cfg.Grid.Pairs))

	g, ctx := errgroup.WithContext(ctx)
	eng := a.buildEngine(deps, deps.Gateway)
	a.restoreState(ctx, deps, eng)

	a.runCore(ctx, g, eng)
	a.runGrid(ctx, g, eng)
	g.Go(func() error { return a.alertLoop(ctx, deps) })

	return g.Wait()
}

// MonitorMode runs risk assessment over the live feed without an order
// gateway. No orders are ever placed; breaches still persist and alert.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode, orders disabled")

	g, ctx := errgroup.WithContext(ctx)
	eng := a.buildEngine(deps, nil)
	a.restoreState(ctx, deps, eng)

	a.runCore(ctx, g, eng)
	g.Go(func() error { return a.alertLoop(ctx, deps) })

	return g.Wait()
}

// FullMode runs every subsystem: feed, risk monitor, arbitrage, grid, alerts,
// and archive maintenance.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	eng := a.buildEngine(deps, deps.Gateway)
	a.restoreState(ctx, deps, eng)

	a.runCore(ctx, g, eng)
	if a.cfg.Arbitrage.Enabled {
		a.runArbScan(ctx, g, deps, eng)
	}
	if a.cfg.Grid.Enabled {
		a.runGrid(ctx, g, eng)
	}
	g.Go(func() error { return a.alertLoop(ctx, deps) })
	g.Go(func() error { return a.maintenanceLoop(ctx, deps) })

	return g.Wait()
}
