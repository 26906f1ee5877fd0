package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dexquant/tradebot/internal/domain"
	"github.com/dexquant/tradebot/internal/stats"
)

// Breach severity thresholds for the graduated response.
const (
	warningSeverity  = 0.7
	criticalSeverity = 0.9
)

// Defaults for the monitoring cadence.
const (
	defaultUpdateInterval  = 5 * time.Second
	defaultPersistInterval = 60 * time.Second
	defaultHistoryLimit    = 1000
	defaultSeriesLimit     = 500
)

var defaultTimeframes = []string{"1m", "5m", "15m", "1h"}

// monitorScenarios are the stress scenarios applied on every assessment
// cycle.
var monitorScenarios = []domain.StressScenario{
	{Name: "high_volatility", ShockFactor: 1.5},
	{Name: "market_crash", ShockFactor: 2.0},
	{Name: "correlation_shock", ShockFactor: 1.8},
}

// validateScenarios are the stress scenarios applied during trade
// validation.
var validateScenarios = []domain.StressScenario{
	{Name: "normal", ShockFactor: 1.0},
	{Name: "stress", ShockFactor: 1.5},
}

// Alerter delivers risk alerts to external channels.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// ManagerConfig parameterizes the live risk monitoring.
type ManagerConfig struct {
	MaxDrawdown        float64
	EmergencyThreshold float64
	UpdateInterval     time.Duration
	PersistInterval    time.Duration
	Timeframes         []string
	HistoryLimit       int
	SeriesLimit        int
	SnapshotRetention  time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.MaxDrawdown == 0 {
		c.MaxDrawdown = 0.15
	}
	if c.EmergencyThreshold == 0 {
		c.EmergencyThreshold = 0.25
	}
	if c.UpdateInterval == 0 {
		c.UpdateInterval = defaultUpdateInterval
	}
	if c.PersistInterval == 0 {
		c.PersistInterval = defaultPersistInterval
	}
	if len(c.Timeframes) == 0 {
		c.Timeframes = defaultTimeframes
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.SeriesLimit == 0 {
		c.SeriesLimit = defaultSeriesLimit
	}
	return c
}

// ManagerDeps are the collaborators a Manager uses. Store, Sink, Gateway,
// and Alerter are optional; a nil dependency disables that side effect.
type ManagerDeps struct {
	Calculator *Calculator
	Store      domain.RiskSnapshotStore
	Sink       domain.SnapshotSink
	Gateway    domain.OrderGateway
	Alerter    Alerter
	Logger     *slog.Logger
}

// pairSeries is the rolling market history the manager keeps per pair.
type pairSeries struct {
	prices  []float64
	volumes []float64
}

// Manager orchestrates live risk monitoring: per-timeframe assessment loops,
// graduated breach response, trade gating, and state persistence. All public
// methods are safe for concurrent use.
type Manager struct {
	cfg     ManagerConfig
	calc    *Calculator
	store   domain.RiskSnapshotStore
	sink    domain.SnapshotSink
	gateway domain.OrderGateway
	alerter Alerter
	logger  *slog.Logger

	emergencyStop atomic.Bool
	heightened    atomic.Bool

	mu             sync.RWMutex
	portfolio      domain.PortfolioState
	series         map[string]*pairSeries
	equityHistory  []float64
	metricsHistory []domain.RiskMetricsSnapshot
	events         []domain.RiskEvent
}

// NewManager builds a Manager around the given calculator and collaborators.
func NewManager(cfg ManagerConfig, deps ManagerDeps) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		calc:    deps.Calculator,
		store:   deps.Store,
		sink:    deps.Sink,
		gateway: deps.Gateway,
		alerter: deps.Alerter,
		logger:  deps.Logger.With(slog.String("component", "risk_manager")),
		series:  make(map[string]*pairSeries),
	}
}

// EmergencyActive reports whether the emergency stop gate is closed.
func (m *Manager) EmergencyActive() bool { return m.emergencyStop.Load() }

// Calculator exposes the underlying risk calculator for strategies that need
// direct sizing or gate checks.
func (m *Manager) Calculator() *Calculator { return m.calc }

// ObserveTick folds one market observation into the rolling per-pair
// history used for risk assessment.
func (m *Manager) ObserveTick(tick domain.MarketTick) {
	if tick.Price <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[tick.Pair]
	if !ok {
		s = &pairSeries{}
		m.series[tick.Pair] = s
	}
	s.prices = appendBounded(s.prices, tick.Price, m.cfg.SeriesLimit)
	s.volumes = appendBounded(s.volumes, tick.Volume, m.cfg.SeriesLimit)
}

// SetPortfolio replaces the tracked portfolio state.
func (m *Manager) SetPortfolio(p domain.PortfolioState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portfolio = p
}

// Portfolio returns a copy of the tracked portfolio state.
func (m *Manager) Portfolio() domain.PortfolioState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clonePortfolio(m.portfolio)
}

// RecordEquity appends an equity observation, maintaining the peak used for
// drawdown computation.
func (m *Manager) RecordEquity(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portfolio.Equity = equity
	if equity > m.portfolio.PeakValue {
		m.portfolio.PeakValue = equity
	}
	m.equityHistory = appendBounded(m.equityHistory, equity, m.cfg.HistoryLimit)
}

// Run starts one monitoring loop per configured timeframe plus the
// persistence and health loops, and blocks until ctx is canceled. Errors
// inside a cycle are logged and never terminate a loop.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, tf := range m.cfg.Timeframes {
		g.Go(func() error { return m.monitorLoop(ctx, tf) })
	}
	g.Go(func() error { return m.persistLoop(ctx) })
	g.Go(func() error { return m.healthLoop(ctx) })
	m.logger.Info("risk monitoring started",
		slog.Int("timeframes", len(m.cfg.Timeframes)),
		slog.Duration("update_interval", m.cfg.UpdateInterval))
	return g.Wait()
}

func (m *Manager) monitorLoop(ctx context.Context, timeframe string) error {
	logger := m.logger.With(slog.String("timeframe", timeframe))
	timer := time.NewTimer(m.monitorInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if err := m.MonitorCycle(ctx, timeframe); err != nil {
			logger.Error("risk monitoring cycle failed", slog.Any("error", err))
		}
		timer.Reset(m.monitorInterval())
	}
}

// monitorInterval halves the cadence while heightened monitoring is active.
func (m *Manager) monitorInterval() time.Duration {
	if m.heightened.Load() {
		return m.cfg.UpdateInterval / 2
	}
	return m.cfg.UpdateInterval
}

// MonitorCycle runs a single assessment pass: assess portfolio risk and, on
// breach, trigger the graduated response. Exposed so tests and external
// drivers can step the monitor without the timer loop.
func (m *Manager) MonitorCycle(ctx context.Context, timeframe string) error {
	snap, err := m.AssessPortfolioRisk(ctx)
	if err != nil {
		return err
	}
	if ev, breached := m.detectBreach(snap); breached {
		ev.Detail = fmt.Sprintf("timeframe %s", timeframe)
		if _, err := m.HandleRiskBreach(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// AssessPortfolioRisk computes the full risk snapshot for the current
// portfolio and market history and appends it to the bounded history.
func (m *Manager) AssessPortfolioRisk(ctx context.Context) (domain.RiskMetricsSnapshot, error) {
	m.mu.RLock()
	portfolio := clonePortfolio(m.portfolio)
	prices := make(map[string][]float64, len(m.series))
	var pooledVolumes []float64
	for pair, s := range m.series {
		prices[pair] = append([]float64(nil), s.prices...)
		pooledVolumes = append(pooledVolumes, s.volumes...)
	}
	drawdown := m.currentDrawdownLocked()
	m.mu.RUnlock()

	snap := domain.RiskMetricsSnapshot{
		Timestamp: time.Now().UTC(),
		Drawdown:  drawdown,
	}

	report, err := m.calc.PortfolioRisk(portfolio, prices, monitorScenarios)
	if err != nil {
		return snap, fmt.Errorf("risk: portfolio assessment: %w", err)
	}

	marks := make(map[string]float64, len(prices))
	for pair, ps := range prices {
		if len(ps) > 0 {
			marks[pair] = ps[len(ps)-1]
		}
	}

	snap.VaR = report.VaR
	snap.Correlation = report.Correlation
	snap.Concentration = report.Concentration
	snap.PositionExposure = portfolio.PositionValues(marks)
	snap.StressResults = make(map[string]float64, len(report.Stress))
	for name, sv := range report.Stress {
		snap.StressResults[name] = sv[1].Value
	}

	// Liquidity score from the sizing model; sizing failures degrade the
	// score to zero rather than failing the assessment.
	if avgVol := stats.Mean(pooledVolumes); avgVol > 0 && portfolio.Equity > 0 {
		rec, err := m.calc.PositionSize(MarketConditions{AverageVolume: avgVol},
			portfolio.Equity, snap.PositionExposure, 0)
		if err == nil {
			snap.LiquidityScore = rec.LiquidityScore
		}
	}

	m.mu.Lock()
	m.metricsHistory = appendBounded(m.metricsHistory, snap, m.cfg.HistoryLimit)
	m.mu.Unlock()

	return snap, nil
}

// currentDrawdownLocked computes peak-to-current equity decline. Caller must
// hold at least a read lock.
func (m *Manager) currentDrawdownLocked() float64 {
	if len(m.equityHistory) == 0 {
		return 0
	}
	peak := m.equityHistory[0]
	for _, e := range m.equityHistory {
		if e > peak {
			peak = e
		}
	}
	if peak <= 0 {
		return 0
	}
	current := m.equityHistory[len(m.equityHistory)-1]
	return (peak - current) / peak
}

// Validation is the manager-level trade validation result.
type Validation struct {
	Approved     bool
	Analysis     TradeValidation
	TimingRisk   float64
	MarketImpact float64
	Err          string
	ValidatedAt  time.Time
}

// ValidateTrade gates a proposed trade. The emergency stop short-circuits
// every call to a rejection; otherwise the trade is scored by the calculator
// and augmented with timing-risk and market-impact estimates.
func (m *Manager) ValidateTrade(trade domain.TradeRequest) (bool, Validation) {
	if m.emergencyStop.Load() {
		return false, Validation{
			Err:         domain.ErrEmergencyStop.Error(),
			ValidatedAt: time.Now().UTC(),
		}
	}

	m.mu.RLock()
	portfolio := clonePortfolio(m.portfolio)
	prices := make(map[string][]float64, len(m.series))
	for pair, s := range m.series {
		prices[pair] = append([]float64(nil), s.prices...)
	}
	var pairVolumes []float64
	if s, ok := m.series[trade.Pair]; ok {
		pairVolumes = append([]float64(nil), s.volumes...)
	}
	m.mu.RUnlock()

	approved, analysis := m.calc.ValidateTrade(trade, portfolio, prices, validateScenarios)

	v := Validation{
		Approved:    approved,
		Analysis:    analysis,
		TimingRisk:  timingRisk(prices[trade.Pair]),
		ValidatedAt: time.Now().UTC(),
	}
	if avgVol := stats.Mean(pairVolumes); avgVol > 0 {
		v.MarketImpact = trade.Value() / avgVol * m.calc.cfg.ImpactCoefficient
	}
	if !approved && v.Err == "" {
		v.Err = analysis.Err
	}
	return approved, v
}

// timingRisk compares short-horizon volatility against the full window; a
// value above 1 means volatility is currently elevated.
func timingRisk(prices []float64) float64 {
	rets := pctChange(prices)
	if len(rets) < 12 {
		return 0
	}
	full := stats.StdDev(rets)
	if full == 0 {
		return 0
	}
	short := stats.StdDev(rets[len(rets)-10:])
	return short / full
}

// detectBreach checks the snapshot against the configured limits and returns
// the most severe violating metric.
func (m *Manager) detectBreach(snap domain.RiskMetricsSnapshot) (domain.RiskEvent, bool) {
	limits := m.calc.Limits()
	type candidate struct {
		metric string
		value  float64
		limit  float64
	}
	var breached []candidate

	if snap.Drawdown > m.cfg.MaxDrawdown {
		breached = append(breached, candidate{"drawdown", snap.Drawdown, m.cfg.MaxDrawdown})
	}
	if v, ok := snap.VaR[1]; ok && v.Value > m.cfg.MaxDrawdown {
		breached = append(breached, candidate{"var_1d", v.Value, m.cfg.MaxDrawdown})
	}
	if snap.Concentration > limits.MaxConcentration {
		breached = append(breached, candidate{"concentration", snap.Concentration, limits.MaxConcentration})
	}
	if len(breached) == 0 {
		return domain.RiskEvent{}, false
	}

	worst := breached[0]
	worstSev := m.severity(worst.value, worst.limit)
	for _, c := range breached[1:] {
		if s := m.severity(c.value, c.limit); s > worstSev {
			worst, worstSev = c, s
		}
	}
	return domain.RiskEvent{
		ID:        uuid.NewString(),
		Timestamp: snap.Timestamp,
		Metric:    worst.metric,
		Value:     worst.value,
		Limit:     worst.limit,
		Severity:  worstSev,
	}, true
}

// severity maps a metric/limit pair onto [0, 1]. At the limit the severity
// is exactly the warning threshold; it reaches 1 when the overshoot matches
// the emergency-to-drawdown ratio.
func (m *Manager) severity(value, limit float64) float64 {
	if limit <= 0 {
		return 1
	}
	ratio := value / limit
	if ratio <= 1 {
		return warningSeverity * ratio
	}
	emergencyRatio := m.cfg.EmergencyThreshold / m.cfg.MaxDrawdown
	if emergencyRatio <= 1 {
		return 1
	}
	sev := warningSeverity + (1-warningSeverity)*(ratio-1)/(emergencyRatio-1)
	return math.Min(sev, 1)
}

// BreachResponse describes the actions taken for a risk breach.
type BreachResponse struct {
	Severity float64
	Level    domain.BreachLevel
	Actions  []string
}

// HandleRiskBreach applies the graduated response: critical severity triggers
// the emergency shutdown, warning severity reduces exposure and heightens
// monitoring, anything below is logged only. The event is always recorded.
func (m *Manager) HandleRiskBreach(ctx context.Context, ev domain.RiskEvent) (BreachResponse, error) {
	resp := BreachResponse{Severity: ev.Severity, Level: domain.BreachNone}

	switch {
	case ev.Severity >= criticalSeverity:
		resp.Level = domain.BreachCritical
		m.EmergencyShutdown(ctx, fmt.Sprintf("risk breach: %s=%.4f limit=%.4f", ev.Metric, ev.Value, ev.Limit))
		resp.Actions = append(resp.Actions, "emergency_shutdown")
	case ev.Severity >= warningSeverity:
		resp.Level = domain.BreachWarning
		m.reduceRiskExposure()
		m.heightened.Store(true)
		resp.Actions = append(resp.Actions, "reduce_exposure", "increase_monitoring")
	}

	ev.Level = resp.Level
	ev.Action = fmt.Sprintf("%v", resp.Actions)
	m.logger.Warn("risk breach handled",
		slog.String("metric", ev.Metric),
		slog.Float64("severity", ev.Severity),
		slog.String("level", string(resp.Level)))

	m.recordEvent(ctx, ev)
	return resp, nil
}

// reduceRiskExposure shrinks the largest position by half.
func (m *Manager) reduceRiskExposure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	var largestPair string
	var largestValue float64
	for pair, pos := range m.portfolio.Positions {
		if v := pos.Value(pos.EntryPrice); v > largestValue {
			largestPair, largestValue = pair, v
		}
	}
	if largestPair == "" {
		return
	}
	pos := m.portfolio.Positions[largestPair]
	pos.Size /= 2
	m.portfolio.Positions[largestPair] = pos
	m.logger.Warn("reduced exposure",
		slog.String("pair", largestPair),
		slog.Float64("new_size", pos.Size))
}

// EmergencyShutdown closes the trading gate, cancels outstanding orders,
// persists and archives state, alerts operators, and runs diagnostics.
// Idempotent: a second call only re-logs. The stop flag is set before any
// fallible step so a partial failure still leaves the system inert.
func (m *Manager) EmergencyShutdown(ctx context.Context, trigger string) bool {
	if !m.emergencyStop.CompareAndSwap(false, true) {
		m.logger.Warn("emergency shutdown re-triggered", slog.String("trigger", trigger))
		return true
	}

	m.logger.Error("EMERGENCY SHUTDOWN", slog.String("trigger", trigger))
	ok := true

	if m.gateway != nil {
		if err := m.gateway.CancelAllOrders(ctx); err != nil {
			m.logger.Error("cancel all orders failed", slog.Any("error", err))
			ok = false
		}
	}
	if err := m.persistState(ctx); err != nil {
		m.logger.Error("emergency state persistence failed", slog.Any("error", err))
		ok = false
	}
	if m.alerter != nil {
		msg := fmt.Sprintf("Emergency stop active. Trigger: %s", trigger)
		if err := m.alerter.Notify(ctx, "emergency_stop", "Emergency shutdown", msg); err != nil {
			m.logger.Error("emergency notification failed", slog.Any("error", err))
			ok = false
		}
	}

	diag := m.Diagnostics()
	m.logger.Info("post-shutdown diagnostics",
		slog.Int("positions", diag.Positions),
		slog.Int("tracked_pairs", diag.TrackedPairs),
		slog.Int("events", diag.Events))

	m.recordEvent(ctx, domain.RiskEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Level:     domain.BreachEmergency,
		Metric:    "emergency_stop",
		Action:    "emergency_shutdown",
		Severity:  1,
		Detail:    trigger,
	})
	return ok
}

// DiagnosticsReport summarizes the manager's internal state for health
// reporting.
type DiagnosticsReport struct {
	EmergencyActive bool
	Positions       int
	TrackedPairs    int
	Events          int
	MetricsHistory  int
}

// Diagnostics reports current internal state counts.
func (m *Manager) Diagnostics() DiagnosticsReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return DiagnosticsReport{
		EmergencyActive: m.emergencyStop.Load(),
		Positions:       len(m.portfolio.Positions),
		TrackedPairs:    len(m.series),
		Events:          len(m.events),
		MetricsHistory:  len(m.metricsHistory),
	}
}

// LatestVaR returns the 1-day VaR from the most recent assessment, if any.
func (m *Manager) LatestVaR() (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.metricsHistory) - 1; i >= 0; i-- {
		if v, ok := m.metricsHistory[i].VaR[1]; ok {
			return v.Value, true
		}
	}
	return 0, false
}

// PairVolumes returns a copy of the tracked volume history for a pair.
func (m *Manager) PairVolumes(pair string) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.series[pair]
	if !ok {
		return nil
	}
	return append([]float64(nil), s.volumes...)
}

// Snapshot builds the persistable view of the manager's state.
func (m *Manager) Snapshot() domain.RiskStateSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := domain.RiskStateSnapshot{
		Timestamp:       time.Now().UTC(),
		EmergencyActive: m.emergencyStop.Load(),
		Portfolio:       clonePortfolio(m.portfolio),
	}
	if n := len(m.metricsHistory); n > 0 {
		snap.Metrics = m.metricsHistory[n-1]
	}
	if n := len(m.events); n > 0 {
		start := n - 20
		if start < 0 {
			start = 0
		}
		snap.RecentEvents = append([]domain.RiskEvent(nil), m.events[start:]...)
	}
	return snap
}

// persistLoop writes the risk state on a fixed interval and prunes old
// snapshots. Persistence failures are logged, never fatal.
func (m *Manager) persistLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.persistState(ctx); err != nil {
				m.logger.Error("risk state persistence failed", slog.Any("error", err))
			}
		}
	}
}

func (m *Manager) persistState(ctx context.Context) error {
	snap := m.Snapshot()
	var firstErr error
	if m.store != nil {
		if err := m.store.InsertSnapshot(ctx, snap); err != nil {
			firstErr = fmt.Errorf("store: %w", err)
		} else if m.cfg.SnapshotRetention > 0 {
			if _, err := m.store.PruneSnapshots(ctx, m.cfg.SnapshotRetention); err != nil {
				m.logger.Warn("snapshot prune failed", slog.Any("error", err))
			}
		}
	}
	if m.sink != nil {
		if err := m.sink.ArchiveState(ctx, snap); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sink: %w", err)
		}
	}
	return firstErr
}

// healthLoop periodically logs a heartbeat with internal state counts.
func (m *Manager) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			diag := m.Diagnostics()
			m.logger.Debug("risk manager health",
				slog.Bool("emergency", diag.EmergencyActive),
				slog.Int("tracked_pairs", diag.TrackedPairs),
				slog.Int("metrics_history", diag.MetricsHistory))
		}
	}
}

// recordEvent appends an event to the bounded history and persists it when a
// store is configured.
func (m *Manager) recordEvent(ctx context.Context, ev domain.RiskEvent) {
	m.mu.Lock()
	m.events = appendBounded(m.events, ev, m.cfg.HistoryLimit)
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.InsertEvent(ctx, ev); err != nil {
			m.logger.Error("risk event persistence failed", slog.Any("error", err))
		}
	}
}

// appendBounded appends x and drops the oldest entries beyond limit.
func appendBounded[T any](xs []T, x T, limit int) []T {
	xs = append(xs, x)
	if len(xs) > limit {
		xs = xs[len(xs)-limit:]
	}
	return xs
}
