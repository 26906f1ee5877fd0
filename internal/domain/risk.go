package domain

import "time"

// Basis point scale used across sizing and limit checks.
const BpsScale = 10000.0

// Default per-trade position size limits in basis points of portfolio value.
const (
	MaxPositionSizeBps = 5000.0
	MinPositionSizeBps = 100.0
)

// RiskLimits bounds what the portfolio is allowed to do.
type RiskLimits struct {
	MaxPositionSizeBps float64 `json:"max_position_size_bps"`
	MinPositionSizeBps float64 `json:"min_position_size_bps"`
	MaxDrawdown        float64 `json:"max_drawdown"`
	MaxConcentration   float64 `json:"max_concentration"`
	CorrelationLimit   float64 `json:"correlation_limit"`
	VaRConfidence      float64 `json:"var_confidence"`
}

// BreachLevel grades how far a risk metric has moved into its limit.
type BreachLevel string

const (
	BreachNone      BreachLevel = "NORMAL"
	BreachWarning   BreachLevel = "WARNING"
	BreachCritical  BreachLevel = "CRITICAL"
	BreachEmergency BreachLevel = "EMERGENCY"
)

// VaREstimate is a value-at-risk figure with its confidence interval.
type VaREstimate struct {
	Value         float64 `json:"value"`
	Confidence    float64 `json:"confidence"`
	Method        string  `json:"method"`
	HorizonDays   int     `json:"horizon_days"`
	CILow         float64 `json:"ci_low"`
	CIHigh        float64 `json:"ci_high"`
	VolAdjustment float64 `json:"vol_adjustment"`
}

// RiskMetricsSnapshot is one computed view of portfolio risk.
type RiskMetricsSnapshot struct {
	Timestamp        time.Time              `json:"timestamp"`
	VaR              map[int]VaREstimate    `json:"var"`
	PositionExposure map[string]float64     `json:"position_exposure"`
	Concentration    float64                `json:"concentration"`
	Correlation      [][]float64            `json:"correlation,omitempty"`
	LiquidityScore   float64                `json:"liquidity_score"`
	Drawdown         float64                `json:"drawdown"`
	StressResults    map[string]float64     `json:"stress_results,omitempty"`
}

// RiskEvent records a limit breach or an emergency action.
type RiskEvent struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Level     BreachLevel `json:"level"`
	Metric    string      `json:"metric"`
	Value     float64     `json:"value"`
	Limit     float64     `json:"limit"`
	Severity  float64     `json:"severity"`
	Action    string      `json:"action"`
	Detail    string      `json:"detail,omitempty"`
}

// RiskStateSnapshot is the persisted form of the risk manager's state,
// written periodically and on shutdown.
type RiskStateSnapshot struct {
	Timestamp       time.Time           `json:"timestamp"`
	EmergencyActive bool                `json:"emergency_active"`
	Portfolio       PortfolioState      `json:"portfolio"`
	Metrics         RiskMetricsSnapshot `json:"metrics"`
	RecentEvents    []RiskEvent         `json:"recent_events,omitempty"`
}

// StressScenario scales observed returns to model a hostile regime.
type StressScenario struct {
	Name        string  `json:"name"`
	ShockFactor float64 `json:"shock_factor"`
}
