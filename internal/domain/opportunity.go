package domain

import "time"

// ArbitrageOpportunity is a detected cross-venue price difference on one
// pair, priced in basis points of the mean of the two quotes.
type ArbitrageOpportunity struct {
	ID              string    `json:"id"`
	Pair            string    `json:"pair"`
	BuyVenue        string    `json:"buy_venue"`
	SellVenue       string    `json:"sell_venue"`
	BuyPrice        float64   `json:"buy_price"`
	SellPrice       float64   `json:"sell_price"`
	SpreadBps       float64   `json:"spread_bps"`
	Size            float64   `json:"size"`
	ExpectedProfit  float64   `json:"expected_profit"`
	ExecProbability float64   `json:"exec_probability"`
	DetectedAt      time.Time `json:"detected_at"`
}

// OrderSide distinguishes the two legs of a trade.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderRequest is a single order submitted to a venue gateway.
type OrderRequest struct {
	Venue string    `json:"venue"`
	Pair  string    `json:"pair"`
	Side  OrderSide `json:"side"`
	Price float64   `json:"price"`
	Size  float64   `json:"size"`
}

// OrderResult is a venue gateway's fill report for one order. MEVSavings is
// the venue-reported USDC saved by protected routing versus a naive public
// submission; venues without MEV protection report zero.
type OrderResult struct {
	OrderID    string    `json:"order_id"`
	Venue      string    `json:"venue"`
	Pair       string    `json:"pair"`
	Side       OrderSide `json:"side"`
	FillPrice  float64   `json:"fill_price"`
	FillSize   float64   `json:"fill_size"`
	MEVSavings float64   `json:"mev_savings"`
	FilledAt   time.Time `json:"filled_at"`
}

// TradeRequest is what strategies hand to the risk layer for approval.
type TradeRequest struct {
	Pair  string  `json:"pair"`
	Size  float64 `json:"size"`
	Price float64 `json:"price"`
}

// Value returns the notional of the proposed trade.
func (t TradeRequest) Value() float64 { return t.Size * t.Price }

// ExecutionReport is the outcome of a completed (or failed) two-leg
// arbitrage execution.
type ExecutionReport struct {
	ExecutionID    string        `json:"execution_id"`
	OpportunityID  string        `json:"opportunity_id"`
	Success        bool          `json:"success"`
	Attempts       int           `json:"attempts"`
	BuyFill        *OrderResult  `json:"buy_fill,omitempty"`
	SellFill       *OrderResult  `json:"sell_fill,omitempty"`
	RealizedProfit float64       `json:"realized_profit"`
	MEVSavings     float64       `json:"mev_savings"`
	Elapsed        time.Duration `json:"elapsed"`
	Error          string        `json:"error,omitempty"`
}
