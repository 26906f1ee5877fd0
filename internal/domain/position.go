package domain

import "time"

// Position is an open holding in a single pair.
type Position struct {
	Pair       string    `json:"pair"`
	Size       float64   `json:"size"`
	EntryPrice float64   `json:"entry_price"`
	OpenedAt   time.Time `json:"opened_at"`
}

// Value returns the position's notional at the given mark price.
func (p Position) Value(mark float64) float64 {
	return p.Size * mark
}

// PortfolioState is the account view the risk layer operates on.
type PortfolioState struct {
	Positions map[string]Position `json:"positions"`
	Balance   float64             `json:"balance"`
	Equity    float64             `json:"equity"`
	PeakValue float64             `json:"peak_value"`
}

// PositionValues maps each held pair to its notional at the given marks.
// Pairs without a mark price are valued at their entry price.
func (p PortfolioState) PositionValues(marks map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(p.Positions))
	for pair, pos := range p.Positions {
		mark, ok := marks[pair]
		if !ok {
			mark = pos.EntryPrice
		}
		out[pair] = pos.Value(mark)
	}
	return out
}

// TotalValue sums all position notionals at the given marks.
func (p PortfolioState) TotalValue(marks map[string]float64) float64 {
	var total float64
	for _, v := range p.PositionValues(marks) {
		total += v
	}
	return total
}

// Drawdown returns the fractional decline of the current value from the
// recorded peak, 0 when no peak has been set.
func (p PortfolioState) Drawdown(current float64) float64 {
	if p.PeakValue <= 0 {
		return 0
	}
	dd := (p.PeakValue - current) / p.PeakValue
	if dd < 0 {
		return 0
	}
	return dd
}
