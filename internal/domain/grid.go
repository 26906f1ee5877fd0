package domain

import "time"

// GridSide marks which half of the ladder a level sits on.
type GridSide string

const (
	GridBuy  GridSide = "buy"
	GridSell GridSide = "sell"
)

// GridLevelStatus is the lifecycle state of one grid level.
type GridLevelStatus string

const (
	LevelPending   GridLevelStatus = "pending"
	LevelFilled    GridLevelStatus = "filled"
	LevelCancelled GridLevelStatus = "cancelled"
)

// GridLevel is one resting order slot in a grid ladder.
type GridLevel struct {
	Index  int             `json:"index"`
	Side   GridSide        `json:"side"`
	Price  float64         `json:"price"`
	Size   float64         `json:"size"`
	Status GridLevelStatus `json:"status"`
}

// GridState is the live ladder for one pair.
type GridState struct {
	Pair         string      `json:"pair"`
	CenterPrice  float64     `json:"center_price"`
	Spacing      float64     `json:"spacing"`
	Levels       []GridLevel `json:"levels"`
	CreatedAt    time.Time   `json:"created_at"`
	RebalancedAt time.Time   `json:"rebalanced_at"`
}

// BuyLevels returns the levels below the center price.
func (g GridState) BuyLevels() []GridLevel {
	return g.sideLevels(GridBuy)
}

// SellLevels returns the levels above the center price.
func (g GridState) SellLevels() []GridLevel {
	return g.sideLevels(GridSell)
}

func (g GridState) sideLevels(side GridSide) []GridLevel {
	out := make([]GridLevel, 0, len(g.Levels)/2)
	for _, lv := range g.Levels {
		if lv.Side == side {
			out = append(out, lv)
		}
	}
	return out
}
