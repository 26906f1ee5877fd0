package risk

import (
	"github.com/dexquant/tradebot/internal/domain"
	"github.com/dexquant/tradebot/internal/stats"
)

// MaxTradeSlippage is the hard ceiling on the estimated slippage fraction
// for a single trade.
const MaxTradeSlippage = 0.01

// slippageCoefficient converts trade-value/volume ratio into an estimated
// slippage fraction.
const slippageCoefficient = 0.01

// hardConcentrationCap is the absolute single-position share of equity no
// trade may push past, independent of the configured concentration limit.
const hardConcentrationCap = 0.5

// TradeCheck is the result of the base per-trade limit checks. Error fields
// are empty when the corresponding gate passed.
type TradeCheck struct {
	OK                 bool
	PositionSizeBps    float64
	EstimatedSlippage  float64
	Concentration      float64
	SizeError          string
	SlippageError      string
	ConcentrationError string
}

// CheckTradeLimits runs the fast per-trade gates every order leg must clear:
// position size within the configured bps band, estimated slippage below the
// hard ceiling, and post-trade concentration under the 50% cap.
// recentVolumes is the trailing volume history for the trade's pair; an
// empty history skips the slippage gate.
func (c *Calculator) CheckTradeLimits(trade domain.TradeRequest,
	portfolio domain.PortfolioState, recentVolumes []float64) TradeCheck {

	check := TradeCheck{OK: true}
	if portfolio.Equity <= 0 {
		check.OK = false
		check.SizeError = "portfolio equity is not positive"
		return check
	}

	tradeValue := trade.Value()
	check.PositionSizeBps = tradeValue / portfolio.Equity * domain.BpsScale
	if check.PositionSizeBps < c.cfg.Limits.MinPositionSizeBps ||
		check.PositionSizeBps > c.cfg.Limits.MaxPositionSizeBps {
		check.OK = false
		check.SizeError = "Position size outside allowed limits"
	}

	if avgVolume := stats.Mean(recentVolumes); avgVolume > 0 {
		check.EstimatedSlippage = tradeValue / avgVolume * slippageCoefficient
		if check.EstimatedSlippage > MaxTradeSlippage {
			check.OK = false
			check.SlippageError = "Estimated slippage too high"
		}
	}

	newPositionValue := tradeValue
	if pos, ok := portfolio.Positions[trade.Pair]; ok {
		newPositionValue += pos.Value(trade.Price)
	}
	check.Concentration = newPositionValue / portfolio.Equity
	if check.Concentration > hardConcentrationCap {
		check.OK = false
		check.ConcentrationError = "Position would exceed concentration limits"
	}

	return check
}
