package strategy

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/executor-agent/internal/errs"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// Standard lot of 100k units, the MetaTrader convention.
var contractSize = decimal.NewFromInt(100000)

var (
	lotStep = decimal.NewFromFloat(0.01)
	minLot  = decimal.NewFromFloat(0.01)
	hundred = decimal.NewFromInt(100)
)

// pipSize returns the pip unit for a symbol: 0.01 for JPY quotes, 0.0001
// otherwise.
func pipSize(symbol string) decimal.Decimal {
	if strings.HasSuffix(strings.ToUpper(symbol), "JPY") {
		return decimal.NewFromFloat(0.01)
	}
	return decimal.NewFromFloat(0.0001)
}

// computeSize turns the sizing config into a lot volume for one entry.
//
//	fixed:      Lots as configured
//	equity_pct: PctEquity% of equity as notional at the entry price
//	risk_pct:   PctEquity% of equity risked against the stop distance
func computeSize(cfg types.SizingConfig, symbol string, price, equity, stopPips decimal.Decimal) (decimal.Decimal, error) {
	var lots decimal.Decimal
	switch cfg.Method {
	case "fixed":
		lots = cfg.Lots
	case "equity_pct":
		if price.IsZero() {
			return decimal.Zero, errs.New(errs.KindMalformed, "equity_pct sizing without a price")
		}
		notional := equity.Mul(cfg.PctEquity).Div(hundred)
		lots = notional.Div(price.Mul(contractSize))
	case "risk_pct":
		if stopPips.IsZero() {
			return decimal.Zero, errs.New(errs.KindMalformed, "risk_pct sizing requires a stop distance")
		}
		risk := equity.Mul(cfg.PctEquity).Div(hundred)
		perLot := stopPips.Mul(pipSize(symbol)).Mul(contractSize)
		lots = risk.Div(perLot)
	default:
		return decimal.Zero, errs.Newf(errs.KindMalformed, "unknown sizing method %q", cfg.Method)
	}

	if cfg.MaxLots.IsPositive() && lots.GreaterThan(cfg.MaxLots) {
		lots = cfg.MaxLots
	}
	// Round down to the broker lot step.
	lots = lots.Div(lotStep).Floor().Mul(lotStep)
	if lots.LessThan(minLot) {
		return decimal.Zero, errs.New(errs.KindMalformed, "computed size below minimum lot")
	}
	return lots, nil
}

// stopLevels derives absolute SL/TP prices from pip distances. Zero pips
// yields a zero (unset) level.
func stopLevels(symbol string, side types.Side, price, slPips, tpPips decimal.Decimal) (sl, tp decimal.Decimal) {
	pip := pipSize(symbol)
	if slPips.IsPositive() {
		d := slPips.Mul(pip)
		if side == types.SideBuy {
			sl = price.Sub(d)
		} else {
			sl = price.Add(d)
		}
	}
	if tpPips.IsPositive() {
		d := tpPips.Mul(pip)
		if side == types.SideBuy {
			tp = price.Add(d)
		} else {
			tp = price.Sub(d)
		}
	}
	return sl, tp
}
