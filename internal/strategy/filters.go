package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// valueSource is the slice of the market store the filters read.
type valueSource interface {
	Value(symbol string, tf types.Timeframe, name string, params map[string]float64) (float64, bool)
	LastTick(symbol string) (types.Tick, bool)
}

// passesFilters runs every configured filter; all must pass. A filter that
// cannot compute (missing history) fails closed.
func passesFilters(filters []types.FilterConfig, src valueSource, symbol string, tf types.Timeframe, now time.Time) bool {
	for _, f := range filters {
		if !passesFilter(f, src, symbol, tf, now) {
			return false
		}
	}
	return true
}

func passesFilter(f types.FilterConfig, src valueSource, symbol string, tf types.Timeframe, now time.Time) bool {
	switch f.Type {
	case "session":
		return inSession(f.StartHour, f.EndHour, now.UTC().Hour())
	case "volatility":
		atr, ok := src.Value(symbol, tf, "ATR", map[string]float64{"period": float64(f.Period)})
		if !ok {
			return false
		}
		tick, ok := src.LastTick(symbol)
		if !ok || tick.Mid().IsZero() {
			return false
		}
		ratio := decimal.NewFromFloat(atr).Div(tick.Mid())
		if f.Min.IsPositive() && ratio.LessThan(f.Min) {
			return false
		}
		if f.Max.IsPositive() && ratio.GreaterThan(f.Max) {
			return false
		}
		return true
	case "regime":
		adx, ok := src.Value(symbol, tf, "ADX", map[string]float64{"period": float64(f.Period)})
		if !ok {
			return false
		}
		v := decimal.NewFromFloat(adx)
		if f.Min.IsPositive() && v.LessThan(f.Min) {
			return false // trend regime required
		}
		if f.Max.IsPositive() && v.GreaterThan(f.Max) {
			return false // range regime required
		}
		return true
	default:
		// Unknown filter types fail closed rather than silently trading.
		return false
	}
}

// inSession handles sessions that wrap midnight (e.g. 22 to 6).
func inSession(start, end, hour int) bool {
	if start == end {
		return true
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
