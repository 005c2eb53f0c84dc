// Indicator functions are pure: given a window of finalized bars and
// parameters they produce a scalar, or ok=false when the window is too
// short. Adding an indicator means adding a function to the registry.
package market

import (
	"fmt"
	"sort"
	"strings"

	"github.com/markcheno/go-talib"

	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// IndicatorFunc computes one indicator value over a bar window.
type IndicatorFunc func(bars []types.Bar, params map[string]float64) (float64, bool)

// indicatorRegistry maps indicator names (as referenced by rule trees) to
// their implementations.
var indicatorRegistry = map[string]IndicatorFunc{
	"SMA":         smaIndicator,
	"EMA":         emaIndicator,
	"RSI":         rsiIndicator,
	"MACD":        macdIndicator("macd"),
	"MACD_SIGNAL": macdIndicator("signal"),
	"MACD_HIST":   macdIndicator("hist"),
	"BB_UPPER":    bbandsIndicator("upper"),
	"BB_MIDDLE":   bbandsIndicator("middle"),
	"BB_LOWER":    bbandsIndicator("lower"),
	"ATR":         atrIndicator,
	"ADX":         adxIndicator,
	"STOCH_K":     stochIndicator("k"),
	"STOCH_D":     stochIndicator("d"),
}

// KnownIndicator reports whether name is registered.
func KnownIndicator(name string) bool {
	_, ok := indicatorRegistry[strings.ToUpper(name)]
	return ok
}

// paramsKey canonicalizes a parameter map for cache keying.
func paramsKey(params map[string]float64) string {
	if len(params) == 0 {
		return ""
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s=%g", name, params[name])
	}
	return sb.String()
}

func param(params map[string]float64, name string, def float64) float64 {
	if v, ok := params[name]; ok && v > 0 {
		return v
	}
	return def
}

func closes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.Close.Float64()
	}
	return out
}

func highsLowsCloses(bars []types.Bar) (highs, lows, closes []float64) {
	highs = make([]float64, len(bars))
	lows = make([]float64, len(bars))
	closes = make([]float64, len(bars))
	for i, b := range bars {
		highs[i], _ = b.High.Float64()
		lows[i], _ = b.Low.Float64()
		closes[i], _ = b.Close.Float64()
	}
	return highs, lows, closes
}

func smaIndicator(bars []types.Bar, params map[string]float64) (float64, bool) {
	period := int(param(params, "period", 14))
	if len(bars) < period {
		return 0, false
	}
	out := talib.Sma(closes(bars), period)
	return out[len(out)-1], true
}

func emaIndicator(bars []types.Bar, params map[string]float64) (float64, bool) {
	period := int(param(params, "period", 14))
	if len(bars) < period {
		return 0, false
	}
	out := talib.Ema(closes(bars), period)
	return out[len(out)-1], true
}

func rsiIndicator(bars []types.Bar, params map[string]float64) (float64, bool) {
	period := int(param(params, "period", 14))
	// Rsi needs period+1 points for the first value.
	if len(bars) < period+1 {
		return 0, false
	}
	out := talib.Rsi(closes(bars), period)
	return out[len(out)-1], true
}

func macdIndicator(series string) IndicatorFunc {
	return func(bars []types.Bar, params map[string]float64) (float64, bool) {
		fast := int(param(params, "fast", 12))
		slow := int(param(params, "slow", 26))
		signal := int(param(params, "signal", 9))
		if len(bars) < slow+signal {
			return 0, false
		}
		macd, sig, hist := talib.Macd(closes(bars), fast, slow, signal)
		switch series {
		case "signal":
			return sig[len(sig)-1], true
		case "hist":
			return hist[len(hist)-1], true
		default:
			return macd[len(macd)-1], true
		}
	}
}

func bbandsIndicator(band string) IndicatorFunc {
	return func(bars []types.Bar, params map[string]float64) (float64, bool) {
		period := int(param(params, "period", 20))
		dev := param(params, "dev", 2)
		if len(bars) < period {
			return 0, false
		}
		upper, middle, lower := talib.BBands(closes(bars), period, dev, dev, talib.SMA)
		switch band {
		case "upper":
			return upper[len(upper)-1], true
		case "lower":
			return lower[len(lower)-1], true
		default:
			return middle[len(middle)-1], true
		}
	}
}

func atrIndicator(bars []types.Bar, params map[string]float64) (float64, bool) {
	period := int(param(params, "period", 14))
	if len(bars) < period+1 {
		return 0, false
	}
	highs, lows, cls := highsLowsCloses(bars)
	out := talib.Atr(highs, lows, cls, period)
	return out[len(out)-1], true
}

func adxIndicator(bars []types.Bar, params map[string]float64) (float64, bool) {
	period := int(param(params, "period", 14))
	if len(bars) < 2*period {
		return 0, false
	}
	highs, lows, cls := highsLowsCloses(bars)
	out := talib.Adx(highs, lows, cls, period)
	return out[len(out)-1], true
}

func stochIndicator(series string) IndicatorFunc {
	return func(bars []types.Bar, params map[string]float64) (float64, bool) {
		fastK := int(param(params, "fastK", 14))
		slowK := int(param(params, "slowK", 3))
		slowD := int(param(params, "slowD", 3))
		if len(bars) < fastK+slowK+slowD {
			return 0, false
		}
		highs, lows, cls := highsLowsCloses(bars)
		k, d := talib.Stoch(highs, lows, cls, fastK, slowK, talib.SMA, slowD, talib.SMA)
		if series == "d" {
			return d[len(d)-1], true
		}
		return k[len(k)-1], true
	}
}

// MaxPeriod extracts the largest lookback any parameter implies, used to
// size ring buffers so every referenced indicator can always compute.
func MaxPeriod(params map[string]float64) int {
	max := 0
	for _, v := range params {
		if int(v) > max {
			max = int(v)
		}
	}
	return max
}
