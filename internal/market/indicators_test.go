package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/executor-agent/pkg/types"
)

func mkBars(closes ...float64) []types.Bar {
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		cd := decimal.NewFromFloat(c)
		bars[i] = types.Bar{
			Symbol:    "EURUSD",
			Timeframe: types.TimeframeM1,
			OpenTime:  t0.Add(time.Duration(i) * time.Minute),
			Open:      cd,
			High:      cd.Add(decimal.NewFromFloat(0.5)),
			Low:       cd.Sub(decimal.NewFromFloat(0.5)),
			Close:     cd,
			Volume:    decimal.NewFromInt(1),
		}
	}
	return bars
}

func rising(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i + 1)
	}
	return out
}

func TestKnownIndicator(t *testing.T) {
	assert.True(t, KnownIndicator("SMA"))
	assert.True(t, KnownIndicator("rsi"), "lookup is case-insensitive")
	assert.True(t, KnownIndicator("MACD_SIGNAL"))
	assert.False(t, KnownIndicator("WAVELET"))
}

func TestParamsKey(t *testing.T) {
	assert.Equal(t, "", paramsKey(nil))
	assert.Equal(t, "period=14", paramsKey(map[string]float64{"period": 14}))
	// Order-insensitive canonical form.
	assert.Equal(t, "dev=2,period=20",
		paramsKey(map[string]float64{"period": 20, "dev": 2}))
}

func TestSMA(t *testing.T) {
	bars := mkBars(1, 2, 3, 4, 5)
	v, ok := smaIndicator(bars, map[string]float64{"period": 3})
	require.True(t, ok)
	assert.InDelta(t, 4.0, v, 1e-9, "mean of the last three closes")

	_, ok = smaIndicator(mkBars(1, 2), map[string]float64{"period": 3})
	assert.False(t, ok, "window shorter than the period")
}

func TestSMADefaultPeriod(t *testing.T) {
	_, ok := smaIndicator(mkBars(rising(13)...), nil)
	assert.False(t, ok)
	v, ok := smaIndicator(mkBars(rising(14)...), nil)
	require.True(t, ok)
	assert.InDelta(t, 7.5, v, 1e-9)
}

func TestEMA(t *testing.T) {
	// Seed SMA(1,2,3)=2, multiplier 1/2: 2 -> 3 -> 4.
	v, ok := emaIndicator(mkBars(1, 2, 3, 4, 5), map[string]float64{"period": 3})
	require.True(t, ok)
	assert.InDelta(t, 4.0, v, 1e-9)
}

func TestRSIExtremes(t *testing.T) {
	v, ok := rsiIndicator(mkBars(rising(15)...), map[string]float64{"period": 14})
	require.True(t, ok)
	assert.InDelta(t, 100.0, v, 1e-6, "uninterrupted gains saturate RSI")

	// One bar short of the warm-up.
	_, ok = rsiIndicator(mkBars(rising(14)...), map[string]float64{"period": 14})
	assert.False(t, ok)
}

func TestATRConstantRange(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 1.5
	}
	// Every bar spans exactly 1.0 around an unchanged close.
	v, ok := atrIndicator(mkBars(closes...), map[string]float64{"period": 14})
	require.True(t, ok)
	assert.InDelta(t, 1.0, v, 1e-9)
}

func TestMACDSeriesConsistency(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i%7)
	}
	bars := mkBars(closes...)
	params := map[string]float64{"fast": 12, "slow": 26, "signal": 9}

	macd, ok := indicatorRegistry["MACD"](bars, params)
	require.True(t, ok)
	sig, ok := indicatorRegistry["MACD_SIGNAL"](bars, params)
	require.True(t, ok)
	hist, ok := indicatorRegistry["MACD_HIST"](bars, params)
	require.True(t, ok)
	assert.InDelta(t, macd-sig, hist, 1e-9)
}

func TestBBandsCollapseOnFlatSeries(t *testing.T) {
	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = 1.5
	}
	bars := mkBars(closes...)
	for _, band := range []string{"BB_UPPER", "BB_MIDDLE", "BB_LOWER"} {
		v, ok := indicatorRegistry[band](bars, nil)
		require.True(t, ok, band)
		assert.InDelta(t, 1.5, v, 1e-9, "zero variance collapses %s to the mean", band)
	}
}

func TestStochNeedsWarmup(t *testing.T) {
	_, ok := indicatorRegistry["STOCH_K"](mkBars(rising(19)...), nil)
	assert.False(t, ok)
	_, ok = indicatorRegistry["STOCH_K"](mkBars(rising(20)...), nil)
	assert.True(t, ok)
}

func TestMaxPeriod(t *testing.T) {
	assert.Equal(t, 0, MaxPeriod(nil))
	assert.Equal(t, 26, MaxPeriod(map[string]float64{"fast": 12, "slow": 26, "signal": 9}))
}
