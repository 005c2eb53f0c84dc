package rules

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/executor-agent/internal/errs"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// fakeSource serves canned indicator values and one tick.
type fakeSource struct {
	values  map[string]float64
	tick    types.Tick
	hasTick bool
}

func (f *fakeSource) Value(_ string, _ types.Timeframe, name string, _ map[string]float64) (float64, bool) {
	v, ok := f.values[name]
	return v, ok
}

func (f *fakeSource) LastTick(string) (types.Tick, bool) {
	return f.tick, f.hasTick
}

func mustParse(t *testing.T, src string) *Node {
	t.Helper()
	n, err := Parse(json.RawMessage(src))
	require.NoError(t, err)
	return n
}

func TestParseNilAndEmpty(t *testing.T) {
	n, err := Parse(nil)
	require.NoError(t, err)
	assert.Nil(t, n)

	n, err = Parse(json.RawMessage("null"))
	require.NoError(t, err)
	assert.Nil(t, n)

	assert.False(t, Evaluate(nil, &fakeSource{}, "EURUSD", types.TimeframeM1))
}

func TestParseRejectsMalformedTrees(t *testing.T) {
	cases := map[string]string{
		"unknown op":        `{"op":"XOR","children":[]}`,
		"and no children":   `{"op":"AND"}`,
		"not two children":  `{"op":"NOT","children":[{"cmp":">","left":{"value":1},"right":{"value":0}},{"cmp":">","left":{"value":1},"right":{"value":0}}]}`,
		"unknown cmp":       `{"cmp":"!=","left":{"value":1},"right":{"value":0}}`,
		"missing operand":   `{"cmp":">","left":{"value":1}}`,
		"unknown indicator": `{"cmp":">","left":{"indicator":"WAVELET"},"right":{"value":0}}`,
		"unknown price ref": `{"cmp":">","left":{"price":"last"},"right":{"value":0}}`,
		"two-field operand": `{"cmp":">","left":{"price":"bid","value":1},"right":{"value":0}}`,
		"empty operand":     `{"cmp":">","left":{},"right":{"value":0}}`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(json.RawMessage(src))
			require.Error(t, err)
			assert.Equal(t, errs.KindMalformed, errs.KindOf(err))
		})
	}
}

func TestEvaluateComparisons(t *testing.T) {
	src := &fakeSource{values: map[string]float64{"RSI": 25}}

	n := mustParse(t, `{"cmp":"<","left":{"indicator":"RSI","params":{"period":14}},"right":{"value":30}}`)
	assert.True(t, Evaluate(n, src, "EURUSD", types.TimeframeM1))

	n = mustParse(t, `{"cmp":">","left":{"indicator":"RSI","params":{"period":14}},"right":{"value":30}}`)
	assert.False(t, Evaluate(n, src, "EURUSD", types.TimeframeM1))
}

func TestEvaluatePriceOperands(t *testing.T) {
	src := &fakeSource{
		tick: types.Tick{
			Symbol: "EURUSD",
			Bid:    decimal.NewFromFloat(1.1000),
			Ask:    decimal.NewFromFloat(1.1002),
		},
		hasTick: true,
	}

	n := mustParse(t, `{"cmp":">=","left":{"price":"mid"},"right":{"value":1.1001}}`)
	assert.True(t, Evaluate(n, src, "EURUSD", types.TimeframeM1))

	n = mustParse(t, `{"cmp":"<","left":{"price":"bid"},"right":{"price":"ask"}}`)
	assert.True(t, Evaluate(n, src, "EURUSD", types.TimeframeM1))

	// No tick yet: price leaves poison the expression.
	src.hasTick = false
	assert.False(t, Evaluate(n, src, "EURUSD", types.TimeframeM1))
}

func TestEvaluateBooleanOps(t *testing.T) {
	src := &fakeSource{values: map[string]float64{"RSI": 25, "ADX": 30}}

	and := mustParse(t, `{"op":"AND","children":[
		{"cmp":"<","left":{"indicator":"RSI"},"right":{"value":30}},
		{"cmp":">","left":{"indicator":"ADX"},"right":{"value":20}}]}`)
	assert.True(t, Evaluate(and, src, "EURUSD", types.TimeframeM1))

	not := mustParse(t, `{"op":"NOT","children":[
		{"cmp":"<","left":{"indicator":"RSI"},"right":{"value":30}}]}`)
	assert.False(t, Evaluate(not, src, "EURUSD", types.TimeframeM1))

	or := mustParse(t, `{"op":"OR","children":[
		{"cmp":">","left":{"indicator":"RSI"},"right":{"value":90}},
		{"cmp":">","left":{"indicator":"ADX"},"right":{"value":20}}]}`)
	assert.True(t, Evaluate(or, src, "EURUSD", types.TimeframeM1))
}

func TestMissingIndicatorPoisonsExpression(t *testing.T) {
	src := &fakeSource{values: map[string]float64{"RSI": 25}}

	// ADX has no history: even though the RSI leaf is true, OR must not fire.
	or := mustParse(t, `{"op":"OR","children":[
		{"cmp":">","left":{"indicator":"ADX"},"right":{"value":20}},
		{"cmp":"<","left":{"indicator":"RSI"},"right":{"value":30}}]}`)
	assert.False(t, Evaluate(or, src, "EURUSD", types.TimeframeM1))

	// NOT over a poisoned leaf is still false, never true.
	not := mustParse(t, `{"op":"NOT","children":[
		{"cmp":">","left":{"indicator":"ADX"},"right":{"value":20}}]}`)
	assert.False(t, Evaluate(not, src, "EURUSD", types.TimeframeM1))
}

func TestShortCircuitSkipsLaterChildren(t *testing.T) {
	// The first OR child is decisively true, so the missing ADX leaf after
	// it is never resolved.
	src := &fakeSource{values: map[string]float64{"RSI": 25}}
	or := mustParse(t, `{"op":"OR","children":[
		{"cmp":"<","left":{"indicator":"RSI"},"right":{"value":30}},
		{"cmp":">","left":{"indicator":"ADX"},"right":{"value":20}}]}`)
	assert.True(t, Evaluate(or, src, "EURUSD", types.TimeframeM1))

	// Same for AND with a decisively false first child.
	and := mustParse(t, `{"op":"AND","children":[
		{"cmp":">","left":{"indicator":"RSI"},"right":{"value":90}},
		{"cmp":">","left":{"indicator":"ADX"},"right":{"value":20}}]}`)
	assert.False(t, Evaluate(and, src, "EURUSD", types.TimeframeM1))
}

func TestMaxLookback(t *testing.T) {
	assert.Equal(t, 0, MaxLookback(nil))

	n := mustParse(t, `{"cmp":"<","left":{"indicator":"SMA","params":{"period":50}},"right":{"value":1}}`)
	assert.Equal(t, 51, MaxLookback(n))

	// Compound params sum (MACD slow+signal+fast).
	n = mustParse(t, `{"cmp":">","left":{"indicator":"MACD","params":{"fast":12,"slow":26,"signal":9}},"right":{"value":0}}`)
	assert.Equal(t, 48, MaxLookback(n))

	// Parameterless indicator falls back to the widest default.
	n = mustParse(t, `{"cmp":"<","left":{"indicator":"RSI"},"right":{"value":30}}`)
	assert.Equal(t, 35, MaxLookback(n))

	// The tree maximum wins.
	n = mustParse(t, `{"op":"AND","children":[
		{"cmp":"<","left":{"indicator":"SMA","params":{"period":10}},"right":{"value":1}},
		{"cmp":"<","left":{"indicator":"SMA","params":{"period":200}},"right":{"value":1}}]}`)
	assert.Equal(t, 201, MaxLookback(n))
}
