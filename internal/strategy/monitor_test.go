package strategy

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/executor-agent/internal/bus"
	"github.com/atlas-desktop/executor-agent/internal/market"
	"github.com/atlas-desktop/executor-agent/internal/metrics"
	"github.com/atlas-desktop/executor-agent/internal/safety"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	cmds []*types.Command
}

func (f *fakeSubmitter) Submit(cmd *types.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	return nil
}

func (f *fakeSubmitter) commands() []*types.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Command, len(f.cmds))
	copy(out, f.cmds)
	return out
}

type fakeMirror struct {
	mu        sync.Mutex
	account   types.AccountSnapshot
	positions []types.Position
}

func (f *fakeMirror) Account() types.AccountSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.account
}

func (f *fakeMirror) Positions() []types.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions
}

func (f *fakeMirror) setPositions(p []types.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = p
}

type harness struct {
	mon    *Monitor
	store  *market.Store
	kill   *safety.KillSwitch
	sub    *fakeSubmitter
	broker *fakeMirror
}

func newHarness(t *testing.T, limits types.SafetyLimits) *harness {
	t.Helper()
	m := metrics.New()
	b := bus.New(zap.NewNop(), m)
	t.Cleanup(b.Close)
	store := market.NewStore(zap.NewNop(), m, b, market.Config{MinBars: 16, CacheMaxEntries: 64})
	kill := safety.NewKillSwitch(zap.NewNop(), m)
	broker := &fakeMirror{account: types.AccountSnapshot{
		Balance: dec("10000"), Equity: dec("10000"), Currency: "USD",
	}}
	gate := safety.NewGate(zap.NewNop(), m, kill, broker, store, safety.Config{Limits: limits})
	sub := &fakeSubmitter{}
	mon := NewMonitor(zap.NewNop(), m, b, store, gate, kill, sub, broker)
	return &harness{mon: mon, store: store, kill: kill, sub: sub, broker: broker}
}

// newTestRunner compiles the definition and builds its runner without
// starting the event loop; tests drive evalBar/evalTick directly.
func (h *harness) newTestRunner(t *testing.T, def types.StrategyDefinition) *runner {
	t.Helper()
	c, err := compile(def)
	require.NoError(t, err)
	for _, symbol := range def.Symbols {
		h.store.Subscribe(symbol, def.Timeframe, c.lookback)
	}
	return newRunner(h.mon, c)
}

func (h *harness) feedTick(bid string) {
	b := dec(bid)
	h.store.OnTick(types.Tick{
		Symbol:    "EURUSD",
		Bid:       b,
		Ask:       b.Add(dec("0.0002")),
		Timestamp: time.Now().UTC(),
	})
}

func m1Bar() types.Bar {
	return types.Bar{
		Symbol:    "EURUSD",
		Timeframe: types.TimeframeM1,
		OpenTime:  time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
	}
}

func TestEvalBarEmitsEntryCommand(t *testing.T) {
	h := newHarness(t, types.SafetyLimits{})
	def := baseDef()
	def.StopLossPips = dec("50")
	def.TakeProfitPips = dec("100")
	r := h.newTestRunner(t, def)
	h.feedTick("1.2000")

	r.evalBar(m1Bar())

	cmds := h.sub.commands()
	require.Len(t, cmds, 1)
	cmd := cmds[0]
	assert.Equal(t, types.CmdOpenPosition, cmd.Kind)
	assert.Equal(t, types.PriorityHigh, cmd.Priority)
	assert.Equal(t, "strategy:s1", cmd.RequesterID)
	assert.NotEmpty(t, cmd.ID)

	var p types.OpenPositionPayload
	require.NoError(t, json.Unmarshal(cmd.Payload, &p))
	assert.Equal(t, "EURUSD", p.Symbol)
	assert.Equal(t, types.SideBuy, p.Side, "direction defaults to buy")
	assert.True(t, p.Volume.Equal(dec("0.1")), "volume %s", p.Volume)
	assert.True(t, p.StopLoss.Equal(dec("1.1952")), "entries price off the ask; sl %s", p.StopLoss)
	assert.True(t, p.TakeProfit.Equal(dec("1.2102")), "tp %s", p.TakeProfit)
}

func TestEvalBarEntryBlockedWhilePositionOpen(t *testing.T) {
	h := newHarness(t, types.SafetyLimits{})
	r := h.newTestRunner(t, baseDef())
	h.feedTick("1.2000")
	h.broker.setPositions([]types.Position{{
		Ticket: 9, Symbol: "EURUSD", Side: types.SideBuy,
		Volume: dec("0.1"), OpenPrice: dec("1.1900"), StrategyID: "s1",
	}})

	// No exit rule and an open position on the symbol: nothing to do.
	r.evalBar(m1Bar())
	assert.Empty(t, h.sub.commands())
}

func TestEvalBarClosesOnExitRule(t *testing.T) {
	h := newHarness(t, types.SafetyLimits{})
	def := baseDef()
	def.ExitRule = json.RawMessage(`{"cmp":">","left":{"price":"bid"},"right":{"value":1.15}}`)
	r := h.newTestRunner(t, def)
	h.feedTick("1.2000")
	h.broker.setPositions([]types.Position{{
		Ticket: 9, Symbol: "EURUSD", Side: types.SideBuy,
		Volume: dec("0.1"), OpenPrice: dec("1.1900"), StrategyID: "s1",
	}})

	r.evalBar(m1Bar())

	cmds := h.sub.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, types.CmdClosePosition, cmds[0].Kind)
	var p types.ClosePositionPayload
	require.NoError(t, json.Unmarshal(cmds[0].Payload, &p))
	assert.Equal(t, int64(9), p.Ticket)
	assert.True(t, p.Volume.IsZero(), "exit rule closes the full position")
}

func TestEvalBarIgnoresOtherStrategiesPositions(t *testing.T) {
	h := newHarness(t, types.SafetyLimits{})
	def := baseDef()
	def.ExitRule = json.RawMessage(`{"cmp":">","left":{"price":"bid"},"right":{"value":1.15}}`)
	r := h.newTestRunner(t, def)
	h.feedTick("1.2000")
	h.broker.setPositions([]types.Position{{
		Ticket: 9, Symbol: "EURUSD", Side: types.SideBuy,
		Volume: dec("0.1"), OpenPrice: dec("1.1900"), StrategyID: "someone-else",
	}})

	r.evalBar(m1Bar())

	// The foreign position neither triggers the exit nor blocks the entry.
	cmds := h.sub.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, types.CmdOpenPosition, cmds[0].Kind)
}

func TestEvalBarSuspended(t *testing.T) {
	h := newHarness(t, types.SafetyLimits{})
	r := h.newTestRunner(t, baseDef())
	h.feedTick("1.2000")

	h.kill.Engage("limit breached: max_daily_loss")
	r.evalBar(m1Bar())
	assert.Empty(t, h.sub.commands(), "halted executor evaluates nothing")
	h.kill.Release()

	h.mon.Pause()
	assert.True(t, h.mon.Paused())
	r.evalBar(m1Bar())
	assert.Empty(t, h.sub.commands(), "paused executor evaluates nothing")

	h.mon.Unpause()
	r.evalBar(m1Bar())
	assert.Len(t, h.sub.commands(), 1)
}

func TestEmitVetoedSignalNotSubmitted(t *testing.T) {
	h := newHarness(t, types.SafetyLimits{MaxLotSize: dec("0.05")})
	r := h.newTestRunner(t, baseDef()) // sized at 0.1, over the limit
	h.feedTick("1.2000")

	r.evalBar(m1Bar())
	assert.Empty(t, h.sub.commands())
}

func TestEvalTickTrailing(t *testing.T) {
	h := newHarness(t, types.SafetyLimits{})
	def := baseDef()
	def.Trailing = types.TrailingConfig{
		Enabled: true, StartPips: dec("20"), DistancePips: dec("10"),
	}
	r := h.newTestRunner(t, def)
	h.broker.setPositions([]types.Position{{
		Ticket: 9, Symbol: "EURUSD", Side: types.SideBuy,
		Volume: dec("0.1"), OpenPrice: dec("1.1000"), StrategyID: "s1",
	}})

	r.evalTick(types.Tick{Symbol: "EURUSD", Bid: dec("1.1030"), Ask: dec("1.1032")})

	cmds := h.sub.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, types.CmdModifyPosition, cmds[0].Kind)
	var p types.ModifyPositionPayload
	require.NoError(t, json.Unmarshal(cmds[0].Payload, &p))
	require.NotNil(t, p.StopLoss)
	assert.True(t, p.StopLoss.Equal(dec("1.1020")), "sl %s", p.StopLoss)
}

func TestEvalTickPriceExit(t *testing.T) {
	h := newHarness(t, types.SafetyLimits{})
	def := baseDef()
	def.ExitRule = json.RawMessage(`{"cmp":">=","left":{"price":"bid"},"right":{"value":1.25}}`)
	r := h.newTestRunner(t, def)
	h.broker.setPositions([]types.Position{{
		Ticket: 9, Symbol: "EURUSD", Side: types.SideBuy,
		Volume: dec("0.1"), OpenPrice: dec("1.2000"), StrategyID: "s1",
	}})

	// Below the level: the tick trigger does nothing.
	h.feedTick("1.2400")
	r.evalTick(types.Tick{Symbol: "EURUSD", Bid: dec("1.2400"), Ask: dec("1.2402")})
	assert.Empty(t, h.sub.commands())

	// The level trades intra-bar, without waiting for the bar close.
	h.feedTick("1.2600")
	r.evalTick(types.Tick{Symbol: "EURUSD", Bid: dec("1.2600"), Ask: dec("1.2602")})
	cmds := h.sub.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, types.CmdClosePosition, cmds[0].Kind)
}

func TestEvalTickIgnoredWithoutTickWork(t *testing.T) {
	h := newHarness(t, types.SafetyLimits{})
	def := baseDef()
	def.ExitRule = json.RawMessage(`{"cmp":"<","left":{"indicator":"RSI"},"right":{"value":30}}`)
	r := h.newTestRunner(t, def)
	h.broker.setPositions([]types.Position{{
		Ticket: 9, Symbol: "EURUSD", Side: types.SideBuy,
		Volume: dec("0.1"), OpenPrice: dec("1.2000"), StrategyID: "s1",
	}})

	// No trailing, no partials, indicator-only exit: ticks are not a trigger.
	r.evalTick(types.Tick{Symbol: "EURUSD", Bid: dec("1.2600"), Ask: dec("1.2602")})
	assert.Empty(t, h.sub.commands())
}

func TestLoadInstallsOnlyActiveStrategies(t *testing.T) {
	h := newHarness(t, types.SafetyLimits{})

	active := baseDef()
	paused := baseDef()
	paused.ID = "s2"
	paused.Status = types.StrategyPaused
	broken := baseDef()
	broken.ID = "s3"
	broken.EntryRule = json.RawMessage(`{"op":"XOR"}`)

	h.mon.Load([]types.StrategyDefinition{active, paused, broken})
	t.Cleanup(func() { h.mon.Remove("s1") })

	assert.Equal(t, 1, h.mon.ActiveCount())
	counts := h.mon.SlowSteps()
	_, ok := counts["s1"]
	assert.True(t, ok)
}

func TestLoadRemovesStrategiesMissingFromSync(t *testing.T) {
	h := newHarness(t, types.SafetyLimits{})
	s2 := baseDef()
	s2.ID = "s2"
	h.mon.Load([]types.StrategyDefinition{baseDef(), s2})
	require.Equal(t, 2, h.mon.ActiveCount())

	h.mon.Load([]types.StrategyDefinition{baseDef()})
	t.Cleanup(func() { h.mon.Remove("s1") })
	assert.Equal(t, 1, h.mon.ActiveCount())
}

func TestReloadSwapsDefinitionInPlace(t *testing.T) {
	h := newHarness(t, types.SafetyLimits{})
	h.mon.Load([]types.StrategyDefinition{baseDef()})
	t.Cleanup(func() { h.mon.Remove("s1") })

	var persisted []types.StrategyDefinition
	h.mon.SetPersist(func(def types.StrategyDefinition) {
		persisted = append(persisted, def)
	})

	next := baseDef()
	next.Version = 2
	raw, err := json.Marshal(next)
	require.NoError(t, err)
	require.NoError(t, h.mon.Reload(types.StrategyReloadPayload{
		StrategyID: "s1", Version: 2, Definition: raw,
	}))

	assert.Equal(t, 1, h.mon.ActiveCount(), "reload replaces, not adds")
	require.Len(t, persisted, 1)
	assert.Equal(t, 2, persisted[0].Version)
}

func TestReloadWithEmptyDefinitionRemoves(t *testing.T) {
	h := newHarness(t, types.SafetyLimits{})
	h.mon.Load([]types.StrategyDefinition{baseDef()})

	require.NoError(t, h.mon.Reload(types.StrategyReloadPayload{StrategyID: "s1"}))
	assert.Equal(t, 0, h.mon.ActiveCount())
}

func TestReloadRejectsBrokenDefinition(t *testing.T) {
	h := newHarness(t, types.SafetyLimits{})
	err := h.mon.Reload(types.StrategyReloadPayload{
		StrategyID: "s1", Definition: json.RawMessage(`{"id":`),
	})
	assert.Error(t, err)
	assert.Equal(t, 0, h.mon.ActiveCount())
}

func TestMonitorRoutesBusEvents(t *testing.T) {
	m := metrics.New()
	b := bus.New(zap.NewNop(), m)
	t.Cleanup(b.Close)
	store := market.NewStore(zap.NewNop(), m, b, market.Config{MinBars: 16, CacheMaxEntries: 64})
	kill := safety.NewKillSwitch(zap.NewNop(), m)
	broker := &fakeMirror{account: types.AccountSnapshot{Balance: dec("10000"), Equity: dec("10000")}}
	gate := safety.NewGate(zap.NewNop(), m, kill, broker, store, safety.Config{})
	sub := &fakeSubmitter{}
	mon := NewMonitor(zap.NewNop(), m, b, store, gate, kill, sub, broker)

	mon.Start(context.Background())
	t.Cleanup(mon.Stop)
	mon.Load([]types.StrategyDefinition{baseDef()})

	store.OnTick(types.Tick{
		Symbol: "EURUSD", Bid: dec("1.2000"), Ask: dec("1.2002"),
		Timestamp: time.Now().UTC(),
	})
	b.PublishBarClose(m1Bar())

	assert.Eventually(t, func() bool {
		return len(sub.commands()) == 1
	}, 2*time.Second, 10*time.Millisecond, "bar close reaches the runner through the bus")
	assert.Equal(t, types.CmdOpenPosition, sub.commands()[0].Kind)
}
