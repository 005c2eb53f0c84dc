package strategy

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/executor-agent/internal/errs"
	"github.com/atlas-desktop/executor-agent/internal/rules"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// evalCeiling is the hard per-evaluation budget. A step that exceeds it is
// logged and its signals are discarded.
const evalCeiling = 500 * time.Millisecond

// compiled is an immutable strategy snapshot. Hot reload swaps the whole
// pointer at an evaluation boundary; an evaluation in progress finishes
// under the definition it started with.
type compiled struct {
	def          types.StrategyDefinition
	entry        *rules.Node
	exit         *rules.Node
	hasPriceExit bool
	lookback     int
}

// compile parses the rule trees and derives the bar history the strategy
// needs.
func compile(def types.StrategyDefinition) (*compiled, error) {
	if !def.Timeframe.Valid() {
		return nil, errs.Newf(errs.KindMalformed, "strategy %s: invalid timeframe %q", def.ID, def.Timeframe)
	}
	if len(def.Symbols) == 0 {
		return nil, errs.Newf(errs.KindMalformed, "strategy %s: no symbols", def.ID)
	}
	entry, err := rules.Parse(def.EntryRule)
	if err != nil {
		return nil, errs.Wrap(errs.KindMalformed, "strategy "+def.ID+" entry rule", err)
	}
	exit, err := rules.Parse(def.ExitRule)
	if err != nil {
		return nil, errs.Wrap(errs.KindMalformed, "strategy "+def.ID+" exit rule", err)
	}
	lookback := rules.MaxLookback(entry)
	if v := rules.MaxLookback(exit); v > lookback {
		lookback = v
	}
	for _, f := range def.Filters {
		// ADX warm-up needs two periods of history.
		if need := 2*f.Period + 1; need > lookback {
			lookback = need
		}
	}
	return &compiled{
		def:          def,
		entry:        entry,
		exit:         exit,
		hasPriceExit: hasPriceLeaf(exit),
		lookback:     lookback,
	}, nil
}

func hasPriceLeaf(n *rules.Node) bool {
	if n == nil {
		return false
	}
	for _, child := range n.Children {
		if hasPriceLeaf(child) {
			return true
		}
	}
	for _, op := range []*rules.Operand{n.Left, n.Right} {
		if op != nil && op.Price != "" {
			return true
		}
	}
	return false
}

// runner owns one strategy's serialized evaluation loop. All mutable state
// below is touched only by the loop goroutine.
type runner struct {
	id      string
	logger  *zap.Logger
	monitor *Monitor

	snap atomic.Pointer[compiled]

	barCh  chan types.Bar
	tickCh chan types.Tick
	done   chan struct{}

	// Per-ticket trailing and partial-exit progress.
	lastTrail   map[int64]decimal.Decimal
	partialDone map[int64]int

	slowSteps atomic.Int64
}

func newRunner(m *Monitor, c *compiled) *runner {
	r := &runner{
		id:          c.def.ID,
		logger:      m.logger.With(zap.String("strategy", c.def.ID)),
		monitor:     m,
		barCh:       make(chan types.Bar, 64),
		tickCh:      make(chan types.Tick, 256),
		done:        make(chan struct{}),
		lastTrail:   make(map[int64]decimal.Decimal),
		partialDone: make(map[int64]int),
	}
	r.snap.Store(c)
	return r
}

func (r *runner) loop() {
	defer r.monitor.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case bar := <-r.barCh:
			r.evalBar(bar)
		case tick := <-r.tickCh:
			r.evalTick(tick)
		}
	}
}

// wants reports whether the runner trades the symbol.
func (c *compiled) wants(symbol string) bool {
	for _, s := range c.def.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// evalBar is the primary trigger: full entry/exit evaluation on a close of
// the strategy's timeframe.
func (r *runner) evalBar(bar types.Bar) {
	c := r.snap.Load()
	if bar.Timeframe != c.def.Timeframe || !c.wants(bar.Symbol) {
		return
	}
	if r.monitor.kill.Active() || r.monitor.paused.Load() {
		return // suspended; evaluation resumes after Resume
	}
	r.monitor.metrics.Evaluations.Inc()
	start := time.Now()

	signals := r.barSignals(c, bar)

	if elapsed := time.Since(start); elapsed > evalCeiling {
		r.monitor.metrics.SlowEvaluations.Inc()
		r.slowSteps.Add(1)
		r.logger.Warn("slow evaluation, discarding step",
			zap.String("symbol", bar.Symbol),
			zap.Duration("elapsed", elapsed))
		return
	}
	for _, sig := range signals {
		r.monitor.emit(sig, c.def.Timeframe)
	}
}

func (r *runner) barSignals(c *compiled, bar types.Bar) []types.Signal {
	src := r.monitor.store
	now := bar.OpenTime.Add(bar.Timeframe.Duration())
	if !passesFilters(c.def.Filters, src, bar.Symbol, c.def.Timeframe, now) {
		return nil
	}

	open := r.monitor.openPositions(r.id)
	var onSymbol []types.Position
	for _, p := range open {
		if p.Symbol == bar.Symbol {
			onSymbol = append(onSymbol, p)
		}
	}

	if len(onSymbol) > 0 {
		if rules.Evaluate(c.exit, src, bar.Symbol, c.def.Timeframe) {
			signals := make([]types.Signal, 0, len(onSymbol))
			for _, p := range onSymbol {
				signals = append(signals, r.closeSignal(p, "exit rule"))
			}
			return signals
		}
		return nil
	}

	maxOpen := c.def.MaxOpenPositions
	if maxOpen > 0 && len(open) >= maxOpen {
		return nil
	}
	if !rules.Evaluate(c.entry, src, bar.Symbol, c.def.Timeframe) {
		return nil
	}
	sig, err := r.entrySignal(c, bar.Symbol)
	if err != nil {
		r.logger.Warn("entry sizing failed", zap.String("symbol", bar.Symbol), zap.Error(err))
		return nil
	}
	return []types.Signal{sig}
}

func (r *runner) entrySignal(c *compiled, symbol string) (types.Signal, error) {
	tick, ok := r.monitor.store.LastTick(symbol)
	if !ok {
		return types.Signal{}, errs.New(errs.KindMalformed, "no current price")
	}
	side := c.def.Direction
	if side == "" {
		side = types.SideBuy
	}
	price := tick.Ask
	if side == types.SideSell {
		price = tick.Bid
	}
	equity := r.monitor.broker.Account().Equity
	volume, err := computeSize(c.def.Sizing, symbol, price, equity, c.def.StopLossPips)
	if err != nil {
		return types.Signal{}, err
	}
	sl, tp := stopLevels(symbol, side, price, c.def.StopLossPips, c.def.TakeProfitPips)
	return types.Signal{
		StrategyID:  r.id,
		Kind:        types.SignalOpen,
		Symbol:      symbol,
		Side:        side,
		Volume:      volume,
		Price:       price,
		StopLoss:    sl,
		TakeProfit:  tp,
		Reason:      "entry rule",
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func (r *runner) closeSignal(p types.Position, reason string) types.Signal {
	return types.Signal{
		StrategyID:  r.id,
		Kind:        types.SignalClose,
		Symbol:      p.Symbol,
		Ticket:      p.Ticket,
		Reason:      reason,
		GeneratedAt: time.Now().UTC(),
	}
}

// evalTick is the secondary trigger: trailing stops, partial exits, and
// price-level exit rules only.
func (r *runner) evalTick(tick types.Tick) {
	c := r.snap.Load()
	if !c.wants(tick.Symbol) {
		return
	}
	if r.monitor.kill.Active() || r.monitor.paused.Load() {
		return
	}
	needsTick := c.def.Trailing.Enabled || len(c.def.PartialExits) > 0 || c.hasPriceExit
	if !needsTick {
		return
	}

	open := r.monitor.openPositions(r.id)
	var onSymbol []types.Position
	for _, p := range open {
		if p.Symbol == tick.Symbol {
			onSymbol = append(onSymbol, p)
		}
	}
	if len(onSymbol) == 0 {
		r.gcTickets(open)
		return
	}

	if c.hasPriceExit && rules.Evaluate(c.exit, r.monitor.store, tick.Symbol, c.def.Timeframe) {
		for _, p := range onSymbol {
			r.monitor.emit(r.closeSignal(p, "price exit"), c.def.Timeframe)
		}
		return
	}
	for _, p := range onSymbol {
		if sig, ok := r.partialExit(c, p, tick); ok {
			r.monitor.emit(sig, c.def.Timeframe)
			continue // full trailing resumes next tick on the reduced position
		}
		if sig, ok := r.trail(c, p, tick); ok {
			r.monitor.emit(sig, c.def.Timeframe)
		}
	}
}

// profitPips is the favorable move from the open price, in pips.
func profitPips(p types.Position, tick types.Tick) decimal.Decimal {
	pip := pipSize(p.Symbol)
	if p.Side == types.SideBuy {
		return tick.Bid.Sub(p.OpenPrice).Div(pip)
	}
	return p.OpenPrice.Sub(tick.Ask).Div(pip)
}

// trail emits a stop-loss modification when price has moved StartPips in
// favor and the new stop improves on the previous one by at least StepPips.
func (r *runner) trail(c *compiled, p types.Position, tick types.Tick) (types.Signal, bool) {
	tr := c.def.Trailing
	if !tr.Enabled {
		return types.Signal{}, false
	}
	if profitPips(p, tick).LessThan(tr.StartPips) {
		return types.Signal{}, false
	}
	pip := pipSize(p.Symbol)
	dist := tr.DistancePips.Mul(pip)
	var desired decimal.Decimal
	if p.Side == types.SideBuy {
		desired = tick.Bid.Sub(dist)
	} else {
		desired = tick.Ask.Add(dist)
	}

	current := p.StopLoss
	if prev, ok := r.lastTrail[p.Ticket]; ok {
		current = prev
	}
	improves := current.IsZero() ||
		(p.Side == types.SideBuy && desired.GreaterThan(current)) ||
		(p.Side == types.SideSell && desired.LessThan(current))
	if !improves {
		return types.Signal{}, false
	}
	if tr.StepPips.IsPositive() && !current.IsZero() {
		step := desired.Sub(current).Abs().Div(pip)
		if step.LessThan(tr.StepPips) {
			return types.Signal{}, false
		}
	}
	r.lastTrail[p.Ticket] = desired
	return types.Signal{
		StrategyID:  r.id,
		Kind:        types.SignalModify,
		Symbol:      p.Symbol,
		Ticket:      p.Ticket,
		StopLoss:    desired,
		Reason:      "trailing stop",
		GeneratedAt: time.Now().UTC(),
	}, true
}

// partialExit fires the next unexecuted exit level once its trigger is
// reached, closing a slice of the position. Levels fire in order, each at
// most once per ticket.
func (r *runner) partialExit(c *compiled, p types.Position, tick types.Tick) (types.Signal, bool) {
	levels := c.def.PartialExits
	next := r.partialDone[p.Ticket]
	if next >= len(levels) {
		return types.Signal{}, false
	}
	level := levels[next]
	if profitPips(p, tick).LessThan(level.TriggerPips) {
		return types.Signal{}, false
	}
	volume := p.Volume.Mul(level.ClosePct).Div(hundred)
	volume = volume.Div(lotStep).Floor().Mul(lotStep)
	if volume.LessThan(minLot) || volume.GreaterThanOrEqual(p.Volume) {
		// Too small to slice, or would flatten entirely: skip the level.
		r.partialDone[p.Ticket] = next + 1
		return types.Signal{}, false
	}
	r.partialDone[p.Ticket] = next + 1
	sig := r.closeSignal(p, "partial exit")
	sig.Volume = volume
	return sig, true
}

// gcTickets drops trailing/partial state for tickets no longer open.
func (r *runner) gcTickets(open []types.Position) {
	if len(r.lastTrail) == 0 && len(r.partialDone) == 0 {
		return
	}
	alive := make(map[int64]struct{}, len(open))
	for _, p := range open {
		alive[p.Ticket] = struct{}{}
	}
	for ticket := range r.lastTrail {
		if _, ok := alive[ticket]; !ok {
			delete(r.lastTrail, ticket)
		}
	}
	for ticket := range r.partialDone {
		if _, ok := alive[ticket]; !ok {
			delete(r.partialDone, ticket)
		}
	}
}
