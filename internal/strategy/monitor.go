// Package strategy runs the evaluation loops: one serialized loop per
// active strategy, bar-close as the primary trigger and ticks as the
// secondary one (price-level exits, trailing stops, partial exits).
// Signals pass the safety gate exactly once and become High-priority
// dispatcher commands.
package strategy

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/executor-agent/internal/bus"
	"github.com/atlas-desktop/executor-agent/internal/errs"
	"github.com/atlas-desktop/executor-agent/internal/market"
	"github.com/atlas-desktop/executor-agent/internal/metrics"
	"github.com/atlas-desktop/executor-agent/internal/safety"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// Submitter is the dispatcher's intake surface.
type Submitter interface {
	Submit(cmd *types.Command) error
}

// BrokerView is the transport's position/account mirror.
type BrokerView interface {
	Account() types.AccountSnapshot
	Positions() []types.Position
}

// Monitor owns the strategy runners and routes market events to them.
type Monitor struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	bus     *bus.Bus
	store   *market.Store
	gate    *safety.Gate
	kill    *safety.KillSwitch
	submit  Submitter
	broker  BrokerView

	// persist, when set, journals hot-reloaded definitions to the local
	// store for cold starts.
	persist func(types.StrategyDefinition)

	paused atomic.Bool

	mu      sync.RWMutex
	runners map[string]*runner

	cancelBars  func()
	cancelTicks func()
	wg          sync.WaitGroup
	stopCh      chan struct{}
	started     bool
}

// NewMonitor wires the monitor.
func NewMonitor(logger *zap.Logger, m *metrics.Metrics, b *bus.Bus, store *market.Store, gate *safety.Gate, kill *safety.KillSwitch, submit Submitter, broker BrokerView) *Monitor {
	return &Monitor{
		logger:  logger.Named("strategy"),
		metrics: m,
		bus:     b,
		store:   store,
		gate:    gate,
		kill:    kill,
		submit:  submit,
		broker:  broker,
		runners: make(map[string]*runner),
		stopCh:  make(chan struct{}),
	}
}

// SetPersist installs the reload persistence hook.
func (m *Monitor) SetPersist(fn func(types.StrategyDefinition)) { m.persist = fn }

// Start subscribes to the market bus and begins routing events.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	barCh, cancelBars := m.bus.SubscribeBars(128)
	tickCh, cancelTicks := m.bus.SubscribeTicks(1024)
	m.cancelBars = cancelBars
	m.cancelTicks = cancelTicks

	m.wg.Add(2)
	go m.routeBars(barCh)
	go m.routeTicks(tickCh)
	m.logger.Info("strategy monitor started")
}

// Stop halts routing and every runner.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	runners := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	close(m.stopCh)
	if m.cancelBars != nil {
		m.cancelBars()
	}
	if m.cancelTicks != nil {
		m.cancelTicks()
	}
	for _, r := range runners {
		close(r.done)
	}
	m.wg.Wait()
}

// routeBars fans bar closes out to every matching runner. Bar delivery is
// must-deliver: sends block until the runner takes the event.
func (m *Monitor) routeBars(ch <-chan types.Bar) {
	defer m.wg.Done()
	for bar := range ch {
		for _, r := range m.snapshotRunners() {
			c := r.snap.Load()
			if bar.Timeframe != c.def.Timeframe || !c.wants(bar.Symbol) {
				continue
			}
			select {
			case r.barCh <- bar:
			case <-r.done:
			case <-m.stopCh:
				return
			}
		}
	}
}

// routeTicks fans ticks out best-effort; a runner busy in an evaluation
// just misses the tick.
func (m *Monitor) routeTicks(ch <-chan types.Tick) {
	defer m.wg.Done()
	for tick := range ch {
		for _, r := range m.snapshotRunners() {
			if !r.snap.Load().wants(tick.Symbol) {
				continue
			}
			select {
			case r.tickCh <- tick:
			default:
				m.metrics.TicksDropped.Inc()
			}
		}
	}
}

func (m *Monitor) snapshotRunners() []*runner {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		out = append(out, r)
	}
	return out
}

// Load installs runners for every active definition (startup and full
// syncs). Non-active strategies present locally are removed.
func (m *Monitor) Load(defs []types.StrategyDefinition) {
	wanted := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		if def.Status != types.StrategyActive {
			continue
		}
		wanted[def.ID] = struct{}{}
		if err := m.install(def); err != nil {
			m.logger.Error("skipping strategy", zap.String("strategy", def.ID), zap.Error(err))
		}
	}
	for _, r := range m.snapshotRunners() {
		if _, ok := wanted[r.id]; !ok {
			m.Remove(r.id)
		}
	}
}

// Reload applies one hot-reloaded definition: the snapshot pointer swaps
// between evaluations, so an in-flight evaluation completes under the old
// definition.
func (m *Monitor) Reload(p types.StrategyReloadPayload) error {
	if len(p.Definition) == 0 {
		m.Remove(p.StrategyID)
		return nil
	}
	var def types.StrategyDefinition
	if err := json.Unmarshal(p.Definition, &def); err != nil {
		return errs.Wrap(errs.KindMalformed, "strategy definition", err)
	}
	if def.ID == "" {
		def.ID = p.StrategyID
	}
	if def.Version == 0 {
		def.Version = p.Version
	}
	if def.Status != "" && def.Status != types.StrategyActive {
		m.Remove(def.ID)
		if m.persist != nil {
			m.persist(def)
		}
		return nil
	}
	if err := m.install(def); err != nil {
		return err
	}
	if m.persist != nil {
		m.persist(def)
	}
	return nil
}

func (m *Monitor) install(def types.StrategyDefinition) error {
	c, err := compile(def)
	if err != nil {
		return err
	}
	for _, symbol := range def.Symbols {
		m.store.Subscribe(symbol, def.Timeframe, c.lookback)
	}

	m.mu.Lock()
	if r, ok := m.runners[def.ID]; ok {
		r.snap.Store(c)
		m.mu.Unlock()
		m.logger.Info("strategy reloaded",
			zap.String("strategy", def.ID), zap.Int("version", def.Version))
		return nil
	}
	r := newRunner(m, c)
	m.runners[def.ID] = r
	m.wg.Add(1)
	m.mu.Unlock()

	go r.loop()
	m.logger.Info("strategy loaded",
		zap.String("strategy", def.ID),
		zap.String("timeframe", string(def.Timeframe)),
		zap.Strings("symbols", def.Symbols),
		zap.Int("version", def.Version))
	return nil
}

// Remove stops and drops one runner.
func (m *Monitor) Remove(id string) {
	m.mu.Lock()
	r, ok := m.runners[id]
	if ok {
		delete(m.runners, id)
	}
	m.mu.Unlock()
	if ok {
		close(r.done)
		m.logger.Info("strategy removed", zap.String("strategy", id))
	}
}

// Pause suspends evaluations without engaging the kill-switch. Events keep
// draining so no backlog forms.
func (m *Monitor) Pause() { m.paused.Store(true) }

// Unpause resumes evaluations.
func (m *Monitor) Unpause() { m.paused.Store(false) }

// Paused reports the suspension flag.
func (m *Monitor) Paused() bool { return m.paused.Load() }

// ActiveCount reports the number of loaded strategies for heartbeats.
func (m *Monitor) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runners)
}

// SlowSteps reports per-strategy slow-evaluation counts for status calls.
func (m *Monitor) SlowSteps() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.runners))
	for id, r := range m.runners {
		out[id] = r.slowSteps.Load()
	}
	return out
}

// openPositions returns the broker mirror filtered to one strategy.
func (m *Monitor) openPositions(strategyID string) []types.Position {
	all := m.broker.Positions()
	out := all[:0:0]
	for _, p := range all {
		if p.StrategyID == strategyID {
			out = append(out, p)
		}
	}
	return out
}

// emit validates one signal through the safety gate and submits the
// resulting command at High priority. Rejections are logged and counted by
// the gate; they are not errors here.
func (m *Monitor) emit(sig types.Signal, tf types.Timeframe) {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if err := m.gate.Check(sig, tf); err != nil {
		m.logger.Debug("signal vetoed",
			zap.String("strategy", sig.StrategyID),
			zap.String("kind", string(sig.Kind)),
			zap.Error(err))
		return
	}
	cmd, err := commandFor(sig)
	if err != nil {
		m.logger.Error("signal conversion failed", zap.Error(err))
		return
	}
	if err := m.submit.Submit(cmd); err != nil {
		m.logger.Warn("signal submission refused",
			zap.String("strategy", sig.StrategyID),
			zap.String("command", cmd.ID),
			zap.Error(err))
	}
}

// commandFor converts an accepted signal into a dispatcher command.
func commandFor(sig types.Signal) (*types.Command, error) {
	var (
		kind    types.CommandKind
		payload any
	)
	switch sig.Kind {
	case types.SignalOpen:
		kind = types.CmdOpenPosition
		payload = types.OpenPositionPayload{
			StrategyID: sig.StrategyID,
			Symbol:     sig.Symbol,
			Side:       sig.Side,
			Volume:     sig.Volume,
			StopLoss:   sig.StopLoss,
			TakeProfit: sig.TakeProfit,
			Comment:    sig.Reason,
		}
	case types.SignalClose:
		kind = types.CmdClosePosition
		payload = types.ClosePositionPayload{Ticket: sig.Ticket, Volume: sig.Volume}
	case types.SignalModify:
		kind = types.CmdModifyPosition
		p := types.ModifyPositionPayload{Ticket: sig.Ticket}
		if !sig.StopLoss.IsZero() {
			sl := sig.StopLoss
			p.StopLoss = &sl
		}
		if !sig.TakeProfit.IsZero() {
			tp := sig.TakeProfit
			p.TakeProfit = &tp
		}
		payload = p
	default:
		return nil, errs.Newf(errs.KindInternal, "unknown signal kind %q", sig.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "encode signal payload", err)
	}
	return &types.Command{
		ID:          sig.ID,
		Kind:        kind,
		Priority:    types.PriorityHigh,
		PriorityStr: types.PriorityHigh.String(),
		Payload:     raw,
		CreatedAt:   time.Now().UTC(),
		RequesterID: "strategy:" + sig.StrategyID,
	}, nil
}
