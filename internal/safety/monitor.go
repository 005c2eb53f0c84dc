package safety

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Monitor scans the account every interval and engages the kill-switch the
// moment a loss or drawdown limit is breached, independent of any signal
// flow. The pre-trade gate stops new risk; the monitor stops existing risk.
type Monitor struct {
	logger   *zap.Logger
	gate     *Gate
	kill     *KillSwitch
	interval time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// DefaultMonitorInterval is the breach-scan cadence.
const DefaultMonitorInterval = time.Second

// NewMonitor wires the monitor. interval <= 0 falls back to the default.
func NewMonitor(logger *zap.Logger, gate *Gate, kill *KillSwitch, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &Monitor{
		logger:   logger.Named("safety-monitor"),
		gate:     gate,
		kill:     kill,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the scan loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("safety monitor started", zap.Duration("interval", m.interval))
}

// Stop halts the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.scan()
		}
	}
}

// scan checks the running-loss limits against the live account. Per-trade
// limits (lot size, exposure, correlation) only matter at admission time
// and are left to the gate.
func (m *Monitor) scan() {
	account := m.gate.broker.Account()
	if account.Equity.IsZero() {
		return // no snapshot yet
	}
	m.gate.Observe(account)

	if m.kill.Active() {
		return
	}

	limits := m.gate.Limits()
	dayStart, peak := m.gate.Baselines()

	daily := account.Equity.Sub(dayStart)
	if limits.MaxDailyLoss.IsPositive() && daily.LessThanOrEqual(limits.MaxDailyLoss.Neg()) {
		m.engage("max_daily_loss", daily)
		return
	}
	if limits.MaxDailyLossPct.IsPositive() && account.Balance.IsPositive() {
		floor := limits.MaxDailyLossPct.Mul(account.Balance).Div(decimal.NewFromInt(100)).Neg()
		if daily.LessThanOrEqual(floor) {
			m.engage("max_daily_loss_pct", daily)
			return
		}
	}

	drawdown := peak.Sub(account.Equity)
	if limits.MaxDrawdown.IsPositive() && drawdown.GreaterThanOrEqual(limits.MaxDrawdown) {
		m.engage("max_drawdown", drawdown.Neg())
		return
	}
	if limits.MaxDrawdownPct.IsPositive() && peak.IsPositive() {
		ddPct := drawdown.Div(peak).Mul(decimal.NewFromInt(100))
		if ddPct.GreaterThanOrEqual(limits.MaxDrawdownPct) {
			m.engage("max_drawdown_pct", drawdown.Neg())
		}
	}
}

func (m *Monitor) engage(rule string, delta decimal.Decimal) {
	if m.kill.Engage("limit breached: " + rule) {
		m.logger.Error("trading halted on limit breach",
			zap.String("rule", rule),
			zap.String("equity_delta", delta.String()))
	}
}
