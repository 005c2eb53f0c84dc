package safety

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/executor-agent/internal/errs"
	"github.com/atlas-desktop/executor-agent/internal/metrics"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// AccountView is the broker transport's read-only mirror of account and
// positions.
type AccountView interface {
	Account() types.AccountSnapshot
	Positions() []types.Position
}

// ReturnsSource supplies per-symbol return series for the correlation
// check. The market store satisfies it.
type ReturnsSource interface {
	Returns(symbol string, tf types.Timeframe, n int) []float64
}

// Config tunes the safety layer.
type Config struct {
	Limits types.SafetyLimits
	// CorrelationLookback is the number of return observations used by
	// the pairwise correlation check.
	CorrelationLookback int
	// MonitorInterval is the breach-scan cadence of the periodic monitor;
	// zero selects DefaultMonitorInterval.
	MonitorInterval time.Duration
}

// DefaultCorrelationLookback is 100 bars on the signal's native timeframe.
const DefaultCorrelationLookback = 100

// Gate runs the pre-trade validator over live snapshots. It is the single
// choke point between strategy signals and the dispatcher: every signal
// passes Check exactly once immediately before submission.
type Gate struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	kill    *KillSwitch
	broker  AccountView
	returns ReturnsSource

	lookback int

	mu             sync.RWMutex
	limits         types.SafetyLimits
	dayStartEquity decimal.Decimal
	peakEquity     decimal.Decimal
}

// NewGate wires the gate. Equity baselines start at zero and are seeded by
// the first account snapshot via Observe.
func NewGate(logger *zap.Logger, m *metrics.Metrics, kill *KillSwitch, broker AccountView, returns ReturnsSource, cfg Config) *Gate {
	lookback := cfg.CorrelationLookback
	if lookback <= 0 {
		lookback = DefaultCorrelationLookback
	}
	return &Gate{
		logger:   logger.Named("safety"),
		metrics:  m,
		kill:     kill,
		broker:   broker,
		returns:  returns,
		lookback: lookback,
		limits:   cfg.Limits,
	}
}

// Limits returns the configured limits.
func (g *Gate) Limits() types.SafetyLimits {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limits
}

// Observe folds a fresh equity reading into the peak-equity watermark.
// Called by the monitor loop and on every account snapshot.
func (g *Gate) Observe(account types.AccountSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dayStartEquity.IsZero() {
		g.dayStartEquity = account.Equity
	}
	if account.Equity.GreaterThan(g.peakEquity) {
		g.peakEquity = account.Equity
	}
}

// ResetDaily rebaselines the daily-loss reference. Scheduled at 00:00 UTC.
func (g *Gate) ResetDaily() {
	account := g.broker.Account()
	g.mu.Lock()
	g.dayStartEquity = account.Equity
	g.mu.Unlock()
	g.logger.Info("daily loss baseline reset",
		zap.String("equity", account.Equity.String()))
}

// Baselines returns the current day-start and peak equity.
func (g *Gate) Baselines() (dayStart, peak decimal.Decimal) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dayStartEquity, g.peakEquity
}

// Check validates one signal against the current snapshots. While the
// kill-switch is active every signal is rejected with KillSwitchActive so
// in-flight evaluations fail loudly instead of being dropped.
func (g *Gate) Check(sig types.Signal, tf types.Timeframe) error {
	if g.kill.Active() {
		g.metrics.SignalsRejected.WithLabelValues("kill_switch").Inc()
		return errs.New(errs.KindKillSwitch, "kill-switch active")
	}

	snap := g.snapshot(sig, tf)
	if err := Validate(sig, snap); err != nil {
		var e *errs.Error
		rule := "unknown"
		if errors.As(err, &e) {
			rule = e.Rule
		}
		g.metrics.SignalsRejected.WithLabelValues(rule).Inc()
		g.logger.Warn("signal rejected",
			zap.String("strategy", sig.StrategyID),
			zap.String("symbol", sig.Symbol),
			zap.String("rule", rule))
		return err
	}
	return nil
}

// snapshot assembles the validator input from the live views.
func (g *Gate) snapshot(sig types.Signal, tf types.Timeframe) Snapshot {
	positions := g.broker.Positions()
	account := g.broker.Account()

	g.mu.RLock()
	limits := g.limits
	dayStart := g.dayStartEquity
	peak := g.peakEquity
	g.mu.RUnlock()

	snap := Snapshot{
		Account:        account,
		Positions:      positions,
		Limits:         limits,
		DayStartEquity: dayStart,
		PeakEquity:     peak,
	}
	if limits.MaxCorrelation.IsPositive() && sig.Kind == types.SignalOpen && len(positions) > 0 {
		snap.CandidateReturns = g.returns.Returns(sig.Symbol, tf, g.lookback)
		snap.Returns = make(map[string][]float64, len(positions))
		for _, p := range positions {
			if _, ok := snap.Returns[p.Symbol]; !ok {
				snap.Returns[p.Symbol] = g.returns.Returns(p.Symbol, tf, g.lookback)
			}
		}
	}
	return snap
}
