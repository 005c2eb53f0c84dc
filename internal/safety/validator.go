package safety

import (
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/atlas-desktop/executor-agent/internal/errs"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// Snapshot is everything the validator reads. Callers assemble it from the
// broker mirror, the daily tracker, and the market store; the validator
// itself never mutates state.
type Snapshot struct {
	Account        types.AccountSnapshot
	Positions      []types.Position
	Limits         types.SafetyLimits
	DayStartEquity decimal.Decimal
	PeakEquity     decimal.Decimal

	// CandidateReturns holds the signal symbol's recent returns; Returns
	// maps each open-position symbol to its series over the same lookback.
	CandidateReturns []float64
	Returns          map[string][]float64
}

// Validate is the pure pre-trade check. nil means accept; otherwise the
// error is a SafetyReject naming the violated rule. Close signals always
// pass (they only reduce risk); modify signals are checked for lot size
// when they change volume.
func Validate(sig types.Signal, snap Snapshot) error {
	limits := snap.Limits

	switch sig.Kind {
	case types.SignalClose:
		return nil
	case types.SignalModify:
		if !sig.Volume.IsZero() && limits.MaxLotSize.IsPositive() && sig.Volume.GreaterThan(limits.MaxLotSize) {
			return errs.SafetyReject("max_lot_size", "modified volume exceeds max lot size")
		}
		return nil
	}

	if limits.MaxLotSize.IsPositive() && sig.Volume.GreaterThan(limits.MaxLotSize) {
		return errs.SafetyReject("max_lot_size", "requested volume exceeds max lot size")
	}

	if limits.MaxOpenPositions > 0 && len(snap.Positions)+1 > limits.MaxOpenPositions {
		return errs.SafetyReject("max_open_positions", "open position limit reached")
	}

	if limits.MaxTotalExposure.IsPositive() {
		exposure := sig.Volume.Mul(sig.Price)
		for _, p := range snap.Positions {
			exposure = exposure.Add(p.Volume.Mul(p.CurrentPrice))
		}
		if exposure.GreaterThan(limits.MaxTotalExposure) {
			return errs.SafetyReject("max_total_exposure", "projected exposure exceeds limit")
		}
	}

	daily := snap.Account.Equity.Sub(snap.DayStartEquity)
	if limits.MaxDailyLoss.IsPositive() && daily.LessThanOrEqual(limits.MaxDailyLoss.Neg()) {
		return errs.SafetyReject("max_daily_loss", "daily loss limit already reached")
	}
	if limits.MaxDailyLossPct.IsPositive() && snap.Account.Balance.IsPositive() {
		floor := limits.MaxDailyLossPct.Mul(snap.Account.Balance).Div(decimal.NewFromInt(100)).Neg()
		if daily.LessThanOrEqual(floor) {
			return errs.SafetyReject("max_daily_loss_pct", "daily percentage loss limit already reached")
		}
	}

	drawdown := snap.PeakEquity.Sub(snap.Account.Equity)
	if limits.MaxDrawdown.IsPositive() && drawdown.GreaterThanOrEqual(limits.MaxDrawdown) {
		return errs.SafetyReject("max_drawdown", "drawdown from peak equity exceeds limit")
	}
	if limits.MaxDrawdownPct.IsPositive() && snap.PeakEquity.IsPositive() {
		ddPct := drawdown.Div(snap.PeakEquity).Mul(decimal.NewFromInt(100))
		if ddPct.GreaterThanOrEqual(limits.MaxDrawdownPct) {
			return errs.SafetyReject("max_drawdown_pct", "percentage drawdown exceeds limit")
		}
	}

	if limits.MaxCorrelation.IsPositive() && len(snap.CandidateReturns) > 1 {
		maxCorr, _ := limits.MaxCorrelation.Float64()
		if corr := maxAbsCorrelation(sig.Symbol, snap.CandidateReturns, snap.Positions, snap.Returns); corr > maxCorr {
			return errs.SafetyReject("max_correlation", "candidate too correlated with open positions")
		}
	}

	return nil
}

// maxAbsCorrelation returns the largest absolute pairwise correlation
// between the candidate symbol's returns and each open position's returns.
// Series are truncated to the shorter length; positions on the candidate's
// own symbol count as fully correlated.
func maxAbsCorrelation(symbol string, candidate []float64, positions []types.Position, returns map[string][]float64) float64 {
	max := 0.0
	for _, p := range positions {
		if p.Symbol == symbol {
			return 1
		}
		other := returns[p.Symbol]
		n := len(candidate)
		if len(other) < n {
			n = len(other)
		}
		if n < 2 {
			continue
		}
		c := stat.Correlation(candidate[len(candidate)-n:], other[len(other)-n:], nil)
		if c < 0 {
			c = -c
		}
		if c > max {
			max = c
		}
	}
	return max
}
