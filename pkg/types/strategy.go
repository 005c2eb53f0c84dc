package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// StrategyStatus is the lifecycle status of a strategy definition.
type StrategyStatus string

const (
	StrategyDraft    StrategyStatus = "Draft"
	StrategyActive   StrategyStatus = "Active"
	StrategyPaused   StrategyStatus = "Paused"
	StrategyArchived StrategyStatus = "Archived"
)

// SizingConfig selects how a strategy sizes new positions.
// Methods: "fixed" (Lots), "equity_pct" (PctEquity of equity at entry
// price), "risk_pct" (PctEquity of equity risked to the stop distance).
type SizingConfig struct {
	Method    string          `json:"method"`
	Lots      decimal.Decimal `json:"lots,omitempty"`
	PctEquity decimal.Decimal `json:"pctEquity,omitempty"`
	MaxLots   decimal.Decimal `json:"maxLots,omitempty"`
}

// FilterConfig is a declarative evaluation gate. Types:
//   - "session":    trade only between StartHour and EndHour (UTC)
//   - "volatility": require ATR(Period)/price within [Min, Max]
//   - "regime":     require ADX(Period) above Min (trend) or below Max (range)
type FilterConfig struct {
	Type      string          `json:"type"`
	StartHour int             `json:"startHour,omitempty"`
	EndHour   int             `json:"endHour,omitempty"`
	Period    int             `json:"period,omitempty"`
	Min       decimal.Decimal `json:"min,omitempty"`
	Max       decimal.Decimal `json:"max,omitempty"`
}

// ExitLevel is a partial-exit step: when unrealized profit reaches
// TriggerPips in favor, ClosePct of the original volume is closed.
type ExitLevel struct {
	TriggerPips decimal.Decimal `json:"triggerPips"`
	ClosePct    decimal.Decimal `json:"closePct"`
}

// TrailingConfig enables tick-driven trailing of the stop loss once price
// has moved StartPips in favor, keeping the stop DistancePips behind.
type TrailingConfig struct {
	Enabled      bool            `json:"enabled"`
	StartPips    decimal.Decimal `json:"startPips"`
	DistancePips decimal.Decimal `json:"distancePips"`
	StepPips     decimal.Decimal `json:"stepPips,omitempty"`
}

// StrategyDefinition is the declarative trading logic downloaded from the
// control plane. Rule payloads stay raw here and are parsed by the rules
// package when the monitor loads the strategy.
type StrategyDefinition struct {
	ID               string          `json:"id"`
	Version          int             `json:"version"`
	Name             string          `json:"name,omitempty"`
	Symbols          []string        `json:"symbols"`
	Timeframe        Timeframe       `json:"timeframe"`
	EntryRule        json.RawMessage `json:"entryRule"`
	ExitRule         json.RawMessage `json:"exitRule"`
	Filters          []FilterConfig  `json:"filters,omitempty"`
	Sizing           SizingConfig    `json:"sizing"`
	Status           StrategyStatus  `json:"status"`
	MaxOpenPositions int             `json:"maxOpenPositions,omitempty"`
	StopLossPips     decimal.Decimal `json:"stopLossPips,omitempty"`
	TakeProfitPips   decimal.Decimal `json:"takeProfitPips,omitempty"`
	Direction        Side            `json:"direction,omitempty"` // entry side; defaults to BUY
	Trailing         TrailingConfig  `json:"trailing,omitempty"`
	PartialExits     []ExitLevel     `json:"partialExits,omitempty"`
}

// SignalKind is the intent of a strategy signal.
type SignalKind string

const (
	SignalOpen   SignalKind = "open"
	SignalClose  SignalKind = "close"
	SignalModify SignalKind = "modify"
)

// Signal is a strategy-produced trade intent, pre-validation. Accepted
// signals become commands submitted to the dispatcher at High priority.
type Signal struct {
	ID          string          `json:"id"`
	StrategyID  string          `json:"strategyId"`
	Kind        SignalKind      `json:"kind"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side,omitempty"`
	Volume      decimal.Decimal `json:"volume,omitempty"`
	Ticket      int64           `json:"ticket,omitempty"`
	StopLoss    decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit  decimal.Decimal `json:"takeProfit,omitempty"`
	Price       decimal.Decimal `json:"price,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	GeneratedAt time.Time       `json:"generatedAt"`
}
