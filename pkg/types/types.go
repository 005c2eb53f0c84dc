// Package types provides the shared domain types of the executor agent:
// market data, positions, commands, and safety limits. Everything here is
// plain data; behavior lives in the internal packages.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe is a bar duration. Boundaries are computed in UTC.
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
)

// Duration returns the bar duration for the timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TimeframeM1:
		return time.Minute
	case TimeframeM5:
		return 5 * time.Minute
	case TimeframeM15:
		return 15 * time.Minute
	case TimeframeM30:
		return 30 * time.Minute
	case TimeframeH1:
		return time.Hour
	case TimeframeH4:
		return 4 * time.Hour
	case TimeframeD1:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether tf is one of the supported timeframes.
func (tf Timeframe) Valid() bool { return tf.Duration() > 0 }

// Truncate returns the open time of the bar containing t.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(tf.Duration())
}

// Timeframes lists all supported timeframes, shortest first.
func Timeframes() []Timeframe {
	return []Timeframe{
		TimeframeM1, TimeframeM5, TimeframeM15, TimeframeM30,
		TimeframeH1, TimeframeH4, TimeframeD1,
	}
}

// Tick is a single bid/ask update from the broker stream.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"ts"`
}

// Mid returns the bid/ask midpoint.
func (t Tick) Mid() decimal.Decimal {
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// Bar is an OHLCV aggregate over one timeframe interval. Bars are mutable
// while open and immutable once finalized by the market store.
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	OpenTime  time.Time       `json:"openTime"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Side is the direction of a position or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Position mirrors a broker-owned open position. The broker is the source
// of truth; this copy is refreshed from the stream and on reconnect.
type Position struct {
	Ticket        int64           `json:"ticket"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Volume        decimal.Decimal `json:"volume"`
	OpenPrice     decimal.Decimal `json:"openPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	StopLoss      decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit    decimal.Decimal `json:"takeProfit,omitempty"`
	OpenTime      time.Time       `json:"openTime"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	Swap          decimal.Decimal `json:"swap"`
	Commission    decimal.Decimal `json:"commission"`
	StrategyID    string          `json:"strategyId,omitempty"`
}

// AccountSnapshot is the broker account state at a point in time.
type AccountSnapshot struct {
	Balance     decimal.Decimal `json:"balance"`
	Equity      decimal.Decimal `json:"equity"`
	Margin      decimal.Decimal `json:"margin"`
	FreeMargin  decimal.Decimal `json:"freeMargin"`
	MarginLevel decimal.Decimal `json:"marginLevel"`
	Currency    string          `json:"currency"`
	Taken       time.Time       `json:"taken"`
}

// SafetyLimits are the account-wide pre-trade limits. They are configured
// at startup and mutable only through EmergencyStop/Resume handling.
type SafetyLimits struct {
	MaxDailyLoss     decimal.Decimal `json:"maxDailyLoss"`
	MaxDailyLossPct  decimal.Decimal `json:"maxDailyLossPct"`
	MaxDrawdown      decimal.Decimal `json:"maxDrawdown"`
	MaxDrawdownPct   decimal.Decimal `json:"maxDrawdownPct"`
	MaxOpenPositions int             `json:"maxOpenPositions"`
	MaxLotSize       decimal.Decimal `json:"maxLotSize"`
	MaxCorrelation   decimal.Decimal `json:"maxCorrelation"`
	MaxTotalExposure decimal.Decimal `json:"maxTotalExposure"`
}

// CommandKind enumerates the units of work the dispatcher processes.
type CommandKind string

const (
	CmdOpenPosition   CommandKind = "OpenPosition"
	CmdClosePosition  CommandKind = "ClosePosition"
	CmdModifyPosition CommandKind = "ModifyPosition"
	CmdCloseAll       CommandKind = "CloseAll"
	CmdPause          CommandKind = "Pause"
	CmdResume         CommandKind = "Resume"
	CmdGetStatus      CommandKind = "GetStatus"
	CmdEmergencyStop  CommandKind = "EmergencyStop"
	CmdStrategyReload CommandKind = "StrategyReload"
)

// KindFamily groups command kinds for rate limiting and timeouts.
type KindFamily string

const (
	FamilyTrade   KindFamily = "trade-mutating"
	FamilyRead    KindFamily = "read"
	FamilyControl KindFamily = "control"
)

// Family returns the rate-limit family of the command kind.
func (k CommandKind) Family() KindFamily {
	switch k {
	case CmdOpenPosition, CmdClosePosition, CmdModifyPosition, CmdCloseAll:
		return FamilyTrade
	case CmdGetStatus:
		return FamilyRead
	default:
		return FamilyControl
	}
}

// Valid reports whether k is a known command kind.
func (k CommandKind) Valid() bool {
	switch k {
	case CmdOpenPosition, CmdClosePosition, CmdModifyPosition, CmdCloseAll,
		CmdPause, CmdResume, CmdGetStatus, CmdEmergencyStop, CmdStrategyReload:
		return true
	}
	return false
}

// Priority orders commands at dispatch. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityUrgent:
		return "Urgent"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// ParsePriority maps the wire names to Priority. Unknown names map to Normal.
func ParsePriority(s string) Priority {
	switch s {
	case "Low":
		return PriorityLow
	case "High":
		return PriorityHigh
	case "Urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// CommandState is the lifecycle state of a command.
type CommandState string

const (
	StateReceived  CommandState = "received"
	StateEnqueued  CommandState = "enqueued"
	StateDeferred  CommandState = "deferred"
	StateExecuting CommandState = "executing"
	StateCompleted CommandState = "completed"
	StateFailed    CommandState = "failed"
	StateCancelled CommandState = "cancelled"
	StateExpired   CommandState = "expired"
)

// Terminal reports whether the state is final. A command reaches at most
// one terminal state across the process lifetime.
func (s CommandState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// Command is the unit of work consumed from the push channel or submitted
// locally by the strategy monitor.
type Command struct {
	ID          string          `json:"id"`
	Kind        CommandKind     `json:"kind"`
	Priority    Priority        `json:"-"`
	PriorityStr string          `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	ExpiresAt   *time.Time      `json:"expiresAt,omitempty"`
	RequesterID string          `json:"requesterId,omitempty"`
}

// Expired reports whether the command's deadline has passed.
func (c *Command) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// OpenPositionPayload is the payload of an OpenPosition command.
type OpenPositionPayload struct {
	StrategyID string          `json:"strategyId,omitempty"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Volume     decimal.Decimal `json:"volume"`
	StopLoss   decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit decimal.Decimal `json:"takeProfit,omitempty"`
	Comment    string          `json:"comment,omitempty"`
}

// ClosePositionPayload is the payload of a ClosePosition command.
type ClosePositionPayload struct {
	Ticket int64           `json:"ticket"`
	Volume decimal.Decimal `json:"volume,omitempty"` // zero closes the full position
}

// ModifyPositionPayload is the payload of a ModifyPosition command.
// Nil pointers leave the corresponding field unchanged.
type ModifyPositionPayload struct {
	Ticket     int64            `json:"ticket"`
	StopLoss   *decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit *decimal.Decimal `json:"takeProfit,omitempty"`
	Volume     *decimal.Decimal `json:"volume,omitempty"` // reduce-only, partial exit
}

// StrategyReloadPayload is the payload of a StrategyReload command.
type StrategyReloadPayload struct {
	StrategyID string          `json:"strategyId"`
	Version    int             `json:"version"`
	Definition json.RawMessage `json:"definition"`
}

// CommandOutcome is the terminal record of a command, handed to the control
// client for upstream reporting and journaled locally.
type CommandOutcome struct {
	CommandID  string          `json:"commandId"`
	Kind       CommandKind     `json:"kind"`
	State      CommandState    `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	FinishedAt time.Time       `json:"finishedAt"`
}
