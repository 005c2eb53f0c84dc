package broker

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/executor-agent/internal/errs"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// Stream frame kinds.
const (
	frameTick     = "tick"
	framePosition = "positionUpdate"
	frameAccount  = "accountSnapshot"
	frameFill     = "fillNotice"
	frameBarClose = "barClose"
)

// streamFrame is the superset of all stream frame shapes; Kind selects
// which fields are meaningful.
type streamFrame struct {
	Kind string `json:"kind"`

	// tick
	Symbol string          `json:"symbol,omitempty"`
	Bid    decimal.Decimal `json:"bid,omitempty"`
	Ask    decimal.Decimal `json:"ask,omitempty"`
	Ts     time.Time       `json:"ts,omitempty"`

	// positionUpdate
	Positions []types.Position `json:"positions,omitempty"`

	// accountSnapshot
	Balance     decimal.Decimal `json:"balance,omitempty"`
	Equity      decimal.Decimal `json:"equity,omitempty"`
	Margin      decimal.Decimal `json:"margin,omitempty"`
	FreeMargin  decimal.Decimal `json:"freeMargin,omitempty"`
	MarginLevel decimal.Decimal `json:"marginLevel,omitempty"`
	Currency    string          `json:"currency,omitempty"`

	// fillNotice
	Ticket int64           `json:"ticket,omitempty"`
	Price  decimal.Decimal `json:"price,omitempty"`
	Volume decimal.Decimal `json:"volume,omitempty"`

	// barClose
	Timeframe types.Timeframe `json:"timeframe,omitempty"`
	Bar       *types.Bar      `json:"bar,omitempty"`
}

// runStream dials the stream socket and consumes frames until it fails,
// reconnecting with backoff. All frames are processed on this single
// goroutine so broker ordering is preserved into the store and the bus.
func (t *Transport) runStream(ctx context.Context) {
	defer t.wg.Done()
	attempt := 1
	for {
		if t.stopped(ctx) {
			return
		}
		conn, err := t.dial(ctx, t.cfg.StreamAddr)
		if err != nil {
			t.metrics.Reconnects.WithLabelValues(LinkStream).Inc()
			if t.policy.Exhausted(attempt + 1) {
				t.escalate(LinkStream, err)
				return
			}
			t.logger.Warn("stream dial failed",
				zap.Int("attempt", attempt), zap.Error(err))
			if t.policy.Wait(ctx, attempt) != nil {
				return
			}
			attempt++
			continue
		}
		attempt = 1

		t.streamMu.Lock()
		t.streamConn = conn
		t.streamMu.Unlock()
		t.logger.Info("stream socket connected")
		if t.hooks.OnConnected != nil {
			t.hooks.OnConnected(LinkStream)
		}

		t.consumeStream(conn)

		t.closeStreamConn()
		if t.hooks.OnDisconnected != nil {
			t.hooks.OnDisconnected(LinkStream)
		}
	}
}

func (t *Transport) consumeStream(conn net.Conn) {
	for {
		raw, err := ReadFrame(conn)
		if err != nil {
			if errs.KindOf(err) == errs.KindMalformed {
				t.logger.Warn("discarding malformed stream frame", zap.Error(err))
				continue
			}
			return
		}
		var frame streamFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.logger.Warn("undecodable stream frame", zap.Error(err))
			continue
		}
		t.handleFrame(frame)
	}
}

func (t *Transport) handleFrame(frame streamFrame) {
	t.metrics.StreamFrames.WithLabelValues(frame.Kind).Inc()
	switch frame.Kind {
	case frameTick:
		tick := types.Tick{
			Symbol:    frame.Symbol,
			Bid:       frame.Bid,
			Ask:       frame.Ask,
			Timestamp: frame.Ts,
		}
		// Store first: a boundary-crossing tick finalizes the prior bar
		// and publishes barClose before the tick itself fans out.
		t.store.OnTick(tick)
		t.bus.PublishTick(tick)
	case framePosition:
		t.setPositions(frame.Positions)
	case frameAccount:
		t.setAccount(types.AccountSnapshot{
			Balance:     frame.Balance,
			Equity:      frame.Equity,
			Margin:      frame.Margin,
			FreeMargin:  frame.FreeMargin,
			MarginLevel: frame.MarginLevel,
			Currency:    frame.Currency,
			Taken:       time.Now().UTC(),
		})
	case frameFill:
		t.bus.PublishFill(types.FillNotice{
			Ticket: frame.Ticket,
			Price:  frame.Price,
			Volume: frame.Volume,
			Ts:     frame.Ts,
		})
	case frameBarClose:
		if frame.Bar == nil {
			t.logger.Warn("barClose frame without bar")
			return
		}
		t.store.ApplyServerBar(*frame.Bar)
	default:
		t.logger.Warn("unknown stream frame kind", zap.String("kind", frame.Kind))
	}
}

func (t *Transport) closeStreamConn() {
	t.streamMu.Lock()
	if t.streamConn != nil {
		t.streamConn.Close()
		t.streamConn = nil
	}
	t.streamMu.Unlock()
}
