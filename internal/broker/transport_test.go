package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/executor-agent/internal/bus"
	"github.com/atlas-desktop/executor-agent/internal/errs"
	"github.com/atlas-desktop/executor-agent/internal/market"
	"github.com/atlas-desktop/executor-agent/internal/metrics"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// bridgeHandler produces the reply for one request kind. reply=false keeps
// the bridge silent so timeout paths can be exercised.
type bridgeHandler func(params json.RawMessage) (result any, rpcErr *rpcError, reply bool)

// fakeBridge speaks the bridge wire protocol over local TCP: an RPC
// listener answering correlated requests and a stream listener for pushes.
type fakeBridge struct {
	t        *testing.T
	rpcLn    net.Listener
	streamLn net.Listener

	mu       sync.Mutex
	handlers map[string]bridgeHandler
	streams  []net.Conn
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	rpcLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	streamLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fb := &fakeBridge{
		t:        t,
		rpcLn:    rpcLn,
		streamLn: streamLn,
		handlers: map[string]bridgeHandler{
			reqAccount: func(json.RawMessage) (any, *rpcError, bool) {
				return types.AccountSnapshot{
					Balance:  decimal.RequireFromString("10000"),
					Equity:   decimal.RequireFromString("10000"),
					Currency: "USD",
				}, nil, true
			},
			reqPositions: func(json.RawMessage) (any, *rpcError, bool) {
				return positionsResult{}, nil, true
			},
		},
	}
	go fb.acceptRPC()
	go fb.acceptStream()
	t.Cleanup(func() {
		rpcLn.Close()
		streamLn.Close()
	})
	return fb
}

func (fb *fakeBridge) handle(kind string, h bridgeHandler) {
	fb.mu.Lock()
	fb.handlers[kind] = h
	fb.mu.Unlock()
}

func (fb *fakeBridge) acceptRPC() {
	for {
		conn, err := fb.rpcLn.Accept()
		if err != nil {
			return
		}
		go fb.serveRPC(conn)
	}
}

func (fb *fakeBridge) serveRPC(conn net.Conn) {
	defer conn.Close()
	for {
		raw, err := ReadFrame(conn)
		if err != nil {
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return
		}
		fb.mu.Lock()
		h := fb.handlers[req.Kind]
		fb.mu.Unlock()
		if h == nil {
			fb.t.Errorf("unexpected bridge request %s", req.Kind)
			return
		}
		result, rpcErr, reply := h(req.Params)
		if !reply {
			continue
		}
		out := rpcReply{ReqID: req.ReqID, OK: rpcErr == nil, Error: rpcErr}
		if result != nil {
			data, err := json.Marshal(result)
			if err != nil {
				fb.t.Errorf("encode bridge result: %v", err)
				return
			}
			out.Result = data
		}
		if err := WriteFrame(conn, out); err != nil {
			return
		}
	}
}

func (fb *fakeBridge) acceptStream() {
	for {
		conn, err := fb.streamLn.Accept()
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.streams = append(fb.streams, conn)
		fb.mu.Unlock()
	}
}

// push sends one frame to every connected stream client.
func (fb *fakeBridge) push(frame streamFrame) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, conn := range fb.streams {
		if err := WriteFrame(conn, frame); err != nil {
			fb.t.Logf("stream push failed: %v", err)
		}
	}
}

func (fb *fakeBridge) waitStream(t *testing.T) {
	require.Eventually(t, func() bool {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		return len(fb.streams) > 0
	}, 2*time.Second, 5*time.Millisecond)
}

type transportHarness struct {
	tr     *Transport
	bridge *fakeBridge
	bus    *bus.Bus
	store  *market.Store
}

func newTestTransport(t *testing.T, tune func(*Config)) *transportHarness {
	t.Helper()
	bridge := newFakeBridge(t)
	m := metrics.New()
	b := bus.New(zap.NewNop(), m)
	t.Cleanup(b.Close)
	store := market.NewStore(zap.NewNop(), m, b, market.Config{MinBars: 16, CacheMaxEntries: 64})

	cfg := Config{
		Network:        "tcp",
		RPCAddr:        bridge.rpcLn.Addr().String(),
		StreamAddr:     bridge.streamLn.Addr().String(),
		DialTimeout:    time.Second,
		RequestTimeout: 2 * time.Second,
		MaxInFlight:    8,
	}
	if tune != nil {
		tune(&cfg)
	}
	tr := NewTransport(zap.NewNop(), m, b, store, cfg)
	tr.Start(context.Background())
	t.Cleanup(tr.Stop)

	require.Eventually(t, tr.Ready, 5*time.Second, 10*time.Millisecond,
		"resync must complete before trades are admitted")
	return &transportHarness{tr: tr, bridge: bridge, bus: b, store: store}
}

func TestTransportResyncsOnConnect(t *testing.T) {
	h := newTestTransport(t, nil)

	account := h.tr.Account()
	assert.True(t, account.Equity.Equal(decimal.RequireFromString("10000")))
	assert.Equal(t, "USD", account.Currency)
	assert.Empty(t, h.tr.Positions())
}

func TestOpenRoundTrip(t *testing.T) {
	h := newTestTransport(t, nil)

	gotCh := make(chan types.OpenPositionPayload, 1)
	h.bridge.handle(reqOpen, func(params json.RawMessage) (any, *rpcError, bool) {
		var p types.OpenPositionPayload
		assert.NoError(t, json.Unmarshal(params, &p))
		gotCh <- p
		return openResult{Ticket: 777}, nil, true
	})

	ticket, err := h.tr.Open(context.Background(), types.OpenPositionPayload{
		StrategyID: "s1",
		Symbol:     "EURUSD",
		Side:       types.SideBuy,
		Volume:     decimal.RequireFromString("0.1"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(777), ticket)
	got := <-gotCh
	assert.Equal(t, "EURUSD", got.Symbol)
	assert.True(t, got.Volume.Equal(decimal.RequireFromString("0.1")))

	ok, failed := h.tr.Stats()
	assert.Greater(t, ok, uint64(0))
	assert.Zero(t, failed)
}

func TestBrokerRejectionSurfacesCode(t *testing.T) {
	h := newTestTransport(t, nil)
	h.bridge.handle(reqClose, func(json.RawMessage) (any, *rpcError, bool) {
		return nil, &rpcError{Code: 10019, Message: "not enough money"}, true
	})

	err := h.tr.Close(context.Background(), 9, decimal.Zero)
	require.Error(t, err)
	assert.Equal(t, errs.KindBrokerReject, errs.KindOf(err))
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, 10019, e.Code)
}

func TestCallTimesOutOnSilentBridge(t *testing.T) {
	h := newTestTransport(t, func(cfg *Config) {
		cfg.RequestTimeout = 150 * time.Millisecond
	})
	h.bridge.handle(reqStatus, func(json.RawMessage) (any, *rpcError, bool) {
		return nil, nil, false
	})

	_, err := h.tr.Status(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.KindTimeout, errs.KindOf(err))

	_, failed := h.tr.Stats()
	assert.Greater(t, failed, uint64(0))
}

func TestTradesRejectedBeforeResync(t *testing.T) {
	m := metrics.New()
	b := bus.New(zap.NewNop(), m)
	t.Cleanup(b.Close)
	store := market.NewStore(zap.NewNop(), m, b, market.Config{MinBars: 16, CacheMaxEntries: 64})
	tr := NewTransport(zap.NewNop(), m, b, store, DefaultConfig())

	_, err := tr.Open(context.Background(), types.OpenPositionPayload{Symbol: "EURUSD"})
	require.Error(t, err)
	assert.Equal(t, errs.KindDisconnected, errs.KindOf(err))
}

func TestStreamTickFansOut(t *testing.T) {
	h := newTestTransport(t, nil)
	h.bridge.waitStream(t)
	h.store.Subscribe("EURUSD", types.TimeframeM1, 8)
	tickCh, cancel := h.bus.SubscribeTicks(8)
	t.Cleanup(cancel)

	h.bridge.push(streamFrame{
		Kind:   frameTick,
		Symbol: "EURUSD",
		Bid:    decimal.RequireFromString("1.1000"),
		Ask:    decimal.RequireFromString("1.1002"),
		Ts:     time.Now().UTC(),
	})

	select {
	case tick := <-tickCh:
		assert.Equal(t, "EURUSD", tick.Symbol)
		assert.True(t, tick.Bid.Equal(decimal.RequireFromString("1.1000")))
	case <-time.After(2 * time.Second):
		t.Fatal("tick never reached the bus")
	}
	last, ok := h.store.LastTick("EURUSD")
	require.True(t, ok, "store sees the tick before the bus does")
	assert.True(t, last.Ask.Equal(decimal.RequireFromString("1.1002")))
}

func TestStreamUpdatesMirror(t *testing.T) {
	h := newTestTransport(t, nil)
	h.bridge.waitStream(t)

	h.bridge.push(streamFrame{
		Kind:     frameAccount,
		Equity:   decimal.RequireFromString("9500"),
		Currency: "USD",
	})
	require.Eventually(t, func() bool {
		return h.tr.Account().Equity.Equal(decimal.RequireFromString("9500"))
	}, 2*time.Second, 5*time.Millisecond)

	h.bridge.push(streamFrame{
		Kind: framePosition,
		Positions: []types.Position{{
			Ticket: 42, Symbol: "EURUSD", Side: types.SideBuy,
			Volume: decimal.RequireFromString("0.10"),
		}},
	})
	require.Eventually(t, func() bool {
		return len(h.tr.Positions()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	p, ok := h.tr.PositionByTicket(42)
	require.True(t, ok)
	assert.Equal(t, "EURUSD", p.Symbol)
}

func TestStreamFillPublishes(t *testing.T) {
	h := newTestTransport(t, nil)
	h.bridge.waitStream(t)
	fillCh, cancel := h.bus.SubscribeFills(8)
	t.Cleanup(cancel)

	h.bridge.push(streamFrame{
		Kind:   frameFill,
		Ticket: 42,
		Price:  decimal.RequireFromString("1.1050"),
		Volume: decimal.RequireFromString("0.10"),
		Ts:     time.Now().UTC(),
	})

	select {
	case fill := <-fillCh:
		assert.Equal(t, int64(42), fill.Ticket)
		assert.True(t, fill.Price.Equal(decimal.RequireFromString("1.1050")))
	case <-time.After(2 * time.Second):
		t.Fatal("fill never reached the bus")
	}
}
