package broker

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/executor-agent/internal/errs"
	"github.com/atlas-desktop/executor-agent/pkg/types"

	"go.uber.org/zap"
)

// Bridge request kinds.
const (
	reqOpen      = "OPEN"
	reqClose     = "CLOSE"
	reqModify    = "MODIFY"
	reqCloseAll  = "CLOSE_ALL"
	reqStatus    = "STATUS"
	reqAccount   = "ACCOUNT"
	reqPositions = "POSITIONS"
)

type rpcRequest struct {
	ReqID  string          `json:"reqId"`
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcReply struct {
	ReqID  string          `json:"reqId"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call performs one correlated request/reply. It blocks on the in-flight
// cap (Backpressure appears as ctx expiry), writes the frame, and waits for
// the matched reply or the per-request deadline. A late reply after timeout
// is dropped by the reader.
func (t *Transport) call(ctx context.Context, kind string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, errs.Wrap(errs.KindMalformed, "encode request params", err)
		}
		raw = data
	}

	select {
	case t.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindBackpressure, "rpc in-flight cap", ctx.Err())
	case <-t.stopCh:
		return nil, errs.New(errs.KindDisconnected, "transport stopped")
	}
	defer func() { <-t.slots }()
	t.metrics.RPCInFlight.Inc()
	defer t.metrics.RPCInFlight.Dec()

	reqID := uuid.NewString()
	call := &pendingCall{ch: make(chan rpcOutcome, 1)}
	t.pendingMu.Lock()
	t.pending[reqID] = call
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, reqID)
		t.pendingMu.Unlock()
	}()

	if err := t.writeRequest(rpcRequest{ReqID: reqID, Kind: kind, Params: raw}); err != nil {
		t.rpcFailed.Add(1)
		return nil, err
	}

	timer := time.NewTimer(t.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case outcome := <-call.ch:
		if outcome.err != nil {
			t.rpcFailed.Add(1)
			return nil, outcome.err
		}
		reply := outcome.reply
		if !reply.OK {
			t.rpcFailed.Add(1)
			if reply.Error != nil {
				return nil, errs.BrokerReject(reply.Error.Code, reply.Error.Message)
			}
			return nil, errs.New(errs.KindMalformed, "reply not ok but carries no error")
		}
		t.rpcOK.Add(1)
		return reply.Result, nil
	case <-timer.C:
		t.metrics.RPCTimeouts.Inc()
		t.rpcFailed.Add(1)
		return nil, errs.Newf(errs.KindTimeout, "%s deadline after %s", kind, t.cfg.RequestTimeout)
	case <-ctx.Done():
		t.rpcFailed.Add(1)
		return nil, errs.Wrap(errs.KindTimeout, kind+" cancelled", ctx.Err())
	}
}

func (t *Transport) writeRequest(req rpcRequest) error {
	t.rpcMu.Lock()
	defer t.rpcMu.Unlock()
	if t.rpcConn == nil {
		return errs.New(errs.KindDisconnected, "rpc socket not connected")
	}
	return WriteFrame(t.rpcConn, req)
}

// rpcOutcome is what a waiter receives: a decoded reply or a transport
// error when the socket died underneath it.
type rpcOutcome struct {
	reply rpcReply
	err   error
}

// readReplies consumes reply frames until the socket fails, matching each
// to its waiter. Unmatched replies (late after timeout, or unknown) are
// logged and dropped.
func (t *Transport) readReplies(conn io.Reader) {
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if errs.KindOf(err) == errs.KindMalformed {
				t.logger.Warn("discarding malformed rpc frame", zap.Error(err))
				continue
			}
			return
		}
		var reply rpcReply
		if err := json.Unmarshal(frame, &reply); err != nil {
			t.logger.Warn("undecodable rpc reply", zap.Error(err))
			continue
		}
		t.pendingMu.Lock()
		call, ok := t.pending[reply.ReqID]
		if ok {
			delete(t.pending, reply.ReqID)
		}
		t.pendingMu.Unlock()
		if !ok {
			t.logger.Debug("dropping unmatched rpc reply", zap.String("req_id", reply.ReqID))
			continue
		}
		call.ch <- rpcOutcome{reply: reply}
	}
}

// failPending releases every outstanding waiter with the given error.
func (t *Transport) failPending(err error) {
	e := errs.Convert(errs.KindDisconnected, "transport failure", err)
	t.pendingMu.Lock()
	for id, call := range t.pending {
		delete(t.pending, id)
		call.ch <- rpcOutcome{err: e}
	}
	t.pendingMu.Unlock()
}

// requireReady rejects trade mutations until the post-connect resync has
// completed.
func (t *Transport) requireReady() error {
	if !t.ready.Load() {
		return errs.New(errs.KindDisconnected, "broker not resynced")
	}
	return nil
}

type openResult struct {
	Ticket int64 `json:"ticket"`
}

// Open places a market order and returns the broker ticket.
func (t *Transport) Open(ctx context.Context, p types.OpenPositionPayload) (int64, error) {
	if err := t.requireReady(); err != nil {
		return 0, err
	}
	raw, err := t.call(ctx, reqOpen, p)
	if err != nil {
		return 0, err
	}
	var res openResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, errs.Wrap(errs.KindMalformed, "decode OPEN result", err)
	}
	return res.Ticket, nil
}

// Close closes a position, fully when volume is zero.
func (t *Transport) Close(ctx context.Context, ticket int64, volume decimal.Decimal) error {
	if err := t.requireReady(); err != nil {
		return err
	}
	_, err := t.call(ctx, reqClose, types.ClosePositionPayload{Ticket: ticket, Volume: volume})
	return err
}

// Modify updates stop-loss/take-profit/volume on an open position.
func (t *Transport) Modify(ctx context.Context, p types.ModifyPositionPayload) error {
	if err := t.requireReady(); err != nil {
		return err
	}
	_, err := t.call(ctx, reqModify, p)
	return err
}

type closeAllResult struct {
	Closed int `json:"closed"`
}

// CloseAll flattens every open position and returns how many were closed.
func (t *Transport) CloseAll(ctx context.Context) (int, error) {
	if err := t.requireReady(); err != nil {
		return 0, err
	}
	raw, err := t.call(ctx, reqCloseAll, nil)
	if err != nil {
		return 0, err
	}
	var res closeAllResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, errs.Wrap(errs.KindMalformed, "decode CLOSE_ALL result", err)
	}
	return res.Closed, nil
}

// Status returns the bridge's raw status document.
func (t *Transport) Status(ctx context.Context) (json.RawMessage, error) {
	return t.call(ctx, reqStatus, nil)
}

// FetchAccount requests a fresh account snapshot. Allowed while not ready;
// the resync path depends on it.
func (t *Transport) FetchAccount(ctx context.Context) (types.AccountSnapshot, error) {
	raw, err := t.call(ctx, reqAccount, nil)
	if err != nil {
		return types.AccountSnapshot{}, err
	}
	var account types.AccountSnapshot
	if err := json.Unmarshal(raw, &account); err != nil {
		return types.AccountSnapshot{}, errs.Wrap(errs.KindMalformed, "decode ACCOUNT result", err)
	}
	account.Taken = time.Now().UTC()
	return account, nil
}

type positionsResult struct {
	Positions []types.Position `json:"positions"`
}

// FetchPositions requests the full open-position list.
func (t *Transport) FetchPositions(ctx context.Context) ([]types.Position, error) {
	raw, err := t.call(ctx, reqPositions, nil)
	if err != nil {
		return nil, err
	}
	var res positionsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errs.Wrap(errs.KindMalformed, "decode POSITIONS result", err)
	}
	return res.Positions, nil
}
