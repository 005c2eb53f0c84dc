package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/executor-agent/internal/errs"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// remoteCheckTimeframe is the correlation timeframe applied to trade
// commands arriving from the control plane, which carry no strategy
// timeframe of their own.
const remoteCheckTimeframe = types.TimeframeH1

// strategyOriginated reports whether the command came from the local
// monitor, whose signals already passed the safety gate once.
func strategyOriginated(cmd *types.Command) bool {
	return strings.HasPrefix(cmd.RequesterID, "strategy:")
}

// registerHandlers binds every command kind to its executing subsystem.
func (a *Agent) registerHandlers() {
	d := a.dispatcher

	d.SetHandler(types.CmdOpenPosition, a.handleOpen)
	d.SetHandler(types.CmdClosePosition, a.handleClose)
	d.SetHandler(types.CmdModifyPosition, a.handleModify)
	d.SetHandler(types.CmdCloseAll, a.handleCloseAll)
	d.SetHandler(types.CmdPause, a.handlePause)
	d.SetHandler(types.CmdResume, a.handleResume)
	d.SetHandler(types.CmdGetStatus, a.handleGetStatus)
	d.SetHandler(types.CmdEmergencyStop, a.handleEmergencyStop)
	d.SetHandler(types.CmdStrategyReload, a.handleStrategyReload)
}

func (a *Agent) handleOpen(ctx context.Context, cmd *types.Command) (json.RawMessage, error) {
	var p types.OpenPositionPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, errs.Wrap(errs.KindMalformed, "open payload", err)
	}
	// Remote opens have not seen the gate yet; strategy signals were
	// validated immediately before submission.
	if !strategyOriginated(cmd) {
		sig := types.Signal{
			ID:          cmd.ID,
			StrategyID:  p.StrategyID,
			Kind:        types.SignalOpen,
			Symbol:      p.Symbol,
			Side:        p.Side,
			Volume:      p.Volume,
			StopLoss:    p.StopLoss,
			TakeProfit:  p.TakeProfit,
			GeneratedAt: cmd.CreatedAt,
		}
		if tick, ok := a.market.LastTick(p.Symbol); ok {
			sig.Price = tick.Mid()
		}
		if err := a.gate.Check(sig, remoteCheckTimeframe); err != nil {
			return nil, err
		}
	}
	ticket, err := a.transport.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]int64{"ticket": ticket})
}

func (a *Agent) handleClose(ctx context.Context, cmd *types.Command) (json.RawMessage, error) {
	var p types.ClosePositionPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, errs.Wrap(errs.KindMalformed, "close payload", err)
	}
	if err := a.transport.Close(ctx, p.Ticket, p.Volume); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]int64{"ticket": p.Ticket})
}

func (a *Agent) handleModify(ctx context.Context, cmd *types.Command) (json.RawMessage, error) {
	var p types.ModifyPositionPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, errs.Wrap(errs.KindMalformed, "modify payload", err)
	}
	if err := a.transport.Modify(ctx, p); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]int64{"ticket": p.Ticket})
}

func (a *Agent) handleCloseAll(ctx context.Context, _ *types.Command) (json.RawMessage, error) {
	closed, err := a.transport.CloseAll(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]int{"closed": closed})
}

func (a *Agent) handlePause(_ context.Context, _ *types.Command) (json.RawMessage, error) {
	a.strategies.Pause()
	a.logger.Info("strategy evaluation paused")
	return json.Marshal(map[string]bool{"paused": true})
}

// handleResume clears both the pause flag and the kill-switch. Resume only
// arrives over authenticated channels, which is the release requirement.
func (a *Agent) handleResume(_ context.Context, _ *types.Command) (json.RawMessage, error) {
	a.strategies.Unpause()
	released := a.kill.Release()
	a.logger.Info("resume executed", zap.Bool("kill_released", released))
	return json.Marshal(map[string]bool{"resumed": true, "killReleased": released})
}

// statusReport is the GetStatus result document.
type statusReport struct {
	Status      string                `json:"status"`
	Connections map[string]string     `json:"connections"`
	Safety      map[string]any        `json:"safety"`
	Strategies  int                   `json:"activeStrategyCount"`
	SlowSteps   map[string]int64      `json:"slowEvaluations,omitempty"`
	Positions   []types.Position      `json:"positions"`
	Queues      map[string]int        `json:"queueDepths"`
	Account     types.AccountSnapshot `json:"account"`
	BrokerReady bool                  `json:"brokerReady"`
	Time        time.Time             `json:"time"`
}

func (a *Agent) handleGetStatus(_ context.Context, _ *types.Command) (json.RawMessage, error) {
	active, reason, engagedAt := a.kill.State()
	report := statusReport{
		Status:      "running",
		Connections: a.super.Status(),
		Safety: map[string]any{
			"active":    active,
			"reason":    reason,
			"engagedAt": engagedAt,
		},
		Strategies:  a.strategies.ActiveCount(),
		SlowSteps:   a.strategies.SlowSteps(),
		Positions:   a.transport.Positions(),
		Queues:      a.dispatcher.QueueDepths(),
		Account:     a.transport.Account(),
		BrokerReady: a.transport.Ready(),
		Time:        time.Now().UTC(),
	}
	if active {
		report.Status = "halted"
	} else if a.strategies.Paused() {
		report.Status = "paused"
	}
	return json.Marshal(report)
}

func (a *Agent) handleEmergencyStop(_ context.Context, cmd *types.Command) (json.RawMessage, error) {
	engaged := a.kill.Engage("emergency stop from " + cmd.RequesterID)
	return json.Marshal(map[string]bool{"engaged": engaged})
}

func (a *Agent) handleStrategyReload(_ context.Context, cmd *types.Command) (json.RawMessage, error) {
	var p types.StrategyReloadPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, errs.Wrap(errs.KindMalformed, "strategy reload payload", err)
	}
	if err := a.strategies.Reload(p); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"strategyId": p.StrategyID, "version": p.Version})
}
