// Package metrics holds the agent's Prometheus collectors on a private
// registry. The agent exposes no listening ports; the control client folds
// a gathered snapshot into each heartbeat instead.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the subsystems update.
type Metrics struct {
	registry *prometheus.Registry

	CommandsTotal    *prometheus.CounterVec // by terminal state
	CommandRetries   prometheus.Counter
	QueueDepth       *prometheus.GaugeVec // by priority
	RPCInFlight      prometheus.Gauge
	RPCTimeouts      prometheus.Counter
	StreamFrames     *prometheus.CounterVec // by frame kind
	TicksDropped     prometheus.Counter
	BarsFinalized    prometheus.Counter
	IndicatorEntries prometheus.Gauge
	KillSwitch       prometheus.Gauge
	Evaluations      prometheus.Counter
	SlowEvaluations  prometheus.Counter
	SignalsRejected  *prometheus.CounterVec // by safety rule
	Reconnects       *prometheus.CounterVec // by link
	HeartbeatErrors  prometheus.Counter
	OutboundDropped  prometheus.Counter
}

// New creates the collector set on a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "executor_commands_total",
			Help: "Commands by terminal state.",
		}, []string{"state"}),
		CommandRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "executor_command_retries_total",
			Help: "Trade-command retry attempts.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "executor_queue_depth",
			Help: "Dispatcher queue depth per priority.",
		}, []string{"priority"}),
		RPCInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "executor_broker_rpc_in_flight",
			Help: "Outstanding broker RPC waiters.",
		}),
		RPCTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "executor_broker_rpc_timeouts_total",
			Help: "Broker RPCs that hit their deadline.",
		}),
		StreamFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "executor_broker_stream_frames_total",
			Help: "Broker stream frames by kind.",
		}, []string{"kind"}),
		TicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "executor_ticks_dropped_total",
			Help: "Tick events dropped for slow subscribers.",
		}),
		BarsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "executor_bars_finalized_total",
			Help: "Bars finalized across all symbols and timeframes.",
		}),
		IndicatorEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "executor_indicator_cache_entries",
			Help: "Live indicator cache entries.",
		}),
		KillSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "executor_kill_switch_active",
			Help: "1 while the kill-switch is engaged.",
		}),
		Evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "executor_strategy_evaluations_total",
			Help: "Strategy evaluation steps run.",
		}),
		SlowEvaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "executor_strategy_evaluations_slow_total",
			Help: "Evaluation steps exceeding the hard ceiling.",
		}),
		SignalsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "executor_signals_rejected_total",
			Help: "Signals rejected by the safety validator, by rule.",
		}, []string{"rule"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "executor_link_reconnects_total",
			Help: "Reconnect attempts per external link.",
		}, []string{"link"}),
		HeartbeatErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "executor_heartbeat_errors_total",
			Help: "Failed heartbeat posts.",
		}),
		OutboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "executor_control_outbound_dropped_total",
			Help: "Control-plane reports dropped on queue overflow.",
		}),
	}

	reg.MustRegister(
		m.CommandsTotal, m.CommandRetries, m.QueueDepth, m.RPCInFlight,
		m.RPCTimeouts, m.StreamFrames, m.TicksDropped, m.BarsFinalized,
		m.IndicatorEntries, m.KillSwitch, m.Evaluations, m.SlowEvaluations,
		m.SignalsRejected, m.Reconnects, m.HeartbeatErrors, m.OutboundDropped,
	)
	return m
}

// Snapshot gathers the registry into a flat name->value map for the
// heartbeat payload. Vector series are flattened as name{label=value}.
func (m *Metrics) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	families, err := m.registry.Gather()
	if err != nil {
		return out
	}
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			name := fam.GetName()
			if labels := metric.GetLabel(); len(labels) > 0 {
				for _, l := range labels {
					name = fmt.Sprintf("%s{%s=%s}", name, l.GetName(), l.GetValue())
				}
			}
			switch {
			case metric.GetCounter() != nil:
				out[name] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[name] = metric.GetGauge().GetValue()
			}
		}
	}
	return out
}
