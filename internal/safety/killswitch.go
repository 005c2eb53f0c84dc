// Package safety enforces the account-wide trading limits: a pure
// pre-trade validator, the process-wide kill-switch, and a periodic
// monitor that engages the switch when a limit is already breached.
package safety

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/executor-agent/internal/metrics"
)

// KillSwitch is the atomic flag that halts all trading. Engaging it is
// idempotent per activation: the onEngage hook (which enqueues the
// automatic CloseAll) fires exactly once per transition to active.
type KillSwitch struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	active atomic.Bool

	mu        sync.Mutex
	reason    string
	engagedAt time.Time
	onEngage  func(reason string)
}

// NewKillSwitch creates an inactive switch. onEngage may be nil during
// wiring and set later with SetOnEngage.
func NewKillSwitch(logger *zap.Logger, m *metrics.Metrics) *KillSwitch {
	return &KillSwitch{logger: logger.Named("kill-switch"), metrics: m}
}

// SetOnEngage installs the hook run on each inactive->active transition.
func (k *KillSwitch) SetOnEngage(fn func(reason string)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onEngage = fn
}

// Active reports the flag. Lock-free; every trade-admission path reads it.
func (k *KillSwitch) Active() bool { return k.active.Load() }

// Engage trips the switch. Returns true only for the transition that
// activated it; later calls while active are no-ops.
func (k *KillSwitch) Engage(reason string) bool {
	if k.active.Swap(true) {
		return false
	}
	k.mu.Lock()
	k.reason = reason
	k.engagedAt = time.Now().UTC()
	hook := k.onEngage
	k.mu.Unlock()

	k.metrics.KillSwitch.Set(1)
	k.logger.Warn("kill-switch engaged", zap.String("reason", reason))
	if hook != nil {
		hook(reason)
	}
	return true
}

// Release clears the switch. Only an authenticated Resume command reaches
// this.
func (k *KillSwitch) Release() bool {
	if !k.active.Swap(false) {
		return false
	}
	k.mu.Lock()
	k.reason = ""
	k.engagedAt = time.Time{}
	k.mu.Unlock()

	k.metrics.KillSwitch.Set(0)
	k.logger.Info("kill-switch released")
	return true
}

// State returns the flag plus reason and activation time for heartbeats
// and snapshots.
func (k *KillSwitch) State() (active bool, reason string, engagedAt time.Time) {
	active = k.active.Load()
	k.mu.Lock()
	reason = k.reason
	engagedAt = k.engagedAt
	k.mu.Unlock()
	return active, reason, engagedAt
}

// Restore re-applies a persisted state during disaster recovery without
// firing the onEngage hook (the CloseAll for this activation already ran
// in the previous process).
func (k *KillSwitch) Restore(active bool, reason string, engagedAt time.Time) {
	k.active.Store(active)
	k.mu.Lock()
	k.reason = reason
	k.engagedAt = engagedAt
	k.mu.Unlock()
	if active {
		k.metrics.KillSwitch.Set(1)
		k.logger.Warn("kill-switch restored active", zap.String("reason", reason))
	}
}
