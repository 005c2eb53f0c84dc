// Package supervisor aggregates the liveness of the external links (push
// channel, broker sockets, control HTTP) into one combined status, runs
// the degraded heuristic, and escalates exhausted links to the
// kill-switch. Broker escalation is fatal to the process.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/executor-agent/internal/safety"
)

// LinkState is one link's lifecycle state.
type LinkState string

const (
	StateDisconnected LinkState = "disconnected"
	StateConnecting   LinkState = "connecting"
	StateConnected    LinkState = "connected"
	StateDegraded     LinkState = "degraded"
)

// Degraded heuristic bounds.
const (
	degradedWindow     = 30 * time.Second
	degradedFailRate   = 0.25
	degradedLatencyMul = 3.0
	scanInterval       = 5 * time.Second
)

type linkStatus struct {
	state   LinkState
	since   time.Time
	lastErr error
}

// statsSample is one broker RPC counter observation.
type statsSample struct {
	at         time.Time
	ok, failed uint64
}

// Supervisor tracks link health. Link components report transitions
// through OnConnected/OnDisconnected/OnExhausted (wired as their hooks).
type Supervisor struct {
	logger *zap.Logger
	kill   *safety.KillSwitch

	// fatal links exit the process when their reconnect budget runs out.
	fatal   map[string]bool
	onFatal func(link string, err error)

	brokerStats func() (ok, failed uint64)
	hbLatency   func() time.Duration

	mu      sync.Mutex
	links   map[string]*linkStatus
	samples []statsSample
	// latencyBaseline is an EWMA of healthy heartbeat round-trips.
	latencyBaseline time.Duration
	slowSince       time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New builds the supervisor over the named links; fatalLinks lists those
// whose exhaustion must stop trading and the process.
func New(logger *zap.Logger, kill *safety.KillSwitch, links []string, fatalLinks []string) *Supervisor {
	s := &Supervisor{
		logger: logger.Named("supervisor"),
		kill:   kill,
		fatal:  make(map[string]bool, len(fatalLinks)),
		links:  make(map[string]*linkStatus, len(links)),
		stopCh: make(chan struct{}),
	}
	now := time.Now()
	for _, link := range links {
		s.links[link] = &linkStatus{state: StateConnecting, since: now}
	}
	for _, link := range fatalLinks {
		s.fatal[link] = true
	}
	return s
}

// SetOnFatal installs the fatal-escalation callback (process exit path).
func (s *Supervisor) SetOnFatal(fn func(link string, err error)) { s.onFatal = fn }

// SetBrokerStats installs the cumulative RPC counter source for the
// degraded heuristic.
func (s *Supervisor) SetBrokerStats(fn func() (ok, failed uint64)) { s.brokerStats = fn }

// SetHeartbeatLatency installs the control-link latency source.
func (s *Supervisor) SetHeartbeatLatency(fn func() time.Duration) { s.hbLatency = fn }

// OnConnected records a link transition to connected.
func (s *Supervisor) OnConnected(link string) {
	s.setState(link, StateConnected, nil)
}

// OnDisconnected records a link drop; the link's own loop is reconnecting.
func (s *Supervisor) OnDisconnected(link string) {
	s.setState(link, StateConnecting, nil)
}

// OnExhausted handles a link whose reconnect budget ran out: engage the
// kill-switch, and for fatal links hand control to the exit path.
func (s *Supervisor) OnExhausted(link string, err error) {
	s.setState(link, StateDisconnected, err)
	s.kill.Engage("link exhausted: " + link)
	if s.fatal[link] {
		s.logger.Error("fatal link lost", zap.String("link", link), zap.Error(err))
		if s.onFatal != nil {
			s.onFatal(link, err)
		}
		return
	}
	s.logger.Warn("non-fatal link lost, trading halted",
		zap.String("link", link), zap.Error(err))
}

func (s *Supervisor) setState(link string, state LinkState, err error) {
	s.mu.Lock()
	st, ok := s.links[link]
	if !ok {
		st = &linkStatus{}
		s.links[link] = st
	}
	prev := st.state
	st.state = state
	st.since = time.Now()
	if err != nil {
		st.lastErr = err
	}
	s.mu.Unlock()
	if prev != state {
		s.logger.Info("link state changed",
			zap.String("link", link),
			zap.String("from", string(prev)),
			zap.String("to", string(state)))
	}
}

// Status returns the combined link view for heartbeats and GetStatus.
func (s *Supervisor) Status() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.links))
	for link, st := range s.links {
		out[link] = string(st.state)
	}
	return out
}

// Healthy reports whether every link is connected.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.links {
		if st.state != StateConnected {
			return false
		}
	}
	return true
}

// Start launches the degraded-heuristic scan loop.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("supervisor started")
}

// Stop halts the scan loop.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

func (s *Supervisor) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scanBroker()
			s.scanControl()
		}
	}
}

// scanBroker marks the RPC link degraded when more than a quarter of the
// RPCs in the trailing window failed.
func (s *Supervisor) scanBroker() {
	if s.brokerStats == nil {
		return
	}
	ok, failed := s.brokerStats()
	now := time.Now()

	s.mu.Lock()
	s.samples = append(s.samples, statsSample{at: now, ok: ok, failed: failed})
	cutoff := now.Add(-degradedWindow)
	for len(s.samples) > 1 && s.samples[0].at.Before(cutoff) {
		s.samples = s.samples[1:]
	}
	oldest := s.samples[0]
	var state LinkState
	if st := s.links["broker-rpc"]; st != nil {
		state = st.state
	}
	s.mu.Unlock()
	if state != StateConnected && state != StateDegraded {
		return
	}

	dOK := ok - oldest.ok
	dFailed := failed - oldest.failed
	total := dOK + dFailed
	if total == 0 {
		return
	}
	rate := float64(dFailed) / float64(total)
	if rate > degradedFailRate {
		s.setState("broker-rpc", StateDegraded, nil)
	} else if state == StateDegraded {
		s.setState("broker-rpc", StateConnected, nil)
	}
}

// scanControl marks the control link degraded when heartbeat latency stays
// above three times its baseline for the trailing window.
func (s *Supervisor) scanControl() {
	if s.hbLatency == nil {
		return
	}
	latency := s.hbLatency()
	if latency <= 0 {
		return
	}
	now := time.Now()

	s.mu.Lock()
	if s.latencyBaseline == 0 {
		s.latencyBaseline = latency
	}
	slow := float64(latency) > degradedLatencyMul*float64(s.latencyBaseline)
	if !slow {
		// EWMA only follows healthy samples so a sustained outage cannot
		// drag the baseline up to meet itself.
		s.latencyBaseline = (s.latencyBaseline*7 + latency) / 8
		s.slowSince = time.Time{}
	} else if s.slowSince.IsZero() {
		s.slowSince = now
	}
	slowLong := !s.slowSince.IsZero() && now.Sub(s.slowSince) >= degradedWindow
	var state LinkState
	if st := s.links["control"]; st != nil {
		state = st.state
	}
	s.mu.Unlock()
	if state != StateConnected && state != StateDegraded {
		return
	}

	if slowLong {
		s.setState("control", StateDegraded, nil)
	} else if !slow && state == StateDegraded {
		s.setState("control", StateConnected, nil)
	}
}
