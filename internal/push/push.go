// Package push maintains the authenticated WebSocket subscription to the
// control plane's private executor topic and turns its events into local
// actions: commands into the dispatcher, kill/resume straight onto the
// kill-switch, strategy updates into the monitor.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-desktop/executor-agent/internal/backoff"
	"github.com/atlas-desktop/executor-agent/internal/control"
	"github.com/atlas-desktop/executor-agent/internal/errs"
	"github.com/atlas-desktop/executor-agent/internal/metrics"
	"github.com/atlas-desktop/executor-agent/internal/safety"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// Link is the supervisor name for the push channel.
const Link = "push"

// Config tunes the push connection.
type Config struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	DedupSize        int           `mapstructure:"dedup_size"`
}

// DefaultConfig returns the push defaults: 10s handshake, 60s read
// deadline refreshed by pongs, 4096-entry dedup ring.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     30 * time.Second,
		DedupSize:        4096,
	}
}

// Credentials identify this executor to the control plane.
type Credentials struct {
	ExecutorID string
	APIKey     string
	SecretKey  string
}

// Submitter is the dispatcher's intake surface.
type Submitter interface {
	Submit(cmd *types.Command) error
}

// Hooks mirror link transitions to the supervisor.
type Hooks struct {
	OnConnected    func(link string)
	OnDisconnected func(link string)
	OnExhausted    func(link string, err error)
}

// dedupRing remembers the last N command IDs.
type dedupRing struct {
	ids  []string
	seen map[string]struct{}
	next int
}

func newDedupRing(size int) *dedupRing {
	return &dedupRing{
		ids:  make([]string, size),
		seen: make(map[string]struct{}, size),
	}
}

// insert returns false when id was already present.
func (r *dedupRing) insert(id string) bool {
	if _, ok := r.seen[id]; ok {
		return false
	}
	if old := r.ids[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.ids[r.next] = id
	r.seen[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ids)
	return true
}

// Ingress is the push-channel consumer.
type Ingress struct {
	logger     *zap.Logger
	metrics    *metrics.Metrics
	cfg        Config
	creds      Credentials
	policy     backoff.Policy
	kill       *safety.KillSwitch
	dispatcher Submitter
	hooks      Hooks

	onStrategyUpdate func(types.StrategyReloadPayload)
	seenBefore       func(id string) bool

	dedup *dedupRing // touched only by the read loop

	connMu sync.Mutex
	conn   *websocket.Conn

	stopCh  chan struct{}
	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool
}

// NewIngress wires the push consumer.
func NewIngress(logger *zap.Logger, m *metrics.Metrics, kill *safety.KillSwitch, dispatcher Submitter, creds Credentials, cfg Config) *Ingress {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = def.DedupSize
	}
	return &Ingress{
		logger:     logger.Named("push"),
		metrics:    m,
		cfg:        cfg,
		creds:      creds,
		policy:     backoff.Default(),
		kill:       kill,
		dispatcher: dispatcher,
		dedup:      newDedupRing(cfg.DedupSize),
		stopCh:     make(chan struct{}),
	}
}

// SetHooks installs the supervisor callbacks. Call before Start.
func (in *Ingress) SetHooks(h Hooks) { in.hooks = h }

// SetStrategyUpdateHandler installs the strategy.update consumer.
func (in *Ingress) SetStrategyUpdateHandler(fn func(types.StrategyReloadPayload)) {
	in.onStrategyUpdate = fn
}

// SetReplayCheck installs a durable lookup consulted after the in-memory
// ring. The ring only spans one process lifetime; the journal catches
// commands redelivered across a restart.
func (in *Ingress) SetReplayCheck(fn func(id string) bool) {
	in.seenBefore = fn
}

// Start launches the connect/read loop.
func (in *Ingress) Start(ctx context.Context) {
	in.startMu.Lock()
	if in.started {
		in.startMu.Unlock()
		return
	}
	in.started = true
	in.startMu.Unlock()

	in.wg.Add(1)
	go in.run(ctx)
	in.logger.Info("push ingress started", zap.String("url", in.cfg.URL))
}

// Stop closes the connection and waits for the loop.
func (in *Ingress) Stop() {
	in.startMu.Lock()
	if !in.started {
		in.startMu.Unlock()
		return
	}
	in.started = false
	in.startMu.Unlock()

	close(in.stopCh)
	in.closeConn()
	in.wg.Wait()
}

func (in *Ingress) run(ctx context.Context) {
	defer in.wg.Done()
	attempt := 1
	for {
		select {
		case <-ctx.Done():
			return
		case <-in.stopCh:
			return
		default:
		}
		conn, err := in.connect(ctx)
		if err != nil {
			in.metrics.Reconnects.WithLabelValues(Link).Inc()
			if in.policy.Exhausted(attempt + 1) {
				in.logger.Error("push reconnect budget exhausted", zap.Error(err))
				if in.hooks.OnExhausted != nil {
					in.hooks.OnExhausted(Link, err)
				}
				return
			}
			in.logger.Warn("push connect failed",
				zap.Int("attempt", attempt), zap.Error(err))
			if in.policy.Wait(ctx, attempt) != nil {
				return
			}
			attempt++
			continue
		}
		attempt = 1

		in.connMu.Lock()
		in.conn = conn
		in.connMu.Unlock()
		in.logger.Info("push channel connected")
		if in.hooks.OnConnected != nil {
			in.hooks.OnConnected(Link)
		}

		pingDone := make(chan struct{})
		go in.pingLoop(conn, pingDone)
		in.readLoop(conn)
		close(pingDone)

		in.closeConn()
		if in.hooks.OnDisconnected != nil {
			in.hooks.OnDisconnected(Link)
		}
	}
}

// connect dials the private topic with the bearer + signature handshake.
func (in *Ingress) connect(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(in.cfg.URL)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "push url", err)
	}
	q := u.Query()
	q.Set("topic", "executor."+in.creds.ExecutorID)
	u.RawQuery = q.Encode()

	ts := control.Timestamp(time.Now())
	header := http.Header{}
	header.Set("Authorization", "Bearer "+in.creds.APIKey)
	header.Set("X-Timestamp", ts)
	header.Set("X-Signature", control.Sign(in.creds.SecretKey, ts, []byte(u.RawQuery)))

	dialer := websocket.Dialer{HandshakeTimeout: in.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errs.Wrap(errs.KindAuth, "push handshake rejected", err)
		}
		return nil, errs.Wrap(errs.KindDisconnected, "push dial", err)
	}
	return conn, nil
}

func (in *Ingress) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(in.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-in.stopCh:
			return
		case <-ticker.C:
			deadline := time.Now().Add(in.cfg.PingInterval / 2)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (in *Ingress) readLoop(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(in.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(in.cfg.ReadTimeout))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(in.cfg.ReadTimeout))
		in.handleEvent(msg)
	}
}

func (in *Ingress) handleEvent(msg []byte) {
	var env struct {
		Type   string `json:"type"`
		Reason string `json:"reason,omitempty"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		in.logger.Warn("undecodable push event", zap.Error(err))
		return
	}
	switch env.Type {
	case "command":
		in.handleCommand(msg)
	case "kill":
		// Fast path: trips the switch directly, no queue traversal.
		in.kill.Engage("control-plane kill: " + env.Reason)
	case "resume":
		if in.kill.Release() {
			in.logger.Info("kill-switch released by control plane")
		}
	case "strategy.update":
		var p types.StrategyReloadPayload
		if err := json.Unmarshal(msg, &p); err != nil {
			in.logger.Warn("undecodable strategy update", zap.Error(err))
			return
		}
		if in.onStrategyUpdate != nil {
			in.onStrategyUpdate(p)
		}
	default:
		in.logger.Warn("unknown push event type", zap.String("type", env.Type))
	}
}

func (in *Ingress) handleCommand(msg []byte) {
	var cmd types.Command
	if err := json.Unmarshal(msg, &cmd); err != nil {
		in.logger.Warn("undecodable command event", zap.Error(err))
		return
	}
	if cmd.ID == "" || !cmd.Kind.Valid() {
		in.logger.Warn("malformed command event",
			zap.String("id", cmd.ID), zap.String("kind", string(cmd.Kind)))
		return
	}
	if !in.dedup.insert(cmd.ID) {
		in.logger.Debug("duplicate command dropped", zap.String("id", cmd.ID))
		return
	}
	if in.seenBefore != nil && in.seenBefore(cmd.ID) {
		in.logger.Debug("journaled command replay dropped", zap.String("id", cmd.ID))
		return
	}
	cmd.Priority = types.ParsePriority(cmd.PriorityStr)
	if err := in.dispatcher.Submit(&cmd); err != nil {
		in.logger.Warn("command submission refused",
			zap.String("id", cmd.ID), zap.Error(err))
	}
}

func (in *Ingress) closeConn() {
	in.connMu.Lock()
	if in.conn != nil {
		in.conn.Close()
		in.conn = nil
	}
	in.connMu.Unlock()
}
