package broker

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/executor-agent/internal/backoff"
	"github.com/atlas-desktop/executor-agent/internal/bus"
	"github.com/atlas-desktop/executor-agent/internal/errs"
	"github.com/atlas-desktop/executor-agent/internal/market"
	"github.com/atlas-desktop/executor-agent/internal/metrics"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// Link names reported to the supervisor and the reconnect metrics.
const (
	LinkRPC    = "broker-rpc"
	LinkStream = "broker-stream"
)

// Config locates the broker bridge sockets and tunes the RPC path.
type Config struct {
	Network        string        `mapstructure:"network"` // "tcp" or "unix"
	RPCAddr        string        `mapstructure:"rpc_addr"`
	StreamAddr     string        `mapstructure:"stream_addr"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxInFlight    int           `mapstructure:"max_in_flight"`
}

// DefaultConfig returns the bridge defaults: local TCP, 10s RPC deadline,
// 64 concurrent requests.
func DefaultConfig() Config {
	return Config{
		Network:        "tcp",
		RPCAddr:        "127.0.0.1:9876",
		StreamAddr:     "127.0.0.1:9877",
		DialTimeout:    5 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxInFlight:    64,
	}
}

// Hooks let the supervisor observe link transitions. All fields optional.
type Hooks struct {
	OnConnected    func(link string)
	OnDisconnected func(link string)
	// OnExhausted fires when a link's reconnect budget runs out. Broker
	// link exhaustion is fatal to trading.
	OnExhausted func(link string, err error)
}

type pendingCall struct {
	ch chan rpcOutcome
}

// Transport is the broker bridge client. One instance per process; safe for
// concurrent use.
type Transport struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	cfg     Config
	policy  backoff.Policy
	bus     *bus.Bus
	store   *market.Store
	hooks   Hooks

	// RPC socket state.
	rpcMu   sync.Mutex // guards rpcConn and writes to it
	rpcConn net.Conn
	slots   chan struct{} // in-flight cap

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	// Stream socket state.
	streamMu   sync.Mutex
	streamConn net.Conn

	// ready gates trade mutations until the post-connect resync finishes.
	ready atomic.Bool

	// Position/account mirror, refreshed from the stream and on resync.
	mirrorMu  sync.RWMutex
	positions []types.Position
	account   types.AccountSnapshot

	// RPC outcome counters sampled by the supervisor's degraded heuristic.
	rpcOK     atomic.Uint64
	rpcFailed atomic.Uint64

	stopCh  chan struct{}
	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool
}

// NewTransport wires the transport. Hooks may be zero during construction
// and set with SetHooks before Start.
func NewTransport(logger *zap.Logger, m *metrics.Metrics, b *bus.Bus, store *market.Store, cfg Config) *Transport {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultConfig().MaxInFlight
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	return &Transport{
		logger:  logger.Named("broker"),
		metrics: m,
		cfg:     cfg,
		policy:  backoff.Default(),
		bus:     b,
		store:   store,
		slots:   make(chan struct{}, cfg.MaxInFlight),
		pending: make(map[string]*pendingCall),
		stopCh:  make(chan struct{}),
	}
}

// SetHooks installs the supervisor callbacks. Call before Start.
func (t *Transport) SetHooks(h Hooks) { t.hooks = h }

// Start launches the RPC and stream connection loops.
func (t *Transport) Start(ctx context.Context) {
	t.startMu.Lock()
	if t.started {
		t.startMu.Unlock()
		return
	}
	t.started = true
	t.startMu.Unlock()

	t.wg.Add(2)
	go t.runRPC(ctx)
	go t.runStream(ctx)
	t.logger.Info("broker transport started",
		zap.String("rpc", t.cfg.RPCAddr),
		zap.String("stream", t.cfg.StreamAddr))
}

// Stop closes both sockets and waits for the loops to exit. Outstanding
// waiters fail with Disconnected.
func (t *Transport) Stop() {
	t.startMu.Lock()
	if !t.started {
		t.startMu.Unlock()
		return
	}
	t.started = false
	t.startMu.Unlock()

	close(t.stopCh)
	t.closeRPCConn()
	t.closeStreamConn()
	t.wg.Wait()
	t.failPending(errs.New(errs.KindDisconnected, "transport stopped"))
}

// Ready reports whether the post-connect resync has completed and trade
// mutations are admitted.
func (t *Transport) Ready() bool { return t.ready.Load() }

// Stats returns the cumulative ok/failed RPC counts for the degraded
// heuristic.
func (t *Transport) Stats() (ok, failed uint64) {
	return t.rpcOK.Load(), t.rpcFailed.Load()
}

// Account returns the last mirrored account snapshot.
func (t *Transport) Account() types.AccountSnapshot {
	t.mirrorMu.RLock()
	defer t.mirrorMu.RUnlock()
	return t.account
}

// Positions returns a copy of the mirrored open positions.
func (t *Transport) Positions() []types.Position {
	t.mirrorMu.RLock()
	defer t.mirrorMu.RUnlock()
	out := make([]types.Position, len(t.positions))
	copy(out, t.positions)
	return out
}

// PositionByTicket looks up one mirrored position.
func (t *Transport) PositionByTicket(ticket int64) (types.Position, bool) {
	t.mirrorMu.RLock()
	defer t.mirrorMu.RUnlock()
	for _, p := range t.positions {
		if p.Ticket == ticket {
			return p, true
		}
	}
	return types.Position{}, false
}

func (t *Transport) setPositions(positions []types.Position) {
	t.mirrorMu.Lock()
	t.positions = positions
	t.mirrorMu.Unlock()
}

func (t *Transport) setAccount(account types.AccountSnapshot) {
	t.mirrorMu.Lock()
	t.account = account
	t.mirrorMu.Unlock()
}

// runRPC dials the RPC socket, resyncs, then reads replies until the
// socket fails, reconnecting with backoff.
func (t *Transport) runRPC(ctx context.Context) {
	defer t.wg.Done()
	attempt := 1
	for {
		if t.stopped(ctx) {
			return
		}
		conn, err := t.dial(ctx, t.cfg.RPCAddr)
		if err != nil {
			t.metrics.Reconnects.WithLabelValues(LinkRPC).Inc()
			if t.policy.Exhausted(attempt + 1) {
				t.escalate(LinkRPC, err)
				return
			}
			t.logger.Warn("rpc dial failed",
				zap.Int("attempt", attempt), zap.Error(err))
			if t.policy.Wait(ctx, attempt) != nil {
				return
			}
			attempt++
			continue
		}
		attempt = 1

		t.rpcMu.Lock()
		t.rpcConn = conn
		t.rpcMu.Unlock()
		t.logger.Info("rpc socket connected")
		if t.hooks.OnConnected != nil {
			t.hooks.OnConnected(LinkRPC)
		}

		// Reply reader must run before resync: resync uses the RPC path.
		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			t.readReplies(conn)
		}()

		if err := t.resync(ctx); err != nil {
			t.logger.Error("post-connect resync failed", zap.Error(err))
		} else {
			t.ready.Store(true)
			t.logger.Info("broker state resynced, trade mutations admitted")
		}

		<-readerDone
		t.ready.Store(false)
		t.closeRPCConn()
		t.failPending(errs.New(errs.KindDisconnected, "rpc socket closed"))
		if t.hooks.OnDisconnected != nil {
			t.hooks.OnDisconnected(LinkRPC)
		}
	}
}

// resync refreshes positions and the account before trade mutations are
// re-admitted after a (re)connect.
func (t *Transport) resync(ctx context.Context) error {
	positions, err := t.FetchPositions(ctx)
	if err != nil {
		return err
	}
	t.setPositions(positions)
	account, err := t.FetchAccount(ctx)
	if err != nil {
		return err
	}
	t.setAccount(account)
	return nil
}

func (t *Transport) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, t.cfg.Network, addr)
	if err != nil {
		return nil, errs.Wrap(errs.KindDisconnected, "dial "+addr, err)
	}
	return conn, nil
}

func (t *Transport) closeRPCConn() {
	t.rpcMu.Lock()
	if t.rpcConn != nil {
		t.rpcConn.Close()
		t.rpcConn = nil
	}
	t.rpcMu.Unlock()
}

func (t *Transport) escalate(link string, err error) {
	t.logger.Error("link reconnect budget exhausted",
		zap.String("link", link), zap.Error(err))
	if t.hooks.OnExhausted != nil {
		t.hooks.OnExhausted(link, err)
	}
}

func (t *Transport) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-t.stopCh:
		return true
	default:
		return false
	}
}
