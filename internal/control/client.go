// Package control is the outbound HTTP client to the cloud control plane:
// one-time registration, 5s heartbeats, command terminal-state ACKs,
// position sync, and strategy download. Every request carries a bearer key
// plus an HMAC-SHA256 signature over timestamp||body.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/atlas-desktop/executor-agent/internal/errs"
	"github.com/atlas-desktop/executor-agent/internal/metrics"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// Link is the supervisor name for the control-plane HTTP link.
const Link = "control"

// Config locates the control plane.
type Config struct {
	BaseURL           string        `mapstructure:"base_url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PositionsInterval time.Duration `mapstructure:"positions_interval"`
	QueueSize         int           `mapstructure:"queue_size"`
	RetryCount        int           `mapstructure:"retry_count"`
}

// DefaultConfig returns the control-plane defaults: 5s HTTP deadline, 5s
// heartbeats, 30s position sync, 1024-entry outbound queue.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:    5 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		PositionsInterval: 30 * time.Second,
		QueueSize:         1024,
		RetryCount:        2,
	}
}

// Credentials is the persisted executor identity.
type Credentials struct {
	ExecutorID string `json:"executorId"`
	APIKey     string `json:"apiKey"`
	SecretKey  string `json:"secretKey"`
}

// RegisterRequest is the one-time registration body.
type RegisterRequest struct {
	Name          string `json:"name"`
	Platform      string `json:"platform"`
	BrokerServer  string `json:"brokerServer,omitempty"`
	AccountNumber string `json:"accountNumber,omitempty"`
}

// Heartbeat is the 5s liveness report.
type Heartbeat struct {
	ExecutorID string             `json:"executorId"`
	Status     string             `json:"status"`
	Connection map[string]string  `json:"connections"`
	Safety     SafetyReport       `json:"safety"`
	Strategies int                `json:"activeStrategyCount"`
	Positions  int                `json:"openPositionCount"`
	Metrics    map[string]float64 `json:"metrics"`
}

// SafetyReport is the kill-switch slice of the heartbeat.
type SafetyReport struct {
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	EngagedAt time.Time `json:"engagedAt,omitempty"`
}

// PositionsSync is the periodic position/account report.
type PositionsSync struct {
	Positions []types.Position      `json:"positions"`
	Account   types.AccountSnapshot `json:"account"`
}

// ackBody is the terminal-state report for one command.
type ackBody struct {
	State  types.CommandState `json:"state"`
	Result json.RawMessage    `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// outboundItem is one queued fire-and-forget POST.
type outboundItem struct {
	path string
	body any
}

// Hooks mirror link transitions to the supervisor.
type Hooks struct {
	OnConnected    func(link string)
	OnDisconnected func(link string)
}

// Client is the control-plane HTTP client.
type Client struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	cfg     Config
	http    *resty.Client
	hooks   Hooks

	credsMu sync.RWMutex
	creds   Credentials

	heartbeatFn func() Heartbeat

	queueMu sync.Mutex
	queue   []outboundItem
	queueCh chan struct{}

	// Heartbeat latency sampled by the supervisor's degraded heuristic.
	lastLatencyMs atomic.Int64
	healthy       atomic.Bool

	stopCh  chan struct{}
	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool
}

// NewClient builds the client. Credentials may be zero before Register.
func NewClient(logger *zap.Logger, m *metrics.Metrics, cfg Config) *Client {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.PositionsInterval <= 0 {
		cfg.PositionsInterval = def.PositionsInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	c := &Client{
		logger:  logger.Named("control"),
		metrics: m,
		cfg:     cfg,
		queueCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	c.http = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		OnBeforeRequest(c.sign)
	return c
}

// SetHooks installs the supervisor callbacks. Call before Start.
func (c *Client) SetHooks(h Hooks) { c.hooks = h }

// SetCredentials installs the executor identity (loaded from the local
// store or freshly registered).
func (c *Client) SetCredentials(creds Credentials) {
	c.credsMu.Lock()
	c.creds = creds
	c.credsMu.Unlock()
}

// Credentials returns the current identity.
func (c *Client) Credentials() Credentials {
	c.credsMu.RLock()
	defer c.credsMu.RUnlock()
	return c.creds
}

// SetHeartbeatSource installs the payload builder called every interval.
func (c *Client) SetHeartbeatSource(fn func() Heartbeat) { c.heartbeatFn = fn }

// LastLatency returns the most recent heartbeat round-trip.
func (c *Client) LastLatency() time.Duration {
	return time.Duration(c.lastLatencyMs.Load()) * time.Millisecond
}

// sign attaches the bearer key and request signature.
func (c *Client) sign(_ *resty.Client, req *resty.Request) error {
	creds := c.Credentials()
	if creds.APIKey == "" {
		return nil // registration runs unsigned
	}
	var body []byte
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return err
		}
		body = data
	}
	ts := Timestamp(time.Now())
	req.SetHeader("Authorization", "Bearer "+creds.APIKey)
	req.SetHeader("X-Timestamp", ts)
	req.SetHeader("X-Signature", Sign(creds.SecretKey, ts, body))
	return nil
}

// Register performs the one-time identity exchange. Auth rejections are
// fatal and mapped to AuthError so main can exit 2.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (Credentials, error) {
	var creds Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&creds).
		Post("/executor/register")
	if err != nil {
		return Credentials{}, errs.Wrap(errs.KindDisconnected, "register", err)
	}
	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return Credentials{}, errs.Newf(errs.KindAuth, "registration rejected: %s", resp.Status())
	case resp.IsError():
		return Credentials{}, errs.Newf(errs.KindDisconnected, "register failed: %s", resp.Status())
	}
	if creds.ExecutorID == "" || creds.APIKey == "" {
		return Credentials{}, errs.New(errs.KindMalformed, "registration reply missing identity")
	}
	c.SetCredentials(creds)
	return creds, nil
}

// DownloadStrategies fetches the current strategy set for this executor.
func (c *Client) DownloadStrategies(ctx context.Context) ([]types.StrategyDefinition, error) {
	var out struct {
		Strategies []types.StrategyDefinition `json:"strategies"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/strategies/download")
	if err != nil {
		return nil, errs.Wrap(errs.KindDisconnected, "strategy download", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, errs.New(errs.KindAuth, "strategy download rejected")
	}
	if resp.IsError() {
		return nil, errs.Newf(errs.KindDisconnected, "strategy download failed: %s", resp.Status())
	}
	return out.Strategies, nil
}

// ReportOutcome queues a command terminal-state ACK. Fire-and-forget from
// the dispatcher's perspective.
func (c *Client) ReportOutcome(outcome types.CommandOutcome) {
	c.enqueue(outboundItem{
		path: fmt.Sprintf("/executor/command/%s/ack", outcome.CommandID),
		body: ackBody{State: outcome.State, Result: outcome.Result, Error: outcome.Error},
	})
}

// SyncPositions queues a position/account report (periodic and on fill).
func (c *Client) SyncPositions(sync PositionsSync) {
	c.enqueue(outboundItem{path: "/executor/positions", body: sync})
}

// enqueue appends to the bounded outbound queue, dropping the oldest entry
// on overflow.
func (c *Client) enqueue(item outboundItem) {
	c.queueMu.Lock()
	if len(c.queue) >= c.cfg.QueueSize {
		c.queue = c.queue[1:]
		c.metrics.OutboundDropped.Inc()
	}
	c.queue = append(c.queue, item)
	c.queueMu.Unlock()
	select {
	case c.queueCh <- struct{}{}:
	default:
	}
}

func (c *Client) dequeue() (outboundItem, bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) == 0 {
		return outboundItem{}, false
	}
	item := c.queue[0]
	c.queue = c.queue[1:]
	return item, true
}

// Start launches the heartbeat and outbound workers.
func (c *Client) Start(ctx context.Context) {
	c.startMu.Lock()
	if c.started {
		c.startMu.Unlock()
		return
	}
	c.started = true
	c.startMu.Unlock()

	c.wg.Add(2)
	go c.heartbeatLoop(ctx)
	go c.outboundLoop(ctx)
	c.logger.Info("control client started", zap.String("base_url", c.cfg.BaseURL))
}

// Stop halts both workers. Undelivered queue entries are dropped.
func (c *Client) Stop() {
	c.startMu.Lock()
	if !c.started {
		c.startMu.Unlock()
		return
	}
	c.started = false
	c.startMu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sendHeartbeat(ctx)
		}
	}
}

func (c *Client) sendHeartbeat(ctx context.Context) {
	if c.heartbeatFn == nil {
		return
	}
	hb := c.heartbeatFn()
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(hb).
		Post("/executor/heartbeat")
	c.lastLatencyMs.Store(time.Since(start).Milliseconds())

	if err != nil || resp.IsError() {
		c.metrics.HeartbeatErrors.Inc()
		if c.healthy.Swap(false) && c.hooks.OnDisconnected != nil {
			c.hooks.OnDisconnected(Link)
		}
		c.logger.Warn("heartbeat failed", zap.Error(err),
			zap.Int("status", statusOf(resp)))
		return
	}
	if !c.healthy.Swap(true) && c.hooks.OnConnected != nil {
		c.hooks.OnConnected(Link)
	}
}

func (c *Client) outboundLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-c.queueCh:
			for {
				item, ok := c.dequeue()
				if !ok {
					break
				}
				c.post(ctx, item)
			}
		}
	}
}

// post delivers one queued report. Failures re-queue the item at the tail
// so the worker makes progress without blocking the queue forever.
func (c *Client) post(ctx context.Context, item outboundItem) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(item.body).
		Post(item.path)
	if err != nil || resp.IsError() {
		c.logger.Warn("outbound report failed",
			zap.String("path", item.path),
			zap.Int("status", statusOf(resp)),
			zap.Error(err))
		c.enqueue(item)
		// Back off briefly so a hard outage does not spin the worker.
		select {
		case <-time.After(time.Second):
		case <-c.stopCh:
		case <-ctx.Done():
		}
	}
}

func statusOf(resp *resty.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode()
}
