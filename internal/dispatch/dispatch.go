// Package dispatch serializes command execution: four priority FIFOs,
// per-family token buckets, kill-switch admission, per-kind timeouts, and
// bounded retries for transient trade failures. Every command reaches
// exactly one terminal state.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/executor-agent/internal/backoff"
	"github.com/atlas-desktop/executor-agent/internal/errs"
	"github.com/atlas-desktop/executor-agent/internal/metrics"
	"github.com/atlas-desktop/executor-agent/internal/safety"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// Handler executes one command kind. The context carries the per-kind
// deadline; handlers must respect it.
type Handler func(ctx context.Context, cmd *types.Command) (json.RawMessage, error)

// Config tunes queueing and execution.
type Config struct {
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	RateLimit      int           `mapstructure:"rate_limit"`
	RateWindow     time.Duration `mapstructure:"rate_window"`
	TradeTimeout   time.Duration `mapstructure:"trade_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	ControlTimeout time.Duration `mapstructure:"control_timeout"`
}

// DefaultConfig returns the dispatcher defaults: 8192-entry queues, 100
// requests per 60s per family, 10s/5s/2s timeouts.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:  8192,
		RateLimit:      100,
		RateWindow:     60 * time.Second,
		TradeTimeout:   10 * time.Second,
		ReadTimeout:    5 * time.Second,
		ControlTimeout: 2 * time.Second,
	}
}

// record tracks one command through its lifecycle.
type record struct {
	cmd           *types.Command
	state         types.CommandState
	result        json.RawMessage
	err           error
	attempts      int
	enqueuedAt    time.Time
	deferredUntil time.Time
	terminal      bool
}

// bucket is a sliding-refill token bucket.
type bucket struct {
	capacity   int
	window     time.Duration
	tokens     float64
	lastRefill time.Time
}

func newBucket(capacity int, window time.Duration) *bucket {
	return &bucket{
		capacity:   capacity,
		window:     window,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed.Seconds() * float64(b.capacity) / b.window.Seconds()
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.lastRefill = now
}

// take consumes one token, or reports when the next token arrives.
func (b *bucket) take(now time.Time) (bool, time.Time) {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true, time.Time{}
	}
	deficit := 1 - b.tokens
	wait := time.Duration(deficit * float64(b.window) / float64(b.capacity))
	return false, now.Add(wait)
}

// killAdmitted lists the kinds admitted while the kill-switch is active.
// Position-closing kinds stay admitted: engaging the switch submits the
// flattening CloseAll itself, and operators must be able to close out
// exposure while halted.
func killAdmitted(kind types.CommandKind) bool {
	switch kind {
	case types.CmdEmergencyStop, types.CmdResume, types.CmdGetStatus, types.CmdStrategyReload,
		types.CmdCloseAll, types.CmdClosePosition:
		return true
	}
	return false
}

// Dispatcher is the single command-ordering authority.
type Dispatcher struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	cfg     Config
	kill    *safety.KillSwitch
	retry   backoff.Policy

	handlers  map[types.CommandKind]Handler
	onOutcome func(types.CommandOutcome)

	mu      sync.Mutex
	cond    *sync.Cond
	queues  [types.PriorityUrgent + 1][]*record
	records map[string]*record
	buckets map[types.KindFamily]*bucket

	runningCancel context.CancelFunc
	runningFamily types.KindFamily

	stopping bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// New builds the dispatcher. Handlers and the outcome sink are installed
// with SetHandler/SetOutcomeSink before Start.
func New(logger *zap.Logger, m *metrics.Metrics, kill *safety.KillSwitch, cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.TradeTimeout <= 0 {
		cfg.TradeTimeout = def.TradeTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = def.ControlTimeout
	}
	d := &Dispatcher{
		logger:   logger.Named("dispatch"),
		metrics:  m,
		cfg:      cfg,
		kill:     kill,
		retry:    backoff.Retry(),
		handlers: make(map[types.CommandKind]Handler),
		records:  make(map[string]*record),
		buckets: map[types.KindFamily]*bucket{
			types.FamilyTrade:   newBucket(cfg.RateLimit, cfg.RateWindow),
			types.FamilyRead:    newBucket(cfg.RateLimit, cfg.RateWindow),
			types.FamilyControl: newBucket(cfg.RateLimit, cfg.RateWindow),
		},
		stopCh: make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// SetHandler registers the executor for one command kind.
func (d *Dispatcher) SetHandler(kind types.CommandKind, h Handler) {
	d.mu.Lock()
	d.handlers[kind] = h
	d.mu.Unlock()
}

// SetOutcomeSink installs the terminal-state consumer (control client +
// journal).
func (d *Dispatcher) SetOutcomeSink(fn func(types.CommandOutcome)) {
	d.mu.Lock()
	d.onOutcome = fn
	d.mu.Unlock()
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.loop(ctx)
	d.logger.Info("dispatcher started",
		zap.Int("queue_capacity", d.cfg.QueueCapacity),
		zap.Int("rate_limit", d.cfg.RateLimit))
}

// Stop halts intake, cancels any running command, and waits for the loop.
// Queued commands terminate as cancelled.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started || d.stopping {
		d.mu.Unlock()
		return
	}
	d.stopping = true
	if d.runningCancel != nil {
		d.runningCancel()
	}
	d.cond.Broadcast()
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
	d.drainCancelled()
}

func (d *Dispatcher) drainCancelled() {
	d.mu.Lock()
	var pending []*record
	for p := range d.queues {
		pending = append(pending, d.queues[p]...)
		d.queues[p] = nil
	}
	d.mu.Unlock()
	for _, rec := range pending {
		d.finish(rec, types.StateCancelled, nil, errs.New(errs.KindDisconnected, "dispatcher stopped"))
	}
}

// Submit enqueues a command. Duplicate IDs are refused, full queues push
// back with Backpressure, already-expired commands are refused without
// being recorded, and while the kill-switch is active only the
// control-and-close subset is admitted.
func (d *Dispatcher) Submit(cmd *types.Command) error {
	if !cmd.Kind.Valid() {
		return errs.Newf(errs.KindMalformed, "unknown command kind %q", cmd.Kind)
	}
	if cmd.PriorityStr != "" {
		cmd.Priority = types.ParsePriority(cmd.PriorityStr)
	}
	if d.kill.Active() && !killAdmitted(cmd.Kind) {
		d.reportImmediate(cmd, types.StateFailed, errs.New(errs.KindKillSwitch, "kill-switch active"))
		return errs.New(errs.KindKillSwitch, "kill-switch active")
	}
	if cmd.Expired(time.Now()) {
		return errs.Newf(errs.KindExpired, "command %s expired before submission", cmd.ID)
	}

	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return errs.New(errs.KindBackpressure, "dispatcher stopping")
	}
	if _, exists := d.records[cmd.ID]; exists {
		d.mu.Unlock()
		return errs.Newf(errs.KindDuplicate, "command %s already submitted", cmd.ID)
	}
	p := cmd.Priority
	if p < types.PriorityLow || p > types.PriorityUrgent {
		p = types.PriorityNormal
	}
	if len(d.queues[p]) >= d.cfg.QueueCapacity {
		d.mu.Unlock()
		return errs.Newf(errs.KindBackpressure, "%s queue full", p)
	}
	rec := &record{
		cmd:        cmd,
		state:      types.StateEnqueued,
		enqueuedAt: time.Now(),
	}
	d.records[cmd.ID] = rec
	d.queues[p] = append(d.queues[p], rec)
	d.metrics.QueueDepth.WithLabelValues(p.String()).Set(float64(len(d.queues[p])))

	// Urgent stop commands preempt a running command unless it is
	// blocking on the broker.
	if p == types.PriorityUrgent && d.runningCancel != nil && d.runningFamily != types.FamilyTrade {
		d.runningCancel()
	}
	d.cond.Broadcast()
	d.mu.Unlock()
	return nil
}

// Cancel marks a queued command cancelled. Commands already executing or
// terminal are left alone and their current state is returned.
func (d *Dispatcher) Cancel(id string) (types.CommandState, error) {
	d.mu.Lock()
	rec, ok := d.records[id]
	if !ok {
		d.mu.Unlock()
		return "", errs.Newf(errs.KindMalformed, "unknown command %s", id)
	}
	state := rec.state
	if state != types.StateEnqueued && state != types.StateDeferred {
		d.mu.Unlock()
		return state, nil
	}
	rec.state = types.StateCancelled
	d.mu.Unlock()

	d.finish(rec, types.StateCancelled, nil, nil)
	return types.StateCancelled, nil
}

// Status returns the lifecycle state of a known command.
func (d *Dispatcher) Status(id string) (types.CommandState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[id]
	if !ok {
		return "", false
	}
	return rec.state, true
}

// QueueDepths reports the per-priority backlog for heartbeats.
func (d *Dispatcher) QueueDepths() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.queues))
	for p := range d.queues {
		out[types.Priority(p).String()] = len(d.queues[p])
	}
	return out
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for {
			if d.stopping || ctx.Err() != nil {
				d.mu.Unlock()
				return
			}
			rec, wakeAt := d.next(time.Now())
			if rec != nil {
				rec.state = types.StateExecuting
				execCtx, cancel := context.WithCancel(ctx)
				d.runningCancel = cancel
				d.runningFamily = rec.cmd.Kind.Family()
				d.mu.Unlock()

				d.execute(execCtx, rec)

				d.mu.Lock()
				if d.runningCancel != nil {
					d.runningCancel()
					d.runningCancel = nil
				}
				d.mu.Unlock()
				break
			}
			if !wakeAt.IsZero() {
				timer := time.AfterFunc(time.Until(wakeAt), d.cond.Broadcast)
				d.cond.Wait()
				timer.Stop()
			} else {
				d.cond.Wait()
			}
		}
	}
}

// next pops the highest-priority eligible command. Caller holds d.mu. The
// second return is the earliest deferred-until wake time when nothing is
// currently eligible.
func (d *Dispatcher) next(now time.Time) (*record, time.Time) {
	var wakeAt time.Time
	for p := int(types.PriorityUrgent); p >= int(types.PriorityLow); p-- {
		for len(d.queues[p]) > 0 {
			rec := d.queues[p][0]

			// Drop records terminalized while queued (Cancel).
			if rec.terminal || rec.state == types.StateCancelled {
				d.popHead(p)
				continue
			}
			if rec.cmd.Expired(now) {
				d.popHead(p)
				go d.finish(rec, types.StateExpired, nil, errs.New(errs.KindExpired, "command deadline passed"))
				continue
			}
			if d.kill.Active() && !killAdmitted(rec.cmd.Kind) {
				d.popHead(p)
				go d.finish(rec, types.StateFailed, nil, errs.New(errs.KindKillSwitch, "kill-switch active"))
				continue
			}
			if !rec.deferredUntil.IsZero() && rec.deferredUntil.After(now) {
				if wakeAt.IsZero() || rec.deferredUntil.Before(wakeAt) {
					wakeAt = rec.deferredUntil
				}
				break // this priority yields, lower ones may proceed
			}

			// Urgent stop commands bypass the bucket entirely.
			urgentBypass := types.Priority(p) == types.PriorityUrgent &&
				(rec.cmd.Kind == types.CmdEmergencyStop || rec.cmd.Kind == types.CmdCloseAll)
			if !urgentBypass {
				ok, nextToken := d.buckets[rec.cmd.Kind.Family()].take(now)
				if !ok {
					d.popHead(p)
					rec.state = types.StateDeferred
					rec.deferredUntil = nextToken
					d.queues[p] = append(d.queues[p], rec)
					if wakeAt.IsZero() || nextToken.Before(wakeAt) {
						wakeAt = nextToken
					}
					break
				}
			}
			d.popHead(p)
			return rec, time.Time{}
		}
	}
	return nil, wakeAt
}

func (d *Dispatcher) popHead(p int) {
	d.queues[p] = d.queues[p][1:]
	d.metrics.QueueDepth.WithLabelValues(types.Priority(p).String()).Set(float64(len(d.queues[p])))
}

// execute runs the handler with the per-kind deadline, retrying transient
// trade failures up to the retry budget.
func (d *Dispatcher) execute(ctx context.Context, rec *record) {
	handler, ok := d.handlers[rec.cmd.Kind]
	if !ok {
		d.finish(rec, types.StateFailed, nil, errs.Newf(errs.KindInternal, "no handler for %s", rec.cmd.Kind))
		return
	}
	family := rec.cmd.Kind.Family()
	timeout := d.timeoutFor(family)

	attempt := 1
	for {
		rec.attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := d.runHandler(attemptCtx, handler, rec.cmd)
		cancel()

		if err == nil {
			d.finish(rec, types.StateCompleted, result, nil)
			return
		}
		if attemptCtx.Err() == context.DeadlineExceeded && errs.KindOf(err) != errs.KindTimeout {
			err = errs.Wrap(errs.KindTimeout, string(rec.cmd.Kind)+" deadline", err)
		}

		retryable := family == types.FamilyTrade && errs.Retryable(err) &&
			!d.retry.Exhausted(attempt+1) && !d.kill.Active()
		if !retryable {
			d.finish(rec, types.StateFailed, nil, err)
			return
		}
		d.metrics.CommandRetries.Inc()
		d.logger.Warn("retrying trade command",
			zap.String("id", rec.cmd.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if d.retry.Wait(ctx, attempt) != nil {
			d.finish(rec, types.StateFailed, nil, err)
			return
		}
		attempt++
	}
}

// runHandler isolates handler panics as Internal errors so a buggy
// executor cannot take down the loop.
func (d *Dispatcher) runHandler(ctx context.Context, h Handler, cmd *types.Command) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Internal("command handler panicked", nil)
			d.logger.Error("handler panic",
				zap.String("id", cmd.ID),
				zap.Any("panic", r))
			d.kill.Engage("handler panic")
		}
	}()
	return h(ctx, cmd)
}

func (d *Dispatcher) timeoutFor(family types.KindFamily) time.Duration {
	switch family {
	case types.FamilyTrade:
		return d.cfg.TradeTimeout
	case types.FamilyRead:
		return d.cfg.ReadTimeout
	default:
		return d.cfg.ControlTimeout
	}
}

// finish records the terminal state exactly once and hands the outcome to
// the sink.
func (d *Dispatcher) finish(rec *record, state types.CommandState, result json.RawMessage, err error) {
	d.mu.Lock()
	if rec.terminal {
		d.mu.Unlock()
		return
	}
	rec.terminal = true
	rec.state = state
	rec.result = result
	rec.err = err
	sink := d.onOutcome
	d.mu.Unlock()

	d.metrics.CommandsTotal.WithLabelValues(string(state)).Inc()
	outcome := types.CommandOutcome{
		CommandID:  rec.cmd.ID,
		Kind:       rec.cmd.Kind,
		State:      state,
		Result:     result,
		Attempts:   rec.attempts,
		FinishedAt: time.Now().UTC(),
	}
	if err != nil {
		outcome.Error = err.Error()
	}
	if sink != nil {
		sink(outcome)
	}
}

// reportImmediate emits a terminal outcome for a command refused at the
// door (kill-switch), without creating a queue record.
func (d *Dispatcher) reportImmediate(cmd *types.Command, state types.CommandState, err error) {
	d.metrics.CommandsTotal.WithLabelValues(string(state)).Inc()
	d.mu.Lock()
	sink := d.onOutcome
	d.mu.Unlock()
	if sink == nil {
		return
	}
	outcome := types.CommandOutcome{
		CommandID:  cmd.ID,
		Kind:       cmd.Kind,
		State:      state,
		FinishedAt: time.Now().UTC(),
	}
	if err != nil {
		outcome.Error = err.Error()
	}
	sink(outcome)
}
