// Package agent wires the executor's subsystems into one process: local
// store, market data, safety layer, broker transport, dispatcher, strategy
// monitor, push ingress, control client, and supervisor. Wiring is a
// constructor graph built at startup; shutdown runs in reverse dependency
// order.
package agent

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/atlas-desktop/executor-agent/internal/broker"
	"github.com/atlas-desktop/executor-agent/internal/bus"
	"github.com/atlas-desktop/executor-agent/internal/control"
	"github.com/atlas-desktop/executor-agent/internal/dispatch"
	"github.com/atlas-desktop/executor-agent/internal/errs"
	"github.com/atlas-desktop/executor-agent/internal/market"
	"github.com/atlas-desktop/executor-agent/internal/metrics"
	"github.com/atlas-desktop/executor-agent/internal/push"
	"github.com/atlas-desktop/executor-agent/internal/safety"
	"github.com/atlas-desktop/executor-agent/internal/store"
	"github.com/atlas-desktop/executor-agent/internal/strategy"
	"github.com/atlas-desktop/executor-agent/internal/supervisor"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// brokerGrace bounds how long shutdown waits for in-flight broker RPCs.
const brokerGrace = 5 * time.Second

// snapshotJournalTail is how many recent command outcomes ride along in
// each disaster-recovery snapshot.
const snapshotJournalTail = 100

// Agent is the assembled executor process.
type Agent struct {
	logger *zap.Logger
	cfg    Config

	metrics    *metrics.Metrics
	db         *store.Store
	bus        *bus.Bus
	market     *market.Store
	kill       *safety.KillSwitch
	gate       *safety.Gate
	breaches   *safety.Monitor
	transport  *broker.Transport
	dispatcher *dispatch.Dispatcher
	strategies *strategy.Monitor
	controlCli *control.Client
	ingress    *push.Ingress
	super      *supervisor.Supervisor
	cron       *cron.Cron

	fatalCh chan error
	stopCh  chan struct{}
	cancel  context.CancelFunc
}

// New builds the constructor graph. Nothing connects or starts yet.
func New(logger *zap.Logger, cfg Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := store.Open(logger, filepath.Join(cfg.DataDir, "executor.db"))
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	eventBus := bus.New(logger, m)
	marketStore := market.NewStore(logger, m, eventBus, market.DefaultConfig())
	kill := safety.NewKillSwitch(logger, m)
	transport := broker.NewTransport(logger, m, eventBus, marketStore, cfg.Broker)
	gate := safety.NewGate(logger, m, kill, transport, marketStore, safety.Config{
		Limits:              cfg.Safety.Limits(),
		CorrelationLookback: cfg.Safety.CorrelationLookback,
		MonitorInterval:     cfg.Safety.MonitorInterval,
	})
	breaches := safety.NewMonitor(logger, gate, kill, cfg.Safety.MonitorInterval)
	dispatcher := dispatch.New(logger, m, kill, cfg.Dispatch)
	strategies := strategy.NewMonitor(logger, m, eventBus, marketStore, gate, kill, dispatcher, transport)
	controlCli := control.NewClient(logger, m, cfg.Control)

	a := &Agent{
		logger:     logger.Named("agent"),
		cfg:        cfg,
		metrics:    m,
		db:         db,
		bus:        eventBus,
		market:     marketStore,
		kill:       kill,
		gate:       gate,
		breaches:   breaches,
		transport:  transport,
		dispatcher: dispatcher,
		strategies: strategies,
		controlCli: controlCli,
		cron:       cron.New(cron.WithLocation(time.UTC)),
		fatalCh:    make(chan error, 1),
		stopCh:     make(chan struct{}),
	}

	strategies.SetPersist(func(def types.StrategyDefinition) {
		if err := db.UpsertStrategy(def); err != nil {
			a.logger.Warn("persisting strategy failed", zap.Error(err))
		}
	})
	a.registerHandlers()
	dispatcher.SetOutcomeSink(a.onOutcome)
	kill.SetOnEngage(a.onKillEngage)
	return a, nil
}

// Run starts everything and blocks until the context is cancelled or a
// fatal escalation occurs. The returned error's kind selects the process
// exit code.
func (a *Agent) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	defer cancel()

	if err := a.bootstrapIdentity(runCtx); err != nil {
		return err
	}
	a.restoreSnapshot()
	a.wireSupervisor()
	// Register the cron entries before anything starts so a bad schedule
	// aborts with nothing to unwind.
	if err := a.scheduleJobs(); err != nil {
		return err
	}

	// Broker first so the mirror fills before strategies evaluate.
	a.transport.Start(runCtx)
	a.breaches.Start(runCtx)
	a.dispatcher.Start(runCtx)
	a.strategies.Start(runCtx)
	a.loadStrategies(runCtx)
	a.ingress.Start(runCtx)
	a.controlCli.SetHeartbeatSource(a.heartbeat)
	a.controlCli.Start(runCtx)
	a.super.Start(runCtx)

	a.cron.Start()

	go a.syncLoop(runCtx)
	a.logger.Info("executor agent running",
		zap.String("executor_id", a.controlCli.Credentials().ExecutorID))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-a.fatalCh:
	}
	a.shutdown()
	return runErr
}

// scheduleJobs registers the daily PnL reset and the periodic snapshot.
func (a *Agent) scheduleJobs() error {
	if _, err := a.cron.AddFunc("0 0 * * *", a.gate.ResetDaily); err != nil {
		return errs.Wrap(errs.KindConfig, "schedule daily reset", err)
	}
	if _, err := a.cron.AddFunc("@every "+a.cfg.SnapshotInterval.String(), a.takeSnapshot); err != nil {
		return errs.Wrap(errs.KindConfig, "schedule snapshots", err)
	}
	return nil
}

// bootstrapIdentity loads the persisted credential or registers once.
func (a *Agent) bootstrapIdentity(ctx context.Context) error {
	creds, ok, err := a.db.Credential()
	if err != nil {
		return err
	}
	if !ok {
		a.logger.Info("no credential found, registering with control plane")
		creds, err = a.controlCli.Register(ctx, control.RegisterRequest{
			Name:          a.cfg.Name,
			Platform:      a.cfg.Platform,
			BrokerServer:  a.cfg.BrokerServer,
			AccountNumber: a.cfg.AccountNumber,
		})
		if err != nil {
			return err
		}
		if err := a.db.SaveCredential(creds); err != nil {
			return err
		}
		a.logger.Info("registered", zap.String("executor_id", creds.ExecutorID))
	}
	a.controlCli.SetCredentials(creds)
	a.ingress = push.NewIngress(a.logger, a.metrics, a.kill, a.dispatcher, push.Credentials{
		ExecutorID: creds.ExecutorID,
		APIKey:     creds.APIKey,
		SecretKey:  creds.SecretKey,
	}, a.cfg.Push)
	a.ingress.SetReplayCheck(func(id string) bool {
		done, err := a.db.HasOutcome(id)
		if err != nil {
			a.logger.Warn("journal replay lookup failed",
				zap.String("command", id), zap.Error(err))
			return false
		}
		return done
	})
	a.ingress.SetStrategyUpdateHandler(func(p types.StrategyReloadPayload) {
		if err := a.strategies.Reload(p); err != nil {
			a.logger.Error("push strategy update failed",
				zap.String("strategy", p.StrategyID), zap.Error(err))
		}
	})
	return nil
}

// restoreSnapshot re-applies the persisted kill-switch state so a crash
// while halted comes back halted, without re-firing the CloseAll hook.
func (a *Agent) restoreSnapshot() {
	snap, ok, err := a.db.LatestSnapshot()
	if err != nil {
		a.logger.Warn("snapshot restore failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if snap.KillActive {
		a.kill.Restore(true, snap.KillReason, snap.KillEngagedAt)
	}
	a.logger.Info("snapshot restored",
		zap.Time("taken_at", snap.TakenAt),
		zap.Bool("kill_active", snap.KillActive))
}

// wireSupervisor connects link hooks after the push ingress exists.
func (a *Agent) wireSupervisor() {
	links := []string{push.Link, control.Link, broker.LinkRPC, broker.LinkStream}
	fatal := []string{broker.LinkRPC, broker.LinkStream}
	a.super = supervisor.New(a.logger, a.kill, links, fatal)
	a.super.SetBrokerStats(a.transport.Stats)
	a.super.SetHeartbeatLatency(a.controlCli.LastLatency)
	a.super.SetOnFatal(func(link string, err error) {
		select {
		case a.fatalCh <- errs.Wrap(errs.KindDisconnected, "fatal link lost: "+link, err):
		default:
		}
	})

	a.transport.SetHooks(broker.Hooks{
		OnConnected:    a.super.OnConnected,
		OnDisconnected: a.super.OnDisconnected,
		OnExhausted:    a.super.OnExhausted,
	})
	a.ingress.SetHooks(push.Hooks{
		OnConnected:    a.super.OnConnected,
		OnDisconnected: a.super.OnDisconnected,
		OnExhausted:    a.super.OnExhausted,
	})
	a.controlCli.SetHooks(control.Hooks{
		OnConnected:    a.super.OnConnected,
		OnDisconnected: a.super.OnDisconnected,
	})
}

// loadStrategies cold-starts from the local store, then refreshes from the
// control plane in the background.
func (a *Agent) loadStrategies(ctx context.Context) {
	if defs, err := a.db.LoadStrategies(); err != nil {
		a.logger.Warn("cold-start strategy load failed", zap.Error(err))
	} else if len(defs) > 0 {
		a.strategies.Load(defs)
		a.logger.Info("strategies cold-started", zap.Int("count", len(defs)))
	}

	go func() {
		defs, err := a.controlCli.DownloadStrategies(ctx)
		if err != nil {
			a.logger.Warn("strategy download failed, staying on local set", zap.Error(err))
			return
		}
		a.strategies.Load(defs)
		if err := a.db.SaveStrategies(defs); err != nil {
			a.logger.Warn("persisting downloaded strategies failed", zap.Error(err))
		}
		a.logger.Info("strategies synced", zap.Int("count", len(defs)))
	}()
}

// onKillEngage auto-enqueues the one CloseAll per activation.
func (a *Agent) onKillEngage(reason string) {
	cmd := &types.Command{
		ID:          uuid.NewString(),
		Kind:        types.CmdCloseAll,
		Priority:    types.PriorityUrgent,
		PriorityStr: types.PriorityUrgent.String(),
		CreatedAt:   time.Now().UTC(),
		RequesterID: "safety",
	}
	if err := a.dispatcher.Submit(cmd); err != nil {
		a.logger.Error("auto close-all submission failed", zap.Error(err))
	}
}

// onOutcome journals every terminal state and reports it upstream.
func (a *Agent) onOutcome(outcome types.CommandOutcome) {
	if err := a.db.AppendOutcome(outcome); err != nil {
		a.logger.Warn("journal append failed",
			zap.String("command", outcome.CommandID), zap.Error(err))
	}
	a.controlCli.ReportOutcome(outcome)
}

// heartbeat builds the 5s liveness report.
func (a *Agent) heartbeat() control.Heartbeat {
	active, reason, engagedAt := a.kill.State()
	status := "running"
	switch {
	case active:
		status = "halted"
	case a.strategies.Paused():
		status = "paused"
	case !a.super.Healthy():
		status = "degraded"
	}
	return control.Heartbeat{
		ExecutorID: a.controlCli.Credentials().ExecutorID,
		Status:     status,
		Connection: a.super.Status(),
		Safety: control.SafetyReport{
			Active:    active,
			Reason:    reason,
			EngagedAt: engagedAt,
		},
		Strategies: a.strategies.ActiveCount(),
		Positions:  len(a.transport.Positions()),
		Metrics:    a.metrics.Snapshot(),
	}
}

// takeSnapshot persists the disaster-recovery capture.
func (a *Agent) takeSnapshot() {
	active, reason, engagedAt := a.kill.State()
	snap := store.Snapshot{
		TakenAt:       time.Now().UTC(),
		KillActive:    active,
		KillReason:    reason,
		KillEngagedAt: engagedAt,
	}
	if err := snap.SetAccount(a.transport.Account()); err != nil {
		a.logger.Warn("snapshot account encode failed", zap.Error(err))
	}
	if err := snap.SetPositions(a.transport.Positions()); err != nil {
		a.logger.Warn("snapshot positions encode failed", zap.Error(err))
	}
	if tail, err := a.db.RecentOutcomes(snapshotJournalTail); err != nil {
		a.logger.Warn("snapshot journal read failed", zap.Error(err))
	} else if err := snap.SetJournal(tail); err != nil {
		a.logger.Warn("snapshot journal encode failed", zap.Error(err))
	}
	if err := a.db.SaveSnapshot(snap); err != nil {
		a.logger.Warn("snapshot save failed", zap.Error(err))
	}
}

// syncLoop reports positions upstream periodically and after every fill.
func (a *Agent) syncLoop(ctx context.Context) {
	fills, cancel := a.bus.SubscribeFills(64)
	defer cancel()
	ticker := time.NewTicker(a.cfg.Control.PositionsInterval)
	if a.cfg.Control.PositionsInterval <= 0 {
		ticker = time.NewTicker(control.DefaultConfig().PositionsInterval)
	}
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case fill, ok := <-fills:
			if !ok {
				return
			}
			a.logger.Info("fill received",
				zap.Int64("ticket", fill.Ticket),
				zap.String("price", fill.Price.String()))
			a.pushPositions()
		case <-ticker.C:
			a.pushPositions()
		}
	}
}

func (a *Agent) pushPositions() {
	a.controlCli.SyncPositions(control.PositionsSync{
		Positions: a.transport.Positions(),
		Account:   a.transport.Account(),
	})
}

// shutdown stops subsystems in reverse dependency order: strategies stop
// emitting, the dispatcher drains, the transport goes down last inside its
// grace window.
func (a *Agent) shutdown() {
	a.logger.Info("shutting down")
	close(a.stopCh)
	a.cron.Stop()
	a.takeSnapshot()

	a.strategies.Stop()
	a.dispatcher.Stop()
	a.ingress.Stop()
	a.controlCli.Stop()
	a.super.Stop()
	a.breaches.Stop()

	done := make(chan struct{})
	go func() {
		a.transport.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(brokerGrace):
		a.logger.Warn("broker transport did not stop within grace window")
	}

	a.bus.Close()
	if err := a.db.Close(); err != nil {
		a.logger.Warn("datastore close failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}
