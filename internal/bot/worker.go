package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signalbot/internal/exchange"
	"signalbot/internal/models"
	"signalbot/internal/service"
	"signalbot/pkg/circuitbreaker"
	"signalbot/pkg/errclass"
	"signalbot/pkg/utils"
)

// Состояния воркера
const (
	WorkerStopped int32 = iota
	WorkerRunning
	WorkerStopping
)

// ErrWorkerRunning - повторный Run на уже запущенном воркере
var ErrWorkerRunning = errors.New("position monitor worker already running")

var _ service.AlertRaiser = (*MonitoringManager)(nil)

// NotificationCleaner - очистка журнала уведомлений по сроку хранения
type NotificationCleaner interface {
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

// RateWindowPruner - вытеснение неактивных окон rate limit (ratelimit.Detector)
type RateWindowPruner interface {
	Cleanup() int
}

// WorkerConfig - параметры воркера мониторинга позиций
type WorkerConfig struct {
	Interval              time.Duration // по умолчанию 30s
	HealthInterval        time.Duration // по умолчанию 300s
	MaxConsecutiveErrors  int           // по умолчанию 5
	UserConcurrency       int           // групп пользователей параллельно, по умолчанию 4
	OrphanPendingAge      time.Duration // по умолчанию 1h
	NotificationRetention time.Duration // 0 - журнал не чистится
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Interval:             30 * time.Second,
		HealthInterval:       300 * time.Second,
		MaxConsecutiveErrors: 5,
		UserConcurrency:      4,
		OrphanPendingAge:     time.Hour,
	}
}

// WorkerDeps - зависимости воркера
type WorkerDeps struct {
	Positions     service.PositionRepositoryInterface
	Users         service.UserRepositoryInterface
	Credentials   *service.CredentialManager
	Factory       exchange.Factory
	Breakers      *circuitbreaker.Registry
	States        *PositionStateManager
	Closer        *PositionClosureOrchestrator
	Batch         *BatchProcessor
	Monitoring    *MonitoringManager
	Notifications NotificationCleaner
	RateWindows   RateWindowPruner
	Logger        *zap.Logger
}

// PositionMonitorWorker периодически проверяет открытые позиции и закрывает
// те, для которых сработало правило PositionStateManager.
//
// Цикл: GetOpen -> группы по пользователю -> (credentials, клиент,
// BatchProcessor fetch, Evaluate, CloseMany) -> CycleMetrics.
// Начатый цикл доводится до конца даже при остановке.
type PositionMonitorWorker struct {
	cfg  WorkerConfig
	deps WorkerDeps
	log  *zap.Logger
	now  func() time.Time

	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once

	consecutiveErrors int
	lastCycle         atomic.Pointer[CycleMetrics]
}

func NewPositionMonitorWorker(cfg WorkerConfig, deps WorkerDeps) *PositionMonitorWorker {
	def := DefaultWorkerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = def.MaxConsecutiveErrors
	}
	if cfg.UserConcurrency <= 0 {
		cfg.UserConcurrency = def.UserConcurrency
	}
	if cfg.OrphanPendingAge <= 0 {
		cfg.OrphanPendingAge = def.OrphanPendingAge
	}

	logger := deps.Logger
	if logger == nil {
		logger = utils.L().Logger
	}
	if deps.States == nil {
		deps.States = NewPositionStateManager(DefaultPolicy())
	}
	if deps.Batch == nil {
		deps.Batch = NewBatchProcessor("monitor", DefaultBatchConfig(), logger)
	}
	if deps.Breakers == nil {
		deps.Breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), logger)
	}

	return &PositionMonitorWorker{
		cfg:    cfg,
		deps:   deps,
		log:    logger.With(utils.Component("position_monitor")),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// State - RUNNING, STOPPING или STOPPED
func (w *PositionMonitorWorker) State() string {
	switch w.state.Load() {
	case WorkerRunning:
		return "RUNNING"
	case WorkerStopping:
		return "STOPPING"
	default:
		return "STOPPED"
	}
}

// LastCycle - итог последнего цикла или nil
func (w *PositionMonitorWorker) LastCycle() *CycleMetrics {
	return w.lastCycle.Load()
}

// Run блокируется до отмены ctx или Stop. Первый цикл выполняется сразу.
func (w *PositionMonitorWorker) Run(ctx context.Context) error {
	if !w.state.CompareAndSwap(WorkerStopped, WorkerRunning) {
		return ErrWorkerRunning
	}
	defer w.state.Store(WorkerStopped)

	w.log.Info("position monitor started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Int("user_concurrency", w.cfg.UserConcurrency))

	healthCtx, cancelHealth := context.WithCancel(context.Background())
	var healthDone sync.WaitGroup
	healthDone.Add(1)
	go func() {
		defer healthDone.Done()
		w.healthLoop(healthCtx)
	}()
	defer func() {
		cancelHealth()
		healthDone.Wait()
		w.log.Info("position monitor stopped")
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.state.Store(WorkerStopping)
			return nil
		case <-w.stopCh:
			return nil
		case <-timer.C:
		}

		if w.state.Load() != WorkerRunning {
			return nil
		}

		// цикл не прерывается отменой: закрытия доводятся до записи в БД
		w.RunCycle(context.WithoutCancel(ctx))
		timer.Reset(w.cfg.Interval)
	}
}

// Stop переводит воркер в STOPPING; Run вернется после текущего цикла
func (w *PositionMonitorWorker) Stop() {
	if w.state.CompareAndSwap(WorkerRunning, WorkerStopping) {
		w.stopOnce.Do(func() { close(w.stopCh) })
	}
}

// RunCycle выполняет один цикл мониторинга
func (w *PositionMonitorWorker) RunCycle(ctx context.Context) CycleMetrics {
	m := CycleMetrics{CycleID: uuid.NewString(), StartedAt: w.now()}
	log := w.log.With(utils.CycleID(m.CycleID))

	positions, err := w.deps.Positions.GetOpen(ctx)
	if err != nil {
		m.Failed = true
		m.Errors = 1
		m.Error = err.Error()
		class := w.recordError(err)
		log.Error("load open positions failed",
			zap.String("category", string(class.Category)), utils.Severity(string(class.Severity)), utils.Err(err))
		w.finishCycle(&m, log)
		return m
	}

	groups := groupByUser(positions)
	m.Users = len(groups)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(w.cfg.UserConcurrency)

	for _, grp := range groups {
		grp := grp
		g.Go(func() error {
			r := w.processUser(ctx, grp.userID, grp.positions, log)
			mu.Lock()
			m.Processed += r.Processed
			m.Closed += r.Closed
			m.Errors += r.Errors
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if m.Processed > 0 && m.Errors >= m.Processed && m.Closed == 0 {
		m.Failed = true
		m.Error = "all positions failed"
	}

	w.finishCycle(&m, log)
	return m
}

func (w *PositionMonitorWorker) finishCycle(m *CycleMetrics, log *zap.Logger) {
	m.Duration = w.now().Sub(m.StartedAt)
	w.lastCycle.Store(m)

	if m.Failed {
		w.consecutiveErrors++
	} else {
		w.consecutiveErrors = 0
	}

	if w.deps.Monitoring != nil {
		w.deps.Monitoring.RecordCycle(*m)
	} else {
		RecordCycle(*m)
	}

	fields := []zap.Field{
		zap.Int("processed", m.Processed), zap.Int("closed", m.Closed),
		zap.Int("errors", m.Errors), zap.Int("users", m.Users),
		zap.Duration("duration", m.Duration),
	}
	if m.Failed {
		log.Warn("monitoring cycle failed", append(fields, zap.String("error", m.Error))...)
	} else {
		log.Debug("monitoring cycle completed", fields...)
	}

	if w.consecutiveErrors > w.cfg.MaxConsecutiveErrors {
		msg := fmt.Sprintf("Position monitor failed %d consecutive cycles", w.consecutiveErrors)
		log.Error("position monitor keeps failing",
			zap.Int("consecutive_errors", w.consecutiveErrors), utils.Severity("critical"))
		if w.deps.Monitoring != nil {
			w.deps.Monitoring.RaiseAlert("worker_consecutive_errors", AlertCritical, msg)
		}
	}
}

// ============ Группа пользователя ============

type userGroup struct {
	userID    int64
	positions []*models.Position
}

// groupByUser - группы в порядке возрастания user_id
func groupByUser(positions []*models.Position) []userGroup {
	idx := make(map[int64]int)
	var groups []userGroup
	for _, p := range positions {
		i, ok := idx[p.UserID]
		if !ok {
			i = len(groups)
			idx[p.UserID] = i
			groups = append(groups, userGroup{userID: p.UserID})
		}
		groups[i].positions = append(groups[i].positions, p)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].userID < groups[j].userID })
	return groups
}

// processUser расшифровывает credentials один раз на группу.
// CredentialSet не покидает горутину группы.
func (w *PositionMonitorWorker) processUser(ctx context.Context, userID int64, positions []*models.Position, log *zap.Logger) CycleMetrics {
	var r CycleMetrics
	r.Processed = len(positions)
	log = log.With(utils.UserID(userID))

	fail := func(msg string, err error) CycleMetrics {
		class := w.recordError(err)
		log.Warn(msg, zap.Int("positions", len(positions)),
			zap.String("category", string(class.Category)), utils.Err(err))
		r.Errors = len(positions)
		return r
	}

	user, err := w.deps.Users.GetByID(ctx, userID)
	if err != nil {
		return fail("load user failed", err)
	}
	creds, err := w.deps.Credentials.Resolve(ctx, user)
	if err != nil {
		return fail("resolve credentials failed", err)
	}
	defer creds.Wipe()

	client, err := w.deps.Factory.NewClient(creds.Network, creds.ExchangeKey)
	if err != nil {
		return fail("create exchange client failed", err)
	}
	defer client.Close()

	breaker := w.deps.Breakers.Get(service.BreakerName(creds.Network))
	monitor := NewExchangeOrderMonitor(client, breaker, log)

	items := make([]Item[*models.Position], len(positions))
	for i, p := range positions {
		items[i] = Item[*models.Position]{ID: strconv.FormatInt(p.ID, 10), Value: p}
	}
	fetched := Run(ctx, w.deps.Batch, items, monitor.Fetch)

	now := w.now()
	var jobs []ClosureJob
	for i, res := range fetched {
		if !res.Success {
			r.Errors++
			w.recordError(res.Err)
			log.Warn("fetch position orders failed",
				utils.PositionID(positions[i].ID), zap.Int("attempts", res.Attempts), utils.Err(res.Err))
			continue
		}
		o := res.Value
		d := w.deps.States.Evaluate(o.Position, o.Entry, o.TP, o.SL, o.MarkPrice, now)
		if !d.ShouldClose {
			continue
		}
		log.Info("position close triggered",
			utils.PositionID(o.Position.ID), utils.Reason(d.Reason), zap.String("message", d.Message))
		jobs = append(jobs, ClosureJob{Position: o.Position, Request: RequestFromDecision(d, o, creds)})
	}

	if len(jobs) == 0 || w.deps.Closer == nil {
		return r
	}

	for i, res := range w.deps.Closer.CloseMany(ctx, client, jobs) {
		if res.Success {
			r.Closed++
			continue
		}
		r.Errors++
		class := w.recordError(res.Err)
		fields := []zap.Field{utils.PositionID(jobs[i].Position.ID), utils.Reason(jobs[i].Request.Reason), utils.Err(res.Err)}
		if errors.Is(res.Err, ErrClosurePersistFailed) {
			log.Error("position closure needs reconciliation", append(fields, utils.Severity("critical"))...)
		} else {
			log.Warn("position closure failed", append(fields, zap.String("category", string(class.Category)))...)
		}
	}
	return r
}

func (w *PositionMonitorWorker) recordError(err error) errclass.Classification {
	if w.deps.Monitoring == nil {
		return errclass.Classify(err)
	}
	return w.deps.Monitoring.RecordError(err)
}

// ============ Health loop ============

func (w *PositionMonitorWorker) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.HealthCheck(ctx)
		}
	}
}

// HealthCheck проверяет свежесть циклов и тренд ошибок, удаляет
// зависшие pending-позиции, старые уведомления и пустые окна rate limit
func (w *PositionMonitorWorker) HealthCheck(ctx context.Context) {
	if w.deps.Monitoring != nil {
		report := w.deps.Monitoring.CheckHealth()
		if report.Status != HealthHealthy {
			w.log.Warn("position monitor health degraded",
				zap.String("status", report.Status), zap.Int("active_alerts", len(report.ActiveAlerts)))
		}
	}

	cutoff := w.now().Add(-w.cfg.OrphanPendingAge)
	if n, err := w.deps.Positions.DeleteOrphanedPending(ctx, cutoff); err != nil {
		w.log.Warn("orphaned pending cleanup failed", utils.Err(err))
	} else if n > 0 {
		w.log.Info("orphaned pending positions removed", zap.Int64("count", n))
	}

	if w.deps.Notifications != nil && w.cfg.NotificationRetention > 0 {
		if n, err := w.deps.Notifications.Cleanup(ctx, w.cfg.NotificationRetention); err != nil {
			w.log.Warn("notification cleanup failed", utils.Err(err))
		} else if n > 0 {
			w.log.Info("old notifications removed", zap.Int64("count", n))
		}
	}

	if w.deps.RateWindows != nil {
		if n := w.deps.RateWindows.Cleanup(); n > 0 {
			w.log.Debug("idle rate limit windows evicted", zap.Int("count", n))
		}
	}
}
