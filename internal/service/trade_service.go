package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signalbot/internal/exchange"
	"signalbot/internal/models"
	"signalbot/pkg/circuitbreaker"
	"signalbot/pkg/errclass"
	"signalbot/pkg/utils"
)

// StepName - шаг торговой саги
type StepName string

const (
	StepCredentials  StepName = "credentials"
	StepRisk         StepName = "risk"
	StepExecution    StepName = "execution"
	StepPersistence  StepName = "persistence"
	StepNotification StepName = "notification"
)

// StepKind - тип отказа шага
type StepKind string

const (
	KindNone           StepKind = ""
	KindCredentials    StepKind = "credentials"
	KindRisk           StepKind = "risk"
	KindExecution      StepKind = "execution"
	KindReconciliation StepKind = "reconciliation"
)

// StepResult - результат шага: OK с Payload или отказ с Kind и Detail
type StepResult struct {
	Step    StepName
	OK      bool
	Payload interface{}
	Kind    StepKind
	Detail  string
	Err     error
}

func stepOK(step StepName, payload interface{}) StepResult {
	return StepResult{Step: step, OK: true, Payload: payload}
}

func stepFailed(step StepName, kind StepKind, err error) StepResult {
	return StepResult{Step: step, Kind: kind, Detail: err.Error(), Err: err}
}

// TradeResult - итог исполнения сигнала
type TradeResult struct {
	Success       bool
	Position      *models.Position
	Order         *exchange.OrderResult
	Steps         []StepResult
	FailedStep    StepName
	Kind          StepKind
	Error         string
	Warnings      []string
	ExecutionTime time.Duration
}

// Err - ошибка упавшего шага
func (r *TradeResult) Err() error {
	for _, s := range r.Steps {
		if !s.OK && s.Err != nil {
			return s.Err
		}
	}
	return nil
}

// ErrReconciliationRequired - ордер на бирже исполнен, но позиция не сохранена
var ErrReconciliationRequired = errors.New("exchange order submitted but position not persisted")

// TradeOrchestrator исполняет сигнал за пять шагов:
// credentials -> risk -> execution -> persistence -> notification.
//
// Отказ шага прерывает сагу. Откат ордера на бирже невозможен, поэтому
// отказ сохранения после исполнения поднимает алерт сверки.
type TradeOrchestrator struct {
	credentials   *CredentialManager
	risk          *RiskManager
	factory       exchange.Factory
	breakers      *circuitbreaker.Registry
	positions     PositionRepositoryInterface
	notifications NotificationServiceInterface
	alerts        AlertRaiser
	metrics       TradeRecorder
	logger        *zap.Logger
	now           func() time.Time
}

// TradeDeps - зависимости оркестратора
type TradeDeps struct {
	Credentials   *CredentialManager
	Risk          *RiskManager
	Factory       exchange.Factory
	Breakers      *circuitbreaker.Registry
	Positions     PositionRepositoryInterface
	Notifications NotificationServiceInterface
	Alerts        AlertRaiser
	Metrics       TradeRecorder
	Logger        *zap.Logger
}

func NewTradeOrchestrator(d TradeDeps) *TradeOrchestrator {
	logger := d.Logger
	if logger == nil {
		logger = utils.L().Logger
	}
	return &TradeOrchestrator{
		credentials:   d.Credentials,
		risk:          d.Risk,
		factory:       d.Factory,
		breakers:      d.Breakers,
		positions:     d.Positions,
		notifications: d.Notifications,
		alerts:        d.Alerts,
		metrics:       d.Metrics,
		logger:        logger.With(utils.Component("trade")),
		now:           time.Now,
	}
}

// BreakerName - имя circuit breaker'а биржи для сети
func BreakerName(network string) string {
	return "exchange:" + network
}

// Execute исполняет сигнал пользователя. Никогда не возвращает nil.
func (o *TradeOrchestrator) Execute(ctx context.Context, user *models.User, signal *models.Signal) *TradeResult {
	start := o.now()
	res := &TradeResult{}
	log := o.logger.With(utils.UserID(user.ID), utils.Symbol(signal.Symbol), utils.Side(signal.Side))

	defer func() {
		res.ExecutionTime = o.now().Sub(start)
		if o.metrics != nil {
			outcome := "success"
			if !res.Success {
				outcome = "failure"
			}
			o.metrics.RecordTrade(outcome, string(res.FailedStep), res.ExecutionTime)
		}
	}()

	// 1. Credentials
	creds, step := o.stepCredentials(ctx, user)
	if !o.record(res, step) {
		o.notifyFailure(ctx, nil, user, res, log)
		return res
	}
	defer creds.Wipe()

	client, err := o.factory.NewClient(creds.Network, creds.ExchangeKey)
	if err != nil {
		o.record(res, stepFailed(StepCredentials, KindCredentials, fmt.Errorf("create exchange client: %w", err)))
		o.notifyFailure(ctx, creds, user, res, log)
		return res
	}
	defer client.Close()

	breaker := o.breakers.Get(BreakerName(creds.Network))

	// 2. Risk
	normalized, step := o.stepRisk(ctx, user, signal, &breakerPrices{client: client, breaker: breaker})
	if !o.record(res, step) {
		o.notifyFailure(ctx, creds, user, res, log)
		return res
	}

	// 3. Execution
	order, step := o.stepExecute(ctx, client, breaker, normalized)
	if !o.record(res, step) {
		o.notifyFailure(ctx, creds, user, res, log)
		return res
	}
	res.Order = order

	pos := o.buildPosition(user, creds.Network, normalized, order)
	res.Warnings = append(res.Warnings, o.placeProtectiveOrders(ctx, client, breaker, normalized, pos, log)...)

	// 4. Persistence
	if step := o.stepPersist(ctx, pos); !o.record(res, step) {
		o.raiseReconciliation(ctx, creds, user, pos, step.Err, log)
		return res
	}
	res.Position = pos

	// 5. Notification
	msg := fmt.Sprintf("Opened %s %g %s at %g (order %s)", pos.Side, pos.Size, pos.Symbol, pos.EntryPrice, pos.EntryOrderID)
	n := NewNotification(models.NotificationTypeOpen, models.SeverityInfo, user.ID, pos.ID, msg, map[string]interface{}{
		"order_id": pos.EntryOrderID,
		"network":  pos.Network,
	})
	if err := o.notifications.Notify(ctx, creds, n); err != nil {
		log.Warn("open notification failed", utils.PositionID(pos.ID), utils.Err(err))
		res.Warnings = append(res.Warnings, "notification: "+err.Error())
		res.Steps = append(res.Steps, stepFailed(StepNotification, KindNone, err))
	} else {
		res.Steps = append(res.Steps, stepOK(StepNotification, nil))
	}

	res.Success = true
	log.Info("trade executed",
		utils.PositionID(pos.ID), utils.OrderID(pos.EntryOrderID),
		utils.Price(pos.EntryPrice), utils.Size(pos.Size), utils.Network(pos.Network))
	return res
}

// record добавляет шаг и возвращает его OK
func (o *TradeOrchestrator) record(res *TradeResult, step StepResult) bool {
	res.Steps = append(res.Steps, step)
	if !step.OK {
		res.FailedStep = step.Step
		res.Kind = step.Kind
		res.Error = step.Detail
	}
	return step.OK
}

func (o *TradeOrchestrator) stepCredentials(ctx context.Context, user *models.User) (*CredentialSet, StepResult) {
	creds, err := o.credentials.Resolve(ctx, user)
	if err != nil {
		return nil, stepFailed(StepCredentials, KindCredentials, err)
	}
	return creds, stepOK(StepCredentials, nil)
}

func (o *TradeOrchestrator) stepRisk(ctx context.Context, user *models.User, signal *models.Signal, prices PriceSource) (*models.Signal, StepResult) {
	normalized, err := o.risk.Evaluate(ctx, user, signal, prices)
	if err != nil {
		return nil, stepFailed(StepRisk, KindRisk, err)
	}
	return normalized, stepOK(StepRisk, normalized)
}

func (o *TradeOrchestrator) stepExecute(ctx context.Context, client exchange.Client, breaker *circuitbreaker.Breaker, s *models.Signal) (*exchange.OrderResult, StepResult) {
	order, err := circuitbreaker.ExecuteWithResult(ctx, breaker, func(ctx context.Context) (*exchange.OrderResult, error) {
		if s.IsLimit() {
			return client.PlaceLimitOrder(ctx, s.Symbol, s.Side, s.Size, s.Price, s.TimeInForce)
		}
		return client.PlaceMarketOrder(ctx, s.Symbol, s.Side, s.Size)
	})
	if err != nil {
		return nil, stepFailed(StepExecution, KindExecution, err)
	}
	if order.Status == models.OrderStatusRejected || order.Status == models.OrderStatusCancelled {
		return nil, stepFailed(StepExecution, KindExecution, fmt.Errorf("entry order %s %s", order.OrderID, order.Status))
	}
	return order, stepOK(StepExecution, order)
}

func (o *TradeOrchestrator) stepPersist(ctx context.Context, pos *models.Position) StepResult {
	if err := o.positions.Create(ctx, pos); err != nil {
		return stepFailed(StepPersistence, KindReconciliation, fmt.Errorf("%w: order %s: %v", ErrReconciliationRequired, pos.EntryOrderID, err))
	}
	return stepOK(StepPersistence, pos)
}

func (o *TradeOrchestrator) buildPosition(user *models.User, network string, s *models.Signal, order *exchange.OrderResult) *models.Position {
	entryPrice := order.Price
	if entryPrice <= 0 {
		entryPrice = s.Price
	}
	size := s.Size
	if order.FilledSize > 0 && order.Status == models.OrderStatusFilled {
		size = order.FilledSize
	}
	now := o.now()
	return &models.Position{
		UserID:       user.ID,
		Symbol:       s.Symbol,
		Side:         s.Side,
		Status:       models.PositionStatusOpen,
		Network:      network,
		OrderType:    s.OrderType,
		EntryPrice:   entryPrice,
		Size:         size,
		EntryOrderID: order.OrderID,
		OpenedAt:     now,
		UpdatedAt:    now,
	}
}

// placeProtectiveOrders выставляет TP (лимит) и SL (стоп) в обратную сторону.
// Ошибки не прерывают сагу: позиция сохраняется без id ордера.
func (o *TradeOrchestrator) placeProtectiveOrders(ctx context.Context, client exchange.Client, breaker *circuitbreaker.Breaker, s *models.Signal, pos *models.Position, log *zap.Logger) []string {
	var warnings []string
	exitSide := models.OppositeSide(s.Side)

	if s.TakeProfit > 0 {
		tp, err := circuitbreaker.ExecuteWithResult(ctx, breaker, func(ctx context.Context) (*exchange.OrderResult, error) {
			return client.PlaceLimitOrder(ctx, s.Symbol, exitSide, pos.Size, s.TakeProfit, "GTT")
		})
		if err != nil {
			log.Warn("take profit order failed", utils.Price(s.TakeProfit), utils.Err(err))
			warnings = append(warnings, "take_profit: "+err.Error())
		} else {
			pos.TPOrderID = tp.OrderID
		}
	}

	if s.StopLoss > 0 {
		sl, err := circuitbreaker.ExecuteWithResult(ctx, breaker, func(ctx context.Context) (*exchange.OrderResult, error) {
			return client.PlaceStopOrder(ctx, s.Symbol, exitSide, pos.Size, s.StopLoss)
		})
		if err != nil {
			log.Warn("stop loss order failed", utils.Price(s.StopLoss), utils.Err(err))
			warnings = append(warnings, "stop_loss: "+err.Error())
		} else {
			pos.SLOrderID = sl.OrderID
		}
	}

	return warnings
}

// notifyFailure - best-effort уведомление об ошибке с уже расшифрованными credentials
func (o *TradeOrchestrator) notifyFailure(ctx context.Context, creds *CredentialSet, user *models.User, res *TradeResult, log *zap.Logger) {
	class := errclass.Classify(res.Err())
	log.Warn("trade saga failed",
		zap.String("step", string(res.FailedStep)),
		zap.String("kind", string(res.Kind)),
		zap.String("category", string(class.Category)),
		utils.Severity(string(class.Severity)),
		zap.String("detail", res.Error))

	if res.Kind == KindRisk {
		// отказ проверки рисков - ожидаемый исход, уровень warn
		n := NewNotification(models.NotificationTypeError, models.SeverityWarn, user.ID, 0,
			"Signal rejected: "+res.Error, map[string]interface{}{"step": string(res.FailedStep)})
		o.notify(ctx, creds, n, log)
		return
	}

	n := NewNotification(models.NotificationTypeError, models.SeverityError, user.ID, 0,
		fmt.Sprintf("Trade failed at %s: %s", res.FailedStep, res.Error),
		map[string]interface{}{"step": string(res.FailedStep), "kind": string(res.Kind)})
	o.notify(ctx, creds, n, log)
}

// raiseReconciliation - ордер исполнен, а позиция не записана
func (o *TradeOrchestrator) raiseReconciliation(ctx context.Context, creds *CredentialSet, user *models.User, pos *models.Position, cause error, log *zap.Logger) {
	log.Error("position persistence failed after order execution",
		utils.OrderID(pos.EntryOrderID), utils.Size(pos.Size), utils.Price(pos.EntryPrice),
		utils.Severity("critical"), utils.Err(cause))

	msg := fmt.Sprintf("Reconciliation required: order %s (%s %g %s) executed but position was not saved",
		pos.EntryOrderID, pos.Side, pos.Size, pos.Symbol)
	n := NewNotification(models.NotificationTypeReconciliation, models.SeverityError, user.ID, 0, msg, map[string]interface{}{
		"order_id":    pos.EntryOrderID,
		"tp_order_id": pos.TPOrderID,
		"sl_order_id": pos.SLOrderID,
		"symbol":      pos.Symbol,
		"side":        pos.Side,
		"size":        pos.Size,
		"entry_price": pos.EntryPrice,
		"network":     pos.Network,
	})
	o.notify(ctx, creds, n, log)

	if o.alerts != nil {
		o.alerts.RaiseAlert(AlertReconciliation, "critical", msg)
	}
}

func (o *TradeOrchestrator) notify(ctx context.Context, creds *CredentialSet, n *models.Notification, log *zap.Logger) {
	if o.notifications == nil {
		return
	}
	if err := o.notifications.Notify(ctx, creds, n); err != nil {
		log.Warn("failure notification not delivered", utils.Err(err))
	}
}

// breakerPrices - mark price через breaker биржи
type breakerPrices struct {
	client  exchange.Client
	breaker *circuitbreaker.Breaker
}

func (p *breakerPrices) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	return circuitbreaker.ExecuteWithResult(ctx, p.breaker, func(ctx context.Context) (float64, error) {
		return p.client.GetMarketPrice(ctx, symbol)
	})
}
