package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signalbot/internal/exchange"
	"signalbot/internal/models"
	"signalbot/internal/repository"
	"signalbot/internal/service"
	"signalbot/pkg/circuitbreaker"
	"signalbot/pkg/utils"
)

var (
	// ErrClosurePersistFailed - отмены и закрывающий ордер выполнены, запись в БД нет
	ErrClosurePersistFailed = errors.New("closure not persisted, reconciliation required")

	// ErrInvalidClosure - запрос на закрытие не прошел проверку
	ErrInvalidClosure = errors.New("invalid closure request")
)

// ClosureRequest - параметры закрытия позиции
type ClosureRequest struct {
	Reason     string  `json:"reason"`
	ClosePrice float64 `json:"price"`
	CloseSize  float64 `json:"size"`
	Message    string  `json:"message,omitempty"`

	// Orders - снимок ордеров цикла; терминальные ордера не отменяются
	Orders *PositionOrders `json:"-"`
	// Credentials - для доставки уведомления; nil - только журнал
	Credentials *service.CredentialSet `json:"-"`
}

// RequestFromDecision - запрос на закрытие по решению PositionStateManager
func RequestFromDecision(d Decision, orders *PositionOrders, creds *service.CredentialSet) ClosureRequest {
	return ClosureRequest{
		Reason:      d.Reason,
		ClosePrice:  d.ClosePrice,
		CloseSize:   d.CloseSize,
		Message:     d.Message,
		Orders:      orders,
		Credentials: creds,
	}
}

// CancelOutcome - результат отмены одного связанного ордера
type CancelOutcome struct {
	OrderID   string `json:"order_id"`
	Role      string `json:"role"` // entry, take_profit, stop_loss
	Cancelled bool   `json:"cancelled"`
	Skipped   bool   `json:"skipped,omitempty"` // уже терминальный
	Error     string `json:"error,omitempty"`
}

// ClosureResult - итог закрытия
type ClosureResult struct {
	PositionID     int64           `json:"position_id"`
	Status         string          `json:"status"`
	Reason         string          `json:"reason"`
	ClosePrice     float64         `json:"close_price"`
	CloseSize      float64         `json:"close_size"`
	RealizedPNL    float64         `json:"realized_pnl"`
	FlattenOrderID string          `json:"flatten_order_id,omitempty"`
	Cancellations  []CancelOutcome `json:"cancellations,omitempty"`
	ClosedAt       time.Time       `json:"closed_at"`
	Preview        bool            `json:"preview,omitempty"`
}

// ClosureJob - элемент пакетного закрытия
type ClosureJob struct {
	Position *models.Position
	Request  ClosureRequest
}

// ClosureDeps - зависимости оркестратора закрытия
type ClosureDeps struct {
	Positions     service.PositionRepositoryInterface
	Users         service.UserRepositoryInterface
	Credentials   *service.CredentialManager
	Factory       exchange.Factory
	Breakers      *circuitbreaker.Registry
	Notifications service.NotificationServiceInterface
	Hub           service.WebSocketBroadcaster
	Alerts        service.AlertRaiser
	Batch         BatchConfig
	Logger        *zap.Logger
}

// PositionClosureOrchestrator закрывает позицию:
// validate -> flatten -> cancel -> persist -> pnl -> notify.
//
// Закрывающий ордер и отмены на бирже не откатываются, поэтому
// отказ записи поднимает уведомление о сверке.
type PositionClosureOrchestrator struct {
	positions     service.PositionRepositoryInterface
	users         service.UserRepositoryInterface
	credentials   *service.CredentialManager
	factory       exchange.Factory
	breakers      *circuitbreaker.Registry
	notifications service.NotificationServiceInterface
	hub           service.WebSocketBroadcaster
	alerts        service.AlertRaiser
	batch         *BatchProcessor
	logger        *zap.Logger
	now           func() time.Time
}

func NewPositionClosureOrchestrator(d ClosureDeps) *PositionClosureOrchestrator {
	logger := d.Logger
	if logger == nil {
		logger = utils.L().Logger
	}

	// закрытие на бирже не идемпотентно: без повторов
	batchCfg := d.Batch
	batchCfg.MaxRetries = 0

	breakers := d.Breakers
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), logger)
	}

	return &PositionClosureOrchestrator{
		positions:     d.Positions,
		users:         d.Users,
		credentials:   d.Credentials,
		factory:       d.Factory,
		breakers:      breakers,
		notifications: d.Notifications,
		hub:           d.Hub,
		alerts:        d.Alerts,
		batch:         NewBatchProcessor("closure", batchCfg, logger),
		logger:        logger.With(utils.Component("closure")),
		now:           time.Now,
	}
}

// SetWebSocketHub устанавливает hub после создания (hub создается позже)
func (o *PositionClosureOrchestrator) SetWebSocketHub(hub service.WebSocketBroadcaster) {
	o.hub = hub
}

// Close выполняет закрытие позиции через client
func (o *PositionClosureOrchestrator) Close(ctx context.Context, client exchange.Client, pos *models.Position, req ClosureRequest) (*ClosureResult, error) {
	log := o.logger.With(utils.PositionID(pos.ID), utils.UserID(pos.UserID),
		utils.Symbol(pos.Symbol), utils.Reason(req.Reason))

	// 1. Validate
	if err := validateClosure(pos, req); err != nil {
		RecordClosure(req.Reason, false, 0)
		return nil, err
	}

	res := &ClosureResult{
		PositionID: pos.ID,
		Status:     closedStatus(req.Reason),
		Reason:     req.Reason,
		ClosePrice: req.ClosePrice,
		CloseSize:  req.CloseSize,
	}

	breaker := o.breakerFor(client)
	orders := req.Orders

	// 2. Flatten; закрывать можно только исполненный (полностью или частично) вход
	if needsFlatten(req.Reason) {
		entry, err := o.entryState(ctx, client, breaker, pos, orders)
		if err != nil {
			log.Error("entry order state unknown, position stays open", utils.OrderID(pos.EntryOrderID), utils.Err(err))
			RecordClosure(req.Reason, false, 0)
			return nil, fmt.Errorf("check entry order of position %d: %w", pos.ID, err)
		}
		orders = withEntry(orders, entry)

		switch {
		case entry != nil && !entry.IsFilled():
			// биржевой позиции нет: снимаем ордера без закрывающей сделки
			log.Warn("entry order not filled, cancelling instead of flatten",
				utils.OrderID(entry.OrderID), zap.String("status", entry.Status))
			res.Status = models.PositionStatusCancelled
			res.ClosePrice = 0
			res.CloseSize = 0
			if req.Message == "" {
				req.Message = fmt.Sprintf("Cancelled %s %s (%s): entry order %s not filled",
					pos.Direction(), pos.Symbol, req.Reason, entry.OrderID)
			}
		default:
			size := req.CloseSize
			if entry != nil && entry.FilledSize > 0 && entry.FilledSize < size {
				size = entry.FilledSize
			}
			order, err := circuitbreaker.ExecuteWithResult(ctx, breaker, func(ctx context.Context) (*exchange.OrderResult, error) {
				return client.PlaceMarketOrder(ctx, pos.Symbol, pos.ExitSide(), size)
			})
			if err != nil {
				log.Error("flatten order failed, position stays open", utils.Size(size), utils.Err(err))
				RecordClosure(req.Reason, false, 0)
				return nil, fmt.Errorf("flatten position %d: %w", pos.ID, err)
			}
			res.FlattenOrderID = order.OrderID
			res.CloseSize = size
			if order.Price > 0 {
				res.ClosePrice = order.Price
			}
			if order.FilledSize > 0 {
				res.CloseSize = order.FilledSize
			}
			if res.ClosePrice <= 0 {
				// ни fill, ни mark price: PNL считается от цены входа
				log.Warn("flatten fill price unknown", utils.OrderID(order.OrderID))
				res.ClosePrice = pos.EntryPrice
			}
		}
	}

	// 3. Cancel remaining orders
	res.Cancellations = o.cancelRemaining(ctx, client, breaker, pos, orders, triggerOrderID(pos, req.Reason), log)

	// 5. PNL (нужен для записи)
	if res.Status == models.PositionStatusClosed {
		res.RealizedPNL = realizedPNL(pos, req.Reason, res.ClosePrice, res.CloseSize)
	}
	res.ClosedAt = o.now()

	// 4. Persist
	rec := repository.ClosureRecord{
		Status:          res.Status,
		Reason:          req.Reason,
		ClosePrice:      res.ClosePrice,
		CloseSize:       res.CloseSize,
		RealizedPNL:     res.RealizedPNL,
		ClosedAt:        res.ClosedAt,
		CancelledOrders: cancelledIDs(res.Cancellations),
	}
	if err := o.positions.Close(ctx, pos.ID, rec); err != nil {
		o.raiseReconciliation(ctx, pos, req, res, err, log)
		RecordClosure(req.Reason, false, 0)
		return res, fmt.Errorf("%w: position %d: %w", ErrClosurePersistFailed, pos.ID, err)
	}

	applyClosure(pos, res)
	RecordClosure(req.Reason, true, res.RealizedPNL)

	// 6. Notify
	o.notifyClosed(ctx, pos, req, res, log)
	if o.hub != nil {
		o.hub.BroadcastPositionUpdate(pos)
	}

	log.Info("position closed",
		utils.Price(res.ClosePrice), utils.Size(res.CloseSize), utils.PNL(res.RealizedPNL),
		zap.Int("cancelled_orders", len(rec.CancelledOrders)))
	return res, nil
}

// Preview - validate и PNL без обращения к бирже и БД
func (o *PositionClosureOrchestrator) Preview(pos *models.Position, req ClosureRequest) (*ClosureResult, error) {
	if err := validateClosure(pos, req); err != nil {
		return nil, err
	}
	if req.Reason != models.CloseReasonEntryFailed && req.ClosePrice <= 0 {
		return nil, fmt.Errorf("%w: close price must be positive", ErrInvalidClosure)
	}
	return &ClosureResult{
		PositionID:  pos.ID,
		Status:      closedStatus(req.Reason),
		Reason:      req.Reason,
		ClosePrice:  req.ClosePrice,
		CloseSize:   req.CloseSize,
		RealizedPNL: realizedPNL(pos, req.Reason, req.ClosePrice, req.CloseSize),
		ClosedAt:    o.now(),
		Preview:     true,
	}, nil
}

// CloseMany закрывает позиции одного клиента с ограниченным параллелизмом.
// Результаты в порядке jobs.
func (o *PositionClosureOrchestrator) CloseMany(ctx context.Context, client exchange.Client, jobs []ClosureJob) []ItemResult[*ClosureResult] {
	items := make([]Item[ClosureJob], len(jobs))
	for i, j := range jobs {
		items[i] = Item[ClosureJob]{ID: strconv.FormatInt(j.Position.ID, 10), Value: j}
	}
	return Run(ctx, o.batch, items, func(ctx context.Context, j ClosureJob) (*ClosureResult, error) {
		return o.Close(ctx, client, j.Position, j.Request)
	})
}

// ============ Ручное закрытие (ops API) ============

// ManualClosure - закрытие по id позиции
type ManualClosure struct {
	PositionID int64
	Request    ClosureRequest
}

// PreviewByID загружает позицию и считает PNL; пустые поля запроса
// заполняются: reason manual, size - размер позиции
func (o *PositionClosureOrchestrator) PreviewByID(ctx context.Context, positionID int64, req ClosureRequest) (*ClosureResult, error) {
	pos, err := o.positions.GetByID(ctx, positionID)
	if err != nil {
		return nil, err
	}
	return o.Preview(pos, withManualDefaults(pos, req))
}

// CloseByID закрывает позицию от имени оператора: загружает пользователя,
// расшифровывает credentials и создает клиента биржи на одну операцию
func (o *PositionClosureOrchestrator) CloseByID(ctx context.Context, positionID int64, req ClosureRequest) (*ClosureResult, error) {
	pos, err := o.positions.GetByID(ctx, positionID)
	if err != nil {
		return nil, err
	}
	req = withManualDefaults(pos, req)
	if err := validateClosure(pos, req); err != nil {
		return nil, err
	}

	user, err := o.users.GetByID(ctx, pos.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", pos.UserID, err)
	}
	creds, err := o.credentials.Resolve(ctx, user)
	if err != nil {
		return nil, err
	}
	defer creds.Wipe()

	client, err := o.factory.NewClient(creds.Network, creds.ExchangeKey)
	if err != nil {
		return nil, fmt.Errorf("create exchange client: %w", err)
	}
	defer client.Close()

	req.Credentials = creds
	return o.Close(ctx, client, pos, req)
}

// CloseManyByID - пакетное ручное закрытие; результаты в порядке входа
func (o *PositionClosureOrchestrator) CloseManyByID(ctx context.Context, closures []ManualClosure) []ItemResult[*ClosureResult] {
	items := make([]Item[ManualClosure], len(closures))
	for i, c := range closures {
		items[i] = Item[ManualClosure]{ID: strconv.FormatInt(c.PositionID, 10), Value: c}
	}
	return Run(ctx, o.batch, items, func(ctx context.Context, c ManualClosure) (*ClosureResult, error) {
		return o.CloseByID(ctx, c.PositionID, c.Request)
	})
}

func withManualDefaults(pos *models.Position, req ClosureRequest) ClosureRequest {
	if req.Reason == "" {
		req.Reason = models.CloseReasonManual
	}
	if req.CloseSize == 0 {
		req.CloseSize = pos.Size
	}
	return req
}

// ============ Шаги ============

func validateClosure(pos *models.Position, req ClosureRequest) error {
	if pos == nil {
		return fmt.Errorf("%w: position is nil", ErrInvalidClosure)
	}
	if !pos.IsOpen() {
		return fmt.Errorf("%w: position %d is %s", repository.ErrPositionNotOpen, pos.ID, pos.Status)
	}
	if !knownReason(req.Reason) {
		return fmt.Errorf("%w: unknown reason %q", ErrInvalidClosure, req.Reason)
	}
	if req.Reason == models.CloseReasonEntryFailed {
		return nil
	}
	// для flatten цена берется из исполнения; mark price может быть недоступна
	if !needsFlatten(req.Reason) && req.ClosePrice <= 0 {
		return fmt.Errorf("%w: close price must be positive", ErrInvalidClosure)
	}
	if req.CloseSize <= 0 {
		return fmt.Errorf("%w: close size must be positive", ErrInvalidClosure)
	}
	return nil
}

func knownReason(reason string) bool {
	switch reason {
	case models.CloseReasonTakeProfit, models.CloseReasonStopLoss, models.CloseReasonEntryFailed,
		models.CloseReasonTimeLimit, models.CloseReasonEmergency, models.CloseReasonManual:
		return true
	}
	return false
}

// needsFlatten - причины, при которых биржевая позиция еще открыта
func needsFlatten(reason string) bool {
	switch reason {
	case models.CloseReasonTimeLimit, models.CloseReasonEmergency, models.CloseReasonManual:
		return true
	}
	return false
}

func closedStatus(reason string) string {
	if reason == models.CloseReasonEntryFailed {
		return models.PositionStatusCancelled
	}
	return models.PositionStatusClosed
}

// realizedPNL = (close - entry) * size, с обратным знаком для SELL
func realizedPNL(pos *models.Position, reason string, closePrice, closeSize float64) float64 {
	if reason == models.CloseReasonEntryFailed {
		return 0
	}
	pnl := decimal.NewFromFloat(closePrice).
		Sub(decimal.NewFromFloat(pos.EntryPrice)).
		Mul(decimal.NewFromFloat(closeSize))
	if !pos.IsLong() {
		pnl = pnl.Neg()
	}
	return pnl.Round(8).InexactFloat64()
}

// triggerOrderID - ордер, исполнение которого вызвало закрытие
func triggerOrderID(pos *models.Position, reason string) string {
	switch reason {
	case models.CloseReasonTakeProfit:
		return pos.TPOrderID
	case models.CloseReasonStopLoss:
		return pos.SLOrderID
	case models.CloseReasonEntryFailed:
		return pos.EntryOrderID
	}
	return ""
}

// entryState - снимок входного ордера: из ордеров цикла или запросом к бирже.
// nil - у позиции нет входного ордера
func (o *PositionClosureOrchestrator) entryState(ctx context.Context, client exchange.Client, breaker *circuitbreaker.Breaker, pos *models.Position, orders *PositionOrders) (*models.OrderSnapshot, error) {
	if pos.EntryOrderID == "" {
		return nil, nil
	}
	if snap := orders.Snapshot(pos.EntryOrderID); snap != nil {
		return snap, nil
	}
	return circuitbreaker.ExecuteWithResult(ctx, breaker, func(ctx context.Context) (*models.OrderSnapshot, error) {
		return client.GetOrderStatus(ctx, pos.EntryOrderID)
	})
}

func withEntry(orders *PositionOrders, entry *models.OrderSnapshot) *PositionOrders {
	if entry == nil {
		return orders
	}
	var out PositionOrders
	if orders != nil {
		out = *orders
	}
	out.Entry = entry
	return &out
}

func (o *PositionClosureOrchestrator) cancelRemaining(ctx context.Context, client exchange.Client, breaker *circuitbreaker.Breaker, pos *models.Position, orders *PositionOrders, trigger string, log *zap.Logger) []CancelOutcome {
	roles := []struct {
		role string
		id   string
	}{
		{"entry", pos.EntryOrderID},
		{"take_profit", pos.TPOrderID},
		{"stop_loss", pos.SLOrderID},
	}

	var out []CancelOutcome
	for _, r := range roles {
		if r.id == "" || r.id == trigger {
			continue
		}
		outcome := CancelOutcome{OrderID: r.id, Role: r.role}

		if snap := orders.Snapshot(r.id); snap != nil && !snap.IsActive() {
			outcome.Skipped = true
			out = append(out, outcome)
			continue
		}

		ok, err := circuitbreaker.ExecuteWithResult(ctx, breaker, func(ctx context.Context) (bool, error) {
			return client.CancelOrder(ctx, r.id)
		})
		switch {
		case errors.Is(err, exchange.ErrOrderNotFound):
			outcome.Skipped = true
		case err != nil:
			outcome.Error = err.Error()
			log.Warn("cancel order failed", utils.OrderID(r.id), zap.String("role", r.role), utils.Err(err))
		default:
			outcome.Cancelled = ok
		}
		out = append(out, outcome)
	}
	return out
}

func cancelledIDs(outcomes []CancelOutcome) []string {
	ids := make([]string, 0, len(outcomes))
	for _, c := range outcomes {
		if c.Cancelled {
			ids = append(ids, c.OrderID)
		}
	}
	return ids
}

func applyClosure(pos *models.Position, res *ClosureResult) {
	closedAt := res.ClosedAt
	price, size, pnl := res.ClosePrice, res.CloseSize, res.RealizedPNL
	pos.Status = res.Status
	pos.CloseReason = res.Reason
	pos.ClosedAt = &closedAt
	pos.ClosePrice = &price
	pos.CloseSize = &size
	pos.RealizedPNL = &pnl
	pos.UpdatedAt = closedAt
}

func (o *PositionClosureOrchestrator) breakerFor(client exchange.Client) *circuitbreaker.Breaker {
	return o.breakers.Get(service.BreakerName(client.Network()))
}

func (o *PositionClosureOrchestrator) notifyClosed(ctx context.Context, pos *models.Position, req ClosureRequest, res *ClosureResult, log *zap.Logger) {
	if o.notifications == nil {
		return
	}

	severity := models.SeverityInfo
	switch req.Reason {
	case models.CloseReasonStopLoss, models.CloseReasonEntryFailed, models.CloseReasonEmergency:
		severity = models.SeverityWarn
	}

	msg := req.Message
	if msg == "" {
		msg = fmt.Sprintf("Closed %s %s (%s)", pos.Direction(), pos.Symbol, req.Reason)
	}
	if res.Status == models.PositionStatusClosed {
		msg = fmt.Sprintf("%s. %s %g %s closed at %g, PNL %s",
			msg, pos.Direction(), res.CloseSize, pos.Symbol, res.ClosePrice,
			decimal.NewFromFloat(res.RealizedPNL).StringFixed(2))
	}

	n := service.NewNotification(models.NotificationTypeForReason(req.Reason), severity, pos.UserID, pos.ID, msg,
		map[string]interface{}{
			"reason":       req.Reason,
			"close_price":  res.ClosePrice,
			"close_size":   res.CloseSize,
			"realized_pnl": res.RealizedPNL,
		})
	if err := o.notifications.Notify(ctx, req.Credentials, n); err != nil {
		log.Warn("close notification failed", utils.Err(err))
	}
}

func (o *PositionClosureOrchestrator) raiseReconciliation(ctx context.Context, pos *models.Position, req ClosureRequest, res *ClosureResult, cause error, log *zap.Logger) {
	log.Error("closure persistence failed after exchange actions",
		zap.String("flatten_order_id", res.FlattenOrderID),
		zap.Strings("cancelled_orders", cancelledIDs(res.Cancellations)),
		utils.Severity("critical"), utils.Err(cause))

	msg := fmt.Sprintf("Reconciliation required: position %d (%s %s) closed on exchange but not saved: %s",
		pos.ID, pos.Direction(), pos.Symbol, req.Reason)

	if o.notifications != nil {
		n := service.NewNotification(models.NotificationTypeReconciliation, models.SeverityError, pos.UserID, pos.ID, msg,
			map[string]interface{}{
				"reason":           req.Reason,
				"flatten_order_id": res.FlattenOrderID,
				"cancelled_orders": cancelledIDs(res.Cancellations),
				"close_price":      res.ClosePrice,
				"close_size":       res.CloseSize,
			})
		if err := o.notifications.Notify(ctx, req.Credentials, n); err != nil {
			log.Warn("reconciliation notification failed", utils.Err(err))
		}
	}
	if o.alerts != nil {
		o.alerts.RaiseAlert(service.AlertReconciliation, "critical", msg)
	}
}
