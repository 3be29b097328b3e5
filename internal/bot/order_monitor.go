package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"signalbot/internal/exchange"
	"signalbot/internal/models"
	"signalbot/pkg/circuitbreaker"
	"signalbot/pkg/errclass"
	"signalbot/pkg/utils"
)

// sharedCallTimeout - предел общего запроса, не зависящий от вызывающих
const sharedCallTimeout = 30 * time.Second

// PositionOrders - снимок ордеров позиции и mark price на текущем цикле
type PositionOrders struct {
	Position  *models.Position
	Entry     *models.OrderSnapshot
	TP        *models.OrderSnapshot
	SL        *models.OrderSnapshot
	MarkPrice float64
}

// Snapshot - снимок ордера по id, nil если ордер не запрашивался
func (o *PositionOrders) Snapshot(orderID string) *models.OrderSnapshot {
	if o == nil || orderID == "" {
		return nil
	}
	for _, s := range []*models.OrderSnapshot{o.Entry, o.TP, o.SL} {
		if s != nil && s.OrderID == orderID {
			return s
		}
	}
	return nil
}

// ExchangeOrderMonitor запрашивает состояния ордеров для одной группы
// пользователя в рамках одного цикла.
//
// Одинаковые запросы (один ордер в нескольких позициях, один символ)
// объединяются через singleflight, результаты живут до конца цикла.
type ExchangeOrderMonitor struct {
	client      exchange.Client
	breaker     *circuitbreaker.Breaker
	logger      *zap.Logger
	callTimeout time.Duration

	group  singleflight.Group
	mu     sync.Mutex
	orders map[string]*models.OrderSnapshot
	prices map[string]float64
}

// NewExchangeOrderMonitor создает монитор на один цикл; breaker может быть nil
func NewExchangeOrderMonitor(client exchange.Client, breaker *circuitbreaker.Breaker, logger *zap.Logger) *ExchangeOrderMonitor {
	if logger == nil {
		logger = utils.L().Logger
	}
	return &ExchangeOrderMonitor{
		client:      client,
		breaker:     breaker,
		logger:      logger,
		callTimeout: sharedCallTimeout,
		orders:      make(map[string]*models.OrderSnapshot),
		prices:      make(map[string]float64),
	}
}

// Fetch собирает ордера позиции.
// Ошибка входного ордера прерывает Fetch; отсутствующие TP/SL считаются nil;
// недоступная mark price оставляет MarkPrice = 0.
func (m *ExchangeOrderMonitor) Fetch(ctx context.Context, pos *models.Position) (*PositionOrders, error) {
	out := &PositionOrders{Position: pos}

	if pos.EntryOrderID != "" {
		entry, err := m.OrderStatus(ctx, pos.EntryOrderID)
		if err != nil {
			return nil, fmt.Errorf("entry order %s: %w", pos.EntryOrderID, err)
		}
		out.Entry = entry
	}

	var err error
	if out.TP, err = m.exitOrder(ctx, pos.TPOrderID); err != nil {
		return nil, fmt.Errorf("take profit order %s: %w", pos.TPOrderID, err)
	}
	if out.SL, err = m.exitOrder(ctx, pos.SLOrderID); err != nil {
		return nil, fmt.Errorf("stop loss order %s: %w", pos.SLOrderID, err)
	}

	price, err := m.MarkPrice(ctx, pos.Symbol)
	if err != nil {
		m.logger.Debug("mark price unavailable",
			utils.PositionID(pos.ID), utils.Symbol(pos.Symbol), utils.Err(err))
	} else {
		out.MarkPrice = price
	}

	return out, nil
}

func (m *ExchangeOrderMonitor) exitOrder(ctx context.Context, orderID string) (*models.OrderSnapshot, error) {
	if orderID == "" {
		return nil, nil
	}
	snap, err := m.OrderStatus(ctx, orderID)
	if errors.Is(err, exchange.ErrOrderNotFound) {
		m.logger.Warn("exit order not found on exchange", utils.OrderID(orderID))
		return nil, nil
	}
	return snap, err
}

// OrderStatus - состояние ордера, не более одного запроса на id за цикл
func (m *ExchangeOrderMonitor) OrderStatus(ctx context.Context, orderID string) (*models.OrderSnapshot, error) {
	m.mu.Lock()
	if snap, ok := m.orders[orderID]; ok {
		m.mu.Unlock()
		return snap, nil
	}
	m.mu.Unlock()

	v, err := m.shared(ctx, "order:"+orderID, func(ctx context.Context) (interface{}, error) {
		m.mu.Lock()
		cached, ok := m.orders[orderID]
		m.mu.Unlock()
		if ok {
			return cached, nil
		}

		snap, err := m.call(ctx, func(ctx context.Context) (interface{}, error) {
			return m.client.GetOrderStatus(ctx, orderID)
		})
		if err != nil {
			return nil, err
		}
		s := snap.(*models.OrderSnapshot)
		m.mu.Lock()
		m.orders[orderID] = s
		m.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.OrderSnapshot), nil
}

// MarkPrice - mark price символа, не более одного запроса на символ за цикл
func (m *ExchangeOrderMonitor) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	if p, ok := m.prices[symbol]; ok {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	v, err := m.shared(ctx, "price:"+symbol, func(ctx context.Context) (interface{}, error) {
		m.mu.Lock()
		cached, ok := m.prices[symbol]
		m.mu.Unlock()
		if ok {
			return cached, nil
		}

		p, err := m.call(ctx, func(ctx context.Context) (interface{}, error) {
			return m.client.GetMarketPrice(ctx, symbol)
		})
		if err != nil {
			return nil, err
		}
		price := p.(float64)
		m.mu.Lock()
		m.prices[symbol] = price
		m.mu.Unlock()
		return price, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// shared объединяет одинаковые запросы. Общий запрос идет на контексте без
// дедлайна первого вызывающего, каждый вызывающий ждет не дольше своего ctx
func (m *ExchangeOrderMonitor) shared(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	ch := m.group.DoChan(key, func() (v interface{}, err error) {
		// DoChan выполняет fn в своей горутине: паника не дошла бы до recover пакета
		defer func() {
			if r := recover(); r != nil {
				err = &errclass.PanicError{Value: r}
			}
		}()
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.callTimeout)
		defer cancel()
		return fn(callCtx)
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ExchangeOrderMonitor) call(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if m.breaker == nil {
		return fn(ctx)
	}
	return circuitbreaker.ExecuteWithResult(ctx, m.breaker, fn)
}
