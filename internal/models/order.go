package models

import "time"

// Статусы ордера на бирже
const (
	OrderStatusPending         = "PENDING"
	OrderStatusOpen            = "OPEN"
	OrderStatusFilled          = "FILLED"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusExpired         = "EXPIRED"
)

// Типы ордеров сигнала
const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

// OrderSnapshot - состояние ордера, полученное в текущем цикле мониторинга.
// Не сохраняется и не кешируется между циклами.
type OrderSnapshot struct {
	OrderID       string    `json:"order_id"`
	Status        string    `json:"status"`
	Side          string    `json:"side"`
	Price         float64   `json:"price"`
	Size          float64   `json:"size"`
	FilledSize    float64   `json:"filled_size"`
	RemainingSize float64   `json:"remaining_size"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// IsFilled - FILLED или PARTIALLY_FILLED
func (o *OrderSnapshot) IsFilled() bool {
	return o != nil && (o.Status == OrderStatusFilled || o.Status == OrderStatusPartiallyFilled)
}

// IsFailed - ордер снят биржей или пользователем без исполнения
func (o *OrderSnapshot) IsFailed() bool {
	if o == nil {
		return false
	}
	switch o.Status {
	case OrderStatusCancelled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}

// IsActive - ордер еще может исполниться или быть отменен
func (o *OrderSnapshot) IsActive() bool {
	if o == nil {
		return false
	}
	switch o.Status {
	case OrderStatusPending, OrderStatusOpen, OrderStatusPartiallyFilled:
		return true
	}
	return false
}

// NormalizeOrderStatus приводит статус биржи к внутреннему набору.
// Неизвестные статусы считаются OPEN.
func NormalizeOrderStatus(status string) string {
	switch status {
	case "PENDING", "pending", "BEST_EFFORT_OPENED", "UNTRIGGERED":
		return OrderStatusPending
	case "FILLED", "filled":
		return OrderStatusFilled
	case "PARTIALLY_FILLED", "partially_filled":
		return OrderStatusPartiallyFilled
	case "CANCELED", "CANCELLED", "canceled", "cancelled", "BEST_EFFORT_CANCELED":
		return OrderStatusCancelled
	case "REJECTED", "rejected":
		return OrderStatusRejected
	case "EXPIRED", "expired":
		return OrderStatusExpired
	default:
		return OrderStatusOpen
	}
}
