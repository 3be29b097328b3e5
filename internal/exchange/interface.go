// Package exchange - клиент биржи, через который сервис исполняет сигналы
// и опрашивает статусы ордеров.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"signalbot/internal/models"
	"signalbot/pkg/errclass"
)

// ErrOrderNotFound - биржа не знает такой ордер
var ErrOrderNotFound = errors.New("order not found on exchange")

// ErrUnsupportedNetwork - для сети не настроен endpoint
var ErrUnsupportedNetwork = errors.New("unsupported network")

// ErrInvalidSigningKey - ключ не в формате "keyId:secret"
var ErrInvalidSigningKey = errors.New("invalid signing key material")

// Client - операции с биржей от имени одного пользователя.
// Клиент держит копию ключа подписи; Close обнуляет ее.
type Client interface {
	// PlaceMarketOrder размещает рыночный ордер
	PlaceMarketOrder(ctx context.Context, symbol, side string, size float64) (*OrderResult, error)

	// PlaceLimitOrder размещает лимитный ордер; timeInForce: GTT, IOC, FOK
	PlaceLimitOrder(ctx context.Context, symbol, side string, size, price float64, timeInForce string) (*OrderResult, error)

	// PlaceStopOrder размещает стоп-ордер с reduce-only
	PlaceStopOrder(ctx context.Context, symbol, side string, size, triggerPrice float64) (*OrderResult, error)

	// CancelOrder отменяет ордер; false - ордер уже не активен
	CancelOrder(ctx context.Context, orderID string) (bool, error)

	// GetOrderStatus возвращает текущее состояние ордера
	GetOrderStatus(ctx context.Context, orderID string) (*models.OrderSnapshot, error)

	// GetAccountInfo возвращает состояние счета
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)

	// GetMarketPrice возвращает mark price инструмента
	GetMarketPrice(ctx context.Context, symbol string) (float64, error)

	// Network - сеть, для которой создан клиент
	Network() string

	Close() error
}

// Factory создает клиента для сети и ключа пользователя
type Factory interface {
	NewClient(network string, signingKey []byte) (Client, error)
}

// OrderResult - ответ биржи на размещение ордера
type OrderResult struct {
	OrderID    string  `json:"order_id"`
	ClientID   string  `json:"client_id,omitempty"`
	Status     string  `json:"status"`
	Price      float64 `json:"price"`
	FilledSize float64 `json:"filled_size"`
}

// AccountInfo - состояние счета
type AccountInfo struct {
	Equity         float64 `json:"equity"`
	FreeCollateral float64 `json:"free_collateral"`
	MarginUsage    float64 `json:"margin_usage"`
	OpenOrders     int     `json:"open_orders"`
}

// ExchangeError - ошибка, которую вернула биржа
type ExchangeError struct {
	Exchange   string
	StatusCode int
	Code       string
	Message    string
	Original   error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code %s, http %d)", e.Exchange, e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s (http %d)", e.Exchange, e.Message, e.StatusCode)
}

func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// ErrorCategory - 429 и коды лимитов считаются rate_limit, остальное api
func (e *ExchangeError) ErrorCategory() errclass.Category {
	if e.StatusCode == http.StatusTooManyRequests || e.Code == "RATE_LIMIT" {
		return errclass.CategoryRateLimit
	}
	if e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity {
		return errclass.CategoryValidation
	}
	return errclass.CategoryAPI
}

// IsRejection - биржа отклонила запрос по существу (4xx кроме 429).
// Такие ошибки не говорят о недоступности биржи.
func (e *ExchangeError) IsRejection() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// IsServiceFailure - ошибка означает проблему с биржей, а не с запросом.
// Используется circuit breaker'ом.
func IsServiceFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrOrderNotFound) {
		return false
	}
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return !exErr.IsRejection()
	}
	return true
}
