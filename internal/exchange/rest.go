package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"signalbot/internal/models"
	"signalbot/pkg/ratelimit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Заголовки подписи запроса
const (
	headerAPIKey    = "X-API-KEY"
	headerTimestamp = "X-TIMESTAMP"
	headerSignature = "X-SIGNATURE"

	maxResponseBytes = 1 << 20
)

// RESTClient - HMAC-подписанный JSON REST клиент биржи одного пользователя.
//
// Подпись: hex(HMAC-SHA256(secret, timestamp + method + path + body)).
// Секрет хранится в собственном буфере клиента и обнуляется в Close.
type RESTClient struct {
	network string
	baseURL string
	keyID   string
	secret  []byte

	http    *HTTPClient
	limiter *ratelimit.EndpointLimiter
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
}

// ============ Формат запросов/ответов ============

type orderRequest struct {
	ClientID     string  `json:"client_id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Type         string  `json:"type"`
	Size         float64 `json:"size"`
	Price        float64 `json:"price,omitempty"`
	TriggerPrice float64 `json:"trigger_price,omitempty"`
	TimeInForce  string  `json:"time_in_force,omitempty"`
	ReduceOnly   bool    `json:"reduce_only,omitempty"`
}

type orderStatusResponse struct {
	OrderID       string  `json:"order_id"`
	Status        string  `json:"status"`
	Side          string  `json:"side"`
	Price         float64 `json:"price"`
	Size          float64 `json:"size"`
	FilledSize    float64 `json:"filled_size"`
	RemainingSize float64 `json:"remaining_size"`
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type priceResponse struct {
	Symbol    string  `json:"symbol"`
	MarkPrice float64 `json:"mark_price"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ============ Client ============

func (c *RESTClient) Network() string {
	return c.network
}

func (c *RESTClient) PlaceMarketOrder(ctx context.Context, symbol, side string, size float64) (*OrderResult, error) {
	return c.placeOrder(ctx, orderRequest{
		Symbol: symbol,
		Side:   side,
		Type:   "MARKET",
		Size:   size,
	})
}

func (c *RESTClient) PlaceLimitOrder(ctx context.Context, symbol, side string, size, price float64, timeInForce string) (*OrderResult, error) {
	if timeInForce == "" {
		timeInForce = "GTT"
	}
	return c.placeOrder(ctx, orderRequest{
		Symbol:      symbol,
		Side:        side,
		Type:        "LIMIT",
		Size:        size,
		Price:       price,
		TimeInForce: strings.ToUpper(timeInForce),
	})
}

func (c *RESTClient) PlaceStopOrder(ctx context.Context, symbol, side string, size, triggerPrice float64) (*OrderResult, error) {
	return c.placeOrder(ctx, orderRequest{
		Symbol:       symbol,
		Side:         side,
		Type:         "STOP_MARKET",
		Size:         size,
		TriggerPrice: triggerPrice,
		ReduceOnly:   true,
	})
}

func (c *RESTClient) placeOrder(ctx context.Context, req orderRequest) (*OrderResult, error) {
	req.ClientID = uuid.NewString()

	var result OrderResult
	if err := c.do(ctx, ratelimit.CategoryOrders, http.MethodPost, "/v1/orders", req, &result); err != nil {
		return nil, fmt.Errorf("place %s order %s %s: %w", strings.ToLower(req.Type), req.Side, req.Symbol, err)
	}
	result.ClientID = req.ClientID
	result.Status = models.NormalizeOrderStatus(result.Status)
	return &result, nil
}

func (c *RESTClient) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	var resp cancelResponse
	path := "/v1/orders/" + url.PathEscape(orderID)
	if err := c.do(ctx, ratelimit.CategoryOrders, http.MethodDelete, path, nil, &resp); err != nil {
		return false, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return resp.Cancelled, nil
}

func (c *RESTClient) GetOrderStatus(ctx context.Context, orderID string) (*models.OrderSnapshot, error) {
	var resp orderStatusResponse
	path := "/v1/orders/" + url.PathEscape(orderID)
	if err := c.do(ctx, ratelimit.CategoryReads, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}

	snap := &models.OrderSnapshot{
		OrderID:       resp.OrderID,
		Status:        models.NormalizeOrderStatus(resp.Status),
		Side:          strings.ToUpper(resp.Side),
		Price:         resp.Price,
		Size:          resp.Size,
		FilledSize:    resp.FilledSize,
		RemainingSize: resp.RemainingSize,
		FetchedAt:     c.now(),
	}
	if snap.OrderID == "" {
		snap.OrderID = orderID
	}
	return snap, nil
}

func (c *RESTClient) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	var info AccountInfo
	if err := c.do(ctx, ratelimit.CategoryReads, http.MethodGet, "/v1/account", nil, &info); err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &info, nil
}

func (c *RESTClient) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	var resp priceResponse
	path := "/v1/markets/" + url.PathEscape(symbol) + "/price"
	if err := c.do(ctx, ratelimit.CategoryReads, http.MethodGet, path, nil, &resp); err != nil {
		return 0, fmt.Errorf("get price %s: %w", symbol, err)
	}
	return resp.MarkPrice, nil
}

// Close обнуляет копию секрета. Повторный вызов безопасен.
func (c *RESTClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.secret {
		c.secret[i] = 0
	}
	c.secret = nil
	c.closed = true
	return nil
}

// ============ Транспорт ============

// sign вызывается под RLock
func (c *RESTClient) sign(timestamp, method, path string, body []byte) string {
	h := hmac.New(sha256.New, c.secret)
	h.Write([]byte(timestamp))
	h.Write([]byte(method))
	h.Write([]byte(path))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// do выполняет подписанный запрос и декодирует успешный ответ в out
func (c *RESTClient) do(ctx context.Context, category, method, path string, payload, out interface{}) error {
	if err := c.limiter.Wait(ctx, category); err != nil {
		return err
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return fmt.Errorf("%s: client closed", c.exchangeName())
	}
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	req.Header.Set(headerAPIKey, c.keyID)
	req.Header.Set(headerTimestamp, timestamp)
	req.Header.Set(headerSignature, c.sign(timestamp, method, path, body))
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.decodeError(resp.StatusCode, respBody)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *RESTClient) decodeError(status int, body []byte) error {
	var er errorResponse
	_ = json.Unmarshal(body, &er)
	if er.Message == "" {
		er.Message = http.StatusText(status)
	}

	exErr := &ExchangeError{
		Exchange:   c.exchangeName(),
		StatusCode: status,
		Code:       er.Code,
		Message:    er.Message,
	}
	if status == http.StatusNotFound {
		exErr.Original = ErrOrderNotFound
	}
	return exErr
}

func (c *RESTClient) exchangeName() string {
	return "exchange:" + c.network
}
