package service

import (
	stdjson "encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"signalbot/internal/models"
	"signalbot/pkg/errclass"
)

// ValidationError - тело сигнала не прошло проверку формы.
// Сообщение безопасно возвращать вызывающему.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) ErrorCategory() errclass.Category {
	return errclass.CategoryValidation
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidateSignalPayload проверяет форму сигнала и нормализует его.
//
// Допустимые формы:
//
//	{"symbol": "BTC-USD", "side": "buy", "size": 0.01, "price": 50000}
//	{"signal": {"symbol": "BTC-USD", "side": "long", "size": "0.01"}}
//	{"signal": "buy BTC-USD 0.01"}
func ValidateSignalPayload(body map[string]interface{}) (*models.Signal, error) {
	src := body

	if raw, ok := body["signal"]; ok && raw != nil {
		switch v := raw.(type) {
		case map[string]interface{}:
			src = v
		case string:
			return parseSignalString(v)
		default:
			return nil, invalid("signal", "signal must be an object or a string")
		}
	}

	symbol, _ := src["symbol"].(string)
	rawSide, _ := src["side"].(string)
	if strings.TrimSpace(symbol) == "" || strings.TrimSpace(rawSide) == "" {
		return nil, invalid("symbol", "signal requires symbol and side")
	}

	side, ok := normalizeSide(rawSide)
	if !ok {
		return nil, invalid("side", "invalid side %q: expected buy or sell", rawSide)
	}

	sig := &models.Signal{
		Symbol: strings.ToUpper(strings.TrimSpace(symbol)),
		Side:   side,
	}

	numeric := []struct {
		field string
		dst   *float64
	}{
		{"size", &sig.Size},
		{"price", &sig.Price},
		{"take_profit", &sig.TakeProfit},
		{"stop_loss", &sig.StopLoss},
	}
	for _, n := range numeric {
		v, present, err := positiveNumber(src, n.field)
		if err != nil {
			return nil, err
		}
		if present {
			*n.dst = v
		}
	}

	if ot, ok := src["order_type"].(string); ok {
		sig.OrderType = strings.ToLower(strings.TrimSpace(ot))
		if sig.OrderType != "" && sig.OrderType != models.OrderTypeMarket && sig.OrderType != models.OrderTypeLimit {
			return nil, invalid("order_type", "invalid order_type %q", ot)
		}
	}
	if tif, ok := src["time_in_force"].(string); ok {
		sig.TimeInForce = strings.ToUpper(strings.TrimSpace(tif))
	}

	return sig, nil
}

// parseSignalString разбирает "<side> <symbol> [size]"
func parseSignalString(s string) (*models.Signal, error) {
	parts := strings.Fields(s)
	if len(parts) < 2 || len(parts) > 3 {
		return nil, invalid("signal", "signal string must be \"<side> <symbol> [size]\"")
	}

	side, ok := normalizeSide(parts[0])
	if !ok {
		return nil, invalid("side", "invalid side %q: expected buy or sell", parts[0])
	}

	sig := &models.Signal{Symbol: strings.ToUpper(parts[1]), Side: side}
	if len(parts) == 3 {
		size, err := strconv.ParseFloat(parts[2], 64)
		if err != nil || !isPositiveFinite(size) {
			return nil, invalid("size", "size must be a positive number")
		}
		sig.Size = size
	}
	return sig, nil
}

func normalizeSide(side string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(side)) {
	case "buy", "long":
		return models.SideBuy, true
	case "sell", "short":
		return models.SideSell, true
	}
	return "", false
}

// positiveNumber читает необязательное числовое поле.
// Числа в строках принимаются, отсутствующее или null поле - не ошибка.
// json.Number приходит из декодера с UseNumber.
func positiveNumber(src map[string]interface{}, field string) (float64, bool, error) {
	raw, ok := src[field]
	if !ok || raw == nil {
		return 0, false, nil
	}

	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case stdjson.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, true, invalid(field, "%s must be a positive number", field)
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, true, invalid(field, "%s must be a positive number", field)
		}
		v = f
	default:
		return 0, true, invalid(field, "%s must be a positive number", field)
	}

	if !isPositiveFinite(v) {
		return 0, true, invalid(field, "%s must be a positive number", field)
	}
	return v, true, nil
}

// isPositiveFinite отсекает NaN и Inf: ParseFloat принимает их без ошибки
func isPositiveFinite(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
