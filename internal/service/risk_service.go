package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"signalbot/internal/models"
	"signalbot/pkg/errclass"
)

// symbolPattern - формат инструмента BASE-QUOTE
var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,15}-[A-Z]{2,10}$`)

// RiskLimits - лимиты по умолчанию, если у пользователя не заданы свои
type RiskLimits struct {
	MaxOpenPositions int
	MaxNotional      float64
}

// RiskRejection - сигнал отклонен проверкой рисков. Не ретраится.
type RiskRejection struct {
	Check   string
	Message string
}

func (e *RiskRejection) Error() string {
	return fmt.Sprintf("risk check %s: %s", e.Check, e.Message)
}

func (e *RiskRejection) ErrorCategory() errclass.Category {
	return errclass.CategoryValidation
}

// PriceSource - mark price для оценки notional рыночного ордера
type PriceSource interface {
	GetMarketPrice(ctx context.Context, symbol string) (float64, error)
}

// RiskManager нормализует сигнал и проверяет лимиты перед исполнением.
type RiskManager struct {
	positions PositionRepositoryInterface
	limits    RiskLimits
}

func NewRiskManager(positions PositionRepositoryInterface, limits RiskLimits) *RiskManager {
	return &RiskManager{positions: positions, limits: limits}
}

// Normalize заполняет значения по умолчанию: тип ордера market
// (limit при наличии цены), сторона в верхнем регистре, TIF GTT.
func Normalize(sig *models.Signal) *models.Signal {
	out := *sig
	out.Symbol = strings.ToUpper(strings.TrimSpace(out.Symbol))
	out.Side = strings.ToUpper(strings.TrimSpace(out.Side))
	if out.OrderType == "" {
		out.OrderType = models.OrderTypeMarket
		if out.Price > 0 {
			out.OrderType = models.OrderTypeLimit
		}
	}
	if out.TimeInForce == "" {
		out.TimeInForce = "GTT"
	}
	return &out
}

// Evaluate возвращает нормализованный сигнал или *RiskRejection.
// prices используется только для рыночных ордеров и может быть nil.
func (r *RiskManager) Evaluate(ctx context.Context, user *models.User, sig *models.Signal, prices PriceSource) (*models.Signal, error) {
	s := Normalize(sig)

	if !symbolPattern.MatchString(s.Symbol) {
		return nil, &RiskRejection{Check: "symbol", Message: fmt.Sprintf("invalid symbol %q: expected BASE-QUOTE", s.Symbol)}
	}
	if s.Side != models.SideBuy && s.Side != models.SideSell {
		return nil, &RiskRejection{Check: "side", Message: fmt.Sprintf("invalid side %q", s.Side)}
	}
	if s.Size <= 0 {
		return nil, &RiskRejection{Check: "size", Message: "size must be positive"}
	}
	if s.IsLimit() && s.Price <= 0 {
		return nil, &RiskRejection{Check: "price", Message: "limit order requires a positive price"}
	}
	if err := checkProtectiveLevels(s); err != nil {
		return nil, err
	}

	maxOpen := r.limits.MaxOpenPositions
	if user.MaxOpenPositions > 0 {
		maxOpen = user.MaxOpenPositions
	}
	if maxOpen > 0 {
		open, err := r.positions.CountOpenByUser(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("count open positions: %w", err)
		}
		if open >= maxOpen {
			return nil, &RiskRejection{Check: "max_open_positions", Message: fmt.Sprintf("%d open positions, limit %d", open, maxOpen)}
		}
	}

	maxNotional := r.limits.MaxNotional
	if user.MaxNotional > 0 {
		maxNotional = user.MaxNotional
	}
	if maxNotional > 0 {
		price := s.Price
		if price <= 0 && prices != nil {
			p, err := prices.GetMarketPrice(ctx, s.Symbol)
			if err != nil {
				return nil, fmt.Errorf("get mark price for notional check: %w", err)
			}
			price = p
		}
		if price > 0 {
			notional := decimal.NewFromFloat(s.Size).Mul(decimal.NewFromFloat(price))
			if notional.GreaterThan(decimal.NewFromFloat(maxNotional)) {
				return nil, &RiskRejection{
					Check:   "max_notional",
					Message: fmt.Sprintf("notional %s exceeds limit %s", notional.StringFixed(2), decimal.NewFromFloat(maxNotional).StringFixed(2)),
				}
			}
		}
	}

	return s, nil
}

// checkProtectiveLevels - TP выше входа для BUY и ниже для SELL, SL наоборот.
// Без цены входа (рыночный ордер) проверяется только TP против SL.
func checkProtectiveLevels(s *models.Signal) error {
	if s.TakeProfit <= 0 || s.StopLoss <= 0 {
		return nil
	}
	if s.Side == models.SideBuy && s.TakeProfit <= s.StopLoss {
		return &RiskRejection{Check: "protective_levels", Message: "take_profit must be above stop_loss for BUY"}
	}
	if s.Side == models.SideSell && s.TakeProfit >= s.StopLoss {
		return &RiskRejection{Check: "protective_levels", Message: "take_profit must be below stop_loss for SELL"}
	}
	return nil
}
