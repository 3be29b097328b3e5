package models

import "time"

// Статусы позиции
const (
	PositionStatusPending   = "pending"   // запись создана, ордер еще не подтвержден
	PositionStatusOpen      = "open"      // позиция на бирже, под мониторингом
	PositionStatusClosed    = "closed"    // закрыта (TP/SL/время/аварийно/вручную)
	PositionStatusCancelled = "cancelled" // входной ордер не исполнился
)

// Стороны ордера и направления позиции
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	DirectionLong  = "LONG"
	DirectionShort = "SHORT"
)

// Сети биржи
const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
)

// Причины закрытия
const (
	CloseReasonTakeProfit  = "take_profit"
	CloseReasonStopLoss    = "stop_loss"
	CloseReasonEntryFailed = "entry_failed"
	CloseReasonTimeLimit   = "market_condition: time_limit"
	CloseReasonEmergency   = "emergency_close"
	CloseReasonManual      = "manual"
)

// Position - сделка пользователя, открытая по сигналу
type Position struct {
	ID        int64   `json:"id" db:"id"`
	UserID    int64   `json:"user_id" db:"user_id"`
	Symbol    string  `json:"symbol" db:"symbol"`
	Side      string  `json:"side" db:"side"` // BUY, SELL
	Status    string  `json:"status" db:"status"`
	Network   string  `json:"network" db:"network"`
	OrderType string  `json:"order_type" db:"order_type"` // market, limit

	EntryPrice float64 `json:"entry_price" db:"entry_price"`
	Size       float64 `json:"size" db:"size"`

	EntryOrderID string `json:"entry_order_id,omitempty" db:"entry_order_id"`
	TPOrderID    string `json:"tp_order_id,omitempty" db:"tp_order_id"`
	SLOrderID    string `json:"sl_order_id,omitempty" db:"sl_order_id"`

	OpenedAt time.Time  `json:"opened_at" db:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty" db:"closed_at"`

	CloseReason string   `json:"close_reason,omitempty" db:"close_reason"`
	ClosePrice  *float64 `json:"close_price,omitempty" db:"close_price"`
	CloseSize   *float64 `json:"close_size,omitempty" db:"close_size"`
	RealizedPNL *float64 `json:"realized_pnl,omitempty" db:"realized_pnl"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Direction - LONG для покупки, SHORT для продажи
func (p *Position) Direction() string {
	if p.Side == SideSell {
		return DirectionShort
	}
	return DirectionLong
}

// IsLong - позиция на покупку
func (p *Position) IsLong() bool {
	return p.Side != SideSell
}

// IsOpen - позиция под мониторингом
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// ExitSide - сторона ордера, закрывающего позицию
func (p *Position) ExitSide() string {
	return OppositeSide(p.Side)
}

// Age - сколько позиция открыта к моменту now
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// OrderIDs - непустые идентификаторы связанных ордеров
func (p *Position) OrderIDs() []string {
	ids := make([]string, 0, 3)
	for _, id := range []string{p.EntryOrderID, p.TPOrderID, p.SLOrderID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// OppositeSide - BUY <-> SELL
func OppositeSide(side string) string {
	if side == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ValidPositionTransitions - допустимые переходы статуса.
// closed и cancelled терминальны.
var ValidPositionTransitions = map[string][]string{
	PositionStatusPending:   {PositionStatusOpen, PositionStatusCancelled},
	PositionStatusOpen:      {PositionStatusClosed, PositionStatusCancelled},
	PositionStatusClosed:    {},
	PositionStatusCancelled: {},
}

// CanTransitionPosition проверяет переход статуса позиции
func CanTransitionPosition(from, to string) bool {
	for _, allowed := range ValidPositionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminalPositionStatus - после этого статуса изменения запрещены
func IsTerminalPositionStatus(status string) bool {
	return status == PositionStatusClosed || status == PositionStatusCancelled
}
