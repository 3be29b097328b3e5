package bot

import (
	"fmt"
	"time"

	"signalbot/internal/models"
)

// Policy - правила автоматического закрытия, не зависящие от ордеров
type Policy struct {
	TimeLimit          time.Duration // позиция старше закрывается по рынку (по умолчанию 24h)
	EmergencyThreshold float64       // доля движения цены против позиции (по умолчанию 0.20)
}

func DefaultPolicy() Policy {
	return Policy{TimeLimit: 24 * time.Hour, EmergencyThreshold: 0.20}
}

// Decision - решение по позиции на текущем цикле
type Decision struct {
	ShouldClose bool
	Reason      string
	Message     string
	ClosePrice  float64
	CloseSize   float64
}

// PositionStateManager - чистая таблица решений по состояниям ордеров позиции.
//
// Правила проверяются по порядку, срабатывает первое:
//  1. TP исполнен (FILLED, или PARTIALLY_FILLED с остатком) -> take_profit
//  2. SL исполнен (то же правило) -> stop_loss
//  3. Входной ордер CANCELLED/EXPIRED/REJECTED -> entry_failed
//  4. Позиция старше TimeLimit -> market_condition: time_limit
//  5. Цена ушла против позиции больше EmergencyThreshold -> emergency_close
//
// Правила 1, 2, 4, 5 требуют исполненного входа (или его отсутствия:
// рыночный ордер исполняется синхронно).
type PositionStateManager struct {
	policy Policy
}

func NewPositionStateManager(policy Policy) *PositionStateManager {
	def := DefaultPolicy()
	if policy.TimeLimit <= 0 {
		policy.TimeLimit = def.TimeLimit
	}
	if policy.EmergencyThreshold <= 0 {
		policy.EmergencyThreshold = def.EmergencyThreshold
	}
	return &PositionStateManager{policy: policy}
}

// Evaluate не имеет побочных эффектов: одинаковый вход дает одинаковый результат
func (m *PositionStateManager) Evaluate(pos *models.Position, entry, tp, sl *models.OrderSnapshot, markPrice float64, now time.Time) Decision {
	entryOK := entry == nil || entry.IsFilled()

	if entryOK && exitTriggered(tp) {
		return Decision{
			ShouldClose: true,
			Reason:      models.CloseReasonTakeProfit,
			Message:     fmt.Sprintf("Take Profit: order %s filled at %s", tp.OrderID, formatPrice(tp.Price)),
			ClosePrice:  tp.Price,
			CloseSize:   filledSize(tp, pos),
		}
	}

	if entryOK && exitTriggered(sl) {
		return Decision{
			ShouldClose: true,
			Reason:      models.CloseReasonStopLoss,
			Message:     fmt.Sprintf("Stop Loss: order %s filled at %s", sl.OrderID, formatPrice(sl.Price)),
			ClosePrice:  sl.Price,
			CloseSize:   filledSize(sl, pos),
		}
	}

	if entry.IsFailed() {
		return Decision{
			ShouldClose: true,
			Reason:      models.CloseReasonEntryFailed,
			Message:     fmt.Sprintf("Entry Failed: order %s %s", entry.OrderID, entry.Status),
			ClosePrice:  pos.EntryPrice,
			CloseSize:   0,
		}
	}

	if !entryOK {
		return Decision{}
	}

	if age := pos.Age(now); age > m.policy.TimeLimit {
		return Decision{
			ShouldClose: true,
			Reason:      models.CloseReasonTimeLimit,
			Message:     fmt.Sprintf("Market: Position open for %.1f hours", age.Hours()),
			ClosePrice:  markPrice,
			CloseSize:   pos.Size,
		}
	}

	if markPrice > 0 && pos.EntryPrice > 0 {
		if move := adverseMove(pos, markPrice); move > m.policy.EmergencyThreshold {
			return Decision{
				ShouldClose: true,
				Reason:      models.CloseReasonEmergency,
				Message:     fmt.Sprintf("Emergency: price moved %.1f%% against position", move*100),
				ClosePrice:  markPrice,
				CloseSize:   pos.Size,
			}
		}
	}

	return Decision{}
}

// ShouldClose - сокращенная форма Evaluate
func (m *PositionStateManager) ShouldClose(pos *models.Position, entry, tp, sl *models.OrderSnapshot, markPrice float64, now time.Time) (bool, string) {
	d := m.Evaluate(pos, entry, tp, sl, markPrice, now)
	return d.ShouldClose, d.Message
}

// exitTriggered - FILLED при любом остатке, PARTIALLY_FILLED только с остатком
func exitTriggered(o *models.OrderSnapshot) bool {
	if o == nil {
		return false
	}
	switch o.Status {
	case models.OrderStatusFilled:
		return true
	case models.OrderStatusPartiallyFilled:
		return o.RemainingSize > 0
	}
	return false
}

func filledSize(o *models.OrderSnapshot, pos *models.Position) float64 {
	if o.FilledSize > 0 {
		return o.FilledSize
	}
	return pos.Size
}

// adverseMove - доля движения цены против направления позиции (0 если в пользу)
func adverseMove(pos *models.Position, mark float64) float64 {
	change := (mark - pos.EntryPrice) / pos.EntryPrice
	if pos.IsLong() {
		change = -change
	}
	if change < 0 {
		return 0
	}
	return change
}

func formatPrice(p float64) string {
	return fmt.Sprintf("%g", p)
}
