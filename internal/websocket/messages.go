package websocket

import (
	"time"

	"signalbot/internal/models"
)

// MessageType определяет тип сообщения ops-потока
type MessageType string

const (
	// MessageTypeNotification - новая запись журнала уведомлений
	MessageTypeNotification MessageType = "notification"

	// MessageTypePositionUpdate - позиция открыта или закрыта
	MessageTypePositionUpdate MessageType = "positionUpdate"

	// MessageTypeAlert - сработало правило мониторинга
	MessageTypeAlert MessageType = "alert"

	// MessageTypeCycle - итог цикла воркера мониторинга позиций
	MessageTypeCycle MessageType = "cycle"
)

// BaseMessage - общая часть всех сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// NotificationMessage - уведомление в том виде, в каком оно лежит в журнале
type NotificationMessage struct {
	BaseMessage
	Data *models.Notification `json:"data"`
}

// PositionUpdateMessage - снимок позиции после изменения статуса
type PositionUpdateMessage struct {
	BaseMessage
	PositionID int64               `json:"position_id"`
	Data       *PositionUpdateData `json:"data"`
}

// PositionUpdateData - поля позиции, нужные дашборду.
// Идентификаторы ордеров и сеть не передаются.
type PositionUpdateData struct {
	UserID      int64      `json:"user_id"`
	Symbol      string     `json:"symbol"`
	Side        string     `json:"side"`
	Status      string     `json:"status"`
	EntryPrice  float64    `json:"entry_price"`
	Size        float64    `json:"size"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
	ClosePrice  *float64   `json:"close_price,omitempty"`
	RealizedPNL *float64   `json:"realized_pnl,omitempty"`
}

// AlertMessage - сработавшее правило мониторинга
type AlertMessage struct {
	BaseMessage
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// CycleMessage - метрики завершенного цикла
type CycleMessage struct {
	BaseMessage
	Data interface{} `json:"data"`
}

// ============ Конструкторы ============

func newBase(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now().UTC()}
}

// NewNotificationMessage создает сообщение уведомления
func NewNotificationMessage(n *models.Notification) *NotificationMessage {
	return &NotificationMessage{
		BaseMessage: newBase(MessageTypeNotification),
		Data:        n,
	}
}

// NewPositionUpdateMessage создает сообщение об изменении позиции
func NewPositionUpdateMessage(pos *models.Position) *PositionUpdateMessage {
	return &PositionUpdateMessage{
		BaseMessage: newBase(MessageTypePositionUpdate),
		PositionID:  pos.ID,
		Data: &PositionUpdateData{
			UserID:      pos.UserID,
			Symbol:      pos.Symbol,
			Side:        pos.Side,
			Status:      pos.Status,
			EntryPrice:  pos.EntryPrice,
			Size:        pos.Size,
			OpenedAt:    pos.OpenedAt,
			ClosedAt:    pos.ClosedAt,
			CloseReason: pos.CloseReason,
			ClosePrice:  pos.ClosePrice,
			RealizedPNL: pos.RealizedPNL,
		},
	}
}

// NewAlertMessage создает сообщение алерта
func NewAlertMessage(rule, severity, message string) *AlertMessage {
	return &AlertMessage{
		BaseMessage: newBase(MessageTypeAlert),
		Rule:        rule,
		Severity:    severity,
		Message:     message,
	}
}

// NewCycleMessage создает сообщение с итогом цикла
func NewCycleMessage(metrics interface{}) *CycleMessage {
	return &CycleMessage{
		BaseMessage: newBase(MessageTypeCycle),
		Data:        metrics,
	}
}
