package models

import "time"

// Notification - запись журнала уведомлений
type Notification struct {
	ID         int64                  `json:"id" db:"id"`
	Timestamp  time.Time              `json:"timestamp" db:"timestamp"`
	Type       string                 `json:"type" db:"type"`
	Severity   string                 `json:"severity" db:"severity"`
	UserID     *int64                 `json:"user_id,omitempty" db:"user_id"`
	PositionID *int64                 `json:"position_id,omitempty" db:"position_id"`
	Message    string                 `json:"message" db:"message"`
	Meta       map[string]interface{} `json:"meta,omitempty" db:"meta"` // JSONB
	Delivered  bool                   `json:"delivered" db:"delivered"`
}

// Типы уведомлений
const (
	NotificationTypeOpen           = "OPEN"
	NotificationTypeClose          = "CLOSE"
	NotificationTypeTP             = "TP"
	NotificationTypeSL             = "SL"
	NotificationTypeEntryFailed    = "ENTRY_FAILED"
	NotificationTypeEmergency      = "EMERGENCY"
	NotificationTypeTimeLimit      = "TIME_LIMIT"
	NotificationTypeError          = "ERROR"
	NotificationTypeReconciliation = "RECONCILIATION"
	NotificationTypeAlert          = "ALERT"
)

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// NotificationTypeForReason - тип уведомления по причине закрытия
func NotificationTypeForReason(reason string) string {
	switch reason {
	case CloseReasonTakeProfit:
		return NotificationTypeTP
	case CloseReasonStopLoss:
		return NotificationTypeSL
	case CloseReasonEntryFailed:
		return NotificationTypeEntryFailed
	case CloseReasonEmergency:
		return NotificationTypeEmergency
	case CloseReasonTimeLimit:
		return NotificationTypeTimeLimit
	default:
		return NotificationTypeClose
	}
}
