package handlers

import (
	"net/http"
	"strconv"

	"signalbot/internal/models"
	"signalbot/internal/service"
)

// NotificationHandler отдает журнал уведомлений
//
// Endpoints:
// - GET /api/v1/notifications               - последние 100 записей
// - GET /api/v1/notifications?limit=50      - с ограничением количества (до 500)
// - GET /api/v1/notifications?user_id=42    - только записи пользователя
type NotificationHandler struct {
	notificationService service.NotificationServiceInterface
}

// NewNotificationHandler создает новый NotificationHandler с внедрением зависимости
func NewNotificationHandler(notificationService service.NotificationServiceInterface) *NotificationHandler {
	return &NotificationHandler{
		notificationService: notificationService,
	}
}

// GetNotificationsResponse представляет ответ списка уведомлений
type GetNotificationsResponse struct {
	Notifications []*models.Notification `json:"notifications"`
	Total         int                    `json:"total"`
}

// GetNotifications возвращает журнал с фильтрацией по пользователю
//
// HTTP коды:
// - 200 OK
// - 400 Bad Request: limit или user_id не число
// - 500 Internal Server Error: ошибка БД
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := 100
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondWithError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	var userID int64
	if raw := query.Get("user_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			respondWithError(w, http.StatusBadRequest, "invalid_user_id", "user_id must be a positive integer")
			return
		}
		userID = parsed
	}

	notifications, err := h.notificationService.GetNotifications(r.Context(), userID, limit)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "internal", "Failed to get notifications")
		return
	}
	if notifications == nil {
		notifications = []*models.Notification{}
	}

	respondWithJSON(w, http.StatusOK, GetNotificationsResponse{
		Notifications: notifications,
		Total:         len(notifications),
	})
}
