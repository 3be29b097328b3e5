package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signalbot/internal/models"
	"signalbot/pkg/utils"
)

// NotificationService доставляет уведомления пользователям.
//
// Отвечает за:
// - Отправку через notifier, если у пользователя есть токен и чат
// - Запись в журнал уведомлений (даже если отправка не удалась)
// - Broadcast через WebSocket для ops-дашбордов
type NotificationService struct {
	repo     NotificationRepositoryInterface
	notifier Notifier
	wsHub    WebSocketBroadcaster
	logger   *zap.Logger
	now      func() time.Time
}

// NewNotificationService создает новый экземпляр NotificationService.
func NewNotificationService(repo NotificationRepositoryInterface, notifier Notifier, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = utils.L().Logger
	}
	return &NotificationService{
		repo:     repo,
		notifier: notifier,
		logger:   logger.With(utils.Component("notifications")),
		now:      time.Now,
	}
}

// SetWebSocketHub устанавливает WebSocket hub для broadcast уведомлений.
func (s *NotificationService) SetWebSocketHub(hub WebSocketBroadcaster) {
	s.wsHub = hub
}

// Notify отправляет и журналирует уведомление.
// Ошибки отправки и записи возвращаются вместе; вызывающие считают
// уведомления best-effort и только логируют результат.
func (s *NotificationService) Notify(ctx context.Context, creds *CredentialSet, n *models.Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = s.now()
	}
	if n.Severity == "" {
		n.Severity = models.SeverityInfo
	}

	var sendErr error
	if creds.CanNotify() && s.notifier != nil {
		ok, err := s.notifier.SendNotification(ctx, string(creds.NotifierToken), creds.NotifierChat, formatMessage(n))
		switch {
		case err != nil:
			sendErr = fmt.Errorf("send notification: %w", err)
		case !ok:
			sendErr = errors.New("send notification: rejected by notifier")
		default:
			n.Delivered = true
		}
	}

	var journalErr error
	if s.repo != nil {
		if err := s.repo.Create(ctx, n); err != nil {
			journalErr = fmt.Errorf("journal notification: %w", err)
		}
	}

	if s.wsHub != nil {
		s.wsHub.BroadcastNotification(n)
	}

	if err := errors.Join(sendErr, journalErr); err != nil {
		s.logger.Warn("notification not fully delivered",
			zap.String("type", n.Type), zap.Bool("delivered", n.Delivered), utils.Err(err))
		return err
	}
	return nil
}

// GetNotifications возвращает журнал уведомлений.
// userID 0 - все пользователи. limit ограничен 1..500, по умолчанию 100.
func (s *NotificationService) GetNotifications(ctx context.Context, userID int64, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	if userID > 0 {
		return s.repo.GetByUserID(ctx, userID, limit)
	}
	return s.repo.GetRecent(ctx, limit)
}

// Cleanup удаляет записи журнала старше retention
func (s *NotificationService) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	return s.repo.DeleteOlderThan(ctx, s.now().Add(-retention))
}

// NewNotification - конструктор записи с привязкой к пользователю и позиции
func NewNotification(notifType, severity string, userID, positionID int64, message string, meta map[string]interface{}) *models.Notification {
	n := &models.Notification{
		Type:     notifType,
		Severity: severity,
		Message:  message,
		Meta:     meta,
	}
	if userID > 0 {
		n.UserID = &userID
	}
	if positionID > 0 {
		n.PositionID = &positionID
	}
	return n
}

func formatMessage(n *models.Notification) string {
	return fmt.Sprintf("[%s] %s", n.Type, n.Message)
}
