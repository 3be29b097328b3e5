package service

import (
	"context"
	"time"

	"signalbot/internal/exchange"
	"signalbot/internal/models"
	"signalbot/internal/repository"
	"signalbot/pkg/crypto"
	"signalbot/pkg/ratelimit"
)

// UserRepositoryInterface определяет интерфейс репозитория пользователей
type UserRepositoryInterface interface {
	GetByWebhookID(ctx context.Context, webhookID string) (*models.User, error)
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByWalletOrAccountID(ctx context.Context, identifier string) (*models.User, error)
}

// PositionRepositoryInterface определяет интерфейс репозитория позиций
type PositionRepositoryInterface interface {
	Create(ctx context.Context, pos *models.Position) error
	GetByID(ctx context.Context, id int64) (*models.Position, error)
	GetOpen(ctx context.Context) ([]*models.Position, error)
	GetOpenByUser(ctx context.Context, userID int64) ([]*models.Position, error)
	CountOpenByUser(ctx context.Context, userID int64) (int, error)
	UpdateStatus(ctx context.Context, id int64, from, to string) error
	Close(ctx context.Context, id int64, rec repository.ClosureRecord) error
	DeleteOrphanedPending(ctx context.Context, olderThan time.Time) (int64, error)
}

// NotificationRepositoryInterface определяет интерфейс репозитория уведомлений
type NotificationRepositoryInterface interface {
	Create(ctx context.Context, n *models.Notification) error
	GetRecent(ctx context.Context, limit int) ([]*models.Notification, error)
	GetByUserID(ctx context.Context, userID int64, limit int) ([]*models.Notification, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Проверяем, что реальные репозитории реализуют интерфейсы
var _ UserRepositoryInterface = (*repository.UserRepository)(nil)
var _ PositionRepositoryInterface = (*repository.PositionRepository)(nil)
var _ NotificationRepositoryInterface = (*repository.NotificationRepository)(nil)

// ============ Внешние зависимости ============

// Decrypter расшифровывает секреты пользователей
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext string) ([]byte, error)
}

// Notifier доставляет сообщение пользователю.
// false без ошибки - получатель не принял сообщение.
type Notifier interface {
	SendNotification(ctx context.Context, token, destination, message string) (bool, error)
}

// WebSocketBroadcaster - отправка событий ops-дашбордам
//
// Позволяет избежать циклических зависимостей между пакетами
// и упрощает тестирование (можно подставить mock)
type WebSocketBroadcaster interface {
	BroadcastNotification(n *models.Notification)
	BroadcastPositionUpdate(pos *models.Position)
}

// AlertReconciliation - биржа и БД разошлись; каждый такой алерт доставляется
const AlertReconciliation = "reconciliation"

// AlertRaiser поднимает операционный алерт (реализуется MonitoringManager)
type AlertRaiser interface {
	RaiseAlert(name, severity, message string)
}

// TradeRecorder фиксирует исход торговой саги в метриках
type TradeRecorder interface {
	RecordTrade(outcome, failedStep string, duration time.Duration)
}

var _ Decrypter = (*crypto.Vault)(nil)
var _ ratelimit.Limiter = (*ratelimit.Detector)(nil)
var _ exchange.Factory = (*exchange.NetworkFactory)(nil)

// ============ Интерфейсы сервисов для Dependency Injection ============

// AuthenticatorInterface - аутентификация webhook запросов
type AuthenticatorInterface interface {
	Authenticate(ctx context.Context, webhookID string, body map[string]interface{}) AuthResult
}

// TradeExecutorInterface - исполнение сигнала
type TradeExecutorInterface interface {
	Execute(ctx context.Context, user *models.User, signal *models.Signal) *TradeResult
}

// NotificationServiceInterface определяет интерфейс сервиса уведомлений
type NotificationServiceInterface interface {
	Notify(ctx context.Context, creds *CredentialSet, n *models.Notification) error
	GetNotifications(ctx context.Context, userID int64, limit int) ([]*models.Notification, error)
}

// Проверяем, что реальные сервисы реализуют интерфейсы
var _ AuthenticatorInterface = (*WebhookAuthenticator)(nil)
var _ TradeExecutorInterface = (*TradeOrchestrator)(nil)
var _ NotificationServiceInterface = (*NotificationService)(nil)
