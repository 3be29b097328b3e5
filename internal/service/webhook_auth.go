package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"go.uber.org/zap"

	"signalbot/internal/models"
	"signalbot/internal/repository"
	"signalbot/pkg/crypto"
	"signalbot/pkg/ratelimit"
	"signalbot/pkg/utils"
)

// AuthFailure - какая проверка не прошла
type AuthFailure string

const (
	AuthFailureNone          AuthFailure = ""
	AuthFailureNotFound      AuthFailure = "not_found"
	AuthFailureMissingSecret AuthFailure = "missing_secret"
	AuthFailureInvalidSecret AuthFailure = "invalid_secret"
	AuthFailureSystemError   AuthFailure = "system_error"
	AuthFailureRateLimited   AuthFailure = "rate_limited"
)

// Причины отказа (попадают в аудит, наружу отдается общий ответ)
const (
	ReasonWebhookNotFound   = "Webhook not found"
	ReasonMissingSecret     = "Missing webhook secret"
	ReasonInvalidSecret     = "Invalid webhook secret"
	ReasonSystemError       = "Authentication system error"
	ReasonRateLimitExceeded = "Rate limit exceeded"
)

// secretFields - поля тела запроса, в которых может прийти секрет, по приоритету
var secretFields = []string{"secret", "webhook_secret", "api_secret", "key", "token"}

// AuthResult - результат аутентификации webhook запроса
type AuthResult struct {
	Authenticated bool
	User          *models.User
	Reason        string
	Failure       AuthFailure
	RetryAfter    time.Duration
}

// WebhookAuthenticator проверяет запросы на /webhooks/signal/{webhook_id}.
//
// Порядок проверок: пользователь по webhook_id, наличие секрета,
// сравнение с расшифрованным секретом, rate limit. Лимит расходуется
// только запросами с верным секретом.
type WebhookAuthenticator struct {
	users   UserRepositoryInterface
	vault   Decrypter
	limiter ratelimit.Limiter
	audit   *zap.Logger
	logger  *zap.Logger
}

func NewWebhookAuthenticator(users UserRepositoryInterface, vault Decrypter, limiter ratelimit.Limiter, logger *zap.Logger) *WebhookAuthenticator {
	if logger == nil {
		logger = utils.L().Logger
	}
	return &WebhookAuthenticator{
		users:   users,
		vault:   vault,
		limiter: limiter,
		audit:   logger.With(utils.Component("audit")),
		logger:  logger.With(utils.Component("webhook_auth")),
	}
}

type remoteAddrKey struct{}

// WithRemoteAddr кладет адрес клиента в контекст для аудита
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, remoteAddrKey{}, addr)
}

func remoteAddrFrom(ctx context.Context) string {
	addr, _ := ctx.Value(remoteAddrKey{}).(string)
	return addr
}

// Authenticate выполняет проверки по порядку и пишет аудит каждого исхода
func (a *WebhookAuthenticator) Authenticate(ctx context.Context, webhookID string, body map[string]interface{}) AuthResult {
	res := a.authenticate(ctx, webhookID, body)
	a.record(ctx, webhookID, res)
	return res
}

func (a *WebhookAuthenticator) authenticate(ctx context.Context, webhookID string, body map[string]interface{}) AuthResult {
	user, err := a.users.GetByWebhookID(ctx, webhookID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return failed(AuthFailureNotFound, ReasonWebhookNotFound)
		}
		a.logger.Error("webhook user lookup failed", utils.WebhookID(webhookID), utils.Err(err))
		return failed(AuthFailureSystemError, ReasonSystemError)
	}
	if !user.IsActive {
		return failed(AuthFailureNotFound, ReasonWebhookNotFound)
	}

	provided := extractSecret(body)
	if provided == "" {
		return withUser(failed(AuthFailureMissingSecret, ReasonMissingSecret), user)
	}

	stored, err := a.vault.Decrypt(ctx, user.EncryptedWebhookSecret)
	if err != nil {
		a.logger.Error("webhook secret decrypt failed", utils.WebhookID(webhookID), utils.UserID(user.ID), utils.Err(err))
		return withUser(failed(AuthFailureSystemError, ReasonSystemError), user)
	}
	match := subtle.ConstantTimeCompare(stored, []byte(provided)) == 1
	crypto.Wipe(stored)
	if !match {
		return withUser(failed(AuthFailureInvalidSecret, ReasonInvalidSecret), user)
	}

	dec, err := a.limiter.Check(ctx, "webhook:"+webhookID)
	if err != nil {
		a.logger.Error("rate limit check failed", utils.WebhookID(webhookID), utils.Err(err))
		return withUser(failed(AuthFailureSystemError, ReasonSystemError), user)
	}
	if !dec.Allowed {
		res := withUser(failed(AuthFailureRateLimited, ReasonRateLimitExceeded), user)
		res.RetryAfter = dec.RetryAfter
		return res
	}

	return AuthResult{Authenticated: true, User: user}
}

func (a *WebhookAuthenticator) record(ctx context.Context, webhookID string, res AuthResult) {
	outcome := "success"
	if !res.Authenticated {
		outcome = string(res.Failure)
	}

	fields := []zap.Field{
		utils.WebhookID(webhookID),
		zap.String("outcome", outcome),
		zap.String("remote_addr", remoteAddrFrom(ctx)),
	}
	if res.User != nil {
		fields = append(fields, utils.UserID(res.User.ID))
	}
	if res.Reason != "" {
		fields = append(fields, utils.Reason(res.Reason))
	}

	if res.Authenticated {
		a.audit.Info("webhook authenticated", fields...)
		return
	}
	a.audit.Warn("webhook authentication failed", fields...)
}

func failed(f AuthFailure, reason string) AuthResult {
	return AuthResult{Failure: f, Reason: reason}
}

func withUser(res AuthResult, u *models.User) AuthResult {
	res.User = u
	return res
}

// extractSecret - первое непустое строковое поле из secretFields
func extractSecret(body map[string]interface{}) string {
	for _, field := range secretFields {
		if v, ok := body[field].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
