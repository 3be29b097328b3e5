package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"signalbot/internal/service"
	"signalbot/pkg/utils"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	msgAuthFailed      = "Authentication failed"
	msgInvalidJSON     = "Invalid JSON payload"
	msgPayloadTooLarge = "Payload too large"
	msgTradeFailed     = "Trade execution failed"
	msgTradeRejected   = "Trade rejected by risk limits"
	msgTradeExecuted   = "Trade executed"

	// DefaultMaxWebhookBody - лимит тела сигнала по умолчанию
	DefaultMaxWebhookBody int64 = 64 << 10
)

// WebhookResponse - ответ провайдеру сигналов.
// Детали отказа наружу не отдаются.
type WebhookResponse struct {
	Status          string   `json:"status"`
	Message         string   `json:"message"`
	PositionID      int64    `json:"position_id,omitempty"`
	OrderID         string   `json:"order_id,omitempty"`
	ExecutionTimeMs int64    `json:"execution_time_ms,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
}

// WebhookHandler принимает торговые сигналы
//
// Endpoints:
// - POST /webhooks/signal/{webhook_id}
//
// Порядок: разбор JSON, аутентификация (пользователь, секрет, rate limit),
// проверка формы сигнала, торговая сага.
type WebhookHandler struct {
	auth    service.AuthenticatorInterface
	trades  service.TradeExecutorInterface
	maxBody int64
	logger  *zap.Logger
}

// NewWebhookHandler создает WebhookHandler. maxBody <= 0 - DefaultMaxWebhookBody.
func NewWebhookHandler(auth service.AuthenticatorInterface, trades service.TradeExecutorInterface, maxBody int64, logger *zap.Logger) *WebhookHandler {
	if maxBody <= 0 {
		maxBody = DefaultMaxWebhookBody
	}
	if logger == nil {
		logger = utils.L().Logger
	}
	return &WebhookHandler{
		auth:    auth,
		trades:  trades,
		maxBody: maxBody,
		logger:  logger.With(utils.Component("webhook")),
	}
}

// HandleSignal - POST /webhooks/signal/{webhook_id}
//
// HTTP коды:
// - 200 OK: позиция открыта
// - 400 Bad Request: невалидный JSON или сигнал
// - 401 Unauthorized: любая ошибка аутентификации (общий ответ)
// - 413 Request Entity Too Large: тело больше лимита
// - 422 Unprocessable Entity: сигнал отклонен лимитами риска
// - 502 Bad Gateway: отказ биржи
// - 500 Internal Server Error: прочие отказы саги
func (h *WebhookHandler) HandleSignal(w http.ResponseWriter, r *http.Request) {
	webhookID := mux.Vars(r)["webhook_id"]
	log := h.logger.With(utils.WebhookID(webhookID))

	body, status, msg := h.decodeBody(w, r)
	if body == nil {
		respondWithJSON(w, status, WebhookResponse{Status: statusError, Message: msg})
		return
	}

	ctx := service.WithRemoteAddr(r.Context(), clientIP(r))

	auth := h.auth.Authenticate(ctx, webhookID, body)
	if !auth.Authenticated {
		if auth.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(auth.RetryAfter.Seconds()+0.5)))
		}
		respondWithJSON(w, http.StatusUnauthorized, WebhookResponse{Status: statusError, Message: msgAuthFailed})
		return
	}
	log = log.With(utils.UserID(auth.User.ID))

	signal, err := service.ValidateSignalPayload(body)
	if err != nil {
		log.Info("signal rejected", utils.Err(err))
		respondWithJSON(w, http.StatusBadRequest, WebhookResponse{Status: statusError, Message: err.Error()})
		return
	}

	// Сага не прерывается при обрыве соединения: ордер мог уже уйти на биржу
	result := h.trades.Execute(context.WithoutCancel(ctx), auth.User, signal)
	if !result.Success {
		code, message := tradeFailureStatus(result)
		log.Warn("trade execution failed",
			utils.String("failed_step", string(result.FailedStep)),
			utils.String("kind", string(result.Kind)),
			utils.String("error", result.Error))
		respondWithJSON(w, code, WebhookResponse{
			Status:          statusError,
			Message:         message,
			ExecutionTimeMs: result.ExecutionTime.Milliseconds(),
		})
		return
	}

	resp := WebhookResponse{
		Status:          statusSuccess,
		Message:         msgTradeExecuted,
		ExecutionTimeMs: result.ExecutionTime.Milliseconds(),
		Warnings:        result.Warnings,
	}
	if result.Position != nil {
		resp.PositionID = result.Position.ID
	}
	if result.Order != nil {
		resp.OrderID = result.Order.OrderID
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// decodeBody читает тело с лимитом; числа остаются json.Number.
// nil - ответ с status и msg.
func (h *WebhookHandler) decodeBody(w http.ResponseWriter, r *http.Request) (map[string]interface{}, int, string) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()

	var body map[string]interface{}
	if err := dec.Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, msgPayloadTooLarge
		}
		return nil, http.StatusBadRequest, msgInvalidJSON
	}
	if body == nil {
		return nil, http.StatusBadRequest, msgInvalidJSON
	}
	return body, 0, ""
}

func tradeFailureStatus(result *service.TradeResult) (int, string) {
	switch result.Kind {
	case service.KindRisk:
		return http.StatusUnprocessableEntity, msgTradeRejected
	case service.KindExecution:
		return http.StatusBadGateway, msgTradeFailed
	default:
		return http.StatusInternalServerError, msgTradeFailed
	}
}

// clientIP - адрес клиента для аудита: X-Real-IP, первый X-Forwarded-For, RemoteAddr
func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, _ := strings.Cut(fwd, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
