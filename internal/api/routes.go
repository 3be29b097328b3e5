package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"signalbot/internal/api/handlers"
	"signalbot/internal/api/middleware"
	"signalbot/internal/service"
)

// Dependencies содержит все зависимости для API handlers.
// nil поле отключает соответствующую группу маршрутов.
type Dependencies struct {
	Authenticator service.AuthenticatorInterface
	Trades        service.TradeExecutorInterface
	Notifications service.NotificationServiceInterface
	Health        handlers.HealthReporter
	Breakers      handlers.BreakerRegistry
	Closer        handlers.PositionCloser
	Stream        http.Handler

	MaxWebhookBody int64
	AllowedOrigins []string

	OpsAuthEnabled  bool
	OpsUsername     string
	OpsPasswordHash string

	Logger *zap.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
//	/webhooks/signal/{webhook_id}   POST  прием торгового сигнала
//	/health                         GET   liveness
//	/metrics                        GET   Prometheus
//	/ws/stream                      GET   поток событий для ops-дашборда
//
//	/api/v1/ (ops basic auth)
//	├── /monitoring/health                        GET
//	├── /monitoring/circuit-breakers              GET
//	├── /monitoring/circuit-breakers/{name}/reset POST
//	├── /notifications?limit=N&user_id=M          GET
//	├── /positions/{id}/close-preview?price=P     GET
//	├── /positions/{id}/close                     POST
//	└── /positions/close-bulk                     POST
//
// Middleware применяется в следующем порядке:
// 1. Recovery (все маршруты)
// 2. Logging (все маршруты)
// 3. CORS (все маршруты)
// 4. OpsAuth (только /api/v1)
func SetupRoutes(deps *Dependencies) *mux.Router {
	if deps == nil {
		deps = &Dependencies{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()

	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logging(logger))
	router.Use(middleware.CORS(deps.AllowedOrigins))

	// Webhook ingress (аутентификация по секрету в теле)
	if deps.Authenticator != nil && deps.Trades != nil {
		webhook := handlers.NewWebhookHandler(deps.Authenticator, deps.Trades, deps.MaxWebhookBody, logger)
		router.HandleFunc("/webhooks/signal/{webhook_id}", webhook.HandleSignal).Methods(http.MethodPost)
	}

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()
	if deps.OpsAuthEnabled {
		api.Use(middleware.OpsAuth(deps.OpsUsername, deps.OpsPasswordHash, logger))
	}

	// WebSocket поток закрыт тем же basic auth, что и ops API
	if deps.Stream != nil {
		stream := deps.Stream
		if deps.OpsAuthEnabled {
			stream = middleware.OpsAuth(deps.OpsUsername, deps.OpsPasswordHash, logger)(stream)
		}
		router.Handle("/ws/stream", stream).Methods(http.MethodGet)
	}

	// Monitoring routes
	if deps.Health != nil && deps.Breakers != nil {
		monitoring := handlers.NewMonitoringHandler(deps.Health, deps.Breakers)
		api.HandleFunc("/monitoring/health", monitoring.GetHealth).Methods(http.MethodGet)
		api.HandleFunc("/monitoring/circuit-breakers", monitoring.GetCircuitBreakers).Methods(http.MethodGet)
		api.HandleFunc("/monitoring/circuit-breakers/{name}/reset", monitoring.ResetCircuitBreaker).Methods(http.MethodPost)
	}

	// Notification routes
	if deps.Notifications != nil {
		notifications := handlers.NewNotificationHandler(deps.Notifications)
		api.HandleFunc("/notifications", notifications.GetNotifications).Methods(http.MethodGet)
	}

	// Position routes; close-bulk регистрируется раньше {id}
	if deps.Closer != nil {
		positions := handlers.NewPositionHandler(deps.Closer)
		api.HandleFunc("/positions/close-bulk", positions.CloseBulk).Methods(http.MethodPost)
		api.HandleFunc("/positions/{id:[0-9]+}/close-preview", positions.ClosePreview).Methods(http.MethodGet)
		api.HandleFunc("/positions/{id:[0-9]+}/close", positions.ClosePosition).Methods(http.MethodPost)
	}

	// CORS preflight: без маршрута mux ответил бы 405 до middleware.
	// MatcherFunc вместо Methods, иначе любой неизвестный путь давал бы 405 вместо 404
	router.MatcherFunc(func(r *http.Request, _ *mux.RouteMatch) bool {
		return r.Method == http.MethodOptions
	}).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return router
}
