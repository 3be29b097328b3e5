package handlers

import (
	"context"
	"sync"
	"time"

	"signalbot/internal/bot"
	"signalbot/internal/exchange"
	"signalbot/internal/models"
	"signalbot/internal/service"
	"signalbot/pkg/circuitbreaker"
)

// ============ Mock Authenticator ============

// MockAuthenticator возвращает заданный результат и запоминает вызов
type MockAuthenticator struct {
	result    service.AuthResult
	calls     int
	webhookID string
	body      map[string]interface{}
}

func (m *MockAuthenticator) Authenticate(ctx context.Context, webhookID string, body map[string]interface{}) service.AuthResult {
	m.calls++
	m.webhookID = webhookID
	m.body = body
	return m.result
}

func authenticated(userID int64) *MockAuthenticator {
	return &MockAuthenticator{result: service.AuthResult{
		Authenticated: true,
		User:          &models.User{ID: userID, Network: models.NetworkTestnet, IsActive: true},
	}}
}

// ============ Mock Trade Executor ============

type MockTradeExecutor struct {
	result *service.TradeResult
	calls  int
	signal *models.Signal
	ctxErr error
}

func (m *MockTradeExecutor) Execute(ctx context.Context, user *models.User, signal *models.Signal) *service.TradeResult {
	m.calls++
	m.signal = signal
	m.ctxErr = ctx.Err()
	return m.result
}

func tradeSuccess(positionID int64, orderID string) *MockTradeExecutor {
	return &MockTradeExecutor{result: &service.TradeResult{
		Success:       true,
		Position:      &models.Position{ID: positionID, Status: models.PositionStatusOpen},
		Order:         &exchange.OrderResult{OrderID: orderID, Status: "FILLED"},
		ExecutionTime: 120 * time.Millisecond,
	}}
}

// ============ Mock Notification Service ============

// MockNotificationService мок для NotificationServiceInterface
type MockNotificationService struct {
	mu            sync.Mutex
	notifications []*models.Notification
	getErr        error
	lastUserID    int64
	lastLimit     int
}

func NewMockNotificationService() *MockNotificationService {
	return &MockNotificationService{}
}

func (m *MockNotificationService) AddNotification(userID int64, notifType, severity, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uid := userID
	m.notifications = append(m.notifications, &models.Notification{
		ID:        int64(len(m.notifications) + 1),
		Timestamp: time.Now(),
		Type:      notifType,
		Severity:  severity,
		UserID:    &uid,
		Message:   message,
	})
}

func (m *MockNotificationService) Notify(ctx context.Context, creds *service.CredentialSet, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *MockNotificationService) GetNotifications(ctx context.Context, userID int64, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastUserID = userID
	m.lastLimit = limit
	if m.getErr != nil {
		return nil, m.getErr
	}

	var out []*models.Notification
	for i := len(m.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		n := m.notifications[i]
		if userID > 0 && (n.UserID == nil || *n.UserID != userID) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// ============ Mock Monitoring ============

type MockHealthReporter struct {
	report bot.HealthReport
}

func (m *MockHealthReporter) Report() bot.HealthReport {
	return m.report
}

type MockBreakerRegistry struct {
	stats []circuitbreaker.Stats
	reset []string
}

func (m *MockBreakerRegistry) Snapshot() []circuitbreaker.Stats {
	return m.stats
}

func (m *MockBreakerRegistry) OpenCount() int {
	n := 0
	for _, s := range m.stats {
		if s.State == circuitbreaker.StateOpen.String() {
			n++
		}
	}
	return n
}

func (m *MockBreakerRegistry) Reset(name string) bool {
	for _, s := range m.stats {
		if s.Name == name {
			m.reset = append(m.reset, name)
			return true
		}
	}
	return false
}

// ============ Mock Position Closer ============

// MockPositionCloser - результат и ошибка по id позиции
type MockPositionCloser struct {
	mu       sync.Mutex
	errs     map[int64]error
	requests map[int64]bot.ClosureRequest
	previews int
	ctxErr   error
}

func NewMockPositionCloser() *MockPositionCloser {
	return &MockPositionCloser{
		errs:     make(map[int64]error),
		requests: make(map[int64]bot.ClosureRequest),
	}
}

func (m *MockPositionCloser) result(id int64, req bot.ClosureRequest, preview bool) (*bot.ClosureResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[id] = req
	if err := m.errs[id]; err != nil {
		return nil, err
	}
	return &bot.ClosureResult{
		PositionID:  id,
		Status:      models.PositionStatusClosed,
		Reason:      req.Reason,
		ClosePrice:  req.ClosePrice,
		CloseSize:   req.CloseSize,
		RealizedPNL: 12.5,
		Preview:     preview,
	}, nil
}

func (m *MockPositionCloser) PreviewByID(ctx context.Context, positionID int64, req bot.ClosureRequest) (*bot.ClosureResult, error) {
	m.mu.Lock()
	m.previews++
	m.mu.Unlock()
	return m.result(positionID, req, true)
}

func (m *MockPositionCloser) CloseByID(ctx context.Context, positionID int64, req bot.ClosureRequest) (*bot.ClosureResult, error) {
	m.mu.Lock()
	m.ctxErr = ctx.Err()
	m.mu.Unlock()
	return m.result(positionID, req, false)
}

func (m *MockPositionCloser) CloseManyByID(ctx context.Context, closures []bot.ManualClosure) []bot.ItemResult[*bot.ClosureResult] {
	out := make([]bot.ItemResult[*bot.ClosureResult], len(closures))
	for i, c := range closures {
		res, err := m.result(c.PositionID, c.Request, false)
		out[i] = bot.ItemResult[*bot.ClosureResult]{
			Success:  err == nil,
			Value:    res,
			Err:      err,
			Attempts: 1,
		}
	}
	return out
}
