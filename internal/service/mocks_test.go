package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"signalbot/internal/exchange"
	"signalbot/internal/models"
	"signalbot/internal/repository"
)

// ============ Mock UserRepository ============

type MockUserRepository struct {
	byWebhook map[string]*models.User
	getErr    error
}

func NewMockUserRepository(users ...*models.User) *MockUserRepository {
	m := &MockUserRepository{byWebhook: make(map[string]*models.User)}
	for _, u := range users {
		m.byWebhook[u.WebhookID] = u
	}
	return m
}

func (m *MockUserRepository) GetByWebhookID(ctx context.Context, webhookID string) (*models.User, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if u, ok := m.byWebhook[webhookID]; ok {
		return u, nil
	}
	return nil, repository.ErrUserNotFound
}

func (m *MockUserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, u := range m.byWebhook {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *MockUserRepository) GetByWalletOrAccountID(ctx context.Context, identifier string) (*models.User, error) {
	for _, u := range m.byWebhook {
		if u.WalletAddress == identifier || u.AccountID == identifier {
			return u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

// ============ Mock PositionRepository ============

type MockPositionRepository struct {
	positions map[int64]*models.Position
	nextID    int64
	createErr error
	countErr  error
	closeErr  error
}

func NewMockPositionRepository() *MockPositionRepository {
	return &MockPositionRepository{positions: make(map[int64]*models.Position), nextID: 1}
}

func (m *MockPositionRepository) Create(ctx context.Context, pos *models.Position) error {
	if m.createErr != nil {
		return m.createErr
	}
	pos.ID = m.nextID
	m.nextID++
	m.positions[pos.ID] = pos
	return nil
}

func (m *MockPositionRepository) GetByID(ctx context.Context, id int64) (*models.Position, error) {
	if p, ok := m.positions[id]; ok {
		return p, nil
	}
	return nil, repository.ErrPositionNotFound
}

func (m *MockPositionRepository) GetOpen(ctx context.Context) ([]*models.Position, error) {
	var out []*models.Position
	for _, p := range m.positions {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockPositionRepository) GetOpenByUser(ctx context.Context, userID int64) ([]*models.Position, error) {
	var out []*models.Position
	for _, p := range m.positions {
		if p.IsOpen() && p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockPositionRepository) CountOpenByUser(ctx context.Context, userID int64) (int, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	open, _ := m.GetOpenByUser(ctx, userID)
	return len(open), nil
}

func (m *MockPositionRepository) UpdateStatus(ctx context.Context, id int64, from, to string) error {
	p, ok := m.positions[id]
	if !ok {
		return repository.ErrPositionNotFound
	}
	if p.Status != from {
		return repository.ErrPositionNotOpen
	}
	p.Status = to
	return nil
}

func (m *MockPositionRepository) Close(ctx context.Context, id int64, rec repository.ClosureRecord) error {
	if m.closeErr != nil {
		return m.closeErr
	}
	p, ok := m.positions[id]
	if !ok {
		return repository.ErrPositionNotFound
	}
	if !p.IsOpen() {
		return repository.ErrPositionNotOpen
	}
	p.Status = rec.Status
	p.CloseReason = rec.Reason
	return nil
}

func (m *MockPositionRepository) DeleteOrphanedPending(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	for id, p := range m.positions {
		if p.Status == models.PositionStatusPending && p.OpenedAt.Before(olderThan) {
			delete(m.positions, id)
			n++
		}
	}
	return n, nil
}

// ============ Mock NotificationRepository ============

type MockNotificationRepository struct {
	items     []*models.Notification
	createErr error
	deleted   time.Time
}

func (m *MockNotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	if m.createErr != nil {
		return m.createErr
	}
	n.ID = int64(len(m.items) + 1)
	m.items = append(m.items, n)
	return nil
}

func (m *MockNotificationRepository) GetRecent(ctx context.Context, limit int) ([]*models.Notification, error) {
	if limit > len(m.items) {
		limit = len(m.items)
	}
	return m.items[:limit], nil
}

func (m *MockNotificationRepository) GetByUserID(ctx context.Context, userID int64, limit int) ([]*models.Notification, error) {
	var out []*models.Notification
	for _, n := range m.items {
		if n.UserID != nil && *n.UserID == userID && len(out) < limit {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *MockNotificationRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	m.deleted = before
	return 0, nil
}

func (m *MockNotificationRepository) types() []string {
	out := make([]string, 0, len(m.items))
	for _, n := range m.items {
		out = append(out, n.Type)
	}
	return out
}

// ============ Mock Vault ============

var errMockDecrypt = errors.New("decryption failed")

// MockVault "расшифровывает" по словарю ciphertext -> plaintext
type MockVault struct {
	plain    map[string]string
	failFor  map[string]bool
	returned [][]byte
}

func NewMockVault(plain map[string]string) *MockVault {
	return &MockVault{plain: plain, failFor: make(map[string]bool)}
}

func (m *MockVault) Decrypt(ctx context.Context, ciphertext string) ([]byte, error) {
	if m.failFor[ciphertext] {
		return nil, errMockDecrypt
	}
	p, ok := m.plain[ciphertext]
	if !ok {
		return nil, errMockDecrypt
	}
	b := []byte(p)
	m.returned = append(m.returned, b)
	return b, nil
}

// ============ Mock Notifier ============

type sentMessage struct {
	token       string
	destination string
	message     string
}

type MockNotifier struct {
	mu      sync.Mutex
	sent    []sentMessage
	reject  bool
	sendErr error
}

func (m *MockNotifier) SendNotification(ctx context.Context, token, destination, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return false, m.sendErr
	}
	m.sent = append(m.sent, sentMessage{token, destination, message})
	return !m.reject, nil
}

// ============ Mock WebSocket hub ============

type MockHub struct {
	notifications []*models.Notification
	positions     []*models.Position
}

func (m *MockHub) BroadcastNotification(n *models.Notification) {
	m.notifications = append(m.notifications, n)
}

func (m *MockHub) BroadcastPositionUpdate(pos *models.Position) {
	m.positions = append(m.positions, pos)
}

// ============ Mock alerts / metrics ============

type raisedAlert struct {
	name, severity, message string
}

type MockAlerts struct {
	alerts []raisedAlert
}

func (m *MockAlerts) RaiseAlert(name, severity, message string) {
	m.alerts = append(m.alerts, raisedAlert{name, severity, message})
}

type MockRecorder struct {
	outcomes []string
	failed   []string
}

func (m *MockRecorder) RecordTrade(outcome, failedStep string, d time.Duration) {
	m.outcomes = append(m.outcomes, outcome)
	m.failed = append(m.failed, failedStep)
}

// ============ Mock exchange ============

type MockExchangeClient struct {
	network    string
	markPrice  float64
	priceErr   error
	marketErr  error
	limitErr   error
	stopErr    error
	fillPrice  float64
	orders     []string
	closed     bool
	nextOrder  int
	limitCalls int
}

func (m *MockExchangeClient) newOrderID(prefix string) string {
	m.nextOrder++
	id := prefix + "-" + strconv.Itoa(m.nextOrder)
	m.orders = append(m.orders, id)
	return id
}

func (m *MockExchangeClient) PlaceMarketOrder(ctx context.Context, symbol, side string, size float64) (*exchange.OrderResult, error) {
	if m.marketErr != nil {
		return nil, m.marketErr
	}
	return &exchange.OrderResult{OrderID: m.newOrderID("mkt"), Status: models.OrderStatusFilled, Price: m.fillPrice, FilledSize: size}, nil
}

func (m *MockExchangeClient) PlaceLimitOrder(ctx context.Context, symbol, side string, size, price float64, tif string) (*exchange.OrderResult, error) {
	m.limitCalls++
	if m.limitErr != nil {
		return nil, m.limitErr
	}
	return &exchange.OrderResult{OrderID: m.newOrderID("lmt"), Status: models.OrderStatusOpen, Price: price}, nil
}

func (m *MockExchangeClient) PlaceStopOrder(ctx context.Context, symbol, side string, size, trigger float64) (*exchange.OrderResult, error) {
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	return &exchange.OrderResult{OrderID: m.newOrderID("stp"), Status: models.OrderStatusPending, Price: trigger}, nil
}

func (m *MockExchangeClient) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return true, nil
}

func (m *MockExchangeClient) GetOrderStatus(ctx context.Context, orderID string) (*models.OrderSnapshot, error) {
	return &models.OrderSnapshot{OrderID: orderID, Status: models.OrderStatusOpen}, nil
}

func (m *MockExchangeClient) GetAccountInfo(ctx context.Context) (*exchange.AccountInfo, error) {
	return &exchange.AccountInfo{Equity: 10000}, nil
}

func (m *MockExchangeClient) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	if m.priceErr != nil {
		return 0, m.priceErr
	}
	return m.markPrice, nil
}

func (m *MockExchangeClient) Network() string { return m.network }

func (m *MockExchangeClient) Close() error {
	m.closed = true
	return nil
}

type MockFactory struct {
	client   *MockExchangeClient
	err      error
	gotKey   string
	networks []string
}

func (m *MockFactory) NewClient(network string, key []byte) (exchange.Client, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.gotKey = string(key)
	m.networks = append(m.networks, network)
	m.client.network = network
	return m.client, nil
}
