package bot

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"signalbot/internal/exchange"
	"signalbot/internal/models"
	"signalbot/internal/repository"
	"signalbot/internal/service"
)

// ============ Mock PositionRepository ============

type mockPositionRepo struct {
	mu        sync.Mutex
	positions map[int64]*models.Position
	records   map[int64]repository.ClosureRecord
	openErr   error
	closeErr  error
	orphans   int64
	cutoff    time.Time
}

func newMockPositionRepo(positions ...*models.Position) *mockPositionRepo {
	m := &mockPositionRepo{
		positions: make(map[int64]*models.Position),
		records:   make(map[int64]repository.ClosureRecord),
	}
	for _, p := range positions {
		m.positions[p.ID] = p
	}
	return m
}

func (m *mockPositionRepo) Create(ctx context.Context, pos *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos.ID = int64(len(m.positions) + 1)
	m.positions[pos.ID] = pos
	return nil
}

func (m *mockPositionRepo) GetByID(ctx context.Context, id int64) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[id]; ok {
		return p, nil
	}
	return nil, repository.ErrPositionNotFound
}

func (m *mockPositionRepo) GetOpen(ctx context.Context) ([]*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	var out []*models.Position
	for _, p := range m.positions {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockPositionRepo) GetOpenByUser(ctx context.Context, userID int64) ([]*models.Position, error) {
	open, err := m.GetOpen(ctx)
	var out []*models.Position
	for _, p := range open {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, err
}

func (m *mockPositionRepo) CountOpenByUser(ctx context.Context, userID int64) (int, error) {
	open, err := m.GetOpenByUser(ctx, userID)
	return len(open), err
}

func (m *mockPositionRepo) UpdateStatus(ctx context.Context, id int64, from, to string) error {
	return nil
}

// Close пишет запись, но не меняет позицию: это делает оркестратор
func (m *mockPositionRepo) Close(ctx context.Context, id int64, rec repository.ClosureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closeErr != nil {
		return m.closeErr
	}
	if _, ok := m.positions[id]; !ok {
		return repository.ErrPositionNotFound
	}
	if _, done := m.records[id]; done {
		return repository.ErrPositionNotOpen
	}
	m.records[id] = rec
	return nil
}

func (m *mockPositionRepo) DeleteOrphanedPending(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoff = olderThan
	return m.orphans, nil
}

func (m *mockPositionRepo) record(id int64) (repository.ClosureRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return r, ok
}

// ============ Mock UserRepository ============

type mockUserRepo struct {
	users map[int64]*models.User
}

func newMockUserRepo(users ...*models.User) *mockUserRepo {
	m := &mockUserRepo{users: make(map[int64]*models.User)}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *mockUserRepo) GetByWebhookID(ctx context.Context, webhookID string) (*models.User, error) {
	for _, u := range m.users {
		if u.WebhookID == webhookID {
			return u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *mockUserRepo) GetByID(ctx context.Context, id int64) (*models.User, error) {
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, repository.ErrUserNotFound
}

func (m *mockUserRepo) GetByWalletOrAccountID(ctx context.Context, identifier string) (*models.User, error) {
	return nil, repository.ErrUserNotFound
}

// ============ Mock Vault ============

// mockVault "расшифровывает" строку "enc:<plain>"
type mockVault struct{}

func (mockVault) Decrypt(ctx context.Context, ciphertext string) ([]byte, error) {
	const prefix = "enc:"
	if len(ciphertext) <= len(prefix) || ciphertext[:len(prefix)] != prefix {
		return nil, errors.New("decryption failed")
	}
	return []byte(ciphertext[len(prefix):]), nil
}

func testUser(id int64) *models.User {
	return &models.User{
		ID:                     id,
		WebhookID:              "wh-" + strconv.FormatInt(id, 10),
		Network:                models.NetworkTestnet,
		IsActive:               true,
		EncryptedTestnetKey:    "enc:key" + strconv.FormatInt(id, 10) + ":secret",
		EncryptedNotifierToken: "enc:token",
		NotifierChatID:         "chat",
	}
}

// ============ Mock уведомлений и событий ============

type mockNotifications struct {
	mu    sync.Mutex
	items []*models.Notification
	creds []*service.CredentialSet
}

func (m *mockNotifications) Notify(ctx context.Context, creds *service.CredentialSet, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, n)
	m.creds = append(m.creds, creds)
	return nil
}

func (m *mockNotifications) GetNotifications(ctx context.Context, userID int64, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items, nil
}

func (m *mockNotifications) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.items))
	for _, n := range m.items {
		out = append(out, n.Type)
	}
	return out
}

type mockCleaner struct {
	retention time.Duration
}

func (m *mockCleaner) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	m.retention = retention
	return 0, nil
}

type mockPruner struct {
	calls   int
	removed int
}

func (m *mockPruner) Cleanup() int {
	m.calls++
	return m.removed
}

type mockHub struct {
	mu        sync.Mutex
	positions []*models.Position
	alerts    []string
	cycles    int
}

func (m *mockHub) BroadcastNotification(n *models.Notification) {}

func (m *mockHub) BroadcastPositionUpdate(pos *models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = append(m.positions, pos)
}

func (m *mockHub) BroadcastAlert(rule, severity, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, rule)
}

func (m *mockHub) BroadcastCycle(metrics interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles++
}

type mockAlertSink struct {
	mu       sync.Mutex
	messages []string
}

func (m *mockAlertSink) SendAlert(ctx context.Context, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, message)
	return nil
}

func (m *mockAlertSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

type mockAlerts struct {
	mu    sync.Mutex
	names []string
}

func (m *mockAlerts) RaiseAlert(name, severity, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, name)
}

// ============ Mock биржи ============

type mockClient struct {
	mu          sync.Mutex
	network     string
	orders      map[string]*models.OrderSnapshot
	statusErr   map[string]error
	statusCalls map[string]int
	statusDelay time.Duration
	price       float64
	priceErr    error
	priceCalls  int
	fillPrice   float64
	marketErr   error
	market      []string // side:size
	cancelErr   map[string]error
	cancelled   []string
	closed      bool
}

func newMockClient() *mockClient {
	return &mockClient{
		network:     models.NetworkTestnet,
		orders:      make(map[string]*models.OrderSnapshot),
		statusErr:   make(map[string]error),
		statusCalls: make(map[string]int),
		cancelErr:   make(map[string]error),
	}
}

func (m *mockClient) setOrder(id, status string, price, filled, remaining float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[id] = &models.OrderSnapshot{
		OrderID: id, Status: status, Price: price,
		FilledSize: filled, RemainingSize: remaining, Size: filled + remaining,
	}
}

func (m *mockClient) PlaceMarketOrder(ctx context.Context, symbol, side string, size float64) (*exchange.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marketErr != nil {
		return nil, m.marketErr
	}
	m.market = append(m.market, side+":"+strconv.FormatFloat(size, 'f', -1, 64))
	return &exchange.OrderResult{
		OrderID:    "flat-" + strconv.Itoa(len(m.market)),
		Status:     models.OrderStatusFilled,
		Price:      m.fillPrice,
		FilledSize: size,
	}, nil
}

func (m *mockClient) PlaceLimitOrder(ctx context.Context, symbol, side string, size, price float64, tif string) (*exchange.OrderResult, error) {
	return &exchange.OrderResult{OrderID: "lmt", Status: models.OrderStatusOpen, Price: price}, nil
}

func (m *mockClient) PlaceStopOrder(ctx context.Context, symbol, side string, size, trigger float64) (*exchange.OrderResult, error) {
	return &exchange.OrderResult{OrderID: "stp", Status: models.OrderStatusPending, Price: trigger}, nil
}

func (m *mockClient) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.cancelErr[orderID]; err != nil {
		return false, err
	}
	m.cancelled = append(m.cancelled, orderID)
	return true, nil
}

func (m *mockClient) GetOrderStatus(ctx context.Context, orderID string) (*models.OrderSnapshot, error) {
	if m.statusDelay > 0 {
		select {
		case <-time.After(m.statusDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls[orderID]++
	if err := m.statusErr[orderID]; err != nil {
		return nil, err
	}
	if o, ok := m.orders[orderID]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, exchange.ErrOrderNotFound
}

func (m *mockClient) GetAccountInfo(ctx context.Context) (*exchange.AccountInfo, error) {
	return &exchange.AccountInfo{Equity: 10000}, nil
}

func (m *mockClient) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priceCalls++
	if m.priceErr != nil {
		return 0, m.priceErr
	}
	return m.price, nil
}

func (m *mockClient) Network() string { return m.network }

func (m *mockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockClient) cancelledIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

type mockFactory struct {
	mu     sync.Mutex
	client *mockClient
	err    error
	keys   []string
}

func (m *mockFactory) NewClient(network string, key []byte) (exchange.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.keys = append(m.keys, string(key))
	return m.client, nil
}

// ============ Фикстуры ============

func openPosition(id, userID int64, side string, entry, size float64, openedAt time.Time) *models.Position {
	idStr := strconv.FormatInt(id, 10)
	return &models.Position{
		ID:           id,
		UserID:       userID,
		Symbol:       "BTC-USD",
		Side:         side,
		Status:       models.PositionStatusOpen,
		Network:      models.NetworkTestnet,
		OrderType:    models.OrderTypeMarket,
		EntryPrice:   entry,
		Size:         size,
		EntryOrderID: "entry-" + idStr,
		TPOrderID:    "tp-" + idStr,
		SLOrderID:    "sl-" + idStr,
		OpenedAt:     openedAt,
	}
}
