package websocket

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"signalbot/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ============ sync.Pool для JSON буферов ============

var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

const broadcastBufferSize = 256

// Hub управляет WebSocket соединениями ops-дашбордов.
//
// Через hub проходят события торговой саги (уведомления, изменения позиций)
// и мониторинга (алерты, итоги циклов воркера). Клиенты только читают поток.
//
// Broadcast никогда не блокирует вызывающего: при переполненной очереди
// сообщение отбрасывается и учитывается в DroppedMessages.
//
// Использование:
//  1. hub := NewHub(origins, logger)
//  2. go hub.Run(ctx)
//  3. router.HandleFunc("/ws/stream", hub.ServeWS)
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	done     chan struct{}
	stopOnce sync.Once

	upgrader websocket.Upgrader
	logger   *zap.Logger

	dropped atomic.Int64
}

// NewHub создает hub. Пустой список origins разрешает любой Origin.
func NewHub(origins []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		upgrader:   newUpgrader(NewOriginChecker(origins)),
		logger:     logger.With(zap.String("component", "ws_hub")),
	}
}

// Run - главный цикл hub. Завершается по отмене ctx или Stop,
// закрывая каналы отправки всех клиентов.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			h.Stop()
			return

		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", zap.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", zap.Int("clients", total))

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

// fanOut рассылает сообщение; клиенты с полным буфером отключаются
func (h *Hub) fanOut(message []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	var slow []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			slow = append(slow, client)
		}
	}

	if len(slow) == 0 {
		return
	}

	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			close(client.send)
		}
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Warn("removed slow clients", zap.Int("removed", len(slow)), zap.Int("clients", total))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// Stop останавливает Run; повторные вызовы безопасны
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast сериализует message и ставит его в очередь рассылки
func (h *Hub) Broadcast(message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		h.logger.Error("marshal broadcast message", zap.Error(err))
		jsonBufferPool.Put(buf)
		return
	}

	data := bytes.TrimRight(buf.Bytes(), "\n")
	msg := make([]byte, len(data))
	copy(msg, data)
	jsonBufferPool.Put(buf)

	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.dropped.Add(1)
	}
}

// BroadcastNotification отправляет запись журнала уведомлений
func (h *Hub) BroadcastNotification(n *models.Notification) {
	if n == nil {
		return
	}
	h.Broadcast(NewNotificationMessage(n))
}

// BroadcastPositionUpdate отправляет снимок позиции
func (h *Hub) BroadcastPositionUpdate(pos *models.Position) {
	if pos == nil {
		return
	}
	h.Broadcast(NewPositionUpdateMessage(pos))
}

// BroadcastAlert отправляет сработавшее правило мониторинга
func (h *Hub) BroadcastAlert(rule, severity, message string) {
	h.Broadcast(NewAlertMessage(rule, severity, message))
}

// BroadcastCycle отправляет метрики цикла воркера
func (h *Hub) BroadcastCycle(metrics interface{}) {
	h.Broadcast(NewCycleMessage(metrics))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages - сообщения, не попавшие в очередь рассылки
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
