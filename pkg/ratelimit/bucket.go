package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket - ограничитель исходящих запросов к REST API биржи
//
// Ведро пополняется со скоростью rate токенов/сек до burst.
// Каждый запрос забирает один токен; при пустом ведре Wait ждет.
type TokenBucket struct {
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket создает ведро, изначально заполненное.
// rate <= 0 означает 10 req/sec, burst <= 0 означает 2*rate.
func NewTokenBucket(rate, burst float64) *TokenBucket {
	if rate <= 0 {
		rate = 10
	}
	if burst <= 0 {
		burst = rate * 2
	}
	if burst < rate {
		burst = rate
	}

	return &TokenBucket{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// refill вызывается под lock'ом
func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastRefill = now
}

// Wait блокирует до получения токена или отмены контекста
func (b *TokenBucket) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refill()
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Allow забирает токен без ожидания
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Tokens - текущее количество токенов
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// ============================================================
// EndpointLimiter - лимиты по категориям эндпоинтов биржи
// ============================================================

// Категории запросов к бирже
const (
	CategoryOrders = "orders" // размещение/отмена ордеров
	CategoryReads  = "reads"  // статусы ордеров, цены, аккаунт
)

// EndpointLimiter хранит отдельное ведро на каждую категорию.
// Для категории без лимита Wait возвращается сразу.
type EndpointLimiter struct {
	buckets map[string]*TokenBucket
	mu      sync.RWMutex
}

func NewEndpointLimiter() *EndpointLimiter {
	return &EndpointLimiter{buckets: make(map[string]*TokenBucket)}
}

// Set задает лимит для категории
func (l *EndpointLimiter) Set(category string, rate, burst float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[category] = NewTokenBucket(rate, burst)
}

func (l *EndpointLimiter) Wait(ctx context.Context, category string) error {
	l.mu.RLock()
	b, ok := l.buckets[category]
	l.mu.RUnlock()
	if !ok {
		return nil
	}
	return b.Wait(ctx)
}
