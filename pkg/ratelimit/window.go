package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter - общий контракт детекторов частоты запросов.
// Реализации: Detector (in-memory) и RedisDetector (общий для нескольких инстансов).
type Limiter interface {
	Check(ctx context.Context, key string) (Decision, error)
}

// Decision - результат проверки ключа
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// WindowConfig - параметры скользящего окна
type WindowConfig struct {
	Window      time.Duration // ширина окна (по умолчанию 60s)
	MaxRequests int           // запросов в окне (по умолчанию 10)
	BaseBackoff time.Duration // блокировка после первого превышения
	MaxBackoff  time.Duration // потолок экспоненциальной блокировки
}

// DefaultWindowConfig - 10 запросов за 60 секунд
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		Window:      60 * time.Second,
		MaxRequests: 10,
		BaseBackoff: 5 * time.Second,
		MaxBackoff:  5 * time.Minute,
	}
}

func (c WindowConfig) withDefaults() WindowConfig {
	def := DefaultWindowConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = def.MaxRequests
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = def.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	return c
}

// backoffFor - base * 2^(violations-1), не больше MaxBackoff
func (c WindowConfig) backoffFor(violations int) time.Duration {
	d := c.BaseBackoff
	for i := 1; i < violations && d < c.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}

// window - состояние одного ключа
type window struct {
	timestamps   []time.Time // по возрастанию
	limitedUntil time.Time
	violations   int
}

// Detector - in-memory реестр скользящих окон по ключу вызывающего.
// Один экземпляр на процесс; вся мутация под mu.
type Detector struct {
	cfg     WindowConfig
	windows map[string]*window
	now     func() time.Time
	mu      sync.Mutex
}

func NewDetector(cfg WindowConfig) *Detector {
	return &Detector{
		cfg:     cfg.withDefaults(),
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Check учитывает запрос по ключу.
// Отклоненные запросы не попадают в окно.
func (d *Detector) Check(_ context.Context, key string) (Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	w, ok := d.windows[key]
	if !ok {
		w = &window{}
		d.windows[key] = w
	}

	if now.Before(w.limitedUntil) {
		return Decision{Allowed: false, RetryAfter: w.limitedUntil.Sub(now)}, nil
	}

	w.prune(now.Add(-d.cfg.Window))

	if len(w.timestamps) >= d.cfg.MaxRequests {
		w.violations++
		until := now.Add(d.cfg.backoffFor(w.violations))
		if freed := w.timestamps[0].Add(d.cfg.Window); freed.After(until) {
			until = freed
		}
		w.limitedUntil = until
		return Decision{Allowed: false, RetryAfter: until.Sub(now)}, nil
	}

	w.timestamps = append(w.timestamps, now)
	w.violations = 0
	return Decision{Allowed: true, Remaining: d.cfg.MaxRequests - len(w.timestamps)}, nil
}

// prune удаляет метки старше cutoff
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}

// IsRateLimited - ключ находится в блокировке
func (d *Detector) IsRateLimited(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[key]
	return ok && d.now().Before(w.limitedUntil)
}

// Reset сбрасывает состояние ключа
func (d *Detector) Reset(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.windows, key)
}

// Cleanup удаляет ключи без запросов в окне и без активной блокировки.
// Возвращает количество удаленных ключей.
func (d *Detector) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	cutoff := now.Add(-d.cfg.Window)
	removed := 0
	for key, w := range d.windows {
		w.prune(cutoff)
		if len(w.timestamps) == 0 && !now.Before(w.limitedUntil) {
			delete(d.windows, key)
			removed++
		}
	}
	return removed
}

// Len - количество отслеживаемых ключей
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.windows)
}

var _ Limiter = (*Detector)(nil)
