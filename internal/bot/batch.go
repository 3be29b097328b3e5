package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"signalbot/pkg/errclass"
	"signalbot/pkg/retry"
	"signalbot/pkg/utils"
)

var (
	// ErrBatchCircuitOpen - элемент отклонен без выполнения: доля ошибок пакета выше порога
	ErrBatchCircuitOpen = errors.New("batch circuit breaker is open")

	// ErrItemTimeout - попытка не уложилась в ItemTimeout; не повторяется
	ErrItemTimeout = errors.New("batch item timed out")
)

// Item - элемент пакета
type Item[T any] struct {
	ID    string
	Value T
}

// ItemResult - результат элемента; индекс совпадает с индексом входа
type ItemResult[R any] struct {
	ItemID   string
	Success  bool
	Value    R
	Err      error
	Attempts int
	Duration time.Duration
}

// BatchConfig - параметры BatchProcessor
type BatchConfig struct {
	Concurrency int           // одновременно выполняемых элементов (по умолчанию 10)
	ItemTimeout time.Duration // на одну попытку (по умолчанию 30s)

	// MaxRetries - повторов после первой попытки; 0 - без повторов
	MaxRetries int
	BaseDelay  time.Duration // пауза base * 2^attempt (по умолчанию 1s)

	BreakerRatio       float64       // доля ошибок для открытия (по умолчанию 0.5)
	BreakerMinRequests int           // минимум исходов до оценки (по умолчанию 10)
	BreakerRecovery    time.Duration // время в OPEN до пробного элемента (по умолчанию 60s)

	Adaptive        bool
	AdaptiveMin     int     // по умолчанию 1
	AdaptiveMax     int     // по умолчанию 50
	AdaptiveInitial int     // по умолчанию 10
	ThroughputFloor float64 // элементов/сек, ниже - пакет считается медленным (по умолчанию 1)
}

func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Concurrency:        10,
		ItemTimeout:        30 * time.Second,
		MaxRetries:         3,
		BaseDelay:          time.Second,
		BreakerRatio:       0.5,
		BreakerMinRequests: 10,
		BreakerRecovery:    60 * time.Second,
		Adaptive:           true,
		AdaptiveMin:        1,
		AdaptiveMax:        50,
		AdaptiveInitial:    10,
		ThroughputFloor:    1,
	}
}

func (c BatchConfig) withDefaults() BatchConfig {
	def := DefaultBatchConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = def.ItemTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.BreakerRatio <= 0 || c.BreakerRatio > 1 {
		c.BreakerRatio = def.BreakerRatio
	}
	if c.BreakerMinRequests <= 0 {
		c.BreakerMinRequests = def.BreakerMinRequests
	}
	if c.BreakerRecovery <= 0 {
		c.BreakerRecovery = def.BreakerRecovery
	}
	if c.AdaptiveMin <= 0 {
		c.AdaptiveMin = def.AdaptiveMin
	}
	if c.AdaptiveMax < c.AdaptiveMin {
		c.AdaptiveMax = c.AdaptiveMin
	}
	if c.AdaptiveInitial < c.AdaptiveMin || c.AdaptiveInitial > c.AdaptiveMax {
		c.AdaptiveInitial = c.AdaptiveMin
		if def.AdaptiveInitial <= c.AdaptiveMax && def.AdaptiveInitial >= c.AdaptiveMin {
			c.AdaptiveInitial = def.AdaptiveInitial
		}
	}
	if c.ThroughputFloor <= 0 {
		c.ThroughputFloor = def.ThroughputFloor
	}
	return c
}

// BatchProcessor - конкурентное выполнение однотипных операций.
//
// Политики:
//   - семафор ограничивает параллелизм (общий для всех Run процессора)
//   - таймаут на каждую попытку
//   - retry только для классифицированно повторяемых ошибок
//   - пакетный breaker по доле ошибок, состояние сохраняется между Run
//   - адаптивный размер подпакета по успешности и пропускной способности
type BatchProcessor struct {
	name    string
	cfg     BatchConfig
	sem     *semaphore.Weighted
	breaker *batchBreaker
	sizer   *adaptiveSizer
	logger  *zap.Logger
	now     func() time.Time
}

func NewBatchProcessor(name string, cfg BatchConfig, logger *zap.Logger) *BatchProcessor {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = utils.L().Logger
	}
	logger = logger.With(utils.Component("batch"), zap.String("batch", name))

	p := &BatchProcessor{
		name:   name,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger: logger,
		now:    time.Now,
	}
	p.breaker = newBatchBreaker(cfg, logger, func() time.Time { return p.now() })
	p.sizer = newAdaptiveSizer(cfg)
	return p
}

// BreakerState - состояние пакетного breaker'а для health отчета
func (p *BatchProcessor) BreakerState() string {
	return p.breaker.State()
}

// CurrentSize - текущий размер подпакета
func (p *BatchProcessor) CurrentSize() int {
	return p.sizer.Size()
}

// Run выполняет op для каждого элемента. Количество и порядок результатов
// совпадают со входом; отмена ctx помечает невыполненные элементы ошибкой ctx.
func Run[T, R any](ctx context.Context, p *BatchProcessor, items []Item[T], op func(ctx context.Context, v T) (R, error)) []ItemResult[R] {
	results := make([]ItemResult[R], len(items))

	for start := 0; start < len(items); {
		size := len(items) - start
		if p.cfg.Adaptive {
			if s := p.sizer.Size(); s < size {
				size = s
			}
		}
		chunk := items[start : start+size]

		began := p.now()
		var wg sync.WaitGroup
		for i, it := range chunk {
			idx := start + i
			if err := p.sem.Acquire(ctx, 1); err != nil {
				results[idx] = ItemResult[R]{ItemID: it.ID, Err: err}
				continue
			}
			wg.Add(1)
			go func(idx int, it Item[T]) {
				defer wg.Done()
				defer p.sem.Release(1)
				results[idx] = runItem(ctx, p, it, op)
			}(idx, it)
		}
		wg.Wait()

		if p.cfg.Adaptive {
			ok := 0
			for _, r := range results[start : start+size] {
				if r.Success {
					ok++
				}
			}
			p.sizer.Observe(ok, size, p.now().Sub(began))
			BatchSize.Set(float64(p.sizer.Size()))
		}

		start += size
	}

	return results
}

func runItem[T, R any](ctx context.Context, p *BatchProcessor, it Item[T], op func(ctx context.Context, v T) (R, error)) ItemResult[R] {
	res := ItemResult[R]{ItemID: it.ID}
	began := p.now()

	if !p.breaker.Allow() {
		res.Err = ErrBatchCircuitOpen
		BatchItems.WithLabelValues("circuit_open").Inc()
		return res
	}

	cfg := retry.Config{
		MaxRetries: p.cfg.MaxRetries,
		BaseDelay:  p.cfg.BaseDelay,
		MaxDelay:   p.cfg.BaseDelay * 32,
		Multiplier: 2,
		RetryIf:    retry.RetryIfClassified,
	}

	value, attempts, err := retry.DoWithResult(ctx, cfg, func(ctx context.Context, attempt int) (R, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.ItemTimeout)
		defer cancel()

		v, err := safeOp(attemptCtx, it, op)
		if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return v, retry.Permanent(fmt.Errorf("%w after %v: %v", ErrItemTimeout, p.cfg.ItemTimeout, err))
		}
		return v, err
	})

	res.Attempts = attempts
	res.Duration = p.now().Sub(began)
	p.breaker.Record(err == nil)

	if err != nil {
		res.Err = err
		label := "failure"
		var panicErr *errclass.PanicError
		switch {
		case errors.Is(err, ErrItemTimeout):
			label = "timeout"
		case errors.As(err, &panicErr):
			label = "panic"
			p.logger.Error("batch item panicked", zap.String("item_id", it.ID),
				zap.Any("panic", panicErr.Value), zap.Stack("stack"))
		}
		BatchItems.WithLabelValues(label).Inc()
		return res
	}

	res.Success = true
	res.Value = value
	BatchItems.WithLabelValues("success").Inc()
	return res
}

// safeOp превращает панику op в ошибку категории system:
// паника одного элемента не должна ронять пакет и процесс
func safeOp[T, R any](ctx context.Context, it Item[T], op func(ctx context.Context, v T) (R, error)) (v R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("item %s: %w", it.ID, &errclass.PanicError{Value: r})
		}
	}()
	return op(ctx, it.Value)
}

// ============================================================
// Пакетный breaker: доля ошибок по скользящему окну исходов
// ============================================================

const (
	batchClosed   = "CLOSED"
	batchOpen     = "OPEN"
	batchHalfOpen = "HALF_OPEN"
)

type batchBreaker struct {
	ratio       float64
	minRequests int
	recovery    time.Duration
	logger      *zap.Logger
	now         func() time.Time

	mu       sync.Mutex
	state    string
	outcomes []bool // true - ошибка; окно размером 2*minRequests
	next     int
	filled   int
	openedAt time.Time
	trial    bool
}

func newBatchBreaker(cfg BatchConfig, logger *zap.Logger, now func() time.Time) *batchBreaker {
	return &batchBreaker{
		ratio:       cfg.BreakerRatio,
		minRequests: cfg.BreakerMinRequests,
		recovery:    cfg.BreakerRecovery,
		logger:      logger,
		now:         now,
		state:       batchClosed,
		outcomes:    make([]bool, cfg.BreakerMinRequests*2),
	}
}

// Allow - можно ли выполнять элемент. В HALF_OPEN пропускается один пробный.
func (b *batchBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case batchOpen:
		if b.now().Sub(b.openedAt) < b.recovery {
			return false
		}
		b.state = batchHalfOpen
		b.trial = true
		b.logger.Info("batch breaker half-open, running trial item")
		return true
	case batchHalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	}
	return true
}

func (b *batchBreaker) Record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case batchHalfOpen:
		b.trial = false
		if ok {
			b.state = batchClosed
			b.reset()
			b.logger.Info("batch breaker closed after successful trial")
		} else {
			b.state = batchOpen
			b.openedAt = b.now()
			b.logger.Warn("batch breaker re-opened after failed trial")
		}
	case batchClosed:
		b.outcomes[b.next] = !ok
		b.next = (b.next + 1) % len(b.outcomes)
		if b.filled < len(b.outcomes) {
			b.filled++
		}
		if b.filled < b.minRequests {
			return
		}
		failures := 0
		for i := 0; i < b.filled; i++ {
			if b.outcomes[i] {
				failures++
			}
		}
		if rate := float64(failures) / float64(b.filled); rate >= b.ratio {
			b.state = batchOpen
			b.openedAt = b.now()
			b.logger.Warn("batch breaker opened",
				zap.Float64("failure_rate", rate), zap.Int("outcomes", b.filled))
		}
	}
}

func (b *batchBreaker) reset() {
	for i := range b.outcomes {
		b.outcomes[i] = false
	}
	b.next = 0
	b.filled = 0
}

func (b *batchBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ============================================================
// Адаптивный размер подпакета
// ============================================================

const (
	adaptiveHistory    = 3
	adaptiveAlpha      = 0.3
	healthySuccessRate = 0.9
	poorSuccessRate    = 0.7
)

type batchSample struct {
	successRate float64
	throughput  float64
}

type adaptiveSizer struct {
	min, max int
	floor    float64

	mu      sync.Mutex
	current float64
	history []batchSample
}

func newAdaptiveSizer(cfg BatchConfig) *adaptiveSizer {
	return &adaptiveSizer{
		min:     cfg.AdaptiveMin,
		max:     cfg.AdaptiveMax,
		floor:   cfg.ThroughputFloor,
		current: float64(cfg.AdaptiveInitial),
	}
}

func (s *adaptiveSizer) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clamp(int(math.Round(s.current)))
}

// Observe учитывает подпакет: total элементов, ok успешных, за elapsed
func (s *adaptiveSizer) Observe(ok, total int, elapsed time.Duration) {
	if total <= 0 {
		return
	}
	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = 1e-6
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, batchSample{
		successRate: float64(ok) / float64(total),
		throughput:  float64(total) / secs,
	})
	if len(s.history) > adaptiveHistory {
		s.history = s.history[len(s.history)-adaptiveHistory:]
	}

	var rate, tput float64
	for _, h := range s.history {
		rate += h.successRate
		tput += h.throughput
	}
	rate /= float64(len(s.history))
	tput /= float64(len(s.history))

	target := int(math.Round(s.current))
	switch {
	case rate >= healthySuccessRate && tput >= s.floor:
		target++
	case rate < poorSuccessRate || tput < s.floor/2:
		target--
	}
	target = s.clamp(target)

	s.current = adaptiveAlpha*float64(target) + (1-adaptiveAlpha)*s.current
}

func (s *adaptiveSizer) clamp(v int) int {
	if v < s.min {
		return s.min
	}
	if v > s.max {
		return s.max
	}
	return v
}
