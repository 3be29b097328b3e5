package circuitbreaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"signalbot/pkg/errclass"
)

// ErrOpen - вызов отклонен без выполнения операции.
// Классифицируется как api: недоступен внешний сервис, а не запрос.
var ErrOpen error = openError{}

type openError struct{}

func (openError) Error() string { return "circuit breaker is open" }

func (openError) ErrorCategory() errclass.Category { return errclass.CategoryAPI }

// State - состояние автомата
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config - параметры автомата
type Config struct {
	FailureThreshold int           // подряд идущих ошибок до OPEN (по умолчанию 5)
	RecoveryTimeout  time.Duration // время в OPEN до пробного вызова (по умолчанию 60s)

	// IsFailure решает, считается ли ошибка отказом сервиса.
	// nil: любая ошибка кроме отмены контекста вызывающим.
	IsFailure func(error) bool

	// OnStateChange вызывается после смены состояния (вне lock'а)
	OnStateChange func(name string, from, to State)
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// Breaker защищает один внешний сервис.
//
// CLOSED -> OPEN: FailureThreshold ошибок подряд
// OPEN -> HALF_OPEN: прошло RecoveryTimeout с последней ошибки
// HALF_OPEN -> CLOSED: один успешный вызов
// HALF_OPEN -> OPEN: любая ошибка
//
// В HALF_OPEN пропускается только один пробный вызов одновременно.
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	successes     int64
	lastFailure   time.Time
	trialInFlight bool
}

func newBreaker(name string, cfg Config, logger *zap.Logger, now func() time.Time) *Breaker {
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		now:    now,
		state:  StateClosed,
	}
}

// Execute выполняет fn под защитой автомата.
// В состоянии OPEN fn не вызывается и возвращается ErrOpen.
// Паника fn засчитывается как отказ и пробрасывается дальше.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.record(&errclass.PanicError{Value: r})
			panic(r)
		}
	}()
	err := fn(ctx)
	b.record(err)
	return err
}

// ExecuteWithResult - Execute для операций с результатом
func ExecuteWithResult[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// acquire проверяет, можно ли выполнить вызов
func (b *Breaker) acquire() error {
	b.mu.Lock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.trialInFlight = true
		b.transitionLocked(StateHalfOpen)
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return ErrOpen
		}
		b.trialInFlight = true
	}

	b.mu.Unlock()
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()

	if err != nil && !b.isFailure(err) {
		// Не отказ сервиса: пробный слот освобождается без перехода
		b.trialInFlight = false
		b.mu.Unlock()
		return
	}

	if err == nil {
		b.successes++
		b.failures = 0
		if b.state == StateHalfOpen {
			b.trialInFlight = false
			b.transitionLocked(StateClosed)
			return
		}
		b.mu.Unlock()
		return
	}

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		b.transitionLocked(StateOpen)
		return
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
			return
		}
	}
	b.mu.Unlock()
}

func (b *Breaker) isFailure(err error) bool {
	var panicErr *errclass.PanicError
	if errors.As(err, &panicErr) {
		return true
	}
	if b.cfg.IsFailure != nil {
		return b.cfg.IsFailure(err)
	}
	return !errors.Is(err, context.Canceled)
}

// transitionLocked меняет состояние и освобождает mu
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	failures := b.failures
	b.mu.Unlock()

	if from == to {
		return
	}

	fields := []zap.Field{
		zap.String("service", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("consecutive_failures", failures),
	}
	if to == StateOpen {
		b.logger.Warn("circuit breaker opened", fields...)
	} else {
		b.logger.Info("circuit breaker state changed", fields...)
	}

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// State - текущее состояние без побочных эффектов
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset принудительно возвращает автомат в CLOSED
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.trialInFlight = false
	b.transitionLocked(StateClosed)
}

// Stats - снимок состояния для ops API
type Stats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SuccessCount        int64     `json:"success_count"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		SuccessCount:        b.successes,
		LastFailure:         b.lastFailure,
	}
}

// ============================================================
// Registry - автоматы по имени сервиса, один на процесс
// ============================================================

type Registry struct {
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry создает реестр; автоматы создаются лениво при первом Get
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "circuit_breaker")),
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
}

// Get возвращает автомат сервиса, создавая его при необходимости
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = newBreaker(name, r.cfg, r.logger, r.now)
		r.breakers[name] = b
	}
	return b
}

// Execute - сокращение для Get(name).Execute
func (r *Registry) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.Get(name).Execute(ctx, fn)
}

// Reset сбрасывает автомат; false если сервис еще не использовался
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Snapshot - состояния всех автоматов, отсортированные по имени
func (r *Registry) Snapshot() []Stats {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OpenCount - количество автоматов в состоянии OPEN
func (r *Registry) OpenCount() int {
	n := 0
	for _, s := range r.Snapshot() {
		if s.State == StateOpen.String() {
			n++
		}
	}
	return n
}
