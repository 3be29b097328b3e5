package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"signalbot/pkg/errclass"
)

// Config - экспоненциальный backoff
//
// delay(attempt) = min(BaseDelay * Multiplier^attempt, MaxDelay) +/- jitter
// attempt считается с нуля: первая пауза равна BaseDelay.
type Config struct {
	// MaxRetries - повторов после первой попытки (всего попыток MaxRetries+1)
	MaxRetries int

	BaseDelay  time.Duration // по умолчанию 100ms
	MaxDelay   time.Duration // по умолчанию 30s
	Multiplier float64       // по умолчанию 2.0

	// JitterFactor 0.0-1.0; 0 - детерминированные паузы
	JitterFactor float64

	// RetryIf решает, повторять ли ошибку. nil - повторять все,
	// кроме Permanent и отмены контекста.
	RetryIf func(error) bool

	// OnRetry вызывается перед паузой
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig - 3 повтора, 100ms/200ms/400ms без jitter
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
	}
}

// NetworkConfig - для вызовов внешних API: дольше паузы, есть jitter
func NetworkConfig() Config {
	return Config{
		MaxRetries:   3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
		RetryIf:      RetryIfClassified,
	}
}

func (c *Config) normalize() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
}

// Delay - пауза перед повтором номер attempt (с нуля)
func (c Config) Delay(attempt int) time.Duration {
	c.normalize()

	delay := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		delay += delay * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (c Config) shouldRetry(err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if c.RetryIf != nil {
		return c.RetryIf(err)
	}
	return true
}

// Do выполняет operation с повторами.
// operation получает номер попытки (с нуля).
// Возвращает nil при успехе или последнюю ошибку; Attempts - сколько было попыток.
func Do(ctx context.Context, cfg Config, operation func(ctx context.Context, attempt int) error) (attempts int, err error) {
	_, attempts, err = DoWithResult(ctx, cfg, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, operation(ctx, attempt)
	})
	return attempts, err
}

// DoWithResult - Do для операций с результатом
func DoWithResult[T any](ctx context.Context, cfg Config, operation func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	cfg.normalize()

	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, attempt, lastErr
			}
			return zero, attempt, err
		}

		result, err := operation(ctx, attempt)
		if err == nil {
			return result, attempt + 1, nil
		}
		lastErr = err

		if attempt == cfg.MaxRetries || !cfg.shouldRetry(err) {
			return zero, attempt + 1, unwrapPermanent(err)
		}

		delay := cfg.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt + 1, lastErr
		}
	}

	return zero, cfg.MaxRetries + 1, lastErr
}

// ============================================================
// Классификация
// ============================================================

// RetryIfClassified повторяет только network/api/rate_limit/unknown
func RetryIfClassified(err error) bool {
	return errclass.IsRetryable(err)
}

// PermanentError - ошибка, которую нельзя повторять
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent помечает ошибку как неповторяемую
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func unwrapPermanent(err error) error {
	var perm *PermanentError
	if errors.As(err, &perm) && perm == err {
		return perm.Err
	}
	return err
}
