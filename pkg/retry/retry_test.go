package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTemp = errors.New("connection reset")

func fastConfig(retries int) Config {
	return Config{MaxRetries: retries, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	var calls int
	attempts, err := Do(context.Background(), fastConfig(3), func(_ context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errTemp
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d, calls = %d, want 3", attempts, calls)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	attempts, err := Do(context.Background(), fastConfig(3), func(context.Context, int) error {
		return errTemp
	})

	if !errors.Is(err, errTemp) {
		t.Errorf("err = %v, want errTemp", err)
	}
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4 (1 + 3 retries)", attempts)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	errBad := errors.New("bad request")
	attempts, err := Do(context.Background(), fastConfig(5), func(context.Context, int) error {
		return Permanent(errBad)
	})

	if err != errBad {
		t.Errorf("err = %v, want unwrapped errBad", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestDo_RetryIfClassified(t *testing.T) {
	cfg := fastConfig(3)
	cfg.RetryIf = RetryIfClassified

	attempts, _ := Do(context.Background(), cfg, func(context.Context, int) error {
		return errors.New("invalid size")
	})
	if attempts != 1 {
		t.Errorf("validation error retried: attempts = %d", attempts)
	}

	attempts, _ = Do(context.Background(), cfg, func(context.Context, int) error {
		return errors.New("i/o timeout")
	})
	if attempts != 4 {
		t.Errorf("network error not retried: attempts = %d", attempts)
	}
}

func TestDo_ContextCancelDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}

	started := make(chan struct{}, 1)
	done := make(chan struct{})
	var err error
	go func() {
		_, err = Do(ctx, cfg, func(context.Context, int) error {
			started <- struct{}{}
			return errTemp
		})
		close(done)
	}()

	<-started
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancel")
	}
	if !errors.Is(err, errTemp) {
		t.Errorf("err = %v, want last operation error", err)
	}
}

func TestConfig_Delay(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{4, time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDoWithResult(t *testing.T) {
	v, attempts, err := DoWithResult(context.Background(), fastConfig(2), func(_ context.Context, attempt int) (string, error) {
		if attempt == 0 {
			return "", errTemp
		}
		return "ok", nil
	})
	if err != nil || v != "ok" || attempts != 2 {
		t.Errorf("got (%q, %d, %v)", v, attempts, err)
	}
}
