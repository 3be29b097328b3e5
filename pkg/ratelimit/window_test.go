package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock - управляемое время для детектора
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDetector(cfg WindowConfig) (*Detector, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	d := NewDetector(cfg)
	d.now = clock.now
	return d, clock
}

// ============================================================
// Detector
// ============================================================

func TestDetector_AllowsUpToLimit(t *testing.T) {
	d, clock := newTestDetector(WindowConfig{Window: time.Minute, MaxRequests: 10})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		dec, err := d.Check(ctx, "webhook:abc")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !dec.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if dec.Remaining != 10-(i+1) {
			t.Errorf("request %d: remaining = %d, want %d", i+1, dec.Remaining, 10-(i+1))
		}
		clock.advance(time.Second)
	}

	dec, _ := d.Check(ctx, "webhook:abc")
	if dec.Allowed {
		t.Error("11th request within window should be rejected")
	}
	if dec.RetryAfter <= 0 {
		t.Error("rejected request should carry RetryAfter")
	}
	if !d.IsRateLimited("webhook:abc") {
		t.Error("key should be marked rate limited")
	}
}

func TestDetector_KeysAreIndependent(t *testing.T) {
	d, _ := newTestDetector(WindowConfig{Window: time.Minute, MaxRequests: 1})
	ctx := context.Background()

	if dec, _ := d.Check(ctx, "a"); !dec.Allowed {
		t.Fatal("first request for a should be allowed")
	}
	if dec, _ := d.Check(ctx, "b"); !dec.Allowed {
		t.Error("first request for b should be allowed")
	}
	if dec, _ := d.Check(ctx, "a"); dec.Allowed {
		t.Error("second request for a should be rejected")
	}
}

func TestDetector_WindowSlides(t *testing.T) {
	d, clock := newTestDetector(WindowConfig{
		Window:      time.Minute,
		MaxRequests: 2,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Second,
	})
	ctx := context.Background()

	d.Check(ctx, "k")
	clock.advance(30 * time.Second)
	d.Check(ctx, "k")

	if dec, _ := d.Check(ctx, "k"); dec.Allowed {
		t.Fatal("third request should be rejected")
	}

	// Первая метка выходит из окна через 60s после нее
	clock.advance(31 * time.Second)
	if dec, _ := d.Check(ctx, "k"); !dec.Allowed {
		t.Error("request should be allowed after oldest timestamp left the window")
	}
}

func TestDetector_BackoffGrowsWithViolations(t *testing.T) {
	d, clock := newTestDetector(WindowConfig{
		Window:      time.Second,
		MaxRequests: 1,
		BaseBackoff: 10 * time.Second,
		MaxBackoff:  time.Minute,
	})
	ctx := context.Background()

	d.Check(ctx, "k")
	first, _ := d.Check(ctx, "k")
	if first.Allowed || first.RetryAfter != 10*time.Second {
		t.Fatalf("first violation: got %+v, want RetryAfter=10s", first)
	}

	// Во время блокировки запросы не учитываются
	clock.advance(5 * time.Second)
	during, _ := d.Check(ctx, "k")
	if during.Allowed || during.RetryAfter != 5*time.Second {
		t.Fatalf("during block: got %+v, want RetryAfter=5s", during)
	}

	clock.advance(5 * time.Second)
	if dec, _ := d.Check(ctx, "k"); !dec.Allowed {
		t.Fatal("request after block should be allowed")
	}

	// Успешный запрос обнуляет счетчик нарушений
	second, _ := d.Check(ctx, "k")
	if second.RetryAfter != 10*time.Second {
		t.Errorf("violations should reset after allowed request, RetryAfter = %v", second.RetryAfter)
	}
}

func TestWindowConfig_BackoffFor(t *testing.T) {
	cfg := WindowConfig{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}

	tests := []struct {
		violations int
		want       time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := cfg.backoffFor(tt.violations); got != tt.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tt.violations, got, tt.want)
		}
	}
}

func TestDetector_ResetAndCleanup(t *testing.T) {
	d, clock := newTestDetector(WindowConfig{Window: time.Minute, MaxRequests: 1, BaseBackoff: time.Second, MaxBackoff: time.Second})
	ctx := context.Background()

	d.Check(ctx, "a")
	d.Check(ctx, "b")
	d.Check(ctx, "b")

	d.Reset("b")
	if d.IsRateLimited("b") {
		t.Error("reset key should not be rate limited")
	}

	clock.advance(2 * time.Minute)
	if removed := d.Cleanup(); removed != 1 {
		t.Errorf("Cleanup removed %d keys, want 1", removed)
	}
	if d.Len() != 0 {
		t.Errorf("Len = %d after cleanup, want 0", d.Len())
	}
}

func TestNewDetector_Defaults(t *testing.T) {
	d := NewDetector(WindowConfig{})
	if d.cfg.Window != 60*time.Second {
		t.Errorf("default window = %v, want 60s", d.cfg.Window)
	}
	if d.cfg.MaxRequests != 10 {
		t.Errorf("default max requests = %d, want 10", d.cfg.MaxRequests)
	}
}

// ============================================================
// FailoverLimiter
// ============================================================

type errLimiter struct{ err error }

func (l errLimiter) Check(context.Context, string) (Decision, error) {
	return Decision{}, l.err
}

func TestFailoverLimiter_FallsBackOnError(t *testing.T) {
	fallback, _ := newTestDetector(WindowConfig{MaxRequests: 1})
	var reported error
	f := NewFailoverLimiter(errLimiter{err: errors.New("redis down")}, fallback, func(err error) { reported = err })

	dec, err := f.Check(context.Background(), "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.Allowed {
		t.Error("fallback should allow first request")
	}
	if reported == nil {
		t.Error("primary error should be reported")
	}

	if dec, _ := f.Check(context.Background(), "k"); dec.Allowed {
		t.Error("fallback limit should apply")
	}
}
