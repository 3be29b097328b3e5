package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"signalbot/pkg/errclass"
)

var errBoom = errors.New("boom")

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestRegistry(threshold int, recovery time.Duration) (*Registry, *testClock) {
	clock := &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRegistry(Config{FailureThreshold: threshold, RecoveryTimeout: recovery}, nil)
	r.now = clock.now
	return r, clock
}

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

// ============================================================
// Переходы состояний
// ============================================================

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	r, _ := newTestRegistry(3, time.Minute)
	b := r.Get("exchange:testnet")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		b.Execute(ctx, fail)
		if b.State() != StateClosed {
			t.Fatalf("after %d failures state = %s, want CLOSED", i+1, b.State())
		}
	}

	b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("after 3 failures state = %s, want OPEN", b.State())
	}

	var calls int32
	err := b.Execute(ctx, func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
	if calls != 0 {
		t.Error("operation must not be invoked while OPEN")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	r, _ := newTestRegistry(3, time.Minute)
	b := r.Get("svc")
	ctx := context.Background()

	b.Execute(ctx, fail)
	b.Execute(ctx, fail)
	b.Execute(ctx, ok)
	b.Execute(ctx, fail)
	b.Execute(ctx, fail)

	if b.State() != StateClosed {
		t.Errorf("failures are not consecutive, state = %s, want CLOSED", b.State())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	r, clock := newTestRegistry(2, 30*time.Second)
	b := r.Get("svc")
	ctx := context.Background()

	b.Execute(ctx, fail)
	b.Execute(ctx, fail)

	clock.t = clock.t.Add(29 * time.Second)
	if err := b.Execute(ctx, ok); !errors.Is(err, ErrOpen) {
		t.Fatalf("before recovery timeout err = %v, want ErrOpen", err)
	}

	clock.t = clock.t.Add(2 * time.Second)
	var called bool
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		if b.State() != StateHalfOpen {
			t.Errorf("state during trial = %s, want HALF_OPEN", b.State())
		}
		return nil
	})
	if err != nil || !called {
		t.Fatalf("trial should run after recovery timeout, err = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state after successful trial = %s, want CLOSED", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	r, clock := newTestRegistry(1, time.Second)
	b := r.Get("svc")
	ctx := context.Background()

	b.Execute(ctx, fail)
	clock.t = clock.t.Add(2 * time.Second)

	if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("trial should run and fail, got %v", err)
	}
	if b.State() != StateOpen {
		t.Errorf("state = %s, want OPEN", b.State())
	}
	if err := b.Execute(ctx, ok); !errors.Is(err, ErrOpen) {
		t.Errorf("immediate call after failed trial err = %v, want ErrOpen", err)
	}
}

func TestBreaker_SingleTrialInHalfOpen(t *testing.T) {
	r, clock := newTestRegistry(1, time.Second)
	b := r.Get("svc")
	ctx := context.Background()

	b.Execute(ctx, fail)
	clock.t = clock.t.Add(2 * time.Second)

	err := b.Execute(ctx, func(ctx context.Context) error {
		if err := b.Execute(ctx, ok); !errors.Is(err, ErrOpen) {
			t.Errorf("second call during trial err = %v, want ErrOpen", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("trial err = %v", err)
	}
}

func TestBreaker_PanicReleasesTrial(t *testing.T) {
	r, clock := newTestRegistry(1, time.Second)
	b := r.Get("svc")
	ctx := context.Background()

	b.Execute(ctx, fail)
	clock.t = clock.t.Add(2 * time.Second)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic must propagate to the caller")
			}
		}()
		b.Execute(ctx, func(context.Context) error {
			var m map[string]int
			m["x"] = 1
			return nil
		})
	}()

	if b.State() != StateOpen {
		t.Fatalf("state after panicking trial = %s, want OPEN", b.State())
	}

	clock.t = clock.t.Add(2 * time.Second)
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatalf("next trial must be admitted, got %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", b.State())
	}
}

func TestBreaker_PanicCountsAsFailure(t *testing.T) {
	r := NewRegistry(Config{
		FailureThreshold: 1,
		IsFailure:        func(error) bool { return false },
	}, nil)
	b := r.Get("svc")

	func() {
		defer func() { recover() }()
		b.Execute(context.Background(), func(context.Context) error { panic("boom") })
	}()
	if b.State() != StateOpen {
		t.Errorf("panic must count as failure regardless of IsFailure, state = %s", b.State())
	}
}

func TestErrOpen_ClassifiedAsAPI(t *testing.T) {
	got := errclass.Classify(fmt.Errorf("place order: %w", ErrOpen))
	if got.Category != errclass.CategoryAPI || got.Severity != errclass.SeverityMedium || !got.Retryable {
		t.Errorf("Classify(ErrOpen) = %+v", got)
	}
	if !errors.Is(fmt.Errorf("wrapped: %w", ErrOpen), ErrOpen) {
		t.Error("wrapped ErrOpen must match errors.Is")
	}
}

func TestBreaker_CanceledContextIsNotFailure(t *testing.T) {
	r, _ := newTestRegistry(1, time.Minute)
	b := r.Get("svc")

	b.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	if b.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED", b.State())
	}
}

func TestBreaker_CustomIsFailure(t *testing.T) {
	errRejected := errors.New("order rejected")
	r := NewRegistry(Config{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, errRejected) },
	}, nil)
	b := r.Get("svc")

	b.Execute(context.Background(), func(context.Context) error { return errRejected })
	if b.State() != StateClosed {
		t.Errorf("business rejection should not open breaker, state = %s", b.State())
	}
}

func TestExecuteWithResult(t *testing.T) {
	r, _ := newTestRegistry(5, time.Minute)
	v, err := ExecuteWithResult(context.Background(), r.Get("svc"), func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Errorf("got (%d, %v), want (42, nil)", v, err)
	}
}

// ============================================================
// Registry
// ============================================================

func TestRegistry_LazyAndIsolated(t *testing.T) {
	r, _ := newTestRegistry(1, time.Minute)
	if len(r.Snapshot()) != 0 {
		t.Fatal("registry should start empty")
	}

	if r.Get("a") != r.Get("a") {
		t.Error("Get should return the same breaker for a name")
	}

	r.Execute(context.Background(), "a", fail)
	if r.Get("b").State() != StateClosed {
		t.Error("breakers must be independent")
	}
	if r.OpenCount() != 1 {
		t.Errorf("OpenCount = %d, want 1", r.OpenCount())
	}

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].Name != "a" || snap[0].State != "OPEN" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestRegistry_Reset(t *testing.T) {
	var transitions []string
	r := NewRegistry(Config{
		FailureThreshold: 1,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	}, nil)

	if r.Reset("missing") {
		t.Error("Reset of unknown service should return false")
	}

	r.Execute(context.Background(), "svc", fail)
	if !r.Reset("svc") {
		t.Fatal("Reset should return true")
	}
	if r.Get("svc").State() != StateClosed {
		t.Error("state after reset should be CLOSED")
	}

	want := []string{"svc:CLOSED->OPEN", "svc:OPEN->CLOSED"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestState_String(t *testing.T) {
	if StateHalfOpen.String() != "HALF_OPEN" || State(99).String() != "UNKNOWN" {
		t.Error("unexpected State.String output")
	}
}
