package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy() Policy {
	return Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(), 5, nil, func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryExhausted(t *testing.T) {
	boom := errors.New("boom")
	err := Retry(context.Background(), fastPolicy(), 3, nil, func(int) error {
		return boom
	})
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Errorf("want ErrAttemptsExhausted, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("last error should be retained, got %v", err)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Retry(context.Background(), fastPolicy(), 5, func(err error) bool {
		return !errors.Is(err, permanent)
	}, func(int) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("want permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, fastPolicy(), 3, nil, func(int) error {
		t.Fatal("fn should not run with cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
}

func TestPolicyDelayGrowsAndCaps(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 400 * time.Millisecond, Factor: 2}

	d1 := p.delayWithRand(1, 0)
	d2 := p.delayWithRand(2, 0)
	d4 := p.delayWithRand(4, 0)

	if d1 != 100*time.Millisecond {
		t.Errorf("attempt 1 delay = %v, want 100ms", d1)
	}
	if d2 != 200*time.Millisecond {
		t.Errorf("attempt 2 delay = %v, want 200ms", d2)
	}
	if d4 != 400*time.Millisecond {
		t.Errorf("attempt 4 delay = %v, want capped 400ms", d4)
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("sleep did not abort on cancellation")
	}
}
