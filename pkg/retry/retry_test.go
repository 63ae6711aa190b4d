package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errTransient = errors.New("transient error")
	errTerminal  = errors.New("terminal error")
)

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	cfg := Config{MaxAttempts: 5, Interval: 5 * time.Millisecond}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return nil
	}, nil)

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	cfg := Config{MaxAttempts: 5, Interval: time.Millisecond}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errTransient
		}
		return nil
	}, func(err error, attempt int) bool { return true })

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got: %d", attempts)
	}
}

func TestDo_AttemptsExactlyCap(t *testing.T) {
	cfg := Config{MaxAttempts: 30, Interval: 0}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return errTransient
	}, func(err error, attempt int) bool { return true })

	if err == nil {
		t.Fatal("Expected error after exhausting attempts, got nil")
	}
	if attempts != 30 {
		t.Errorf("Expected exactly 30 attempts, got: %d", attempts)
	}
	if !errors.Is(err, errTransient) {
		t.Errorf("Expected wrapped last error, got: %v", err)
	}
}

func TestDo_FixedIntervalObserved(t *testing.T) {
	cfg := Config{MaxAttempts: 3, Interval: 20 * time.Millisecond}

	start := time.Now()
	_ = Do(context.Background(), cfg, func() error {
		return errTransient
	}, func(err error, attempt int) bool { return true })
	elapsed := time.Since(start)

	// Two waits between three attempts.
	if elapsed < 40*time.Millisecond {
		t.Errorf("Expected at least 40ms elapsed, got: %v", elapsed)
	}
}

func TestDo_PredicateDeclines(t *testing.T) {
	cfg := Config{MaxAttempts: 5, Interval: time.Millisecond}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return errTerminal
	}, func(err error, attempt int) bool { return !errors.Is(err, errTerminal) })

	if !errors.Is(err, errTerminal) {
		t.Errorf("Expected terminal error returned unwrapped, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestDo_PredicateSeesAttemptCount(t *testing.T) {
	cfg := Config{MaxAttempts: 10, Interval: 0}

	var seen []int
	_ = Do(context.Background(), cfg, func() error {
		return errTransient
	}, func(err error, attempt int) bool {
		seen = append(seen, attempt)
		return attempt < 3
	})

	if len(seen) != 3 {
		t.Fatalf("Expected predicate consulted 3 times, got: %d", len(seen))
	}
	for i, attempt := range seen {
		if attempt != i+1 {
			t.Errorf("Expected attempt %d at position %d, got: %d", i+1, i, attempt)
		}
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	cfg := Config{MaxAttempts: 10, Interval: 50 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func() error {
		attempts++
		return errTransient
	}, func(err error, attempt int) bool { return true })

	if err == nil {
		t.Error("Expected error due to context cancellation, got nil")
	}
	if attempts < 1 || attempts > 2 {
		t.Errorf("Expected cancellation to stop retrying early, got %d attempts", attempts)
	}
}

func TestDoWithResult_ReturnsValue(t *testing.T) {
	cfg := Config{MaxAttempts: 3, Interval: time.Millisecond}

	attempts := 0
	result, err := DoWithResult(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errTransient
		}
		return "track-1", nil
	}, func(err error, attempt int) bool { return true })

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if result != "track-1" {
		t.Errorf("Expected track-1, got: %s", result)
	}
}

func TestDefaultSignalingConfig(t *testing.T) {
	cfg := DefaultSignalingConfig()
	if cfg.MaxAttempts != 30 {
		t.Errorf("Expected MaxAttempts 30, got: %d", cfg.MaxAttempts)
	}
	if cfg.Interval != 3*time.Second {
		t.Errorf("Expected 3s interval, got: %v", cfg.Interval)
	}
}
