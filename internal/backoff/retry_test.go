// ABOUTME: Tests for exponential backoff
// ABOUTME: Checks success, abort, attempt limits and cancellation
package backoff

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryUntilSuccess(t *testing.T) {
	n := 0
	err := Config{MaxWait: time.Millisecond, Report: func(error) error { return nil }}.Retry(context.Background(), func() error {
		n++
		if n < 5 {
			return fmt.Errorf("attempt %d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 attempts, got %d", n)
	}
}

func TestRetryAbortedByReport(t *testing.T) {
	permanent := errors.New("permanent")
	n := 0
	err := Config{Report: func(err error) error { return permanent }}.Retry(context.Background(), func() error {
		n++
		return errors.New("fail")
	})
	if !errors.Is(err, permanent) || n != 1 {
		t.Errorf("expected abort after one attempt, got %v after %d", err, n)
	}
}

func TestRetryMaxAttempts(t *testing.T) {
	last := errors.New("still failing")
	n := 0
	cfg := Config{MaxAttempts: 3, MaxWait: time.Millisecond, Report: func(error) error { return nil }}
	err := cfg.Retry(context.Background(), func() error {
		n++
		return last
	})
	if !errors.Is(err, last) || n != 3 {
		t.Errorf("expected last error after 3 attempts, got %v after %d", err, n)
	}
}

func TestRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	if err := Retry(ctx, func() error { called = true; return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Error("try must not run on a cancelled context")
	}

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	cfg := Config{MinWait: time.Second, Report: func(error) error { return nil }}
	start := time.Now()
	err := cfg.Retry(ctx, func() error { return errors.New("fail") })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("cancellation did not interrupt the wait")
	}
}
