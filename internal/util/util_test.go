package util

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPermanent(t *testing.T) {
	sentinel := errors.New("bad request")
	attempts := 0

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		return Permanent(sentinel)
	})

	if !errors.Is(err, sentinel) {
		t.Fatalf("Retry error = %v, want %v", err, sentinel)
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times, want 1", attempts)
	}
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 3, time.Hour, func() error { return errors.New("fail") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry error = %v, want context.Canceled", err)
	}
}

func TestRateLimiterNew(t *testing.T) {
	rl := NewRateLimiter(60)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
	if NewRateLimiter(0) != nil {
		t.Error("NewRateLimiter(0) should return nil (unlimited)")
	}
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewBurstRateLimiter(1, 2)
	if !rl.Allow() || !rl.Allow() {
		t.Fatal("expected burst of two tokens")
	}
	if rl.Allow() {
		t.Error("third Allow should fail until the bucket refills")
	}

	var unlimited *RateLimiter
	if !unlimited.Allow() {
		t.Error("nil limiter should always allow")
	}
	if err := unlimited.Wait(context.Background()); err != nil {
		t.Errorf("nil limiter Wait returned %v", err)
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	rl := NewRateLimiter(1)
	rl.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait error = %v, want deadline exceeded", err)
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	NewLoggerTo(&buf, "debug", "json").Debug("hello", "k", 1)
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("json output = %q", buf.String())
	}

	buf.Reset()
	NewLoggerTo(&buf, "warn", "text").Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}
}

func TestSessionBounds(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)

	start, end, err := SessionBounds("2024-03-05", "09:00:00", "13:30", loc)
	if err != nil {
		t.Fatalf("SessionBounds error: %v", err)
	}
	if want := time.Date(2024, 3, 5, 9, 0, 0, 0, loc); !start.Equal(want) {
		t.Errorf("start = %v, want %v", start, want)
	}
	if want := time.Date(2024, 3, 5, 13, 30, 0, 0, loc); !end.Equal(want) {
		t.Errorf("end = %v, want %v", end, want)
	}

	if _, _, err := SessionBounds("2024-03-05", "13:00:00", "09:00:00", loc); err == nil {
		t.Error("expected error when end precedes start")
	}
	if _, _, err := SessionBounds("", "09:00:00", "10:00:00", loc); err == nil {
		t.Error("expected error when date is missing")
	}

	s, _, err := SessionBounds("", "2024-03-05T01:00:00Z", "2024-03-05T02:00:00Z", loc)
	if err != nil {
		t.Fatalf("RFC3339 bounds error: %v", err)
	}
	if s.UTC().Hour() != 1 {
		t.Errorf("RFC3339 start = %v", s)
	}
}

func TestYearMonth(t *testing.T) {
	if got, err := YearMonth("2024-03"); err != nil || got != "2024-03" {
		t.Errorf("YearMonth(2024-03) = %q, %v", got, err)
	}
	if _, err := YearMonth("2024-13"); err == nil {
		t.Error("expected error for month 13")
	}
}
