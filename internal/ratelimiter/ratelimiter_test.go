package ratelimiter

import (
	"context"
	"testing"
	"time"
)

func TestAllowEnforcesBurst(t *testing.T) {
	limiter := New(10, 10)

	for i := 0; i < 10; i++ {
		if !limiter.Allow() {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	if limiter.Allow() {
		t.Fatal("request beyond burst should be rejected")
	}
}

func TestAllowRefills(t *testing.T) {
	limiter := New(100, 1)

	if !limiter.Allow() {
		t.Fatal("first request should be allowed")
	}
	if limiter.Allow() {
		t.Fatal("bucket should be empty")
	}

	// 100 req/s refills one token in 10ms.
	time.Sleep(25 * time.Millisecond)
	if !limiter.Allow() {
		t.Fatal("token should have refilled")
	}
}

func TestZeroRateIsUnlimited(t *testing.T) {
	limiter := New(0, 0)

	for i := 0; i < 10_000; i++ {
		if !limiter.Allow() {
			t.Fatalf("request %d rejected by unlimited limiter", i)
		}
	}
}

func TestWaitRespectsContext(t *testing.T) {
	limiter := New(1, 1)
	limiter.Allow() // drain the bucket

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx); err == nil {
		t.Fatal("Wait should fail once the context expires")
	}
}

func TestSetLimitGrowsBurst(t *testing.T) {
	limiter := New(1, 1)
	limiter.SetLimit(100)

	allowed := 0
	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		if limiter.Allow() {
			allowed++
		}
	}
	if allowed < 2 {
		t.Fatalf("raised limit admitted only %d requests", allowed)
	}
}
