package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFixedWindowLimiterEnforcesPerUserLimit(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "chatforge:chat", 2, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}

	for i := 0; i < 2; i++ {
		if !limiter.Allow("user-1") {
			t.Fatalf("request %d for user-1 should pass", i+1)
		}
	}
	if limiter.Allow("user-1") {
		t.Fatal("user-1 should be blocked over the limit")
	}
	if !limiter.Allow("user-2") {
		t.Fatal("user-2 has an independent window")
	}
}

func TestFixedWindowLimiterResetsAfterWindow(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "chatforge:chat", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}

	if !limiter.Allow("user-1") {
		t.Fatal("first request should pass")
	}
	if limiter.Allow("user-1") {
		t.Fatal("second request inside the window should be blocked")
	}
	redis.FastForward(time.Minute + time.Second)
	if !limiter.Allow("user-1") {
		t.Fatal("request after window expiry should pass")
	}
}

func TestFixedWindowLimiterFailsClosed(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "chatforge:chat", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	redis.Close()
	if limiter.Allow("user-1") {
		t.Fatal("limiter must deny when redis is unreachable")
	}
}

func TestFixedWindowLimiterRequiresAddr(t *testing.T) {
	limiter, err := NewRedisFixedWindowLimiter("", "", "chatforge:chat", 1, time.Minute)
	if err == nil || limiter != nil {
		t.Fatal("expected constructor error for empty redis addr")
	}
}
