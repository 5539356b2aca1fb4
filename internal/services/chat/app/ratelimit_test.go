package server

import (
	"testing"
	"time"
)

func TestMessageLimiterFixedWindow(t *testing.T) {
	limiter := newMessageLimiter(30, 60*time.Second)
	base := time.Now()

	for i := 0; i < 30; i++ {
		if !limiter.allow(base.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("message %d denied inside limit", i+1)
		}
	}
	if limiter.allow(base.Add(45 * time.Second)) {
		t.Fatal("31st message allowed inside window")
	}

	// Once the window deadline passes the counter resets.
	if !limiter.allow(base.Add(61 * time.Second)) {
		t.Fatal("message denied after window reset")
	}
}

func TestMessageLimiterDefaults(t *testing.T) {
	limiter := newMessageLimiter(0, 0)
	if limiter.limit != defaultRateLimitMessages {
		t.Fatalf("limit = %d", limiter.limit)
	}
	if limiter.window != defaultRateLimitWindow {
		t.Fatalf("window = %v", limiter.window)
	}
}
