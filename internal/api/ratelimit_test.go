package api

import (
	"testing"
	"time"

	"github.com/mkessel/twinward/internal/config"
)

func TestAdmitReportsActualWait(t *testing.T) {
	cl := newClientLimiter(config.RateLimitConfig{RequestsPerMinute: 60, Burst: 2})

	for i := 0; i < 2; i++ {
		if ok, _ := cl.admit("ip:10.0.0.1"); !ok {
			t.Fatalf("request %d within burst denied", i)
		}
	}

	// At one token per second the wait until the next token can never
	// exceed a second, and a denied request must not consume tokens, so
	// the hint stays bounded across repeated denials instead of growing.
	for i := 0; i < 3; i++ {
		ok, retry := cl.admit("ip:10.0.0.1")
		if ok {
			t.Fatalf("denial %d admitted past the burst", i)
		}
		if retry <= 0 || retry > time.Second {
			t.Errorf("denial %d retry hint = %v, want within (0, 1s]", i, retry)
		}
	}

	// A different client has its own bucket.
	if ok, _ := cl.admit("ip:10.0.0.2"); !ok {
		t.Error("fresh client denied")
	}
}
