package ratelimiter

import (
	"testing"
	"time"
)

func TestWindowLimiterDeniesSixthCall(t *testing.T) {
	l := NewWindowLimiter(Policy{Limit: 5, Window: 60 * time.Second}, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		d := l.Check("1.2.3.4", now)
		if !d.Allowed {
			t.Fatalf("call %d: expected allowed", i+1)
		}
	}

	d := l.Check("1.2.3.4", now.Add(10*time.Second))
	if d.Allowed {
		t.Fatalf("6th call within window must be denied")
	}
	if d.RetryAfterSeconds < 1 || d.RetryAfterSeconds > 60 {
		t.Fatalf("retry-after out of range: %d", d.RetryAfterSeconds)
	}
}

func TestWindowLimiterResetsAfterWindow(t *testing.T) {
	l := NewWindowLimiter(Policy{Limit: 5, Window: 60 * time.Second}, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		l.Check("1.2.3.4", now)
	}

	later := now.Add(61 * time.Second)
	for i := 0; i < 5; i++ {
		d := l.Check("1.2.3.4", later)
		if !d.Allowed {
			t.Fatalf("post-reset call %d: expected allowed", i+1)
		}
	}
	if d := l.Check("1.2.3.4", later); d.Allowed {
		t.Fatalf("6th post-reset call must be denied")
	}
}

func TestWindowLimiterKeysAreIndependent(t *testing.T) {
	l := NewWindowLimiter(Policy{Limit: 1, Window: time.Minute}, nil)
	now := time.Now()

	if d := l.Check("10.0.0.1", now); !d.Allowed {
		t.Fatalf("first key should be allowed")
	}
	if d := l.Check("10.0.0.1", now); d.Allowed {
		t.Fatalf("first key should now be limited")
	}
	if d := l.Check("10.0.0.2", now); !d.Allowed {
		t.Fatalf("second key must not share the first key's window")
	}
}

func TestWindowLimiterEmptyKeyBypasses(t *testing.T) {
	l := NewWindowLimiter(Policy{Limit: 1, Window: time.Minute}, nil)
	now := time.Now()
	for i := 0; i < 10; i++ {
		if d := l.Check("  ", now); !d.Allowed {
			t.Fatalf("blank keys must not be limited")
		}
	}
}

func TestMapLimiterEvictsIdleEntries(t *testing.T) {
	l := NewMapLimiter(1, 1, time.Minute)
	now := time.Now()
	if !l.Allow("198.51.100.7", now) {
		t.Fatalf("first request should pass")
	}
	if l.Allow("198.51.100.7", now) {
		t.Fatalf("burst of 1 should deny the immediate second request")
	}
	if !l.Allow("198.51.100.7", now.Add(2*time.Second)) {
		t.Fatalf("bucket should refill at 1 rps")
	}
}
