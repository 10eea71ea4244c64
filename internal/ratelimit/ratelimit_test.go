package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(max int, windowLen time.Duration) (*Limiter, *time.Time) {
	l := New(windowLen, max)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.Now = func() time.Time { return now }
	return l, &now
}

func TestAllowWithinBudget(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("attempt %d denied", i+1)
		}
	}
	if l.Allow("1.2.3.4") {
		t.Fatalf("attempt over budget allowed")
	}
	// another caller has its own budget
	if !l.Allow("5.6.7.8") {
		t.Fatalf("unrelated key denied")
	}
}

func TestWindowResets(t *testing.T) {
	l, now := newTestLimiter(2, time.Minute)
	l.Allow("1.2.3.4")
	l.Allow("1.2.3.4")
	if l.Allow("1.2.3.4") {
		t.Fatalf("over budget allowed")
	}
	*now = now.Add(61 * time.Second)
	if !l.Allow("1.2.3.4") {
		t.Fatalf("denied after window expired")
	}
}

func TestRemaining(t *testing.T) {
	l, now := newTestLimiter(3, time.Minute)
	if got := l.Remaining("1.2.3.4"); got != 3 {
		t.Fatalf("fresh remaining = %d", got)
	}
	l.Allow("1.2.3.4")
	if got := l.Remaining("1.2.3.4"); got != 2 {
		t.Fatalf("remaining after one = %d", got)
	}
	l.Allow("1.2.3.4")
	l.Allow("1.2.3.4")
	l.Allow("1.2.3.4")
	if got := l.Remaining("1.2.3.4"); got != 0 {
		t.Fatalf("exhausted remaining = %d", got)
	}
	*now = now.Add(2 * time.Minute)
	if got := l.Remaining("1.2.3.4"); got != 3 {
		t.Fatalf("remaining after reset = %d", got)
	}
}
